package sim

// Shared fakes for the protocol tests: a kernel that records instead of
// delivering, a sink that collects messages, and a logger that keeps
// every record.

type scheduledTimer struct {
	At  SimTime
	Msg *Message
}

// recordingKernel implements KernelPort without a queue. Sends and
// scheduled timers are captured for inspection; time only moves when a
// test sets it.
type recordingKernel struct {
	clock     SimTime
	sent      []*Message
	scheduled []scheduledTimer
	cancelled []*Message
}

func (k *recordingKernel) Now() SimTime { return k.clock }

func (k *recordingKernel) ScheduleAt(t SimTime, msg *Message) {
	msg.SelfMessage = true
	k.scheduled = append(k.scheduled, scheduledTimer{At: t, Msg: msg})
}

func (k *recordingKernel) CancelEvent(msg *Message) {
	k.cancelled = append(k.cancelled, msg)
}

func (k *recordingKernel) Send(msg *Message, port string) {
	if port != RouterPort {
		return
	}
	k.sent = append(k.sent, msg)
}

func (k *recordingKernel) EventNumber() (uint64, bool) { return 0, false }

// recordingSink collects every message delivered to it.
type recordingSink struct {
	addr     int
	received []*Message
}

func (s *recordingSink) Address() int { return s.addr }

func (s *recordingSink) HandleMessage(msg *Message) {
	s.received = append(s.received, msg)
}

type loggedPacket struct {
	EventType string
	Msg       *Message
}

type loggedBellPair struct {
	Verb        string
	PartnerAddr int
	QnicType    QnicType
	QnicIndex   int
	QubitIndex  int
}

// recordingLogger keeps every record for assertions.
type recordingLogger struct {
	nodeAddr  int
	packets   []loggedPacket
	bellPairs []loggedBellPair
	events    []string
}

func (l *recordingLogger) LogPacket(eventType string, msg *Message) {
	l.packets = append(l.packets, loggedPacket{EventType: eventType, Msg: msg})
}

func (l *recordingLogger) LogQubitState(QnicType, int, int, bool, bool) {}

func (l *recordingLogger) LogBellPairInfo(verb string, partnerAddr int, qnicType QnicType, qnicIndex, qubitIndex int) {
	l.bellPairs = append(l.bellPairs, loggedBellPair{
		Verb:        verb,
		PartnerAddr: partnerAddr,
		QnicType:    qnicType,
		QnicIndex:   qnicIndex,
		QubitIndex:  qubitIndex,
	})
}

func (l *recordingLogger) LogEvent(eventType, payloadJSON string) {
	l.events = append(l.events, eventType)
}

func (l *recordingLogger) SetQNodeAddress(addr int) { l.nodeAddr = addr }

// newTestEngine wires a RuleEngine over the error-basis backend with one
// emitter interface of two qubits.
func newTestEngine(nodeAddr int) (*RuleEngine, *SimKernel, *Metrics) {
	kernel := NewSimKernel(0, 0.0005)
	metrics := NewMetrics()
	rng := NewPartitionedRNG(NewSimulationKey(7))
	backend := NewErrorBasisBackend(rng.ForSubsystem(SubsystemBackend))
	physical := NewPhysicalService(backend, kernel, "test", string(BackendErrorBasis), metrics)
	qnics := NewQNicStore(nodeAddr, map[QnicType]int{QnicEmitter: 1}, 2, DisabledLogger{})
	pairs := NewBellPairStore(DisabledLogger{})
	facade := NewRuntimeFacade(nodeAddr, physical, metrics)
	bus := NewEventBus(kernel, metrics)
	engine := NewRuleEngine(nodeAddr, kernel, bus, facade, qnics, pairs, physical, DisabledLogger{}, metrics)
	return engine, kernel, metrics
}
