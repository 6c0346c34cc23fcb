package sim

import (
	"github.com/sirupsen/logrus"
)

// HandlerFunc processes one dispatched RuleEvent.
type HandlerFunc func(ev *RuleEvent)

type dispatchKey struct {
	kind   EventKind
	family ProtocolFamily
}

// msmQubitInfo remembers which local qubit a photon index maps to and
// which correction the local click reported.
type msmQubitInfo struct {
	QubitIndex int
	Correction PauliOp
}

// MSMInfo is the per-interface scratch state for the midpoint-source
// link protocol.
type MSMInfo struct {
	PhotonIndexCounter uint64
	IterationIndex     uint64

	// iteration -> local qubit index, for photons still in flight
	QubitInfoMap map[uint64]int
	// photon index -> local outcome, awaiting the partner's result
	QubitPostProcessInfo map[uint64]msmQubitInfo

	PartnerAddress   int
	PartnerQnicIndex int
	EPPSAddress      int
	TotalTravelTime  SimTime
}

func newMSMInfo() *MSMInfo {
	return &MSMInfo{
		QubitInfoMap:         make(map[uint64]int),
		QubitPostProcessInfo: make(map[uint64]msmQubitInfo),
	}
}

// RuleEngine is the per-node protocol core. It feeds incoming messages
// through the EventBus, dispatches the resulting events through a
// two-tier handler table, and keeps the runtimes supplied with qubits.
type RuleEngine struct {
	nodeAddr  int
	kernel    KernelPort
	bus       *EventBus
	facade    *RuntimeFacade
	qnics     *QNicStore
	bellPairs *BellPairStore
	physical  *PhysicalService
	logger    Logger
	metrics   *Metrics

	exact    map[dispatchKey]HandlerFunc
	byKind   map[EventKind]HandlerFunc
	byFamily map[ProtocolFamily]HandlerFunc

	msmInfos map[int]*MSMInfo
	// per-interface emission timer; present while a train is running
	emissionTimers map[int]*Message
	// per-interface qubits emitted this MIM round, in emission order
	emittedQubits map[int][]*QubitRecord
	neighborAddrs map[int]int
}

// NewRuleEngine wires the protocol core for one node and installs the
// default handler set.
func NewRuleEngine(nodeAddr int, kernel KernelPort, bus *EventBus, facade *RuntimeFacade,
	qnics *QNicStore, bellPairs *BellPairStore, physical *PhysicalService,
	logger Logger, metrics *Metrics) *RuleEngine {
	if kernel == nil {
		panic("NewRuleEngine: kernel must not be nil")
	}
	if bus == nil {
		panic("NewRuleEngine: bus must not be nil")
	}
	if logger == nil {
		logger = DisabledLogger{}
	}
	e := &RuleEngine{
		nodeAddr:       nodeAddr,
		kernel:         kernel,
		bus:            bus,
		facade:         facade,
		qnics:          qnics,
		bellPairs:      bellPairs,
		physical:       physical,
		logger:         logger,
		metrics:        metrics,
		exact:          make(map[dispatchKey]HandlerFunc),
		byKind:         make(map[EventKind]HandlerFunc),
		byFamily:       make(map[ProtocolFamily]HandlerFunc),
		msmInfos:       make(map[int]*MSMInfo),
		emissionTimers: make(map[int]*Message),
		emittedQubits:  make(map[int][]*QubitRecord),
		neighborAddrs:  make(map[int]int),
	}
	registerMIMHandlers(e)
	registerMSMHandlers(e)
	registerForwardingHandlers(e)
	return e
}

// Address implements MessageSink.
func (e *RuleEngine) Address() int { return e.nodeAddr }

// Facade exposes the runtime collection, mainly for end-of-run reports.
func (e *RuleEngine) Facade() *RuntimeFacade { return e.facade }

// RegisterHandler installs (or overrides) the handler for an exact
// (kind, family) pair.
func (e *RuleEngine) RegisterHandler(kind EventKind, family ProtocolFamily, fn HandlerFunc) {
	e.exact[dispatchKey{kind, family}] = fn
}

// RegisterKindFallback installs the per-kind fallback, hit when no exact
// entry matches.
func (e *RuleEngine) RegisterKindFallback(kind EventKind, fn HandlerFunc) {
	e.byKind[kind] = fn
}

// RegisterFamilyFallback installs the per-family fallback, hit when both
// tiers above miss.
func (e *RuleEngine) RegisterFamilyFallback(family ProtocolFamily, fn HandlerFunc) {
	e.byFamily[family] = fn
}

// MSMInfoFor returns the scratch state for the interface, creating it on
// first use.
func (e *RuleEngine) MSMInfoFor(qnicIndex int) *MSMInfo {
	if info, ok := e.msmInfos[qnicIndex]; ok {
		return info
	}
	info := newMSMInfo()
	e.msmInfos[qnicIndex] = info
	return info
}

// HandleMessage is the node's message entry point. The pipeline order
// keeps runtimes caught up on both sides of the dispatch.
func (e *RuleEngine) HandleMessage(msg *Message) {
	e.execAllRuleSets()

	now := e.kernel.Now()
	e.bus.PublishMessage(msg, now)

	kept := false
	for _, ev := range e.bus.Drain(now) {
		if ev.Channel == ChannelInternalTimer || ev.KeepSource {
			kept = true
		}
		e.dispatch(ev)
	}

	e.allocateAllResources()
	e.execAllRuleSets()

	if !kept && msg != nil {
		msg.Body = nil
	}
}

func (e *RuleEngine) execAllRuleSets() {
	if e.facade != nil {
		e.facade.Exec()
	}
}

func (e *RuleEngine) allocateAllResources() {
	if e.facade == nil || e.bellPairs == nil || e.qnics == nil {
		return
	}
	e.qnics.EachInterface(func(qnicType QnicType, qnicIndex int) {
		e.facade.AllocateResources(e.bellPairs, qnicType, qnicIndex)
	})
}

func (e *RuleEngine) dispatch(ev *RuleEvent) {
	if fn, ok := e.exact[dispatchKey{ev.Kind, ev.ProtocolFamily}]; ok {
		e.dispatched(ev, fn)
		return
	}
	if fn, ok := e.byKind[ev.Kind]; ok {
		e.dispatched(ev, fn)
		return
	}
	if fn, ok := e.byFamily[ev.ProtocolFamily]; ok {
		e.dispatched(ev, fn)
		return
	}
	if ev.Kind == KindUnknown {
		if e.metrics != nil {
			e.metrics.UnknownRuleEvents.Inc()
		}
		logrus.WithFields(logrus.Fields{
			"node":       e.nodeAddr,
			"msg_name":   ev.MsgName,
			"msg_type":   ev.MsgType,
			"event_kind": ev.Kind.String(),
			"time":       float64(ev.Time),
		}).Warn("unknown_rule_event")
		return
	}
	if e.metrics != nil {
		e.metrics.UnknownRuleProtocols.Inc()
	}
	logrus.WithFields(logrus.Fields{
		"node":               e.nodeAddr,
		"msg_name":           ev.MsgName,
		"event_kind":         ev.Kind.String(),
		"protocol_family":    ev.ProtocolFamily.String(),
		"protocol_raw_value": ev.ProtocolRawValue,
		"time":               float64(ev.Time),
	}).Warn("unknown_rule_protocol")
}

func (e *RuleEngine) dispatched(ev *RuleEvent, fn HandlerFunc) {
	if e.metrics != nil {
		e.metrics.EventsDispatched.Inc()
	}
	fn(ev)
}

// schedulePhotonEmission arms the per-interface emission timer with the
// request, replacing any previous timer for the interface.
func (e *RuleEngine) schedulePhotonEmission(at SimTime, req *EmitPhotonRequest) {
	e.stopOnGoingPhotonEmission(req.QnicIndex)
	timer := &Message{
		Name:      "EmitPhotonRequest",
		ClassName: "EmitPhotonRequest",
		SrcAddr:   e.nodeAddr,
		DestAddr:  e.nodeAddr,
		Body:      req,
	}
	e.emissionTimers[req.QnicIndex] = timer
	e.kernel.ScheduleAt(at, timer)
}

// rescheduleEmission re-arms an existing timer message one interval out.
func (e *RuleEngine) rescheduleEmission(ev *RuleEvent, interval SimTime, qnicIndex int) {
	if ev.source == nil {
		return
	}
	e.emissionTimers[qnicIndex] = ev.source
	e.kernel.ScheduleAt(e.kernel.Now()+interval, ev.source)
}

// stopOnGoingPhotonEmission cancels the pending emission timer for the
// interface. Safe to call when no train is running.
func (e *RuleEngine) stopOnGoingPhotonEmission(qnicIndex int) {
	timer, ok := e.emissionTimers[qnicIndex]
	if !ok {
		return
	}
	e.kernel.CancelEvent(timer)
	delete(e.emissionTimers, qnicIndex)
}

// freeEmittedQubits reinitializes and releases every qubit recorded in
// the interface's emitted-this-round log.
func (e *RuleEngine) freeEmittedQubits(qnicIndex int) {
	for _, record := range e.emittedQubits[qnicIndex] {
		e.freeConsumedResource(record)
	}
	delete(e.emittedQubits, qnicIndex)
}

// freeConsumedResource returns a qubit to the free pool: physical state
// reinitialized, store entry erased, flags cleared.
func (e *RuleEngine) freeConsumedResource(record *QubitRecord) {
	if record == nil {
		return
	}
	if e.bellPairs != nil {
		e.bellPairs.EraseQubit(record)
	}
	if e.physical != nil {
		e.physical.Reinitialize(record.Handle(e.nodeAddr))
	}
	record.allocated = false
	if e.qnics != nil {
		e.qnics.setBusy(record, false)
	} else {
		record.busy = false
	}
}

// sendToPartner egresses a protocol message through the router port.
func (e *RuleEngine) sendToPartner(name string, destAddr int, body any) {
	msg := &Message{
		Name:      name,
		ClassName: name,
		SrcAddr:   e.nodeAddr,
		DestAddr:  destAddr,
		Body:      body,
	}
	e.logger.LogPacket("Sent", msg)
	e.kernel.Send(msg, RouterPort)
}

// insertBellPair records a fresh entangled pair with the partner.
func (e *RuleEngine) insertBellPair(partnerAddr int, record *QubitRecord) {
	if e.bellPairs == nil {
		return
	}
	e.bellPairs.InsertEntangledQubit(partnerAddr, record)
	if e.metrics != nil {
		e.metrics.BellPairsGenerated.Inc()
	}
}

// applyCorrection maps a Pauli correction to backend gates.
func (e *RuleEngine) applyCorrection(op PauliOp, record *QubitRecord) {
	if e.physical == nil || op == PauliI {
		return
	}
	handle := record.Handle(e.nodeAddr)
	switch op {
	case PauliX:
		e.physical.ApplyGate("x", handle)
	case PauliZ:
		e.physical.ApplyGate("z", handle)
	case PauliY:
		e.physical.ApplyGate("y", handle)
	}
}
