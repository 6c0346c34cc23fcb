package sim

import (
	"container/heap"

	"github.com/sirupsen/logrus"
)

// SimTime is simulated time in seconds.
type SimTime float64

// KernelPort is the surface of the simulation kernel the protocol engine
// consumes. A deterministic in-process implementation (SimKernel below)
// backs both tests and the CLI.
type KernelPort interface {
	Now() SimTime
	ScheduleAt(t SimTime, msg *Message)
	CancelEvent(msg *Message)
	Send(msg *Message, port string)
	// EventNumber returns the kernel's monotonic event counter. ok is false
	// when the kernel does not expose one; callers fall back to a
	// process-local counter.
	EventNumber() (uint64, bool)
}

// RouterPort is the single logical output all inter-node protocol messages
// egress through.
const RouterPort = "RouterPort"

// MessageSink receives messages the kernel delivers to a node.
type MessageSink interface {
	Address() int
	HandleMessage(msg *Message)
}

// scheduledMessage pairs a message with its due time and an insertion
// sequence so equal-time deliveries pop in schedule order.
type scheduledMessage struct {
	time SimTime
	seq  uint64
	msg  *Message
	dest int
}

// messageQueue implements heap.Interface ordered by (time, seq).
// See canonical Golang example here: https://pkg.go.dev/container/heap#example-package-IntHeap
type messageQueue []*scheduledMessage

func (mq messageQueue) Len() int { return len(mq) }
func (mq messageQueue) Less(i, j int) bool {
	if mq[i].time != mq[j].time {
		return mq[i].time < mq[j].time
	}
	return mq[i].seq < mq[j].seq
}
func (mq messageQueue) Swap(i, j int) { mq[i], mq[j] = mq[j], mq[i] }

func (mq *messageQueue) Push(x any) {
	*mq = append(*mq, x.(*scheduledMessage))
}

func (mq *messageQueue) Pop() any {
	old := *mq
	n := len(old)
	item := old[n-1]
	*mq = old[0 : n-1]
	return item
}

// SimKernel is a single-threaded discrete-event kernel. Nodes register as
// sinks; Send routes by destination address with a fixed channel delay.
type SimKernel struct {
	clock        SimTime
	horizon      SimTime
	queue        messageQueue
	seq          uint64
	eventCounter uint64
	channelDelay SimTime
	sinks        map[int]MessageSink

	// the node currently being stepped, so self-messages route back to it
	current int
}

// NewSimKernel creates a kernel with the given horizon and channel delay.
func NewSimKernel(horizon, channelDelay SimTime) *SimKernel {
	return &SimKernel{
		horizon:      horizon,
		queue:        make(messageQueue, 0),
		channelDelay: channelDelay,
		sinks:        make(map[int]MessageSink),
	}
}

// Register attaches a node to the kernel.
func (k *SimKernel) Register(sink MessageSink) {
	k.sinks[sink.Address()] = sink
}

// Now returns the current simulated time.
func (k *SimKernel) Now() SimTime { return k.clock }

// EventNumber exposes the kernel's delivery counter.
func (k *SimKernel) EventNumber() (uint64, bool) { return k.eventCounter, true }

// ScheduleAt queues a self-message for the current node at time t.
func (k *SimKernel) ScheduleAt(t SimTime, msg *Message) {
	if msg == nil {
		panic("ScheduleAt: msg must not be nil")
	}
	msg.SelfMessage = true
	msg.scheduled = true
	msg.scheduledAt = t
	k.seq++
	heap.Push(&k.queue, &scheduledMessage{time: t, seq: k.seq, msg: msg, dest: k.current})
}

// CancelEvent unschedules a pending self-message. Canceling a message that
// is not scheduled is a no-op.
func (k *SimKernel) CancelEvent(msg *Message) {
	if msg == nil || !msg.scheduled {
		return
	}
	msg.scheduled = false
	for i, entry := range k.queue {
		if entry.msg == msg {
			heap.Remove(&k.queue, i)
			return
		}
	}
}

// Send routes a protocol message toward its destination address after the
// channel delay.
func (k *SimKernel) Send(msg *Message, port string) {
	if msg == nil {
		panic("Send: msg must not be nil")
	}
	if port != RouterPort {
		logrus.Warnf("[t=%v] send on unknown port %q, dropping %s", k.clock, port, msg.Name)
		return
	}
	k.seq++
	heap.Push(&k.queue, &scheduledMessage{time: k.clock + k.channelDelay, seq: k.seq, msg: msg, dest: msg.DestAddr})
}

// InjectAt queues an externally-produced message for delivery to dest at
// time t. Used to seed a scenario before Run.
func (k *SimKernel) InjectAt(t SimTime, dest int, msg *Message) {
	if msg == nil {
		panic("InjectAt: msg must not be nil")
	}
	k.seq++
	heap.Push(&k.queue, &scheduledMessage{time: t, seq: k.seq, msg: msg, dest: dest})
}

// Run delivers messages in (time, seq) order until the queue empties or the
// horizon passes.
func (k *SimKernel) Run() {
	for k.queue.Len() > 0 {
		entry := heap.Pop(&k.queue).(*scheduledMessage)
		if k.horizon > 0 && entry.time > k.horizon {
			logrus.Infof("[t=%v] horizon reached, %d messages unprocessed", k.clock, k.queue.Len()+1)
			return
		}
		if entry.msg.scheduled {
			entry.msg.scheduled = false
		}
		k.clock = entry.time
		k.eventCounter++
		sink, ok := k.sinks[entry.dest]
		if !ok {
			logrus.Debugf("[t=%v] no node at address %d, dropping %s", k.clock, entry.dest, entry.msg.Name)
			continue
		}
		k.current = entry.dest
		sink.HandleMessage(entry.msg)
	}
}

// Pending returns the number of undelivered messages, for tests.
func (k *SimKernel) Pending() int { return k.queue.Len() }
