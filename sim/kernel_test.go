package sim

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKernelDeliversInTimeOrder(t *testing.T) {
	kernel := NewSimKernel(0, 0)
	sink := &recordingSink{addr: 1}
	kernel.Register(sink)

	kernel.InjectAt(0.3, 1, &Message{Name: "third"})
	kernel.InjectAt(0.1, 1, &Message{Name: "first"})
	kernel.InjectAt(0.2, 1, &Message{Name: "second"})
	kernel.Run()

	require.Len(t, sink.received, 3)
	assert.Equal(t, "first", sink.received[0].Name)
	assert.Equal(t, "second", sink.received[1].Name)
	assert.Equal(t, "third", sink.received[2].Name)
	assert.Equal(t, SimTime(0.3), kernel.Now())
}

func TestKernelEqualTimesDeliverInScheduleOrder(t *testing.T) {
	kernel := NewSimKernel(0, 0)
	sink := &recordingSink{addr: 1}
	kernel.Register(sink)

	for _, name := range []string{"a", "b", "c", "d"} {
		kernel.InjectAt(1.0, 1, &Message{Name: name})
	}
	kernel.Run()

	require.Len(t, sink.received, 4)
	for i, want := range []string{"a", "b", "c", "d"} {
		assert.Equal(t, want, sink.received[i].Name)
	}
}

func TestKernelSendAddsChannelDelay(t *testing.T) {
	kernel := NewSimKernel(0, 0.0005)
	receiver := &recordingSink{addr: 2}
	kernel.Register(receiver)
	kernel.Register(&senderSink{kernel: kernel, addr: 1})

	kernel.InjectAt(1.0, 1, &Message{Name: "kick"})
	kernel.Run()

	require.Len(t, receiver.received, 1)
	assert.Equal(t, "relayed", receiver.received[0].Name)
	assert.InDelta(t, 1.0005, float64(kernel.Now()), 1e-9)
}

// senderSink forwards a fresh message to address 2 whenever it is stepped.
type senderSink struct {
	kernel *SimKernel
	addr   int
}

func (s *senderSink) Address() int { return s.addr }

func (s *senderSink) HandleMessage(*Message) {
	s.kernel.Send(&Message{Name: "relayed", DestAddr: 2}, RouterPort)
}

// timerSink schedules a self-message on its first delivery and records what
// arrives afterward.
type timerSink struct {
	kernel   *SimKernel
	addr     int
	received []*Message
}

func (s *timerSink) Address() int { return s.addr }

func (s *timerSink) HandleMessage(msg *Message) {
	s.received = append(s.received, msg)
	if msg.Name == "kick" {
		s.kernel.ScheduleAt(s.kernel.Now()+0.01, &Message{Name: "timer"})
	}
}

func TestKernelSelfMessageRoutesBackToCurrentNode(t *testing.T) {
	kernel := NewSimKernel(0, 0)
	node := &timerSink{kernel: kernel, addr: 3}
	other := &recordingSink{addr: 4}
	kernel.Register(node)
	kernel.Register(other)

	kernel.InjectAt(0.5, 3, &Message{Name: "kick"})
	kernel.Run()

	require.Len(t, node.received, 2)
	assert.Equal(t, "timer", node.received[1].Name)
	assert.True(t, node.received[1].SelfMessage)
	assert.Empty(t, other.received)
	assert.InDelta(t, 0.51, float64(kernel.Now()), 1e-9)
}

func TestKernelCancelEventRemovesPendingTimer(t *testing.T) {
	kernel := NewSimKernel(0, 0)
	sink := &recordingSink{addr: 1}
	kernel.Register(sink)

	timer := &Message{Name: "timer"}
	kernel.current = 1
	kernel.ScheduleAt(2.0, timer)
	assert.Equal(t, 1, kernel.Pending())

	kernel.CancelEvent(timer)
	assert.Zero(t, kernel.Pending())

	kernel.Run()
	assert.Empty(t, sink.received)
}

func TestKernelCancelUnscheduledMessageIsNoOp(t *testing.T) {
	kernel := NewSimKernel(0, 0)
	kernel.CancelEvent(&Message{Name: "never scheduled"})
	kernel.CancelEvent(nil)
	assert.Zero(t, kernel.Pending())
}

func TestKernelStopsAtHorizon(t *testing.T) {
	kernel := NewSimKernel(1.0, 0)
	sink := &recordingSink{addr: 1}
	kernel.Register(sink)

	kernel.InjectAt(0.5, 1, &Message{Name: "in"})
	kernel.InjectAt(1.5, 1, &Message{Name: "out"})
	kernel.Run()

	require.Len(t, sink.received, 1)
	assert.Equal(t, "in", sink.received[0].Name)
	assert.Equal(t, SimTime(0.5), kernel.Now())
}

func TestKernelDropsMessagesForUnknownAddress(t *testing.T) {
	kernel := NewSimKernel(0, 0)
	sink := &recordingSink{addr: 1}
	kernel.Register(sink)

	kernel.InjectAt(0.1, 99, &Message{Name: "lost"})
	kernel.InjectAt(0.2, 1, &Message{Name: "kept"})
	kernel.Run()

	require.Len(t, sink.received, 1)
	assert.Equal(t, "kept", sink.received[0].Name)
}

func TestKernelSendUnknownPortDrops(t *testing.T) {
	kernel := NewSimKernel(0, 0)
	kernel.Send(&Message{Name: "misrouted", DestAddr: 1}, "ServicePort")
	assert.Zero(t, kernel.Pending())
}

func TestKernelEventNumberCountsDeliveries(t *testing.T) {
	kernel := NewSimKernel(0, 0)
	sink := &recordingSink{addr: 1}
	kernel.Register(sink)

	n, ok := kernel.EventNumber()
	assert.True(t, ok)
	assert.Zero(t, n)

	kernel.InjectAt(0.1, 1, &Message{Name: "a"})
	kernel.InjectAt(0.2, 1, &Message{Name: "b"})
	kernel.Run()

	n, _ = kernel.EventNumber()
	assert.Equal(t, uint64(2), n)
}
