package sim

import (
	"container/heap"
	"fmt"
	"strconv"
	"strings"
)

// TranslatorFunc decodes a message the built-in type table does not know.
// Returning false means the translator did not recognize the message.
type TranslatorFunc func(msg *Message, now SimTime) (*RuleEvent, bool)

// ruleEventQueue implements heap.Interface and orders events by
// (Time, EventNumber).
type ruleEventQueue []*RuleEvent

func (q ruleEventQueue) Len() int { return len(q) }
func (q ruleEventQueue) Less(i, j int) bool {
	if q[i].Time != q[j].Time {
		return q[i].Time < q[j].Time
	}
	return q[i].EventNumber < q[j].EventNumber
}
func (q ruleEventQueue) Swap(i, j int) { q[i], q[j] = q[j], q[i] }

func (q *ruleEventQueue) Push(x any) {
	*q = append(*q, x.(*RuleEvent))
}

func (q *ruleEventQueue) Pop() any {
	old := *q
	n := len(old)
	item := old[n-1]
	*q = old[0 : n-1]
	return item
}

// EventBus normalizes raw messages into RuleEvents and holds them in a
// priority queue until drained. Classification is two-stage: a built-in
// type table first, then a translator registry keyed by class name.
type EventBus struct {
	kernel       KernelPort
	queue        ruleEventQueue
	translators  map[string]TranslatorFunc
	localCounter uint64
	metrics      *Metrics
}

// NewEventBus creates an empty bus bound to the kernel's event counter.
func NewEventBus(kernel KernelPort, metrics *Metrics) *EventBus {
	return &EventBus{
		kernel:      kernel,
		queue:       make(ruleEventQueue, 0),
		translators: make(map[string]TranslatorFunc),
		metrics:     metrics,
	}
}

// RegisterTranslator supplies or overrides the decoder for a message class.
func (b *EventBus) RegisterTranslator(className string, fn TranslatorFunc) {
	b.translators[className] = fn
}

// PublishMessage classifies a raw message and queues the resulting event.
// A nil message queues a single UNKNOWN event with an empty payload.
func (b *EventBus) PublishMessage(msg *Message, now SimTime) *RuleEvent {
	event := b.classify(msg, now)
	b.Publish(event)
	return event
}

// Publish queues a pre-built event as-is. Events built by tests or by
// handlers carry their own EventNumber; a zero value is replaced with the
// next counter value so the tie-breaker stays strict.
func (b *EventBus) Publish(event *RuleEvent) {
	if event.EventNumber == 0 {
		event.EventNumber = b.nextEventNumber()
	}
	heap.Push(&b.queue, event)
	if b.metrics != nil {
		b.metrics.EventsPublished.Inc()
	}
}

// Drain removes and returns every queued event with Time <= now, sorted
// ascending by (Time, EventNumber). Later events stay queued.
func (b *EventBus) Drain(now SimTime) []*RuleEvent {
	var drained []*RuleEvent
	for b.queue.Len() > 0 && b.queue[0].Time <= now {
		drained = append(drained, heap.Pop(&b.queue).(*RuleEvent))
	}
	if b.metrics != nil {
		b.metrics.EventsDrained.Add(float64(len(drained)))
	}
	return drained
}

// Pending returns the number of queued events, for tests.
func (b *EventBus) Pending() int { return b.queue.Len() }

func (b *EventBus) nextEventNumber() uint64 {
	if b.kernel != nil {
		if n, ok := b.kernel.EventNumber(); ok {
			b.localCounter = max(b.localCounter, n) + 1
			return b.localCounter
		}
	}
	b.localCounter++
	return b.localCounter
}

func (b *EventBus) classify(msg *Message, now SimTime) *RuleEvent {
	event := &RuleEvent{
		Kind:        KindUnknown,
		Channel:     ChannelUnknown,
		Time:        now,
		EventNumber: b.nextEventNumber(),
		source:      msg,
	}
	if msg == nil {
		event.ExecutionPath = executionPathForKind(event.Kind)
		return event
	}

	if msg.SelfMessage {
		event.Channel = ChannelInternalTimer
	} else {
		event.Channel = ChannelExternal
	}
	event.MsgName = msg.Name
	event.Payload = msg.Body
	event.MsgType = bodyTypeName(msg.Body)

	switch body := msg.Body.(type) {
	case *BSMTimingNotification:
		event.Kind = KindBSMTiming
		event.ProtocolFamily = FamilyMIMv1
	case *CombinedBSAResults:
		event.Kind = KindBSMResult
		event.ProtocolFamily = FamilyMIMv1
	case *EPPSTimingNotification:
		event.Kind = KindEPPSTiming
		event.ProtocolFamily = FamilyMSMv1
	case *EmitPhotonRequest:
		event.Kind = KindEmitPhotonRequest
		if body.MSM {
			event.ProtocolFamily = FamilyMSMv1
		} else {
			event.ProtocolFamily = FamilyMIMv1
		}
	case *SingleClickResult:
		event.Kind = KindSingleClickResult
		event.ProtocolFamily = FamilyMSMv1
	case *MSMResult:
		event.Kind = KindMSMResult
		event.ProtocolFamily = FamilyMSMv1
	case *StopEmitting:
		event.Kind = KindStopEmitting
		event.ProtocolFamily = FamilyMSMv1
	case *PurificationResult:
		event.Kind = KindPurificationResult
		family, ok := purificationFamilyFromHint(body.ProtocolHint)
		event.ProtocolFamily = family
		if !ok {
			event.ProtocolRawValue = strconv.Itoa(body.ProtocolHint)
		}
	case *SwappingResult:
		event.Kind = KindSwappingResult
		event.ProtocolFamily = FamilySwapping
	case *LinkTomographyRuleSet:
		event.Kind = KindLinkTomographyRuleSet
		event.ProtocolFamily = FamilyLinkTomography
	case *InternalRuleSetForwarding:
		event.Kind = KindRuleSetForwarding
		event.ProtocolFamily = FamilyConnectionManagement
	case *InternalRuleSetForwardingApplication:
		event.Kind = KindRuleSetForwardingApplication
		if body.ApplicationType == 0 {
			event.ProtocolFamily = FamilyConnectionManagement
		} else {
			event.ProtocolFamily = FamilyUnknown
			event.ProtocolRawValue = strconv.Itoa(body.ApplicationType)
		}
	default:
		if fn, ok := b.translators[msg.ClassName]; ok {
			if translated, ok := fn(msg, now); ok {
				translated.Time = now
				if translated.EventNumber == 0 {
					translated.EventNumber = event.EventNumber
				}
				if translated.Channel == ChannelUnknown {
					translated.Channel = event.Channel
				}
				if translated.ExecutionPath == PathUnknown {
					translated.ExecutionPath = executionPathForKind(translated.Kind)
				}
				translated.source = msg
				return translated
			}
		}
	}

	event.KeepSource = event.Channel == ChannelInternalTimer || event.Kind == KindEmitPhotonRequest
	event.ExecutionPath = executionPathForKind(event.Kind)
	return event
}

func bodyTypeName(body any) string {
	if body == nil {
		return ""
	}
	name := fmt.Sprintf("%T", body)
	if i := strings.LastIndex(name, "."); i >= 0 {
		name = name[i+1:]
	}
	return name
}
