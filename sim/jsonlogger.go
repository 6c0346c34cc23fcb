package sim

import (
	"fmt"
	"io"
	"strings"
)

// Logger is the structured event sink injected into every component that
// records protocol progress. Tests use a recording implementation; the
// default is DisabledLogger.
type Logger interface {
	LogPacket(eventType string, msg *Message)
	LogQubitState(qnicType QnicType, qnicIndex, qubitIndex int, busy, allocated bool)
	LogBellPairInfo(verb string, partnerAddr int, qnicType QnicType, qnicIndex, qubitIndex int)
	LogEvent(eventType, payloadJSON string)
	SetQNodeAddress(addr int)
}

// DisabledLogger drops every record.
type DisabledLogger struct{}

func (DisabledLogger) LogPacket(string, *Message)                          {}
func (DisabledLogger) LogQubitState(QnicType, int, int, bool, bool)        {}
func (DisabledLogger) LogBellPairInfo(string, int, QnicType, int, int)     {}
func (DisabledLogger) LogEvent(string, string)                             {}
func (DisabledLogger) SetQNodeAddress(int)                                 {}

// JsonLogger emits one brace-wrapped JSON line per record. Every line
// carries simtime, event_type, and the node address, followed by an
// event-specific payload. LogEvent lines omit the address.
type JsonLogger struct {
	out      io.Writer
	kernel   KernelPort
	nodeAddr int
}

// NewJsonLogger writes lines to out, timestamped from kernel.
func NewJsonLogger(out io.Writer, kernel KernelPort) *JsonLogger {
	return &JsonLogger{out: out, kernel: kernel}
}

// SetQNodeAddress fixes the address field for subsequent lines.
func (l *JsonLogger) SetQNodeAddress(addr int) { l.nodeAddr = addr }

// LogPacket records a protocol message send or receive.
func (l *JsonLogger) LogPacket(eventType string, msg *Message) {
	l.emit("\"simtime\": %v, \"event_type\": \"%s\", \"address\": \"%d\", %s",
		l.now(), eventType, l.nodeAddr, formatMessage(msg))
}

// LogQubitState records a busy/allocated flag transition.
func (l *JsonLogger) LogQubitState(qnicType QnicType, qnicIndex, qubitIndex int, busy, allocated bool) {
	l.emit("\"simtime\": %v, \"event_type\": \"QubitStateChange\", \"address\": \"%d\", \"qnic_type\": %d, \"qnic_index\": %d, \"qubit_index\": %d, \"busy\": %t, \"allocated\": %t",
		l.now(), l.nodeAddr, int(qnicType), qnicIndex, qubitIndex, busy, allocated)
}

// LogBellPairInfo records a Bell-pair lifecycle step, e.g. BellPairGenerated.
func (l *JsonLogger) LogBellPairInfo(verb string, partnerAddr int, qnicType QnicType, qnicIndex, qubitIndex int) {
	l.emit("\"simtime\": %v, \"event_type\": \"BellPair%s\", \"address\": \"%d\", \"partner_addr\": %d, \"qnic_type\": %d, \"qnic_index\": %d, \"qubit_index\": %d",
		l.now(), verb, l.nodeAddr, partnerAddr, int(qnicType), qnicIndex, qubitIndex)
}

// LogEvent records a free-form event with a caller-built JSON payload.
func (l *JsonLogger) LogEvent(eventType, payloadJSON string) {
	l.emit("\"simtime\": %v, \"event_type\": \"%s\", \"event_payload\": %s",
		l.now(), eventType, payloadJSON)
}

func (l *JsonLogger) now() SimTime {
	if l.kernel == nil {
		return 0
	}
	return l.kernel.Now()
}

func (l *JsonLogger) emit(format string, args ...any) {
	fmt.Fprintf(l.out, "{"+format+"}\n", args...)
}

// formatMessage renders the payload fields for the connection-setup message
// family; anything else falls back to its class name and full path.
func formatMessage(msg *Message) string {
	if msg == nil {
		return "\"msg_type\": \"Unknown\", \"msg_full_path\": \"\""
	}
	switch body := msg.Body.(type) {
	case *ConnectionSetupRequest:
		var sb strings.Builder
		sb.WriteString("\"msg_type\": \"ConnectionSetupRequest\"")
		fmt.Fprintf(&sb, ", \"application_id\": %d", body.ApplicationID)
		fmt.Fprintf(&sb, ", \"actual_dest_addr\": %d", body.ActualDestAddr)
		fmt.Fprintf(&sb, ", \"actual_src_addr\": %d", body.ActualSrcAddr)
		fmt.Fprintf(&sb, ", \"num_measure\": %d", body.NumMeasure)
		fmt.Fprintf(&sb, ", \"num_required_bell_pairs\": %d", body.NumRequiredBellPairs)
		return sb.String()
	case *RejectConnectionSetupRequest:
		var sb strings.Builder
		sb.WriteString("\"msg_type\": \"RejectConnectionSetupRequest\"")
		fmt.Fprintf(&sb, ", \"application_id\": %d", body.ApplicationID)
		fmt.Fprintf(&sb, ", \"actual_dest_addr\": %d", body.ActualDestAddr)
		fmt.Fprintf(&sb, ", \"actual_src_addr\": %d", body.ActualSrcAddr)
		fmt.Fprintf(&sb, ", \"num_required_bell_pairs\": %d", body.NumRequiredBellPairs)
		return sb.String()
	case *ConnectionSetupResponse:
		var sb strings.Builder
		sb.WriteString("\"msg_type\": \"ConnectionSetupResponse\"")
		fmt.Fprintf(&sb, ", \"application_id\": %d", body.ApplicationID)
		fmt.Fprintf(&sb, ", \"actual_dest_addr\": %d", body.ActualDestAddr)
		fmt.Fprintf(&sb, ", \"actual_src_addr\": %d", body.ActualSrcAddr)
		fmt.Fprintf(&sb, ", \"ruleset_id\": %d", body.RuleSetID)
		fmt.Fprintf(&sb, ", \"ruleset\": %s", body.RuleSet.MarshalJSONString())
		fmt.Fprintf(&sb, ", \"application_type\": %d", body.ApplicationType)
		sb.WriteString(", \"stack_of_qnode_indices\": [")
		for i, idx := range body.StackOfQNodeIndices {
			if i != 0 {
				sb.WriteString(", ")
			}
			fmt.Fprintf(&sb, "%d", idx)
		}
		sb.WriteString("]")
		return sb.String()
	}
	return fmt.Sprintf("\"msg_type\": \"Unknown\", \"msg_full_path\": \"%s\"", escapeJSON(msg.Name))
}

// escapeJSON escapes quotes, backslashes, and control characters for
// embedding arbitrary strings in a JSON line.
func escapeJSON(value string) string {
	var sb strings.Builder
	for _, ch := range []byte(value) {
		switch ch {
		case '"':
			sb.WriteString("\\\"")
		case '\\':
			sb.WriteString("\\\\")
		case '\b':
			sb.WriteString("\\b")
		case '\f':
			sb.WriteString("\\f")
		case '\n':
			sb.WriteString("\\n")
		case '\r':
			sb.WriteString("\\r")
		case '\t':
			sb.WriteString("\\t")
		default:
			if ch < 0x20 {
				fmt.Fprintf(&sb, "\\u%04x", ch)
			} else {
				sb.WriteByte(ch)
			}
		}
	}
	return sb.String()
}
