package sim

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestJsonLoggerQubitStateLine(t *testing.T) {
	var buf bytes.Buffer
	l := NewJsonLogger(&buf, &recordingKernel{clock: 1.5})
	l.SetQNodeAddress(7)
	l.LogQubitState(QnicReceiver, 2, 3, true, false)

	assert.Equal(t,
		`{"simtime": 1.5, "event_type": "QubitStateChange", "address": "7", "qnic_type": 1, "qnic_index": 2, "qubit_index": 3, "busy": true, "allocated": false}`+"\n",
		buf.String())
}

func TestJsonLoggerBellPairLine(t *testing.T) {
	var buf bytes.Buffer
	l := NewJsonLogger(&buf, nil)
	l.SetQNodeAddress(2)
	l.LogBellPairInfo("Generated", 5, QnicEmitter, 0, 1)

	assert.Equal(t,
		`{"simtime": 0, "event_type": "BellPairGenerated", "address": "2", "partner_addr": 5, "qnic_type": 0, "qnic_index": 0, "qubit_index": 1}`+"\n",
		buf.String())
}

func TestJsonLoggerNilKernelTimestampsZero(t *testing.T) {
	var buf bytes.Buffer
	l := NewJsonLogger(&buf, nil)
	l.LogEvent("HorizonReached", `{"pending": 3}`)

	assert.Equal(t,
		`{"simtime": 0, "event_type": "HorizonReached", "event_payload": {"pending": 3}}`+"\n",
		buf.String())
}

func TestJsonLoggerPacketConnectionSetupRequest(t *testing.T) {
	var buf bytes.Buffer
	l := NewJsonLogger(&buf, nil)
	l.SetQNodeAddress(3)
	l.LogPacket("PacketSent", &Message{
		Name: "ConnectionSetupRequest",
		Body: &ConnectionSetupRequest{
			ApplicationID:        9,
			ActualDestAddr:       5,
			ActualSrcAddr:        2,
			NumMeasure:           100,
			NumRequiredBellPairs: 1,
		},
	})

	assert.Equal(t,
		`{"simtime": 0, "event_type": "PacketSent", "address": "3", "msg_type": "ConnectionSetupRequest", "application_id": 9, "actual_dest_addr": 5, "actual_src_addr": 2, "num_measure": 100, "num_required_bell_pairs": 1}`+"\n",
		buf.String())
}

func TestJsonLoggerPacketReject(t *testing.T) {
	var buf bytes.Buffer
	l := NewJsonLogger(&buf, nil)
	l.LogPacket("PacketRecv", &Message{
		Body: &RejectConnectionSetupRequest{
			ApplicationID:        9,
			ActualDestAddr:       5,
			ActualSrcAddr:        2,
			NumRequiredBellPairs: 1,
		},
	})

	assert.Contains(t, buf.String(),
		`"msg_type": "RejectConnectionSetupRequest", "application_id": 9, "actual_dest_addr": 5, "actual_src_addr": 2, "num_required_bell_pairs": 1`)
}

func TestJsonLoggerPacketResponseEmbedsRuleSet(t *testing.T) {
	rs := NewRuleSet(1234, 2)
	rs.AddRule(NewTomographyRule(5, 3, 0, 2))

	var buf bytes.Buffer
	l := NewJsonLogger(&buf, nil)
	l.LogPacket("PacketRecv", &Message{
		Body: &ConnectionSetupResponse{
			ApplicationID:       9,
			ActualDestAddr:      5,
			ActualSrcAddr:       2,
			RuleSetID:           1234,
			RuleSet:             rs,
			ApplicationType:     0,
			StackOfQNodeIndices: []int{2, 3, 4, 5},
		},
	})

	line := buf.String()
	assert.Contains(t, line, `"msg_type": "ConnectionSetupResponse"`)
	assert.Contains(t, line, `"ruleset_id": 1234`)
	assert.Contains(t, line, `"ruleset": `+rs.MarshalJSONString())
	assert.Contains(t, line, `"stack_of_qnode_indices": [2, 3, 4, 5]`)
}

func TestJsonLoggerPacketResponseNilRuleSet(t *testing.T) {
	var buf bytes.Buffer
	l := NewJsonLogger(&buf, nil)
	l.LogPacket("PacketRecv", &Message{Body: &ConnectionSetupResponse{}})

	assert.Contains(t, buf.String(), `"ruleset": null`)
}

func TestJsonLoggerPacketUnknownBodyFallsBackToName(t *testing.T) {
	var buf bytes.Buffer
	l := NewJsonLogger(&buf, nil)
	l.LogPacket("PacketRecv", &Message{Name: "net.node[2].\"weird\"", Body: &StopEmitting{}})

	assert.Contains(t, buf.String(),
		`"msg_type": "Unknown", "msg_full_path": "net.node[2].\"weird\""`)
}

func TestJsonLoggerPacketNilMessage(t *testing.T) {
	var buf bytes.Buffer
	l := NewJsonLogger(&buf, nil)
	l.LogPacket("PacketRecv", nil)

	assert.Contains(t, buf.String(), `"msg_type": "Unknown", "msg_full_path": ""`)
}

func TestEscapeJSON(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{`plain`, `plain`},
		{`has "quotes"`, `has \"quotes\"`},
		{`back\slash`, `back\\slash`},
		{"tab\there", `tab\there`},
		{"line\nbreak", `line\nbreak`},
		{"cr\rlf", `cr\rlf`},
		{"\b\f", `\b\f`},
		{"ctrl\x01char", `ctrl\u0001char`},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, escapeJSON(tt.in), tt.in)
	}
}

func TestJsonLoggerEveryLineIsBraceWrapped(t *testing.T) {
	var buf bytes.Buffer
	l := NewJsonLogger(&buf, nil)
	l.SetQNodeAddress(1)
	l.LogQubitState(QnicEmitter, 0, 0, true, true)
	l.LogBellPairInfo("Discarded", 4, QnicEmitter, 0, 0)
	l.LogEvent("Tick", "{}")

	lines := strings.Split(strings.TrimRight(buf.String(), "\n"), "\n")
	assert.Len(t, lines, 3)
	for _, line := range lines {
		assert.True(t, strings.HasPrefix(line, "{"), line)
		assert.True(t, strings.HasSuffix(line, "}"), line)
	}
}

func TestDisabledLoggerIsSafeEverywhere(t *testing.T) {
	var l DisabledLogger
	l.SetQNodeAddress(1)
	l.LogPacket("x", nil)
	l.LogQubitState(QnicEmitter, 0, 0, false, false)
	l.LogBellPairInfo("Generated", 2, QnicEmitter, 0, 0)
	l.LogEvent("x", "{}")
}
