package sim

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// stubTransport replaces the subprocess worker: it records every request
// and replays a programmed result.
type stubTransport struct {
	checkErr   error
	checkCalls int
	execErr    error
	result     OperationResult
	requests   []WorkerRequest
}

func (s *stubTransport) CheckAvailable(QutipConfig) error {
	s.checkCalls++
	return s.checkErr
}

func (s *stubTransport) Execute(req WorkerRequest) (OperationResult, error) {
	s.requests = append(s.requests, req)
	if s.execErr != nil {
		return OperationResult{}, s.execErr
	}
	return s.result, nil
}

func newStubQutipBackend(transport *stubTransport) *QutipBackend {
	return NewQutipBackend(transport, BackendQutipStateVector, DefaultQutipConfig(BackendQutipStateVector))
}

func TestQutipProbeFailureIsCachedAndCategorized(t *testing.T) {
	transport := &stubTransport{checkErr: errors.New("no module named qutip")}
	backend := newStubQutipBackend(transport)
	ctx := BackendContext{}
	h := handleFor(1, 0)

	first := backend.ApplyGate(ctx, "x", []QubitHandle{h})
	assert.False(t, first.Success)
	assert.Contains(t, first.Message, "[category=qutip_import]")

	second := backend.Measure(ctx, h, BasisZ)
	assert.Equal(t, first.Message, second.Message)
	assert.Equal(t, 1, transport.checkCalls, "the probe runs once")
	assert.Empty(t, transport.requests)
}

func TestQutipApplyGateBuildsWorkerRequest(t *testing.T) {
	transport := &stubTransport{result: OperationResult{Success: true, FidelityEstimate: 0.97}}
	backend := newStubQutipBackend(transport)
	ctx := BackendContext{Seed: 11, Now: 1.5, ScenarioID: "run-7"}
	h := handleFor(1, 0)

	result := backend.ApplyGate(ctx, "cnot", []QubitHandle{h, handleFor(1, 1)})
	require.True(t, result.Success)
	assert.Equal(t, 0.97, result.FidelityEstimate)

	require.Len(t, transport.requests, 1)
	req := transport.requests[0]
	assert.Equal(t, string(BackendQutipStateVector), req.BackendType)
	assert.Equal(t, "run-7", req.ScenarioID)
	assert.Equal(t, uint64(11), req.Seed)
	assert.Equal(t, 1.5, req.Time)
	assert.Equal(t, "unitary", req.Operation.Kind)
	assert.Equal(t, "CNOT", req.Operation.Payload["gate"], "gate names go upper-case on the wire")
	assert.Equal(t, string(BackendQutipStateVector), req.BackendConfig.BackendName)
}

func TestQutipUnitaryRequestValidation(t *testing.T) {
	transport := &stubTransport{result: OperationResult{Success: true}}
	backend := newStubQutipBackend(transport)
	ctx := BackendContext{}
	h := handleFor(1, 0)

	assert.False(t, backend.ApplyGate(ctx, "", []QubitHandle{h}).Success)
	assert.False(t, backend.ApplyGate(ctx, "x", nil).Success)
	assert.False(t, backend.ApplyGate(ctx, "x", []QubitHandle{{NodeID: -1}}).Success)
	assert.Empty(t, transport.requests, "invalid requests never reach the worker")
}

func TestQutipMeasureNoiselessForcedPlus(t *testing.T) {
	transport := &stubTransport{result: OperationResult{Success: true, MeasuredPlus: false}}
	backend := newStubQutipBackend(transport)
	ctx := BackendContext{}
	h := handleFor(1, 0)

	result := backend.MeasureNoiseless(ctx, h, BasisX, true)
	require.True(t, result.Success)
	assert.True(t, result.MeasuredPlus)

	req := transport.requests[0]
	assert.Equal(t, "measurement", req.Operation.Kind)
	assert.Equal(t, "X", req.Operation.Basis)
	assert.Equal(t, true, req.Operation.Payload["noiseless"])
}

func TestQutipMeasureNoiselessForcedPlusNotAppliedOnFailure(t *testing.T) {
	transport := &stubTransport{execErr: errors.New("worker crashed")}
	backend := newStubQutipBackend(transport)

	result := backend.MeasureNoiseless(BackendContext{}, handleFor(1, 0), BasisZ, true)
	assert.False(t, result.Success)
	assert.False(t, result.MeasuredPlus)
}

func TestQutipGenerateEntanglementStopsAfterFailedH(t *testing.T) {
	transport := &stubTransport{result: OperationResult{Success: false, FidelityEstimate: 1.0, Message: "register full"}}
	backend := newStubQutipBackend(transport)

	result := backend.GenerateEntanglement(BackendContext{}, handleFor(1, 0), handleFor(2, 0))
	assert.False(t, result.Success)
	require.Len(t, transport.requests, 1)
	assert.Equal(t, "H", transport.requests[0].Operation.Payload["gate"])
}

func TestQutipGenerateEntanglementIssuesHThenCNOT(t *testing.T) {
	transport := &stubTransport{result: OperationResult{Success: true}}
	backend := newStubQutipBackend(transport)

	result := backend.GenerateEntanglement(BackendContext{}, handleFor(1, 0), handleFor(2, 0))
	require.True(t, result.Success)
	require.Len(t, transport.requests, 2)
	assert.Equal(t, "H", transport.requests[0].Operation.Payload["gate"])
	assert.Equal(t, "CNOT", transport.requests[1].Operation.Payload["gate"])
	assert.Len(t, transport.requests[1].Operation.Targets, 2)
}

func TestQutipReinitializeIssuesReset(t *testing.T) {
	transport := &stubTransport{result: OperationResult{Success: true}}
	backend := newStubQutipBackend(transport)

	result := backend.Reinitialize(BackendContext{}, handleFor(1, 0))
	require.True(t, result.Success)
	require.Len(t, transport.requests, 1)
	assert.Equal(t, "reset", transport.requests[0].Operation.Kind)

	assert.False(t, backend.Reinitialize(BackendContext{}, QubitHandle{NodeID: -1}).Success)
	assert.Len(t, transport.requests, 1)
}

func TestQutipApplyOperationAdvancedKinds(t *testing.T) {
	transport := &stubTransport{result: OperationResult{Success: true}}
	backend := newStubQutipBackend(transport)
	ctx := BackendContext{}
	h := handleFor(1, 0)

	// synonyms fold to a supported advanced kind for validation; the request
	// carries the raw kind
	result := backend.ApplyOperation(ctx, PhysicalOperation{Kind: "Kerr Effect", Targets: []QubitHandle{h}})
	require.True(t, result.Success)

	result = backend.ApplyOperation(ctx, PhysicalOperation{Kind: "dark_count", Targets: []QubitHandle{h}})
	require.True(t, result.Success)

	require.Len(t, transport.requests, 2)
	assert.Equal(t, "Kerr Effect", transport.requests[0].Operation.Kind, "raw kind travels unchanged")
}

func TestQutipApplyOperationRejections(t *testing.T) {
	transport := &stubTransport{result: OperationResult{Success: true}}
	backend := newStubQutipBackend(transport)
	ctx := BackendContext{}
	h := handleFor(1, 0)

	cases := []struct {
		name     string
		op       PhysicalOperation
		category string
	}{
		{"empty kind", PhysicalOperation{Targets: []QubitHandle{h}}, "invalid_payload"},
		{"unknown kind", PhysicalOperation{Kind: "teleport_everything", Targets: []QubitHandle{h}}, "unsupported_kind"},
		{"measurement multi target", PhysicalOperation{Kind: "measurement", Targets: []QubitHandle{h, h}}, "invalid_payload"},
		{"noise no target", PhysicalOperation{Kind: "noise"}, "invalid_payload"},
		{"advanced invalid control", PhysicalOperation{Kind: "kerr", Targets: []QubitHandle{h}, Controls: []QubitHandle{{NodeID: -1}}}, "invalid_payload"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			result := backend.ApplyOperation(ctx, tc.op)
			assert.False(t, result.Success)
			assert.Contains(t, result.Message, "[category="+tc.category+"]")
		})
	}
	assert.Empty(t, transport.requests)
}

func TestQutipApplyOperationUnitaryFromPayload(t *testing.T) {
	transport := &stubTransport{result: OperationResult{Success: true}}
	backend := newStubQutipBackend(transport)
	h := handleFor(1, 0)

	result := backend.ApplyOperation(BackendContext{}, PhysicalOperation{
		Kind:    "unitary",
		Targets: []QubitHandle{h},
		Payload: map[string]any{"gate": "h", "context": "noiseless"},
	})
	require.True(t, result.Success)
	req := transport.requests[0]
	assert.Equal(t, "H", req.Operation.Payload["gate"])
	assert.Equal(t, "noiseless", req.Operation.Payload["context"])
}

func TestQutipNoiseParamsOverridePayload(t *testing.T) {
	transport := &stubTransport{result: OperationResult{Success: true}}
	backend := newStubQutipBackend(transport)
	h := handleFor(1, 0)

	result := backend.ApplyOperation(BackendContext{}, PhysicalOperation{
		Kind:    "noise",
		Targets: []QubitHandle{h},
		Params:  []float64{0.25},
		Payload: map[string]any{"noise_kind": "dephasing", "p": 0.9},
	})
	require.True(t, result.Success)
	assert.Equal(t, 0.25, transport.requests[0].Operation.Payload["p"])
}

func TestNormalizeAdvancedKind(t *testing.T) {
	cases := map[string]string{
		"Kerr Effect":           "kerr",
		"CROSS-KERR":            "cross_kerr",
		"two  modes  squeezing": "two_mode_squeezing",
		"no_op":                 "noop",
		"measure":               "measurement",
		"dark_count":            "detection",
		"beamsplitter":          "beam_splitter",
		"fiber_dispersion":      "dispersion",
		"plainkind":             "plainkind",
	}
	for raw, want := range cases {
		assert.Equal(t, want, normalizeAdvancedKind(raw), raw)
	}
}

func TestDefaultQutipConfigEnvOverrides(t *testing.T) {
	t.Setenv("QUTIP_PYTHON_EXECUTABLE", "/opt/py/bin/python")
	t.Setenv("QUTIP_WORKER_SCRIPT", "/opt/workers/qutip_worker.py")

	cfg := DefaultQutipConfig(BackendQutipDensityMatrix)
	assert.Equal(t, "/opt/py/bin/python", cfg.PythonExecutable)
	assert.Equal(t, "/opt/workers/qutip_worker.py", cfg.WorkerScript)
	assert.Equal(t, string(BackendQutipDensityMatrix), cfg.BackendName)
	assert.Equal(t, "mesolve", cfg.Solver)
}

func TestQutipCapabilities(t *testing.T) {
	backend := newStubQutipBackend(&stubTransport{})
	caps := backend.Capabilities()
	assert.NotZero(t, caps&CapDenseOperator)
	assert.NotZero(t, caps&CapAdvancedOperation)
	assert.NotZero(t, caps&CapLegacyErrorModel)
	assert.Zero(t, caps&CapFockMode)
}
