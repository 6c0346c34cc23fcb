package sim

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func handleFor(node, qubit int) QubitHandle {
	return QubitHandle{NodeID: node, QnicIndex: 0, QnicType: int(QnicEmitter), QubitIndex: qubit}
}

func TestErrorBasisGateNamesNormalizeCase(t *testing.T) {
	backend := NewErrorBasisBackend(nil)
	ctx := BackendContext{}
	h := handleFor(1, 0)

	for _, gate := range []string{"x", "X"} {
		result := backend.ApplyGate(ctx, gate, []QubitHandle{h})
		require.True(t, result.Success, gate)
	}
	assert.Equal(t, 2, backend.GetQubit(h).GateCalls("X"))

	// two X applications cancel in the error frame
	result := backend.Measure(ctx, h, BasisZ)
	require.True(t, result.Success)
	assert.True(t, result.MeasuredPlus)
}

func TestErrorBasisFramePropagation(t *testing.T) {
	backend := NewErrorBasisBackend(nil)
	ctx := BackendContext{}

	// an X error anticommutes with Z measurement
	flipped := handleFor(1, 0)
	backend.ApplyGate(ctx, "x", []QubitHandle{flipped})
	assert.False(t, backend.Measure(ctx, flipped, BasisZ).MeasuredPlus)
	assert.True(t, backend.Measure(ctx, flipped, BasisX).MeasuredPlus)

	// H exchanges the X and Z components
	swapped := handleFor(1, 1)
	backend.ApplyGate(ctx, "x", []QubitHandle{swapped})
	backend.ApplyGate(ctx, "h", []QubitHandle{swapped})
	assert.True(t, backend.Measure(ctx, swapped, BasisZ).MeasuredPlus)
	assert.False(t, backend.Measure(ctx, swapped, BasisX).MeasuredPlus)

	// Y anticommutes with both axes
	both := handleFor(1, 2)
	backend.ApplyGate(ctx, "y", []QubitHandle{both})
	assert.False(t, backend.Measure(ctx, both, BasisZ).MeasuredPlus)
	assert.False(t, backend.Measure(ctx, both, BasisX).MeasuredPlus)
	assert.True(t, backend.Measure(ctx, both, BasisY).MeasuredPlus)
}

func TestErrorBasisCNOTCarriesXError(t *testing.T) {
	backend := NewErrorBasisBackend(nil)
	ctx := BackendContext{}
	control := handleFor(1, 0)
	target := handleFor(1, 1)

	backend.ApplyGate(ctx, "x", []QubitHandle{control})
	result := backend.ApplyGate(ctx, "cnot", []QubitHandle{control, target})
	require.True(t, result.Success)

	assert.False(t, backend.Measure(ctx, target, BasisZ).MeasuredPlus)
	assert.Equal(t, 1, backend.GetQubit(control).GateCalls("CNOT"))
}

func TestErrorBasisEntangledPairMeasuresDeterministically(t *testing.T) {
	backend := NewErrorBasisBackend(rand.New(rand.NewSource(3)))
	ctx := BackendContext{}
	src := handleFor(1, 0)
	dst := handleFor(2, 0)

	result := backend.GenerateEntanglement(ctx, src, dst)
	require.True(t, result.Success)

	// entangled qubits do not draw from the stochastic stream
	for i := 0; i < 8; i++ {
		assert.True(t, backend.Measure(ctx, src, BasisZ).MeasuredPlus)
	}
}

func TestErrorBasisReinitializeClearsFrameAndLink(t *testing.T) {
	backend := NewErrorBasisBackend(nil)
	ctx := BackendContext{}
	src := handleFor(1, 0)
	dst := handleFor(2, 0)

	backend.GenerateEntanglement(ctx, src, dst)
	backend.ApplyGate(ctx, "x", []QubitHandle{src})
	result := backend.Reinitialize(ctx, src)
	require.True(t, result.Success)

	assert.True(t, backend.Measure(ctx, src, BasisZ).MeasuredPlus)
	assert.Nil(t, backend.GetQubit(dst).entangledWith)
	assert.False(t, backend.Reinitialize(ctx, QubitHandle{NodeID: -1}).Success)
}

func TestErrorBasisApplyGateFailures(t *testing.T) {
	backend := NewErrorBasisBackend(nil)
	ctx := BackendContext{}
	h := handleFor(1, 0)

	cases := []struct {
		name   string
		gate   string
		qubits []QubitHandle
	}{
		{"no targets", "x", nil},
		{"invalid handle", "x", []QubitHandle{{NodeID: -1}}},
		{"unknown gate", "toffoli", []QubitHandle{h}},
		{"cnot missing target", "cnot", []QubitHandle{h}},
		{"cnot invalid target", "cnot", []QubitHandle{h, {QubitIndex: -3}}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			result := backend.ApplyGate(ctx, tc.gate, tc.qubits)
			assert.False(t, result.Success)
			assert.Equal(t, 1.0, result.FidelityEstimate)
		})
	}
}

func TestErrorBasisNoiselessGateSetRestricted(t *testing.T) {
	backend := NewErrorBasisBackend(nil)
	ctx := BackendContext{}
	h := handleFor(1, 0)

	assert.True(t, backend.ApplyNoiselessGate(ctx, "H", []QubitHandle{h}).Success)
	assert.False(t, backend.ApplyNoiselessGate(ctx, "y", []QubitHandle{h}).Success)
	assert.False(t, backend.ApplyNoiselessGate(ctx, "s", []QubitHandle{h}).Success)
}

func TestErrorBasisMeasureBasisRestrictions(t *testing.T) {
	backend := NewErrorBasisBackend(nil)
	ctx := BackendContext{}
	h := handleFor(1, 0)

	assert.False(t, backend.Measure(ctx, h, BasisBell).Success)
	assert.False(t, backend.MeasureNoiseless(ctx, h, BasisY, false).Success)
	assert.False(t, backend.MeasureNoiseless(ctx, h, BasisBell, false).Success)

	// forcedPlus pins the outcome even over an anticommuting frame
	backend.ApplyGate(ctx, "x", []QubitHandle{h})
	pinned := backend.MeasureNoiseless(ctx, h, BasisZ, true)
	require.True(t, pinned.Success)
	assert.True(t, pinned.MeasuredPlus)
}

func TestErrorBasisApplyOperationSchema(t *testing.T) {
	backend := NewErrorBasisBackend(nil)
	ctx := BackendContext{}
	h := handleFor(1, 0)

	result := backend.ApplyOperation(ctx, PhysicalOperation{Kind: "unitary", Targets: []QubitHandle{h}, Basis: "x"})
	require.True(t, result.Success)
	assert.Equal(t, 1, backend.GetQubit(h).GateCalls("X"))

	// the measure synonym resolves through the alias table
	measured := backend.ApplyOperation(ctx, PhysicalOperation{Kind: "Measure", Targets: []QubitHandle{h}, Basis: "z"})
	require.True(t, measured.Success)
	assert.False(t, measured.MeasuredPlus)

	assert.True(t, backend.ApplyOperation(ctx, PhysicalOperation{Kind: "no_op", Targets: []QubitHandle{h}}).Success)
	assert.True(t, backend.ApplyOperation(ctx, PhysicalOperation{Kind: "noise", Targets: []QubitHandle{h}}).Success)
}

func TestErrorBasisApplyOperationRejectsBadPayloads(t *testing.T) {
	backend := NewErrorBasisBackend(nil)
	ctx := BackendContext{}
	h := handleFor(1, 0)

	cases := []struct {
		name     string
		op       PhysicalOperation
		category string
	}{
		{"no targets", PhysicalOperation{Kind: "unitary"}, "invalid_payload"},
		{"measurement multi target", PhysicalOperation{Kind: "measurement", Targets: []QubitHandle{h, h}}, "invalid_payload"},
		{"negative handle", PhysicalOperation{Kind: "unitary", Targets: []QubitHandle{{NodeID: -1}}}, "invalid_payload"},
		{"negative control", PhysicalOperation{Kind: "unitary", Targets: []QubitHandle{h}, Controls: []QubitHandle{{QnicIndex: -1}}}, "invalid_payload"},
		{"advanced kind", PhysicalOperation{Kind: "kerr", Targets: []QubitHandle{h}}, "unsupported_kind"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			result := backend.ApplyOperation(ctx, tc.op)
			assert.False(t, result.Success)
			assert.Contains(t, result.Message, "[category="+tc.category+"]")
		})
	}
}

func TestErrorBasisCapabilities(t *testing.T) {
	backend := NewErrorBasisBackend(nil)
	caps := backend.Capabilities()
	assert.NotZero(t, caps&CapLegacyErrorModel)
	assert.Zero(t, caps&CapDenseOperator)
	assert.Zero(t, caps&CapAdvancedOperation)
}
