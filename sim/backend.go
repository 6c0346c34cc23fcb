package sim

import (
	"fmt"
	"strings"
	"sync/atomic"
)

// BackendCapability is a bitset advertising what a physical backend can do.
type BackendCapability uint32

const (
	CapLegacyErrorModel BackendCapability = 1 << iota
	CapDenseOperator
	CapFockMode
	CapAdvancedOperation
)

// BackendContext accompanies every backend call. Seed is a monotonic
// per-operation counter so two operations at the same simulated time stay
// distinguishable.
type BackendContext struct {
	Seed        uint64  `json:"seed"`
	Now         SimTime `json:"time"`
	ScenarioID  string  `json:"scenario_id"`
	BackendName string  `json:"backend_name"`
}

// QubitHandle addresses a stationary qubit across the backend boundary.
type QubitHandle struct {
	NodeID     int `json:"node_id"`
	QnicIndex  int `json:"qnic_index"`
	QnicType   int `json:"qnic_type"`
	QubitIndex int `json:"qubit_index"`
}

func (h QubitHandle) valid() bool {
	return h.NodeID >= 0 && h.QnicIndex >= 0 && h.QnicType >= 0 && h.QubitIndex >= 0
}

// MeasureBasis selects the measurement axis.
type MeasureBasis int

const (
	BasisZ MeasureBasis = iota
	BasisX
	BasisY
	BasisBell
)

func (b MeasureBasis) String() string {
	switch b {
	case BasisX:
		return "X"
	case BasisY:
		return "Y"
	case BasisBell:
		return "Bell"
	default:
		return "Z"
	}
}

// OperationResult is the uniform outcome of every backend operation.
type OperationResult struct {
	Success          bool    `json:"success"`
	FidelityEstimate float64 `json:"fidelity_estimate"`
	QubitLost        bool    `json:"qubit_lost"`
	RelaxedToGround  bool    `json:"relaxed_to_ground"`
	ExcitedToPlus    bool    `json:"excited_to_plus"`
	MeasuredPlus     bool    `json:"measured_plus"`
	Message          string  `json:"message,omitempty"`
}

func failure(format string, args ...any) OperationResult {
	return OperationResult{Success: false, FidelityEstimate: 1.0, Message: fmt.Sprintf(format, args...)}
}

// PhysicalOperation is the schema-driven entry point used by advanced
// backends: a kind plus targets, controls, modes, and free-form payload.
type PhysicalOperation struct {
	Kind           string         `json:"kind"`
	Targets        []QubitHandle  `json:"targets"`
	Controls       []QubitHandle  `json:"controls"`
	AncillaryModes []int          `json:"ancillary_modes"`
	Duration       float64        `json:"duration"`
	Params         []float64      `json:"params"`
	Basis          string         `json:"basis"`
	Payload        map[string]any `json:"payload"`
}

// PhysicalBackend is the uniform contract over a concrete quantum-state
// holder. Implementations never panic on data-driven failures; they return
// OperationResult with Success false. ApplyOperation failures carry a
// "[category=...]" tag in Message; failures from the other methods are not
// categorized (the error-basis backend leaves Message empty).
type PhysicalBackend interface {
	Capabilities() BackendCapability
	ApplyNoise(ctx BackendContext, qubit QubitHandle) OperationResult
	ApplyGate(ctx BackendContext, gate string, qubits []QubitHandle) OperationResult
	ApplyNoiselessGate(ctx BackendContext, gate string, qubits []QubitHandle) OperationResult
	Measure(ctx BackendContext, qubit QubitHandle, basis MeasureBasis) OperationResult
	MeasureNoiseless(ctx BackendContext, qubit QubitHandle, basis MeasureBasis, forcedPlus bool) OperationResult
	GenerateEntanglement(ctx BackendContext, source, target QubitHandle) OperationResult
	ApplyOperation(ctx BackendContext, op PhysicalOperation) OperationResult
	Reinitialize(ctx BackendContext, qubit QubitHandle) OperationResult
}

// BackendType is a normalized backend selector.
type BackendType string

const (
	BackendErrorBasis         BackendType = "error_basis"
	BackendQutipDensityMatrix BackendType = "qutip_density_matrix"
	BackendQutipStateVector   BackendType = "qutip_state_vector"
)

// NormalizeBackendType maps configured strings to a backend type. The empty
// string and the legacy graph-state name select the error-basis backend.
func NormalizeBackendType(name string) (BackendType, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "graphstatebackend", "error_basis":
		return BackendErrorBasis, nil
	case "qutip", "qutip_density_matrix":
		return BackendQutipDensityMatrix, nil
	case "qutip_sv", "qutip_state_vector":
		return BackendQutipStateVector, nil
	}
	return "", fmt.Errorf("unknown backend type %q", name)
}

// PhysicalService wraps a backend and stamps every call with a fresh
// BackendContext. The seed counter is monotonic across every call through
// the service; NewNetwork builds one service shared by all nodes.
type PhysicalService struct {
	backend    PhysicalBackend
	kernel     KernelPort
	scenarioID string
	name       string
	seed       atomic.Uint64
	metrics    *Metrics
}

// NewPhysicalService panics on a nil backend: wiring one is a constructor
// contract, not a data condition.
func NewPhysicalService(backend PhysicalBackend, kernel KernelPort, scenarioID, name string, metrics *Metrics) *PhysicalService {
	if backend == nil {
		panic("NewPhysicalService: backend must not be nil")
	}
	return &PhysicalService{backend: backend, kernel: kernel, scenarioID: scenarioID, name: name, metrics: metrics}
}

// Context mints the BackendContext for one operation.
func (s *PhysicalService) Context() BackendContext {
	var now SimTime
	if s.kernel != nil {
		now = s.kernel.Now()
	}
	return BackendContext{
		Seed:        s.seed.Add(1),
		Now:         now,
		ScenarioID:  s.scenarioID,
		BackendName: s.name,
	}
}

// Backend exposes the wrapped backend.
func (s *PhysicalService) Backend() PhysicalBackend { return s.backend }

func (s *PhysicalService) record(result OperationResult) OperationResult {
	if s.metrics != nil {
		outcome := "success"
		if !result.Success {
			outcome = "failure"
		}
		s.metrics.BackendOps.WithLabelValues(outcome).Inc()
	}
	return result
}

// ApplyGate forwards with a fresh context.
func (s *PhysicalService) ApplyGate(gate string, qubits ...QubitHandle) OperationResult {
	return s.record(s.backend.ApplyGate(s.Context(), gate, qubits))
}

// ApplyNoiselessGate forwards with a fresh context.
func (s *PhysicalService) ApplyNoiselessGate(gate string, qubits ...QubitHandle) OperationResult {
	return s.record(s.backend.ApplyNoiselessGate(s.Context(), gate, qubits))
}

// Measure forwards with a fresh context.
func (s *PhysicalService) Measure(qubit QubitHandle, basis MeasureBasis) OperationResult {
	return s.record(s.backend.Measure(s.Context(), qubit, basis))
}

// GenerateEntanglement forwards with a fresh context.
func (s *PhysicalService) GenerateEntanglement(source, target QubitHandle) OperationResult {
	return s.record(s.backend.GenerateEntanglement(s.Context(), source, target))
}

// ApplyNoise forwards with a fresh context.
func (s *PhysicalService) ApplyNoise(qubit QubitHandle) OperationResult {
	return s.record(s.backend.ApplyNoise(s.Context(), qubit))
}

// Reinitialize forwards with a fresh context.
func (s *PhysicalService) Reinitialize(qubit QubitHandle) OperationResult {
	return s.record(s.backend.Reinitialize(s.Context(), qubit))
}
