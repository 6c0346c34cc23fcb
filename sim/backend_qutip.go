package sim

import (
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"
)

// QutipConfig is the worker-side configuration forwarded verbatim in every
// request. Defaults mirror the worker's own presets.
type QutipConfig struct {
	BackendName       string  `json:"backend_name" yaml:"backend_name"`
	PythonExecutable  string  `json:"python_executable" yaml:"python_executable"`
	BackendClass      string  `json:"qutip_backend_class" yaml:"qutip_backend_class"`
	MaxRegisterQubits int     `json:"qutip_max_register_qubits" yaml:"qutip_max_register_qubits"`
	MaxHilbertDim     int     `json:"qutip_max_hilbert_dim" yaml:"qutip_max_hilbert_dim"`
	Solver            string  `json:"qutip_solver" yaml:"qutip_solver"`
	Truncation        float64 `json:"qutip_truncation" yaml:"qutip_truncation"`
	WorkerTimeoutMs   int     `json:"qutip_worker_timeout_ms" yaml:"qutip_worker_timeout_ms"`
	WorkerScript      string  `json:"qutip_worker_script,omitempty" yaml:"qutip_worker_script"`
}

// DefaultQutipConfig fills the worker defaults for a backend type. The
// QUTIP_PYTHON_EXECUTABLE and QUTIP_WORKER_SCRIPT environment variables
// override their respective fields.
func DefaultQutipConfig(backendType BackendType) QutipConfig {
	cfg := QutipConfig{
		BackendName:       string(backendType),
		PythonExecutable:  "python3",
		BackendClass:      string(backendType),
		MaxRegisterQubits: 8,
		MaxHilbertDim:     4,
		Solver:            "mesolve",
		Truncation:        5.0,
		WorkerTimeoutMs:   1000,
		WorkerScript:      "scripts/qutip_worker.py",
	}
	if v := os.Getenv("QUTIP_PYTHON_EXECUTABLE"); v != "" {
		cfg.PythonExecutable = v
	}
	if v := os.Getenv("QUTIP_WORKER_SCRIPT"); v != "" {
		cfg.WorkerScript = v
	}
	return cfg
}

// WorkerRequest is the JSON document handed to the dense-operator worker.
type WorkerRequest struct {
	BackendType   string            `json:"backend_type"`
	ScenarioID    string            `json:"scenario_id"`
	Seed          uint64            `json:"seed"`
	Time          float64           `json:"time"`
	Operation     PhysicalOperation `json:"operation"`
	BackendConfig QutipConfig       `json:"backend_config"`
}

// WorkerTransport runs dense-operator requests. The subprocess
// implementation below is the production path; tests substitute an
// in-process stub.
type WorkerTransport interface {
	CheckAvailable(cfg QutipConfig) error
	Execute(req WorkerRequest) (OperationResult, error)
}

// SubprocessTransport invokes the Python worker over temporary files.
type SubprocessTransport struct{}

// CheckAvailable probes the Python runtime for the qutip stack.
func (SubprocessTransport) CheckAvailable(cfg QutipConfig) error {
	cmd := exec.Command(cfg.PythonExecutable, "-c", "import qutip, qutip_qip, qutip.qip")
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("qutip backend dependency check failed: %s -c \"import qutip, qutip_qip, qutip.qip\" (%v)", cfg.PythonExecutable, err)
	}
	return nil
}

// Execute writes the request to a temp file, invokes the worker with
// --input/--output, and decodes the response file.
func (SubprocessTransport) Execute(req WorkerRequest) (OperationResult, error) {
	requestFile, err := os.CreateTemp("", "qrep_qutip_request_*.json")
	if err != nil {
		return OperationResult{}, fmt.Errorf("qutip backend failed to create temporary request file: %w", err)
	}
	defer os.Remove(requestFile.Name())
	responseFile, err := os.CreateTemp("", "qrep_qutip_response_*.json")
	if err != nil {
		requestFile.Close()
		return OperationResult{}, fmt.Errorf("qutip backend failed to create temporary response file: %w", err)
	}
	responseFile.Close()
	defer os.Remove(responseFile.Name())

	if err := json.NewEncoder(requestFile).Encode(req); err != nil {
		requestFile.Close()
		return OperationResult{}, fmt.Errorf("qutip backend failed to write request: %w", err)
	}
	requestFile.Close()

	cmd := exec.Command(req.BackendConfig.PythonExecutable, req.BackendConfig.WorkerScript,
		"--input", requestFile.Name(), "--output", responseFile.Name())
	if timeout := req.BackendConfig.WorkerTimeoutMs; timeout > 0 {
		timer := time.AfterFunc(time.Duration(timeout)*time.Millisecond, func() {
			if cmd.Process != nil {
				cmd.Process.Kill()
			}
		})
		defer timer.Stop()
	}
	if err := cmd.Run(); err != nil {
		return OperationResult{}, fmt.Errorf("qutip worker execution failed (%v)", err)
	}

	data, err := os.ReadFile(responseFile.Name())
	if err != nil {
		return OperationResult{}, fmt.Errorf("qutip worker did not produce output: %w", err)
	}
	var result OperationResult
	if err := json.Unmarshal(data, &result); err != nil {
		return OperationResult{}, fmt.Errorf("qutip worker response parse error: %w", err)
	}
	return result, nil
}

// QutipBackend executes every operation through an external dense-operator
// worker. The runtime capability probe runs once and is cached; after a
// failed probe every call short-circuits with the same categorized message.
type QutipBackend struct {
	transport   WorkerTransport
	backendType BackendType
	config      QutipConfig

	runtimeChecked   bool
	runtimeAvailable bool
	runtimeCheckErr  string
}

// NewQutipBackend panics on a nil transport, matching the nil-backend
// contract of the abstraction.
func NewQutipBackend(transport WorkerTransport, backendType BackendType, config QutipConfig) *QutipBackend {
	if transport == nil {
		panic("NewQutipBackend: transport must not be nil")
	}
	return &QutipBackend{transport: transport, backendType: backendType, config: config}
}

// Capabilities advertises dense-operator and advanced-operation support on
// top of the legacy error model.
func (b *QutipBackend) Capabilities() BackendCapability {
	return CapLegacyErrorModel | CapDenseOperator | CapAdvancedOperation
}

func (b *QutipBackend) checkRuntimeAvailable() bool {
	if b.runtimeChecked {
		return b.runtimeAvailable
	}
	b.runtimeChecked = true
	if err := b.transport.CheckAvailable(b.config); err != nil {
		b.runtimeCheckErr = fmt.Sprintf("%v [category=qutip_import]", err)
		b.runtimeAvailable = false
		return false
	}
	b.runtimeAvailable = true
	return true
}

func (b *QutipBackend) execute(ctx BackendContext, op PhysicalOperation) OperationResult {
	if !b.checkRuntimeAvailable() {
		return failure("%s", b.runtimeCheckErr)
	}
	result, err := b.transport.Execute(WorkerRequest{
		BackendType:   string(b.backendType),
		ScenarioID:    ctx.ScenarioID,
		Seed:          ctx.Seed,
		Time:          float64(ctx.Now),
		Operation:     op,
		BackendConfig: b.config,
	})
	if err != nil {
		return failure("%v", err)
	}
	return result
}

func (b *QutipBackend) runUnitary(ctx BackendContext, gate string, qubits []QubitHandle, context string) OperationResult {
	if gate == "" {
		return failure("qutip backend unitary request missing gate")
	}
	if len(qubits) == 0 {
		return failure("qutip backend unitary request missing target(s)")
	}
	for _, q := range qubits {
		if !q.valid() {
			return failure("qutip backend unitary request received invalid qubit handle")
		}
	}
	return b.execute(ctx, PhysicalOperation{
		Kind:    "unitary",
		Targets: qubits,
		Payload: map[string]any{"kind": "unitary", "gate": strings.ToUpper(gate), "context": context},
	})
}

func (b *QutipBackend) runMeasurement(ctx BackendContext, qubit QubitHandle, basis MeasureBasis, noiseless bool) OperationResult {
	if !qubit.valid() {
		return failure("qutip backend measurement request received invalid qubit handle")
	}
	return b.execute(ctx, PhysicalOperation{
		Kind:    "measurement",
		Targets: []QubitHandle{qubit},
		Basis:   basis.String(),
		Payload: map[string]any{"basis": basis.String(), "noiseless": noiseless},
	})
}

func (b *QutipBackend) runNoise(ctx BackendContext, qubit QubitHandle, noiseKind string, payload map[string]any, params []float64) OperationResult {
	if !qubit.valid() {
		return failure("qutip backend noise operation received invalid qubit handle")
	}
	p := 0.0
	if v, ok := payload["p"].(float64); ok {
		p = v
	}
	if len(params) > 0 {
		p = params[0]
	}
	return b.execute(ctx, PhysicalOperation{
		Kind:    "noise",
		Targets: []QubitHandle{qubit},
		Payload: map[string]any{"kind": "noise", "noise_kind": noiseKind, "p": p},
	})
}

// ApplyNoise runs a dephasing noise step on the worker.
func (b *QutipBackend) ApplyNoise(ctx BackendContext, qubit QubitHandle) OperationResult {
	return b.runNoise(ctx, qubit, "dephasing", nil, nil)
}

// ApplyGate runs a noisy unitary on the worker.
func (b *QutipBackend) ApplyGate(ctx BackendContext, gate string, qubits []QubitHandle) OperationResult {
	return b.runUnitary(ctx, gate, qubits, "")
}

// ApplyNoiselessGate runs an error-free unitary on the worker.
func (b *QutipBackend) ApplyNoiselessGate(ctx BackendContext, gate string, qubits []QubitHandle) OperationResult {
	return b.runUnitary(ctx, gate, qubits, "noiseless")
}

// Measure runs a noisy measurement on the worker.
func (b *QutipBackend) Measure(ctx BackendContext, qubit QubitHandle, basis MeasureBasis) OperationResult {
	return b.runMeasurement(ctx, qubit, basis, false)
}

// MeasureNoiseless runs a noiseless measurement; forcedPlus pins the
// outcome after a successful run.
func (b *QutipBackend) MeasureNoiseless(ctx BackendContext, qubit QubitHandle, basis MeasureBasis, forcedPlus bool) OperationResult {
	result := b.runMeasurement(ctx, qubit, basis, true)
	if forcedPlus && result.Success {
		result.MeasuredPlus = true
	}
	return result
}

// GenerateEntanglement runs H then CNOT through the worker.
func (b *QutipBackend) GenerateEntanglement(ctx BackendContext, source, target QubitHandle) OperationResult {
	if !source.valid() || !target.valid() {
		return failure("qutip backend entanglement request received invalid qubit handle")
	}
	first := b.runUnitary(ctx, "H", []QubitHandle{source}, "entanglement")
	if !first.Success {
		return first
	}
	return b.runUnitary(ctx, "CNOT", []QubitHandle{source, target}, "entanglement")
}

// Reinitialize runs a reset operation on the worker, returning the
// qubit's register entry to the ground state.
func (b *QutipBackend) Reinitialize(ctx BackendContext, qubit QubitHandle) OperationResult {
	if !qubit.valid() {
		return failure("qutip backend reinitialize request received invalid qubit handle")
	}
	return b.execute(ctx, PhysicalOperation{
		Kind:    "reset",
		Targets: []QubitHandle{qubit},
		Payload: map[string]any{"kind": "reset"},
	})
}

// ApplyOperation is the schema-driven entry point. Kinds normalize through
// the alias table; the advanced families go straight to the worker.
func (b *QutipBackend) ApplyOperation(ctx BackendContext, op PhysicalOperation) OperationResult {
	if op.Kind == "" {
		return failure("qutip backend operation.kind is empty [category=invalid_payload]")
	}
	kind := normalizeAdvancedKind(op.Kind)

	if kind == "noop" {
		return OperationResult{Success: true, FidelityEstimate: 1.0}
	}

	if kind == "unitary" {
		gate := parseGateFromPayload(op)
		if gate == "" {
			return failure("qutip backend unitary operation missing payload kind/gate [category=invalid_payload]")
		}
		if targetCountMismatch(kind, op.Targets) {
			return failure("qutip backend unitary operation missing target(s) [category=invalid_payload]")
		}
		if !validHandles(op.Targets) {
			return failure("qutip backend unitary operation received invalid qubit handle [category=invalid_payload]")
		}
		context, _ := op.Payload["context"].(string)
		return b.runUnitary(ctx, gate, op.Targets, context)
	}

	if kind == "measurement" {
		if targetCountMismatch(kind, op.Targets) {
			return failure("%s [category=invalid_payload]", targetCountMismatchMessage(kind, len(op.Targets)))
		}
		if !validHandles(op.Targets) {
			return failure("qutip backend measurement operation received invalid qubit handle [category=invalid_payload]")
		}
		noiseless, _ := op.Payload["noiseless"].(bool)
		return b.runMeasurement(ctx, op.Targets[0], basisFromString(op.Basis), noiseless)
	}

	if kind == "noise" {
		if targetCountMismatch(kind, op.Targets) {
			return failure("%s [category=invalid_payload]", targetCountMismatchMessage(kind, len(op.Targets)))
		}
		if !validHandles(op.Targets) {
			return failure("qutip backend noise operation received invalid qubit handle [category=invalid_payload]")
		}
		noiseKind, _ := op.Payload["noise_kind"].(string)
		return b.runNoise(ctx, op.Targets[0], noiseKind, op.Payload, op.Params)
	}

	if supportedAdvancedKinds[kind] {
		if targetCountMismatch(kind, op.Targets) {
			return failure("%s [category=invalid_payload]", targetCountMismatchMessage(kind, len(op.Targets)))
		}
		if !validHandles(op.Targets) {
			return failure("qutip backend advanced operation missing/invalid target(s) [category=invalid_payload]")
		}
		if !validHandles(op.Controls) {
			return failure("qutip backend advanced operation invalid control handle(s) [category=invalid_payload]")
		}
		return b.execute(ctx, op)
	}

	return failure("qutip backend does not support operation.kind=%s [category=unsupported_kind]", op.Kind)
}

func parseGateFromPayload(op PhysicalOperation) string {
	if gate, ok := op.Payload["gate"].(string); ok {
		return gate
	}
	return op.Basis
}

func validHandles(handles []QubitHandle) bool {
	for _, h := range handles {
		if !h.valid() {
			return false
		}
	}
	return true
}

func targetCountMismatch(kind string, targets []QubitHandle) bool {
	if kind == "measurement" || kind == "noise" {
		return len(targets) != 1
	}
	return len(targets) == 0
}

func targetCountMismatchMessage(kind string, targetCount int) string {
	switch kind {
	case "measurement":
		return fmt.Sprintf("qutip backend measurement operation expects exactly one target, target_count=%d", targetCount)
	case "noise":
		return fmt.Sprintf("qutip backend noise operation expects exactly one target, target_count=%d", targetCount)
	}
	return fmt.Sprintf("qutip backend operation is missing target(s), target_count=%d", targetCount)
}

// normalizeAdvancedKind lowercases, folds separators to underscores, and
// resolves the accepted synonym table. The synonym set is source-derived
// and intentionally kept exhaustive.
func normalizeAdvancedKind(kind string) string {
	normalized := strings.ToLower(kind)
	normalized = strings.ReplaceAll(normalized, "-", "_")
	normalized = strings.ReplaceAll(normalized, " ", "_")
	for strings.Contains(normalized, "__") {
		normalized = strings.ReplaceAll(normalized, "__", "_")
	}
	if canonical, ok := advancedKindAliases[normalized]; ok {
		return canonical
	}
	return normalized
}

var advancedKindAliases = map[string]string{
	"no_op":                    "noop",
	"hominterference":          "hom_interference",
	"measure":                  "measurement",
	"kerreffect":               "kerr",
	"kerr_effect":              "kerr",
	"kerr_effects":             "kerr",
	"cross_kerring":            "cross_kerr",
	"cross_kerr_effect":        "cross_kerr",
	"crosskerr":                "cross_kerr",
	"amplitude_damping":        "amplitude_damping",
	"amplitudedamping":         "amplitude_damping",
	"bit_flip":                 "bitflip",
	"phase_flip":               "phaseflip",
	"depolarizing_channel":     "depolarizing",
	"thermal_relaxation":       "thermal_relaxation",
	"polarization_rotation":    "polarization_rotation",
	"polarizationrotation":     "polarization_rotation",
	"polarization_decoherence": "polarization_decoherence",
	"polarizationdecoherence":  "polarization_decoherence",
	"mode_coupling":            "mode_coupling",
	"loss_mode":                "loss_mode",
	"two_mode_squeezing":       "two_mode_squeezing",
	"two_modes_squeezing":      "two_mode_squeezing",
	"fock_loss":                "fock_loss",
	"photon_number_cutoff":     "photon_number_cutoff",
	"hom":                      "hom_interference",
	"twophoton_interference":   "hom_interference",
	"two_photon_interference":  "hom_interference",
	"bs_interference":          "hom_interference",
	"bsinterference":           "hom_interference",
	"source_multiphoton":       "source_multiphoton",
	"multiphoton_source":       "source_multiphoton",
	"multi_photon_source":      "source_multiphoton",
	"photon_source":            "source_multiphoton",
	"beamsplitter":             "beam_splitter",
	"phaseshift":               "phase_shift",
	"phaseshifter":             "phase_shift",
	"phase_shifter":            "phase_shift",
	"channel_dispersion":       "dispersion",
	"fibre_dispersion":         "dispersion",
	"fiber_dispersion":         "dispersion",
	"phase_mod":                "phase_modulation",
	"phase_modulator":          "phase_modulation",
	"self_phase_mod":           "self_phase_modulation",
	"self_phase_modulator":     "self_phase_modulation",
	"cross_phase_mod":          "cross_phase_modulation",
	"cross_phase_modulator":    "cross_phase_modulation",
	"dephase":                  "dephasing",
	"decay":                    "decoherence",
	"timingjitter":             "timing_jitter",
	"timing_jitter":            "timing_jitter",
	"time_jitter":              "timing_jitter",
	"timejitter":               "timing_jitter",
	"jitter":                   "timing_jitter",
	"dark_count":               "detection",
	"detector":                 "detection",
	"heraldedentanglement":     "heralded_entanglement",
}

var supportedAdvancedKinds = map[string]bool{
	"kerr":                     true,
	"cross_kerr":               true,
	"beam_splitter":            true,
	"phase_shift":              true,
	"phase_modulation":         true,
	"self_phase_modulation":    true,
	"cross_phase_modulation":   true,
	"decoherence":              true,
	"dephasing":                true,
	"nonlinear":                true,
	"detection":                true,
	"delay":                    true,
	"hamiltonian":              true,
	"lindblad":                 true,
	"heralded_entanglement":    true,
	"timing_jitter":            true,
	"dispersion":               true,
	"multiphoton":              true,
	"source_multiphoton":       true,
	"hom_interference":         true,
	"squeezing":                true,
	"loss":                     true,
	"reset":                    true,
	"jitter":                   true,
	"attenuation":              true,
	"amplitude_damping":        true,
	"thermal_relaxation":       true,
	"bitflip":                  true,
	"phaseflip":                true,
	"depolarizing":             true,
	"polarization_rotation":    true,
	"polarization_decoherence": true,
	"mode_coupling":            true,
	"loss_mode":                true,
	"two_mode_squeezing":       true,
	"fock_loss":                true,
	"photon_number_cutoff":     true,
}
