package sim

import (
	"fmt"
	"os"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// SimulationSettings groups the run-level parameters of one simulation.
type SimulationSettings struct {
	Seed         int64   `yaml:"seed" json:"seed"`
	Horizon      float64 `yaml:"horizon" json:"horizon" validate:"gte=0"`                                          // seconds; 0 = unbounded
	ChannelDelay float64 `yaml:"channel_delay" json:"channel_delay" validate:"gte=0"`                              // inter-node propagation delay, seconds
	ScenarioID   string  `yaml:"scenario_id" json:"scenario_id"`                                                   // stamps every backend context
	LogLevel     string  `yaml:"log_level" json:"log_level" validate:"omitempty,oneof=trace debug info warn error fatal panic"`
	EventLogPath string  `yaml:"event_log" json:"event_log"` // machine-readable event stream destination ("" = disabled)
}

// ErrorModelConfig carries the physical error rates. They are decoded and
// range-checked at load time; NewBackendFromConfig passes them to neither
// backend. Field names follow the worker-side parameter table.
type ErrorModelConfig struct {
	XMeasurementErrorRate float64 `yaml:"x_measurement_error_rate" json:"x_measurement_error_rate" validate:"gte=0,lte=1"`
	YMeasurementErrorRate float64 `yaml:"y_measurement_error_rate" json:"y_measurement_error_rate" validate:"gte=0,lte=1"`
	ZMeasurementErrorRate float64 `yaml:"z_measurement_error_rate" json:"z_measurement_error_rate" validate:"gte=0,lte=1"`

	HGateErrorRate   float64 `yaml:"h_gate_error_rate" json:"h_gate_error_rate" validate:"gte=0,lte=1"`
	HGateXErrorRatio float64 `yaml:"h_gate_x_error_ratio" json:"h_gate_x_error_ratio" validate:"gte=0"`
	HGateYErrorRatio float64 `yaml:"h_gate_y_error_ratio" json:"h_gate_y_error_ratio" validate:"gte=0"`
	HGateZErrorRatio float64 `yaml:"h_gate_z_error_ratio" json:"h_gate_z_error_ratio" validate:"gte=0"`

	XGateErrorRate   float64 `yaml:"x_gate_error_rate" json:"x_gate_error_rate" validate:"gte=0,lte=1"`
	XGateXErrorRatio float64 `yaml:"x_gate_x_error_ratio" json:"x_gate_x_error_ratio" validate:"gte=0"`
	XGateYErrorRatio float64 `yaml:"x_gate_y_error_ratio" json:"x_gate_y_error_ratio" validate:"gte=0"`
	XGateZErrorRatio float64 `yaml:"x_gate_z_error_ratio" json:"x_gate_z_error_ratio" validate:"gte=0"`

	ZGateErrorRate   float64 `yaml:"z_gate_error_rate" json:"z_gate_error_rate" validate:"gte=0,lte=1"`
	ZGateXErrorRatio float64 `yaml:"z_gate_x_error_ratio" json:"z_gate_x_error_ratio" validate:"gte=0"`
	ZGateYErrorRatio float64 `yaml:"z_gate_y_error_ratio" json:"z_gate_y_error_ratio" validate:"gte=0"`
	ZGateZErrorRatio float64 `yaml:"z_gate_z_error_ratio" json:"z_gate_z_error_ratio" validate:"gte=0"`

	CNOTGateErrorRate    float64 `yaml:"cnot_gate_error_rate" json:"cnot_gate_error_rate" validate:"gte=0,lte=1"`
	CNOTGateIZErrorRatio float64 `yaml:"cnot_gate_iz_error_ratio" json:"cnot_gate_iz_error_ratio" validate:"gte=0"`
	CNOTGateZIErrorRatio float64 `yaml:"cnot_gate_zi_error_ratio" json:"cnot_gate_zi_error_ratio" validate:"gte=0"`
	CNOTGateZZErrorRatio float64 `yaml:"cnot_gate_zz_error_ratio" json:"cnot_gate_zz_error_ratio" validate:"gte=0"`
	CNOTGateIXErrorRatio float64 `yaml:"cnot_gate_ix_error_ratio" json:"cnot_gate_ix_error_ratio" validate:"gte=0"`
	CNOTGateXIErrorRatio float64 `yaml:"cnot_gate_xi_error_ratio" json:"cnot_gate_xi_error_ratio" validate:"gte=0"`
	CNOTGateXXErrorRatio float64 `yaml:"cnot_gate_xx_error_ratio" json:"cnot_gate_xx_error_ratio" validate:"gte=0"`
	CNOTGateIYErrorRatio float64 `yaml:"cnot_gate_iy_error_ratio" json:"cnot_gate_iy_error_ratio" validate:"gte=0"`
	CNOTGateYIErrorRatio float64 `yaml:"cnot_gate_yi_error_ratio" json:"cnot_gate_yi_error_ratio" validate:"gte=0"`
	CNOTGateYYErrorRatio float64 `yaml:"cnot_gate_yy_error_ratio" json:"cnot_gate_yy_error_ratio" validate:"gte=0"`

	MemoryXErrorRate           float64 `yaml:"memory_x_error_rate" json:"memory_x_error_rate" validate:"gte=0,lte=1"`
	MemoryYErrorRate           float64 `yaml:"memory_y_error_rate" json:"memory_y_error_rate" validate:"gte=0,lte=1"`
	MemoryZErrorRate           float64 `yaml:"memory_z_error_rate" json:"memory_z_error_rate" validate:"gte=0,lte=1"`
	MemoryEnergyExcitationRate float64 `yaml:"memory_energy_excitation_rate" json:"memory_energy_excitation_rate" validate:"gte=0"`
	MemoryEnergyRelaxationRate float64 `yaml:"memory_energy_relaxation_rate" json:"memory_energy_relaxation_rate" validate:"gte=0"`
	MemoryCompletelyMixedRate  float64 `yaml:"memory_completely_mixed_rate" json:"memory_completely_mixed_rate" validate:"gte=0"`
}

// BackendConfig selects and parameterizes the physical backend.
type BackendConfig struct {
	Type       string           `yaml:"type" json:"type"` // "", "error_basis", "GraphStateBackend", "qutip", "qutip_sv", ...
	Qutip      QutipConfig      `yaml:"qutip" json:"qutip"`
	ErrorModel ErrorModelConfig `yaml:"error_model" json:"error_model"`
}

// RouteConfig is one static routing-table entry for a node.
type RouteConfig struct {
	DestAddr    int `yaml:"dest_addr" json:"dest_addr" validate:"gt=0"`
	QnicAddr    int `yaml:"qnic_addr" json:"qnic_addr" validate:"gte=0"`
	NextHopAddr int `yaml:"next_hop_addr" json:"next_hop_addr" validate:"gt=0"`
}

// NodeConfig describes one repeater node: its address, interface counts,
// and static routes.
type NodeConfig struct {
	Address       int           `yaml:"address" json:"address" validate:"gt=0"`
	EmitterQnics  int           `yaml:"emitter_qnics" json:"emitter_qnics" validate:"gte=0"`
	ReceiverQnics int           `yaml:"receiver_qnics" json:"receiver_qnics" validate:"gte=0"`
	PassiveQnics  int           `yaml:"passive_qnics" json:"passive_qnics" validate:"gte=0"`
	QubitsPerQnic int           `yaml:"qubits_per_qnic" json:"qubits_per_qnic" validate:"gt=0"`
	Routes        []RouteConfig `yaml:"routes" json:"routes" validate:"dive"`
}

// SimulationConfig is the top-level document loaded from --config.
type SimulationConfig struct {
	Simulation SimulationSettings      `yaml:"simulation" json:"simulation"`
	Backend    BackendConfig           `yaml:"backend" json:"backend"`
	Connection ConnectionManagerConfig `yaml:"connection" json:"connection"`
	Nodes      []NodeConfig            `yaml:"nodes" json:"nodes" validate:"min=1,dive"`
}

// DefaultSimulationConfig fills the values a minimal yaml file may omit.
func DefaultSimulationConfig() SimulationConfig {
	return SimulationConfig{
		Simulation: SimulationSettings{
			Seed:         42,
			ChannelDelay: 0.0005,
			ScenarioID:   "default",
			LogLevel:     "error",
		},
		Backend: BackendConfig{
			Qutip: DefaultQutipConfig(BackendQutipDensityMatrix),
		},
		Connection: ConnectionManagerConfig{
			RetryBaseInterval: 0.01,
			RetryMaxCount:     10,
		},
	}
}

// LoadSimulationConfig reads, decodes, and validates a yaml config file.
func LoadSimulationConfig(path string) (*SimulationConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	cfg := DefaultSimulationConfig()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks struct tags and the cross-field rules the tags cannot
// express: backend type normalization, purification naming, and address
// uniqueness.
func (cfg *SimulationConfig) Validate() error {
	if err := validator.New().Struct(cfg); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	if _, err := NormalizeBackendType(cfg.Backend.Type); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	if cfg.Connection.ESWithPurify && cfg.Connection.NumRemotePurification > 0 {
		if ParsePurType(cfg.Connection.PurificationTypeName) == PurInvalid {
			return fmt.Errorf("invalid config: purification requested with unknown purification type %q",
				cfg.Connection.PurificationTypeName)
		}
	}
	seen := make(map[int]bool, len(cfg.Nodes))
	for _, node := range cfg.Nodes {
		if seen[node.Address] {
			return fmt.Errorf("invalid config: duplicate node address %d", node.Address)
		}
		seen[node.Address] = true
	}
	return nil
}

// QnicCounts converts a node's interface counts to the store's shape.
func (nc NodeConfig) QnicCounts() map[QnicType]int {
	return map[QnicType]int{
		QnicEmitter:         nc.EmitterQnics,
		QnicReceiver:        nc.ReceiverQnics,
		QnicReceiverPassive: nc.PassiveQnics,
	}
}

// NewBackendFromConfig constructs the configured physical backend. The
// qutip flavors go through transport; the error-basis backend draws
// stochastic outcomes from rng.
func NewBackendFromConfig(cfg BackendConfig, rng *PartitionedRNG, transport WorkerTransport) (PhysicalBackend, error) {
	backendType, err := NormalizeBackendType(cfg.Type)
	if err != nil {
		return nil, err
	}
	switch backendType {
	case BackendErrorBasis:
		return NewErrorBasisBackend(rng.ForSubsystem(SubsystemBackend)), nil
	default:
		qutip := cfg.Qutip
		if qutip.BackendName == "" {
			qutip = DefaultQutipConfig(backendType)
		}
		if transport == nil {
			transport = SubprocessTransport{}
		}
		return NewQutipBackend(transport, backendType, qutip), nil
	}
}
