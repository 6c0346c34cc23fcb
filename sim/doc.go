// Package sim provides the per-node protocol engine for a discrete-event
// quantum repeater network simulator.
//
// # Reading Guide
//
// Start with these three files to understand the engine:
//   - event.go: RuleEvent kinds, protocol families, and execution channels
//   - ruleengine.go: The per-message pipeline (publish → drain → dispatch →
//     allocate → execute) and the handler dispatch table
//   - connectionmanager.go: Control-plane path setup, RuleSet synthesis,
//     reservation, retry, and response deduplication
//
// # Architecture
//
// A Node couples two sibling actors that communicate only via messages:
// the RuleEngine (data plane) and the ConnectionManager (control plane).
// Both sit on a SimKernel, the shared event queue and router that delivers
// messages between nodes with a configurable channel delay.
//
// The RuleEngine drives stationary qubits through the PhysicalBackend
// abstraction. Two concrete backends exist: ErrorBasisBackend tracks a
// Pauli error frame in process, QutipBackend hands every operation to an
// external dense-operator worker over a WorkerTransport.
//
// RuleSets synthesized by the responder's ConnectionManager travel back as
// ConnectionSetupResponses and execute inside Runtime interpreters owned
// by the RuntimeFacade, which also attaches newly entangled qubits from
// the BellPairStore to waiting runtimes.
//
// # Key Interfaces
//
// The extension points are small interfaces:
//   - PhysicalBackend: gates, measurements, noise, entanglement generation
//   - WorkerTransport: dense-operator worker invocation (subprocess or stub)
//   - KernelPort: scheduling, sending, and simulated time
//   - MessageSink: anything that accepts a delivered message
//   - Logger: structured event recording (JSON lines or disabled)
package sim
