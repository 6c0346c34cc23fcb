// Assembles configured nodes onto one kernel. Each node is the composite
// of its control plane (ConnectionManager) and data plane (RuleEngine);
// incoming messages split by body type.

package sim

import (
	"io"

	"github.com/sirupsen/logrus"
)

// Node is one repeater: the connection manager and rule engine sharing
// an address, registered on the kernel as a single sink.
type Node struct {
	addr    int
	cm      *ConnectionManager
	engine  *RuleEngine
	qnics   *QNicStore
	pairs   *BellPairStore
	routing *RoutingTable
}

// NewNode composes a node from its two planes.
func NewNode(addr int, cm *ConnectionManager, engine *RuleEngine, qnics *QNicStore, pairs *BellPairStore, routing *RoutingTable) *Node {
	if cm == nil || engine == nil {
		panic("NewNode: cm and engine must not be nil")
	}
	return &Node{addr: addr, cm: cm, engine: engine, qnics: qnics, pairs: pairs, routing: routing}
}

// Address implements MessageSink.
func (n *Node) Address() int { return n.addr }

// ConnectionManager exposes the control plane.
func (n *Node) ConnectionManager() *ConnectionManager { return n.cm }

// Engine exposes the data plane.
func (n *Node) Engine() *RuleEngine { return n.engine }

// Qnics exposes the interface store.
func (n *Node) Qnics() *QNicStore { return n.qnics }

// BellPairs exposes the entanglement store.
func (n *Node) BellPairs() *BellPairStore { return n.pairs }

// HandleMessage routes by payload: connection-control bodies and the
// retry timer belong to the manager, everything else to the engine.
func (n *Node) HandleMessage(msg *Message) {
	if msg == nil {
		return
	}
	switch msg.Body.(type) {
	case *ConnectionSetupRequest, *ConnectionSetupResponse, *RejectConnectionSetupRequest, *requestRetryTiming:
		n.cm.HandleMessage(msg)
	default:
		n.engine.HandleMessage(msg)
	}
}

// Network is a fully wired simulation: one kernel, one shared backend,
// one node per NodeConfig.
type Network struct {
	kernel  *SimKernel
	nodes   map[int]*Node
	metrics *Metrics
	logger  Logger
}

// NewNetwork builds every node from the validated config. eventLog
// receives the machine-readable event stream; nil disables it.
func NewNetwork(cfg *SimulationConfig, eventLog io.Writer) (*Network, error) {
	kernel := NewSimKernel(SimTime(cfg.Simulation.Horizon), SimTime(cfg.Simulation.ChannelDelay))
	rng := NewPartitionedRNG(NewSimulationKey(cfg.Simulation.Seed))
	metrics := NewMetrics()

	var logger Logger = DisabledLogger{}
	if eventLog != nil {
		logger = NewJsonLogger(eventLog, kernel)
	}

	backendType, err := NormalizeBackendType(cfg.Backend.Type)
	if err != nil {
		return nil, err
	}
	backend, err := NewBackendFromConfig(cfg.Backend, rng, nil)
	if err != nil {
		return nil, err
	}

	net := &Network{kernel: kernel, nodes: make(map[int]*Node, len(cfg.Nodes)), metrics: metrics, logger: logger}
	physical := NewPhysicalService(backend, kernel, cfg.Simulation.ScenarioID, string(backendType), metrics)
	for _, nc := range cfg.Nodes {
		qnics := NewQNicStore(nc.Address, nc.QnicCounts(), nc.QubitsPerQnic, logger)
		pairs := NewBellPairStore(logger)
		facade := NewRuntimeFacade(nc.Address, physical, metrics)
		bus := NewEventBus(kernel, metrics)
		engine := NewRuleEngine(nc.Address, kernel, bus, facade, qnics, pairs, physical, logger, metrics)

		routes := make(map[int]RouteEntry, len(nc.Routes))
		for _, r := range nc.Routes {
			routes[r.DestAddr] = RouteEntry{QnicAddr: r.QnicAddr, NextHopAddr: r.NextHopAddr}
		}
		routing := NewRoutingTable(routes)
		cm := NewConnectionManager(nc.Address, kernel, routing, engine, logger, metrics,
			rng.ForSubsystem(SubsystemConnection), cfg.Connection)

		node := NewNode(nc.Address, cm, engine, qnics, pairs, routing)
		kernel.Register(node)
		net.nodes[nc.Address] = node
	}
	return net, nil
}

// Kernel exposes the shared kernel, for injection and inspection.
func (net *Network) Kernel() *SimKernel { return net.kernel }

// Metrics exposes the shared counter set.
func (net *Network) Metrics() *Metrics { return net.metrics }

// Node returns the node at addr, or nil.
func (net *Network) Node(addr int) *Node { return net.nodes[addr] }

// TomographyReport collects the tomography statistics of every node,
// keyed by node address. Nodes without recorded outcomes are absent.
func (net *Network) TomographyReport() map[int][]TomographyStat {
	report := make(map[int][]TomographyStat)
	for addr, node := range net.nodes {
		stats := node.Engine().Facade().TomographyReport()
		if len(stats) > 0 {
			report[addr] = stats
		}
	}
	return report
}

// Run drives the kernel to completion.
func (net *Network) Run() {
	logrus.Infof("starting simulation with %d nodes", len(net.nodes))
	net.kernel.Run()
	logrus.Infof("[t=%v] simulation drained", net.kernel.Now())
}
