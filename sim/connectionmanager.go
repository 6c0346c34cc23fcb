package sim

import (
	"math/rand"

	"github.com/sirupsen/logrus"
)

// PurType names the purification circuit a connection should run on each
// link before swapping.
type PurType int

const (
	PurInvalid PurType = iota
	PurSingleX
	PurSingleY
	PurSingleZ
	PurSingleXZ
	PurSingleZX
	PurDoubleX
	PurDoubleZ
	PurDoubleXZ
	PurDoubleZX
	PurDoubleXSingleZ
	PurDoubleZSingleX
)

// ParsePurType maps a configured purification name to its PurType.
// Unrecognized names map to PurInvalid.
func ParsePurType(name string) PurType {
	switch name {
	case "SINGLE_SELECTION_X_PURIFICATION":
		return PurSingleX
	case "SINGLE_SELECTION_Y_PURIFICATION":
		return PurSingleY
	case "SINGLE_SELECTION_Z_PURIFICATION":
		return PurSingleZ
	case "SINGLE_SELECTION_XZ_PURIFICATION":
		return PurSingleXZ
	case "SINGLE_SELECTION_ZX_PURIFICATION":
		return PurSingleZX
	case "DOUBLE_SELECTION_X_PURIFICATION":
		return PurDoubleX
	case "DOUBLE_SELECTION_Z_PURIFICATION":
		return PurDoubleZ
	case "DOUBLE_SELECTION_XZ_PURIFICATION":
		return PurDoubleXZ
	case "DOUBLE_SELECTION_ZX_PURIFICATION":
		return PurDoubleZX
	case "DOUBLE_SELECTION_X_PURIFICATION_SINGLE_SELECTION_Z_PURIFICATION":
		return PurDoubleXSingleZ
	case "DOUBLE_SELECTION_Z_PURIFICATION_SINGLE_SELECTION_X_PURIFICATION":
		return PurDoubleZSingleX
	}
	return PurInvalid
}

// RouteEntry is one row of the node's static routing table.
type RouteEntry struct {
	QnicAddr    int
	NextHopAddr int
}

// RoutingTable resolves a destination address to the local egress
// interface and next hop.
type RoutingTable struct {
	entries map[int]RouteEntry
}

// NewRoutingTable creates a table from destination address to route.
func NewRoutingTable(entries map[int]RouteEntry) *RoutingTable {
	if entries == nil {
		entries = make(map[int]RouteEntry)
	}
	return &RoutingTable{entries: entries}
}

// FindQnicAddrByDestAddr returns the egress interface address for the
// destination, or -1 when no route exists.
func (t *RoutingTable) FindQnicAddrByDestAddr(destAddr int) int {
	entry, ok := t.entries[destAddr]
	if !ok {
		return -1
	}
	return entry.QnicAddr
}

// NextHop returns the neighbor behind the route to destAddr, or -1.
func (t *RoutingTable) NextHop(destAddr int) int {
	entry, ok := t.entries[destAddr]
	if !ok {
		return -1
	}
	return entry.NextHopAddr
}

// Event channel, protocol type, and self-timing status of one decoded
// control message.
type (
	ConnectionManagerEventChannel int
	ConnectionManagerProtocolType int
	ConnectionManagerSelfTiming   int
)

const (
	CMChannelUnknown ConnectionManagerEventChannel = iota
	CMChannelInternalTimer
	CMChannelProtocolMessage
)

const (
	CMProtocolUnknown ConnectionManagerProtocolType = iota
	CMProtocolSetupRequest
	CMProtocolSetupResponse
	CMProtocolRejectSetupRequest
)

const (
	CMTimingNotSelfMessage ConnectionManagerSelfTiming = iota
	CMTimingKnown
	CMTimingUnknownIndex
)

// DecodedConnectionManagerEvent is the classification of one incoming
// control message, computed before any role handler runs.
type DecodedConnectionManagerEvent struct {
	Channel        ConnectionManagerEventChannel
	ProtocolType   ConnectionManagerProtocolType
	SelfTiming     ConnectionManagerSelfTiming
	SelfTimingQnic int
	Raw            *Message
}

// requestRetryTiming is the body of the per-interface retry self-timer.
type requestRetryTiming struct {
	QnicAddr int
}

type connectionSetupResponseState struct {
	latestAttempt     int
	acceptedForLatest bool
}

// ConnectionManagerConfig carries the connection-control tunables.
type ConnectionManagerConfig struct {
	SimultaneousESEnabled bool    `yaml:"simultaneous_es_enabled" json:"simultaneous_es_enabled"`
	ESWithPurify          bool    `yaml:"es_with_purify" json:"es_with_purify"`
	NumRemotePurification int     `yaml:"num_remote_purification" json:"num_remote_purification"`
	ThresholdFidelity     float64 `yaml:"threshold_fidelity" json:"threshold_fidelity"`
	PurificationTypeName  string  `yaml:"purification_type" json:"purification_type"`
	RetryBaseInterval     SimTime `yaml:"retry_base_interval" json:"retry_base_interval"`
	RetryMaxCount         int     `yaml:"retry_max_count" json:"retry_max_count"`
}

// ConnectionManager is the control-plane half of a node: it carries
// setup requests along the path, synthesizes RuleSets at the responder,
// deduplicates responses, and paces retries over busy interfaces.
type ConnectionManager struct {
	myAddress int
	kernel    KernelPort
	routing   *RoutingTable
	engine    MessageSink
	logger    Logger
	metrics   *Metrics
	rng       *rand.Rand
	config    ConnectionManagerConfig

	purificationType PurType

	connectionSetupBuffer map[int]*WaitQueue
	connectionRetryCount  map[int]int
	responseState         map[uint64]*connectionSetupResponseState
	reservedQnics         map[int]bool
	requestSendTiming     map[int]*Message

	newRuleSetID func() uint64
}

// NewConnectionManager wires the control plane for one node. engine is
// the local RuleEngine sink accepted RuleSets are forwarded to; it may
// be nil in tests that only exercise synthesis.
func NewConnectionManager(myAddress int, kernel KernelPort, routing *RoutingTable,
	engine MessageSink, logger Logger, metrics *Metrics, rng *rand.Rand,
	config ConnectionManagerConfig) *ConnectionManager {
	if kernel == nil {
		panic("NewConnectionManager: kernel must not be nil")
	}
	if routing == nil {
		routing = NewRoutingTable(nil)
	}
	if logger == nil {
		logger = DisabledLogger{}
	}
	if config.RetryBaseInterval <= 0 {
		config.RetryBaseInterval = 0.01
	}
	return &ConnectionManager{
		myAddress:             myAddress,
		kernel:                kernel,
		routing:               routing,
		engine:                engine,
		logger:                logger,
		metrics:               metrics,
		rng:                   rng,
		config:                config,
		purificationType:      ParsePurType(config.PurificationTypeName),
		connectionSetupBuffer: make(map[int]*WaitQueue),
		connectionRetryCount:  make(map[int]int),
		responseState:         make(map[uint64]*connectionSetupResponseState),
		reservedQnics:         make(map[int]bool),
		requestSendTiming:     make(map[int]*Message),
		newRuleSetID:          NewRuleSetID,
	}
}

// Address implements MessageSink.
func (cm *ConnectionManager) Address() int { return cm.myAddress }

// DecodeIncomingMessage classifies a raw control message without acting
// on it.
func (cm *ConnectionManager) DecodeIncomingMessage(msg *Message) DecodedConnectionManagerEvent {
	ev := DecodedConnectionManagerEvent{SelfTimingQnic: -1, Raw: msg}
	if msg == nil {
		return ev
	}
	if msg.SelfMessage {
		ev.Channel = CMChannelInternalTimer
		if timing, ok := msg.Body.(*requestRetryTiming); ok {
			ev.SelfTiming = CMTimingKnown
			ev.SelfTimingQnic = timing.QnicAddr
		} else {
			ev.SelfTiming = CMTimingUnknownIndex
		}
		return ev
	}
	switch msg.Body.(type) {
	case *ConnectionSetupRequest:
		ev.Channel = CMChannelProtocolMessage
		ev.ProtocolType = CMProtocolSetupRequest
	case *ConnectionSetupResponse:
		ev.Channel = CMChannelProtocolMessage
		ev.ProtocolType = CMProtocolSetupResponse
	case *RejectConnectionSetupRequest:
		ev.Channel = CMChannelProtocolMessage
		ev.ProtocolType = CMProtocolRejectSetupRequest
	}
	return ev
}

// HandleMessage implements MessageSink for the control plane.
func (cm *ConnectionManager) HandleMessage(msg *Message) {
	ev := cm.DecodeIncomingMessage(msg)
	switch ev.Channel {
	case CMChannelInternalTimer:
		cm.dispatchInternalEvent(ev)
	case CMChannelProtocolMessage:
		cm.dispatchProtocolMessage(ev)
	default:
		cm.handleUnknownControlMessage(ev)
	}
}

func (cm *ConnectionManager) dispatchInternalEvent(ev DecodedConnectionManagerEvent) {
	if ev.SelfTiming != CMTimingKnown {
		cm.handleUnknownControlMessage(ev)
		return
	}
	cm.handleSelfTiming(ev.SelfTimingQnic)
}

func (cm *ConnectionManager) dispatchProtocolMessage(ev DecodedConnectionManagerEvent) {
	switch ev.ProtocolType {
	case CMProtocolSetupRequest:
		cm.handleProtocolSetupRequest(ev.Raw.Body.(*ConnectionSetupRequest))
	case CMProtocolSetupResponse:
		cm.handleProtocolSetupResponse(ev.Raw.Body.(*ConnectionSetupResponse))
	case CMProtocolRejectSetupRequest:
		cm.handleProtocolRejectSetup(ev.Raw.Body.(*RejectConnectionSetupRequest))
	default:
		cm.handleUnknownControlMessage(ev)
	}
}

func (cm *ConnectionManager) handleUnknownControlMessage(ev DecodedConnectionManagerEvent) {
	name := "<nil>"
	if ev.Raw != nil {
		name = ev.Raw.Name
	}
	logrus.WithFields(logrus.Fields{
		"node":     cm.myAddress,
		"msg_name": name,
	}).Warn("unknown control message")
}

// handleSelfTiming pops the head of the interface's wait queue and
// attempts the relay again.
func (cm *ConnectionManager) handleSelfTiming(qnicAddr int) {
	delete(cm.requestSendTiming, qnicAddr)
	if cm.isQnicBusy(qnicAddr) {
		cm.scheduleRequestRetry(qnicAddr)
		return
	}
	cm.initiateApplicationRequest(qnicAddr)
}

// handleProtocolSetupRequest routes by role: responder if the request
// terminates here, intermediate otherwise.
func (cm *ConnectionManager) handleProtocolSetupRequest(req *ConnectionSetupRequest) {
	if req.ActualDestAddr == cm.myAddress {
		cm.RespondToRequest(req)
		return
	}
	cm.tryRelayRequestToNextHop(req)
}

// tryRelayRequestToNextHop queues the request behind its egress
// interface and relays immediately when the interface is free.
func (cm *ConnectionManager) tryRelayRequestToNextHop(req *ConnectionSetupRequest) {
	qnicAddr := cm.routing.FindQnicAddrByDestAddr(req.ActualDestAddr)
	if qnicAddr < 0 {
		logrus.Warnf("[t=%v] no route from %d toward %d, rejecting", cm.kernel.Now(), cm.myAddress, req.ActualDestAddr)
		cm.rejectRequest(req)
		return
	}
	cm.queueApplicationRequest(qnicAddr, req)
}

func (cm *ConnectionManager) queueApplicationRequest(qnicAddr int, req *ConnectionSetupRequest) {
	buffer, ok := cm.connectionSetupBuffer[qnicAddr]
	if !ok {
		buffer = &WaitQueue{}
		cm.connectionSetupBuffer[qnicAddr] = buffer
	}
	buffer.Enqueue(req)
	if cm.isQnicBusy(qnicAddr) {
		cm.scheduleRequestRetry(qnicAddr)
		return
	}
	cm.initiateApplicationRequest(qnicAddr)
}

// initiateApplicationRequest reserves the interface and relays the head
// request toward the next hop, extending the accumulated path with this
// node.
func (cm *ConnectionManager) initiateApplicationRequest(qnicAddr int) {
	buffer, ok := cm.connectionSetupBuffer[qnicAddr]
	if !ok || buffer.Len() == 0 {
		return
	}
	req := buffer.Dequeue()
	cm.reserveQnic(qnicAddr)

	ingressQnic := cm.routing.FindQnicAddrByDestAddr(req.ActualSrcAddr)
	relayed := *req
	relayed.PathStack = append(append([]PathEntry{}, req.PathStack...), PathEntry{
		NodeAddr:      cm.myAddress,
		LeftQnicAddr:  ingressQnic,
		RightQnicAddr: qnicAddr,
	})
	nextHop := cm.routing.NextHop(req.ActualDestAddr)
	msg := &Message{
		Name:      "ConnectionSetupRequest",
		ClassName: "ConnectionSetupRequest",
		SrcAddr:   cm.myAddress,
		DestAddr:  nextHop,
		Body:      &relayed,
	}
	cm.logger.LogPacket("Sent", msg)
	cm.kernel.Send(msg, RouterPort)
}

// scheduleRequestRetry arms the per-interface retry timer with
// exponential backoff and jitter.
func (cm *ConnectionManager) scheduleRequestRetry(qnicAddr int) {
	if _, pending := cm.requestSendTiming[qnicAddr]; pending {
		return
	}
	retry := cm.connectionRetryCount[qnicAddr]
	cm.connectionRetryCount[qnicAddr] = retry + 1
	backoff := cm.config.RetryBaseInterval * SimTime(uint64(1)<<uint(min(retry, 16)))
	if cm.rng != nil {
		backoff += cm.config.RetryBaseInterval * SimTime(cm.rng.Float64())
	}
	timer := &Message{
		Name:      "RequestRetryTimer",
		ClassName: "RequestRetryTimer",
		SrcAddr:   cm.myAddress,
		DestAddr:  cm.myAddress,
		Body:      &requestRetryTiming{QnicAddr: qnicAddr},
	}
	cm.requestSendTiming[qnicAddr] = timer
	cm.kernel.ScheduleAt(cm.kernel.Now()+backoff, timer)
}

// RespondToRequest synthesizes one RuleSet per participating node and
// sends each node its ConnectionSetupResponse. All rulesets of one
// connection share a single ruleset id.
func (cm *ConnectionManager) RespondToRequest(req *ConnectionSetupRequest) {
	nodes := make([]int, 0, len(req.PathStack)+1)
	if len(req.PathStack) == 0 {
		nodes = append(nodes, req.ActualSrcAddr)
	}
	for _, entry := range req.PathStack {
		nodes = append(nodes, entry.NodeAddr)
	}
	nodes = append(nodes, cm.myAddress)

	rulesetID := cm.newRuleSetID()
	rulesets := cm.synthesizeRuleSets(rulesetID, nodes, req.NumMeasure)

	for _, nodeAddr := range nodes {
		response := &ConnectionSetupResponse{
			ApplicationID:       req.ApplicationID,
			ActualDestAddr:      nodeAddr,
			ActualSrcAddr:       cm.myAddress,
			RuleSetID:           rulesetID,
			RuleSet:             rulesets[nodeAddr],
			ApplicationType:     0,
			StackOfQNodeIndices: nodes,
		}
		msg := &Message{
			Name:      "ConnectionSetupResponse",
			ClassName: "ConnectionSetupResponse",
			SrcAddr:   cm.myAddress,
			DestAddr:  nodeAddr,
			Body:      response,
		}
		cm.logger.LogPacket("Sent", msg)
		cm.kernel.Send(msg, RouterPort)
	}
}

// synthesizeRuleSets builds the per-node rule programs for a path.
//
// Tags are assigned in one pass over the plan: purification tags first
// when purification is enabled (one per link per round, in path order),
// then one swap tag per intermediate in path order, then tomography.
// Rules land in each node's program in execution order, purification
// before corrections; in the sequential plan corrections also precede the
// node's own swap, while in the simultaneous plan a swapper's own swap
// precedes the correction for its right neighbor's swap.
//
// Swap partners follow the sequential discipline by default: the
// intermediate closest to the responder swaps first, connecting its
// left neighbor to the responder, and each intermediate toward the
// initiator then swaps its own left neighbor with the responder. With
// simultaneous swapping enabled every intermediate instead swaps its
// two immediate neighbors in the same round.
func (cm *ConnectionManager) synthesizeRuleSets(rulesetID uint64, nodes []int, numMeasure int) map[int]*RuleSet {
	rulesets := make(map[int]*RuleSet, len(nodes))
	for _, nodeAddr := range nodes {
		rulesets[nodeAddr] = NewRuleSet(rulesetID, nodeAddr)
	}
	if len(nodes) < 2 {
		return rulesets
	}
	initiator := nodes[0]
	responder := nodes[len(nodes)-1]
	intermediates := nodes[1 : len(nodes)-1]

	nextTag := 1
	if cm.config.ESWithPurify && cm.config.NumRemotePurification > 0 && cm.purificationType != PurInvalid {
		for i := 0; i+1 < len(nodes); i++ {
			left := nodes[i]
			right := nodes[i+1]
			for round := 0; round < cm.config.NumRemotePurification; round++ {
				rulesets[left].AddRule(NewPurificationRule(right, cm.config.PurificationTypeName, nextTag))
				rulesets[right].AddRule(NewPurificationRule(left, cm.config.PurificationTypeName, nextTag))
				nextTag++
			}
		}
	}

	if cm.config.SimultaneousESEnabled {
		for i, swapper := range intermediates {
			left := nodes[i]
			right := nodes[i+2]
			tag := nextTag + i
			rulesets[left].AddRule(NewSwappingCorrectionRule(swapper, tag))
			rulesets[right].AddRule(NewSwappingCorrectionRule(swapper, tag))
			rulesets[swapper].AddRule(NewSwappingRule(left, right, tag))
		}
	} else {
		for i := len(intermediates) - 1; i >= 0; i-- {
			swapper := intermediates[i]
			left := nodes[i]
			tag := nextTag + i
			rulesets[left].AddRule(NewSwappingCorrectionRule(swapper, tag))
			rulesets[responder].AddRule(NewSwappingCorrectionRule(swapper, tag))
			rulesets[swapper].AddRule(NewSwappingRule(left, responder, tag))
		}
	}

	tomographyTag := nextTag + len(intermediates)
	rulesets[initiator].AddRule(NewTomographyRule(responder, initiator, numMeasure, tomographyTag))
	rulesets[responder].AddRule(NewTomographyRule(initiator, responder, numMeasure, tomographyTag))
	return rulesets
}

// shouldAcceptConnectionSetupResponse applies the per-session attempt
// window. Legacy responses with session id 0 always pass.
func (cm *ConnectionManager) shouldAcceptConnectionSetupResponse(resp *ConnectionSetupResponse) bool {
	if resp.SessionID == 0 {
		return true
	}
	state, ok := cm.responseState[resp.SessionID]
	if !ok {
		cm.responseState[resp.SessionID] = &connectionSetupResponseState{
			latestAttempt:     resp.Attempt,
			acceptedForLatest: true,
		}
		return true
	}
	if resp.Attempt > state.latestAttempt {
		state.latestAttempt = resp.Attempt
		state.acceptedForLatest = true
		return true
	}
	if resp.Attempt == state.latestAttempt && !state.acceptedForLatest {
		state.acceptedForLatest = true
		return true
	}
	return false
}

// handleProtocolSetupResponse forwards an accepted RuleSet into the
// local RuleEngine and drops duplicates or stale attempts.
func (cm *ConnectionManager) handleProtocolSetupResponse(resp *ConnectionSetupResponse) {
	if !cm.shouldAcceptConnectionSetupResponse(resp) {
		if cm.metrics != nil {
			cm.metrics.ResponsesDeduped.Inc()
		}
		logrus.WithFields(logrus.Fields{
			"node":       cm.myAddress,
			"session_id": resp.SessionID,
			"attempt":    resp.Attempt,
			"ruleset_id": resp.RuleSetID,
		}).Debug("setup response discarded")
		return
	}
	if qnicAddr := cm.routing.FindQnicAddrByDestAddr(resp.ActualSrcAddr); qnicAddr >= 0 {
		cm.releaseQnic(qnicAddr)
	}
	if resp.ApplicationID != 0 {
		cm.storeRuleSetForApplication(resp)
		return
	}
	cm.storeRuleSet(resp)
}

func (cm *ConnectionManager) storeRuleSet(resp *ConnectionSetupResponse) {
	cm.forwardToEngine("InternalRuleSetForwarding", &InternalRuleSetForwarding{RuleSet: resp.RuleSet})
}

func (cm *ConnectionManager) storeRuleSetForApplication(resp *ConnectionSetupResponse) {
	cm.forwardToEngine("InternalRuleSetForwarding_Application", &InternalRuleSetForwardingApplication{
		ApplicationType: resp.ApplicationType,
		RuleSet:         resp.RuleSet,
	})
}

func (cm *ConnectionManager) forwardToEngine(name string, body any) {
	if cm.engine == nil {
		return
	}
	cm.engine.HandleMessage(&Message{
		Name:      name,
		ClassName: name,
		SrcAddr:   cm.myAddress,
		DestAddr:  cm.myAddress,
		Body:      body,
	})
}

// handleProtocolRejectSetup unwinds reservations for the failed attempt
// by role: each role releases the interfaces it reserved toward the other
// end; no retry is scheduled.
func (cm *ConnectionManager) handleProtocolRejectSetup(reject *RejectConnectionSetupRequest) {
	switch cm.myAddress {
	case reject.ActualSrcAddr:
		cm.initiatorRejectHandler(reject)
	case reject.ActualDestAddr:
		cm.responderRejectHandler(reject)
	default:
		cm.intermediateRejectHandler(reject)
	}
}

func (cm *ConnectionManager) initiatorRejectHandler(reject *RejectConnectionSetupRequest) {
	if qnicAddr := cm.routing.FindQnicAddrByDestAddr(reject.ActualDestAddr); qnicAddr >= 0 {
		cm.releaseQnic(qnicAddr)
	}
}

func (cm *ConnectionManager) responderRejectHandler(reject *RejectConnectionSetupRequest) {
	if qnicAddr := cm.routing.FindQnicAddrByDestAddr(reject.ActualSrcAddr); qnicAddr >= 0 {
		cm.releaseQnic(qnicAddr)
	}
}

func (cm *ConnectionManager) intermediateRejectHandler(reject *RejectConnectionSetupRequest) {
	if qnicAddr := cm.routing.FindQnicAddrByDestAddr(reject.ActualSrcAddr); qnicAddr >= 0 {
		cm.releaseQnic(qnicAddr)
	}
	if qnicAddr := cm.routing.FindQnicAddrByDestAddr(reject.ActualDestAddr); qnicAddr >= 0 {
		cm.releaseQnic(qnicAddr)
	}
}

// rejectRequest notifies every node already on the path, the initiator
// included, that this attempt is dead.
func (cm *ConnectionManager) rejectRequest(req *ConnectionSetupRequest) {
	targets := map[int]bool{req.ActualSrcAddr: true}
	for _, entry := range req.PathStack {
		targets[entry.NodeAddr] = true
	}
	for nodeAddr := range targets {
		if nodeAddr == cm.myAddress {
			continue
		}
		msg := &Message{
			Name:      "RejectConnectionSetupRequest",
			ClassName: "RejectConnectionSetupRequest",
			SrcAddr:   cm.myAddress,
			DestAddr:  nodeAddr,
			Body: &RejectConnectionSetupRequest{
				ApplicationID:        req.ApplicationID,
				ActualDestAddr:       req.ActualDestAddr,
				ActualSrcAddr:        req.ActualSrcAddr,
				NumRequiredBellPairs: req.NumRequiredBellPairs,
			},
		}
		cm.logger.LogPacket("Sent", msg)
		cm.kernel.Send(msg, RouterPort)
	}
}

// reserveQnic marks the interface busy for the current setup attempt.
func (cm *ConnectionManager) reserveQnic(qnicAddr int) {
	cm.reservedQnics[qnicAddr] = true
}

func (cm *ConnectionManager) releaseQnic(qnicAddr int) {
	delete(cm.reservedQnics, qnicAddr)
}

func (cm *ConnectionManager) isQnicBusy(qnicAddr int) bool {
	return cm.reservedQnics[qnicAddr]
}

// Reserve, Release, and IsBusy expose the reservation set.
func (cm *ConnectionManager) Reserve(qnicAddr int)     { cm.reserveQnic(qnicAddr) }
func (cm *ConnectionManager) Release(qnicAddr int)     { cm.releaseQnic(qnicAddr) }
func (cm *ConnectionManager) IsBusy(qnicAddr int) bool { return cm.isQnicBusy(qnicAddr) }
