package sim

// PauliOp is a single-qubit correction operator carried in classical
// protocol messages.
type PauliOp int

const (
	PauliI PauliOp = iota
	PauliX
	PauliY
	PauliZ
)

func (p PauliOp) String() string {
	switch p {
	case PauliX:
		return "X"
	case PauliY:
		return "Y"
	case PauliZ:
		return "Z"
	default:
		return "I"
	}
}

// MSMResultKind is the numeric wire tag carried by outgoing MSMResult
// messages so midpoint hardware can route them without decoding the body.
const MSMResultKind = 6

// Message is the classical-channel envelope delivered to a node. Body holds
// one of the payload structs below; a nil Body message classifies as UNKNOWN.
// ClassName feeds the translator registry for message types the built-in
// table does not know.
type Message struct {
	Name        string
	ClassName   string
	SrcAddr     int
	DestAddr    int
	SelfMessage bool
	Body        any

	scheduledAt SimTime
	scheduled   bool
}

// BSMTimingNotification announces the timing of the next MIM photon train,
// dispatched by the midpoint Bell-state analyzer.
type BSMTimingNotification struct {
	QnicIndex           int
	QnicType            QnicType
	Interval            SimTime
	FirstPhotonEmitTime SimTime
	NeighborAddr        int
}

// CombinedBSAResults reports, per round, which photon indices the midpoint
// successfully measured and the correction each surviving pair needs.
type CombinedBSAResults struct {
	QnicIndex      int
	QnicType       QnicType
	NeighborAddr   int
	SuccessIndices []int
	Corrections    []PauliOp
}

// EmitPhotonRequest is the self-message that paces a photon emission train.
type EmitPhotonRequest struct {
	QnicIndex     int
	QnicType      QnicType
	Interval      SimTime
	MSM           bool
	IsFirst       bool
	IsLast        bool
	TravelTime    SimTime
	TrainInterval SimTime
}

// EPPSTimingNotification announces MSM round timing from the
// entangled-photon-pair source in the middle of the link.
type EPPSTimingNotification struct {
	QnicIndex           int
	EPPSAddr            int
	PartnerAddr         int
	PartnerQnicIndex    int
	Interval            SimTime
	FirstPhotonEmitTime SimTime
	TotalTravelTime     SimTime
}

// SingleClickResult is the local detector outcome for one MSM photon.
type SingleClickResult struct {
	QnicIndex   int
	PhotonIndex uint64
	Success     bool
	Correction  PauliOp
}

// MSMResult carries one side's click outcome to the partner node.
type MSMResult struct {
	Kind        int
	QnicIndex   int
	PartnerAddr int
	PhotonIndex uint64
	Success     bool
	Correction  PauliOp
}

// StopEmitting tells a node to wind down the emission train on one interface.
type StopEmitting struct {
	QnicIndex int
}

// StopEPPSEmission tells the midpoint source to stop producing pairs.
type StopEPPSEmission struct{}

// PurificationResult reports a remote purification measurement outcome to
// the runtime that owns the corresponding rule.
type PurificationResult struct {
	RuleSetID         uint64
	SharedRuleTag     int
	SequenceNumber    int
	MeasurementResult int
	ProtocolHint      int
}

// SwappingResult reports an entanglement-swapping outcome, including the new
// partner the surviving pair now points at.
type SwappingResult struct {
	RuleSetID       uint64
	SharedRuleTag   int
	SequenceNumber  int
	CorrectionFrame PauliOp
	NewPartnerAddr  int
}

// LinkTomographyRuleSet bundles a tomography RuleSet for direct submission.
type LinkTomographyRuleSet struct {
	RuleSet *RuleSet
}

// InternalRuleSetForwarding hands a RuleSet from the ConnectionManager to
// the RuleEngine on the same node.
type InternalRuleSetForwarding struct {
	RuleSet *RuleSet
}

// InternalRuleSetForwardingApplication is the application-tagged variant.
// Only ApplicationType 0 (connection management) is acted on.
type InternalRuleSetForwardingApplication struct {
	ApplicationType int
	RuleSet         *RuleSet
}

// PathEntry is one hop accumulated in a ConnectionSetupRequest: the node
// plus the pair of interfaces the path uses through it.
type PathEntry struct {
	NodeAddr      int
	LeftQnicAddr  int
	RightQnicAddr int
}

// ConnectionSetupRequest travels initiator -> responder accumulating the path.
type ConnectionSetupRequest struct {
	ApplicationID        int
	ActualDestAddr       int
	ActualSrcAddr        int
	NumMeasure           int
	NumRequiredBellPairs int
	PathStack            []PathEntry
}

// ConnectionSetupResponse carries one node's synthesized RuleSet back along
// the path. SessionID/Attempt drive response deduplication; SessionID 0 is
// the legacy format that bypasses it.
type ConnectionSetupResponse struct {
	ApplicationID       int
	ActualDestAddr      int
	ActualSrcAddr       int
	RuleSetID           uint64
	RuleSet             *RuleSet
	ApplicationType     int
	StackOfQNodeIndices []int
	SessionID           uint64
	Attempt             int
}

// RejectConnectionSetupRequest unwinds reservations back toward the initiator.
type RejectConnectionSetupRequest struct {
	ApplicationID        int
	ActualDestAddr       int
	ActualSrcAddr        int
	NumRequiredBellPairs int
}
