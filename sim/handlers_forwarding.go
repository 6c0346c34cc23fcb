package sim

import (
	"github.com/sirupsen/logrus"
)

// registerForwardingHandlers installs the runtime-facing handlers:
// protocol replies routed into owning runtimes and RuleSets submitted
// for execution.
func registerForwardingHandlers(e *RuleEngine) {
	e.RegisterHandler(KindPurificationResult, FamilyPurification, e.handlePurificationResult)
	e.RegisterHandler(KindSwappingResult, FamilySwapping, e.handleSwappingResult)
	e.RegisterHandler(KindRuleSetForwarding, FamilyConnectionManagement, e.handleRuleSetForwarding)
	e.RegisterHandler(KindRuleSetForwardingApplication, FamilyConnectionManagement, e.handleRuleSetForwardingApplication)
	e.RegisterHandler(KindLinkTomographyRuleSet, FamilyLinkTomography, e.handleLinkTomographyRuleSet)
}

// handlePurificationResult routes the partner's measurement outcome to
// the owning runtime as [seq, measurement, protocol].
func (e *RuleEngine) handlePurificationResult(ev *RuleEvent) {
	result, ok := ev.Payload.(*PurificationResult)
	if !ok {
		logrus.Warnf("[t=%v] PURIFICATION_RESULT carried %T, ignoring", e.kernel.Now(), ev.Payload)
		return
	}
	e.facade.AssignMessageToRuleSet(result.RuleSetID, result.SharedRuleTag,
		[]int{result.SequenceNumber, result.MeasurementResult, result.ProtocolHint})
}

// handleSwappingResult routes the swapper's outcome to the owning
// runtime as [seq, correction_frame, new_partner].
func (e *RuleEngine) handleSwappingResult(ev *RuleEvent) {
	result, ok := ev.Payload.(*SwappingResult)
	if !ok {
		logrus.Warnf("[t=%v] SWAPPING_RESULT carried %T, ignoring", e.kernel.Now(), ev.Payload)
		return
	}
	e.facade.AssignMessageToRuleSet(result.RuleSetID, result.SharedRuleTag,
		[]int{result.SequenceNumber, int(result.CorrectionFrame), result.NewPartnerAddr})
}

func (e *RuleEngine) handleRuleSetForwarding(ev *RuleEvent) {
	forwarding, ok := ev.Payload.(*InternalRuleSetForwarding)
	if !ok {
		logrus.Warnf("[t=%v] RULESET_FORWARDING carried %T, ignoring", e.kernel.Now(), ev.Payload)
		return
	}
	e.facade.SubmitRuleSet(forwarding.RuleSet, e.bellPairs)
}

// handleRuleSetForwardingApplication submits the bundled RuleSet. Only
// application type 0 reaches this handler; other types classify as an
// unknown protocol upstream.
func (e *RuleEngine) handleRuleSetForwardingApplication(ev *RuleEvent) {
	forwarding, ok := ev.Payload.(*InternalRuleSetForwardingApplication)
	if !ok {
		logrus.Warnf("[t=%v] RULESET_FORWARDING_APPLICATION carried %T, ignoring", e.kernel.Now(), ev.Payload)
		return
	}
	if forwarding.ApplicationType != 0 {
		return
	}
	e.facade.SubmitRuleSet(forwarding.RuleSet, e.bellPairs)
}

func (e *RuleEngine) handleLinkTomographyRuleSet(ev *RuleEvent) {
	bundle, ok := ev.Payload.(*LinkTomographyRuleSet)
	if !ok {
		logrus.Warnf("[t=%v] LINK_TOMOGRAPHY_RULESET carried %T, ignoring", e.kernel.Now(), ev.Payload)
		return
	}
	e.facade.SubmitRuleSet(bundle.RuleSet, e.bellPairs)
}
