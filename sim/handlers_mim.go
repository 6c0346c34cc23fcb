package sim

import (
	"fmt"

	"github.com/sirupsen/logrus"
)

// registerMIMHandlers installs the memory-in-midpoint link protocol:
// the midpoint analyzer paces emission rounds (BSM_TIMING) and reports
// which photons survived (BSM_RESULT).
func registerMIMHandlers(e *RuleEngine) {
	e.RegisterHandler(KindBSMTiming, FamilyMIMv1, e.handleBSMTiming)
	e.RegisterHandler(KindBSMResult, FamilyMIMv1, e.handleBSMResult)
	e.RegisterKindFallback(KindEmitPhotonRequest, e.handleEmitPhotonRequest)
}

// handleBSMTiming starts a fresh emission round: the previous train is
// torn down, its in-flight qubits returned, and the first emission is
// scheduled at the announced time.
func (e *RuleEngine) handleBSMTiming(ev *RuleEvent) {
	notification, ok := ev.Payload.(*BSMTimingNotification)
	if !ok {
		logrus.Warnf("[t=%v] BSM_TIMING carried %T, ignoring", e.kernel.Now(), ev.Payload)
		return
	}
	qnicIndex := notification.QnicIndex
	e.neighborAddrs[qnicIndex] = notification.NeighborAddr

	e.stopOnGoingPhotonEmission(qnicIndex)
	e.freeEmittedQubits(qnicIndex)

	e.schedulePhotonEmission(notification.FirstPhotonEmitTime, &EmitPhotonRequest{
		QnicIndex: qnicIndex,
		QnicType:  notification.QnicType,
		Interval:  notification.Interval,
		IsFirst:   true,
	})
}

// handleBSMResult converts the round's surviving photons into stored
// Bell pairs. Indices are walked in reverse so removals from the
// emission log do not shift indices still to be visited.
func (e *RuleEngine) handleBSMResult(ev *RuleEvent) {
	results, ok := ev.Payload.(*CombinedBSAResults)
	if !ok {
		logrus.Warnf("[t=%v] BSM_RESULT carried %T, ignoring", e.kernel.Now(), ev.Payload)
		return
	}
	qnicIndex := results.QnicIndex
	partnerAddr := results.NeighborAddr
	if partnerAddr == 0 {
		partnerAddr = e.neighborAddrs[qnicIndex]
	}
	emitted := e.emittedQubits[qnicIndex]
	for i := len(results.SuccessIndices) - 1; i >= 0; i-- {
		photonIndex := results.SuccessIndices[i]
		if photonIndex < 0 || photonIndex >= len(emitted) {
			logrus.Debugf("[t=%v] BSM_RESULT photon index %d outside emitted log (%d entries)",
				e.kernel.Now(), photonIndex, len(emitted))
			continue
		}
		record := emitted[photonIndex]
		emitted = append(emitted[:photonIndex], emitted[photonIndex+1:]...)
		if i < len(results.Corrections) {
			e.applyCorrection(results.Corrections[i], record)
		}
		e.insertBellPair(partnerAddr, record)
	}
	e.emittedQubits[qnicIndex] = emitted
}

// handleEmitPhotonRequest drives one step of an emission train, for both
// link flavors. The source timer message is reused for the next step.
func (e *RuleEngine) handleEmitPhotonRequest(ev *RuleEvent) {
	req, ok := ev.Payload.(*EmitPhotonRequest)
	if !ok {
		logrus.Warnf("[t=%v] EMIT_PHOTON_REQUEST carried %T, ignoring", e.kernel.Now(), ev.Payload)
		return
	}
	qnicIndex := req.QnicIndex
	qubitIndex := e.qnics.TakeFreeQubitIndex(req.QnicType, qnicIndex)

	if req.MSM {
		e.emitPhotonMSM(ev, req, qubitIndex)
		return
	}

	if qubitIndex < 0 {
		// the train starves without a free qubit; wait for the next round
		delete(e.emissionTimers, qnicIndex)
		return
	}
	record, err := e.qnics.GetQubitRecord(req.QnicType, qnicIndex, qubitIndex)
	if err != nil {
		logrus.Errorf("[t=%v] emit: %v", e.kernel.Now(), err)
		return
	}
	e.emitPhotonPulse(record, req.IsFirst, req.IsLast)
	e.emittedQubits[qnicIndex] = append(e.emittedQubits[qnicIndex], record)

	req.IsFirst = false
	if req.IsLast {
		delete(e.emissionTimers, qnicIndex)
		return
	}
	e.rescheduleEmission(ev, req.Interval, qnicIndex)
}

// emitPhotonMSM performs one MSM emission step. Without a free qubit the
// partner still needs a result for this photon index, so a failure
// notification goes out instead of a pulse.
func (e *RuleEngine) emitPhotonMSM(ev *RuleEvent, req *EmitPhotonRequest, qubitIndex int) {
	info := e.MSMInfoFor(req.QnicIndex)
	info.PhotonIndexCounter++
	if qubitIndex >= 0 {
		info.QubitInfoMap[info.IterationIndex] = qubitIndex
		record, err := e.qnics.GetQubitRecord(req.QnicType, req.QnicIndex, qubitIndex)
		if err == nil {
			e.emitPhotonPulse(record, false, false)
		}
	} else {
		e.sendToPartner("MSMResult", info.PartnerAddress, &MSMResult{
			Kind:        MSMResultKind,
			QnicIndex:   info.PartnerQnicIndex,
			PartnerAddr: e.nodeAddr,
			PhotonIndex: info.PhotonIndexCounter,
			Success:     false,
			Correction:  PauliI,
		})
	}
	e.rescheduleEmission(ev, req.Interval, req.QnicIndex)
}

// emitPhotonPulse records the emission of one photon entangled with the
// stationary qubit. The optical flight itself is the midpoint's concern.
func (e *RuleEngine) emitPhotonPulse(record *QubitRecord, first, last bool) {
	e.logger.LogEvent("PhotonEmitted", fmt.Sprintf(
		`{"qnic_type": "%s", "qnic_index": %d, "qubit_index": %d, "first": %t, "last": %t}`,
		record.QnicType, record.QnicIndex, record.QubitIndex, first, last))
}
