package sim

import (
	"github.com/sirupsen/logrus"
)

// registerMSMHandlers installs the midpoint-source link protocol: an
// entangled-photon-pair source in the middle of the link feeds both
// ends, and each end reconciles its detector clicks with the partner's.
func registerMSMHandlers(e *RuleEngine) {
	e.RegisterHandler(KindEPPSTiming, FamilyMSMv1, e.handleEPPSTiming)
	e.RegisterHandler(KindSingleClickResult, FamilyMSMv1, e.handleSingleClickResult)
	e.RegisterHandler(KindMSMResult, FamilyMSMv1, e.handleMSMResult)
	e.RegisterHandler(KindStopEmitting, FamilyMSMv1, e.handleStopEmitting)
}

// handleEPPSTiming caches the session parameters announced by the source
// and (re)schedules the local MSM emission train.
func (e *RuleEngine) handleEPPSTiming(ev *RuleEvent) {
	notification, ok := ev.Payload.(*EPPSTimingNotification)
	if !ok {
		logrus.Warnf("[t=%v] EPPS_TIMING carried %T, ignoring", e.kernel.Now(), ev.Payload)
		return
	}
	qnicIndex := notification.QnicIndex
	info := e.MSMInfoFor(qnicIndex)
	info.PartnerAddress = notification.PartnerAddr
	info.PartnerQnicIndex = notification.PartnerQnicIndex
	info.EPPSAddress = notification.EPPSAddr
	info.TotalTravelTime = notification.TotalTravelTime

	e.schedulePhotonEmission(notification.FirstPhotonEmitTime, &EmitPhotonRequest{
		QnicIndex:  qnicIndex,
		QnicType:   QnicEmitter,
		Interval:   notification.Interval,
		MSM:        true,
		TravelTime: notification.TotalTravelTime,
	})
}

// handleSingleClickResult folds the local detector outcome into the
// interface state and always notifies the partner, success or not.
func (e *RuleEngine) handleSingleClickResult(ev *RuleEvent) {
	click, ok := ev.Payload.(*SingleClickResult)
	if !ok {
		logrus.Warnf("[t=%v] SINGLE_CLICK_RESULT carried %T, ignoring", e.kernel.Now(), ev.Payload)
		return
	}
	info := e.MSMInfoFor(click.QnicIndex)
	qubitIndex, tracked := info.QubitInfoMap[info.IterationIndex]
	if tracked {
		if click.Success {
			info.QubitPostProcessInfo[click.PhotonIndex] = msmQubitInfo{
				QubitIndex: qubitIndex,
				Correction: click.Correction,
			}
			delete(info.QubitInfoMap, info.IterationIndex)
			info.IterationIndex++
		} else {
			delete(info.QubitInfoMap, info.IterationIndex)
			if record, err := e.qnics.GetQubitRecord(QnicEmitter, click.QnicIndex, qubitIndex); err == nil {
				e.freeConsumedResource(record)
			}
		}
	}
	e.sendToPartner("MSMResult", info.PartnerAddress, &MSMResult{
		Kind:        MSMResultKind,
		QnicIndex:   info.PartnerQnicIndex,
		PartnerAddr: e.nodeAddr,
		PhotonIndex: click.PhotonIndex,
		Success:     click.Success,
		Correction:  click.Correction,
	})
}

// handleMSMResult reconciles the partner's outcome for a photon we have
// already post-processed locally. Exactly one side applies the Z that
// turns the heralded pair into the canonical one, chosen by address
// order so both never correct.
func (e *RuleEngine) handleMSMResult(ev *RuleEvent) {
	result, ok := ev.Payload.(*MSMResult)
	if !ok {
		logrus.Warnf("[t=%v] MSM_RESULT carried %T, ignoring", e.kernel.Now(), ev.Payload)
		return
	}
	info := e.MSMInfoFor(result.QnicIndex)
	local, tracked := info.QubitPostProcessInfo[result.PhotonIndex]
	if !tracked {
		return
	}
	delete(info.QubitPostProcessInfo, result.PhotonIndex)

	record, err := e.qnics.GetQubitRecord(QnicEmitter, result.QnicIndex, local.QubitIndex)
	if err != nil {
		logrus.Errorf("[t=%v] msm result: %v", e.kernel.Now(), err)
		return
	}
	if !result.Success {
		e.freeConsumedResource(record)
		return
	}
	if local.Correction != result.Correction && e.nodeAddr < info.PartnerAddress {
		if e.physical != nil {
			e.physical.ApplyGate("z", record.Handle(e.nodeAddr))
		}
	}
	e.insertBellPair(info.PartnerAddress, record)
}

// handleStopEmitting winds the local train down and, when this interface
// has actually emitted as an MSM link, tells the source to stop too.
func (e *RuleEngine) handleStopEmitting(ev *RuleEvent) {
	stop, ok := ev.Payload.(*StopEmitting)
	if !ok {
		logrus.Warnf("[t=%v] STOP_EMITTING carried %T, ignoring", e.kernel.Now(), ev.Payload)
		return
	}
	e.stopOnGoingPhotonEmission(stop.QnicIndex)
	info := e.MSMInfoFor(stop.QnicIndex)
	if info.PhotonIndexCounter > 0 {
		e.sendToPartner("StopEPPSEmission", info.EPPSAddress, &StopEPPSEmission{})
	}
}
