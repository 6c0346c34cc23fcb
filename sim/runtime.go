package sim

import (
	"math"

	"gonum.org/v1/gonum/stat"
)

// RuntimeStateSnapshot is the introspection view of one runtime, used by
// tests and by the final report.
type RuntimeStateSnapshot struct {
	Terminated     bool  `json:"terminated"`
	ActivePartners []int `json:"active_partners"`
	QubitResources int   `json:"qubit_resources"`
	MessageQueues  int   `json:"message_queues"`
	NamedQubits    int   `json:"named_qubits"`
}

// Runtime executes one loaded RuleSet. It owns the qubits allocated to
// it, per-tag message queues, and a sticky termination flag. The runtime
// consumes the result messages that arrive and sends none; no component
// in this package sends swap or purification outcomes to partners.
type Runtime struct {
	ruleset  *RuleSet
	physical *PhysicalService
	store    *BellPairStore
	nodeAddr int

	qubits        map[int][]*QubitRecord
	messages      map[int][][]int
	named         map[string]*QubitRecord
	measureCounts map[int]int
	outcomes      map[int][]float64
	terminated    bool
}

func newRuntime(rs *RuleSet, physical *PhysicalService, store *BellPairStore, nodeAddr int) *Runtime {
	return &Runtime{
		ruleset:       rs,
		physical:      physical,
		store:         store,
		nodeAddr:      nodeAddr,
		qubits:        make(map[int][]*QubitRecord),
		messages:      make(map[int][][]int),
		named:         make(map[string]*QubitRecord),
		measureCounts: make(map[int]int),
		outcomes:      make(map[int][]float64),
	}
}

// RuleSet returns the loaded program.
func (r *Runtime) RuleSet() *RuleSet { return r.ruleset }

// Terminated reports the sticky termination state.
func (r *Runtime) Terminated() bool { return r.terminated }

// Terminate marks the runtime finished. It never un-terminates.
func (r *Runtime) Terminate() { r.terminated = true }

func (r *Runtime) assignQubit(partnerAddr int, record *QubitRecord) {
	r.qubits[partnerAddr] = append(r.qubits[partnerAddr], record)
}

func (r *Runtime) assignMessage(sharedRuleTag int, content []int) {
	r.messages[sharedRuleTag] = append(r.messages[sharedRuleTag], content)
}

func (r *Runtime) popQubit(partnerAddr int) *QubitRecord {
	queue := r.qubits[partnerAddr]
	if len(queue) == 0 {
		return nil
	}
	record := queue[0]
	r.qubits[partnerAddr] = queue[1:]
	return record
}

func (r *Runtime) popMessage(sharedRuleTag int) ([]int, bool) {
	queue := r.messages[sharedRuleTag]
	if len(queue) == 0 {
		return nil, false
	}
	content := queue[0]
	r.messages[sharedRuleTag] = queue[1:]
	return content, true
}

// Snapshot reports partner, qubit, message, and named-qubit counts.
func (r *Runtime) Snapshot() RuntimeStateSnapshot {
	snap := RuntimeStateSnapshot{
		Terminated:     r.terminated,
		ActivePartners: r.ruleset.Partners(),
		NamedQubits:    len(r.named),
	}
	for _, q := range r.qubits {
		snap.QubitResources += len(q)
	}
	for _, m := range r.messages {
		snap.MessageQueues += len(m)
	}
	return snap
}

// step runs one sweep over the rules in program order. Each rule makes
// as much progress as its queued inputs allow.
func (r *Runtime) step() {
	if r.terminated {
		return
	}
	for i, rule := range r.ruleset.Rules {
		switch rule.Action.Type {
		case "swapping_correction":
			r.stepSwappingCorrection(rule)
		case "tomography":
			r.stepTomography(i, rule)
		case "purification":
			r.stepPurification(rule)
		case "swapping":
			r.stepSwapping(rule)
		}
	}
}

// stepSwappingCorrection pairs a queued [seq, correction_frame,
// new_partner] message with an allocated qubit, applies the announced
// Pauli frame, and re-binds the qubit to the new partner.
func (r *Runtime) stepSwappingCorrection(rule *Rule) {
	if len(rule.Interface) == 0 {
		return
	}
	partner := rule.Interface[0].PartnerAddress
	for {
		if len(r.messages[rule.ReceiveTag]) == 0 || len(r.qubits[partner]) == 0 {
			return
		}
		content, _ := r.popMessage(rule.ReceiveTag)
		record := r.popQubit(partner)
		newPartner := partner
		if len(content) >= 3 {
			r.applyCorrectionFrame(record, PauliOp(content[1]))
			newPartner = content[2]
		}
		r.qubits[newPartner] = append(r.qubits[newPartner], record)
		r.named[rule.Name] = record
	}
}

func (r *Runtime) applyCorrectionFrame(record *QubitRecord, frame PauliOp) {
	if r.physical == nil {
		return
	}
	handle := record.Handle(r.nodeAddr)
	switch frame {
	case PauliX:
		r.physical.ApplyGate("x", handle)
	case PauliZ:
		r.physical.ApplyGate("z", handle)
	case PauliY:
		r.physical.ApplyGate("y", handle)
	}
}

// stepTomography measures allocated pairs until the budget is spent,
// then terminates the runtime. A zero budget never terminates here.
func (r *Runtime) stepTomography(ruleIndex int, rule *Rule) {
	if len(rule.Interface) == 0 {
		return
	}
	var budget int
	if opts, ok := rule.Action.Options.(TomographyActionOptions); ok {
		budget = opts.NumMeasure
	}
	partner := rule.Interface[0].PartnerAddress
	for len(r.qubits[partner]) > 0 {
		if budget > 0 && r.measureCounts[ruleIndex] >= budget {
			break
		}
		record := r.popQubit(partner)
		outcome := 1.0
		if r.physical != nil {
			result := r.physical.Measure(record.Handle(r.nodeAddr), BasisZ)
			if !result.MeasuredPlus {
				outcome = 0.0
			}
		}
		r.releaseRecord(record)
		r.outcomes[ruleIndex] = append(r.outcomes[ruleIndex], outcome)
		r.measureCounts[ruleIndex]++
	}
	if budget > 0 && r.measureCounts[ruleIndex] >= budget {
		r.terminated = true
	}
}

// stepPurification consumes two pairs with the partner, measures the
// sacrificial one, and keeps the kept qubit bound. The partner's
// outcome arrives as [seq, measurement, protocol]; mismatched parity
// discards the kept qubit as well.
func (r *Runtime) stepPurification(rule *Rule) {
	if len(rule.Interface) == 0 {
		return
	}
	partner := rule.Interface[0].PartnerAddress
	for len(r.qubits[partner]) >= 2 {
		kept := r.popQubit(partner)
		sacrificed := r.popQubit(partner)
		localPlus := true
		if r.physical != nil {
			r.physical.ApplyGate("cnot", kept.Handle(r.nodeAddr), sacrificed.Handle(r.nodeAddr))
			result := r.physical.Measure(sacrificed.Handle(r.nodeAddr), BasisZ)
			localPlus = result.MeasuredPlus
		}
		r.releaseRecord(sacrificed)
		content, ok := r.popMessage(rule.ReceiveTag)
		if !ok {
			r.qubits[partner] = append([]*QubitRecord{kept}, r.qubits[partner]...)
			return
		}
		remotePlus := len(content) >= 2 && content[1] != 0
		if localPlus != remotePlus {
			r.releaseRecord(kept)
			continue
		}
		r.qubits[partner] = append(r.qubits[partner], kept)
	}
}

// stepSwapping consumes one pair from each side when both are present:
// the two qubits are measured out and released. The Bell measurement
// outcome is not sent to the neighbors.
func (r *Runtime) stepSwapping(rule *Rule) {
	if len(rule.Interface) < 2 {
		return
	}
	left := rule.Interface[0].PartnerAddress
	right := rule.Interface[1].PartnerAddress
	for len(r.qubits[left]) > 0 && len(r.qubits[right]) > 0 {
		lq := r.popQubit(left)
		rq := r.popQubit(right)
		if r.physical != nil {
			r.physical.ApplyGate("cnot", lq.Handle(r.nodeAddr), rq.Handle(r.nodeAddr))
			r.physical.Measure(lq.Handle(r.nodeAddr), BasisX)
			r.physical.Measure(rq.Handle(r.nodeAddr), BasisZ)
		}
		r.releaseRecord(lq)
		r.releaseRecord(rq)
	}
}

func (r *Runtime) releaseRecord(record *QubitRecord) {
	if r.store != nil {
		r.store.EraseQubit(record)
	}
	record.allocated = false
	record.busy = false
	if r.physical != nil {
		r.physical.Reinitialize(record.Handle(r.nodeAddr))
	}
}

// TomographyStat summarizes the measurement outcomes of one tomography
// rule: the fraction of +1 eigenvalues and its standard error.
type TomographyStat struct {
	RuleSetID    uint64  `json:"ruleset_id"`
	PartnerAddr  int     `json:"partner_addr"`
	Samples      int     `json:"samples"`
	PlusFraction float64 `json:"plus_fraction"`
	StdErr       float64 `json:"std_err"`
}

// TomographyStats reports one entry per tomography rule that has
// recorded at least one outcome.
func (r *Runtime) TomographyStats() []TomographyStat {
	var stats []TomographyStat
	for i, rule := range r.ruleset.Rules {
		if rule.Action.Type != "tomography" {
			continue
		}
		samples := r.outcomes[i]
		if len(samples) == 0 {
			continue
		}
		entry := TomographyStat{
			RuleSetID:    r.ruleset.RuleSetID,
			Samples:      len(samples),
			PlusFraction: stat.Mean(samples, nil),
		}
		if len(rule.Interface) > 0 {
			entry.PartnerAddr = rule.Interface[0].PartnerAddress
		}
		if len(samples) > 1 {
			entry.StdErr = stat.StdDev(samples, nil) / math.Sqrt(float64(len(samples)))
		}
		stats = append(stats, entry)
	}
	return stats
}

// RuntimeFacade owns the ordered runtime collection for one node.
type RuntimeFacade struct {
	nodeAddr int
	physical *PhysicalService
	runtimes []*Runtime
	byID     map[uint64]*Runtime
	metrics  *Metrics
}

// NewRuntimeFacade creates an empty facade.
func NewRuntimeFacade(nodeAddr int, physical *PhysicalService, metrics *Metrics) *RuntimeFacade {
	return &RuntimeFacade{
		nodeAddr: nodeAddr,
		physical: physical,
		byID:     make(map[uint64]*Runtime),
		metrics:  metrics,
	}
}

// SubmitRuleSet appends a runtime for the ruleset. A nil ruleset is
// ignored.
func (f *RuntimeFacade) SubmitRuleSet(rs *RuleSet, store *BellPairStore) *Runtime {
	if rs == nil {
		return nil
	}
	rt := newRuntime(rs, f.physical, store, f.nodeAddr)
	f.runtimes = append(f.runtimes, rt)
	f.byID[rs.RuleSetID] = rt
	if f.metrics != nil {
		f.metrics.RuleSetsSubmitted.Inc()
	}
	return rt
}

// FindByID locates a runtime by ruleset identifier, or nil.
func (f *RuntimeFacade) FindByID(rulesetID uint64) *Runtime {
	return f.byID[rulesetID]
}

// AssignMessageToRuleSet queues a protocol reply into the owning
// runtime. Unknown ruleset ids are a no-op.
func (f *RuntimeFacade) AssignMessageToRuleSet(rulesetID uint64, sharedRuleTag int, content []int) {
	rt := f.byID[rulesetID]
	if rt == nil {
		return
	}
	rt.assignMessage(sharedRuleTag, content)
}

// AllocateResources binds every not-yet-allocated qubit in the store
// range to the runtime declaring that partner. Re-running without new
// inserts changes nothing.
func (f *RuntimeFacade) AllocateResources(store *BellPairStore, qnicType QnicType, qnicIndex int) {
	for _, rt := range f.runtimes {
		if rt.Terminated() {
			continue
		}
		for _, partner := range rt.ruleset.Partners() {
			for _, record := range store.GetBellPairsRange(qnicType, qnicIndex, partner) {
				if record.Allocated() {
					continue
				}
				record.allocated = true
				rt.assignQubit(partner, record)
			}
		}
	}
}

// Exec steps every runtime once, in insertion order.
func (f *RuntimeFacade) Exec() {
	for _, rt := range f.runtimes {
		rt.step()
	}
}

// Runtimes returns the runtimes in insertion order.
func (f *RuntimeFacade) Runtimes() []*Runtime { return f.runtimes }

// TomographyReport flattens the tomography statistics of every runtime,
// in insertion order.
func (f *RuntimeFacade) TomographyReport() []TomographyStat {
	var report []TomographyStat
	for _, rt := range f.runtimes {
		report = append(report, rt.TomographyStats()...)
	}
	return report
}
