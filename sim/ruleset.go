package sim

import (
	"encoding/binary"
	"encoding/json"
	"strconv"

	"github.com/google/uuid"
)

// PartnerInterface identifies the remote peer a rule talks to.
type PartnerInterface struct {
	PartnerAddress int `json:"partner_address"`
}

// Clause is one entry in a rule condition. Options carries the
// type-specific payload.
type Clause struct {
	Options any    `json:"options"`
	Type    string `json:"type"`
}

// Condition is the conjunction of its clauses.
type Condition struct {
	Clauses []Clause `json:"clauses"`
}

// Action pairs a type tag with its type-specific options.
type Action struct {
	Options any    `json:"options"`
	Type    string `json:"type"`
}

// EnoughResourceClauseOptions requires NumResource pairs with the partner.
type EnoughResourceClauseOptions struct {
	Interface   PartnerInterface `json:"interface"`
	NumResource int              `json:"num_resource"`
}

// MeasureCountClauseOptions bounds how many measurements have run.
type MeasureCountClauseOptions struct {
	Interface  PartnerInterface `json:"interface"`
	NumMeasure int              `json:"num_measure"`
}

// SwappingCorrectionClauseOptions waits for a tagged correction message.
type SwappingCorrectionClauseOptions struct {
	Interface     PartnerInterface `json:"interface"`
	SharedRuleTag int              `json:"shared_rule_tag"`
}

// SwappingActionOptions performs entanglement swapping between the two
// interfaces, notifying both sides under the shared tag.
type SwappingActionOptions struct {
	Interface       []PartnerInterface `json:"interface"`
	RemoteInterface []PartnerInterface `json:"remote_interface"`
	SharedRuleTag   int                `json:"shared_rule_tag"`
}

// SwappingCorrectionActionOptions applies the Pauli frame announced by
// the swapper identified by the shared tag.
type SwappingCorrectionActionOptions struct {
	Interface     []PartnerInterface `json:"interface"`
	SharedRuleTag int                `json:"shared_rule_tag"`
}

// TomographyActionOptions measures pairs with the partner for fidelity
// estimation.
type TomographyActionOptions struct {
	Interface    []PartnerInterface `json:"interface"`
	NumMeasure   int                `json:"num_measure"`
	OwnerAddress int                `json:"owner_address"`
}

// PurificationActionOptions runs the named purification circuit on
// pairs with the partner.
type PurificationActionOptions struct {
	Interface        []PartnerInterface `json:"interface"`
	PurificationType string             `json:"purification_type"`
	SharedRuleTag    int                `json:"shared_rule_tag"`
}

// PurificationCorrelationClauseOptions waits for the partner's
// purification measurement under the shared tag.
type PurificationCorrelationClauseOptions struct {
	Interface     PartnerInterface `json:"interface"`
	SharedRuleTag int              `json:"shared_rule_tag"`
}

// Rule is one condition/action pair. ReceiveTag and SendTag are the
// cross-node coordination tags; -1 means the rule does not use that
// direction.
type Rule struct {
	Action     Action             `json:"action"`
	Condition  Condition          `json:"condition"`
	Interface  []PartnerInterface `json:"interface"`
	Name       string             `json:"name"`
	ReceiveTag int                `json:"receive_tag"`
	SendTag    int                `json:"send_tag"`
}

// Partners returns the partner addresses the rule declares.
func (r *Rule) Partners() []int {
	addrs := make([]int, 0, len(r.Interface))
	for _, itf := range r.Interface {
		addrs = append(addrs, itf.PartnerAddress)
	}
	return addrs
}

// RuleSet is an ordered rule program owned by one node.
type RuleSet struct {
	NumRules     int     `json:"num_rules"`
	OwnerAddress int     `json:"owner_address"`
	Rules        []*Rule `json:"rules"`
	RuleSetID    uint64  `json:"ruleset_id"`
}

// NewRuleSet creates an empty RuleSet for the owner.
func NewRuleSet(id uint64, ownerAddress int) *RuleSet {
	return &RuleSet{OwnerAddress: ownerAddress, RuleSetID: id}
}

// AddRule appends a rule and keeps NumRules consistent.
func (rs *RuleSet) AddRule(r *Rule) {
	rs.Rules = append(rs.Rules, r)
	rs.NumRules = len(rs.Rules)
}

// Partners returns the deduplicated partner addresses across all rules,
// in first-seen order. This set is the fan-out for qubit allocation.
func (rs *RuleSet) Partners() []int {
	seen := make(map[int]bool)
	var addrs []int
	for _, r := range rs.Rules {
		for _, a := range r.Partners() {
			if !seen[a] {
				seen[a] = true
				addrs = append(addrs, a)
			}
		}
	}
	return addrs
}

// MarshalJSONString renders the ruleset as a single JSON document, or
// "null" when the receiver is nil.
func (rs *RuleSet) MarshalJSONString() string {
	if rs == nil {
		return "null"
	}
	rs.NumRules = len(rs.Rules)
	data, err := json.Marshal(rs)
	if err != nil {
		return "null"
	}
	return string(data)
}

// NewRuleSetID mints a process-unique ruleset identifier.
func NewRuleSetID() uint64 {
	id := uuid.New()
	return binary.BigEndian.Uint64(id[:8])
}

// NewSwappingCorrectionRule accepts and applies corrections coming from
// the swapper at swapperAddr, coordinated by tag.
func NewSwappingCorrectionRule(swapperAddr, tag int) *Rule {
	itf := PartnerInterface{PartnerAddress: swapperAddr}
	return &Rule{
		Action: Action{
			Type: "swapping_correction",
			Options: SwappingCorrectionActionOptions{
				Interface:     []PartnerInterface{itf},
				SharedRuleTag: tag,
			},
		},
		Condition: Condition{Clauses: []Clause{{
			Type: "swapping_correction",
			Options: SwappingCorrectionClauseOptions{
				Interface:     itf,
				SharedRuleTag: tag,
			},
		}}},
		Interface:  []PartnerInterface{itf},
		Name:       "swapping correction from " + strconv.Itoa(swapperAddr),
		ReceiveTag: tag,
		SendTag:    -1,
	}
}

// NewSwappingRule swaps pairs held with leftAddr and rightAddr, sending
// corrections under tag.
func NewSwappingRule(leftAddr, rightAddr, tag int) *Rule {
	left := PartnerInterface{PartnerAddress: leftAddr}
	right := PartnerInterface{PartnerAddress: rightAddr}
	return &Rule{
		Action: Action{
			Type: "swapping",
			Options: SwappingActionOptions{
				Interface:       []PartnerInterface{left, right},
				RemoteInterface: []PartnerInterface{left, right},
				SharedRuleTag:   tag,
			},
		},
		Condition: Condition{Clauses: []Clause{
			{
				Type: "enough_resource",
				Options: EnoughResourceClauseOptions{
					Interface:   left,
					NumResource: 1,
				},
			},
			{
				Type: "enough_resource",
				Options: EnoughResourceClauseOptions{
					Interface:   right,
					NumResource: 1,
				},
			},
		}},
		Interface:  []PartnerInterface{left, right},
		Name:       "swap between " + strconv.Itoa(leftAddr) + " and " + strconv.Itoa(rightAddr),
		ReceiveTag: -1,
		SendTag:    tag,
	}
}

// NewTomographyRule measures numMeasure pairs with partnerAddr for
// fidelity estimation. Both tags are tag so the two endpoints pair up.
func NewTomographyRule(partnerAddr, ownerAddr, numMeasure, tag int) *Rule {
	itf := PartnerInterface{PartnerAddress: partnerAddr}
	return &Rule{
		Action: Action{
			Type: "tomography",
			Options: TomographyActionOptions{
				Interface:    []PartnerInterface{itf},
				NumMeasure:   numMeasure,
				OwnerAddress: ownerAddr,
			},
		},
		Condition: Condition{Clauses: []Clause{
			{
				Type: "enough_resource",
				Options: EnoughResourceClauseOptions{
					Interface:   itf,
					NumResource: 1,
				},
			},
			{
				Type: "measure_count",
				Options: MeasureCountClauseOptions{
					Interface:  itf,
					NumMeasure: numMeasure,
				},
			},
		}},
		Interface:  []PartnerInterface{itf},
		Name:       "tomography with address " + strconv.Itoa(partnerAddr),
		ReceiveTag: tag,
		SendTag:    tag,
	}
}

// NewPurificationRule purifies pairs with partnerAddr using the named
// circuit, exchanging measurement outcomes under tag.
func NewPurificationRule(partnerAddr int, purificationType string, tag int) *Rule {
	itf := PartnerInterface{PartnerAddress: partnerAddr}
	return &Rule{
		Action: Action{
			Type: "purification",
			Options: PurificationActionOptions{
				Interface:        []PartnerInterface{itf},
				PurificationType: purificationType,
				SharedRuleTag:    tag,
			},
		},
		Condition: Condition{Clauses: []Clause{
			{
				Type: "enough_resource",
				Options: EnoughResourceClauseOptions{
					Interface:   itf,
					NumResource: 2,
				},
			},
		}},
		Interface:  []PartnerInterface{itf},
		Name:       "purification with address " + strconv.Itoa(partnerAddr),
		ReceiveTag: tag,
		SendTag:    tag,
	}
}

