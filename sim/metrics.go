// Tracks engine-wide protocol metrics for final reporting and for the
// optional metrics endpoint.

package sim

import (
	"fmt"
	"io"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

// Metrics aggregates counters about event flow, connection setup, and
// backend activity. Counters live on a private registry owned by the
// engine so tests can read values without global state.
type Metrics struct {
	registry *prometheus.Registry

	EventsPublished      prometheus.Counter
	EventsDrained        prometheus.Counter
	EventsDispatched     prometheus.Counter
	UnknownRuleEvents    prometheus.Counter
	UnknownRuleProtocols prometheus.Counter
	RuleSetsSubmitted    prometheus.Counter
	ResponsesDeduped     prometheus.Counter
	BackendOps           *prometheus.CounterVec
	BellPairsGenerated   prometheus.Counter
}

// NewMetrics creates the counter set on a fresh registry.
func NewMetrics() *Metrics {
	m := &Metrics{registry: prometheus.NewRegistry()}
	m.EventsPublished = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "qrep_events_published_total",
		Help: "RuleEvents published to the event bus",
	})
	m.EventsDrained = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "qrep_events_drained_total",
		Help: "RuleEvents drained from the event bus",
	})
	m.EventsDispatched = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "qrep_events_dispatched_total",
		Help: "RuleEvents dispatched to a protocol handler",
	})
	m.UnknownRuleEvents = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "qrep_unknown_rule_events_total",
		Help: "Events with no recognizable kind",
	})
	m.UnknownRuleProtocols = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "qrep_unknown_rule_protocols_total",
		Help: "Events whose protocol family failed to decode",
	})
	m.RuleSetsSubmitted = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "qrep_rulesets_submitted_total",
		Help: "RuleSets submitted to the runtime facade",
	})
	m.ResponsesDeduped = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "qrep_setup_responses_deduped_total",
		Help: "ConnectionSetupResponses dropped as duplicate or stale",
	})
	m.BackendOps = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "qrep_backend_operations_total",
		Help: "Physical backend operations by outcome",
	}, []string{"outcome"})
	m.BellPairsGenerated = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "qrep_bell_pairs_generated_total",
		Help: "Qubit records inserted into the BellPairStore",
	})
	m.registry.MustRegister(
		m.EventsPublished, m.EventsDrained, m.EventsDispatched,
		m.UnknownRuleEvents, m.UnknownRuleProtocols,
		m.RuleSetsSubmitted, m.ResponsesDeduped, m.BackendOps,
		m.BellPairsGenerated,
	)
	return m
}

// Registry exposes the private registry for the metrics endpoint.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// CounterValue reads a counter's current value, for tests and reporting.
func CounterValue(c prometheus.Counter) float64 {
	var pb dto.Metric
	if err := c.Write(&pb); err != nil {
		return 0
	}
	return pb.GetCounter().GetValue()
}

// Print displays aggregated metrics at the end of the simulation.
func (m *Metrics) Print(out io.Writer) {
	fmt.Fprintln(out, "=== Simulation Metrics ===")
	fmt.Fprintf(out, "Events published     : %.0f\n", CounterValue(m.EventsPublished))
	fmt.Fprintf(out, "Events dispatched    : %.0f\n", CounterValue(m.EventsDispatched))
	fmt.Fprintf(out, "Unknown events       : %.0f\n", CounterValue(m.UnknownRuleEvents))
	fmt.Fprintf(out, "Unknown protocols    : %.0f\n", CounterValue(m.UnknownRuleProtocols))
	fmt.Fprintf(out, "RuleSets submitted   : %.0f\n", CounterValue(m.RuleSetsSubmitted))
	fmt.Fprintf(out, "Responses deduped    : %.0f\n", CounterValue(m.ResponsesDeduped))
	fmt.Fprintf(out, "Bell pairs generated : %.0f\n", CounterValue(m.BellPairsGenerated))
}
