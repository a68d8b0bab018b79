// Package metrics provides Prometheus metrics for rule ensemble training and scoring.
//
// All recording methods are safe to call on a nil *Metrics, so instrumented
// code does not need to check whether metrics were configured.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the Prometheus collectors of a rule ensemble.
type Metrics struct {
	TreesFitted    prometheus.Counter   // Trees grown across all fits
	RulesExtracted prometheus.Counter   // Candidate rules extracted before selection
	RulesSelected  prometheus.Gauge     // Size of the most recent rule set
	EmptyRuleSets  prometheus.Counter   // Fits that ended with no rule meeting the thresholds
	FitDuration    prometheus.Histogram // Wall time of a complete fit
	FitFailures    prometheus.Counter   // Fits rejected or aborted
	ScoredSamples  prometheus.Counter   // Samples scored against a rule set
	FlaggedSamples prometheus.Counter   // Scored samples matched by at least one rule
}

// New creates and registers all metrics using the default registry.
func New() *Metrics {
	return NewWithRegistry(prometheus.DefaultRegisterer)
}

// NewWithRegistry creates metrics with a custom registry (useful for testing).
func NewWithRegistry(registerer prometheus.Registerer) *Metrics {
	factory := promauto.With(registerer)
	return &Metrics{
		TreesFitted: factory.NewCounter(prometheus.CounterOpts{
			Name: "fraudrules_trees_fitted_total",
			Help: "Total number of trees grown",
		}),
		RulesExtracted: factory.NewCounter(prometheus.CounterOpts{
			Name: "fraudrules_rules_extracted_total",
			Help: "Total number of candidate rules extracted from trees",
		}),
		RulesSelected: factory.NewGauge(prometheus.GaugeOpts{
			Name: "fraudrules_rules_selected",
			Help: "Number of rules in the most recently fitted rule set",
		}),
		EmptyRuleSets: factory.NewCounter(prometheus.CounterOpts{
			Name: "fraudrules_empty_rule_sets_total",
			Help: "Total number of fits where no rule met the thresholds",
		}),
		FitDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "fraudrules_fit_duration_seconds",
			Help:    "Duration of ensemble fits in seconds",
			Buckets: prometheus.DefBuckets,
		}),
		FitFailures: factory.NewCounter(prometheus.CounterOpts{
			Name: "fraudrules_fit_failures_total",
			Help: "Total number of fits that returned an error",
		}),
		ScoredSamples: factory.NewCounter(prometheus.CounterOpts{
			Name: "fraudrules_scored_samples_total",
			Help: "Total number of samples scored",
		}),
		FlaggedSamples: factory.NewCounter(prometheus.CounterOpts{
			Name: "fraudrules_flagged_samples_total",
			Help: "Total number of scored samples matched by at least one rule",
		}),
	}
}

// ObserveTree records one grown tree and the rules extracted from it.
func (m *Metrics) ObserveTree(rules int) {
	if m == nil {
		return
	}
	m.TreesFitted.Inc()
	m.RulesExtracted.Add(float64(rules))
}

// ObserveFit records a completed fit.
func (m *Metrics) ObserveFit(selected int, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.RulesSelected.Set(float64(selected))
	if selected == 0 {
		m.EmptyRuleSets.Inc()
	}
	m.FitDuration.Observe(elapsed.Seconds())
}

// ObserveFitFailure records a fit that returned an error.
func (m *Metrics) ObserveFitFailure() {
	if m == nil {
		return
	}
	m.FitFailures.Inc()
}

// ObserveScores records a batch of rule-match counts.
func (m *Metrics) ObserveScores(counts []int) {
	if m == nil {
		return
	}
	m.ScoredSamples.Add(float64(len(counts)))
	flagged := 0
	for _, c := range counts {
		if c > 0 {
			flagged++
		}
	}
	m.FlaggedSamples.Add(float64(flagged))
}
