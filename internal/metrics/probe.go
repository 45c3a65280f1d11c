package metrics

import (
	"time"

	"github.com/keithlinneman/readiness-proxy/internal/probe"
)

// ServerMetrics implements aggregate.Observer.

func (m *ServerMetrics) ProbeStarted() {
	m.probesInflight.Inc()
}

func (m *ServerMetrics) ProbeFinished(out probe.Outcome, d time.Duration) {
	m.probesInflight.Dec()
	status := string(out.Status)
	m.probeOutcomes.WithLabelValues(status).Inc()
	m.probeDur.WithLabelValues(status).Observe(d.Seconds())
}

func (m *ServerMetrics) AggregateFinished(targets, abandoned int, d time.Duration) {
	m.aggregateDur.Observe(d.Seconds())
	m.aggregateTargets.Observe(float64(targets))
	if abandoned > 0 {
		m.abandonedProbes.Add(float64(abandoned))
	}
}

// initProbeLabels pre-creates every status series so dashboards see zeroes.
func (m *ServerMetrics) initProbeLabels() {
	for _, s := range probe.Statuses {
		m.probeOutcomes.WithLabelValues(string(s))
	}
}
