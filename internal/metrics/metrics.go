// Package metrics collects and exposes Prometheus metrics for the launch
// protocol.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector counts protocol steps by outcome and tracks token issuance
// latency.
type Collector struct {
	steps        *prometheus.CounterVec
	issueLatency prometheus.Histogram
}

// NewCollector creates a Collector and registers its metrics with reg.
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		steps: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "lti_platform_step_total",
			Help: "Protocol step executions by step and result.",
		}, []string{"step", "result"}),
		issueLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "lti_platform_token_issue_seconds",
			Help:    "Latency of id_token issuance in the authorization step.",
			Buckets: prometheus.DefBuckets,
		}),
	}
	reg.MustRegister(c.steps, c.issueLatency)
	return c
}

// RecordStep counts one execution of a protocol step.
func (c *Collector) RecordStep(step, result string) {
	c.steps.WithLabelValues(step, result).Inc()
}

// ObserveIssueLatency records how long token issuance took.
func (c *Collector) ObserveIssueLatency(d time.Duration) {
	c.issueLatency.Observe(d.Seconds())
}

// Handler returns the HTTP handler for Prometheus scrapes.
func Handler(gatherer prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}
