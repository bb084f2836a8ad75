// Package metrics exposes Prometheus counters for the advance engine and the
// HTTP API.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/warp/salary-advance/advance"
)

// Metrics implements advance.Recorder. Each instance owns its registry so
// tests can build as many as they like.
type Metrics struct {
	registry *prometheus.Registry

	Evaluations     *prometheus.CounterVec
	Submissions     *prometheus.CounterVec
	Transitions     *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec
}

func New() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,
		Evaluations: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "advance_eligibility_evaluations_total",
			Help: "Eligibility evaluations by whether any policy was available",
		}, []string{"available"}),
		Submissions: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "advance_submissions_total",
			Help: "Submissions by policy, outcome and rejection code",
		}, []string{"policy", "outcome", "reason"}),
		Transitions: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "advance_transitions_total",
			Help: "Request status transitions by target status",
		}, []string{"to"}),
		RequestDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "advance_http_request_duration_seconds",
			Help:    "HTTP request latency by route pattern and status code",
			Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
		}, []string{"method", "route", "code"}),
	}
}

func (m *Metrics) EligibilityEvaluated(anyAvailable bool) {
	m.Evaluations.WithLabelValues(strconv.FormatBool(anyAvailable)).Inc()
}

func (m *Metrics) SubmissionAccepted(p advance.PolicyType, manualReview bool) {
	outcome := "accepted"
	if manualReview {
		outcome = "manual_review"
	}
	m.Submissions.WithLabelValues(string(p), outcome, "").Inc()
}

func (m *Metrics) SubmissionRejected(p advance.PolicyType, code advance.RejectionCode) {
	m.Submissions.WithLabelValues(string(p), "rejected", string(code)).Inc()
}

func (m *Metrics) Transitioned(to advance.Status) {
	m.Transitions.WithLabelValues(string(to)).Inc()
}

// ObserveRequest records one HTTP request. Call with time.Now() taken at the
// start of the request.
func (m *Metrics) ObserveRequest(method, route string, code int, start time.Time) {
	m.RequestDuration.WithLabelValues(method, route, strconv.Itoa(code)).Observe(time.Since(start).Seconds())
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry is exposed for tests.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }
