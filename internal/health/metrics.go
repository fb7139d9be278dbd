// Package health exposes the broker's operational surface: liveness and
// readiness probes for orchestrators, and a Prometheus registry for the
// request, upstream, and circuit-breaker metrics a fleet operator dashboards
// against (spec §4 component 9).
package health

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds every counter, gauge, and histogram the broker exports.
// Everything is registered on a private registry rather than the global
// default, so embedding this package never collides with a host process's
// own metrics.
type Metrics struct {
	registry *prometheus.Registry

	InFlightRequests prometheus.Gauge

	RequestsTotal   *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec

	UpstreamAttemptsTotal   *prometheus.CounterVec
	UpstreamAttemptDuration *prometheus.HistogramVec

	TokensTotal *prometheus.CounterVec
	CostMicroTotal *prometheus.CounterVec

	CircuitBreakerState *prometheus.GaugeVec

	RateLimitTotal *prometheus.CounterVec
}

// NewMetrics builds and registers every metric.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(prometheus.NewGoCollector())
	reg.MustRegister(prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}))

	m := &Metrics{
		registry: reg,

		InFlightRequests: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "ccrelay_inflight_requests",
			Help: "Current number of in-flight proxied requests.",
		}),

		RequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ccrelay_http_requests_total",
			Help: "Total HTTP requests handled, by route and status.",
		}, []string{"route", "status"}),

		RequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "ccrelay_http_request_duration_seconds",
			Help:    "End-to-end request duration in seconds, including upstream time.",
			Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30, 60, 120},
		}, []string{"route"}),

		UpstreamAttemptsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ccrelay_upstream_attempts_total",
			Help: "Total upstream provider attempts, by provider and outcome.",
		}, []string{"provider", "outcome"}),

		UpstreamAttemptDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "ccrelay_upstream_attempt_duration_seconds",
			Help:    "Upstream provider attempt duration in seconds, by provider.",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30, 60},
		}, []string{"provider"}),

		TokensTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ccrelay_tokens_total",
			Help: "Total tokens metered, by provider, model, and direction.",
		}, []string{"provider", "model", "direction"}),

		CostMicroTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ccrelay_cost_micro_usd_total",
			Help: "Total metered cost in microUSD, by provider and model.",
		}, []string{"provider", "model"}),

		CircuitBreakerState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "ccrelay_circuit_breaker_state",
			Help: "Circuit breaker state per provider/account: 0=closed, 1=open, 2=half-open.",
		}, []string{"provider", "account_id"}),

		RateLimitTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ccrelay_rate_limit_total",
			Help: "Total rate-limit admission decisions, by result.",
		}, []string{"result"}),
	}

	reg.MustRegister(
		m.InFlightRequests,
		m.RequestsTotal,
		m.RequestDuration,
		m.UpstreamAttemptsTotal,
		m.UpstreamAttemptDuration,
		m.TokensTotal,
		m.CostMicroTotal,
		m.CircuitBreakerState,
		m.RateLimitTotal,
	)
	return m
}

// Registry returns the underlying Prometheus registry, e.g. for wiring a
// promhttp.HandlerFor call.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// ObserveCircuitState maps a breaker.State to the gauge's numeric encoding.
func (m *Metrics) ObserveCircuitState(provider, accountID string, state int) {
	m.CircuitBreakerState.WithLabelValues(provider, accountID).Set(float64(state))
}
