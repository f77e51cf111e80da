package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/agentopia/toolbox-agent/internal/api"
)

const namespace = "toolbox_agent"

// Metrics exposes the agent's current state to Prometheus. Only current
// values are kept; there is no history.
//
// All methods are safe to call on a nil *Metrics.
type Metrics struct {
	// Instances by health status (gauge, replaced on each heartbeat)
	Instances *prometheus.GaugeVec

	// Host rollup, one series per status set to 1 for the current value
	HostStatus *prometheus.GaugeVec

	// Deploys, teardowns and refreshes by outcome
	Operations *prometheus.CounterVec

	// Discovery probe results by transport and outcome
	Probes *prometheus.CounterVec

	// Probe latency by transport
	ProbeDuration *prometheus.HistogramVec

	// Credential broker fetches by outcome
	CredentialFetches *prometheus.CounterVec

	// Heartbeat sends by outcome
	Heartbeats *prometheus.CounterVec

	// Circuit breaker state per breaker (0 closed, 1 half-open, 2 open)
	CircuitBreakerState *prometheus.GaugeVec
}

// New registers the agent metrics with reg. A nil reg uses a private
// registry that is never exposed.
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	f := promauto.With(reg)

	return &Metrics{
		Instances: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "instances",
			Help:      "Number of managed instances by health status.",
		}, []string{"status"}),

		HostStatus: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "host_status",
			Help:      "Current host health rollup (1 for the active status).",
		}, []string{"status"}),

		Operations: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "operations_total",
			Help:      "Orchestration operations by type and result kind.",
		}, []string{"operation", "result"}),

		Probes: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "discovery_probes_total",
			Help:      "Discovery probes by transport and outcome.",
		}, []string{"transport", "outcome"}),

		ProbeDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "discovery_probe_duration_seconds",
			Help:      "Discovery probe latency.",
			Buckets:   []float64{.01, .025, .05, .1, .25, .5, 1, 2.5, 5},
		}, []string{"transport"}),

		CredentialFetches: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "credential_fetches_total",
			Help:      "Credential broker fetches by outcome.",
		}, []string{"outcome"}),

		Heartbeats: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "heartbeats_total",
			Help:      "Heartbeat sends to the control plane by outcome.",
		}, []string{"outcome"}),

		CircuitBreakerState: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "circuit_breaker_state",
			Help:      "Circuit breaker state (0=closed, 1=half-open, 2=open).",
		}, []string{"breaker"}),
	}
}

var allStatuses = []api.HealthStatus{
	api.HealthStarting,
	api.HealthHealthy,
	api.HealthDegraded,
	api.HealthUnhealthy,
	api.HealthStopping,
	api.HealthStopped,
}

// ObserveInstances replaces the per-status instance gauges and the host rollup.
func (m *Metrics) ObserveInstances(counts map[api.HealthStatus]int, host api.HealthStatus) {
	if m == nil {
		return
	}
	for _, s := range allStatuses {
		m.Instances.WithLabelValues(string(s)).Set(float64(counts[s]))
		v := 0.0
		if s == host {
			v = 1
		}
		m.HostStatus.WithLabelValues(string(s)).Set(v)
	}
}

// Operation counts one orchestration operation. err may be nil.
func (m *Metrics) Operation(op string, err error) {
	if m == nil {
		return
	}
	result := "success"
	if err != nil {
		result = string(api.KindOf(err))
	}
	m.Operations.WithLabelValues(op, result).Inc()
}

// Probe records one discovery probe.
func (m *Metrics) Probe(transport api.TransportType, ok bool, seconds float64) {
	if m == nil {
		return
	}
	m.Probes.WithLabelValues(string(transport), outcome(ok)).Inc()
	m.ProbeDuration.WithLabelValues(string(transport)).Observe(seconds)
}

// CredentialFetch records one broker fetch.
func (m *Metrics) CredentialFetch(ok bool) {
	if m == nil {
		return
	}
	m.CredentialFetches.WithLabelValues(outcome(ok)).Inc()
}

// Heartbeat records one heartbeat send.
func (m *Metrics) Heartbeat(ok bool) {
	if m == nil {
		return
	}
	m.Heartbeats.WithLabelValues(outcome(ok)).Inc()
}

// BreakerState records the state of a named circuit breaker.
func (m *Metrics) BreakerState(name string, state int) {
	if m == nil {
		return
	}
	m.CircuitBreakerState.WithLabelValues(name).Set(float64(state))
}

func outcome(ok bool) string {
	if ok {
		return "success"
	}
	return "failure"
}
