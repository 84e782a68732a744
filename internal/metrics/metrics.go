// Package metrics holds the Prometheus collectors of the sync server.
//
// Collectors are registered on an explicit registry so tests and multiple
// servers in one process do not collide on the default one. A nil *Metrics
// is valid and records nothing.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const (
	namespace = "stepsync"

	// Submission outcomes.
	OutcomeAccepted = "accepted"
	OutcomeConflict = "conflict"
	OutcomeRejected = "rejected"
	OutcomeError    = "error"

	// Connection close reasons.
	ReasonClientClosed = "client_closed"
	ReasonMalformed    = "malformed"
	ReasonDenied       = "denied"
	ReasonSendFailed   = "send_failed"
	ReasonServerError  = "server_error"
	ReasonShutdown     = "shutdown"
)

// Metrics groups the collectors.
type Metrics struct {
	registry *prometheus.Registry

	submissions     *prometheus.CounterVec
	stepsApplied    prometheus.Counter
	submitDuration  prometheus.Histogram
	historyRequests *prometheus.CounterVec
	connections     prometheus.Gauge
	connClosed      *prometheus.CounterVec
	broadcasts      prometheus.Counter
	relayMessages   *prometheus.CounterVec
}

// New registers all collectors on a fresh registry, together with the Go
// runtime and process collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,
		submissions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "submissions_total",
				Help:      "Step submissions by outcome",
			},
			[]string{"outcome"},
		),
		stepsApplied: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "steps_applied_total",
				Help:      "Steps committed to documents",
			},
		),
		submitDuration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "submit_duration_seconds",
				Help:      "Time spent in a submission transaction",
				Buckets:   prometheus.DefBuckets,
			},
		),
		historyRequests: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "history_requests_total",
				Help:      "History reads by kind",
			},
			[]string{"kind"},
		),
		connections: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "connections",
				Help:      "Currently subscribed sockets",
			},
		),
		connClosed: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "connections_closed_total",
				Help:      "Closed sockets by reason",
			},
			[]string{"reason"},
		),
		broadcasts: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "broadcast_messages_total",
				Help:      "Messages delivered to subscribed sockets",
			},
		),
		relayMessages: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "relay_messages_total",
				Help:      "Relay messages by direction",
			},
			[]string{"direction"},
		),
	}
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry exposes the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

func (m *Metrics) ObserveSubmission(outcome string, steps int, d time.Duration) {
	if m == nil {
		return
	}
	m.submissions.WithLabelValues(outcome).Inc()
	m.submitDuration.Observe(d.Seconds())
	if outcome == OutcomeAccepted {
		m.stepsApplied.Add(float64(steps))
	}
}

func (m *Metrics) ObserveHistory(withTree bool) {
	if m == nil {
		return
	}
	kind := "incremental"
	if withTree {
		kind = "full"
	}
	m.historyRequests.WithLabelValues(kind).Inc()
}

func (m *Metrics) ConnectionOpened() {
	if m == nil {
		return
	}
	m.connections.Inc()
}

func (m *Metrics) ConnectionClosed(reason string) {
	if m == nil {
		return
	}
	m.connections.Dec()
	m.connClosed.WithLabelValues(reason).Inc()
}

// ConnectionRejected counts a socket closed before it was ever registered.
func (m *Metrics) ConnectionRejected(reason string) {
	if m == nil {
		return
	}
	m.connClosed.WithLabelValues(reason).Inc()
}

func (m *Metrics) Broadcast(delivered int) {
	if m == nil {
		return
	}
	m.broadcasts.Add(float64(delivered))
}

// Relay counts relay traffic; direction is "out" or "in".
func (m *Metrics) Relay(direction string) {
	if m == nil {
		return
	}
	m.relayMessages.WithLabelValues(direction).Inc()
}
