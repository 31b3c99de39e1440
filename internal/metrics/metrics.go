// Package metrics exposes Prometheus collectors for the messaging runtime.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/tOgg1/gardenchat/internal/models"
)

const namespace = "gardenchat"

// Inbound outcomes.
const (
	InboundApplied   = "applied"
	InboundDuplicate = "duplicate"
	InboundRejected  = "rejected"
)

var connectionStates = []models.ConnectionState{
	models.StateDisconnected,
	models.StateConnecting,
	models.StateConnected,
	models.StateReconnecting,
	models.StateGivenUp,
}

// Metrics holds every collector, registered on its own registry.
type Metrics struct {
	registry *prometheus.Registry

	ConnectionState  *prometheus.GaugeVec
	TransportFailure *prometheus.CounterVec
	MalformedEvents  prometheus.Counter
	EventsSent       *prometheus.CounterVec
	InboundMessages  *prometheus.CounterVec
	Notifications    *prometheus.CounterVec
	UnreadTotal      prometheus.Gauge
	HistoryFetches   *prometheus.CounterVec
	SendDuration     prometheus.Histogram
}

// New registers all collectors on a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,
		ConnectionState: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "transport",
				Name:      "connection_state",
				Help:      "1 for the current connection state, 0 otherwise",
			},
			[]string{"state"},
		),
		TransportFailure: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "transport",
				Name:      "failures_total",
				Help:      "Transport failures by operation",
			},
			[]string{"op"},
		),
		MalformedEvents: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "transport",
				Name:      "malformed_events_total",
				Help:      "Inbound payloads dropped as malformed",
			},
		),
		EventsSent: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "transport",
				Name:      "events_sent_total",
				Help:      "Outbound events written to the connection",
			},
			[]string{"type"},
		),
		InboundMessages: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "runtime",
				Name:      "inbound_messages_total",
				Help:      "Live message events by outcome",
			},
			[]string{"outcome"},
		),
		Notifications: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "runtime",
				Name:      "notifications_total",
				Help:      "Notification decisions by result",
			},
			[]string{"result"},
		),
		UnreadTotal: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "runtime",
				Name:      "unread_total",
				Help:      "Sum of unread counters",
			},
		),
		HistoryFetches: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "api",
				Name:      "history_fetches_total",
				Help:      "History fetches by status",
			},
			[]string{"status"},
		),
		SendDuration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "api",
				Name:      "send_duration_seconds",
				Help:      "Message send round trip in seconds",
				Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
			},
		),
	}
}

// Registry returns the registry the collectors live on.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// SetConnectionState marks state as the only active connection state.
func (m *Metrics) SetConnectionState(state models.ConnectionState) {
	for _, s := range connectionStates {
		v := 0.0
		if s == state {
			v = 1
		}
		m.ConnectionState.WithLabelValues(s.String()).Set(v)
	}
}

// ObserveFailure counts a transport failure for op (dial, read, write).
func (m *Metrics) ObserveFailure(op string) {
	m.TransportFailure.WithLabelValues(op).Inc()
}

// ObserveMalformed counts a dropped inbound payload.
func (m *Metrics) ObserveMalformed() {
	m.MalformedEvents.Inc()
}

// ObserveSent counts an outbound event.
func (m *Metrics) ObserveSent(eventType string) {
	m.EventsSent.WithLabelValues(eventType).Inc()
}

// ObserveInbound counts a live message by outcome.
func (m *Metrics) ObserveInbound(outcome string) {
	m.InboundMessages.WithLabelValues(outcome).Inc()
}

// ObserveNotification counts a notification decision.
func (m *Metrics) ObserveNotification(raised bool) {
	result := "suppressed"
	if raised {
		result = "raised"
	}
	m.Notifications.WithLabelValues(result).Inc()
}

// SetUnreadTotal records the current unread sum.
func (m *Metrics) SetUnreadTotal(total int) {
	m.UnreadTotal.Set(float64(total))
}

// ObserveHistoryFetch counts a history fetch.
func (m *Metrics) ObserveHistoryFetch(err error) {
	status := "ok"
	if err != nil {
		status = "error"
	}
	m.HistoryFetches.WithLabelValues(status).Inc()
}

// ObserveSend records a send round trip.
func (m *Metrics) ObserveSend(seconds float64) {
	m.SendDuration.Observe(seconds)
}
