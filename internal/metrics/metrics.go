// Package metrics exposes session, dashboard and webhook counters in the
// Prometheus format.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/wahub/wahub/internal/session"
)

const namespace = "wahub"

// StatusCounter reports how many registered sessions are in each status.
type StatusCounter interface {
	CountByStatus() map[session.Status]int
}

// Metrics owns a private registry so tests can build as many as they like.
type Metrics struct {
	registry *prometheus.Registry

	events      *prometheus.CounterVec
	transitions *prometheus.CounterVec
	messages    prometheus.Counter
	webhooks    *prometheus.CounterVec
}

func New(sessions StatusCounter, wsClients func() int) *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_total",
			Help:      "Events published by the session manager, by kind.",
		}, []string{"kind"}),
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "status_transitions_total",
			Help:      "Session status changes, by target status.",
		}, []string{"status"}),
		messages: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "inbound_messages_total",
			Help:      "Inbound messages received across all sessions.",
		}),
		webhooks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "webhook_deliveries_total",
			Help:      "Webhook delivery attempts, by outcome.",
		}, []string{"outcome"}),
	}

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.events, m.transitions, m.messages, m.webhooks,
	)
	if sessions != nil {
		m.registry.MustRegister(newStatusCollector(sessions))
	}
	if wsClients != nil {
		m.registry.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "dashboard_clients",
			Help:      "Connected dashboard WebSocket clients.",
		}, func() float64 { return float64(wsClients()) }))
	}
	return m
}

// Publish implements session.Publisher.
func (m *Metrics) Publish(ev session.Event) {
	m.events.WithLabelValues(string(ev.Kind)).Inc()
	switch ev.Kind {
	case session.EventStatus:
		if status, ok := ev.Payload.(session.Status); ok {
			m.transitions.WithLabelValues(status.String()).Inc()
		}
	case session.EventMessage:
		m.messages.Inc()
	}
}

// WebhookDelivered implements webhook.Recorder.
func (m *Metrics) WebhookDelivered(outcome string) {
	m.webhooks.WithLabelValues(outcome).Inc()
}

func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// statusCollector reads the registry at scrape time instead of tracking
// every transition, so the gauge can never drift from the real map.
type statusCollector struct {
	sessions StatusCounter
	desc     *prometheus.Desc
}

func newStatusCollector(sessions StatusCounter) *statusCollector {
	return &statusCollector{
		sessions: sessions,
		desc: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "", "sessions"),
			"Registered sessions, by status.",
			[]string{"status"}, nil),
	}
}

func (c *statusCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.desc
}

func (c *statusCollector) Collect(ch chan<- prometheus.Metric) {
	counts := c.sessions.CountByStatus()
	for _, status := range []session.Status{
		session.Initializing, session.WaitingQR, session.Connected, session.Reconnecting,
	} {
		ch <- prometheus.MustNewConstMetric(c.desc, prometheus.GaugeValue, float64(counts[status]), status.String())
	}
}
