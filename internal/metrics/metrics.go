// Package metrics holds the gateway's prometheus collectors. All methods are
// safe on a nil *Metrics so components can run without instrumentation.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "captcha_gateway"

type Metrics struct {
	registry *prometheus.Registry

	decisions           *prometheus.CounterVec
	escalations         *prometheus.CounterVec
	blocklistSize       prometheus.Gauge
	persistFailures     prometheus.Counter
	reloadFailures      prometheus.Counter
	upstreamUnhealthy   prometheus.Counter
	connectionsAccepted prometheus.Counter
	connectionsRejected *prometheus.CounterVec
	alertsRaised        *prometheus.CounterVec
	sessionsActive      prometheus.Gauge
}

func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		decisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "decisions_total",
			Help:      "Admission decisions by resulting state and reason.",
		}, []string{"state", "reason"}),
		escalations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "escalations_total",
			Help:      "Clients escalated to the blocklist by reason.",
		}, []string{"reason"}),
		blocklistSize: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "blocklist_entries",
			Help:      "Number of blocked client identities.",
		}),
		persistFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "blocklist_persist_failures_total",
			Help:      "Blocklist entries that could not be written to durable storage.",
		}),
		reloadFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "proxy_reload_failures_total",
			Help:      "Failed reverse-proxy reload invocations.",
		}),
		upstreamUnhealthy: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "upstream_unhealthy_total",
			Help:      "Health checks that reported the upstream as down or timed out.",
		}),
		connectionsAccepted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "connections_accepted_total",
			Help:      "TCP connections admitted by the listener.",
		}),
		connectionsRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "connections_rejected_total",
			Help:      "TCP connections refused by the listener by reason.",
		}, []string{"reason"}),
		alertsRaised: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "alerts_raised_total",
			Help:      "DDoS alert activations by trigger.",
		}, []string{"trigger"}),
		sessionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sessions_active",
			Help:      "Live validated sessions after the last sweep.",
		}),
	}

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.decisions,
		m.escalations,
		m.blocklistSize,
		m.persistFailures,
		m.reloadFailures,
		m.upstreamUnhealthy,
		m.connectionsAccepted,
		m.connectionsRejected,
		m.alertsRaised,
		m.sessionsActive,
	)
	return m
}

func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

func (m *Metrics) ObserveDecision(state, reason string) {
	if m == nil {
		return
	}
	m.decisions.WithLabelValues(state, reason).Inc()
}

func (m *Metrics) ObserveEscalation(reason string) {
	if m == nil {
		return
	}
	m.escalations.WithLabelValues(reason).Inc()
}

func (m *Metrics) SetBlocklistSize(n int) {
	if m == nil {
		return
	}
	m.blocklistSize.Set(float64(n))
}

func (m *Metrics) PersistFailed() {
	if m == nil {
		return
	}
	m.persistFailures.Inc()
}

func (m *Metrics) ReloadFailed() {
	if m == nil {
		return
	}
	m.reloadFailures.Inc()
}

func (m *Metrics) UpstreamUnhealthy() {
	if m == nil {
		return
	}
	m.upstreamUnhealthy.Inc()
}

func (m *Metrics) ConnectionAccepted() {
	if m == nil {
		return
	}
	m.connectionsAccepted.Inc()
}

func (m *Metrics) ConnectionRejected(reason string) {
	if m == nil {
		return
	}
	m.connectionsRejected.WithLabelValues(reason).Inc()
}

func (m *Metrics) AlertRaised(trigger string) {
	if m == nil {
		return
	}
	m.alertsRaised.WithLabelValues(trigger).Inc()
}

func (m *Metrics) SetSessionsActive(n int) {
	if m == nil {
		return
	}
	m.sessionsActive.Set(float64(n))
}
