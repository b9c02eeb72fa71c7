// Package metrics holds the Prometheus instrumentation of a session.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "cytube"

// NewRegistry creates a Prometheus registry with Go runtime and process collectors.
func NewRegistry() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	return reg
}

// Handler returns an http.Handler that serves Prometheus metrics.
func Handler(reg *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
}

// Metrics holds every collector a session reports to. Collectors carry a
// constant "channel" label so several sessions can share one registry.
type Metrics struct {
	Status            prometheus.Gauge
	StatusTransitions *prometheus.CounterVec
	Reconnects        prometheus.Counter
	ConnectDuration   prometheus.Histogram

	FramesReceived prometheus.Counter
	FramesDropped  *prometheus.CounterVec
	EventsApplied  *prometheus.CounterVec
	StoreNoops     *prometheus.CounterVec
	HandlerPanics  prometheus.Counter

	SendQueueDepth prometheus.Gauge
	MessagesSent   prometheus.Counter
	SendsRejected  *prometheus.CounterVec

	DiscoveryRequests *prometheus.CounterVec
	BreakerState      prometheus.Gauge
}

// New creates the session metrics and registers them on reg. A nil reg gets a
// private registry, which keeps the collectors usable but unexported.
func New(reg prometheus.Registerer, channel string) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	labels := prometheus.Labels{"channel": channel}

	m := &Metrics{
		Status: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace:   namespace,
			Subsystem:   "session",
			Name:        "status",
			Help:        "Current session status (0=disconnected, 1=connecting, 2=connected, 3=reconnecting, 4=closed, 5=denied).",
			ConstLabels: labels,
		}),
		StatusTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   namespace,
			Subsystem:   "session",
			Name:        "status_transitions_total",
			Help:        "Session status transitions by new status.",
			ConstLabels: labels,
		}, []string{"status"}),
		Reconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   namespace,
			Subsystem:   "session",
			Name:        "reconnects_total",
			Help:        "Successful connections after the first one.",
			ConstLabels: labels,
		}),
		ConnectDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace:   namespace,
			Subsystem:   "session",
			Name:        "connect_duration_seconds",
			Help:        "Time from dial to channel join acknowledgment.",
			Buckets:     []float64{.05, .1, .25, .5, 1, 2.5, 5, 10, 30},
			ConstLabels: labels,
		}),
		FramesReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   namespace,
			Subsystem:   "inbound",
			Name:        "frames_received_total",
			Help:        "Event frames received from the server.",
			ConstLabels: labels,
		}),
		FramesDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   namespace,
			Subsystem:   "inbound",
			Name:        "frames_dropped_total",
			Help:        "Inbound frames discarded by reason.",
			ConstLabels: labels,
		}, []string{"reason"}),
		EventsApplied: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   namespace,
			Subsystem:   "store",
			Name:        "events_applied_total",
			Help:        "Events applied to the channel state by kind.",
			ConstLabels: labels,
		}, []string{"kind"}),
		StoreNoops: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   namespace,
			Subsystem:   "store",
			Name:        "noops_total",
			Help:        "Events that referenced unknown users or playlist items.",
			ConstLabels: labels,
		}, []string{"kind"}),
		HandlerPanics: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   namespace,
			Subsystem:   "dispatch",
			Name:        "handler_panics_total",
			Help:        "Handler panic recoveries.",
			ConstLabels: labels,
		}),
		SendQueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace:   namespace,
			Subsystem:   "outbound",
			Name:        "queue_depth",
			Help:        "Outbound events waiting for a rate limit slot.",
			ConstLabels: labels,
		}),
		MessagesSent: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   namespace,
			Subsystem:   "outbound",
			Name:        "messages_sent_total",
			Help:        "Outbound events written to the connection.",
			ConstLabels: labels,
		}),
		SendsRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   namespace,
			Subsystem:   "outbound",
			Name:        "rejected_total",
			Help:        "Outbound events that were never written, by reason.",
			ConstLabels: labels,
		}, []string{"reason"}),
		DiscoveryRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   namespace,
			Subsystem:   "discovery",
			Name:        "requests_total",
			Help:        "Socket endpoint lookups by result (ok, error, fallback).",
			ConstLabels: labels,
		}, []string{"result"}),
		BreakerState: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace:   namespace,
			Subsystem:   "discovery",
			Name:        "circuit_breaker_state",
			Help:        "Discovery circuit breaker state (0=closed, 1=half-open, 2=open).",
			ConstLabels: labels,
		}),
	}

	reg.MustRegister(
		m.Status, m.StatusTransitions, m.Reconnects, m.ConnectDuration,
		m.FramesReceived, m.FramesDropped, m.EventsApplied, m.StoreNoops, m.HandlerPanics,
		m.SendQueueDepth, m.MessagesSent, m.SendsRejected,
		m.DiscoveryRequests, m.BreakerState,
	)
	return m
}
