// Package metrics defines the Prometheus collectors for both binaries.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "talkiplay"

// Client holds the notification client's collectors.
type Client struct {
	FramesReceived      *prometheus.CounterVec
	FramesDropped       prometheus.Counter
	ReconnectsScheduled prometheus.Counter
	ConnectionState     prometheus.Gauge
	Toasts              *prometheus.CounterVec
	ConfirmFailures     *prometheus.CounterVec
	Unread              prometheus.Gauge
}

// NewClient registers the client collectors on reg.
func NewClient(reg prometheus.Registerer) *Client {
	c := &Client{
		FramesReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "client",
			Name:      "frames_received_total",
			Help:      "Inbound frames by kind (notification, passthrough).",
		}, []string{"kind"}),
		FramesDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "client",
			Name:      "frames_dropped_total",
			Help:      "Canonical frames that could not be decoded.",
		}),
		ReconnectsScheduled: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "client",
			Name:      "reconnects_scheduled_total",
			Help:      "Reconnect timers armed after an abnormal closure.",
		}),
		ConnectionState: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "client",
			Name:      "connection_state",
			Help:      "0 disconnected, 1 connecting, 2 connected.",
		}),
		Toasts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "client",
			Name:      "toasts_total",
			Help:      "Toast requests by severity.",
		}, []string{"severity"}),
		ConfirmFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "client",
			Name:      "confirm_failures_total",
			Help:      "Backend confirmations that failed, by operation.",
		}, []string{"op"}),
		Unread: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "client",
			Name:      "unread",
			Help:      "Current unread badge value.",
		}),
	}
	reg.MustRegister(c.FramesReceived, c.FramesDropped, c.ReconnectsScheduled, c.ConnectionState, c.Toasts, c.ConfirmFailures, c.Unread)
	return c
}

// Backend holds the reference server's collectors.
type Backend struct {
	Published        *prometheus.CounterVec
	Clients          prometheus.Gauge
	BroadcastDropped prometheus.Counter
	Requests         *prometheus.CounterVec
}

func NewBackend(reg prometheus.Registerer) *Backend {
	b := &Backend{
		Published: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "backend",
			Name:      "published_total",
			Help:      "Notifications published, by ingress source.",
		}, []string{"source"}),
		Clients: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "backend",
			Name:      "ws_clients",
			Help:      "Connected websocket clients.",
		}),
		BroadcastDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "backend",
			Name:      "broadcast_dropped_total",
			Help:      "Frames dropped for slow websocket clients.",
		}),
		Requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "backend",
			Name:      "http_requests_total",
			Help:      "REST requests by route and status class.",
		}, []string{"route", "status"}),
	}
	reg.MustRegister(b.Published, b.Clients, b.BroadcastDropped, b.Requests)
	return b
}

// Handler exposes g in the Prometheus text format.
func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}
