package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Connections is the number of live broker sessions held by this process
	Connections = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "chatsync_ws_active_connections",
		Help: "Active websocket connections",
	})

	Reconnects = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "chatsync_ws_reconnects_total",
		Help: "Transport reconnections after a dropped session",
	})

	DroppedFrames = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "chatsync_ws_dropped_frames_total",
		Help: "Frames dropped by the transport, by reason",
	}, []string{"reason"})

	PushEvents = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "chatsync_push_messages_total",
		Help: "Inbound push messages by reconciliation outcome",
	}, []string{"outcome"})

	BrokerClients = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "chatsync_broker_clients",
		Help: "Clients connected to the reference broker",
	})
)

// Register adds every collector to reg
func Register(reg prometheus.Registerer) error {
	for _, c := range []prometheus.Collector{Connections, Reconnects, DroppedFrames, PushEvents, BrokerClients} {
		if err := reg.Register(c); err != nil {
			return err
		}
	}
	return nil
}

// Handler returns an http.Handler for Prometheus scraping
func Handler() http.Handler {
	return promhttp.Handler()
}
