package enet

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// hostMetrics instruments a host when WithMetrics is set.
type hostMetrics struct {
	events      *prometheus.CounterVec
	peers       prometheus.Gauge
	packetsSent prometheus.Counter
	bytesSent   prometheus.Counter
}

func newHostMetrics(reg prometheus.Registerer) *hostMetrics {
	f := promauto.With(reg)
	return &hostMetrics{
		events: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "enet",
			Subsystem: "host",
			Name:      "events_total",
			Help:      "Events surfaced to the application, by kind.",
		}, []string{"kind"}),
		peers: f.NewGauge(prometheus.GaugeOpts{
			Namespace: "enet",
			Subsystem: "host",
			Name:      "peers",
			Help:      "Peer slots currently live.",
		}),
		packetsSent: f.NewCounter(prometheus.CounterOpts{
			Namespace: "enet",
			Subsystem: "host",
			Name:      "packets_sent_total",
			Help:      "Packets handed to the engine.",
		}),
		bytesSent: f.NewCounter(prometheus.CounterOpts{
			Namespace: "enet",
			Subsystem: "host",
			Name:      "bytes_sent_total",
			Help:      "Payload bytes handed to the engine.",
		}),
	}
}
