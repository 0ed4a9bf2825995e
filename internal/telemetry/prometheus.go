package telemetry

import "github.com/prometheus/client_golang/prometheus"

const livelookNamespace string = "livelook"

var (
	promCallTotal           prometheus.Gauge
	promPeerTotal           prometheus.Gauge
	ServiceOperationCounter *prometheus.CounterVec
)

func init() {
	promCallTotal = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: livelookNamespace,
		Subsystem: "call",
		Name:      "total",
	})

	promPeerTotal = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: livelookNamespace,
		Subsystem: "peer",
		Name:      "total",
	})

	// type is one of join, negotiation, ice_connection, heartbeat, signal, presence
	ServiceOperationCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace:   livelookNamespace,
			Subsystem:   "node",
			Name:        "service_operation",
			ConstLabels: prometheus.Labels{"node_id": "1"},
		},
		[]string{"type", "status", "error_type"},
	)

	prometheus.MustRegister(promCallTotal)
	prometheus.MustRegister(promPeerTotal)
	prometheus.MustRegister(ServiceOperationCounter)
}

func CallStarted() {
	promCallTotal.Inc()
}

func CallStopped() {
	promCallTotal.Dec()
}

func PeerAdded() {
	promPeerTotal.Inc()
}

func PeerRemoved() {
	promPeerTotal.Dec()
}
