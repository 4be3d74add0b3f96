package remote

import "github.com/prometheus/client_golang/prometheus"

var (
	rpcDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "xstream_remote_rpc_seconds",
			Help:    "Round-trip time of device agent requests, in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"op"},
	)

	rpcErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "xstream_remote_rpc_errors_total",
			Help: "Total number of device agent requests that failed.",
		},
		[]string{"op"},
	)

	activeConnections = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "xstream_remote_connections",
			Help: "Number of open connections to device agents.",
		},
	)

	dialRetries = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "xstream_remote_dial_failures_total",
			Help: "Total number of failed attempts to dial a device agent.",
		},
	)
)

func init() {
	prometheus.MustRegister(rpcDuration)
	prometheus.MustRegister(rpcErrors)
	prometheus.MustRegister(activeConnections)
	prometheus.MustRegister(dialRetries)
}
