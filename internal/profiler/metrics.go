package profiler

import "github.com/prometheus/client_golang/prometheus"

var opDuration = prometheus.NewHistogramVec(
	prometheus.HistogramOpts{
		Name:    "xstream_profiled_op_seconds",
		Help:    "Device execution time of profiled operations, in seconds.",
		Buckets: prometheus.ExponentialBuckets(1e-6, 4, 12),
	},
	[]string{"op"},
)

func init() {
	prometheus.MustRegister(opDuration)
}
