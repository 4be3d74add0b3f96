package stream

import "github.com/prometheus/client_golang/prometheus"

// Metric label values for operation outcomes.
const (
	resultOK    = "ok"
	resultError = "error"
	resultNoop  = "noop"
)

var (
	streamsActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "xstream_streams_active",
			Help: "Number of open execution streams.",
		},
	)

	operationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "xstream_operations_total",
			Help: "Total number of operations submitted through streams.",
		},
		[]string{"op", "result"},
	)

	waitDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "xstream_wait_seconds",
			Help:    "Time spent blocked in Stream.Wait, in seconds.",
			Buckets: prometheus.DefBuckets,
		},
	)

	queueReleases = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "xstream_queue_releases_total",
			Help: "Total number of device queues released by closed streams.",
		},
	)
)

func init() {
	prometheus.MustRegister(streamsActive)
	prometheus.MustRegister(operationsTotal)
	prometheus.MustRegister(waitDuration)
	prometheus.MustRegister(queueReleases)

	for _, op := range []string{OpCopy, OpFill} {
		operationsTotal.WithLabelValues(op, resultOK)
		operationsTotal.WithLabelValues(op, resultError)
		operationsTotal.WithLabelValues(op, resultNoop)
	}
}
