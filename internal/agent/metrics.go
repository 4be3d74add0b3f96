package agent

import "github.com/prometheus/client_golang/prometheus"

var (
	sessionsActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "xstream_agent_sessions",
			Help: "Number of open device agent sessions.",
		},
	)

	requestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "xstream_agent_requests_total",
			Help: "Total number of requests served by the device agent.",
		},
		[]string{"op"},
	)
)

func init() {
	prometheus.MustRegister(sessionsActive)
	prometheus.MustRegister(requestsTotal)
}
