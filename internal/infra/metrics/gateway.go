package metrics

import "github.com/prometheus/client_golang/prometheus"

func init() {
	register(
		gatewayAttemptsTotal,
		gatewayRetriesTotal,
		gatewayLatency,
	)
}

var (
	gatewayAttemptsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "billing_gateway_attempts_total",
			Help: "Gateway calls by operation and outcome (ok/transient/permanent).",
		},
		[]string{"op", "outcome"},
	)

	gatewayRetriesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "billing_gateway_retries_total",
			Help: "Charge attempts that were retried after a transient fault.",
		},
	)

	gatewayLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "billing_gateway_latency_seconds",
			Help:    "Gateway call latency by operation.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"op"},
	)
)

func IncGatewayAttempt(op, outcome string) {
	gatewayAttemptsTotal.WithLabelValues(norm(op), norm(outcome)).Inc()
}

func IncGatewayRetry() { gatewayRetriesTotal.Inc() }

func ObserveGatewayLatency(op string, seconds float64) {
	gatewayLatency.WithLabelValues(norm(op)).Observe(seconds)
}
