package metrics

import "github.com/prometheus/client_golang/prometheus"

func init() {
	register(
		transactionsTotal,
		transactionsRevenueTotal,
		refundsTotal,
	)
}

var (
	transactionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "billing_transactions_total",
			Help: "Ledger transactions by type and final status.",
		},
		[]string{"type", "status"},
	)

	transactionsRevenueTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "billing_revenue_minor_units_total",
			Help: "Total value of successful charges in minor units, by currency.",
		},
		[]string{"currency"},
	)

	refundsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "billing_refunds_minor_units_total",
			Help: "Total refunded value in minor units, by currency.",
		},
		[]string{"currency"},
	)
)

func IncTransaction(typ, status string) {
	transactionsTotal.WithLabelValues(norm(typ), norm(status)).Inc()
}

func AddRevenue(currency string, unitAmount int64) {
	transactionsRevenueTotal.WithLabelValues(norm(currency)).Add(float64(unitAmount))
}

func AddRefund(currency string, unitAmount int64) {
	refundsTotal.WithLabelValues(norm(currency)).Add(float64(unitAmount))
}
