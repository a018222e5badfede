package metrics

import (
	"subscription-billing/internal/domain/model"

	"github.com/prometheus/client_golang/prometheus"
)

func init() {
	register(
		subscriptionsTotal,
		subscriptionsExpiredTotal,
		downgradesAppliedTotal,
	)
}

var (
	subscriptionsTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "billing_subscriptions_total",
			Help: "Current number of subscriptions by status.",
		},
		[]string{"status"},
	)

	subscriptionsExpiredTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "billing_subscriptions_expired_total",
			Help: "Subscriptions moved to expired by the renewal sweep.",
		},
	)

	downgradesAppliedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "billing_downgrades_applied_total",
			Help: "Deferred downgrades applied at the due date.",
		},
	)
)

func IncSubscriptionsExpired(n int) { subscriptionsExpiredTotal.Add(float64(n)) }

func IncDowngradesApplied() { downgradesAppliedTotal.Inc() }

func SetSubscriptionsTotal(counts map[model.SubscriptionStatus]int) {
	statuses := []model.SubscriptionStatus{
		model.SubscriptionStatusTrial,
		model.SubscriptionStatusActive,
		model.SubscriptionStatusCancelled,
		model.SubscriptionStatusExpired,
	}
	for _, status := range statuses {
		if count, ok := counts[status]; ok {
			subscriptionsTotal.WithLabelValues(string(status)).Set(float64(count))
		}
	}
}
