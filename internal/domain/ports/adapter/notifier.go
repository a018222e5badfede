package adapter

import "context"

type BillingEventKind string

const (
	EventRenewalSuccess BillingEventKind = "renewal-success"
	EventRenewalFailure BillingEventKind = "renewal-failure"
	EventRefund         BillingEventKind = "refund"
	EventExpiryReminder BillingEventKind = "expiry-reminder"
)

// BillingEvent is the one-way payload handed to the notification system.
type BillingEvent struct {
	Kind           BillingEventKind
	UserID         string
	SubscriptionID string
	PlanID         string
}

// Notifier delivers billing events out-of-band. The billing engine never
// blocks on, or inspects, delivery outcome.
type Notifier interface {
	Notify(ctx context.Context, event BillingEvent)
}
