package model

import (
	"time"

	"github.com/shopspring/decimal"

	"subscription-billing/internal/domain"
)

type SubscriptionStatus string

const (
	SubscriptionStatusTrial     SubscriptionStatus = "trial"
	SubscriptionStatusActive    SubscriptionStatus = "active"
	SubscriptionStatusCancelled SubscriptionStatus = "cancelled"
	SubscriptionStatusExpired   SubscriptionStatus = "expired"
)

// GracePeriod is how long past the due date a lapsed subscription is still
// considered recoverable.
const GracePeriod = 7 * 24 * time.Hour

// BillingPeriod is a value object recomputed from the plan's current pricing
// on every renewal or plan change; it is never persisted with its own
// identity.
type BillingPeriod struct {
	Amount    decimal.Decimal  `json:"amount"`
	StartDate time.Time        `json:"startDate"`
	PaidDate  time.Time        `json:"paidDate"`
	DueDate   time.Time        `json:"dueDate"`
	GraceDate time.Time        `json:"graceDate"`
	Frequency BillingFrequency `json:"frequency"`
}

// NewBillingPeriod computes the period that starts at `start` for the given
// plan price and frequency.
func NewBillingPeriod(price decimal.Decimal, start time.Time, f BillingFrequency) BillingPeriod {
	due := start.AddDate(0, 0, f.PeriodDays())
	return BillingPeriod{
		Amount:    price,
		StartDate: start,
		PaidDate:  start,
		DueDate:   due,
		GraceDate: due.Add(GracePeriod),
		Frequency: f,
	}
}

// TrialBillingPeriod computes a zero-amount period covering a trial.
func TrialBillingPeriod(start time.Time, days int, f BillingFrequency) BillingPeriod {
	due := start.AddDate(0, 0, days)
	return BillingPeriod{
		Amount:    decimal.Zero,
		StartDate: start,
		PaidDate:  start,
		DueDate:   due,
		GraceDate: due.Add(GracePeriod),
		Frequency: f,
	}
}

// Tagged metadata variants. Each lifecycle transition fills in exactly the
// variant describing why the subscription is in its current state; earlier
// variants (notably Trial) are preserved for eligibility history.

type TrialMetadata struct {
	TrialStarted bool      `json:"trialStarted"`
	StartedAt    time.Time `json:"startedAt"`
	Days         int       `json:"days"`
}

type CancellationMetadata struct {
	Reason      string    `json:"reason"`
	CancelledAt time.Time `json:"cancelledAt"`
}

type DowngradeMetadata struct {
	TargetPlanID string    `json:"targetPlanId"`
	RequestedAt  time.Time `json:"requestedAt"`
}

// PaymentMethodMetadata is the caller-visible summary of the stored payment
// method. Authorization is the gateway's reusable charge token; raw card data
// never appears here (it lives only inside encrypted transaction payloads).
type PaymentMethodMetadata struct {
	Brand         string    `json:"brand"`
	Last4         string    `json:"last4"`
	Authorization string    `json:"authorization"`
	UpdatedAt     time.Time `json:"updatedAt"`
}

type SubscriptionMetadata struct {
	Trial         *TrialMetadata         `json:"trial,omitempty"`
	Cancellation  *CancellationMetadata  `json:"cancellation,omitempty"`
	Downgrade     *DowngradeMetadata     `json:"downgrade,omitempty"`
	PaymentMethod *PaymentMethodMetadata `json:"paymentMethod,omitempty"`
}

// Subscription is the contract between one user and one plan. It is never
// deleted; terminal states are CANCELLED and EXPIRED. Version implements the
// optimistic-concurrency guard shared by request handlers and the renewal
// sweep.
type Subscription struct {
	ID             string
	Code           string
	UserID         string
	PlanID         string
	Status         SubscriptionStatus
	IsPaid         bool
	AutoRenew      bool
	Billing        BillingPeriod
	TransactionIDs []string
	Metadata       SubscriptionMetadata
	Version        int
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// NewSubscription constructs an unsaved subscription shell; the lifecycle
// manager decides status, billing and metadata before persisting.
func NewSubscription(id, code, userID, planID string, now time.Time) (*Subscription, error) {
	if id == "" || code == "" || userID == "" || planID == "" {
		return nil, domain.ErrInvalidArgument
	}
	return &Subscription{
		ID:        id,
		Code:      code,
		UserID:    userID,
		PlanID:    planID,
		Version:   1,
		CreatedAt: now,
		UpdatedAt: now,
	}, nil
}

// IsTerminal reports whether no further lifecycle transitions apply.
func (s *Subscription) IsTerminal() bool {
	return s.Status == SubscriptionStatusExpired ||
		(s.Status == SubscriptionStatusCancelled && !s.IsPaid)
}

// PendingDowngrade reports whether a deferred downgrade is recorded.
func (s *Subscription) PendingDowngrade() bool {
	return s.Metadata.Downgrade != nil && s.Metadata.Downgrade.TargetPlanID != ""
}

// HasAccess derives whether the user's entitlement is still valid at `now`.
// A cancelled paid subscription keeps access until its preserved due date;
// the status field alone is not the access predicate.
func (s *Subscription) HasAccess(now time.Time) bool {
	switch s.Status {
	case SubscriptionStatusTrial, SubscriptionStatusActive:
		return now.Before(s.Billing.GraceDate)
	case SubscriptionStatusCancelled:
		return s.IsPaid && now.Before(s.Billing.DueDate)
	default:
		return false
	}
}

// DaysRemaining returns whole days left in the current cycle, floored at 0.
func (s *Subscription) DaysRemaining(now time.Time) int {
	if !now.Before(s.Billing.DueDate) {
		return 0
	}
	return int(s.Billing.DueDate.Sub(now).Hours() / 24)
}
