package repository

import (
	"context"
	"time"

	"subscription-billing/internal/domain/model"
)

// SubscriptionRepository is the port for subscription records. Save inserts;
// Update applies the optimistic version guard (WHERE version = old) and must
// fail with domain.ErrVersionConflict when a concurrent writer won.
type SubscriptionRepository interface {
	Save(ctx context.Context, tx Tx, sub *model.Subscription) error
	Update(ctx context.Context, tx Tx, sub *model.Subscription) error
	FindByID(ctx context.Context, tx Tx, id string) (*model.Subscription, error)
	// FindCurrentByUserAndPlan returns the TRIAL or ACTIVE subscription for
	// the pair, if any.
	FindCurrentByUserAndPlan(ctx context.Context, tx Tx, userID, planID string) (*model.Subscription, error)
	// FindAnyByUserAndPlan returns every subscription ever created for the
	// pair, regardless of status (trial-eligibility history).
	FindAnyByUserAndPlan(ctx context.Context, tx Tx, userID, planID string) ([]*model.Subscription, error)
	// AppendTransaction links a ledger entry to the subscription,
	// append-only.
	AppendTransaction(ctx context.Context, tx Tx, subID, transactionID string) error

	// Sweep partitions. All windows are half-open [from, to).
	FindDueBetween(ctx context.Context, tx Tx, from, to time.Time) ([]*model.Subscription, error)
	FindPastDue(ctx context.Context, tx Tx, before time.Time) ([]*model.Subscription, error)
	FindDowngradeDueBetween(ctx context.Context, tx Tx, from, to time.Time) ([]*model.Subscription, error)
	FindExpiringBetween(ctx context.Context, tx Tx, from, to time.Time) ([]*model.Subscription, error)

	// CountCurrentByPlan backs the plan catalog's referential-safety check.
	CountCurrentByPlan(ctx context.Context, tx Tx, planID string) (int, error)
	CountByStatus(ctx context.Context, tx Tx) (map[model.SubscriptionStatus]int, error)
}
