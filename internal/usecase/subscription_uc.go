// File: internal/usecase/subscription_uc.go
package usecase

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v4"
	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"subscription-billing/internal/domain"
	"subscription-billing/internal/domain/model"
	"subscription-billing/internal/domain/ports/adapter"
	"subscription-billing/internal/domain/ports/repository"
)

// PaymentExecutor is the slice of the transaction ledger the lifecycle
// manager needs for money movement.
type PaymentExecutor interface {
	CreateTransaction(ctx context.Context, in CreateTransactionInput) (*model.Transaction, error)
	ProcessRefund(ctx context.Context, transactionID, reason string) (*model.Transaction, error)
	VerifyPaymentMethod(ctx context.Context, userID, subscriptionID string, method adapter.PaymentMethod) (*model.Transaction, *model.PaymentMethodMetadata, error)
	ListBySubscription(ctx context.Context, subID string) ([]*model.Transaction, error)
	StoredAuthorization(ctx context.Context, transactionID string) (string, error)
}

var _ PaymentExecutor = (*TransactionLedger)(nil)

// SubscriptionLifecycleManager is the state machine orchestrating
// subscription creation, renewal, plan change, cancellation and refund.
// Every transition either fully commits (state + billing fields + transaction
// links, under the optimistic version guard) or leaves the record untouched.
type SubscriptionLifecycleManager struct {
	subs     repository.SubscriptionRepository
	catalog  *PlanCatalog
	ledger   PaymentExecutor
	txm      repository.TransactionManager
	notifier adapter.Notifier
	clock    domain.Clock
	log      *zerolog.Logger
}

func NewSubscriptionLifecycleManager(
	subs repository.SubscriptionRepository,
	catalog *PlanCatalog,
	ledger PaymentExecutor,
	txm repository.TransactionManager,
	notifier adapter.Notifier,
	clock domain.Clock,
	logger *zerolog.Logger,
) *SubscriptionLifecycleManager {
	compLog := logger.With().Str("component", "SubscriptionLifecycleManager").Logger()
	return &SubscriptionLifecycleManager{
		subs:     subs,
		catalog:  catalog,
		ledger:   ledger,
		txm:      txm,
		notifier: notifier,
		clock:    clock,
		log:      &compLog,
	}
}

// CreateSubscriptionInput describes a signup.
type CreateSubscriptionInput struct {
	UserID    string
	PlanID    string
	Method    adapter.PaymentMethod
	Frequency model.BillingFrequency
}

// CreateSubscription starts a subscription: a TRIAL without any charge when
// the plan offers one and the user is eligible, otherwise an ACTIVE paid
// subscription created only after the initial charge succeeds. A failed
// charge persists no subscription record.
func (m *SubscriptionLifecycleManager) CreateSubscription(ctx context.Context, in CreateSubscriptionInput) (*model.Subscription, error) {
	if in.UserID == "" || in.PlanID == "" {
		return nil, domain.ValidationError("invalid_input", "user and plan are required")
	}
	if !in.Frequency.Valid() {
		return nil, domain.ValidationError("invalid_frequency", "frequency must be monthly or yearly")
	}

	plan, err := m.catalog.Get(ctx, in.PlanID)
	if err != nil {
		return nil, err
	}
	if !plan.IsEnabled {
		return nil, domain.ValidationError("plan_disabled", "plan is not open for new subscriptions")
	}

	if current, err := m.subs.FindCurrentByUserAndPlan(ctx, repository.NoTX, in.UserID, in.PlanID); err == nil && current != nil {
		return nil, domain.ConflictError("subscription_exists", "an active or trialing subscription already exists for this plan")
	} else if err != nil && !errors.Is(err, domain.ErrNotFound) {
		return nil, err
	}

	now := m.clock.Now()
	sub, err := model.NewSubscription(uuid.NewString(), newSubscriptionCode(), in.UserID, in.PlanID, now)
	if err != nil {
		return nil, domain.InternalError("construct subscription", err)
	}
	sub.AutoRenew = true

	eligible, err := m.catalog.CheckTrialEligibility(ctx, in.UserID, in.PlanID)
	if err != nil {
		return nil, err
	}
	if eligible {
		sub.Status = model.SubscriptionStatusTrial
		sub.IsPaid = false
		sub.Billing = model.TrialBillingPeriod(now, plan.Trial.Days, in.Frequency)
		sub.Metadata.Trial = &model.TrialMetadata{TrialStarted: true, StartedAt: now, Days: plan.Trial.Days}
		if err := m.subs.Save(ctx, repository.NoTX, sub); err != nil {
			return nil, mapSaveErr(err)
		}
		m.log.Info().Str("subscription_id", sub.ID).Str("plan_id", plan.ID).Msg("trial subscription created")
		return sub, nil
	}

	price := plan.Pricing.For(in.Frequency)
	if !price.IsPositive() {
		return nil, domain.ValidationError("invalid_plan_price", "plan has no price for the requested frequency")
	}

	// Charge before persisting anything: a declined or lost charge must not
	// leave a partial subscription behind.
	txn, err := m.ledger.CreateTransaction(ctx, CreateTransactionInput{
		UserID:         in.UserID,
		SubscriptionID: sub.ID,
		Amount:         price,
		Method:         in.Method,
		Type:           model.TransactionTypeSubscription,
		Description:    fmt.Sprintf("subscription to %s (%s)", plan.Slug, in.Frequency),
	})
	if err != nil {
		return nil, err
	}

	sub.Status = model.SubscriptionStatusActive
	sub.IsPaid = true
	sub.Billing = model.NewBillingPeriod(price, now, in.Frequency)
	sub.TransactionIDs = append(sub.TransactionIDs, txn.ID)
	if meta := m.paymentMethodMetadata(ctx, txn); meta != nil {
		sub.Metadata.PaymentMethod = meta
	}

	err = m.txm.WithTx(ctx, pgx.TxOptions{}, func(ctx context.Context, tx repository.Tx) error {
		if err := m.subs.Save(ctx, tx, sub); err != nil {
			return err
		}
		return m.subs.AppendTransaction(ctx, tx, sub.ID, txn.ID)
	})
	if err != nil {
		return nil, mapSaveErr(err)
	}
	m.log.Info().
		Str("subscription_id", sub.ID).
		Str("plan_id", plan.ID).
		Str("transaction_id", txn.ID).
		Msg("paid subscription created")
	return sub, nil
}

// RenewSubscription charges the next period and reactivates the record. The
// billing period is recomputed from the plan's current pricing. On any charge
// failure the subscription is left exactly as it was.
func (m *SubscriptionLifecycleManager) RenewSubscription(ctx context.Context, subID string, method adapter.PaymentMethod) (*model.Subscription, error) {
	sub, err := m.getSubscription(ctx, subID)
	if err != nil {
		return nil, err
	}
	now := m.clock.Now()
	switch sub.Status {
	case model.SubscriptionStatusCancelled:
		return nil, domain.ConflictError("subscription_cancelled", "a cancelled subscription cannot be renewed")
	case model.SubscriptionStatusActive:
		if now.Before(sub.Billing.DueDate) {
			return nil, domain.ConflictError("already_active", "subscription is already paid for the current period")
		}
	}

	plan, err := m.catalog.Get(ctx, sub.PlanID)
	if err != nil {
		return nil, err
	}
	price := plan.Pricing.For(sub.Billing.Frequency)
	if !price.IsPositive() {
		return nil, domain.ValidationError("invalid_plan_price", "plan has no price for the subscription frequency")
	}

	if !method.HasMinimumFields() {
		method = m.storedMethod(sub)
	}
	if !method.HasMinimumFields() {
		return nil, domain.ValidationError("no_payment_method", "no payment method supplied or on file")
	}

	// The reference is derived from the period being paid, so two renewals of
	// the same period share one idempotency key and the ledger's duplicate
	// guard collapses the second charge instead of letting it through.
	txn, err := m.ledger.CreateTransaction(ctx, CreateTransactionInput{
		UserID:         sub.UserID,
		SubscriptionID: sub.ID,
		Amount:         price,
		Method:         method,
		Type:           model.TransactionTypeSubscription,
		Reference:      renewalReference(sub.ID, sub.Billing.DueDate),
		Description:    fmt.Sprintf("renewal of %s (%s)", plan.Slug, sub.Billing.Frequency),
	})
	if err != nil {
		if domain.KindOf(err) == domain.KindConflict {
			fresh, rerr := m.getSubscription(ctx, subID)
			if rerr == nil && fresh.Status == model.SubscriptionStatusActive && m.clock.Now().Before(fresh.Billing.DueDate) {
				m.log.Warn().Str("subscription_id", subID).Msg("period already charged concurrently")
				return fresh, nil
			}
		}
		return nil, err
	}

	sub.Status = model.SubscriptionStatusActive
	sub.IsPaid = true
	sub.Billing = model.NewBillingPeriod(price, now, sub.Billing.Frequency)
	sub.TransactionIDs = append(sub.TransactionIDs, txn.ID)
	sub.UpdatedAt = now

	if err := m.commit(ctx, sub, txn.ID); err != nil {
		if errors.Is(err, domain.ErrVersionConflict) {
			// A concurrent renewal won; re-read and treat as already done.
			fresh, rerr := m.getSubscription(ctx, subID)
			if rerr == nil && fresh.Status == model.SubscriptionStatusActive && m.clock.Now().Before(fresh.Billing.DueDate) {
				m.log.Warn().Str("subscription_id", subID).Msg("renewal lost version race, already renewed")
				return fresh, nil
			}
			return nil, domain.ConflictError("concurrent_update", "subscription changed concurrently, retry")
		}
		return nil, err
	}

	m.notifier.Notify(ctx, adapter.BillingEvent{
		Kind:           adapter.EventRenewalSuccess,
		UserID:         sub.UserID,
		SubscriptionID: sub.ID,
		PlanID:         sub.PlanID,
	})
	m.log.Info().Str("subscription_id", sub.ID).Time("due_date", sub.Billing.DueDate).Msg("subscription renewed")
	return sub, nil
}

// CancelSubscription cancels immediately. A trial loses access at once; a
// paid subscription keeps its due date and autoRenew=false, so access (a
// derived predicate, see Subscription.HasAccess) runs until period end.
func (m *SubscriptionLifecycleManager) CancelSubscription(ctx context.Context, subID, reason string) (*model.Subscription, error) {
	sub, err := m.getSubscription(ctx, subID)
	if err != nil {
		return nil, err
	}
	if sub.Status == model.SubscriptionStatusCancelled || sub.Status == model.SubscriptionStatusExpired {
		return nil, domain.ConflictError("already_terminal", "subscription is already cancelled or expired")
	}

	now := m.clock.Now()
	sub.Status = model.SubscriptionStatusCancelled
	sub.AutoRenew = false
	sub.Metadata.Cancellation = &model.CancellationMetadata{Reason: reason, CancelledAt: now}
	sub.Metadata.Downgrade = nil
	sub.UpdatedAt = now

	if err := m.update(ctx, sub); err != nil {
		return nil, err
	}
	m.log.Info().Str("subscription_id", sub.ID).Str("reason", reason).Bool("paid", sub.IsPaid).Msg("subscription cancelled")
	return sub, nil
}

// ChangePlan upgrades immediately with a prorated charge for the remainder of
// the cycle, or records a deferred downgrade the renewal sweep applies at the
// due date.
func (m *SubscriptionLifecycleManager) ChangePlan(ctx context.Context, subID, newPlanID string, method adapter.PaymentMethod) (*model.Subscription, error) {
	sub, err := m.getSubscription(ctx, subID)
	if err != nil {
		return nil, err
	}
	if sub.Status != model.SubscriptionStatusActive {
		return nil, domain.ConflictError("not_active", "only active subscriptions can change plan")
	}
	if sub.PlanID == newPlanID {
		return nil, domain.ValidationError("same_plan", "subscription is already on this plan")
	}

	current, err := m.catalog.Get(ctx, sub.PlanID)
	if err != nil {
		return nil, err
	}
	target, err := m.catalog.Get(ctx, newPlanID)
	if err != nil {
		return nil, err
	}
	if !target.IsEnabled {
		return nil, domain.ValidationError("plan_disabled", "target plan is not open for new subscriptions")
	}

	now := m.clock.Now()
	freq := sub.Billing.Frequency
	oldPrice := current.Pricing.For(freq)
	newPrice := target.Pricing.For(freq)

	if newPrice.GreaterThan(oldPrice) {
		charge := ProratedUpgradeAmount(oldPrice, newPrice, sub.DaysRemaining(now), freq.PeriodDays())
		var txnID string
		if charge.IsPositive() {
			if !method.HasMinimumFields() {
				method = m.storedMethod(sub)
			}
			txn, err := m.ledger.CreateTransaction(ctx, CreateTransactionInput{
				UserID:         sub.UserID,
				SubscriptionID: sub.ID,
				Amount:         charge,
				Method:         method,
				Type:           model.TransactionTypeUpgrade,
				Description:    fmt.Sprintf("upgrade %s -> %s", current.Slug, target.Slug),
			})
			if err != nil {
				return nil, err
			}
			txnID = txn.ID
			sub.TransactionIDs = append(sub.TransactionIDs, txn.ID)
		}
		sub.PlanID = target.ID
		sub.Billing = model.NewBillingPeriod(newPrice, now, freq)
		sub.Metadata.Downgrade = nil
		sub.UpdatedAt = now
		if err := m.commit(ctx, sub, txnID); err != nil {
			return nil, mapSaveErr(err)
		}
		m.log.Info().
			Str("subscription_id", sub.ID).
			Str("from_plan", current.ID).
			Str("to_plan", target.ID).
			Str("prorated_charge", charge.StringFixed(2)).
			Msg("plan upgraded")
		return sub, nil
	}

	// Downgrade: no charge, no immediate switch. The sweep applies the
	// recorded target at the existing due date.
	sub.Metadata.Downgrade = &model.DowngradeMetadata{TargetPlanID: target.ID, RequestedAt: now}
	sub.UpdatedAt = now
	if err := m.update(ctx, sub); err != nil {
		return nil, err
	}
	m.log.Info().
		Str("subscription_id", sub.ID).
		Str("target_plan", target.ID).
		Time("effective", sub.Billing.DueDate).
		Msg("downgrade deferred to due date")
	return sub, nil
}

// UpdatePaymentMethod verifies the new method via the gateway's
// minimal-authorization flow (a zero-amount verification transaction) before
// replacing the stored payment-method summary.
func (m *SubscriptionLifecycleManager) UpdatePaymentMethod(ctx context.Context, subID string, method adapter.PaymentMethod) (*model.Subscription, error) {
	sub, err := m.getSubscription(ctx, subID)
	if err != nil {
		return nil, err
	}
	if sub.Status == model.SubscriptionStatusExpired {
		return nil, domain.ConflictError("subscription_expired", "cannot update payment method on an expired subscription")
	}

	txn, meta, err := m.ledger.VerifyPaymentMethod(ctx, sub.UserID, sub.ID, method)
	if err != nil {
		return nil, err
	}
	sub.Metadata.PaymentMethod = meta
	sub.TransactionIDs = append(sub.TransactionIDs, txn.ID)
	sub.UpdatedAt = m.clock.Now()
	if err := m.commit(ctx, sub, txn.ID); err != nil {
		return nil, mapSaveErr(err)
	}
	m.log.Info().Str("subscription_id", sub.ID).Str("brand", meta.Brand).Str("last4", meta.Last4).Msg("payment method updated")
	return sub, nil
}

// ProcessRefund refunds the most recent successful charge as a new ledger
// entry and cancels the subscription. The original transaction is unchanged.
func (m *SubscriptionLifecycleManager) ProcessRefund(ctx context.Context, subID, reason string) (*model.Subscription, *model.Transaction, error) {
	sub, err := m.getSubscription(ctx, subID)
	if err != nil {
		return nil, nil, err
	}
	txns, err := m.ledger.ListBySubscription(ctx, sub.ID)
	if err != nil {
		return nil, nil, err
	}
	var original *model.Transaction
	for _, t := range txns {
		if t.Status == model.TransactionStatusSuccessful && t.Type != model.TransactionTypeRefund && t.Amount.IsPositive() {
			if original == nil || t.CreatedAt.After(original.CreatedAt) {
				original = t
			}
		}
	}
	if original == nil {
		return nil, nil, domain.ValidationError("nothing_to_refund", "subscription has no successful charge")
	}

	refund, err := m.ledger.ProcessRefund(ctx, original.ID, reason)
	if err != nil {
		return nil, nil, err
	}

	now := m.clock.Now()
	sub.Status = model.SubscriptionStatusCancelled
	sub.AutoRenew = false
	sub.IsPaid = false
	sub.Metadata.Cancellation = &model.CancellationMetadata{Reason: reason, CancelledAt: now}
	sub.TransactionIDs = append(sub.TransactionIDs, refund.ID)
	sub.UpdatedAt = now
	if err := m.commit(ctx, sub, refund.ID); err != nil {
		return nil, nil, mapSaveErr(err)
	}

	m.notifier.Notify(ctx, adapter.BillingEvent{
		Kind:           adapter.EventRefund,
		UserID:         sub.UserID,
		SubscriptionID: sub.ID,
		PlanID:         sub.PlanID,
	})
	m.log.Info().Str("subscription_id", sub.ID).Str("refund_id", refund.ID).Msg("subscription refunded and cancelled")
	return sub, refund, nil
}

// ApplyPendingDowngrade switches a subscription to its recorded downgrade
// target, recomputes the billing amount at the target's current price and
// clears the flag. Called by the renewal sweep at the due date; idempotent
// when no downgrade is pending.
func (m *SubscriptionLifecycleManager) ApplyPendingDowngrade(ctx context.Context, subID string) (*model.Subscription, error) {
	sub, err := m.getSubscription(ctx, subID)
	if err != nil {
		return nil, err
	}
	if !sub.PendingDowngrade() {
		return sub, nil
	}
	target, err := m.catalog.Get(ctx, sub.Metadata.Downgrade.TargetPlanID)
	if err != nil {
		return nil, err
	}

	freq := sub.Billing.Frequency
	sub.PlanID = target.ID
	sub.Billing.Amount = target.Pricing.For(freq)
	sub.Metadata.Downgrade = nil
	sub.UpdatedAt = m.clock.Now()
	if err := m.update(ctx, sub); err != nil {
		return nil, err
	}
	m.log.Info().Str("subscription_id", sub.ID).Str("plan_id", target.ID).Msg("deferred downgrade applied")
	return sub, nil
}

// ExpireSubscription marks a lapsed subscription EXPIRED. Used by the sweep
// after renewal attempts are exhausted or when a record is past due.
func (m *SubscriptionLifecycleManager) ExpireSubscription(ctx context.Context, subID string) (*model.Subscription, error) {
	sub, err := m.getSubscription(ctx, subID)
	if err != nil {
		return nil, err
	}
	if sub.Status == model.SubscriptionStatusExpired {
		return sub, nil
	}
	if sub.Status == model.SubscriptionStatusCancelled {
		return nil, domain.ConflictError("already_terminal", "cancelled subscriptions are not expired by the sweep")
	}

	sub.Status = model.SubscriptionStatusExpired
	sub.IsPaid = false
	sub.UpdatedAt = m.clock.Now()
	if err := m.update(ctx, sub); err != nil {
		return nil, err
	}
	m.log.Info().Str("subscription_id", sub.ID).Msg("subscription expired")
	return sub, nil
}

// GetSubscription returns one record.
func (m *SubscriptionLifecycleManager) GetSubscription(ctx context.Context, subID string) (*model.Subscription, error) {
	return m.getSubscription(ctx, subID)
}

// ProratedUpgradeAmount is the price difference for the remaining fraction of
// the billing cycle, rounded to 2 decimal places.
func ProratedUpgradeAmount(oldPrice, newPrice decimal.Decimal, daysRemaining, totalDays int) decimal.Decimal {
	if daysRemaining <= 0 || totalDays <= 0 {
		return decimal.Zero
	}
	diff := newPrice.Sub(oldPrice)
	if !diff.IsPositive() {
		return decimal.Zero
	}
	return diff.
		Mul(decimal.NewFromInt(int64(daysRemaining))).
		Div(decimal.NewFromInt(int64(totalDays))).
		Round(2)
}

// --- helpers ---

func (m *SubscriptionLifecycleManager) getSubscription(ctx context.Context, subID string) (*model.Subscription, error) {
	sub, err := m.subs.FindByID(ctx, repository.NoTX, subID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return nil, domain.NotFoundError("subscription_not_found", "subscription does not exist")
		}
		return nil, err
	}
	return sub, nil
}

// storedMethod rebuilds a chargeable method from the stored payment-method
// summary (the gateway's reusable authorization token).
func (m *SubscriptionLifecycleManager) storedMethod(sub *model.Subscription) adapter.PaymentMethod {
	if sub.Metadata.PaymentMethod == nil {
		return adapter.PaymentMethod{}
	}
	return adapter.PaymentMethod{Authorization: sub.Metadata.PaymentMethod.Authorization}
}

// paymentMethodMetadata derives the stored summary from a fresh charge so
// renewals can reuse the gateway authorization.
func (m *SubscriptionLifecycleManager) paymentMethodMetadata(ctx context.Context, txn *model.Transaction) *model.PaymentMethodMetadata {
	auth, err := m.ledger.StoredAuthorization(ctx, txn.ID)
	if err != nil || auth == "" {
		return nil
	}
	meta := &model.PaymentMethodMetadata{Authorization: auth, UpdatedAt: m.clock.Now()}
	if txn.Card != nil {
		meta.Brand = txn.Card.Brand
		meta.Last4 = txn.Card.Last4
	}
	return meta
}

// commit persists a transition together with its transaction link in one
// database transaction, under the version guard.
func (m *SubscriptionLifecycleManager) commit(ctx context.Context, sub *model.Subscription, txnID string) error {
	return m.txm.WithTx(ctx, pgx.TxOptions{}, func(ctx context.Context, tx repository.Tx) error {
		if err := m.subs.Update(ctx, tx, sub); err != nil {
			return err
		}
		sub.Version++
		if txnID != "" {
			return m.subs.AppendTransaction(ctx, tx, sub.ID, txnID)
		}
		return nil
	})
}

// update persists a transition with no new transaction link.
func (m *SubscriptionLifecycleManager) update(ctx context.Context, sub *model.Subscription) error {
	if err := m.subs.Update(ctx, repository.NoTX, sub); err != nil {
		if errors.Is(err, domain.ErrVersionConflict) {
			return domain.ConflictError("concurrent_update", "subscription changed concurrently, retry")
		}
		return err
	}
	sub.Version++
	return nil
}

func mapSaveErr(err error) error {
	if errors.Is(err, domain.ErrAlreadyExists) {
		return domain.ConflictError("subscription_exists", "an active or trialing subscription already exists for this plan")
	}
	return err
}

func newSubscriptionCode() string {
	return fmt.Sprintf("sub_%s", strings.ToLower(ulid.Make().String()))
}

// renewalReference keys a renewal charge to the billing period it pays for.
// Deterministic so concurrent or replayed renewals of one period cannot mint
// distinct idempotency references.
func renewalReference(subID string, due time.Time) string {
	return fmt.Sprintf("renew-%s-%d", subID, due.Unix())
}
