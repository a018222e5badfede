// File: internal/usecase/ledger_uc.go
package usecase

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"subscription-billing/internal/domain"
	"subscription-billing/internal/domain/model"
	"subscription-billing/internal/domain/ports/adapter"
	"subscription-billing/internal/domain/ports/repository"
	"subscription-billing/internal/infra/metrics"
)

// SecretCipher seals and opens serialized sensitive payloads. Plaintext card
// data and raw gateway responses never cross the ledger boundary.
type SecretCipher interface {
	Encrypt(plaintext string) (string, error)
	Decrypt(ciphertext string) (string, error)
}

// LedgerOptions tune the gateway retry policy.
type LedgerOptions struct {
	Currency    string
	MaxAttempts int           // charge attempts per logical payment, default 3
	BackoffBase time.Duration // first retry delay, doubled per attempt
}

// TransactionLedger executes payment attempts against the gateway with
// idempotency and bounded retry, and persists an encrypted record of each
// attempt. It is the only component that ever sees decrypted payloads.
type TransactionLedger struct {
	txns    repository.TransactionRepository
	gateway adapter.PaymentGateway
	cipher  SecretCipher
	clock   domain.Clock
	opts    LedgerOptions
	log     *zerolog.Logger
}

func NewTransactionLedger(txns repository.TransactionRepository, gateway adapter.PaymentGateway, cipher SecretCipher, clock domain.Clock, opts LedgerOptions, logger *zerolog.Logger) *TransactionLedger {
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 3
	}
	if opts.BackoffBase <= 0 {
		opts.BackoffBase = time.Second
	}
	if opts.Currency == "" {
		opts.Currency = "NGN"
	}
	compLog := logger.With().Str("component", "TransactionLedger").Logger()
	return &TransactionLedger{txns: txns, gateway: gateway, cipher: cipher, clock: clock, opts: opts, log: &compLog}
}

// CreateTransactionInput describes one logical payment attempt. Reference is
// optional; when empty a fresh idempotency reference is generated. Supplying
// the same reference twice can never double-charge.
type CreateTransactionInput struct {
	UserID         string
	SubscriptionID string
	Amount         decimal.Decimal
	Method         adapter.PaymentMethod
	Type           model.TransactionType
	Description    string
	Reference      string
}

// NewReference builds a per-attempt idempotency reference from the user id, a
// timestamp and random entropy (ULID carries both).
func (l *TransactionLedger) NewReference(userID string) string {
	frag := userID
	if len(frag) > 8 {
		frag = frag[:8]
	}
	return fmt.Sprintf("txn-%s-%s", frag, ulid.Make().String())
}

// CreateTransaction validates the attempt, enforces the idempotency guard,
// charges the gateway with retry, and persists the encrypted ledger entry.
// The returned view is sanitized: ciphertext and provider references are
// stripped, card display fields are reconstituted from the decrypted payload.
func (l *TransactionLedger) CreateTransaction(ctx context.Context, in CreateTransactionInput) (*model.Transaction, error) {
	if !in.Amount.IsPositive() {
		return nil, domain.ValidationError("invalid_amount", "amount must be greater than zero")
	}
	if !in.Method.HasMinimumFields() {
		return nil, domain.ValidationError("invalid_payment_method", "payment method is missing required fields")
	}

	reference := in.Reference
	if reference == "" {
		reference = l.NewReference(in.UserID)
	}
	// Idempotency guard: a non-failed entry blocks the reference forever; a
	// failed one is re-attempted in place (the reference stays unique).
	var retryOf *model.Transaction
	if existing, err := l.txns.FindByReference(ctx, repository.NoTX, reference); err == nil && existing != nil {
		if existing.Status != model.TransactionStatusFailed {
			return nil, domain.ConflictError("duplicate_reference", "a non-failed transaction already exists for this reference")
		}
		retryOf = existing
	} else if err != nil && !errors.Is(err, domain.ErrNotFound) {
		return nil, err
	}

	res, chargeErr := l.chargeWithRetry(ctx, in.Amount, in.Method, reference)

	now := l.clock.Now()
	fee := l.gateway.CalculateFee(in.Amount)
	t, err := model.NewTransaction(uuid.NewString(), reference, in.UserID, in.Type, in.Amount, fee, l.opts.Currency, now)
	if err != nil {
		return nil, domain.InternalError("construct transaction", err)
	}
	t.SubscriptionID = in.SubscriptionID
	t.Description = in.Description

	payload := model.SensitivePayload{}
	switch {
	case chargeErr == nil:
		t.Status = res.Status
		payload.Card = res.Card
		payload.Authorization = res.Authorization
		payload.ProviderRef = res.ProviderRef
		if len(res.Raw) > 0 {
			payload.ProviderData = append(payload.ProviderData, res.Raw)
		}
	case domain.IsTransient(chargeErr):
		// The charge may have reached the provider; keep a pending record so
		// verification can settle it instead of a blind re-charge.
		t.Status = model.TransactionStatusPending
	default:
		t.Status = model.TransactionStatusFailed
		if len(res.Raw) > 0 {
			payload.ProviderData = append(payload.ProviderData, res.Raw)
		}
	}

	if err := l.seal(t, payload); err != nil {
		return nil, err
	}
	if retryOf != nil {
		t.ID = retryOf.ID
		t.CreatedAt = retryOf.CreatedAt
		if err := l.txns.UpdateStatusAndPayload(ctx, repository.NoTX, t.ID, t.Status, t.EncryptedPayload); err != nil {
			return nil, err
		}
	} else if err := l.txns.Save(ctx, repository.NoTX, t); err != nil {
		if errors.Is(err, domain.ErrAlreadyExists) {
			return nil, domain.ConflictError("duplicate_reference", "a transaction already exists for this reference")
		}
		return nil, err
	}

	metrics.IncTransaction(string(t.Type), string(t.Status))
	if t.Status == model.TransactionStatusSuccessful {
		metrics.AddRevenue(t.Currency, t.UnitAmount)
	}
	l.log.Info().
		Str("transaction_id", t.ID).
		Str("reference", reference).
		Str("type", string(t.Type)).
		Str("status", string(t.Status)).
		Int64("unit_amount", t.UnitAmount).
		Msg("transaction recorded")

	if chargeErr != nil {
		return nil, chargeErr
	}
	return l.sanitized(t, payload), nil
}

// chargeWithRetry calls InitializeCharge up to MaxAttempts times with
// exponential backoff, retrying only transient faults. Waits are
// ctx-cancellable timers, never bare sleeps.
func (l *TransactionLedger) chargeWithRetry(ctx context.Context, amount decimal.Decimal, method adapter.PaymentMethod, reference string) (adapter.ChargeResult, error) {
	var lastErr error
	var res adapter.ChargeResult
	for attempt := 1; attempt <= l.opts.MaxAttempts; attempt++ {
		var err error
		res, err = l.gateway.InitializeCharge(ctx, amount, method, reference)
		if err == nil {
			if res.Status == model.TransactionStatusFailed {
				metrics.IncGatewayAttempt("initialize_charge", "permanent")
				return res, domain.GatewayError("charge_declined", "the gateway declined the charge", false, nil)
			}
			metrics.IncGatewayAttempt("initialize_charge", "ok")
			return res, nil
		}
		if !domain.IsTransient(err) {
			metrics.IncGatewayAttempt("initialize_charge", "permanent")
			return res, err
		}
		metrics.IncGatewayAttempt("initialize_charge", "transient")
		lastErr = err
		if attempt == l.opts.MaxAttempts {
			break
		}
		metrics.IncGatewayRetry()
		backoff := l.opts.BackoffBase << (attempt - 1)
		l.log.Warn().
			Str("reference", reference).
			Int("attempt", attempt).
			Dur("backoff", backoff).
			Err(err).
			Msg("transient gateway fault, scheduling retry")
		timer := time.NewTimer(backoff)
		select {
		case <-ctx.Done():
			timer.Stop()
			return res, domain.GatewayError("charge_aborted", "charge cancelled while waiting to retry", true, ctx.Err())
		case <-timer.C:
		}
	}
	return res, domain.GatewayError("gateway_unavailable", "gateway unreachable after retries", true, lastErr)
}

// VerifyTransaction refreshes a transaction from the gateway's current view:
// the new provider response is appended to the encrypted history and the
// status updated. The reference is the idempotency key shared with the
// provider.
func (l *TransactionLedger) VerifyTransaction(ctx context.Context, reference string) (*model.Transaction, error) {
	t, err := l.txns.FindByReference(ctx, repository.NoTX, reference)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return nil, domain.NotFoundError("transaction_not_found", "no transaction for reference")
		}
		return nil, err
	}

	payload, err := l.open(t)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	res, err := l.gateway.VerifyCharge(ctx, reference)
	metrics.ObserveGatewayLatency("verify_charge", time.Since(start).Seconds())
	if err != nil {
		metrics.IncGatewayAttempt("verify_charge", outcomeOf(err))
		return nil, err
	}
	metrics.IncGatewayAttempt("verify_charge", "ok")

	if res.ProviderRef != "" {
		payload.ProviderRef = res.ProviderRef
	}
	if res.Authorization != "" {
		payload.Authorization = res.Authorization
	}
	if res.Card.Last4 != "" {
		payload.Card = res.Card
	}
	if len(res.Raw) > 0 {
		payload.ProviderData = append(payload.ProviderData, res.Raw)
	}

	newStatus := res.Status
	if t.Settled() && newStatus == model.TransactionStatusPending {
		// Never regress a settled entry on a stale provider read.
		newStatus = t.Status
	}
	if err := l.seal(t, payload); err != nil {
		return nil, err
	}
	if err := l.txns.UpdateStatusAndPayload(ctx, repository.NoTX, t.ID, newStatus, t.EncryptedPayload); err != nil {
		return nil, err
	}
	if newStatus == model.TransactionStatusSuccessful && t.Status != model.TransactionStatusSuccessful {
		metrics.AddRevenue(t.Currency, t.UnitAmount)
	}
	t.Status = newStatus
	t.UpdatedAt = l.clock.Now()
	return l.sanitized(t, payload), nil
}

// ProcessRefund issues a gateway refund for a successful transaction and
// records it as a NEW refund-type ledger entry linked to the original via the
// encrypted payload; the original entry is never mutated.
func (l *TransactionLedger) ProcessRefund(ctx context.Context, transactionID, reason string) (*model.Transaction, error) {
	orig, err := l.txns.FindByID(ctx, repository.NoTX, transactionID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return nil, domain.NotFoundError("transaction_not_found", "transaction does not exist")
		}
		return nil, err
	}
	if orig.Status != model.TransactionStatusSuccessful {
		return nil, domain.ValidationError("not_refundable", "only successful transactions can be refunded")
	}

	origPayload, err := l.open(orig)
	if err != nil {
		return nil, err
	}
	if origPayload.ProviderRef == "" {
		return nil, domain.EncryptionError("stored payload has no provider reference", nil)
	}

	start := time.Now()
	res, err := l.gateway.Refund(ctx, origPayload.ProviderRef, orig.Amount, reason)
	metrics.ObserveGatewayLatency("refund", time.Since(start).Seconds())
	if err != nil {
		metrics.IncGatewayAttempt("refund", outcomeOf(err))
		return nil, err
	}
	metrics.IncGatewayAttempt("refund", "ok")

	now := l.clock.Now()
	refund, err := model.NewTransaction(uuid.NewString(), l.NewReference(orig.UserID), orig.UserID, model.TransactionTypeRefund, orig.Amount, decimal.Zero, orig.Currency, now)
	if err != nil {
		return nil, domain.InternalError("construct refund transaction", err)
	}
	refund.SubscriptionID = orig.SubscriptionID
	refund.Description = fmt.Sprintf("refund of %s", orig.Reference)
	refund.Status = model.TransactionStatusRefunded
	if res.Status == model.TransactionStatusPending {
		refund.Status = model.TransactionStatusPending
	}

	payload := model.SensitivePayload{
		Card:        origPayload.Card,
		ProviderRef: res.RefundRef,
		RefundOf:    orig.ID,
		Reason:      reason,
	}
	if len(res.Raw) > 0 {
		payload.ProviderData = append(payload.ProviderData, res.Raw)
	}
	if err := l.seal(refund, payload); err != nil {
		return nil, err
	}
	if err := l.txns.Save(ctx, repository.NoTX, refund); err != nil {
		return nil, err
	}

	metrics.IncTransaction(string(refund.Type), string(refund.Status))
	metrics.AddRefund(refund.Currency, refund.UnitAmount)
	l.log.Info().
		Str("transaction_id", refund.ID).
		Str("refund_of", orig.ID).
		Int64("unit_amount", refund.UnitAmount).
		Msg("refund recorded")
	return l.sanitized(refund, payload), nil
}

// VerifyPaymentMethod runs the gateway's minimal-authorization flow against a
// payment method and records a zero-amount verification entry. It returns the
// displayable summary plus the reusable authorization token for renewals.
func (l *TransactionLedger) VerifyPaymentMethod(ctx context.Context, userID, subscriptionID string, method adapter.PaymentMethod) (*model.Transaction, *model.PaymentMethodMetadata, error) {
	if !method.HasMinimumFields() {
		return nil, nil, domain.ValidationError("invalid_payment_method", "payment method is missing required fields")
	}
	reference := l.NewReference(userID)

	start := time.Now()
	res, err := l.gateway.VerifyCard(ctx, method, reference)
	metrics.ObserveGatewayLatency("verify_card", time.Since(start).Seconds())
	if err != nil {
		metrics.IncGatewayAttempt("verify_card", outcomeOf(err))
		return nil, nil, err
	}
	metrics.IncGatewayAttempt("verify_card", "ok")
	if res.Status != model.TransactionStatusSuccessful {
		return nil, nil, domain.GatewayError("card_verification_failed", "the gateway rejected the payment method", false, nil)
	}

	now := l.clock.Now()
	t := &model.Transaction{
		ID:        uuid.NewString(),
		Type:      model.TransactionTypeVerification,
		Reference: reference,
		UserID:    userID,
		Amount:    decimal.Zero,
		Fee:       decimal.Zero,
		Currency:  l.opts.Currency,
		Status:    model.TransactionStatusSuccessful,
		CreatedAt: now,
		UpdatedAt: now,
	}
	t.SubscriptionID = subscriptionID
	t.Description = "payment method verification"

	payload := model.SensitivePayload{
		Card:          res.Card,
		Authorization: res.Authorization,
		ProviderRef:   res.ProviderRef,
	}
	if len(res.Raw) > 0 {
		payload.ProviderData = append(payload.ProviderData, res.Raw)
	}
	if err := l.seal(t, payload); err != nil {
		return nil, nil, err
	}
	if err := l.txns.Save(ctx, repository.NoTX, t); err != nil {
		return nil, nil, err
	}
	metrics.IncTransaction(string(t.Type), string(t.Status))

	meta := &model.PaymentMethodMetadata{
		Brand:         res.Card.Brand,
		Last4:         res.Card.Last4,
		Authorization: res.Authorization,
		UpdatedAt:     now,
	}
	return l.sanitized(t, payload), meta, nil
}

// GetTransaction returns the sanitized view of one ledger entry. When the
// stored blob cannot be decrypted the card fields are omitted, never
// substituted.
func (l *TransactionLedger) GetTransaction(ctx context.Context, id string) (*model.Transaction, error) {
	t, err := l.txns.FindByID(ctx, repository.NoTX, id)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return nil, domain.NotFoundError("transaction_not_found", "transaction does not exist")
		}
		return nil, err
	}
	payload, err := l.open(t)
	if err != nil {
		l.log.Error().Str("transaction_id", t.ID).Err(err).Msg("payload decrypt failed, returning without card fields")
		return l.sanitized(t, model.SensitivePayload{}), nil
	}
	return l.sanitized(t, payload), nil
}

// ListBySubscription returns sanitized views of a subscription's ledger.
func (l *TransactionLedger) ListBySubscription(ctx context.Context, subID string) ([]*model.Transaction, error) {
	ts, err := l.txns.ListBySubscription(ctx, repository.NoTX, subID)
	if err != nil {
		return nil, err
	}
	out := make([]*model.Transaction, 0, len(ts))
	for _, t := range ts {
		payload, err := l.open(t)
		if err != nil {
			payload = model.SensitivePayload{}
		}
		out = append(out, l.sanitized(t, payload))
	}
	return out, nil
}

// StoredAuthorization extracts the reusable charge token recorded for a
// transaction, for renewal charges against a stored payment method.
func (l *TransactionLedger) StoredAuthorization(ctx context.Context, transactionID string) (string, error) {
	t, err := l.txns.FindByID(ctx, repository.NoTX, transactionID)
	if err != nil {
		return "", err
	}
	payload, err := l.open(t)
	if err != nil {
		return "", err
	}
	return payload.Authorization, nil
}

func (l *TransactionLedger) seal(t *model.Transaction, payload model.SensitivePayload) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return domain.InternalError("marshal sensitive payload", err)
	}
	blob, err := l.cipher.Encrypt(string(raw))
	if err != nil {
		return err
	}
	t.EncryptedPayload = blob
	return nil
}

func (l *TransactionLedger) open(t *model.Transaction) (model.SensitivePayload, error) {
	var payload model.SensitivePayload
	if t.EncryptedPayload == "" {
		return payload, nil
	}
	raw, err := l.cipher.Decrypt(t.EncryptedPayload)
	if err != nil {
		return payload, err
	}
	if err := json.Unmarshal([]byte(raw), &payload); err != nil {
		return payload, domain.EncryptionError("stored payload is corrupt", err)
	}
	return payload, nil
}

// sanitized builds the caller-visible copy: no ciphertext, no provider
// reference, display card fields only.
func (l *TransactionLedger) sanitized(t *model.Transaction, payload model.SensitivePayload) *model.Transaction {
	cp := *t
	cp.EncryptedPayload = ""
	if payload.Card.Last4 != "" {
		card := payload.Card
		cp.Card = &card
	}
	return &cp
}

func outcomeOf(err error) string {
	if domain.IsTransient(err) {
		return "transient"
	}
	return "permanent"
}
