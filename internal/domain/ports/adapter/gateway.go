package adapter

import (
	"context"
	"encoding/json"

	"github.com/shopspring/decimal"

	"subscription-billing/internal/domain/model"
)

// PaymentMethod is what a caller supplies to charge. Either Authorization (a
// reusable token from a prior charge) or the raw card fields are set. Raw
// card fields must never be persisted outside an encrypted transaction
// payload.
type PaymentMethod struct {
	Authorization string
	CardNumber    string
	CVV           string
	ExpiryMonth   string
	ExpiryYear    string
	Email         string
}

// HasMinimumFields reports whether the method is chargeable at all.
func (m PaymentMethod) HasMinimumFields() bool {
	if m.Authorization != "" {
		return true
	}
	return m.CardNumber != "" && m.CVV != "" && m.ExpiryMonth != "" && m.ExpiryYear != ""
}

// ChargeResult is the provider-agnostic outcome of an initialize/verify call.
// Raw is the unmodified provider response body, retained for the encrypted
// audit history.
type ChargeResult struct {
	Status        model.TransactionStatus
	ProviderRef   string
	Authorization string
	Card          model.CardSummary
	Amount        decimal.Decimal
	Raw           json.RawMessage
}

// RefundResult captures a minimal, provider-agnostic result of a refund.
type RefundResult struct {
	Status    model.TransactionStatus
	RefundRef string
	Raw       json.RawMessage
}

// PaymentGateway is the hex port for card-payment processors. It is the only
// boundary that interprets gateway-native status strings; every method maps
// them to model.TransactionStatus before returning.
type PaymentGateway interface {
	Name() string

	// InitializeCharge executes a charge attempt under the given idempotency
	// key and returns the mapped outcome.
	InitializeCharge(ctx context.Context, amount decimal.Decimal, method PaymentMethod, idempotencyKey string) (ChargeResult, error)
	// VerifyCharge fetches the provider's current view of a reference.
	VerifyCharge(ctx context.Context, reference string) (ChargeResult, error)
	// Refund issues a refund against a settled provider reference.
	Refund(ctx context.Context, providerRef string, amount decimal.Decimal, reason string) (RefundResult, error)
	// CalculateFee returns the processor fee for an amount.
	CalculateFee(amount decimal.Decimal) decimal.Decimal
	// VerifyCard runs a minimal authorization to validate a payment method
	// without moving money.
	VerifyCard(ctx context.Context, method PaymentMethod, reference string) (ChargeResult, error)
}
