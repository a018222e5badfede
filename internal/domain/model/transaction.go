package model

import (
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"

	"subscription-billing/internal/domain"
)

type TransactionType string

const (
	TransactionTypeSubscription TransactionType = "subscription"
	TransactionTypeUpgrade      TransactionType = "upgrade"
	TransactionTypeRefund       TransactionType = "refund"
	TransactionTypeVerification TransactionType = "payment-method-update"
)

// TransactionStatus is the internal status enum; gateway-native status
// strings are mapped to it inside the gateway adapter only.
type TransactionStatus string

const (
	TransactionStatusPending    TransactionStatus = "pending"
	TransactionStatusSuccessful TransactionStatus = "successful"
	TransactionStatusFailed     TransactionStatus = "failed"
	TransactionStatusExpired    TransactionStatus = "expired"
	TransactionStatusRefunded   TransactionStatus = "refunded"
	TransactionStatusDefault    TransactionStatus = "default"
)

// CardSummary is the displayable card fragment (never the PAN).
type CardSummary struct {
	Last4 string `json:"last4"`
	Brand string `json:"brand"`
}

// SensitivePayload is the plaintext shape of a transaction's encrypted blob:
// the card fragment, the gateway's reusable authorization token, and every
// raw provider response observed for the reference. It exists in memory only
// inside the transaction ledger.
type SensitivePayload struct {
	Card          CardSummary       `json:"card"`
	Authorization string            `json:"authorization,omitempty"`
	ProviderRef   string            `json:"providerRef"`
	ProviderData  []json.RawMessage `json:"providerData"`
	RefundOf      string            `json:"refundOf,omitempty"`
	Reason        string            `json:"reason,omitempty"`
}

// Transaction is one payment attempt or refund. Economic fields (amounts,
// reference) are immutable after creation; only Status and the encrypted
// payload history may change.
type Transaction struct {
	ID               string
	Type             TransactionType
	Reference        string
	UserID           string
	SubscriptionID   string
	Amount           decimal.Decimal // major units
	UnitAmount       int64           // minor units
	Fee              decimal.Decimal
	UnitFee          int64
	Currency         string
	Status           TransactionStatus
	Description      string
	EncryptedPayload string
	CreatedAt        time.Time
	UpdatedAt        time.Time

	// Card is reconstituted from the decrypted payload at read time and is
	// never persisted in plaintext. Nil when decryption is unavailable
	// (fail closed).
	Card *CardSummary
}

// MinorUnits converts a major-unit amount to minor units (e.g. kobo, cents).
func MinorUnits(amount decimal.Decimal) int64 {
	return amount.Mul(decimal.NewFromInt(100)).Round(0).IntPart()
}

// NewTransaction validates and constructs a pending transaction.
func NewTransaction(id, reference, userID string, typ TransactionType, amount, fee decimal.Decimal, currency string, now time.Time) (*Transaction, error) {
	if id == "" || reference == "" || userID == "" {
		return nil, domain.ErrInvalidArgument
	}
	if amount.IsNegative() {
		return nil, domain.ErrInvalidArgument
	}
	return &Transaction{
		ID:         id,
		Type:       typ,
		Reference:  reference,
		UserID:     userID,
		Amount:     amount,
		UnitAmount: MinorUnits(amount),
		Fee:        fee,
		UnitFee:    MinorUnits(fee),
		Currency:   currency,
		Status:     TransactionStatusPending,
		CreatedAt:  now,
		UpdatedAt:  now,
	}, nil
}

// Settled reports whether the transaction reached a money-moved state and
// must be treated as immutable by the idempotency guard.
func (t *Transaction) Settled() bool {
	return t.Status == TransactionStatusSuccessful || t.Status == TransactionStatusRefunded
}
