package repository

import (
	"context"

	"subscription-billing/internal/domain/model"
)

// TransactionRepository is the port for the payment ledger. Entries are
// append-only; UpdateStatusAndPayload touches only the mutable fields.
type TransactionRepository interface {
	Save(ctx context.Context, tx Tx, t *model.Transaction) error
	UpdateStatusAndPayload(ctx context.Context, tx Tx, id string, status model.TransactionStatus, encryptedPayload string) error
	FindByID(ctx context.Context, tx Tx, id string) (*model.Transaction, error)
	// FindByReference returns the entry for an idempotency reference, failed
	// or not; the ledger decides whether it blocks a retry.
	FindByReference(ctx context.Context, tx Tx, reference string) (*model.Transaction, error)
	ListBySubscription(ctx context.Context, tx Tx, subID string) ([]*model.Transaction, error)
}
