package postgres

import (
	"context"
	"time"

	"github.com/jackc/pgx/v4"
	"github.com/jackc/pgx/v4/pgxpool"
	"github.com/shopspring/decimal"

	"subscription-billing/internal/domain"
	"subscription-billing/internal/domain/model"
	"subscription-billing/internal/domain/ports/repository"
)

// Ensure transactionRepo implements repository.TransactionRepository
var _ repository.TransactionRepository = (*transactionRepo)(nil)

type transactionRepo struct {
	pool *pgxpool.Pool
}

func NewTransactionRepo(pool *pgxpool.Pool) *transactionRepo {
	return &transactionRepo{pool: pool}
}

const txnColumns = `
  id, type, reference, user_id, subscription_id,
  amount::text, unit_amount, fee::text, unit_fee, currency,
  status, description, encrypted_payload, created_at, updated_at`

func (r *transactionRepo) Save(ctx context.Context, tx repository.Tx, t *model.Transaction) error {
	const q = `
INSERT INTO transactions (
  id, type, reference, user_id, subscription_id,
  amount, unit_amount, fee, unit_fee, currency,
  status, description, encrypted_payload, created_at, updated_at
) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15);`

	_, err := execSQL(ctx, r.pool, tx, q,
		t.ID, string(t.Type), t.Reference, t.UserID, t.SubscriptionID,
		t.Amount.String(), t.UnitAmount, t.Fee.String(), t.UnitFee, t.Currency,
		string(t.Status), t.Description, t.EncryptedPayload, t.CreatedAt, t.UpdatedAt)
	return mapExecErr(err)
}

// UpdateStatusAndPayload touches only the two mutable fields; the economic
// columns never change after insert.
func (r *transactionRepo) UpdateStatusAndPayload(ctx context.Context, tx repository.Tx, id string, status model.TransactionStatus, encryptedPayload string) error {
	const q = `
UPDATE transactions SET status=$2, encrypted_payload=$3, updated_at=$4 WHERE id=$1;`
	tag, err := execSQL(ctx, r.pool, tx, q, id, string(status), encryptedPayload, time.Now().UTC())
	if err != nil {
		return mapExecErr(err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

func (r *transactionRepo) FindByID(ctx context.Context, tx repository.Tx, id string) (*model.Transaction, error) {
	const q = `SELECT` + txnColumns + ` FROM transactions WHERE id=$1;`
	return r.queryOne(ctx, tx, q, id)
}

func (r *transactionRepo) FindByReference(ctx context.Context, tx repository.Tx, reference string) (*model.Transaction, error) {
	const q = `SELECT` + txnColumns + ` FROM transactions WHERE reference=$1;`
	return r.queryOne(ctx, tx, q, reference)
}

func (r *transactionRepo) ListBySubscription(ctx context.Context, tx repository.Tx, subID string) ([]*model.Transaction, error) {
	const q = `
SELECT` + txnColumns + `
  FROM transactions
 WHERE subscription_id=$1
 ORDER BY created_at DESC;`
	rows, err := queryRows(ctx, r.pool, tx, q, subID)
	if err != nil {
		return nil, mapExecErr(err)
	}
	defer rows.Close()
	var out []*model.Transaction
	for rows.Next() {
		t, err := scanTxn(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, domain.ErrReadDatabaseRow
	}
	return out, nil
}

func (r *transactionRepo) queryOne(ctx context.Context, tx repository.Tx, sql string, args ...any) (*model.Transaction, error) {
	row, err := pickRow(ctx, r.pool, tx, sql, args...)
	if err != nil {
		return nil, err
	}
	t, err := scanTxn(row)
	if err == pgx.ErrNoRows {
		return nil, domain.ErrNotFound
	}
	return t, err
}

func scanTxn(row rowScanner) (*model.Transaction, error) {
	t := &model.Transaction{}
	var typ, status, amount, fee string
	if err := row.Scan(&t.ID, &typ, &t.Reference, &t.UserID, &t.SubscriptionID,
		&amount, &t.UnitAmount, &fee, &t.UnitFee, &t.Currency,
		&status, &t.Description, &t.EncryptedPayload, &t.CreatedAt, &t.UpdatedAt); err != nil {
		if err == pgx.ErrNoRows {
			return nil, err
		}
		return nil, domain.ErrReadDatabaseRow
	}
	t.Type = model.TransactionType(typ)
	t.Status = model.TransactionStatus(status)
	var err error
	if t.Amount, err = decimal.NewFromString(amount); err != nil {
		return nil, domain.ErrReadDatabaseRow
	}
	if t.Fee, err = decimal.NewFromString(fee); err != nil {
		return nil, domain.ErrReadDatabaseRow
	}
	return t, nil
}
