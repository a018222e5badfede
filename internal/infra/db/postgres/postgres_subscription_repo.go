package postgres

import (
	"context"
	"encoding/json"
	"time"

	"github.com/jackc/pgx/v4"
	"github.com/jackc/pgx/v4/pgxpool"
	"github.com/shopspring/decimal"

	"subscription-billing/internal/domain"
	"subscription-billing/internal/domain/model"
	"subscription-billing/internal/domain/ports/repository"
)

// Ensure subscriptionRepo implements repository.SubscriptionRepository
var _ repository.SubscriptionRepository = (*subscriptionRepo)(nil)

type subscriptionRepo struct {
	pool *pgxpool.Pool
}

func NewSubscriptionRepo(pool *pgxpool.Pool) *subscriptionRepo {
	return &subscriptionRepo{pool: pool}
}

const subColumns = `
  id, code, user_id, plan_id, status, is_paid, auto_renew,
  amount::text, start_date, paid_date, due_date, grace_date, frequency,
  transactions, metadata, version, created_at, updated_at`

func (r *subscriptionRepo) Save(ctx context.Context, tx repository.Tx, s *model.Subscription) error {
	const q = `
INSERT INTO subscriptions (
  id, code, user_id, plan_id, status, is_paid, auto_renew,
  amount, start_date, paid_date, due_date, grace_date, frequency,
  transactions, metadata, version, created_at, updated_at
) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18);`

	meta, err := json.Marshal(s.Metadata)
	if err != nil {
		return domain.ErrInvalidArgument
	}
	txns := s.TransactionIDs
	if txns == nil {
		txns = []string{}
	}
	_, err = execSQL(ctx, r.pool, tx, q,
		s.ID, s.Code, s.UserID, s.PlanID, string(s.Status), s.IsPaid, s.AutoRenew,
		s.Billing.Amount.String(), s.Billing.StartDate, s.Billing.PaidDate, s.Billing.DueDate,
		s.Billing.GraceDate, string(s.Billing.Frequency),
		txns, meta, s.Version, s.CreatedAt, s.UpdatedAt)
	return mapExecErr(err)
}

// Update rewrites the mutable fields under the optimistic version guard.
// s.Version holds the version the caller read; the stored row advances to
// s.Version+1 only if nobody else got there first.
func (r *subscriptionRepo) Update(ctx context.Context, tx repository.Tx, s *model.Subscription) error {
	const q = `
UPDATE subscriptions SET
  plan_id=$3, status=$4, is_paid=$5, auto_renew=$6,
  amount=$7, start_date=$8, paid_date=$9, due_date=$10, grace_date=$11, frequency=$12,
  metadata=$13, version=version+1, updated_at=$14
 WHERE id=$1 AND version=$2;`

	meta, err := json.Marshal(s.Metadata)
	if err != nil {
		return domain.ErrInvalidArgument
	}
	tag, err := execSQL(ctx, r.pool, tx, q,
		s.ID, s.Version, s.PlanID, string(s.Status), s.IsPaid, s.AutoRenew,
		s.Billing.Amount.String(), s.Billing.StartDate, s.Billing.PaidDate, s.Billing.DueDate,
		s.Billing.GraceDate, string(s.Billing.Frequency),
		meta, s.UpdatedAt)
	if err != nil {
		return mapExecErr(err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrVersionConflict
	}
	return nil
}

func (r *subscriptionRepo) FindByID(ctx context.Context, tx repository.Tx, id string) (*model.Subscription, error) {
	const q = `SELECT` + subColumns + ` FROM subscriptions WHERE id=$1;`
	return r.queryOne(ctx, tx, q, id)
}

func (r *subscriptionRepo) FindCurrentByUserAndPlan(ctx context.Context, tx repository.Tx, userID, planID string) (*model.Subscription, error) {
	const q = `
SELECT` + subColumns + `
  FROM subscriptions
 WHERE user_id=$1 AND plan_id=$2 AND status IN ('trial','active')
 ORDER BY created_at DESC
 LIMIT 1;`
	return r.queryOne(ctx, tx, q, userID, planID)
}

func (r *subscriptionRepo) FindAnyByUserAndPlan(ctx context.Context, tx repository.Tx, userID, planID string) ([]*model.Subscription, error) {
	const q = `
SELECT` + subColumns + `
  FROM subscriptions
 WHERE user_id=$1 AND plan_id=$2
 ORDER BY created_at ASC;`
	return r.queryMany(ctx, tx, q, userID, planID)
}

func (r *subscriptionRepo) AppendTransaction(ctx context.Context, tx repository.Tx, subID, transactionID string) error {
	const q = `
UPDATE subscriptions
   SET transactions = array_append(transactions, $2)
 WHERE id=$1 AND NOT (transactions @> ARRAY[$2]);`
	_, err := execSQL(ctx, r.pool, tx, q, subID, transactionID)
	return mapExecErr(err)
}

func (r *subscriptionRepo) FindDueBetween(ctx context.Context, tx repository.Tx, from, to time.Time) ([]*model.Subscription, error) {
	const q = `
SELECT` + subColumns + `
  FROM subscriptions
 WHERE status IN ('trial','active') AND due_date >= $1 AND due_date < $2
 ORDER BY due_date ASC;`
	return r.queryMany(ctx, tx, q, from, to)
}

func (r *subscriptionRepo) FindPastDue(ctx context.Context, tx repository.Tx, before time.Time) ([]*model.Subscription, error) {
	const q = `
SELECT` + subColumns + `
  FROM subscriptions
 WHERE status IN ('trial','active') AND grace_date < $1
 ORDER BY grace_date ASC;`
	return r.queryMany(ctx, tx, q, before)
}

func (r *subscriptionRepo) FindDowngradeDueBetween(ctx context.Context, tx repository.Tx, from, to time.Time) ([]*model.Subscription, error) {
	const q = `
SELECT` + subColumns + `
  FROM subscriptions
 WHERE status='active'
   AND metadata->'downgrade'->>'targetPlanId' IS NOT NULL
   AND due_date >= $1 AND due_date < $2
 ORDER BY due_date ASC;`
	return r.queryMany(ctx, tx, q, from, to)
}

func (r *subscriptionRepo) FindExpiringBetween(ctx context.Context, tx repository.Tx, from, to time.Time) ([]*model.Subscription, error) {
	const q = `
SELECT` + subColumns + `
  FROM subscriptions
 WHERE status IN ('trial','active') AND due_date >= $1 AND due_date < $2
 ORDER BY due_date ASC;`
	return r.queryMany(ctx, tx, q, from, to)
}

func (r *subscriptionRepo) CountCurrentByPlan(ctx context.Context, tx repository.Tx, planID string) (int, error) {
	const q = `SELECT COUNT(*) FROM subscriptions WHERE plan_id=$1 AND status IN ('trial','active');`
	row, err := pickRow(ctx, r.pool, tx, q, planID)
	if err != nil {
		return 0, err
	}
	var n int
	if err := row.Scan(&n); err != nil {
		return 0, domain.ErrReadDatabaseRow
	}
	return n, nil
}

func (r *subscriptionRepo) CountByStatus(ctx context.Context, tx repository.Tx) (map[model.SubscriptionStatus]int, error) {
	const q = `SELECT status, COUNT(*) FROM subscriptions GROUP BY status;`
	rows, err := queryRows(ctx, r.pool, tx, q)
	if err != nil {
		return nil, domain.ErrOperationFailed
	}
	defer rows.Close()

	counts := make(map[model.SubscriptionStatus]int)
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, domain.ErrReadDatabaseRow
		}
		counts[model.SubscriptionStatus(status)] = count
	}
	if err := rows.Err(); err != nil {
		return nil, domain.ErrReadDatabaseRow
	}
	return counts, nil
}

func (r *subscriptionRepo) queryOne(ctx context.Context, tx repository.Tx, sql string, args ...any) (*model.Subscription, error) {
	row, err := pickRow(ctx, r.pool, tx, sql, args...)
	if err != nil {
		return nil, err
	}
	s, err := scanSub(row)
	if err == pgx.ErrNoRows {
		return nil, domain.ErrNotFound
	}
	return s, err
}

func (r *subscriptionRepo) queryMany(ctx context.Context, tx repository.Tx, sql string, args ...any) ([]*model.Subscription, error) {
	rows, err := queryRows(ctx, r.pool, tx, sql, args...)
	if err != nil {
		return nil, mapExecErr(err)
	}
	defer rows.Close()
	var out []*model.Subscription
	for rows.Next() {
		s, err := scanSub(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	if err := rows.Err(); err != nil {
		return nil, domain.ErrReadDatabaseRow
	}
	return out, nil
}

func scanSub(row rowScanner) (*model.Subscription, error) {
	s := &model.Subscription{}
	var status, frequency, amount string
	var meta []byte
	if err := row.Scan(&s.ID, &s.Code, &s.UserID, &s.PlanID, &status, &s.IsPaid, &s.AutoRenew,
		&amount, &s.Billing.StartDate, &s.Billing.PaidDate, &s.Billing.DueDate,
		&s.Billing.GraceDate, &frequency,
		&s.TransactionIDs, &meta, &s.Version, &s.CreatedAt, &s.UpdatedAt); err != nil {
		if err == pgx.ErrNoRows {
			return nil, err
		}
		return nil, domain.ErrReadDatabaseRow
	}
	s.Status = model.SubscriptionStatus(status)
	s.Billing.Frequency = model.BillingFrequency(frequency)
	var err error
	if s.Billing.Amount, err = decimal.NewFromString(amount); err != nil {
		return nil, domain.ErrReadDatabaseRow
	}
	if len(meta) > 0 {
		if err := json.Unmarshal(meta, &s.Metadata); err != nil {
			return nil, domain.ErrReadDatabaseRow
		}
	}
	return s, nil
}
