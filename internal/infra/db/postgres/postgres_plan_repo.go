package postgres

import (
	"context"

	"github.com/jackc/pgx/v4"
	"github.com/jackc/pgx/v4/pgxpool"
	"github.com/shopspring/decimal"

	"subscription-billing/internal/domain"
	"subscription-billing/internal/domain/model"
	"subscription-billing/internal/domain/ports/repository"
)

// Ensure planRepo implements repository.PlanRepository
var _ repository.PlanRepository = (*planRepo)(nil)

type planRepo struct {
	pool *pgxpool.Pool
}

func NewPlanRepo(pool *pgxpool.Pool) *planRepo {
	return &planRepo{pool: pool}
}

const planColumns = `
  id, name, slug, monthly_price::text, yearly_price::text,
  trial_active, trial_days, is_enabled, version, created_at, updated_at`

func (r *planRepo) Save(ctx context.Context, tx repository.Tx, p *model.Plan) error {
	const q = `
INSERT INTO plans (
  id, name, slug, monthly_price, yearly_price, trial_active, trial_days, is_enabled, version, created_at, updated_at
) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11);`

	_, err := execSQL(ctx, r.pool, tx, q,
		p.ID, p.Name, p.Slug, p.Pricing.Monthly.String(), p.Pricing.Yearly.String(),
		p.Trial.IsActive, p.Trial.Days, p.IsEnabled, p.Version, p.CreatedAt, p.UpdatedAt)
	return mapExecErr(err)
}

// Update writes mutable plan fields under the version guard and bumps the
// stored version. Identity fields (id, slug) never change.
func (r *planRepo) Update(ctx context.Context, tx repository.Tx, p *model.Plan) error {
	const q = `
UPDATE plans SET
  name=$3, monthly_price=$4, yearly_price=$5, trial_active=$6, trial_days=$7,
  is_enabled=$8, version=version+1, updated_at=$9
 WHERE id=$1 AND version=$2;`

	tag, err := execSQL(ctx, r.pool, tx, q,
		p.ID, p.Version, p.Name, p.Pricing.Monthly.String(), p.Pricing.Yearly.String(),
		p.Trial.IsActive, p.Trial.Days, p.IsEnabled, p.UpdatedAt)
	if err != nil {
		return mapExecErr(err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrVersionConflict
	}
	return nil
}

func (r *planRepo) FindByID(ctx context.Context, tx repository.Tx, id string) (*model.Plan, error) {
	const q = `SELECT` + planColumns + ` FROM plans WHERE id=$1;`
	return r.queryOne(ctx, tx, q, id)
}

func (r *planRepo) FindBySlug(ctx context.Context, tx repository.Tx, slug string) (*model.Plan, error) {
	const q = `SELECT` + planColumns + ` FROM plans WHERE slug=$1;`
	return r.queryOne(ctx, tx, q, slug)
}

func (r *planRepo) ListAll(ctx context.Context, tx repository.Tx, includeDisabled bool) ([]*model.Plan, error) {
	const q = `SELECT` + planColumns + ` FROM plans WHERE is_enabled OR $1 ORDER BY created_at ASC;`
	rows, err := queryRows(ctx, r.pool, tx, q, includeDisabled)
	if err != nil {
		return nil, mapExecErr(err)
	}
	defer rows.Close()
	var out []*model.Plan
	for rows.Next() {
		p, err := scanPlan(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, domain.ErrReadDatabaseRow
	}
	return out, nil
}

func (r *planRepo) queryOne(ctx context.Context, tx repository.Tx, sql string, args ...any) (*model.Plan, error) {
	row, err := pickRow(ctx, r.pool, tx, sql, args...)
	if err != nil {
		return nil, err
	}
	p, err := scanPlan(row)
	if err == pgx.ErrNoRows {
		return nil, domain.ErrNotFound
	}
	return p, err
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanPlan(row rowScanner) (*model.Plan, error) {
	p := &model.Plan{}
	var monthly, yearly string
	if err := row.Scan(&p.ID, &p.Name, &p.Slug, &monthly, &yearly,
		&p.Trial.IsActive, &p.Trial.Days, &p.IsEnabled, &p.Version, &p.CreatedAt, &p.UpdatedAt); err != nil {
		if err == pgx.ErrNoRows {
			return nil, err
		}
		return nil, domain.ErrReadDatabaseRow
	}
	var err error
	if p.Pricing.Monthly, err = decimal.NewFromString(monthly); err != nil {
		return nil, domain.ErrReadDatabaseRow
	}
	if p.Pricing.Yearly, err = decimal.NewFromString(yearly); err != nil {
		return nil, domain.ErrReadDatabaseRow
	}
	return p, nil
}
