package repository

import (
	"context"

	"subscription-billing/internal/domain/model"
)

// PlanRepository is the port for the plan catalog's storage.
type PlanRepository interface {
	Save(ctx context.Context, tx Tx, plan *model.Plan) error
	// Update persists mutable plan fields and bumps Version; it must fail
	// with domain.ErrVersionConflict when the stored version moved.
	Update(ctx context.Context, tx Tx, plan *model.Plan) error
	FindByID(ctx context.Context, tx Tx, id string) (*model.Plan, error)
	FindBySlug(ctx context.Context, tx Tx, slug string) (*model.Plan, error)
	ListAll(ctx context.Context, tx Tx, includeDisabled bool) ([]*model.Plan, error)
}
