// File: internal/usecase/plan_uc.go
package usecase

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"subscription-billing/internal/domain"
	"subscription-billing/internal/domain/model"
	"subscription-billing/internal/domain/ports/repository"
)

// PlanCatalog owns plan definitions and referential safety: a plan with live
// subscribers can be disabled only after they drain, and is never deleted.
type PlanCatalog struct {
	plans repository.PlanRepository
	subs  repository.SubscriptionRepository
	clock domain.Clock
	log   *zerolog.Logger
}

func NewPlanCatalog(plans repository.PlanRepository, subs repository.SubscriptionRepository, clock domain.Clock, logger *zerolog.Logger) *PlanCatalog {
	compLog := logger.With().Str("component", "PlanCatalog").Logger()
	return &PlanCatalog{plans: plans, subs: subs, clock: clock, log: &compLog}
}

// CreatePlanInput is the administrator-facing plan definition.
type CreatePlanInput struct {
	Name    string
	Pricing model.PlanPricing
	Trial   model.PlanTrial
}

// PlanPatch applies partial updates; nil fields are left untouched.
type PlanPatch struct {
	Name      *string
	Pricing   *model.PlanPricing
	Trial     *model.PlanTrial
	IsEnabled *bool
}

func (c *PlanCatalog) List(ctx context.Context, includeDisabled bool) ([]*model.Plan, error) {
	return c.plans.ListAll(ctx, repository.NoTX, includeDisabled)
}

func (c *PlanCatalog) Get(ctx context.Context, id string) (*model.Plan, error) {
	p, err := c.plans.FindByID(ctx, repository.NoTX, id)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return nil, domain.NotFoundError("plan_not_found", "plan does not exist")
		}
		return nil, err
	}
	return p, nil
}

// Create validates the definition, derives a slug from the name and persists
// the plan at version 1.
func (c *PlanCatalog) Create(ctx context.Context, in CreatePlanInput) (*model.Plan, error) {
	plan, err := model.NewPlan(uuid.NewString(), in.Name, in.Pricing, in.Trial, c.clock.Now())
	if err != nil {
		return nil, domain.ValidationError("invalid_plan", "plan definition is invalid")
	}
	if existing, err := c.plans.FindBySlug(ctx, repository.NoTX, plan.Slug); err == nil && !existing.IsZero() {
		return nil, domain.ConflictError("plan_exists", "a plan with this name already exists")
	}
	if err := c.plans.Save(ctx, repository.NoTX, plan); err != nil {
		if errors.Is(err, domain.ErrAlreadyExists) {
			return nil, domain.ConflictError("plan_exists", "a plan with this name already exists")
		}
		return nil, err
	}
	c.log.Info().Str("plan_id", plan.ID).Str("slug", plan.Slug).Msg("plan created")
	return plan, nil
}

// Update applies the patch and bumps the version counter. Identity (ID, Slug)
// is immutable; renaming changes the display name only.
func (c *PlanCatalog) Update(ctx context.Context, id string, patch PlanPatch) (*model.Plan, error) {
	plan, err := c.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if patch.Name != nil {
		if *patch.Name == "" {
			return nil, domain.ValidationError("invalid_plan", "plan name cannot be empty")
		}
		plan.Name = *patch.Name
	}
	if patch.Pricing != nil {
		if patch.Pricing.Monthly.IsNegative() || patch.Pricing.Yearly.IsNegative() {
			return nil, domain.ValidationError("invalid_plan", "plan pricing cannot be negative")
		}
		plan.Pricing = *patch.Pricing
	}
	if patch.Trial != nil {
		if patch.Trial.IsActive && patch.Trial.Days <= 0 {
			return nil, domain.ValidationError("invalid_plan", "trial length must be positive")
		}
		plan.Trial = *patch.Trial
	}
	if patch.IsEnabled != nil {
		if !*patch.IsEnabled {
			if err := c.ensureNotReferenced(ctx, id); err != nil {
				return nil, err
			}
		}
		plan.IsEnabled = *patch.IsEnabled
	}
	plan.UpdatedAt = c.clock.Now()
	if err := c.plans.Update(ctx, repository.NoTX, plan); err != nil {
		if errors.Is(err, domain.ErrVersionConflict) {
			return nil, domain.ConflictError("plan_modified", "plan was modified concurrently, retry")
		}
		return nil, err
	}
	plan.Version++
	c.log.Info().Str("plan_id", plan.ID).Int("version", plan.Version).Msg("plan updated")
	return plan, nil
}

// Disable turns a plan off for new signups. It fails while any TRIAL or
// ACTIVE subscription still references the plan.
func (c *PlanCatalog) Disable(ctx context.Context, id string) error {
	enabled := false
	_, err := c.Update(ctx, id, PlanPatch{IsEnabled: &enabled})
	return err
}

func (c *PlanCatalog) ensureNotReferenced(ctx context.Context, planID string) error {
	n, err := c.subs.CountCurrentByPlan(ctx, repository.NoTX, planID)
	if err != nil {
		return err
	}
	if n > 0 {
		return domain.ConflictError("plan_in_use", "plan has active or trialing subscriptions")
	}
	return nil
}

// CheckTrialEligibility returns true only when the plan's trial is enabled
// and no prior subscription for (user, plan) ever recorded a started trial,
// whatever that subscription's current status.
func (c *PlanCatalog) CheckTrialEligibility(ctx context.Context, userID, planID string) (bool, error) {
	plan, err := c.Get(ctx, planID)
	if err != nil {
		return false, err
	}
	if !plan.Trial.IsActive {
		return false, nil
	}
	history, err := c.subs.FindAnyByUserAndPlan(ctx, repository.NoTX, userID, planID)
	if err != nil && !errors.Is(err, domain.ErrNotFound) {
		return false, err
	}
	for _, s := range history {
		if s.Metadata.Trial != nil && s.Metadata.Trial.TrialStarted {
			return false, nil
		}
	}
	return true, nil
}
