//go:build !integration

package usecase_test

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"subscription-billing/internal/domain"
	"subscription-billing/internal/domain/model"
	"subscription-billing/internal/usecase"
)

func newCatalog(t *testing.T) (*usecase.PlanCatalog, *memPlanRepo, *memSubRepo, *fakeClock) {
	t.Helper()
	plans := newMemPlanRepo()
	subs := newMemSubRepo()
	clock := newFakeClock(time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC))
	return usecase.NewPlanCatalog(plans, subs, clock, testLogger()), plans, subs, clock
}

func starterInput() usecase.CreatePlanInput {
	return usecase.CreatePlanInput{
		Name:    "Starter Plan",
		Pricing: model.PlanPricing{Monthly: decimal.NewFromInt(10), Yearly: decimal.NewFromInt(100)},
		Trial:   model.PlanTrial{IsActive: true, Days: 14},
	}
}

func TestPlanCatalog_Create(t *testing.T) {
	t.Run("creates a plan with derived slug at version 1", func(t *testing.T) {
		catalog, _, _, _ := newCatalog(t)

		plan, err := catalog.Create(context.Background(), starterInput())
		if err != nil {
			t.Fatalf("Create: %v", err)
		}
		if plan.Slug != "starter-plan" {
			t.Errorf("slug = %q, want starter-plan", plan.Slug)
		}
		if plan.Version != 1 {
			t.Errorf("version = %d, want 1", plan.Version)
		}
		if !plan.IsEnabled {
			t.Error("new plan should be enabled")
		}
	})

	t.Run("rejects a duplicate name", func(t *testing.T) {
		catalog, _, _, _ := newCatalog(t)
		if _, err := catalog.Create(context.Background(), starterInput()); err != nil {
			t.Fatalf("first Create: %v", err)
		}

		_, err := catalog.Create(context.Background(), starterInput())
		if domain.KindOf(err) != domain.KindConflict {
			t.Fatalf("err = %v, want conflict", err)
		}
	})

	t.Run("rejects invalid definitions", func(t *testing.T) {
		catalog, _, _, _ := newCatalog(t)
		in := starterInput()
		in.Pricing.Monthly = decimal.NewFromInt(-1)

		_, err := catalog.Create(context.Background(), in)
		if domain.KindOf(err) != domain.KindValidation {
			t.Fatalf("err = %v, want validation", err)
		}
	})
}

func TestPlanCatalog_Update(t *testing.T) {
	t.Run("patches fields and bumps version", func(t *testing.T) {
		catalog, _, _, _ := newCatalog(t)
		plan, _ := catalog.Create(context.Background(), starterInput())

		newName := "Starter v2"
		updated, err := catalog.Update(context.Background(), plan.ID, usecase.PlanPatch{Name: &newName})
		if err != nil {
			t.Fatalf("Update: %v", err)
		}
		if updated.Name != newName {
			t.Errorf("name = %q, want %q", updated.Name, newName)
		}
		if updated.Version != 2 {
			t.Errorf("version = %d, want 2", updated.Version)
		}
		if updated.Slug != plan.Slug {
			t.Errorf("slug changed on rename: %q -> %q", plan.Slug, updated.Slug)
		}
	})

	t.Run("unknown plan is not found", func(t *testing.T) {
		catalog, _, _, _ := newCatalog(t)
		newName := "x"
		_, err := catalog.Update(context.Background(), "missing", usecase.PlanPatch{Name: &newName})
		if domain.KindOf(err) != domain.KindNotFound {
			t.Fatalf("err = %v, want not_found", err)
		}
	})
}

func TestPlanCatalog_Disable(t *testing.T) {
	t.Run("disables an unreferenced plan", func(t *testing.T) {
		catalog, plans, _, _ := newCatalog(t)
		plan, _ := catalog.Create(context.Background(), starterInput())

		if err := catalog.Disable(context.Background(), plan.ID); err != nil {
			t.Fatalf("Disable: %v", err)
		}
		stored, _ := plans.FindByID(context.Background(), nil, plan.ID)
		if stored.IsEnabled {
			t.Error("plan still enabled after Disable")
		}
	})

	t.Run("refuses while live subscriptions reference the plan", func(t *testing.T) {
		catalog, _, subs, clock := newCatalog(t)
		plan, _ := catalog.Create(context.Background(), starterInput())

		sub, _ := model.NewSubscription("s1", "sub_1", "u1", plan.ID, clock.Now())
		sub.Status = model.SubscriptionStatusActive
		if err := subs.Save(context.Background(), nil, sub); err != nil {
			t.Fatalf("seed subscription: %v", err)
		}

		err := catalog.Disable(context.Background(), plan.ID)
		if domain.KindOf(err) != domain.KindConflict {
			t.Fatalf("err = %v, want conflict", err)
		}
	})

	t.Run("allows disable once subscribers drained", func(t *testing.T) {
		catalog, _, subs, clock := newCatalog(t)
		plan, _ := catalog.Create(context.Background(), starterInput())

		sub, _ := model.NewSubscription("s1", "sub_1", "u1", plan.ID, clock.Now())
		sub.Status = model.SubscriptionStatusExpired
		_ = subs.Save(context.Background(), nil, sub)

		if err := catalog.Disable(context.Background(), plan.ID); err != nil {
			t.Fatalf("Disable: %v", err)
		}
	})
}

func TestPlanCatalog_CheckTrialEligibility(t *testing.T) {
	t.Run("eligible when trial active and no history", func(t *testing.T) {
		catalog, _, _, _ := newCatalog(t)
		plan, _ := catalog.Create(context.Background(), starterInput())

		ok, err := catalog.CheckTrialEligibility(context.Background(), "u1", plan.ID)
		if err != nil || !ok {
			t.Fatalf("eligibility = %v, %v; want true, nil", ok, err)
		}
	})

	t.Run("ineligible when the plan has no trial", func(t *testing.T) {
		catalog, _, _, _ := newCatalog(t)
		in := starterInput()
		in.Trial = model.PlanTrial{}
		plan, _ := catalog.Create(context.Background(), in)

		ok, err := catalog.CheckTrialEligibility(context.Background(), "u1", plan.ID)
		if err != nil || ok {
			t.Fatalf("eligibility = %v, %v; want false, nil", ok, err)
		}
	})

	t.Run("a consumed trial blocks eligibility forever, even after expiry", func(t *testing.T) {
		catalog, _, subs, clock := newCatalog(t)
		plan, _ := catalog.Create(context.Background(), starterInput())

		old, _ := model.NewSubscription("s1", "sub_1", "u1", plan.ID, clock.Now().AddDate(0, -6, 0))
		old.Status = model.SubscriptionStatusExpired
		old.Metadata.Trial = &model.TrialMetadata{TrialStarted: true, StartedAt: old.CreatedAt, Days: 14}
		_ = subs.Save(context.Background(), nil, old)

		ok, err := catalog.CheckTrialEligibility(context.Background(), "u1", plan.ID)
		if err != nil || ok {
			t.Fatalf("eligibility = %v, %v; want false, nil", ok, err)
		}
	})
}
