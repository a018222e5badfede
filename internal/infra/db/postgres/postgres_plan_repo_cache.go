package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"subscription-billing/internal/domain/model"
	"subscription-billing/internal/domain/ports/repository"
	"subscription-billing/internal/infra/metrics"
	red "subscription-billing/internal/infra/redis"
)

var _ repository.PlanRepository = (*planRepoCacheDecorator)(nil)

// planRepoCacheDecorator is a read-through cache in front of the plan repo.
// Plans change rarely and are read on every billing decision, so hits are
// served from Redis and every write invalidates both the entity key and the
// list keys.
type planRepoCacheDecorator struct {
	inner repository.PlanRepository
	cache red.RedisClient
	ttl   time.Duration
}

func NewPlanRepoCacheDecorator(inner repository.PlanRepository, cache red.RedisClient, ttl time.Duration) repository.PlanRepository {
	if ttl <= 0 {
		ttl = 1 * time.Hour
	}
	return &planRepoCacheDecorator{inner: inner, cache: cache, ttl: ttl}
}

func planKey(id string) string { return fmt.Sprintf("plan:%s", id) }

func planListKey(includeDisabled bool) string {
	return fmt.Sprintf("plans:all:%t", includeDisabled)
}

func (d *planRepoCacheDecorator) FindByID(ctx context.Context, tx repository.Tx, id string) (*model.Plan, error) {
	key := planKey(id)
	if val, err := d.cache.Get(ctx, key); err == nil {
		var plan model.Plan
		if json.Unmarshal([]byte(val), &plan) == nil {
			metrics.IncCacheRequest("plan", "hit")
			return &plan, nil
		}
	}

	metrics.IncCacheRequest("plan", "miss")
	plan, err := d.inner.FindByID(ctx, tx, id)
	if err != nil {
		return nil, err
	}
	if bytes, err := json.Marshal(plan); err == nil {
		_ = d.cache.Set(ctx, key, bytes, d.ttl)
	}
	return plan, nil
}

func (d *planRepoCacheDecorator) FindBySlug(ctx context.Context, tx repository.Tx, slug string) (*model.Plan, error) {
	// Slug lookups are admin-path only; no caching layer needed.
	return d.inner.FindBySlug(ctx, tx, slug)
}

func (d *planRepoCacheDecorator) ListAll(ctx context.Context, tx repository.Tx, includeDisabled bool) ([]*model.Plan, error) {
	key := planListKey(includeDisabled)
	if val, err := d.cache.Get(ctx, key); err == nil {
		var plans []*model.Plan
		if json.Unmarshal([]byte(val), &plans) == nil {
			metrics.IncCacheRequest("plan_list", "hit")
			return plans, nil
		}
	}

	metrics.IncCacheRequest("plan_list", "miss")
	plans, err := d.inner.ListAll(ctx, tx, includeDisabled)
	if err != nil {
		return nil, err
	}
	if len(plans) > 0 {
		if bytes, err := json.Marshal(plans); err == nil {
			_ = d.cache.Set(ctx, key, bytes, d.ttl)
		}
	}
	return plans, nil
}

func (d *planRepoCacheDecorator) Save(ctx context.Context, tx repository.Tx, plan *model.Plan) error {
	d.invalidate(ctx, plan.ID)
	return d.inner.Save(ctx, tx, plan)
}

func (d *planRepoCacheDecorator) Update(ctx context.Context, tx repository.Tx, plan *model.Plan) error {
	d.invalidate(ctx, plan.ID)
	return d.inner.Update(ctx, tx, plan)
}

func (d *planRepoCacheDecorator) invalidate(ctx context.Context, id string) {
	_ = d.cache.Del(ctx, planKey(id), planListKey(true), planListKey(false))
}
