package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"spiko-billing/internal/domain/model"
	"spiko-billing/internal/domain/ports/repository"
	"spiko-billing/internal/infra/metrics"
	red "spiko-billing/internal/infra/redis"
)

var _ repository.PlanRepository = (*planRepoCacheDecorator)(nil)

const plansAllKey = "plans:all"

type planRepoCacheDecorator struct {
	inner repository.PlanRepository
	cache red.RedisClient
	ttl   time.Duration
	log   *zerolog.Logger
}

func NewPlanRepoCacheDecorator(inner repository.PlanRepository, cache red.RedisClient, logger *zerolog.Logger) repository.PlanRepository {
	l := logger.With().Str("component", "plan_cache").Logger()
	return &planRepoCacheDecorator{
		inner: inner,
		cache: cache,
		ttl:   1 * time.Hour,
		log:   &l,
	}
}

func planKey(id string) string { return fmt.Sprintf("plan:%s", id) }

func planRefKey(provider, ref string) string { return fmt.Sprintf("plan_ref:%s:%s", provider, ref) }

// cached reads key into dst; any miss or decode failure falls through to load.
func (d *planRepoCacheDecorator) cached(ctx context.Context, name, key string, dst interface{}) bool {
	val, err := d.cache.Get(ctx, key)
	if err == nil && json.Unmarshal([]byte(val), dst) == nil {
		metrics.IncCacheRequest(name, "hit")
		return true
	}
	if err != nil && !errors.Is(err, red.Nil) {
		d.log.Warn().Err(err).Str("key", key).Msg("cache read failed")
	}
	metrics.IncCacheRequest(name, "miss")
	return false
}

func (d *planRepoCacheDecorator) store(ctx context.Context, key string, v interface{}) {
	b, err := json.Marshal(v)
	if err != nil {
		return
	}
	if err := d.cache.Set(ctx, key, b, d.ttl); err != nil {
		d.log.Warn().Err(err).Str("key", key).Msg("cache write failed")
	}
}

func (d *planRepoCacheDecorator) FindByID(ctx context.Context, tx repository.Tx, id string) (*model.Plan, error) {
	key := planKey(id)
	var plan model.Plan
	if d.cached(ctx, "plan", key, &plan) {
		return &plan, nil
	}
	p, err := d.inner.FindByID(ctx, tx, id)
	if err != nil {
		return nil, err
	}
	d.store(ctx, key, p)
	return p, nil
}

func (d *planRepoCacheDecorator) FindByProviderRef(ctx context.Context, tx repository.Tx, provider, ref string) (*model.Plan, error) {
	key := planRefKey(provider, ref)
	var plan model.Plan
	if d.cached(ctx, "plan_ref", key, &plan) {
		return &plan, nil
	}
	p, err := d.inner.FindByProviderRef(ctx, tx, provider, ref)
	if err != nil {
		return nil, err
	}
	d.store(ctx, key, p)
	return p, nil
}

// For write operations, we must invalidate the cache.
func (d *planRepoCacheDecorator) Save(ctx context.Context, tx repository.Tx, plan *model.Plan) error {
	keys := []string{planKey(plan.ID), plansAllKey}
	for provider, ref := range plan.ProviderRefs {
		keys = append(keys, planRefKey(provider, ref))
	}
	// an edited plan may have dropped a provider ref; clear what the old row mapped too
	if old, err := d.inner.FindByID(ctx, tx, plan.ID); err == nil {
		for provider, ref := range old.ProviderRefs {
			keys = append(keys, planRefKey(provider, ref))
		}
	}
	if err := d.inner.Save(ctx, tx, plan); err != nil {
		return err
	}
	if err := d.cache.Del(ctx, keys...); err != nil {
		d.log.Warn().Err(err).Msg("cache invalidation failed")
	}
	return nil
}

// Also cache the full list of plans
func (d *planRepoCacheDecorator) ListAll(ctx context.Context, tx repository.Tx) ([]*model.Plan, error) {
	var plans []*model.Plan
	if d.cached(ctx, "plan_list", plansAllKey, &plans) {
		return plans, nil
	}
	plans, err := d.inner.ListAll(ctx, tx)
	if err != nil {
		return nil, err
	}
	if len(plans) > 0 {
		d.store(ctx, plansAllKey, plans)
	}
	return plans, nil
}
