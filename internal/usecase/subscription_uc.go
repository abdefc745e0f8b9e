// File: internal/usecase/subscription_uc.go
package usecase

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v4"
	"github.com/rs/zerolog"

	"spiko-billing/internal/domain"
	"spiko-billing/internal/domain/model"
	"spiko-billing/internal/domain/ports/repository"
	"spiko-billing/internal/infra/metrics"
)

// SubscriptionUseCase reads entitlements and runs the scheduled expiry check.
// Extensions are written only by ReconcileUseCase.
type SubscriptionUseCase struct {
	users repository.UserRepository
	tm    repository.TransactionManager
	log   *zerolog.Logger
	now   func() time.Time
}

func NewSubscriptionUseCase(users repository.UserRepository, tm repository.TransactionManager, logger *zerolog.Logger) *SubscriptionUseCase {
	l := logger.With().Str("component", "subscriptions").Logger()
	return &SubscriptionUseCase{users: users, tm: tm, log: &l, now: time.Now}
}

// Get returns the user's current entitlement. A lapsed paid tier is reported as
// free even before the expiry job has reverted the row.
func (uc *SubscriptionUseCase) Get(ctx context.Context, userID string) (model.Subscription, error) {
	u, err := uc.users.FindByID(ctx, nil, userID)
	if errors.Is(err, domain.ErrNotFound) {
		return model.Subscription{Tier: model.TierFree}, nil
	}
	if err != nil {
		return model.Subscription{}, err
	}
	u.ExpireIfDue(uc.now())
	return u.Subscription, nil
}

// ExpireDue reverts lapsed paid subscriptions to the free tier and clears their
// recurring provider id. Each user row is re-checked under lock so a
// reconciliation that lands concurrently wins.
func (uc *SubscriptionUseCase) ExpireDue(ctx context.Context, limit int) (int, error) {
	now := uc.now()
	candidates, err := uc.users.ListExpired(ctx, nil, now, limit)
	if err != nil {
		return 0, err
	}
	expired := 0
	for _, c := range candidates {
		var changed bool
		err := uc.tm.WithTx(ctx, pgx.TxOptions{}, func(ctx context.Context, tx repository.Tx) error {
			u, err := uc.users.FindByID(ctx, tx, c.ID)
			if err != nil {
				return err
			}
			if changed = u.ExpireIfDue(now); !changed {
				return nil
			}
			return uc.users.UpdateSubscription(ctx, tx, u)
		})
		if err != nil {
			uc.log.Error().Err(err).Str("user_id", c.ID).Msg("failed to expire subscription")
			continue
		}
		if changed {
			expired++
		}
	}
	if expired > 0 {
		metrics.IncSubscriptionsExpired(expired)
		uc.log.Info().Int("count", expired).Msg("expired subscriptions reverted to free")
	}
	if counts, err := uc.users.CountByTier(ctx, nil); err == nil {
		metrics.SetSubscriptionsTotal(counts)
	}
	return expired, nil
}
