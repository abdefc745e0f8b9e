package usecase

import (
	"context"
	"errors"

	"github.com/rs/zerolog"

	"spiko-billing/internal/domain"
	"spiko-billing/internal/domain/model"
	"spiko-billing/internal/domain/ports/repository"
)

// PlanUseCase manages subscription plans.
type PlanUseCase struct {
	repo repository.PlanRepository
	log  *zerolog.Logger
}

// NewPlanUseCase constructs a PlanUseCase.
func NewPlanUseCase(repo repository.PlanRepository, logger *zerolog.Logger) *PlanUseCase {
	return &PlanUseCase{repo: repo, log: logger}
}

// Sync upserts the given catalog. Plans missing from the catalog are kept, since
// old transactions still reference them.
func (uc *PlanUseCase) Sync(ctx context.Context, plans []*model.Plan) error {
	for _, p := range plans {
		if p.IsZero() {
			return domain.ErrInvalidArgument
		}
		if err := uc.repo.Save(ctx, nil, p); err != nil {
			return err
		}
		uc.log.Info().Str("plan_id", p.ID).Str("tier", p.Tier).Int("days", p.DurationDays).Msg("plan synced")
	}
	return nil
}

// Get retrieves a plan by ID.
func (uc *PlanUseCase) Get(ctx context.Context, id string) (*model.Plan, error) {
	p, err := uc.repo.FindByID(ctx, nil, id)
	if errors.Is(err, domain.ErrNotFound) {
		return nil, domain.ErrPlanNotFound
	}
	return p, err
}

// ByProviderRef resolves the plan a provider knows by its own id (Click service_id).
func (uc *PlanUseCase) ByProviderRef(ctx context.Context, provider, ref string) (*model.Plan, error) {
	p, err := uc.repo.FindByProviderRef(ctx, nil, provider, ref)
	if errors.Is(err, domain.ErrNotFound) {
		return nil, domain.ErrPlanNotFound
	}
	return p, err
}

// List returns all plans.
func (uc *PlanUseCase) List(ctx context.Context) ([]*model.Plan, error) {
	return uc.repo.ListAll(ctx, nil)
}
