package usecase

import (
	"context"
	"time"

	"spiko-billing/internal/domain/model"
	"spiko-billing/internal/domain/ports/repository"

	"github.com/rs/zerolog"
)

// Revenue is completed payment volume in minor units per provider.
type Revenue struct {
	Week  map[string]int64 `json:"week"`
	Month map[string]int64 `json:"month"`
	Year  map[string]int64 `json:"year"`
}

type Stats struct {
	Revenue         Revenue                       `json:"revenue"`
	Transactions    map[model.State]int           `json:"transactions"`
	UsersByTier     map[string]int                `json:"users_by_tier"`
	Reconciliations map[model.ReconcileStatus]int `json:"reconciliations"`
}

type StatsUseCase struct {
	users repository.UserRepository
	txs   repository.TransactionRepository
	jobs  repository.ReconciliationRepository

	log *zerolog.Logger
	now func() time.Time
}

func NewStatsUseCase(users repository.UserRepository, txs repository.TransactionRepository, jobs repository.ReconciliationRepository, logger *zerolog.Logger) *StatsUseCase {
	return &StatsUseCase{users: users, txs: txs, jobs: jobs, log: logger, now: time.Now}
}

func (s *StatsUseCase) Revenue(ctx context.Context) (Revenue, error) {
	now := s.now()
	w, err := s.txs.SumCompletedByProvider(ctx, repository.NoTX, now.AddDate(0, 0, -7))
	if err != nil {
		return Revenue{}, err
	}
	m, err := s.txs.SumCompletedByProvider(ctx, repository.NoTX, now.AddDate(0, -1, 0))
	if err != nil {
		return Revenue{}, err
	}
	y, err := s.txs.SumCompletedByProvider(ctx, repository.NoTX, now.AddDate(-1, 0, 0))
	if err != nil {
		return Revenue{}, err
	}
	return Revenue{Week: w, Month: m, Year: y}, nil
}

func (s *StatsUseCase) Snapshot(ctx context.Context) (*Stats, error) {
	rev, err := s.Revenue(ctx)
	if err != nil {
		return nil, err
	}
	states, err := s.txs.CountByState(ctx, repository.NoTX)
	if err != nil {
		return nil, err
	}
	tiers, err := s.users.CountByTier(ctx, repository.NoTX)
	if err != nil {
		return nil, err
	}
	jobs, err := s.jobs.CountByStatus(ctx, repository.NoTX)
	if err != nil {
		return nil, err
	}
	return &Stats{Revenue: rev, Transactions: states, UsersByTier: tiers, Reconciliations: jobs}, nil
}
