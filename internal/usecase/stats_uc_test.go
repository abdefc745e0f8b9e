//go:build !integration

package usecase_test

import (
	"context"
	"testing"

	"spiko-billing/internal/domain/model"
	"spiko-billing/internal/usecase"
)

func TestStatsUseCase_Snapshot(t *testing.T) {
	ctx := context.Background()

	// --- Arrange ---
	deps := newLedgerDeps()
	tr := completeT(t, deps, "S1")
	if err := deps.reconciler().Reconcile(ctx, tr.InternalID); err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	createT(t, deps.ledger(), "S2", 1500000)
	uc := usecase.NewStatsUseCase(deps.users, deps.txs, deps.jobs, newTestLogger())

	// --- Act ---
	s, err := uc.Snapshot(ctx)

	// --- Assert ---
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if s.Revenue.Week[model.ProviderClick] != 1500000 || s.Revenue.Year[model.ProviderClick] != 1500000 {
		t.Errorf("unexpected revenue %+v", s.Revenue)
	}
	if s.Transactions[model.StateCompleted] != 1 || s.Transactions[model.StateCreated] != 1 {
		t.Errorf("unexpected transaction counts %v", s.Transactions)
	}
	if s.UsersByTier["silver"] != 1 {
		t.Errorf("unexpected tier counts %v", s.UsersByTier)
	}
	if s.Reconciliations[model.ReconcileDone] != 1 {
		t.Errorf("unexpected job counts %v", s.Reconciliations)
	}
}

func TestPlanUseCase(t *testing.T) {
	ctx := context.Background()
	repo := NewMockPlanRepo()
	uc := usecase.NewPlanUseCase(repo, newTestLogger())

	if err := uc.Sync(ctx, []*model.Plan{silverPlan(), goldOneTime()}); err != nil {
		t.Fatalf("sync: %v", err)
	}
	p, err := uc.ByProviderRef(ctx, model.ProviderClick, "80012")
	if err != nil || p.ID != "silver_monthly" {
		t.Fatalf("expected silver_monthly by service id, got %v (%v)", p, err)
	}
	if _, err := uc.Get(ctx, "missing"); err == nil {
		t.Error("expected error for missing plan")
	}
	all, _ := uc.List(ctx)
	if len(all) != 2 {
		t.Errorf("expected 2 plans, got %d", len(all))
	}
}
