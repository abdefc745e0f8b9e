//go:build !integration

package usecase_test

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/jackc/pgx/v4"

	"spiko-billing/internal/domain"
	"spiko-billing/internal/domain/model"
	"spiko-billing/internal/domain/ports/adapter"
	"spiko-billing/internal/domain/ports/repository"
	"spiko-billing/internal/usecase"
)

type paymentDeps struct {
	*ledgerDeps
	payme   *MockReceiptProvider
	limiter *MockRateLimiter
}

func newPaymentUC(rateLimit int) (*usecase.PaymentUseCase, *paymentDeps) {
	d := &paymentDeps{
		ledgerDeps: newLedgerDeps(),
		payme:      NewMockReceiptProvider(model.ProviderPayme),
		limiter:    &MockRateLimiter{},
	}
	uc := usecase.NewPaymentUseCase(d.ledger(), d.reconciler(), d.plans, d.users, d.limiter, rateLimit, newTestLogger())
	uc.RegisterReceiptProvider(d.payme)
	uc.RegisterCheckoutLinker(&MockLinker{name: model.ProviderClick})
	return uc, d
}

func TestPaymentUseCase_CreatePayment(t *testing.T) {
	ctx := context.Background()

	t.Run("click returns a checkout link keyed by the external id", func(t *testing.T) {
		uc, deps := newPaymentUC(0)

		init, err := uc.CreatePayment(ctx, "user-9", model.ProviderClick, "silver_monthly")

		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if init.ExternalID == "" || !strings.Contains(init.PaymentURL, init.ExternalID) {
			t.Errorf("expected checkout url with external id, got %+v", init)
		}
		if !strings.Contains(init.PaymentURL, "service_id=80012") {
			t.Errorf("expected plan provider ref in url, got %s", init.PaymentURL)
		}
		if init.Amount != 1500000 || init.Currency != "UZS" {
			t.Errorf("unexpected amount %d %s", init.Amount, init.Currency)
		}
		tr, err := deps.txs.FindByID(ctx, nil, init.InternalTransactionID)
		if err != nil || tr.State != model.StateCreated || tr.UserID != "user-9" {
			t.Errorf("expected CREATED transaction for user-9, got %+v (%v)", tr, err)
		}
	})

	t.Run("payme creates a receipt and keys the transaction by it", func(t *testing.T) {
		uc, deps := newPaymentUC(0)

		init, err := uc.CreatePayment(ctx, "user-1", model.ProviderPayme, "gold_one_time")

		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if init.ExternalID != "rcpt-1" || init.PaymentURL != "https://checkout.test/rcpt-1" {
			t.Errorf("unexpected initiation %+v", init)
		}
		tr, _ := deps.txs.FindByExternalID(ctx, nil, model.ProviderPayme, "rcpt-1")
		if tr == nil || tr.ProviderRef != "rcpt-1" || tr.Amount != 5000000 {
			t.Errorf("unexpected stored transaction %+v", tr)
		}
	})

	t.Run("rate limit", func(t *testing.T) {
		uc, _ := newPaymentUC(2)
		for i := 0; i < 2; i++ {
			if _, err := uc.CreatePayment(ctx, "user-1", model.ProviderClick, "silver_monthly"); err != nil {
				t.Fatalf("call %d: %v", i, err)
			}
		}
		_, err := uc.CreatePayment(ctx, "user-1", model.ProviderClick, "silver_monthly")
		if !errors.Is(err, domain.ErrRateLimited) {
			t.Fatalf("expected ErrRateLimited, got %v", err)
		}
	})

	t.Run("unknown provider", func(t *testing.T) {
		uc, _ := newPaymentUC(0)
		_, err := uc.CreatePayment(ctx, "user-1", "stripe", "silver_monthly")
		if !errors.Is(err, domain.ErrUnknownProvider) {
			t.Fatalf("expected ErrUnknownProvider, got %v", err)
		}
	})

	t.Run("plan not sold via provider", func(t *testing.T) {
		uc, _ := newPaymentUC(0)
		_, err := uc.CreatePayment(ctx, "user-1", model.ProviderClick, "gold_one_time")
		if !errors.Is(err, domain.ErrPlanNotFound) {
			t.Fatalf("expected ErrPlanNotFound, got %v", err)
		}
	})

	t.Run("receipt is voided when the ledger refuses", func(t *testing.T) {
		uc, deps := newPaymentUC(0)
		deps.tm.WithTxFunc = func(ctx context.Context, _ pgx.TxOptions, fn func(ctx context.Context, tx repository.Tx) error) error {
			return errors.New("pool exhausted")
		}

		_, err := uc.CreatePayment(ctx, "user-1", model.ProviderPayme, "silver_monthly")

		if domain.Kind(err) != domain.KindPersistenceFailure {
			t.Fatalf("expected persistence failure, got %v", err)
		}
		if len(deps.payme.Cancelled) != 1 || deps.payme.Cancelled[0] != "rcpt-1" {
			t.Errorf("expected orphan receipt cancelled, got %v", deps.payme.Cancelled)
		}
	})
}

func TestPaymentUseCase_VerifyPurchase(t *testing.T) {
	ctx := context.Background()

	t.Run("paid receipt completes and extends the subscription", func(t *testing.T) {
		// --- Arrange ---
		uc, deps := newPaymentUC(0)
		init, err := uc.CreatePayment(ctx, "user-1", model.ProviderPayme, "silver_monthly")
		if err != nil {
			t.Fatalf("create: %v", err)
		}
		deps.payme.set(init.ExternalID, adapter.ReceiptPaid)

		// --- Act ---
		v, err := uc.VerifyPurchase(ctx, "user-1", model.ProviderPayme, init.ExternalID, "silver_monthly")

		// --- Assert ---
		if err != nil {
			t.Fatalf("verify: %v", err)
		}
		if v.Status != usecase.VerifySuccess || v.Transaction.State != model.StateCompleted {
			t.Errorf("expected success, got %s / %s", v.Status, v.Transaction.State)
		}
		if v.Transaction.PrepareID != init.ExternalID {
			t.Errorf("expected receipt id as prepare id, got %q", v.Transaction.PrepareID)
		}
		if v.Subscription.Tier != "silver" || v.Subscription.ExpiresAt == nil {
			t.Errorf("expected silver subscription, got %+v", v.Subscription)
		}

		// verifying again by internal id is a no-op
		again, err := uc.VerifyPurchase(ctx, "user-1", model.ProviderPayme, init.InternalTransactionID, "")
		if err != nil {
			t.Fatalf("second verify: %v", err)
		}
		if !again.Subscription.ExpiresAt.Equal(*v.Subscription.ExpiresAt) {
			t.Errorf("expected unchanged expiry on re-verify")
		}
	})

	t.Run("pending receipt", func(t *testing.T) {
		uc, _ := newPaymentUC(0)
		init, _ := uc.CreatePayment(ctx, "user-1", model.ProviderPayme, "silver_monthly")

		v, err := uc.VerifyPurchase(ctx, "user-1", model.ProviderPayme, init.ExternalID, "")

		if err != nil {
			t.Fatalf("verify: %v", err)
		}
		if v.Status != usecase.VerifyPending || v.Subscription.Tier != model.TierFree {
			t.Errorf("expected pending with free tier, got %+v", v)
		}
	})

	t.Run("cancelled receipt fails the transaction", func(t *testing.T) {
		uc, deps := newPaymentUC(0)
		init, _ := uc.CreatePayment(ctx, "user-1", model.ProviderPayme, "silver_monthly")
		deps.payme.set(init.ExternalID, adapter.ReceiptCancelled)

		v, err := uc.VerifyPurchase(ctx, "user-1", model.ProviderPayme, init.ExternalID, "")

		if err != nil {
			t.Fatalf("verify: %v", err)
		}
		if v.Status != usecase.VerifyFailed || v.Transaction.State != model.StateCancelled {
			t.Errorf("expected failed/CANCELLED, got %s / %s", v.Status, v.Transaction.State)
		}
	})

	t.Run("token of another user", func(t *testing.T) {
		uc, _ := newPaymentUC(0)
		init, _ := uc.CreatePayment(ctx, "user-1", model.ProviderPayme, "silver_monthly")

		_, err := uc.VerifyPurchase(ctx, "intruder", model.ProviderPayme, init.ExternalID, "")

		if !errors.Is(err, domain.ErrTransactionNotFound) {
			t.Fatalf("expected ErrTransactionNotFound, got %v", err)
		}
	})

	t.Run("provider outage surfaces as error", func(t *testing.T) {
		uc, deps := newPaymentUC(0)
		init, _ := uc.CreatePayment(ctx, "user-1", model.ProviderPayme, "silver_monthly")
		deps.payme.CheckFunc = func(ctx context.Context, id string) (adapter.ReceiptStatus, error) {
			return adapter.ReceiptPending, domain.ErrProviderUnavailable
		}

		_, err := uc.VerifyPurchase(ctx, "user-1", model.ProviderPayme, init.ExternalID, "")

		if domain.Kind(err) != domain.KindProviderUnavailable {
			t.Fatalf("expected provider unavailable, got %v", err)
		}
	})
}

func TestPaymentUseCase_Cancel(t *testing.T) {
	ctx := context.Background()
	uc, deps := newPaymentUC(0)
	init, _ := uc.CreatePayment(ctx, "user-1", model.ProviderPayme, "silver_monthly")

	if _, err := uc.Cancel(ctx, "intruder", init.InternalTransactionID); !errors.Is(err, domain.ErrTransactionNotFound) {
		t.Fatalf("expected ownership check, got %v", err)
	}
	tr, err := uc.Cancel(ctx, "user-1", init.InternalTransactionID)
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if tr.State != model.StateCancelled {
		t.Errorf("expected CANCELLED, got %s", tr.State)
	}
	if len(deps.payme.Cancelled) != 1 {
		t.Errorf("expected receipt voided at provider, got %v", deps.payme.Cancelled)
	}
	if _, err := uc.Cancel(ctx, "user-1", init.InternalTransactionID); err != nil {
		t.Errorf("expected repeated cancel to be a no-op, got %v", err)
	}
}

func TestPaymentUseCase_PollPending(t *testing.T) {
	ctx := context.Background()
	uc, deps := newPaymentUC(0)
	paid, _ := uc.CreatePayment(ctx, "user-1", model.ProviderPayme, "silver_monthly")
	_, _ = uc.CreatePayment(ctx, "user-1", model.ProviderPayme, "silver_monthly")
	_, _ = uc.CreatePayment(ctx, "user-1", model.ProviderClick, "silver_monthly")
	deps.payme.set(paid.ExternalID, adapter.ReceiptPaid)

	n, err := uc.PollPending(ctx, 0, 10)

	if err != nil {
		t.Fatalf("poll: %v", err)
	}
	if n != 1 {
		t.Errorf("expected one settled transaction, got %d", n)
	}
	tr, _ := deps.txs.FindByID(ctx, nil, paid.InternalTransactionID)
	if tr.State != model.StateCompleted {
		t.Errorf("expected COMPLETED, got %s", tr.State)
	}
	if sub := deps.users.get("user-1").Subscription; sub.Tier != "silver" {
		t.Errorf("expected reconciled subscription, got %+v", sub)
	}
}
