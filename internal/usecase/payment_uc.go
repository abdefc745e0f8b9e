// File: internal/usecase/payment_uc.go
package usecase

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/rs/zerolog"

	"spiko-billing/internal/domain"
	"spiko-billing/internal/domain/model"
	"spiko-billing/internal/domain/ports/adapter"
	"spiko-billing/internal/domain/ports/repository"
	"spiko-billing/internal/infra/logging"
)

// RateLimiter is satisfied by the Redis window counter.
type RateLimiter interface {
	Allow(ctx context.Context, key string, limit int, window time.Duration) (bool, error)
}

// Initiation is what the client needs to send the user to the provider.
type Initiation struct {
	InternalTransactionID string
	Provider              string
	ExternalID            string
	PaymentURL            string
	ProviderHandle        string
	Amount                int64
	Currency              string
}

type VerifyStatus string

const (
	VerifySuccess VerifyStatus = "success"
	VerifyPending VerifyStatus = "pending"
	VerifyFailed  VerifyStatus = "failed"
)

// Verification is the simplified view the client receives.
type Verification struct {
	Status       VerifyStatus
	Transaction  *model.Transaction
	Subscription model.Subscription
}

// PaymentUseCase is the server-initiated side: it opens transactions and checks
// redirect/poll providers for their outcome.
type PaymentUseCase struct {
	ledger     *LedgerUseCase
	reconciler *ReconcileUseCase
	plans      repository.PlanRepository
	users      repository.UserRepository
	limiter    RateLimiter
	rateLimit  int
	currency   string
	log        *zerolog.Logger

	receipts map[string]adapter.ReceiptProvider
	linkers  map[string]adapter.CheckoutLinker
}

func NewPaymentUseCase(
	ledger *LedgerUseCase,
	reconciler *ReconcileUseCase,
	plans repository.PlanRepository,
	users repository.UserRepository,
	limiter RateLimiter,
	rateLimit int,
	logger *zerolog.Logger,
) *PaymentUseCase {
	l := logger.With().Str("component", "payments").Logger()
	return &PaymentUseCase{
		ledger:     ledger,
		reconciler: reconciler,
		plans:      plans,
		users:      users,
		limiter:    limiter,
		rateLimit:  rateLimit,
		currency:   "UZS",
		log:        &l,
		receipts:   map[string]adapter.ReceiptProvider{},
		linkers:    map[string]adapter.CheckoutLinker{},
	}
}

func (uc *PaymentUseCase) RegisterReceiptProvider(p adapter.ReceiptProvider) {
	uc.receipts[p.Name()] = p
}

func (uc *PaymentUseCase) RegisterCheckoutLinker(l adapter.CheckoutLinker) {
	uc.linkers[l.Name()] = l
}

// Providers lists the provider names payments can be created with.
func (uc *PaymentUseCase) Providers() []string {
	out := make([]string, 0, len(uc.receipts)+len(uc.linkers))
	for k := range uc.receipts {
		out = append(out, k)
	}
	for k := range uc.linkers {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func CreatePaymentRateKey(userID string) string {
	return fmt.Sprintf("rate_limit:%s:create_payment", userID)
}

// CreatePayment opens a CREATED transaction for userID and returns where to pay.
func (uc *PaymentUseCase) CreatePayment(ctx context.Context, userID, provider, planID string) (*Initiation, error) {
	defer logging.TraceDuration(uc.log, "PaymentUC.CreatePayment")()
	if userID == "" || provider == "" || planID == "" {
		return nil, domain.ErrInvalidArgument
	}
	linker, isPush := uc.linkers[provider]
	receipts, isReceipt := uc.receipts[provider]
	if !isPush && !isReceipt {
		return nil, domain.ErrUnknownProvider
	}
	if uc.limiter != nil && uc.rateLimit > 0 {
		ok, err := uc.limiter.Allow(ctx, CreatePaymentRateKey(userID), uc.rateLimit, time.Minute)
		if err != nil {
			uc.log.Warn().Err(err).Msg("rate limiter unavailable; allowing request")
		} else if !ok {
			return nil, domain.ErrRateLimited
		}
	}

	plan, err := uc.plans.FindByID(ctx, nil, planID)
	if errors.Is(err, domain.ErrNotFound) {
		return nil, domain.ErrPlanNotFound
	}
	if err != nil {
		return nil, persist(err)
	}
	price, ok := plan.PriceFor(provider)
	if !ok {
		return nil, fmt.Errorf("%w: plan %s is not sold via %s", domain.ErrPlanNotFound, planID, provider)
	}
	if err := uc.users.Ensure(ctx, nil, userID); err != nil {
		return nil, persist(err)
	}

	init := &Initiation{Provider: provider, Amount: price, Currency: uc.currency}
	create := model.CreateEvent{UserID: userID, PlanID: planID, Amount: price, Currency: uc.currency}

	if isPush {
		externalID := newID()
		url, err := linker.CheckoutURL(externalID, price, plan.ProviderRefs[provider])
		if err != nil {
			return nil, err
		}
		out, err := uc.ledger.Apply(ctx, provider, externalID, create, nil)
		if err != nil {
			return nil, err
		}
		init.InternalTransactionID = out.Transaction.InternalID
		init.ExternalID = externalID
		init.PaymentURL = url
		init.ProviderHandle = externalID
		return init, nil
	}

	receipt, err := receipts.CreateReceipt(ctx, adapter.ReceiptOrder{
		UserID:      userID,
		PlanID:      planID,
		Amount:      price,
		Description: fmt.Sprintf("%s subscription (%d days)", plan.Tier, plan.DurationDays),
	})
	if err != nil {
		return nil, err
	}
	create.ProviderRef = receipt.ID
	out, err := uc.ledger.Apply(ctx, provider, receipt.ID, create, nil)
	if err != nil {
		if cerr := receipts.CancelReceipt(ctx, receipt.ID); cerr != nil {
			uc.log.Error().Err(cerr).Str("receipt_id", receipt.ID).Msg("orphaned receipt could not be cancelled")
		}
		return nil, err
	}
	init.InternalTransactionID = out.Transaction.InternalID
	init.ExternalID = receipt.ID
	init.PaymentURL = receipt.CheckoutURL
	init.ProviderHandle = receipt.ID
	return init, nil
}

// VerifyPurchase resolves token (receipt id, external id or internal id) to the
// caller's transaction, polls the provider if it is still open, and summarizes.
func (uc *PaymentUseCase) VerifyPurchase(ctx context.Context, userID, provider, token, planID string) (*Verification, error) {
	defer logging.TraceDuration(uc.log, "PaymentUC.VerifyPurchase")()
	if userID == "" || provider == "" || token == "" {
		return nil, domain.ErrInvalidArgument
	}
	t, err := uc.ledger.GetByExternalID(ctx, provider, token)
	if errors.Is(err, domain.ErrTransactionNotFound) {
		t, err = uc.ledger.Get(ctx, token)
	}
	if err != nil {
		return nil, err
	}
	if t.UserID != userID || t.Provider != provider {
		return nil, domain.ErrTransactionNotFound
	}
	if planID != "" && planID != t.PlanID {
		return nil, fmt.Errorf("%w: plan does not match transaction", domain.ErrInvalidArgument)
	}

	if !t.State.Terminal() {
		if rp, ok := uc.receipts[provider]; ok {
			status, err := rp.CheckReceipt(ctx, t.ExternalID)
			if err != nil {
				return nil, err
			}
			if t, err = uc.settle(ctx, t, status); err != nil {
				return nil, err
			}
		}
	}

	v := &Verification{Transaction: t}
	switch t.State {
	case model.StateCompleted:
		v.Status = VerifySuccess
		if err := uc.reconciler.Reconcile(ctx, t.InternalID); err != nil {
			uc.log.Warn().Err(err).Str("transaction_id", t.InternalID).Msg("reconcile deferred to retry worker")
		}
	case model.StateCancelled, model.StateFailed:
		v.Status = VerifyFailed
	default:
		v.Status = VerifyPending
	}
	u, err := uc.users.FindByID(ctx, nil, userID)
	if err != nil && !errors.Is(err, domain.ErrNotFound) {
		return nil, persist(err)
	}
	if u != nil {
		v.Subscription = u.Subscription
	} else {
		v.Subscription = model.Subscription{Tier: model.TierFree}
	}
	return v, nil
}

// settle drives an open receipt transaction to the state the provider reported.
// A paid receipt is a prepare and a complete under the receipt id.
func (uc *PaymentUseCase) settle(ctx context.Context, t *model.Transaction, status adapter.ReceiptStatus) (*model.Transaction, error) {
	src := model.Source{ProviderRef: t.ExternalID}
	switch status {
	case adapter.ReceiptPaid:
		if t.State == model.StateCreated {
			out, err := uc.ledger.Apply(ctx, t.Provider, t.ExternalID, model.PrepareEvent{Source: src, Amount: t.Amount, PrepareID: t.ExternalID}, nil)
			if err != nil {
				return nil, err
			}
			t = out.Transaction
		}
		out, err := uc.ledger.Apply(ctx, t.Provider, t.ExternalID, model.CompleteEvent{Source: src, Amount: t.Amount, PrepareID: t.PrepareID}, nil)
		if err != nil {
			return nil, err
		}
		return out.Transaction, nil
	case adapter.ReceiptCancelled:
		out, err := uc.ledger.Apply(ctx, t.Provider, t.ExternalID, model.CancelEvent{Source: src, Reason: "cancelled at provider"}, nil)
		if err != nil && !errors.Is(err, domain.ErrAlreadyProcessed) {
			return nil, err
		}
		if out.Transaction != nil {
			return out.Transaction, nil
		}
	}
	return t, nil
}

// Cancel closes the caller's open transaction. Receipts are voided at the
// provider first so a late payment cannot land on a cancelled transaction.
func (uc *PaymentUseCase) Cancel(ctx context.Context, userID, internalID string) (*model.Transaction, error) {
	t, err := uc.ledger.Get(ctx, internalID)
	if err != nil {
		return nil, err
	}
	if t.UserID != userID {
		return nil, domain.ErrTransactionNotFound
	}
	if t.State == model.StateCancelled {
		return t, nil
	}
	if t.State.Terminal() {
		return t, domain.ErrAlreadyProcessed
	}
	if rp, ok := uc.receipts[t.Provider]; ok {
		if err := rp.CancelReceipt(ctx, t.ExternalID); err != nil {
			return nil, err
		}
	}
	out, err := uc.ledger.Apply(ctx, t.Provider, t.ExternalID, model.CancelEvent{Reason: "cancelled by user"}, nil)
	if err != nil {
		return out.Transaction, err
	}
	return out.Transaction, nil
}

// PollPending checks open receipt transactions untouched for olderThan and
// applies whatever terminal outcome the provider reports. It returns how many
// transactions reached a terminal state.
func (uc *PaymentUseCase) PollPending(ctx context.Context, olderThan time.Duration, limit int) (int, error) {
	if len(uc.receipts) == 0 {
		return 0, nil
	}
	providers := make([]string, 0, len(uc.receipts))
	for name := range uc.receipts {
		providers = append(providers, name)
	}
	open, err := uc.ledger.ListOpen(ctx, providers, time.Now().Add(-olderThan), limit)
	if err != nil {
		return 0, persist(err)
	}
	settled := 0
	for _, t := range open {
		if ctx.Err() != nil {
			return settled, ctx.Err()
		}
		log := uc.log.With().Str("transaction_id", t.InternalID).Str("provider", t.Provider).Logger()
		status, err := uc.receipts[t.Provider].CheckReceipt(ctx, t.ExternalID)
		if err != nil {
			log.Warn().Err(err).Msg("receipt check failed")
			continue
		}
		if status == adapter.ReceiptPending {
			continue
		}
		nt, err := uc.settle(ctx, t, status)
		if err != nil {
			log.Error().Err(err).Str("receipt_status", status.String()).Msg("could not settle receipt")
			continue
		}
		if nt.State == model.StateCompleted {
			if err := uc.reconciler.Reconcile(ctx, nt.InternalID); err != nil {
				log.Warn().Err(err).Msg("reconcile deferred to retry worker")
			}
		}
		if nt.State.Terminal() {
			settled++
		}
	}
	return settled, nil
}
