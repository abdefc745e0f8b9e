// File: internal/usecase/ledger_uc.go
package usecase

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v4"
	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog"

	"spiko-billing/internal/domain"
	"spiko-billing/internal/domain/model"
	"spiko-billing/internal/domain/ports/adapter"
	"spiko-billing/internal/domain/ports/repository"
	"spiko-billing/internal/infra/logging"
	"spiko-billing/internal/infra/metrics"
)

// Renderer turns an accepted transition into the provider's wire response. The
// bytes are stored with the transition so replays answer identically.
type Renderer func(t *model.Transaction) ([]byte, error)

// CompletionHook runs after a COMPLETED transition has been committed.
type CompletionHook func(ctx context.Context, transactionID string)

// LedgerUseCase owns the transaction state machine. It is the only writer of
// transaction state.
type LedgerUseCase struct {
	txs      repository.TransactionRepository
	plans    repository.PlanRepository
	users    repository.UserRepository
	jobs     repository.ReconciliationRepository
	tm       repository.TransactionManager
	notifier adapter.Notifier
	log      *zerolog.Logger

	now        func() time.Time
	onComplete CompletionHook
}

func NewLedgerUseCase(
	txs repository.TransactionRepository,
	plans repository.PlanRepository,
	users repository.UserRepository,
	jobs repository.ReconciliationRepository,
	tm repository.TransactionManager,
	notifier adapter.Notifier,
	logger *zerolog.Logger,
) *LedgerUseCase {
	l := logger.With().Str("component", "ledger").Logger()
	return &LedgerUseCase{
		txs:      txs,
		plans:    plans,
		users:    users,
		jobs:     jobs,
		tm:       tm,
		notifier: notifier,
		log:      &l,
		now:      time.Now,
	}
}

// OnComplete registers the hook that kicks off reconciliation eagerly. The
// durable job row is written regardless, so a missing hook only delays it.
func (uc *LedgerUseCase) OnComplete(h CompletionHook) { uc.onComplete = h }

func newID() string { return ulid.Make().String() }

func persist(err error) error {
	if err == nil || errors.Is(err, domain.ErrPersistenceFailure) {
		return err
	}
	return fmt.Errorf("%w: %v", domain.ErrPersistenceFailure, err)
}

// applied is the result of one event inside the database transaction.
type applied struct {
	out      model.Outcome
	from     model.State
	moved    bool
	rejected error
}

// Apply runs one lifecycle event for (provider, externalID). Transitions for the
// same key are serialized. A rejection is returned as the error together with
// an Outcome holding the unchanged transaction, if one exists.
func (uc *LedgerUseCase) Apply(ctx context.Context, provider, externalID string, ev model.Event, render Renderer) (model.Outcome, error) {
	defer logging.TraceDuration(uc.log, "LedgerUC.Apply")()
	if provider == "" || externalID == "" || ev == nil {
		return model.Outcome{}, domain.ErrMalformedRequest
	}

	var res applied
	err := uc.tm.WithTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted}, func(ctx context.Context, tx repository.Tx) error {
		res = applied{out: model.Outcome{Action: ev.Action()}}
		if err := uc.txs.Lock(ctx, tx, provider+":"+externalID); err != nil {
			return persist(err)
		}
		cur, err := uc.txs.FindByExternalID(ctx, tx, provider, externalID)
		if err != nil && !errors.Is(err, domain.ErrNotFound) {
			return persist(err)
		}
		if errors.Is(err, domain.ErrNotFound) {
			cur = nil
		}
		return uc.step(ctx, tx, provider, externalID, cur, ev, render, &res)
	})
	log := uc.log.With().
		Str("provider", provider).
		Str("external_id", externalID).
		Str("action", string(ev.Action())).
		Logger()
	if err != nil {
		log.Error().Err(err).Msg("ledger apply failed")
		return model.Outcome{Action: ev.Action()}, persist(err)
	}

	if res.rejected != nil {
		kind := domain.Kind(res.rejected)
		metrics.IncLedgerRejection(provider, string(kind))
		log.Warn().Err(res.rejected).Str("kind", string(kind)).Msg("event rejected")
		if kind == domain.KindAmountMismatch && res.out.Transaction != nil {
			uc.alert(ctx, fmt.Sprintf("amount mismatch on %s transaction %s (%s): %v",
				provider, res.out.Transaction.InternalID, externalID, res.rejected))
		}
		return res.out, res.rejected
	}
	if res.out.Replayed {
		metrics.IncLedgerReplay(provider, string(ev.Action()))
		log.Info().Msg("event replayed")
		return res.out, nil
	}
	if res.moved {
		t := res.out.Transaction
		metrics.IncLedgerTransition(provider, string(res.from), string(t.State))
		metrics.IncPayment(provider, string(t.State))
		log.Info().Str("transaction_id", t.InternalID).Str("from", string(res.from)).Str("to", string(t.State)).Msg("transition applied")
		if t.State == model.StateCompleted {
			metrics.AddPaymentRevenue(t.Currency, t.Amount)
			if uc.onComplete != nil {
				uc.onComplete(ctx, t.InternalID)
			}
		}
	}
	return res.out, nil
}

func (uc *LedgerUseCase) step(ctx context.Context, tx repository.Tx, provider, externalID string, cur *model.Transaction, ev model.Event, render Renderer, res *applied) error {
	now := uc.now()

	if cur == nil {
		switch e := ev.(type) {
		case model.CreateEvent:
			t, err := uc.open(ctx, tx, provider, externalID, e.UserID, e.PlanID, e.Amount, e.Currency, e.ProviderRef, now)
			if err != nil {
				return uc.reject(res, nil, err)
			}
			res.from, res.moved = "", true
			return uc.commit(ctx, tx, t, ev, render, res, now)
		case model.PrepareEvent:
			if e.UserID == "" || e.PlanID == "" {
				return uc.reject(res, nil, domain.ErrTransactionNotFound)
			}
			t, err := uc.open(ctx, tx, provider, externalID, e.UserID, e.PlanID, e.Amount, e.Currency, e.ProviderRef, now)
			if err != nil {
				return uc.reject(res, nil, err)
			}
			cur = t
		default:
			return uc.reject(res, nil, domain.ErrTransactionNotFound)
		}
	}

	res.out.Transaction = cur
	if amt, ok := model.ReportedAmount(ev); ok && amt != cur.Amount {
		err := fmt.Errorf("%w: recorded %d, reported %d", domain.ErrAmountMismatch, cur.Amount, amt)
		return uc.rejectRecorded(ctx, tx, res, cur, ev, err, now)
	}
	if plan, ok := model.ReportedPlan(ev); ok && plan != cur.PlanID {
		err := fmt.Errorf("%w: recorded %s, reported %s", domain.ErrPlanMismatch, cur.PlanID, plan)
		return uc.rejectRecorded(ctx, tx, res, cur, ev, err, now)
	}

	if ce, ok := ev.(model.CreateEvent); ok {
		if ce.PlanID != cur.PlanID || ce.UserID != cur.UserID {
			return uc.rejectRecorded(ctx, tx, res, cur, ev, domain.ErrAlreadyExists, now)
		}
		return uc.replay(ctx, tx, res, cur, ev, nil, now)
	}

	if reached(cur.State, ev.Action()) || cur.State.Terminal() {
		return uc.replay(ctx, tx, res, cur, ev, render, now)
	}

	from := cur.State
	if ref := ev.Origin().ProviderRef; ref != "" && cur.ProviderRef == "" {
		cur.ProviderRef = ref
	}
	var err error
	switch e := ev.(type) {
	case model.PrepareEvent:
		id := e.PrepareID
		if id == "" {
			id = newID()
		}
		err = cur.Prepare(id, now)
	case model.CompleteEvent:
		err = cur.Complete(e.PrepareID, now)
	case model.CancelEvent:
		err = cur.Cancel(e.Reason, now)
	case model.FailEvent:
		err = cur.Fail(e.Reason, now)
	default:
		err = fmt.Errorf("%w: unsupported event %T", domain.ErrMalformedRequest, ev)
	}
	if err != nil {
		// the in-memory copy may carry a ProviderRef; it is discarded with the rejection
		return uc.rejectRecorded(ctx, tx, res, cur, ev, err, now)
	}
	if err := uc.txs.Update(ctx, tx, cur); err != nil {
		return persist(err)
	}
	if cur.State == model.StateCompleted {
		if err := uc.jobs.Enqueue(ctx, tx, model.NewReconciliationJob(cur.InternalID, now)); err != nil {
			return persist(err)
		}
	}
	res.from, res.moved = from, true
	return uc.commit(ctx, tx, cur, ev, render, res, now)
}

// reached reports whether the transaction already sits where action would move it.
func reached(s model.State, a model.Action) bool {
	switch a {
	case model.ActionPrepare:
		return s == model.StatePrepared
	case model.ActionComplete:
		return s == model.StateCompleted
	case model.ActionCancel:
		return s == model.StateCancelled
	case model.ActionFail:
		return s == model.StateFailed
	}
	return false
}

// open validates the plan price and inserts a CREATED transaction.
func (uc *LedgerUseCase) open(ctx context.Context, tx repository.Tx, provider, externalID, userID, planID string, amount int64, currency, ref string, now time.Time) (*model.Transaction, error) {
	plan, err := uc.plans.FindByID(ctx, tx, planID)
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
	if amount != price {
		return nil, fmt.Errorf("%w: plan price %d, reported %d", domain.ErrAmountMismatch, price, amount)
	}
	if _, err := uc.users.FindByID(ctx, tx, userID); err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return nil, domain.ErrUserNotFound
		}
		return nil, persist(err)
	}
	t, err := model.NewTransaction(newID(), provider, externalID, userID, planID, amount, currency, now)
	if err != nil {
		return nil, err
	}
	t.ProviderRef = ref
	if err := uc.txs.Insert(ctx, tx, t); err != nil {
		return nil, persist(err)
	}
	return t, nil
}

// commit appends the accepted raw event and stores the rendered response.
func (uc *LedgerUseCase) commit(ctx context.Context, tx repository.Tx, t *model.Transaction, ev model.Event, render Renderer, res *applied, now time.Time) error {
	if err := uc.record(ctx, tx, t, ev, true, "", now); err != nil {
		return err
	}
	res.out.Transaction = t
	if render == nil {
		return nil
	}
	body, err := render(t)
	if err != nil {
		return fmt.Errorf("render %s response: %w", ev.Action(), err)
	}
	stored := &model.StoredResponse{TransactionID: t.InternalID, Action: ev.Action(), Body: body, CreatedAt: now}
	if err := uc.txs.SaveResponse(ctx, tx, stored); err != nil {
		return persist(err)
	}
	res.out.Response = body
	return nil
}

// replay answers a repeated event from the stored decision without side effects.
func (uc *LedgerUseCase) replay(ctx context.Context, tx repository.Tx, res *applied, cur *model.Transaction, ev model.Event, render Renderer, now time.Time) error {
	stored, err := uc.txs.FindResponse(ctx, tx, cur.InternalID, ev.Action())
	if err != nil && !errors.Is(err, domain.ErrNotFound) {
		return persist(err)
	}
	if stored != nil {
		res.out.Replayed = true
		res.out.Response = stored.Body
		return uc.record(ctx, tx, cur, ev, true, "replay", now)
	}

	switch {
	case reached(cur.State, ev.Action()) || ev.Action() == model.ActionCreate:
		if pe, ok := ev.(model.PrepareEvent); ok && pe.PrepareID != "" && pe.PrepareID != cur.PrepareID {
			return uc.rejectRecorded(ctx, tx, res, cur, ev, domain.ErrPrepareMismatch, now)
		}
		res.out.Replayed = true
		if render != nil {
			body, err := render(cur)
			if err != nil {
				return fmt.Errorf("render %s replay: %w", ev.Action(), err)
			}
			res.out.Response = body
		}
		return uc.record(ctx, tx, cur, ev, true, "replay", now)
	case cur.State == model.StateCompleted:
		return uc.rejectRecorded(ctx, tx, res, cur, ev, domain.ErrAlreadyProcessed, now)
	default:
		// CANCELLED or FAILED
		return uc.rejectRecorded(ctx, tx, res, cur, ev, domain.ErrTransactionCancelled, now)
	}
}

func (uc *LedgerUseCase) reject(res *applied, cur *model.Transaction, err error) error {
	if domain.Kind(err).Retryable() {
		return err
	}
	res.rejected = err
	res.out.Transaction = cur
	return nil
}

// rejectRecorded keeps the state untouched but logs the call as a refused raw event.
func (uc *LedgerUseCase) rejectRecorded(ctx context.Context, tx repository.Tx, res *applied, cur *model.Transaction, ev model.Event, cause error, now time.Time) error {
	if err := uc.record(ctx, tx, cur, ev, false, cause.Error(), now); err != nil {
		return err
	}
	snapshot, err := uc.txs.FindByID(ctx, tx, cur.InternalID)
	if err != nil {
		return persist(err)
	}
	return uc.reject(res, snapshot, cause)
}

func (uc *LedgerUseCase) record(ctx context.Context, tx repository.Tx, t *model.Transaction, ev model.Event, accepted bool, note string, now time.Time) error {
	e := &model.RawEvent{
		ID:            uuid.NewString(),
		TransactionID: t.InternalID,
		Action:        ev.Action(),
		Payload:       ev.Origin().Raw,
		Accepted:      accepted,
		Note:          note,
		ReceivedAt:    now,
	}
	return persist(uc.txs.AppendRawEvent(ctx, tx, e))
}

func (uc *LedgerUseCase) alert(ctx context.Context, text string) {
	if uc.notifier == nil {
		return
	}
	if err := uc.notifier.Notify(ctx, text); err != nil {
		uc.log.Warn().Err(err).Msg("operator alert failed")
	}
}

// -----------------------------
// Read side
// -----------------------------

func (uc *LedgerUseCase) Get(ctx context.Context, internalID string) (*model.Transaction, error) {
	t, err := uc.txs.FindByID(ctx, nil, internalID)
	if errors.Is(err, domain.ErrNotFound) {
		return nil, domain.ErrTransactionNotFound
	}
	return t, err
}

func (uc *LedgerUseCase) GetByExternalID(ctx context.Context, provider, externalID string) (*model.Transaction, error) {
	t, err := uc.txs.FindByExternalID(ctx, nil, provider, externalID)
	if errors.Is(err, domain.ErrNotFound) {
		return nil, domain.ErrTransactionNotFound
	}
	return t, err
}

func (uc *LedgerUseCase) ListByUser(ctx context.Context, userID string, limit int) ([]*model.Transaction, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	return uc.txs.ListByUser(ctx, nil, userID, limit)
}

func (uc *LedgerUseCase) RawEvents(ctx context.Context, internalID string) ([]*model.RawEvent, error) {
	return uc.txs.ListRawEvents(ctx, nil, internalID)
}

// ListOpen returns stale CREATED/PREPARED transactions of the given providers.
func (uc *LedgerUseCase) ListOpen(ctx context.Context, providers []string, olderThan time.Time, limit int) ([]*model.Transaction, error) {
	return uc.txs.ListOpenOlderThan(ctx, nil, providers, olderThan, limit)
}
