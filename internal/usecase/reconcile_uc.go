// File: internal/usecase/reconcile_uc.go
package usecase

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v4"
	"github.com/rs/zerolog"

	"spiko-billing/internal/domain"
	"spiko-billing/internal/domain/model"
	"spiko-billing/internal/domain/ports/adapter"
	"spiko-billing/internal/domain/ports/repository"
	"spiko-billing/internal/infra/logging"
	"spiko-billing/internal/infra/metrics"
)

var ErrJobDead = errors.New("reconciliation job is dead; requeue it first")

// ReconcileUseCase applies completed transactions to user subscriptions. It is
// the only component that writes subscription fields from a payment.
type ReconcileUseCase struct {
	txs         repository.TransactionRepository
	plans       repository.PlanRepository
	users       repository.UserRepository
	jobs        repository.ReconciliationRepository
	tm          repository.TransactionManager
	notifier    adapter.Notifier
	maxAttempts int
	log         *zerolog.Logger
	now         func() time.Time
}

func NewReconcileUseCase(
	txs repository.TransactionRepository,
	plans repository.PlanRepository,
	users repository.UserRepository,
	jobs repository.ReconciliationRepository,
	tm repository.TransactionManager,
	notifier adapter.Notifier,
	maxAttempts int,
	logger *zerolog.Logger,
) *ReconcileUseCase {
	l := logger.With().Str("component", "reconciler").Logger()
	return &ReconcileUseCase{
		txs:         txs,
		plans:       plans,
		users:       users,
		jobs:        jobs,
		tm:          tm,
		notifier:    notifier,
		maxAttempts: maxAttempts,
		log:         &l,
		now:         time.Now,
	}
}

// Reconcile applies the transaction's plan once. The job row is locked for the
// duration and marked done in the same database transaction as the user update,
// so concurrent or repeated calls are no-ops after the first success.
func (uc *ReconcileUseCase) Reconcile(ctx context.Context, transactionID string) error {
	defer logging.TraceDuration(uc.log, "ReconcileUC.Reconcile")()

	var (
		applied bool
		expires time.Time
		userID  string
	)
	err := uc.tm.WithTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted}, func(ctx context.Context, tx repository.Tx) error {
		applied = false
		job, err := uc.jobs.Find(ctx, tx, transactionID)
		if errors.Is(err, domain.ErrNotFound) {
			return domain.ErrTransactionNotFound
		}
		if err != nil {
			return persist(err)
		}
		switch job.Status {
		case model.ReconcileDone:
			return nil
		case model.ReconcileDead:
			return ErrJobDead
		}

		t, err := uc.txs.FindByID(ctx, tx, transactionID)
		if err != nil {
			return persist(err)
		}
		if t.State != model.StateCompleted {
			return fmt.Errorf("%w: transaction %s is %s", domain.ErrInvalidStateTransition, t.InternalID, t.State)
		}
		plan, err := uc.plans.FindByID(ctx, tx, t.PlanID)
		if errors.Is(err, domain.ErrNotFound) {
			return domain.ErrPlanNotFound
		}
		if err != nil {
			return persist(err)
		}
		user, err := uc.users.FindByID(ctx, tx, t.UserID)
		if errors.Is(err, domain.ErrNotFound) {
			return domain.ErrUserNotFound
		}
		if err != nil {
			return persist(err)
		}

		anchor := uc.now()
		if t.CompletedAt != nil {
			anchor = *t.CompletedAt
		}
		subID := t.ProviderRef
		if subID == "" {
			subID = t.ExternalID
		}
		expires = user.ExtendSubscription(plan, anchor, subID)
		if err := uc.users.UpdateSubscription(ctx, tx, user); err != nil {
			return persist(err)
		}
		job.Done(expires, uc.now())
		if err := uc.jobs.Update(ctx, tx, job); err != nil {
			return persist(err)
		}
		applied, userID = true, user.ID
		return nil
	})
	if err != nil {
		if errors.Is(err, domain.ErrTransactionNotFound) || errors.Is(err, ErrJobDead) {
			return err
		}
		uc.log.Error().Err(err).Str("transaction_id", transactionID).Msg("reconciliation failed")
		uc.recordFailure(ctx, transactionID, err)
		return err
	}
	if !applied {
		metrics.IncReconciliation("noop")
		return nil
	}
	metrics.IncReconciliation("applied")
	uc.log.Info().
		Str("transaction_id", transactionID).
		Str("user_id", userID).
		Time("expires_at", expires).
		Msg("subscription extended")
	return nil
}

func (uc *ReconcileUseCase) recordFailure(ctx context.Context, transactionID string, cause error) {
	var dead bool
	err := uc.tm.WithTx(ctx, pgx.TxOptions{}, func(ctx context.Context, tx repository.Tx) error {
		job, err := uc.jobs.Find(ctx, tx, transactionID)
		if err != nil {
			return err
		}
		if job.Status != model.ReconcilePending {
			return nil
		}
		job.Failed(cause, uc.maxAttempts, uc.now())
		dead = job.Status == model.ReconcileDead
		return uc.jobs.Update(ctx, tx, job)
	})
	if err != nil {
		uc.log.Error().Err(err).Str("transaction_id", transactionID).Msg("could not record reconciliation failure")
		return
	}
	if !dead {
		metrics.IncReconciliation("retry")
		return
	}
	metrics.IncReconciliation("dead")
	if uc.notifier != nil {
		text := fmt.Sprintf("reconciliation for transaction %s gave up after %d attempts: %v", transactionID, uc.maxAttempts, cause)
		if err := uc.notifier.Notify(ctx, text); err != nil {
			uc.log.Warn().Err(err).Msg("operator alert failed")
		}
	}
}

// RetryDue runs every pending job whose next attempt is due and returns how
// many were applied.
func (uc *ReconcileUseCase) RetryDue(ctx context.Context, limit int) (int, error) {
	jobs, err := uc.jobs.ListDue(ctx, nil, uc.now(), limit)
	if err != nil {
		return 0, persist(err)
	}
	done := 0
	for _, j := range jobs {
		if ctx.Err() != nil {
			return done, ctx.Err()
		}
		if err := uc.Reconcile(ctx, j.TransactionID); err != nil {
			continue
		}
		done++
	}
	if counts, err := uc.jobs.CountByStatus(ctx, nil); err == nil {
		metrics.SetReconciliationJobs(counts)
	}
	return done, nil
}

// Requeue resets a job (typically dead) so it is attempted again right away.
func (uc *ReconcileUseCase) Requeue(ctx context.Context, transactionID string) error {
	err := uc.tm.WithTx(ctx, pgx.TxOptions{}, func(ctx context.Context, tx repository.Tx) error {
		job, err := uc.jobs.Find(ctx, tx, transactionID)
		if errors.Is(err, domain.ErrNotFound) {
			return domain.ErrTransactionNotFound
		}
		if err != nil {
			return persist(err)
		}
		if job.Status == model.ReconcileDone {
			return nil
		}
		job.Status = model.ReconcilePending
		job.Attempts = 0
		job.NextAttemptAt = uc.now()
		job.UpdatedAt = uc.now()
		return persist(uc.jobs.Update(ctx, tx, job))
	})
	if err != nil {
		return err
	}
	return uc.Reconcile(ctx, transactionID)
}

// Job exposes a job for the admin view.
func (uc *ReconcileUseCase) Job(ctx context.Context, transactionID string) (*model.ReconciliationJob, error) {
	return uc.jobs.Find(ctx, nil, transactionID)
}
