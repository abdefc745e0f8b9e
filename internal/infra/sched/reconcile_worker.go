package sched

import (
	"context"
	"time"

	"github.com/rs/zerolog"
)

type Retrier interface {
	RetryDue(ctx context.Context, limit int) (int, error)
}

// ReconcileWorker retries reconciliation jobs whose backoff has elapsed.
type ReconcileWorker struct {
	interval time.Duration
	batch    int
	uc       Retrier
	leader   *Leader
	log      *zerolog.Logger
}

func NewReconcileWorker(interval time.Duration, uc Retrier, leader *Leader, logger *zerolog.Logger) *ReconcileWorker {
	if interval <= 0 {
		interval = time.Minute
	}
	l := logger.With().Str("component", "ReconcileWorker").Logger()
	return &ReconcileWorker{interval: interval, batch: 100, uc: uc, leader: leader, log: &l}
}

func (w *ReconcileWorker) Run(ctx context.Context) error {
	w.log.Info().Dur("interval", w.interval).Msg("Starting reconcile worker")
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			w.log.Info().Msg("Stopping reconcile worker")
			return ctx.Err()
		case <-ticker.C:
			w.tick(ctx)
		}
	}
}

func (w *ReconcileWorker) tick(ctx context.Context) {
	var n int
	ran, err := w.leader.Do(ctx, "reconcile", w.interval, func(ctx context.Context) error {
		var err error
		n, err = w.uc.RetryDue(ctx, w.batch)
		return err
	})
	if err != nil {
		w.log.Error().Err(err).Msg("reconcile retry failed")
		return
	}
	if ran && n > 0 {
		w.log.Info().Int("count", n).Msg("reconciliations applied")
	}
}
