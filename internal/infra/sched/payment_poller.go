package sched

import (
	"context"
	"time"

	"github.com/rs/zerolog"
)

type Poller interface {
	PollPending(ctx context.Context, olderThan time.Duration, limit int) (int, error)
}

// PaymentPoller periodically checks receipt transactions that stayed open
// longer than staleAfter. This covers users who paid but never came back to
// verify.
type PaymentPoller struct {
	interval   time.Duration
	staleAfter time.Duration
	uc         Poller
	leader     *Leader
	log        *zerolog.Logger
}

func NewPaymentPoller(uc Poller, leader *Leader, interval, staleAfter time.Duration, logger *zerolog.Logger) *PaymentPoller {
	if interval <= 0 {
		interval = time.Minute
	}
	if staleAfter <= 0 {
		staleAfter = 10 * time.Minute
	}
	l := logger.With().Str("component", "PaymentPoller").Logger()
	return &PaymentPoller{uc: uc, leader: leader, interval: interval, staleAfter: staleAfter, log: &l}
}

func (w *PaymentPoller) Run(ctx context.Context) error {
	w.log.Info().Dur("interval", w.interval).Msg("Starting payment poller")
	t := time.NewTicker(w.interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			w.log.Info().Msg("Stopping payment poller")
			return ctx.Err()
		case <-t.C:
			w.tick(ctx)
		}
	}
}

func (w *PaymentPoller) tick(ctx context.Context) {
	var n int
	_, err := w.leader.Do(ctx, "payment-poll", w.interval, func(ctx context.Context) error {
		var err error
		n, err = w.uc.PollPending(ctx, w.staleAfter, 200)
		return err
	})
	if err != nil {
		w.log.Error().Err(err).Msg("poll pending failed")
		return
	}
	if n > 0 {
		w.log.Info().Int("count", n).Msg("receipt transactions settled")
	}
}
