package sched

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

type Expirer interface {
	ExpireDue(ctx context.Context, limit int) (int, error)
}

// ExpiryJob reverts lapsed subscriptions on a cron schedule (with seconds).
type ExpiryJob struct {
	spec   string
	uc     Expirer
	leader *Leader
	cron   *cron.Cron
	log    *zerolog.Logger
}

func NewExpiryJob(spec string, uc Expirer, leader *Leader, logger *zerolog.Logger) *ExpiryJob {
	l := logger.With().Str("component", "ExpiryJob").Logger()
	return &ExpiryJob{spec: spec, uc: uc, leader: leader, cron: cron.New(cron.WithSeconds()), log: &l}
}

// Start schedules the job. Runs are bound to ctx; Stop waits for a running one.
func (j *ExpiryJob) Start(ctx context.Context) error {
	if _, err := j.cron.AddFunc(j.spec, func() { j.RunOnce(ctx) }); err != nil {
		return err
	}
	j.cron.Start()
	j.log.Info().Str("spec", j.spec).Msg("expiry job scheduled")
	return nil
}

func (j *ExpiryJob) Stop() {
	<-j.cron.Stop().Done()
}

func (j *ExpiryJob) RunOnce(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}
	runCtx, cancel := context.WithTimeout(ctx, 5*time.Minute)
	defer cancel()
	var n int
	_, err := j.leader.Do(runCtx, "expiry", 5*time.Minute, func(ctx context.Context) error {
		var err error
		n, err = j.uc.ExpireDue(ctx, 500)
		return err
	})
	if err != nil {
		j.log.Error().Err(err).Msg("expiry check failed")
		return
	}
	j.log.Debug().Int("count", n).Msg("expiry check done")
}
