package sched

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"

	red "spiko-billing/internal/infra/redis"
)

// Leader makes a periodic job run on one replica per tick. Without a locker
// every replica runs the job, which is safe because each job is idempotent.
type Leader struct {
	locker red.Locker
	log    *zerolog.Logger
}

func NewLeader(locker red.Locker, logger *zerolog.Logger) *Leader {
	return &Leader{locker: locker, log: logger}
}

// Do runs fn if the lock for name is free. ran is false when another replica
// holds it.
func (l *Leader) Do(ctx context.Context, name string, ttl time.Duration, fn func(ctx context.Context) error) (ran bool, err error) {
	if l == nil || l.locker == nil {
		return true, fn(ctx)
	}
	key := "sched:lock:" + name
	token, err := l.locker.TryLock(ctx, key, ttl)
	if errors.Is(err, red.ErrLockHeld) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	defer func() {
		// the lock expires on its own if this fails
		if uerr := l.locker.Unlock(context.Background(), key, token); uerr != nil {
			l.log.Warn().Err(uerr).Str("job", name).Msg("unlock failed")
		}
	}()
	return true, fn(ctx)
}
