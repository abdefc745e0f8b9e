package model

import "time"

type ReconcileStatus string

const (
	ReconcilePending ReconcileStatus = "pending"
	ReconcileDone    ReconcileStatus = "done"
	ReconcileDead    ReconcileStatus = "dead" // attempts exhausted, needs an operator
)

// ReconciliationJob is written in the same database transaction that completes a
// payment. Its primary key is the transaction id, so a payment can be applied once.
type ReconciliationJob struct {
	TransactionID    string
	Status           ReconcileStatus
	Attempts         int
	NextAttemptAt    time.Time
	LastError        string
	AppliedExpiresAt *time.Time
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

func NewReconciliationJob(transactionID string, now time.Time) *ReconciliationJob {
	return &ReconciliationJob{
		TransactionID: transactionID,
		Status:        ReconcilePending,
		NextAttemptAt: now,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
}

// Backoff returns the delay before the next attempt: 1m doubling, capped at 1h.
func Backoff(attempts int) time.Duration {
	d := time.Minute
	for i := 1; i < attempts && d < time.Hour; i++ {
		d *= 2
	}
	if d > time.Hour {
		d = time.Hour
	}
	return d
}

// Failed records an unsuccessful attempt; the job becomes dead once maxAttempts is reached.
func (j *ReconciliationJob) Failed(err error, maxAttempts int, now time.Time) {
	j.Attempts++
	j.LastError = err.Error()
	j.UpdatedAt = now
	if maxAttempts > 0 && j.Attempts >= maxAttempts {
		j.Status = ReconcileDead
		return
	}
	j.NextAttemptAt = now.Add(Backoff(j.Attempts))
}

func (j *ReconciliationJob) Done(expires time.Time, now time.Time) {
	j.Attempts++
	j.Status = ReconcileDone
	j.LastError = ""
	j.AppliedExpiresAt = &expires
	j.UpdatedAt = now
}
