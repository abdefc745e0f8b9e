package repository

import (
	"context"
	"time"

	"spiko-billing/internal/domain/model"
)

type ReconciliationRepository interface {
	// Enqueue inserts the job; an existing job for the same transaction is left untouched.
	Enqueue(ctx context.Context, tx Tx, j *model.ReconciliationJob) error
	// Find locks the row when called inside a transaction.
	Find(ctx context.Context, tx Tx, transactionID string) (*model.ReconciliationJob, error)
	Update(ctx context.Context, tx Tx, j *model.ReconciliationJob) error
	ListDue(ctx context.Context, tx Tx, now time.Time, limit int) ([]*model.ReconciliationJob, error)
	CountByStatus(ctx context.Context, tx Tx) (map[model.ReconcileStatus]int, error)
}
