package postgres

import (
	"context"
	"time"

	"github.com/jackc/pgx/v4/pgxpool"

	"spiko-billing/internal/domain"
	"spiko-billing/internal/domain/model"
	"spiko-billing/internal/domain/ports/repository"
)

var _ repository.ReconciliationRepository = (*reconciliationRepo)(nil)

type reconciliationRepo struct{ pool *pgxpool.Pool }

func NewReconciliationRepo(pool *pgxpool.Pool) *reconciliationRepo {
	return &reconciliationRepo{pool: pool}
}

const jobColumns = `transaction_id, status, attempts, next_attempt_at, last_error, applied_expires_at, created_at, updated_at`

func scanJob(row rowScanner) (*model.ReconciliationJob, error) {
	j := &model.ReconciliationJob{}
	var status string
	if err := row.Scan(&j.TransactionID, &status, &j.Attempts, &j.NextAttemptAt, &j.LastError, &j.AppliedExpiresAt, &j.CreatedAt, &j.UpdatedAt); err != nil {
		return nil, err
	}
	j.Status = model.ReconcileStatus(status)
	return j, nil
}

func (r *reconciliationRepo) Enqueue(ctx context.Context, tx repository.Tx, j *model.ReconciliationJob) error {
	const q = `
INSERT INTO reconciliation_jobs (` + jobColumns + `)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
ON CONFLICT (transaction_id) DO NOTHING;`
	_, err := execSQL(ctx, r.pool, tx, q, j.TransactionID, string(j.Status), j.Attempts, j.NextAttemptAt, j.LastError, j.AppliedExpiresAt, j.CreatedAt, j.UpdatedAt)
	return translate("enqueue reconciliation", err)
}

func (r *reconciliationRepo) Find(ctx context.Context, tx repository.Tx, transactionID string) (*model.ReconciliationJob, error) {
	q := forUpdate(`SELECT `+jobColumns+` FROM reconciliation_jobs WHERE transaction_id=$1`, tx)
	row, err := pickRow(ctx, r.pool, tx, q, transactionID)
	if err != nil {
		return nil, err
	}
	j, err := scanJob(row)
	if err != nil {
		return nil, translate("find reconciliation", err)
	}
	return j, nil
}

func (r *reconciliationRepo) Update(ctx context.Context, tx repository.Tx, j *model.ReconciliationJob) error {
	const q = `
UPDATE reconciliation_jobs SET status=$2, attempts=$3, next_attempt_at=$4, last_error=$5, applied_expires_at=$6, updated_at=$7
WHERE transaction_id=$1;`
	ct, err := execSQL(ctx, r.pool, tx, q, j.TransactionID, string(j.Status), j.Attempts, j.NextAttemptAt, j.LastError, j.AppliedExpiresAt, j.UpdatedAt)
	if err != nil {
		return translate("update reconciliation", err)
	}
	if ct.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

func (r *reconciliationRepo) ListDue(ctx context.Context, tx repository.Tx, now time.Time, limit int) ([]*model.ReconciliationJob, error) {
	if limit <= 0 {
		limit = 100
	}
	const q = `SELECT ` + jobColumns + ` FROM reconciliation_jobs
	  WHERE status='pending' AND next_attempt_at <= $1
	  ORDER BY next_attempt_at ASC LIMIT $2;`
	rows, err := queryRows(ctx, r.pool, tx, q, now, limit)
	if err != nil {
		return nil, translate("list due reconciliations", err)
	}
	defer rows.Close()
	var out []*model.ReconciliationJob
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, translate("list due reconciliations", err)
		}
		out = append(out, j)
	}
	return out, translate("list due reconciliations", rows.Err())
}

func (r *reconciliationRepo) CountByStatus(ctx context.Context, tx repository.Tx) (map[model.ReconcileStatus]int, error) {
	rows, err := queryRows(ctx, r.pool, tx, `SELECT status, COUNT(*) FROM reconciliation_jobs GROUP BY status;`)
	if err != nil {
		return nil, translate("count reconciliations", err)
	}
	defer rows.Close()
	out := map[model.ReconcileStatus]int{}
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, translate("count reconciliations", err)
		}
		out[model.ReconcileStatus(status)] = n
	}
	return out, translate("count reconciliations", rows.Err())
}
