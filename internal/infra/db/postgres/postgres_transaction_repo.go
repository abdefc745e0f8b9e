package postgres

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v4/pgxpool"

	"spiko-billing/internal/domain"
	"spiko-billing/internal/domain/model"
	"spiko-billing/internal/domain/ports/repository"
	"spiko-billing/internal/infra/security"
)

var _ repository.TransactionRepository = (*transactionRepo)(nil)

var errLockOutsideTx = errors.New("advisory lock requires a transaction")

// transactionRepo stores transactions, their raw event log and stored responses.
// Raw payloads are sealed with sealer when one is configured.
type transactionRepo struct {
	pool   *pgxpool.Pool
	sealer *security.EncryptionService
}

func NewTransactionRepo(pool *pgxpool.Pool, sealer *security.EncryptionService) *transactionRepo {
	return &transactionRepo{pool: pool, sealer: sealer}
}

const transactionColumns = `internal_id, provider, external_id, provider_ref, user_id, plan_id, amount, currency, state,
  prepare_id, failure_reason, created_at, prepared_at, completed_at, cancelled_at, failed_at, updated_at`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanTransaction(row rowScanner) (*model.Transaction, error) {
	t := &model.Transaction{}
	var state string
	if err := row.Scan(&t.InternalID, &t.Provider, &t.ExternalID, &t.ProviderRef, &t.UserID, &t.PlanID, &t.Amount, &t.Currency, &state,
		&t.PrepareID, &t.FailureReason, &t.CreatedAt, &t.PreparedAt, &t.CompletedAt, &t.CancelledAt, &t.FailedAt, &t.UpdatedAt); err != nil {
		return nil, err
	}
	t.State = model.State(state)
	return t, nil
}

// Lock takes a transaction-scoped advisory lock, so two deliveries for the same
// key serialize even before the row exists.
func (r *transactionRepo) Lock(ctx context.Context, tx repository.Tx, key string) error {
	if !inTx(tx) {
		return errLockOutsideTx
	}
	_, err := execSQL(ctx, r.pool, tx, `SELECT pg_advisory_xact_lock($1)`, hashToInt64(key))
	return translate("lock", err)
}

func (r *transactionRepo) Insert(ctx context.Context, tx repository.Tx, t *model.Transaction) error {
	const q = `
INSERT INTO transactions (` + transactionColumns + `)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17);`
	_, err := execSQL(ctx, r.pool, tx, q,
		t.InternalID, t.Provider, t.ExternalID, t.ProviderRef, t.UserID, t.PlanID, t.Amount, t.Currency, string(t.State),
		t.PrepareID, t.FailureReason, t.CreatedAt, t.PreparedAt, t.CompletedAt, t.CancelledAt, t.FailedAt, t.UpdatedAt)
	return translate("insert transaction", err)
}

// Update writes the mutable columns. Lifecycle timestamps are only ever set,
// never cleared, which COALESCE enforces at the storage level too.
func (r *transactionRepo) Update(ctx context.Context, tx repository.Tx, t *model.Transaction) error {
	const q = `
UPDATE transactions SET
  provider_ref   = $2,
  state          = $3,
  prepare_id     = $4,
  failure_reason = $5,
  prepared_at    = COALESCE(prepared_at, $6),
  completed_at   = COALESCE(completed_at, $7),
  cancelled_at   = COALESCE(cancelled_at, $8),
  failed_at      = COALESCE(failed_at, $9),
  updated_at     = $10
WHERE internal_id = $1;`
	ct, err := execSQL(ctx, r.pool, tx, q, t.InternalID, t.ProviderRef, string(t.State), t.PrepareID, t.FailureReason,
		t.PreparedAt, t.CompletedAt, t.CancelledAt, t.FailedAt, t.UpdatedAt)
	if err != nil {
		return translate("update transaction", err)
	}
	if ct.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

func (r *transactionRepo) FindByExternalID(ctx context.Context, tx repository.Tx, provider, externalID string) (*model.Transaction, error) {
	q := forUpdate(`SELECT `+transactionColumns+` FROM transactions WHERE provider=$1 AND external_id=$2`, tx)
	row, err := pickRow(ctx, r.pool, tx, q, provider, externalID)
	if err != nil {
		return nil, err
	}
	t, err := scanTransaction(row)
	if err != nil {
		return nil, translate("find transaction by external id", err)
	}
	return t, nil
}

func (r *transactionRepo) FindByID(ctx context.Context, tx repository.Tx, id string) (*model.Transaction, error) {
	q := forUpdate(`SELECT `+transactionColumns+` FROM transactions WHERE internal_id=$1`, tx)
	row, err := pickRow(ctx, r.pool, tx, q, id)
	if err != nil {
		return nil, err
	}
	t, err := scanTransaction(row)
	if err != nil {
		return nil, translate("find transaction", err)
	}
	return t, nil
}

func (r *transactionRepo) list(ctx context.Context, tx repository.Tx, op, q string, args ...interface{}) ([]*model.Transaction, error) {
	rows, err := queryRows(ctx, r.pool, tx, q, args...)
	if err != nil {
		return nil, translate(op, err)
	}
	defer rows.Close()
	var out []*model.Transaction
	for rows.Next() {
		t, err := scanTransaction(rows)
		if err != nil {
			return nil, translate(op, err)
		}
		out = append(out, t)
	}
	return out, translate(op, rows.Err())
}

func (r *transactionRepo) ListByUser(ctx context.Context, tx repository.Tx, userID string, limit int) ([]*model.Transaction, error) {
	if limit <= 0 {
		limit = 50
	}
	return r.list(ctx, tx, "list transactions by user",
		`SELECT `+transactionColumns+` FROM transactions WHERE user_id=$1 ORDER BY created_at DESC LIMIT $2;`, userID, limit)
}

func (r *transactionRepo) ListOpenOlderThan(ctx context.Context, tx repository.Tx, providers []string, olderThan time.Time, limit int) ([]*model.Transaction, error) {
	if limit <= 0 {
		limit = 100
	}
	return r.list(ctx, tx, "list open transactions",
		`SELECT `+transactionColumns+` FROM transactions
		  WHERE state IN ('CREATED','PREPARED') AND provider = ANY($1) AND updated_at <= $2
		  ORDER BY updated_at ASC LIMIT $3;`, providers, olderThan, limit)
}

func (r *transactionRepo) SumCompletedByProvider(ctx context.Context, tx repository.Tx, since time.Time) (map[string]int64, error) {
	const q = `SELECT provider, COALESCE(SUM(amount),0) FROM transactions
	  WHERE state='COMPLETED' AND completed_at >= $1 GROUP BY provider;`
	rows, err := queryRows(ctx, r.pool, tx, q, since)
	if err != nil {
		return nil, translate("sum completed", err)
	}
	defer rows.Close()
	out := map[string]int64{}
	for rows.Next() {
		var provider string
		var sum int64
		if err := rows.Scan(&provider, &sum); err != nil {
			return nil, translate("sum completed", err)
		}
		out[provider] = sum
	}
	return out, translate("sum completed", rows.Err())
}

func (r *transactionRepo) CountByState(ctx context.Context, tx repository.Tx) (map[model.State]int, error) {
	rows, err := queryRows(ctx, r.pool, tx, `SELECT state, COUNT(*) FROM transactions GROUP BY state;`)
	if err != nil {
		return nil, translate("count by state", err)
	}
	defer rows.Close()
	out := map[model.State]int{}
	for rows.Next() {
		var state string
		var n int
		if err := rows.Scan(&state, &n); err != nil {
			return nil, translate("count by state", err)
		}
		out[model.State(state)] = n
	}
	return out, translate("count by state", rows.Err())
}

func (r *transactionRepo) AppendRawEvent(ctx context.Context, tx repository.Tx, e *model.RawEvent) error {
	payload, err := r.sealer.Seal(e.Payload, e.TransactionID)
	if err != nil {
		return translate("seal raw event", err)
	}
	const q = `
INSERT INTO raw_events (id, transaction_id, action, payload, accepted, note, received_at)
VALUES ($1,$2,$3,$4,$5,$6,$7);`
	_, err = execSQL(ctx, r.pool, tx, q, e.ID, e.TransactionID, string(e.Action), payload, e.Accepted, e.Note, e.ReceivedAt)
	return translate("append raw event", err)
}

func (r *transactionRepo) ListRawEvents(ctx context.Context, tx repository.Tx, transactionID string) ([]*model.RawEvent, error) {
	const q = `SELECT id, transaction_id, action, payload, accepted, note, received_at
	  FROM raw_events WHERE transaction_id=$1 ORDER BY received_at ASC, id ASC;`
	rows, err := queryRows(ctx, r.pool, tx, q, transactionID)
	if err != nil {
		return nil, translate("list raw events", err)
	}
	defer rows.Close()
	var out []*model.RawEvent
	for rows.Next() {
		e := &model.RawEvent{}
		var action string
		if err := rows.Scan(&e.ID, &e.TransactionID, &action, &e.Payload, &e.Accepted, &e.Note, &e.ReceivedAt); err != nil {
			return nil, translate("list raw events", err)
		}
		e.Action = model.Action(action)
		if e.Payload, err = r.sealer.Open(e.Payload, e.TransactionID); err != nil {
			return nil, translate("open raw event", err)
		}
		out = append(out, e)
	}
	return out, translate("list raw events", rows.Err())
}

// SaveResponse keeps the first stored body for (transaction, action).
func (r *transactionRepo) SaveResponse(ctx context.Context, tx repository.Tx, resp *model.StoredResponse) error {
	const q = `
INSERT INTO transaction_responses (transaction_id, action, body, created_at)
VALUES ($1,$2,$3,$4)
ON CONFLICT (transaction_id, action) DO NOTHING;`
	_, err := execSQL(ctx, r.pool, tx, q, resp.TransactionID, string(resp.Action), resp.Body, resp.CreatedAt)
	return translate("save response", err)
}

func (r *transactionRepo) FindResponse(ctx context.Context, tx repository.Tx, transactionID string, action model.Action) (*model.StoredResponse, error) {
	const q = `SELECT transaction_id, body, created_at FROM transaction_responses WHERE transaction_id=$1 AND action=$2;`
	row, err := pickRow(ctx, r.pool, tx, q, transactionID, string(action))
	if err != nil {
		return nil, err
	}
	resp := &model.StoredResponse{Action: action}
	if err := row.Scan(&resp.TransactionID, &resp.Body, &resp.CreatedAt); err != nil {
		return nil, translate("find response", err)
	}
	return resp, nil
}
