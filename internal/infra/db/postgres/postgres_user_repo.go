package postgres

import (
	"context"
	"time"

	"github.com/jackc/pgx/v4/pgxpool"

	"spiko-billing/internal/domain"
	"spiko-billing/internal/domain/model"
	"spiko-billing/internal/domain/ports/repository"
)

var _ repository.UserRepository = (*PostgresUserRepo)(nil)

type PostgresUserRepo struct {
	pool *pgxpool.Pool
}

func NewPostgresUserRepo(pool *pgxpool.Pool) *PostgresUserRepo {
	return &PostgresUserRepo{pool: pool}
}

const userColumns = `id, tier, expires_at, provider_subscription_id, created_at, updated_at`

func scanUser(row rowScanner) (*model.User, error) {
	u := &model.User{}
	if err := row.Scan(&u.ID, &u.Subscription.Tier, &u.Subscription.ExpiresAt, &u.Subscription.ProviderSubscriptionID, &u.CreatedAt, &u.UpdatedAt); err != nil {
		return nil, err
	}
	return u, nil
}

func (r *PostgresUserRepo) Ensure(ctx context.Context, tx repository.Tx, id string) error {
	if id == "" {
		return domain.ErrInvalidArgument
	}
	const q = `INSERT INTO users (id, tier) VALUES ($1, 'free') ON CONFLICT (id) DO NOTHING;`
	_, err := execSQL(ctx, r.pool, tx, q, id)
	return translate("ensure user", err)
}

func (r *PostgresUserRepo) FindByID(ctx context.Context, tx repository.Tx, id string) (*model.User, error) {
	q := forUpdate(`SELECT `+userColumns+` FROM users WHERE id=$1`, tx)
	row, err := pickRow(ctx, r.pool, tx, q, id)
	if err != nil {
		return nil, err
	}
	u, err := scanUser(row)
	if err != nil {
		return nil, translate("find user", err)
	}
	return u, nil
}

func (r *PostgresUserRepo) UpdateSubscription(ctx context.Context, tx repository.Tx, u *model.User) error {
	const q = `
UPDATE users SET tier=$2, expires_at=$3, provider_subscription_id=$4, updated_at=$5
WHERE id=$1;`
	ct, err := execSQL(ctx, r.pool, tx, q, u.ID, u.Subscription.Tier, u.Subscription.ExpiresAt, u.Subscription.ProviderSubscriptionID, u.UpdatedAt)
	if err != nil {
		return translate("update subscription", err)
	}
	if ct.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// ListExpired returns paid users whose expiry has passed, locked and skipping
// rows another sweeper holds.
func (r *PostgresUserRepo) ListExpired(ctx context.Context, tx repository.Tx, now time.Time, limit int) ([]*model.User, error) {
	if limit <= 0 {
		limit = 100
	}
	q := `SELECT ` + userColumns + ` FROM users
	  WHERE tier <> 'free' AND expires_at IS NOT NULL AND expires_at <= $1
	  ORDER BY expires_at ASC LIMIT $2`
	if inTx(tx) {
		q += " FOR UPDATE SKIP LOCKED"
	}
	rows, err := queryRows(ctx, r.pool, tx, q, now, limit)
	if err != nil {
		return nil, translate("list expired users", err)
	}
	defer rows.Close()
	var out []*model.User
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, translate("list expired users", err)
		}
		out = append(out, u)
	}
	return out, translate("list expired users", rows.Err())
}

// CountByTier counts users on an active tier; lapsed rows count as free.
func (r *PostgresUserRepo) CountByTier(ctx context.Context, tx repository.Tx) (map[string]int, error) {
	const q = `
SELECT CASE WHEN tier <> 'free' AND expires_at > NOW() THEN tier ELSE 'free' END AS t, COUNT(*)
  FROM users GROUP BY t;`
	rows, err := queryRows(ctx, r.pool, tx, q)
	if err != nil {
		return nil, translate("count by tier", err)
	}
	defer rows.Close()
	out := map[string]int{}
	for rows.Next() {
		var tier string
		var n int
		if err := rows.Scan(&tier, &n); err != nil {
			return nil, translate("count by tier", err)
		}
		out[tier] = n
	}
	return out, translate("count by tier", rows.Err())
}
