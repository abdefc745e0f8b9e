package postgres

import (
	"context"
	"encoding/json"

	"github.com/jackc/pgx/v4/pgxpool"

	"spiko-billing/internal/domain"
	"spiko-billing/internal/domain/model"
	"spiko-billing/internal/domain/ports/repository"
)

// Ensure interface compliance
var _ repository.PlanRepository = (*PostgresPlanRepo)(nil)

type PostgresPlanRepo struct {
	pool *pgxpool.Pool
}

func NewPostgresPlanRepo(pool *pgxpool.Pool) *PostgresPlanRepo {
	return &PostgresPlanRepo{pool: pool}
}

const planColumns = `id, tier, duration_days, recurring, prices, provider_refs, created_at`

func scanPlan(row rowScanner) (*model.Plan, error) {
	var (
		p            model.Plan
		prices, refs []byte
	)
	if err := row.Scan(&p.ID, &p.Tier, &p.DurationDays, &p.Recurring, &prices, &refs, &p.CreatedAt); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(prices, &p.Prices); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(refs, &p.ProviderRefs); err != nil {
		return nil, err
	}
	return &p, nil
}

func (r *PostgresPlanRepo) Save(ctx context.Context, tx repository.Tx, plan *model.Plan) error {
	if plan.IsZero() {
		return domain.ErrInvalidArgument
	}
	prices, err := json.Marshal(plan.Prices)
	if err != nil {
		return err
	}
	refs, err := json.Marshal(plan.ProviderRefs)
	if err != nil {
		return err
	}
	const q = `
INSERT INTO plans (` + planColumns + `)
VALUES ($1, $2, $3, $4, $5, $6, $7)
ON CONFLICT (id) DO UPDATE
  SET tier          = EXCLUDED.tier,
      duration_days = EXCLUDED.duration_days,
      recurring     = EXCLUDED.recurring,
      prices        = EXCLUDED.prices,
      provider_refs = EXCLUDED.provider_refs;
`
	_, err = execSQL(ctx, r.pool, tx, q, plan.ID, plan.Tier, plan.DurationDays, plan.Recurring, prices, refs, plan.CreatedAt)
	return translate("save plan", err)
}

func (r *PostgresPlanRepo) FindByID(ctx context.Context, tx repository.Tx, id string) (*model.Plan, error) {
	row, err := pickRow(ctx, r.pool, tx, `SELECT `+planColumns+` FROM plans WHERE id = $1;`, id)
	if err != nil {
		return nil, err
	}
	p, err := scanPlan(row)
	if err != nil {
		return nil, translate("find plan", err)
	}
	return p, nil
}

// FindByProviderRef resolves a plan by the provider's product id, e.g. a Click service_id.
func (r *PostgresPlanRepo) FindByProviderRef(ctx context.Context, tx repository.Tx, provider, ref string) (*model.Plan, error) {
	const q = `SELECT ` + planColumns + ` FROM plans WHERE provider_refs ->> $1 = $2 ORDER BY id LIMIT 1;`
	row, err := pickRow(ctx, r.pool, tx, q, provider, ref)
	if err != nil {
		return nil, err
	}
	p, err := scanPlan(row)
	if err != nil {
		return nil, translate("find plan by provider ref", err)
	}
	return p, nil
}

func (r *PostgresPlanRepo) ListAll(ctx context.Context, tx repository.Tx) ([]*model.Plan, error) {
	rows, err := queryRows(ctx, r.pool, tx, `SELECT `+planColumns+` FROM plans ORDER BY id;`)
	if err != nil {
		return nil, translate("list plans", err)
	}
	defer rows.Close()
	var out []*model.Plan
	for rows.Next() {
		p, err := scanPlan(rows)
		if err != nil {
			return nil, translate("list plans", err)
		}
		out = append(out, p)
	}
	return out, translate("list plans", rows.Err())
}
