package repository

import (
	"context"
	"time"

	"spiko-billing/internal/domain/model"
)

// -----------------------------
// Users
// -----------------------------

type UserRepository interface {
	// Ensure creates a free-tier row for id if none exists.
	Ensure(ctx context.Context, tx Tx, id string) error
	// FindByID locks the row when called inside a transaction.
	FindByID(ctx context.Context, tx Tx, id string) (*model.User, error)
	UpdateSubscription(ctx context.Context, tx Tx, u *model.User) error
	ListExpired(ctx context.Context, tx Tx, now time.Time, limit int) ([]*model.User, error)
	CountByTier(ctx context.Context, tx Tx) (map[string]int, error)
}
