package repository

import (
	"context"
	"time"

	"spiko-billing/internal/domain/model"
)

// TransactionRepository is the durable store behind the ledger. Only the ledger
// use case writes through it.
type TransactionRepository interface {
	// Lock serializes callers on key until tx ends.
	Lock(ctx context.Context, tx Tx, key string) error
	Insert(ctx context.Context, tx Tx, t *model.Transaction) error
	Update(ctx context.Context, tx Tx, t *model.Transaction) error
	// FindByExternalID locks the row when called inside a transaction.
	FindByExternalID(ctx context.Context, tx Tx, provider, externalID string) (*model.Transaction, error)
	FindByID(ctx context.Context, tx Tx, id string) (*model.Transaction, error)
	ListByUser(ctx context.Context, tx Tx, userID string, limit int) ([]*model.Transaction, error)
	// ListOpenOlderThan returns CREATED/PREPARED transactions of the given providers
	// last touched before olderThan, oldest first.
	ListOpenOlderThan(ctx context.Context, tx Tx, providers []string, olderThan time.Time, limit int) ([]*model.Transaction, error)
	SumCompletedByProvider(ctx context.Context, tx Tx, since time.Time) (map[string]int64, error)
	CountByState(ctx context.Context, tx Tx) (map[model.State]int, error)

	AppendRawEvent(ctx context.Context, tx Tx, e *model.RawEvent) error
	ListRawEvents(ctx context.Context, tx Tx, transactionID string) ([]*model.RawEvent, error)

	SaveResponse(ctx context.Context, tx Tx, r *model.StoredResponse) error
	FindResponse(ctx context.Context, tx Tx, transactionID string, action model.Action) (*model.StoredResponse, error)
}
