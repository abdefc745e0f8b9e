package api

import (
	"context"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog"

	"spiko-billing/internal/domain/model"
	"spiko-billing/internal/usecase"
)

type Payments interface {
	CreatePayment(ctx context.Context, userID, provider, planID string) (*usecase.Initiation, error)
	VerifyPurchase(ctx context.Context, userID, provider, token, planID string) (*usecase.Verification, error)
	Cancel(ctx context.Context, userID, internalID string) (*model.Transaction, error)
}

type Subscriptions interface {
	Get(ctx context.Context, userID string) (model.Subscription, error)
}

type Ledger interface {
	Get(ctx context.Context, internalID string) (*model.Transaction, error)
	ListByUser(ctx context.Context, userID string, limit int) ([]*model.Transaction, error)
	RawEvents(ctx context.Context, internalID string) ([]*model.RawEvent, error)
}

type Reconciler interface {
	Requeue(ctx context.Context, transactionID string) error
	Job(ctx context.Context, transactionID string) (*model.ReconciliationJob, error)
}

type Stats interface {
	Snapshot(ctx context.Context) (*usecase.Stats, error)
}

// Server is the authenticated internal API: payment initiation and
// verification for users, and a read-mostly admin surface.
type Server struct {
	payments   Payments
	subs       Subscriptions
	ledger     Ledger
	reconciler Reconciler
	stats      Stats

	users    *TokenManager
	admins   *TokenManager
	validate *validator.Validate
	log      *zerolog.Logger
}

func NewServer(
	payments Payments,
	subs Subscriptions,
	ledger Ledger,
	reconciler Reconciler,
	stats Stats,
	users *TokenManager,
	admins *TokenManager,
	logger *zerolog.Logger,
) *Server {
	l := logger.With().Str("component", "api").Logger()
	return &Server{
		payments:   payments,
		subs:       subs,
		ledger:     ledger,
		reconciler: reconciler,
		stats:      stats,
		users:      users,
		admins:     admins,
		validate:   validator.New(),
		log:        &l,
	}
}

// Routes returns the /api/v1 router, to be mounted by the caller.
func (s *Server) Routes() chi.Router {
	r := chi.NewRouter()

	r.Group(func(r chi.Router) {
		r.Use(s.users.RequireUser)
		r.Post("/payments", s.handleCreatePayment)
		r.Post("/payments/verify", s.handleVerify)
		r.Post("/payments/{id}/cancel", s.handleCancel)
		r.Get("/subscription", s.handleSubscription)
	})

	r.Route("/admin", func(r chi.Router) {
		r.Use(s.admins.RequireAdmin)
		r.Get("/transactions/{id}", s.handleAdminTransaction)
		r.Get("/users/{id}/transactions", s.handleAdminUserTransactions)
		r.Get("/reconciliations/{id}", s.handleAdminJob)
		r.Post("/reconciliations/{id}/retry", s.handleAdminRetry)
		r.Get("/stats", s.handleAdminStats)
	})

	return r
}

// Mount attaches the API under /api/v1 of root.
func (s *Server) Mount(root chi.Router) {
	root.Mount("/api/v1", s.Routes())
}
