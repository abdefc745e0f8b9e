package model

import (
	"fmt"
	"time"

	"spiko-billing/internal/domain"
)

const (
	ProviderClick = "click" // two-phase push (prepare/complete webhooks)
	ProviderPayme = "payme" // redirect + receipt poll
	ProviderNoop  = "noop"  // in-memory receipt provider for local runs
)

// State is the ledger state of a transaction.
type State string

const (
	StateCreated   State = "CREATED"
	StatePrepared  State = "PREPARED"
	StateCompleted State = "COMPLETED"
	StateCancelled State = "CANCELLED"
	StateFailed    State = "FAILED"
)

// Terminal reports whether no further transitions are accepted.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateCancelled || s == StateFailed
}

// Action is the lifecycle step carried by an inbound or internal event.
type Action string

const (
	ActionCreate   Action = "create"
	ActionPrepare  Action = "prepare"
	ActionComplete Action = "complete"
	ActionCancel   Action = "cancel"
	ActionFail     Action = "fail"
)

var transitions = map[State]map[State]bool{
	StateCreated:  {StatePrepared: true, StateCancelled: true, StateFailed: true},
	StatePrepared: {StateCompleted: true, StateCancelled: true, StateFailed: true},
}

// CanTransition reports whether from -> to is a forward edge of the state machine.
func CanTransition(from, to State) bool {
	return transitions[from][to]
}

// Transaction is a single payment attempt as recorded by the ledger.
type Transaction struct {
	InternalID    string // ULID
	Provider      string
	ExternalID    string // unique per provider
	ProviderRef   string // provider-side id (click_trans_id, receipt id)
	UserID        string
	PlanID        string
	Amount        int64 // minor units
	Currency      string
	State         State
	PrepareID     string
	FailureReason string
	CreatedAt     time.Time
	PreparedAt    *time.Time
	CompletedAt   *time.Time
	CancelledAt   *time.Time
	FailedAt      *time.Time
	UpdatedAt     time.Time
}

// NewTransaction validates and constructs a CREATED transaction.
func NewTransaction(id, provider, externalID, userID, planID string, amount int64, currency string, now time.Time) (*Transaction, error) {
	if id == "" || provider == "" || externalID == "" || userID == "" || planID == "" || amount <= 0 {
		return nil, domain.ErrInvalidArgument
	}
	return &Transaction{
		InternalID: id,
		Provider:   provider,
		ExternalID: externalID,
		UserID:     userID,
		PlanID:     planID,
		Amount:     amount,
		Currency:   currency,
		State:      StateCreated,
		CreatedAt:  now,
		UpdatedAt:  now,
	}, nil
}

func (t *Transaction) IsZero() bool { return t == nil || t.InternalID == "" }

func (t *Transaction) move(to State, now time.Time) error {
	if !CanTransition(t.State, to) {
		return fmt.Errorf("%w: %s -> %s", domain.ErrInvalidStateTransition, t.State, to)
	}
	// timestamps never go backwards even if the clock does
	if now.Before(t.UpdatedAt) {
		now = t.UpdatedAt
	}
	t.State = to
	t.UpdatedAt = now
	return nil
}

// Prepare moves CREATED -> PREPARED and records the issued prepare id.
func (t *Transaction) Prepare(prepareID string, now time.Time) error {
	if prepareID == "" {
		return domain.ErrInvalidArgument
	}
	if err := t.move(StatePrepared, now); err != nil {
		return err
	}
	t.PrepareID = prepareID
	at := t.UpdatedAt
	t.PreparedAt = &at
	return nil
}

// Complete moves PREPARED -> COMPLETED when prepareID matches the one issued at prepare.
func (t *Transaction) Complete(prepareID string, now time.Time) error {
	if t.State == StatePrepared && prepareID != t.PrepareID {
		return domain.ErrPrepareMismatch
	}
	if err := t.move(StateCompleted, now); err != nil {
		return err
	}
	at := t.UpdatedAt
	t.CompletedAt = &at
	return nil
}

func (t *Transaction) Cancel(reason string, now time.Time) error {
	if err := t.move(StateCancelled, now); err != nil {
		return err
	}
	t.FailureReason = reason
	at := t.UpdatedAt
	t.CancelledAt = &at
	return nil
}

func (t *Transaction) Fail(reason string, now time.Time) error {
	if err := t.move(StateFailed, now); err != nil {
		return err
	}
	t.FailureReason = reason
	at := t.UpdatedAt
	t.FailedAt = &at
	return nil
}

// RawEvent is one inbound call as received, kept for audit. Rows are never updated.
type RawEvent struct {
	ID            string
	TransactionID string
	Action        Action
	Payload       []byte
	Accepted      bool
	Note          string
	ReceivedAt    time.Time
}

// StoredResponse holds the exact bytes answered for an accepted transition.
type StoredResponse struct {
	TransactionID string
	Action        Action
	Body          []byte
	CreatedAt     time.Time
}

// Outcome is what the ledger decided for one event.
type Outcome struct {
	Transaction *Transaction
	Action      Action
	Replayed    bool
	Response    []byte
}
