package adapter

import (
	"context"
)

// ReceiptStatus is the provider's view of a receipt, collapsed to what the ledger acts on.
type ReceiptStatus int

const (
	ReceiptPending ReceiptStatus = iota
	ReceiptPaid
	ReceiptCancelled
)

func (s ReceiptStatus) String() string {
	switch s {
	case ReceiptPaid:
		return "paid"
	case ReceiptCancelled:
		return "cancelled"
	}
	return "pending"
}

type ReceiptOrder struct {
	UserID      string
	PlanID      string
	Amount      int64 // minor units
	Description string
}

type Receipt struct {
	ID          string
	CheckoutURL string
}

// ReceiptProvider is the port for redirect/poll providers: the server opens a
// receipt, the user pays on the provider's page, and the status is polled.
type ReceiptProvider interface {
	Name() string
	CreateReceipt(ctx context.Context, order ReceiptOrder) (*Receipt, error)
	CheckReceipt(ctx context.Context, receiptID string) (ReceiptStatus, error)
	CancelReceipt(ctx context.Context, receiptID string) error
}

// CheckoutLinker is the port for push providers where the server only builds the
// payment link and waits for the provider's webhooks.
type CheckoutLinker interface {
	Name() string
	CheckoutURL(externalID string, amount int64, providerRef string) (string, error)
}
