package payment

import (
	"context"
	"fmt"
	"sync"

	"spiko-billing/internal/domain"
	"spiko-billing/internal/domain/model"
	"spiko-billing/internal/domain/ports/adapter"
)

var _ adapter.ReceiptProvider = (*NoopReceiptProvider)(nil)

// NoopReceiptProvider is a simple in-memory receipt provider for local runs and tests.
// Receipts stay pending until Settle is called.
type NoopReceiptProvider struct {
	mu       sync.Mutex
	seq      int64
	receipts map[string]adapter.ReceiptStatus
	baseURL  string
}

func NewNoopReceiptProvider(baseURL string) *NoopReceiptProvider {
	if baseURL == "" {
		baseURL = "https://example.test/pay"
	}
	return &NoopReceiptProvider{
		receipts: make(map[string]adapter.ReceiptStatus),
		baseURL:  baseURL,
	}
}

func (g *NoopReceiptProvider) Name() string { return model.ProviderNoop }

func (g *NoopReceiptProvider) CreateReceipt(ctx context.Context, order adapter.ReceiptOrder) (*adapter.Receipt, error) {
	if order.Amount <= 0 {
		return nil, domain.ErrInvalidArgument
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	g.seq++
	id := fmt.Sprintf("noop-%d", g.seq)
	g.receipts[id] = adapter.ReceiptPending
	return &adapter.Receipt{ID: id, CheckoutURL: g.baseURL + "/" + id}, nil
}

func (g *NoopReceiptProvider) CheckReceipt(ctx context.Context, receiptID string) (adapter.ReceiptStatus, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	st, ok := g.receipts[receiptID]
	if !ok {
		return adapter.ReceiptPending, fmt.Errorf("noop: receipt %s not found", receiptID)
	}
	return st, nil
}

func (g *NoopReceiptProvider) CancelReceipt(ctx context.Context, receiptID string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	st, ok := g.receipts[receiptID]
	if !ok {
		return fmt.Errorf("noop: receipt %s not found", receiptID)
	}
	if st == adapter.ReceiptPaid {
		return fmt.Errorf("noop: receipt %s already paid", receiptID)
	}
	g.receipts[receiptID] = adapter.ReceiptCancelled
	return nil
}

// Settle marks a receipt paid, as if the user finished checkout.
func (g *NoopReceiptProvider) Settle(receiptID string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	st, ok := g.receipts[receiptID]
	if !ok {
		return fmt.Errorf("noop: receipt %s not found", receiptID)
	}
	if st == adapter.ReceiptCancelled {
		return fmt.Errorf("noop: receipt %s was cancelled", receiptID)
	}
	g.receipts[receiptID] = adapter.ReceiptPaid
	return nil
}
