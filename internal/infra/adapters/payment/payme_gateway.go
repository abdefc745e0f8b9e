// File: internal/infra/adapters/payment/payme_gateway.go
package payment

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"spiko-billing/internal/config"
	"spiko-billing/internal/domain"
	"spiko-billing/internal/domain/model"
	"spiko-billing/internal/domain/ports/adapter"
	"spiko-billing/internal/infra/metrics"
)

var _ adapter.ReceiptProvider = (*PaymeGateway)(nil)

// Payme receipt states the ledger cares about. Anything else is still in flight.
const (
	paymeStatePaid      = 4
	paymeStateCancelled = 50
)

// PaymeGateway implements adapter.ReceiptProvider on the Payme receipts JSON-RPC API.
type PaymeGateway struct {
	merchantID  string
	secret      string
	apiURL      string
	checkoutURL string
	client      *http.Client
	seq         atomic.Int64
	log         *zerolog.Logger
}

func NewPaymeGateway(creds config.PaymeCredentials, timeout time.Duration, logger *zerolog.Logger) (*PaymeGateway, error) {
	if creds.MerchantID == "" || creds.SecretKey == "" {
		return nil, errors.New("payme: merchant id and secret key are required")
	}
	if creds.APIURL == "" || creds.CheckoutURL == "" {
		return nil, errors.New("payme: api and checkout urls are required")
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	l := logger.With().Str("component", "payme_gateway").Str("provider", model.ProviderPayme).Logger()
	return &PaymeGateway{
		merchantID:  creds.MerchantID,
		secret:      creds.SecretKey,
		apiURL:      creds.APIURL,
		checkoutURL: strings.TrimRight(creds.CheckoutURL, "/"),
		client:      &http.Client{Timeout: timeout},
		log:         &l,
	}, nil
}

func (g *PaymeGateway) Name() string { return model.ProviderPayme }

type rpcRequest struct {
	ID     int64  `json:"id"`
	Method string `json:"method"`
	Params any    `json:"params"`
}

type rpcError struct {
	Code    int             `json:"code"`
	Message json.RawMessage `json:"message"`
}

type rpcResponse struct {
	Result json.RawMessage `json:"result"`
	Error  *rpcError       `json:"error"`
}

type paymeReceipt struct {
	ID    string `json:"_id"`
	State int    `json:"state"`
}

// CreateReceipt calls receipts.create and returns the receipt id with its checkout URL.
func (g *PaymeGateway) CreateReceipt(ctx context.Context, order adapter.ReceiptOrder) (*adapter.Receipt, error) {
	params := map[string]any{
		"amount": order.Amount,
		"account": map[string]string{
			"user_id": order.UserID,
			"plan_id": order.PlanID,
		},
	}
	if order.Description != "" {
		params["description"] = order.Description
	}
	var out struct {
		Receipt paymeReceipt `json:"receipt"`
	}
	if err := g.call(ctx, "receipts.create", params, &out); err != nil {
		return nil, err
	}
	if out.Receipt.ID == "" {
		return nil, fmt.Errorf("%w: payme returned an empty receipt id", domain.ErrProviderUnavailable)
	}
	g.log.Info().Str("receipt_id", out.Receipt.ID).Int64("amount", order.Amount).Msg("receipt created")
	return &adapter.Receipt{
		ID:          out.Receipt.ID,
		CheckoutURL: g.checkoutURL + "/" + out.Receipt.ID,
	}, nil
}

// CheckReceipt calls receipts.check and collapses the Payme state.
func (g *PaymeGateway) CheckReceipt(ctx context.Context, receiptID string) (adapter.ReceiptStatus, error) {
	var out struct {
		State int `json:"state"`
	}
	if err := g.call(ctx, "receipts.check", map[string]string{"id": receiptID}, &out); err != nil {
		return adapter.ReceiptPending, err
	}
	switch out.State {
	case paymeStatePaid:
		return adapter.ReceiptPaid, nil
	case paymeStateCancelled:
		return adapter.ReceiptCancelled, nil
	}
	return adapter.ReceiptPending, nil
}

// CancelReceipt voids an unpaid receipt.
func (g *PaymeGateway) CancelReceipt(ctx context.Context, receiptID string) error {
	var out struct {
		Receipt paymeReceipt `json:"receipt"`
	}
	return g.call(ctx, "receipts.cancel", map[string]string{"id": receiptID}, &out)
}

// call performs one JSON-RPC round trip. Transport failures and 5xx answers
// wrap ErrProviderUnavailable; an RPC error object is a terminal rejection.
func (g *PaymeGateway) call(ctx context.Context, method string, params, result any) (err error) {
	start := time.Now()
	defer func() {
		metrics.ProviderCallDuration.
			WithLabelValues(model.ProviderPayme, method, fmt.Sprintf("%t", err == nil)).
			Observe(time.Since(start).Seconds())
		if err != nil {
			g.log.Warn().Err(err).Str("method", method).Dur("elapsed", time.Since(start)).Msg("payme call failed")
		}
	}()

	body, err := json.Marshal(rpcRequest{ID: g.seq.Add(1), Method: method, Params: params})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.apiURL, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Auth", g.merchantID+":"+g.secret)

	resp, err := g.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %s: %v", domain.ErrProviderUnavailable, method, err)
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("%w: %s: read body: %v", domain.ErrProviderUnavailable, method, err)
	}
	if resp.StatusCode >= 500 {
		return fmt.Errorf("%w: %s: http %d", domain.ErrProviderUnavailable, method, resp.StatusCode)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("payme %s: http %d", method, resp.StatusCode)
	}

	var out rpcResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		return fmt.Errorf("%w: %s: decode: %v", domain.ErrProviderUnavailable, method, err)
	}
	if out.Error != nil {
		return fmt.Errorf("payme %s: error %d: %s", method, out.Error.Code, errorMessage(out.Error.Message))
	}
	if len(out.Result) == 0 {
		return fmt.Errorf("%w: %s: empty result", domain.ErrProviderUnavailable, method)
	}
	return json.Unmarshal(out.Result, result)
}

// errorMessage flattens Payme's message, which is either a string or a
// per-locale object.
func errorMessage(raw json.RawMessage) string {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var loc map[string]string
	if err := json.Unmarshal(raw, &loc); err == nil {
		if m, ok := loc["en"]; ok {
			return m
		}
		for _, m := range loc {
			return m
		}
	}
	return string(raw)
}
