// File: internal/infra/adapters/payment/click_adapter.go
package payment

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"spiko-billing/internal/domain"
	"spiko-billing/internal/domain/model"
	sig "spiko-billing/internal/infra/payment"
)

// Click wire error codes.
const (
	ClickOK                  = 0
	ClickSignFailed          = -1
	ClickIncorrectAmount     = -2
	ClickActionNotFound      = -3
	ClickAlreadyPaid         = -4
	ClickUserNotFound        = -5
	ClickTransactionNotFound = -6
	ClickUpdateFailed        = -7
	ClickBadRequest          = -8
	ClickCancelled           = -9
)

var clickNotes = map[int]string{
	ClickOK:                  "Success",
	ClickSignFailed:          "SIGN CHECK FAILED!",
	ClickIncorrectAmount:     "Incorrect parameter amount",
	ClickActionNotFound:      "Action not found",
	ClickAlreadyPaid:         "Already paid",
	ClickUserNotFound:        "User does not exist",
	ClickTransactionNotFound: "Transaction does not exist",
	ClickUpdateFailed:        "Failed to update user",
	ClickBadRequest:          "Error in request from click",
	ClickCancelled:           "Transaction cancelled",
}

var kindToClick = map[domain.ErrorKind]int{
	domain.KindSignatureInvalid:       ClickSignFailed,
	domain.KindAmountMismatch:         ClickIncorrectAmount,
	domain.KindPlanNotFound:           ClickActionNotFound,
	domain.KindAlreadyProcessed:       ClickAlreadyPaid,
	domain.KindUserNotFound:           ClickUserNotFound,
	domain.KindTransactionNotFound:    ClickTransactionNotFound,
	domain.KindInvalidStateTransition: ClickTransactionNotFound,
	domain.KindPersistenceFailure:     ClickUpdateFailed,
	domain.KindProviderUnavailable:    ClickUpdateFailed,
	domain.KindMalformedRequest:       ClickBadRequest,
	domain.KindTransactionCancelled:   ClickCancelled,
}

const maxClickBody = 64 << 10

// ErrUnknownAction is returned for an action other than 0 (prepare) or 1 (complete).
var ErrUnknownAction = errors.New("click: action not found")

// ClickRequest is one inbound Click callback. Every field keeps its wire text,
// because the signature is computed over the text as sent.
type ClickRequest struct {
	ClickTransID      string `validate:"required,numeric"`
	ServiceID         string `validate:"required,numeric"`
	ClickPaydocID     string `validate:"omitempty,numeric"`
	MerchantTransID   string `validate:"max=64"`
	MerchantPrepareID string `validate:"max=64"`
	Amount            string `validate:"required,numeric"`
	Action            string `validate:"required"`
	Error             string `validate:"omitempty,numeric"`
	ErrorNote         string
	SignTime          string `validate:"required"`
	SignString        string `validate:"required,hexadecimal"`

	Raw []byte `validate:"-"`
}

// DecodeClickRequest reads a Click body, which arrives either as JSON or as a
// form-encoded POST.
func DecodeClickRequest(body []byte, contentType string) (*ClickRequest, error) {
	vals, err := decodeFlat(body, contentType)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrMalformedRequest, err)
	}
	return &ClickRequest{
		ClickTransID:      vals["click_trans_id"],
		ServiceID:         vals["service_id"],
		ClickPaydocID:     vals["click_paydoc_id"],
		MerchantTransID:   vals["merchant_trans_id"],
		MerchantPrepareID: vals["merchant_prepare_id"],
		Amount:            vals["amount"],
		Action:            vals["action"],
		Error:             vals["error"],
		ErrorNote:         vals["error_note"],
		SignTime:          vals["sign_time"],
		SignString:        vals["sign_string"],
		Raw:               body,
	}, nil
}

func decodeFlat(body []byte, contentType string) (map[string]string, error) {
	mt, _, _ := mime.ParseMediaType(contentType)
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 {
		return nil, errors.New("empty body")
	}
	if mt == "application/json" || trimmed[0] == '{' {
		dec := json.NewDecoder(bytes.NewReader(trimmed))
		dec.UseNumber()
		var m map[string]any
		if err := dec.Decode(&m); err != nil {
			return nil, err
		}
		out := make(map[string]string, len(m))
		for k, v := range m {
			switch t := v.(type) {
			case nil:
				out[k] = ""
			case string:
				out[k] = t
			case json.Number:
				out[k] = t.String()
			case bool:
				out[k] = strconv.FormatBool(t)
			default:
				return nil, fmt.Errorf("field %q is not scalar", k)
			}
		}
		return out, nil
	}
	q, err := url.ParseQuery(string(trimmed))
	if err != nil {
		return nil, err
	}
	out := make(map[string]string, len(q))
	for k := range q {
		out[k] = q.Get(k)
	}
	return out, nil
}

// SignedAction is the action the signature string is built for. Anything that
// is not "1" is signed like a prepare.
func (r *ClickRequest) SignedAction() model.Action {
	if r.Action == "1" {
		return model.ActionComplete
	}
	return model.ActionPrepare
}

// Fields returns the signed fields in the verifier's vocabulary.
func (r *ClickRequest) Fields() sig.Fields {
	return sig.Fields{
		"click_trans_id":      r.ClickTransID,
		"service_id":          r.ServiceID,
		"merchant_trans_id":   r.MerchantTransID,
		"merchant_prepare_id": r.MerchantPrepareID,
		"amount":              r.Amount,
		"action":              r.Action,
		"sign_time":           r.SignTime,
	}
}

// Probe reports whether Click is only checking that the endpoint answers.
func (r *ClickRequest) Probe() bool {
	switch r.MerchantTransID {
	case "", "test", "0":
		return true
	}
	id, err := strconv.ParseInt(r.ClickTransID, 10, 64)
	return err == nil && id == 0
}

// AmountMinor converts the major-unit amount Click sends ("15000.00") into
// tiyin. Fractions below one tiyin are rejected.
func (r *ClickRequest) AmountMinor() (int64, error) {
	d, err := decimal.NewFromString(strings.TrimSpace(r.Amount))
	if err != nil {
		return 0, fmt.Errorf("%w: amount %q", domain.ErrMalformedRequest, r.Amount)
	}
	minor := d.Shift(2)
	if !minor.Equal(minor.Truncate(0)) || minor.Sign() < 0 {
		return 0, fmt.Errorf("%w: amount %q", domain.ErrMalformedRequest, r.Amount)
	}
	return minor.IntPart(), nil
}

func (r *ClickRequest) providerError() int {
	if r.Error == "" {
		return 0
	}
	n, err := strconv.Atoi(r.Error)
	if err != nil {
		return 0
	}
	return n
}

// ClickResponse is the envelope Click expects, always with HTTP 200.
type ClickResponse struct {
	ClickTransID      int64  `json:"click_trans_id,omitempty"`
	MerchantTransID   string `json:"merchant_trans_id,omitempty"`
	MerchantPrepareID string `json:"merchant_prepare_id,omitempty"`
	MerchantConfirmID string `json:"merchant_confirm_id,omitempty"`
	Error             int    `json:"error"`
	ErrorNote         string `json:"error_note"`
}

// PlanResolver finds the plan Click knows by its service id.
type PlanResolver interface {
	ByProviderRef(ctx context.Context, provider, ref string) (*model.Plan, error)
}

// ClickAdapter turns Click callbacks into ledger events and ledger outcomes
// back into Click envelopes.
type ClickAdapter struct {
	verifier *sig.SignatureVerifier
	plans    PlanResolver
	validate *validator.Validate
	currency string
	log      *zerolog.Logger
}

func NewClickAdapter(verifier *sig.SignatureVerifier, plans PlanResolver, logger *zerolog.Logger) *ClickAdapter {
	l := logger.With().Str("component", "click_adapter").Str("provider", model.ProviderClick).Logger()
	return &ClickAdapter{
		verifier: verifier,
		plans:    plans,
		validate: validator.New(),
		currency: "UZS",
		log:      &l,
	}
}

// ParseInbound runs the inbound pipeline up to the ledger: decode, signature,
// field validation, plan lookup. A nil event with a nil error is a validation
// probe that must be answered with success without touching the ledger.
// The returned request is non-nil whenever the body could be decoded, so the
// error envelope can echo its ids.
func (a *ClickAdapter) ParseInbound(r *http.Request) (*ClickRequest, model.Event, error) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxClickBody))
	if err != nil {
		return nil, nil, fmt.Errorf("%w: read body: %v", domain.ErrMalformedRequest, err)
	}
	req, err := DecodeClickRequest(body, r.Header.Get("Content-Type"))
	if err != nil {
		return nil, nil, err
	}
	ev, err := a.Event(r.Context(), req)
	return req, ev, err
}

// Event validates an already decoded request and builds its ledger event.
func (a *ClickAdapter) Event(ctx context.Context, req *ClickRequest) (model.Event, error) {
	if !a.verifier.Verify(model.ProviderClick, req.SignedAction(), req.Fields(), req.SignString) {
		return nil, domain.ErrSignatureInvalid
	}
	if err := a.validate.Struct(req); err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrMalformedRequest, err)
	}
	if req.Action != "0" && req.Action != "1" {
		return nil, fmt.Errorf("%w: %q", ErrUnknownAction, req.Action)
	}
	if req.Probe() {
		a.log.Info().Str("click_trans_id", req.ClickTransID).Msg("validation probe")
		return nil, nil
	}

	src := model.Source{ProviderRef: req.ClickTransID, Raw: req.Raw}
	if code := req.providerError(); code < 0 {
		// Click already gave up on the payment; the amount is informational here
		amount, _ := req.AmountMinor()
		return model.FailEvent{Source: src, Amount: amount, Reason: fmt.Sprintf("click error %d: %s", code, req.ErrorNote)}, nil
	}

	amount, err := req.AmountMinor()
	if err != nil {
		return nil, err
	}
	plan, err := a.plans.ByProviderRef(ctx, model.ProviderClick, req.ServiceID)
	if err != nil {
		if errors.Is(err, domain.ErrPlanNotFound) || errors.Is(err, domain.ErrNotFound) {
			return nil, fmt.Errorf("%w: service_id %s", domain.ErrPlanNotFound, req.ServiceID)
		}
		return nil, err
	}

	if req.Action == "0" {
		return model.PrepareEvent{Source: src, Amount: amount, Currency: a.currency, PlanID: plan.ID}, nil
	}
	return model.CompleteEvent{Source: src, Amount: amount, PrepareID: req.MerchantPrepareID, PlanID: plan.ID}, nil
}

// ErrorToWire maps an error kind to Click's envelope.
func (a *ClickAdapter) ErrorToWire(req *ClickRequest, kind domain.ErrorKind) ClickResponse {
	code, ok := kindToClick[kind]
	if !ok {
		code = ClickUpdateFailed
	}
	return a.envelope(req, code)
}

// ErrorFor classifies err and maps it. An unknown merchant_trans_id is an order
// Click cannot attribute to a user (-5), unless Click itself reported a failure
// for it (-9); a stale prepare id is -6.
func (a *ClickAdapter) ErrorFor(req *ClickRequest, err error) ClickResponse {
	switch {
	case req != nil && req.providerError() < 0 && errors.Is(err, domain.ErrTransactionNotFound):
		// a failure report for an order we never opened still closes it on Click's side
		return a.envelope(req, ClickCancelled)
	case errors.Is(err, ErrUnknownAction):
		return a.envelope(req, ClickActionNotFound)
	case errors.Is(err, domain.ErrTransactionNotFound):
		return a.ErrorToWire(req, domain.KindUserNotFound)
	}
	return a.ErrorToWire(req, domain.Kind(err))
}

// ProbeResponse is the success answer to a validation probe.
func (a *ClickAdapter) ProbeResponse(req *ClickRequest) ClickResponse {
	resp := a.envelope(req, ClickOK)
	if resp.MerchantTransID == "" {
		resp.MerchantTransID = "test"
	}
	resp.MerchantPrepareID = resp.MerchantTransID
	return resp
}

// Render builds the success envelope for the transaction's current state.
// A transaction that ended FAILED or CANCELLED answers -9.
func (a *ClickAdapter) Render(req *ClickRequest, t *model.Transaction) ([]byte, error) {
	var resp ClickResponse
	switch t.State {
	case model.StateFailed, model.StateCancelled:
		resp = a.envelope(req, ClickCancelled)
	default:
		resp = a.envelope(req, ClickOK)
		resp.MerchantPrepareID = t.PrepareID
		if t.State == model.StateCompleted {
			resp.MerchantConfirmID = t.InternalID
		}
	}
	return json.Marshal(resp)
}

// Renderer binds Render to one request for the ledger.
func (a *ClickAdapter) Renderer(req *ClickRequest) func(*model.Transaction) ([]byte, error) {
	return func(t *model.Transaction) ([]byte, error) { return a.Render(req, t) }
}

func (a *ClickAdapter) envelope(req *ClickRequest, code int) ClickResponse {
	resp := ClickResponse{Error: code, ErrorNote: clickNotes[code]}
	if req != nil {
		resp.ClickTransID, _ = strconv.ParseInt(req.ClickTransID, 10, 64)
		resp.MerchantTransID = req.MerchantTransID
	}
	return resp
}

// StatusFor is the HTTP status to answer with. Only retryable failures leave
// the 200 convention, so Click redelivers.
func StatusFor(resp ClickResponse) int {
	if resp.Error == ClickUpdateFailed {
		return http.StatusServiceUnavailable
	}
	return http.StatusOK
}
