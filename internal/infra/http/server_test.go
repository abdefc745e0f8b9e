//go:build !integration

package http_test

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"

	"github.com/rs/zerolog"

	"spiko-billing/internal/config"
	"spiko-billing/internal/domain"
	"spiko-billing/internal/domain/model"
	"spiko-billing/internal/infra/adapters/payment"
	gateway "spiko-billing/internal/infra/http"
	sig "spiko-billing/internal/infra/payment"
	"spiko-billing/internal/usecase"
)

const (
	testSecret  = "test_secret"
	proxySecret = "relay-shared-secret"
)

func newTestLogger() *zerolog.Logger {
	l := zerolog.New(io.Discard)
	return &l
}

type stubPlans struct{}

func (stubPlans) ByProviderRef(ctx context.Context, provider, ref string) (*model.Plan, error) {
	if provider == model.ProviderClick && ref == "80012" {
		return &model.Plan{ID: "silver_monthly", Tier: "silver", DurationDays: 30}, nil
	}
	return nil, domain.ErrNotFound
}

// fakeLedger stores the first rendered response per (external id, action) and
// replays it afterwards.
type fakeLedger struct {
	mu        sync.Mutex
	stored    map[string][]byte
	events    []model.Event
	ApplyFunc func(ctx context.Context, provider, externalID string, ev model.Event, render usecase.Renderer) (model.Outcome, error)
}

func newFakeLedger() *fakeLedger { return &fakeLedger{stored: map[string][]byte{}} }

func (f *fakeLedger) Apply(ctx context.Context, provider, externalID string, ev model.Event, render usecase.Renderer) (model.Outcome, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, ev)
	if f.ApplyFunc != nil {
		return f.ApplyFunc(ctx, provider, externalID, ev, render)
	}
	key := externalID + "/" + string(ev.Action())
	if b, ok := f.stored[key]; ok {
		return model.Outcome{Action: ev.Action(), Replayed: true, Response: b}, nil
	}
	t := &model.Transaction{InternalID: "01INT", ExternalID: externalID, PrepareID: "01PREP"}
	switch ev.(type) {
	case model.PrepareEvent:
		t.State = model.StatePrepared
	case model.CompleteEvent:
		t.State = model.StateCompleted
	case model.FailEvent:
		t.State = model.StateFailed
	}
	b, err := render(t)
	if err != nil {
		return model.Outcome{}, err
	}
	f.stored[key] = b
	return model.Outcome{Action: ev.Action(), Transaction: t, Response: b}, nil
}

func (f *fakeLedger) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.events)
}

type fixture struct {
	srv      *httptest.Server
	ledger   *fakeLedger
	verifier *sig.SignatureVerifier
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	v := sig.NewSignatureVerifier(newTestLogger(), map[string]sig.Scheme{model.ProviderClick: sig.ClickScheme(testSecret)})
	ledger := newFakeLedger()
	s := gateway.NewServer(config.HTTPConfig{RequestTimeout: 5e9}, gateway.Options{
		Click:       payment.NewClickAdapter(v, stubPlans{}, newTestLogger()),
		Ledger:      ledger,
		ProxySecret: proxySecret,
	}, newTestLogger())
	srv := httptest.NewServer(s.Handler())
	t.Cleanup(srv.Close)
	return &fixture{srv: srv, ledger: ledger, verifier: v}
}

func (f *fixture) form(t *testing.T, action, prepareID string) url.Values {
	t.Helper()
	q := url.Values{}
	q.Set("click_trans_id", "12345")
	q.Set("service_id", "80012")
	q.Set("click_paydoc_id", "777")
	q.Set("merchant_trans_id", "ext-1")
	q.Set("amount", "15000.00")
	q.Set("action", action)
	q.Set("error", "0")
	q.Set("error_note", "Success")
	q.Set("sign_time", "2025-08-10 12:30:00")
	signAction := model.ActionPrepare
	if action == "1" {
		q.Set("merchant_prepare_id", prepareID)
		signAction = model.ActionComplete
	}
	fields := sig.Fields{}
	for k := range q {
		fields[k] = q.Get(k)
	}
	s, err := f.verifier.Sign(model.ProviderClick, signAction, fields)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	q.Set("sign_string", s)
	return q
}

func (f *fixture) post(t *testing.T, path string, q url.Values, hdr map[string]string) (int, string) {
	t.Helper()
	req, _ := http.NewRequest(http.MethodPost, f.srv.URL+path, strings.NewReader(q.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	for k, v := range hdr {
		req.Header.Set(k, v)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	defer resp.Body.Close()
	b, _ := io.ReadAll(resp.Body)
	return resp.StatusCode, string(b)
}

func decode(t *testing.T, body string) payment.ClickResponse {
	t.Helper()
	var r payment.ClickResponse
	if err := json.Unmarshal([]byte(body), &r); err != nil {
		t.Fatalf("decode %q: %v", body, err)
	}
	return r
}

func TestClickWebhook_PrepareThenComplete(t *testing.T) {
	f := newFixture(t)

	code, body := f.post(t, "/webhook/click/prepare", f.form(t, "0", ""), nil)
	if code != http.StatusOK {
		t.Fatalf("prepare: want 200, got %d", code)
	}
	prep := decode(t, body)
	if prep.Error != 0 || prep.MerchantPrepareID != "01PREP" || prep.ClickTransID != 12345 {
		t.Fatalf("unexpected prepare envelope %+v", prep)
	}

	code, body = f.post(t, "/webhook/click/complete", f.form(t, "1", "01PREP"), nil)
	if code != http.StatusOK {
		t.Fatalf("complete: want 200, got %d", code)
	}
	comp := decode(t, body)
	if comp.Error != 0 || comp.MerchantConfirmID != "01INT" {
		t.Fatalf("unexpected complete envelope %+v", comp)
	}

	_, again := f.post(t, "/webhook/click", f.form(t, "1", "01PREP"), nil)
	if again != body {
		t.Errorf("expected byte-identical replay\nfirst:  %s\nsecond: %s", body, again)
	}
}

func TestClickWebhook_Rejections(t *testing.T) {
	t.Run("tampered amount fails the signature before the ledger", func(t *testing.T) {
		f := newFixture(t)
		q := f.form(t, "0", "")
		q.Set("amount", "1.00")

		code, body := f.post(t, "/webhook/click", q, nil)

		if code != http.StatusOK {
			t.Fatalf("want 200 envelope, got %d", code)
		}
		if r := decode(t, body); r.Error != payment.ClickSignFailed {
			t.Errorf("expected -1, got %+v", r)
		}
		if f.ledger.calls() != 0 {
			t.Error("ledger must not be reached on a bad signature")
		}
	})

	t.Run("complete on the prepare route", func(t *testing.T) {
		f := newFixture(t)
		_, body := f.post(t, "/webhook/click/prepare", f.form(t, "1", "01PREP"), nil)
		if r := decode(t, body); r.Error != payment.ClickActionNotFound {
			t.Errorf("expected -3, got %+v", r)
		}
	})

	t.Run("ledger amount mismatch", func(t *testing.T) {
		f := newFixture(t)
		f.ledger.ApplyFunc = func(ctx context.Context, provider, externalID string, ev model.Event, render usecase.Renderer) (model.Outcome, error) {
			return model.Outcome{}, domain.ErrAmountMismatch
		}
		_, body := f.post(t, "/webhook/click", f.form(t, "0", ""), nil)
		if r := decode(t, body); r.Error != payment.ClickIncorrectAmount || r.MerchantTransID != "ext-1" {
			t.Errorf("expected -2 echoing ids, got %+v", r)
		}
	})

	t.Run("persistence failure asks for a retry", func(t *testing.T) {
		f := newFixture(t)
		f.ledger.ApplyFunc = func(ctx context.Context, provider, externalID string, ev model.Event, render usecase.Renderer) (model.Outcome, error) {
			return model.Outcome{}, errors.New("connection reset")
		}
		code, body := f.post(t, "/webhook/click", f.form(t, "1", "01PREP"), nil)
		if code != http.StatusServiceUnavailable {
			t.Errorf("want 503, got %d", code)
		}
		if r := decode(t, body); r.Error != payment.ClickUpdateFailed {
			t.Errorf("expected -7, got %+v", r)
		}
	})

	t.Run("validation probe skips the ledger", func(t *testing.T) {
		f := newFixture(t)
		q := f.form(t, "0", "")
		q.Set("merchant_trans_id", "test")
		fields := sig.Fields{}
		for k := range q {
			fields[k] = q.Get(k)
		}
		s, _ := f.verifier.Sign(model.ProviderClick, model.ActionPrepare, fields)
		q.Set("sign_string", s)

		_, body := f.post(t, "/webhook/click", q, nil)

		if r := decode(t, body); r.Error != 0 {
			t.Errorf("expected success for probe, got %+v", r)
		}
		if f.ledger.calls() != 0 {
			t.Error("probe must not reach the ledger")
		}
	})
}

func TestClickRelayRoute(t *testing.T) {
	f := newFixture(t)

	t.Run("missing proxy secret", func(t *testing.T) {
		code, _ := f.post(t, "/internal/relay/click", f.form(t, "0", ""), nil)
		if code != http.StatusForbidden {
			t.Errorf("want 403, got %d", code)
		}
	})

	t.Run("wrong proxy secret", func(t *testing.T) {
		code, _ := f.post(t, "/internal/relay/click", f.form(t, "0", ""), map[string]string{gateway.HeaderProxyAuth: "nope"})
		if code != http.StatusForbidden {
			t.Errorf("want 403, got %d", code)
		}
	})

	t.Run("relay auth does not replace the provider signature", func(t *testing.T) {
		q := f.form(t, "0", "")
		q.Set("sign_string", strings.Repeat("0", 32))
		_, body := f.post(t, "/internal/relay/click/prepare", q, map[string]string{gateway.HeaderProxyAuth: proxySecret})
		if r := decode(t, body); r.Error != payment.ClickSignFailed {
			t.Errorf("expected -1, got %+v", r)
		}
	})

	t.Run("authenticated relay", func(t *testing.T) {
		code, body := f.post(t, "/internal/relay/click/prepare", f.form(t, "0", ""), map[string]string{gateway.HeaderProxyAuth: proxySecret})
		if code != http.StatusOK || decode(t, body).Error != 0 {
			t.Errorf("unexpected relay answer %d %s", code, body)
		}
	})
}

func TestHealthAndMetrics(t *testing.T) {
	f := newFixture(t)
	for _, p := range []string{"/health", "/metrics"} {
		resp, err := http.Get(f.srv.URL + p)
		if err != nil {
			t.Fatalf("%s: %v", p, err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			t.Errorf("%s: want 200, got %d", p, resp.StatusCode)
		}
	}
}
