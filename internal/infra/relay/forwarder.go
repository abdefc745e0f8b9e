package relay

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"spiko-billing/internal/config"
	"spiko-billing/internal/domain"
	"spiko-billing/internal/domain/model"
	"spiko-billing/internal/infra/adapters/payment"
	"spiko-billing/internal/infra/api"
	"spiko-billing/internal/infra/logging"
	"spiko-billing/internal/infra/metrics"
	sig "spiko-billing/internal/infra/payment"
)

const (
	maxBody         = 64 << 10
	headerProxyAuth = "X-Proxy-Auth"
	backendPrefix   = "/internal/relay"
)

// Forwarder is the edge half of the relay: it passes provider callbacks to the
// backend unchanged, adds the relay secret, and hands the backend's answer
// back verbatim.
type Forwarder struct {
	backend     string
	proxySecret string
	client      *http.Client
	verifier    *sig.SignatureVerifier
	click       *payment.ClickAdapter
	log         *zerolog.Logger
}

// NewForwarder builds the relay. verifier may be nil; when set, requests with
// a bad Click signature are answered at the edge and never forwarded.
func NewForwarder(cfg config.RelayConfig, proxySecret string, verifier *sig.SignatureVerifier, logger *zerolog.Logger) (*Forwarder, error) {
	if cfg.BackendURL == "" || proxySecret == "" {
		return nil, fmt.Errorf("relay: backend url and proxy secret are required")
	}
	l := logger.With().Str("component", "relay").Logger()
	f := &Forwarder{
		backend:     strings.TrimRight(cfg.BackendURL, "/"),
		proxySecret: proxySecret,
		client:      &http.Client{Timeout: cfg.ForwardTimeout},
		log:         &l,
	}
	if cfg.VerifyAtEdge && verifier != nil {
		f.verifier = verifier
		f.click = payment.NewClickAdapter(verifier, nil, logger)
	}
	return f, nil
}

func (f *Forwarder) Handler(timeout time.Duration) http.Handler {
	r := chi.NewRouter()
	r.Use(api.Common(f.log, timeout)...)
	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})
	r.Handle("/metrics", promhttp.Handler())
	r.Route("/webhook/click", func(r chi.Router) {
		r.Post("/", f.forward("/click"))
		r.Post("/prepare", f.forward("/click/prepare"))
		r.Post("/complete", f.forward("/click/complete"))
	})
	return r
}

func (f *Forwarder) forward(path string) http.HandlerFunc {
	target := f.backend + backendPrefix + path
	return func(w http.ResponseWriter, r *http.Request) {
		l := logging.With(r.Context(), f.log)
		body, err := io.ReadAll(io.LimitReader(r.Body, maxBody+1))
		if err != nil {
			http.Error(w, "bad request", http.StatusBadRequest)
			return
		}
		if len(body) > maxBody {
			metrics.IncRelayForward("rejected")
			l.Warn().Str("path", path).Msg("request body over the relay limit")
			http.Error(w, "request body too large", http.StatusRequestEntityTooLarge)
			return
		}
		if f.verifier != nil && !f.edgeVerify(w, body, r.Header.Get("Content-Type")) {
			metrics.IncRelayForward("rejected")
			l.Warn().Str("path", path).Msg("edge signature check failed")
			return
		}

		status, err := f.send(r.Context(), w, target, body, r)
		if err != nil {
			metrics.IncRelayForward("error")
			l.Error().Err(err).Str("target", target).Msg("backend unreachable")
			// 5xx makes the provider redeliver
			http.Error(w, "backend unavailable", http.StatusBadGateway)
			return
		}
		metrics.IncRelayForward(statusClass(status))
		l.Info().Str("path", path).Int("backend_status", status).Msg("relayed")
	}
}

// edgeVerify answers the request itself when the Click signature is wrong.
func (f *Forwarder) edgeVerify(w http.ResponseWriter, body []byte, contentType string) bool {
	req, err := payment.DecodeClickRequest(body, contentType)
	var resp payment.ClickResponse
	switch {
	case err != nil:
		resp = f.click.ErrorFor(nil, err)
	case !f.verifier.Verify(model.ProviderClick, req.SignedAction(), req.Fields(), req.SignString):
		resp = f.click.ErrorFor(req, domain.ErrSignatureInvalid)
	default:
		return true
	}
	b, _ := json.Marshal(resp)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(payment.StatusFor(resp))
	_, _ = w.Write(b)
	return false
}

// send posts body to the backend and copies its answer into w. Nothing is
// written to w when the backend cannot be reached.
func (f *Forwarder) send(ctx context.Context, w http.ResponseWriter, target string, body []byte, in *http.Request) (int, error) {
	out, err := http.NewRequestWithContext(ctx, http.MethodPost, target, bytes.NewReader(body))
	if err != nil {
		return 0, err
	}
	if ct := in.Header.Get("Content-Type"); ct != "" {
		out.Header.Set("Content-Type", ct)
	}
	out.Header.Set(headerProxyAuth, f.proxySecret)
	out.Header.Set(api.HeaderRequestID, logging.TraceID(ctx))
	out.Header.Set("X-Forwarded-For", in.RemoteAddr)

	resp, err := f.client.Do(out)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	if ct := resp.Header.Get("Content-Type"); ct != "" {
		w.Header().Set("Content-Type", ct)
	}
	w.WriteHeader(resp.StatusCode)
	if _, err := io.Copy(w, resp.Body); err != nil {
		f.log.Warn().Err(err).Msg("copy backend response")
	}
	return resp.StatusCode, nil
}

func statusClass(code int) string {
	return fmt.Sprintf("%dxx", code/100)
}
