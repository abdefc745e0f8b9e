package http

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"spiko-billing/internal/config"
	"spiko-billing/internal/domain/model"
	"spiko-billing/internal/infra/adapters/payment"
	"spiko-billing/internal/infra/api"
	"spiko-billing/internal/infra/logging"
	"spiko-billing/internal/infra/metrics"
	"spiko-billing/internal/usecase"
)

// HeaderProxyAuth carries the relay's shared secret on the second hop.
const HeaderProxyAuth = "X-Proxy-Auth"

// Ledger is the part of the transaction ledger the gateway drives.
type Ledger interface {
	Apply(ctx context.Context, provider, externalID string, ev model.Event, render usecase.Renderer) (model.Outcome, error)
}

type Options struct {
	Click  *payment.ClickAdapter
	Ledger Ledger
	// ProxySecret enables the /internal/relay routes when set.
	ProxySecret string
	// API is mounted under /api/v1 when non-nil.
	API *api.Server
	// Health reports readiness of the backing stores.
	Health func(ctx context.Context) error
}

// Server is the process HTTP entry point: provider webhooks, the relay leg,
// the internal API, health and metrics.
type Server struct {
	cfg    config.HTTPConfig
	opts   Options
	log    *zerolog.Logger
	server *http.Server
}

func NewServer(cfg config.HTTPConfig, opts Options, logger *zerolog.Logger) *Server {
	l := logger.With().Str("component", "gateway").Logger()
	return &Server{cfg: cfg, opts: opts, log: &l}
}

func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(api.Common(s.log, s.cfg.RequestTimeout)...)

	r.Get("/health", s.handleHealth)
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	r.Route("/webhook/click", func(r chi.Router) {
		r.Post("/", s.handleClick(""))
		r.Post("/prepare", s.handleClick("0"))
		r.Post("/complete", s.handleClick("1"))
	})

	if s.opts.ProxySecret != "" {
		r.Route("/internal/relay/click", func(r chi.Router) {
			r.Use(s.requireProxy)
			r.Post("/", s.handleClick(""))
			r.Post("/prepare", s.handleClick("0"))
			r.Post("/complete", s.handleClick("1"))
		})
	}

	if s.opts.API != nil {
		s.opts.API.Mount(r)
	}
	return r
}

func (s *Server) Start() error {
	s.server = &http.Server{
		Addr:              fmt.Sprintf(":%d", s.cfg.Port),
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.log.Info().Int("port", s.cfg.Port).Msg("http server listening")
	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.opts.Health != nil {
		if err := s.opts.Health(r.Context()); err != nil {
			l := logging.With(r.Context(), s.log)
			l.Warn().Err(err).Msg("health check failed")
			http.Error(w, "unavailable", http.StatusServiceUnavailable)
			return
		}
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

// requireProxy authenticates the relay hop. It does not replace the provider
// signature check, which the click handler still performs.
func (s *Server) requireProxy(next http.Handler) http.Handler {
	secret := []byte(s.opts.ProxySecret)
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got := []byte(r.Header.Get(HeaderProxyAuth))
		if subtle.ConstantTimeCompare(got, secret) != 1 {
			l := logging.With(r.Context(), s.log)
			l.Warn().Str("remote", r.RemoteAddr).Msg("relay auth failed")
			http.Error(w, "forbidden", http.StatusForbidden)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// handleClick runs signature check, field validation, ledger transition and
// response rendering. expect pins the action for the split routes.
func (s *Server) handleClick(expect string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := logging.WithProvider(r.Context(), model.ProviderClick)
		r = r.WithContext(ctx)
		l := logging.With(ctx, s.log)

		req, ev, err := s.opts.Click.ParseInbound(r)
		if err == nil && expect != "" && req.Action != expect {
			err = fmt.Errorf("%w: %q on the action %s route", payment.ErrUnknownAction, req.Action, expect)
		}
		if err != nil {
			resp := s.opts.Click.ErrorFor(req, err)
			le := l.Warn().Err(err).Int("code", resp.Error)
			if req != nil {
				le = le.Str("merchant_trans_id", req.MerchantTransID).Str("sign", logging.Redact(req.SignString, false))
			}
			le.Msg("click request rejected")
			s.writeClick(w, req, resp)
			return
		}
		if ev == nil {
			s.writeClick(w, req, s.opts.Click.ProbeResponse(req))
			return
		}

		out, err := s.opts.Ledger.Apply(ctx, model.ProviderClick, req.MerchantTransID, ev, s.opts.Click.Renderer(req))
		if err != nil {
			resp := s.opts.Click.ErrorFor(req, err)
			l.Warn().Err(err).Str("merchant_trans_id", req.MerchantTransID).Int("code", resp.Error).Msg("click transition refused")
			s.writeClick(w, req, resp)
			return
		}
		body := out.Response
		if len(body) == 0 && out.Transaction != nil {
			if body, err = s.opts.Click.Render(req, out.Transaction); err != nil {
				s.writeClick(w, req, s.opts.Click.ErrorFor(req, err))
				return
			}
		}
		var code int
		var env struct {
			Error int `json:"error"`
		}
		if json.Unmarshal(body, &env) == nil {
			code = env.Error
		}
		metrics.IncWebhookCall(model.ProviderClick, actionLabel(req), code)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(body)
	}
}

func (s *Server) writeClick(w http.ResponseWriter, req *payment.ClickRequest, resp payment.ClickResponse) {
	metrics.IncWebhookCall(model.ProviderClick, actionLabel(req), resp.Error)
	body, err := json.Marshal(resp)
	if err != nil {
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(payment.StatusFor(resp))
	_, _ = w.Write(body)
}

func actionLabel(req *payment.ClickRequest) string {
	if req == nil {
		return "unknown"
	}
	switch req.Action {
	case "0":
		return string(model.ActionPrepare)
	case "1":
		return string(model.ActionComplete)
	}
	return "unknown"
}
