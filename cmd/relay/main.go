package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"spiko-billing/internal/config"
	"spiko-billing/internal/domain/model"
	"spiko-billing/internal/infra/logging"
	"spiko-billing/internal/infra/metrics"
	sig "spiko-billing/internal/infra/payment"
	"spiko-billing/internal/infra/relay"
)

// relay is the public edge for provider callbacks. It forwards Click webhooks
// to the billing backend over the authenticated /internal/relay routes.
func main() {
	cfgPath := flag.String("config", "config.yaml", "path to YAML config file")
	devMode := flag.Bool("dev", false, "console logs")
	flag.Parse()

	cfg, err := config.LoadConfig(*cfgPath, *devMode)
	if err != nil {
		boot := zerolog.New(os.Stderr).With().Timestamp().Logger()
		boot.Fatal().Err(err).Msg("config")
	}
	logger := logging.New(cfg.Log, cfg.Runtime.Dev)
	metrics.MustRegister()

	var verifier *sig.SignatureVerifier
	if cfg.Relay.VerifyAtEdge {
		verifier = sig.NewSignatureVerifier(logger, map[string]sig.Scheme{
			model.ProviderClick: sig.ClickScheme(cfg.Payment.ActiveClick().SecretKey),
		})
	}
	fwd, err := relay.NewForwarder(cfg.Relay, cfg.Payment.Click.ProxySecret, verifier, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("relay")
	}

	srv := &http.Server{
		Addr:              cfg.Relay.Listen,
		Handler:           fwd.Handler(cfg.HTTP.RequestTimeout),
		ReadHeaderTimeout: 10 * time.Second,
	}
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go func() {
		logger.Info().Str("listen", cfg.Relay.Listen).Str("backend", cfg.Relay.BackendURL).Msg("relay listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error().Err(err).Msg("relay server")
			stop()
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)
	logger.Info().Msg("relay stopped")
}
