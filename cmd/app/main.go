package main

import (
	"context"
	"errors"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"spiko-billing/internal/config"
	"spiko-billing/internal/domain/model"
	"spiko-billing/internal/domain/ports/adapter"
	payAdapters "spiko-billing/internal/infra/adapters/payment"
	"spiko-billing/internal/infra/api"
	pg "spiko-billing/internal/infra/db/postgres"
	gateway "spiko-billing/internal/infra/http"
	"spiko-billing/internal/infra/logging"
	"spiko-billing/internal/infra/metrics"
	sig "spiko-billing/internal/infra/payment"
	red "spiko-billing/internal/infra/redis"
	"spiko-billing/internal/infra/sched"
	"spiko-billing/internal/infra/security"
	"spiko-billing/internal/infra/telegram"
	"spiko-billing/internal/infra/worker"
	"spiko-billing/internal/usecase"
)

var (
	version = "dev"
	commit  = "none"
)

func main() {
	cfgPath := flag.String("config", "config.yaml", "path to YAML config file")
	devMode := flag.Bool("dev", false, "enable developer mode (console logs, noop receipts)")
	flag.Parse()

	cfg, err := config.LoadConfig(*cfgPath, *devMode)
	if err != nil {
		boot := zerolog.New(os.Stderr).With().Timestamp().Logger()
		boot.Fatal().Err(err).Msg("config")
	}
	logger := logging.New(cfg.Log, cfg.Runtime.Dev)

	metrics.MustRegister()
	metrics.SetBuildInfo(version, commit, cfg.Payment.Environment)

	if err := run(cfg, logger); err != nil {
		logger.Fatal().Err(err).Msg("billing stopped")
	}
}

func run(cfg *config.Config, logger *zerolog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ---- Postgres ----
	pool, err := pg.Connect(ctx, cfg.Database)
	if err != nil {
		return err
	}
	defer pool.Close()
	if cfg.Database.AutoMigrate {
		if err := pg.MigrateUp(cfg.Database.URL, logger); err != nil {
			return err
		}
	}
	go pg.ReportPoolStats(ctx, pool, 15*time.Second, logger)

	// ---- Redis ----
	redisClient, err := red.NewClient(ctx, &cfg.Redis)
	if err != nil {
		return err
	}
	defer redisClient.Close()

	// ---- Encryption at rest for raw provider payloads ----
	sealer, err := security.NewEncryptionService(cfg.Security.EncryptionKey)
	if err != nil {
		return err
	}
	if sealer == nil {
		logger.Warn().Msg("security.encryption_key not set; raw events are stored in clear text")
	}

	// ---- Repositories ----
	tm := pg.NewTxManager(pool)
	txRepo := pg.NewTransactionRepo(pool, sealer)
	userRepo := pg.NewPostgresUserRepo(pool)
	planRepo := pg.NewPlanRepoCacheDecorator(pg.NewPostgresPlanRepo(pool), redisClient, logger)
	jobRepo := pg.NewReconciliationRepo(pool)

	// ---- Plans from config ----
	planUC := usecase.NewPlanUseCase(planRepo, logger)
	plans, err := cfg.BuildPlans()
	if err != nil {
		return err
	}
	if err := planUC.Sync(ctx, plans); err != nil {
		return err
	}

	// ---- Alerts ----
	var notifier adapter.Notifier = telegram.NewLogNotifier(logger)
	if cfg.Alert.TelegramToken != "" {
		n, err := telegram.NewAlertNotifier(cfg.Alert, "", cfg.Payment.ProviderTimeout, logger)
		if err != nil {
			logger.Warn().Err(err).Msg("telegram alerts disabled")
		} else {
			notifier = n
		}
	}

	// ---- Use cases ----
	workers := worker.NewPool(cfg.Scheduler.Workers, logger)
	ledgerUC := usecase.NewLedgerUseCase(txRepo, planRepo, userRepo, jobRepo, tm, notifier, logger)
	reconcileUC := usecase.NewReconcileUseCase(txRepo, planRepo, userRepo, jobRepo, tm, notifier, cfg.Scheduler.ReconcileMaxAttempt, logger)
	ledgerUC.OnComplete(workers.ReconcileHook(reconcileUC.Reconcile))

	paymentUC := usecase.NewPaymentUseCase(ledgerUC, reconcileUC, planRepo, userRepo, red.NewRateLimiter(redisClient), cfg.Payment.CreateRateLimit, logger)
	if err := registerProviders(cfg, paymentUC, logger); err != nil {
		return err
	}
	subsUC := usecase.NewSubscriptionUseCase(userRepo, tm, logger)
	statsUC := usecase.NewStatsUseCase(userRepo, txRepo, jobRepo, logger)

	// ---- HTTP ----
	verifier := sig.NewSignatureVerifier(logger, map[string]sig.Scheme{
		model.ProviderClick: sig.ClickScheme(cfg.Payment.ActiveClick().SecretKey),
	})
	adminSecret := cfg.Auth.AdminSecret
	if adminSecret == "" {
		adminSecret = cfg.Auth.JWTSecret
	}
	apiSrv := api.NewServer(paymentUC, subsUC, ledgerUC, reconcileUC, statsUC,
		api.NewTokenManager(cfg.Auth.JWTSecret), api.NewTokenManager(adminSecret), logger)
	server := gateway.NewServer(cfg.HTTP, gateway.Options{
		Click:       payAdapters.NewClickAdapter(verifier, planUC, logger),
		Ledger:      ledgerUC,
		ProxySecret: cfg.Payment.Click.ProxySecret,
		API:         apiSrv,
		Health: func(ctx context.Context) error {
			if err := pool.Ping(ctx); err != nil {
				return err
			}
			return redisClient.Ping(ctx)
		},
	}, logger)

	// ---- Background work ----
	workers.Start(ctx)
	defer workers.Stop()

	leader := sched.NewLeader(red.NewLocker(redisClient), logger)
	go func() {
		_ = sched.NewReconcileWorker(cfg.Scheduler.ReconcileInterval, reconcileUC, leader, logger).Run(ctx)
	}()
	go func() {
		_ = sched.NewPaymentPoller(paymentUC, leader, cfg.Scheduler.PollInterval, cfg.Scheduler.PollStaleAfter, logger).Run(ctx)
	}()
	expiry := sched.NewExpiryJob(cfg.Scheduler.ExpiryCheckCron, subsUC, leader, logger)
	if err := expiry.Start(ctx); err != nil {
		return err
	}
	defer expiry.Stop()

	errc := make(chan error, 1)
	go func() { errc <- server.Start() }()
	logger.Info().Str("environment", cfg.Payment.Environment).Strs("providers", paymentUC.Providers()).Msg("billing started")

	// ---- Graceful shutdown ----
	select {
	case <-ctx.Done():
		logger.Info().Msg("shutdown requested")
	case err := <-errc:
		if err != nil {
			return err
		}
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil && !errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return nil
}

// registerProviders wires the outbound side of every configured provider.
func registerProviders(cfg *config.Config, uc *usecase.PaymentUseCase, logger *zerolog.Logger) error {
	if creds := cfg.Payment.ActiveClick(); creds.MerchantID != "" {
		linker, err := payAdapters.NewClickLinker(creds)
		if err != nil {
			return err
		}
		uc.RegisterCheckoutLinker(linker)
	}
	if creds := cfg.Payment.ActivePayme(); creds.MerchantID != "" {
		gw, err := payAdapters.NewPaymeGateway(creds, cfg.Payment.ProviderTimeout, logger)
		if err != nil {
			return err
		}
		uc.RegisterReceiptProvider(gw)
	}
	if cfg.Payment.Noop || cfg.Runtime.Dev {
		uc.RegisterReceiptProvider(payAdapters.NewNoopReceiptProvider(cfg.Payment.NoopURL))
	}
	return nil
}
