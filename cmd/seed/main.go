package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog"

	"spiko-billing/internal/config"
	"spiko-billing/internal/infra/api"
	pg "spiko-billing/internal/infra/db/postgres"
	"spiko-billing/internal/infra/logging"
	"spiko-billing/internal/usecase"
)

// seed syncs the plan catalogue from config and can mint an operator token
// for the admin API.
func main() {
	cfgPath := flag.String("config", "config.yaml", "path to YAML config file")
	mintAdmin := flag.String("mint-admin", "", "print an admin token for this subject and exit")
	ttl := flag.Duration("ttl", 24*time.Hour, "admin token lifetime")
	flag.Parse()

	cfg, err := config.LoadConfig(*cfgPath, true)
	if err != nil {
		boot := zerolog.New(os.Stderr).With().Timestamp().Logger()
		boot.Fatal().Err(err).Msg("config")
	}
	logger := logging.New(cfg.Log, true)

	if *mintAdmin != "" {
		secret := cfg.Auth.AdminSecret
		if secret == "" {
			secret = cfg.Auth.JWTSecret
		}
		tok, err := api.NewTokenManager(secret).Mint(*mintAdmin, api.RoleAdmin, *ttl)
		if err != nil {
			logger.Fatal().Err(err).Msg("mint admin token")
		}
		fmt.Println(tok)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	pool, err := pg.Connect(ctx, cfg.Database)
	if err != nil {
		logger.Fatal().Err(err).Msg("postgres")
	}
	defer pool.Close()

	plans, err := cfg.BuildPlans()
	if err != nil {
		logger.Fatal().Err(err).Msg("plans")
	}
	planUC := usecase.NewPlanUseCase(pg.NewPostgresPlanRepo(pool), logger)
	if err := planUC.Sync(ctx, plans); err != nil {
		logger.Fatal().Err(err).Msg("sync plans")
	}

	stored, err := planUC.List(ctx)
	if err != nil {
		logger.Fatal().Err(err).Msg("list plans")
	}
	for _, p := range stored {
		fmt.Printf("  - %s (tier=%s, days=%d, recurring=%t, prices=%v)\n", p.ID, p.Tier, p.DurationDays, p.Recurring, p.Prices)
	}
	logger.Info().Int("plans", len(stored)).Msg("seeding complete")
}
