package main

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"strconv"

	"github.com/golang-migrate/migrate/v4"
	"github.com/rs/zerolog"

	"spiko-billing/internal/config"
	pg "spiko-billing/internal/infra/db/postgres"
	"spiko-billing/internal/infra/logging"
)

const usage = "usage: migrate [-config config.yaml] up|down|status|goto <version>|force <version>"

func main() {
	cfgPath := flag.String("config", "config.yaml", "path to YAML config file")
	flag.Parse()

	cfg, err := config.LoadConfig(*cfgPath, false)
	if err != nil {
		boot := zerolog.New(os.Stderr).With().Timestamp().Logger()
		boot.Fatal().Err(err).Msg("config")
	}
	logger := logging.New(cfg.Log, true)

	args := flag.Args()
	if len(args) == 0 {
		fmt.Fprintln(os.Stderr, usage)
		os.Exit(2)
	}

	m, err := pg.NewMigrator(cfg.Database.URL)
	if err != nil {
		logger.Fatal().Err(err).Msg("migrator")
	}
	defer m.Close()

	switch args[0] {
	case "up":
		err = m.Up()
	case "down":
		err = m.Steps(-1)
	case "goto", "force":
		if len(args) < 2 {
			fmt.Fprintln(os.Stderr, usage)
			os.Exit(2)
		}
		v, perr := strconv.ParseUint(args[1], 10, 32)
		if perr != nil {
			logger.Fatal().Err(perr).Msg("version")
		}
		if args[0] == "goto" {
			err = m.Migrate(uint(v))
		} else {
			err = m.Force(int(v))
		}
	case "status":
	default:
		fmt.Fprintln(os.Stderr, usage)
		os.Exit(2)
	}
	if err != nil && !errors.Is(err, migrate.ErrNoChange) {
		logger.Fatal().Err(err).Str("command", args[0]).Msg("migration failed")
	}

	v, dirty, err := m.Version()
	switch {
	case errors.Is(err, migrate.ErrNilVersion):
		logger.Info().Msg("no migrations applied")
	case err != nil:
		logger.Fatal().Err(err).Msg("version")
	default:
		logger.Info().Uint("version", v).Bool("dirty", dirty).Msg("schema version")
	}
}
