package main

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"CdpLedger/internal/config"
	"CdpLedger/internal/observability"
	"CdpLedger/internal/persistence"
	"CdpLedger/migrations"

	_ "github.com/lib/pq"
)

func usage() {
	fmt.Println("Usage: migrate [-config path] <up|down|status>")
	fmt.Println("  up     - apply all pending migrations")
	fmt.Println("  down   - roll back the last migration")
	fmt.Println("  status - list migrations and whether they are applied")
	fmt.Println()
	fmt.Println("Environment:")
	fmt.Println("  CDP_CONFIG        - path to the TOML config file")
	fmt.Println("  CDP_POSTGRES_DSN  - Postgres connection string")
}

func main() {
	configPath := flag.String("config", os.Getenv("CDP_CONFIG"), "path to the TOML config file")
	flag.Usage = usage
	flag.Parse()
	if flag.NArg() < 1 {
		usage()
		os.Exit(1)
	}

	logger := observability.NewLoggerWithLevel("migrate", observability.ParseLogLevel(os.Getenv("CDP_SERVICE_LOG_LEVEL")))

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Fatal().Err(err).Msg("load config")
	}

	db, err := sql.Open("postgres", cfg.Postgres.DSN)
	if err != nil {
		logger.Fatal().Err(err).Msg("open db")
	}
	defer db.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	migrator := persistence.NewMigrator(db, migrations.FS, logger)

	switch flag.Arg(0) {
	case "up":
		n, err := migrator.Up(ctx)
		if err != nil {
			logger.Fatal().Err(err).Msg("migrate up")
		}
		logger.Info().Int("applied", n).Msg("all migrations applied")

	case "down":
		rolled, err := migrator.Down(ctx)
		if err != nil {
			logger.Fatal().Err(err).Msg("migrate down")
		}
		if rolled {
			logger.Info().Msg("last migration rolled back")
		}

	case "status":
		rows, err := migrator.Status(ctx)
		if err != nil {
			logger.Fatal().Err(err).Msg("migrate status")
		}
		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "VERSION\tFILE\tAPPLIED")
		for _, r := range rows {
			applied := "pending"
			if r.Applied {
				applied = r.AppliedAt.Format(time.RFC3339)
			}
			fmt.Fprintf(w, "%s\t%s\t%s\n", r.Version, r.Filename, applied)
		}
		_ = w.Flush()

	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s (use 'up', 'down' or 'status')\n", flag.Arg(0))
		os.Exit(1)
	}
}
