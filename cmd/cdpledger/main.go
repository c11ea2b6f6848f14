package main

import (
	"context"
	"database/sql"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"CdpLedger/internal/config"
	"CdpLedger/internal/core"
	"CdpLedger/internal/ingestion"
	"CdpLedger/internal/keeper"
	"CdpLedger/internal/observability"
	"CdpLedger/internal/persistence"
	"CdpLedger/internal/projection"
	"CdpLedger/internal/query"
	"CdpLedger/internal/server"
	"CdpLedger/migrations"

	_ "github.com/lib/pq"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

func main() {
	configPath := flag.String("config", os.Getenv("CDP_CONFIG"), "path to the TOML config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "FATAL: %v\n", err)
		os.Exit(1)
	}

	logger := observability.NewLoggerWithLevel(cfg.Service.Name, observability.ParseLogLevel(cfg.Service.LogLevel))
	logger.Info().Msg("CdpLedger starting")

	// GOGC=400 trades memory for fewer collections on the hot path.
	if os.Getenv("GOGC") == "" {
		logger.Warn().Msg("GOGC not set, recommend GOGC=400 for production")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil && !errors.Is(err, context.Canceled) {
		logger.Fatal().Err(err).Msg("CdpLedger stopped with error")
	}
	logger.Info().Msg("CdpLedger shutdown complete")
}

func run(ctx context.Context, cfg *config.Config, logger zerolog.Logger) error {
	params, err := cfg.Protocol.SystemParams()
	if err != nil {
		return err
	}

	// --- Postgres ---
	db, err := sql.Open("postgres", cfg.Postgres.DSN)
	if err != nil {
		return fmt.Errorf("postgres open: %w", err)
	}
	defer db.Close()

	db.SetMaxOpenConns(cfg.Postgres.MaxOpenConns)
	db.SetMaxIdleConns(cfg.Postgres.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.Postgres.ConnMaxLifetime)

	if err := db.PingContext(ctx); err != nil {
		return fmt.Errorf("postgres ping: %w", err)
	}
	logger.Info().Msg("Postgres connected")

	applied, err := persistence.NewMigrator(db, migrations.FS, logger).Up(ctx)
	if err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}
	logger.Info().Int("applied", applied).Msg("migrations up to date")

	// --- Observability ---
	metrics := observability.NewMetrics(prometheus.DefaultRegisterer)
	health := observability.NewHealthChecker(time.Now())
	health.Register("postgres", db.PingContext)

	// --- Core ---
	// Persist channel blocks (backpressure); projection channel drops.
	persistChan := make(chan core.CoreOutput, cfg.Service.PersistChanSize)
	projectionChan := make(chan core.CoreOutput, cfg.Service.ProjectionChanSize)

	dbChecker := persistence.NewPostgresIdempotencyChecker(db)
	coreLogger := logger.With().Str("component", "core").Logger()
	cdpCore := core.NewCdpCore(core.CoreConfig{
		Params:              params,
		IdempotencyCapacity: cfg.Service.IdempotencyCapacity,
		PersistChan:         persistChan,
		ProjectionChan:      projectionChan,
		DBChecker:           dbChecker,
		Metrics:             metrics,
		Logger:              &coreLogger,
	})

	// --- Recovery: snapshot + replay ---
	snapMgr := persistence.NewSnapshotManager(db)
	rec, err := persistence.Recover(ctx, snapMgr, cdpCore, metrics, logger)
	if err != nil {
		return fmt.Errorf("recovery: %w", err)
	}
	if keys, err := dbChecker.RecentKeys(ctx, cfg.Service.IdempotencyCapacity); err != nil {
		logger.Warn().Err(err).Msg("idempotency warm-up failed, falling back to DB lookups")
	} else {
		cdpCore.WarmLRU(keys)
	}

	persistWorker := persistence.NewPersistenceWorker(db, persistChan, cfg.Postgres.BatchSize, cfg.Postgres.FlushTimeout, metrics, logger)
	persistWorker.SetLastWritten(rec.NextSequence - 1)

	// --- Redis read cache ---
	var cache *query.Cache
	if cfg.Redis.Enabled {
		rdb, err := query.ConnectRedis(ctx, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
		if err != nil {
			return err
		}
		defer rdb.Close()
		cache = query.NewCache(rdb, cfg.Redis.TTL, metrics)
		health.Register("redis", func(ctx context.Context) error { return rdb.Ping(ctx).Err() })
		logger.Info().Str("addr", cfg.Redis.Addr).Msg("Redis connected")
	}

	// --- Projections ---
	reconcile := func(ctx context.Context) error {
		if err := projection.Reconcile(ctx, db, cdpCore, logger); err != nil {
			return err
		}
		return cache.Invalidate(ctx, query.StatusCacheKey)
	}
	if err := reconcile(ctx); err != nil {
		logger.Warn().Err(err).Msg("projection reconcile failed, reads fall back to the core")
	}
	projWorker := projection.NewProjectionWorker(db, projectionChan, cache, metrics, logger)

	// --- Write path ---
	sequencer := ingestion.NewSequencer(cdpCore, cfg.Service.SequencerBuffer, metrics, logger)

	snapshotter := persistence.NewSnapshotter(snapMgr, cdpCore, persistWorker.LastWritten,
		cfg.Snapshot.Period, cfg.Snapshot.EveryEvents, metrics, logger)

	// --- NATS ---
	var js jetstream.JetStream
	if cfg.NATS.Enabled {
		nc, stream, err := ingestion.ConnectNATS(cfg.NATS.URL, logger)
		if err != nil {
			return err
		}
		defer nc.Close()
		if err := ingestion.EnsureStreams(ctx, stream, logger); err != nil {
			return fmt.Errorf("ensure NATS streams: %w", err)
		}
		health.Register("nats", func(context.Context) error {
			if !nc.IsConnected() {
				return errors.New("not connected")
			}
			return nil
		})
		js = stream
		logger.Info().Str("url", cfg.NATS.URL).Msg("NATS connected")
	}

	// --- Keeper ---
	var bot *keeper.Keeper
	if cfg.Keeper.Enabled {
		liquidator, err := cfg.Keeper.LiquidatorID()
		if err != nil {
			return err
		}
		bot = keeper.New(keeper.Config{
			Liquidator: liquidator,
			Interval:   cfg.Keeper.Interval,
			BatchSize:  cfg.Keeper.BatchSize,
			RatePerSec: cfg.Keeper.RatePerSec,
			Burst:      cfg.Keeper.Burst,
		}, cdpCore, sequencer, metrics, logger)
	}

	// --- Servers ---
	queryService := query.NewQueryService(db, cdpCore, cache, metrics, logger)
	svc := server.NewService(ingestion.NewGRPCIngestService(sequencer), queryService, snapshotter, reconcile)
	grpcServer := server.NewGRPCServer(cfg.GRPC.Addr, cfg.HTTP.Addr, svc, health, logger)

	// --- Goroutines ---
	g, gctx := errgroup.WithContext(ctx)

	if js != nil {
		startNATS(gctx, g, js, sequencer, persistWorker, cfg.Service.PublishChanSize, metrics, logger)
	}
	g.Go(func() error { return sequencer.Run(gctx) })
	g.Go(func() error { return persistWorker.Run(gctx) })
	g.Go(func() error { return projWorker.Run(gctx) })
	g.Go(func() error { return snapshotter.Run(gctx) })
	g.Go(func() error { return grpcServer.StartGRPC(gctx) })
	g.Go(func() error { return grpcServer.StartHTTPGateway(gctx) })
	g.Go(func() error { return serveMetrics(gctx, cfg.Metrics.Addr, health, logger) })
	if bot != nil {
		g.Go(func() error { return bot.Run(gctx) })
	}

	health.SetReady(true)
	grpcServer.SetServing(true)
	logger.Info().
		Int64("next_sequence", rec.NextSequence).
		Int64("snapshot_sequence", rec.SnapshotSequence).
		Int64("replayed", rec.Replayed).
		Str("grpc", cfg.GRPC.Addr).
		Str("http", cfg.HTTP.Addr).
		Str("metrics", cfg.Metrics.Addr).
		Msg("CdpLedger ready")

	err = g.Wait()
	health.SetReady(false)
	return err
}

// startNATS wires the command subscriber and the outbound publisher. Only
// durable outputs are published: the persistence worker forwards each one
// after its batch commits, so this runs before the worker starts.
func startNATS(
	ctx context.Context,
	g *errgroup.Group,
	js jetstream.JetStream,
	sequencer *ingestion.Sequencer,
	persistWorker *persistence.PersistenceWorker,
	publishChanSize int,
	metrics *observability.Metrics,
	logger zerolog.Logger,
) {
	publishChan := make(chan core.CoreOutput, publishChanSize)
	persistWorker.OnFlushed = ingestion.Forwarder(publishChan, metrics)
	publisher := ingestion.NewOutboundPublisher(js, publishChan, logger)
	g.Go(func() error { return publisher.Run(ctx) })

	subscriber := ingestion.NewNATSSubscriber(js, sequencer, logger)
	g.Go(func() error {
		if err := subscriber.Subscribe(ctx); err != nil {
			return fmt.Errorf("nats subscribe: %w", err)
		}
		<-ctx.Done()
		subscriber.Stop()
		return nil
	})
}

// serveMetrics serves /metrics and the health endpoints until ctx ends.
func serveMetrics(ctx context.Context, addr string, health *observability.HealthChecker, logger zerolog.Logger) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", health.LivenessHandler)
	mux.HandleFunc("/readyz", health.ReadinessHandler)

	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutCtx)
	}()

	logger.Info().Str("addr", addr).Msg("metrics server listening")
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("metrics server: %w", err)
	}
	return nil
}
