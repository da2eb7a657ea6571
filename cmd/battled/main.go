package main

import (
	"BattleLedger/internal/content"
	"BattleLedger/internal/core"
	"BattleLedger/internal/ingestion"
	"BattleLedger/internal/ledger"
	"BattleLedger/internal/lifecycle"
	"BattleLedger/internal/lock"
	"BattleLedger/internal/observability"
	"BattleLedger/internal/persistence"
	"BattleLedger/internal/projection"
	"BattleLedger/internal/query"
	"BattleLedger/internal/server"
	"BattleLedger/migrations"
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io/fs"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/holiman/uint256"
	_ "github.com/lib/pq"
	"github.com/nats-io/nats.go"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

func main() {
	logger := observability.NewLogger("battled")

	cfg, err := LoadConfig()
	if err != nil {
		logger.Fatal().Err(err).Msg("invalid configuration")
	}
	logger = observability.NewLoggerWithLevel("battled", observability.ParseLogLevel(cfg.LogLevel))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Fatal().Err(err).Msg("battled exited")
	}
	logger.Info().Msg("battled shutdown complete")
}

func run(ctx context.Context, cfg Config, logger zerolog.Logger) error {
	// --- Postgres ---
	db, err := sql.Open("postgres", cfg.PostgresURL)
	if err != nil {
		return fmt.Errorf("postgres open: %w", err)
	}
	defer db.Close()

	db.SetMaxOpenConns(20)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		return fmt.Errorf("postgres ping: %w", err)
	}
	logger.Info().Msg("Postgres connected")

	var migrationFS fs.FS = migrations.FS
	if cfg.MigrationsDir != "" {
		migrationFS = os.DirFS(cfg.MigrationsDir)
	}
	if err := persistence.NewMigrator(db, migrationFS, logger).Up(ctx); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}

	// --- Observability ---
	metrics := observability.NewMetrics()
	healthChecker := observability.NewHealthChecker()
	healthChecker.AddCheck("postgres", db.PingContext)

	snapMgr := persistence.NewSnapshotManager(db, metrics, logger)

	// --- Settlement lock ---
	var locker core.Locker = lock.NewMemoryLocker(core.SystemClock{})
	if cfg.RedisAddr != "" {
		rl, err := lock.DialRedis(ctx, lock.RedisConfig{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		if err != nil {
			return err
		}
		defer rl.Close()
		healthChecker.AddCheck("redis", rl.Ping)
		locker = rl
		logger.Info().Str("addr", cfg.RedisAddr).Msg("Redis settlement lock enabled")
	} else {
		logger.Warn().Msg("BATTLE_REDIS_ADDR not set, settlement lock is process-local")
	}

	// --- Channels ---
	// Persist blocks (backpressure), projection drops, publish drops.
	persistChan := make(chan core.CoreOutput, cfg.PersistChanSize)
	projectionChan := make(chan core.CoreOutput, cfg.ProjectionChanSize)
	confirmedChan := make(chan core.CoreOutput, cfg.PublishChanSize)

	// --- Engine ---
	custody := ledger.NewCustody(ledger.CustodyConfig{
		RequireFunds: cfg.RequireFunds,
		Logger:       logger,
	})

	engineCfg := core.DefaultConfig()
	engineCfg.Platform = cfg.Platform
	engineCfg.IdempotencyCapacity = cfg.IdempotencyLRUCapacity
	engine, err := core.NewEngine(engineCfg, core.Deps{
		Clock:      core.SystemClock{},
		Transfer:   custody,
		Collector:  custody,
		Locker:     locker,
		DBChecker:  persistence.NewPostgresIdempotencyChecker(db),
		Metrics:    metrics,
		Logger:     logger,
		Persist:    persistChan,
		Projection: projectionChan,
	})
	if err != nil {
		return err
	}

	// --- Recovery: snapshot + event replay ---
	snap, err := snapMgr.Recover(ctx)
	if err != nil {
		return fmt.Errorf("recover: %w", err)
	}
	if snap != nil {
		if err := engine.Restore(snap); err != nil {
			return fmt.Errorf("restore: %w", err)
		}
		if err := openEscrows(engine, custody); err != nil {
			return fmt.Errorf("open escrows: %w", err)
		}
		logger.Info().
			Int64("sequence", engine.Sequence()).
			Int("battles", len(snap.Battles)).
			Int("pending_payouts", len(engine.PendingPayouts())).
			Msg("engine recovered")
	} else {
		logger.Info().Msg("empty event log, cold start")
	}

	// --- NATS ---
	nc, js, err := ingestion.ConnectNATS(cfg.NATSURL, logger)
	if err != nil {
		return err
	}
	defer nc.Close()
	healthChecker.AddCheck("nats", func(context.Context) error {
		if nc.Status() != nats.CONNECTED {
			return fmt.Errorf("nats %s", nc.Status())
		}
		return nil
	})

	if err := ingestion.EnsureStreams(ctx, js); err != nil {
		return err
	}
	if err := ingestion.EnsureOutboundStream(ctx, js, logger); err != nil {
		return err
	}

	// --- Battle lifecycle ---
	var provider lifecycle.ContentProvider
	if cfg.StaticContentDuration > 0 {
		provider = content.StaticProvider{BaseURI: "static://", Duration: cfg.StaticContentDuration}
	} else {
		provider = content.NewNATSProvider(nc, content.NATSConfig{
			Subject: cfg.ContentSubject,
			Timeout: cfg.ContentTimeout,
			Logger:  logger,
		})
	}
	battles, err := lifecycle.NewManager(lifecycle.DefaultConfig(), lifecycle.Deps{
		Market:    engine,
		Scheduler: lifecycle.RealScheduler{},
		Content:   provider,
		Policy:    lifecycle.LargerPoolWins,
		Metrics:   metrics,
		Logger:    logger.With().Str("component", "lifecycle").Logger(),
	})
	if err != nil {
		return err
	}
	defer battles.Close()

	for _, id := range engine.BattleIDs() {
		view, err := engine.Battle(id)
		if err != nil {
			return err
		}
		if err := battles.Adopt(view.Battle); err != nil {
			return fmt.Errorf("adopt battle %d: %w", id, err)
		}
	}

	// --- Read side ---
	projWorker := projection.NewProjectionWorker(projectionChan, projection.WorkerConfig{
		DB:      db,
		Metrics: metrics,
		Logger:  logger,
	})
	if err := projWorker.LoadWatermark(ctx); err != nil {
		return err
	}
	if err := projWorker.Warm(ctx, snapMgr); err != nil {
		return fmt.Errorf("warm projections: %w", err)
	}

	queryService, err := query.NewService(query.Config{
		Engine:  engine,
		Battles: battles,
		Stats:   projWorker.Stats(),
		Trades:  projWorker.Trades(),
		DB:      db,
		Custody: custody,
		Metrics: metrics,
	})
	if err != nil {
		return err
	}

	// --- Write side ---
	persistWorker := persistence.NewPersistenceWorker(db, persistChan, persistence.WorkerConfig{
		BatchSize:    cfg.PersistBatchSize,
		FlushTimeout: cfg.PersistFlushTimeout,
		Confirmed:    confirmedChan,
		Metrics:      metrics,
		Logger:       logger,
	})
	publisher := ingestion.NewOutboundPublisher(js, confirmedChan, metrics, logger)

	commands := ingestion.NewCommandService(engine, battles, logger)
	consumer := ingestion.NewCommandConsumer(commands, metrics, logger)
	rawChan := make(chan ingestion.RawEvent, 4096)
	subscriber := ingestion.NewNATSSubscriber(js, rawChan, logger)

	takeSnapshot := func(ctx context.Context) (int64, error) {
		snap, err := snapMgr.Take(ctx, engine, durableVerifier(ctx, snapMgr))
		if err != nil {
			return 0, err
		}
		return snap.Sequence, nil
	}

	srv, err := server.New(cfg.GRPCAddr, cfg.HTTPAddr, server.Deps{
		Query:        queryService,
		Commands:     commands,
		Snapshots:    snapMgr,
		TakeSnapshot: takeSnapshot,
		RetryPayouts: func(ctx context.Context) (int, []core.Payout, error) {
			n, failed := engine.RetryPending(ctx)
			return n, failed, nil
		},
		RebuildProjections: func(ctx context.Context) error {
			return projection.RebuildProjections(ctx, db, logger)
		},
		Health:  healthChecker,
		Metrics: metrics,
		Logger:  logger,
	})
	if err != nil {
		return err
	}

	if err := subscriber.Subscribe(ctx, ingestion.DefaultSubjects()); err != nil {
		return err
	}

	// --- Goroutines ---
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error { return persistWorker.Run(gctx) })
	g.Go(func() error { return projWorker.Run(gctx) })
	g.Go(func() error { return publisher.Run(gctx) })
	g.Go(func() error { return consumer.Run(gctx, rawChan) })
	g.Go(func() error { return srv.StartGRPC(gctx) })
	g.Go(func() error { return srv.StartHTTP(gctx) })
	g.Go(func() error { return serveMetrics(gctx, cfg.MetricsAddr, logger) })
	g.Go(func() error {
		runPeriodicSnapshots(gctx, engine, takeSnapshot, cfg.SnapshotInterval, cfg.SnapshotCheckEvery, logger)
		return nil
	})
	g.Go(func() error {
		runPayoutRetries(gctx, engine, cfg.PayoutRetryEvery, logger)
		return nil
	})
	g.Go(func() error {
		sampleChannels(gctx, metrics, map[string]func() int{
			"persist":    func() int { return len(persistChan) },
			"projection": func() int { return len(projectionChan) },
			"publish":    func() int { return len(confirmedChan) },
			"commands":   func() int { return len(rawChan) },
		})
		return nil
	})

	srv.SetServing(true)
	healthChecker.SetReady(true)
	logger.Info().
		Int64("sequence", engine.Sequence()).
		Str("grpc", cfg.GRPCAddr).
		Str("http", cfg.HTTPAddr).
		Str("metrics", cfg.MetricsAddr).
		Msg("battled ready")

	<-gctx.Done()
	healthChecker.SetReady(false)
	subscriber.Stop()
	battles.Close()

	runErr := g.Wait()
	if errors.Is(runErr, context.Canceled) {
		runErr = nil
	}

	// Final snapshot once the persistence worker has drained.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if seq, err := takeSnapshot(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("final snapshot failed")
	} else {
		logger.Info().Int64("sequence", seq).Msg("final snapshot saved")
	}
	return runErr
}

// openEscrows seeds custody with what each recovered battle still owes:
// both pools plus every undelivered payout.
func openEscrows(engine *core.Engine, custody *ledger.Custody) error {
	pending := make(map[uint64]*uint256.Int)
	for _, p := range engine.PendingPayouts() {
		if _, ok := pending[p.BattleID]; !ok {
			pending[p.BattleID] = new(uint256.Int)
		}
		pending[p.BattleID].Add(pending[p.BattleID], p.Amount)
	}
	for _, id := range engine.BattleIDs() {
		view, err := engine.Battle(id)
		if err != nil {
			return err
		}
		a, b, err := engine.FinalPools(id)
		if err != nil {
			return err
		}
		owed := new(uint256.Int).Add(a, b)
		if sum, ok := pending[id]; ok {
			owed.Add(owed, sum)
		}
		if err := custody.OpenEscrow(id, view.Battle.Asset.Token, owed); err != nil {
			return err
		}
	}
	return nil
}

// durableVerifier refuses a snapshot that is ahead of the persisted log.
func durableVerifier(ctx context.Context, sm *persistence.SnapshotManager) persistence.Verifier {
	return func(snap *core.EngineSnapshot) error {
		logged, err := sm.GetLatestSequence(ctx)
		if err != nil {
			return err
		}
		if snap.Sequence > logged {
			return fmt.Errorf("snapshot sequence %d ahead of event log %d", snap.Sequence, logged)
		}
		return nil
	}
}

func runPeriodicSnapshots(
	ctx context.Context,
	engine *core.Engine,
	take func(context.Context) (int64, error),
	every int64,
	checkEvery time.Duration,
	logger zerolog.Logger,
) {
	ticker := time.NewTicker(checkEvery)
	defer ticker.Stop()

	last := engine.Sequence()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if engine.Sequence()-last < every {
				continue
			}
			seq, err := take(ctx)
			if err != nil {
				// The persistence worker may still be behind; retry next tick.
				logger.Warn().Err(err).Msg("periodic snapshot failed")
				continue
			}
			last = seq
		}
	}
}

func runPayoutRetries(ctx context.Context, engine *core.Engine, every time.Duration, logger zerolog.Logger) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if len(engine.PendingPayouts()) == 0 {
				continue
			}
			delivered, still := engine.RetryPending(ctx)
			logger.Info().
				Int("delivered", delivered).
				Int("pending", len(still)).
				Msg("payout retry pass")
		}
	}
}

func sampleChannels(ctx context.Context, metrics *observability.Metrics, lens map[string]func() int) {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for name, n := range lens {
				metrics.ChannelSize.WithLabelValues(name).Set(float64(n()))
			}
		}
	}
}

func serveMetrics(ctx context.Context, addr string, logger zerolog.Logger) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
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
