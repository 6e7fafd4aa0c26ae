package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/yashasviy/lockless-transfer-saga/api"
	"github.com/yashasviy/lockless-transfer-saga/config"
	"github.com/yashasviy/lockless-transfer-saga/db"
	"github.com/yashasviy/lockless-transfer-saga/logging"
	"github.com/yashasviy/lockless-transfer-saga/middleware"
	"github.com/yashasviy/lockless-transfer-saga/redisstore"
	"github.com/yashasviy/lockless-transfer-saga/saga"
	"github.com/yashasviy/lockless-transfer-saga/telemetry"
)

const (
	serviceName       = "transfer-saga"
	eventStreamMaxLen = 100_000
)

func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}

	logger, err := logging.New(cfg.Env, cfg.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	if !cfg.EnvFileLoaded {
		logger.Info("no .env file found, relying on process environment")
	}

	if err := run(cfg, logger); err != nil {
		logger.Fatal("service stopped", zap.Error(err))
	}
}

func run(cfg *config.Config, logger *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// 0. Tracing, before anything opens a span.
	tel, err := telemetry.Init(ctx, telemetry.Config{
		ServiceName:       serviceName,
		DeploymentEnv:     cfg.Env,
		CollectorEndpoint: cfg.CollectorEndpoint,
		EnableExport:      cfg.TracingEnabled,
	}, logger)
	if err != nil {
		return err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tel.Shutdown(shutdownCtx); err != nil {
			logger.Warn("telemetry shutdown failed", zap.Error(err))
		}
	}()

	// 1. Postgres holds the ledger and the saga log.
	conn, err := db.Open(ctx, cfg.DBURL)
	if err != nil {
		return err
	}
	defer conn.Close()
	logger.Info("postgres connected")

	if err := db.Initialize(ctx, conn); err != nil {
		return err
	}

	// 2. Redis carries the request lock, saga events and optionally the step records.
	rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	defer rdb.Close()

	redisUp := true
	if err := rdb.Ping(ctx).Err(); err != nil {
		if cfg.IdempotencyBackend == config.BackendRedis {
			return fmt.Errorf("redis required for %s idempotency backend: %w", cfg.IdempotencyBackend, err)
		}
		redisUp = false
		logger.Warn("redis unavailable, running without request lock and saga events", zap.Error(err))
	} else {
		logger.Info("redis connected")
	}

	// 3. Stores and coordinator.
	breaker := db.DefaultBreakerConfig()
	ledger := db.NewLedger(conn, breaker, logger)
	sagaLog := db.NewSagaLog(conn, breaker, logger)

	var steps saga.IdempotencyStore
	switch cfg.IdempotencyBackend {
	case config.BackendRedis:
		steps = redisstore.NewStepStore(rdb, cfg.StepRecordTTL)
	default:
		steps = db.NewStepStore(conn, breaker, logger)
	}

	sagaCfg := saga.Config{
		Workers:        cfg.Workers,
		QueueSize:      cfg.QueueSize,
		RetryCeiling:   cfg.RetryCeiling,
		RetryBaseDelay: cfg.RetryBaseDelay,
		StepTimeout:    cfg.StepTimeout,
	}
	if cfg.ChaosMode {
		sagaCfg.CrashAfter = cfg.ChaosCrashAfter
		logger.Warn("chaos mode enabled", zap.String("crash_after", string(cfg.ChaosCrashAfter)))
	}

	opts := []saga.Option{saga.WithLogger(logger), saga.WithTracerProvider(tel.TracerProvider)}
	if redisUp {
		opts = append(opts, saga.WithPublisher(redisstore.NewPublisher(rdb, redisstore.EventStream, eventStreamMaxLen)))
	}
	coord := saga.NewCoordinator(ledger, steps, sagaLog, sagaCfg, opts...)

	recovery := saga.NewRecovery(coord, sagaLog, saga.RecoveryConfig{
		StaleDebitThreshold: cfg.StaleDebitThreshold,
		Interval:            cfg.RecoveryInterval,
	}, logger)

	// 4. HTTP surface.
	checks := map[string]func(context.Context) error{
		"postgres": conn.PingContext,
		"redis":    func(ctx context.Context) error { return rdb.Ping(ctx).Err() },
	}
	var lock func(http.Handler) http.Handler
	if redisUp {
		lock = middleware.RequestLock(rdb, logger)
	}
	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           api.NewRouter(api.NewHandler(coord, ledger, checks, logger), lock),
		ReadHeaderTimeout: 5 * time.Second,
	}

	coord.Start(ctx)
	defer coord.Stop()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := recovery.Run(gctx); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		logger.Info("server running", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	return g.Wait()
}
