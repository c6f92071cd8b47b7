package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/fotonphotos/candlepipe/internal/adminapi"
	"github.com/fotonphotos/candlepipe/internal/aggregator"
	"github.com/fotonphotos/candlepipe/internal/backfill"
	"github.com/fotonphotos/candlepipe/internal/cache"
	"github.com/fotonphotos/candlepipe/internal/candle"
	"github.com/fotonphotos/candlepipe/internal/config"
	"github.com/fotonphotos/candlepipe/internal/eventbus"
	"github.com/fotonphotos/candlepipe/internal/health"
	"github.com/fotonphotos/candlepipe/internal/metrics"
	"github.com/fotonphotos/candlepipe/internal/relay"
	"github.com/fotonphotos/candlepipe/internal/store"
	"github.com/fotonphotos/candlepipe/internal/stream"
)

const hydrateN = 200

// App is candlepipe's composition root, wiring every component named in
// the pipeline's design: config -> store -> cache -> eventbus ->
// transport -> aggregator -> backfill -> health -> metrics -> admin
// surface, with a bounded graceful shutdown.
type App struct {
	cfg    *config.Config
	logger *zap.Logger

	store      store.Store
	postgres   *store.PostgresStore
	cache      *cache.Cache
	bus        *eventbus.Bus
	transport  *stream.Transport
	aggregator *aggregator.Aggregator
	backfill   *backfill.Engine
	health     *health.Monitor
	metrics    *metrics.Metrics
	relay      *relay.RedisRelay
	admin      adminapi.API

	shutdownTimeout time.Duration

	ctx    context.Context
	cancel context.CancelFunc
}

// initialize builds every collaborator but starts nothing long-running.
// One-shot admin commands (backfill, stats, subscribe) call only this.
func (a *App) initialize(configPath string) error {
	a.ctx, a.cancel = context.WithCancel(context.Background())

	logger, err := a.setupLogger()
	if err != nil {
		return fmt.Errorf("setup logger: %w", err)
	}
	a.logger = logger

	loader := config.NewConfigLoader()
	cfg, err := loader.LoadConfig(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	a.cfg = cfg
	a.shutdownTimeout = time.Duration(cfg.ShutdownTimeoutMs) * time.Millisecond

	pg, err := store.NewPostgresStore(a.ctx, cfg.Postgres.DSN)
	if err != nil {
		return fmt.Errorf("connect store: %w", err)
	}
	a.postgres = pg
	a.store = pg

	a.cache = cache.New(cfg.Cache.MaxMemoryCandles)
	a.bus = eventbus.New()

	a.metrics = metrics.New(a.logger.Named("metrics"))

	a.transport = stream.New(stream.Config{
		SpotBaseURL:          cfg.Stream.SpotWSBaseURL,
		FuturesBaseURL:       cfg.Stream.FuturesWSBaseURL,
		ReconnectInterval:    time.Duration(cfg.Stream.ReconnectIntervalMs) * time.Millisecond,
		MaxReconnectAttempts: cfg.Stream.MaxReconnectAttempts,
	}, a.logger.Named("stream"), a.onReconnectFailed)
	a.transport.WithReconnectHook(func(market candle.Market) {
		a.metrics.WebSocketReconnects.WithLabelValues(market.String()).Inc()
	})

	a.aggregator = aggregator.New(a.transport, a.cache, a.store, a.bus, a.logger.Named("aggregator")).
		WithMetrics(a.metrics)

	restClient := backfill.NewHTTPRESTClient(cfg.Backfill.SpotRESTBaseURL, cfg.Backfill.FuturesRESTBaseURL)
	a.backfill = backfill.New(restClient, a.store, a.bus, a.logger.Named("backfill"), backfill.Config{
		BatchSize:            cfg.Backfill.BatchSize,
		RequestDelayMs:       cfg.Backfill.RequestDelayMs,
		MaxRetries:           cfg.Backfill.MaxRetries,
		MaxCandlesPerRequest: cfg.Backfill.MaxCandlesPerRequest,
	}).WithMetrics(a.metrics)

	a.health = health.New(a.cfg.Keys, a.aggregator, a.transport, a.cache, a.store, a.bus,
		a.logger.Named("health"), time.Duration(cfg.Health.CheckIntervalMs)*time.Millisecond, a.resubscribe).
		WithMetrics(a.metrics)

	a.admin = adminapi.NewService(a.aggregator, a.cache, a.store, a.backfill)

	if cfg.Redis.Enabled {
		r, err := relay.NewRedisRelay(a.ctx, relay.Config{
			Host: cfg.Redis.Host, Port: cfg.Redis.Port, DB: cfg.Redis.DB, Password: cfg.Redis.Password,
		}, a.logger.Named("relay"))
		if err != nil {
			a.logger.Warn("redis relay disabled: connect failed", zap.Error(err))
		} else {
			a.relay = r
		}
	}

	return nil
}

func (a *App) setupLogger() (*zap.Logger, error) {
	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(zapcore.InfoLevel)
	cfg.OutputPaths = []string{"stdout"}
	return cfg.Build()
}

func (a *App) onReconnectFailed(market candle.Market, attempts int) {
	a.logger.Error("reconnect attempts exhausted", zap.String("market", market.String()), zap.Int("attempts", attempts))
	a.bus.Publish(eventbus.TopicReconnectFailed, eventbus.ReconnectFailedPayload{
		Market: market, Attempts: attempts, FailedAt: time.Now().UTC(),
	})
}

func (a *App) resubscribe(key candle.Key) {
	if err := a.aggregator.AddKey(a.ctx, key, hydrateN); err != nil {
		a.logger.Error("resubscribe failed", zap.String("key", key.String()), zap.Error(err))
	}
}

// closeOneShot releases resources held by initialize for admin commands
// that never call start: the Postgres pool, the Redis relay, and the
// cancellation context. It does not close the transport or stop the
// aggregator; a connection opened by the subscribe command's AddKey is
// left to end with the process.
func (a *App) closeOneShot() {
	a.cancel()
	if a.postgres != nil {
		a.postgres.Close()
	}
	if a.relay != nil {
		_ = a.relay.Close()
	}
}

// start brings up the live ingestion path and every background loop.
// Used only by `candlepipe run`.
func (a *App) start() error {
	if err := a.aggregator.OnStartup(a.ctx, a.cfg.Keys(), hydrateN); err != nil {
		return fmt.Errorf("aggregator startup: %w", err)
	}

	a.metrics.Attach(a.bus)
	if a.relay != nil {
		a.relay.Attach(a.bus)
	}

	if err := a.metrics.Start(a.cfg.Metrics.ListenAddr); err != nil {
		return fmt.Errorf("start metrics server: %w", err)
	}

	go a.health.Run(a.ctx)
	go a.metrics.RunUptimeLoop(a.ctx, time.Now())

	a.logger.Info("candlepipe running", zap.Int("keys", len(a.cfg.Keys())))
	return nil
}

func (a *App) waitForShutdown() {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	a.logger.Info("received shutdown signal", zap.String("signal", sig.String()))
}

// shutdown drains everything within a bounded window.
func (a *App) shutdown() error {
	a.logger.Info("shutting down candlepipe")
	a.cancel()

	a.aggregator.Shutdown()
	a.transport.Close()

	if a.relay != nil {
		if err := a.relay.Close(); err != nil {
			a.logger.Warn("relay close error", zap.Error(err))
		}
	}
	if err := a.metrics.Stop(); err != nil {
		a.logger.Warn("metrics stop error", zap.Error(err))
	}

	time.Sleep(a.shutdownTimeout) // bounded wait for in-flight save goroutines to settle
	a.aggregator.Shutdown()
	a.bus.Close()

	if a.postgres != nil {
		a.postgres.Close()
	}

	a.logger.Info("candlepipe shutdown complete")
	return nil
}
