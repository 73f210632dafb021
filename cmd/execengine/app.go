package main

import (
	"context"
	"database/sql"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/esc4n0rx/simnations-backend-sub001/internal/analytics"
	"github.com/esc4n0rx/simnations-backend-sub001/internal/circuitbreaker"
	"github.com/esc4n0rx/simnations-backend-sub001/internal/config"
	"github.com/esc4n0rx/simnations-backend-sub001/internal/domain"
	"github.com/esc4n0rx/simnations-backend-sub001/internal/driver"
	"github.com/esc4n0rx/simnations-backend-sub001/internal/generation"
	"github.com/esc4n0rx/simnations-backend-sub001/internal/generation/heuristic"
	"github.com/esc4n0rx/simnations-backend-sub001/internal/generation/openaicompat"
	"github.com/esc4n0rx/simnations-backend-sub001/internal/ledger"
	"github.com/esc4n0rx/simnations-backend-sub001/internal/metrics"
	"github.com/esc4n0rx/simnations-backend-sub001/internal/store/memory"
	"github.com/esc4n0rx/simnations-backend-sub001/internal/store/postgres"

	_ "github.com/lib/pq"
)

// recordStore is what every command needs from persistence. Both the
// Postgres and the memory store satisfy it.
type recordStore interface {
	driver.Store
	driver.Selector
	InsertRecords(ctx context.Context, recs []domain.ExecutionRecord) (int, error)
	RequeueStaleClaims(ctx context.Context, olderThan time.Time, limit int) (int, error)
	GetRecord(ctx context.Context, id uuid.UUID) (domain.ExecutionRecord, error)
	ListProjectRecords(ctx context.Context, projectID uuid.UUID) ([]domain.ExecutionRecord, error)
}

var (
	_ recordStore = (*postgres.Store)(nil)
	_ recordStore = (*memory.Store)(nil)
)

// app holds the process-wide dependencies shared by the commands.
type app struct {
	cfg    config.Config
	logger *zap.Logger

	db    *sql.DB         // nil with the memory store
	pg    *postgres.Store // nil with the memory store
	store recordStore

	metrics  metrics.Sink
	registry *prometheus.Registry // nil when metrics are disabled

	redis *redis.Client // nil when analytics are disabled
}

func newApp(ctx context.Context, cfg config.Config, logger *zap.Logger) (*app, error) {
	a := &app{cfg: cfg, logger: logger, metrics: metrics.NewNoopSink()}

	if cfg.MetricsEnabled {
		a.registry = prometheus.NewRegistry()
		a.registry.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
		a.metrics = metrics.NewPrometheusSink(a.registry, logger)
	}

	switch cfg.StoreDriver {
	case config.StoreDriverPostgres:
		db, err := openDB(ctx, cfg)
		if err != nil {
			return nil, err
		}
		a.db = db
		a.pg = postgres.New(db)
		a.store = a.pg
	default:
		logger.Warn("execengine: using in-memory store; records are lost on exit")
		a.store = memory.New()
	}

	return a, nil
}

func openDB(ctx context.Context, cfg config.Config) (*sql.DB, error) {
	db, err := sql.Open("postgres", cfg.DatabaseURL)
	if err != nil {
		return nil, errors.Wrap(err, "open database")
	}

	db.SetMaxOpenConns(cfg.DBMaxOpenConns)
	db.SetMaxIdleConns(cfg.DBMaxIdleConns)
	db.SetConnMaxLifetime(cfg.DBConnMaxLifetime)
	db.SetConnMaxIdleTime(cfg.DBConnMaxIdleTime)

	pingCtx, cancel := context.WithTimeout(ctx, cfg.DBOpTimeout)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, errors.WithHint(errors.Wrap(err, "connect to database"), "check DATABASE_URL")
	}
	return db, nil
}

func (a *app) Close() {
	if a.redis != nil {
		_ = a.redis.Close()
	}
	if a.db != nil {
		_ = a.db.Close()
	}
	_ = a.logger.Sync()
}

// newRegistry registers every generation backend. Unconfigured backends
// stay registered and report themselves unavailable.
func (a *app) newRegistry() (*generation.Registry, error) {
	cfg := a.cfg
	breaker := circuitbreaker.New(cfg.CircuitBreakerThreshold, cfg.CircuitBreakerCooldown)

	registry := generation.NewRegistry(cfg.GenerationPriority...)
	backends := []generation.Provider{
		openaicompat.New(openaicompat.Config{
			BaseURL:           cfg.OpenAIBaseURL,
			APIKey:            cfg.OpenAIAPIKey,
			Model:             cfg.OpenAIModel,
			RequestsPerMinute: cfg.OpenAIRPM,
			Timeout:           cfg.Effect.Timeout,
			RequireAPIKey:     cfg.OpenAIRequireAPIKey,
		}, breaker).WithLogger(a.logger),
		heuristic.New(heuristic.Config{Enabled: cfg.HeuristicEnabled}),
	}
	for _, p := range backends {
		if err := registry.Register(p); err != nil {
			return nil, err
		}
	}
	return registry, nil
}

// newDriver wires the driver to the ledger, the generation backends and,
// when REDIS_ADDR is set, the analytics sink.
func (a *app) newDriver() (*driver.Driver, error) {
	cfg := a.cfg

	registry, err := a.newRegistry()
	if err != nil {
		return nil, err
	}

	ledgerClient := ledger.New(ledger.Config{
		BaseURL: cfg.LedgerURL,
		Secret:  cfg.LedgerSecret,
		Timeout: cfg.LedgerTimeout,
	}).WithLogger(a.logger).WithMetrics(a.metrics)

	d := driver.New(a.store, driver.Collaborators{
		Transfers: ledgerClient,
		Finalizer: ledgerClient,
		Providers: registry,
	}, driver.Config{
		Owner:    cfg.WorkerID,
		Provider: cfg.GenerationProvider,
		Policies: cfg.Policies(),
		Workers:  cfg.DispatcherWorkers,
	}).
		WithLogger(a.logger).
		WithMetrics(a.metrics).
		WithDrainTimeout(cfg.DispatcherDrainTimeout)

	if cfg.RedisAddr != "" {
		if a.redis == nil {
			a.redis = redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		}
		sink := analytics.NewRedisSink(a.redis).
			WithRetention(cfg.AnalyticsRetention).
			WithLogger(a.logger)
		d = d.WithAnalytics(sink)
		a.logger.Info("execengine: analytics enabled", zap.String("redis", cfg.RedisAddr))
	} else {
		a.logger.Info("execengine: REDIS_ADDR not set; analytics disabled")
	}

	return d, nil
}
