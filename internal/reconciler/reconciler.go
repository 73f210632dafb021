// Package reconciler releases stale claims.
//
// A claim is stale when a worker claimed a pending record and then never
// saved or released it, e.g. because the process crashed mid-execution.
// Releasing the claim makes the record selectable again; the terminal-state
// guard in the store keeps a late save from the original worker from
// overwriting a newer outcome.
package reconciler

import (
	"context"
	"time"

	"go.uber.org/zap"
)

type Store interface {
	RequeueStaleClaims(ctx context.Context, olderThan time.Time, limit int) (int, error)
}

type MetricsSink interface {
	StaleClaimsReleased(count int)
}

type Config struct {
	// Interval is how often the reconciler runs.
	// Default: 5 minutes.
	Interval time.Duration

	// Threshold is the claim age after which a claim is considered stale.
	// It must exceed the longest an execution can legitimately take.
	// Default: 10 minutes.
	Threshold time.Duration

	// BatchSize is the maximum number of claims released per cycle.
	// Default: 100.
	BatchSize int
}

func DefaultConfig() Config {
	return Config{
		Interval:  5 * time.Minute,
		Threshold: 10 * time.Minute,
		BatchSize: 100,
	}
}

type Reconciler struct {
	config  Config
	store   Store
	clock   func() time.Time
	logger  *zap.Logger
	metrics MetricsSink // optional, nil = disabled
}

func New(config Config, store Store) *Reconciler {
	return &Reconciler{
		config: config,
		store:  store,
		clock:  time.Now,
		logger: zap.NewNop(),
	}
}

func (r *Reconciler) WithLogger(l *zap.Logger) *Reconciler {
	if l != nil {
		r.logger = l
	}
	return r
}

func (r *Reconciler) WithMetrics(m MetricsSink) *Reconciler {
	r.metrics = m
	return r
}

func (r *Reconciler) WithClock(clock func() time.Time) *Reconciler {
	r.clock = clock
	return r
}

// Run starts the reconciliation loop. It blocks until ctx is cancelled.
func (r *Reconciler) Run(ctx context.Context) {
	ticker := time.NewTicker(r.config.Interval)
	defer ticker.Stop()

	r.logger.Info("reconciler: started",
		zap.Duration("interval", r.config.Interval),
		zap.Duration("threshold", r.config.Threshold),
		zap.Int("batch", r.config.BatchSize),
	)

	// Run immediately on startup, then on ticker
	r.runCycle(ctx)

	for {
		select {
		case <-ctx.Done():
			r.logger.Info("reconciler: stopped")
			return
		case <-ticker.C:
			r.runCycle(ctx)
		}
	}
}

func (r *Reconciler) runCycle(ctx context.Context) int {
	threshold := r.clock().UTC().Add(-r.config.Threshold)

	released, err := r.store.RequeueStaleClaims(ctx, threshold, r.config.BatchSize)
	if err != nil {
		// Will retry next interval.
		r.logger.Error("reconciler: failed to release stale claims", zap.Error(err))
		return 0
	}
	if released == 0 {
		return 0
	}

	r.logger.Warn("reconciler: released stale claims",
		zap.Int("count", released),
		zap.Time("claimed_before", threshold),
	)
	if r.metrics != nil {
		r.metrics.StaleClaimsReleased(released)
	}
	return released
}
