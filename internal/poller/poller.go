// Package poller selects due execution records on a fixed tick, claims
// them and hands them to the driver over the event bus.
package poller

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/esc4n0rx/simnations-backend-sub001/internal/domain"
)

type Store interface {
	LoadDueRecords(ctx context.Context, now time.Time, limit int) ([]domain.ExecutionRecord, error)
	ClaimRecord(ctx context.Context, id uuid.UUID, owner string, now time.Time) (domain.ExecutionRecord, error)
	ReleaseClaim(ctx context.Context, id uuid.UUID, owner string) error
}

type EventEmitter interface {
	Emit(ctx context.Context, rec domain.ExecutionRecord) error
}

// MetricsSink defines the interface for recording poller metrics.
// All methods must be non-blocking and fire-and-forget.
type MetricsSink interface {
	TickStarted()
	TickCompleted(duration time.Duration, recordsClaimed int, err error)
	TickDrift(drift time.Duration)
	ClaimConflict()
	ExecutionLatencyObserve(latencySeconds float64)
}

type Config struct {
	TickInterval time.Duration
	BatchSize    int
	// Owner identifies this process in claims.
	Owner string
}

type Poller struct {
	config   Config
	store    Store
	emitter  EventEmitter
	clock    func() time.Time
	lastTick time.Time
	logger   *zap.Logger
	metrics  MetricsSink // optional, nil = disabled
}

func New(config Config, store Store, emitter EventEmitter) *Poller {
	if config.BatchSize <= 0 {
		config.BatchSize = 100
	}
	return &Poller{
		config:  config,
		store:   store,
		emitter: emitter,
		clock:   time.Now,
		logger:  zap.NewNop(),
	}
}

func (p *Poller) WithLogger(l *zap.Logger) *Poller {
	if l != nil {
		p.logger = l
	}
	return p
}

func (p *Poller) WithMetrics(m MetricsSink) *Poller {
	p.metrics = m
	return p
}

func (p *Poller) WithClock(clock func() time.Time) *Poller {
	p.clock = clock
	return p
}

func (p *Poller) Run(ctx context.Context) error {
	ticker := time.NewTicker(p.config.TickInterval)
	defer ticker.Stop()

	p.logger.Info("poller: started",
		zap.Duration("tick", p.config.TickInterval),
		zap.Int("batch_size", p.config.BatchSize),
		zap.String("owner", p.config.Owner),
	)
	p.lastTick = p.clock().UTC()

	for {
		select {
		case <-ctx.Done():
			p.logger.Info("poller: stopped")
			return ctx.Err()
		case <-ticker.C:
			if _, err := p.processTick(ctx); err != nil {
				p.logger.Error("poller: tick error", zap.Error(err))
			}
		}
	}
}

// processTick claims and emits due records. It stops early when the bus
// refuses a record; the unclaimed rest is picked up on a later tick.
func (p *Poller) processTick(ctx context.Context) (claimed int, err error) {
	now := p.clock().UTC()
	if p.metrics != nil {
		p.metrics.TickStarted()
		if !p.lastTick.IsZero() {
			p.metrics.TickDrift(now.Sub(p.lastTick) - p.config.TickInterval)
		}
		defer func() {
			p.metrics.TickCompleted(p.clock().Sub(now), claimed, err)
		}()
	}
	p.lastTick = now

	due, err := p.store.LoadDueRecords(ctx, now, p.config.BatchSize)
	if err != nil {
		return 0, errors.Wrap(err, "load due records")
	}

	for _, candidate := range due {
		rec, err := p.store.ClaimRecord(ctx, candidate.ID, p.config.Owner, now)
		if err != nil {
			if errors.Is(err, domain.ErrAlreadyClaimed) {
				if p.metrics != nil {
					p.metrics.ClaimConflict()
				}
				continue
			}
			p.logger.Warn("poller: claim failed", zap.String("execution_id", candidate.ID.String()), zap.Error(err))
			continue
		}

		if err := p.emitter.Emit(ctx, rec); err != nil {
			p.logger.Warn("poller: emit failed, releasing claim",
				zap.String("execution_id", rec.ID.String()), zap.Error(err))
			p.release(rec)
			break
		}

		claimed++
		if p.metrics != nil {
			p.metrics.ExecutionLatencyObserve(now.Sub(rec.ScheduledFor).Seconds())
		}
		p.logger.Debug("poller: emitted",
			zap.String("execution_id", rec.ID.String()),
			zap.String("type", string(rec.Type)),
			zap.Time("scheduled_for", rec.ScheduledFor),
		)
	}
	return claimed, nil
}

func (p *Poller) release(rec domain.ExecutionRecord) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := p.store.ReleaseClaim(ctx, rec.ID, p.config.Owner); err != nil {
		p.logger.Error("poller: release claim failed", zap.String("execution_id", rec.ID.String()), zap.Error(err))
	}
}
