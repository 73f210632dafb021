// Package driver executes claimed execution records. Each record is
// dispatched by type through the retry runner, moved to a terminal state
// and saved exactly once.
package driver

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/esc4n0rx/simnations-backend-sub001/internal/domain"
	"github.com/esc4n0rx/simnations-backend-sub001/internal/generation"
	"github.com/esc4n0rx/simnations-backend-sub001/internal/retry"
)

// ErrStatusTransitionDenied is returned by a Store when a save would modify
// a record that is no longer pending or no longer claimed by the caller.
var ErrStatusTransitionDenied = errors.New("status transition denied: record not pending or claim lost")

// DefaultDrainTimeout is the maximum time to wait for buffered records during shutdown.
const DefaultDrainTimeout = 30 * time.Second

type Store interface {
	// SaveRecord persists rec. Implementations MUST only update a row that
	// is still pending and claimed by rec.ClaimedBy, MUST clear the claim,
	// and return ErrStatusTransitionDenied otherwise. This makes replays
	// idempotent.
	SaveRecord(ctx context.Context, rec domain.ExecutionRecord) error
	// ReleaseClaim clears owner's claim on a pending record.
	ReleaseClaim(ctx context.Context, id uuid.UUID, owner string) error
}

// Selector finds and claims due records. Used by RunDue.
type Selector interface {
	LoadDueRecords(ctx context.Context, now time.Time, limit int) ([]domain.ExecutionRecord, error)
	// ClaimRecord marks a pending, unclaimed record as owned by owner and
	// returns it. It returns domain.ErrAlreadyClaimed when another worker
	// won the record.
	ClaimRecord(ctx context.Context, id uuid.UUID, owner string, now time.Time) (domain.ExecutionRecord, error)
}

// Transfer is the funds movement for one payment record.
type Transfer struct {
	ExecutionID       uuid.UUID
	ProjectID         uuid.UUID
	Amount            decimal.Decimal
	InstallmentNumber int
	TotalInstallments int
}

type FundsTransferer interface {
	Transfer(ctx context.Context, t Transfer) error
}

type ProjectFinalizer interface {
	// FinalizeProject marks the project complete. executionID is passed as
	// an idempotency key.
	FinalizeProject(ctx context.Context, projectID, executionID uuid.UUID) error
}

type ProviderResolver interface {
	Resolve(ctx context.Context, name string) (generation.Provider, error)
}

// AnalyticsSink receives terminal records. Best-effort, never affects
// correctness.
type AnalyticsSink interface {
	Record(ctx context.Context, rec domain.ExecutionRecord)
}

// MetricsSink defines the interface for recording driver metrics.
// All methods must be non-blocking and fire-and-forget.
type MetricsSink interface {
	AttemptCompleted(execType, outcome string, duration time.Duration)
	RetryAttempt(execType string)
	ExecutionOutcome(execType, outcome string)
	ExecutionsInFlightIncr()
	ExecutionsInFlightDecr()
	ProviderAvailability(provider string, available bool)
}

// Policies holds one retry policy per execution type.
type Policies struct {
	Payment    retry.Policy
	Effect     retry.Policy
	Completion retry.Policy
}

func DefaultPolicies() Policies {
	return Policies{
		Payment:    retry.Policy{Timeout: 10 * time.Second, MaxAttempts: 3, BaseDelay: time.Second},
		Effect:     retry.Policy{Timeout: 60 * time.Second, MaxAttempts: 3, BaseDelay: 2 * time.Second},
		Completion: retry.Policy{Timeout: 10 * time.Second, MaxAttempts: 3, BaseDelay: time.Second},
	}
}

func (p Policies) For(t domain.ExecutionType) retry.Policy {
	switch t {
	case domain.ExecutionTypePayment:
		return p.Payment
	case domain.ExecutionTypeEffect:
		return p.Effect
	default:
		return p.Completion
	}
}

// WorstCase is the longest any single record can stay in flight.
func (p Policies) WorstCase() time.Duration {
	return max(p.Payment.WorstCase(), p.Effect.WorstCase(), p.Completion.WorstCase())
}

type Config struct {
	// Owner identifies this process in claims.
	Owner    string
	Provider string
	Policies Policies
	Workers  int
}

// Collaborators are the external systems records are executed against.
type Collaborators struct {
	Transfers FundsTransferer
	Finalizer ProjectFinalizer
	Providers ProviderResolver
}

type Driver struct {
	store     Store
	deps      Collaborators
	cfg       Config
	clock     retry.Clock
	logger    *zap.Logger
	analytics AnalyticsSink // optional, nil = disabled
	metrics   MetricsSink   // optional, nil = disabled

	drainTimeout time.Duration
}

func New(store Store, deps Collaborators, cfg Config) *Driver {
	if cfg.Workers < 1 {
		cfg.Workers = 1
	}
	if cfg.Provider == "" {
		cfg.Provider = generation.Auto
	}
	return &Driver{
		store:  store,
		deps:   deps,
		cfg:    cfg,
		clock:  retry.SystemClock,
		logger: zap.NewNop(),

		drainTimeout: DefaultDrainTimeout,
	}
}

func (d *Driver) WithDrainTimeout(t time.Duration) *Driver {
	if t > 0 {
		d.drainTimeout = t
	}
	return d
}

func (d *Driver) WithClock(c retry.Clock) *Driver {
	d.clock = c
	return d
}

func (d *Driver) WithLogger(l *zap.Logger) *Driver {
	if l != nil {
		d.logger = l
	}
	return d
}

func (d *Driver) WithAnalytics(sink AnalyticsSink) *Driver {
	d.analytics = sink
	return d
}

// WithMetrics attaches a metrics sink to the driver.
func (d *Driver) WithMetrics(sink MetricsSink) *Driver {
	d.metrics = sink
	return d
}

// Run consumes claimed records with cfg.Workers concurrent workers until
// ctx is cancelled, then drains the remaining buffered records.
func (d *Driver) Run(ctx context.Context, ch <-chan domain.ExecutionRecord) {
	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < d.cfg.Workers; i++ {
		g.Go(func() error {
			d.work(gctx, ch)
			return nil
		})
	}
	_ = g.Wait()
	d.drain(ch)
}

func (d *Driver) work(ctx context.Context, ch <-chan domain.ExecutionRecord) {
	for {
		select {
		case <-ctx.Done():
			return
		case rec, ok := <-ch:
			if !ok {
				return
			}
			if err := d.Process(ctx, rec); err != nil {
				d.logger.Error("driver: process failed", zap.String("execution_id", rec.ID.String()), zap.Error(err))
			}
		}
	}
}

// drain processes records left in the channel buffer after shutdown.
// Records still buffered when the drain timeout elapses have their claims
// released so another worker can pick them up.
func (d *Driver) drain(ch <-chan domain.ExecutionRecord) {
	drainCtx, cancel := context.WithTimeout(context.Background(), d.drainTimeout)
	defer cancel()

	count := 0
	for {
		select {
		case <-drainCtx.Done():
			released := d.releaseBuffered(ch)
			d.logger.Warn("driver: drain timeout",
				zap.Int("processed", count), zap.Int("released", released))
			return
		case rec, ok := <-ch:
			if !ok {
				d.logger.Info("driver: drain complete", zap.Int("processed", count))
				return
			}
			if err := d.Process(drainCtx, rec); err != nil {
				d.logger.Error("driver: drain error", zap.String("execution_id", rec.ID.String()), zap.Error(err))
			}
			count++
		default:
			if count > 0 {
				d.logger.Info("driver: drain complete", zap.Int("processed", count))
			}
			return
		}
	}
}

func (d *Driver) releaseBuffered(ch <-chan domain.ExecutionRecord) int {
	n := 0
	for {
		select {
		case rec, ok := <-ch:
			if !ok {
				return n
			}
			d.releaseClaim(rec)
			n++
		default:
			return n
		}
	}
}

// RunDue selects up to limit due records, claims them and processes them
// with cfg.Workers concurrency. It returns the number of records processed.
func (d *Driver) RunDue(ctx context.Context, sel Selector, limit int) (int, error) {
	now := d.clock.Now()
	due, err := sel.LoadDueRecords(ctx, now, limit)
	if err != nil {
		return 0, errors.Wrap(err, "load due records")
	}

	var g errgroup.Group
	g.SetLimit(d.cfg.Workers)

	processed := make(chan struct{}, len(due))
	for _, candidate := range due {
		rec, err := sel.ClaimRecord(ctx, candidate.ID, d.cfg.Owner, now)
		if err != nil {
			if errors.Is(err, domain.ErrAlreadyClaimed) {
				d.logger.Debug("driver: record claimed elsewhere", zap.String("execution_id", candidate.ID.String()))
				continue
			}
			_ = g.Wait()
			return len(processed), errors.Wrapf(err, "claim %s", candidate.ID)
		}
		g.Go(func() error {
			if err := d.Process(ctx, rec); err != nil {
				return err
			}
			processed <- struct{}{}
			return nil
		})
	}
	err = g.Wait()
	return len(processed), err
}
