package driver

import (
	"context"
	"fmt"
	"time"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"

	"github.com/esc4n0rx/simnations-backend-sub001/internal/domain"
	"github.com/esc4n0rx/simnations-backend-sub001/internal/generation"
	"github.com/esc4n0rx/simnations-backend-sub001/internal/retry"
)

const (
	releaseTimeout = 5 * time.Second
	saveTimeout    = 10 * time.Second
)

// Process executes one claimed record and saves its terminal state. A
// record that is already terminal is skipped. If ctx is cancelled while the
// record is in flight the claim is released and the record stays pending.
func (d *Driver) Process(ctx context.Context, rec domain.ExecutionRecord) error {
	if d.metrics != nil {
		d.metrics.ExecutionsInFlightIncr()
		defer d.metrics.ExecutionsInFlightDecr()
	}

	log := d.logger.With(
		zap.String("execution_id", rec.ID.String()),
		zap.String("project_id", rec.ProjectID.String()),
		zap.String("type", string(rec.Type)),
	)

	if rec.Status.IsTerminal() {
		log.Info("driver: record already terminal, skipping", zap.String("status", string(rec.Status)))
		return nil
	}

	start := d.clock.Now()
	effects, runErr := d.execute(ctx, rec, log)

	if runErr != nil && ctx.Err() != nil && retry.IsInterrupted(runErr) {
		d.releaseClaim(rec)
		return errors.Wrap(ctx.Err(), "execution interrupted")
	}

	now := d.clock.Now()
	if runErr == nil {
		if err := rec.MarkExecuted(now, effects); err != nil {
			runErr = err
		}
	}
	if runErr != nil {
		if err := rec.MarkFailed(now, Summarize(runErr)); err != nil {
			return errors.Wrap(err, "mark failed")
		}
	}

	// The operation has settled; its outcome is persisted even if ctx was
	// cancelled meanwhile.
	saveCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), saveTimeout)
	defer cancel()

	if err := d.store.SaveRecord(saveCtx, rec); err != nil {
		if errors.Is(err, ErrStatusTransitionDenied) {
			// Already saved by an earlier delivery of the same claim, or the
			// claim was requeued and won elsewhere.
			log.Warn("driver: save denied, record no longer ours")
			return nil
		}
		d.releaseClaim(rec)
		return errors.Wrap(err, "save record")
	}

	outcome := string(rec.Status)
	if runErr != nil {
		log.Warn("driver: execution failed",
			zap.String("error_message", rec.ErrorMessage),
			zap.Duration("duration", now.Sub(start)),
			zap.Error(runErr),
		)
	} else {
		log.Info("driver: execution succeeded", zap.Duration("duration", now.Sub(start)))
	}
	if d.metrics != nil {
		d.metrics.ExecutionOutcome(string(rec.Type), outcome)
	}
	if d.analytics != nil {
		d.analytics.Record(saveCtx, rec)
	}
	return nil
}

// execute runs the type-specific operation under the type's retry policy.
// Worst case latency is d.cfg.Policies.For(rec.Type).WorstCase().
func (d *Driver) execute(ctx context.Context, rec domain.ExecutionRecord, log *zap.Logger) (*domain.EffectPayload, error) {
	policy := d.cfg.Policies.For(rec.Type)
	execType := string(rec.Type)

	observe := func(a retry.Attempt) {
		log.Warn("driver: attempt failed",
			zap.Int("attempt", a.Number),
			zap.Duration("next_delay", a.Delay),
			zap.Error(a.Err),
		)
		if d.metrics != nil && a.Delay > 0 {
			d.metrics.RetryAttempt(execType)
		}
	}

	switch rec.Type {
	case domain.ExecutionTypePayment:
		_, err := retry.Run(ctx, d.clock, policy, "payment", timedOp(d, execType, func(ctx context.Context) (struct{}, error) {
			return struct{}{}, d.transfer(ctx, rec)
		}), observe)
		return nil, err

	case domain.ExecutionTypeEffect:
		return retry.Run(ctx, d.clock, policy, "effect generation", timedOp(d, execType, func(ctx context.Context) (*domain.EffectPayload, error) {
			return d.generateEffects(ctx, rec)
		}), observe)

	case domain.ExecutionTypeCompletion:
		_, err := retry.Run(ctx, d.clock, policy, "completion", timedOp(d, execType, func(ctx context.Context) (struct{}, error) {
			return struct{}{}, d.finalize(ctx, rec)
		}), observe)
		return nil, err

	default:
		return nil, errors.Newf("unknown execution type %q", rec.Type)
	}
}

// timedOp reports every attempt's outcome and duration to the metrics sink.
func timedOp[T any](d *Driver, execType string, op func(context.Context) (T, error)) func(context.Context) (T, error) {
	return func(ctx context.Context) (T, error) {
		start := d.clock.Now()
		v, err := op(ctx)
		if d.metrics != nil {
			d.metrics.AttemptCompleted(execType, attemptOutcome(err), d.clock.Now().Sub(start))
		}
		return v, err
	}
}

func (d *Driver) transfer(ctx context.Context, rec domain.ExecutionRecord) error {
	if d.deps.Transfers == nil {
		return retry.Permanent(errors.New("no funds transferer configured"))
	}
	if rec.Payment == nil {
		return retry.Permanent(errors.Wrap(domain.ErrInvalidRecord, "payment record without payment details"))
	}
	return d.deps.Transfers.Transfer(ctx, Transfer{
		ExecutionID:       rec.ID,
		ProjectID:         rec.ProjectID,
		Amount:            rec.Payment.Amount,
		InstallmentNumber: rec.Payment.InstallmentNumber,
		TotalInstallments: rec.Payment.TotalInstallments,
	})
}

func (d *Driver) finalize(ctx context.Context, rec domain.ExecutionRecord) error {
	if d.deps.Finalizer == nil {
		return retry.Permanent(errors.New("no project finalizer configured"))
	}
	return d.deps.Finalizer.FinalizeProject(ctx, rec.ProjectID, rec.ID)
}

// generateEffects resolves the provider for every attempt, so an Auto
// registry can fall back to another backend between attempts. A provider
// that reports itself unavailable fails the record without retries.
func (d *Driver) generateEffects(ctx context.Context, rec domain.ExecutionRecord) (*domain.EffectPayload, error) {
	if d.deps.Providers == nil {
		return nil, retry.Permanent(errors.New("no generation providers configured"))
	}
	provider, err := d.deps.Providers.Resolve(ctx, d.cfg.Provider)
	if err != nil {
		return nil, retry.Permanent(err)
	}

	name := provider.Describe().Name
	available := provider.IsAvailable(ctx)
	if d.metrics != nil {
		d.metrics.ProviderAvailability(name, available)
	}
	if !available {
		return nil, retry.Permanent(errors.Wrapf(generation.ErrUnavailable, "provider %s reported unavailable", name))
	}

	obj, err := provider.GenerateStructured(ctx, EffectPrompt(rec), generation.EffectSchema, effectOptions)
	if err != nil {
		if errors.Is(err, generation.ErrNotImplemented) {
			return nil, retry.Permanent(err)
		}
		return nil, err
	}

	payload, err := domain.EffectPayloadFromMap(obj)
	if err != nil {
		return nil, &generation.SchemaViolationError{
			Provider: name,
			Schema:   generation.EffectSchema.Name(),
			Reason:   "effects not convertible",
			Cause:    err,
		}
	}
	return payload, nil
}

func (d *Driver) releaseClaim(rec domain.ExecutionRecord) {
	if rec.ClaimedBy == "" {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), releaseTimeout)
	defer cancel()
	if err := d.store.ReleaseClaim(ctx, rec.ID, rec.ClaimedBy); err != nil {
		d.logger.Warn("driver: release claim failed",
			zap.String("execution_id", rec.ID.String()), zap.Error(err))
	}
}

// attemptOutcome maps an attempt error to a bounded metrics label.
func attemptOutcome(err error) string {
	var timeout *retry.TimeoutExceededError
	var genErr *generation.GenerationError
	var schemaErr *generation.SchemaViolationError
	switch {
	case err == nil:
		return "success"
	case errors.As(err, &timeout):
		return "timeout"
	case errors.Is(err, generation.ErrUnavailable):
		return "unavailable"
	case errors.Is(err, generation.ErrNotImplemented):
		return "not_implemented"
	case errors.As(err, &schemaErr):
		return "schema_violation"
	case errors.As(err, &genErr):
		return "generation_error"
	default:
		return "error"
	}
}

var effectOptions = generation.Options{
	System: "You are the simulation engine of a nation management game. " +
		"Given a government project, estimate its effects on economic and social indicators " +
		"as signed numeric deltas.",
	Temperature: 0.7,
}

// EffectPrompt builds the generation prompt for an effect record.
func EffectPrompt(rec domain.ExecutionRecord) string {
	desc := rec.Prompt
	if desc == "" {
		desc = "An ongoing government project."
	}
	return fmt.Sprintf("Project %s\nScheduled for %s\n\n%s",
		rec.ProjectID, rec.ScheduledFor.UTC().Format(time.RFC3339), desc)
}
