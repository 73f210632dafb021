// Package retry bounds operations with a timeout and re-runs them with
// linear backoff. All waiting goes through an explicit Clock so callers can
// drive time deterministically.
package retry

import (
	"context"
	"fmt"
	"time"

	"github.com/cockroachdb/errors"
)

// Clock is the time source used for timeouts and backoff.
type Clock interface {
	Now() time.Time
	After(d time.Duration) <-chan time.Time
}

type realClock struct{}

func (realClock) Now() time.Time                         { return time.Now() }
func (realClock) After(d time.Duration) <-chan time.Time { return time.After(d) }

// SystemClock is the wall clock.
var SystemClock Clock = realClock{}

// TimeoutExceededError is returned when an operation does not settle within
// its timeout. The operation may still be running.
type TimeoutExceededError struct {
	Label   string
	Timeout time.Duration
}

func (e *TimeoutExceededError) Error() string {
	return fmt.Sprintf("%s timed out after %s", e.Label, e.Timeout)
}

// RetriesExhaustedError is returned when every attempt failed.
type RetriesExhaustedError struct {
	Attempts int
	LastErr  error
}

func (e *RetriesExhaustedError) Error() string {
	return fmt.Sprintf("retries exhausted after %d attempts: %v", e.Attempts, e.LastErr)
}

func (e *RetriesExhaustedError) Unwrap() error { return e.LastErr }

type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks err so that RunWithRetry returns it immediately.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent reports whether err was marked with Permanent.
func IsPermanent(err error) bool {
	var p *permanentError
	return errors.As(err, &p)
}

// Policy bounds one logical operation: each attempt gets Timeout, and
// attempt n is followed by a BaseDelay*n pause before attempt n+1.
type Policy struct {
	Timeout     time.Duration
	MaxAttempts int
	BaseDelay   time.Duration
}

// Backoff returns the pause after the given 1-based attempt.
func (p Policy) Backoff(attempt int) time.Duration {
	return p.BaseDelay * time.Duration(attempt)
}

func (p Policy) attempts() int {
	if p.MaxAttempts < 1 {
		return 1
	}
	return p.MaxAttempts
}

// WorstCase returns the longest a fully failing run can take:
// every attempt hits its timeout and every backoff is waited out.
func (p Policy) WorstCase() time.Duration {
	n := p.attempts()
	total := time.Duration(n) * p.Timeout
	for i := 1; i < n; i++ {
		total += p.Backoff(i)
	}
	return total
}

// Attempt describes one failed invocation, reported to an Observer before
// the next attempt starts.
type Attempt struct {
	Number int
	Err    error
	// Delay is the pause before the next attempt, zero on the last one.
	Delay time.Duration
}

type Observer func(Attempt)

// RunWithTimeout runs op in its own goroutine and returns its result, or a
// *TimeoutExceededError if the clock reaches timeout first. On timeout the
// context passed to op is cancelled, but op is not awaited; its late result
// is discarded. A result that is ready when the timeout or ctx fires wins.
func RunWithTimeout[T any](ctx context.Context, clock Clock, op func(context.Context) (T, error), timeout time.Duration, label string) (T, error) {
	var zero T

	opCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	type result struct {
		val T
		err error
	}
	done := make(chan result, 1)

	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- result{err: errors.Newf("%s panicked: %v", label, r)}
			}
		}()
		v, err := op(opCtx)
		done <- result{val: v, err: err}
	}()

	select {
	case r := <-done:
		return r.val, r.err
	case <-clock.After(timeout):
		if r, ok := settled(done); ok {
			return r.val, r.err
		}
		return zero, &TimeoutExceededError{Label: label, Timeout: timeout}
	case <-ctx.Done():
		if r, ok := settled(done); ok {
			return r.val, r.err
		}
		return zero, ctx.Err()
	}
}

// settled returns a result that is already waiting on ch. An operation that
// finished in the same instant as a timeout or cancellation keeps its outcome.
func settled[R any](ch <-chan R) (R, bool) {
	select {
	case r := <-ch:
		return r, true
	default:
		var zero R
		return zero, false
	}
}

// IsInterrupted reports whether err stems from context cancellation or an
// expired deadline rather than from the operation itself.
func IsInterrupted(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

// RunWithRetry invokes op up to policy.MaxAttempts times and returns the
// first success. Errors marked Permanent are returned unwrapped without
// further attempts. When all attempts fail the result is a
// *RetriesExhaustedError wrapping the last error.
func RunWithRetry[T any](ctx context.Context, clock Clock, op func(context.Context) (T, error), policy Policy, observe Observer) (T, error) {
	var zero T
	var lastErr error

	n := policy.attempts()
	for attempt := 1; attempt <= n; attempt++ {
		if err := ctx.Err(); err != nil {
			if lastErr != nil {
				return zero, errors.WithSecondaryError(err, lastErr)
			}
			return zero, err
		}

		v, err := op(ctx)
		if err == nil {
			return v, nil
		}

		var perm *permanentError
		if errors.As(err, &perm) {
			if observe != nil {
				observe(Attempt{Number: attempt, Err: perm.err})
			}
			return zero, perm.err
		}

		lastErr = err
		var delay time.Duration
		if attempt < n {
			delay = policy.Backoff(attempt)
		}
		if observe != nil {
			observe(Attempt{Number: attempt, Err: err, Delay: delay})
		}
		if attempt == n {
			break
		}

		select {
		case <-clock.After(delay):
		case <-ctx.Done():
			return zero, errors.WithSecondaryError(ctx.Err(), lastErr)
		}
	}

	return zero, &RetriesExhaustedError{Attempts: n, LastErr: lastErr}
}

// Run composes the two: every attempt is bounded by policy.Timeout.
// Worst case latency is policy.WorstCase().
func Run[T any](ctx context.Context, clock Clock, policy Policy, label string, op func(context.Context) (T, error), observe Observer) (T, error) {
	attempt := func(ctx context.Context) (T, error) {
		return RunWithTimeout(ctx, clock, op, policy.Timeout, label)
	}
	return RunWithRetry(ctx, clock, attempt, policy, observe)
}
