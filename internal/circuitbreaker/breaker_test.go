package circuitbreaker

import (
	"testing"
	"time"

	"github.com/cockroachdb/errors"

	"github.com/esc4n0rx/simnations-backend-sub001/internal/testutil"
)

const endpoint = "openai:http://llm.local/v1"

func newTestBreaker(threshold int, cooldown time.Duration) (*CircuitBreaker, *testutil.FakeClock) {
	clock := testutil.NewFakeClock(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	return New(threshold, cooldown).WithClock(clock.Now), clock
}

func tripOpen(cb *CircuitBreaker, key string, n int) {
	for i := 0; i < n; i++ {
		cb.RecordFailure(key)
	}
}

func TestAllow_UnknownEndpoint_Allowed(t *testing.T) {
	cb, _ := newTestBreaker(3, 5*time.Second)
	if err := cb.Allow(endpoint); err != nil {
		t.Fatalf("expected nil, got %v", err)
	}
	if !cb.CanAttempt(endpoint) {
		t.Fatal("CanAttempt should be true for an unknown endpoint")
	}
}

func TestAllow_BelowThreshold_Allowed(t *testing.T) {
	cb, _ := newTestBreaker(3, 5*time.Second)
	tripOpen(cb, endpoint, 2)
	if err := cb.Allow(endpoint); err != nil {
		t.Fatalf("expected nil, got %v", err)
	}
}

func TestAllow_AtThreshold_Open(t *testing.T) {
	cb, _ := newTestBreaker(3, 5*time.Second)
	tripOpen(cb, endpoint, 3)
	err := cb.Allow(endpoint)
	if !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("expected ErrCircuitOpen, got %v", err)
	}
	if cb.CanAttempt(endpoint) {
		t.Fatal("CanAttempt should be false while open")
	}
	if got := cb.State(endpoint); got != "open" {
		t.Errorf("State() = %q, want open", got)
	}
}

func TestAllow_OpenAfterCooldown_HalfOpen(t *testing.T) {
	cb, clock := newTestBreaker(3, 10*time.Second)
	tripOpen(cb, endpoint, 3)
	clock.Advance(10 * time.Second)

	if !cb.CanAttempt(endpoint) {
		t.Fatal("CanAttempt should be true once cooldown elapsed")
	}
	// CanAttempt must not consume the probe.
	if err := cb.Allow(endpoint); err != nil {
		t.Fatalf("expected nil (probe allowed), got %v", err)
	}
	if err := cb.Allow(endpoint); err == nil {
		t.Fatal("expected ErrCircuitOpen while half-open probe in flight")
	}
	if cb.CanAttempt(endpoint) {
		t.Fatal("CanAttempt should be false while probe in flight")
	}
	if got := cb.State(endpoint); got != "half_open" {
		t.Errorf("State() = %q, want half_open", got)
	}
}

func TestRecordSuccess_ResetsToClose(t *testing.T) {
	cb, clock := newTestBreaker(3, 10*time.Second)
	tripOpen(cb, endpoint, 3)
	clock.Advance(15 * time.Second)
	_ = cb.Allow(endpoint)
	cb.RecordSuccess(endpoint)
	if err := cb.Allow(endpoint); err != nil {
		t.Fatalf("expected nil after reset, got %v", err)
	}
	if got := cb.State(endpoint); got != "closed" {
		t.Errorf("State() = %q, want closed", got)
	}
}

func TestRecordFailure_HalfOpenReOpens(t *testing.T) {
	cb, clock := newTestBreaker(3, 10*time.Second)
	tripOpen(cb, endpoint, 3)
	clock.Advance(15 * time.Second)
	_ = cb.Allow(endpoint)
	cb.RecordFailure(endpoint)
	if err := cb.Allow(endpoint); err == nil {
		t.Fatal("expected ErrCircuitOpen after probe failure re-open")
	}

	// The new cooldown starts at the failed probe.
	clock.Advance(9 * time.Second)
	if cb.CanAttempt(endpoint) {
		t.Fatal("cooldown should restart after a failed probe")
	}
	clock.Advance(time.Second)
	if !cb.CanAttempt(endpoint) {
		t.Fatal("expected probe allowed after the second cooldown")
	}
}

func TestAbort_HalfOpenReturnsToOpen(t *testing.T) {
	cb, clock := newTestBreaker(3, 10*time.Second)
	tripOpen(cb, endpoint, 3)
	clock.Advance(10 * time.Second)

	if err := cb.Allow(endpoint); err != nil {
		t.Fatalf("expected trial request allowed, got %v", err)
	}
	cb.Abort(endpoint)

	if got := cb.State(endpoint); got != "open" {
		t.Errorf("State() = %q, want open", got)
	}
	// An aborted trial request says nothing about the endpoint, so the next one may
	// go out without waiting for another cooldown.
	if !cb.CanAttempt(endpoint) {
		t.Fatal("CanAttempt should be true after an aborted trial request")
	}
	if err := cb.Allow(endpoint); err != nil {
		t.Fatalf("expected a new trial request allowed, got %v", err)
	}
	cb.RecordSuccess(endpoint)
	if got := cb.State(endpoint); got != "closed" {
		t.Errorf("State() = %q, want closed", got)
	}
}

func TestAbort_ClosedOrOpen_NoOp(t *testing.T) {
	cb, _ := newTestBreaker(2, 10*time.Second)
	cb.Abort(endpoint)
	if got := cb.State(endpoint); got != "closed" {
		t.Errorf("State() = %q, want closed", got)
	}

	tripOpen(cb, endpoint, 2)
	cb.Abort(endpoint)
	if cb.CanAttempt(endpoint) {
		t.Fatal("Abort must not shorten the cooldown of an open circuit")
	}
}

func TestRecordSuccess_ClosedState_NoOp(t *testing.T) {
	cb, _ := newTestBreaker(3, 5*time.Second)
	cb.RecordSuccess(endpoint)
	if err := cb.Allow(endpoint); err != nil {
		t.Fatalf("expected nil, got %v", err)
	}
}

func TestIndependentEndpoints(t *testing.T) {
	cb, _ := newTestBreaker(2, 5*time.Second)
	a := "openai:http://a.local/v1"
	b := "ledger:http://b.local"
	tripOpen(cb, a, 2)
	if err := cb.Allow(a); err == nil {
		t.Fatal("expected a open")
	}
	if err := cb.Allow(b); err != nil {
		t.Fatalf("expected b allowed, got %v", err)
	}
}

func TestZeroThreshold_NeverOpens(t *testing.T) {
	cb, _ := newTestBreaker(0, 5*time.Second)
	tripOpen(cb, endpoint, 50)
	if err := cb.Allow(endpoint); err != nil {
		t.Fatalf("disabled breaker should allow, got %v", err)
	}
	if got := cb.State(endpoint); got != "closed" {
		t.Fatalf("expected closed, got %s", got)
	}
}
