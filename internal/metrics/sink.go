package metrics

import (
	"strings"
	"time"
)

// Sink defines the interface for recording metrics.
// All methods are fire-and-forget: implementations MUST NOT block or propagate errors.
// If the metrics backend is unavailable, implementations log warnings and continue.
type Sink interface {
	// Poller metrics
	TickStarted()
	TickCompleted(duration time.Duration, recordsClaimed int, err error)
	TickDrift(drift time.Duration)
	ClaimConflict()
	ExecutionLatencyObserve(latencySeconds float64)

	// Driver metrics
	AttemptCompleted(execType, outcome string, duration time.Duration)
	RetryAttempt(execType string)
	ExecutionOutcome(execType, outcome string)
	ExecutionsInFlightIncr()
	ExecutionsInFlightDecr()
	ProviderAvailability(provider string, available bool)

	// Ledger metrics
	LedgerRequest(operation, statusClass string, duration time.Duration)

	// EventBus metrics
	BufferSizeUpdate(size int)
	BufferCapacitySet(capacity int)
	BufferSaturationUpdate(saturation float64)
	EmitError()

	// Reconciler metrics
	StaleClaimsReleased(count int)

	// Leader election metrics
	LeaderStatusChanged(isLeader bool)
	LeaderAcquired()
	LeaderLost(reason string)
}

// Outcome constants for ExecutionOutcome.
const (
	OutcomeExecuted = "executed"
	OutcomeFailed   = "failed"
)

// StatusClass constants for LedgerRequest.
const (
	StatusClass2xx             = "2xx"
	StatusClass4xx             = "4xx"
	StatusClass5xx             = "5xx"
	StatusClassTimeout         = "timeout"
	StatusClassConnectionError = "connection_error"
	StatusClassOtherError      = "other_error"
)

// ClassifyStatus maps a status code and error to a status class.
func ClassifyStatus(statusCode int, err error) string {
	if err != nil {
		msg := strings.ToLower(err.Error())
		switch {
		case strings.Contains(msg, "timeout") || strings.Contains(msg, "deadline exceeded"):
			return StatusClassTimeout
		case strings.Contains(msg, "connection refused") || strings.Contains(msg, "no such host") ||
			strings.Contains(msg, "network is unreachable") || strings.Contains(msg, "dial"):
			return StatusClassConnectionError
		default:
			return StatusClassOtherError
		}
	}

	switch {
	case statusCode >= 200 && statusCode < 300:
		return StatusClass2xx
	case statusCode >= 400 && statusCode < 500:
		return StatusClass4xx
	case statusCode >= 500:
		return StatusClass5xx
	default:
		return StatusClassOtherError
	}
}
