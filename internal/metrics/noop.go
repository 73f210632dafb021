package metrics

import "time"

// NoopSink is a no-op implementation of Sink.
// Used when metrics are disabled to avoid nil checks.
type NoopSink struct{}

// NewNoopSink returns a no-op metrics sink.
func NewNoopSink() *NoopSink {
	return &NoopSink{}
}

func (n *NoopSink) TickStarted()                                                        {}
func (n *NoopSink) TickCompleted(duration time.Duration, recordsClaimed int, err error) {}
func (n *NoopSink) TickDrift(drift time.Duration)                                       {}
func (n *NoopSink) ClaimConflict()                                                      {}
func (n *NoopSink) ExecutionLatencyObserve(latencySeconds float64)                      {}
func (n *NoopSink) AttemptCompleted(execType, outcome string, d time.Duration)          {}
func (n *NoopSink) RetryAttempt(execType string)                                        {}
func (n *NoopSink) ExecutionOutcome(execType, outcome string)                           {}
func (n *NoopSink) ExecutionsInFlightIncr()                                             {}
func (n *NoopSink) ExecutionsInFlightDecr()                                             {}
func (n *NoopSink) ProviderAvailability(provider string, available bool)                {}
func (n *NoopSink) LedgerRequest(operation, statusClass string, d time.Duration)        {}
func (n *NoopSink) BufferSizeUpdate(size int)                                           {}
func (n *NoopSink) BufferCapacitySet(capacity int)                                      {}
func (n *NoopSink) BufferSaturationUpdate(saturation float64)                           {}
func (n *NoopSink) EmitError()                                                          {}
func (n *NoopSink) StaleClaimsReleased(count int)                                       {}
func (n *NoopSink) LeaderStatusChanged(isLeader bool)                                   {}
func (n *NoopSink) LeaderAcquired()                                                     {}
func (n *NoopSink) LeaderLost(reason string)                                            {}

var _ Sink = (*NoopSink)(nil)
