package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

const namespace = "execengine"

// PrometheusSink implements Sink using Prometheus client library.
// All methods are non-blocking and fire-and-forget.
// Registration errors are logged but never propagated.
type PrometheusSink struct {
	logger *zap.Logger

	// Poller metrics
	ticksTotal          prometheus.Counter
	tickErrorsTotal     prometheus.Counter
	recordsClaimedTotal prometheus.Counter
	claimConflictsTotal prometheus.Counter
	tickDuration        prometheus.Histogram
	tickDrift           prometheus.Histogram
	executionLatency    prometheus.Histogram

	// Driver metrics
	attemptsTotal       *prometheus.CounterVec
	attemptDuration     *prometheus.HistogramVec
	retryAttemptsTotal  *prometheus.CounterVec
	outcomesTotal       *prometheus.CounterVec
	executionsInFlight  prometheus.Gauge
	providerAvailable   *prometheus.GaugeVec
	ledgerRequestsTotal *prometheus.CounterVec
	ledgerDuration      prometheus.Histogram

	// EventBus metrics
	bufferSize       prometheus.Gauge
	bufferCapacity   prometheus.Gauge
	bufferSaturation prometheus.Gauge
	emitErrorsTotal  prometheus.Counter

	// Reconciler metrics
	staleClaimsTotal prometheus.Counter

	// Leader election metrics
	isLeader            prometheus.Gauge
	leaderAcquiredTotal prometheus.Counter
	leaderLostTotal     *prometheus.CounterVec
}

// NewPrometheusSink creates a new Prometheus metrics sink.
// If registration fails, it logs a warning and returns a functional sink.
func NewPrometheusSink(reg prometheus.Registerer, logger *zap.Logger) *PrometheusSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &PrometheusSink{logger: logger}
	s.initPollerMetrics(reg)
	s.initDriverMetrics(reg)
	s.initEventBusMetrics(reg)
	s.initReconcilerMetrics(reg)
	s.initLeaderMetrics(reg)
	return s
}

func (s *PrometheusSink) initPollerMetrics(reg prometheus.Registerer) {
	s.ticksTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace, Subsystem: "poller", Name: "ticks_total",
		Help: "Total number of poll ticks processed.",
	})
	s.tickErrorsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace, Subsystem: "poller", Name: "tick_errors_total",
		Help: "Total number of poll ticks that ended with an error.",
	})
	s.recordsClaimedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace, Subsystem: "poller", Name: "records_claimed_total",
		Help: "Total number of due records claimed and handed to the driver.",
	})
	s.claimConflictsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace, Subsystem: "poller", Name: "claim_conflicts_total",
		Help: "Total number of claims lost to another worker.",
	})
	s.tickDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace, Subsystem: "poller", Name: "tick_duration_seconds",
		Help:    "Duration of each poll tick in seconds.",
		Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10},
	})
	s.tickDrift = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace, Subsystem: "poller", Name: "tick_drift_seconds",
		Help:    "Difference between actual tick time and expected interval in seconds.",
		Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
	})
	s.executionLatency = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace, Subsystem: "poller", Name: "execution_latency_seconds",
		Help:    "Delay between a record's scheduled time and its claim.",
		Buckets: []float64{0.5, 1, 5, 10, 30, 60, 300, 900},
	})

	s.register(reg, s.ticksTotal, "poller_ticks_total")
	s.register(reg, s.tickErrorsTotal, "poller_tick_errors_total")
	s.register(reg, s.recordsClaimedTotal, "poller_records_claimed_total")
	s.register(reg, s.claimConflictsTotal, "poller_claim_conflicts_total")
	s.register(reg, s.tickDuration, "poller_tick_duration_seconds")
	s.register(reg, s.tickDrift, "poller_tick_drift_seconds")
	s.register(reg, s.executionLatency, "poller_execution_latency_seconds")
}

func (s *PrometheusSink) initDriverMetrics(reg prometheus.Registerer) {
	s.attemptsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace, Subsystem: "driver", Name: "attempts_total",
		Help: "Total number of execution attempts by type and outcome.",
	}, []string{"type", "outcome"})
	s.attemptDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace, Subsystem: "driver", Name: "attempt_duration_seconds",
		Help:    "Attempt latency in seconds (excludes backoff wait).",
		Buckets: []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
	}, []string{"type"})
	s.retryAttemptsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace, Subsystem: "driver", Name: "retry_attempts_total",
		Help: "Total number of retries scheduled (excludes first attempt).",
	}, []string{"type"})
	s.outcomesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace, Subsystem: "driver", Name: "outcomes_total",
		Help: "Total number of terminal outcomes per record.",
	}, []string{"type", "outcome"})
	s.executionsInFlight = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace, Subsystem: "driver", Name: "executions_in_flight",
		Help: "Number of records currently being executed.",
	})
	s.providerAvailable = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace, Subsystem: "driver", Name: "provider_available",
		Help: "Last availability reported by each generation provider (1 or 0).",
	}, []string{"provider"})
	s.ledgerRequestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace, Subsystem: "ledger", Name: "requests_total",
		Help: "Total number of ledger requests by operation and status class.",
	}, []string{"operation", "status_class"})
	s.ledgerDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace, Subsystem: "ledger", Name: "request_duration_seconds",
		Help:    "Ledger request latency in seconds.",
		Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
	})

	s.register(reg, s.attemptsTotal, "driver_attempts_total")
	s.register(reg, s.attemptDuration, "driver_attempt_duration_seconds")
	s.register(reg, s.retryAttemptsTotal, "driver_retry_attempts_total")
	s.register(reg, s.outcomesTotal, "driver_outcomes_total")
	s.register(reg, s.executionsInFlight, "driver_executions_in_flight")
	s.register(reg, s.providerAvailable, "driver_provider_available")
	s.register(reg, s.ledgerRequestsTotal, "ledger_requests_total")
	s.register(reg, s.ledgerDuration, "ledger_request_duration_seconds")
}

func (s *PrometheusSink) initEventBusMetrics(reg prometheus.Registerer) {
	s.bufferSize = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace, Subsystem: "eventbus", Name: "buffer_size",
		Help: "Current number of records in the event bus buffer.",
	})
	s.bufferCapacity = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace, Subsystem: "eventbus", Name: "buffer_capacity",
		Help: "Capacity of the event bus buffer.",
	})
	s.bufferSaturation = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace, Subsystem: "eventbus", Name: "buffer_saturation_ratio",
		Help: "Event bus buffer fill ratio (0..1).",
	})
	s.emitErrorsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace, Subsystem: "eventbus", Name: "emit_errors_total",
		Help: "Total number of emit errors (buffer full).",
	})

	s.register(reg, s.bufferSize, "eventbus_buffer_size")
	s.register(reg, s.bufferCapacity, "eventbus_buffer_capacity")
	s.register(reg, s.bufferSaturation, "eventbus_buffer_saturation_ratio")
	s.register(reg, s.emitErrorsTotal, "eventbus_emit_errors_total")
}

func (s *PrometheusSink) initReconcilerMetrics(reg prometheus.Registerer) {
	s.staleClaimsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace, Subsystem: "reconciler", Name: "stale_claims_released_total",
		Help: "Total number of stale claims released for re-selection.",
	})
	s.register(reg, s.staleClaimsTotal, "reconciler_stale_claims_released_total")
}

func (s *PrometheusSink) initLeaderMetrics(reg prometheus.Registerer) {
	s.isLeader = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace, Subsystem: "leader", Name: "is_leader",
		Help: "1 if this instance holds the leader lock, 0 otherwise.",
	})
	s.leaderAcquiredTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace, Subsystem: "leader", Name: "acquired_total",
		Help: "Total number of times leadership was acquired.",
	})
	s.leaderLostTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace, Subsystem: "leader", Name: "lost_total",
		Help: "Total number of times leadership was lost, by reason.",
	}, []string{"reason"})

	s.register(reg, s.isLeader, "leader_is_leader")
	s.register(reg, s.leaderAcquiredTotal, "leader_acquired_total")
	s.register(reg, s.leaderLostTotal, "leader_lost_total")
}

// register attempts to register a collector, logging any errors without propagating them.
func (s *PrometheusSink) register(reg prometheus.Registerer, c prometheus.Collector, name string) {
	if err := reg.Register(c); err != nil {
		s.logger.Warn("metrics: failed to register collector", zap.String("name", name), zap.Error(err))
	}
}

// Poller metrics implementation

func (s *PrometheusSink) TickStarted() {
	s.ticksTotal.Inc()
}

func (s *PrometheusSink) TickCompleted(duration time.Duration, recordsClaimed int, err error) {
	s.tickDuration.Observe(duration.Seconds())
	s.recordsClaimedTotal.Add(float64(recordsClaimed))
	if err != nil {
		s.tickErrorsTotal.Inc()
	}
}

func (s *PrometheusSink) TickDrift(drift time.Duration) {
	s.tickDrift.Observe(drift.Abs().Seconds())
}

func (s *PrometheusSink) ClaimConflict() {
	s.claimConflictsTotal.Inc()
}

func (s *PrometheusSink) ExecutionLatencyObserve(latencySeconds float64) {
	s.executionLatency.Observe(latencySeconds)
}

// Driver metrics implementation

func (s *PrometheusSink) AttemptCompleted(execType, outcome string, duration time.Duration) {
	s.attemptsTotal.WithLabelValues(execType, outcome).Inc()
	s.attemptDuration.WithLabelValues(execType).Observe(duration.Seconds())
}

func (s *PrometheusSink) RetryAttempt(execType string) {
	s.retryAttemptsTotal.WithLabelValues(execType).Inc()
}

func (s *PrometheusSink) ExecutionOutcome(execType, outcome string) {
	s.outcomesTotal.WithLabelValues(execType, outcome).Inc()
}

func (s *PrometheusSink) ExecutionsInFlightIncr() {
	s.executionsInFlight.Inc()
}

func (s *PrometheusSink) ExecutionsInFlightDecr() {
	s.executionsInFlight.Dec()
}

func (s *PrometheusSink) ProviderAvailability(provider string, available bool) {
	v := 0.0
	if available {
		v = 1
	}
	s.providerAvailable.WithLabelValues(provider).Set(v)
}

func (s *PrometheusSink) LedgerRequest(operation, statusClass string, duration time.Duration) {
	s.ledgerRequestsTotal.WithLabelValues(operation, statusClass).Inc()
	s.ledgerDuration.Observe(duration.Seconds())
}

// EventBus metrics implementation

func (s *PrometheusSink) BufferSizeUpdate(size int) {
	s.bufferSize.Set(float64(size))
}

func (s *PrometheusSink) BufferCapacitySet(capacity int) {
	s.bufferCapacity.Set(float64(capacity))
}

func (s *PrometheusSink) BufferSaturationUpdate(saturation float64) {
	s.bufferSaturation.Set(saturation)
}

func (s *PrometheusSink) EmitError() {
	s.emitErrorsTotal.Inc()
}

// Reconciler metrics implementation

func (s *PrometheusSink) StaleClaimsReleased(count int) {
	s.staleClaimsTotal.Add(float64(count))
}

// Leader election metrics implementation

func (s *PrometheusSink) LeaderStatusChanged(isLeader bool) {
	if isLeader {
		s.isLeader.Set(1)
		return
	}
	s.isLeader.Set(0)
}

func (s *PrometheusSink) LeaderAcquired() {
	s.leaderAcquiredTotal.Inc()
}

func (s *PrometheusSink) LeaderLost(reason string) {
	s.leaderLostTotal.WithLabelValues(reason).Inc()
}

var _ Sink = (*PrometheusSink)(nil)
