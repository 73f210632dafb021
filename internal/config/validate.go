package config

import (
	"fmt"
	"strings"
	"time"
)

// ValidationError represents a configuration validation error.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// ValidationErrors is a collection of validation errors.
type ValidationErrors []ValidationError

func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return ""
	}
	if len(e) == 1 {
		return e[0].Error()
	}
	var b strings.Builder
	fmt.Fprintf(&b, "%d validation errors:", len(e))
	for _, err := range e {
		b.WriteString("\n  - " + err.Error())
	}
	return b.String()
}

var (
	validLogLevels  = []string{"debug", "info", "warn", "error"}
	validLogFormats = []string{"json", "console"}
)

// Validate checks the configuration for errors.
// Returns nil if valid, or ValidationErrors if invalid.
func Validate(cfg Config) error {
	errs := append(ValidationErrors(nil), cfg.parseErrs...)
	add := func(field, format string, args ...any) {
		errs = append(errs, ValidationError{Field: field, Message: fmt.Sprintf(format, args...)})
	}

	switch cfg.StoreDriver {
	case StoreDriverPostgres:
		if cfg.DatabaseURL == "" {
			add("DATABASE_URL", "required when STORE_DRIVER=postgres")
		}
	case StoreDriverMemory:
	default:
		add("STORE_DRIVER", "must be %q or %q, got %q", StoreDriverPostgres, StoreDriverMemory, cfg.StoreDriver)
	}

	positive := func(field string, d time.Duration) {
		if d <= 0 {
			add(field, "must be positive")
		}
	}
	positive("TICK_INTERVAL", cfg.TickInterval)
	positive("DISPATCHER_DRAIN_TIMEOUT", cfg.DispatcherDrainTimeout)
	positive("LEDGER_TIMEOUT", cfg.LedgerTimeout)

	atLeastOne := func(field string, n int) {
		if n < 1 {
			add(field, "must be at least 1, got %d", n)
		}
	}
	atLeastOne("POLL_BATCH_SIZE", cfg.PollBatchSize)
	atLeastOne("DISPATCHER_WORKERS", cfg.DispatcherWorkers)
	atLeastOne("EVENTBUS_BUFFER_SIZE", cfg.EventBusBufferSize)

	for _, p := range []struct {
		prefix string
		cfg    PolicyConfig
	}{
		{"PAYMENT", cfg.Payment},
		{"EFFECT", cfg.Effect},
		{"COMPLETION", cfg.Completion},
	} {
		positive(p.prefix+"_TIMEOUT", p.cfg.Timeout)
		atLeastOne(p.prefix+"_MAX_ATTEMPTS", p.cfg.MaxAttempts)
		if p.cfg.BaseDelay < 0 {
			add(p.prefix+"_BASE_DELAY", "must not be negative")
		}
	}

	if cfg.ReconcileEnabled {
		positive("RECONCILE_INTERVAL", cfg.ReconcileInterval)
		atLeastOne("RECONCILE_BATCH_SIZE", cfg.ReconcileBatchSize)
		// A claim younger than the worst case may still belong to a live worker.
		if worst := cfg.Policies().WorstCase(); cfg.ReconcileThreshold <= worst {
			add("RECONCILE_THRESHOLD", "must exceed the longest execution time %s, got %s", worst, cfg.ReconcileThreshold)
		}
	}

	if cfg.CircuitBreakerThreshold < 0 {
		add("CIRCUIT_BREAKER_THRESHOLD", "must not be negative")
	}
	if cfg.CircuitBreakerThreshold > 0 {
		positive("CIRCUIT_BREAKER_COOLDOWN", cfg.CircuitBreakerCooldown)
	}

	if cfg.OpenAIRPM < 0 {
		add("OPENAI_RPM", "must not be negative")
	}
	if cfg.GenerationProvider == "" {
		add("GENERATION_PROVIDER", "required")
	}

	if cfg.StoreDriver == StoreDriverPostgres {
		positive("LEADER_RETRY_INTERVAL", cfg.LeaderRetryInterval)
		positive("LEADER_HEARTBEAT_INTERVAL", cfg.LeaderHeartbeatInterval)
		if cfg.LeaderLockKey <= 0 {
			add("LEADER_LOCK_KEY", "must be a positive integer")
		}
	}

	if !contains(validLogLevels, cfg.LogLevel) {
		add("LOG_LEVEL", "must be one of %s, got %q", strings.Join(validLogLevels, ", "), cfg.LogLevel)
	}
	if !contains(validLogFormats, cfg.LogFormat) {
		add("LOG_FORMAT", "must be one of %s, got %q", strings.Join(validLogFormats, ", "), cfg.LogFormat)
	}
	if cfg.MetricsEnabled && !strings.HasPrefix(cfg.MetricsPath, "/") {
		add("METRICS_PATH", "must start with /")
	}

	if len(errs) > 0 {
		return errs
	}
	return nil
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
