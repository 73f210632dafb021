// Package config loads engine configuration from the environment and an
// optional config file.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/spf13/viper"

	"github.com/esc4n0rx/simnations-backend-sub001/internal/driver"
	"github.com/esc4n0rx/simnations-backend-sub001/internal/retry"
)

const (
	StoreDriverPostgres = "postgres"
	StoreDriverMemory   = "memory"
)

// PolicyConfig is the retry policy of one execution type.
type PolicyConfig struct {
	Timeout     time.Duration
	MaxAttempts int
	BaseDelay   time.Duration
}

func (p PolicyConfig) Policy() retry.Policy {
	return retry.Policy{Timeout: p.Timeout, MaxAttempts: p.MaxAttempts, BaseDelay: p.BaseDelay}
}

// Config holds all configuration for the execution engine.
// Keys are read from upper-case environment variables (TICK_INTERVAL) or
// the matching lower-case keys of a config file (tick_interval).
type Config struct {
	StoreDriver string
	DatabaseURL string
	RedisAddr   string
	HTTPAddr    string

	// WorkerID identifies this process in record claims.
	WorkerID string

	TickInterval           time.Duration
	PollBatchSize          int
	DispatcherWorkers      int
	EventBusBufferSize     int
	DispatcherDrainTimeout time.Duration

	DBOpTimeout       time.Duration
	DBMaxOpenConns    int
	DBMaxIdleConns    int
	DBConnMaxLifetime time.Duration
	DBConnMaxIdleTime time.Duration

	HTTPShutdownTimeout time.Duration

	Payment    PolicyConfig
	Effect     PolicyConfig
	Completion PolicyConfig

	GenerationProvider string
	GenerationPriority []string

	OpenAIBaseURL       string
	OpenAIAPIKey        string
	OpenAIModel         string
	OpenAIRPM           int
	OpenAIRequireAPIKey bool

	HeuristicEnabled bool

	LedgerURL     string
	LedgerSecret  string
	LedgerTimeout time.Duration

	// CircuitBreakerThreshold: 0 disables the circuit breaker.
	CircuitBreakerThreshold int
	CircuitBreakerCooldown  time.Duration

	ReconcileEnabled  bool
	ReconcileInterval time.Duration
	// ReconcileThreshold must exceed the longest a record can be in flight
	// (Policies().WorstCase()). Defaults to twice that, at least 15m.
	ReconcileThreshold time.Duration
	ReconcileBatchSize int

	AnalyticsRetention time.Duration

	// LeaderLockKey: all instances sharing the same database must use the same key.
	LeaderLockKey int64
	// LeaderRetryInterval determines the maximum failover gap.
	LeaderRetryInterval time.Duration
	// LeaderHeartbeatInterval pings the dedicated connection to detect local
	// connection death. Does NOT renew the advisory lock.
	LeaderHeartbeatInterval time.Duration

	MetricsEnabled bool
	MetricsPath    string

	LogLevel  string
	LogFormat string

	// parseErrs collects values that could not be parsed; Validate reports them.
	parseErrs ValidationErrors
}

// Policies returns the per-type retry policies for the driver.
func (c Config) Policies() driver.Policies {
	return driver.Policies{
		Payment:    c.Payment.Policy(),
		Effect:     c.Effect.Policy(),
		Completion: c.Completion.Policy(),
	}
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("store_driver", StoreDriverPostgres)
	v.SetDefault("http_addr", ":8080")
	v.SetDefault("tick_interval", "5s")
	v.SetDefault("poll_batch_size", 100)
	v.SetDefault("dispatcher_workers", 4)
	v.SetDefault("eventbus_buffer_size", 100)
	v.SetDefault("dispatcher_drain_timeout", "30s")

	v.SetDefault("db_op_timeout", "5s")
	v.SetDefault("db_max_open_conns", 25)
	v.SetDefault("db_max_idle_conns", 5)
	v.SetDefault("db_conn_max_lifetime", "30m")
	v.SetDefault("db_conn_max_idle_time", "5m")
	v.SetDefault("http_shutdown_timeout", "10s")

	v.SetDefault("payment_timeout", "10s")
	v.SetDefault("payment_max_attempts", 3)
	v.SetDefault("payment_base_delay", "1s")
	v.SetDefault("effect_timeout", "60s")
	v.SetDefault("effect_max_attempts", 3)
	v.SetDefault("effect_base_delay", "2s")
	v.SetDefault("completion_timeout", "10s")
	v.SetDefault("completion_max_attempts", 3)
	v.SetDefault("completion_base_delay", "1s")

	v.SetDefault("generation_provider", "auto")
	v.SetDefault("generation_priority", "openai,heuristic")
	v.SetDefault("openai_model", "gpt-4o-mini")
	v.SetDefault("openai_rpm", 60)
	v.SetDefault("openai_require_api_key", false)
	v.SetDefault("heuristic_enabled", true)
	v.SetDefault("ledger_timeout", "10s")

	v.SetDefault("circuit_breaker_threshold", 5)
	v.SetDefault("circuit_breaker_cooldown", "2m")

	v.SetDefault("reconcile_enabled", true)
	v.SetDefault("reconcile_interval", "1m")
	v.SetDefault("reconcile_batch_size", 100)
	v.SetDefault("analytics_retention", "720h")

	v.SetDefault("leader_lock_key", 728379)
	v.SetDefault("leader_retry_interval", "5s")
	v.SetDefault("leader_heartbeat_interval", "2s")

	v.SetDefault("metrics_enabled", false)
	v.SetDefault("metrics_path", "/metrics")
	v.SetDefault("log_level", "info")
	v.SetDefault("log_format", "json")
}

// NewViper returns a viper instance with defaults set and environment
// lookup enabled.
func NewViper() *viper.Viper {
	v := viper.New()
	setDefaults(v)
	v.AutomaticEnv()
	return v
}

// Load reads configuration from the environment and, when configFile is
// not empty, from that file. Environment variables take precedence.
func Load(configFile string) (Config, error) {
	v := NewViper()
	if configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, errors.Wrapf(err, "read config file %s", configFile)
		}
	}
	return FromViper(v), nil
}

// FromViper builds a Config from v. Values that cannot be parsed are left
// zero and reported by Validate.
func FromViper(v *viper.Viper) Config {
	p := parser{v: v}
	cfg := Config{
		StoreDriver: strings.ToLower(v.GetString("store_driver")),
		DatabaseURL: v.GetString("database_url"),
		RedisAddr:   v.GetString("redis_addr"),
		HTTPAddr:    v.GetString("http_addr"),
		WorkerID:    v.GetString("worker_id"),

		TickInterval:           p.duration("tick_interval"),
		PollBatchSize:          p.integer("poll_batch_size"),
		DispatcherWorkers:      p.integer("dispatcher_workers"),
		EventBusBufferSize:     p.integer("eventbus_buffer_size"),
		DispatcherDrainTimeout: p.duration("dispatcher_drain_timeout"),

		DBOpTimeout:       p.duration("db_op_timeout"),
		DBMaxOpenConns:    p.integer("db_max_open_conns"),
		DBMaxIdleConns:    p.integer("db_max_idle_conns"),
		DBConnMaxLifetime: p.duration("db_conn_max_lifetime"),
		DBConnMaxIdleTime: p.duration("db_conn_max_idle_time"),

		HTTPShutdownTimeout: p.duration("http_shutdown_timeout"),

		Payment:    p.policy("payment"),
		Effect:     p.policy("effect"),
		Completion: p.policy("completion"),

		GenerationProvider: strings.ToLower(v.GetString("generation_provider")),
		GenerationPriority: stringList(v, "generation_priority"),

		OpenAIBaseURL:       v.GetString("openai_base_url"),
		OpenAIAPIKey:        v.GetString("openai_api_key"),
		OpenAIModel:         v.GetString("openai_model"),
		OpenAIRPM:           p.integer("openai_rpm"),
		OpenAIRequireAPIKey: p.boolean("openai_require_api_key"),

		HeuristicEnabled: p.boolean("heuristic_enabled"),

		LedgerURL:     v.GetString("ledger_url"),
		LedgerSecret:  v.GetString("ledger_secret"),
		LedgerTimeout: p.duration("ledger_timeout"),

		CircuitBreakerThreshold: p.integer("circuit_breaker_threshold"),
		CircuitBreakerCooldown:  p.duration("circuit_breaker_cooldown"),

		ReconcileEnabled:   p.boolean("reconcile_enabled"),
		ReconcileInterval:  p.duration("reconcile_interval"),
		ReconcileBatchSize: p.integer("reconcile_batch_size"),
		AnalyticsRetention: p.duration("analytics_retention"),

		LeaderLockKey:           int64(p.integer("leader_lock_key")),
		LeaderRetryInterval:     p.duration("leader_retry_interval"),
		LeaderHeartbeatInterval: p.duration("leader_heartbeat_interval"),

		MetricsEnabled: p.boolean("metrics_enabled"),
		MetricsPath:    v.GetString("metrics_path"),

		LogLevel:  strings.ToLower(v.GetString("log_level")),
		LogFormat: strings.ToLower(v.GetString("log_format")),
	}

	// Railway and similar platforms only set PORT.
	if port := v.GetString("port"); port != "" && cfg.HTTPAddr == ":8080" {
		cfg.HTTPAddr = ":" + port
	}

	if cfg.WorkerID == "" {
		host, _ := os.Hostname()
		cfg.WorkerID = fmt.Sprintf("%s-%d", host, os.Getpid())
	}

	if v.GetString("reconcile_threshold") != "" {
		cfg.ReconcileThreshold = p.duration("reconcile_threshold")
	} else {
		cfg.ReconcileThreshold = max(15*time.Minute, 2*cfg.Policies().WorstCase())
	}

	cfg.parseErrs = p.errs
	return cfg
}

type parser struct {
	v    *viper.Viper
	errs ValidationErrors
}

func (p *parser) fail(key, msg string) {
	p.errs = append(p.errs, ValidationError{Field: strings.ToUpper(key), Message: msg})
}

func (p *parser) duration(key string) time.Duration {
	raw := strings.TrimSpace(p.v.GetString(key))
	if raw == "" {
		return 0
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		p.fail(key, fmt.Sprintf("invalid duration %q", raw))
		return 0
	}
	return d
}

func (p *parser) integer(key string) int {
	raw := strings.TrimSpace(p.v.GetString(key))
	if raw == "" {
		return 0
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		p.fail(key, fmt.Sprintf("invalid integer %q", raw))
		return 0
	}
	return n
}

func (p *parser) boolean(key string) bool {
	switch raw := strings.ToLower(strings.TrimSpace(p.v.GetString(key))); raw {
	case "true", "1", "yes":
		return true
	case "false", "0", "no", "":
		return false
	default:
		p.fail(key, fmt.Sprintf("invalid boolean %q", raw))
		return false
	}
}

func (p *parser) policy(prefix string) PolicyConfig {
	return PolicyConfig{
		Timeout:     p.duration(prefix + "_timeout"),
		MaxAttempts: p.integer(prefix + "_max_attempts"),
		BaseDelay:   p.duration(prefix + "_base_delay"),
	}
}

// stringList accepts a comma-separated string (environment) or a list
// (config file).
func stringList(v *viper.Viper, key string) []string {
	parts := v.GetStringSlice(key)
	if raw := v.GetString(key); raw != "" {
		parts = strings.Split(raw, ",")
	}
	var out []string
	for _, part := range parts {
		if part = strings.TrimSpace(strings.ToLower(part)); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// MaskedJSON returns the configuration as JSON with secrets masked.
func (c Config) MaskedJSON() ([]byte, error) {
	type policy struct {
		Timeout     string `json:"timeout"`
		MaxAttempts int    `json:"max_attempts"`
		BaseDelay   string `json:"base_delay"`
		WorstCase   string `json:"worst_case"`
	}
	toPolicy := func(p PolicyConfig) policy {
		return policy{
			Timeout:     p.Timeout.String(),
			MaxAttempts: p.MaxAttempts,
			BaseDelay:   p.BaseDelay.String(),
			WorstCase:   p.Policy().WorstCase().String(),
		}
	}

	masked := struct {
		StoreDriver             string   `json:"store_driver"`
		DatabaseURL             string   `json:"database_url"`
		RedisAddr               string   `json:"redis_addr,omitempty"`
		HTTPAddr                string   `json:"http_addr"`
		WorkerID                string   `json:"worker_id"`
		TickInterval            string   `json:"tick_interval"`
		PollBatchSize           int      `json:"poll_batch_size"`
		DispatcherWorkers       int      `json:"dispatcher_workers"`
		EventBusBufferSize      int      `json:"eventbus_buffer_size"`
		DispatcherDrainTimeout  string   `json:"dispatcher_drain_timeout"`
		DBOpTimeout             string   `json:"db_op_timeout"`
		DBMaxOpenConns          int      `json:"db_max_open_conns"`
		DBMaxIdleConns          int      `json:"db_max_idle_conns"`
		DBConnMaxLifetime       string   `json:"db_conn_max_lifetime"`
		DBConnMaxIdleTime       string   `json:"db_conn_max_idle_time"`
		HTTPShutdownTimeout     string   `json:"http_shutdown_timeout"`
		Payment                 policy   `json:"payment"`
		Effect                  policy   `json:"effect"`
		Completion              policy   `json:"completion"`
		GenerationProvider      string   `json:"generation_provider"`
		GenerationPriority      []string `json:"generation_priority"`
		OpenAIBaseURL           string   `json:"openai_base_url,omitempty"`
		OpenAIAPIKey            string   `json:"openai_api_key,omitempty"`
		OpenAIModel             string   `json:"openai_model"`
		OpenAIRPM               int      `json:"openai_rpm"`
		HeuristicEnabled        bool     `json:"heuristic_enabled"`
		LedgerURL               string   `json:"ledger_url,omitempty"`
		LedgerSecret            string   `json:"ledger_secret,omitempty"`
		LedgerTimeout           string   `json:"ledger_timeout"`
		CircuitBreakerThreshold int      `json:"circuit_breaker_threshold"`
		CircuitBreakerCooldown  string   `json:"circuit_breaker_cooldown"`
		ReconcileEnabled        bool     `json:"reconcile_enabled"`
		ReconcileInterval       string   `json:"reconcile_interval"`
		ReconcileThreshold      string   `json:"reconcile_threshold"`
		ReconcileBatchSize      int      `json:"reconcile_batch_size"`
		LeaderLockKey           int64    `json:"leader_lock_key"`
		LeaderRetryInterval     string   `json:"leader_retry_interval"`
		LeaderHeartbeatInterval string   `json:"leader_heartbeat_interval"`
		MetricsEnabled          bool     `json:"metrics_enabled"`
		MetricsPath             string   `json:"metrics_path"`
		LogLevel                string   `json:"log_level"`
		LogFormat               string   `json:"log_format"`
	}{
		StoreDriver:             c.StoreDriver,
		DatabaseURL:             maskSecret(c.DatabaseURL),
		RedisAddr:               c.RedisAddr,
		HTTPAddr:                c.HTTPAddr,
		WorkerID:                c.WorkerID,
		TickInterval:            c.TickInterval.String(),
		PollBatchSize:           c.PollBatchSize,
		DispatcherWorkers:       c.DispatcherWorkers,
		EventBusBufferSize:      c.EventBusBufferSize,
		DispatcherDrainTimeout:  c.DispatcherDrainTimeout.String(),
		DBOpTimeout:             c.DBOpTimeout.String(),
		DBMaxOpenConns:          c.DBMaxOpenConns,
		DBMaxIdleConns:          c.DBMaxIdleConns,
		DBConnMaxLifetime:       c.DBConnMaxLifetime.String(),
		DBConnMaxIdleTime:       c.DBConnMaxIdleTime.String(),
		HTTPShutdownTimeout:     c.HTTPShutdownTimeout.String(),
		Payment:                 toPolicy(c.Payment),
		Effect:                  toPolicy(c.Effect),
		Completion:              toPolicy(c.Completion),
		GenerationProvider:      c.GenerationProvider,
		GenerationPriority:      c.GenerationPriority,
		OpenAIBaseURL:           c.OpenAIBaseURL,
		OpenAIAPIKey:            maskSecret(c.OpenAIAPIKey),
		OpenAIModel:             c.OpenAIModel,
		OpenAIRPM:               c.OpenAIRPM,
		HeuristicEnabled:        c.HeuristicEnabled,
		LedgerURL:               c.LedgerURL,
		LedgerSecret:            maskSecret(c.LedgerSecret),
		LedgerTimeout:           c.LedgerTimeout.String(),
		CircuitBreakerThreshold: c.CircuitBreakerThreshold,
		CircuitBreakerCooldown:  c.CircuitBreakerCooldown.String(),
		ReconcileEnabled:        c.ReconcileEnabled,
		ReconcileInterval:       c.ReconcileInterval.String(),
		ReconcileThreshold:      c.ReconcileThreshold.String(),
		ReconcileBatchSize:      c.ReconcileBatchSize,
		LeaderLockKey:           c.LeaderLockKey,
		LeaderRetryInterval:     c.LeaderRetryInterval.String(),
		LeaderHeartbeatInterval: c.LeaderHeartbeatInterval.String(),
		MetricsEnabled:          c.MetricsEnabled,
		MetricsPath:             c.MetricsPath,
		LogLevel:                c.LogLevel,
		LogFormat:               c.LogFormat,
	}
	return json.MarshalIndent(masked, "", "  ")
}

// maskSecret masks a secret value, preserving only the URI scheme if present.
func maskSecret(s string) string {
	if s == "" {
		return ""
	}
	for _, scheme := range []string{"postgres://", "postgresql://", "redis://"} {
		if strings.HasPrefix(s, scheme) {
			return scheme + "***"
		}
	}
	return "***"
}
