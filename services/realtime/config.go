// Copyright (C) 2026 IndaStreet (engineering@indastreet.id)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package realtime

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/indastreet/realtime/services/realtime/breaker"
	"github.com/indastreet/realtime/services/realtime/ratelimit"
	"github.com/indastreet/realtime/services/realtime/reminder"
	"github.com/indastreet/realtime/services/realtime/retry"
	"github.com/indastreet/realtime/services/realtime/router"
	"github.com/indastreet/realtime/services/realtime/store"
	"github.com/indastreet/realtime/services/realtime/telemetry"
	"github.com/indastreet/realtime/services/realtime/transport"
	"github.com/indastreet/realtime/services/realtime/watchdog"
)

// Duration is a time.Duration that unmarshals from "30s"-style strings
// in YAML and JSON, as well as from integer nanoseconds.
type Duration time.Duration

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d Duration) String() string { return time.Duration(d).String() }

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err == nil {
		parsed, perr := time.ParseDuration(s)
		if perr != nil {
			return fmt.Errorf("invalid duration %q: %w", s, perr)
		}
		*d = Duration(parsed)
		return nil
	}
	var n int64
	if err := value.Decode(&n); err != nil {
		return fmt.Errorf("invalid duration value: %w", err)
	}
	*d = Duration(n)
	return nil
}

// MarshalYAML implements yaml.Marshaler.
func (d Duration) MarshalYAML() (any, error) { return d.String(), nil }

// UnmarshalJSON implements json.Unmarshaler.
func (d *Duration) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err == nil {
		parsed, perr := time.ParseDuration(s)
		if perr != nil {
			return fmt.Errorf("invalid duration %q: %w", s, perr)
		}
		*d = Duration(parsed)
		return nil
	}
	var n int64
	if err := json.Unmarshal(b, &n); err != nil {
		return fmt.Errorf("invalid duration value: %w", err)
	}
	*d = Duration(n)
	return nil
}

// MarshalJSON implements json.Marshaler.
func (d Duration) MarshalJSON() ([]byte, error) { return json.Marshal(d.String()) }

// Config is the top-level configuration for the realtime client and its
// daemon. Loaded with priority: env > file > defaults.
type Config struct {
	// Transport configures the tiered connection endpoints.
	Transport TransportConfig `json:"transport" yaml:"transport"`

	// RateLimit configures the per-endpoint token buckets.
	RateLimit RateLimitConfig `json:"rate_limit" yaml:"rate_limit"`

	// Breaker configures the circuit breaker guarding outbound sends.
	Breaker BreakerConfig `json:"breaker" yaml:"breaker"`

	// Retry configures the backoff for retryable send failures.
	Retry RetryConfig `json:"retry" yaml:"retry"`

	// Router configures message dispatch and the offline outbound queue.
	Router RouterConfig `json:"router" yaml:"router"`

	// Watchdog configures connection-health monitoring.
	Watchdog WatchdogConfig `json:"watchdog" yaml:"watchdog"`

	// Reminder configures the durable booking-reminder scheduler.
	Reminder ReminderConfig `json:"reminder" yaml:"reminder"`

	// Store configures the embedded database backing reminders.
	Store StoreConfig `json:"store" yaml:"store"`

	// Ops configures the operational HTTP server.
	Ops OpsConfig `json:"ops" yaml:"ops"`

	// Telemetry configures tracing and metrics export.
	Telemetry telemetry.Config `json:"telemetry" yaml:"telemetry"`

	// Logging configures structured log output.
	Logging LoggingConfig `json:"logging" yaml:"logging"`
}

// TransportConfig holds the ranked connection endpoints. An empty URL
// disables that tier.
type TransportConfig struct {
	WebSocketURL string `json:"websocket_url" yaml:"websocket_url" validate:"omitempty,url"`
	SSEURL       string `json:"sse_url" yaml:"sse_url" validate:"omitempty,url"`
	PollURL      string `json:"poll_url" yaml:"poll_url" validate:"omitempty,url"`

	// Token is the bearer credential presented to every tier.
	Token string `json:"token" yaml:"token"`

	HeartbeatInterval Duration `json:"heartbeat_interval" yaml:"heartbeat_interval"`
	PollInterval      Duration `json:"poll_interval" yaml:"poll_interval"`

	// Reconnect is the exponential-backoff budget for the primary tier.
	Reconnect ReconnectConfig `json:"reconnect" yaml:"reconnect"`
}

// ReconnectConfig mirrors transport.ReconnectConfig with config tags.
type ReconnectConfig struct {
	BaseDelay   Duration `json:"base_delay" yaml:"base_delay"`
	MaxDelay    Duration `json:"max_delay" yaml:"max_delay"`
	MaxAttempts int      `json:"max_attempts" yaml:"max_attempts" validate:"gte=0"`
}

// RateLimitConfig holds bucket defaults plus per-endpoint overrides keyed
// by endpoint name.
type RateLimitConfig struct {
	Capacity     int      `json:"capacity" yaml:"capacity" validate:"gte=0"`
	RefillWindow Duration `json:"refill_window" yaml:"refill_window"`
	Burst        int      `json:"burst" yaml:"burst" validate:"gte=0"`
	QueueSize    int      `json:"queue_size" yaml:"queue_size" validate:"gte=0"`

	Overrides map[string]BucketConfig `json:"overrides" yaml:"overrides"`
}

// BucketConfig is one endpoint override.
type BucketConfig struct {
	Capacity     int      `json:"capacity" yaml:"capacity" validate:"gte=0"`
	RefillWindow Duration `json:"refill_window" yaml:"refill_window"`
	Burst        int      `json:"burst" yaml:"burst" validate:"gte=0"`
	QueueSize    int      `json:"queue_size" yaml:"queue_size" validate:"gte=0"`
}

// BreakerConfig mirrors breaker.Config with config tags.
type BreakerConfig struct {
	FailureThreshold int      `json:"failure_threshold" yaml:"failure_threshold" validate:"gte=0"`
	Cooldown         Duration `json:"cooldown" yaml:"cooldown"`
	SuccessThreshold int      `json:"success_threshold" yaml:"success_threshold" validate:"gte=0"`
}

// RetryConfig mirrors retry.Config with config tags.
type RetryConfig struct {
	MaxAttempts  int      `json:"max_attempts" yaml:"max_attempts" validate:"gte=0"`
	BaseDelay    Duration `json:"base_delay" yaml:"base_delay"`
	MaxDelay     Duration `json:"max_delay" yaml:"max_delay"`
	JitterFactor float64  `json:"jitter_factor" yaml:"jitter_factor" validate:"gte=0,lte=1"`
}

// RouterConfig mirrors router.Config with config tags.
type RouterConfig struct {
	QueueCapacity int `json:"queue_capacity" yaml:"queue_capacity" validate:"gte=0"`
	DedupSize     int `json:"dedup_size" yaml:"dedup_size" validate:"gte=0"`
}

// WatchdogConfig mirrors watchdog.Config with config tags.
type WatchdogConfig struct {
	Timeout       Duration `json:"timeout" yaml:"timeout"`
	CheckInterval Duration `json:"check_interval" yaml:"check_interval"`
}

// ReminderConfig tunes the scheduler loop.
type ReminderConfig struct {
	TickInterval Duration `json:"tick_interval" yaml:"tick_interval"`
	MaxRetries   int      `json:"max_retries" yaml:"max_retries" validate:"gte=0"`
	Retention    Duration `json:"retention" yaml:"retention"`
}

// StoreConfig locates the embedded database.
type StoreConfig struct {
	// Path is the on-disk directory. Ignored when InMemory is set.
	Path     string `json:"path" yaml:"path"`
	InMemory bool   `json:"in_memory" yaml:"in_memory"`
}

// OpsConfig configures the health/metrics HTTP server. An empty
// ListenAddr disables it.
type OpsConfig struct {
	ListenAddr string `json:"listen_addr" yaml:"listen_addr" validate:"omitempty,hostname_port"`
}

// LoggingConfig configures slog output.
type LoggingConfig struct {
	// Level is one of debug, info, warn, error.
	Level string `json:"level" yaml:"level" validate:"oneof=debug info warn error"`

	// Format is "json" or "text".
	Format string `json:"format" yaml:"format" validate:"oneof=json text"`
}

// DefaultConfig returns production defaults. Endpoints and credentials
// have no defaults and must come from file or environment.
func DefaultConfig() Config {
	return Config{
		Transport: TransportConfig{
			HeartbeatInterval: Duration(30 * time.Second),
			PollInterval:      Duration(5 * time.Second),
			Reconnect: ReconnectConfig{
				BaseDelay:   Duration(time.Second),
				MaxDelay:    Duration(30 * time.Second),
				MaxAttempts: 10,
			},
		},
		RateLimit: RateLimitConfig{
			Capacity:     10,
			RefillWindow: Duration(time.Second),
			QueueSize:    32,
		},
		Breaker: BreakerConfig{
			FailureThreshold: 5,
			Cooldown:         Duration(30 * time.Second),
			SuccessThreshold: 2,
		},
		Retry: RetryConfig{
			MaxAttempts:  3,
			BaseDelay:    Duration(500 * time.Millisecond),
			MaxDelay:     Duration(10 * time.Second),
			JitterFactor: 0.2,
		},
		Router: RouterConfig{
			QueueCapacity: 256,
			DedupSize:     512,
		},
		Watchdog: WatchdogConfig{
			Timeout:       Duration(5 * time.Minute),
			CheckInterval: Duration(30 * time.Second),
		},
		Reminder: ReminderConfig{
			TickInterval: Duration(time.Minute),
			MaxRetries:   3,
			Retention:    Duration(7 * 24 * time.Hour),
		},
		Store: StoreConfig{
			Path: "data/realtime",
		},
		Ops: OpsConfig{
			ListenAddr: "localhost:8086",
		},
		Telemetry: telemetry.DefaultConfig(),
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// LoadConfig loads configuration with priority: env > file > defaults.
//
// # Inputs
//
//   - path: YAML or JSON config file. Optional; a missing file falls back
//     to defaults.
//
// # Outputs
//
//   - Config: the merged configuration.
//   - error: non-nil when the file exists but is invalid, or validation
//     fails.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		if err := loadConfigFile(path, &cfg); err != nil {
			return cfg, fmt.Errorf("load config file: %w", err)
		}
	}

	loadConfigFromEnv(&cfg)

	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

func loadConfigFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}

	// Try YAML first, then JSON.
	if err := yaml.Unmarshal(data, cfg); err != nil {
		if jsonErr := json.Unmarshal(data, cfg); jsonErr != nil {
			return fmt.Errorf("parse config (tried YAML and JSON): YAML error: %v, JSON error: %w", err, jsonErr)
		}
	}
	return nil
}

func loadConfigFromEnv(cfg *Config) {
	if v := os.Getenv("REALTIME_WEBSOCKET_URL"); v != "" {
		cfg.Transport.WebSocketURL = v
	}
	if v := os.Getenv("REALTIME_SSE_URL"); v != "" {
		cfg.Transport.SSEURL = v
	}
	if v := os.Getenv("REALTIME_POLL_URL"); v != "" {
		cfg.Transport.PollURL = v
	}
	if v := os.Getenv("REALTIME_TOKEN"); v != "" {
		cfg.Transport.Token = v
	}
	if v := os.Getenv("REALTIME_STORE_PATH"); v != "" {
		cfg.Store.Path = v
	}
	if v := os.Getenv("REALTIME_OPS_ADDR"); v != "" {
		cfg.Ops.ListenAddr = v
	}
	if v := os.Getenv("REALTIME_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("REALTIME_REMINDER_TICK"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Reminder.TickInterval = Duration(d)
		}
	}
	if v := os.Getenv("REALTIME_WATCHDOG_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Watchdog.Timeout = Duration(d)
		}
	}
}

var validate = validator.New()

// Validate checks field constraints and cross-field invariants.
func (c Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return err
	}
	if c.Transport.WebSocketURL == "" && c.Transport.SSEURL == "" && c.Transport.PollURL == "" {
		return fmt.Errorf("at least one transport endpoint must be configured")
	}
	if c.Transport.Reconnect.BaseDelay > c.Transport.Reconnect.MaxDelay && c.Transport.Reconnect.MaxDelay > 0 {
		return fmt.Errorf("reconnect base_delay must not exceed max_delay")
	}
	return nil
}

// ===== Conversions to component configs =====

func (c TransportConfig) reconnect() transport.ReconnectConfig {
	return transport.ReconnectConfig{
		BaseDelay:   c.Reconnect.BaseDelay.Std(),
		MaxDelay:    c.Reconnect.MaxDelay.Std(),
		MaxAttempts: c.Reconnect.MaxAttempts,
	}
}

func (c RateLimitConfig) limiterConfigs() (ratelimit.Config, map[string]ratelimit.Config) {
	defaults := ratelimit.Config{
		Capacity:     c.Capacity,
		RefillWindow: c.RefillWindow.Std(),
		Burst:        c.Burst,
		QueueSize:    c.QueueSize,
	}
	overrides := make(map[string]ratelimit.Config, len(c.Overrides))
	for name, o := range c.Overrides {
		overrides[name] = ratelimit.Config{
			Capacity:     o.Capacity,
			RefillWindow: o.RefillWindow.Std(),
			Burst:        o.Burst,
			QueueSize:    o.QueueSize,
		}
	}
	return defaults, overrides
}

func (c BreakerConfig) breaker() breaker.Config {
	return breaker.Config{
		FailureThreshold: c.FailureThreshold,
		Cooldown:         c.Cooldown.Std(),
		SuccessThreshold: c.SuccessThreshold,
	}
}

func (c RetryConfig) retry() retry.Config {
	return retry.Config{
		MaxAttempts:  c.MaxAttempts,
		BaseDelay:    c.BaseDelay.Std(),
		MaxDelay:     c.MaxDelay.Std(),
		JitterFactor: c.JitterFactor,
	}
}

func (c RouterConfig) router() router.Config {
	return router.Config{
		QueueCapacity: c.QueueCapacity,
		DedupSize:     c.DedupSize,
	}
}

func (c WatchdogConfig) watchdog() watchdog.Config {
	return watchdog.Config{
		Timeout:       c.Timeout.Std(),
		CheckInterval: c.CheckInterval.Std(),
	}
}

func (c ReminderConfig) scheduler() reminder.Config {
	return reminder.Config{
		TickInterval: c.TickInterval.Std(),
		MaxRetries:   c.MaxRetries,
		Retention:    c.Retention.Std(),
	}
}

// ToStore converts to the store package's config. Exported because the
// daemon owns the store handle and passes it into NewClient.
func (c StoreConfig) ToStore() store.Config {
	if c.InMemory {
		return store.InMemoryConfig()
	}
	sc := store.DefaultConfig()
	sc.Path = c.Path
	return sc
}
