// Copyright (C) 2026 IndaStreet (engineering@indastreet.id)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package realtime

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	assert.Equal(t, 10, cfg.RateLimit.Capacity)
	assert.Equal(t, Duration(time.Second), cfg.RateLimit.RefillWindow)
	assert.Equal(t, 5, cfg.Breaker.FailureThreshold)
	assert.Equal(t, Duration(30*time.Second), cfg.Breaker.Cooldown)
	assert.Equal(t, 10, cfg.Transport.Reconnect.MaxAttempts)
	assert.Equal(t, Duration(5*time.Minute), cfg.Watchdog.Timeout)
	assert.Equal(t, Duration(time.Minute), cfg.Reminder.TickInterval)
	assert.Equal(t, Duration(7*24*time.Hour), cfg.Reminder.Retention)
	assert.Equal(t, "info", cfg.Logging.Level)
}

func TestLoadConfigMissingFileUsesDefaults(t *testing.T) {
	cfg, err := LoadConfig(filepath.Join(t.TempDir(), "nope.yaml"))
	require.Error(t, err, "defaults have no transport endpoint, so validation fails")
	assert.Contains(t, err.Error(), "transport endpoint")
	_ = cfg
}

func TestLoadConfigFromYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	data := `
transport:
  websocket_url: "wss://rt.example.com/ws"
  sse_url: "https://rt.example.com/events"
  poll_url: "https://rt.example.com/poll"
  token: "secret"
rate_limit:
  capacity: 5
  refill_window: 2s
  overrides:
    booking.create:
      capacity: 2
breaker:
  failure_threshold: 3
logging:
  level: debug
  format: text
`
	require.NoError(t, os.WriteFile(path, []byte(data), 0o644))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, "wss://rt.example.com/ws", cfg.Transport.WebSocketURL)
	assert.Equal(t, "secret", cfg.Transport.Token)
	assert.Equal(t, 5, cfg.RateLimit.Capacity)
	assert.Equal(t, Duration(2*time.Second), cfg.RateLimit.RefillWindow)
	assert.Equal(t, 2, cfg.RateLimit.Overrides["booking.create"].Capacity)
	assert.Equal(t, 3, cfg.Breaker.FailureThreshold)
	assert.Equal(t, "debug", cfg.Logging.Level)

	// Untouched sections keep defaults.
	assert.Equal(t, Duration(5*time.Minute), cfg.Watchdog.Timeout)
	assert.Equal(t, 3, cfg.Reminder.MaxRetries)
}

func TestLoadConfigEnvOverridesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
transport:
  websocket_url: "wss://file.example.com/ws"
`), 0o644))

	t.Setenv("REALTIME_WEBSOCKET_URL", "wss://env.example.com/ws")
	t.Setenv("REALTIME_LOG_LEVEL", "warn")

	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, "wss://env.example.com/ws", cfg.Transport.WebSocketURL)
	assert.Equal(t, "warn", cfg.Logging.Level)
}

func TestValidateRejectsBadLevel(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Transport.WebSocketURL = "wss://rt.example.com/ws"
	cfg.Logging.Level = "verbose"

	assert.Error(t, cfg.Validate())
}

func TestValidateRejectsNoEndpoints(t *testing.T) {
	cfg := DefaultConfig()
	assert.ErrorContains(t, cfg.Validate(), "transport endpoint")
}

func TestValidateRejectsInvertedReconnectDelays(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Transport.WebSocketURL = "wss://rt.example.com/ws"
	cfg.Transport.Reconnect.BaseDelay = Duration(time.Minute)
	cfg.Transport.Reconnect.MaxDelay = Duration(time.Second)

	assert.ErrorContains(t, cfg.Validate(), "base_delay")
}

func TestLoadConfigBadYAMLAndJSON(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("{not: [valid"), 0o644))

	_, err := LoadConfig(path)
	assert.Error(t, err)
}
