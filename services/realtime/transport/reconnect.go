// Copyright (C) 2026 IndaStreet (engineering@indastreet.id)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package transport

import "time"

// ReconnectConfig bounds one tier's reconnection episode.
type ReconnectConfig struct {
	// BaseDelay is the wait before the second attempt. Default: 1s.
	BaseDelay time.Duration

	// MaxDelay caps the doubling. Default: 30s.
	MaxDelay time.Duration

	// MaxAttempts is the per-episode budget before the manager downgrades
	// to the next tier. Default: 10.
	MaxAttempts int
}

// DefaultReconnectConfig returns the production reconnection budget.
func DefaultReconnectConfig() ReconnectConfig {
	return ReconnectConfig{
		BaseDelay:   time.Second,
		MaxDelay:    30 * time.Second,
		MaxAttempts: 10,
	}
}

func (c ReconnectConfig) normalize() ReconnectConfig {
	d := DefaultReconnectConfig()
	if c.BaseDelay <= 0 {
		c.BaseDelay = d.BaseDelay
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = d.MaxDelay
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = d.MaxAttempts
	}
	return c
}

// Delay returns the wait before attempt n (0-based failure count):
// min(MaxDelay, BaseDelay·2^n).
func (c ReconnectConfig) Delay(n int) time.Duration {
	d := c.BaseDelay
	for i := 0; i < n; i++ {
		d *= 2
		if d >= c.MaxDelay {
			return c.MaxDelay
		}
	}
	if d > c.MaxDelay {
		return c.MaxDelay
	}
	return d
}
