// Copyright (C) 2026 IndaStreet (engineering@indastreet.id)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package retry runs a single asynchronous operation with exponential
// backoff and jitter, classifying errors as retryable or fatal via a
// caller-supplied predicate.
//
// The executor is transport-agnostic: the same Run is used by the
// inbound-facing resiliency (reconnects) and the backend-call resiliency
// (router send chain, reminder dispatch).
package retry

import (
	"context"
	"math/rand"
	"time"
)

// Config describes the retry behavior for one Run call.
//
// # Fields
//
//   - MaxAttempts: total attempts including the first. Default: 3.
//   - BaseDelay: delay before the second attempt. Default: 500ms.
//   - MaxDelay: cap on the unjittered delay. Default: 10s.
//   - JitterFactor: delay is randomized within ±JitterFactor to avoid
//     synchronized retry storms across many clients. Default: 0.2.
//   - Retryable: predicate deciding whether an error is worth another
//     attempt. Nil retries everything.
type Config struct {
	MaxAttempts  int
	BaseDelay    time.Duration
	MaxDelay     time.Duration
	JitterFactor float64
	Retryable    func(error) bool
}

// DefaultConfig returns the executor defaults used across the core.
func DefaultConfig() Config {
	return Config{
		MaxAttempts:  3,
		BaseDelay:    500 * time.Millisecond,
		MaxDelay:     10 * time.Second,
		JitterFactor: 0.2,
	}
}

// Result reports how a successful Run went.
type Result struct {
	// Attempts is the number of invocations, including the successful one.
	Attempts int

	// TotalDelay is the cumulative time spent sleeping between attempts.
	TotalDelay time.Duration
}

// normalize fills zero-valued config fields with defaults.
func (c Config) normalize() Config {
	d := DefaultConfig()
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = d.MaxAttempts
	}
	if c.BaseDelay <= 0 {
		c.BaseDelay = d.BaseDelay
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = d.MaxDelay
	}
	if c.JitterFactor <= 0 {
		c.JitterFactor = d.JitterFactor
	}
	return c
}

// Delay returns the unjittered backoff delay before attempt n (0-based
// failure count): min(MaxDelay, BaseDelay * 2^n). Exposed so tests can
// assert backoff monotonicity without sampling jitter.
func (c Config) Delay(n int) time.Duration {
	c = c.normalize()
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

// Run executes op, retrying on retryable failure with exponential backoff.
//
// # Description
//
// Attempts op up to MaxAttempts times. After a failed attempt n (0-based)
// it sleeps min(MaxDelay, BaseDelay·2^n) randomized within ±JitterFactor,
// unless the error is classified non-retryable or attempts are exhausted.
// The sleep honors context cancellation.
//
// # Inputs
//
//   - ctx: cancels the backoff sleep and aborts further attempts.
//   - cfg: retry behavior; zero fields take DefaultConfig values.
//   - op: the operation. Invoked with the same ctx.
//
// # Outputs
//
//   - Result: attempt count and cumulative delay of the successful run.
//   - error: the last attempt's error when all attempts fail, the
//     classification stopping retries, or the context error.
//
// Run has no side effects beyond invoking op.
func Run(ctx context.Context, cfg Config, op func(context.Context) error) (Result, error) {
	cfg = cfg.normalize()

	res := Result{}
	var lastErr error

	for attempt := 0; attempt < cfg.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return res, err
		}

		res.Attempts++
		lastErr = op(ctx)
		if lastErr == nil {
			return res, nil
		}

		if cfg.Retryable != nil && !cfg.Retryable(lastErr) {
			return res, lastErr
		}
		if attempt == cfg.MaxAttempts-1 {
			break
		}

		sleep := jitter(cfg.Delay(attempt), cfg.JitterFactor)
		timer := time.NewTimer(sleep)
		select {
		case <-ctx.Done():
			timer.Stop()
			return res, ctx.Err()
		case <-timer.C:
			res.TotalDelay += sleep
		}
	}

	return res, lastErr
}

// jitter randomizes d within ±factor.
func jitter(d time.Duration, factor float64) time.Duration {
	if factor <= 0 {
		return d
	}
	delta := int64(float64(d) * factor)
	if delta <= 0 {
		return d
	}
	return d + time.Duration(rand.Int63n(2*delta)-delta)
}
