// Copyright (C) 2026 IndaStreet (engineering@indastreet.id)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package breaker implements a circuit breaker guarding one downstream
// call site.
//
// The breaker opens after a streak of consecutive failures, fails fast
// while open (the key backpressure behavior: a failing downstream gets no
// additional load), half-opens after a cooldown to admit probe calls, and
// closes again after a configurable number of consecutive probe successes.
//
// Each breaker is scoped to one logical call site; breakers never share
// counters.
package breaker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// State is the breaker's position in the trip/recover cycle.
type State int

const (
	// Closed passes calls through and counts consecutive failures.
	Closed State = iota

	// Open fails fast without invoking the wrapped operation.
	Open

	// HalfOpen admits probe calls after the cooldown elapsed.
	HalfOpen
)

// String returns the lowercase state name.
func (s State) String() string {
	switch s {
	case Closed:
		return "closed"
	case Open:
		return "open"
	case HalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// OpenError is returned while the breaker is open and inside its cooldown.
// The wrapped operation was not invoked.
type OpenError struct {
	// Remaining is the cooldown left before the breaker half-opens, so
	// callers can surface "service recovering" instead of a generic
	// failure. Zero means the cooldown elapsed but a half-open probe is
	// already in flight.
	Remaining time.Duration
}

func (e *OpenError) Error() string {
	return fmt.Sprintf("circuit open: retry in %s", e.Remaining.Round(time.Millisecond))
}

// IsOpen reports whether err is a circuit-open fast-fail and returns the
// remaining cooldown when it is.
func IsOpen(err error) (time.Duration, bool) {
	var oe *OpenError
	if errors.As(err, &oe) {
		return oe.Remaining, true
	}
	return 0, false
}

// Config tunes one breaker.
type Config struct {
	// FailureThreshold is the consecutive-failure streak that opens the
	// breaker. Default: 5.
	FailureThreshold int

	// Cooldown is how long the breaker stays open before admitting a
	// probe. Default: 30s.
	Cooldown time.Duration

	// SuccessThreshold is the consecutive probe successes required in
	// half-open before the breaker closes. Default: 2.
	SuccessThreshold int
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		FailureThreshold: 5,
		Cooldown:         30 * time.Second,
		SuccessThreshold: 2,
	}
}

// Breaker guards a single downstream call site.
//
// # Thread Safety
//
// All methods are safe for concurrent use. A single mutex serializes
// counter mutation so failure/success updates cannot race (single-writer
// discipline per breaker).
type Breaker struct {
	name string
	cfg  Config

	mu                   sync.Mutex
	state                State
	consecutiveFailures  int
	consecutiveSuccesses int
	openedAt             time.Time
	probeInFlight        bool

	// now is swapped out by tests to control time.
	now func() time.Time
}

// New creates a closed breaker for one named call site. Zero config
// fields take DefaultConfig values.
func New(name string, cfg Config) *Breaker {
	d := DefaultConfig()
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = d.FailureThreshold
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = d.Cooldown
	}
	if cfg.SuccessThreshold <= 0 {
		cfg.SuccessThreshold = d.SuccessThreshold
	}
	return &Breaker{
		name:  name,
		cfg:   cfg,
		state: Closed,
		now:   time.Now,
	}
}

// Execute runs op under the breaker.
//
// # Description
//
// While open and inside the cooldown, Execute returns an OpenError without
// invoking op. Once the cooldown elapses the breaker half-opens and admits
// the call as a probe: a probe failure re-opens the breaker and resets its
// cooldown clock; SuccessThreshold consecutive probe successes close it
// and reset all counters. At most one probe is in flight at a time;
// concurrent calls during a probe keep failing fast until its outcome is
// recorded.
//
// # Inputs
//
//   - ctx: passed through to op; a context error counts as a failure.
//   - op: the guarded downstream call.
//
// # Outputs
//
//   - error: op's error, or *OpenError when failing fast.
func (b *Breaker) Execute(ctx context.Context, op func(context.Context) error) error {
	probe, err := b.admit()
	if err != nil {
		return err
	}

	if err := op(ctx); err != nil {
		b.recordFailure(probe)
		return err
	}
	b.recordSuccess(probe)
	return nil
}

// admit decides whether a call may proceed, transitioning Open→HalfOpen
// when the cooldown has elapsed. The probe result marks calls whose
// outcome drives the half-open state machine; only one is admitted at a
// time.
func (b *Breaker) admit() (probe bool, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case Closed:
		return false, nil

	case HalfOpen:
		if b.probeInFlight {
			return false, &OpenError{}
		}
		b.probeInFlight = true
		return true, nil

	default: // Open
		elapsed := b.now().Sub(b.openedAt)
		if elapsed < b.cfg.Cooldown {
			return false, &OpenError{Remaining: b.cfg.Cooldown - elapsed}
		}
		b.state = HalfOpen
		b.consecutiveSuccesses = 0
		b.probeInFlight = true
		return true, nil
	}
}

func (b *Breaker) recordFailure(probe bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if probe {
		b.probeInFlight = false
	}

	switch b.state {
	case HalfOpen:
		// A probe failure recommits to Open with a fresh cooldown clock.
		b.trip()
	case Closed:
		b.consecutiveFailures++
		if b.consecutiveFailures >= b.cfg.FailureThreshold {
			b.trip()
		}
	}
}

func (b *Breaker) recordSuccess(probe bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if probe {
		b.probeInFlight = false
	}

	switch b.state {
	case HalfOpen:
		b.consecutiveSuccesses++
		if b.consecutiveSuccesses >= b.cfg.SuccessThreshold {
			b.state = Closed
			b.consecutiveFailures = 0
			b.consecutiveSuccesses = 0
		}
	case Closed:
		b.consecutiveFailures = 0
	}
}

// trip moves to Open and stamps openedAt. Caller holds the mutex.
func (b *Breaker) trip() {
	b.state = Open
	b.openedAt = b.now()
	b.consecutiveFailures = 0
	b.consecutiveSuccesses = 0
	b.probeInFlight = false
}

// State returns the current state without side effects. An Open breaker
// whose cooldown has elapsed still reports Open until the next Execute
// half-opens it.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Name returns the call-site label the breaker was created with.
func (b *Breaker) Name() string { return b.name }
