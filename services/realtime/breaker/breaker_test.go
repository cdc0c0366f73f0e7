// Copyright (C) 2026 IndaStreet (engineering@indastreet.id)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package breaker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errDownstream = errors.New("downstream failed")

// testBreaker returns a breaker with a controllable clock.
func testBreaker(cfg Config) (*Breaker, *time.Time) {
	b := New("test", cfg)
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	b.now = func() time.Time { return now }
	return b, &now
}

func fail(context.Context) error { return errDownstream }
func ok(context.Context) error   { return nil }

func TestBreaker_OpensAtThreshold(t *testing.T) {
	b, _ := testBreaker(Config{FailureThreshold: 3, Cooldown: 5 * time.Second})

	for i := 0; i < 2; i++ {
		require.ErrorIs(t, b.Execute(context.Background(), fail), errDownstream)
		assert.Equal(t, Closed, b.State(), "breaker must stay closed below threshold")
	}

	require.ErrorIs(t, b.Execute(context.Background(), fail), errDownstream)
	assert.Equal(t, Open, b.State(), "breaker must open at exactly the threshold")
}

func TestBreaker_FailsFastWhileOpen(t *testing.T) {
	b, now := testBreaker(Config{FailureThreshold: 3, Cooldown: 5000 * time.Millisecond})

	for i := 0; i < 3; i++ {
		_ = b.Execute(context.Background(), fail)
	}
	require.Equal(t, Open, b.State())

	// cooldown-1ms: fast fail, wrapped op must not run.
	*now = now.Add(4999 * time.Millisecond)
	invoked := false
	err := b.Execute(context.Background(), func(context.Context) error {
		invoked = true
		return nil
	})
	remaining, isOpen := IsOpen(err)
	require.True(t, isOpen, "expected circuit-open error, got %v", err)
	assert.False(t, invoked, "open breaker must not invoke the operation")
	assert.Equal(t, time.Millisecond, remaining)
}

func TestBreaker_HalfOpenProbeAfterCooldown(t *testing.T) {
	b, now := testBreaker(Config{FailureThreshold: 3, Cooldown: 5000 * time.Millisecond, SuccessThreshold: 2})

	for i := 0; i < 3; i++ {
		_ = b.Execute(context.Background(), fail)
	}

	// cooldown+1ms: the call is admitted as a probe.
	*now = now.Add(5001 * time.Millisecond)
	require.NoError(t, b.Execute(context.Background(), ok))
	assert.Equal(t, HalfOpen, b.State(), "one probe success is not enough to close")

	require.NoError(t, b.Execute(context.Background(), ok))
	assert.Equal(t, Closed, b.State(), "second consecutive probe success closes")
}

func TestBreaker_HalfOpenFailureReopens(t *testing.T) {
	b, now := testBreaker(Config{FailureThreshold: 2, Cooldown: time.Second})

	_ = b.Execute(context.Background(), fail)
	_ = b.Execute(context.Background(), fail)
	require.Equal(t, Open, b.State())

	*now = now.Add(1100 * time.Millisecond)
	require.ErrorIs(t, b.Execute(context.Background(), fail), errDownstream)
	require.Equal(t, Open, b.State(), "probe failure must re-open")

	// The cooldown clock restarted at the probe failure.
	*now = now.Add(500 * time.Millisecond)
	_, isOpen := IsOpen(b.Execute(context.Background(), ok))
	assert.True(t, isOpen, "re-opened breaker must honor a fresh cooldown")
}

func TestBreaker_SuccessResetsFailureStreak(t *testing.T) {
	b, _ := testBreaker(Config{FailureThreshold: 3, Cooldown: time.Second})

	_ = b.Execute(context.Background(), fail)
	_ = b.Execute(context.Background(), fail)
	require.NoError(t, b.Execute(context.Background(), ok))

	// The streak restarted; two more failures must not open the breaker.
	_ = b.Execute(context.Background(), fail)
	_ = b.Execute(context.Background(), fail)
	assert.Equal(t, Closed, b.State())
}

func TestBreaker_IndependentInstances(t *testing.T) {
	a, _ := testBreaker(Config{FailureThreshold: 1, Cooldown: time.Minute})
	b, _ := testBreaker(Config{FailureThreshold: 1, Cooldown: time.Minute})

	_ = a.Execute(context.Background(), fail)
	require.Equal(t, Open, a.State())
	assert.Equal(t, Closed, b.State(), "breakers must never share counters")
}

func TestBreaker_SingleProbeInHalfOpen(t *testing.T) {
	b, now := testBreaker(Config{FailureThreshold: 1, Cooldown: 5 * time.Second, SuccessThreshold: 2})

	require.Error(t, b.Execute(context.Background(), fail))
	require.Equal(t, Open, b.State())
	*now = now.Add(6 * time.Second)

	probeStarted := make(chan struct{})
	release := make(chan struct{})
	probeDone := make(chan error, 1)
	go func() {
		probeDone <- b.Execute(context.Background(), func(context.Context) error {
			close(probeStarted)
			<-release
			return nil
		})
	}()
	<-probeStarted

	// The cooldown elapsed, but the probe slot is taken: concurrent
	// calls fail fast without reaching the downstream.
	invoked := false
	err := b.Execute(context.Background(), func(context.Context) error {
		invoked = true
		return nil
	})
	require.Error(t, err)
	assert.False(t, invoked)
	remaining, open := IsOpen(err)
	assert.True(t, open)
	assert.Zero(t, remaining)

	close(release)
	require.NoError(t, <-probeDone)

	// With the probe outcome recorded the next call is admitted again.
	require.Equal(t, HalfOpen, b.State())
	require.NoError(t, b.Execute(context.Background(), ok))
	assert.Equal(t, Closed, b.State())
}
