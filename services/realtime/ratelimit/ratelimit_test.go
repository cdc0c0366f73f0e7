// Copyright (C) 2026 IndaStreet (engineering@indastreet.id)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package ratelimit

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/indastreet/realtime/services/realtime/datatypes"
	"github.com/indastreet/realtime/services/realtime/retry"
)

// fakeClock is a mutex-guarded manual clock shared between the test and
// the limiter's background drain loop.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// testLimiter returns a limiter whose clock the test controls. The
// background drain loop keeps running but sees no elapsed time until the
// test advances the clock.
func testLimiter(t *testing.T, cfg Config) (*Limiter, *fakeClock) {
	t.Helper()
	l := New(cfg, nil)
	t.Cleanup(l.Close)

	clk := &fakeClock{now: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}
	l.mu.Lock()
	l.now = clk.Now
	l.mu.Unlock()
	return l, clk
}

func noop(context.Context) error { return nil }

func TestExecute_ConsumesTokens(t *testing.T) {
	l, _ := testLimiter(t, Config{Capacity: 3, RefillWindow: time.Second, QueueSize: 4})

	for i := 0; i < 3; i++ {
		require.NoError(t, l.Execute(context.Background(), "bookings", datatypes.PriorityNormal, noop))
	}
	assert.Equal(t, 0, l.Tokens("bookings"))
}

func TestExecute_QueuesThenDrainsAfterRefill(t *testing.T) {
	l, clk := testLimiter(t, Config{Capacity: 5, RefillWindow: 1000 * time.Millisecond, QueueSize: 4})

	// Consume all five tokens.
	for i := 0; i < 5; i++ {
		require.NoError(t, l.Execute(context.Background(), "bookings", datatypes.PriorityNormal, noop))
	}
	require.Equal(t, 0, l.Tokens("bookings"))

	// The sixth call must queue, not reject.
	done := make(chan error, 1)
	ran := make(chan struct{})
	go func() {
		done <- l.Execute(context.Background(), "bookings", datatypes.PriorityNormal, func(context.Context) error {
			close(ran)
			return nil
		})
	}()

	require.Eventually(t, func() bool { return l.QueueDepth("bookings") == 1 },
		time.Second, 5*time.Millisecond, "sixth call should be waiting in the queue")
	select {
	case <-ran:
		t.Fatal("queued call ran before any token was refilled")
	default:
	}

	// One full window elapses; the next drain pass refills and releases it.
	clk.Advance(1001 * time.Millisecond)
	l.drainOnce()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("queued call was not drained after the refill window")
	}
	assert.Equal(t, 0, l.QueueDepth("bookings"))
}

func TestExecute_RejectsWhenQueueFull(t *testing.T) {
	l, _ := testLimiter(t, Config{Capacity: 1, RefillWindow: time.Hour, QueueSize: 2})

	require.NoError(t, l.Execute(context.Background(), "chat", datatypes.PriorityNormal, noop))

	// Fill the queue with two waiters that will never be released.
	for i := 0; i < 2; i++ {
		go func() {
			_ = l.Execute(context.Background(), "chat", datatypes.PriorityLow, noop)
		}()
	}
	require.Eventually(t, func() bool { return l.QueueDepth("chat") == 2 },
		time.Second, 5*time.Millisecond)

	err := l.Execute(context.Background(), "chat", datatypes.PriorityUrgent, noop)
	require.ErrorIs(t, err, ErrRateLimited, "a full queue must reject, never drop silently")
}

func TestExecute_FailedOpRefundsToken(t *testing.T) {
	l, _ := testLimiter(t, Config{Capacity: 2, RefillWindow: time.Hour})
	boom := errors.New("backend down")

	err := l.Execute(context.Background(), "bookings", datatypes.PriorityNormal, func(context.Context) error {
		return boom
	})
	require.ErrorIs(t, err, boom)
	assert.Equal(t, 2, l.Tokens("bookings"), "a failed operation must not consume capacity")
}

func TestExecute_RefillNeverExceedsBurst(t *testing.T) {
	l, clk := testLimiter(t, Config{Capacity: 4, RefillWindow: time.Second, Burst: 6})

	// Seed the bucket, then idle long enough to overflow capacity*windows.
	require.Equal(t, 4, l.Tokens("bookings"))
	clk.Advance(time.Minute)
	assert.Equal(t, 6, l.Tokens("bookings"))
}

func TestExecute_DrainOrderIsPriorityThenFIFO(t *testing.T) {
	l, clk := testLimiter(t, Config{Capacity: 1, RefillWindow: time.Second, QueueSize: 8})

	require.NoError(t, l.Execute(context.Background(), "send", datatypes.PriorityNormal, noop))

	var mu sync.Mutex
	var order []string
	enqueue := func(name string, pri datatypes.Priority, depth int) {
		go func() {
			_ = l.Execute(context.Background(), "send", pri, func(context.Context) error {
				mu.Lock()
				order = append(order, name)
				mu.Unlock()
				return nil
			})
		}()
		require.Eventually(t, func() bool { return l.QueueDepth("send") == depth },
			time.Second, 2*time.Millisecond)
	}

	enqueue("low", datatypes.PriorityLow, 1)
	enqueue("urgent-1", datatypes.PriorityUrgent, 2)
	enqueue("normal", datatypes.PriorityNormal, 3)
	enqueue("urgent-2", datatypes.PriorityUrgent, 4)

	// Refill enough for all four and drain.
	clk.Advance(4 * time.Second)
	l.drainOnce()

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(order) == 4
	}, time.Second, 5*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"urgent-1", "urgent-2", "normal", "low"}, order,
		"waiters must drain highest priority first, FIFO within a class")
}

func TestExecute_ContextCancelWhileQueued(t *testing.T) {
	l, _ := testLimiter(t, Config{Capacity: 1, RefillWindow: time.Hour, QueueSize: 4})

	require.NoError(t, l.Execute(context.Background(), "send", datatypes.PriorityNormal, noop))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- l.Execute(ctx, "send", datatypes.PriorityNormal, noop)
	}()
	require.Eventually(t, func() bool { return l.QueueDepth("send") == 1 },
		time.Second, 2*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		require.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("queued call did not observe cancellation")
	}
	assert.Equal(t, 0, l.QueueDepth("send"), "cancelled waiter must leave the queue")
}

func TestClose_FailsQueuedWaiters(t *testing.T) {
	l := New(Config{Capacity: 1, RefillWindow: time.Hour, QueueSize: 4}, nil)

	require.NoError(t, l.Execute(context.Background(), "send", datatypes.PriorityNormal, noop))

	done := make(chan error, 1)
	go func() {
		done <- l.Execute(context.Background(), "send", datatypes.PriorityNormal, noop)
	}()
	require.Eventually(t, func() bool { return l.QueueDepth("send") == 1 },
		time.Second, 2*time.Millisecond)

	l.Close()
	select {
	case err := <-done:
		require.ErrorIs(t, err, ErrClosed)
	case <-time.After(time.Second):
		t.Fatal("waiter was not failed on close")
	}

	require.ErrorIs(t, l.Execute(context.Background(), "send", datatypes.PriorityNormal, noop), ErrClosed)
}

func TestExecuteWithRetry_RetriesOnlyRateLimited(t *testing.T) {
	l, _ := testLimiter(t, Config{Capacity: 1, RefillWindow: time.Hour, QueueSize: 1})

	// Exhaust the token and fill the queue so further calls reject.
	require.NoError(t, l.Execute(context.Background(), "send", datatypes.PriorityNormal, noop))
	go func() {
		_ = l.Execute(context.Background(), "send", datatypes.PriorityLow, noop)
	}()
	require.Eventually(t, func() bool { return l.QueueDepth("send") == 1 },
		time.Second, 2*time.Millisecond)

	cfg := retry.Config{MaxAttempts: 3, BaseDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond}
	calls := 0
	err := l.ExecuteWithRetry(context.Background(), "send", datatypes.PriorityNormal, cfg, func(context.Context) error {
		calls++
		return nil
	})
	require.ErrorIs(t, err, ErrRateLimited)
	assert.Zero(t, calls, "rejected calls must never run the operation")

	// A plain operation failure is not retried by this wrapper.
	l2, _ := testLimiter(t, Config{Capacity: 10, RefillWindow: time.Second})
	boom := errors.New("backend down")
	attempts := 0
	err = l2.ExecuteWithRetry(context.Background(), "send", datatypes.PriorityNormal, cfg, func(context.Context) error {
		attempts++
		return boom
	})
	require.ErrorIs(t, err, boom)
	assert.Equal(t, 1, attempts, "operation errors pass through without retry")
}

func TestBuckets_AreIndependentPerEndpoint(t *testing.T) {
	l, _ := testLimiter(t, Config{Capacity: 1, RefillWindow: time.Hour})

	require.NoError(t, l.Execute(context.Background(), "bookings", datatypes.PriorityNormal, noop))
	assert.Equal(t, 0, l.Tokens("bookings"))
	assert.Equal(t, 1, l.Tokens("chat"), "endpoints must not share buckets")
}
