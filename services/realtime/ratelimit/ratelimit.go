// Copyright (C) 2026 IndaStreet (engineering@indastreet.id)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package ratelimit implements a per-endpoint token bucket with a
// priority-ordered wait queue.
//
// Each logical endpoint gets one bucket refilled continuously from
// elapsed wall time. Calls that find a token run immediately; calls that
// don't are queued in priority order up to a bound, beyond which they are
// rejected with ErrRateLimited (never silently dropped). A background
// drain loop refills buckets and releases the highest-priority waiters
// while tokens remain.
//
// The design decouples burst absorption (the queue) from sustained-rate
// enforcement (the refill); priority ensures urgent booking-path calls are
// served ahead of background polling under contention. A token consumed by
// an operation that fails is refunded, so only successful attempts are
// charged and a single bad call cannot permanently shrink capacity.
package ratelimit

import (
	"container/heap"
	"context"
	"errors"
	"sync"
	"time"

	"github.com/indastreet/realtime/services/realtime/datatypes"
	"github.com/indastreet/realtime/services/realtime/retry"
)

// ErrRateLimited is returned when a bucket has no tokens and its wait
// queue is full.
var ErrRateLimited = errors.New("rate limited: bucket exhausted and queue full")

// ErrClosed is returned to callers still waiting in a queue when the
// limiter shuts down.
var ErrClosed = errors.New("rate limiter closed")

// Config tunes one bucket.
//
// # Fields
//
//   - Capacity: tokens per RefillWindow. Default: 10.
//   - RefillWindow: the window over which Capacity tokens accrue.
//     Default: 1s.
//   - Burst: ceiling on stored tokens. Tokens never exceed Burst
//     regardless of elapsed time. Default: Capacity.
//   - QueueSize: bound on the wait queue. Default: 32.
type Config struct {
	Capacity     int
	RefillWindow time.Duration
	Burst        int
	QueueSize    int
}

// DefaultConfig returns per-endpoint defaults.
func DefaultConfig() Config {
	return Config{
		Capacity:     10,
		RefillWindow: time.Second,
		QueueSize:    32,
	}
}

func (c Config) normalize() Config {
	d := DefaultConfig()
	if c.Capacity <= 0 {
		c.Capacity = d.Capacity
	}
	if c.RefillWindow <= 0 {
		c.RefillWindow = d.RefillWindow
	}
	if c.Burst < c.Capacity {
		c.Burst = c.Capacity
	}
	if c.QueueSize <= 0 {
		c.QueueSize = d.QueueSize
	}
	return c
}

// =============================================================================
// Wait Queue
// =============================================================================

// waiter is one queued call. ready is closed when the drain loop hands the
// waiter a token; failed carries a terminal error instead.
type waiter struct {
	priority datatypes.Priority
	seq      uint64
	ready    chan struct{}
	failed   chan error
	index    int
}

// waitQueue is a max-heap on (priority, FIFO sequence).
type waitQueue []*waiter

func (q waitQueue) Len() int { return len(q) }

func (q waitQueue) Less(i, j int) bool {
	if q[i].priority != q[j].priority {
		return q[i].priority > q[j].priority
	}
	return q[i].seq < q[j].seq // FIFO within a priority class
}

func (q waitQueue) Swap(i, j int) {
	q[i], q[j] = q[j], q[i]
	q[i].index = i
	q[j].index = j
}

func (q *waitQueue) Push(x any) {
	w := x.(*waiter)
	w.index = len(*q)
	*q = append(*q, w)
}

func (q *waitQueue) Pop() any {
	old := *q
	n := len(old)
	w := old[n-1]
	old[n-1] = nil
	w.index = -1
	*q = old[:n-1]
	return w
}

// =============================================================================
// Bucket
// =============================================================================

// bucket holds the token count and wait queue for one endpoint. All
// access goes through the limiter's mutex.
type bucket struct {
	cfg        Config
	tokens     int
	lastRefill time.Time
	queue      waitQueue
}

// refill adds floor(elapsed/window·capacity) tokens, capped at Burst.
// lastRefill only advances by the whole windows actually credited so
// fractional accrual is never lost.
func (b *bucket) refill(now time.Time) {
	elapsed := now.Sub(b.lastRefill)
	if elapsed <= 0 {
		return
	}
	added := int(elapsed.Seconds() / b.cfg.RefillWindow.Seconds() * float64(b.cfg.Capacity))
	if added <= 0 {
		return
	}
	b.tokens += added
	if b.tokens > b.cfg.Burst {
		b.tokens = b.cfg.Burst
	}
	credited := time.Duration(float64(added) / float64(b.cfg.Capacity) * float64(b.cfg.RefillWindow))
	b.lastRefill = b.lastRefill.Add(credited)
}

// =============================================================================
// Limiter
// =============================================================================

// Limiter owns every bucket. One limiter instance is shared by all
// callers of its endpoints; buckets never leak state between endpoints.
//
// # Thread Safety
//
// All methods are safe for concurrent use. A single mutex serializes
// refill/consume so token accounting cannot race.
type Limiter struct {
	mu        sync.Mutex
	buckets   map[string]*bucket
	overrides map[string]Config
	defaults  Config
	seq       uint64
	closed    bool

	tick time.Duration
	done chan struct{}
	wg   sync.WaitGroup

	// now is swapped out by tests to control time.
	now func() time.Time
}

// New creates a limiter and starts its drain loop.
//
// # Inputs
//
//   - defaults: bucket config for endpoints without an override.
//   - overrides: per-endpoint configs, keyed by endpoint name.
//
// The drain loop ticks every 50ms: it refills each bucket and releases
// the highest-priority waiters while tokens remain. Call Close to stop it.
func New(defaults Config, overrides map[string]Config) *Limiter {
	l := &Limiter{
		buckets:   make(map[string]*bucket),
		overrides: overrides,
		defaults:  defaults.normalize(),
		tick:      50 * time.Millisecond,
		done:      make(chan struct{}),
		now:       time.Now,
	}
	l.wg.Add(1)
	go l.drainLoop()
	return l
}

// Execute runs op under the endpoint's bucket.
//
// # Description
//
// If a token is available it is consumed and op runs immediately. If not,
// the call joins the priority wait queue until the drain loop hands it a
// token, the context is cancelled, or the limiter closes. If the queue is
// full the call is rejected with ErrRateLimited without waiting.
//
// A consumed token is refunded when op returns an error.
//
// # Outputs
//
//   - error: op's error, ErrRateLimited, ErrClosed, or the context error.
func (l *Limiter) Execute(ctx context.Context, endpoint string, priority datatypes.Priority, op func(context.Context) error) error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return ErrClosed
	}
	b := l.bucket(endpoint)
	b.refill(l.now())

	if b.tokens > 0 {
		b.tokens--
		l.mu.Unlock()
		admittedTotal.WithLabelValues(endpoint).Inc()
		return l.charge(ctx, endpoint, op)
	}

	if b.queue.Len() >= b.cfg.QueueSize {
		l.mu.Unlock()
		rejectedTotal.WithLabelValues(endpoint).Inc()
		return ErrRateLimited
	}

	w := &waiter{
		priority: priority,
		seq:      l.seq,
		ready:    make(chan struct{}),
		failed:   make(chan error, 1),
	}
	l.seq++
	heap.Push(&b.queue, w)
	queuedTotal.WithLabelValues(endpoint).Inc()
	l.mu.Unlock()

	select {
	case <-ctx.Done():
		l.abandon(endpoint, w)
		return ctx.Err()
	case err := <-w.failed:
		return err
	case <-w.ready:
		admittedTotal.WithLabelValues(endpoint).Inc()
		return l.charge(ctx, endpoint, op)
	}
}

// ExecuteWithRetry composes Execute with the retry executor, retrying
// only the rate-limited rejection. Other failures surface immediately so
// their own layers (breaker, caller) can classify them.
func (l *Limiter) ExecuteWithRetry(ctx context.Context, endpoint string, priority datatypes.Priority, cfg retry.Config, op func(context.Context) error) error {
	cfg.Retryable = func(err error) bool { return errors.Is(err, ErrRateLimited) }
	_, err := retry.Run(ctx, cfg, func(ctx context.Context) error {
		return l.Execute(ctx, endpoint, priority, op)
	})
	return err
}

// Tokens reports the endpoint's current token count after a refill.
func (l *Limiter) Tokens(endpoint string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	b := l.bucket(endpoint)
	b.refill(l.now())
	return b.tokens
}

// QueueDepth reports how many calls are waiting on the endpoint.
func (l *Limiter) QueueDepth(endpoint string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.bucket(endpoint).queue.Len()
}

// Close stops the drain loop and fails every queued waiter with
// ErrClosed. Safe to call once.
func (l *Limiter) Close() {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return
	}
	l.closed = true
	for _, b := range l.buckets {
		for b.queue.Len() > 0 {
			w := heap.Pop(&b.queue).(*waiter)
			w.failed <- ErrClosed
		}
	}
	l.mu.Unlock()

	close(l.done)
	l.wg.Wait()
}

// charge runs op and refunds the consumed token on failure.
func (l *Limiter) charge(ctx context.Context, endpoint string, op func(context.Context) error) error {
	err := op(ctx)
	if err != nil {
		l.mu.Lock()
		b := l.bucket(endpoint)
		if b.tokens < b.cfg.Burst {
			b.tokens++
		}
		l.mu.Unlock()
		refundedTotal.WithLabelValues(endpoint).Inc()
	}
	return err
}

// bucket returns the endpoint's bucket, creating it on first use. Caller
// holds the mutex.
func (l *Limiter) bucket(endpoint string) *bucket {
	b, ok := l.buckets[endpoint]
	if !ok {
		cfg := l.defaults
		if o, ok := l.overrides[endpoint]; ok {
			cfg = o.normalize()
		}
		b = &bucket{
			cfg:        cfg,
			tokens:     cfg.Capacity,
			lastRefill: l.now(),
		}
		l.buckets[endpoint] = b
	}
	return b
}

// abandon removes a waiter whose caller gave up. The waiter may already
// have been released by the drain loop; in that case its token is
// refunded since the operation never ran.
func (l *Limiter) abandon(endpoint string, w *waiter) {
	l.mu.Lock()
	defer l.mu.Unlock()
	b := l.bucket(endpoint)
	if w.index >= 0 {
		heap.Remove(&b.queue, w.index)
		return
	}
	select {
	case <-w.ready:
		if b.tokens < b.cfg.Burst {
			b.tokens++
		}
	default:
	}
}

// drainLoop refills buckets and releases waiters on a fixed short tick.
func (l *Limiter) drainLoop() {
	defer l.wg.Done()
	ticker := time.NewTicker(l.tick)
	defer ticker.Stop()

	for {
		select {
		case <-l.done:
			return
		case <-ticker.C:
			l.drainOnce()
		}
	}
}

// drainOnce performs one refill+drain pass over every bucket. Exposed to
// tests via the package-internal name.
func (l *Limiter) drainOnce() {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.now()
	for _, b := range l.buckets {
		b.refill(now)
		for b.tokens > 0 && b.queue.Len() > 0 {
			w := heap.Pop(&b.queue).(*waiter)
			b.tokens--
			close(w.ready)
		}
	}
}
