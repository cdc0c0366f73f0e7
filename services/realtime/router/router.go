// Copyright (C) 2026 IndaStreet (engineering@indastreet.id)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package router fans inbound envelopes out to subscribers and queues
// outbound envelopes while no writable transport is up.
//
// Dispatch is per-kind with a wildcard tier: handlers registered for the
// envelope's kind run first in registration order, then wildcard
// handlers. A misbehaving handler (error or panic) is isolated so the
// remaining handlers still run; event delivery must not depend on every
// subscriber being well behaved.
//
// Outbound envelopes that cannot be sent are held in a bounded FIFO
// queue and flushed in order once a writable transport returns. The
// queue bound means sustained disconnection eventually rejects new
// sends instead of growing without limit.
package router

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/indastreet/realtime/services/realtime/datatypes"
	"github.com/indastreet/realtime/services/realtime/transport"
)

var (
	dispatchedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "realtime_router_dispatched_total",
		Help: "Envelopes delivered to at least the dispatch stage, by kind.",
	}, []string{"kind"})

	duplicatesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "realtime_router_duplicates_total",
		Help: "Envelopes dropped because their ID was already delivered.",
	})

	handlerPanicsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "realtime_router_handler_panics_total",
		Help: "Subscriber handlers that panicked during dispatch.",
	})

	outboundQueued = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "realtime_router_outbound_queue_depth",
		Help: "Envelopes waiting for a writable transport.",
	})
)

// ErrQueueFull is returned by Send when no transport is writable and the
// outbound queue is at capacity.
var ErrQueueFull = errors.New("outbound queue full")

// Handler consumes one inbound envelope. Returning an error only logs
// it; dispatch continues with the remaining handlers.
type Handler func(ctx context.Context, env datatypes.Envelope) error

// SendFunc is the injected outbound path: typically the rate-limited,
// breaker-guarded transport send assembled by the client.
type SendFunc func(ctx context.Context, env datatypes.Envelope) error

// Config tunes the router.
type Config struct {
	// QueueCapacity bounds the outbound queue. Default: 256.
	QueueCapacity int

	// DedupSize is how many recently delivered envelope IDs are
	// remembered. Default: 512.
	DedupSize int
}

func (c Config) normalize() Config {
	if c.QueueCapacity <= 0 {
		c.QueueCapacity = 256
	}
	if c.DedupSize <= 0 {
		c.DedupSize = 512
	}
	return c
}

type subscription struct {
	id int
	fn Handler
}

// Router is the fan-out hub. All methods are safe for concurrent use.
type Router struct {
	cfg  Config
	send SendFunc

	mu     sync.Mutex
	subs   map[datatypes.Kind][]subscription
	nextID int

	queue []datatypes.Envelope

	seen     map[string]struct{}
	seenRing []string
	seenPos  int
}

// New builds a router around the injected send path.
func New(cfg Config, send SendFunc) *Router {
	cfg = cfg.normalize()
	return &Router{
		cfg:      cfg,
		send:     send,
		subs:     make(map[datatypes.Kind][]subscription),
		seen:     make(map[string]struct{}, cfg.DedupSize),
		seenRing: make([]string, cfg.DedupSize),
	}
}

// Subscribe registers a handler for a kind (or datatypes.KindWildcard for
// everything) and returns its unsubscribe function. Unsubscribe is
// idempotent.
func (r *Router) Subscribe(kind datatypes.Kind, h Handler) func() {
	r.mu.Lock()
	id := r.nextID
	r.nextID++
	r.subs[kind] = append(r.subs[kind], subscription{id: id, fn: h})
	r.mu.Unlock()

	return func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		list := r.subs[kind]
		for i, s := range list {
			if s.id == id {
				r.subs[kind] = append(list[:i:i], list[i+1:]...)
				break
			}
		}
	}
}

// Dispatch delivers one inbound envelope.
//
// # Description
//
// Envelopes whose ID was already delivered are dropped (transport
// downgrades and reconnect replays can duplicate events). Handlers for
// the envelope's kind run first, then wildcard handlers, each in
// registration order. A handler error or panic is logged and counted but
// never stops the remaining handlers.
//
// # Outputs
//
//   - bool: false when the envelope was a duplicate.
func (r *Router) Dispatch(ctx context.Context, env datatypes.Envelope) bool {
	r.mu.Lock()
	if env.ID != "" {
		if _, dup := r.seen[env.ID]; dup {
			r.mu.Unlock()
			duplicatesTotal.Inc()
			return false
		}
		r.remember(env.ID)
	}
	handlers := make([]subscription, 0, len(r.subs[env.Kind])+len(r.subs[datatypes.KindWildcard]))
	handlers = append(handlers, r.subs[env.Kind]...)
	if env.Kind != datatypes.KindWildcard {
		handlers = append(handlers, r.subs[datatypes.KindWildcard]...)
	}
	r.mu.Unlock()

	dispatchedTotal.WithLabelValues(string(env.Kind)).Inc()
	for _, s := range handlers {
		r.invoke(ctx, s, env)
	}
	return true
}

// invoke runs one handler with panic isolation.
func (r *Router) invoke(ctx context.Context, s subscription, env datatypes.Envelope) {
	defer func() {
		if rec := recover(); rec != nil {
			handlerPanicsTotal.Inc()
			slog.Error("subscriber panicked", "kind", env.Kind, "panic", rec)
		}
	}()
	if err := s.fn(ctx, env); err != nil {
		slog.Warn("subscriber failed", "kind", env.Kind, "error", err)
	}
}

// Send pushes an envelope through the injected send path, queueing it
// when no writable transport is up.
//
// While the queue still holds a backlog, new envelopes join it behind
// the waiting ones instead of going straight out, so queued envelopes
// are never overtaken by fresh sends.
//
// # Outputs
//
//   - error: nil when sent or queued, ErrQueueFull when the queue is at
//     capacity, or the send path's error for non-connectivity failures.
func (r *Router) Send(ctx context.Context, env datatypes.Envelope) error {
	r.mu.Lock()
	backlog := len(r.queue) > 0
	r.mu.Unlock()
	if backlog {
		return r.enqueue(env)
	}

	err := r.send(ctx, env)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, transport.ErrNotConnected), errors.Is(err, transport.ErrNotWritable):
		return r.enqueue(env)
	default:
		return err
	}
}

// Flush drains the outbound queue in FIFO order.
//
// # Description
//
// Each queued envelope goes through the send path. The first
// connectivity failure stops the flush and the remaining envelopes stay
// queued in order; a non-connectivity failure drops the envelope (it was
// accepted by the transport layer and rejected beyond it) and continues.
//
// # Outputs
//
//   - int: envelopes successfully sent.
func (r *Router) Flush(ctx context.Context) int {
	sent := 0
	for {
		r.mu.Lock()
		if len(r.queue) == 0 {
			r.mu.Unlock()
			return sent
		}
		env := r.queue[0]
		r.queue = r.queue[1:]
		outboundQueued.Set(float64(len(r.queue)))
		r.mu.Unlock()

		err := r.send(ctx, env)
		switch {
		case err == nil:
			sent++
		case errors.Is(err, transport.ErrNotConnected), errors.Is(err, transport.ErrNotWritable):
			// Still down. Put it back at the front and stop.
			r.mu.Lock()
			r.queue = append([]datatypes.Envelope{env}, r.queue...)
			outboundQueued.Set(float64(len(r.queue)))
			r.mu.Unlock()
			return sent
		default:
			slog.Warn("dropping queued envelope after send failure", "id", env.ID, "error", err)
		}
	}
}

// QueueLen reports how many envelopes await a writable transport.
func (r *Router) QueueLen() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.queue)
}

func (r *Router) enqueue(env datatypes.Envelope) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.queue) >= r.cfg.QueueCapacity {
		return ErrQueueFull
	}
	r.queue = append(r.queue, env)
	outboundQueued.Set(float64(len(r.queue)))
	return nil
}

// remember records a delivered ID, evicting the oldest entry once the
// ring is full. Caller holds the mutex.
func (r *Router) remember(id string) {
	if old := r.seenRing[r.seenPos]; old != "" {
		delete(r.seen, old)
	}
	r.seenRing[r.seenPos] = id
	r.seen[id] = struct{}{}
	r.seenPos = (r.seenPos + 1) % len(r.seenRing)
}
