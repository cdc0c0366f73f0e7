// Copyright (C) 2026 IndaStreet (engineering@indastreet.id)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package transport

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/indastreet/realtime/services/realtime/datatypes"
)

// State is the manager's position in the connection lifecycle.
type State int

const (
	// StateDisconnected is the initial state, before Start.
	StateDisconnected State = iota

	// StateConnecting covers every connection attempt, first or retry.
	StateConnecting

	// StateConnected means the best tier is active.
	StateConnected

	// StateDegraded means a lower tier is delivering events.
	StateDegraded

	// StateFailed is terminal: every tier exhausted its budget.
	StateFailed
)

// String returns the lowercase state name.
func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateDegraded:
		return "degraded"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// StateChange is delivered to subscribers on every transition.
type StateChange struct {
	State State

	// Tier is the tier the change concerns. Zero when no tier applies.
	Tier Tier

	// Attempt is the 1-based attempt number while connecting, zero
	// otherwise.
	Attempt int
}

// Manager supervises the transport ladder.
//
// # Description
//
// The manager connects on the best tier, pumps its inbound events onto a
// single merged stream, and reconnects the active tier with exponential
// backoff when its stream closes. When a tier exhausts its reconnection
// budget the manager downgrades to the next tier and never climbs back
// within the session; after the last tier's budget is spent the manager
// enters StateFailed and closes the event stream.
//
// # Thread Safety
//
// All exported methods are safe for concurrent use.
type Manager struct {
	factories []Factory
	rcfg      ReconnectConfig

	mu      sync.Mutex
	state   State
	active  Transport
	subs    map[int]func(StateChange)
	nextSub int
	started bool

	events    chan datatypes.Envelope
	done      chan struct{}
	wg        sync.WaitGroup
	closeOnce sync.Once
}

// NewManager builds a manager over the ranked transport factories,
// ordered best tier first. At least one factory is required.
func NewManager(rcfg ReconnectConfig, factories ...Factory) *Manager {
	return &Manager{
		factories: factories,
		rcfg:      rcfg.normalize(),
		state:     StateDisconnected,
		subs:      make(map[int]func(StateChange)),
		events:    make(chan datatypes.Envelope, 128),
		done:      make(chan struct{}),
	}
}

// Events returns the merged inbound stream. It closes when the manager
// shuts down or fails terminally.
func (m *Manager) Events() <-chan datatypes.Envelope { return m.events }

// Start launches the supervision loop. Connection establishment is
// asynchronous; watch state changes or Events for progress.
func (m *Manager) Start(ctx context.Context) {
	m.mu.Lock()
	if m.started {
		m.mu.Unlock()
		return
	}
	m.started = true
	m.mu.Unlock()

	m.wg.Add(1)
	go m.run(ctx)
}

// Send delegates to the active transport.
//
// # Outputs
//
//   - error: ErrNotConnected when no tier is up, ErrNotWritable on a
//     receive-only tier, or the transport's write error.
func (m *Manager) Send(ctx context.Context, env datatypes.Envelope) error {
	m.mu.Lock()
	t := m.active
	m.mu.Unlock()

	if t == nil {
		return ErrNotConnected
	}
	return t.Send(ctx, env)
}

// State returns the current lifecycle state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// ActiveTier reports the delivering tier, if any.
func (m *Manager) ActiveTier() (Tier, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.active == nil {
		return 0, false
	}
	return m.active.Tier(), true
}

// Writable reports whether the active tier supports Send.
func (m *Manager) Writable() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.active != nil && m.active.Writable()
}

// OnStateChange registers a subscriber for every state transition and
// returns its unsubscribe function. Subscribers are invoked synchronously
// in registration order; they must not block.
func (m *Manager) OnStateChange(fn func(StateChange)) func() {
	m.mu.Lock()
	id := m.nextSub
	m.nextSub++
	m.subs[id] = fn
	m.mu.Unlock()

	return func() {
		m.mu.Lock()
		delete(m.subs, id)
		m.mu.Unlock()
	}
}

// Close stops supervision and tears down the active transport. Idempotent.
func (m *Manager) Close() error {
	m.closeOnce.Do(func() {
		close(m.done)
		m.mu.Lock()
		active := m.active
		m.mu.Unlock()
		if active != nil {
			_ = active.Close()
		}
	})
	m.wg.Wait()
	return nil
}

// run walks the ladder: connect a tier, pump it, reconnect it on loss,
// downgrade when its budget is spent.
func (m *Manager) run(ctx context.Context) {
	defer m.wg.Done()
	defer close(m.events)

	for idx := 0; idx < len(m.factories); idx++ {
		for {
			t, stream, ok := m.connectTier(ctx, idx)
			if !ok {
				if m.closing(ctx) {
					m.transition(StateDisconnected, 0, 0)
					return
				}
				break // budget spent, downgrade
			}

			tier := t.Tier()
			m.installActive(t, idx)
			slog.Info("transport tier active", "tier", tier.String())

			m.pump(stream)
			m.clearActive(t)

			if m.closing(ctx) {
				m.transition(StateDisconnected, 0, 0)
				return
			}
			slog.Warn("transport tier lost, reconnecting", "tier", tier.String())
		}
		slog.Warn("transport tier exhausted, downgrading", "rank", idx+1)
	}

	m.transition(StateFailed, 0, 0)
	slog.Error("all transport tiers exhausted")
}

// connectTier attempts one tier with backoff until success, budget
// exhaustion, or shutdown. Only the best tier gets the full reconnection
// budget; a lower tier that errors falls straight through to the next.
func (m *Manager) connectTier(ctx context.Context, idx int) (Transport, <-chan datatypes.Envelope, bool) {
	budget := m.rcfg.MaxAttempts
	if idx > 0 {
		budget = 1
	}
	for attempt := 0; attempt < budget; attempt++ {
		if m.closing(ctx) {
			return nil, nil, false
		}

		t := m.factories[idx]()
		m.transition(StateConnecting, t.Tier(), attempt+1)

		stream, err := t.Start(ctx)
		if err == nil {
			return t, stream, true
		}
		_ = t.Close()
		slog.Warn("transport connect failed",
			"tier", t.Tier().String(), "attempt", attempt+1, "error", err)

		if attempt < budget-1 {
			if !m.sleep(ctx, m.rcfg.Delay(attempt)) {
				return nil, nil, false
			}
		}
	}
	return nil, nil, false
}

// pump copies a tier's stream onto the merged stream until it closes.
func (m *Manager) pump(stream <-chan datatypes.Envelope) {
	for env := range stream {
		select {
		case m.events <- env:
		case <-m.done:
			return
		}
	}
}

func (m *Manager) installActive(t Transport, idx int) {
	m.mu.Lock()
	m.active = t
	m.mu.Unlock()

	if idx == 0 {
		m.transition(StateConnected, t.Tier(), 0)
	} else {
		m.transition(StateDegraded, t.Tier(), 0)
	}
}

func (m *Manager) clearActive(t Transport) {
	_ = t.Close()
	m.mu.Lock()
	if m.active == t {
		m.active = nil
	}
	m.mu.Unlock()
}

// transition updates the state and notifies subscribers when it changed.
func (m *Manager) transition(s State, tier Tier, attempt int) {
	m.mu.Lock()
	changed := m.state != s
	m.state = s
	subs := make([]func(StateChange), 0, len(m.subs))
	for _, fn := range m.subs {
		subs = append(subs, fn)
	}
	m.mu.Unlock()

	if !changed && s != StateConnecting {
		return
	}
	change := StateChange{State: s, Tier: tier, Attempt: attempt}
	for _, fn := range subs {
		fn(change)
	}
}

// sleep waits d, honoring shutdown. Returns false when interrupted.
func (m *Manager) sleep(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-m.done:
		return false
	case <-ctx.Done():
		return false
	}
}

func (m *Manager) closing(ctx context.Context) bool {
	select {
	case <-m.done:
		return true
	case <-ctx.Done():
		return true
	default:
		return false
	}
}
