// Copyright (C) 2026 IndaStreet (engineering@indastreet.id)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package realtime assembles the resilient delivery core: tiered
// transports with automatic downgrade, a rate-limited and circuit-broken
// send path, message routing with an offline outbound queue, connection
// health monitoring, and durable booking reminders.
//
// The Client is the single entry point. Construct it with NewClient, call
// Initialize once a session is established, and Shutdown on exit. All
// other methods are safe to call concurrently between those two points.
package realtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/indastreet/realtime/pkg/validation"
	"github.com/indastreet/realtime/services/realtime/breaker"
	"github.com/indastreet/realtime/services/realtime/datatypes"
	"github.com/indastreet/realtime/services/realtime/notify"
	"github.com/indastreet/realtime/services/realtime/ratelimit"
	"github.com/indastreet/realtime/services/realtime/reminder"
	"github.com/indastreet/realtime/services/realtime/retry"
	"github.com/indastreet/realtime/services/realtime/router"
	"github.com/indastreet/realtime/services/realtime/store"
	"github.com/indastreet/realtime/services/realtime/transport"
	"github.com/indastreet/realtime/services/realtime/watchdog"
)

// ErrNotInitialized is returned by methods that require Initialize first.
var ErrNotInitialized = errors.New("client not initialized")

// ErrAlreadyInitialized is returned when Initialize is called twice.
var ErrAlreadyInitialized = errors.New("client already initialized")

// sendEndpoint is the rate-limit bucket for outbound envelopes.
const sendEndpoint = "realtime.send"

// Client is the application-facing facade over the delivery core.
//
// # Description
//
// Outbound envelopes flow through the rate limiter, the circuit breaker,
// and the retry loop before reaching the active transport; connectivity
// failures divert them to the router's bounded offline queue, which is
// flushed when a writable connection returns. Inbound envelopes feed the
// watchdog and are dispatched to subscribed handlers with duplicate
// suppression.
//
// # Thread Safety
//
// All exported methods are safe for concurrent use.
type Client struct {
	cfg      Config
	store    *store.Store
	notifier notify.Notifier

	limiter   *ratelimit.Limiter
	sendGuard *breaker.Breaker
	router    *router.Router
	scheduler *reminder.Scheduler
	watchdog  *watchdog.Watchdog

	// onHealthAlarm is invoked when the watchdog detects a stalled
	// connection. Set with OnHealthAlarm before Initialize.
	alarmMu       sync.Mutex
	onHealthAlarm func(watchdog.Diagnostics)

	mu         sync.Mutex
	manager    *transport.Manager
	unsubState func()
	cancel     context.CancelFunc
	group      *errgroup.Group
	started    bool

	shutdownOnce sync.Once
}

// NewClient wires the delivery core from config.
//
// # Inputs
//
//   - cfg: validated configuration (see LoadConfig).
//   - st: open store backing the reminder scheduler. The caller retains
//     ownership and closes it after Shutdown.
//   - notifier: host notification hooks. Nil disables notifications.
func NewClient(cfg Config, st *store.Store, notifier notify.Notifier) *Client {
	if notifier == nil {
		notifier = notify.Nop{}
	}

	defaults, overrides := cfg.RateLimit.limiterConfigs()

	c := &Client{
		cfg:       cfg,
		store:     st,
		notifier:  notifier,
		limiter:   ratelimit.New(defaults, overrides),
		sendGuard: breaker.New(sendEndpoint, cfg.Breaker.breaker()),
	}

	c.router = router.New(cfg.Router.router(), c.sendUpstream)
	c.scheduler = reminder.New(cfg.Reminder.scheduler(), st, c.dispatchLocal, notifier, nil)
	c.watchdog = watchdog.New(cfg.Watchdog.watchdog(), c.healthAlarm)
	c.registerBookingAlerts()
	return c
}

// registerBookingAlerts wires the built-in notification hooks for booking
// lifecycle events. Each kind gets its own sound clip so the host can
// distinguish a new request from an acceptance or a cancellation without
// parsing the payload.
func (c *Client) registerBookingAlerts() {
	c.router.Subscribe(datatypes.KindNewBooking, c.bookingAlert("new_booking", "New booking request"))
	c.router.Subscribe(datatypes.KindBookingAccepted, c.bookingAlert("booking_accepted", "Booking confirmed"))
	c.router.Subscribe(datatypes.KindBookingCancelled, c.bookingAlert("booking_cancelled", "Booking cancelled"))
}

func (c *Client) bookingAlert(clip, title string) router.Handler {
	return func(_ context.Context, env datatypes.Envelope) error {
		c.notifier.PlaySound(clip)
		c.notifier.ShowNotification(notify.Notification{
			Title: title,
			Tag:   "booking-" + env.ID,
		})
		return nil
	}
}

// OnHealthAlarm registers the callback fired when the connection stalls.
// Call before Initialize.
func (c *Client) OnHealthAlarm(fn func(watchdog.Diagnostics)) {
	c.alarmMu.Lock()
	c.onHealthAlarm = fn
	c.alarmMu.Unlock()
}

// Initialize establishes the session and starts every background loop.
//
// # Description
//
// Builds the transport ladder for the given session, connects the best
// available tier, arms the watchdog, and begins the reminder scheduler's
// tick loop. Pending reminders persisted by a previous process fire on
// schedule without re-registration.
//
// # Inputs
//
//   - ctx: governs all background loops. Pass a long-lived context;
//     cancelling it stops the client as effectively as Shutdown does.
//   - sessionID: the authenticated session identifier.
//   - role: provider, customer, or admin.
func (c *Client) Initialize(ctx context.Context, sessionID string, role datatypes.Role) error {
	sessionID, err := validation.SanitizeID("session id", sessionID)
	if err != nil {
		return err
	}
	if !role.Valid() {
		return fmt.Errorf("invalid role %q", role)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.started {
		return ErrAlreadyInitialized
	}

	factories, err := c.buildFactories(sessionID, role)
	if err != nil {
		return err
	}
	if len(factories) == 0 {
		return errors.New("no transport endpoints configured")
	}

	runCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel

	m := transport.NewManager(c.cfg.Transport.reconnect(), factories...)
	c.manager = m
	c.unsubState = m.OnStateChange(func(sc transport.StateChange) {
		slog.Info("connection state changed",
			"state", sc.State.String(),
			"tier", sc.Tier.String(),
			"attempt", sc.Attempt)
		if (sc.State == transport.StateConnected || sc.State == transport.StateDegraded) && m.Writable() {
			if n := c.router.Flush(runCtx); n > 0 {
				slog.Info("flushed offline queue", "sent", n)
			}
		}
	})

	m.Start(runCtx)
	c.watchdog.Start()
	c.scheduler.Start(runCtx)

	g, gctx := errgroup.WithContext(runCtx)
	c.group = g
	g.Go(func() error {
		for env := range m.Events() {
			c.watchdog.Touch()
			c.router.Dispatch(gctx, env)
		}
		return nil
	})

	c.started = true
	slog.Info("realtime client initialized", "session", sessionID, "role", string(role))
	return nil
}

// Subscribe registers a handler for a message kind. datatypes.KindWildcard
// receives every kind. The returned function unsubscribes and is
// idempotent.
func (c *Client) Subscribe(kind datatypes.Kind, h router.Handler) func() {
	return c.router.Subscribe(kind, h)
}

// Send delivers an envelope upstream. While no writable connection is
// available the envelope is queued and flushed on reconnect; a full queue
// returns router.ErrQueueFull.
func (c *Client) Send(ctx context.Context, env datatypes.Envelope) error {
	return c.router.Send(ctx, env)
}

// ConnectionState returns the manager's current state, or
// StateDisconnected before Initialize.
func (c *Client) ConnectionState() transport.State {
	c.mu.Lock()
	m := c.manager
	c.mu.Unlock()
	if m == nil {
		return transport.StateDisconnected
	}
	return m.State()
}

// ActiveTier returns the connected tier, if any.
func (c *Client) ActiveTier() (transport.Tier, bool) {
	c.mu.Lock()
	m := c.manager
	c.mu.Unlock()
	if m == nil {
		return 0, false
	}
	return m.ActiveTier()
}

// QueuedMessages returns the offline outbound queue depth.
func (c *Client) QueuedMessages() int { return c.router.QueueLen() }

// ScheduleBookingReminders registers the standard reminder ladder for a
// booking and returns how many reminders were persisted. Reminders whose
// instant has already passed are skipped. Re-scheduling the same booking
// overwrites its previous rows.
func (c *Client) ScheduleBookingReminders(ctx context.Context, booking reminder.Booking) (int, error) {
	return c.scheduler.Schedule(ctx, booking)
}

// CancelBookingReminders cancels all pending reminders for a booking.
// Idempotent; already-sent reminders are unaffected.
func (c *Client) CancelBookingReminders(ctx context.Context, bookingID string) error {
	return c.scheduler.Cancel(ctx, bookingID)
}

// ReminderStats returns pending reminders grouped by booking for the
// given user.
func (c *Client) ReminderStats(ctx context.Context, userID string, role datatypes.Role) ([]reminder.ScheduledBooking, error) {
	return c.scheduler.Stats(ctx, userID, role)
}

// Shutdown stops every background loop and releases the connection.
// Idempotent. The store is left open for the caller to close.
func (c *Client) Shutdown(ctx context.Context) error {
	var err error
	c.shutdownOnce.Do(func() {
		c.mu.Lock()
		m := c.manager
		unsub := c.unsubState
		cancel := c.cancel
		group := c.group
		c.started = false
		c.mu.Unlock()

		if unsub != nil {
			unsub()
		}
		c.watchdog.Stop()
		c.scheduler.Stop()
		if m != nil {
			err = m.Close()
		}
		if cancel != nil {
			cancel()
		}
		c.limiter.Close()

		if group != nil {
			done := make(chan error, 1)
			go func() { done <- group.Wait() }()
			select {
			case gerr := <-done:
				if err == nil {
					err = gerr
				}
			case <-ctx.Done():
				if err == nil {
					err = ctx.Err()
				}
			}
		}
		slog.Info("realtime client shut down")
	})
	return err
}

// ===== Internal wiring =====

// sendUpstream is the router's outbound path: rate limiter, then breaker,
// then retry, then the active transport.
func (c *Client) sendUpstream(ctx context.Context, env datatypes.Envelope) error {
	c.mu.Lock()
	m := c.manager
	c.mu.Unlock()

	if m == nil {
		return transport.ErrNotConnected
	}
	// Fail fast to the offline queue before charging a token.
	if !m.Writable() {
		if _, ok := m.ActiveTier(); ok {
			return transport.ErrNotWritable
		}
		return transport.ErrNotConnected
	}

	rcfg := c.cfg.Retry.retry()
	rcfg.Retryable = IsRetryable

	return c.limiter.Execute(ctx, sendEndpoint, env.Priority, func(ctx context.Context) error {
		return c.sendGuard.Execute(ctx, func(ctx context.Context) error {
			_, err := retry.Run(ctx, rcfg, func(ctx context.Context) error {
				return m.Send(ctx, env)
			})
			return err
		})
	})
}

// dispatchLocal feeds scheduler-fired envelopes to local subscribers.
func (c *Client) dispatchLocal(ctx context.Context, env datatypes.Envelope) error {
	c.router.Dispatch(ctx, env)
	return nil
}

func (c *Client) healthAlarm(d watchdog.Diagnostics) {
	slog.Warn("connection appears stalled",
		"events_received", d.EventsReceived,
		"elapsed", d.Elapsed)
	c.notifier.ShowNotification(notify.Notification{
		Title: "Connection problem",
		Body:  "Realtime updates have stalled. Check your network connection.",
		Tag:   "connection-health",
	})
	c.alarmMu.Lock()
	fn := c.onHealthAlarm
	c.alarmMu.Unlock()
	if fn != nil {
		fn(d)
	}
}

// buildFactories assembles the transport ladder in rank order. Tiers
// without a configured URL are skipped.
func (c *Client) buildFactories(sessionID string, role datatypes.Role) ([]transport.Factory, error) {
	t := c.cfg.Transport
	var factories []transport.Factory

	if t.WebSocketURL != "" {
		u, err := sessionURL(t.WebSocketURL, sessionID, role)
		if err != nil {
			return nil, fmt.Errorf("websocket url: %w", err)
		}
		factories = append(factories, func() transport.Transport {
			return transport.NewWS(transport.WSConfig{
				URL:               u,
				Token:             t.Token,
				HeartbeatInterval: t.HeartbeatInterval.Std(),
			})
		})
	}
	if t.SSEURL != "" {
		u, err := sessionURL(t.SSEURL, sessionID, role)
		if err != nil {
			return nil, fmt.Errorf("sse url: %w", err)
		}
		factories = append(factories, func() transport.Transport {
			return transport.NewSSE(transport.SSEConfig{
				URL:   u,
				Token: t.Token,
			})
		})
	}
	if t.PollURL != "" {
		u, err := sessionURL(t.PollURL, sessionID, role)
		if err != nil {
			return nil, fmt.Errorf("poll url: %w", err)
		}
		factories = append(factories, func() transport.Transport {
			return transport.NewPoll(transport.PollConfig{
				URL:      u,
				Token:    t.Token,
				Interval: t.PollInterval.Std(),
			})
		})
	}
	return factories, nil
}

// sessionURL appends the session and role query parameters.
func sessionURL(raw, sessionID string, role datatypes.Role) (string, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", err
	}
	q := u.Query()
	q.Set("session", sessionID)
	q.Set("role", string(role))
	u.RawQuery = q.Encode()
	return u.String(), nil
}
