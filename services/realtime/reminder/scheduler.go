// Copyright (C) 2026 IndaStreet (engineering@indastreet.id)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package reminder schedules and fires multi-stage booking reminders.
//
// When a booking becomes scheduled, one row per standard offset is
// persisted to the durable store. Only offsets still in the future count;
// past instants are skipped, never back-filled. A 60s tick scans for due
// rows and fires each exactly once: the row is marked Sent before any
// side effect runs, so a crash mid-fire cannot double-deliver after
// restart. Everything lives in the store, which is what lets a restarted
// process resume from persisted rows instead of recomputing offsets
// (recomputing would risk re-firing already-sent reminders).
package reminder

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/indastreet/realtime/pkg/validation"
	"github.com/indastreet/realtime/services/realtime/datatypes"
	"github.com/indastreet/realtime/services/realtime/notify"
	"github.com/indastreet/realtime/services/realtime/store"
)

var tracer = otel.Tracer("realtime.reminder")

var (
	firedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "realtime_reminders_fired_total",
		Help: "Reminder rows that transitioned Scheduled to Sent.",
	})

	failedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "realtime_reminders_failed_total",
		Help: "Reminder dispatch failures, including retried ones.",
	})

	sweptTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "realtime_reminders_swept_total",
		Help: "Terminal reminder rows removed by the retention sweep.",
	})
)

// collection is the store collection owned by this package. No other
// component writes it.
const collection = "reminder_schedules"

// DispatchFunc delivers a reminder envelope into the message router.
type DispatchFunc func(ctx context.Context, env datatypes.Envelope) error

// Config tunes the scheduler.
type Config struct {
	// TickInterval is the due-row scan period. Default: 60s.
	TickInterval time.Duration

	// MaxRetries bounds dispatch retries per row. Default: 3.
	MaxRetries int

	// Retention is how long Sent/Failed/Cancelled rows are kept past
	// their fire time. Default: 7 days.
	Retention time.Duration

	// Offsets is the reminder offset set. Default: StandardOffsets.
	Offsets []Offset
}

// DefaultConfig returns the production scheduler settings.
func DefaultConfig() Config {
	return Config{
		TickInterval: time.Minute,
		MaxRetries:   3,
		Retention:    7 * 24 * time.Hour,
		Offsets:      StandardOffsets(),
	}
}

func (c Config) normalize() Config {
	d := DefaultConfig()
	if c.TickInterval <= 0 {
		c.TickInterval = d.TickInterval
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = d.MaxRetries
	}
	if c.Retention <= 0 {
		c.Retention = d.Retention
	}
	if len(c.Offsets) == 0 {
		c.Offsets = d.Offsets
	}
	return c
}

// Scheduler owns every reminder row in the store.
//
// # Thread Safety
//
// All exported methods are safe for concurrent use; row transitions run
// inside store transactions so a tick racing another tick (or a Cancel)
// cannot fire a row twice.
type Scheduler struct {
	cfg      Config
	dispatch DispatchFunc
	notifier notify.Notifier
	clock    Clock

	// rows is the active persistence backend. It starts durable and is
	// swapped for an in-memory map when the store fails, so a broken
	// disk degrades reminders to session-lifetime instead of crashing
	// the scheduler.
	rowsMu   sync.Mutex
	rows     rowStore
	degraded bool

	startOnce sync.Once
	stopOnce  sync.Once
	done      chan struct{}
	wg        sync.WaitGroup
}

// New builds a scheduler. A nil notifier discards alerts; a nil clock
// uses wall time. A nil store starts the scheduler in its in-memory
// fallback mode.
func New(cfg Config, st *store.Store, dispatch DispatchFunc, notifier notify.Notifier, clock Clock) *Scheduler {
	if notifier == nil {
		notifier = notify.Nop{}
	}
	if clock == nil {
		clock = SystemClock{}
	}
	s := &Scheduler{
		cfg:      cfg.normalize(),
		dispatch: dispatch,
		notifier: notifier,
		clock:    clock,
		done:     make(chan struct{}),
	}
	if st != nil {
		s.rows = durableRows{st: st}
	} else {
		s.rows = newMemoryRows()
		s.degraded = true
	}
	return s
}

// backend returns the active row store.
func (s *Scheduler) backend() rowStore {
	s.rowsMu.Lock()
	defer s.rowsMu.Unlock()
	return s.rows
}

// degrade swaps the durable backend for an in-memory map after a store
// failure. Rows created before the failure stay in the store and are
// picked up again on restart; rows created after it live only for this
// session.
func (s *Scheduler) degrade(cause error) rowStore {
	s.rowsMu.Lock()
	defer s.rowsMu.Unlock()
	if !s.degraded {
		s.degraded = true
		s.rows = newMemoryRows()
		slog.Error("reminder store unavailable, degrading to in-memory rows for this session", "error", cause)
	}
	return s.rows
}

// Degraded reports whether the scheduler has fallen back to in-memory
// rows.
func (s *Scheduler) Degraded() bool {
	s.rowsMu.Lock()
	defer s.rowsMu.Unlock()
	return s.degraded
}

// The rows* helpers route through the active backend and retry once
// against the in-memory fallback when the durable store fails.

func (s *Scheduler) rowsPut(ctx context.Context, key string, v any) error {
	if err := s.backend().Put(ctx, key, v); err != nil {
		return s.degrade(err).Put(ctx, key, v)
	}
	return nil
}

func (s *Scheduler) rowsUpdate(ctx context.Context, key string, fn func(raw []byte) ([]byte, error)) error {
	if err := s.backend().Update(ctx, key, fn); err != nil {
		return s.degrade(err).Update(ctx, key, fn)
	}
	return nil
}

func (s *Scheduler) rowsList(ctx context.Context, fn func(key string, raw []byte) error) error {
	if err := s.backend().List(ctx, fn); err != nil {
		return s.degrade(err).List(ctx, fn)
	}
	return nil
}

func (s *Scheduler) rowsDelete(ctx context.Context, key string) error {
	if err := s.backend().Delete(ctx, key); err != nil {
		return s.degrade(err).Delete(ctx, key)
	}
	return nil
}

// Start launches the tick loop.
func (s *Scheduler) Start(ctx context.Context) {
	s.startOnce.Do(func() {
		s.wg.Add(1)
		go s.loop(ctx)
	})
}

// Stop halts the tick loop. Idempotent.
func (s *Scheduler) Stop() {
	s.stopOnce.Do(func() { close(s.done) })
	s.wg.Wait()
}

// Schedule persists one row per offset whose instant is still in the
// future.
//
// # Inputs
//
//   - booking: the appointment snapshot. The provider offsets target the
//     provider, the customer offsets the customer.
//
// # Outputs
//
//   - int: rows created. Zero when every offset is already past.
//   - error: the first store failure.
//
// Scheduling the same booking again overwrites its rows; a rescheduled
// appointment therefore gets fresh fire times. Roles the booking opted
// out of get no rows.
func (s *Scheduler) Schedule(ctx context.Context, booking Booking) (int, error) {
	if err := validation.ValidateID("booking id", booking.ID); err != nil {
		return 0, err
	}

	ctx, span := tracer.Start(ctx, "reminder.Schedule",
		trace.WithAttributes(
			attribute.String("booking.id", booking.ID),
			attribute.String("booking.appointment", booking.AppointmentTime.Format(time.RFC3339)),
		))
	defer span.End()

	now := s.clock.Now()
	created := 0
	for _, off := range s.cfg.Offsets {
		if !booking.remindersEnabled(off.Role) {
			continue
		}
		fireAt := booking.AppointmentTime.Add(-off.Before)
		if !fireAt.After(now) {
			continue // past instants are skipped, not back-filled
		}

		row := Schedule{
			BookingID:         booking.ID,
			Type:              off.Type,
			TargetID:          s.targetFor(booking, off.Role),
			Role:              off.Role,
			FireAt:            fireAt,
			Status:            StatusScheduled,
			CreatedAt:         now,
			Urgent:            off.Urgent,
			AppDownloadPrompt: off.AppDownloadPrompt,
			Booking:           booking,
		}
		if err := s.rowsPut(ctx, row.Key(), row); err != nil {
			return created, fmt.Errorf("persist reminder %s: %w", row.Key(), err)
		}
		created++
	}

	span.SetAttributes(attribute.Int("reminder.rows", created))
	slog.Info("booking reminders scheduled", "bookingID", booking.ID, "rows", created)
	return created, nil
}

// Cancel marks every row of a booking Cancelled. Idempotent: rows
// already terminal (or absent entirely) are left alone.
func (s *Scheduler) Cancel(ctx context.Context, bookingID string) error {
	if err := validation.ValidateID("booking id", bookingID); err != nil {
		return err
	}

	ctx, span := tracer.Start(ctx, "reminder.Cancel",
		trace.WithAttributes(attribute.String("booking.id", bookingID)))
	defer span.End()

	keys, err := s.keysForBooking(ctx, bookingID)
	if err != nil {
		return err
	}

	for _, key := range keys {
		err := s.rowsUpdate(ctx, key, func(raw []byte) ([]byte, error) {
			if raw == nil {
				return nil, nil
			}
			var row Schedule
			if err := json.Unmarshal(raw, &row); err != nil {
				return nil, err
			}
			if row.Status != StatusScheduled && row.Status != StatusFailed {
				return raw, nil
			}
			row.Status = StatusCancelled
			return json.Marshal(row)
		})
		if err != nil {
			return fmt.Errorf("cancel reminder %s: %w", key, err)
		}
	}
	return nil
}

// Tick fires every due row once and runs the retention sweep.
//
// # Outputs
//
//   - int: rows fired this tick.
//   - error: the first store failure; dispatch failures are absorbed
//     into row state instead.
func (s *Scheduler) Tick(ctx context.Context) (int, error) {
	ctx, span := tracer.Start(ctx, "reminder.Tick")
	defer span.End()

	now := s.clock.Now()

	var due []Schedule
	err := s.rowsList(ctx, func(_ string, raw []byte) error {
		var row Schedule
		if err := json.Unmarshal(raw, &row); err != nil {
			return err
		}
		if row.Status == StatusScheduled && !row.FireAt.After(now) {
			due = append(due, row)
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("scan reminders: %w", err)
	}

	fired := 0
	for _, row := range due {
		claimed, err := s.claim(ctx, row.Key(), now)
		if err != nil {
			return fired, err
		}
		if !claimed {
			continue // another tick got there first
		}
		fired++
		firedTotal.Inc()
		s.fire(ctx, row, now)
	}

	if err := s.sweep(ctx, now); err != nil {
		slog.Warn("reminder retention sweep failed", "error", err)
	}

	span.SetAttributes(attribute.Int("reminder.fired", fired))
	return fired, nil
}

// Stats returns the caller's bookings that still have pending reminders,
// with their rows.
func (s *Scheduler) Stats(ctx context.Context, userID string, role datatypes.Role) ([]ScheduledBooking, error) {
	byBooking := make(map[string]*ScheduledBooking)
	var order []string

	err := s.rowsList(ctx, func(_ string, raw []byte) error {
		var row Schedule
		if err := json.Unmarshal(raw, &row); err != nil {
			return err
		}
		if row.Status != StatusScheduled {
			return nil
		}
		owns := (role == datatypes.RoleProvider && row.Booking.ProviderID == userID) ||
			(role == datatypes.RoleCustomer && row.Booking.CustomerID == userID)
		if !owns {
			return nil
		}
		sb, ok := byBooking[row.BookingID]
		if !ok {
			sb = &ScheduledBooking{Booking: row.Booking}
			byBooking[row.BookingID] = sb
			order = append(order, row.BookingID)
		}
		sb.Reminders = append(sb.Reminders, row)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("scan reminders: %w", err)
	}

	out := make([]ScheduledBooking, 0, len(order))
	for _, id := range order {
		out = append(out, *byBooking[id])
	}
	return out, nil
}

func (s *Scheduler) loop(ctx context.Context) {
	defer s.wg.Done()
	ticker := time.NewTicker(s.cfg.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.done:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := s.Tick(ctx); err != nil {
				slog.Error("reminder tick failed", "error", err)
			}
		}
	}
}

// claim transitions a row Scheduled→Sent inside one transaction. The
// status re-check under the transaction is what makes concurrent ticks
// safe: only one claimer wins.
func (s *Scheduler) claim(ctx context.Context, key string, now time.Time) (bool, error) {
	claimed := false
	err := s.rowsUpdate(ctx, key, func(raw []byte) ([]byte, error) {
		if raw == nil {
			return nil, nil
		}
		var row Schedule
		if err := json.Unmarshal(raw, &row); err != nil {
			return nil, err
		}
		if row.Status != StatusScheduled {
			return raw, nil
		}
		row.Status = StatusSent
		row.LastAttempt = now
		claimed = true
		return json.Marshal(row)
	})
	if err != nil {
		return false, fmt.Errorf("claim reminder %s: %w", key, err)
	}
	return claimed, nil
}

// fire runs a claimed row's side effects: the reminder envelope, the
// host notification, and (for the flagged customer offset) the
// app-download prompt. Dispatch failure re-arms the row with exponential
// backoff until the retry budget is spent.
func (s *Scheduler) fire(ctx context.Context, row Schedule, now time.Time) {
	payload := datatypes.ScheduledReminderPayload{
		BookingID:      row.BookingID,
		ReminderType:   row.Type,
		ScheduledTime:  row.FireAt.UnixMilli(),
		BookingDetails: row.Booking.Details,
		ProviderID:     row.Booking.ProviderID,
		CustomerID:     row.Booking.CustomerID,
	}
	priority := datatypes.PriorityHigh
	if row.Urgent {
		priority = datatypes.PriorityUrgent
	}

	env, err := datatypes.NewEnvelope(datatypes.KindScheduledReminder, payload, priority)
	if err == nil {
		err = s.dispatch(ctx, env)
	}
	if err != nil {
		s.recordFailure(ctx, row, now, err)
		return
	}

	s.notifier.PlaySound("booking_reminder")
	s.notifier.ShowNotification(notify.Notification{
		Title:              reminderTitle(row),
		Body:               reminderBody(row),
		Tag:                "reminder-" + row.Key(),
		RequireInteraction: row.Urgent,
	})

	if row.AppDownloadPrompt {
		prompt, err := datatypes.NewEnvelope(datatypes.KindAppDownloadPrompt, datatypes.AppDownloadPromptPayload{
			BookingID: row.BookingID,
			Message:   "Get the app for live booking updates",
		}, datatypes.PriorityNormal)
		if err == nil {
			if err := s.dispatch(ctx, prompt); err != nil {
				slog.Warn("app download prompt dispatch failed", "bookingID", row.BookingID, "error", err)
			}
		}
	}

	slog.Info("reminder fired", "bookingID", row.BookingID, "type", row.Type)
}

// recordFailure moves a row to Failed and re-arms it to Scheduled with a
// 2^retryCount minute delay while attempts remain; the last failure is
// terminal.
func (s *Scheduler) recordFailure(ctx context.Context, row Schedule, now time.Time, cause error) {
	failedTotal.Inc()
	slog.Warn("reminder dispatch failed",
		"bookingID", row.BookingID, "type", row.Type,
		"retryCount", row.RetryCount, "error", cause)

	err := s.rowsUpdate(ctx, row.Key(), func(raw []byte) ([]byte, error) {
		if raw == nil {
			return nil, nil
		}
		var current Schedule
		if err := json.Unmarshal(raw, &current); err != nil {
			return nil, err
		}
		current.RetryCount++
		current.LastAttempt = now
		if current.RetryCount >= s.cfg.MaxRetries {
			current.Status = StatusFailed
		} else {
			current.Status = StatusScheduled
			current.FireAt = now.Add(time.Duration(1<<uint(current.RetryCount)) * time.Minute)
		}
		return json.Marshal(current)
	})
	if err != nil {
		slog.Error("reminder failure bookkeeping failed", "key", row.Key(), "error", err)
	}
}

// sweep deletes terminal rows older than the retention window.
func (s *Scheduler) sweep(ctx context.Context, now time.Time) error {
	cutoff := now.Add(-s.cfg.Retention)

	var expired []string
	err := s.rowsList(ctx, func(key string, raw []byte) error {
		var row Schedule
		if err := json.Unmarshal(raw, &row); err != nil {
			return err
		}
		terminal := row.Status == StatusSent || row.Status == StatusFailed || row.Status == StatusCancelled
		if terminal && row.FireAt.Before(cutoff) {
			expired = append(expired, key)
		}
		return nil
	})
	if err != nil {
		return err
	}

	for _, key := range expired {
		if err := s.rowsDelete(ctx, key); err != nil {
			return err
		}
		sweptTotal.Inc()
	}
	if len(expired) > 0 {
		slog.Debug("reminder retention sweep", "removed", len(expired))
	}
	return nil
}

func (s *Scheduler) keysForBooking(ctx context.Context, bookingID string) ([]string, error) {
	var keys []string
	err := s.rowsList(ctx, func(key string, _ []byte) error {
		if strings.HasPrefix(key, bookingID+":") {
			keys = append(keys, key)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("scan reminders for %s: %w", bookingID, err)
	}
	return keys, nil
}

func (s *Scheduler) targetFor(b Booking, role datatypes.Role) string {
	if role == datatypes.RoleCustomer {
		return b.CustomerID
	}
	return b.ProviderID
}

func reminderTitle(row Schedule) string {
	if row.Role == datatypes.RoleCustomer {
		return "Upcoming appointment"
	}
	if row.Urgent {
		return "Booking starting soon"
	}
	return "Upcoming booking"
}

func reminderBody(row Schedule) string {
	hours := int(row.Booking.AppointmentTime.Sub(row.FireAt).Hours())
	if hours <= 1 {
		return fmt.Sprintf("%s in 1 hour at %s", row.Booking.Details.CustomerName, row.Booking.Details.Location)
	}
	return fmt.Sprintf("%s in %d hours at %s", row.Booking.Details.CustomerName, hours, row.Booking.Details.Location)
}
