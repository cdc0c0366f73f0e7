// Copyright (C) 2026 IndaStreet (engineering@indastreet.id)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package reminder

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/indastreet/realtime/services/realtime/datatypes"
	"github.com/indastreet/realtime/services/realtime/notify"
	"github.com/indastreet/realtime/services/realtime/store"
)

var testStart = time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

// captureDispatch records dispatched envelopes and returns a scripted
// error.
type captureDispatch struct {
	mu   sync.Mutex
	envs []datatypes.Envelope
	err  error
}

func (c *captureDispatch) fn(_ context.Context, env datatypes.Envelope) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return c.err
	}
	c.envs = append(c.envs, env)
	return nil
}

func (c *captureDispatch) kinds() []datatypes.Kind {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]datatypes.Kind, len(c.envs))
	for i, e := range c.envs {
		out[i] = e.Kind
	}
	return out
}

func testScheduler(t *testing.T) (*Scheduler, *store.Store, *captureDispatch, *notify.Buffered, *FakeClock) {
	t.Helper()
	st, err := store.Open(store.InMemoryConfig())
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	dispatch := &captureDispatch{}
	buf := &notify.Buffered{}
	clk := NewFakeClock(testStart)
	s := New(Config{}, st, dispatch.fn, buf, clk)
	return s, st, dispatch, buf, clk
}

func testBooking(id string, appointment time.Time) Booking {
	return Booking{
		ID:              id,
		AppointmentTime: appointment,
		ProviderID:      "prov-1",
		CustomerID:      "cust-1",
		Details: datatypes.BookingDetails{
			CustomerName: "Ari",
			Location:     "Kemang, Jakarta",
			Services:     []string{"Deep tissue massage"},
			TotalPrice:   450000,
		},
	}
}

func loadRow(t *testing.T, st *store.Store, key string) Schedule {
	t.Helper()
	var row Schedule
	require.NoError(t, st.Get(context.Background(), "reminder_schedules", key, &row))
	return row
}

func TestSchedule_PersistsAllFutureOffsets(t *testing.T) {
	s, st, _, _, clk := testScheduler(t)

	created, err := s.Schedule(context.Background(), testBooking("b-1", clk.Now().Add(6*time.Hour)))
	require.NoError(t, err)
	assert.Equal(t, 6, created, "five provider offsets plus the customer offset")

	providers := 0
	err = st.List(context.Background(), "reminder_schedules", func(_ string, raw []byte) error {
		var row Schedule
		require.NoError(t, json.Unmarshal(raw, &row))
		assert.Equal(t, StatusScheduled, row.Status)
		if row.Role == datatypes.RoleProvider {
			providers++
			assert.Equal(t, "prov-1", row.TargetID)
		} else {
			assert.Equal(t, "cust-1", row.TargetID)
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 5, providers)
}

func TestSchedule_SkipsPastInstants(t *testing.T) {
	s, st, _, _, clk := testScheduler(t)

	// 90 minutes out: only the provider 1h offset is still in the future.
	created, err := s.Schedule(context.Background(), testBooking("b-2", clk.Now().Add(90*time.Minute)))
	require.NoError(t, err)
	assert.Equal(t, 1, created)

	row := loadRow(t, st, "b-2:provider_1h")
	assert.Equal(t, clk.Now().Add(30*time.Minute), row.FireAt)
}

func TestTick_FiresExactlyTheDueRow(t *testing.T) {
	s, st, dispatch, _, clk := testScheduler(t)

	_, err := s.Schedule(context.Background(), testBooking("b-3", clk.Now().Add(6*time.Hour)))
	require.NoError(t, err)

	// Advance to T-5h: only the provider 5h row is due.
	clk.Advance(time.Hour)
	fired, err := s.Tick(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, fired)

	assert.Equal(t, StatusSent, loadRow(t, st, "b-3:provider_5h").Status)
	for _, key := range []string{"b-3:provider_4h", "b-3:provider_3h", "b-3:provider_2h", "b-3:provider_1h", "b-3:customer_3h"} {
		assert.Equal(t, StatusScheduled, loadRow(t, st, key).Status, "row %s must be untouched", key)
	}
	require.Len(t, dispatch.kinds(), 1)
	assert.Equal(t, datatypes.KindScheduledReminder, dispatch.kinds()[0])
}

func TestTick_NeverFiresTwice(t *testing.T) {
	s, _, dispatch, _, clk := testScheduler(t)

	_, err := s.Schedule(context.Background(), testBooking("b-4", clk.Now().Add(2*time.Hour)))
	require.NoError(t, err)

	clk.Advance(time.Hour) // provider_1h due
	for i := 0; i < 3; i++ {
		_, err := s.Tick(context.Background())
		require.NoError(t, err)
	}
	assert.Len(t, dispatch.kinds(), 1, "a claimed row must fire exactly once")
}

func TestTick_UrgentRowDispatchesUrgent(t *testing.T) {
	s, _, dispatch, buf, clk := testScheduler(t)

	_, err := s.Schedule(context.Background(), testBooking("b-5", clk.Now().Add(2*time.Hour)))
	require.NoError(t, err)

	clk.Advance(time.Hour) // provider_1h, an urgent offset
	_, err = s.Tick(context.Background())
	require.NoError(t, err)

	dispatch.mu.Lock()
	require.Len(t, dispatch.envs, 1)
	assert.Equal(t, datatypes.PriorityUrgent, dispatch.envs[0].Priority)
	dispatch.mu.Unlock()

	sounds, notes := buf.Snapshot()
	require.Len(t, sounds, 1)
	require.Len(t, notes, 1)
	assert.True(t, notes[0].RequireInteraction, "urgent reminders must demand interaction")
}

func TestTick_CustomerReminderAlsoPromptsAppDownload(t *testing.T) {
	s, _, dispatch, _, clk := testScheduler(t)

	_, err := s.Schedule(context.Background(), testBooking("b-6", clk.Now().Add(4*time.Hour)))
	require.NoError(t, err)

	clk.Advance(time.Hour) // customer_3h and provider_3h both due
	_, err = s.Tick(context.Background())
	require.NoError(t, err)

	kinds := dispatch.kinds()
	assert.Contains(t, kinds, datatypes.KindAppDownloadPrompt,
		"the customer offset must also fire the app-download prompt")
}

func TestTick_DispatchFailureRearmsWithBackoff(t *testing.T) {
	s, st, dispatch, _, clk := testScheduler(t)

	_, err := s.Schedule(context.Background(), testBooking("b-7", clk.Now().Add(2*time.Hour)))
	require.NoError(t, err)

	dispatch.mu.Lock()
	dispatch.err = errors.New("backend down")
	dispatch.mu.Unlock()

	clk.Advance(time.Hour)
	_, err = s.Tick(context.Background())
	require.NoError(t, err)

	row := loadRow(t, st, "b-7:provider_1h")
	assert.Equal(t, StatusScheduled, row.Status, "first failure re-arms the row")
	assert.Equal(t, 1, row.RetryCount)
	assert.Equal(t, clk.Now().Add(2*time.Minute), row.FireAt, "re-arm delay is 2^retryCount minutes")
}

func TestTick_RetryBudgetExhaustionIsTerminal(t *testing.T) {
	s, st, dispatch, _, clk := testScheduler(t)

	_, err := s.Schedule(context.Background(), testBooking("b-8", clk.Now().Add(2*time.Hour)))
	require.NoError(t, err)

	dispatch.mu.Lock()
	dispatch.err = errors.New("backend down")
	dispatch.mu.Unlock()

	clk.Advance(time.Hour)
	for i := 0; i < 5; i++ {
		_, err := s.Tick(context.Background())
		require.NoError(t, err)
		clk.Advance(10 * time.Minute) // past every re-arm delay
	}

	row := loadRow(t, st, "b-8:provider_1h")
	assert.Equal(t, StatusFailed, row.Status, "after the retry budget the row is terminally failed")
	assert.Equal(t, 3, row.RetryCount)

	// A recovered dispatcher must not resurrect it.
	dispatch.mu.Lock()
	dispatch.err = nil
	dispatch.mu.Unlock()
	fired, err := s.Tick(context.Background())
	require.NoError(t, err)
	assert.Zero(t, fired)
}

func TestCancel_MarksRowsAndIsIdempotent(t *testing.T) {
	s, st, dispatch, _, clk := testScheduler(t)

	_, err := s.Schedule(context.Background(), testBooking("b-9", clk.Now().Add(6*time.Hour)))
	require.NoError(t, err)

	require.NoError(t, s.Cancel(context.Background(), "b-9"))
	require.NoError(t, s.Cancel(context.Background(), "b-9"), "second cancel is a no-op")
	require.NoError(t, s.Cancel(context.Background(), "no-such-booking"), "cancelling nothing is not an error")

	assert.Equal(t, StatusCancelled, loadRow(t, st, "b-9:provider_5h").Status)

	clk.Advance(6 * time.Hour)
	fired, err := s.Tick(context.Background())
	require.NoError(t, err)
	assert.Zero(t, fired, "cancelled rows must never fire")
	assert.Empty(t, dispatch.kinds())
}

func TestTick_RetentionSweepRemovesOldTerminalRows(t *testing.T) {
	s, st, _, _, clk := testScheduler(t)
	ctx := context.Background()

	_, err := s.Schedule(ctx, testBooking("b-10", clk.Now().Add(2*time.Hour)))
	require.NoError(t, err)

	clk.Advance(time.Hour)
	_, err = s.Tick(ctx)
	require.NoError(t, err)
	require.Equal(t, StatusSent, loadRow(t, st, "b-10:provider_1h").Status)

	// Inside the 7-day window: the sent row survives.
	clk.Advance(6 * 24 * time.Hour)
	_, err = s.Tick(ctx)
	require.NoError(t, err)
	_ = loadRow(t, st, "b-10:provider_1h")

	// Past the window: the sweep removes it.
	clk.Advance(2 * 24 * time.Hour)
	_, err = s.Tick(ctx)
	require.NoError(t, err)
	var gone Schedule
	require.ErrorIs(t, st.Get(ctx, "reminder_schedules", "b-10:provider_1h", &gone), store.ErrNotFound)
}

func TestStats_GroupsPendingRemindersByBooking(t *testing.T) {
	s, _, _, _, clk := testScheduler(t)
	ctx := context.Background()

	_, err := s.Schedule(ctx, testBooking("b-11", clk.Now().Add(6*time.Hour)))
	require.NoError(t, err)
	_, err = s.Schedule(ctx, testBooking("b-12", clk.Now().Add(8*time.Hour)))
	require.NoError(t, err)

	provider, err := s.Stats(ctx, "prov-1", datatypes.RoleProvider)
	require.NoError(t, err)
	require.Len(t, provider, 2)
	assert.Len(t, provider[0].Reminders, 5, "providers see their five offsets")

	customer, err := s.Stats(ctx, "cust-1", datatypes.RoleCustomer)
	require.NoError(t, err)
	require.Len(t, customer, 2)
	assert.Len(t, customer[0].Reminders, 1, "customers see the single customer offset")

	stranger, err := s.Stats(ctx, "someone-else", datatypes.RoleProvider)
	require.NoError(t, err)
	assert.Empty(t, stranger)
}

func TestRestart_ResumesFromPersistedRows(t *testing.T) {
	dir := t.TempDir()
	cfg := store.DefaultConfig()
	cfg.Path = dir
	ctx := context.Background()

	clk := NewFakeClock(testStart)
	dispatch := &captureDispatch{}

	st, err := store.Open(cfg)
	require.NoError(t, err)
	s := New(Config{}, st, dispatch.fn, nil, clk)
	_, err = s.Schedule(ctx, testBooking("b-13", clk.Now().Add(2*time.Hour)))
	require.NoError(t, err)
	require.NoError(t, st.Close())

	// Process restart: new store handle, new scheduler, same data dir.
	reopened, err := store.Open(cfg)
	require.NoError(t, err)
	defer reopened.Close()
	restarted := New(Config{}, reopened, dispatch.fn, nil, clk)

	clk.Advance(time.Hour) // provider_1h instant has arrived
	fired, err := restarted.Tick(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, fired, "persisted rows must fire after restart")

	row := loadRow(t, reopened, "b-13:provider_1h")
	assert.Equal(t, StatusSent, row.Status)
	assert.Equal(t, testStart.Add(time.Hour), row.FireAt, "the fire time is read back, not recomputed")
}

func TestStoreFailureDegradesToMemoryRows(t *testing.T) {
	ctx := context.Background()
	clk := NewFakeClock(testStart)
	dispatch := &captureDispatch{}

	st, err := store.Open(store.InMemoryConfig())
	require.NoError(t, err)
	s := New(Config{}, st, dispatch.fn, nil, clk)
	require.NoError(t, st.Close()) // every store call now errors

	created, err := s.Schedule(ctx, testBooking("b-20", clk.Now().Add(2*time.Hour)))
	require.NoError(t, err, "a dead store must not surface to callers")
	assert.Equal(t, 1, created, "only the provider_1h offset is still in the future")
	assert.True(t, s.Degraded())

	// The session keeps working against the in-memory rows.
	clk.Advance(time.Hour)
	fired, err := s.Tick(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, fired)
	assert.Equal(t, []datatypes.Kind{datatypes.KindScheduledReminder}, dispatch.kinds())
}

func TestNilStoreStartsDegraded(t *testing.T) {
	clk := NewFakeClock(testStart)
	dispatch := &captureDispatch{}
	s := New(Config{}, nil, dispatch.fn, nil, clk)
	assert.True(t, s.Degraded())

	created, err := s.Schedule(context.Background(), testBooking("b-21", clk.Now().Add(10*time.Hour)))
	require.NoError(t, err)
	assert.Equal(t, 6, created)
}

func TestSchedule_HonorsReminderOptOuts(t *testing.T) {
	s, _, _, _, clk := testScheduler(t)
	b := testBooking("b-22", clk.Now().Add(10*time.Hour))
	b.DisableProviderReminders = true

	created, err := s.Schedule(context.Background(), b)
	require.NoError(t, err)
	assert.Equal(t, 1, created, "only the customer offset remains")

	b.DisableCustomerReminders = true
	created, err = s.Schedule(context.Background(), b)
	require.NoError(t, err)
	assert.Equal(t, 0, created)
}
