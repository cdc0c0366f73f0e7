// Copyright (C) 2026 IndaStreet (engineering@indastreet.id)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package watchdog

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// testWatchdog builds an unstarted watchdog driven by a manual clock; the
// tests invoke check directly instead of waiting on the ticker.
func testWatchdog(cfg Config, onTimeout func(Diagnostics)) (*Watchdog, *clock) {
	w := New(cfg, onTimeout)
	clk := &clock{now: time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)}
	w.now = clk.Now
	w.lastEvent = clk.Now()
	return w, clk
}

func TestCheck_FiresAfterSilenceTimeout(t *testing.T) {
	var got []Diagnostics
	w, clk := testWatchdog(Config{Timeout: 5 * time.Minute}, func(d Diagnostics) {
		got = append(got, d)
	})

	w.Touch()
	w.Touch()

	clk.Advance(4 * time.Minute)
	w.check()
	require.Empty(t, got, "silence below the timeout must not fire")

	clk.Advance(time.Minute)
	w.check()
	require.Len(t, got, 1)
	assert.Equal(t, uint64(2), got[0].EventsReceived)
	assert.Equal(t, 5*time.Minute, got[0].Elapsed)
}

func TestCheck_FiresOncePerEpisode(t *testing.T) {
	fires := 0
	w, clk := testWatchdog(Config{Timeout: time.Minute}, func(Diagnostics) { fires++ })

	clk.Advance(2 * time.Minute)
	w.check()
	w.check()
	w.check()
	assert.Equal(t, 1, fires, "one silence episode must fire exactly once")
}

func TestTouch_RearmsAfterFiring(t *testing.T) {
	fires := 0
	w, clk := testWatchdog(Config{Timeout: time.Minute}, func(Diagnostics) { fires++ })

	clk.Advance(2 * time.Minute)
	w.check()
	require.Equal(t, 1, fires)

	// Events resume, then a second silence episode begins.
	w.Touch()
	w.check()
	require.Equal(t, 1, fires, "touch must reset the silence clock")

	clk.Advance(90 * time.Second)
	w.check()
	assert.Equal(t, 2, fires, "a new episode after re-arm must fire again")
}

func TestStartStop_Lifecycle(t *testing.T) {
	w := New(Config{Timeout: time.Hour, CheckInterval: time.Millisecond}, nil)
	w.Start()
	w.Start() // second start is a no-op
	w.Touch()
	assert.Equal(t, uint64(1), w.EventsReceived())
	w.Stop()
	w.Stop() // second stop is a no-op
}
