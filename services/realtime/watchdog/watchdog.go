// Copyright (C) 2026 IndaStreet (engineering@indastreet.id)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package watchdog detects silent connection death: the transport still
// looks connected but no events arrive.
//
// Every inbound event touches the watchdog. A background check compares
// the time since the last touch against the silence timeout and fires the
// timeout callback once per silence episode; the next touch re-arms it.
// The callback typically forces a transport reconnect, since a dead
// connection that never errors is otherwise invisible.
package watchdog

import (
	"sync"
	"time"
)

// Diagnostics is handed to the timeout callback.
type Diagnostics struct {
	// EventsReceived is the total touches since Start.
	EventsReceived uint64

	// Elapsed is the silence duration at detection time.
	Elapsed time.Duration
}

// Config tunes the watchdog.
type Config struct {
	// Timeout is the silence duration that counts as connection death.
	// Default: 5m.
	Timeout time.Duration

	// CheckInterval is how often silence is evaluated. Default: 30s.
	CheckInterval time.Duration
}

// DefaultConfig returns the production watchdog settings.
func DefaultConfig() Config {
	return Config{
		Timeout:       5 * time.Minute,
		CheckInterval: 30 * time.Second,
	}
}

func (c Config) normalize() Config {
	d := DefaultConfig()
	if c.Timeout <= 0 {
		c.Timeout = d.Timeout
	}
	if c.CheckInterval <= 0 {
		c.CheckInterval = d.CheckInterval
	}
	return c
}

// Watchdog watches for event silence. All methods are safe for
// concurrent use.
type Watchdog struct {
	cfg       Config
	onTimeout func(Diagnostics)

	mu        sync.Mutex
	lastEvent time.Time
	events    uint64
	fired     bool
	running   bool

	done chan struct{}
	wg   sync.WaitGroup

	// now is swapped out by tests to control time.
	now func() time.Time
}

// New builds a watchdog. onTimeout runs on the check goroutine and must
// not block.
func New(cfg Config, onTimeout func(Diagnostics)) *Watchdog {
	return &Watchdog{
		cfg:       cfg.normalize(),
		onTimeout: onTimeout,
		done:      make(chan struct{}),
		now:       time.Now,
	}
}

// Start arms the watchdog and launches the check loop. The silence clock
// starts now, so a connection that never delivers a single event still
// times out.
func (w *Watchdog) Start() {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return
	}
	w.running = true
	w.lastEvent = w.now()
	w.mu.Unlock()

	w.wg.Add(1)
	go w.loop()
}

// Stop halts the check loop. Idempotent.
func (w *Watchdog) Stop() {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return
	}
	w.running = false
	w.mu.Unlock()

	close(w.done)
	w.wg.Wait()
}

// Touch records event arrival and re-arms a fired watchdog.
func (w *Watchdog) Touch() {
	w.mu.Lock()
	w.lastEvent = w.now()
	w.events++
	w.fired = false
	w.mu.Unlock()
}

// EventsReceived reports total touches.
func (w *Watchdog) EventsReceived() uint64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.events
}

func (w *Watchdog) loop() {
	defer w.wg.Done()
	ticker := time.NewTicker(w.cfg.CheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-w.done:
			return
		case <-ticker.C:
			w.check()
		}
	}
}

// check fires the callback when the silence timeout elapsed and the
// current episode has not fired yet.
func (w *Watchdog) check() {
	w.mu.Lock()
	elapsed := w.now().Sub(w.lastEvent)
	shouldFire := !w.fired && elapsed >= w.cfg.Timeout
	if shouldFire {
		w.fired = true
	}
	diag := Diagnostics{EventsReceived: w.events, Elapsed: elapsed}
	cb := w.onTimeout
	w.mu.Unlock()

	if shouldFire && cb != nil {
		cb(diag)
	}
}
