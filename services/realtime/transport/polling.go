// Copyright (C) 2026 IndaStreet (engineering@indastreet.id)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/indastreet/realtime/services/realtime/datatypes"
)

// PollConfig configures the polling tier.
type PollConfig struct {
	// URL is the poll endpoint. The last delivered envelope ID is passed
	// as the `after` query parameter so the server returns only newer
	// events.
	URL string

	// Token is sent as a bearer header.
	Token string

	// Interval is the poll period. Default: 5s.
	Interval time.Duration

	// Client is the HTTP client for poll requests. Default: 10s timeout.
	Client *http.Client

	// MaxConsecutiveFailures is how many polls may fail in a row before
	// the tier reports the connection lost. Default: 5.
	MaxConsecutiveFailures int
}

func (c PollConfig) normalize() PollConfig {
	if c.Interval <= 0 {
		c.Interval = 5 * time.Second
	}
	if c.Client == nil {
		c.Client = &http.Client{Timeout: 10 * time.Second}
	}
	if c.MaxConsecutiveFailures <= 0 {
		c.MaxConsecutiveFailures = 5
	}
	return c
}

// Poll is the HTTP polling tier: receive-only, the delivery floor. A
// pacing limiter enforces the poll period even when individual requests
// return instantly, so the backend never sees a tight request loop.
type Poll struct {
	cfg   PollConfig
	pacer *rate.Limiter

	events    chan datatypes.Envelope
	done      chan struct{}
	closeOnce sync.Once
	cancel    context.CancelFunc

	lastEventID string
}

// NewPoll builds the polling tier. Single use.
func NewPoll(cfg PollConfig) *Poll {
	cfg = cfg.normalize()
	return &Poll{
		cfg:    cfg,
		pacer:  rate.NewLimiter(rate.Every(cfg.Interval), 1),
		events: make(chan datatypes.Envelope, 64),
		done:   make(chan struct{}),
	}
}

func (p *Poll) Tier() Tier     { return TierPolling }
func (p *Poll) Writable() bool { return false }

// Send always fails: polling is one-way.
func (p *Poll) Send(context.Context, datatypes.Envelope) error { return ErrNotWritable }

// Start verifies the endpoint with one immediate poll, then launches the
// poll loop. The immediate poll makes connection failures visible to the
// caller instead of surfacing one interval later.
func (p *Poll) Start(ctx context.Context) (<-chan datatypes.Envelope, error) {
	loopCtx, cancel := context.WithCancel(context.Background())
	p.cancel = cancel

	if err := p.pollOnce(ctx); err != nil {
		cancel()
		return nil, fmt.Errorf("polling start: %w", err)
	}

	go p.loop(loopCtx)

	slog.Debug("polling started", "url", p.cfg.URL, "interval", p.cfg.Interval)
	return p.events, nil
}

// Close stops the poll loop; the loop closes the event channel.
func (p *Poll) Close() error {
	p.closeOnce.Do(func() {
		close(p.done)
		if p.cancel != nil {
			p.cancel()
		}
	})
	return nil
}

// loop polls at the configured period until closed or too many
// consecutive failures.
func (p *Poll) loop(ctx context.Context) {
	defer close(p.events)

	failures := 0
	for {
		if err := p.pacer.Wait(ctx); err != nil {
			return
		}

		if err := p.pollOnce(ctx); err != nil {
			failures++
			slog.Warn("poll failed", "error", err, "consecutive", failures)
			if failures >= p.cfg.MaxConsecutiveFailures {
				slog.Warn("polling gave up", "after", failures)
				return
			}
			continue
		}
		failures = 0
	}
}

// pollOnce fetches events newer than the last delivered ID and pushes
// them onto the stream in server order.
func (p *Poll) pollOnce(ctx context.Context) error {
	endpoint := p.cfg.URL
	if p.lastEventID != "" {
		// The configured URL already carries session parameters, so the
		// cursor has to merge into the existing query string.
		u, err := url.Parse(endpoint)
		if err != nil {
			return fmt.Errorf("poll url: %w", err)
		}
		q := u.Query()
		q.Set("after", p.lastEventID)
		u.RawQuery = q.Encode()
		endpoint = u.String()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return err
	}
	if p.cfg.Token != "" {
		req.Header.Set("Authorization", "Bearer "+p.cfg.Token)
	}

	resp, err := p.cfg.Client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, resp.Body)
		return &datatypes.StatusError{StatusCode: resp.StatusCode}
	}

	var batch []datatypes.Envelope
	if err := json.NewDecoder(resp.Body).Decode(&batch); err != nil {
		return fmt.Errorf("decode poll batch: %w", err)
	}

	for _, env := range batch {
		select {
		case p.events <- env:
			p.lastEventID = env.ID
		case <-p.done:
			return nil
		}
	}
	return nil
}
