// Copyright (C) 2026 IndaStreet (engineering@indastreet.id)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package transport

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"

	"github.com/indastreet/realtime/services/realtime/datatypes"
)

// SSEConfig configures the server-sent-events tier.
type SSEConfig struct {
	// URL is the event-stream endpoint.
	URL string

	// Token is sent as a bearer header.
	Token string

	// Client is the HTTP client for the stream. Default: a client with
	// no overall timeout, since the stream is long-lived.
	Client *http.Client
}

// SSE is the server-sent-events tier: receive-only, second rank. It
// survives proxies that block websocket upgrades but still gives server
// push rather than polling latency.
type SSE struct {
	cfg SSEConfig

	events    chan datatypes.Envelope
	done      chan struct{}
	closeOnce sync.Once
	cancel    context.CancelFunc
}

// NewSSE builds the SSE tier. Single use, like every transport.
func NewSSE(cfg SSEConfig) *SSE {
	if cfg.Client == nil {
		cfg.Client = &http.Client{}
	}
	return &SSE{
		cfg:    cfg,
		events: make(chan datatypes.Envelope, 64),
		done:   make(chan struct{}),
	}
}

func (s *SSE) Tier() Tier     { return TierSSE }
func (s *SSE) Writable() bool { return false }

// Send always fails: the stream is one-way.
func (s *SSE) Send(context.Context, datatypes.Envelope) error { return ErrNotWritable }

// Start opens the event stream and launches the parse loop.
func (s *SSE) Start(ctx context.Context) (<-chan datatypes.Envelope, error) {
	streamCtx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel

	req, err := http.NewRequestWithContext(streamCtx, http.MethodGet, s.cfg.URL, nil)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("sse request: %w", err)
	}
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Cache-Control", "no-cache")
	if s.cfg.Token != "" {
		req.Header.Set("Authorization", "Bearer "+s.cfg.Token)
	}

	resp, err := s.cfg.Client.Do(req)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("sse connect %s: %w", s.cfg.URL, err)
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		cancel()
		return nil, fmt.Errorf("sse connect %s: %w", s.cfg.URL, &datatypes.StatusError{StatusCode: resp.StatusCode})
	}

	go s.readLoop(resp)

	slog.Debug("sse stream connected", "url", s.cfg.URL)
	return s.events, nil
}

// Close cancels the stream request; the read loop then closes the event
// channel.
func (s *SSE) Close() error {
	s.closeOnce.Do(func() {
		close(s.done)
		if s.cancel != nil {
			s.cancel()
		}
	})
	return nil
}

// readLoop parses the text/event-stream framing: `data:` lines accumulate
// until a blank line terminates the event. Comment lines (leading colon)
// are server keepalives and are skipped.
func (s *SSE) readLoop(resp *http.Response) {
	defer close(s.events)
	defer resp.Body.Close()

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	var data strings.Builder
	for scanner.Scan() {
		line := scanner.Text()

		switch {
		case line == "":
			if data.Len() > 0 {
				s.dispatch(data.String())
				data.Reset()
			}
		case strings.HasPrefix(line, ":"):
			// keepalive comment
		case strings.HasPrefix(line, "data:"):
			if data.Len() > 0 {
				data.WriteByte('\n')
			}
			data.WriteString(strings.TrimPrefix(strings.TrimPrefix(line, "data:"), " "))
		}
	}

	select {
	case <-s.done:
	default:
		slog.Warn("sse stream lost", "error", scanner.Err())
	}
}

func (s *SSE) dispatch(raw string) {
	var env datatypes.Envelope
	if err := json.Unmarshal([]byte(raw), &env); err != nil {
		slog.Warn("sse event is not a valid envelope", "error", err)
		return
	}
	select {
	case s.events <- env:
	case <-s.done:
	}
}
