// Copyright (C) 2026 IndaStreet (engineering@indastreet.id)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package transport

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/indastreet/realtime/services/realtime/datatypes"
)

// WSConfig configures the websocket tier.
type WSConfig struct {
	// URL is the ws:// or wss:// endpoint.
	URL string

	// Token is sent as a bearer header on the handshake.
	Token string

	// HandshakeTimeout bounds the dial. Default: 10s.
	HandshakeTimeout time.Duration

	// HeartbeatInterval is how often a heartbeat envelope is written so
	// intermediaries keep the connection alive. Default: 30s.
	HeartbeatInterval time.Duration

	// WriteTimeout bounds each Send. Default: 10s.
	WriteTimeout time.Duration
}

func (c WSConfig) normalize() WSConfig {
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = 10 * time.Second
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = 30 * time.Second
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 10 * time.Second
	}
	return c
}

// WS is the websocket tier: bidirectional, best rank.
//
// A write mutex serializes Send and the heartbeat loop; gorilla permits
// only one concurrent writer per connection.
type WS struct {
	cfg WSConfig

	writeMu sync.Mutex
	conn    *websocket.Conn

	events    chan datatypes.Envelope
	done      chan struct{}
	closeOnce sync.Once
}

// NewWS builds the websocket tier from config. The instance is single
// use: one Start, one connection, one Close.
func NewWS(cfg WSConfig) *WS {
	return &WS{
		cfg:    cfg.normalize(),
		events: make(chan datatypes.Envelope, 64),
		done:   make(chan struct{}),
	}
}

func (w *WS) Tier() Tier     { return TierWebSocket }
func (w *WS) Writable() bool { return true }

// Start dials the endpoint and launches the read and heartbeat loops.
func (w *WS) Start(ctx context.Context) (<-chan datatypes.Envelope, error) {
	dialer := websocket.Dialer{HandshakeTimeout: w.cfg.HandshakeTimeout}

	headers := http.Header{}
	if w.cfg.Token != "" {
		headers.Set("Authorization", "Bearer "+w.cfg.Token)
	}

	conn, resp, err := dialer.DialContext(ctx, w.cfg.URL, headers)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("websocket dial %s: %w", w.cfg.URL, &datatypes.StatusError{StatusCode: resp.StatusCode})
		}
		return nil, fmt.Errorf("websocket dial %s: %w", w.cfg.URL, err)
	}

	w.writeMu.Lock()
	w.conn = conn
	w.writeMu.Unlock()

	go w.readLoop(conn)
	go w.heartbeatLoop(conn)

	slog.Debug("websocket connected", "url", w.cfg.URL)
	return w.events, nil
}

// Send writes the envelope as JSON under the write deadline.
func (w *WS) Send(_ context.Context, env datatypes.Envelope) error {
	w.writeMu.Lock()
	defer w.writeMu.Unlock()

	if w.conn == nil {
		return ErrNotConnected
	}
	_ = w.conn.SetWriteDeadline(time.Now().Add(w.cfg.WriteTimeout))
	if err := w.conn.WriteJSON(env); err != nil {
		return fmt.Errorf("websocket send: %w", err)
	}
	return nil
}

// Close sends a close frame and tears the connection down. The read loop
// observes the closed connection and closes the event stream.
func (w *WS) Close() error {
	w.closeOnce.Do(func() {
		close(w.done)
		w.writeMu.Lock()
		if w.conn != nil {
			msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "client closing")
			_ = w.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
			_ = w.conn.Close()
		}
		w.writeMu.Unlock()
	})
	return nil
}

// readLoop decodes inbound envelopes until the connection drops, then
// closes the event stream to signal the loss upward.
func (w *WS) readLoop(conn *websocket.Conn) {
	defer close(w.events)

	for {
		var env datatypes.Envelope
		if err := conn.ReadJSON(&env); err != nil {
			select {
			case <-w.done:
			default:
				slog.Warn("websocket connection lost", "error", err)
			}
			_ = conn.Close()
			return
		}
		select {
		case w.events <- env:
		case <-w.done:
			return
		}
	}
}

// heartbeatLoop writes a heartbeat envelope on a fixed interval. A write
// failure closes the connection so the read loop surfaces the loss.
func (w *WS) heartbeatLoop(conn *websocket.Conn) {
	ticker := time.NewTicker(w.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-w.done:
			return
		case <-ticker.C:
			if err := w.Send(context.Background(), datatypes.Heartbeat()); err != nil {
				slog.Warn("heartbeat write failed", "error", err)
				_ = conn.Close()
				return
			}
		}
	}
}
