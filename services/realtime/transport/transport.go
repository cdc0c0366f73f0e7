// Copyright (C) 2026 IndaStreet (engineering@indastreet.id)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package transport delivers booking events over a ranked ladder of
// channels: websocket, server-sent events, and HTTP polling.
//
// The Manager holds the ladder. It connects on the best tier it can,
// downgrades one tier at a time when the active tier's reconnection
// budget is exhausted, and never upgrades within a session: stable
// degraded delivery beats flapping between tiers. Polling is the floor
// and keeps events flowing when everything else is blocked by proxies or
// middleboxes.
package transport

import (
	"context"
	"errors"

	"github.com/indastreet/realtime/services/realtime/datatypes"
)

// Tier ranks a transport. Lower is better.
type Tier int

const (
	// TierWebSocket is the only bidirectional tier.
	TierWebSocket Tier = 1

	// TierSSE is receive-only server push.
	TierSSE Tier = 2

	// TierPolling is the receive-only floor.
	TierPolling Tier = 3
)

// String returns the tier's wire name.
func (t Tier) String() string {
	switch t {
	case TierWebSocket:
		return "websocket"
	case TierSSE:
		return "sse"
	case TierPolling:
		return "polling"
	default:
		return "unknown"
	}
}

// ErrNotWritable is returned by Send on receive-only tiers. Callers queue
// the envelope and flush it once a writable tier is back.
var ErrNotWritable = errors.New("transport tier is receive-only")

// ErrNotConnected is returned by Send before Start or after the
// connection dropped.
var ErrNotConnected = errors.New("transport not connected")

// Transport is one rung of the delivery ladder.
//
// # Description
//
// Start establishes the connection and returns the inbound event stream.
// The channel closes when the connection is lost for any reason; that
// close is the transport's only failure signal, so the Manager watches it
// to drive reconnection. Close releases the connection and also closes
// the stream.
type Transport interface {
	// Start connects and begins delivering inbound envelopes. It blocks
	// until the connection is established or ctx expires.
	Start(ctx context.Context) (<-chan datatypes.Envelope, error)

	// Send writes an envelope upstream. Receive-only tiers return
	// ErrNotWritable without side effects.
	Send(ctx context.Context, env datatypes.Envelope) error

	// Close tears the connection down. Idempotent.
	Close() error

	// Tier reports the transport's rank.
	Tier() Tier

	// Writable reports whether Send is supported.
	Writable() bool
}

// Factory builds a fresh Transport instance. The Manager calls it for
// every connection attempt so no state leaks across reconnects.
type Factory func() Transport
