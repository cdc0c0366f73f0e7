// Copyright (C) 2026 IndaStreet (engineering@indastreet.id)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package realtime

import (
	"context"
	"errors"
	"net"
	"syscall"

	"github.com/indastreet/realtime/services/realtime/breaker"
	"github.com/indastreet/realtime/services/realtime/datatypes"
	"github.com/indastreet/realtime/services/realtime/ratelimit"
	"github.com/indastreet/realtime/services/realtime/transport"
)

// IsRetryable is the default error classification for backend calls.
//
// # Description
//
// Retryable: timeouts, connection resets/refusals, broken pipes, 429 and
// 5xx backend statuses, and unknown errors (transient until proven
// otherwise). Not retryable: explicit fatal errors, circuit-open
// fast-fails, rate-limit rejections (they have their own retry path),
// context cancellation, connectivity sentinels (the router queues those
// instead), and other 4xx statuses.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}

	switch {
	case datatypes.IsFatal(err):
		return false
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return false
	case errors.Is(err, ratelimit.ErrRateLimited), errors.Is(err, ratelimit.ErrClosed):
		return false
	case errors.Is(err, transport.ErrNotConnected), errors.Is(err, transport.ErrNotWritable):
		return false
	}
	if _, open := breaker.IsOpen(err); open {
		return false
	}

	var se *datatypes.StatusError
	if errors.As(err, &se) {
		return se.StatusCode == 429 || se.StatusCode >= 500
	}

	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return true
	}
	if errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.EPIPE) {
		return true
	}

	return true
}
