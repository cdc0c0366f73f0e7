// Copyright (C) 2026 IndaStreet (engineering@indastreet.id)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package ratelimit

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	admittedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "realtime_ratelimit_admitted_total",
		Help: "Calls that obtained a token, immediately or after queueing.",
	}, []string{"endpoint"})

	queuedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "realtime_ratelimit_queued_total",
		Help: "Calls that found no token and entered the wait queue.",
	}, []string{"endpoint"})

	rejectedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "realtime_ratelimit_rejected_total",
		Help: "Calls rejected because the bucket was empty and the queue full.",
	}, []string{"endpoint"})

	refundedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "realtime_ratelimit_refunded_total",
		Help: "Tokens returned because the charged operation failed.",
	}, []string{"endpoint"})
)
