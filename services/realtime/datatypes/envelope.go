// Copyright (C) 2026 IndaStreet (engineering@indastreet.id)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package datatypes holds the shared wire types of the realtime core:
// the Envelope and its closed kind set, priorities, roles, and the common
// payload shapes. Every subpackage (transport, router, reminder) speaks
// these types; none of them imports another subpackage to do so.
package datatypes

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// =============================================================================
// Envelope Kinds
// =============================================================================

// Kind identifies the type of a real-time envelope.
//
// The set is closed: transports and the router only ever produce these
// values. Unknown kinds arriving on the wire are dispatched to wildcard
// subscribers only.
type Kind string

const (
	// KindNewBooking announces a booking request to a provider.
	KindNewBooking Kind = "NEW_BOOKING"

	// KindBookingUpdate carries a status change for an existing booking.
	KindBookingUpdate Kind = "BOOKING_UPDATE"

	// KindBookingAccepted signals that a provider accepted a booking.
	KindBookingAccepted Kind = "BOOKING_ACCEPTED"

	// KindBookingCancelled signals that a booking was cancelled.
	KindBookingCancelled Kind = "BOOKING_CANCELLED"

	// KindScheduledReminder is emitted by the reminder scheduler when a
	// reminder offset fires. It travels through the same dispatch path as
	// backend-sourced events so handlers stay transport-agnostic.
	KindScheduledReminder Kind = "SCHEDULED_REMINDER"

	// KindSystemAlert carries operator-initiated broadcast messages.
	KindSystemAlert Kind = "SYSTEM_ALERT"

	// KindHeartbeat is a liveness probe with an empty payload. It exists
	// solely to keep the heartbeat watchdog's clock current.
	KindHeartbeat Kind = "HEARTBEAT"

	// KindAppDownloadPrompt is a local-only event fired alongside the
	// customer-facing reminder so the host can prompt an app install.
	KindAppDownloadPrompt Kind = "APP_DOWNLOAD_PROMPT"

	// KindWildcard subscribes a handler to every envelope.
	KindWildcard Kind = "*"
)

// Valid reports whether k is one of the closed set of wire kinds.
func (k Kind) Valid() bool {
	switch k {
	case KindNewBooking, KindBookingUpdate, KindBookingAccepted,
		KindBookingCancelled, KindScheduledReminder, KindSystemAlert,
		KindHeartbeat, KindAppDownloadPrompt:
		return true
	}
	return false
}

// =============================================================================
// Priority
// =============================================================================

// Priority orders competing calls in the rate limiter's wait queue.
//
// Priority never changes a delivery guarantee: an urgent envelope and a
// low envelope are delivered with the same effort, urgent is merely served
// first under contention.
type Priority int

const (
	PriorityLow Priority = iota
	PriorityNormal
	PriorityHigh
	PriorityUrgent
)

// String returns the wire name of the priority.
func (p Priority) String() string {
	switch p {
	case PriorityLow:
		return "low"
	case PriorityNormal:
		return "normal"
	case PriorityHigh:
		return "high"
	case PriorityUrgent:
		return "urgent"
	default:
		return "normal"
	}
}

// ParsePriority maps a wire name to a Priority, defaulting to normal.
func ParsePriority(s string) Priority {
	switch s {
	case "low":
		return PriorityLow
	case "high":
		return PriorityHigh
	case "urgent":
		return PriorityUrgent
	default:
		return PriorityNormal
	}
}

// MarshalJSON encodes the priority as its wire name.
func (p Priority) MarshalJSON() ([]byte, error) {
	return json.Marshal(p.String())
}

// UnmarshalJSON decodes a wire name, defaulting unknown values to normal.
func (p *Priority) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("decode priority: %w", err)
	}
	*p = ParsePriority(s)
	return nil
}

// =============================================================================
// Envelope
// =============================================================================

// Envelope is the unit of real-time communication.
//
// # Description
//
// Every event crossing a transport, the router, or the reminder scheduler
// is an Envelope. The ID is globally unique and assigned at send time; it
// is the dedup and ack-correlation key, so re-delivery of the same ID must
// be idempotent at every handler. CreatedAt is Unix milliseconds assigned
// alongside the ID.
//
// # Thread Safety
//
// Envelopes are treated as immutable after construction. Handlers must not
// mutate a dispatched envelope.
type Envelope struct {
	Kind      Kind            `json:"kind"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	ID        string          `json:"id"`
	CreatedAt int64           `json:"createdAt"`
	Priority  Priority        `json:"priority"`
}

// NewEnvelope builds an envelope with a fresh UUID and the current time.
//
// The payload is marshalled immediately so a later transport write cannot
// fail on a payload that was valid at send time.
func NewEnvelope(kind Kind, payload any, priority Priority) (Envelope, error) {
	var raw json.RawMessage
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return Envelope{}, fmt.Errorf("marshal %s payload: %w", kind, err)
		}
		raw = b
	}
	return Envelope{
		Kind:      kind,
		Payload:   raw,
		ID:        uuid.New().String(),
		CreatedAt: time.Now().UnixMilli(),
		Priority:  priority,
	}, nil
}

// Heartbeat returns a heartbeat envelope. The payload is deliberately
// empty.
func Heartbeat() Envelope {
	return Envelope{
		Kind:      KindHeartbeat,
		ID:        uuid.New().String(),
		CreatedAt: time.Now().UnixMilli(),
		Priority:  PriorityLow,
	}
}

// DecodePayload unmarshals the payload into v.
func (e Envelope) DecodePayload(v any) error {
	if len(e.Payload) == 0 {
		return fmt.Errorf("envelope %s has no payload", e.ID)
	}
	if err := json.Unmarshal(e.Payload, v); err != nil {
		return fmt.Errorf("decode %s payload: %w", e.Kind, err)
	}
	return nil
}

// =============================================================================
// Common Payloads
// =============================================================================

// BookingUpdatePayload is the payload of NewBooking, BookingUpdate,
// BookingAccepted and BookingCancelled envelopes.
type BookingUpdatePayload struct {
	BookingID        string        `json:"bookingId"`
	Status           string        `json:"status"`
	ProviderID       string        `json:"providerId,omitempty"`
	CustomerID       string        `json:"customerId,omitempty"`
	EstimatedArrival string        `json:"estimatedArrival,omitempty"`
	Location         *Location     `json:"location,omitempty"`
	Services         []ServiceItem `json:"services,omitempty"`
	Urgent           bool          `json:"urgent,omitempty"`
}

// ScheduledReminderPayload is the payload of ScheduledReminder envelopes.
type ScheduledReminderPayload struct {
	BookingID      string         `json:"bookingId"`
	ReminderType   string         `json:"reminderType"`
	ScheduledTime  int64          `json:"scheduledTime"`
	BookingDetails BookingDetails `json:"bookingDetails"`
	ProviderID     string         `json:"providerId,omitempty"`
	CustomerID     string         `json:"customerId,omitempty"`
}

// AppDownloadPromptPayload is the payload of AppDownloadPrompt events.
type AppDownloadPromptPayload struct {
	BookingID string `json:"bookingId"`
	Message   string `json:"message"`
}

// BookingDetails is the human-facing summary inside a reminder payload.
type BookingDetails struct {
	CustomerName string   `json:"customerName"`
	Location     string   `json:"location"`
	Services     []string `json:"services"`
	TotalPrice   float64  `json:"totalPrice"`
}

// Location is a street address with coordinates.
type Location struct {
	Address   string  `json:"address"`
	Latitude  float64 `json:"lat"`
	Longitude float64 `json:"lng"`
}

// ServiceItem is one line item of a booking.
type ServiceItem struct {
	ID       string  `json:"id"`
	Name     string  `json:"name"`
	Duration int     `json:"duration"`
	Price    float64 `json:"price"`
}

// =============================================================================
// Roles
// =============================================================================

// Role identifies which side of the marketplace a session belongs to.
type Role string

const (
	RoleProvider Role = "provider"
	RoleCustomer Role = "customer"
	RoleAdmin    Role = "admin"
)

// Valid reports whether r is a known role.
func (r Role) Valid() bool {
	return r == RoleProvider || r == RoleCustomer || r == RoleAdmin
}
