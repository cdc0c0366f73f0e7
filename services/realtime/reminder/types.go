// Copyright (C) 2026 IndaStreet (engineering@indastreet.id)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package reminder

import (
	"time"

	"github.com/indastreet/realtime/services/realtime/datatypes"
)

// Status is a schedule row's lifecycle position.
//
// A row only moves Scheduled→{Sent|Failed|Cancelled}; Failed returns to
// Scheduled while retry attempts remain, then is terminal.
type Status string

const (
	StatusScheduled Status = "scheduled"
	StatusSent      Status = "sent"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// Offset describes one reminder instant relative to the appointment.
type Offset struct {
	// Type names the offset, e.g. "provider_5h". It keys the schedule
	// row together with the booking ID.
	Type string

	// Before is how long before the appointment the reminder fires.
	Before time.Duration

	// Role selects who receives the reminder.
	Role datatypes.Role

	// Urgent marks the final approach reminders; they dispatch with
	// urgent priority and interactive notifications.
	Urgent bool

	// AppDownloadPrompt additionally fires an app-install prompt event.
	// Set on the customer-facing offset only.
	AppDownloadPrompt bool
}

// StandardOffsets returns the production offset set: hourly provider
// reminders from five hours out, and a single customer reminder at three
// hours out that doubles as the app-download prompt.
func StandardOffsets() []Offset {
	return []Offset{
		{Type: "provider_5h", Before: 5 * time.Hour, Role: datatypes.RoleProvider},
		{Type: "provider_4h", Before: 4 * time.Hour, Role: datatypes.RoleProvider},
		{Type: "provider_3h", Before: 3 * time.Hour, Role: datatypes.RoleProvider},
		{Type: "provider_2h", Before: 2 * time.Hour, Role: datatypes.RoleProvider, Urgent: true},
		{Type: "provider_1h", Before: 1 * time.Hour, Role: datatypes.RoleProvider, Urgent: true},
		{Type: "customer_3h", Before: 3 * time.Hour, Role: datatypes.RoleCustomer, AppDownloadPrompt: true},
	}
}

// Booking is the appointment snapshot a schedule row is created from.
// The snapshot is persisted with the row so a reminder can render without
// a backend round trip.
type Booking struct {
	ID              string                   `json:"id"`
	AppointmentTime time.Time                `json:"appointmentTime"`
	ProviderID      string                   `json:"providerId"`
	CustomerID      string                   `json:"customerId"`
	Details         datatypes.BookingDetails `json:"details"`

	// Reminder opt-outs. Both roles receive reminders unless the booking
	// disabled them explicitly.
	DisableProviderReminders bool `json:"disableProviderReminders,omitempty"`
	DisableCustomerReminders bool `json:"disableCustomerReminders,omitempty"`
}

// remindersEnabled reports whether the booking wants reminders for the
// given role.
func (b Booking) remindersEnabled(role datatypes.Role) bool {
	switch role {
	case datatypes.RoleProvider:
		return !b.DisableProviderReminders
	case datatypes.RoleCustomer:
		return !b.DisableCustomerReminders
	default:
		return true
	}
}

// Schedule is one persisted reminder row: (bookingID, offset type) is its
// identity.
type Schedule struct {
	BookingID         string         `json:"bookingId"`
	Type              string         `json:"type"`
	TargetID          string         `json:"targetId"`
	Role              datatypes.Role `json:"role"`
	FireAt            time.Time      `json:"scheduledFireTime"`
	Status            Status         `json:"status"`
	RetryCount        int            `json:"retryCount"`
	LastAttempt       time.Time      `json:"lastAttempt,omitempty"`
	CreatedAt         time.Time      `json:"createdAt"`
	Urgent            bool           `json:"urgent,omitempty"`
	AppDownloadPrompt bool           `json:"appDownloadPrompt,omitempty"`
	Booking           Booking        `json:"booking"`
}

// Key returns the row's store key.
func (s Schedule) Key() string {
	return s.BookingID + ":" + s.Type
}

// ScheduledBooking is the stats view: one booking with its pending
// reminder rows.
type ScheduledBooking struct {
	Booking   Booking    `json:"booking"`
	Reminders []Schedule `json:"reminders"`
}
