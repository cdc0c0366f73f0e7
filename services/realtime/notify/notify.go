// Copyright (C) 2026 IndaStreet (engineering@indastreet.id)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package notify abstracts user-facing alerts (sounds, notification
// cards) behind an interface so the delivery core never touches a UI.
package notify

import "sync"

// Notification is one user-facing alert card.
type Notification struct {
	Title string
	Body  string

	// Tag collapses repeated alerts for the same subject: a new
	// notification with an existing tag replaces the old one.
	Tag string

	// RequireInteraction keeps the alert on screen until dismissed. Used
	// for urgent booking events.
	RequireInteraction bool
}

// Notifier is implemented by the embedding application.
type Notifier interface {
	// PlaySound plays a named clip. Unknown clips are ignored.
	PlaySound(clipID string)

	// ShowNotification displays an alert card.
	ShowNotification(n Notification)
}

// Nop discards everything. The default when the application wires no
// notifier.
type Nop struct{}

func (Nop) PlaySound(string)              {}
func (Nop) ShowNotification(Notification) {}

// Buffered records everything for tests.
type Buffered struct {
	mu            sync.Mutex
	Sounds        []string
	Notifications []Notification
}

func (b *Buffered) PlaySound(clipID string) {
	b.mu.Lock()
	b.Sounds = append(b.Sounds, clipID)
	b.mu.Unlock()
}

func (b *Buffered) ShowNotification(n Notification) {
	b.mu.Lock()
	b.Notifications = append(b.Notifications, n)
	b.mu.Unlock()
}

// Snapshot returns copies of the recorded sounds and notifications.
func (b *Buffered) Snapshot() ([]string, []Notification) {
	b.mu.Lock()
	defer b.mu.Unlock()
	sounds := append([]string(nil), b.Sounds...)
	notes := append([]Notification(nil), b.Notifications...)
	return sounds, notes
}
