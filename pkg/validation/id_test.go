// Copyright (C) 2026 IndaStreet (engineering@indastreet.id)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package validation

import (
	"strings"
	"testing"
)

func TestValidateID(t *testing.T) {
	tests := []struct {
		name    string
		id      string
		wantErr bool
	}{
		// Valid IDs
		{"simple", "bk-100", false},
		{"uuid style", "550e8400-e29b-41d4-a716-446655440000", false},
		{"underscores", "session_42", false},
		{"single char", "a", false},
		{"max length", strings.Repeat("x", 64), false},

		// Invalid IDs - separator and injection attempts
		{"empty", "", true},
		{"key separator colon", "bk-1:provider_5h", true},
		{"key separator slash", "reminder_schedules/bk-1", true},
		{"path traversal", "../other", true},
		{"query injection", "bk-1&role=admin", true},
		{"spaces", "bk 1", true},
		{"newline", "bk-1\nX", true},
		{"too long", strings.Repeat("x", 65), true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateID("booking id", tt.id)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateID(%q) error = %v, wantErr %v", tt.id, err, tt.wantErr)
			}
		})
	}
}

func TestValidateIDs(t *testing.T) {
	if err := ValidateIDs("booking id", []string{"bk-1", "bk-2"}); err != nil {
		t.Errorf("unexpected error: %v", err)
	}

	err := ValidateIDs("booking id", []string{"bk-1", "bad/id", "also:bad"})
	if err == nil {
		t.Fatal("expected error for invalid ids")
	}
	if !strings.Contains(err.Error(), "bad/id") || !strings.Contains(err.Error(), "also:bad") {
		t.Errorf("error should list every invalid id, got %v", err)
	}
}

func TestSanitizeID(t *testing.T) {
	got, err := SanitizeID("session id", "  sess-9 ")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != "sess-9" {
		t.Errorf("SanitizeID = %q, want sess-9", got)
	}

	if _, err := SanitizeID("session id", " "); err == nil {
		t.Error("expected error for blank id")
	}
}
