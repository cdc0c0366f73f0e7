// Copyright (C) 2026 IndaStreet (engineering@indastreet.id)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package logging

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		name string
		want slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"info", slog.LevelInfo},
		{"warn", slog.LevelWarn},
		{"error", slog.LevelError},
		{"verbose", slog.LevelInfo},
		{"", slog.LevelInfo},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ParseLevel(tt.name); got != tt.want {
				t.Errorf("ParseLevel(%q) = %v, want %v", tt.name, got, tt.want)
			}
		})
	}
}

func TestSetupWritesLogFile(t *testing.T) {
	dir := t.TempDir()

	logger, err := Setup(Config{
		Level:   "info",
		LogDir:  dir,
		Service: "realtimed",
		Quiet:   true,
	})
	if err != nil {
		t.Fatalf("Setup() error: %v", err)
	}

	logger.Slog().Info("booking received", "booking_id", "bk-1")

	if err := logger.Close(); err != nil {
		t.Fatalf("Close() error: %v", err)
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected one log file, got %d", len(entries))
	}
	if !strings.HasPrefix(entries[0].Name(), "realtimed_") {
		t.Errorf("unexpected log file name %q", entries[0].Name())
	}

	data, err := os.ReadFile(filepath.Join(dir, entries[0].Name()))
	if err != nil {
		t.Fatal(err)
	}

	var record map[string]any
	if err := json.Unmarshal(bytes.TrimSpace(data), &record); err != nil {
		t.Fatalf("file log is not JSON: %v", err)
	}
	if record["msg"] != "booking received" {
		t.Errorf("msg = %v, want booking received", record["msg"])
	}
	if record["service"] != "realtimed" {
		t.Errorf("service attr = %v, want realtimed", record["service"])
	}
	if record["booking_id"] != "bk-1" {
		t.Errorf("booking_id = %v, want bk-1", record["booking_id"])
	}
}

func TestSetupLevelFilters(t *testing.T) {
	dir := t.TempDir()

	logger, err := Setup(Config{
		Level:   "warn",
		LogDir:  dir,
		Service: "realtimed",
		Quiet:   true,
	})
	if err != nil {
		t.Fatal(err)
	}

	logger.Slog().Info("filtered out")
	logger.Slog().Warn("kept")

	if err := logger.Close(); err != nil {
		t.Fatal(err)
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatal(err)
	}
	data, err := os.ReadFile(filepath.Join(dir, entries[0].Name()))
	if err != nil {
		t.Fatal(err)
	}

	if strings.Contains(string(data), "filtered out") {
		t.Error("info record should have been filtered at warn level")
	}
	if !strings.Contains(string(data), "kept") {
		t.Error("warn record missing from log file")
	}
}

func TestCloseIdempotentWithoutFile(t *testing.T) {
	logger, err := Setup(Config{Quiet: true})
	if err != nil {
		t.Fatal(err)
	}
	if err := logger.Close(); err != nil {
		t.Errorf("Close() error: %v", err)
	}
	if err := logger.Close(); err != nil {
		t.Errorf("second Close() error: %v", err)
	}
}

func TestMultiHandlerFansOut(t *testing.T) {
	var a, b bytes.Buffer
	h := &multiHandler{handlers: []slog.Handler{
		slog.NewTextHandler(&a, nil),
		slog.NewJSONHandler(&b, nil),
	}}

	logger := slog.New(h)
	logger.Info("hello")

	if !strings.Contains(a.String(), "hello") {
		t.Error("text destination missed the record")
	}
	if !strings.Contains(b.String(), "hello") {
		t.Error("json destination missed the record")
	}
}
