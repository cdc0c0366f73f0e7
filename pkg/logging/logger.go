// Copyright (C) 2026 IndaStreet (engineering@indastreet.id)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package logging configures structured logging for IndaStreet services.
//
// The realtime packages log through the process-wide slog default, so
// Setup installs a configured handler once at startup:
//
//	logger, err := logging.Setup(logging.Config{
//	    Level:   "info",
//	    Format:  "json",
//	    LogDir:  "/var/log/indastreet",
//	    Service: "realtimed",
//	})
//	if err != nil { ... }
//	defer logger.Close()
//
// Output goes to stderr in the configured format, plus a JSON file named
// {service}_{date}.log when LogDir is set. Every record carries a
// "service" attribute so aggregated logs can be filtered by component.
package logging

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Config controls log output.
//
// A zero-value Config writes Info+ text to stderr with no file.
type Config struct {
	// Level is the minimum severity: debug, info, warn, or error.
	// Default: info.
	Level string

	// Format is "json" or "text" for stderr output. File output is
	// always JSON. Default: text.
	Format string

	// LogDir enables file logging to {service}_{YYYY-MM-DD}.log inside
	// the directory. Supports ~ expansion. Empty disables file output.
	LogDir string

	// Service is stamped on every record as the "service" attribute.
	Service string

	// Quiet suppresses stderr output. Logs still reach the file when
	// LogDir is set.
	Quiet bool
}

// Logger owns the resources behind the installed slog default.
type Logger struct {
	slog *slog.Logger

	mu   sync.Mutex
	file *os.File
}

// ParseLevel maps a config level name to a slog.Level. Unknown names
// fall back to Info.
func ParseLevel(name string) slog.Level {
	switch name {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Setup builds the handler stack from config and installs it as the
// process-wide slog default.
//
// # Outputs
//
//   - *Logger: holds the log file handle; Close it on exit.
//   - error: non-nil when the log directory or file cannot be created.
func Setup(cfg Config) (*Logger, error) {
	opts := &slog.HandlerOptions{Level: ParseLevel(cfg.Level)}

	l := &Logger{}
	var handlers []slog.Handler

	if !cfg.Quiet {
		handlers = append(handlers, stderrHandler(cfg.Format, opts))
	}

	if cfg.LogDir != "" {
		file, err := openLogFile(cfg.LogDir, cfg.Service)
		if err != nil {
			return nil, fmt.Errorf("open log file: %w", err)
		}
		l.file = file
		handlers = append(handlers, slog.NewJSONHandler(file, opts))
	}

	var handler slog.Handler
	switch len(handlers) {
	case 0:
		handler = slog.NewTextHandler(io.Discard, opts)
	case 1:
		handler = handlers[0]
	default:
		handler = &multiHandler{handlers: handlers}
	}

	if cfg.Service != "" {
		handler = handler.WithAttrs([]slog.Attr{slog.String("service", cfg.Service)})
	}

	l.slog = slog.New(handler)
	slog.SetDefault(l.slog)
	return l, nil
}

// Slog returns the configured logger for callers that want an explicit
// handle rather than the package default.
func (l *Logger) Slog() *slog.Logger { return l.slog }

// Close syncs and closes the log file, if any.
func (l *Logger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.file == nil {
		return nil
	}
	if err := l.file.Sync(); err != nil {
		_ = l.file.Close()
		l.file = nil
		return fmt.Errorf("sync log file: %w", err)
	}
	err := l.file.Close()
	l.file = nil
	return err
}

func stderrHandler(format string, opts *slog.HandlerOptions) slog.Handler {
	if format == "json" {
		return slog.NewJSONHandler(os.Stderr, opts)
	}
	return slog.NewTextHandler(os.Stderr, opts)
}

func openLogFile(dir, service string) (*os.File, error) {
	dir = expandPath(dir)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, err
	}
	if service == "" {
		service = "indastreet"
	}
	name := fmt.Sprintf("%s_%s.log", service, time.Now().Format("2006-01-02"))
	return os.OpenFile(filepath.Join(dir, name), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o640)
}

// multiHandler fans one record out to every destination, so stderr can
// stay human-readable while the file stays JSON.
type multiHandler struct {
	handlers []slog.Handler
}

func (h *multiHandler) Enabled(ctx context.Context, level slog.Level) bool {
	for _, handler := range h.handlers {
		if handler.Enabled(ctx, level) {
			return true
		}
	}
	return false
}

func (h *multiHandler) Handle(ctx context.Context, r slog.Record) error {
	for _, handler := range h.handlers {
		if handler.Enabled(ctx, r.Level) {
			if err := handler.Handle(ctx, r); err != nil {
				return err
			}
		}
	}
	return nil
}

func (h *multiHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	handlers := make([]slog.Handler, len(h.handlers))
	for i, handler := range h.handlers {
		handlers[i] = handler.WithAttrs(attrs)
	}
	return &multiHandler{handlers: handlers}
}

func (h *multiHandler) WithGroup(name string) slog.Handler {
	handlers := make([]slog.Handler, len(h.handlers))
	for i, handler := range h.handlers {
		handlers[i] = handler.WithGroup(name)
	}
	return &multiHandler{handlers: handlers}
}

// expandPath expands a leading ~ to the user's home directory.
func expandPath(path string) string {
	if len(path) > 0 && path[0] == '~' {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, path[1:])
		}
	}
	return path
}
