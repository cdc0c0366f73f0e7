// Copyright (C) 2026 IndaStreet (engineering@indastreet.id)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// realtimed runs the IndaStreet realtime delivery daemon: it maintains
// the tiered connection to the platform, routes booking events to
// handlers, and fires durable booking reminders.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/indastreet/realtime/pkg/logging"
	realtime "github.com/indastreet/realtime/services/realtime"
	"github.com/indastreet/realtime/services/realtime/datatypes"
	"github.com/indastreet/realtime/services/realtime/ops"
	"github.com/indastreet/realtime/services/realtime/store"
	"github.com/indastreet/realtime/services/realtime/telemetry"
)

var version = "dev"

var (
	configPath string
	sessionID  string
	roleName   string
	logDir     string

	rootCmd = &cobra.Command{
		Use:   "realtimed",
		Short: "IndaStreet realtime delivery daemon",
		Long: `realtimed keeps a resilient connection to the IndaStreet platform,
delivers booking events to local handlers, and fires scheduled booking
reminders that survive restarts.`,
	}

	serveCmd = &cobra.Command{
		Use:   "serve",
		Short: "Connect and serve until interrupted",
		RunE:  runServe,
	}

	versionCmd = &cobra.Command{
		Use:   "version",
		Short: "Print the daemon version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println("realtimed", version)
		},
	}
)

func init() {
	serveCmd.Flags().StringVarP(&configPath, "config", "c", "", "path to config file (YAML or JSON)")
	serveCmd.Flags().StringVar(&sessionID, "session", "", "authenticated session id (or REALTIME_SESSION_ID)")
	serveCmd.Flags().StringVar(&roleName, "role", "provider", "session role: provider, customer, or admin")
	serveCmd.Flags().StringVar(&logDir, "log-dir", "", "directory for JSON log files")

	rootCmd.AddCommand(serveCmd, versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := realtime.LoadConfig(configPath)
	if err != nil {
		return err
	}

	if sessionID == "" {
		sessionID = os.Getenv("REALTIME_SESSION_ID")
	}
	if sessionID == "" {
		return errors.New("a session id is required (--session or REALTIME_SESSION_ID)")
	}
	role := datatypes.Role(roleName)
	if !role.Valid() {
		return fmt.Errorf("invalid role %q", roleName)
	}

	logger, err := logging.Setup(logging.Config{
		Level:   cfg.Logging.Level,
		Format:  cfg.Logging.Format,
		LogDir:  logDir,
		Service: "realtimed",
	})
	if err != nil {
		return err
	}
	defer func() { _ = logger.Close() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTelemetry, err := telemetry.Init(ctx, cfg.Telemetry)
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTelemetry(sctx); err != nil {
			slog.Warn("telemetry shutdown", "error", err)
		}
	}()

	st, err := store.Open(cfg.Store.ToStore())
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer func() { _ = st.Close() }()

	client := realtime.NewClient(cfg, st, nil)
	if err := client.Initialize(ctx, sessionID, role); err != nil {
		return fmt.Errorf("initialize client: %w", err)
	}

	g, gctx := errgroup.WithContext(ctx)

	var opsServer *ops.Server
	if cfg.Ops.ListenAddr != "" {
		opsServer = ops.New(ops.Config{ListenAddr: cfg.Ops.ListenAddr}, client)
		g.Go(opsServer.Start)
	}

	g.Go(func() error {
		<-gctx.Done()

		sctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		if opsServer != nil {
			if err := opsServer.Shutdown(sctx); err != nil {
				slog.Warn("ops server shutdown", "error", err)
			}
		}
		return client.Shutdown(sctx)
	})

	slog.Info("realtimed started", "version", version, "role", roleName)
	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	slog.Info("realtimed stopped")
	return nil
}
