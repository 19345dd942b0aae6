// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// callbridge is the host daemon for the embedded call widget. It
// maintains a Matrix session, serves websocket endpoints for the two
// widget frames (/widget/primary and /widget/backup), forwards room
// and to-device events to connected widgets through the capability
// gate, and arbitrates the active-call state machine between the
// frames.
//
// Configuration comes from a YAML file named by --config or the
// CALLBRIDGE_CONFIG environment variable. With --dashboard the daemon
// additionally runs an interactive terminal view of the call state.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/pflag"

	"github.com/bureau-foundation/callbridge/call"
	"github.com/bureau-foundation/callbridge/lib/config"
	"github.com/bureau-foundation/callbridge/lib/version"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "callbridge: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var configPath string
	var dashboard bool
	var verbose bool
	var showVersion bool

	flagSet := pflag.NewFlagSet("callbridge", pflag.ContinueOnError)
	flagSet.StringVar(&configPath, "config", "", "path to callbridge.yaml (default: $CALLBRIDGE_CONFIG)")
	flagSet.BoolVar(&dashboard, "dashboard", false, "run the interactive terminal dashboard")
	flagSet.BoolVar(&verbose, "verbose", false, "enable debug logging")
	flagSet.BoolVar(&showVersion, "version", false, "print the version and exit")
	if err := flagSet.Parse(os.Args[1:]); err != nil {
		if err == pflag.ErrHelp {
			return nil
		}
		return err
	}

	if showVersion {
		fmt.Printf("callbridge %s\n", version.Info())
		return nil
	}

	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	logOutput := os.Stderr
	if dashboard {
		// The dashboard owns the terminal; keep log records out of it.
		devNull, err := os.OpenFile(os.DevNull, os.O_WRONLY, 0)
		if err == nil {
			defer devNull.Close()
			logOutput = devNull
		}
	}
	logger := slog.New(slog.NewTextHandler(logOutput, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	var cfg *config.Config
	var err error
	if configPath != "" {
		cfg, err = config.LoadFile(configPath)
	} else {
		cfg, err = config.Load()
	}
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	bridge, err := newBridge(ctx, cfg, logger)
	if err != nil {
		return err
	}

	if !dashboard {
		return bridge.Run(ctx)
	}

	// Dashboard mode: the bridge runs in the background while the
	// terminal UI owns the foreground. Either one ending tears the
	// other down.
	bridgeDone := make(chan error, 1)
	go func() {
		bridgeDone <- bridge.Run(ctx)
		cancel()
	}()

	program := tea.NewProgram(newDashboardModel(bridge.CallSession()), tea.WithAltScreen())
	unsubscribe := bridge.CallSession().Subscribe(func(snapshot call.Snapshot) {
		program.Send(snapshotMsg(snapshot))
	})
	defer unsubscribe()
	go func() {
		<-ctx.Done()
		program.Quit()
	}()

	if _, err := program.Run(); err != nil {
		cancel()
		<-bridgeDone
		return err
	}
	cancel()
	return <-bridgeDone
}
