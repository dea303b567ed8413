// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package main is the entry point for the authbroker server.
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/stacklok/authbroker/cmd/authbroker/app"
	"github.com/stacklok/authbroker/pkg/logger"
)

func main() {
	// Initialize the logger; serve re-initializes it once debug is known
	logger.Initialize(false)

	// Create a context that will be canceled on signal
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM, syscall.SIGQUIT)
	defer cancel()

	if err := app.NewRootCmd().ExecuteContext(ctx); err != nil {
		slog.Error("error executing command", "error", err)
		os.Exit(1)
	}
}
