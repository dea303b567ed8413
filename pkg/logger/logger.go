// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package logger configures the process-wide slog logger for the broker and
// provides the dedicated audit channel logger.
//
// Components receive a *slog.Logger or use the slog default; nothing in this
// package keeps mutable state beyond what slog.SetDefault installs.
package logger

import (
	"log/slog"
	"strconv"

	"github.com/stacklok/toolhive-core/env"
	"github.com/stacklok/toolhive-core/logging"
)

// AuditChannel is the value of the "channel" attribute on audit records.
const AuditChannel = "audit"

// Initialize creates the process logger, installs it as the slog default and
// returns it. If the UNSTRUCTURED_LOGS env var is set to true, it will output
// plain text. Otherwise it will create a standard structured JSON logger.
func Initialize(debug bool) *slog.Logger {
	return InitializeWithEnv(&env.OSReader{}, debug)
}

// InitializeWithEnv is Initialize with an injectable environment reader.
func InitializeWithEnv(envReader env.Reader, debug bool) *slog.Logger {
	var opts []logging.Option

	if unstructuredLogsWithEnv(envReader) {
		opts = append(opts, logging.WithFormat(logging.FormatText))
	}

	if debug {
		opts = append(opts, logging.WithLevel(slog.LevelDebug))
	}

	l := logging.New(opts...)
	slog.SetDefault(l)
	return l
}

// Audit returns a logger for security-relevant events. Records written through
// it carry channel=audit so they can be routed apart from diagnostics.
func Audit(base *slog.Logger) *slog.Logger {
	if base == nil {
		base = slog.Default()
	}
	return base.With("channel", AuditChannel)
}

func unstructuredLogsWithEnv(envReader env.Reader) bool {
	unstructuredLogs, err := strconv.ParseBool(envReader.Getenv("UNSTRUCTURED_LOGS"))
	if err != nil {
		// unset or unparsable: default to unstructured output
		return true
	}
	return unstructuredLogs
}
