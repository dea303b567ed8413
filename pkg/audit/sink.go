// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package audit

//go:generate mockgen -destination=mocks/mock_sink.go -package=mocks github.com/stacklok/authbroker/pkg/audit Sink

import (
	"context"
	"io"
	"log/slog"
	"os"

	"github.com/stacklok/authbroker/pkg/logger"
)

// Sink receives audit events from the Dispatcher worker.
type Sink interface {
	Write(ctx context.Context, event Event) error
}

// SinkFunc adapts a function to the Sink interface.
type SinkFunc func(ctx context.Context, event Event) error

// Write calls f.
func (f SinkFunc) Write(ctx context.Context, event Event) error {
	return f(ctx, event)
}

// LogSink writes events as structured records on the audit channel.
type LogSink struct {
	logger *slog.Logger
}

// NewLogSink returns a sink writing JSON records to w at LevelAudit.
// A nil writer means stdout.
func NewLogSink(w io.Writer) *LogSink {
	if w == nil {
		w = os.Stdout
	}
	handler := slog.NewJSONHandler(w, &slog.HandlerOptions{Level: LevelAudit})
	return &LogSink{logger: logger.Audit(slog.New(handler))}
}

// Write logs the event. It never fails.
func (s *LogSink) Write(ctx context.Context, event Event) error {
	event.LogTo(ctx, s.logger, LevelAudit)
	return nil
}
