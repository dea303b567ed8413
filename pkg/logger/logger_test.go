// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package logger

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"

	"github.com/stacklok/toolhive-core/env/mocks"
)

func TestUnstructuredLogsFromEnv(t *testing.T) {
	t.Parallel()

	tests := map[string]struct {
		value string
		want  bool
	}{
		"unset":       {value: "", want: true},
		"true":        {value: "true", want: true},
		"numeric on":  {value: "1", want: true},
		"false":       {value: "false", want: false},
		"numeric off": {value: "0", want: false},
		"garbage":     {value: "json please", want: true},
	}

	for name, tt := range tests {
		t.Run(name, func(t *testing.T) {
			t.Parallel()

			reader := mocks.NewMockReader(gomock.NewController(t))
			reader.EXPECT().Getenv("UNSTRUCTURED_LOGS").Return(tt.value)
			assert.Equal(t, tt.want, unstructuredLogsWithEnv(reader))
		})
	}
}

//nolint:paralleltest // replaces the slog default
func TestInitializeWithEnvSetsDefault(t *testing.T) {
	previous := slog.Default()
	t.Cleanup(func() { slog.SetDefault(previous) })

	reader := mocks.NewMockReader(gomock.NewController(t))
	reader.EXPECT().Getenv("UNSTRUCTURED_LOGS").Return("false")

	l := InitializeWithEnv(reader, true)
	assert.Same(t, l, slog.Default())
	assert.True(t, l.Enabled(context.Background(), slog.LevelDebug))
}

func TestAuditTagsChannel(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	base := slog.New(slog.NewJSONHandler(&buf, nil))

	Audit(base).Info("refresh.rotated", "subject", "u1")

	var record map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &record))
	assert.Equal(t, AuditChannel, record["channel"])
	assert.Equal(t, "u1", record["subject"])
}

func TestAuditFallsBackToDefault(t *testing.T) {
	t.Parallel()
	assert.NotNil(t, Audit(nil))
}
