// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package telemetry

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetricsCounters(t *testing.T) {
	t.Parallel()

	m := NewMetrics()
	m.TokenIssued(KindAccess)
	m.TokenIssued(KindAccess)
	m.TokenIssued(KindRefresh)
	m.Refresh(OutcomeReused)
	m.AuthCode(OutcomeSuccess)
	m.Impersonation("start", OutcomeDenied)
	m.AuditDropped()

	assert.InDelta(t, 2, testutil.ToFloat64(m.tokensIssued.WithLabelValues(KindAccess)), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(m.tokensIssued.WithLabelValues(KindRefresh)), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(m.refresh.WithLabelValues(OutcomeReused)), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(m.authCodes.WithLabelValues(OutcomeSuccess)), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(m.impersonation.WithLabelValues("start", OutcomeDenied)), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(m.auditDropped), 0)
}

func TestMetricsHandler(t *testing.T) {
	t.Parallel()

	m := NewMetrics()
	m.Refresh(OutcomeSuccess)

	srv := httptest.NewServer(m.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), `authbroker_refresh_total{outcome="success"} 1`)
}

func TestNilMetricsIsNoop(t *testing.T) {
	t.Parallel()

	var m *Metrics
	m.TokenIssued(KindAccess)
	m.Refresh(OutcomeSuccess)
	m.AuthCode(OutcomeRejected)
	m.Impersonation("end", OutcomeSuccess)
	m.AuditDropped()
	assert.Nil(t, m.Registry())
}

func TestTracerProviderWithoutEndpoint(t *testing.T) {
	t.Parallel()

	tp, shutdown, err := NewTracerProvider(context.Background(), TracingConfig{ServiceName: "authbroker"})
	require.NoError(t, err)
	require.NotNil(t, tp)
	require.NoError(t, shutdown(context.Background()))
}
