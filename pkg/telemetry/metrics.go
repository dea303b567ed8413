// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package telemetry provides Prometheus metrics and OpenTelemetry tracing
// for the broker.
package telemetry

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "authbroker"

// Token kinds for TokenIssued.
const (
	KindAccess        = "access"
	KindRefresh       = "refresh"
	KindImpersonation = "impersonation"
	KindAuthCode      = "auth_code"
)

// Outcomes shared by the counters below.
const (
	OutcomeSuccess  = "success"
	OutcomeRejected = "rejected"
	OutcomeReused   = "reused"
	OutcomeError    = "error"
	OutcomeDenied   = "denied"
)

// Metrics holds the broker collectors, registered on a private registry.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	tokensIssued  *prometheus.CounterVec
	refresh       *prometheus.CounterVec
	authCodes     *prometheus.CounterVec
	impersonation *prometheus.CounterVec
	auditDropped  prometheus.Counter
}

// NewMetrics creates and registers the broker collectors.
func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		tokensIssued: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tokens_issued_total",
			Help:      "Number of credentials issued, by kind.",
		}, []string{"kind"}),
		refresh: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "refresh_total",
			Help:      "Number of refresh attempts, by outcome.",
		}, []string{"outcome"}),
		authCodes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "auth_codes_total",
			Help:      "Number of authorization code redemptions, by outcome.",
		}, []string{"outcome"}),
		impersonation: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "impersonation_total",
			Help:      "Number of impersonation transitions, by action and outcome.",
		}, []string{"action", "outcome"}),
		auditDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "audit_dropped_total",
			Help:      "Number of audit events that were never delivered.",
		}),
	}

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.tokensIssued,
		m.refresh,
		m.authCodes,
		m.impersonation,
		m.auditDropped,
	)
	return m
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// Registry exposes the private registry, mainly for tests.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// TokenIssued counts an issued credential.
func (m *Metrics) TokenIssued(kind string) {
	if m == nil {
		return
	}
	m.tokensIssued.WithLabelValues(kind).Inc()
}

// Refresh counts a refresh attempt.
func (m *Metrics) Refresh(outcome string) {
	if m == nil {
		return
	}
	m.refresh.WithLabelValues(outcome).Inc()
}

// AuthCode counts an authorization code redemption.
func (m *Metrics) AuthCode(outcome string) {
	if m == nil {
		return
	}
	m.authCodes.WithLabelValues(outcome).Inc()
}

// Impersonation counts an impersonation start or end.
func (m *Metrics) Impersonation(action, outcome string) {
	if m == nil {
		return
	}
	m.impersonation.WithLabelValues(action, outcome).Inc()
}

// AuditDropped counts a dropped audit event.
func (m *Metrics) AuditDropped() {
	if m == nil {
		return
	}
	m.auditDropped.Inc()
}
