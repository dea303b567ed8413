// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package audit records security-relevant events of the token lifecycle on a
// channel kept apart from diagnostic logging.
//
// Events are emitted after the state transition they describe has been
// committed. Delivery is best-effort: a failing or saturated sink never
// affects the outcome of the operation that produced the event.
package audit

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"
)

// LevelAudit is a custom audit log level - between Info and Warn
const LevelAudit = slog.Level(2)

// Event types
const (
	EventAuthCodeIssued        = "auth.code.issued"
	EventAuthCodeRedeemed      = "auth.code.redeemed"
	EventAuthCodeRejected      = "auth.code.rejected"
	EventRefreshIssued         = "refresh.issued"
	EventRefreshRotated        = "refresh.rotated"
	EventRefreshRevoked        = "refresh.revoked"
	EventRefreshReuseDetected  = "refresh.reuse_detected"
	EventRefreshRevokedAll     = "refresh.revoked_all"
	EventRefreshRejected       = "refresh.rejected"
	EventSessionLogout         = "session.logout"
	EventImpersonationStarted  = "impersonation.started"
	EventImpersonationEnded    = "impersonation.ended"
	EventImpersonationDenied   = "impersonation.denied"
	EventVerificationFailed    = "token.verification_failed"
	EventOAuthCallbackFailed   = "oauth.callback_failed"
	EventPasswordLoginRejected = "password.login_rejected"
)

// Common event outcomes
const (
	// OutcomeSuccess indicates the event was successful
	OutcomeSuccess = "success"
	// OutcomeFailure indicates the event failed
	OutcomeFailure = "failure"
	// OutcomeDenied indicates the event was denied (e.g., by authorization)
	OutcomeDenied = "denied"
)

// Event is a single audit record.
//
// Raw credentials never appear in an Event. TokenHash holds the storage hash
// of a refresh token, never the token itself.
type Event struct {
	ID       string    `json:"auditId"`
	Type     string    `json:"type"`
	LoggedAt time.Time `json:"loggedAt"`
	Outcome  string    `json:"outcome"`
	// Subject is the identity the event is about.
	Subject string `json:"subject,omitempty"`
	// Actor is the identity that caused the event when it differs from
	// Subject, e.g. the administrator starting an impersonation.
	Actor     string         `json:"actor,omitempty"`
	Provider  string         `json:"provider,omitempty"`
	TokenHash string         `json:"tokenHash,omitempty"`
	Reason    string         `json:"reason,omitempty"`
	Source    string         `json:"source,omitempty"`
	Extra     map[string]any `json:"extra,omitempty"`
}

// NewEvent returns a new Event with an appropriately set ID and logging time.
func NewEvent(eventType, outcome, subject string) Event {
	return Event{
		ID:       uuid.New().String(),
		Type:     eventType,
		LoggedAt: time.Now().UTC(),
		Outcome:  outcome,
		Subject:  subject,
	}
}

// WithExtra returns a copy of e with key set in its Extra map.
func (e Event) WithExtra(key string, value any) Event {
	extra := make(map[string]any, len(e.Extra)+1)
	for k, v := range e.Extra {
		extra[k] = v
	}
	extra[key] = value
	e.Extra = extra
	return e
}

// LogTo logs the audit event to the provided slog.Logger using the custom audit level.
func (e Event) LogTo(ctx context.Context, logger *slog.Logger, level slog.Level) {
	attrs := []slog.Attr{
		slog.String("audit_id", e.ID),
		slog.String("type", e.Type),
		slog.Time("logged_at", e.LoggedAt),
		slog.String("outcome", e.Outcome),
	}

	for _, kv := range [][2]string{
		{"subject", e.Subject},
		{"actor", e.Actor},
		{"provider", e.Provider},
		{"token_hash", e.TokenHash},
		{"reason", e.Reason},
		{"source", e.Source},
	} {
		if kv[1] != "" {
			attrs = append(attrs, slog.String(kv[0], kv[1]))
		}
	}

	if e.Extra != nil {
		attrs = append(attrs, slog.Any("extra", e.Extra))
	}

	logger.LogAttrs(ctx, level, "audit_event", attrs...)
}
