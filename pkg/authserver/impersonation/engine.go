// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package impersonation lets authorized users act as another user for a
// bounded time.
//
// A session is either normal or impersonating. Start moves a normal session
// to impersonating by minting a short-lived access token for the target that
// embeds a snapshot of the requester. No refresh token is issued, so the
// impersonation ends at the latest when that token expires. End moves back
// to normal and starts a fresh session for the original user. Impersonations
// never chain.
package impersonation

import (
	"context"
	"errors"
	"log/slog"
	"maps"
	"slices"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/stacklok/authbroker/pkg/audit"
	"github.com/stacklok/authbroker/pkg/authserver/claims"
	"github.com/stacklok/authbroker/pkg/authserver/customclaims"
	"github.com/stacklok/authbroker/pkg/authserver/session"
	autherrors "github.com/stacklok/authbroker/pkg/errors"
	"github.com/stacklok/authbroker/pkg/telemetry"
)

//go:generate mockgen -destination=mocks/mock_directory.go -package=mocks github.com/stacklok/authbroker/pkg/authserver/impersonation UserDirectory

// DefaultTTL is the lifetime of impersonated access tokens.
const DefaultTTL = 15 * time.Minute

// Actions for metrics.
const (
	actionStart = "start"
	actionEnd   = "end"
)

var (
	// ErrAlreadyImpersonating is returned by Start for impersonated requesters.
	ErrAlreadyImpersonating = autherrors.NewAuthorizationError("already impersonating another user", nil)
	// ErrNotImpersonating is returned by End for normal sessions.
	ErrNotImpersonating = autherrors.NewAuthorizationError("not impersonating", nil)
	// ErrNotAllowed is returned when the policy denies an impersonation.
	ErrNotAllowed = autherrors.NewAuthorizationError("not allowed to impersonate users", nil)
	// ErrTargetNotFound is returned when the target user does not exist.
	ErrTargetNotFound = autherrors.NewNotFoundError("impersonation target not found", nil)
)

// UserDirectory looks up users by subject. Lookup returns an error that
// satisfies errors.IsNotFound for unknown subjects.
type UserDirectory interface {
	Lookup(ctx context.Context, subject string) (*claims.Identity, error)
}

// SessionIssuer starts normal sessions.
type SessionIssuer interface {
	IssueSession(ctx context.Context, id claims.Identity, provider string, custom claims.Custom) (*session.Tokens, error)
}

// Policy decides whether requester may impersonate targetID.
type Policy func(ctx context.Context, requester *claims.AccessClaims, targetID string) (bool, error)

// RolePolicy allows requesters holding any of roles.
func RolePolicy(roles ...string) Policy {
	return func(_ context.Context, requester *claims.AccessClaims, _ string) (bool, error) {
		return slices.ContainsFunc(roles, requester.HasRole), nil
	}
}

// Config wires an Engine.
type Config struct {
	Codec     *claims.Codec
	Sessions  SessionIssuer
	Directory UserDirectory
	Resolver  *customclaims.Resolver
	// Policy defaults to RolePolicy("admin").
	Policy Policy
	// TTL must be strictly shorter than the codec TTL.
	TTL time.Duration

	Audit   audit.Emitter
	Metrics *telemetry.Metrics
}

// Engine implements the impersonation transitions.
type Engine struct {
	cfg    Config
	tracer trace.Tracer
	now    func() time.Time
}

// New validates cfg and returns an Engine.
func New(cfg Config) (*Engine, error) {
	if cfg.Codec == nil || cfg.Sessions == nil || cfg.Directory == nil {
		return nil, autherrors.NewConfigurationError("impersonation requires a codec, sessions and a user directory", nil)
	}
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultTTL
	}
	if cfg.TTL >= cfg.Codec.TTL() {
		return nil, autherrors.NewConfigurationError("impersonation ttl must be shorter than the access token ttl", nil)
	}
	if cfg.Policy == nil {
		cfg.Policy = RolePolicy("admin")
	}
	return &Engine{cfg: cfg, tracer: telemetry.Tracer(), now: time.Now}, nil
}

// StartRequest names the user to impersonate.
type StartRequest struct {
	TargetID string
	Reason   string
}

// Result is an impersonated access token.
type Result struct {
	AccessToken string
	ExpiresAt   time.Time
	ExpiresIn   int64
	Claims      *claims.AccessClaims
}

// Start impersonates req.TargetID on behalf of requester.
func (e *Engine) Start(ctx context.Context, requester *claims.AccessClaims, req StartRequest) (*Result, error) {
	ctx, span := e.tracer.Start(ctx, "impersonation.Start",
		trace.WithAttributes(attribute.String("target", req.TargetID)))
	defer span.End()

	if requester == nil || requester.Subject == "" {
		return nil, autherrors.NewAuthenticationError("requester is required", nil)
	}
	if requester.IsImpersonating() {
		return nil, e.deny(ctx, span, requester, req, ErrAlreadyImpersonating)
	}
	if req.TargetID == "" {
		return nil, autherrors.NewValidationError("targetId is required", nil)
	}
	if req.TargetID == requester.Subject {
		return nil, autherrors.NewValidationError("cannot impersonate yourself", nil)
	}

	allowed, err := e.cfg.Policy(ctx, requester, req.TargetID)
	if err != nil {
		return nil, autherrors.NewInternalError("impersonation policy failed", err)
	}
	if !allowed {
		return nil, e.deny(ctx, span, requester, req, ErrNotAllowed)
	}

	target, err := e.cfg.Directory.Lookup(ctx, req.TargetID)
	if err != nil {
		if autherrors.IsNotFound(err) {
			return nil, e.deny(ctx, span, requester, req, ErrTargetNotFound)
		}
		e.cfg.Metrics.Impersonation(actionStart, telemetry.OutcomeError)
		return nil, autherrors.NewInternalError("failed to look up impersonation target", err)
	}

	ac := claims.FromIdentity(*target, e.cfg.Resolver.Resolve(ctx, *target, customclaims.Source{}))
	ac.Impersonation = &claims.ImpersonationContext{
		OriginalUserID: requester.Subject,
		OriginalEmail:  requester.Email,
		OriginalName:   requester.Name,
		StartedAt:      e.now().Unix(),
		Reason:         req.Reason,
		OriginalClaims: maps.Clone(requester.Extra),
		OriginalRoles:  slices.Clone(requester.Roles),
	}

	token, expiresAt, err := e.cfg.Codec.Sign(ac, claims.ExpiresIn(e.cfg.TTL))
	if err != nil {
		e.cfg.Metrics.Impersonation(actionStart, telemetry.OutcomeError)
		return nil, autherrors.NewInternalError("failed to sign impersonation token", err)
	}
	ac.ExpiresAt = expiresAt

	e.cfg.Metrics.TokenIssued(telemetry.KindImpersonation)
	e.cfg.Metrics.Impersonation(actionStart, telemetry.OutcomeSuccess)
	slog.Info("impersonation started", "actor", requester.Subject, "subject", target.Subject)

	ev := audit.NewEvent(audit.EventImpersonationStarted, audit.OutcomeSuccess, target.Subject)
	ev.Actor = requester.Subject
	ev.Reason = req.Reason
	e.emit(ctx, ev)

	return &Result{
		AccessToken: token,
		ExpiresAt:   expiresAt,
		ExpiresIn:   int64(e.cfg.TTL / time.Second),
		Claims:      &ac,
	}, nil
}

// End returns to the original user of an impersonated token with a new
// normal session, including a new refresh token.
func (e *Engine) End(ctx context.Context, current *claims.AccessClaims) (*session.Tokens, error) {
	ctx, span := e.tracer.Start(ctx, "impersonation.End")
	defer span.End()

	if !current.IsImpersonating() {
		span.SetStatus(codes.Error, "not impersonating")
		e.cfg.Metrics.Impersonation(actionEnd, telemetry.OutcomeDenied)
		return nil, ErrNotImpersonating
	}
	imp := current.Impersonation

	original, err := e.cfg.Directory.Lookup(ctx, imp.OriginalUserID)
	switch {
	case err == nil:
	case autherrors.IsNotFound(err):
		slog.Warn("original user not found, restoring from impersonation snapshot",
			"subject", imp.OriginalUserID)
		original = &claims.Identity{
			Subject: imp.OriginalUserID,
			Email:   imp.OriginalEmail,
			Name:    imp.OriginalName,
			Roles:   slices.Clone(imp.OriginalRoles),
		}
	default:
		e.cfg.Metrics.Impersonation(actionEnd, telemetry.OutcomeError)
		return nil, autherrors.NewInternalError("failed to look up original user", err)
	}

	tokens, err := e.cfg.Sessions.IssueSession(ctx, *original, original.Provider, claims.Sanitize(imp.OriginalClaims))
	if err != nil {
		span.RecordError(err)
		e.cfg.Metrics.Impersonation(actionEnd, telemetry.OutcomeError)
		var typed *autherrors.Error
		if errors.As(err, &typed) {
			return nil, err
		}
		return nil, autherrors.NewInternalError("failed to restore session", err)
	}

	e.cfg.Metrics.Impersonation(actionEnd, telemetry.OutcomeSuccess)
	slog.Info("impersonation ended", "actor", original.Subject, "subject", current.Subject)

	ev := audit.NewEvent(audit.EventImpersonationEnded, audit.OutcomeSuccess, current.Subject)
	ev.Actor = original.Subject
	e.emit(ctx, ev.WithExtra("duration_seconds", e.now().Unix()-imp.StartedAt))
	return tokens, nil
}

func (e *Engine) deny(ctx context.Context, span trace.Span, requester *claims.AccessClaims, req StartRequest, err error) error {
	span.SetStatus(codes.Error, "denied")
	e.cfg.Metrics.Impersonation(actionStart, telemetry.OutcomeDenied)

	ev := audit.NewEvent(audit.EventImpersonationDenied, audit.OutcomeDenied, req.TargetID)
	ev.Actor = requester.Subject
	ev.Reason = err.Error()
	e.emit(ctx, ev)
	return err
}

// emit is best-effort; the transition has already happened.
func (e *Engine) emit(ctx context.Context, ev audit.Event) {
	if e.cfg.Audit == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			slog.Error("audit emitter panicked", "type", ev.Type, "panic", r)
		}
	}()
	e.cfg.Audit.Emit(ctx, ev)
}
