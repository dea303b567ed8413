// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package session turns authorization codes and refresh tokens into
// access tokens, and ends sessions.
package session

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/stacklok/authbroker/pkg/audit"
	"github.com/stacklok/authbroker/pkg/authserver/authcode"
	"github.com/stacklok/authbroker/pkg/authserver/claims"
	"github.com/stacklok/authbroker/pkg/authserver/customclaims"
	"github.com/stacklok/authbroker/pkg/authserver/refresh"
	autherrors "github.com/stacklok/authbroker/pkg/errors"
	"github.com/stacklok/authbroker/pkg/logger"
	"github.com/stacklok/authbroker/pkg/telemetry"
)

// TokenTypeBearer is the token type of every access token.
const TokenTypeBearer = "Bearer"

// ErrImpersonatedRefresh is returned when a refresh is attempted with an
// impersonated access token. Impersonated sessions can only be ended.
var ErrImpersonatedRefresh = autherrors.NewAuthenticationError("impersonated sessions cannot be refreshed", nil)

// Tokens is the result of a successful sign-in, refresh or impersonation end.
type Tokens struct {
	AccessToken     string
	TokenType       string
	AccessExpiresAt time.Time
	// ExpiresIn is the access token lifetime in seconds.
	ExpiresIn int64

	// RefreshToken is empty when no refresh token was issued or re-set.
	RefreshToken     string
	RefreshExpiresAt time.Time
	// Rotated reports whether RefreshToken is a new token.
	Rotated bool

	Claims *claims.AccessClaims
}

// Config wires a Service.
type Config struct {
	Codec    *claims.Codec
	Codes    *authcode.Store
	Refresh  *refresh.Store
	Resolver *customclaims.Resolver
	Audit    audit.Emitter
	Metrics  *telemetry.Metrics
	Logger   *slog.Logger
}

// Service implements the session operations.
type Service struct {
	cfg    Config
	tracer trace.Tracer
	audit  *slog.Logger
	now    func() time.Time
}

// NewService returns a Service.
func NewService(cfg Config) (*Service, error) {
	if cfg.Codec == nil || cfg.Codes == nil || cfg.Refresh == nil {
		return nil, autherrors.NewConfigurationError("session requires a codec, a code store and a refresh store", nil)
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Service{
		cfg:    cfg,
		tracer: telemetry.Tracer(),
		audit:  logger.Audit(cfg.Logger),
		now:    time.Now,
	}, nil
}

// Codec returns the access token codec.
func (s *Service) Codec() *claims.Codec {
	return s.cfg.Codec
}

// ExchangeCode redeems an authorization code and starts a session.
func (s *Service) ExchangeCode(ctx context.Context, code string) (*Tokens, error) {
	ctx, span := s.tracer.Start(ctx, "session.ExchangeCode")
	defer span.End()

	rec, err := s.cfg.Codes.Redeem(ctx, code)
	if err != nil {
		span.SetStatus(codes.Error, "redeem failed")
		if autherrors.IsAuthentication(err) {
			s.cfg.Metrics.AuthCode(telemetry.OutcomeRejected)
			s.emit(ctx, audit.NewEvent(audit.EventAuthCodeRejected, audit.OutcomeFailure, ""))
		} else {
			s.cfg.Metrics.AuthCode(telemetry.OutcomeError)
		}
		return nil, err
	}
	s.cfg.Metrics.AuthCode(telemetry.OutcomeSuccess)

	ev := audit.NewEvent(audit.EventAuthCodeRedeemed, audit.OutcomeSuccess, rec.Identity.Subject)
	ev.Provider = rec.Provider
	s.emit(ctx, ev)

	return s.IssueSession(ctx, rec.Identity, rec.Provider, rec.Claims)
}

// IssueSession signs an access token for id and stores a new refresh token.
func (s *Service) IssueSession(ctx context.Context, id claims.Identity, provider string, custom claims.Custom) (*Tokens, error) {
	if id.Provider == "" {
		id.Provider = provider
	}
	tokens, err := s.sign(claims.FromIdentity(id, custom))
	if err != nil {
		return nil, err
	}

	issued, err := s.cfg.Refresh.IssueAndStore(ctx, refresh.IssueParams{
		Identity: id,
		Provider: provider,
		Claims:   custom,
	})
	if err != nil {
		return nil, err
	}
	tokens.RefreshToken = issued.Raw
	tokens.RefreshExpiresAt = issued.Record.ExpiresAt
	tokens.Rotated = true

	s.cfg.Metrics.TokenIssued(telemetry.KindRefresh)
	ev := audit.NewEvent(audit.EventRefreshIssued, audit.OutcomeSuccess, id.Subject)
	ev.Provider = provider
	ev.TokenHash = refresh.ShortHash(issued.Hash)
	s.emit(ctx, ev)
	return tokens, nil
}

// RefreshOptions tunes a refresh.
type RefreshOptions struct {
	// Bearer is the access token presented alongside the refresh token, if any.
	Bearer string
	// RecomputeClaims resolves custom claims again instead of reusing the stored ones.
	RecomputeClaims bool
}

// Refresh exchanges a refresh token for a new access token, rotating the
// refresh token when rotation is enabled. Every rejection is the same
// authentication error to the caller.
func (s *Service) Refresh(ctx context.Context, raw string, opts RefreshOptions) (*Tokens, error) {
	ctx, span := s.tracer.Start(ctx, "session.Refresh")
	defer span.End()

	if opts.Bearer != "" {
		// Inspect ignores expiry so an expired impersonated token is still recognised.
		if ac, err := s.cfg.Codec.Inspect(opts.Bearer); err == nil && ac.IsImpersonating() {
			span.SetStatus(codes.Error, "impersonated")
			s.cfg.Metrics.Refresh(telemetry.OutcomeRejected)
			ev := audit.NewEvent(audit.EventRefreshRejected, audit.OutcomeDenied, ac.Subject)
			ev.Actor = ac.Impersonation.OriginalUserID
			ev.Reason = "impersonated session"
			s.emit(ctx, ev)
			return nil, ErrImpersonatedRefresh
		}
	}

	var rotateOpts refresh.RotateOptions
	if opts.RecomputeClaims {
		rotateOpts.Recompute = func(ctx context.Context, id claims.Identity) claims.Custom {
			return s.cfg.Resolver.Resolve(ctx, id, customclaims.Source{})
		}
	}

	rot, err := s.cfg.Refresh.Rotate(ctx, raw, rotateOpts)
	if err != nil {
		span.SetStatus(codes.Error, "rotate failed")
		return nil, s.refreshFailed(ctx, raw, err)
	}
	span.SetAttributes(attribute.Bool("rotated", rot.Rotated))

	rec := rot.Record
	tokens, err := s.sign(claims.FromIdentity(rec.Identity, rec.Claims))
	if err != nil {
		return nil, err
	}
	tokens.RefreshToken = rot.Raw
	tokens.RefreshExpiresAt = rec.ExpiresAt
	tokens.Rotated = rot.Rotated

	s.cfg.Metrics.Refresh(telemetry.OutcomeSuccess)
	if rot.Rotated {
		s.cfg.Metrics.TokenIssued(telemetry.KindRefresh)
		ev := audit.NewEvent(audit.EventRefreshRotated, audit.OutcomeSuccess, rec.Subject)
		ev.Provider = rec.Provider
		ev.TokenHash = refresh.ShortHash(rot.Hash)
		s.emit(ctx, ev.WithExtra("previous_token_hash", refresh.ShortHash(rot.PreviousHash)))
	}
	return tokens, nil
}

func (s *Service) refreshFailed(ctx context.Context, raw string, err error) error {
	hash := refresh.ShortHash(refresh.HashToken(raw))
	switch {
	case errors.Is(err, refresh.ErrReuseDetected):
		s.cfg.Metrics.Refresh(telemetry.OutcomeReused)
		s.audit.Warn("revoked refresh token presented", "token_hash", hash)
		ev := audit.NewEvent(audit.EventRefreshReuseDetected, audit.OutcomeDenied, "")
		ev.TokenHash = hash
		s.emit(ctx, ev)
	case autherrors.IsAuthentication(err):
		s.cfg.Metrics.Refresh(telemetry.OutcomeRejected)
		ev := audit.NewEvent(audit.EventRefreshRejected, audit.OutcomeFailure, "")
		ev.TokenHash = hash
		s.emit(ctx, ev)
	default:
		s.cfg.Metrics.Refresh(telemetry.OutcomeError)
		slog.Error("refresh failed", "token_hash", hash, "error", err)
	}
	return err
}

// Logout deletes the session behind raw. Unknown tokens are ignored.
func (s *Service) Logout(ctx context.Context, raw string) error {
	if raw == "" {
		return nil
	}
	hash := refresh.HashToken(raw)
	rec, err := s.cfg.Refresh.Lookup(ctx, hash)
	if err != nil && !errors.Is(err, refresh.ErrRecordNotFound) {
		return err
	}
	if err := s.cfg.Refresh.Delete(ctx, hash); err != nil {
		return err
	}
	if rec != nil {
		ev := audit.NewEvent(audit.EventSessionLogout, audit.OutcomeSuccess, rec.Subject)
		ev.TokenHash = refresh.ShortHash(hash)
		s.emit(ctx, ev)
	}
	return nil
}

// LogoutAll revokes every session of subject except the one behind
// currentRaw, when given, and returns how many were revoked.
func (s *Service) LogoutAll(ctx context.Context, subject, currentRaw string) (int, error) {
	if subject == "" {
		return 0, autherrors.NewValidationError("subject is required", nil)
	}
	var except string
	if currentRaw != "" {
		except = refresh.HashToken(currentRaw)
	}
	n, err := s.cfg.Refresh.RevokeAllForSubject(ctx, subject, except)
	if err != nil {
		return 0, err
	}
	ev := audit.NewEvent(audit.EventRefreshRevokedAll, audit.OutcomeSuccess, subject)
	s.emit(ctx, ev.WithExtra("revoked", n))
	return n, nil
}

func (s *Service) sign(ac claims.AccessClaims) (*Tokens, error) {
	token, expiresAt, err := s.cfg.Codec.Sign(ac, claims.Expiry{})
	if err != nil {
		return nil, autherrors.NewInternalError("failed to sign access token", err)
	}
	s.cfg.Metrics.TokenIssued(telemetry.KindAccess)

	now := s.now()
	ac.IssuedAt = now
	ac.ExpiresAt = expiresAt
	ac.Issuer = s.cfg.Codec.Issuer()
	return &Tokens{
		AccessToken:     token,
		TokenType:       TokenTypeBearer,
		AccessExpiresAt: expiresAt,
		ExpiresIn:       int64(expiresAt.Sub(now).Round(time.Second) / time.Second),
		Claims:          &ac,
	}, nil
}

func (s *Service) emit(ctx context.Context, ev audit.Event) {
	if s.cfg.Audit == nil {
		return
	}
	s.cfg.Audit.Emit(ctx, ev)
}
