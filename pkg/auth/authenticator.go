// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package auth

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	apierrors "github.com/stacklok/authbroker/pkg/api/errors"
	"github.com/stacklok/authbroker/pkg/audit"
	"github.com/stacklok/authbroker/pkg/authserver/claims"
	autherrors "github.com/stacklok/authbroker/pkg/errors"
)

// ErrUnauthenticated is the only error callers of Authenticate see.
var ErrUnauthenticated = autherrors.NewAuthenticationError("unauthenticated", nil)

// Verifier verifies access tokens.
type Verifier interface {
	Verify(token string) (*claims.AccessClaims, error)
	Issuer() string
}

// Option configures an Authenticator.
type Option func(*Authenticator)

// WithCookie reads the access token from the named cookie when no
// Authorization header is sent.
func WithCookie(name string) Option {
	return func(a *Authenticator) {
		a.cookie = name
	}
}

// WithAudit reports rejected tokens on the audit channel.
func WithAudit(emitter audit.Emitter) Option {
	return func(a *Authenticator) {
		a.audit = emitter
	}
}

// Authenticator turns request credentials into a verified Identity.
type Authenticator struct {
	verifier Verifier
	cookie   string
	audit    audit.Emitter
}

// NewAuthenticator returns an Authenticator backed by verifier.
func NewAuthenticator(verifier Verifier, opts ...Option) *Authenticator {
	a := &Authenticator{verifier: verifier}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Authenticate verifies the access token of r. A bearer header takes
// precedence over the cookie. Every failure is ErrUnauthenticated.
func (a *Authenticator) Authenticate(r *http.Request) (*Identity, error) {
	token, source := a.tokenFrom(r)
	if token == "" {
		return nil, ErrUnauthenticated
	}

	ac, err := a.verifier.Verify(token)
	if err == nil {
		if iss := a.verifier.Issuer(); iss != "" && ac.Issuer != iss {
			err = errors.New("issuer mismatch")
		}
	}
	if err != nil {
		slog.Debug("access token rejected", "source", source, "error", err)
		a.emit(r.Context(), source)
		return nil, ErrUnauthenticated
	}
	return &Identity{Claims: ac, Token: token, Source: source}, nil
}

// Middleware rejects requests without a valid access token with a uniform
// 401 and attaches the Identity to the request context otherwise.
func (a *Authenticator) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		identity, err := a.Authenticate(r)
		if err != nil {
			w.Header().Set("WWW-Authenticate", "Bearer")
			apierrors.WriteError(w, err)
			return
		}
		next.ServeHTTP(w, r.WithContext(WithIdentity(r.Context(), identity)))
	})
}

func (a *Authenticator) tokenFrom(r *http.Request) (string, string) {
	if token, err := ExtractBearerToken(r); err == nil {
		return token, SourceHeader
	}
	if a.cookie == "" {
		return "", ""
	}
	if c, err := r.Cookie(a.cookie); err == nil && c.Value != "" {
		return c.Value, SourceCookie
	}
	return "", ""
}

func (a *Authenticator) emit(ctx context.Context, source string) {
	if a.audit == nil {
		return
	}
	ev := audit.NewEvent(audit.EventVerificationFailed, audit.OutcomeFailure, "")
	ev.Source = source
	a.audit.Emit(ctx, ev)
}
