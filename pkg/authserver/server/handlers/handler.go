// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package handlers

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	apierrors "github.com/stacklok/authbroker/pkg/api/errors"
	"github.com/stacklok/authbroker/pkg/auth"
	"github.com/stacklok/authbroker/pkg/authserver/exchange"
	"github.com/stacklok/authbroker/pkg/authserver/impersonation"
	"github.com/stacklok/authbroker/pkg/authserver/session"
	autherrors "github.com/stacklok/authbroker/pkg/errors"
	"github.com/stacklok/authbroker/pkg/telemetry"
)

// maxBodySize bounds JSON request bodies.
const maxBodySize = 64 << 10

// Pinger reports whether the session store is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// LoginLimit throttles password sign-ins per client address.
type LoginLimit struct {
	PerMinute float64
	Burst     int
}

// Config wires a Handler.
type Config struct {
	Exchange      *exchange.Orchestrator
	Sessions      *session.Service
	Impersonation *impersonation.Engine
	Authenticator *auth.Authenticator
	Store         Pinger
	Metrics       *telemetry.Metrics
	Cookie        CookieSettings
	LoginLimit    LoginLimit
	// StoreTimeout bounds the health check.
	StoreTimeout time.Duration
}

// Handler provides the HTTP handlers of the broker.
type Handler struct {
	cfg     Config
	limiter *ipLimiter
}

// NewHandler creates a new Handler with the given dependencies.
func NewHandler(cfg Config) *Handler {
	if cfg.StoreTimeout <= 0 {
		cfg.StoreTimeout = 3 * time.Second
	}
	h := &Handler{cfg: cfg}
	if cfg.LoginLimit.PerMinute > 0 {
		h.limiter = newIPLimiter(cfg.LoginLimit.PerMinute, cfg.LoginLimit.Burst)
	}
	return h
}

// Routes returns a router with all endpoints registered.
func (h *Handler) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", h.HealthHandler)
	if h.cfg.Metrics != nil {
		r.Handle("/metrics", h.cfg.Metrics.Handler())
	}
	r.Route("/auth", h.AuthRoutes)
	return r
}

// AuthRoutes registers the /auth endpoints on the provided router.
func (h *Handler) AuthRoutes(r chi.Router) {
	r.Post("/token", apierrors.ErrorHandler(h.TokenHandler))
	r.Post("/refresh", apierrors.ErrorHandler(h.RefreshHandler))
	r.Post("/logout", apierrors.ErrorHandler(h.LogoutHandler))
	r.With(h.throttle).Post("/password", apierrors.ErrorHandler(h.PasswordHandler))

	r.Group(func(r chi.Router) {
		r.Use(h.cfg.Authenticator.Middleware)
		r.Get("/session", apierrors.ErrorHandler(h.SessionHandler))
		r.Post("/logout/all", apierrors.ErrorHandler(h.LogoutAllHandler))
		r.Post("/impersonate", apierrors.ErrorHandler(h.ImpersonateHandler))
		r.Post("/unimpersonate", apierrors.ErrorHandler(h.UnimpersonateHandler))
	})

	r.Get("/{provider}", apierrors.ErrorHandler(h.ProviderHandler))
}

// HealthHandler handles GET /healthz.
func (h *Handler) HealthHandler(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), h.cfg.StoreTimeout)
	defer cancel()

	if h.cfg.Store != nil {
		if err := h.cfg.Store.Ping(ctx); err != nil {
			apierrors.WriteJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
			return
		}
	}
	apierrors.WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// decodeJSON decodes an optional JSON body into v. An empty body leaves v untouched.
func decodeJSON(r *http.Request, v any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodySize))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil && err != io.EOF {
		return autherrors.NewValidationError("malformed request body", err)
	}
	return nil
}

// identity returns the authenticated caller. Routes using it sit behind the
// authenticator middleware.
func identity(r *http.Request) (*auth.Identity, error) {
	id, ok := auth.IdentityFromContext(r.Context())
	if !ok || id == nil {
		return nil, auth.ErrUnauthenticated
	}
	return id, nil
}
