// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package handlers

import (
	"net/http"

	apierrors "github.com/stacklok/authbroker/pkg/api/errors"
	"github.com/stacklok/authbroker/pkg/auth"
	"github.com/stacklok/authbroker/pkg/authserver/session"
	autherrors "github.com/stacklok/authbroker/pkg/errors"
)

type tokenRequest struct {
	Code string `json:"code"`
}

type refreshRequest struct {
	RecomputeClaims bool `json:"recomputeClaims"`
}

// TokenResponse is the body of every endpoint that hands out an access token.
type TokenResponse struct {
	AccessToken string `json:"accessToken"`
	TokenType   string `json:"tokenType"`
	ExpiresIn   int64  `json:"expiresIn"`
}

func tokenResponse(tokens *session.Tokens) TokenResponse {
	return TokenResponse{
		AccessToken: tokens.AccessToken,
		TokenType:   tokens.TokenType,
		ExpiresIn:   tokens.ExpiresIn,
	}
}

// TokenHandler handles POST /auth/token.
func (h *Handler) TokenHandler(w http.ResponseWriter, r *http.Request) error {
	var req tokenRequest
	if err := decodeJSON(r, &req); err != nil {
		return err
	}
	if req.Code == "" {
		return autherrors.NewValidationError("code is required", nil)
	}

	tokens, err := h.cfg.Sessions.ExchangeCode(r.Context(), req.Code)
	if err != nil {
		return err
	}
	h.setRefreshCookie(w, tokens.RefreshToken, tokens.RefreshExpiresAt)
	apierrors.WriteJSON(w, http.StatusOK, tokenResponse(tokens))
	return nil
}

// RefreshHandler handles POST /auth/refresh. A bearer token sent alongside
// the cookie is inspected so impersonated sessions cannot be extended.
func (h *Handler) RefreshHandler(w http.ResponseWriter, r *http.Request) error {
	var req refreshRequest
	if err := decodeJSON(r, &req); err != nil {
		return err
	}

	opts := session.RefreshOptions{RecomputeClaims: req.RecomputeClaims}
	if bearer, err := auth.ExtractBearerToken(r); err == nil {
		opts.Bearer = bearer
	}

	tokens, err := h.cfg.Sessions.Refresh(r.Context(), h.refreshCookie(r), opts)
	if err != nil {
		return err
	}
	h.setRefreshCookie(w, tokens.RefreshToken, tokens.RefreshExpiresAt)
	apierrors.WriteJSON(w, http.StatusOK, tokenResponse(tokens))
	return nil
}

// LogoutHandler handles POST /auth/logout. It answers 204 whether or not
// the cookie named a live session.
func (h *Handler) LogoutHandler(w http.ResponseWriter, r *http.Request) error {
	h.clearRefreshCookie(w)
	if err := h.cfg.Sessions.Logout(r.Context(), h.refreshCookie(r)); err != nil {
		return err
	}
	w.WriteHeader(http.StatusNoContent)
	return nil
}

type logoutAllResponse struct {
	Revoked int `json:"revoked"`
}

// LogoutAllHandler handles POST /auth/logout/all. The session behind the
// request's refresh cookie survives.
func (h *Handler) LogoutAllHandler(w http.ResponseWriter, r *http.Request) error {
	id, err := identity(r)
	if err != nil {
		return err
	}
	if id.Claims.IsImpersonating() {
		return autherrors.NewAuthorizationError("not available while impersonating", nil)
	}

	n, err := h.cfg.Sessions.LogoutAll(r.Context(), id.Subject(), h.refreshCookie(r))
	if err != nil {
		return err
	}
	apierrors.WriteJSON(w, http.StatusOK, logoutAllResponse{Revoked: n})
	return nil
}
