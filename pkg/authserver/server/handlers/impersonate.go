// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package handlers

import (
	"net/http"
	"time"

	apierrors "github.com/stacklok/authbroker/pkg/api/errors"
	"github.com/stacklok/authbroker/pkg/authserver/claims"
	"github.com/stacklok/authbroker/pkg/authserver/impersonation"
	"github.com/stacklok/authbroker/pkg/authserver/session"
	autherrors "github.com/stacklok/authbroker/pkg/errors"
)

type impersonateRequest struct {
	TargetID string `json:"targetId"`
	Reason   string `json:"reason,omitempty"`
}

// ImpersonateHandler handles POST /auth/impersonate.
func (h *Handler) ImpersonateHandler(w http.ResponseWriter, r *http.Request) error {
	if h.cfg.Impersonation == nil {
		return autherrors.NewNotFoundError("impersonation is not enabled", nil)
	}
	id, err := identity(r)
	if err != nil {
		return err
	}
	var req impersonateRequest
	if err := decodeJSON(r, &req); err != nil {
		return err
	}

	res, err := h.cfg.Impersonation.Start(r.Context(), id.Claims, impersonation.StartRequest{
		TargetID: req.TargetID,
		Reason:   req.Reason,
	})
	if err != nil {
		return err
	}
	apierrors.WriteJSON(w, http.StatusOK, TokenResponse{
		AccessToken: res.AccessToken,
		TokenType:   session.TokenTypeBearer,
		ExpiresIn:   res.ExpiresIn,
	})
	return nil
}

// UnimpersonateHandler handles POST /auth/unimpersonate. The response
// carries a fresh session for the original user, including a new refresh cookie.
func (h *Handler) UnimpersonateHandler(w http.ResponseWriter, r *http.Request) error {
	if h.cfg.Impersonation == nil {
		return autherrors.NewNotFoundError("impersonation is not enabled", nil)
	}
	id, err := identity(r)
	if err != nil {
		return err
	}
	var req struct{}
	if err := decodeJSON(r, &req); err != nil {
		return err
	}

	tokens, err := h.cfg.Impersonation.End(r.Context(), id.Claims)
	if err != nil {
		return err
	}
	h.setRefreshCookie(w, tokens.RefreshToken, tokens.RefreshExpiresAt)
	apierrors.WriteJSON(w, http.StatusOK, tokenResponse(tokens))
	return nil
}

// sessionResponse describes the verified caller.
type sessionResponse struct {
	Subject       string                       `json:"subject"`
	Email         string                       `json:"email,omitempty"`
	Name          string                       `json:"name,omitempty"`
	Picture       string                       `json:"picture,omitempty"`
	Provider      string                       `json:"provider,omitempty"`
	Roles         []string                     `json:"roles,omitempty"`
	ExpiresAt     time.Time                    `json:"expiresAt"`
	Claims        claims.Custom                `json:"claims,omitempty"`
	Impersonation *claims.ImpersonationContext `json:"impersonation,omitempty"`
}

// SessionHandler handles GET /auth/session.
func (*Handler) SessionHandler(w http.ResponseWriter, r *http.Request) error {
	id, err := identity(r)
	if err != nil {
		return err
	}
	ac := id.Claims
	resp := sessionResponse{
		Subject:   ac.Subject,
		Email:     ac.Email,
		Name:      ac.Name,
		Picture:   ac.Picture,
		Provider:  ac.Provider,
		Roles:     ac.Roles,
		ExpiresAt: ac.ExpiresAt,
		Claims:    ac.Extra,
	}
	if ac.Impersonation != nil {
		// the snapshot of the original claims stays inside the token
		imp := *ac.Impersonation
		imp.OriginalClaims = nil
		resp.Impersonation = &imp
	}
	apierrors.WriteJSON(w, http.StatusOK, resp)
	return nil
}
