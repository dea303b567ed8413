// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package handlers

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	apierrors "github.com/stacklok/authbroker/pkg/api/errors"
	"github.com/stacklok/authbroker/pkg/authserver/exchange"
	autherrors "github.com/stacklok/authbroker/pkg/errors"
)

// ProviderHandler handles GET /auth/{provider}.
//
// Without callback parameters it redirects the browser to the provider.
// With them it completes the flow and redirects to the client with either
// a code or the error token; callback failures never render an error page.
func (h *Handler) ProviderHandler(w http.ResponseWriter, r *http.Request) error {
	provider := chi.URLParam(r, "provider")
	query := r.URL.Query()

	if exchange.IsCallback(query) {
		http.Redirect(w, r, h.cfg.Exchange.Callback(r.Context(), provider, query), http.StatusFound)
		return nil
	}

	target, err := h.cfg.Exchange.Begin(r.Context(), provider, query.Get("redirect_uri"))
	if err != nil {
		return err
	}
	http.Redirect(w, r, target, http.StatusFound)
	return nil
}

type passwordRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type codeResponse struct {
	Code string `json:"code"`
}

// PasswordHandler handles POST /auth/password.
func (h *Handler) PasswordHandler(w http.ResponseWriter, r *http.Request) error {
	var req passwordRequest
	if err := decodeJSON(r, &req); err != nil {
		return err
	}
	if req.Email == "" || req.Password == "" {
		return autherrors.NewValidationError("email and password are required", nil)
	}

	code, err := h.cfg.Exchange.PasswordLogin(r.Context(), req.Email, req.Password, clientAddr(r))
	if err != nil {
		return err
	}
	apierrors.WriteJSON(w, http.StatusOK, codeResponse{Code: code})
	return nil
}
