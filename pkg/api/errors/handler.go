// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package errors provides HTTP error handling utilities for the API.
package errors

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/stacklok/authbroker/pkg/errors"
)

// HandlerWithError is an HTTP handler that can return an error.
// This signature allows handlers to return errors instead of manually
// writing error responses, enabling centralized error handling.
type HandlerWithError func(http.ResponseWriter, *http.Request) error

// Response is the JSON body of every error response.
type Response struct {
	Error string `json:"error"`
}

// ErrorHandler wraps a HandlerWithError and converts returned errors
// into JSON error responses.
//
// Usage:
//
//	r.Post("/token", apierrors.ErrorHandler(routes.token))
func ErrorHandler(fn HandlerWithError) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := fn(w, r); err != nil {
			WriteError(w, err)
		}
	}
}

// WriteError writes err with the status from errors.HTTPStatus. 5xx errors
// are logged in full and answered with a generic message; authentication
// errors always carry the same message.
func WriteError(w http.ResponseWriter, err error) {
	code := errors.HTTPStatus(err)
	if code >= http.StatusInternalServerError {
		slog.Error("internal server error", "error", err)
	}
	WriteJSON(w, code, Response{Error: errors.PublicMessage(err)})
}

// WriteJSON writes v as a JSON response with the given status.
func WriteJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Debug("failed to write response", "error", err)
	}
}
