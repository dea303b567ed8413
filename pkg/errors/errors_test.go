// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package errors

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestError_Error(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		err  *Error
		want string
	}{
		{
			name: "error with cause",
			err: &Error{
				Type:    ErrValidation,
				Message: "test message",
				Cause:   errors.New("underlying error"),
			},
			want: "validation: test message: underlying error",
		},
		{
			name: "error without cause",
			err: &Error{
				Type:    ErrAuthorization,
				Message: "test message",
			},
			want: "authorization: test message",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, tt.err.Error())
		})
	}
}

func TestError_Unwrap(t *testing.T) {
	t.Parallel()

	cause := errors.New("underlying error")
	err := NewInternalError("test message", cause)
	assert.Equal(t, cause, err.Unwrap())
	assert.ErrorIs(t, err, cause)

	assert.Nil(t, NewInternalError("test message", nil).Unwrap())
}

func TestPredicatesSeeThroughWrapping(t *testing.T) {
	t.Parallel()

	wrapped := fmt.Errorf("refresh: %w", NewAuthenticationError("revoked", nil))
	assert.True(t, IsAuthentication(wrapped))
	assert.False(t, IsAuthorization(wrapped))
	assert.False(t, IsAuthentication(errors.New("plain")))
}

func TestHTTPStatus(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		err  error
		want int
	}{
		{"validation", NewValidationError("bad body", nil), http.StatusBadRequest},
		{"authentication", NewAuthenticationError("expired", nil), http.StatusUnauthorized},
		{"authorization", NewAuthorizationError("not admin", nil), http.StatusForbidden},
		{"not found", NewNotFoundError("no user", nil), http.StatusNotFound},
		{"internal", NewInternalError("boom", nil), http.StatusInternalServerError},
		{"configuration", NewConfigurationError("no secret", nil), http.StatusInternalServerError},
		{"untyped", errors.New("boom"), http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, HTTPStatus(tt.err))
		})
	}
}

func TestPublicMessage(t *testing.T) {
	t.Parallel()

	// every authentication failure renders identically
	revoked := PublicMessage(NewAuthenticationError("refresh token revoked", nil))
	expired := PublicMessage(NewAuthenticationError("refresh token expired", errors.New("exp")))
	assert.Equal(t, "unauthenticated", revoked)
	assert.Equal(t, revoked, expired)

	assert.Equal(t, "impersonation not permitted", PublicMessage(NewAuthorizationError("impersonation not permitted", nil)))
	assert.Equal(t, "Internal Server Error", PublicMessage(NewInternalError("db password is hunter2", nil)))
	assert.Equal(t, "Internal Server Error", PublicMessage(errors.New("raw")))
}
