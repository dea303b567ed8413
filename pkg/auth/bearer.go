// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package auth

import (
	"errors"
	"net/http"
	"strings"
)

var (
	// ErrAuthHeaderMissing is returned when no Authorization header is present.
	ErrAuthHeaderMissing = errors.New("authorization header required")
	// ErrInvalidAuthHeaderFormat is returned for non-Bearer Authorization headers.
	ErrInvalidAuthHeaderFormat = errors.New("invalid authorization header format, expected 'Bearer <token>'")
	// ErrEmptyBearerToken is returned when the Bearer prefix carries no token.
	ErrEmptyBearerToken = errors.New("empty bearer token")
)

const bearerPrefix = "Bearer "

// ExtractBearerToken returns the token of a "Bearer <token>" Authorization header.
func ExtractBearerToken(r *http.Request) (string, error) {
	header := r.Header.Get("Authorization")
	if header == "" {
		return "", ErrAuthHeaderMissing
	}
	if !strings.HasPrefix(header, bearerPrefix) {
		return "", ErrInvalidAuthHeaderFormat
	}
	token := strings.TrimSpace(strings.TrimPrefix(header, bearerPrefix))
	if token == "" {
		return "", ErrEmptyBearerToken
	}
	return token, nil
}
