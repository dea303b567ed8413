// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package errors defines the error taxonomy shared by the broker components
// and its mapping onto HTTP status codes.
package errors

import (
	"errors"
	"fmt"
	"net/http"
)

// Error types
const (
	// ErrConfiguration is returned when the broker is misconfigured at startup
	ErrConfiguration = "configuration"

	// ErrValidation is returned when a request body or parameter is malformed
	ErrValidation = "validation"

	// ErrAuthentication is returned when a credential is missing, invalid, expired, revoked or reused
	ErrAuthentication = "authentication"

	// ErrAuthorization is returned when an authenticated caller is not allowed to perform an action
	ErrAuthorization = "authorization"

	// ErrNotFound is returned when a referenced entity does not exist
	ErrNotFound = "not_found"

	// ErrInternal is returned when there is an internal error
	ErrInternal = "internal"
)

// unauthenticatedMessage is the only message ever rendered for authentication errors.
const unauthenticatedMessage = "unauthenticated"

// Error represents an error in the application
type Error struct {
	// Type is the error type
	Type string

	// Message is the error message
	Message string

	// Cause is the underlying error
	Cause error
}

// Error returns the error message
func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %s", e.Type, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

// Unwrap returns the underlying error
func (e *Error) Unwrap() error {
	return e.Cause
}

// NewError creates a new error
func NewError(errorType, message string, cause error) *Error {
	return &Error{
		Type:    errorType,
		Message: message,
		Cause:   cause,
	}
}

// NewConfigurationError creates a new configuration error
func NewConfigurationError(message string, cause error) *Error {
	return NewError(ErrConfiguration, message, cause)
}

// NewValidationError creates a new validation error
func NewValidationError(message string, cause error) *Error {
	return NewError(ErrValidation, message, cause)
}

// NewAuthenticationError creates a new authentication error. The message is
// kept for internal logs only; PublicMessage never exposes it.
func NewAuthenticationError(message string, cause error) *Error {
	return NewError(ErrAuthentication, message, cause)
}

// NewAuthorizationError creates a new authorization error
func NewAuthorizationError(message string, cause error) *Error {
	return NewError(ErrAuthorization, message, cause)
}

// NewNotFoundError creates a new not found error
func NewNotFoundError(message string, cause error) *Error {
	return NewError(ErrNotFound, message, cause)
}

// NewInternalError creates a new internal error
func NewInternalError(message string, cause error) *Error {
	return NewError(ErrInternal, message, cause)
}

func typeOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Type
	}
	return ""
}

// IsConfiguration checks if the error is a configuration error
func IsConfiguration(err error) bool {
	return typeOf(err) == ErrConfiguration
}

// IsValidation checks if the error is a validation error
func IsValidation(err error) bool {
	return typeOf(err) == ErrValidation
}

// IsAuthentication checks if the error is an authentication error
func IsAuthentication(err error) bool {
	return typeOf(err) == ErrAuthentication
}

// IsAuthorization checks if the error is an authorization error
func IsAuthorization(err error) bool {
	return typeOf(err) == ErrAuthorization
}

// IsNotFound checks if the error is a not found error
func IsNotFound(err error) bool {
	return typeOf(err) == ErrNotFound
}

// IsInternal checks if the error is an internal error
func IsInternal(err error) bool {
	return typeOf(err) == ErrInternal
}

// HTTPStatus maps an error onto the status code returned to clients.
// Errors outside the taxonomy are treated as internal.
func HTTPStatus(err error) int {
	switch typeOf(err) {
	case ErrValidation:
		return http.StatusBadRequest
	case ErrAuthentication:
		return http.StatusUnauthorized
	case ErrAuthorization:
		return http.StatusForbidden
	case ErrNotFound:
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}

// PublicMessage returns the message that may be shown to a client.
// Authentication failures are collapsed to a single message so callers
// cannot tell which check failed, and internal errors never leak a cause.
func PublicMessage(err error) string {
	var e *Error
	if !errors.As(err, &e) {
		return http.StatusText(http.StatusInternalServerError)
	}
	switch e.Type {
	case ErrAuthentication:
		return unauthenticatedMessage
	case ErrInternal, ErrConfiguration:
		return http.StatusText(http.StatusInternalServerError)
	default:
		return e.Message
	}
}
