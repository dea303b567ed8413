// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package claims encodes, signs and verifies the broker's access tokens.
//
// Access tokens are JWS compact tokens signed with an HMAC algorithm. They
// are immutable once issued and are never revoked server-side; only refresh
// tokens are revocable.
package claims

import (
	"encoding/json"
	"log/slog"
	"reflect"
	"slices"
)

// Reserved claim names. Custom claims can never set them.
var reservedNames = []string{"iss", "sub", "exp", "iat", "nbf", "jti", "aud"}

// impersonationClaim carries the ImpersonationContext. It is only ever set by
// the impersonation engine, so custom claims may not set it either.
const impersonationClaim = "impersonation"

// Identity is the resolved user identity a session is issued for.
type Identity struct {
	// Subject is the stable external identity. Required.
	Subject  string   `json:"sub"`
	Email    string   `json:"email,omitempty"`
	Name     string   `json:"name,omitempty"`
	Picture  string   `json:"picture,omitempty"`
	Provider string   `json:"provider,omitempty"`
	Roles    []string `json:"roles,omitempty"`
	// Raw is the user object as returned by the provider.
	Raw map[string]any `json:"raw,omitempty"`
}

// ImpersonationContext identifies the real identity behind an impersonated
// token. It exists only inside access tokens.
type ImpersonationContext struct {
	OriginalUserID string `json:"originalUserId"`
	OriginalEmail  string `json:"originalEmail,omitempty"`
	OriginalName   string `json:"originalName,omitempty"`
	// StartedAt is a unix timestamp in seconds.
	StartedAt int64  `json:"startedAt"`
	Reason    string `json:"reason,omitempty"`
	// OriginalClaims snapshots the non-standard claims of the original
	// session so ending the impersonation can restore them exactly.
	OriginalClaims map[string]any `json:"originalClaims,omitempty"`
	OriginalRoles  []string       `json:"originalRoles,omitempty"`
}

// Custom is an open map of scalar and array claims.
type Custom map[string]any

// IsReserved reports whether name may never be set by custom claims.
func IsReserved(name string) bool {
	return slices.Contains(reservedNames, name) || name == impersonationClaim
}

// Sanitize returns a copy of c without reserved names and without values
// that are neither scalars nor arrays of scalars. Dropped entries are logged.
func Sanitize(c Custom) Custom {
	out := make(Custom, len(c))
	for name, value := range c {
		if IsReserved(name) {
			slog.Warn("dropping reserved custom claim", "claim", name)
			continue
		}
		normalized, ok := normalize(value)
		if !ok {
			slog.Warn("dropping custom claim with unsupported value type",
				"claim", name, "type", reflect.TypeOf(value))
			continue
		}
		out[name] = normalized
	}
	return out
}

// normalize accepts scalars and slices of scalars. Typed slices are
// converted to []any so values compare equal after a JSON round trip.
func normalize(v any) (any, bool) {
	if v == nil {
		return nil, true
	}
	if isScalar(v) {
		return v, true
	}

	rv := reflect.ValueOf(v)
	if rv.Kind() != reflect.Slice && rv.Kind() != reflect.Array {
		return nil, false
	}
	if rv.Kind() == reflect.Slice && rv.Type().Elem().Kind() == reflect.Uint8 {
		// []byte is not an array claim
		return nil, false
	}
	out := make([]any, rv.Len())
	for i := range rv.Len() {
		elem := rv.Index(i).Interface()
		if elem != nil && !isScalar(elem) {
			return nil, false
		}
		out[i] = elem
	}
	return out, true
}

func isScalar(v any) bool {
	switch v.(type) {
	case string, bool,
		int, int8, int16, int32, int64,
		uint, uint8, uint16, uint32, uint64,
		float32, float64, json.Number:
		return true
	default:
		return false
	}
}
