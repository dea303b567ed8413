// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package auth

import (
	"encoding/json"
	"fmt"

	"github.com/stacklok/authbroker/pkg/authserver/claims"
)

// Token sources.
const (
	SourceHeader = "header"
	SourceCookie = "cookie"
)

// Identity is the verified caller of a request.
type Identity struct {
	// Claims are the verified access token claims. Never nil.
	Claims *claims.AccessClaims

	// Token is the raw access token.
	// This is redacted in String() and MarshalJSON() to prevent leakage.
	Token string

	// Source is where the token was read from, SourceHeader or SourceCookie.
	Source string
}

// Subject returns the subject of the verified token.
func (i *Identity) Subject() string {
	if i == nil || i.Claims == nil {
		return ""
	}
	return i.Claims.Subject
}

// String returns a string representation of the Identity with sensitive fields redacted.
func (i *Identity) String() string {
	if i == nil {
		return "<nil>"
	}
	return fmt.Sprintf("Identity{Subject:%q, Source:%q}", i.Subject(), i.Source)
}

// MarshalJSON implements json.Marshaler to redact the token during JSON serialization.
func (i *Identity) MarshalJSON() ([]byte, error) {
	if i == nil {
		return []byte("null"), nil
	}

	type safeIdentity struct {
		Subject       string   `json:"subject"`
		Email         string   `json:"email,omitempty"`
		Roles         []string `json:"roles,omitempty"`
		Impersonating bool     `json:"impersonating"`
		Token         string   `json:"token"`
		Source        string   `json:"source"`
	}

	token := i.Token
	if token != "" {
		token = "REDACTED"
	}
	safe := safeIdentity{
		Subject: i.Subject(),
		Token:   token,
		Source:  i.Source,
	}
	if i.Claims != nil {
		safe.Email = i.Claims.Email
		safe.Roles = i.Claims.Roles
		safe.Impersonating = i.Claims.IsImpersonating()
	}
	return json.Marshal(&safe)
}
