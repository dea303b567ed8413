// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package auth authenticates requests carrying broker access tokens.
//
// An Authenticator verifies the token of a request and attaches the resulting
// Identity to the request context, where handlers read it back with
// IdentityFromContext.
package auth

import (
	"context"
)

// IdentityContextKey is the request context key of the verified Identity.
type IdentityContextKey struct{}

// WithIdentity returns ctx carrying identity. A nil identity leaves ctx as is.
func WithIdentity(ctx context.Context, identity *Identity) context.Context {
	if identity == nil {
		return ctx
	}
	return context.WithValue(ctx, IdentityContextKey{}, identity)
}

// IdentityFromContext returns the Identity attached by the authenticator
// middleware, if any.
func IdentityFromContext(ctx context.Context) (*Identity, bool) {
	identity, ok := ctx.Value(IdentityContextKey{}).(*Identity)
	return identity, ok && identity != nil
}
