// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package storage

import (
	"context"
	"time"
)

// Key namespaces. Each record kind lives under its own prefix and carries its
// own TTL.
const (
	KeyTypeRefresh      = "refresh"
	KeyTypeRefreshClaim = "refresh-claim"
	KeyTypeSubject      = "subject-refresh"
	KeyTypeAuthCode     = "authcode"
	KeyTypeOAuthState   = "oauth-state"
	KeyTypeIdentity     = "identity"
)

const (
	// DefaultCleanupInterval is how often the background cleanup runs.
	DefaultCleanupInterval = 5 * time.Minute

	// DefaultOperationTimeout bounds a single store call when none is configured.
	DefaultOperationTimeout = 3 * time.Second
)

// Key builds the unprefixed key of a record, e.g. "refresh:<hash>".
// Backends add their own deployment prefix.
func Key(keyType, id string) string {
	return keyType + ":" + id
}

// WithTimeout derives the bounded context used for one store call.
func WithTimeout(ctx context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	if timeout <= 0 {
		timeout = DefaultOperationTimeout
	}
	return context.WithTimeout(ctx, timeout)
}
