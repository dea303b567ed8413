// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package directory records the identities the broker has authenticated so
// they can be looked up again by subject, for example as impersonation targets.
package directory

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/stacklok/authbroker/pkg/authserver/claims"
	"github.com/stacklok/authbroker/pkg/authserver/storage"
	autherrors "github.com/stacklok/authbroker/pkg/errors"
)

// ErrUserNotFound is returned when no identity is recorded for a subject.
var ErrUserNotFound = autherrors.NewNotFoundError("user not found", nil)

// Entry is a recorded identity.
type Entry struct {
	Identity  claims.Identity `json:"identity"`
	UpdatedAt time.Time       `json:"updatedAt"`
}

// Directory stores identities in the key-value store without expiry.
type Directory struct {
	kv      storage.Store
	timeout time.Duration
	now     func() time.Time
}

// Option configures a Directory.
type Option func(*Directory)

// WithOperationTimeout bounds each store call.
func WithOperationTimeout(d time.Duration) Option {
	return func(dir *Directory) {
		if d > 0 {
			dir.timeout = d
		}
	}
}

// New returns a directory on kv.
func New(kv storage.Store, opts ...Option) *Directory {
	d := &Directory{kv: kv, timeout: storage.DefaultOperationTimeout, now: time.Now}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Save records id, replacing any previous entry for the subject.
func (d *Directory) Save(ctx context.Context, id claims.Identity) error {
	if strings.TrimSpace(id.Subject) == "" {
		return autherrors.NewValidationError("identity subject is required", nil)
	}
	ctx, cancel := storage.WithTimeout(ctx, d.timeout)
	defer cancel()

	entry := Entry{Identity: id, UpdatedAt: d.now().UTC()}
	if err := storage.SetJSON(ctx, d.kv, storage.Key(storage.KeyTypeIdentity, id.Subject), entry, 0); err != nil {
		return autherrors.NewInternalError("failed to record identity", err)
	}
	return nil
}

// Lookup returns the identity recorded for subject.
func (d *Directory) Lookup(ctx context.Context, subject string) (*claims.Identity, error) {
	if subject == "" {
		return nil, ErrUserNotFound
	}
	ctx, cancel := storage.WithTimeout(ctx, d.timeout)
	defer cancel()

	entry, err := storage.GetJSON[Entry](ctx, d.kv, storage.Key(storage.KeyTypeIdentity, subject))
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, ErrUserNotFound
		}
		return nil, autherrors.NewInternalError("failed to look up identity", err)
	}
	return &entry.Identity, nil
}
