// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package storage provides the key-value store that holds all session state
// of the broker: authorization codes, refresh records, pending provider
// authorizations and the identity directory.
//
// Two backends are provided. MemoryStore keeps entries in process and is
// suitable for development and single-replica deployments. RedisStore shares
// state between replicas. Both offer linearizable per-key operations,
// including the atomic Take that authorization codes depend on.
package storage

//go:generate mockgen -destination=mocks/mock_store.go -package=mocks -source=types.go Store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a key is absent or its TTL has elapsed.
var ErrNotFound = errors.New("storage: not found")

// Store is a key-value store with optional per-key TTL.
//
// A ttl of zero means the entry never expires. Expired entries behave exactly
// like absent ones; the periodic sweep only bounds memory growth.
type Store interface {
	// Get returns the value stored under key.
	Get(ctx context.Context, key string) ([]byte, error)

	// Set stores value under key, replacing any previous value and TTL.
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error

	// SetNX stores value only if key is absent. It reports whether the value was stored.
	SetNX(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error)

	// Take atomically returns and deletes the value under key. Of several
	// concurrent Takes of one key at most one succeeds.
	Take(ctx context.Context, key string) ([]byte, error)

	// Delete removes keys. Missing keys are ignored.
	Delete(ctx context.Context, keys ...string) error

	// AddToSet adds member to the set under key and resets the set TTL.
	AddToSet(ctx context.Context, key, member string, ttl time.Duration) error

	// SetMembers returns the members of the set under key, or an empty slice.
	SetMembers(ctx context.Context, key string) ([]string, error)

	// RemoveFromSet removes members from the set under key.
	RemoveFromSet(ctx context.Context, key string, members ...string) error

	// Ping checks that the backend is reachable.
	Ping(ctx context.Context) error

	// Close releases the backend resources.
	Close() error
}
