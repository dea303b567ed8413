// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package storage

import (
	"context"
	"log/slog"
	"slices"
	"sync"
	"time"
)

// timedEntry wraps a value with its expiry for TTL tracking.
// A zero expiresAt never expires.
type timedEntry[T any] struct {
	value     T
	expiresAt time.Time
}

func (e *timedEntry[T]) expired(now time.Time) bool {
	return !e.expiresAt.IsZero() && now.After(e.expiresAt)
}

func expiry(now time.Time, ttl time.Duration) time.Time {
	if ttl <= 0 {
		return time.Time{}
	}
	return now.Add(ttl)
}

// MemoryStore implements Store with in-memory maps.
// It is thread-safe; every operation runs under a single mutex, which makes
// Take and SetNX atomic.
type MemoryStore struct {
	mu sync.Mutex

	values map[string]*timedEntry[[]byte]
	sets   map[string]*timedEntry[map[string]struct{}]

	// now is replaceable for tests
	now func() time.Time

	// cleanupInterval is how often the background cleanup runs
	cleanupInterval time.Duration

	// stopCleanup is used to signal the cleanup goroutine to stop
	stopCleanup chan struct{}

	// cleanupDone is closed when the cleanup goroutine has fully stopped
	cleanupDone chan struct{}

	closeOnce sync.Once
}

// MemoryStoreOption configures a MemoryStore instance.
type MemoryStoreOption func(*MemoryStore)

// WithCleanupInterval sets a custom cleanup interval.
func WithCleanupInterval(interval time.Duration) MemoryStoreOption {
	return func(s *MemoryStore) {
		s.cleanupInterval = interval
	}
}

// withClock overrides the store clock.
func withClock(now func() time.Time) MemoryStoreOption {
	return func(s *MemoryStore) {
		s.now = now
	}
}

// NewMemoryStore creates a new MemoryStore and starts the background
// cleanup goroutine.
func NewMemoryStore(opts ...MemoryStoreOption) *MemoryStore {
	s := &MemoryStore{
		values:          make(map[string]*timedEntry[[]byte]),
		sets:            make(map[string]*timedEntry[map[string]struct{}]),
		now:             time.Now,
		cleanupInterval: DefaultCleanupInterval,
		stopCleanup:     make(chan struct{}),
		cleanupDone:     make(chan struct{}),
	}

	for _, opt := range opts {
		opt(s)
	}

	go s.cleanupLoop()

	return s
}

// Get implements Store.
func (s *MemoryStore) Get(ctx context.Context, key string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.values[key]
	if !ok || entry.expired(s.now()) {
		return nil, ErrNotFound
	}
	return slices.Clone(entry.value), nil
}

// Set implements Store.
func (s *MemoryStore) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	s.values[key] = &timedEntry[[]byte]{value: slices.Clone(value), expiresAt: expiry(s.now(), ttl)}
	return nil
}

// SetNX implements Store.
func (s *MemoryStore) SetNX(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	if entry, ok := s.values[key]; ok && !entry.expired(now) {
		return false, nil
	}
	s.values[key] = &timedEntry[[]byte]{value: slices.Clone(value), expiresAt: expiry(now, ttl)}
	return true, nil
}

// Take implements Store.
func (s *MemoryStore) Take(ctx context.Context, key string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.values[key]
	if !ok {
		return nil, ErrNotFound
	}
	delete(s.values, key)
	if entry.expired(s.now()) {
		return nil, ErrNotFound
	}
	return entry.value, nil
}

// Delete implements Store.
func (s *MemoryStore) Delete(ctx context.Context, keys ...string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, key := range keys {
		delete(s.values, key)
		delete(s.sets, key)
	}
	return nil
}

// AddToSet implements Store.
func (s *MemoryStore) AddToSet(ctx context.Context, key, member string, ttl time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	entry, ok := s.sets[key]
	if !ok || entry.expired(now) {
		entry = &timedEntry[map[string]struct{}]{value: make(map[string]struct{})}
		s.sets[key] = entry
	}
	entry.value[member] = struct{}{}
	entry.expiresAt = expiry(now, ttl)
	return nil
}

// SetMembers implements Store.
func (s *MemoryStore) SetMembers(ctx context.Context, key string) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.sets[key]
	if !ok || entry.expired(s.now()) {
		return []string{}, nil
	}
	members := make([]string, 0, len(entry.value))
	for m := range entry.value {
		members = append(members, m)
	}
	slices.Sort(members)
	return members, nil
}

// RemoveFromSet implements Store.
func (s *MemoryStore) RemoveFromSet(ctx context.Context, key string, members ...string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.sets[key]
	if !ok {
		return nil
	}
	for _, m := range members {
		delete(entry.value, m)
	}
	if len(entry.value) == 0 {
		delete(s.sets, key)
	}
	return nil
}

// Ping is a no-op for in-memory storage since it is always available.
func (*MemoryStore) Ping(_ context.Context) error {
	return nil
}

// Close stops the background cleanup goroutine and waits for it to finish.
func (s *MemoryStore) Close() error {
	s.closeOnce.Do(func() {
		close(s.stopCleanup)
	})
	<-s.cleanupDone
	return nil
}

// cleanupLoop runs periodic cleanup of expired entries.
func (s *MemoryStore) cleanupLoop() {
	defer close(s.cleanupDone)

	ticker := time.NewTicker(s.cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCleanup:
			return
		case <-ticker.C:
			if n := s.cleanupExpired(); n > 0 {
				slog.Debug("removed expired storage entries", "count", n)
			}
		}
	}
}

// cleanupExpired removes all expired entries and returns how many were removed.
func (s *MemoryStore) cleanupExpired() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	removed := 0
	for k, v := range s.values {
		if v.expired(now) {
			delete(s.values, k)
			removed++
		}
	}
	for k, v := range s.sets {
		if v.expired(now) {
			delete(s.sets, k)
			removed++
		}
	}
	return removed
}
