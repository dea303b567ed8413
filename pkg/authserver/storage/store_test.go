// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Tests use the forEachBackend helper which calls t.Parallel() internally,
// making all subtests parallel despite not having explicit t.Parallel() calls.
//
//nolint:paralleltest // parallel execution handled by forEachBackend helper
package storage

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
)

// backend is a Store under test plus a way to move its clock forward.
type backend struct {
	store   Store
	advance func(time.Duration)
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newMemoryBackend(t *testing.T) backend {
	t.Helper()
	clock := &fakeClock{now: time.Now()}
	s := NewMemoryStore(withClock(clock.Now), WithCleanupInterval(time.Hour))
	t.Cleanup(func() { _ = s.Close() })
	return backend{store: s, advance: clock.Advance}
}

func newRedisBackend(t *testing.T) backend {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	s := NewRedisStoreWithClient(client, "test:")
	t.Cleanup(func() { _ = s.Close() })
	return backend{store: s, advance: mr.FastForward}
}

func forEachBackend(t *testing.T, fn func(t *testing.T, b backend)) {
	t.Helper()
	t.Parallel()
	for name, factory := range map[string]func(*testing.T) backend{
		"memory": newMemoryBackend,
		"redis":  newRedisBackend,
	} {
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			fn(t, factory(t))
		})
	}
}

func TestStoreGetSetDelete(t *testing.T) {
	forEachBackend(t, func(t *testing.T, b backend) {
		ctx := context.Background()

		_, err := b.store.Get(ctx, "k")
		require.ErrorIs(t, err, ErrNotFound)

		require.NoError(t, b.store.Set(ctx, "k", []byte("v1"), 0))
		got, err := b.store.Get(ctx, "k")
		require.NoError(t, err)
		assert.Equal(t, []byte("v1"), got)

		require.NoError(t, b.store.Set(ctx, "k", []byte("v2"), 0))
		got, err = b.store.Get(ctx, "k")
		require.NoError(t, err)
		assert.Equal(t, []byte("v2"), got)

		require.NoError(t, b.store.Delete(ctx, "k", "missing"))
		_, err = b.store.Get(ctx, "k")
		require.ErrorIs(t, err, ErrNotFound)

		require.NoError(t, b.store.Delete(ctx))
	})
}

func TestStoreTTL(t *testing.T) {
	forEachBackend(t, func(t *testing.T, b backend) {
		ctx := context.Background()

		require.NoError(t, b.store.Set(ctx, "short", []byte("v"), time.Minute))
		require.NoError(t, b.store.Set(ctx, "forever", []byte("v"), 0))

		b.advance(2 * time.Minute)

		_, err := b.store.Get(ctx, "short")
		require.ErrorIs(t, err, ErrNotFound)
		_, err = b.store.Take(ctx, "short")
		require.ErrorIs(t, err, ErrNotFound)

		_, err = b.store.Get(ctx, "forever")
		require.NoError(t, err)
	})
}

func TestStoreTakeIsSingleUse(t *testing.T) {
	forEachBackend(t, func(t *testing.T, b backend) {
		ctx := context.Background()
		require.NoError(t, b.store.Set(ctx, "code", []byte("record"), time.Minute))

		got, err := b.store.Take(ctx, "code")
		require.NoError(t, err)
		assert.Equal(t, []byte("record"), got)

		_, err = b.store.Take(ctx, "code")
		require.ErrorIs(t, err, ErrNotFound)
	})
}

func TestStoreConcurrentTake(t *testing.T) {
	forEachBackend(t, func(t *testing.T, b backend) {
		ctx := context.Background()
		require.NoError(t, b.store.Set(ctx, "code", []byte("record"), time.Minute))

		var wins atomic.Int32
		var g errgroup.Group
		for range 32 {
			g.Go(func() error {
				_, err := b.store.Take(ctx, "code")
				switch {
				case err == nil:
					wins.Add(1)
					return nil
				case errors.Is(err, ErrNotFound):
					return nil
				default:
					return err
				}
			})
		}
		require.NoError(t, g.Wait())
		assert.Equal(t, int32(1), wins.Load())
	})
}

func TestStoreSetNX(t *testing.T) {
	forEachBackend(t, func(t *testing.T, b backend) {
		ctx := context.Background()

		ok, err := b.store.SetNX(ctx, "claim", []byte("a"), time.Second)
		require.NoError(t, err)
		assert.True(t, ok)

		ok, err = b.store.SetNX(ctx, "claim", []byte("b"), time.Second)
		require.NoError(t, err)
		assert.False(t, ok)

		got, err := b.store.Get(ctx, "claim")
		require.NoError(t, err)
		assert.Equal(t, []byte("a"), got)

		b.advance(2 * time.Second)

		ok, err = b.store.SetNX(ctx, "claim", []byte("c"), time.Second)
		require.NoError(t, err)
		assert.True(t, ok)
	})
}

func TestStoreSets(t *testing.T) {
	forEachBackend(t, func(t *testing.T, b backend) {
		ctx := context.Background()

		members, err := b.store.SetMembers(ctx, "idx")
		require.NoError(t, err)
		assert.Empty(t, members)

		require.NoError(t, b.store.AddToSet(ctx, "idx", "a", time.Hour))
		require.NoError(t, b.store.AddToSet(ctx, "idx", "b", time.Hour))
		require.NoError(t, b.store.AddToSet(ctx, "idx", "a", time.Hour))

		members, err = b.store.SetMembers(ctx, "idx")
		require.NoError(t, err)
		assert.ElementsMatch(t, []string{"a", "b"}, members)

		require.NoError(t, b.store.RemoveFromSet(ctx, "idx", "a", "zzz"))
		members, err = b.store.SetMembers(ctx, "idx")
		require.NoError(t, err)
		assert.Equal(t, []string{"b"}, members)

		b.advance(2 * time.Hour)
		members, err = b.store.SetMembers(ctx, "idx")
		require.NoError(t, err)
		assert.Empty(t, members)
	})
}

func TestStorePing(t *testing.T) {
	forEachBackend(t, func(t *testing.T, b backend) {
		require.NoError(t, b.store.Ping(context.Background()))
	})
}

func TestJSONHelpers(t *testing.T) {
	forEachBackend(t, func(t *testing.T, b backend) {
		ctx := context.Background()
		type record struct {
			Subject string `json:"subject"`
			Count   int    `json:"count"`
		}

		require.NoError(t, SetJSON(ctx, b.store, Key(KeyTypeAuthCode, "x"), record{Subject: "u1", Count: 2}, time.Minute))

		got, err := GetJSON[record](ctx, b.store, Key(KeyTypeAuthCode, "x"))
		require.NoError(t, err)
		assert.Equal(t, &record{Subject: "u1", Count: 2}, got)

		got, err = TakeJSON[record](ctx, b.store, Key(KeyTypeAuthCode, "x"))
		require.NoError(t, err)
		assert.Equal(t, "u1", got.Subject)

		_, err = GetJSON[record](ctx, b.store, Key(KeyTypeAuthCode, "x"))
		require.ErrorIs(t, err, ErrNotFound)

		require.NoError(t, b.store.Set(ctx, "garbage", []byte("{"), 0))
		_, err = GetJSON[record](ctx, b.store, "garbage")
		require.Error(t, err)
		assert.NotErrorIs(t, err, ErrNotFound)
	})
}

func TestMemoryStoreCleanupExpired(t *testing.T) {
	t.Parallel()

	clock := &fakeClock{now: time.Now()}
	s := NewMemoryStore(withClock(clock.Now), WithCleanupInterval(time.Hour))
	defer func() { _ = s.Close() }()

	ctx := context.Background()
	require.NoError(t, s.Set(ctx, "a", []byte("1"), time.Minute))
	require.NoError(t, s.Set(ctx, "b", []byte("1"), 0))
	require.NoError(t, s.AddToSet(ctx, "set", "m", time.Minute))

	assert.Zero(t, s.cleanupExpired())

	clock.Advance(time.Hour)
	assert.Equal(t, 2, s.cleanupExpired())

	s.mu.Lock()
	assert.Len(t, s.values, 1)
	assert.Empty(t, s.sets)
	s.mu.Unlock()
}

func TestMemoryStoreHonoursCancelledContext(t *testing.T) {
	t.Parallel()

	s := NewMemoryStore()
	defer func() { _ = s.Close() }()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := s.Get(ctx, "k")
	require.ErrorIs(t, err, context.Canceled)
	require.ErrorIs(t, s.Set(ctx, "k", nil, 0), context.Canceled)
}

func TestMemoryStoreCloseIdempotent(t *testing.T) {
	t.Parallel()

	s := NewMemoryStore()
	require.NoError(t, s.Close())
	require.NoError(t, s.Close())
}

func TestRedisStorePrefixesKeys(t *testing.T) {
	t.Parallel()

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	s := NewRedisStoreWithClient(client, "ab:")
	defer func() { _ = s.Close() }()

	require.NoError(t, s.Set(context.Background(), Key(KeyTypeRefresh, "h"), []byte("v"), time.Minute))
	assert.True(t, mr.Exists("ab:refresh:h"))
	assert.Equal(t, time.Minute, mr.TTL("ab:refresh:h"))
}

func TestNewRedisStore(t *testing.T) {
	t.Parallel()

	mr := miniredis.RunT(t)
	s, err := NewRedisStore(context.Background(), RedisConfig{Addr: mr.Addr(), KeyPrefix: "p:"})
	require.NoError(t, err)
	defer func() { _ = s.Close() }()
	require.NoError(t, s.Ping(context.Background()))

	_, err = NewRedisStore(context.Background(), RedisConfig{})
	require.Error(t, err)

	_, err = NewRedisStore(context.Background(), RedisConfig{SentinelConfig: &SentinelConfig{}})
	require.Error(t, err)
}

func TestNewRedisStoreGivesUp(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, err := NewRedisStore(ctx, RedisConfig{
		Addr:            "127.0.0.1:1",
		ConnectAttempts: 1,
		DialTimeout:     100 * time.Millisecond,
	})
	require.Error(t, err)
}
