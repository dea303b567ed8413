// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package directory

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"

	"github.com/stacklok/authbroker/pkg/authserver/claims"
	"github.com/stacklok/authbroker/pkg/authserver/storage"
	"github.com/stacklok/authbroker/pkg/authserver/storage/mocks"
	autherrors "github.com/stacklok/authbroker/pkg/errors"
)

func TestSaveLookup(t *testing.T) {
	t.Parallel()

	kv := storage.NewMemoryStore()
	t.Cleanup(func() { _ = kv.Close() })
	d := New(kv)
	ctx := context.Background()

	_, err := d.Lookup(ctx, "u1")
	require.ErrorIs(t, err, ErrUserNotFound)
	assert.True(t, autherrors.IsNotFound(err))

	id := claims.Identity{Subject: "u1", Email: "u1@example.com", Roles: []string{"admin"}}
	require.NoError(t, d.Save(ctx, id))

	got, err := d.Lookup(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, id, *got)

	id.Name = "Renamed"
	require.NoError(t, d.Save(ctx, id))
	got, err = d.Lookup(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, "Renamed", got.Name)
}

func TestSaveRequiresSubject(t *testing.T) {
	t.Parallel()

	d := New(storage.NewMemoryStore())
	err := d.Save(context.Background(), claims.Identity{Subject: "  "})
	require.Error(t, err)
	assert.True(t, autherrors.IsValidation(err))

	_, err = d.Lookup(context.Background(), "")
	require.ErrorIs(t, err, ErrUserNotFound)
}

func TestEntriesDoNotExpire(t *testing.T) {
	t.Parallel()

	mr := miniredis.RunT(t)
	kv := storage.NewRedisStoreWithClient(redis.NewClient(&redis.Options{Addr: mr.Addr()}), "ab:")
	t.Cleanup(func() { _ = kv.Close() })

	require.NoError(t, New(kv).Save(context.Background(), claims.Identity{Subject: "u1"}))
	assert.True(t, mr.Exists("ab:identity:u1"))
	assert.Zero(t, mr.TTL("ab:identity:u1"))
}

func TestLookupStoreFailure(t *testing.T) {
	t.Parallel()
	ctrl := gomock.NewController(t)

	kv := mocks.NewMockStore(ctrl)
	kv.EXPECT().Get(gomock.Any(), "identity:u1").Return(nil, errors.New("down"))

	_, err := New(kv).Lookup(context.Background(), "u1")
	require.Error(t, err)
	assert.True(t, autherrors.IsInternal(err))
}

func TestOperationTimeout(t *testing.T) {
	t.Parallel()
	ctrl := gomock.NewController(t)

	assertDeadline := func(want time.Duration) func(context.Context, string) ([]byte, error) {
		return func(ctx context.Context, _ string) ([]byte, error) {
			deadline, ok := ctx.Deadline()
			require.True(t, ok)
			assert.WithinDuration(t, time.Now().Add(want), deadline, time.Second)
			return nil, storage.ErrNotFound
		}
	}

	kv := mocks.NewMockStore(ctrl)
	gomock.InOrder(
		kv.EXPECT().Get(gomock.Any(), "identity:u1").DoAndReturn(assertDeadline(storage.DefaultOperationTimeout)),
		kv.EXPECT().Get(gomock.Any(), "identity:u1").DoAndReturn(assertDeadline(time.Minute)),
		kv.EXPECT().Get(gomock.Any(), "identity:u1").DoAndReturn(assertDeadline(storage.DefaultOperationTimeout)),
	)

	_, err := New(kv).Lookup(context.Background(), "u1")
	require.ErrorIs(t, err, ErrUserNotFound)
	_, err = New(kv, WithOperationTimeout(time.Minute)).Lookup(context.Background(), "u1")
	require.ErrorIs(t, err, ErrUserNotFound)
	_, err = New(kv, WithOperationTimeout(0)).Lookup(context.Background(), "u1")
	require.ErrorIs(t, err, ErrUserNotFound)
}
