// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package customclaims

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/stacklok/authbroker/pkg/authserver/claims"
)

var testIdentity = claims.Identity{Subject: "u1", Email: "u1@example.com"}

func TestResolve(t *testing.T) {
	t.Parallel()

	global := Static(claims.Custom{"source": "global", "tier": "free"})

	tests := []struct {
		name     string
		global   Source
		callSite Source
		want     claims.Custom
	}{
		{
			name: "nothing configured",
			want: claims.Custom{},
		},
		{
			name:   "global static",
			global: global,
			want:   claims.Custom{"source": "global", "tier": "free"},
		},
		{
			name:     "call site wins outright without merge",
			global:   global,
			callSite: Static(claims.Custom{"source": "call"}),
			want:     claims.Custom{"source": "call"},
		},
		{
			name:   "computed from identity",
			global: global,
			callSite: Computed(func(_ context.Context, id claims.Identity) (claims.Custom, error) {
				return claims.Custom{"domain": id.Email[len("u1@"):]}, nil
			}),
			want: claims.Custom{"domain": "example.com"},
		},
		{
			name:     "reserved names stripped",
			callSite: Static(claims.Custom{"sub": "attacker", "exp": 1, "ok": "yes"}),
			want:     claims.Custom{"ok": "yes"},
		},
		{
			name:     "non primitive values dropped",
			callSite: Static(claims.Custom{"obj": map[string]any{"a": 1}, "list": []string{"x"}}),
			want:     claims.Custom{"list": []any{"x"}},
		},
		{
			name:   "error fails open",
			global: global,
			callSite: Computed(func(context.Context, claims.Identity) (claims.Custom, error) {
				return claims.Custom{"partial": true}, errors.New("directory down")
			}),
			want: claims.Custom{},
		},
		{
			name: "panic fails open",
			callSite: Computed(func(context.Context, claims.Identity) (claims.Custom, error) {
				panic("boom")
			}),
			want: claims.Custom{},
		},
		{
			name:     "nil computed function is unset",
			global:   global,
			callSite: Computed(nil),
			want:     claims.Custom{"source": "global", "tier": "free"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			r := NewResolver(tt.global)
			assert.Equal(t, tt.want, r.Resolve(context.Background(), testIdentity, tt.callSite))
		})
	}
}

func TestResolveTimeoutFailsOpen(t *testing.T) {
	t.Parallel()

	r := NewResolver(Source{}, WithTimeout(20*time.Millisecond))
	release := make(chan struct{})
	defer close(release)

	start := time.Now()
	got := r.Resolve(context.Background(), testIdentity, Computed(func(context.Context, claims.Identity) (claims.Custom, error) {
		<-release // ignores ctx on purpose
		return claims.Custom{"late": true}, nil
	}))

	assert.Equal(t, claims.Custom{}, got)
	assert.Less(t, time.Since(start), time.Second)
}

func TestResolveAsyncHonoursContext(t *testing.T) {
	t.Parallel()

	r := NewResolver(Source{}, WithTimeout(time.Second))
	got := r.Resolve(context.Background(), testIdentity, Computed(func(ctx context.Context, _ claims.Identity) (claims.Custom, error) {
		select {
		case <-time.After(10 * time.Millisecond):
			return claims.Custom{"async": "done"}, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}))
	assert.Equal(t, claims.Custom{"async": "done"}, got)
}

func TestResolveCancelledCaller(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	r := NewResolver(Source{})
	got := r.Resolve(ctx, testIdentity, Computed(func(ctx context.Context, _ claims.Identity) (claims.Custom, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}))
	assert.Equal(t, claims.Custom{}, got)
}

func TestNilResolver(t *testing.T) {
	t.Parallel()

	var r *Resolver
	assert.Equal(t, claims.Custom{}, r.Resolve(context.Background(), testIdentity, Source{}))
	assert.Equal(t, claims.Custom{"a": "b"}, r.Resolve(context.Background(), testIdentity, Static(claims.Custom{"a": "b"})))
}
