// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package customclaims resolves the extra claims added to a session on top of
// the provider identity.
//
// Resolution fails open: an erroring, panicking or slow source yields an empty
// claim set and a log entry, never a failed login.
package customclaims

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/stacklok/authbroker/pkg/authserver/claims"
)

// DefaultTimeout bounds a computed source.
const DefaultTimeout = 2 * time.Second

// ComputeFunc derives claims from an identity. Implementations that block
// should honour ctx; the resolver stops waiting when it is done.
type ComputeFunc func(ctx context.Context, id claims.Identity) (claims.Custom, error)

type sourceKind int

const (
	kindNone sourceKind = iota
	kindStatic
	kindComputed
)

// Source is either a static claim map or a computed function. The zero value
// is an unset source.
type Source struct {
	kind    sourceKind
	static  claims.Custom
	compute ComputeFunc
}

// Static returns a source that always yields m.
func Static(m claims.Custom) Source {
	return Source{kind: kindStatic, static: m}
}

// Computed returns a source that calls fn for every resolution.
func Computed(fn ComputeFunc) Source {
	if fn == nil {
		return Source{}
	}
	return Source{kind: kindComputed, compute: fn}
}

// IsSet reports whether s was built by Static or Computed.
func (s Source) IsSet() bool {
	return s.kind != kindNone
}

// Resolver resolves claim sources with a global fallback.
type Resolver struct {
	global  Source
	timeout time.Duration
}

// Option configures a Resolver.
type Option func(*Resolver)

// WithTimeout sets how long a computed source may run.
func WithTimeout(d time.Duration) Option {
	return func(r *Resolver) {
		if d > 0 {
			r.timeout = d
		}
	}
}

// NewResolver returns a resolver that falls back to global when a call site
// has no source of its own.
func NewResolver(global Source, opts ...Option) *Resolver {
	r := &Resolver{global: global, timeout: DefaultTimeout}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Resolve returns the claims for id. A set callSite source wins outright; the
// global source is not consulted and nothing is merged. The result never
// contains reserved names or non-scalar values.
func (r *Resolver) Resolve(ctx context.Context, id claims.Identity, callSite Source) claims.Custom {
	src := callSite
	if !src.IsSet() && r != nil {
		src = r.global
	}

	var (
		raw claims.Custom
		err error
	)
	switch src.kind {
	case kindNone:
		return claims.Custom{}
	case kindStatic:
		raw = src.static
	case kindComputed:
		raw, err = r.compute(ctx, src.compute, id)
	}
	if err != nil {
		slog.Warn("custom claims resolution failed, continuing without custom claims",
			"subject", id.Subject, "error", err)
		return claims.Custom{}
	}
	return claims.Sanitize(raw)
}

type result struct {
	claims claims.Custom
	err    error
}

func (r *Resolver) compute(ctx context.Context, fn ComputeFunc, id claims.Identity) (claims.Custom, error) {
	timeout := DefaultTimeout
	if r != nil {
		timeout = r.timeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	done := make(chan result, 1)
	go func() {
		defer func() {
			if p := recover(); p != nil {
				done <- result{err: fmt.Errorf("claims function panicked: %v", p)}
			}
		}()
		c, err := fn(ctx, id)
		done <- result{claims: c, err: err}
	}()

	select {
	case res := <-done:
		return res.claims, res.err
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, fmt.Errorf("claims function timed out after %s", timeout)
		}
		return nil, ctx.Err()
	}
}
