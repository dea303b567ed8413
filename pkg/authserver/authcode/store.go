// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package authcode implements the single-use authorization codes that bridge
// a finished provider flow to the broker's own token issuance.
package authcode

import (
	"context"
	"crypto/rand"
	"errors"
	"time"

	"golang.org/x/oauth2"

	"github.com/stacklok/authbroker/pkg/authserver/claims"
	"github.com/stacklok/authbroker/pkg/authserver/storage"
	autherrors "github.com/stacklok/authbroker/pkg/errors"
)

// DefaultTTL is the lifetime of a code when none is configured.
const DefaultTTL = 60 * time.Second

// ErrInvalidCode is returned for unknown, expired and already redeemed codes alike.
var ErrInvalidCode = autherrors.NewAuthenticationError("invalid or expired authorization code", nil)

// Record is the pending session a code stands for.
type Record struct {
	Identity       claims.Identity `json:"identity"`
	ProviderTokens *oauth2.Token   `json:"providerTokens,omitempty"`
	Provider       string          `json:"provider"`
	Claims         claims.Custom   `json:"claims,omitempty"`
	CreatedAt      time.Time       `json:"createdAt"`
	ExpiresAt      time.Time       `json:"expiresAt"`
}

// IssueParams describes a code to issue.
type IssueParams struct {
	Identity       claims.Identity
	ProviderTokens *oauth2.Token
	Provider       string
	Claims         claims.Custom
	// TTL overrides the store default when positive.
	TTL time.Duration
}

// Store issues and redeems authorization codes.
type Store struct {
	kv      storage.Store
	ttl     time.Duration
	timeout time.Duration
	now     func() time.Time
}

// Option configures a Store.
type Option func(*Store)

// WithTTL sets the default code lifetime.
func WithTTL(d time.Duration) Option {
	return func(s *Store) {
		if d > 0 {
			s.ttl = d
		}
	}
}

// WithOperationTimeout bounds each store call.
func WithOperationTimeout(d time.Duration) Option {
	return func(s *Store) {
		s.timeout = d
	}
}

// NewStore returns a code store on kv.
func NewStore(kv storage.Store, opts ...Option) *Store {
	s := &Store{
		kv:      kv,
		ttl:     DefaultTTL,
		timeout: storage.DefaultOperationTimeout,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Issue stores a new record and returns its code.
func (s *Store) Issue(ctx context.Context, p IssueParams) (string, error) {
	if p.Identity.Subject == "" {
		return "", autherrors.NewValidationError("identity subject is required", nil)
	}
	ttl := s.ttl
	if p.TTL > 0 {
		ttl = p.TTL
	}

	code := rand.Text()
	now := s.now().UTC()
	rec := Record{
		Identity:       p.Identity,
		ProviderTokens: p.ProviderTokens,
		Provider:       p.Provider,
		Claims:         p.Claims,
		CreatedAt:      now,
		ExpiresAt:      now.Add(ttl),
	}

	ctx, cancel := storage.WithTimeout(ctx, s.timeout)
	defer cancel()
	if err := storage.SetJSON(ctx, s.kv, storage.Key(storage.KeyTypeAuthCode, code), rec, ttl); err != nil {
		return "", autherrors.NewInternalError("failed to store authorization code", err)
	}
	return code, nil
}

// Redeem atomically consumes code. Only one of several concurrent
// redemptions of the same code succeeds.
func (s *Store) Redeem(ctx context.Context, code string) (*Record, error) {
	if code == "" {
		return nil, ErrInvalidCode
	}

	ctx, cancel := storage.WithTimeout(ctx, s.timeout)
	defer cancel()
	rec, err := storage.TakeJSON[Record](ctx, s.kv, storage.Key(storage.KeyTypeAuthCode, code))
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, ErrInvalidCode
		}
		return nil, autherrors.NewInternalError("failed to redeem authorization code", err)
	}
	if !s.now().Before(rec.ExpiresAt) {
		return nil, ErrInvalidCode
	}
	return rec, nil
}
