// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package refresh stores refresh token records and implements rotation,
// revocation and reuse detection.
//
// A record is keyed by the SHA-256 of its raw token. Rotation mints a new
// record that points back to the presented one (previousTokenHash) and then
// revokes the presented record in place, so a later presentation of the old
// token is recognised as reuse instead of looking merely unknown.
//
// Concurrent rotations of the same token are resolved in two layers. Within
// a process they are coalesced with singleflight and share one successor.
// Across processes the first rotation takes an atomic claim on the presented
// hash and every other rotation of that hash is rejected.
package refresh

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/stacklok/authbroker/pkg/authserver/claims"
	"github.com/stacklok/authbroker/pkg/authserver/storage"
	autherrors "github.com/stacklok/authbroker/pkg/errors"
)

// Defaults
const (
	DefaultMaxAge   = 30 * 24 * time.Hour
	DefaultClaimTTL = 10 * time.Second
)

var (
	// ErrInvalidToken is returned for unknown, expired and concurrently
	// claimed tokens.
	ErrInvalidToken = autherrors.NewAuthenticationError("invalid refresh token", nil)

	// ErrReuseDetected is returned when a revoked token is presented. It
	// renders exactly like ErrInvalidToken; it only exists so callers can audit it.
	ErrReuseDetected = autherrors.NewAuthenticationError("revoked refresh token presented", nil)

	// ErrRecordNotFound is returned by Lookup and Revoke for unknown hashes.
	ErrRecordNotFound = autherrors.NewNotFoundError("refresh record not found", nil)
)

// Record is the persisted state behind one refresh token.
type Record struct {
	Subject   string     `json:"subject"`
	ExpiresAt time.Time  `json:"expiresAt"`
	Revoked   bool       `json:"revoked"`
	RevokedAt *time.Time `json:"revokedAt,omitempty"`
	// PreviousTokenHash links a rotated record to the one it replaced.
	PreviousTokenHash string `json:"previousTokenHash,omitempty"`
	// Identity is the identity as returned by the provider, including Raw.
	Identity  claims.Identity `json:"identity"`
	Provider  string          `json:"provider"`
	Claims    claims.Custom   `json:"claims,omitempty"`
	CreatedAt time.Time       `json:"createdAt"`
}

// ValidAt reports whether the record may be used at now.
func (r *Record) ValidAt(now time.Time) bool {
	return r != nil && !r.Revoked && now.Before(r.ExpiresAt)
}

// Config configures a Store.
type Config struct {
	MaxAge time.Duration
	// Rotation issues a new token on every refresh. When disabled the
	// presented token stays valid until it expires.
	Rotation bool
	// ClaimTTL bounds the cross-process rotation claim.
	ClaimTTL time.Duration
	// Timeout bounds each store call.
	Timeout time.Duration
}

// Store manages refresh records in a key-value store.
type Store struct {
	kv    storage.Store
	cfg   Config
	group singleflight.Group
	now   func() time.Time
}

// NewStore returns a refresh store on kv.
func NewStore(kv storage.Store, cfg Config) *Store {
	if cfg.MaxAge <= 0 {
		cfg.MaxAge = DefaultMaxAge
	}
	if cfg.ClaimTTL <= 0 {
		cfg.ClaimTTL = DefaultClaimTTL
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = storage.DefaultOperationTimeout
	}
	return &Store{kv: kv, cfg: cfg, now: time.Now}
}

// IssueParams describes a record to create.
type IssueParams struct {
	Identity claims.Identity
	Provider string
	Claims   claims.Custom
	// PreviousHash is set when the record replaces a rotated one.
	PreviousHash string
}

// Issued is a freshly stored token.
type Issued struct {
	// Raw is the token handed to the client. It is not stored anywhere.
	Raw    string
	Hash   string
	Record *Record
}

// IssueAndStore creates a record with a new random token.
func (s *Store) IssueAndStore(ctx context.Context, p IssueParams) (*Issued, error) {
	if p.Identity.Subject == "" {
		return nil, autherrors.NewValidationError("identity subject is required", nil)
	}

	raw := newRawToken()
	hash := HashToken(raw)
	now := s.now().UTC()
	rec := &Record{
		Subject:           p.Identity.Subject,
		ExpiresAt:         now.Add(s.cfg.MaxAge),
		PreviousTokenHash: p.PreviousHash,
		Identity:          p.Identity,
		Provider:          p.Provider,
		Claims:            p.Claims,
		CreatedAt:         now,
	}

	ctx, cancel := storage.WithTimeout(ctx, s.cfg.Timeout)
	defer cancel()

	key := storage.Key(storage.KeyTypeRefresh, hash)
	if err := storage.SetJSON(ctx, s.kv, key, rec, s.cfg.MaxAge); err != nil {
		return nil, autherrors.NewInternalError("failed to store refresh token", err)
	}
	if err := s.kv.AddToSet(ctx, subjectKey(rec.Subject), hash, s.cfg.MaxAge); err != nil {
		// Compensating delete so the record does not outlive its index entry
		if delErr := s.kv.Delete(ctx, key); delErr != nil {
			slog.Error("failed to clean up refresh record after index failure",
				"token_hash", ShortHash(hash), "error", delErr)
		}
		return nil, autherrors.NewInternalError("failed to index refresh token", err)
	}

	return &Issued{Raw: raw, Hash: hash, Record: rec}, nil
}

// Lookup returns the record stored under hash, whatever its state.
func (s *Store) Lookup(ctx context.Context, hash string) (*Record, error) {
	ctx, cancel := storage.WithTimeout(ctx, s.cfg.Timeout)
	defer cancel()

	rec, err := storage.GetJSON[Record](ctx, s.kv, storage.Key(storage.KeyTypeRefresh, hash))
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, ErrRecordNotFound
		}
		return nil, autherrors.NewInternalError("failed to look up refresh token", err)
	}
	return rec, nil
}

// Validate returns the record behind raw if it exists, is not revoked and
// has not expired. Revoked records yield ErrReuseDetected, everything else
// ErrInvalidToken.
func (s *Store) Validate(ctx context.Context, raw string) (*Record, string, error) {
	if raw == "" {
		return nil, "", ErrInvalidToken
	}
	hash := HashToken(raw)
	rec, err := s.Lookup(ctx, hash)
	if err != nil {
		if errors.Is(err, ErrRecordNotFound) {
			return nil, hash, ErrInvalidToken
		}
		return nil, hash, err
	}
	if rec.Revoked {
		return rec, hash, ErrReuseDetected
	}
	if !rec.ValidAt(s.now()) {
		return rec, hash, ErrInvalidToken
	}
	return rec, hash, nil
}

// Revoke marks the record revoked in place. The record keeps its original
// expiry so a reused token can still be recognised until then.
func (s *Store) Revoke(ctx context.Context, hash string) error {
	rec, err := s.Lookup(ctx, hash)
	if err != nil {
		return err
	}
	if rec.Revoked {
		return nil
	}

	now := s.now().UTC()
	rec.Revoked = true
	rec.RevokedAt = &now

	ctx, cancel := storage.WithTimeout(ctx, s.cfg.Timeout)
	defer cancel()

	key := storage.Key(storage.KeyTypeRefresh, hash)
	ttl := rec.ExpiresAt.Sub(now)
	if ttl <= 0 {
		if err := s.kv.Delete(ctx, key); err != nil {
			return autherrors.NewInternalError("failed to delete expired refresh token", err)
		}
		return nil
	}
	if err := storage.SetJSON(ctx, s.kv, key, rec, ttl); err != nil {
		return autherrors.NewInternalError("failed to revoke refresh token", err)
	}
	return nil
}

// Delete removes the record under hash. Missing records are ignored.
func (s *Store) Delete(ctx context.Context, hash string) error {
	rec, err := s.Lookup(ctx, hash)
	if err != nil && !errors.Is(err, ErrRecordNotFound) {
		return err
	}

	ctx, cancel := storage.WithTimeout(ctx, s.cfg.Timeout)
	defer cancel()

	if err := s.kv.Delete(ctx, storage.Key(storage.KeyTypeRefresh, hash)); err != nil {
		return autherrors.NewInternalError("failed to delete refresh token", err)
	}
	if rec != nil {
		if err := s.kv.RemoveFromSet(ctx, subjectKey(rec.Subject), hash); err != nil {
			slog.Warn("failed to remove refresh token from subject index",
				"subject", rec.Subject, "token_hash", ShortHash(hash), "error", err)
		}
	}
	return nil
}

// RevokeAllForSubject deletes every record of subject except exceptHash and
// returns how many were removed.
func (s *Store) RevokeAllForSubject(ctx context.Context, subject, exceptHash string) (int, error) {
	ctx, cancel := storage.WithTimeout(ctx, s.cfg.Timeout)
	defer cancel()

	idx := subjectKey(subject)
	hashes, err := s.kv.SetMembers(ctx, idx)
	if err != nil {
		return 0, autherrors.NewInternalError("failed to list refresh tokens", err)
	}

	var keys, members []string
	for _, h := range hashes {
		if h == exceptHash {
			continue
		}
		keys = append(keys, storage.Key(storage.KeyTypeRefresh, h))
		members = append(members, h)
	}
	if len(keys) == 0 {
		return 0, nil
	}

	if err := s.kv.Delete(ctx, keys...); err != nil {
		return 0, autherrors.NewInternalError("failed to revoke refresh tokens", err)
	}
	if err := s.kv.RemoveFromSet(ctx, idx, members...); err != nil {
		slog.Warn("failed to prune subject index", "subject", subject, "error", err)
	}
	return len(keys), nil
}

// RecomputeFunc produces fresh custom claims during a rotation.
type RecomputeFunc func(ctx context.Context, id claims.Identity) claims.Custom

// RotateOptions tunes a single rotation.
type RotateOptions struct {
	// Recompute, when set, replaces the stored claims instead of carrying them forward.
	Recompute RecomputeFunc
}

// Rotation is the outcome of a successful refresh.
type Rotation struct {
	// Raw is the token the client must hold from now on. Without rotation
	// it is the presented token.
	Raw          string
	Hash         string
	Record       *Record
	PreviousHash string
	Rotated      bool
}

// Rotate validates the presented token and, if rotation is enabled, replaces
// it with a new one.
func (s *Store) Rotate(ctx context.Context, raw string, opts RotateOptions) (*Rotation, error) {
	if raw == "" {
		return nil, ErrInvalidToken
	}
	hash := HashToken(raw)

	// The shared rotation must not fail a coalesced caller because the
	// caller that started it went away; each store call keeps its own timeout.
	shared := context.WithoutCancel(ctx)
	ch := s.group.DoChan(hash, func() (any, error) {
		return s.rotate(shared, raw, opts)
	})

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Shared {
			slog.Debug("coalesced concurrent refresh", "token_hash", ShortHash(hash))
		}
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*Rotation), nil
	}
}

func (s *Store) rotate(ctx context.Context, raw string, opts RotateOptions) (*Rotation, error) {
	rec, hash, err := s.Validate(ctx, raw)
	if err != nil {
		return nil, err
	}

	if !s.cfg.Rotation {
		if opts.Recompute != nil {
			rec.Claims = opts.Recompute(ctx, rec.Identity)
			if err := s.rewrite(ctx, hash, rec); err != nil {
				return nil, err
			}
		}
		return &Rotation{Raw: raw, Hash: hash, Record: rec}, nil
	}

	if err := s.claim(ctx, hash); err != nil {
		return nil, err
	}
	rotated := false
	defer func() {
		if !rotated {
			s.release(ctx, hash)
		}
	}()

	carried := rec.Claims
	if opts.Recompute != nil {
		carried = opts.Recompute(ctx, rec.Identity)
	}

	next, err := s.IssueAndStore(ctx, IssueParams{
		Identity:     rec.Identity,
		Provider:     rec.Provider,
		Claims:       carried,
		PreviousHash: hash,
	})
	if err != nil {
		return nil, err
	}

	if err := s.Revoke(ctx, hash); err != nil {
		// The presented token stays valid, so the successor must not.
		if delErr := s.Delete(ctx, next.Hash); delErr != nil {
			slog.Error("failed to roll back rotated refresh token",
				"token_hash", ShortHash(next.Hash), "error", delErr)
		}
		return nil, fmt.Errorf("failed to revoke rotated refresh token: %w", err)
	}

	rotated = true
	return &Rotation{
		Raw:          next.Raw,
		Hash:         next.Hash,
		Record:       next.Record,
		PreviousHash: hash,
		Rotated:      true,
	}, nil
}

// claim takes the cross-process rotation claim on hash.
func (s *Store) claim(ctx context.Context, hash string) error {
	ctx, cancel := storage.WithTimeout(ctx, s.cfg.Timeout)
	defer cancel()

	ok, err := s.kv.SetNX(ctx, storage.Key(storage.KeyTypeRefreshClaim, hash), []byte("1"), s.cfg.ClaimTTL)
	if err != nil {
		return autherrors.NewInternalError("failed to claim refresh token", err)
	}
	if !ok {
		slog.Warn("refresh token already being rotated elsewhere", "token_hash", ShortHash(hash))
		return ErrInvalidToken
	}
	return nil
}

// release drops the rotation claim after a failed rotation so the presented
// token, which is still valid, can be retried at once.
func (s *Store) release(ctx context.Context, hash string) {
	ctx, cancel := storage.WithTimeout(ctx, s.cfg.Timeout)
	defer cancel()

	if err := s.kv.Delete(ctx, storage.Key(storage.KeyTypeRefreshClaim, hash)); err != nil {
		slog.Warn("failed to release refresh rotation claim",
			"token_hash", ShortHash(hash), "error", err)
	}
}

func (s *Store) rewrite(ctx context.Context, hash string, rec *Record) error {
	ttl := rec.ExpiresAt.Sub(s.now())
	if ttl <= 0 {
		return ErrInvalidToken
	}
	ctx, cancel := storage.WithTimeout(ctx, s.cfg.Timeout)
	defer cancel()
	if err := storage.SetJSON(ctx, s.kv, storage.Key(storage.KeyTypeRefresh, hash), rec, ttl); err != nil {
		return autherrors.NewInternalError("failed to update refresh token", err)
	}
	return nil
}

func subjectKey(subject string) string {
	return storage.Key(storage.KeyTypeSubject, subject)
}
