// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package password verifies credentials for the local password flow.
package password

import (
	"context"
	"strings"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"github.com/stacklok/authbroker/pkg/authserver/claims"
	"github.com/stacklok/authbroker/pkg/config"
	autherrors "github.com/stacklok/authbroker/pkg/errors"
)

//go:generate mockgen -destination=mocks/mock_verifier.go -package=mocks github.com/stacklok/authbroker/pkg/authserver/password CredentialVerifier

// ProviderName is the provider recorded for identities of the password flow.
const ProviderName = "password"

// ErrInvalidCredentials is returned for unknown accounts and wrong passwords alike.
var ErrInvalidCredentials = autherrors.NewAuthenticationError("invalid credentials", nil)

// CredentialVerifier resolves an identity from an email and password.
type CredentialVerifier interface {
	Verify(ctx context.Context, email, password string) (*claims.Identity, error)
}

// Hasher hashes and compares passwords with bcrypt.
type Hasher struct {
	Cost int
}

// NewHasher returns a Hasher, clamping cost into the range bcrypt accepts.
func NewHasher(cost int) *Hasher {
	if cost <= 0 {
		cost = bcrypt.DefaultCost
	}
	cost = max(bcrypt.MinCost, min(cost, bcrypt.MaxCost))
	return &Hasher{Cost: cost}
}

// Hash returns the bcrypt hash of password.
func (h *Hasher) Hash(password string) (string, error) {
	b, err := bcrypt.GenerateFromPassword([]byte(password), h.Cost)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// Compare returns nil when password matches hash.
func (*Hasher) Compare(hash, password string) error {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(password))
}

type account struct {
	identity claims.Identity
	hash     string
}

// AccountVerifier verifies credentials against configured local accounts.
type AccountVerifier struct {
	hasher   *Hasher
	accounts map[string]account
	// decoy is compared for unknown emails so both failures cost the same
	decoy string
}

// NewAccountVerifier indexes accounts by lower-cased email.
func NewAccountVerifier(accounts []config.LocalAccount) (*AccountVerifier, error) {
	h := NewHasher(bcrypt.MinCost)
	decoy, err := h.Hash(uuid.NewString())
	if err != nil {
		return nil, autherrors.NewInternalError("failed to prepare password verifier", err)
	}

	v := &AccountVerifier{hasher: h, accounts: make(map[string]account, len(accounts)), decoy: decoy}
	for _, a := range accounts {
		email := strings.ToLower(strings.TrimSpace(a.Email))
		subject := a.Subject
		if subject == "" {
			subject = uuid.NewSHA1(uuid.NameSpaceURL, []byte("local:"+email)).String()
		}
		v.accounts[email] = account{
			identity: claims.Identity{
				Subject:  subject,
				Email:    a.Email,
				Name:     a.Name,
				Provider: ProviderName,
				Roles:    a.Roles,
			},
			hash: a.PasswordHash,
		}
	}
	return v, nil
}

// Verify implements CredentialVerifier.
func (v *AccountVerifier) Verify(_ context.Context, email, password string) (*claims.Identity, error) {
	if email == "" || password == "" {
		return nil, ErrInvalidCredentials
	}
	acct, ok := v.accounts[strings.ToLower(strings.TrimSpace(email))]
	if !ok {
		_ = v.hasher.Compare(v.decoy, password)
		return nil, ErrInvalidCredentials
	}
	if err := v.hasher.Compare(acct.hash, password); err != nil {
		return nil, ErrInvalidCredentials
	}
	id := acct.identity
	id.Roles = append([]string(nil), acct.identity.Roles...)
	return &id, nil
}
