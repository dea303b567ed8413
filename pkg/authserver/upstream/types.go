// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package upstream talks to the external OAuth providers users sign in with.
//
// Every provider is described uniformly by a Config: endpoints, client
// credentials, scopes and how to read the user object returned by its
// userinfo endpoint. Provider-specific quirks are limited to the field
// mapping.
package upstream

import (
	"context"
	"errors"
	"fmt"
	"net/url"

	"golang.org/x/oauth2"

	"github.com/stacklok/authbroker/pkg/authserver/claims"
)

//go:generate mockgen -destination=mocks/mock_provider.go -package=mocks github.com/stacklok/authbroker/pkg/authserver/upstream Provider

// maxResponseSize is the maximum allowed response size for HTTP requests to prevent DoS.
const maxResponseSize = 1024 * 1024 // 1MB

// Provider drives the authorization code flow against one external provider.
type Provider interface {
	// Name returns the provider name used in routes and records.
	Name() string

	// AuthorizationURL builds the URL to redirect the user to. The PKCE
	// challenge is derived from verifier.
	AuthorizationURL(state, verifier string) string

	// ExchangeCode exchanges the callback code for provider tokens.
	ExchangeCode(ctx context.Context, code, verifier string) (*oauth2.Token, error)

	// UserInfo fetches the user behind token and maps it to an identity.
	UserInfo(ctx context.Context, token *oauth2.Token) (*claims.Identity, error)
}

// ErrMissingSubject is returned when the userinfo response has no usable subject.
var ErrMissingSubject = errors.New("userinfo response has no subject")

// UserInfoFieldMapping maps provider-specific field names to identity fields.
type UserInfoFieldMapping struct {
	// SubjectField is the field name for the user ID (default: "sub").
	SubjectField string
	// NameField is the field name for the display name (default: "name").
	NameField string
	// EmailField is the field name for the email address (default: "email").
	EmailField string
	// PictureField is the field name for the avatar URL (default: "picture").
	PictureField string
}

func (m UserInfoFieldMapping) withDefaults() UserInfoFieldMapping {
	if m.SubjectField == "" {
		m.SubjectField = "sub"
	}
	if m.NameField == "" {
		m.NameField = "name"
	}
	if m.EmailField == "" {
		m.EmailField = "email"
	}
	if m.PictureField == "" {
		m.PictureField = "picture"
	}
	return m
}

// Config describes one provider.
type Config struct {
	Name         string
	ClientID     string
	ClientSecret string
	AuthURL      string
	TokenURL     string
	UserInfoURL  string
	RedirectURL  string
	Scopes       []string
	FieldMapping UserInfoFieldMapping
}

// Validate checks that Config has all required fields and valid values.
func (c *Config) Validate() error {
	if c.Name == "" {
		return errors.New("name is required")
	}
	if c.ClientID == "" {
		return errors.New("client_id is required")
	}
	for field, raw := range map[string]string{
		"auth_url":      c.AuthURL,
		"token_url":     c.TokenURL,
		"user_info_url": c.UserInfoURL,
		"redirect_url":  c.RedirectURL,
	} {
		if err := validateEndpoint(raw); err != nil {
			return fmt.Errorf("%s %w", field, err)
		}
	}
	return nil
}

func validateEndpoint(raw string) error {
	if raw == "" {
		return errors.New("is required")
	}
	parsed, err := url.Parse(raw)
	if err != nil {
		return errors.New("must be a valid URL")
	}
	if parsed.Scheme == "" || parsed.Host == "" {
		return errors.New("must be an absolute URL with scheme and host")
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return errors.New("must use http or https scheme")
	}
	return nil
}
