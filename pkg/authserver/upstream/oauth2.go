// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package upstream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"

	"golang.org/x/oauth2"

	"github.com/stacklok/authbroker/pkg/authserver/claims"
)

// Compile-time interface compliance check.
var _ Provider = (*OAuth2Provider)(nil)

// OAuth2Provider implements Provider for OAuth 2.0 providers with explicit
// endpoints and a userinfo endpoint.
type OAuth2Provider struct {
	name       string
	oauth      *oauth2.Config
	userInfo   string
	mapping    UserInfoFieldMapping
	httpClient *http.Client
}

// OAuth2ProviderOption configures an OAuth2Provider.
type OAuth2ProviderOption func(*OAuth2Provider)

// WithHTTPClient sets the client used for token and userinfo requests.
func WithHTTPClient(client *http.Client) OAuth2ProviderOption {
	return func(p *OAuth2Provider) {
		p.httpClient = client
	}
}

// NewOAuth2Provider creates a provider from cfg.
func NewOAuth2Provider(cfg *Config, opts ...OAuth2ProviderOption) (*OAuth2Provider, error) {
	if cfg == nil {
		return nil, errors.New("config is required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid provider config: %w", err)
	}

	p := &OAuth2Provider{
		name: cfg.Name,
		oauth: &oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			Endpoint: oauth2.Endpoint{
				AuthURL:  cfg.AuthURL,
				TokenURL: cfg.TokenURL,
			},
			RedirectURL: cfg.RedirectURL,
			Scopes:      cfg.Scopes,
		},
		userInfo:   cfg.UserInfoURL,
		mapping:    cfg.FieldMapping.withDefaults(),
		httpClient: http.DefaultClient,
	}
	for _, opt := range opts {
		opt(p)
	}

	slog.Debug("created OAuth2 provider",
		"provider", cfg.Name,
		"authorization_endpoint", cfg.AuthURL,
		"token_endpoint", cfg.TokenURL,
	)
	return p, nil
}

// Name returns the provider name.
func (p *OAuth2Provider) Name() string {
	return p.name
}

// AuthorizationURL builds the URL to redirect the user to the provider.
func (p *OAuth2Provider) AuthorizationURL(state, verifier string) string {
	return p.oauth.AuthCodeURL(state, oauth2.AccessTypeOffline, oauth2.S256ChallengeOption(verifier))
}

// ExchangeCode exchanges an authorization code for provider tokens.
func (p *OAuth2Provider) ExchangeCode(ctx context.Context, code, verifier string) (*oauth2.Token, error) {
	if code == "" {
		return nil, errors.New("authorization code is required")
	}
	ctx = context.WithValue(ctx, oauth2.HTTPClient, p.httpClient)

	token, err := p.oauth.Exchange(ctx, code, oauth2.VerifierOption(verifier))
	if err != nil {
		return nil, fmt.Errorf("failed to exchange code with %s: %w", p.name, err)
	}
	slog.Debug("provider code exchange successful",
		"provider", p.name,
		"has_refresh_token", token.RefreshToken != "",
	)
	return token, nil
}

// UserInfo fetches the user object and maps it to an identity. The full
// object is kept in Identity.Raw.
func (p *OAuth2Provider) UserInfo(ctx context.Context, token *oauth2.Token) (*claims.Identity, error) {
	if token == nil || token.AccessToken == "" {
		return nil, errors.New("access token is required")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.userInfo, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create userinfo request: %w", err)
	}
	token.SetAuthHeader(req)
	req.Header.Set("Accept", "application/json")

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("userinfo request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return nil, fmt.Errorf("failed to read userinfo response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("userinfo request returned status %d", resp.StatusCode)
	}

	var raw map[string]any
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, fmt.Errorf("failed to parse userinfo response: %w", err)
	}

	subject := stringField(raw, p.mapping.SubjectField)
	if subject == "" {
		return nil, ErrMissingSubject
	}
	return &claims.Identity{
		Subject:  subject,
		Email:    stringField(raw, p.mapping.EmailField),
		Name:     stringField(raw, p.mapping.NameField),
		Picture:  stringField(raw, p.mapping.PictureField),
		Provider: p.name,
		Raw:      raw,
	}, nil
}

// stringField reads a string or numeric field. Numeric IDs are common for
// subjects, so they are formatted without exponent.
func stringField(m map[string]any, field string) string {
	switch v := m[field].(type) {
	case string:
		return v
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	default:
		return ""
	}
}
