// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package authserver assembles the broker.
//
// A Broker is built once at startup from the validated configuration and
// holds every component explicitly. Components receive their collaborators
// from the Broker; there is no package-level registry.
//
// # Usage
//
//	b, err := authserver.New(ctx, cfg,
//	    authserver.WithClaims(customclaims.Static(claims.Custom{"tenant": "acme"})),
//	)
//	if err != nil {
//	    return err
//	}
//	defer b.Close()
//	srv := &http.Server{Addr: cfg.Server.Address, Handler: b.Handler()}
package authserver

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/stacklok/authbroker/pkg/audit"
	"github.com/stacklok/authbroker/pkg/auth"
	"github.com/stacklok/authbroker/pkg/authserver/authcode"
	"github.com/stacklok/authbroker/pkg/authserver/claims"
	"github.com/stacklok/authbroker/pkg/authserver/customclaims"
	"github.com/stacklok/authbroker/pkg/authserver/directory"
	"github.com/stacklok/authbroker/pkg/authserver/exchange"
	"github.com/stacklok/authbroker/pkg/authserver/impersonation"
	"github.com/stacklok/authbroker/pkg/authserver/password"
	"github.com/stacklok/authbroker/pkg/authserver/refresh"
	"github.com/stacklok/authbroker/pkg/authserver/server/handlers"
	"github.com/stacklok/authbroker/pkg/authserver/session"
	"github.com/stacklok/authbroker/pkg/authserver/storage"
	"github.com/stacklok/authbroker/pkg/authserver/upstream"
	"github.com/stacklok/authbroker/pkg/config"
	"github.com/stacklok/authbroker/pkg/telemetry"
)

// Broker is the process-wide set of broker components.
type Broker struct {
	Config        *config.Config
	Store         storage.Store
	Codec         *claims.Codec
	Resolver      *customclaims.Resolver
	Codes         *authcode.Store
	Refresh       *refresh.Store
	Directory     *directory.Directory
	Providers     *upstream.Registry
	Exchange      *exchange.Orchestrator
	Sessions      *session.Service
	Impersonation *impersonation.Engine
	Authenticator *auth.Authenticator
	Metrics       *telemetry.Metrics
	Audit         *audit.Dispatcher

	handler http.Handler
}

// Option customises a Broker beyond what configuration expresses.
type Option func(*options)

type options struct {
	store         storage.Store
	sink          audit.Sink
	metrics       *telemetry.Metrics
	claims        customclaims.Source
	hooks         exchange.Hooks
	providerHooks map[string]exchange.Hooks
	providers     []upstream.Provider
	httpClient    *http.Client
	credentials   password.CredentialVerifier
	policy        impersonation.Policy
	users         impersonation.UserDirectory
}

// WithStore uses kv instead of the configured backend. The Broker owns kv
// and closes it.
func WithStore(kv storage.Store) Option {
	return func(o *options) { o.store = kv }
}

// WithAuditSink replaces the default audit sink, which writes JSON to stdout.
func WithAuditSink(sink audit.Sink) Option {
	return func(o *options) { o.sink = sink }
}

// WithMetrics uses m instead of a fresh metrics registry.
func WithMetrics(m *telemetry.Metrics) Option {
	return func(o *options) { o.metrics = m }
}

// WithClaims sets the global custom claims source.
func WithClaims(src customclaims.Source) Option {
	return func(o *options) { o.claims = src }
}

// WithHooks sets the global sign-in hooks.
func WithHooks(h exchange.Hooks) Option {
	return func(o *options) { o.hooks = h }
}

// WithProviderHooks sets the hooks of a single provider. They take the
// place of the global hooks according to each hook's policy.
func WithProviderHooks(provider string, h exchange.Hooks) Option {
	return func(o *options) {
		if o.providerHooks == nil {
			o.providerHooks = make(map[string]exchange.Hooks)
		}
		o.providerHooks[provider] = h
	}
}

// WithProviders uses providers instead of the configured ones.
func WithProviders(providers ...upstream.Provider) Option {
	return func(o *options) { o.providers = providers }
}

// WithHTTPClient sets the client used to reach configured providers.
func WithHTTPClient(c *http.Client) Option {
	return func(o *options) { o.httpClient = c }
}

// WithCredentialVerifier enables the password flow with v instead of the
// configured local accounts.
func WithCredentialVerifier(v password.CredentialVerifier) Option {
	return func(o *options) { o.credentials = v }
}

// WithImpersonationPolicy replaces the admin role policy.
func WithImpersonationPolicy(p impersonation.Policy) Option {
	return func(o *options) { o.policy = p }
}

// WithUserDirectory resolves impersonation targets through users instead of
// the directory of identities that have signed in through this broker.
func WithUserDirectory(users impersonation.UserDirectory) Option {
	return func(o *options) { o.users = users }
}

// New builds a Broker from cfg. Any configuration problem is returned as a
// configuration error before anything is served.
func New(ctx context.Context, cfg *config.Config, opts ...Option) (b *Broker, err error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	o := &options{}
	for _, opt := range opts {
		opt(o)
	}

	b = &Broker{Config: cfg, Metrics: o.metrics}
	defer func() {
		if err != nil {
			_ = b.Close()
			b = nil
		}
	}()

	if b.Metrics == nil {
		b.Metrics = telemetry.NewMetrics()
	}

	b.Store = o.store
	if b.Store == nil {
		if b.Store, err = NewStore(ctx, cfg.Storage); err != nil {
			return nil, err
		}
	}

	sink := o.sink
	if sink == nil {
		sink = audit.NewLogSink(nil)
	}
	b.Audit = audit.NewDispatcher(audit.Config{
		BufferSize: cfg.Audit.BufferSize,
		DropIfFull: cfg.Audit.DropIfFull,
		OnDrop:     b.Metrics.AuditDropped,
	}, sink)

	if b.Codec, err = claims.NewCodec(claims.Config{
		Secret:    cfg.Token.Secret,
		Algorithm: cfg.Token.Algorithm,
		Issuer:    cfg.Token.Issuer,
		Audience:  cfg.Token.Audience,
		TTL:       cfg.Token.AccessTTL,
	}); err != nil {
		return nil, err
	}

	b.Resolver = customclaims.NewResolver(o.claims)
	b.Codes = authcode.NewStore(b.Store,
		authcode.WithTTL(cfg.AuthCode.TTL),
		authcode.WithOperationTimeout(cfg.Storage.Timeout))
	b.Refresh = refresh.NewStore(b.Store, refresh.Config{
		MaxAge:   cfg.Refresh.MaxAge,
		Rotation: cfg.Refresh.Rotation,
		ClaimTTL: cfg.Refresh.ClaimTTL,
		Timeout:  cfg.Storage.Timeout,
	})
	b.Directory = directory.New(b.Store, directory.WithOperationTimeout(cfg.Storage.Timeout))

	if b.Providers, err = newProviders(cfg, o); err != nil {
		return nil, err
	}

	credentials := o.credentials
	if credentials == nil && len(cfg.LocalAccounts) > 0 {
		if credentials, err = password.NewAccountVerifier(cfg.LocalAccounts); err != nil {
			return nil, err
		}
	}

	if b.Exchange, err = exchange.New(exchange.Config{
		Providers:     b.Providers,
		States:        b.Store,
		Codes:         b.Codes,
		Resolver:      b.Resolver,
		Directory:     b.Directory,
		Credentials:   credentials,
		Redirects:     exchange.RedirectPolicy{ClientURL: cfg.Redirect.ClientURL, AllowedURIs: cfg.Redirect.AllowedURIs},
		StateTTL:      cfg.AuthCode.StateTTL,
		Timeout:       cfg.Storage.Timeout,
		Hooks:         o.hooks,
		ProviderHooks: o.providerHooks,
		Audit:         b.Audit,
		Metrics:       b.Metrics,
	}); err != nil {
		return nil, err
	}

	if b.Sessions, err = session.NewService(session.Config{
		Codec:    b.Codec,
		Codes:    b.Codes,
		Refresh:  b.Refresh,
		Resolver: b.Resolver,
		Audit:    b.Audit,
		Metrics:  b.Metrics,
	}); err != nil {
		return nil, err
	}

	policy := o.policy
	if policy == nil {
		policy = impersonation.RolePolicy(cfg.Impersonation.AdminRoles...)
	}
	var users impersonation.UserDirectory = b.Directory
	if o.users != nil {
		users = o.users
	}
	if b.Impersonation, err = impersonation.New(impersonation.Config{
		Codec:     b.Codec,
		Sessions:  b.Sessions,
		Directory: users,
		Resolver:  b.Resolver,
		Policy:    policy,
		TTL:       cfg.Token.ImpersonationTTL,
		Audit:     b.Audit,
		Metrics:   b.Metrics,
	}); err != nil {
		return nil, err
	}

	b.Authenticator = auth.NewAuthenticator(b.Codec,
		auth.WithCookie(cfg.Token.CookieName),
		auth.WithAudit(b.Audit))

	cookie, err := handlers.CookieSettingsFromConfig(cfg)
	if err != nil {
		return nil, err
	}
	b.handler = handlers.NewHandler(handlers.Config{
		Exchange:      b.Exchange,
		Sessions:      b.Sessions,
		Impersonation: b.Impersonation,
		Authenticator: b.Authenticator,
		Store:         b.Store,
		Metrics:       b.Metrics,
		Cookie:        cookie,
		LoginLimit:    handlers.LoginLimit{PerMinute: cfg.Login.RatePerMinute, Burst: cfg.Login.Burst},
		StoreTimeout:  cfg.Storage.Timeout,
	}).Routes()

	slog.Debug("broker assembled",
		"providers", b.Providers.Names(),
		"password_login", credentials != nil,
		"rotation", cfg.Refresh.Rotation)
	return b, nil
}

func newProviders(cfg *config.Config, o *options) (*upstream.Registry, error) {
	if len(o.providers) > 0 {
		return upstream.NewRegistry(o.providers...), nil
	}
	var popts []upstream.OAuth2ProviderOption
	if o.httpClient != nil {
		popts = append(popts, upstream.WithHTTPClient(o.httpClient))
	}
	return upstream.NewRegistryFromConfig(cfg.Providers, popts...)
}

// Handler returns the HTTP handler serving every broker endpoint.
func (b *Broker) Handler() http.Handler {
	return b.handler
}

// Close flushes pending audit events and releases the store.
func (b *Broker) Close() error {
	if b == nil {
		return nil
	}
	if b.Audit != nil {
		b.Audit.Close()
	}
	var errs []error
	if b.Store != nil {
		errs = append(errs, b.Store.Close())
	}
	return errors.Join(errs...)
}
