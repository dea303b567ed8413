// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package exchange drives sign-in with external providers and the local
// password flow up to the issuance of a single-use authorization code.
//
// A provider flow is linear with one fork on the presence of a callback:
//
//	Begin: store state and PKCE verifier, redirect to the provider
//	Callback: take state, exchange code, fetch userinfo, run the hook
//	pipeline, issue an authorization code, redirect to the client
//
// A callback has exactly two observable outcomes: a redirect carrying a code,
// or a redirect carrying ErrorToken. The cause of a failure is only written
// to the logs and the audit channel.
package exchange

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/oauth2"

	"github.com/stacklok/authbroker/pkg/audit"
	"github.com/stacklok/authbroker/pkg/authserver/authcode"
	"github.com/stacklok/authbroker/pkg/authserver/claims"
	"github.com/stacklok/authbroker/pkg/authserver/customclaims"
	"github.com/stacklok/authbroker/pkg/authserver/password"
	"github.com/stacklok/authbroker/pkg/authserver/storage"
	"github.com/stacklok/authbroker/pkg/authserver/upstream"
	autherrors "github.com/stacklok/authbroker/pkg/errors"
	"github.com/stacklok/authbroker/pkg/logger"
	"github.com/stacklok/authbroker/pkg/telemetry"
)

// DefaultStateTTL bounds the time a user may spend at the provider.
const DefaultStateTTL = 10 * time.Minute

// IdentityRecorder records authenticated identities.
type IdentityRecorder interface {
	Save(ctx context.Context, id claims.Identity) error
}

// Config wires an Orchestrator.
type Config struct {
	Providers *upstream.Registry
	// States holds pending authorizations between Begin and Callback.
	States    storage.Store
	Codes     *authcode.Store
	Resolver  *customclaims.Resolver
	Directory IdentityRecorder
	// Credentials enables the password flow when set.
	Credentials password.CredentialVerifier
	Redirects   RedirectPolicy
	StateTTL    time.Duration
	Timeout     time.Duration

	// Hooks is the global hook set.
	Hooks Hooks
	// ProviderHooks are call-site hook sets keyed by provider name,
	// including password.ProviderName for the password flow.
	ProviderHooks map[string]Hooks

	Audit   audit.Emitter
	Metrics *telemetry.Metrics
	Logger  *slog.Logger
}

// Orchestrator runs sign-in flows. It is safe for concurrent use; all
// per-flow state lives in the store.
type Orchestrator struct {
	cfg    Config
	tracer trace.Tracer
	audit  *slog.Logger
	now    func() time.Time
}

// New validates cfg and returns an Orchestrator.
func New(cfg Config) (*Orchestrator, error) {
	if cfg.States == nil || cfg.Codes == nil {
		return nil, autherrors.NewConfigurationError("exchange requires a state store and a code store", nil)
	}
	if cfg.StateTTL <= 0 {
		cfg.StateTTL = DefaultStateTTL
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = storage.DefaultOperationTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Orchestrator{
		cfg:    cfg,
		tracer: telemetry.Tracer(),
		audit:  logger.Audit(cfg.Logger),
		now:    time.Now,
	}, nil
}

// pendingAuthorization is stored under the state value while the user is at the provider.
type pendingAuthorization struct {
	Provider    string    `json:"provider"`
	Verifier    string    `json:"verifier"`
	RedirectURI string    `json:"redirectUri"`
	CreatedAt   time.Time `json:"createdAt"`
}

// IsCallback reports whether query is a provider callback rather than the
// start of a flow.
func IsCallback(query url.Values) bool {
	return query.Has("code") || query.Has("error") || query.Has("state")
}

// Begin starts a flow with provider and returns the provider URL to redirect to.
func (o *Orchestrator) Begin(ctx context.Context, provider, redirectURI string) (string, error) {
	p, ok := o.cfg.Providers.Get(provider)
	if !ok {
		return "", autherrors.NewNotFoundError(fmt.Sprintf("unknown provider %q", provider), nil)
	}
	target, err := o.cfg.Redirects.Resolve(redirectURI)
	if err != nil {
		return "", err
	}

	state := rand.Text()
	pending := pendingAuthorization{
		Provider:    provider,
		Verifier:    oauth2.GenerateVerifier(),
		RedirectURI: target,
		CreatedAt:   o.now().UTC(),
	}

	sctx, cancel := storage.WithTimeout(ctx, o.cfg.Timeout)
	defer cancel()
	key := storage.Key(storage.KeyTypeOAuthState, state)
	if err := storage.SetJSON(sctx, o.cfg.States, key, pending, o.cfg.StateTTL); err != nil {
		return "", autherrors.NewInternalError("failed to store authorization state", err)
	}

	slog.Debug("redirecting to provider", "provider", provider)
	return p.AuthorizationURL(state, pending.Verifier), nil
}

// stage names a pipeline step in failure logs.
type stage string

const (
	stageProviderError stage = "provider_error"
	stageState         stage = "state"
	stageExchange      stage = "exchange"
	stageUserInfo      stage = "userinfo"
	stageTransform     stage = "transform_identity"
	stagePersist       stage = "persist_identity"
	stageDirectory     stage = "directory"
	stageSuccess       stage = "notify_success"
	stageIssueCode     stage = "issue_code"
)

type stageError struct {
	stage stage
	err   error
}

func (e *stageError) Error() string { return fmt.Sprintf("%s: %v", e.stage, e.err) }
func (e *stageError) Unwrap() error { return e.err }

func fail(s stage, err error) error {
	return &stageError{stage: s, err: err}
}

// Callback completes a provider flow and returns where to redirect the
// browser. It never returns an error: failures become a redirect with ErrorToken.
func (o *Orchestrator) Callback(ctx context.Context, provider string, query url.Values) string {
	ctx, span := o.tracer.Start(ctx, "exchange.Callback",
		trace.WithAttributes(attribute.String("provider", provider)))
	defer span.End()

	target := o.cfg.Redirects.ClientURL
	code, pending, err := o.callback(ctx, provider, query)
	if pending != nil {
		target = pending.RedirectURI
	}
	if target == "" {
		target = "/"
	}

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "callback failed")
		o.callbackFailed(ctx, provider, err)
		return withParam(target, "error", ErrorToken)
	}
	return withParam(target, "code", code)
}

func (o *Orchestrator) callback(ctx context.Context, provider string, query url.Values) (string, *pendingAuthorization, error) {
	// The state is consumed before anything else so it cannot be replayed.
	pending, err := o.takeState(ctx, query.Get("state"))
	if err != nil {
		return "", nil, fail(stageState, err)
	}
	if errParam := query.Get("error"); errParam != "" {
		return "", pending, fail(stageProviderError,
			fmt.Errorf("provider returned %s: %s", errParam, query.Get("error_description")))
	}
	if pending.Provider != provider {
		return "", pending, fail(stageState,
			fmt.Errorf("state was issued for provider %q", pending.Provider))
	}
	p, ok := o.cfg.Providers.Get(provider)
	if !ok {
		return "", pending, fail(stageState, fmt.Errorf("unknown provider %q", provider))
	}

	tokens, err := p.ExchangeCode(ctx, query.Get("code"), pending.Verifier)
	if err != nil {
		return "", pending, fail(stageExchange, err)
	}
	id, err := p.UserInfo(ctx, tokens)
	if err != nil {
		return "", pending, fail(stageUserInfo, err)
	}
	id.Provider = provider

	code, err := o.complete(ctx, provider, *id, tokens)
	return code, pending, err
}

func (o *Orchestrator) takeState(ctx context.Context, state string) (*pendingAuthorization, error) {
	if state == "" {
		return nil, errors.New("missing state")
	}
	ctx, cancel := storage.WithTimeout(ctx, o.cfg.Timeout)
	defer cancel()

	pending, err := storage.TakeJSON[pendingAuthorization](ctx, o.cfg.States, storage.Key(storage.KeyTypeOAuthState, state))
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, errors.New("unknown or expired state")
		}
		return nil, err
	}
	if o.now().After(pending.CreatedAt.Add(o.cfg.StateTTL)) {
		return nil, errors.New("expired state")
	}
	return pending, nil
}

// complete runs the identity pipeline shared by provider and password flows
// and issues an authorization code.
func (o *Orchestrator) complete(
	ctx context.Context, provider string, id claims.Identity, tokens *oauth2.Token,
) (code string, err error) {
	defer func() {
		if r := recover(); r != nil {
			code, err = "", fmt.Errorf("panic in sign-in pipeline: %v", r)
		}
	}()

	hooks := hookSet{global: o.cfg.Hooks, site: o.cfg.ProviderHooks[provider]}

	if hook := hooks.userInfo(); hook != nil {
		if id, err = hook(ctx, id, tokens); err != nil {
			return "", fail(stageTransform, err)
		}
	}
	if hook := hooks.persist(); hook != nil {
		enrichment, err := hook(ctx, id)
		if err != nil {
			return "", fail(stagePersist, err)
		}
		id = enrichment.apply(id)
	}
	if id.Subject == "" {
		return "", fail(stageTransform, errors.New("identity has no subject"))
	}
	if o.cfg.Directory != nil {
		if err := o.cfg.Directory.Save(ctx, id); err != nil {
			return "", fail(stageDirectory, err)
		}
	}

	custom := o.cfg.Resolver.Resolve(ctx, id, hooks.site.Claims)

	info := SuccessInfo{Identity: id, Provider: provider, Claims: custom, ProviderTokens: tokens}
	for _, hook := range hooks.success() {
		if err := hook(ctx, info); err != nil {
			return "", fail(stageSuccess, err)
		}
	}

	code, err = o.cfg.Codes.Issue(ctx, authcode.IssueParams{
		Identity:       id,
		ProviderTokens: tokens,
		Provider:       provider,
		Claims:         custom,
	})
	if err != nil {
		return "", fail(stageIssueCode, err)
	}

	o.cfg.Metrics.TokenIssued(telemetry.KindAuthCode)
	o.emit(ctx, audit.NewEvent(audit.EventAuthCodeIssued, audit.OutcomeSuccess, id.Subject), provider)
	return code, nil
}

// PasswordLogin verifies local credentials, runs the identity pipeline and
// returns an authorization code.
func (o *Orchestrator) PasswordLogin(ctx context.Context, email, pass, source string) (string, error) {
	if o.cfg.Credentials == nil {
		return "", autherrors.NewNotFoundError("password login is not enabled", nil)
	}
	ctx, span := o.tracer.Start(ctx, "exchange.PasswordLogin")
	defer span.End()

	id, err := o.cfg.Credentials.Verify(ctx, email, pass)
	if err != nil {
		span.SetStatus(codes.Error, "credentials rejected")
		ev := audit.NewEvent(audit.EventPasswordLoginRejected, audit.OutcomeFailure, "")
		ev.Source = source
		o.emit(ctx, ev, password.ProviderName)
		if autherrors.IsAuthentication(err) {
			return "", err
		}
		return "", autherrors.NewInternalError("failed to verify credentials", err)
	}
	id.Provider = password.ProviderName

	code, err := o.complete(ctx, password.ProviderName, *id, nil)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "pipeline failed")
		o.callbackFailed(ctx, password.ProviderName, err)
		var typed *autherrors.Error
		switch {
		case errors.As(err, &typed) && typed.Type == autherrors.ErrInternal:
			return "", autherrors.NewInternalError("sign-in failed", err)
		case typed != nil:
			return "", typed
		default:
			return "", autherrors.NewAuthenticationError("sign-in failed", err)
		}
	}
	return code, nil
}

func (o *Orchestrator) callbackFailed(ctx context.Context, provider string, err error) {
	st := stage("unknown")
	var se *stageError
	if errors.As(err, &se) {
		st = se.stage
	}
	o.audit.Warn("sign-in failed", "provider", provider, "stage", string(st), "error", err)

	ev := audit.NewEvent(audit.EventOAuthCallbackFailed, audit.OutcomeFailure, "")
	ev.Reason = string(st)
	o.emit(ctx, ev, provider)
}

func (o *Orchestrator) emit(ctx context.Context, ev audit.Event, provider string) {
	if o.cfg.Audit == nil {
		return
	}
	ev.Provider = provider
	o.cfg.Audit.Emit(ctx, ev)
}
