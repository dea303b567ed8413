// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package exchange

import (
	"context"
	"errors"
	"net/url"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"
	"golang.org/x/oauth2"

	"github.com/stacklok/authbroker/pkg/audit"
	"github.com/stacklok/authbroker/pkg/authserver/authcode"
	"github.com/stacklok/authbroker/pkg/authserver/claims"
	"github.com/stacklok/authbroker/pkg/authserver/customclaims"
	"github.com/stacklok/authbroker/pkg/authserver/directory"
	passwordmocks "github.com/stacklok/authbroker/pkg/authserver/password/mocks"
	"github.com/stacklok/authbroker/pkg/authserver/storage"
	"github.com/stacklok/authbroker/pkg/authserver/upstream"
	"github.com/stacklok/authbroker/pkg/authserver/upstream/mocks"
	autherrors "github.com/stacklok/authbroker/pkg/errors"
)

const clientURL = "https://app.example.com/callback"

type recordingEmitter struct {
	mu     sync.Mutex
	events []audit.Event
}

func (r *recordingEmitter) Emit(_ context.Context, ev audit.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *recordingEmitter) types() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.events))
	for _, ev := range r.events {
		out = append(out, ev.Type)
	}
	return out
}

func (r *recordingEmitter) last() audit.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.events[len(r.events)-1]
}

type harness struct {
	orch     *Orchestrator
	provider *mocks.MockProvider
	kv       storage.Store
	codes    *authcode.Store
	dir      *directory.Directory
	audit    *recordingEmitter
}

func newHarness(t *testing.T, mutate func(*Config)) *harness {
	t.Helper()
	ctrl := gomock.NewController(t)

	p := mocks.NewMockProvider(ctrl)
	p.EXPECT().Name().Return("github").AnyTimes()

	kv := storage.NewMemoryStore()
	t.Cleanup(func() { _ = kv.Close() })

	h := &harness{
		provider: p,
		kv:       kv,
		codes:    authcode.NewStore(kv),
		dir:      directory.New(kv),
		audit:    &recordingEmitter{},
	}
	cfg := Config{
		Providers: upstream.NewRegistry(p),
		States:    kv,
		Codes:     h.codes,
		Resolver:  customclaims.NewResolver(customclaims.Static(claims.Custom{"tier": "free"})),
		Directory: h.dir,
		Redirects: RedirectPolicy{
			ClientURL:   clientURL,
			AllowedURIs: []string{"https://admin.example.com/cb"},
		},
		Audit: h.audit,
	}
	if mutate != nil {
		mutate(&cfg)
	}
	orch, err := New(cfg)
	require.NoError(t, err)
	h.orch = orch
	return h
}

// begin starts a flow and returns the state and verifier handed to the provider.
func (h *harness) begin(t *testing.T, redirectURI string) (string, string) {
	t.Helper()
	var state, verifier string
	h.provider.EXPECT().AuthorizationURL(gomock.Any(), gomock.Any()).DoAndReturn(
		func(s, v string) string {
			state, verifier = s, v
			return "https://github.example.com/authorize?state=" + s
		})

	target, err := h.orch.Begin(context.Background(), "github", redirectURI)
	require.NoError(t, err)
	assert.Equal(t, "https://github.example.com/authorize?state="+state, target)
	require.NotEmpty(t, state)
	require.NotEmpty(t, verifier)
	return state, verifier
}

func (h *harness) expectProviderSuccess(verifier string) {
	tok := &oauth2.Token{AccessToken: "upstream-at", TokenType: "Bearer"}
	h.provider.EXPECT().ExchangeCode(gomock.Any(), "provider-code", verifier).Return(tok, nil)
	h.provider.EXPECT().UserInfo(gomock.Any(), tok).Return(&claims.Identity{
		Subject:  "gh-42",
		Email:    "u1@example.com",
		Provider: "github",
		Raw:      map[string]any{"login": "u1"},
	}, nil)
}

func parseRedirect(t *testing.T, target string) (string, url.Values) {
	t.Helper()
	u, err := url.Parse(target)
	require.NoError(t, err)
	q := u.Query()
	u.RawQuery = ""
	return u.String(), q
}

func callbackQuery(state string) url.Values {
	return url.Values{"code": {"provider-code"}, "state": {state}}
}

func TestCallbackPipeline(t *testing.T) {
	t.Parallel()

	var order []string
	h := newHarness(t, func(c *Config) {
		c.Hooks = Hooks{
			OnUserInfo: func(context.Context, claims.Identity, *oauth2.Token) (claims.Identity, error) {
				order = append(order, "global userinfo")
				return claims.Identity{}, errors.New("must be overridden")
			},
			OnUserPersist: func(_ context.Context, id claims.Identity) (*Enrichment, error) {
				order = append(order, "global persist")
				assert.Equal(t, []string{"dev"}, id.Roles)
				return &Enrichment{Subject: "local-7", Roles: []string{"admin"}, Attributes: map[string]any{"plan": "pro"}}, nil
			},
			OnSuccess: func(_ context.Context, info SuccessInfo) error {
				order = append(order, "global success")
				assert.Equal(t, "local-7", info.Identity.Subject)
				return nil
			},
		}
		c.ProviderHooks = map[string]Hooks{
			"github": {
				OnUserInfo: func(_ context.Context, id claims.Identity, tok *oauth2.Token) (claims.Identity, error) {
					order = append(order, "site userinfo")
					assert.Equal(t, "upstream-at", tok.AccessToken)
					id.Roles = []string{"dev"}
					return id, nil
				},
				OnSuccess: func(_ context.Context, info SuccessInfo) error {
					order = append(order, "site success")
					assert.Equal(t, claims.Custom{"tier": "gold"}, info.Claims)
					return nil
				},
				Claims: customclaims.Static(claims.Custom{"tier": "gold"}),
			},
		}
	})

	state, verifier := h.begin(t, "")
	h.expectProviderSuccess(verifier)

	target := h.orch.Callback(context.Background(), "github", callbackQuery(state))
	base, q := parseRedirect(t, target)
	assert.Equal(t, clientURL, base)
	assert.Empty(t, q.Get("error"))
	require.NotEmpty(t, q.Get("code"))

	assert.Equal(t, []string{"site userinfo", "global persist", "site success", "global success"}, order)

	rec, err := h.codes.Redeem(context.Background(), q.Get("code"))
	require.NoError(t, err)
	assert.Equal(t, "local-7", rec.Identity.Subject)
	assert.Equal(t, []string{"admin"}, rec.Identity.Roles)
	assert.Equal(t, map[string]any{"login": "u1", "plan": "pro"}, rec.Identity.Raw)
	assert.Equal(t, "github", rec.Provider)
	assert.Equal(t, "upstream-at", rec.ProviderTokens.AccessToken)
	assert.Equal(t, claims.Custom{"tier": "gold"}, rec.Claims)

	recorded, err := h.dir.Lookup(context.Background(), "local-7")
	require.NoError(t, err)
	assert.Equal(t, "u1@example.com", recorded.Email)

	assert.Equal(t, []string{audit.EventAuthCodeIssued}, h.audit.types())
}

func TestCallbackUsesGlobalClaimsWithoutCallSite(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)
	state, verifier := h.begin(t, "")
	h.expectProviderSuccess(verifier)

	_, q := parseRedirect(t, h.orch.Callback(context.Background(), "github", callbackQuery(state)))
	rec, err := h.codes.Redeem(context.Background(), q.Get("code"))
	require.NoError(t, err)
	assert.Equal(t, "gh-42", rec.Identity.Subject)
	assert.Equal(t, claims.Custom{"tier": "free"}, rec.Claims)
}

func TestCallbackStateIsSingleUse(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)
	state, verifier := h.begin(t, "")
	h.expectProviderSuccess(verifier)

	_, q := parseRedirect(t, h.orch.Callback(context.Background(), "github", callbackQuery(state)))
	require.NotEmpty(t, q.Get("code"))

	base, q := parseRedirect(t, h.orch.Callback(context.Background(), "github", callbackQuery(state)))
	assert.Equal(t, clientURL, base)
	assert.Equal(t, ErrorToken, q.Get("error"))
	assert.Empty(t, q.Get("code"))
}

func TestCallbackFailuresRedirectWithGenericError(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		hooks  Hooks
		setup  func(h *harness, verifier string)
		query  func(state string) url.Values
		reason stage
	}{
		{
			name:   "unknown state",
			query:  func(string) url.Values { return url.Values{"code": {"provider-code"}, "state": {"forged"}} },
			reason: stageState,
		},
		{
			name:   "missing state",
			query:  func(string) url.Values { return url.Values{"code": {"provider-code"}} },
			reason: stageState,
		},
		{
			name: "provider reported error",
			query: func(state string) url.Values {
				return url.Values{"error": {"access_denied"}, "state": {state}}
			},
			reason: stageProviderError,
		},
		{
			name: "code exchange fails",
			setup: func(h *harness, verifier string) {
				h.provider.EXPECT().ExchangeCode(gomock.Any(), "provider-code", verifier).
					Return(nil, errors.New("invalid_grant: secret detail"))
			},
			reason: stageExchange,
		},
		{
			name: "userinfo fails",
			setup: func(h *harness, verifier string) {
				h.provider.EXPECT().ExchangeCode(gomock.Any(), "provider-code", verifier).
					Return(&oauth2.Token{AccessToken: "at"}, nil)
				h.provider.EXPECT().UserInfo(gomock.Any(), gomock.Any()).Return(nil, errors.New("500"))
			},
			reason: stageUserInfo,
		},
		{
			name: "persist hook fails",
			hooks: Hooks{OnUserPersist: func(context.Context, claims.Identity) (*Enrichment, error) {
				return nil, errors.New("database down")
			}},
			setup:  func(h *harness, verifier string) { h.expectProviderSuccess(verifier) },
			reason: stagePersist,
		},
		{
			name: "success hook rejects",
			hooks: Hooks{OnSuccess: func(context.Context, SuccessInfo) error {
				return errors.New("account suspended")
			}},
			setup:  func(h *harness, verifier string) { h.expectProviderSuccess(verifier) },
			reason: stageSuccess,
		},
		{
			name: "hook panics",
			hooks: Hooks{OnUserInfo: func(context.Context, claims.Identity, *oauth2.Token) (claims.Identity, error) {
				panic("boom")
			}},
			setup:  func(h *harness, verifier string) { h.expectProviderSuccess(verifier) },
			reason: "unknown",
		},
		{
			name: "transform drops subject",
			hooks: Hooks{OnUserInfo: func(context.Context, claims.Identity, *oauth2.Token) (claims.Identity, error) {
				return claims.Identity{}, nil
			}},
			setup:  func(h *harness, verifier string) { h.expectProviderSuccess(verifier) },
			reason: stageTransform,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			h := newHarness(t, func(c *Config) { c.Hooks = tt.hooks })
			state, verifier := h.begin(t, "")
			if tt.setup != nil {
				tt.setup(h, verifier)
			}
			query := callbackQuery(state)
			if tt.query != nil {
				query = tt.query(state)
			}

			target := h.orch.Callback(context.Background(), "github", query)
			base, q := parseRedirect(t, target)
			assert.Equal(t, clientURL, base)
			assert.Equal(t, url.Values{"error": {ErrorToken}}, q)
			assert.NotContains(t, target, "secret")

			ev := h.audit.last()
			assert.Equal(t, audit.EventOAuthCallbackFailed, ev.Type)
			assert.Equal(t, audit.OutcomeFailure, ev.Outcome)
			assert.Equal(t, string(tt.reason), ev.Reason)
			assert.Equal(t, "github", ev.Provider)
		})
	}
}

func TestCallbackProviderMismatch(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)
	state, _ := h.begin(t, "")

	_, q := parseRedirect(t, h.orch.Callback(context.Background(), "gitlab", callbackQuery(state)))
	assert.Equal(t, ErrorToken, q.Get("error"))
}

func TestBegin(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)
	ctx := context.Background()

	_, err := h.orch.Begin(ctx, "gitlab", "")
	require.Error(t, err)
	assert.True(t, autherrors.IsNotFound(err))

	_, err = h.orch.Begin(ctx, "github", "https://evil.example.com/cb")
	require.Error(t, err)
	assert.True(t, autherrors.IsValidation(err))

	state, verifier := h.begin(t, "https://admin.example.com/cb")
	raw, err := h.kv.Get(ctx, storage.Key(storage.KeyTypeOAuthState, state))
	require.NoError(t, err)
	assert.Contains(t, string(raw), verifier)

	h.expectProviderSuccess(verifier)
	base, q := parseRedirect(t, h.orch.Callback(ctx, "github", callbackQuery(state)))
	assert.Equal(t, "https://admin.example.com/cb", base)
	assert.NotEmpty(t, q.Get("code"))
}

func TestPasswordLogin(t *testing.T) {
	t.Parallel()
	ctrl := gomock.NewController(t)
	creds := passwordmocks.NewMockCredentialVerifier(ctrl)

	h := newHarness(t, func(c *Config) {
		c.Credentials = creds
		c.ProviderHooks = map[string]Hooks{
			"password": {OnSuccess: func(_ context.Context, info SuccessInfo) error {
				if info.Identity.Subject == "banned" {
					return autherrors.NewAuthorizationError("account disabled", nil)
				}
				return nil
			}},
		}
	})
	ctx := context.Background()

	creds.EXPECT().Verify(gomock.Any(), "u1@example.com", "pw").
		Return(&claims.Identity{Subject: "u1", Email: "u1@example.com"}, nil)
	code, err := h.orch.PasswordLogin(ctx, "u1@example.com", "pw", "10.0.0.1")
	require.NoError(t, err)

	rec, err := h.codes.Redeem(ctx, code)
	require.NoError(t, err)
	assert.Equal(t, "u1", rec.Identity.Subject)
	assert.Equal(t, "password", rec.Provider)
	assert.Equal(t, "password", rec.Identity.Provider)
	assert.Nil(t, rec.ProviderTokens)
	assert.Equal(t, claims.Custom{"tier": "free"}, rec.Claims)

	creds.EXPECT().Verify(gomock.Any(), "u1@example.com", "wrong").
		Return(nil, autherrors.NewAuthenticationError("invalid credentials", nil))
	_, err = h.orch.PasswordLogin(ctx, "u1@example.com", "wrong", "10.0.0.1")
	require.Error(t, err)
	assert.True(t, autherrors.IsAuthentication(err))
	ev := h.audit.last()
	assert.Equal(t, audit.EventPasswordLoginRejected, ev.Type)
	assert.Equal(t, "10.0.0.1", ev.Source)

	creds.EXPECT().Verify(gomock.Any(), "banned@example.com", "pw").
		Return(&claims.Identity{Subject: "banned"}, nil)
	_, err = h.orch.PasswordLogin(ctx, "banned@example.com", "pw", "")
	require.Error(t, err)
	assert.True(t, autherrors.IsAuthorization(err))
}

func TestPasswordLoginDisabled(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)
	_, err := h.orch.PasswordLogin(context.Background(), "a", "b", "")
	require.Error(t, err)
	assert.True(t, autherrors.IsNotFound(err))
}

func TestNewRequiresStores(t *testing.T) {
	t.Parallel()

	_, err := New(Config{})
	require.Error(t, err)
	assert.True(t, autherrors.IsConfiguration(err))
}
