// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"net/http"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stacklok/authbroker/pkg/errors"
)

func TestLoadDefaults(t *testing.T) {
	t.Parallel()

	v := NewViper()
	v.Set("token.secret", "s")

	cfg, err := Load(v, "")
	require.NoError(t, err)

	assert.Equal(t, "HS256", cfg.Token.Algorithm)
	assert.Equal(t, time.Hour, cfg.Token.AccessTTL)
	assert.Equal(t, 15*time.Minute, cfg.Token.ImpersonationTTL)
	assert.Equal(t, 30*24*time.Hour, cfg.Refresh.MaxAge)
	assert.True(t, cfg.Refresh.Rotation)
	assert.Equal(t, 60*time.Second, cfg.AuthCode.TTL)
	assert.Equal(t, StorageMemory, cfg.Storage.Type)
	assert.Equal(t, 3*time.Second, cfg.Storage.Timeout)
	assert.Equal(t, 1024, cfg.Audit.BufferSize)
	assert.Equal(t, []string{"admin"}, cfg.Impersonation.AdminRoles)
	assert.False(t, cfg.SecureCookies())
}

func TestLoadFile(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "authbroker.yaml")
	content := `
environment: production
token:
  secret: from-file
  issuer: https://auth.example.com
  access_ttl: 2h
  impersonation_ttl: 600
refresh:
  max_age: 2w
storage:
  type: redis
  addr: localhost:6379
providers:
  - name: github
    client_id: abc
    client_secret: def
    auth_url: https://github.com/login/oauth/authorize
    token_url: https://github.com/login/oauth/access_token
    userinfo_url: https://api.github.com/user
    redirect_url: https://app.example.com/auth/github
    scopes: [read:user, user:email]
redirect:
  client_url: https://app.example.com/callback
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	cfg, err := Load(NewViper(), path)
	require.NoError(t, err)

	assert.Equal(t, "from-file", cfg.Token.Secret)
	assert.Equal(t, 2*time.Hour, cfg.Token.AccessTTL)
	assert.Equal(t, 10*time.Minute, cfg.Token.ImpersonationTTL)
	assert.Equal(t, 14*24*time.Hour, cfg.Refresh.MaxAge)
	assert.True(t, cfg.SecureCookies())

	require.Len(t, cfg.Providers, 1)
	assert.Equal(t, "github", cfg.Providers[0].Name)
	assert.Equal(t, []string{"read:user", "user:email"}, cfg.Providers[0].Scopes)
}

//nolint:paralleltest // uses t.Setenv
func TestLoadEnvironment(t *testing.T) {
	t.Setenv("AUTHBROKER_TOKEN_SECRET", "from-env")
	t.Setenv("AUTHBROKER_TOKEN_ACCESS_TTL", "3600")
	t.Setenv("AUTHBROKER_REFRESH_MAX_AGE", "7d")

	cfg, err := Load(NewViper(), "")
	require.NoError(t, err)
	assert.Equal(t, "from-env", cfg.Token.Secret)
	assert.Equal(t, time.Hour, cfg.Token.AccessTTL)
	assert.Equal(t, 7*24*time.Hour, cfg.Refresh.MaxAge)
}

func TestLoadMissingFile(t *testing.T) {
	t.Parallel()

	_, err := Load(NewViper(), filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
	assert.True(t, errors.IsConfiguration(err))
}

func TestValidate(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		mutate func(v map[string]any)
	}{
		{"missing secret", func(m map[string]any) { m["token.secret"] = "" }},
		{"unknown algorithm", func(m map[string]any) { m["token.algorithm"] = "RS256" }},
		{"impersonation ttl equal to access ttl", func(m map[string]any) { m["token.impersonation_ttl"] = "1h" }},
		{"impersonation ttl longer than access ttl", func(m map[string]any) { m["token.impersonation_ttl"] = "2h" }},
		{"bad storage type", func(m map[string]any) { m["storage.type"] = "etcd" }},
		{"redis without addr", func(m map[string]any) { m["storage.type"] = "redis" }},
		{"invalid same site", func(m map[string]any) { m["refresh.cookie.same_site"] = "sometimes" }},
		{"relative client url", func(m map[string]any) { m["redirect.client_url"] = "/callback" }},
		{"provider without client id", func(m map[string]any) {
			m["providers"] = []map[string]any{{
				"name":         "github",
				"auth_url":     "https://example.com/a",
				"token_url":    "https://example.com/t",
				"userinfo_url": "https://example.com/u",
				"redirect_url": "https://example.com/r",
			}}
		}},
		{"local account without hash", func(m map[string]any) {
			m["local_accounts"] = []map[string]any{{"email": "a@example.com"}}
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			settings := map[string]any{"token.secret": "s"}
			tt.mutate(settings)

			v := NewViper()
			for k, val := range settings {
				v.Set(k, val)
			}

			_, err := Load(v, "")
			require.Error(t, err)
			assert.True(t, errors.IsConfiguration(err), "got %v", err)
		})
	}
}

func TestParseSameSite(t *testing.T) {
	t.Parallel()

	mode, err := ParseSameSite("")
	require.NoError(t, err)
	assert.Equal(t, http.SameSiteLaxMode, mode)

	mode, err = ParseSameSite("Strict")
	require.NoError(t, err)
	assert.Equal(t, http.SameSiteStrictMode, mode)

	mode, err = ParseSameSite("none")
	require.NoError(t, err)
	assert.Equal(t, http.SameSiteNoneMode, mode)
}
