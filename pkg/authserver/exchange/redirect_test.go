// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package exchange

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	autherrors "github.com/stacklok/authbroker/pkg/errors"
)

func TestRedirectPolicyResolve(t *testing.T) {
	t.Parallel()

	policy := RedirectPolicy{
		ClientURL:   "https://app.example.com/done",
		AllowedURIs: []string{"https://admin.example.com/done"},
	}

	tests := []struct {
		name      string
		policy    RedirectPolicy
		requested string
		want      string
		wantErr   bool
	}{
		{name: "default target", policy: policy, want: "https://app.example.com/done"},
		{name: "explicit client url", policy: policy, requested: "https://app.example.com/done", want: "https://app.example.com/done"},
		{name: "allowlisted", policy: policy, requested: "https://admin.example.com/done", want: "https://admin.example.com/done"},
		{name: "not allowlisted", policy: policy, requested: "https://evil.example.com/", wantErr: true},
		{name: "prefix is not a match", policy: policy, requested: "https://app.example.com/done/../x", wantErr: true},
		{name: "longer path", policy: policy, requested: "https://admin.example.com/done/extra", wantErr: true},
		{name: "relative", policy: policy, requested: "/done", wantErr: true},
		{name: "no default", policy: RedirectPolicy{}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got, err := tt.policy.Resolve(tt.requested)
			if tt.wantErr {
				require.Error(t, err)
				assert.True(t, autherrors.IsValidation(err))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestWithParam(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "https://app.example.com/done?code=abc",
		withParam("https://app.example.com/done", "code", "abc"))
	assert.Equal(t, "https://app.example.com/done?code=abc&tab=1",
		withParam("https://app.example.com/done?tab=1", "code", "abc"))
	assert.Equal(t, "https://app.example.com/done?error=authentication_failed",
		withParam("https://app.example.com/done?error=old", "error", ErrorToken))
}
