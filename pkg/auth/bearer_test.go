// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExtractBearerToken(t *testing.T) {
	t.Parallel()

	const jwtLike = "eyJhbGciOiJIUzI1NiJ9.eyJzdWIiOiJ1MSJ9.c2ln-_"

	tests := map[string]struct {
		header  []string
		want    string
		wantErr error
	}{
		"signed token":             {header: []string{"Bearer " + jwtLike}, want: jwtLike},
		"surrounding whitespace":   {header: []string{"Bearer   " + jwtLike + "  "}, want: jwtLike},
		"no header":                {wantErr: ErrAuthHeaderMissing},
		"empty header":             {header: []string{""}, wantErr: ErrAuthHeaderMissing},
		"scheme is case sensitive": {header: []string{"BEARER " + jwtLike}, wantErr: ErrInvalidAuthHeaderFormat},
		"missing scheme":           {header: []string{jwtLike}, wantErr: ErrInvalidAuthHeaderFormat},
		"basic credentials":        {header: []string{"Basic dTE6cw=="}, wantErr: ErrInvalidAuthHeaderFormat},
		"scheme without token":     {header: []string{"Bearer "}, wantErr: ErrEmptyBearerToken},
		"only whitespace":          {header: []string{"Bearer \t "}, wantErr: ErrEmptyBearerToken},
		"first header wins":        {header: []string{"Bearer first", "Bearer second"}, want: "first"},
	}

	for name, tt := range tests {
		t.Run(name, func(t *testing.T) {
			t.Parallel()

			r := httptest.NewRequest(http.MethodPost, "/auth/session", nil)
			for _, h := range tt.header {
				r.Header.Add("Authorization", h)
			}

			got, err := ExtractBearerToken(r)
			if tt.wantErr != nil {
				require.ErrorIs(t, err, tt.wantErr)
				assert.Empty(t, got)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}
