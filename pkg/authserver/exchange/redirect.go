// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package exchange

import (
	"net/url"
	"slices"

	autherrors "github.com/stacklok/authbroker/pkg/errors"
)

// ErrorToken is the only error detail a client ever receives from a failed callback.
const ErrorToken = "authentication_failed"

// RedirectPolicy decides where a finished flow sends the browser.
type RedirectPolicy struct {
	// ClientURL is the default target.
	ClientURL string
	// AllowedURIs may be requested explicitly with redirect_uri. Matching is exact.
	AllowedURIs []string
}

// Resolve returns the target for a requested redirect URI. An empty request
// selects ClientURL.
func (p RedirectPolicy) Resolve(requested string) (string, error) {
	if requested == "" {
		if p.ClientURL == "" {
			return "", autherrors.NewValidationError("redirect_uri is required", nil)
		}
		return p.ClientURL, nil
	}
	if requested == p.ClientURL || slices.Contains(p.AllowedURIs, requested) {
		return requested, nil
	}
	return "", autherrors.NewValidationError("redirect_uri is not allowed", nil)
}

// withParam returns target with key=value added to its query.
func withParam(target, key, value string) string {
	u, err := url.Parse(target)
	if err != nil {
		return target
	}
	q := u.Query()
	q.Set(key, value)
	u.RawQuery = q.Encode()
	return u.String()
}
