// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package exchange

import (
	"context"
	"maps"

	"golang.org/x/oauth2"

	"github.com/stacklok/authbroker/pkg/authserver/claims"
	"github.com/stacklok/authbroker/pkg/authserver/customclaims"
)

// UserInfoHook transforms the identity fetched from the provider.
type UserInfoHook func(ctx context.Context, id claims.Identity, tokens *oauth2.Token) (claims.Identity, error)

// PersistHook stores the identity in the host application and returns
// what the application knows about the user in addition.
type PersistHook func(ctx context.Context, id claims.Identity) (*Enrichment, error)

// SuccessHook observes a completed authentication before the code is issued.
// Returning an error aborts the flow.
type SuccessHook func(ctx context.Context, info SuccessInfo) error

// Enrichment is merged into the identity after PersistHook. Empty fields
// leave the identity untouched.
type Enrichment struct {
	// Subject replaces the provider subject, e.g. with a local user id.
	Subject string
	Email   string
	Name    string
	Picture string
	Roles   []string
	// Attributes are merged into Identity.Raw.
	Attributes map[string]any
}

func (e *Enrichment) apply(id claims.Identity) claims.Identity {
	if e == nil {
		return id
	}
	if e.Subject != "" {
		id.Subject = e.Subject
	}
	if e.Email != "" {
		id.Email = e.Email
	}
	if e.Name != "" {
		id.Name = e.Name
	}
	if e.Picture != "" {
		id.Picture = e.Picture
	}
	if e.Roles != nil {
		id.Roles = append([]string(nil), e.Roles...)
	}
	if len(e.Attributes) > 0 {
		raw := make(map[string]any, len(id.Raw)+len(e.Attributes))
		maps.Copy(raw, id.Raw)
		maps.Copy(raw, e.Attributes)
		id.Raw = raw
	}
	return id
}

// SuccessInfo describes a completed authentication.
type SuccessInfo struct {
	Identity       claims.Identity
	Provider       string
	Claims         claims.Custom
	ProviderTokens *oauth2.Token
}

// Hooks is one set of pipeline hooks. The global set applies to every
// provider; a call-site set is registered per provider.
type Hooks struct {
	// OnUserInfo and OnUserPersist override: a call-site hook runs instead
	// of the global one.
	OnUserInfo    UserInfoHook
	OnUserPersist PersistHook
	// OnSuccess chains: the call-site hook runs first, then the global one.
	OnSuccess SuccessHook
	// Claims is the call-site custom claims source. It overrides the global
	// source held by the customclaims.Resolver, so it is ignored on the
	// global set.
	Claims customclaims.Source
}

// hookSet resolves the hooks to run for one provider.
type hookSet struct {
	global Hooks
	site   Hooks
}

func (h hookSet) userInfo() UserInfoHook {
	if h.site.OnUserInfo != nil {
		return h.site.OnUserInfo
	}
	return h.global.OnUserInfo
}

func (h hookSet) persist() PersistHook {
	if h.site.OnUserPersist != nil {
		return h.site.OnUserPersist
	}
	return h.global.OnUserPersist
}

func (h hookSet) success() []SuccessHook {
	var out []SuccessHook
	for _, hook := range []SuccessHook{h.site.OnSuccess, h.global.OnSuccess} {
		if hook != nil {
			out = append(out, hook)
		}
	}
	return out
}
