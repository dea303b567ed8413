// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package upstream

import (
	"fmt"
	"slices"

	"github.com/stacklok/authbroker/pkg/config"
)

// Registry holds the configured providers by name. It is built once at
// startup and only read afterwards.
type Registry struct {
	providers map[string]Provider
}

// NewRegistry returns a registry holding providers.
func NewRegistry(providers ...Provider) *Registry {
	r := &Registry{providers: make(map[string]Provider, len(providers))}
	for _, p := range providers {
		r.providers[p.Name()] = p
	}
	return r
}

// NewRegistryFromConfig builds an OAuth2Provider per configured provider.
func NewRegistryFromConfig(cfgs []config.ProviderConfig, opts ...OAuth2ProviderOption) (*Registry, error) {
	providers := make([]Provider, 0, len(cfgs))
	for _, c := range cfgs {
		p, err := NewOAuth2Provider(&Config{
			Name:         c.Name,
			ClientID:     c.ClientID,
			ClientSecret: c.ClientSecret,
			AuthURL:      c.AuthURL,
			TokenURL:     c.TokenURL,
			UserInfoURL:  c.UserInfoURL,
			RedirectURL:  c.RedirectURL,
			Scopes:       c.Scopes,
			FieldMapping: UserInfoFieldMapping{SubjectField: c.SubjectField},
		}, opts...)
		if err != nil {
			return nil, fmt.Errorf("provider %q: %w", c.Name, err)
		}
		providers = append(providers, p)
	}
	return NewRegistry(providers...), nil
}

// Get returns the provider called name.
func (r *Registry) Get(name string) (Provider, bool) {
	if r == nil {
		return nil, false
	}
	p, ok := r.providers[name]
	return p, ok
}

// Names returns the sorted provider names.
func (r *Registry) Names() []string {
	if r == nil {
		return nil
	}
	names := make([]string, 0, len(r.providers))
	for name := range r.providers {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}
