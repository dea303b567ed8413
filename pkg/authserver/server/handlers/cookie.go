// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package handlers

import (
	"net/http"
	"time"

	"github.com/stacklok/authbroker/pkg/config"
)

// CookieSettings describes the refresh cookie.
type CookieSettings struct {
	Name     string
	Path     string
	Domain   string
	SameSite http.SameSite
	Secure   bool
}

// CookieSettingsFromConfig converts the validated configuration.
func CookieSettingsFromConfig(cfg *config.Config) (CookieSettings, error) {
	sameSite, err := config.ParseSameSite(cfg.Refresh.Cookie.SameSite)
	if err != nil {
		return CookieSettings{}, err
	}
	return CookieSettings{
		Name:     cfg.Refresh.Cookie.Name,
		Path:     cfg.Refresh.Cookie.Path,
		Domain:   cfg.Refresh.Cookie.Domain,
		SameSite: sameSite,
		Secure:   cfg.SecureCookies(),
	}, nil
}

func (c CookieSettings) name() string {
	if c.Name == "" {
		return "refresh_token"
	}
	return c.Name
}

func (c CookieSettings) cookie(value string) *http.Cookie {
	path := c.Path
	if path == "" {
		path = "/"
	}
	return &http.Cookie{
		Name:     c.name(),
		Value:    value,
		Path:     path,
		Domain:   c.Domain,
		SameSite: c.SameSite,
		Secure:   c.Secure,
		HttpOnly: true,
	}
}

func (h *Handler) setRefreshCookie(w http.ResponseWriter, token string, expiresAt time.Time) {
	ck := h.cfg.Cookie.cookie(token)
	ck.Expires = expiresAt
	ck.MaxAge = int(time.Until(expiresAt).Seconds())
	if ck.MaxAge <= 0 {
		ck.MaxAge = -1
	}
	http.SetCookie(w, ck)
}

func (h *Handler) clearRefreshCookie(w http.ResponseWriter) {
	ck := h.cfg.Cookie.cookie("")
	ck.MaxAge = -1
	ck.Expires = time.Unix(0, 0)
	http.SetCookie(w, ck)
}

func (h *Handler) refreshCookie(r *http.Request) string {
	ck, err := r.Cookie(h.cfg.Cookie.name())
	if err != nil {
		return ""
	}
	return ck.Value
}
