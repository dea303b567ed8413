// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package claims

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/stacklok/authbroker/pkg/config"
	autherrors "github.com/stacklok/authbroker/pkg/errors"
)

// ErrInvalid is the only error Verify returns. Callers cannot tell a bad
// signature from a malformed or expired token.
var ErrInvalid = errors.New("invalid token")

// payloadWarnSize is the serialized claim size above which Sign logs a warning.
const payloadWarnSize = 1024

// DefaultTTL is used when neither the codec nor the call sets an expiry.
const DefaultTTL = time.Hour

var signingMethods = map[string]jwt.SigningMethod{
	"HS256": jwt.SigningMethodHS256,
	"HS384": jwt.SigningMethodHS384,
	"HS512": jwt.SigningMethodHS512,
}

// AccessClaims is the decoded body of an access token.
type AccessClaims struct {
	Subject  string
	Email    string
	Name     string
	Picture  string
	Provider string
	Roles    []string

	Issuer    string
	Audience  []string
	IssuedAt  time.Time
	ExpiresAt time.Time
	ID        string

	Impersonation *ImpersonationContext

	// Extra holds every non-standard claim.
	Extra Custom
}

// IsImpersonating reports whether the token was minted by the impersonation engine.
func (c *AccessClaims) IsImpersonating() bool {
	return c != nil && c.Impersonation != nil
}

// HasRole reports whether role is among the token roles.
func (c *AccessClaims) HasRole(role string) bool {
	if c == nil {
		return false
	}
	for _, r := range c.Roles {
		if r == role {
			return true
		}
	}
	return false
}

// FromIdentity builds the claims to sign for an identity and its resolved custom claims.
func FromIdentity(id Identity, custom Custom) AccessClaims {
	return AccessClaims{
		Subject:  id.Subject,
		Email:    id.Email,
		Name:     id.Name,
		Picture:  id.Picture,
		Provider: id.Provider,
		Roles:    id.Roles,
		Extra:    custom,
	}
}

// Expiry selects the lifetime of a signed token. The zero value means the
// codec default.
type Expiry struct {
	d    time.Duration
	expr string
}

// ExpiresIn sets a fixed lifetime.
func ExpiresIn(d time.Duration) Expiry {
	return Expiry{d: d}
}

// ExpiresInSeconds sets the lifetime as a seconds offset.
func ExpiresInSeconds(n int64) Expiry {
	return Expiry{d: time.Duration(n) * time.Second}
}

// ExpiresInExpr sets the lifetime from a duration expression such as "15m" or "7d".
func ExpiresInExpr(expr string) Expiry {
	return Expiry{expr: expr}
}

func (e Expiry) resolve(fallback time.Duration) (time.Duration, error) {
	if e.expr != "" {
		return config.ParseDuration(e.expr)
	}
	if e.d > 0 {
		return e.d, nil
	}
	return fallback, nil
}

// Config configures a Codec.
type Config struct {
	Secret    string
	Algorithm string
	// Issuer and Audience are only set when non-empty.
	Issuer   string
	Audience []string
	// TTL is the default lifetime of signed tokens.
	TTL time.Duration
}

// Codec signs and verifies access tokens. It is safe for concurrent use.
type Codec struct {
	secret   []byte
	method   jwt.SigningMethod
	issuer   string
	audience []string
	ttl      time.Duration
	now      func() time.Time
}

// NewCodec validates cfg and returns a Codec.
func NewCodec(cfg Config) (*Codec, error) {
	if cfg.Secret == "" {
		return nil, autherrors.NewConfigurationError("signing secret is required", nil)
	}
	alg := cfg.Algorithm
	if alg == "" {
		alg = "HS256"
	}
	method, ok := signingMethods[alg]
	if !ok {
		return nil, autherrors.NewConfigurationError(fmt.Sprintf("unsupported signing algorithm %q", alg), nil)
	}
	ttl := cfg.TTL
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Codec{
		secret:   []byte(cfg.Secret),
		method:   method,
		issuer:   cfg.Issuer,
		audience: cfg.Audience,
		ttl:      ttl,
		now:      time.Now,
	}, nil
}

// Issuer returns the configured issuer, or "".
func (c *Codec) Issuer() string {
	return c.issuer
}

// TTL returns the default token lifetime.
func (c *Codec) TTL() time.Duration {
	return c.ttl
}

// Sign builds the final claim set and signs it.
//
// Custom claims may override identity claims such as email, but never a
// reserved name; those attempts are dropped. iat, exp and jti are always set
// by the codec, iss and aud only when configured.
func (c *Codec) Sign(ac AccessClaims, exp Expiry) (string, time.Time, error) {
	if ac.Subject == "" {
		return "", time.Time{}, errors.New("subject is required")
	}
	lifetime, err := exp.resolve(c.ttl)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("invalid expiry: %w", err)
	}

	mc := jwt.MapClaims{}
	setIfNotEmpty(mc, "email", ac.Email)
	setIfNotEmpty(mc, "name", ac.Name)
	setIfNotEmpty(mc, "picture", ac.Picture)
	setIfNotEmpty(mc, "provider", ac.Provider)
	if len(ac.Roles) > 0 {
		mc["roles"] = ac.Roles
	}
	for k, v := range Sanitize(ac.Extra) {
		mc[k] = v
	}

	now := c.now().UTC().Truncate(time.Second)
	expiresAt := now.Add(lifetime)
	mc["sub"] = ac.Subject
	mc["iat"] = now.Unix()
	mc["exp"] = expiresAt.Unix()
	mc["jti"] = uuid.NewString()
	if c.issuer != "" {
		mc["iss"] = c.issuer
	}
	if len(c.audience) > 0 {
		mc["aud"] = c.audience
	}
	if ac.Impersonation != nil {
		mc[impersonationClaim] = ac.Impersonation
	}

	if payload, err := json.Marshal(mc); err == nil && len(payload) > payloadWarnSize {
		slog.Warn("access token payload exceeds recommended size",
			"subject", ac.Subject, "bytes", len(payload), "recommended", payloadWarnSize)
	}

	signed, err := jwt.NewWithClaims(c.method, mc).SignedString(c.secret)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("failed to sign token: %w", err)
	}
	return signed, expiresAt, nil
}

// Verify checks signature, format and expiry and returns the decoded claims.
// Every failure yields ErrInvalid.
func (c *Codec) Verify(token string) (*AccessClaims, error) {
	return c.parse(token, true)
}

// Inspect checks the signature and format but ignores expiry. It exists for
// refresh decision making on recently expired tokens and must never be used
// to grant access.
func (c *Codec) Inspect(token string) (*AccessClaims, error) {
	return c.parse(token, false)
}

func (c *Codec) parse(token string, checkExpiration bool) (ac *AccessClaims, err error) {
	defer func() {
		if r := recover(); r != nil {
			slog.Debug("token parsing panicked", "panic", r)
			ac, err = nil, ErrInvalid
		}
	}()

	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{c.method.Alg()}),
		jwt.WithTimeFunc(c.now),
	}
	if checkExpiration {
		opts = append(opts, jwt.WithExpirationRequired())
	} else {
		opts = append(opts, jwt.WithoutClaimsValidation())
	}

	mc := jwt.MapClaims{}
	parsed, err := jwt.NewParser(opts...).ParseWithClaims(token, mc, func(*jwt.Token) (any, error) {
		return c.secret, nil
	})
	if err != nil || !parsed.Valid {
		slog.Debug("token verification failed", "error", err)
		return nil, ErrInvalid
	}

	ac, err = decodeClaims(mc)
	if err != nil {
		slog.Debug("token claims malformed", "error", err)
		return nil, ErrInvalid
	}
	return ac, nil
}

func decodeClaims(mc jwt.MapClaims) (*AccessClaims, error) {
	ac := &AccessClaims{Extra: Custom{}}

	sub, err := mc.GetSubject()
	if err != nil || sub == "" {
		return nil, errors.New("missing subject")
	}
	ac.Subject = sub

	if ac.Issuer, err = mc.GetIssuer(); err != nil {
		return nil, err
	}
	aud, err := mc.GetAudience()
	if err != nil {
		return nil, err
	}
	ac.Audience = aud
	if iat, err := mc.GetIssuedAt(); err == nil && iat != nil {
		ac.IssuedAt = iat.Time
	}
	if exp, err := mc.GetExpirationTime(); err == nil && exp != nil {
		ac.ExpiresAt = exp.Time
	}

	for k, v := range mc {
		switch k {
		case "sub", "iss", "aud", "iat", "exp", "nbf":
		case "jti":
			ac.ID, _ = v.(string)
		case "email":
			ac.Email, _ = v.(string)
		case "name":
			ac.Name, _ = v.(string)
		case "picture":
			ac.Picture, _ = v.(string)
		case "provider":
			ac.Provider, _ = v.(string)
		case "roles":
			ac.Roles = stringSlice(v)
		case impersonationClaim:
			imp, err := decodeImpersonation(v)
			if err != nil {
				return nil, err
			}
			ac.Impersonation = imp
		default:
			ac.Extra[k] = v
		}
	}
	return ac, nil
}

func decodeImpersonation(v any) (*ImpersonationContext, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var imp ImpersonationContext
	if err := json.Unmarshal(raw, &imp); err != nil {
		return nil, fmt.Errorf("malformed impersonation claim: %w", err)
	}
	if imp.OriginalUserID == "" {
		return nil, errors.New("impersonation claim without original user")
	}
	return &imp, nil
}

func stringSlice(v any) []string {
	switch t := v.(type) {
	case []any:
		out := make([]string, 0, len(t))
		for _, e := range t {
			if s, ok := e.(string); ok {
				out = append(out, s)
			}
		}
		return out
	case []string:
		return t
	case string:
		return []string{t}
	default:
		return nil
	}
}

func setIfNotEmpty(mc jwt.MapClaims, key, value string) {
	if value != "" {
		mc[key] = value
	}
}
