// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package config contains the definition of the broker configuration
// structure and the logic required to load and validate it.
//
// Configuration is read once at startup from an optional YAML file,
// AUTHBROKER_-prefixed environment variables and bound command line flags,
// in increasing order of precedence. The resulting Config is never mutated
// afterwards and is safe for concurrent reads.
package config

import (
	"fmt"
	"net/http"
	"net/url"
	"slices"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"

	"github.com/stacklok/authbroker/pkg/errors"
)

// EnvPrefix is the prefix of environment variables read by Load.
const EnvPrefix = "AUTHBROKER"

// Storage backend types.
const (
	StorageMemory = "memory"
	StorageRedis  = "redis"
)

// EnvironmentProduction forces Secure cookies.
const EnvironmentProduction = "production"

// Supported signing algorithms.
var signingAlgorithms = []string{"HS256", "HS384", "HS512"}

// Config represents the configuration of the broker.
type Config struct {
	Debug         bool                `mapstructure:"debug"`
	Environment   string              `mapstructure:"environment"`
	Server        ServerConfig        `mapstructure:"server"`
	Token         TokenConfig         `mapstructure:"token"`
	Refresh       RefreshConfig       `mapstructure:"refresh"`
	AuthCode      AuthCodeConfig      `mapstructure:"auth_code"`
	Storage       StorageConfig       `mapstructure:"storage"`
	Providers     []ProviderConfig    `mapstructure:"providers"`
	Redirect      RedirectConfig      `mapstructure:"redirect"`
	Audit         AuditConfig         `mapstructure:"audit"`
	Impersonation ImpersonationConfig `mapstructure:"impersonation"`
	Login         LoginConfig         `mapstructure:"login"`
	LocalAccounts []LocalAccount      `mapstructure:"local_accounts"`
	Telemetry     TelemetryConfig     `mapstructure:"telemetry"`
}

// ServerConfig contains the HTTP listener settings.
type ServerConfig struct {
	Address         string        `mapstructure:"address"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	IdleTimeout     time.Duration `mapstructure:"idle_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// TokenConfig contains the access token signing settings.
type TokenConfig struct {
	// Secret is the HMAC key. It must never be empty.
	Secret    string `mapstructure:"secret"`
	Algorithm string `mapstructure:"algorithm"`
	// Issuer and Audience are only set on tokens (and checked) when non-empty.
	Issuer           string        `mapstructure:"issuer"`
	Audience         []string      `mapstructure:"audience"`
	AccessTTL        time.Duration `mapstructure:"access_ttl"`
	ImpersonationTTL time.Duration `mapstructure:"impersonation_ttl"`
	// CookieName is the cookie an access token may be read from when no
	// bearer header is sent.
	CookieName string `mapstructure:"cookie_name"`
}

// RefreshConfig contains the refresh token settings.
type RefreshConfig struct {
	MaxAge   time.Duration `mapstructure:"max_age"`
	Rotation bool          `mapstructure:"rotation"`
	// ClaimTTL bounds the cross-process rotation claim on a presented token.
	ClaimTTL time.Duration `mapstructure:"claim_ttl"`
	Cookie   CookieConfig  `mapstructure:"cookie"`
}

// CookieConfig describes how the refresh cookie is delivered.
type CookieConfig struct {
	Name     string `mapstructure:"name"`
	Path     string `mapstructure:"path"`
	Domain   string `mapstructure:"domain"`
	SameSite string `mapstructure:"same_site"`
	Secure   bool   `mapstructure:"secure"`
}

// AuthCodeConfig contains the authorization code settings.
type AuthCodeConfig struct {
	TTL      time.Duration `mapstructure:"ttl"`
	StateTTL time.Duration `mapstructure:"state_ttl"`
}

// StorageConfig selects and configures the key-value backend.
type StorageConfig struct {
	Type            string        `mapstructure:"type"`
	Addr            string        `mapstructure:"addr"`
	Username        string        `mapstructure:"username"`
	Password        string        `mapstructure:"password"`
	DB              int           `mapstructure:"db"`
	KeyPrefix       string        `mapstructure:"key_prefix"`
	CleanupInterval time.Duration `mapstructure:"cleanup_interval"`
	// Timeout bounds every individual store call.
	Timeout time.Duration `mapstructure:"timeout"`
	// ConnectAttempts is the number of tries to reach Redis at startup.
	ConnectAttempts uint `mapstructure:"connect_attempts"`
}

// ProviderConfig is the uniform descriptor of an upstream OAuth provider.
type ProviderConfig struct {
	Name         string   `mapstructure:"name"`
	ClientID     string   `mapstructure:"client_id"`
	ClientSecret string   `mapstructure:"client_secret"`
	AuthURL      string   `mapstructure:"auth_url"`
	TokenURL     string   `mapstructure:"token_url"`
	UserInfoURL  string   `mapstructure:"userinfo_url"`
	RedirectURL  string   `mapstructure:"redirect_url"`
	Scopes       []string `mapstructure:"scopes"`
	// SubjectField names the userinfo field used as the stable subject.
	SubjectField string `mapstructure:"subject_field"`
}

// RedirectConfig controls where a finished flow sends the browser.
type RedirectConfig struct {
	ClientURL   string   `mapstructure:"client_url"`
	AllowedURIs []string `mapstructure:"allowed_uris"`
}

// AuditConfig configures the audit dispatcher.
type AuditConfig struct {
	BufferSize int  `mapstructure:"buffer_size"`
	DropIfFull bool `mapstructure:"drop_if_full"`
}

// ImpersonationConfig configures the default impersonation policy.
type ImpersonationConfig struct {
	AdminRoles []string `mapstructure:"admin_roles"`
}

// LoginConfig throttles the password endpoint per client address.
type LoginConfig struct {
	RatePerMinute float64 `mapstructure:"rate_per_minute"`
	Burst         int     `mapstructure:"burst"`
}

// LocalAccount is a password account served by the local password flow.
type LocalAccount struct {
	Subject      string   `mapstructure:"subject"`
	Email        string   `mapstructure:"email"`
	Name         string   `mapstructure:"name"`
	PasswordHash string   `mapstructure:"password_hash"`
	Roles        []string `mapstructure:"roles"`
}

// TelemetryConfig configures tracing export.
type TelemetryConfig struct {
	ServiceName  string `mapstructure:"service_name"`
	OTLPEndpoint string `mapstructure:"otlp_endpoint"`
	Insecure     bool   `mapstructure:"insecure"`
}

// SetDefaults registers the default value of every key on v.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("debug", false)
	v.SetDefault("environment", "development")

	v.SetDefault("server.address", ":8080")
	v.SetDefault("server.read_timeout", "10s")
	v.SetDefault("server.write_timeout", "15s")
	v.SetDefault("server.idle_timeout", "60s")
	v.SetDefault("server.shutdown_timeout", "30s")

	// keys without a meaningful default are still registered so that
	// AutomaticEnv overrides reach Unmarshal
	v.SetDefault("token.secret", "")
	v.SetDefault("token.issuer", "")
	v.SetDefault("token.audience", []string{})
	v.SetDefault("token.algorithm", "HS256")
	v.SetDefault("token.access_ttl", "1h")
	v.SetDefault("token.impersonation_ttl", "15m")
	v.SetDefault("token.cookie_name", "access_token")

	v.SetDefault("refresh.max_age", "30d")
	v.SetDefault("refresh.rotation", true)
	v.SetDefault("refresh.claim_ttl", "10s")
	v.SetDefault("refresh.cookie.name", "refresh_token")
	v.SetDefault("refresh.cookie.path", "/auth")
	v.SetDefault("refresh.cookie.same_site", "lax")
	v.SetDefault("refresh.cookie.domain", "")
	v.SetDefault("refresh.cookie.secure", false)

	v.SetDefault("auth_code.ttl", "60s")
	v.SetDefault("auth_code.state_ttl", "10m")

	v.SetDefault("storage.type", StorageMemory)
	v.SetDefault("storage.addr", "")
	v.SetDefault("storage.username", "")
	v.SetDefault("storage.password", "")
	v.SetDefault("storage.db", 0)
	v.SetDefault("storage.key_prefix", "authbroker:")
	v.SetDefault("storage.cleanup_interval", "5m")
	v.SetDefault("storage.timeout", "3s")
	v.SetDefault("storage.connect_attempts", 5)

	v.SetDefault("redirect.client_url", "")
	v.SetDefault("redirect.allowed_uris", []string{})

	v.SetDefault("audit.buffer_size", 1024)
	v.SetDefault("audit.drop_if_full", true)

	v.SetDefault("impersonation.admin_roles", []string{"admin"})

	v.SetDefault("login.rate_per_minute", 10)
	v.SetDefault("login.burst", 5)

	v.SetDefault("telemetry.service_name", "authbroker")
	v.SetDefault("telemetry.otlp_endpoint", "")
	v.SetDefault("telemetry.insecure", false)
}

// NewViper returns a viper instance with defaults and environment binding
// configured. Flags may be bound onto it before calling Load.
func NewViper() *viper.Viper {
	v := viper.New()
	SetDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

// Load reads the optional config file at path, decodes the merged settings
// and validates them. Any problem is returned as a configuration error.
func Load(v *viper.Viper, path string) (*Config, error) {
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, errors.NewConfigurationError("failed to read config file", err)
		}
	}

	var cfg Config
	err := v.Unmarshal(&cfg, viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		durationHook(),
		mapstructure.StringToSliceHookFunc(","),
	)))
	if err != nil {
		return nil, errors.NewConfigurationError("failed to decode configuration", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks the configuration for problems that must stop startup.
func (c *Config) Validate() error {
	if c.Token.Secret == "" {
		return errors.NewConfigurationError("token.secret is required", nil)
	}
	if !slices.Contains(signingAlgorithms, c.Token.Algorithm) {
		return errors.NewConfigurationError(
			fmt.Sprintf("unsupported signing algorithm %q (valid: %s)",
				c.Token.Algorithm, strings.Join(signingAlgorithms, ", ")), nil)
	}
	if c.Token.AccessTTL <= 0 {
		return errors.NewConfigurationError("token.access_ttl must be positive", nil)
	}
	if c.Token.ImpersonationTTL <= 0 || c.Token.ImpersonationTTL >= c.Token.AccessTTL {
		return errors.NewConfigurationError(
			"token.impersonation_ttl must be positive and shorter than token.access_ttl", nil)
	}
	if c.Refresh.MaxAge <= 0 {
		return errors.NewConfigurationError("refresh.max_age must be positive", nil)
	}
	if c.AuthCode.TTL <= 0 {
		return errors.NewConfigurationError("auth_code.ttl must be positive", nil)
	}
	if _, err := ParseSameSite(c.Refresh.Cookie.SameSite); err != nil {
		return err
	}

	switch c.Storage.Type {
	case StorageMemory:
	case StorageRedis:
		if c.Storage.Addr == "" {
			return errors.NewConfigurationError("storage.addr is required for redis storage", nil)
		}
	default:
		return errors.NewConfigurationError(
			fmt.Sprintf("unsupported storage type %q (valid: %s, %s)", c.Storage.Type, StorageMemory, StorageRedis), nil)
	}
	if c.Storage.Timeout <= 0 {
		return errors.NewConfigurationError("storage.timeout must be positive", nil)
	}

	seen := make(map[string]struct{}, len(c.Providers))
	for i, p := range c.Providers {
		if err := p.validate(); err != nil {
			return errors.NewConfigurationError(fmt.Sprintf("providers[%d]", i), err)
		}
		if _, dup := seen[p.Name]; dup {
			return errors.NewConfigurationError(fmt.Sprintf("duplicate provider %q", p.Name), nil)
		}
		seen[p.Name] = struct{}{}
	}

	if c.Redirect.ClientURL != "" {
		if err := validateAbsoluteURL(c.Redirect.ClientURL); err != nil {
			return errors.NewConfigurationError("redirect.client_url", err)
		}
	}
	for _, u := range c.Redirect.AllowedURIs {
		if err := validateAbsoluteURL(u); err != nil {
			return errors.NewConfigurationError("redirect.allowed_uris", err)
		}
	}

	for i, a := range c.LocalAccounts {
		if a.Email == "" || a.PasswordHash == "" {
			return errors.NewConfigurationError(
				fmt.Sprintf("local_accounts[%d]: email and password_hash are required", i), nil)
		}
	}
	return nil
}

// SecureCookies reports whether the refresh cookie carries the Secure flag.
func (c *Config) SecureCookies() bool {
	return c.Refresh.Cookie.Secure || c.Environment == EnvironmentProduction
}

// ParseSameSite converts a configured SameSite mode.
func ParseSameSite(s string) (http.SameSite, error) {
	switch strings.ToLower(s) {
	case "", "lax":
		return http.SameSiteLaxMode, nil
	case "strict":
		return http.SameSiteStrictMode, nil
	case "none":
		return http.SameSiteNoneMode, nil
	default:
		return 0, errors.NewConfigurationError(fmt.Sprintf("invalid same_site value %q", s), nil)
	}
}

func (p ProviderConfig) validate() error {
	if p.Name == "" {
		return fmt.Errorf("name is required")
	}
	if p.ClientID == "" {
		return fmt.Errorf("client_id is required for provider %s", p.Name)
	}
	for field, value := range map[string]string{
		"auth_url":     p.AuthURL,
		"token_url":    p.TokenURL,
		"userinfo_url": p.UserInfoURL,
		"redirect_url": p.RedirectURL,
	} {
		if err := validateAbsoluteURL(value); err != nil {
			return fmt.Errorf("%s for provider %s: %w", field, p.Name, err)
		}
	}
	return nil
}

func validateAbsoluteURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("invalid URL format: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("URL must use http or https: %q", raw)
	}
	if u.Host == "" {
		return fmt.Errorf("URL must have a host: %q", raw)
	}
	return nil
}
