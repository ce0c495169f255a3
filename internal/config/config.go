// Package config loads and validates the auth gateway configuration.
package config

import (
	"encoding/base64"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// EncryptionKeySize is the required decoded size of the session encryption key.
const EncryptionKeySize = 32

// Config represents the complete application configuration
type Config struct {
	Listen   ListenConfig   `yaml:"listen"`
	Redis    RedisConfig    `yaml:"redis"`
	Keycloak KeycloakConfig `yaml:"keycloak"`
	Session  SessionConfig  `yaml:"session"`
	Frontend FrontendConfig `yaml:"frontend"`
	Log      LogConfig      `yaml:"log"`
}

// ListenConfig defines where the gateway listens for requests
type ListenConfig struct {
	Addr string `yaml:"addr"` // HTTP server address (e.g., ":3000")
}

// RedisConfig defines the session store backend connection
type RedisConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	DB       int    `yaml:"db"`
	Password string `yaml:"password"`
}

// Addr returns the host:port address for the Redis client.
func (r *RedisConfig) Addr() string {
	return fmt.Sprintf("%s:%d", r.Host, r.Port)
}

// KeycloakConfig defines the OIDC identity provider settings.
// URL is the internal base URL used for server-to-server calls (token,
// logout, JWKS); PublicURL is the browser-facing base URL used for the
// authorization redirect. They may differ behind a reverse proxy, which is
// why token verification tolerates both issuers.
type KeycloakConfig struct {
	URL          string `yaml:"url"`
	PublicURL    string `yaml:"public_url"`
	Realm        string `yaml:"realm"`
	ClientID     string `yaml:"client_id"`
	ClientSecret string `yaml:"client_secret"`
}

// RealmURL returns the internal realm base URL.
func (k *KeycloakConfig) RealmURL() string {
	return fmt.Sprintf("%s/realms/%s", strings.TrimSuffix(k.URL, "/"), k.Realm)
}

// PublicRealmURL returns the browser-facing realm base URL.
func (k *KeycloakConfig) PublicRealmURL() string {
	return fmt.Sprintf("%s/realms/%s", strings.TrimSuffix(k.PublicURL, "/"), k.Realm)
}

// Issuers returns the ordered list of issuer strings accepted during token
// verification. The internal URL is tried first, then the public one.
func (k *KeycloakConfig) Issuers() []string {
	issuers := []string{k.RealmURL()}
	if pub := k.PublicRealmURL(); pub != issuers[0] {
		issuers = append(issuers, pub)
	}
	return issuers
}

// SessionConfig defines session lifetime, cookie attributes and the
// rotation / single-session policies.
type SessionConfig struct {
	CookieName       string   `yaml:"cookie_name"`
	CookiePath       string   `yaml:"cookie_path"`
	CookieSecure     bool     `yaml:"cookie_secure"`
	CookieHTTPOnly   bool     `yaml:"cookie_httponly"`
	CookieSameSite   string   `yaml:"cookie_samesite"` // strict, lax, none
	LifetimeSeconds  int      `yaml:"lifetime_seconds"`
	EncryptionKey    string   `yaml:"encryption_key"` // base64, 32 bytes; empty disables encryption
	EnableRotation   bool     `yaml:"enable_rotation"`
	SingleSession    bool     `yaml:"single_session_per_user"`
	SingleSessionFor []string `yaml:"single_session_for_roles"`
}

// Lifetime returns the session lifetime as a duration.
func (s *SessionConfig) Lifetime() time.Duration {
	return time.Duration(s.LifetimeSeconds) * time.Second
}

// SameSite maps the configured policy string to the http constant.
func (s *SessionConfig) SameSite() http.SameSite {
	switch s.CookieSameSite {
	case "lax":
		return http.SameSiteLaxMode
	case "none":
		return http.SameSiteNoneMode
	default:
		return http.SameSiteStrictMode
	}
}

// DecodedEncryptionKey returns the raw encryption key bytes, or nil when
// encryption is disabled.
func (s *SessionConfig) DecodedEncryptionKey() ([]byte, error) {
	if s.EncryptionKey == "" {
		return nil, nil
	}
	key, err := base64.URLEncoding.DecodeString(s.EncryptionKey)
	if err != nil {
		return nil, fmt.Errorf("encryption key is not valid base64: %w", err)
	}
	if len(key) != EncryptionKeySize {
		return nil, fmt.Errorf("encryption key must be %d bytes, got %d", EncryptionKeySize, len(key))
	}
	return key, nil
}

// FrontendConfig defines the frontend proxy target.
// URL is the internal origin requests are forwarded to; PublicURL is the
// browser-facing origin used for post-login redirects.
type FrontendConfig struct {
	URL       string `yaml:"url"`
	PublicURL string `yaml:"public_url"`
}

// LogConfig defines logging settings
type LogConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // json, text
}

// Load reads and parses the configuration file.
// An empty path loads defaults plus environment overrides only.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	// Apply environment variable overrides
	cfg.applyEnvOverrides()

	// Validate
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

// DefaultConfig returns a configuration with sensible defaults
func DefaultConfig() *Config {
	return &Config{
		Listen: ListenConfig{
			Addr: ":3000",
		},
		Redis: RedisConfig{
			Host: "localhost",
			Port: 6379,
		},
		Keycloak: KeycloakConfig{
			URL:       "http://localhost:8080",
			PublicURL: "http://localhost:8080",
			Realm:     "reports-realm",
			ClientID:  "auth-proxy",
		},
		Session: SessionConfig{
			CookieName:       "session_id",
			CookiePath:       "/",
			CookieHTTPOnly:   true,
			CookieSameSite:   "strict",
			LifetimeSeconds:  3600,
			EnableRotation:   true,
			SingleSession:    true,
			SingleSessionFor: []string{"administrators"},
		},
		Frontend: FrontendConfig{
			URL:       "http://localhost:5173",
			PublicURL: "http://localhost:3000",
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// applyEnvOverrides applies AUTH_PROXY_* environment variable overrides
func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("AUTH_PROXY_LISTEN_ADDR"); v != "" {
		c.Listen.Addr = v
	}

	// Redis overrides
	if v := os.Getenv("AUTH_PROXY_REDIS_HOST"); v != "" {
		c.Redis.Host = v
	}
	if v := os.Getenv("AUTH_PROXY_REDIS_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			c.Redis.Port = port
		}
	}
	if v := os.Getenv("AUTH_PROXY_REDIS_DB"); v != "" {
		if db, err := strconv.Atoi(v); err == nil {
			c.Redis.DB = db
		}
	}
	if v := os.Getenv("AUTH_PROXY_REDIS_PASSWORD"); v != "" {
		c.Redis.Password = v
	}

	// Keycloak overrides
	if v := os.Getenv("AUTH_PROXY_KEYCLOAK_URL"); v != "" {
		c.Keycloak.URL = v
	}
	if v := os.Getenv("AUTH_PROXY_KEYCLOAK_PUBLIC_URL"); v != "" {
		c.Keycloak.PublicURL = v
	}
	if v := os.Getenv("AUTH_PROXY_KEYCLOAK_REALM"); v != "" {
		c.Keycloak.Realm = v
	}
	if v := os.Getenv("AUTH_PROXY_CLIENT_ID"); v != "" {
		c.Keycloak.ClientID = v
	}
	if v := os.Getenv("AUTH_PROXY_CLIENT_SECRET"); v != "" {
		c.Keycloak.ClientSecret = v
	}

	// Session overrides
	if v := os.Getenv("AUTH_PROXY_ENCRYPTION_KEY"); v != "" {
		c.Session.EncryptionKey = v
	}
	if v := os.Getenv("AUTH_PROXY_SESSION_COOKIE_NAME"); v != "" {
		c.Session.CookieName = v
	}
	if v := os.Getenv("AUTH_PROXY_SESSION_LIFETIME_SECONDS"); v != "" {
		if secs, err := strconv.Atoi(v); err == nil {
			c.Session.LifetimeSeconds = secs
		}
	}
	if v := os.Getenv("AUTH_PROXY_ENABLE_SESSION_ROTATION"); v != "" {
		c.Session.EnableRotation = v == "true" || v == "1"
	}
	if v := os.Getenv("AUTH_PROXY_SINGLE_SESSION_PER_USER"); v != "" {
		c.Session.SingleSession = v == "true" || v == "1"
	}

	// Frontend overrides
	if v := os.Getenv("AUTH_PROXY_FRONTEND_URL"); v != "" {
		c.Frontend.URL = v
	}
	if v := os.Getenv("AUTH_PROXY_FRONTEND_PUBLIC_URL"); v != "" {
		c.Frontend.PublicURL = v
	}

	// Log overrides
	if v := os.Getenv("AUTH_PROXY_LOG_LEVEL"); v != "" {
		c.Log.Level = v
	}
	if v := os.Getenv("AUTH_PROXY_LOG_FORMAT"); v != "" {
		c.Log.Format = v
	}
}

// Validate checks that the configuration is valid
func (c *Config) Validate() error {
	if c.Listen.Addr == "" {
		return fmt.Errorf("listen.addr is required")
	}

	if c.Redis.Host == "" {
		return fmt.Errorf("redis.host is required")
	}
	if c.Redis.Port <= 0 || c.Redis.Port > 65535 {
		return fmt.Errorf("redis.port must be between 1 and 65535")
	}

	for name, u := range map[string]string{
		"keycloak.url":        c.Keycloak.URL,
		"keycloak.public_url": c.Keycloak.PublicURL,
		"frontend.url":        c.Frontend.URL,
		"frontend.public_url": c.Frontend.PublicURL,
	} {
		if u == "" {
			return fmt.Errorf("%s is required", name)
		}
		if !strings.HasPrefix(u, "http://") && !strings.HasPrefix(u, "https://") {
			return fmt.Errorf("%s must be a valid HTTP(S) URL", name)
		}
	}

	if c.Keycloak.Realm == "" {
		return fmt.Errorf("keycloak.realm is required")
	}
	if c.Keycloak.ClientID == "" {
		return fmt.Errorf("keycloak.client_id is required")
	}

	if c.Session.CookieName == "" {
		return fmt.Errorf("session.cookie_name is required")
	}
	if c.Session.CookiePath == "" {
		return fmt.Errorf("session.cookie_path is required")
	}
	if c.Session.LifetimeSeconds <= 0 {
		return fmt.Errorf("session.lifetime_seconds must be positive")
	}

	validSameSite := map[string]bool{
		"strict": true,
		"lax":    true,
		"none":   true,
	}
	if !validSameSite[c.Session.CookieSameSite] {
		return fmt.Errorf("session.cookie_samesite must be one of: strict, lax, none")
	}

	// An invalid encryption key is a fatal startup error, not a
	// silently-disabled one.
	if _, err := c.Session.DecodedEncryptionKey(); err != nil {
		return fmt.Errorf("session.encryption_key: %w", err)
	}

	// Validate log config
	validLevels := map[string]bool{
		"debug": true,
		"info":  true,
		"warn":  true,
		"error": true,
	}
	if !validLevels[c.Log.Level] {
		return fmt.Errorf("log.level must be one of: debug, info, warn, error")
	}

	validFormats := map[string]bool{
		"json": true,
		"text": true,
	}
	if !validFormats[c.Log.Format] {
		return fmt.Errorf("log.format must be one of: json, text")
	}

	return nil
}

// SetupLogging configures the global slog logger based on the LogConfig.
func SetupLogging(cfg *LogConfig) {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}

	var handler slog.Handler
	switch cfg.Format {
	case "text":
		handler = slog.NewTextHandler(os.Stderr, opts)
	default:
		handler = slog.NewJSONHandler(os.Stderr, opts)
	}

	slog.SetDefault(slog.New(handler))
}

// Redact returns a deep-enough copy of the config with secrets redacted for safe logging
func (c *Config) Redact() *Config {
	redacted := *c
	// Deep copy slices to avoid sharing underlying arrays with the original
	if c.Session.SingleSessionFor != nil {
		redacted.Session.SingleSessionFor = make([]string, len(c.Session.SingleSessionFor))
		copy(redacted.Session.SingleSessionFor, c.Session.SingleSessionFor)
	}
	if redacted.Keycloak.ClientSecret != "" {
		redacted.Keycloak.ClientSecret = "[REDACTED]"
	}
	if redacted.Redis.Password != "" {
		redacted.Redis.Password = "[REDACTED]"
	}
	if redacted.Session.EncryptionKey != "" {
		redacted.Session.EncryptionKey = "[REDACTED]"
	}
	return &redacted
}
