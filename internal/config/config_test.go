package config

import (
	"encoding/base64"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if err := cfg.Validate(); err != nil {
		t.Fatalf("DefaultConfig() does not validate: %v", err)
	}

	if cfg.Listen.Addr != ":3000" {
		t.Errorf("Listen.Addr = %q, want %q", cfg.Listen.Addr, ":3000")
	}
	if cfg.Session.CookieName != "session_id" {
		t.Errorf("Session.CookieName = %q, want %q", cfg.Session.CookieName, "session_id")
	}
	if !cfg.Session.EnableRotation {
		t.Error("Session.EnableRotation = false, want true")
	}
	if !cfg.Session.SingleSession {
		t.Error("Session.SingleSession = false, want true")
	}
	if cfg.Session.LifetimeSeconds != 3600 {
		t.Errorf("Session.LifetimeSeconds = %d, want 3600", cfg.Session.LifetimeSeconds)
	}
}

func TestLoadFromFile(t *testing.T) {
	content := `
listen:
  addr: ":8088"
keycloak:
  url: "http://keycloak:8080"
  public_url: "http://localhost:8080"
  realm: "test-realm"
  client_id: "test-client"
  client_secret: "hush"
redis:
  host: "redis"
  port: 6380
session:
  lifetime_seconds: 120
  cookie_samesite: "lax"
frontend:
  url: "http://frontend:5173"
  public_url: "http://localhost:3000"
`
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Listen.Addr != ":8088" {
		t.Errorf("Listen.Addr = %q, want %q", cfg.Listen.Addr, ":8088")
	}
	if cfg.Keycloak.Realm != "test-realm" {
		t.Errorf("Keycloak.Realm = %q, want %q", cfg.Keycloak.Realm, "test-realm")
	}
	if cfg.Redis.Addr() != "redis:6380" {
		t.Errorf("Redis.Addr() = %q, want %q", cfg.Redis.Addr(), "redis:6380")
	}
	if cfg.Session.LifetimeSeconds != 120 {
		t.Errorf("Session.LifetimeSeconds = %d, want 120", cfg.Session.LifetimeSeconds)
	}
	// Unset fields keep their defaults.
	if cfg.Session.CookieName != "session_id" {
		t.Errorf("Session.CookieName = %q, want default", cfg.Session.CookieName)
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load("/nonexistent/config.yaml"); err == nil {
		t.Error("Load() with missing file expected error, got nil")
	}
}

func TestLoadEmptyPathUsesDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load(\"\") error = %v", err)
	}
	if cfg.Keycloak.Realm != "reports-realm" {
		t.Errorf("Keycloak.Realm = %q, want default", cfg.Keycloak.Realm)
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("AUTH_PROXY_LISTEN_ADDR", ":9999")
	t.Setenv("AUTH_PROXY_KEYCLOAK_REALM", "env-realm")
	t.Setenv("AUTH_PROXY_REDIS_PORT", "7000")
	t.Setenv("AUTH_PROXY_ENABLE_SESSION_ROTATION", "false")
	t.Setenv("AUTH_PROXY_SINGLE_SESSION_PER_USER", "0")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Listen.Addr != ":9999" {
		t.Errorf("Listen.Addr = %q, want %q", cfg.Listen.Addr, ":9999")
	}
	if cfg.Keycloak.Realm != "env-realm" {
		t.Errorf("Keycloak.Realm = %q, want %q", cfg.Keycloak.Realm, "env-realm")
	}
	if cfg.Redis.Port != 7000 {
		t.Errorf("Redis.Port = %d, want 7000", cfg.Redis.Port)
	}
	if cfg.Session.EnableRotation {
		t.Error("Session.EnableRotation = true, want false from env")
	}
	if cfg.Session.SingleSession {
		t.Error("Session.SingleSession = true, want false from env")
	}
}

func TestValidate(t *testing.T) {
	valid := func() *Config { return DefaultConfig() }

	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"empty listen addr", func(c *Config) { c.Listen.Addr = "" }},
		{"empty redis host", func(c *Config) { c.Redis.Host = "" }},
		{"redis port out of range", func(c *Config) { c.Redis.Port = 70000 }},
		{"empty keycloak url", func(c *Config) { c.Keycloak.URL = "" }},
		{"keycloak url without scheme", func(c *Config) { c.Keycloak.URL = "keycloak:8080" }},
		{"empty realm", func(c *Config) { c.Keycloak.Realm = "" }},
		{"empty client id", func(c *Config) { c.Keycloak.ClientID = "" }},
		{"empty cookie name", func(c *Config) { c.Session.CookieName = "" }},
		{"zero lifetime", func(c *Config) { c.Session.LifetimeSeconds = 0 }},
		{"bad samesite", func(c *Config) { c.Session.CookieSameSite = "sideways" }},
		{"bad log level", func(c *Config) { c.Log.Level = "verbose" }},
		{"bad log format", func(c *Config) { c.Log.Format = "xml" }},
		{"key not base64", func(c *Config) { c.Session.EncryptionKey = "!!!" }},
		{"key wrong length", func(c *Config) {
			c.Session.EncryptionKey = base64.URLEncoding.EncodeToString([]byte("short"))
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(cfg)
			if err := cfg.Validate(); err == nil {
				t.Error("Validate() expected error, got nil")
			}
		})
	}
}

func TestDecodedEncryptionKey(t *testing.T) {
	cfg := DefaultConfig()

	key, err := cfg.Session.DecodedEncryptionKey()
	if err != nil {
		t.Fatalf("DecodedEncryptionKey() error = %v", err)
	}
	if key != nil {
		t.Errorf("DecodedEncryptionKey() = %v for empty config, want nil", key)
	}

	raw := make([]byte, EncryptionKeySize)
	cfg.Session.EncryptionKey = base64.URLEncoding.EncodeToString(raw)
	key, err = cfg.Session.DecodedEncryptionKey()
	if err != nil {
		t.Fatalf("DecodedEncryptionKey() error = %v", err)
	}
	if len(key) != EncryptionKeySize {
		t.Errorf("decoded key length = %d, want %d", len(key), EncryptionKeySize)
	}
}

func TestIssuers(t *testing.T) {
	tests := []struct {
		name      string
		url       string
		publicURL string
		want      []string
	}{
		{
			name:      "split internal and public",
			url:       "http://keycloak:8080",
			publicURL: "http://localhost:8080",
			want: []string{
				"http://keycloak:8080/realms/r",
				"http://localhost:8080/realms/r",
			},
		},
		{
			name:      "identical urls deduplicated",
			url:       "http://localhost:8080",
			publicURL: "http://localhost:8080",
			want:      []string{"http://localhost:8080/realms/r"},
		},
		{
			name:      "trailing slash trimmed",
			url:       "http://keycloak:8080/",
			publicURL: "http://localhost:8080",
			want: []string{
				"http://keycloak:8080/realms/r",
				"http://localhost:8080/realms/r",
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			k := KeycloakConfig{URL: tt.url, PublicURL: tt.publicURL, Realm: "r"}
			got := k.Issuers()
			if len(got) != len(tt.want) {
				t.Fatalf("Issuers() = %v, want %v", got, tt.want)
			}
			for i := range got {
				if got[i] != tt.want[i] {
					t.Errorf("Issuers()[%d] = %q, want %q", i, got[i], tt.want[i])
				}
			}
		})
	}
}

func TestSameSite(t *testing.T) {
	tests := []struct {
		value string
		want  http.SameSite
	}{
		{"strict", http.SameSiteStrictMode},
		{"lax", http.SameSiteLaxMode},
		{"none", http.SameSiteNoneMode},
		{"", http.SameSiteStrictMode},
	}

	for _, tt := range tests {
		s := SessionConfig{CookieSameSite: tt.value}
		if got := s.SameSite(); got != tt.want {
			t.Errorf("SameSite(%q) = %v, want %v", tt.value, got, tt.want)
		}
	}
}

func TestRedact(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Keycloak.ClientSecret = "secret"
	cfg.Redis.Password = "password"
	cfg.Session.EncryptionKey = "key"

	redacted := cfg.Redact()

	if redacted.Keycloak.ClientSecret != "[REDACTED]" {
		t.Errorf("ClientSecret = %q, want redacted", redacted.Keycloak.ClientSecret)
	}
	if redacted.Redis.Password != "[REDACTED]" {
		t.Errorf("Password = %q, want redacted", redacted.Redis.Password)
	}
	if redacted.Session.EncryptionKey != "[REDACTED]" {
		t.Errorf("EncryptionKey = %q, want redacted", redacted.Session.EncryptionKey)
	}

	// Original must be untouched.
	if cfg.Keycloak.ClientSecret != "secret" {
		t.Error("Redact() modified the original config")
	}
	if strings.Contains(cfg.Redis.Password, "REDACTED") {
		t.Error("Redact() modified the original redis password")
	}
}
