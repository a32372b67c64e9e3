package server

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"idp/model"
	"idp/store"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func validConfig() Config {
	cfg := DefaultConfig()
	cfg.Keys.MasterSecret = "test-master-secret"
	return cfg
}

func TestLoadConfigAppliesEnvOverrides(t *testing.T) {
	path := writeConfig(t, `server:
  public_url: http://localhost:8080
  dev_mode: true
keys:
  master_secret: from-file
tokens:
  access_token_ttl: 30m
users:
  - username: alice
    password: wonderland
    profile:
      name: Alice
      email: alice@example.com
clients:
  - name: web
    owner: alice
    redirect_uris: ["http://localhost:3000/callback"]
`)

	t.Setenv("IDP_SERVER_PUBLIC_URL", "https://idp.example.com")
	t.Setenv("IDP_KEYS_MASTER_SECRET", "from-env")
	t.Setenv("IDP_TOKENS_REFRESH_TOKEN_TTL", "48h")

	cfg, err := LoadConfig(path, discardLogger())
	if err != nil {
		t.Fatalf("LoadConfig returned error: %v", err)
	}

	if cfg.Server.PublicURL != "https://idp.example.com" {
		t.Fatalf("PublicURL override mismatch, got %q", cfg.Server.PublicURL)
	}
	if cfg.Keys.MasterSecret != "from-env" {
		t.Fatalf("master secret override mismatch, got %q", cfg.Keys.MasterSecret)
	}
	if cfg.Tokens.AccessTokenTTL != 30*time.Minute {
		t.Fatalf("access token ttl from file mismatch, got %s", cfg.Tokens.AccessTokenTTL)
	}
	if cfg.Tokens.RefreshTokenTTL != 48*time.Hour {
		t.Fatalf("refresh token ttl override mismatch, got %s", cfg.Tokens.RefreshTokenTTL)
	}
	if cfg.Tokens.AuthorizationCodeTTL != model.DefaultLifetimes().AuthorizationCode {
		t.Fatalf("code ttl should keep its default, got %s", cfg.Tokens.AuthorizationCodeTTL)
	}
	if len(cfg.Users) != 1 || cfg.Users[0].Profile.Email != "alice@example.com" {
		t.Fatalf("bootstrap users not decoded: %+v", cfg.Users)
	}
	if cfg.Issuer() != "https://idp.example.com" {
		t.Fatalf("issuer mismatch, got %q", cfg.Issuer())
	}
}

func TestLoadConfigRequiresMasterSecret(t *testing.T) {
	path := writeConfig(t, `server:
  public_url: http://localhost:8080
`)
	t.Setenv("IDP_KEYS_MASTER_SECRET", "")

	_, err := LoadConfig(path, discardLogger())
	if err == nil {
		t.Fatalf("expected error without a master secret")
	}
	if !model.IsKind(err, model.KindConfiguration) {
		t.Fatalf("expected configuration error, got %v", err)
	}
}

func TestLoadConfigRejectsUnknownFields(t *testing.T) {
	path := writeConfig(t, `server:
  public_url: http://localhost:8080
  unknown_field: value
keys:
  master_secret: s
`)

	_, err := LoadConfig(path, discardLogger())
	if err == nil {
		t.Fatalf("expected error for unknown field")
	}
	if !strings.Contains(err.Error(), "unknown_field") {
		t.Fatalf("error should mention unknown field, got: %v", err)
	}
}

func TestLoadConfigMissingFile(t *testing.T) {
	if _, err := LoadConfig(filepath.Join(t.TempDir(), "absent.yaml"), discardLogger()); err == nil {
		t.Fatalf("expected error for missing file")
	}
}

func TestSplitAndTrimRemovesEmpty(t *testing.T) {
	out := splitAndTrim(" a , ,b,, c ")
	expected := []string{"a", "b", "c"}
	if len(out) != len(expected) {
		t.Fatalf("unexpected length: got %d want %d", len(out), len(expected))
	}
	for i := range expected {
		if out[i] != expected[i] {
			t.Fatalf("element %d mismatch: got %q want %q", i, out[i], expected[i])
		}
	}
}

func TestParseBoolFallback(t *testing.T) {
	if parseBool("", true) != true {
		t.Fatalf("empty input should return fallback true")
	}
	if parseBool("invalid", false) != false {
		t.Fatalf("invalid input should return fallback false")
	}
	if parseBool("YES", false) != true {
		t.Fatalf("expected true for yes")
	}
	if parseBool("0", true) != false {
		t.Fatalf("expected false for zero")
	}
}

func TestParseDurationFallback(t *testing.T) {
	fallback := 5 * time.Minute
	if parseDuration("bogus", fallback) != fallback {
		t.Fatalf("invalid duration should return fallback")
	}
	if parseDuration("30s", fallback) != 30*time.Second {
		t.Fatalf("parsed duration mismatch")
	}
	if parseInt("x", 3) != 3 || parseInt(" 7 ", 3) != 7 {
		t.Fatalf("parseInt mismatch")
	}
}

func TestValidateRejects(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"public url scheme", func(c *Config) { c.Server.PublicURL = "ftp://idp" }, "public_url"},
		{"https outside dev", func(c *Config) { c.Server.DevMode = false }, "https"},
		{"tls version", func(c *Config) { c.Server.TLS.MinVersion = "1.1" }, "min_version"},
		{"cookie domain", func(c *Config) { c.Server.CookieDomain = "other.example" }, "cookie_domain"},
		{"zero ttl", func(c *Config) { c.Tokens.AccessTokenTTL = 0 }, "access_token_ttl"},
		{"refresh shorter than access", func(c *Config) { c.Tokens.RefreshTokenTTL = time.Minute }, "refresh_token_ttl"},
		{"storage driver", func(c *Config) { c.Storage.Driver = "etcd" }, "storage.driver"},
		{"redis addr", func(c *Config) { c.Storage.Driver = store.DriverRedis }, "storage.redis.addr"},
		{"signing algorithm", func(c *Config) { c.Keys.SigningAlgorithms = []string{"none"} }, "signing algorithm"},
		{"user password", func(c *Config) { c.Users = []UserConfig{{Username: "alice"}} }, "users[0]"},
		{"client name", func(c *Config) { c.Clients = []ClientConfig{{RedirectURIs: []string{"https://a/cb"}}} }, "clients[0]"},
		{"client redirect", func(c *Config) { c.Clients = []ClientConfig{{Name: "web"}} }, "redirect_uri"},
		{"duplicate client", func(c *Config) {
			c.Clients = []ClientConfig{
				{Name: "web", RedirectURIs: []string{"https://a/cb"}},
				{Name: "web", RedirectURIs: []string{"https://b/cb"}},
			}
		}, "duplicate"},
		{"unknown owner", func(c *Config) {
			c.Clients = []ClientConfig{{Name: "web", Owner: "bob", RedirectURIs: []string{"https://a/cb"}}}
		}, "owner"},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(&cfg)
			err := cfg.Validate(discardLogger())
			if err == nil {
				t.Fatalf("expected validation error")
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("error %q should mention %q", err, tt.want)
			}
		})
	}
}

func TestValidateAcceptsDefaults(t *testing.T) {
	cfg := validConfig()
	if err := cfg.Validate(discardLogger()); err != nil {
		t.Fatalf("defaults with a master secret should validate: %v", err)
	}

	cfg.Server.PublicURL = "https://login.example.com"
	cfg.Server.DevMode = false
	cfg.Server.CookieDomain = ".example.com"
	if err := cfg.Validate(discardLogger()); err != nil {
		t.Fatalf("production config should validate: %v", err)
	}
}
