package server

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"idp/keys"
	"idp/model"
	"idp/store"
)

// Session defaults.
const (
	DefaultAuthorizationCookieTTL = 10 * time.Minute
	DefaultUserCookieTTL          = 12 * time.Hour
	DefaultRememberTTL            = 30 * 24 * time.Hour
)

// CORS defaults.
var (
	DefaultCORSAllowedHeaders = []string{"Authorization", "Content-Type"}
	DefaultCORSAllowedMethods = []string{"GET", "POST", "OPTIONS"}
)

// Config captures the full application configuration loaded from YAML and
// environment variables.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Keys     keys.Config    `yaml:"keys"`
	Tokens   TokensConfig   `yaml:"tokens"`
	Sessions SessionsConfig `yaml:"sessions"`
	Storage  store.Config   `yaml:"storage"`
	CORS     CORSConfig     `yaml:"cors"`
	Users    []UserConfig   `yaml:"users"`
	Clients  []ClientConfig `yaml:"clients"`
}

// ServerConfig controls listener, TLS, and HTTP concerns.
type ServerConfig struct {
	PublicURL       string    `yaml:"public_url"`
	DevMode         bool      `yaml:"dev_mode"`
	DevListenAddr   string    `yaml:"dev_listen_addr"`
	HTTPListenAddr  string    `yaml:"http_listen_addr"`
	HTTPSListenAddr string    `yaml:"https_listen_addr"`
	CookieDomain    string    `yaml:"cookie_domain"`
	SecretsPath     string    `yaml:"secrets_path"`
	TLS             TLSConfig `yaml:"tls"`
}

// TLSConfig defines autocert behaviour and TLS constraints.
type TLSConfig struct {
	Domains    []string `yaml:"domains"`
	Email      string   `yaml:"email"`
	MinVersion string   `yaml:"min_version"`
	HSTSMaxAge int      `yaml:"hsts_max_age"`
}

// TokensConfig sets token lifetimes.
type TokensConfig struct {
	AuthorizationCodeTTL time.Duration `yaml:"authorization_code_ttl"`
	AccessTokenTTL       time.Duration `yaml:"access_token_ttl"`
	RefreshTokenTTL      time.Duration `yaml:"refresh_token_ttl"`
}

// Lifetimes converts the config to token lifetimes.
func (t TokensConfig) Lifetimes() model.Lifetimes {
	return model.Lifetimes{
		AuthorizationCode: t.AuthorizationCodeTTL,
		AccessToken:       t.AccessTokenTTL,
		RefreshToken:      t.RefreshTokenTTL,
	}
}

// SessionsConfig sets cookie lifetimes.
type SessionsConfig struct {
	// AuthorizationTTL bounds the in-progress authorization cookie.
	AuthorizationTTL time.Duration `yaml:"authorization_ttl"`
	// UserTTL is the login cookie lifetime without "remember me".
	UserTTL time.Duration `yaml:"user_ttl"`
	// RememberTTL is the login cookie lifetime with "remember me".
	RememberTTL time.Duration `yaml:"remember_ttl"`
}

// CORSConfig lists origins allowed to call the API from a browser.
type CORSConfig struct {
	AllowedOrigins []string `yaml:"allowed_origins"`
	AllowedMethods []string `yaml:"allowed_methods"`
	AllowedHeaders []string `yaml:"allowed_headers"`
}

// UserConfig bootstraps a user account.
type UserConfig struct {
	Username string        `yaml:"username"`
	Password string        `yaml:"password"`
	Profile  model.Profile `yaml:"profile"`
}

// ClientConfig bootstraps a client registration.
type ClientConfig struct {
	Name                 string   `yaml:"name"`
	RedirectURIs         []string `yaml:"redirect_uris"`
	Owner                string   `yaml:"owner"`
	Disabled             bool     `yaml:"disabled"`
	IDTokenSigningAlg    string   `yaml:"id_token_signed_response_alg"`
	IDTokenEncryptionAlg string   `yaml:"id_token_encrypted_response_alg"`
	IDTokenEncryptionEnc string   `yaml:"id_token_encrypted_response_enc"`
}

// LoadConfig reads the YAML config file and merges environment overrides.
func LoadConfig(path string, logger *slog.Logger) (Config, error) {
	if logger == nil {
		logger = slog.Default()
	}
	cfg := DefaultConfig()

	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}

		decoder := yaml.NewDecoder(bytes.NewReader(b))
		decoder.KnownFields(true)
		if err := decoder.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
			if strings.Contains(err.Error(), "field") && strings.Contains(err.Error(), "not found") {
				logger.Error("configuration contains unknown keys", "error", err, "file", path)
				return Config{}, fmt.Errorf("invalid config: %w (check for typos or deprecated fields)", err)
			}
			logger.Error("failed to parse configuration", "error", err, "file", path)
			return Config{}, fmt.Errorf("parse config: %w", err)
		}
	}

	applyEnvOverrides(&cfg)

	if err := cfg.Validate(logger); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// DefaultConfig returns the configuration used when no file overrides it.
// The master secret has no default.
func DefaultConfig() Config {
	lifetimes := model.DefaultLifetimes()
	return Config{
		Server: ServerConfig{
			PublicURL:       "http://127.0.0.1:8080",
			DevMode:         true,
			DevListenAddr:   "127.0.0.1:8080",
			HTTPListenAddr:  ":80",
			HTTPSListenAddr: ":443",
			SecretsPath:     ".secrets",
			TLS: TLSConfig{
				Domains:    []string{"localhost"},
				MinVersion: "1.2",
				HSTSMaxAge: 31536000,
			},
		},
		Keys: keys.DefaultConfig(),
		Tokens: TokensConfig{
			AuthorizationCodeTTL: lifetimes.AuthorizationCode,
			AccessTokenTTL:       lifetimes.AccessToken,
			RefreshTokenTTL:      lifetimes.RefreshToken,
		},
		Sessions: SessionsConfig{
			AuthorizationTTL: DefaultAuthorizationCookieTTL,
			UserTTL:          DefaultUserCookieTTL,
			RememberTTL:      DefaultRememberTTL,
		},
		Storage: store.Config{Driver: store.DriverMemory},
		CORS: CORSConfig{
			AllowedMethods: DefaultCORSAllowedMethods,
			AllowedHeaders: DefaultCORSAllowedHeaders,
		},
	}
}

func applyEnvOverrides(cfg *Config) {
	overrides := map[string]func(string){
		"IDP_SERVER_PUBLIC_URL":        func(v string) { cfg.Server.PublicURL = v },
		"IDP_SERVER_DEV_MODE":          func(v string) { cfg.Server.DevMode = parseBool(v, cfg.Server.DevMode) },
		"IDP_SERVER_DEV_LISTEN_ADDR":   func(v string) { cfg.Server.DevListenAddr = v },
		"IDP_SERVER_HTTP_LISTEN_ADDR":  func(v string) { cfg.Server.HTTPListenAddr = v },
		"IDP_SERVER_HTTPS_LISTEN_ADDR": func(v string) { cfg.Server.HTTPSListenAddr = v },
		"IDP_SERVER_COOKIE_DOMAIN":     func(v string) { cfg.Server.CookieDomain = v },
		"IDP_SERVER_SECRETS_PATH":      func(v string) { cfg.Server.SecretsPath = v },
		"IDP_SERVER_TLS_DOMAINS":       func(v string) { cfg.Server.TLS.Domains = splitAndTrim(v) },
		"IDP_SERVER_TLS_EMAIL":         func(v string) { cfg.Server.TLS.Email = v },
		"IDP_KEYS_MASTER_SECRET":       func(v string) { cfg.Keys.MasterSecret = v },
		"IDP_KEYS_SIGNING_ALGORITHMS":  func(v string) { cfg.Keys.SigningAlgorithms = splitAndTrim(v) },
		"IDP_TOKENS_ACCESS_TOKEN_TTL": func(v string) {
			cfg.Tokens.AccessTokenTTL = parseDuration(v, cfg.Tokens.AccessTokenTTL)
		},
		"IDP_TOKENS_REFRESH_TOKEN_TTL": func(v string) {
			cfg.Tokens.RefreshTokenTTL = parseDuration(v, cfg.Tokens.RefreshTokenTTL)
		},
		"IDP_STORAGE_DRIVER":          func(v string) { cfg.Storage.Driver = v },
		"IDP_STORAGE_REDIS_ADDR":      func(v string) { cfg.Storage.Redis.Addr = v },
		"IDP_STORAGE_REDIS_PASSWORD":  func(v string) { cfg.Storage.Redis.Password = v },
		"IDP_STORAGE_REDIS_DB":        func(v string) { cfg.Storage.Redis.DB = parseInt(v, cfg.Storage.Redis.DB) },
		"IDP_CORS_ALLOWED_ORIGINS":    func(v string) { cfg.CORS.AllowedOrigins = splitAndTrim(v) },
		"IDP_STORAGE_REDIS_KEYPREFIX": func(v string) { cfg.Storage.Redis.KeyPrefix = v },
	}

	for key, fn := range overrides {
		if val, ok := os.LookupEnv(key); ok {
			fn(val)
		}
	}
}

func parseDuration(val string, fallback time.Duration) time.Duration {
	d, err := time.ParseDuration(strings.TrimSpace(val))
	if err != nil {
		return fallback
	}
	return d
}

func parseInt(val string, fallback int) int {
	n, err := strconv.Atoi(strings.TrimSpace(val))
	if err != nil {
		return fallback
	}
	return n
}

func parseBool(val string, fallback bool) bool {
	switch strings.ToLower(strings.TrimSpace(val)) {
	case "1", "true", "yes", "y", "on":
		return true
	case "0", "false", "no", "n", "off":
		return false
	default:
		return fallback
	}
}

func splitAndTrim(val string) []string {
	parts := strings.Split(val, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if s := strings.TrimSpace(p); s != "" {
			out = append(out, s)
		}
	}
	return out
}

// Issuer is the public URL without a trailing slash.
func (c Config) Issuer() string {
	return strings.TrimSuffix(c.Server.PublicURL, "/")
}

// Validate performs sanity checks on the config. A missing master secret is
// reported as a configuration error.
func (c Config) Validate(logger *slog.Logger) error {
	if logger == nil {
		logger = slog.Default()
	}
	if c.Server.PublicURL == "" {
		logger.Error("missing required configuration", "field", "server.public_url")
		return errors.New("server.public_url is required")
	}
	u, err := url.Parse(c.Server.PublicURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		logger.Error("invalid configuration value", "field", "server.public_url", "value", c.Server.PublicURL,
			"reason", "must be an absolute http(s) URL")
		return fmt.Errorf("server.public_url must start with http:// or https://, got: %s", c.Server.PublicURL)
	}
	if !c.Server.DevMode && u.Scheme != "https" {
		logger.Error("invalid configuration value", "field", "server.public_url", "reason", "https required outside dev mode")
		return errors.New("server.public_url must use https outside dev mode")
	}
	if !c.Server.DevMode && len(c.Server.TLS.Domains) == 0 {
		logger.Error("missing required configuration for production mode", "field", "server.tls.domains")
		return errors.New("server.tls.domains must be provided in production")
	}
	if v := c.Server.TLS.MinVersion; v != "" && v != "1.2" && v != "1.3" {
		logger.Error("invalid TLS minimum version", "field", "server.tls.min_version", "value", v)
		return fmt.Errorf("server.tls.min_version must be '1.2' or '1.3', got: %s", v)
	}
	if c.Server.CookieDomain != "" {
		host := u.Hostname()
		domain := strings.TrimPrefix(c.Server.CookieDomain, ".")
		if host != domain && !strings.HasSuffix(host, "."+domain) {
			logger.Error("cookie domain mismatch", "field", "server.cookie_domain",
				"cookie_domain", c.Server.CookieDomain, "public_url_domain", host)
			return fmt.Errorf("server.cookie_domain '%s' does not match server.public_url domain '%s'", c.Server.CookieDomain, host)
		}
	}

	if err := c.Keys.Validate(); err != nil {
		logger.Error("invalid key configuration", "error", err)
		return err
	}

	for name, d := range map[string]time.Duration{
		"tokens.authorization_code_ttl": c.Tokens.AuthorizationCodeTTL,
		"tokens.access_token_ttl":       c.Tokens.AccessTokenTTL,
		"tokens.refresh_token_ttl":      c.Tokens.RefreshTokenTTL,
		"sessions.authorization_ttl":    c.Sessions.AuthorizationTTL,
		"sessions.user_ttl":             c.Sessions.UserTTL,
		"sessions.remember_ttl":         c.Sessions.RememberTTL,
	} {
		if d <= 0 {
			logger.Error("invalid duration", "field", name, "value", d)
			return fmt.Errorf("%s must be positive", name)
		}
	}
	if c.Tokens.RefreshTokenTTL < c.Tokens.AccessTokenTTL {
		return errors.New("tokens.refresh_token_ttl must not be shorter than tokens.access_token_ttl")
	}

	switch c.Storage.Driver {
	case "", store.DriverMemory:
	case store.DriverRedis:
		if c.Storage.Redis.Addr == "" {
			logger.Error("missing required configuration", "field", "storage.redis.addr")
			return errors.New("storage.redis.addr is required for the redis driver")
		}
	default:
		logger.Error("invalid configuration value", "field", "storage.driver", "value", c.Storage.Driver)
		return fmt.Errorf("storage.driver must be %q or %q, got: %s", store.DriverMemory, store.DriverRedis, c.Storage.Driver)
	}

	usernames := make(map[string]bool, len(c.Users))
	for i, user := range c.Users {
		if user.Username == "" || user.Password == "" {
			logger.Error("bootstrap user incomplete", "index", i)
			return fmt.Errorf("users[%d]: username and password are required", i)
		}
		usernames[user.Username] = true
	}

	names := make(map[string]bool, len(c.Clients))
	for i, client := range c.Clients {
		if client.Name == "" {
			logger.Error("bootstrap client missing name", "index", i)
			return fmt.Errorf("clients[%d]: name is required", i)
		}
		if names[client.Name] {
			return fmt.Errorf("clients[%d]: duplicate name %q", i, client.Name)
		}
		names[client.Name] = true
		if len(client.RedirectURIs) == 0 {
			logger.Error("bootstrap client missing redirect URIs", "client", client.Name)
			return fmt.Errorf("clients[%d] (%s): at least one redirect_uri is required", i, client.Name)
		}
		if client.Owner != "" && !usernames[client.Owner] {
			return fmt.Errorf("clients[%d] (%s): owner %q is not a configured user", i, client.Name, client.Owner)
		}
	}
	return nil
}

// InferCORSOrigins returns the configured origins plus the origins of every
// bootstrap client redirect URI.
func (c Config) InferCORSOrigins() []string {
	seen := make(map[string]bool)
	var origins []string
	add := func(origin string) {
		if origin != "" && !seen[origin] {
			seen[origin] = true
			origins = append(origins, origin)
		}
	}
	for _, o := range c.CORS.AllowedOrigins {
		add(o)
	}
	for _, client := range c.Clients {
		for _, uri := range client.RedirectURIs {
			add(extractOrigin(uri))
		}
	}
	return origins
}

func extractOrigin(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return ""
	}
	return u.Scheme + "://" + u.Host
}
