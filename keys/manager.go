// Package keys owns the provider's signing and encryption keys and the
// cookie-signing secrets. The material is generated once, sealed with a key
// derived from the operator's master secret and persisted.
package keys

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/go-jose/go-jose/v3"
	"golang.org/x/sync/singleflight"

	"idp/model"
	"idp/store"
)

const cookieSecretLength = 32

// Config selects the algorithms to generate keys for.
type Config struct {
	MasterSecret         string   `yaml:"master_secret"`
	SigningAlgorithms    []string `yaml:"signing_algorithms"`
	EncryptionAlgorithms []string `yaml:"encryption_algorithms"`
	CookieSecretCount    int      `yaml:"cookie_secret_count"`
}

// DefaultConfig returns RS256 and ES256 signing keys, an RSA-OAEP-256
// encryption key and three cookie secrets. The master secret has no default.
func DefaultConfig() Config {
	return Config{
		SigningAlgorithms:    []string{string(jose.RS256), string(jose.ES256)},
		EncryptionAlgorithms: []string{string(jose.RSA_OAEP_256)},
		CookieSecretCount:    3,
	}
}

// Validate checks the algorithm lists and the master secret.
func (c Config) Validate() error {
	if c.MasterSecret == "" {
		return model.ConfigurationError("keys.master_secret is required")
	}
	if len(c.SigningAlgorithms) == 0 {
		return model.ConfigurationError("keys.signing_algorithms must not be empty")
	}
	asymmetric := false
	for _, alg := range c.SigningAlgorithms {
		if !supportedSigning(alg) {
			return model.ConfigurationError("unsupported signing algorithm %q", alg)
		}
		if !SymmetricSigning(alg) {
			asymmetric = true
		}
	}
	if !asymmetric {
		return model.ConfigurationError("keys.signing_algorithms needs at least one asymmetric algorithm")
	}
	for _, alg := range c.EncryptionAlgorithms {
		if !supportedEncryption(alg) {
			return model.ConfigurationError("unsupported encryption algorithm %q", alg)
		}
	}
	if c.CookieSecretCount < 1 {
		return model.ConfigurationError("keys.cookie_secret_count must be at least 1")
	}
	return nil
}

// Manager lazily loads or creates the key material on first use and caches
// it for the life of the process.
type Manager struct {
	cfg    Config
	store  store.KeyMaterial
	logger *slog.Logger

	group    singleflight.Group
	mu       sync.RWMutex
	material *Material
}

// NewManager validates cfg. A missing master secret is fatal.
func NewManager(cfg Config, st store.KeyMaterial, logger *slog.Logger) (*Manager, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Manager{cfg: cfg, store: st, logger: logger}, nil
}

// Get returns the key material. Concurrent first calls share a single
// load-or-create.
func (m *Manager) Get(ctx context.Context) (*Material, error) {
	m.mu.RLock()
	mat := m.material
	m.mu.RUnlock()
	if mat != nil {
		return mat, nil
	}

	v, err, _ := m.group.Do("material", func() (any, error) {
		m.mu.RLock()
		cached := m.material
		m.mu.RUnlock()
		if cached != nil {
			return cached, nil
		}

		loaded, err := m.loadOrCreate(context.WithoutCancel(ctx))
		if err != nil {
			return nil, err
		}
		m.mu.Lock()
		m.material = loaded
		m.mu.Unlock()
		return loaded, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*Material), nil
}

// SigningAlgorithms returns the configured signing algorithms in order.
func (m *Manager) SigningAlgorithms() []string {
	return append([]string(nil), m.cfg.SigningAlgorithms...)
}

// EncryptionAlgorithms returns the configured encryption algorithms in order.
func (m *Manager) EncryptionAlgorithms() []string {
	return append([]string(nil), m.cfg.EncryptionAlgorithms...)
}

// DefaultSigningAlgorithm is the first configured asymmetric algorithm.
func (m *Manager) DefaultSigningAlgorithm() string {
	for _, alg := range m.cfg.SigningAlgorithms {
		if !SymmetricSigning(alg) {
			return alg
		}
	}
	return ""
}

func (m *Manager) loadOrCreate(ctx context.Context) (*Material, error) {
	blob, err := m.store.GetKeyMaterial(ctx)
	switch {
	case err == nil:
		return m.open(blob)
	case !errors.Is(err, store.ErrNotFound):
		return nil, model.InternalError(err, "load key material")
	}

	mat, err := m.generate()
	if err != nil {
		return nil, model.InternalError(err, "generate key material")
	}
	blob, err = m.seal(mat)
	if err != nil {
		return nil, model.InternalError(err, "seal key material")
	}

	err = m.store.CreateKeyMaterial(ctx, blob)
	if errors.Is(err, store.ErrConflict) {
		// Another process won the race; use its material.
		m.logger.Info("key material created concurrently, reloading")
		blob, err = m.store.GetKeyMaterial(ctx)
		if err != nil {
			return nil, model.InternalError(err, "reload key material")
		}
		return m.open(blob)
	}
	if err != nil {
		return nil, model.InternalError(err, "persist key material")
	}

	m.logger.Info("key material generated",
		"keys", len(mat.keys.Keys),
		"cookie_secrets", len(mat.cookieSecrets))
	return mat, nil
}

func (m *Manager) generate() (*Material, error) {
	mat := &Material{}
	for _, alg := range m.cfg.SigningAlgorithms {
		if SymmetricSigning(alg) {
			continue
		}
		jwk, err := newJWK(alg, useSignature)
		if err != nil {
			return nil, err
		}
		mat.keys.Keys = append(mat.keys.Keys, jwk)
	}
	for _, alg := range m.cfg.EncryptionAlgorithms {
		if SymmetricEncryption(alg) {
			continue
		}
		jwk, err := newJWK(alg, useEncryption)
		if err != nil {
			return nil, err
		}
		mat.keys.Keys = append(mat.keys.Keys, jwk)
	}
	for i := 0; i < m.cfg.CookieSecretCount; i++ {
		secret, err := randomSecret(cookieSecretLength)
		if err != nil {
			return nil, fmt.Errorf("generate cookie secret: %w", err)
		}
		mat.cookieSecrets = append(mat.cookieSecrets, secret)
	}
	return mat, nil
}

type sealedPayload struct {
	JWKS          jose.JSONWebKeySet `json:"jwks"`
	CookieSecrets [][]byte           `json:"cookie_secrets"`
}

func (m *Manager) seal(mat *Material) ([]byte, error) {
	plaintext, err := json.Marshal(sealedPayload{JWKS: mat.keys, CookieSecrets: mat.cookieSecrets})
	if err != nil {
		return nil, fmt.Errorf("encode key material: %w", err)
	}
	return seal([]byte(m.cfg.MasterSecret), plaintext)
}

func (m *Manager) open(blob []byte) (*Material, error) {
	plaintext, err := unseal([]byte(m.cfg.MasterSecret), blob)
	if errors.Is(err, ErrUnseal) {
		m.logger.Error("key material cannot be decrypted", "error", err)
		return nil, &model.Error{
			Kind:        model.KindConfiguration,
			Code:        model.CodeServerError,
			Description: "key material cannot be decrypted with the configured master secret",
			Err:         err,
		}
	}
	if err != nil {
		return nil, model.InternalError(err, "unseal key material")
	}

	var payload sealedPayload
	if err := json.Unmarshal(plaintext, &payload); err != nil {
		return nil, model.InternalError(err, "decode key material")
	}
	mat := &Material{keys: payload.JWKS, cookieSecrets: payload.CookieSecrets}

	for _, alg := range m.cfg.SigningAlgorithms {
		if SymmetricSigning(alg) {
			continue
		}
		if _, err := mat.SigningKey(alg); err != nil {
			m.logger.Warn("configured signing algorithm missing from key material", "alg", alg)
		}
	}
	m.logger.Info("key material loaded", "keys", len(mat.keys.Keys), "cookie_secrets", len(mat.cookieSecrets))
	return mat, nil
}
