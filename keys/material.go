package keys

import (
	"fmt"

	"github.com/go-jose/go-jose/v3"
)

// Material is the decrypted key material. It is immutable once built.
type Material struct {
	keys          jose.JSONWebKeySet
	cookieSecrets [][]byte
}

// SigningKey returns the private key for alg.
func (m *Material) SigningKey(alg string) (jose.JSONWebKey, error) {
	return m.find(alg, useSignature)
}

// EncryptionKey returns the private key for alg.
func (m *Material) EncryptionKey(alg string) (jose.JSONWebKey, error) {
	return m.find(alg, useEncryption)
}

func (m *Material) find(alg, use string) (jose.JSONWebKey, error) {
	for _, k := range m.keys.Keys {
		if k.Algorithm == alg && k.Use == use {
			return k, nil
		}
	}
	return jose.JSONWebKey{}, fmt.Errorf("no %s key for algorithm %q", use, alg)
}

// KeyByID returns the private key with kid.
func (m *Material) KeyByID(kid string) (jose.JSONWebKey, bool) {
	keys := m.keys.Key(kid)
	if len(keys) == 0 {
		return jose.JSONWebKey{}, false
	}
	return keys[0], true
}

// PublicJWKS returns the public halves of every key.
func (m *Material) PublicJWKS() jose.JSONWebKeySet {
	out := jose.JSONWebKeySet{Keys: make([]jose.JSONWebKey, 0, len(m.keys.Keys))}
	for _, k := range m.keys.Keys {
		out.Keys = append(out.Keys, k.Public())
	}
	return out
}

// CookieSecrets returns the cookie signing secrets. The first one signs new
// cookies; all of them verify.
func (m *Material) CookieSecrets() [][]byte {
	out := make([][]byte, len(m.cookieSecrets))
	copy(out, m.cookieSecrets)
	return out
}
