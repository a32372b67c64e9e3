package keys

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/rsa"
	"encoding/base64"
	"fmt"

	"github.com/go-jose/go-jose/v3"
)

const (
	useSignature  = "sig"
	useEncryption = "enc"

	rsaKeyBits = 2048
)

// SymmetricSigning reports whether alg is an HMAC algorithm keyed by a
// client secret.
func SymmetricSigning(alg string) bool {
	switch jose.SignatureAlgorithm(alg) {
	case jose.HS256, jose.HS384, jose.HS512:
		return true
	}
	return false
}

// SymmetricEncryption reports whether alg derives its key from a client secret.
func SymmetricEncryption(alg string) bool {
	switch jose.KeyAlgorithm(alg) {
	case jose.DIRECT, jose.A128KW, jose.A192KW, jose.A256KW, jose.A128GCMKW, jose.A192GCMKW, jose.A256GCMKW:
		return true
	}
	return false
}

func supportedSigning(alg string) bool {
	if SymmetricSigning(alg) {
		return true
	}
	_, err := signingKey(alg)
	return err == nil
}

func supportedEncryption(alg string) bool {
	if SymmetricEncryption(alg) {
		return true
	}
	_, err := encryptionKey(alg)
	return err == nil
}

func signingKey(alg string) (func() (crypto.Signer, error), error) {
	switch jose.SignatureAlgorithm(alg) {
	case jose.RS256, jose.RS384, jose.RS512, jose.PS256, jose.PS384, jose.PS512:
		return func() (crypto.Signer, error) { return rsa.GenerateKey(rand.Reader, rsaKeyBits) }, nil
	case jose.ES256:
		return ecKey(elliptic.P256()), nil
	case jose.ES384:
		return ecKey(elliptic.P384()), nil
	case jose.ES512:
		return ecKey(elliptic.P521()), nil
	case jose.EdDSA:
		return func() (crypto.Signer, error) {
			_, priv, err := ed25519.GenerateKey(rand.Reader)
			return priv, err
		}, nil
	}
	return nil, fmt.Errorf("unsupported signing algorithm %q", alg)
}

func encryptionKey(alg string) (func() (crypto.Signer, error), error) {
	switch jose.KeyAlgorithm(alg) {
	case jose.RSA_OAEP, jose.RSA_OAEP_256, jose.RSA1_5:
		return func() (crypto.Signer, error) { return rsa.GenerateKey(rand.Reader, rsaKeyBits) }, nil
	case jose.ECDH_ES, jose.ECDH_ES_A128KW, jose.ECDH_ES_A192KW, jose.ECDH_ES_A256KW:
		return ecKey(elliptic.P256()), nil
	}
	return nil, fmt.Errorf("unsupported encryption algorithm %q", alg)
}

func ecKey(curve elliptic.Curve) func() (crypto.Signer, error) {
	return func() (crypto.Signer, error) { return ecdsa.GenerateKey(curve, rand.Reader) }
}

// newJWK generates a private key for alg and wraps it with an RFC 7638 kid.
func newJWK(alg, use string) (jose.JSONWebKey, error) {
	gen, err := signingKey(alg)
	if use == useEncryption {
		gen, err = encryptionKey(alg)
	}
	if err != nil {
		return jose.JSONWebKey{}, err
	}
	priv, err := gen()
	if err != nil {
		return jose.JSONWebKey{}, fmt.Errorf("generate %s key: %w", alg, err)
	}

	jwk := jose.JSONWebKey{Key: priv, Algorithm: alg, Use: use}
	thumb, err := jwk.Thumbprint(crypto.SHA256)
	if err != nil {
		return jose.JSONWebKey{}, fmt.Errorf("thumbprint %s key: %w", alg, err)
	}
	jwk.KeyID = base64.RawURLEncoding.EncodeToString(thumb)
	return jwk, nil
}

func randomSecret(n int) ([]byte, error) {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		return nil, err
	}
	return buf, nil
}
