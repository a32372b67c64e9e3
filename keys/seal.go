package keys

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha512"
	"errors"
	"fmt"

	"golang.org/x/crypto/pbkdf2"
)

const (
	pbkdf2Iterations = 1 << 16
	derivedKeyLength = 32
	saltLength       = 16
	nonceLength      = 12
	tagLength        = 16
)

// ErrUnseal is returned when a sealed blob fails authentication.
var ErrUnseal = errors.New("key material authentication failed")

func deriveKey(secret, salt []byte) []byte {
	return pbkdf2.Key(secret, salt, pbkdf2Iterations, derivedKeyLength, sha512.New)
}

func newGCM(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}

// seal encrypts plaintext with a key derived from secret and returns
// salt || iv || tag || ciphertext.
func seal(secret, plaintext []byte) ([]byte, error) {
	salt := make([]byte, saltLength)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("generate salt: %w", err)
	}
	nonce := make([]byte, nonceLength)
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("generate iv: %w", err)
	}
	gcm, err := newGCM(deriveKey(secret, salt))
	if err != nil {
		return nil, fmt.Errorf("init cipher: %w", err)
	}

	// Seal returns ciphertext || tag.
	sealed := gcm.Seal(nil, nonce, plaintext, nil)
	ciphertext, tag := sealed[:len(sealed)-tagLength], sealed[len(sealed)-tagLength:]

	out := make([]byte, 0, saltLength+nonceLength+tagLength+len(ciphertext))
	out = append(out, salt...)
	out = append(out, nonce...)
	out = append(out, tag...)
	out = append(out, ciphertext...)
	return out, nil
}

// unseal reverses seal.
func unseal(secret, blob []byte) ([]byte, error) {
	if len(blob) < saltLength+nonceLength+tagLength {
		return nil, fmt.Errorf("%w: blob too short", ErrUnseal)
	}
	salt := blob[:saltLength]
	nonce := blob[saltLength : saltLength+nonceLength]
	tag := blob[saltLength+nonceLength : saltLength+nonceLength+tagLength]
	ciphertext := blob[saltLength+nonceLength+tagLength:]

	gcm, err := newGCM(deriveKey(secret, salt))
	if err != nil {
		return nil, fmt.Errorf("init cipher: %w", err)
	}
	combined := make([]byte, 0, len(ciphertext)+tagLength)
	combined = append(combined, ciphertext...)
	combined = append(combined, tag...)
	plaintext, err := gcm.Open(nil, nonce, combined, nil)
	if err != nil {
		return nil, ErrUnseal
	}
	return plaintext, nil
}
