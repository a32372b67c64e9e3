package model

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"

	"github.com/google/uuid"
)

// TokenIDLength is the length of every generated token id.
const TokenIDLength = 64

// NewTokenID returns a random 64 character hex identifier for tokens and
// authorization records.
func NewTokenID() string {
	buf := make([]byte, TokenIDLength/2)
	_, _ = rand.Read(buf)
	return hex.EncodeToString(buf)
}

// NewID returns an identifier for long-lived entities such as users and clients.
func NewID() string {
	return uuid.NewString()
}

// NewSecret returns a random client secret.
func NewSecret() string {
	buf := make([]byte, 32)
	_, _ = rand.Read(buf)
	return base64.RawURLEncoding.EncodeToString(buf)
}
