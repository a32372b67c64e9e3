// Package pkce validates Proof Key for Code Exchange parameters (RFC 7636).
package pkce

import (
	"crypto/subtle"
	"errors"
	"fmt"
	"regexp"

	"golang.org/x/oauth2"
)

const (
	MethodPlain = "plain"
	MethodS256  = "S256"

	minLength = 43
	maxLength = 128
)

var (
	ErrChallengeLength   = errors.New("code_challenge must be between 43 and 128 characters")
	ErrVerifierFormat    = errors.New("code_verifier is malformed")
	ErrUnsupportedMethod = errors.New("unsupported code_challenge_method")
	ErrMismatch          = errors.New("code_verifier does not match code_challenge")
)

var verifierPattern = regexp.MustCompile(`^[A-Za-z0-9\-._~]{43,128}$`)

// ValidMethod reports whether method is supported. Empty means plain.
func ValidMethod(method string) bool {
	return method == "" || method == MethodPlain || method == MethodS256
}

// CheckChallenge validates the shape of a challenge received at the
// authorization endpoint.
func CheckChallenge(challenge, method string) error {
	return Verify(challenge, "", method)
}

// Verify checks verifier against challenge using method. An empty verifier
// only checks the challenge shape.
func Verify(challenge, verifier, method string) error {
	if !ValidMethod(method) {
		return fmt.Errorf("%w: %q", ErrUnsupportedMethod, method)
	}
	if len(challenge) < minLength || len(challenge) > maxLength {
		return ErrChallengeLength
	}
	if verifier == "" {
		return nil
	}
	if !verifierPattern.MatchString(verifier) {
		return ErrVerifierFormat
	}

	expected := verifier
	if method == MethodS256 {
		expected = ChallengeS256(verifier)
	}
	if subtle.ConstantTimeCompare([]byte(expected), []byte(challenge)) != 1 {
		return ErrMismatch
	}
	return nil
}

// Valid is the boolean form of Verify.
func Valid(challenge, verifier, method string) bool {
	return Verify(challenge, verifier, method) == nil
}

// GenerateVerifier returns a fresh 43 character verifier.
func GenerateVerifier() string {
	return oauth2.GenerateVerifier()
}

// ChallengeS256 derives the S256 challenge of verifier.
func ChallengeS256(verifier string) string {
	return oauth2.S256ChallengeFromVerifier(verifier)
}
