package model

import "time"

// TokenKind tags the variant of a Token.
type TokenKind string

const (
	KindAuthorizationCode TokenKind = "authorization_code"
	KindAccessToken       TokenKind = "access_token"
	KindRefreshToken      TokenKind = "refresh_token"
)

// Token is the shared shape of authorization codes, access tokens and
// refresh tokens. Tokens are never updated, only created and deleted.
type Token struct {
	ID              string    `json:"id"`
	Kind            TokenKind `json:"kind"`
	AuthorizationID string    `json:"authorization_id"`
	ClientID        string    `json:"client_id"`
	Scope           []string  `json:"scope,omitempty"`
	// SiblingID links a refresh token to the access token minted with it.
	SiblingID string    `json:"sibling_id,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	ExpiresAt time.Time `json:"expires_at"`
	Active    bool      `json:"active"`
}

// Live reports whether the token can still be used at now.
func (t *Token) Live(now time.Time) bool {
	return t.Active && now.Before(t.ExpiresAt)
}

// Lifetimes holds the TTL of each token kind.
type Lifetimes struct {
	AuthorizationCode time.Duration
	AccessToken       time.Duration
	RefreshToken      time.Duration
}

// DefaultLifetimes returns code 10m, access 15m and refresh 30 days.
func DefaultLifetimes() Lifetimes {
	return Lifetimes{
		AuthorizationCode: 10 * time.Minute,
		AccessToken:       15 * time.Minute,
		RefreshToken:      30 * 24 * time.Hour,
	}
}

// For returns the TTL of kind.
func (l Lifetimes) For(kind TokenKind) time.Duration {
	switch kind {
	case KindAuthorizationCode:
		return l.AuthorizationCode
	case KindAccessToken:
		return l.AccessToken
	case KindRefreshToken:
		return l.RefreshToken
	default:
		return 0
	}
}
