// Package model holds the records shared by the identity provider engine.
package model

import (
	"slices"
	"time"
)

// Authorization is the server-side state for one grant request.
type Authorization struct {
	ID                  string    `json:"id"`
	ClientID            string    `json:"client_id"`
	RedirectURI         string    `json:"redirect_uri"`
	Scope               []string  `json:"scope"`
	ResponseType        []string  `json:"response_type"`
	ResponseMode        string    `json:"response_mode,omitempty"`
	State               string    `json:"state,omitempty"`
	Nonce               string    `json:"nonce,omitempty"`
	Prompt              string    `json:"prompt,omitempty"`
	CodeChallenge       string    `json:"code_challenge,omitempty"`
	CodeChallengeMethod string    `json:"code_challenge_method,omitempty"`
	UserID              string    `json:"user_id,omitempty"`
	Consent             bool      `json:"consent"`
	CreatedAt           time.Time `json:"created_at"`
	UpdatedAt           time.Time `json:"updated_at"`
	ExpiresAt           time.Time `json:"expires_at"`
}

// HasScope reports whether scope was requested.
func (a *Authorization) HasScope(scope string) bool {
	return slices.Contains(a.Scope, scope)
}

// HasResponseType reports whether rt is part of the requested response_type.
func (a *Authorization) HasResponseType(rt string) bool {
	return slices.Contains(a.ResponseType, rt)
}

// Expired reports whether the record outlived its TTL.
func (a *Authorization) Expired(now time.Time) bool {
	return !a.ExpiresAt.IsZero() && !now.Before(a.ExpiresAt)
}

// Client is a relying application registered with the provider.
type Client struct {
	ID           string    `json:"id"`
	Secret       string    `json:"secret"`
	Name         string    `json:"name"`
	RedirectURIs []string  `json:"redirect_uris"`
	OwnerID      string    `json:"owner_id,omitempty"`
	Active       bool      `json:"active"`
	CreatedAt    time.Time `json:"created_at"`

	// Optional per-client ID token algorithms. Empty means provider defaults
	// and no encryption.
	IDTokenSigningAlg    string `json:"id_token_signed_response_alg,omitempty"`
	IDTokenEncryptionAlg string `json:"id_token_encrypted_response_alg,omitempty"`
	IDTokenEncryptionEnc string `json:"id_token_encrypted_response_enc,omitempty"`
}

// ValidRedirect reports an exact match against the registered redirect URIs.
func (c *Client) ValidRedirect(uri string) bool {
	return uri != "" && slices.Contains(c.RedirectURIs, uri)
}

// User is a resource owner.
type User struct {
	ID           string    `json:"id"`
	Username     string    `json:"username"`
	PasswordHash string    `json:"password_hash"`
	Profile      Profile   `json:"profile"`
	Consents     []string  `json:"consents,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
}

// HasConsented reports whether the user approved clientID.
func (u *User) HasConsented(clientID string) bool {
	return slices.Contains(u.Consents, clientID)
}

// Profile carries the standard OpenID Connect claims of a user.
type Profile struct {
	Name                string    `json:"name,omitempty" yaml:"name"`
	GivenName           string    `json:"given_name,omitempty" yaml:"given_name"`
	FamilyName          string    `json:"family_name,omitempty" yaml:"family_name"`
	MiddleName          string    `json:"middle_name,omitempty" yaml:"middle_name"`
	Nickname            string    `json:"nickname,omitempty" yaml:"nickname"`
	PreferredUsername   string    `json:"preferred_username,omitempty" yaml:"preferred_username"`
	Profile             string    `json:"profile,omitempty" yaml:"profile"`
	Picture             string    `json:"picture,omitempty" yaml:"picture"`
	Website             string    `json:"website,omitempty" yaml:"website"`
	Gender              string    `json:"gender,omitempty" yaml:"gender"`
	Birthdate           string    `json:"birthdate,omitempty" yaml:"birthdate"`
	Zoneinfo            string    `json:"zoneinfo,omitempty" yaml:"zoneinfo"`
	Locale              string    `json:"locale,omitempty" yaml:"locale"`
	Email               string    `json:"email,omitempty" yaml:"email"`
	EmailVerified       bool      `json:"email_verified,omitempty" yaml:"email_verified"`
	PhoneNumber         string    `json:"phone_number,omitempty" yaml:"phone_number"`
	PhoneNumberVerified bool      `json:"phone_number_verified,omitempty" yaml:"phone_number_verified"`
	Address             *Address  `json:"address,omitempty" yaml:"address"`
	UpdatedAt           time.Time `json:"updated_at,omitempty" yaml:"-"`
}

// Address is the structured address claim.
type Address struct {
	Formatted     string `json:"formatted,omitempty" yaml:"formatted"`
	StreetAddress string `json:"street_address,omitempty" yaml:"street_address"`
	Locality      string `json:"locality,omitempty" yaml:"locality"`
	Region        string `json:"region,omitempty" yaml:"region"`
	PostalCode    string `json:"postal_code,omitempty" yaml:"postal_code"`
	Country       string `json:"country,omitempty" yaml:"country"`
}
