// Package client is a relying-party helper for the identity provider: it
// discovers the provider, builds authorization URLs, exchanges codes,
// verifies ID tokens and calls the introspection and revocation endpoints.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/coreos/go-oidc/v3/oidc"
	"golang.org/x/oauth2"
)

// Config describes a registered client.
type Config struct {
	Issuer       string
	ClientID     string
	ClientSecret string
	RedirectURL  string
	Scopes       []string
	HTTPClient   *http.Client
}

// RelyingParty talks to one provider on behalf of one client.
type RelyingParty struct {
	cfg      Config
	provider *oidc.Provider
	verifier *oidc.IDTokenVerifier
	oauth2   oauth2.Config
	client   *http.Client
	metadata metadata
}

type metadata struct {
	IntrospectionEndpoint string `json:"introspection_endpoint"`
	RevocationEndpoint    string `json:"revocation_endpoint"`
}

// Tokens is the result of a code exchange or refresh.
type Tokens struct {
	*oauth2.Token
	RawIDToken string
	IDToken    *oidc.IDToken
}

// Introspection is the provider's view of a token.
type Introspection struct {
	Active    bool   `json:"active"`
	Scope     string `json:"scope"`
	ClientID  string `json:"client_id"`
	Subject   string `json:"sub"`
	Issuer    string `json:"iss"`
	ExpiresAt int64  `json:"exp"`
	IssuedAt  int64  `json:"iat"`
	TokenType string `json:"token_type"`
}

// New runs discovery against cfg.Issuer.
func New(ctx context.Context, cfg Config) (*RelyingParty, error) {
	if cfg.Issuer == "" || cfg.ClientID == "" {
		return nil, errors.New("client: issuer and client id are required")
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	ctx = oidc.ClientContext(ctx, httpClient)

	provider, err := oidc.NewProvider(ctx, cfg.Issuer)
	if err != nil {
		return nil, fmt.Errorf("discover provider: %w", err)
	}
	var md metadata
	if err := provider.Claims(&md); err != nil {
		return nil, fmt.Errorf("decode provider metadata: %w", err)
	}

	scopes := cfg.Scopes
	if len(scopes) == 0 {
		scopes = []string{oidc.ScopeOpenID, "profile", "email"}
	}
	endpoint := provider.Endpoint()
	// The provider accepts exactly one proof at the token endpoint, so
	// public clients send only their id.
	if cfg.ClientSecret == "" {
		endpoint.AuthStyle = oauth2.AuthStyleInParams
	} else {
		endpoint.AuthStyle = oauth2.AuthStyleInHeader
	}

	return &RelyingParty{
		cfg:      cfg,
		provider: provider,
		verifier: provider.Verifier(&oidc.Config{ClientID: cfg.ClientID}),
		oauth2: oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			RedirectURL:  cfg.RedirectURL,
			Endpoint:     endpoint,
			Scopes:       scopes,
		},
		client:   httpClient,
		metadata: md,
	}, nil
}

// AuthCodeURL builds an authorization request URL. A non-empty verifier adds
// an S256 code challenge.
func (rp *RelyingParty) AuthCodeURL(state, nonce, verifier string, opts ...oauth2.AuthCodeOption) string {
	if nonce != "" {
		opts = append(opts, oidc.Nonce(nonce))
	}
	if verifier != "" {
		opts = append(opts, oauth2.S256ChallengeOption(verifier))
	}
	return rp.oauth2.AuthCodeURL(state, opts...)
}

// Exchange redeems code. Confidential clients prove possession with their
// secret and public clients with verifier.
func (rp *RelyingParty) Exchange(ctx context.Context, code, verifier, nonce string) (*Tokens, error) {
	ctx = oidc.ClientContext(ctx, rp.client)
	var opts []oauth2.AuthCodeOption
	if rp.cfg.ClientSecret == "" && verifier != "" {
		opts = append(opts, oauth2.VerifierOption(verifier))
	}
	token, err := rp.oauth2.Exchange(ctx, code, opts...)
	if err != nil {
		return nil, fmt.Errorf("exchange code: %w", err)
	}
	return rp.verify(ctx, token, nonce)
}

// Refresh rotates refreshToken and verifies the new ID token.
func (rp *RelyingParty) Refresh(ctx context.Context, refreshToken string) (*Tokens, error) {
	ctx = oidc.ClientContext(ctx, rp.client)
	token, err := rp.oauth2.TokenSource(ctx, &oauth2.Token{RefreshToken: refreshToken}).Token()
	if err != nil {
		return nil, fmt.Errorf("refresh token: %w", err)
	}
	return rp.verify(ctx, token, "")
}

func (rp *RelyingParty) verify(ctx context.Context, token *oauth2.Token, nonce string) (*Tokens, error) {
	out := &Tokens{Token: token}
	raw, _ := token.Extra("id_token").(string)
	if raw == "" {
		return out, nil
	}
	idToken, err := rp.VerifyIDToken(ctx, raw, nonce)
	if err != nil {
		return nil, err
	}
	if idToken.AccessTokenHash != "" {
		if err := idToken.VerifyAccessToken(token.AccessToken); err != nil {
			return nil, fmt.Errorf("verify at_hash: %w", err)
		}
	}
	out.RawIDToken = raw
	out.IDToken = idToken
	return out, nil
}

// VerifyIDToken checks the signature, issuer, audience and expiry of raw,
// and the nonce when one is expected.
func (rp *RelyingParty) VerifyIDToken(ctx context.Context, raw, nonce string) (*oidc.IDToken, error) {
	idToken, err := rp.verifier.Verify(oidc.ClientContext(ctx, rp.client), raw)
	if err != nil {
		return nil, fmt.Errorf("verify id_token: %w", err)
	}
	if nonce != "" && idToken.Nonce != nonce {
		return nil, errors.New("verify id_token: nonce mismatch")
	}
	return idToken, nil
}

// UserInfo fetches the claims released for accessToken.
func (rp *RelyingParty) UserInfo(ctx context.Context, accessToken string) (*oidc.UserInfo, error) {
	ctx = oidc.ClientContext(ctx, rp.client)
	return rp.provider.UserInfo(ctx, oauth2.StaticTokenSource(&oauth2.Token{AccessToken: accessToken, TokenType: "Bearer"}))
}

// Introspect asks the provider whether token is active.
func (rp *RelyingParty) Introspect(ctx context.Context, token string) (*Introspection, error) {
	if rp.metadata.IntrospectionEndpoint == "" {
		return nil, errors.New("client: provider has no introspection endpoint")
	}
	resp, err := rp.post(ctx, rp.metadata.IntrospectionEndpoint, url.Values{"token": {token}})
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, responseError("introspection", resp)
	}

	var body Introspection
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("decode introspection: %w", err)
	}
	return &body, nil
}

// Revoke revokes token. hint may be "access_token" or "refresh_token".
func (rp *RelyingParty) Revoke(ctx context.Context, token, hint string) error {
	if rp.metadata.RevocationEndpoint == "" {
		return errors.New("client: provider has no revocation endpoint")
	}
	form := url.Values{"token": {token}}
	if hint != "" {
		form.Set("token_type_hint", hint)
	}
	resp, err := rp.post(ctx, rp.metadata.RevocationEndpoint, form)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return responseError("revocation", resp)
	}
	return nil
}

func (rp *RelyingParty) post(ctx context.Context, endpoint string, form url.Values) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.SetBasicAuth(url.QueryEscape(rp.cfg.ClientID), url.QueryEscape(rp.cfg.ClientSecret))
	return rp.client.Do(req)
}

// Error is an OAuth error response from the provider.
type Error struct {
	Status      int
	Code        string `json:"error"`
	Description string `json:"error_description"`
}

func (e *Error) Error() string {
	if e.Description != "" {
		return fmt.Sprintf("%s: %s (status %d)", e.Code, e.Description, e.Status)
	}
	return fmt.Sprintf("%s (status %d)", e.Code, e.Status)
}

func responseError(op string, resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<16))
	e := &Error{Status: resp.StatusCode}
	if err := json.Unmarshal(body, e); err != nil || e.Code == "" {
		return fmt.Errorf("%s failed: %s", op, resp.Status)
	}
	return fmt.Errorf("%s failed: %w", op, e)
}
