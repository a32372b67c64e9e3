// Package tokens issues, introspects and revokes authorization codes,
// access tokens and refresh tokens.
package tokens

import (
	"context"
	"errors"
	"log/slog"
	"slices"
	"strings"
	"time"

	"idp/claims"
	"idp/model"
	"idp/pkce"
	"idp/store"
)

// Store is the persistence the service needs.
type Store interface {
	store.Tokens
	store.Authorizations
}

// ClientAuthenticator resolves and authenticates clients.
type ClientAuthenticator interface {
	Authenticate(ctx context.Context, id, secret string) (*model.Client, error)
	Get(ctx context.Context, id string) (*model.Client, error)
}

// UserLookup resolves the subject of an authorization.
type UserLookup interface {
	Get(ctx context.Context, id string) (*model.User, error)
}

// Credentials are the client credentials presented to the introspection and
// revocation endpoints.
type Credentials struct {
	ClientID     string
	ClientSecret string
}

// Response is the token endpoint payload.
type Response struct {
	AccessToken  string `json:"access_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int64  `json:"expires_in"`
	RefreshToken string `json:"refresh_token,omitempty"`
	IDToken      string `json:"id_token,omitempty"`
	Scope        string `json:"scope,omitempty"`
}

// Introspection is the RFC 7662 response.
type Introspection struct {
	Active    bool   `json:"active"`
	Scope     string `json:"scope,omitempty"`
	ClientID  string `json:"client_id,omitempty"`
	Subject   string `json:"sub,omitempty"`
	Audience  string `json:"aud,omitempty"`
	Issuer    string `json:"iss,omitempty"`
	ExpiresAt int64  `json:"exp,omitempty"`
	IssuedAt  int64  `json:"iat,omitempty"`
	TokenType string `json:"token_type,omitempty"`
}

// Service mints and manages opaque tokens.
type Service struct {
	store     Store
	clients   ClientAuthenticator
	users     UserLookup
	codec     *claims.Codec
	lifetimes model.Lifetimes
	logger    *slog.Logger
	now       func() time.Time
}

// NewService constructs a Service.
func NewService(st Store, clients ClientAuthenticator, users UserLookup, codec *claims.Codec, lifetimes model.Lifetimes, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		store:     st,
		clients:   clients,
		users:     users,
		codec:     codec,
		lifetimes: lifetimes,
		logger:    logger,
		now:       time.Now,
	}
}

// SetClock overrides the time source.
func (s *Service) SetClock(now func() time.Time) { s.now = now }

// Lifetimes returns the configured token lifetimes.
func (s *Service) Lifetimes() model.Lifetimes { return s.lifetimes }

// CreateCode mints an authorization code for auth.
func (s *Service) CreateCode(ctx context.Context, auth *model.Authorization) (*model.Token, error) {
	return s.create(ctx, model.KindAuthorizationCode, auth, auth.Scope, "")
}

// CreateAccessToken mints a front-channel access token for auth.
func (s *Service) CreateAccessToken(ctx context.Context, auth *model.Authorization) (*model.Token, error) {
	return s.create(ctx, model.KindAccessToken, auth, auth.Scope, "")
}

func (s *Service) create(ctx context.Context, kind model.TokenKind, auth *model.Authorization, scope []string, sibling string) (*model.Token, error) {
	now := s.now().UTC()
	t := &model.Token{
		Kind:            kind,
		AuthorizationID: auth.ID,
		ClientID:        auth.ClientID,
		Scope:           slices.Clone(scope),
		SiblingID:       sibling,
		CreatedAt:       now,
		ExpiresAt:       now.Add(s.lifetimes.For(kind)),
		Active:          true,
	}
	if err := s.store.CreateToken(ctx, t); err != nil {
		return nil, model.InternalError(err, "create %s", kind)
	}
	s.logger.Debug("token issued", "kind", kind, "client_id", auth.ClientID, "authorization_id", shortID(auth.ID))
	return t, nil
}

// createPair mints an access token and a refresh token linked to it.
func (s *Service) createPair(ctx context.Context, auth *model.Authorization, scope []string) (*model.Token, *model.Token, error) {
	access, err := s.create(ctx, model.KindAccessToken, auth, scope, "")
	if err != nil {
		return nil, nil, err
	}
	refresh, err := s.create(ctx, model.KindRefreshToken, auth, scope, access.ID)
	if err != nil {
		return nil, nil, err
	}
	return access, refresh, nil
}

// CodeRequest is an authorization_code grant. Exactly one of ClientSecret and
// CodeVerifier must be set.
type CodeRequest struct {
	Code         string
	ClientID     string
	RedirectURI  string
	ClientSecret string
	CodeVerifier string
}

// IssueFromCode exchanges an authorization code for tokens. The code is
// consumed before any token is minted; of concurrent exchanges of one code
// only the caller that consumed it gets tokens.
func (s *Service) IssueFromCode(ctx context.Context, req CodeRequest) (*Response, error) {
	if req.Code == "" || req.ClientID == "" || req.RedirectURI == "" {
		return nil, model.ValidationError("", "code, client_id and redirect_uri are required")
	}
	hasSecret, hasVerifier := req.ClientSecret != "", req.CodeVerifier != ""
	if hasSecret == hasVerifier {
		return nil, model.ValidationError("", "exactly one of client_secret and code_verifier is required")
	}

	var client *model.Client
	var err error
	if hasSecret {
		client, err = s.clients.Authenticate(ctx, req.ClientID, req.ClientSecret)
		if err != nil {
			return nil, err
		}
	}

	code, err := s.store.GetToken(ctx, req.Code)
	if errors.Is(err, store.ErrNotFound) {
		return nil, model.InvalidGrant("authorization code is invalid or expired")
	}
	if err != nil {
		return nil, model.InternalError(err, "load authorization code")
	}
	if code.Kind != model.KindAuthorizationCode || !code.Live(s.now()) {
		return nil, model.InvalidGrant("authorization code is invalid or expired")
	}

	auth, err := s.store.GetAuthorization(ctx, code.AuthorizationID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, model.InvalidGrant("authorization no longer exists")
	}
	if err != nil {
		return nil, model.InternalError(err, "load authorization")
	}
	if !auth.Consent || auth.UserID == "" {
		return nil, model.InvalidGrant("authorization has not been approved")
	}
	if auth.RedirectURI != req.RedirectURI {
		return nil, model.InvalidGrant("redirect_uri does not match the authorization request")
	}
	if auth.ClientID != req.ClientID || code.ClientID != req.ClientID {
		return nil, model.InvalidGrant("authorization code was issued to another client")
	}

	if hasVerifier {
		if auth.CodeChallenge == "" {
			return nil, model.InvalidClient("no code_challenge was registered for this code")
		}
		if err := pkce.Verify(auth.CodeChallenge, req.CodeVerifier, auth.CodeChallengeMethod); err != nil {
			return nil, model.InvalidClient("code_verifier rejected: %v", err)
		}
		client, err = s.clients.Get(ctx, req.ClientID)
		if err != nil {
			return nil, model.InvalidClient("client is unknown or disabled")
		}
	}

	if _, err := s.store.ConsumeToken(ctx, code.ID); errors.Is(err, store.ErrNotFound) {
		return nil, model.InvalidGrant("authorization code is invalid or expired")
	} else if err != nil {
		return nil, model.InternalError(err, "consume authorization code")
	}

	access, refresh, err := s.createPair(ctx, auth, code.Scope)
	if err != nil {
		return nil, err
	}
	resp := s.response(access, refresh)

	idToken, err := s.idToken(ctx, auth, client, access)
	if err != nil {
		return nil, err
	}
	resp.IDToken = idToken

	s.logger.Info("authorization code exchanged",
		"client_id", client.ID,
		"authorization_id", shortID(auth.ID),
		"pkce", hasVerifier)
	return resp, nil
}

// RefreshRequest is a refresh_token grant.
type RefreshRequest struct {
	RefreshToken string
	ClientID     string
	ClientSecret string
	// Scope optionally narrows the granted scope.
	Scope []string
}

// IssueFromRefresh rotates a refresh token: a new pair is minted and the
// presented refresh token is deleted.
func (s *Service) IssueFromRefresh(ctx context.Context, req RefreshRequest) (*Response, error) {
	if req.RefreshToken == "" {
		return nil, model.ValidationError("", "refresh_token is required")
	}
	client, err := s.clients.Authenticate(ctx, req.ClientID, req.ClientSecret)
	if err != nil {
		return nil, err
	}

	old, err := s.store.GetToken(ctx, req.RefreshToken)
	if errors.Is(err, store.ErrNotFound) {
		return nil, model.InvalidGrant("refresh token is invalid or expired")
	}
	if err != nil {
		return nil, model.InternalError(err, "load refresh token")
	}
	if old.Kind != model.KindRefreshToken || !old.Live(s.now()) {
		return nil, model.InvalidGrant("refresh token is invalid or expired")
	}
	if old.ClientID != client.ID {
		return nil, model.InvalidGrant("refresh token was issued to another client")
	}

	auth, err := s.store.GetAuthorization(ctx, old.AuthorizationID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, model.InvalidGrant("authorization no longer exists")
	}
	if err != nil {
		return nil, model.InternalError(err, "load authorization")
	}

	scope := old.Scope
	if len(req.Scope) > 0 {
		if !slices.Contains(req.Scope, "openid") {
			return nil, model.InvalidScope("scope must contain openid")
		}
		for _, sc := range req.Scope {
			if !slices.Contains(auth.Scope, sc) {
				return nil, model.InvalidScope("scope %q was not granted", sc)
			}
		}
		scope = req.Scope
	}

	if _, err := s.store.ConsumeToken(ctx, old.ID); errors.Is(err, store.ErrNotFound) {
		return nil, model.InvalidGrant("refresh token is invalid or expired")
	} else if err != nil {
		return nil, model.InternalError(err, "consume refresh token")
	}

	access, refresh, err := s.createPair(ctx, auth, scope)
	if err != nil {
		return nil, err
	}

	auth.ExpiresAt = refresh.ExpiresAt
	auth.UpdatedAt = s.now().UTC()
	if err := s.store.UpdateAuthorization(ctx, auth); err != nil {
		return nil, model.InternalError(err, "extend authorization")
	}

	resp := s.response(access, refresh)
	idToken, err := s.idToken(ctx, auth, client, access)
	if err != nil {
		return nil, err
	}
	resp.IDToken = idToken

	s.logger.Info("refresh token rotated", "client_id", client.ID, "authorization_id", shortID(auth.ID))
	return resp, nil
}

func (s *Service) response(access, refresh *model.Token) *Response {
	return &Response{
		AccessToken:  access.ID,
		TokenType:    "Bearer",
		ExpiresIn:    int64(s.lifetimes.AccessToken.Seconds()),
		RefreshToken: refresh.ID,
		Scope:        strings.Join(access.Scope, " "),
	}
}

func (s *Service) idToken(ctx context.Context, auth *model.Authorization, client *model.Client, access *model.Token) (string, error) {
	user, err := s.users.Get(ctx, auth.UserID)
	if err != nil {
		return "", model.InternalError(err, "load user")
	}
	token, err := s.codec.IDToken(ctx, claims.Input{
		Authorization: auth,
		User:          user,
		Scope:         access.Scope,
		AccessToken:   access.ID,
	}, client)
	if err != nil {
		return "", model.InternalError(err, "issue id token")
	}
	return token, nil
}

// Introspect reports the state of token. Only live access tokens are active.
func (s *Service) Introspect(ctx context.Context, token string, creds Credentials) (*Introspection, error) {
	if _, err := s.clients.Authenticate(ctx, creds.ClientID, creds.ClientSecret); err != nil {
		return nil, err
	}
	inactive := &Introspection{Active: false}
	if token == "" {
		return inactive, nil
	}

	t, err := s.store.GetToken(ctx, token)
	if errors.Is(err, store.ErrNotFound) {
		return inactive, nil
	}
	if err != nil {
		return nil, model.InternalError(err, "load token")
	}
	if t.Kind != model.KindAccessToken || !t.Live(s.now()) {
		return inactive, nil
	}
	auth, err := s.store.GetAuthorization(ctx, t.AuthorizationID)
	if errors.Is(err, store.ErrNotFound) {
		return inactive, nil
	}
	if err != nil {
		return nil, model.InternalError(err, "load authorization")
	}

	return &Introspection{
		Active:    true,
		Scope:     strings.Join(t.Scope, " "),
		ClientID:  t.ClientID,
		Subject:   auth.UserID,
		Audience:  t.ClientID,
		Issuer:    s.codec.Issuer(),
		ExpiresAt: t.ExpiresAt.Unix(),
		IssuedAt:  t.CreatedAt.Unix(),
		TokenType: "Bearer",
	}, nil
}

// Revoke deletes token. Revoking a refresh token also deletes the access
// token minted with it. Unknown tokens and tokens of other clients are
// ignored so the caller learns nothing about them.
func (s *Service) Revoke(ctx context.Context, token, hint string, creds Credentials) error {
	client, err := s.clients.Authenticate(ctx, creds.ClientID, creds.ClientSecret)
	if err != nil {
		return err
	}
	if token == "" {
		return model.ValidationError("", "token is required")
	}

	t, err := s.store.GetToken(ctx, token)
	if errors.Is(err, store.ErrNotFound) {
		return nil
	}
	if err != nil {
		return model.InternalError(err, "load token")
	}
	if t.ClientID != client.ID {
		s.logger.Warn("revocation of foreign token ignored", "client_id", client.ID)
		return nil
	}

	if err := s.store.DeleteToken(ctx, t.ID); err != nil {
		return model.InternalError(err, "delete token")
	}
	if t.Kind == model.KindRefreshToken && t.SiblingID != "" {
		if err := s.store.DeleteToken(ctx, t.SiblingID); err != nil {
			return model.InternalError(err, "delete sibling access token")
		}
	}
	s.logger.Info("token revoked", "kind", t.Kind, "client_id", client.ID, "hint", hint)
	return nil
}

// Authenticate resolves a bearer access token and its authorization.
func (s *Service) Authenticate(ctx context.Context, bearer string) (*model.Token, *model.Authorization, error) {
	if bearer == "" {
		return nil, nil, model.InvalidToken("bearer token required")
	}
	t, err := s.store.GetToken(ctx, bearer)
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil, model.InvalidToken("token is invalid or expired")
	}
	if err != nil {
		return nil, nil, model.InternalError(err, "load token")
	}
	if t.Kind != model.KindAccessToken || !t.Live(s.now()) {
		return nil, nil, model.InvalidToken("token is invalid or expired")
	}
	auth, err := s.store.GetAuthorization(ctx, t.AuthorizationID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil, model.InvalidToken("authorization no longer exists")
	}
	if err != nil {
		return nil, nil, model.InternalError(err, "load authorization")
	}
	return t, auth, nil
}

// shortID truncates ids for logging.
func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
