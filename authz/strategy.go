package authz

import (
	"context"
	"net/url"
	"strconv"

	"idp/claims"
	"idp/model"
)

// TokenIssuer mints the front-channel artifacts.
type TokenIssuer interface {
	CreateCode(ctx context.Context, auth *model.Authorization) (*model.Token, error)
	CreateAccessToken(ctx context.Context, auth *model.Authorization) (*model.Token, error)
	Lifetimes() model.Lifetimes
}

// IDTokenIssuer signs, and optionally encrypts, ID tokens.
type IDTokenIssuer interface {
	IDToken(ctx context.Context, in claims.Input, client *model.Client) (string, error)
}

// Strategy issues the response of one flow for a ready authorization.
// Implementations hold only immutable collaborators.
type Strategy interface {
	Issue(ctx context.Context, auth *model.Authorization) Outcome
}

type collaborators struct {
	tokens  TokenIssuer
	idToken IDTokenIssuer
	clients ClientLookup
	users   UserStore
}

func (c collaborators) accessToken(ctx context.Context, auth *model.Authorization, params url.Values) (*model.Token, error) {
	access, err := c.tokens.CreateAccessToken(ctx, auth)
	if err != nil {
		return nil, err
	}
	params.Set("access_token", access.ID)
	params.Set("token_type", "Bearer")
	params.Set("expires_in", strconv.FormatInt(int64(c.tokens.Lifetimes().AccessToken.Seconds()), 10))
	return access, nil
}

func (c collaborators) signIDToken(ctx context.Context, auth *model.Authorization, in claims.Input) (string, error) {
	client, err := c.clients.Get(ctx, auth.ClientID)
	if err != nil {
		return "", err
	}
	user, err := c.users.Get(ctx, auth.UserID)
	if err != nil {
		return "", model.InternalError(err, "load user")
	}
	in.Authorization = auth
	in.User = user
	return c.idToken.IDToken(ctx, in, client)
}

func issued(auth *model.Authorization, mode string, params url.Values) Outcome {
	if auth.State != "" {
		params.Set("state", auth.State)
	}
	if auth.ResponseMode != "" {
		mode = auth.ResponseMode
	}
	return Issued{RedirectURI: auth.RedirectURI, Mode: mode, Params: params}
}

// CodeStrategy implements the authorization code flow.
type CodeStrategy struct{ collaborators }

func (s CodeStrategy) Issue(ctx context.Context, auth *model.Authorization) Outcome {
	code, err := s.tokens.CreateCode(ctx, auth)
	if err != nil {
		return Fatal{Err: err}
	}
	return issued(auth, ModeQuery, url.Values{"code": {code.ID}})
}

// ImplicitStrategy implements the implicit flow: an ID token and, with
// "token", an access token are returned from the authorization endpoint.
type ImplicitStrategy struct{ collaborators }

func (s ImplicitStrategy) Issue(ctx context.Context, auth *model.Authorization) Outcome {
	params := url.Values{}
	var in claims.Input
	if auth.HasResponseType("token") {
		access, err := s.accessToken(ctx, auth, params)
		if err != nil {
			return Fatal{Err: err}
		}
		in.AccessToken = access.ID
	}
	idToken, err := s.signIDToken(ctx, auth, in)
	if err != nil {
		return Fatal{Err: err}
	}
	params.Set("id_token", idToken)
	return issued(auth, ModeFragment, params)
}

// HybridStrategy implements the hybrid flow: a code plus whichever of the
// access token and ID token were requested. The token endpoint issues a
// further ID token when the code is exchanged.
type HybridStrategy struct{ collaborators }

func (s HybridStrategy) Issue(ctx context.Context, auth *model.Authorization) Outcome {
	code, err := s.tokens.CreateCode(ctx, auth)
	if err != nil {
		return Fatal{Err: err}
	}
	params := url.Values{"code": {code.ID}}
	in := claims.Input{Code: code.ID}
	if auth.HasResponseType("token") {
		access, err := s.accessToken(ctx, auth, params)
		if err != nil {
			return Fatal{Err: err}
		}
		in.AccessToken = access.ID
	}
	if auth.HasResponseType("id_token") {
		idToken, err := s.signIDToken(ctx, auth, in)
		if err != nil {
			return Fatal{Err: err}
		}
		params.Set("id_token", idToken)
	}
	return issued(auth, ModeFragment, params)
}
