package authz

import (
	"context"
	"errors"
	"log/slog"
	"slices"
	"strings"
	"time"

	"idp/model"
	"idp/pkce"
	"idp/store"
)

// ClientLookup resolves active clients.
type ClientLookup interface {
	Get(ctx context.Context, id string) (*model.Client, error)
}

// UserStore resolves users and records consent.
type UserStore interface {
	Get(ctx context.Context, id string) (*model.User, error)
	AddConsent(ctx context.Context, userID, clientID string) error
}

// Config tunes the engine.
type Config struct {
	// AuthorizationTTL bounds the life of an authorization record. It
	// defaults to the refresh token lifetime so a record outlives the
	// tokens minted from it.
	AuthorizationTTL time.Duration
}

// Engine is the authorization state machine.
type Engine struct {
	store      store.Authorizations
	clients    ClientLookup
	users      UserStore
	strategies map[Flow]Strategy
	ttl        time.Duration
	logger     *slog.Logger
	now        func() time.Time
}

// NewEngine wires the engine and its flow strategies.
func NewEngine(cfg Config, st store.Authorizations, clients ClientLookup, users UserStore, tokens TokenIssuer, idTokens IDTokenIssuer, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	ttl := cfg.AuthorizationTTL
	if ttl <= 0 {
		ttl = tokens.Lifetimes().RefreshToken
	}
	c := collaborators{tokens: tokens, idToken: idTokens, clients: clients, users: users}
	return &Engine{
		store:   st,
		clients: clients,
		users:   users,
		strategies: map[Flow]Strategy{
			FlowAuthorizationCode: CodeStrategy{c},
			FlowImplicit:          ImplicitStrategy{c},
			FlowHybrid:            HybridStrategy{c},
		},
		ttl:    ttl,
		logger: logger,
		now:    time.Now,
	}
}

// SetClock overrides the time source.
func (e *Engine) SetClock(now func() time.Time) { e.now = now }

// Authorize resolves req against the in-progress record existingID and
// drives it as far as it can go.
func (e *Engine) Authorize(ctx context.Context, req Request, existingID string) (*model.Authorization, Outcome) {
	auth, err := e.Resolve(ctx, req, existingID)
	if err != nil {
		var re *RequestError
		if errors.As(err, &re) {
			return nil, re.Redirect()
		}
		return nil, Fatal{Err: err}
	}
	return auth, e.Drive(ctx, auth)
}

// RequestError is a validation failure that can be reported to a trusted
// redirect URI.
type RequestError struct {
	Err         *model.Error
	RedirectURI string
	Mode        string
	State       string
}

func (e *RequestError) Error() string { return e.Err.Error() }
func (e *RequestError) Unwrap() error { return e.Err }

// Redirect converts the failure into an outcome.
func (e *RequestError) Redirect() RedirectWithError {
	return RedirectWithError{
		RedirectURI: e.RedirectURI,
		Mode:        e.Mode,
		Code:        e.Err.Code,
		Description: e.Err.Description,
		State:       e.State,
	}
}

// Resolve loads the record existingID or creates a new one from req.
// Loading merges the client-owned fields present in req; the id, user,
// consent and timestamps are never taken from input. A record
// belonging to another client is ignored and a new one created.
//
// Failures before the redirect URI is trusted are plain validation errors;
// later ones are *RequestError.
func (e *Engine) Resolve(ctx context.Context, req Request, existingID string) (*model.Authorization, error) {
	if existingID != "" {
		existing, err := e.store.GetAuthorization(ctx, existingID)
		switch {
		case err == nil && (req.ClientID == "" || req.ClientID == existing.ClientID):
			return e.merge(ctx, existing, req)
		case err != nil && !errors.Is(err, store.ErrNotFound):
			return nil, model.InternalError(err, "load authorization")
		}
	}

	now := e.now().UTC()
	auth := &model.Authorization{
		ClientID:            req.ClientID,
		RedirectURI:         req.RedirectURI,
		Scope:               slices.Clone(req.Scope),
		ResponseType:        slices.Clone(req.ResponseType),
		ResponseMode:        req.ResponseMode,
		State:               req.State,
		Nonce:               req.Nonce,
		Prompt:              req.Prompt,
		CodeChallenge:       req.CodeChallenge,
		CodeChallengeMethod: req.CodeChallengeMethod,
		CreatedAt:           now,
		UpdatedAt:           now,
		ExpiresAt:           now.Add(e.ttl),
	}
	if err := e.validate(ctx, auth); err != nil {
		return nil, err
	}
	if err := e.store.CreateAuthorization(ctx, auth); err != nil {
		return nil, model.InternalError(err, "create authorization")
	}
	e.logger.Info("authorization created",
		"authorization_id", shortID(auth.ID),
		"client_id", auth.ClientID,
		"flow", Classify(auth.ResponseType).String())
	return auth, nil
}

func (e *Engine) merge(ctx context.Context, auth *model.Authorization, req Request) (*model.Authorization, error) {
	changed := false
	setString := func(dst *string, v string) {
		if v != "" && *dst != v {
			*dst = v
			changed = true
		}
	}
	setList := func(dst *[]string, v []string) {
		if len(v) > 0 && !slices.Equal(*dst, v) {
			*dst = slices.Clone(v)
			changed = true
		}
	}
	setString(&auth.RedirectURI, req.RedirectURI)
	setList(&auth.Scope, req.Scope)
	setList(&auth.ResponseType, req.ResponseType)
	setString(&auth.ResponseMode, req.ResponseMode)
	setString(&auth.State, req.State)
	setString(&auth.Nonce, req.Nonce)
	setString(&auth.Prompt, req.Prompt)
	setString(&auth.CodeChallenge, req.CodeChallenge)
	setString(&auth.CodeChallengeMethod, req.CodeChallengeMethod)

	if err := e.validate(ctx, auth); err != nil {
		return nil, err
	}
	if changed {
		auth.UpdatedAt = e.now().UTC()
		if err := e.store.UpdateAuthorization(ctx, auth); err != nil {
			return nil, model.InternalError(err, "update authorization")
		}
	}
	return auth, nil
}

func (e *Engine) validate(ctx context.Context, auth *model.Authorization) error {
	if auth.ClientID == "" {
		return model.ValidationError("", "client_id is required")
	}
	client, err := e.clients.Get(ctx, auth.ClientID)
	if err != nil {
		return err
	}
	if !client.ValidRedirect(auth.RedirectURI) {
		return model.ValidationError("", "redirect_uri is not registered for this client")
	}

	// From here on errors go back to the client.
	flow := Classify(auth.ResponseType)
	mode := flow.DefaultMode()
	if auth.ResponseMode == ModeQuery || auth.ResponseMode == ModeFragment || auth.ResponseMode == ModeFormPost {
		mode = auth.ResponseMode
	}
	fail := func(err *model.Error) error {
		return &RequestError{Err: err, RedirectURI: auth.RedirectURI, Mode: mode, State: auth.State}
	}

	if flow == FlowUndetermined {
		return fail(model.ValidationError(model.CodeUnsupportedResponseType,
			"response_type %q is not supported", strings.Join(auth.ResponseType, " ")))
	}
	if !auth.HasScope("openid") {
		return fail(model.ValidationError(model.CodeInvalidScope, "scope must contain openid"))
	}
	switch auth.ResponseMode {
	case "", ModeFragment, ModeFormPost:
	case ModeQuery:
		if flow != FlowAuthorizationCode {
			return fail(model.ValidationError("", "response_mode query cannot carry tokens"))
		}
	default:
		return fail(model.ValidationError("", "response_mode %q is not supported", auth.ResponseMode))
	}
	if auth.HasResponseType("id_token") && auth.Nonce == "" {
		return fail(model.ValidationError("", "nonce is required when an id_token is requested"))
	}
	if auth.CodeChallenge != "" || auth.CodeChallengeMethod != "" {
		if err := pkce.CheckChallenge(auth.CodeChallenge, auth.CodeChallengeMethod); err != nil {
			return fail(model.ValidationError("", "invalid code_challenge: %v", err))
		}
	}
	if prompts := strings.Fields(auth.Prompt); slices.Contains(prompts, "none") && len(prompts) > 1 {
		return fail(model.ValidationError("", "prompt none cannot be combined with other values"))
	}
	return nil
}

// Drive advances auth towards issuance. A missing user or consent yields
// LoginRequired or ConsentRequired, or an error redirect under prompt=none.
func (e *Engine) Drive(ctx context.Context, auth *model.Authorization) Outcome {
	silent := slices.Contains(strings.Fields(auth.Prompt), "none")
	flow := Classify(auth.ResponseType)
	mode := flow.DefaultMode()
	if auth.ResponseMode != "" {
		mode = auth.ResponseMode
	}

	switch StateOf(auth) {
	case StateAwaitingLogin:
		if silent {
			return RedirectWithError{RedirectURI: auth.RedirectURI, Mode: mode, Code: model.CodeLoginRequired,
				Description: "user is not authenticated", State: auth.State}
		}
		return LoginRequired{AuthorizationID: auth.ID}
	case StateAwaitingConsent:
		if silent {
			return RedirectWithError{RedirectURI: auth.RedirectURI, Mode: mode, Code: model.CodeConsentRequired,
				Description: "user has not approved this client", State: auth.State}
		}
		return ConsentRequired{AuthorizationID: auth.ID}
	case StateReady:
	default:
		return Fatal{Err: model.ValidationError("", "authorization has not been created")}
	}

	strategy, ok := e.strategies[flow]
	if !ok {
		return Fatal{Err: model.ValidationError(model.CodeUnsupportedResponseType, "no strategy for %s", flow)}
	}
	out := strategy.Issue(ctx, auth)
	if _, ok := out.(Issued); ok {
		e.logger.Info("authorization issued",
			"authorization_id", shortID(auth.ID),
			"client_id", auth.ClientID,
			"flow", flow.String())
	}
	return out
}

// Get loads an authorization record.
func (e *Engine) Get(ctx context.Context, id string) (*model.Authorization, error) {
	if id == "" {
		return nil, model.ValidationError("", "no authorization in progress")
	}
	auth, err := e.store.GetAuthorization(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return nil, model.ValidationError("", "authorization is unknown or expired")
	}
	if err != nil {
		return nil, model.InternalError(err, "load authorization")
	}
	return auth, nil
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
