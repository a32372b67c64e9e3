package tokens

import (
	"context"
	"io"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"idp/claims"
	"idp/clients"
	"idp/keys"
	"idp/model"
	"idp/pkce"
	"idp/store"
	"idp/users"
)

type fixture struct {
	svc      *Service
	store    *store.MemoryStore
	registry *clients.Registry
	users    *users.Directory
	logger   *slog.Logger
	codec    *claims.Codec
	client   *model.Client
	other    *model.Client
	user     *model.User
	now      time.Time
	ctx      context.Context
	verifier string
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	ctx := context.Background()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	f := &fixture{ctx: ctx, now: time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)}
	clock := func() time.Time { return f.now }

	f.store = store.NewMemoryStore()
	f.store.SetClock(clock)

	registry := clients.NewRegistry(f.store, false, logger)
	directory := users.NewDirectory(f.store, logger)
	f.registry, f.users, f.logger = registry, directory, logger
	directory.SetHashParams(users.HashParams{Time: 1, Memory: 1024, Threads: 1, KeyLen: 32, SaltLen: 16})

	kcfg := keys.DefaultConfig()
	kcfg.MasterSecret = "tokens test secret"
	kcfg.SigningAlgorithms = []string{"ES256"}
	kcfg.EncryptionAlgorithms = nil
	km, err := keys.NewManager(kcfg, f.store, logger)
	require.NoError(t, err)

	f.codec = claims.NewCodec(claims.Config{Issuer: "https://idp.example.com"}, km, registry, logger)
	f.codec.SetClock(clock)

	f.svc = NewService(f.store, registry, directory, f.codec, model.DefaultLifetimes(), logger)
	f.svc.SetClock(clock)

	f.client, err = registry.Register(ctx, clients.Registration{Name: "web", RedirectURIs: []string{"https://app.example.com/cb"}})
	require.NoError(t, err)
	f.other, err = registry.Register(ctx, clients.Registration{Name: "other", RedirectURIs: []string{"https://other.example.com/cb"}})
	require.NoError(t, err)

	f.user, err = directory.Create(ctx, "jane", "pw", model.Profile{Email: "jane@example.com"})
	require.NoError(t, err)
	require.NoError(t, directory.AddConsent(ctx, f.user.ID, f.client.ID))

	f.verifier = pkce.GenerateVerifier()
	return f
}

func (f *fixture) authorization(t *testing.T, consent bool) *model.Authorization {
	t.Helper()
	auth := &model.Authorization{
		ClientID:            f.client.ID,
		RedirectURI:         "https://app.example.com/cb",
		Scope:               []string{"openid", "email"},
		ResponseType:        []string{"code"},
		Nonce:               "nonce-1",
		CodeChallenge:       pkce.ChallengeS256(f.verifier),
		CodeChallengeMethod: pkce.MethodS256,
		UserID:              f.user.ID,
		Consent:             consent,
		CreatedAt:           f.now,
		UpdatedAt:           f.now,
		ExpiresAt:           f.now.Add(model.DefaultLifetimes().RefreshToken),
	}
	require.NoError(t, f.store.CreateAuthorization(f.ctx, auth))
	return auth
}

func (f *fixture) code(t *testing.T, auth *model.Authorization) string {
	t.Helper()
	code, err := f.svc.CreateCode(f.ctx, auth)
	require.NoError(t, err)
	return code.ID
}

func (f *fixture) exchange(t *testing.T) *Response {
	t.Helper()
	auth := f.authorization(t, true)
	resp, err := f.svc.IssueFromCode(f.ctx, CodeRequest{
		Code:         f.code(t, auth),
		ClientID:     f.client.ID,
		RedirectURI:  auth.RedirectURI,
		ClientSecret: f.client.Secret,
	})
	require.NoError(t, err)
	return resp
}

func (f *fixture) creds() Credentials {
	return Credentials{ClientID: f.client.ID, ClientSecret: f.client.Secret}
}

func TestTokenIDsAreServerAssigned(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	auth := f.authorization(t, true)

	tok := &model.Token{ID: "caller-chosen", Kind: model.KindAccessToken, ExpiresAt: f.now.Add(time.Hour), Active: true}
	require.NoError(t, f.store.CreateToken(f.ctx, tok))
	assert.NotEqual(t, "caller-chosen", tok.ID)
	assert.Len(t, tok.ID, model.TokenIDLength)

	code, err := f.svc.CreateCode(f.ctx, auth)
	require.NoError(t, err)
	assert.Len(t, code.ID, model.TokenIDLength)
	assert.Equal(t, f.now.Add(10*time.Minute), code.ExpiresAt)
}

func TestIssueFromCodeWithSecret(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	resp := f.exchange(t)

	assert.NotEmpty(t, resp.AccessToken)
	assert.NotEmpty(t, resp.RefreshToken)
	assert.Equal(t, "Bearer", resp.TokenType)
	assert.EqualValues(t, 900, resp.ExpiresIn)
	assert.Equal(t, "openid email", resp.Scope)

	idClaims, err := f.codec.Verify(f.ctx, resp.IDToken)
	require.NoError(t, err)
	assert.Equal(t, f.user.ID, idClaims["sub"])
	assert.Equal(t, f.client.ID, idClaims["aud"])
	assert.Equal(t, "nonce-1", idClaims["nonce"])
	assert.Equal(t, claims.HalfHash(resp.AccessToken), idClaims["at_hash"])
	assert.Equal(t, "jane@example.com", idClaims["email"])

	refresh, err := f.store.GetToken(f.ctx, resp.RefreshToken)
	require.NoError(t, err)
	assert.Equal(t, resp.AccessToken, refresh.SiblingID)
}

func TestIssueFromCodeWithPKCE(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	auth := f.authorization(t, true)
	code := f.code(t, auth)

	_, err := f.svc.IssueFromCode(f.ctx, CodeRequest{
		Code: code, ClientID: f.client.ID, RedirectURI: auth.RedirectURI,
		CodeVerifier: pkce.GenerateVerifier(),
	})
	assert.True(t, model.IsKind(err, model.KindInvalidClient), "wrong verifier: %v", err)

	resp, err := f.svc.IssueFromCode(f.ctx, CodeRequest{
		Code: code, ClientID: f.client.ID, RedirectURI: auth.RedirectURI,
		CodeVerifier: f.verifier,
	})
	require.NoError(t, err)
	assert.NotEmpty(t, resp.AccessToken)
}

func TestIssueFromCodeFailures(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		mutate func(f *fixture, req *CodeRequest)
		kind   model.ErrorKind
		code   string
	}{
		{
			name:   "missing code",
			mutate: func(f *fixture, req *CodeRequest) { req.Code = "" },
			kind:   model.KindValidation,
		},
		{
			name:   "both proofs",
			mutate: func(f *fixture, req *CodeRequest) { req.CodeVerifier = f.verifier },
			kind:   model.KindValidation,
		},
		{
			name:   "no proof",
			mutate: func(f *fixture, req *CodeRequest) { req.ClientSecret = "" },
			kind:   model.KindValidation,
		},
		{
			name:   "wrong secret",
			mutate: func(f *fixture, req *CodeRequest) { req.ClientSecret = "wrong" },
			kind:   model.KindInvalidClient,
		},
		{
			name:   "unknown code",
			mutate: func(f *fixture, req *CodeRequest) { req.Code = strings.Repeat("a", 64) },
			kind:   model.KindInvalidGrant,
		},
		{
			name:   "redirect mismatch",
			mutate: func(f *fixture, req *CodeRequest) { req.RedirectURI = "https://app.example.com/other" },
			kind:   model.KindInvalidGrant,
		},
		{
			name: "client mismatch",
			mutate: func(f *fixture, req *CodeRequest) {
				req.ClientID, req.ClientSecret = f.other.ID, f.other.Secret
			},
			kind: model.KindInvalidGrant,
		},
		{
			name:   "expired code",
			mutate: func(f *fixture, req *CodeRequest) { f.now = f.now.Add(11 * time.Minute) },
			kind:   model.KindInvalidGrant,
		},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			f := newFixture(t)
			auth := f.authorization(t, true)
			req := CodeRequest{
				Code:         f.code(t, auth),
				ClientID:     f.client.ID,
				RedirectURI:  auth.RedirectURI,
				ClientSecret: f.client.Secret,
			}
			tt.mutate(f, &req)

			_, err := f.svc.IssueFromCode(f.ctx, req)
			require.Error(t, err)
			assert.Equal(t, tt.kind, model.AsError(err).Kind, err.Error())
		})
	}
}

func TestIssueFromCodeRequiresConsent(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	auth := f.authorization(t, false)
	_, err := f.svc.IssueFromCode(f.ctx, CodeRequest{
		Code: f.code(t, auth), ClientID: f.client.ID, RedirectURI: auth.RedirectURI, ClientSecret: f.client.Secret,
	})
	assert.True(t, model.IsKind(err, model.KindInvalidGrant))
}

func TestCodeIsSingleUse(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	auth := f.authorization(t, true)
	req := CodeRequest{Code: f.code(t, auth), ClientID: f.client.ID, RedirectURI: auth.RedirectURI, ClientSecret: f.client.Secret}

	_, err := f.svc.IssueFromCode(f.ctx, req)
	require.NoError(t, err)
	_, err = f.svc.IssueFromCode(f.ctx, req)
	assert.True(t, model.IsKind(err, model.KindInvalidGrant))
}

// gatedStore holds every reader of one token id until all expected readers
// have loaded it, so concurrent redemptions all pass their checks before
// any of them consumes the token.
type gatedStore struct {
	*store.MemoryStore
	id      string
	readers sync.WaitGroup
}

func (g *gatedStore) GetToken(ctx context.Context, id string) (*model.Token, error) {
	t, err := g.MemoryStore.GetToken(ctx, id)
	if id == g.id {
		g.readers.Done()
		g.readers.Wait()
	}
	return t, err
}

func (f *fixture) gatedService(id string, readers int) *Service {
	g := &gatedStore{MemoryStore: f.store, id: id}
	g.readers.Add(readers)
	svc := NewService(g, f.registry, f.users, f.codec, model.DefaultLifetimes(), f.logger)
	svc.SetClock(func() time.Time { return f.now })
	return svc
}

// redeemConcurrently runs redeem from n goroutines at once and returns how
// many succeeded. Every failure must be invalid_grant.
func redeemConcurrently(t *testing.T, n int, redeem func() error) int {
	t.Helper()
	var (
		wg        sync.WaitGroup
		successes atomic.Int32
		errs      = make(chan error, n)
	)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := redeem(); err != nil {
				errs <- err
				return
			}
			successes.Add(1)
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		assert.True(t, model.IsKind(err, model.KindInvalidGrant), "unexpected error: %v", err)
	}
	return int(successes.Load())
}

func TestConcurrentCodeExchangeIssuesOnce(t *testing.T) {
	t.Parallel()

	const callers = 8
	f := newFixture(t)
	auth := f.authorization(t, true)
	code := f.code(t, auth)
	svc := f.gatedService(code, callers)

	req := CodeRequest{Code: code, ClientID: f.client.ID, RedirectURI: auth.RedirectURI, ClientSecret: f.client.Secret}
	got := redeemConcurrently(t, callers, func() error {
		_, err := svc.IssueFromCode(f.ctx, req)
		return err
	})
	assert.Equal(t, 1, got)

	issued, err := f.store.ListTokens(f.ctx, auth.ID)
	require.NoError(t, err)
	assert.Len(t, issued, 2, "exactly one access and refresh pair")
}

func TestConcurrentRefreshRotatesOnce(t *testing.T) {
	t.Parallel()

	const callers = 8
	f := newFixture(t)
	first := f.exchange(t)
	svc := f.gatedService(first.RefreshToken, callers)

	req := RefreshRequest{RefreshToken: first.RefreshToken, ClientID: f.client.ID, ClientSecret: f.client.Secret}
	got := redeemConcurrently(t, callers, func() error {
		_, err := svc.IssueFromRefresh(f.ctx, req)
		return err
	})
	assert.Equal(t, 1, got)
}

func TestRefreshRotation(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	first := f.exchange(t)
	f.now = f.now.Add(time.Hour)

	req := RefreshRequest{RefreshToken: first.RefreshToken, ClientID: f.client.ID, ClientSecret: f.client.Secret}
	second, err := f.svc.IssueFromRefresh(f.ctx, req)
	require.NoError(t, err)
	assert.NotEqual(t, first.RefreshToken, second.RefreshToken)
	assert.NotEqual(t, first.AccessToken, second.AccessToken)
	assert.NotEmpty(t, second.IDToken)

	// The rotated-out refresh token cannot be replayed.
	_, err = f.svc.IssueFromRefresh(f.ctx, req)
	require.Error(t, err)
	assert.True(t, model.IsKind(err, model.KindInvalidGrant))

	refresh, err := f.store.GetToken(f.ctx, second.RefreshToken)
	require.NoError(t, err)
	auth, err := f.store.GetAuthorization(f.ctx, refresh.AuthorizationID)
	require.NoError(t, err)
	assert.Equal(t, refresh.ExpiresAt, auth.ExpiresAt)
}

func TestRefreshScopeNarrowing(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	first := f.exchange(t)

	_, err := f.svc.IssueFromRefresh(f.ctx, RefreshRequest{
		RefreshToken: first.RefreshToken, ClientID: f.client.ID, ClientSecret: f.client.Secret,
		Scope: []string{"openid", "phone"},
	})
	require.Error(t, err)
	assert.Equal(t, model.CodeInvalidScope, model.AsError(err).Code)

	_, err = f.svc.IssueFromRefresh(f.ctx, RefreshRequest{
		RefreshToken: first.RefreshToken, ClientID: f.client.ID, ClientSecret: f.client.Secret,
		Scope: []string{"email"},
	})
	assert.Equal(t, model.CodeInvalidScope, model.AsError(err).Code)

	resp, err := f.svc.IssueFromRefresh(f.ctx, RefreshRequest{
		RefreshToken: first.RefreshToken, ClientID: f.client.ID, ClientSecret: f.client.Secret,
		Scope: []string{"openid"},
	})
	require.NoError(t, err)
	assert.Equal(t, "openid", resp.Scope)

	idClaims, err := f.codec.Verify(f.ctx, resp.IDToken)
	require.NoError(t, err)
	assert.NotContains(t, idClaims, "email")
}

func TestRefreshOwnership(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	first := f.exchange(t)

	_, err := f.svc.IssueFromRefresh(f.ctx, RefreshRequest{
		RefreshToken: first.RefreshToken, ClientID: f.other.ID, ClientSecret: f.other.Secret,
	})
	assert.True(t, model.IsKind(err, model.KindInvalidGrant))

	_, err = f.svc.IssueFromRefresh(f.ctx, RefreshRequest{
		RefreshToken: first.AccessToken, ClientID: f.client.ID, ClientSecret: f.client.Secret,
	})
	assert.True(t, model.IsKind(err, model.KindInvalidGrant), "access token used as refresh token")
}

func TestIntrospect(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	resp := f.exchange(t)

	_, err := f.svc.Introspect(f.ctx, resp.AccessToken, Credentials{ClientID: f.client.ID, ClientSecret: "bad"})
	assert.True(t, model.IsKind(err, model.KindInvalidClient))

	got, err := f.svc.Introspect(f.ctx, resp.AccessToken, f.creds())
	require.NoError(t, err)
	assert.True(t, got.Active)
	assert.Equal(t, f.user.ID, got.Subject)
	assert.Equal(t, f.client.ID, got.Audience)
	assert.Equal(t, "openid email", got.Scope)
	assert.Equal(t, f.now.Unix(), got.IssuedAt)
	assert.Equal(t, f.now.Add(15*time.Minute).Unix(), got.ExpiresAt)
	assert.Equal(t, "https://idp.example.com", got.Issuer)

	for name, token := range map[string]string{
		"refresh token": resp.RefreshToken,
		"unknown":       strings.Repeat("0", 64),
		"empty":         "",
	} {
		got, err := f.svc.Introspect(f.ctx, token, f.creds())
		require.NoError(t, err, name)
		assert.Equal(t, &Introspection{}, got, name)
	}

	f.now = f.now.Add(16 * time.Minute)
	got, err = f.svc.Introspect(f.ctx, resp.AccessToken, f.creds())
	require.NoError(t, err)
	assert.False(t, got.Active, "expired access token")
}

func TestRevokeRefreshCascades(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	resp := f.exchange(t)

	require.NoError(t, f.svc.Revoke(f.ctx, resp.RefreshToken, "refresh_token", f.creds()))

	_, err := f.store.GetToken(f.ctx, resp.RefreshToken)
	assert.ErrorIs(t, err, store.ErrNotFound)
	_, err = f.store.GetToken(f.ctx, resp.AccessToken)
	assert.ErrorIs(t, err, store.ErrNotFound)

	// Idempotent once the token is gone.
	assert.NoError(t, f.svc.Revoke(f.ctx, resp.RefreshToken, "", f.creds()))
}

func TestRevokeAccessLeavesRefresh(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	resp := f.exchange(t)

	require.NoError(t, f.svc.Revoke(f.ctx, resp.AccessToken, "access_token", f.creds()))

	got, err := f.svc.Introspect(f.ctx, resp.AccessToken, f.creds())
	require.NoError(t, err)
	assert.False(t, got.Active)

	_, err = f.store.GetToken(f.ctx, resp.RefreshToken)
	assert.NoError(t, err)
}

func TestRevokeRequiresCredentialsAndIgnoresForeignTokens(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	resp := f.exchange(t)

	err := f.svc.Revoke(f.ctx, resp.AccessToken, "", Credentials{ClientID: f.client.ID})
	assert.True(t, model.IsKind(err, model.KindInvalidClient))

	require.NoError(t, f.svc.Revoke(f.ctx, resp.AccessToken, "", Credentials{ClientID: f.other.ID, ClientSecret: f.other.Secret}))
	_, err = f.store.GetToken(f.ctx, resp.AccessToken)
	assert.NoError(t, err, "another client's revocation must not delete the token")
}

func TestAuthenticateBearer(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	resp := f.exchange(t)

	tok, auth, err := f.svc.Authenticate(f.ctx, resp.AccessToken)
	require.NoError(t, err)
	assert.Equal(t, resp.AccessToken, tok.ID)
	assert.Equal(t, f.user.ID, auth.UserID)

	_, _, err = f.svc.Authenticate(f.ctx, resp.RefreshToken)
	assert.Equal(t, model.CodeInvalidToken, model.AsError(err).Code)
	_, _, err = f.svc.Authenticate(f.ctx, "")
	assert.Equal(t, model.CodeInvalidToken, model.AsError(err).Code)
}
