package server

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/url"
	"strings"
	"testing"

	"idp/tokens"
)

func TestDiscoveryDocument(t *testing.T) {
	env := newTestApp(t)
	resp := env.get(t, "/.well-known/openid-configuration")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("discovery status %d", resp.StatusCode)
	}
	var doc map[string]any
	decodeJSON(t, resp, &doc)

	if doc["issuer"] != env.srv.URL {
		t.Fatalf("issuer mismatch: %v", doc["issuer"])
	}
	for key, path := range map[string]string{
		"authorization_endpoint": "/authorization",
		"token_endpoint":         "/token",
		"userinfo_endpoint":      "/userinfo",
		"jwks_uri":               "/jwks",
		"introspection_endpoint": "/token/introspect",
		"revocation_endpoint":    "/token/revoke",
	} {
		if doc[key] != env.srv.URL+path {
			t.Fatalf("%s mismatch: %v", key, doc[key])
		}
	}
	algs, _ := doc["id_token_signing_alg_values_supported"].([]any)
	if len(algs) == 0 || algs[0] != "ES256" {
		t.Fatalf("signing algorithms should lead with the configured default: %v", algs)
	}
	seen := map[any]int{}
	for _, a := range algs {
		seen[a]++
		if seen[a] > 1 {
			t.Fatalf("duplicate algorithm %v", a)
		}
	}
}

func TestJWKSPublishesPublicKeysOnly(t *testing.T) {
	env := newTestApp(t)
	resp := env.get(t, "/jwks")
	var set struct {
		Keys []map[string]any `json:"keys"`
	}
	decodeJSON(t, resp, &set)
	if len(set.Keys) == 0 {
		t.Fatalf("expected at least one key")
	}
	for _, k := range set.Keys {
		if _, ok := k["d"]; ok {
			t.Fatalf("private key material published: %v", k["kid"])
		}
		if k["kty"] == "oct" {
			t.Fatalf("symmetric key published")
		}
		if k["kid"] == "" || k["kid"] == nil {
			t.Fatalf("key without kid")
		}
	}
}

func TestHealthz(t *testing.T) {
	env := newTestApp(t)
	resp := env.get(t, "/healthz")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("healthz status %d", resp.StatusCode)
	}
}

func TestEveryResponseIsNoIndex(t *testing.T) {
	env := newTestApp(t)
	for _, path := range []string{"/healthz", "/jwks", "/does-not-exist", "/authorization"} {
		resp := env.get(t, path)
		if got := resp.Header.Get("X-Robots-Tag"); got != "noindex, nofollow" {
			t.Fatalf("%s: X-Robots-Tag = %q", path, got)
		}
		if resp.Header.Get("X-Request-ID") == "" {
			t.Fatalf("%s: missing request id", path)
		}
	}
}

func TestMethodNotAllowed(t *testing.T) {
	env := newTestApp(t)
	cases := []struct {
		method string
		path   string
	}{
		{http.MethodGet, "/token"},
		{http.MethodGet, "/token/revoke"},
		{http.MethodPut, "/authorization"},
		{http.MethodDelete, "/userinfo"},
		{http.MethodPost, "/jwks"},
	}
	for _, tc := range cases {
		req, _ := http.NewRequest(tc.method, env.url(tc.path), nil)
		resp, err := env.http.Do(req)
		if err != nil {
			t.Fatalf("%s %s: %v", tc.method, tc.path, err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusMethodNotAllowed {
			t.Fatalf("%s %s: expected 405, got %d", tc.method, tc.path, resp.StatusCode)
		}
	}
}

func TestAuthorizationWithoutRequest(t *testing.T) {
	env := newTestApp(t)
	resp := env.get(t, "/authorization")
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", resp.StatusCode)
	}
}

func TestAuthorizationUntrustedRedirectIsNotFollowed(t *testing.T) {
	env := newTestApp(t)
	params := env.authParams("redirect_uri", "https://evil.example.com/cb")
	resp := env.get(t, "/authorization?"+params.Encode())
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", resp.StatusCode)
	}
	if resp.Header.Get("Location") != "" {
		t.Fatalf("must not redirect to an unregistered URI")
	}
	var body map[string]string
	decodeJSON(t, resp, &body)
	if body["error"] != "invalid_request" {
		t.Fatalf("unexpected error body: %v", body)
	}

	unknown := env.get(t, "/authorization?"+env.authParams("client_id", "nobody").Encode())
	if unknown.StatusCode != http.StatusBadRequest || unknown.Header.Get("Location") != "" {
		t.Fatalf("unknown client should be a JSON error, got %d", unknown.StatusCode)
	}
}

func TestAuthorizationErrorsRedirectToTrustedURI(t *testing.T) {
	env := newTestApp(t)
	cases := []struct {
		name   string
		params url.Values
		code   string
	}{
		{"missing openid", env.authParams("scope", "profile"), "invalid_scope"},
		{"unsupported response type", env.authParams("response_type", "token code"), "unsupported_response_type"},
		{"missing nonce", env.authParams("response_type", "id_token"), "invalid_request"},
		{"bad challenge method", env.authParams("code_challenge", strings.Repeat("a", 43), "code_challenge_method", "S512"), "invalid_request"},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			loc := location(t, env.get(t, "/authorization?"+tc.params.Encode()))
			q := loc.Query()
			if loc.Fragment != "" {
				q, _ = url.ParseQuery(loc.Fragment)
			}
			if loc.Host != "rp.example.com" || q.Get("error") != tc.code || q.Get("state") != "xyz" {
				t.Fatalf("expected %s redirect, got %s", tc.code, loc)
			}
		})
	}
}

func TestAuthorizationAcceptsPostAndJSON(t *testing.T) {
	env := newTestApp(t)
	resp := env.post(t, "/authorization", env.authParams())
	if loc := location(t, resp); loc.Path != "/login" {
		t.Fatalf("POST authorization should reach login, got %s", loc)
	}

	body, _ := json.Marshal(map[string]any{
		"client_id":     env.client.ID,
		"redirect_uri":  testRedirectURI,
		"response_type": "code",
		"scope":         []string{"openid", "email"},
		"state":         "json",
	})
	req, _ := http.NewRequest(http.MethodPost, env.url("/authorization"), bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	jresp, err := env.http.Do(req)
	if err != nil {
		t.Fatalf("json authorization: %v", err)
	}
	defer jresp.Body.Close()
	if loc := location(t, jresp); loc.Path != "/login" {
		t.Fatalf("JSON authorization should reach login, got %s", loc)
	}
}

func TestTokenEndpointErrors(t *testing.T) {
	env := newTestApp(t)

	resp := env.post(t, "/token", url.Values{"grant_type": {"client_credentials"}},
		withBasic(env.client.ID, env.client.Secret))
	var body map[string]string
	decodeJSON(t, resp, &body)
	if resp.StatusCode != http.StatusBadRequest || body["error"] != "unsupported_grant_type" {
		t.Fatalf("expected unsupported_grant_type, got %d %v", resp.StatusCode, body)
	}

	resp = env.post(t, "/token", url.Values{"grant_type": {"refresh_token"}, "refresh_token": {"x"}},
		withBasic(env.client.ID, "wrong"))
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("bad secret should be 401, got %d", resp.StatusCode)
	}
	if !strings.HasPrefix(resp.Header.Get("WWW-Authenticate"), "Basic") {
		t.Fatalf("basic challenge missing")
	}

	resp = env.post(t, "/token", url.Values{
		"grant_type":    {"refresh_token"},
		"refresh_token": {"x"},
		"client_id":     {env.client.ID},
		"client_secret": {"wrong"},
	})
	if resp.StatusCode != http.StatusUnauthorized || resp.Header.Get("WWW-Authenticate") != "" {
		t.Fatalf("form authentication failure should be 401 without a challenge, got %d", resp.StatusCode)
	}

	resp = env.post(t, "/token", url.Values{
		"grant_type":    {"refresh_token"},
		"refresh_token": {"x"},
		"client_secret": {env.client.Secret},
	}, withBasic(env.client.ID, env.client.Secret))
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("two authentication methods should be rejected, got %d", resp.StatusCode)
	}
}

func TestTokenEndpointAcceptsJSONBody(t *testing.T) {
	env := newTestApp(t)
	code := env.code(t, env.authParams())

	body, _ := json.Marshal(map[string]string{
		"grant_type":    "authorization_code",
		"code":          code,
		"redirect_uri":  testRedirectURI,
		"client_id":     env.client.ID,
		"client_secret": env.client.Secret,
	})
	req, _ := http.NewRequest(http.MethodPost, env.url("/token"), bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json; charset=utf-8")
	resp, err := env.http.Do(req)
	if err != nil {
		t.Fatalf("token request: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("JSON token request failed: %d", resp.StatusCode)
	}
}

func TestIntrospectAndRevoke(t *testing.T) {
	env := newTestApp(t)
	code := env.code(t, env.authParams())
	resp := env.post(t, "/token", url.Values{
		"grant_type":   {"authorization_code"},
		"code":         {code},
		"redirect_uri": {testRedirectURI},
	}, withBasic(env.client.ID, env.client.Secret))
	var pair tokens.Response
	decodeJSON(t, resp, &pair)

	introspect := func(token string) tokens.Introspection {
		t.Helper()
		r := env.post(t, "/token/introspect", url.Values{"token": {token}}, withBasic(env.client.ID, env.client.Secret))
		if r.StatusCode != http.StatusOK {
			t.Fatalf("introspect status %d", r.StatusCode)
		}
		var out tokens.Introspection
		decodeJSON(t, r, &out)
		return out
	}

	if got := introspect(pair.AccessToken); !got.Active || got.Scope != "openid profile email" {
		t.Fatalf("access token should be active: %+v", got)
	}
	if got := introspect(pair.RefreshToken); got.Active {
		t.Fatalf("refresh tokens are never active on introspection")
	}
	if got := introspect("unknown"); got.Active {
		t.Fatalf("unknown token reported active")
	}

	unauth := env.post(t, "/token/introspect", url.Values{"token": {pair.AccessToken}})
	if unauth.StatusCode != http.StatusUnauthorized {
		t.Fatalf("introspection requires client authentication, got %d", unauth.StatusCode)
	}

	revoked := env.post(t, "/token/revoke", url.Values{"token": {pair.AccessToken}, "token_type_hint": {"access_token"}},
		withBasic(env.client.ID, env.client.Secret))
	if revoked.StatusCode != http.StatusOK {
		t.Fatalf("revoke status %d", revoked.StatusCode)
	}
	if got := introspect(pair.AccessToken); got.Active {
		t.Fatalf("revoked access token still active")
	}

	unknown := env.post(t, "/token/revoke", url.Values{"token": {"never-issued"}},
		withBasic(env.client.ID, env.client.Secret))
	if unknown.StatusCode != http.StatusOK {
		t.Fatalf("revoking an unknown token must succeed silently, got %d", unknown.StatusCode)
	}
}

func TestUserInfoAcceptsPostedToken(t *testing.T) {
	env := newTestApp(t)
	code := env.code(t, env.authParams("scope", "openid"))
	resp := env.post(t, "/token", url.Values{
		"grant_type":   {"authorization_code"},
		"code":         {code},
		"redirect_uri": {testRedirectURI},
	}, withBasic(env.client.ID, env.client.Secret))
	var pair tokens.Response
	decodeJSON(t, resp, &pair)

	info := env.post(t, "/userinfo", url.Values{"access_token": {pair.AccessToken}})
	var claims map[string]any
	decodeJSON(t, info, &claims)
	if claims["sub"] != env.user.ID {
		t.Fatalf("sub mismatch: %v", claims)
	}
	if _, ok := claims["email"]; ok {
		t.Fatalf("email released without the email scope")
	}

	badReq := env.post(t, "/userinfo", nil, withBearer("bogus"))
	if badReq.StatusCode != http.StatusUnauthorized {
		t.Fatalf("bogus token should be 401, got %d", badReq.StatusCode)
	}
	if !strings.Contains(badReq.Header.Get("WWW-Authenticate"), `error="invalid_token"`) {
		t.Fatalf("challenge should name invalid_token: %q", badReq.Header.Get("WWW-Authenticate"))
	}
}

func TestConsentPageRequiresLogin(t *testing.T) {
	env := newTestApp(t)
	loc := location(t, env.get(t, "/consent"))
	if loc.Path != "/login" {
		t.Fatalf("consent without a user should send to login, got %s", loc)
	}

	resp := env.post(t, "/consent", url.Values{"action": {"approve"}})
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("approving without a user should fail, got %d", resp.StatusCode)
	}
}

func TestSafeReturn(t *testing.T) {
	env := newTestApp(t)
	cases := map[string]string{
		"":                                "",
		"/authorization":                  env.srv.URL + "/authorization",
		env.srv.URL + "/consent?x=1":      env.srv.URL + "/consent?x=1",
		"https://evil.example.com/":       "",
		"//evil.example.com/":             "",
		"/\\evil.example.com":             "",
		env.srv.URL + ".evil.example.com": "",
		"javascript:alert(1)":             "",
	}
	for in, want := range cases {
		if got := env.app.safeReturn(in); got != want {
			t.Fatalf("safeReturn(%q) = %q, want %q", in, got, want)
		}
	}
}
