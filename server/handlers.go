package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"net/url"
	"strings"

	"idp/authz"
	"idp/model"
	"idp/store"
	"idp/tokens"
)

const (
	maxBodyBytes = 1 << 20
	maxParams    = 100
)

func (a *App) handleAuthorization(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Cache-Control", "no-store")
	params, err := readParams(w, r)
	if err != nil {
		a.writeError(w, r, err, false)
		return
	}

	req := authz.RequestFromValues(params)
	existing := a.Cookies.Authorization(r)
	if req.Empty() && existing == "" {
		a.writeError(w, r, model.ValidationError("", "no authorization in progress"), false)
		return
	}

	ctx := r.Context()
	auth, err := a.Engine.Resolve(ctx, req, existing)
	if err != nil {
		var re *authz.RequestError
		if errors.As(err, &re) {
			a.respond(w, r, re.Redirect())
			return
		}
		a.respond(w, r, authz.Fatal{Err: err})
		return
	}
	auth = a.attachUser(ctx, w, r, auth)
	a.respond(w, r, a.Engine.Drive(ctx, auth))
}

// attachUser binds auth to the user signed in on this request. A record
// whose user is no longer signed in is sent back to login; a cookie naming a
// user that no longer exists is cleared.
func (a *App) attachUser(ctx context.Context, w http.ResponseWriter, r *http.Request, auth *model.Authorization) *model.Authorization {
	userID := a.Cookies.User(r)
	if userID != "" && userID == auth.UserID {
		return auth
	}
	if userID != "" {
		updated, err := a.Engine.Login(ctx, auth.ID, userID)
		if err == nil {
			return updated
		}
		a.Logger.Warn("user cookie not applied",
			"request_id", RequestIDFromContext(ctx),
			"error", err)
		if model.IsKind(err, model.KindValidation) {
			a.Cookies.ClearUser(w)
		}
	}
	if auth.UserID == "" {
		return auth
	}
	updated, err := a.Engine.Forget(ctx, auth.ID)
	if err != nil {
		a.Logger.Error("signed-out user not detached",
			"request_id", RequestIDFromContext(ctx),
			"error", err)
		detached := *auth
		detached.UserID, detached.Consent = "", false
		return &detached
	}
	return updated
}

func (a *App) respond(w http.ResponseWriter, r *http.Request, outcome authz.Outcome) {
	switch o := outcome.(type) {
	case authz.Issued:
		a.Cookies.ClearAuthorization(w)
		a.redirect(w, r, o.RedirectURI, o.Mode, o.Params)
	case authz.RedirectWithError:
		a.Cookies.ClearAuthorization(w)
		a.redirect(w, r, o.RedirectURI, o.Mode, o.Params())
	case authz.LoginRequired:
		a.continueAt(w, r, "/login", o.AuthorizationID)
	case authz.ConsentRequired:
		a.continueAt(w, r, "/consent", o.AuthorizationID)
	case authz.Fatal:
		a.writeError(w, r, o.Err, false)
	default:
		a.writeError(w, r, model.InternalError(nil, "unexpected outcome %T", outcome), false)
	}
}

// continueAt parks the authorization in the cookie and sends the user agent
// to an interaction page that returns to the authorization endpoint.
func (a *App) continueAt(w http.ResponseWriter, r *http.Request, page, authID string) {
	if err := a.Cookies.SetAuthorization(r.Context(), w, authID); err != nil {
		a.writeError(w, r, model.InternalError(err, "set authorization cookie"), false)
		return
	}
	target := a.endpoint(page) + "?" + url.Values{"redirect_to": {a.endpoint("/authorization")}}.Encode()
	http.Redirect(w, r, target, http.StatusFound)
}

// redirect delivers params to the client's redirect URI in the given mode.
func (a *App) redirect(w http.ResponseWriter, r *http.Request, redirectURI, mode string, params url.Values) {
	if mode == authz.ModeFormPost {
		a.renderFormPost(w, redirectURI, params)
		return
	}

	u, err := url.Parse(redirectURI)
	if err != nil {
		a.writeError(w, r, model.InternalError(err, "parse redirect_uri"), false)
		return
	}
	if mode == authz.ModeFragment {
		u.Fragment = ""
		u.RawFragment = ""
		target := u.String() + "#" + params.Encode()
		http.Redirect(w, r, target, http.StatusFound)
		return
	}
	q := u.Query()
	for k, vs := range params {
		q[k] = vs
	}
	u.RawQuery = q.Encode()
	http.Redirect(w, r, u.String(), http.StatusFound)
}

func (a *App) handleToken(w http.ResponseWriter, r *http.Request) {
	params, err := readParams(w, r)
	if err != nil {
		a.writeError(w, r, err, false)
		return
	}
	creds, basic, err := clientCredentials(r, params)
	if err != nil {
		a.writeError(w, r, err, basic)
		return
	}

	ctx := r.Context()
	var resp *tokens.Response
	switch grant := params.Get("grant_type"); grant {
	case "authorization_code":
		resp, err = a.Tokens.IssueFromCode(ctx, tokens.CodeRequest{
			Code:         params.Get("code"),
			ClientID:     creds.ClientID,
			RedirectURI:  params.Get("redirect_uri"),
			ClientSecret: creds.ClientSecret,
			CodeVerifier: params.Get("code_verifier"),
		})
	case "refresh_token":
		resp, err = a.Tokens.IssueFromRefresh(ctx, tokens.RefreshRequest{
			RefreshToken: params.Get("refresh_token"),
			ClientID:     creds.ClientID,
			ClientSecret: creds.ClientSecret,
			Scope:        strings.Fields(params.Get("scope")),
		})
	case "":
		err = model.ValidationError("", "grant_type is required")
	default:
		err = model.ValidationError(model.CodeUnsupportedGrantType, "grant_type %q is not supported", grant)
	}
	if err != nil {
		a.writeError(w, r, err, basic)
		return
	}
	writeNoStoreJSON(w, resp)
}

func (a *App) handleIntrospect(w http.ResponseWriter, r *http.Request) {
	params, err := readParams(w, r)
	if err != nil {
		a.writeError(w, r, err, false)
		return
	}
	creds, basic, err := clientCredentials(r, params)
	if err != nil {
		a.writeError(w, r, err, basic)
		return
	}
	res, err := a.Tokens.Introspect(r.Context(), params.Get("token"), creds)
	if err != nil {
		a.writeError(w, r, err, basic)
		return
	}
	writeNoStoreJSON(w, res)
}

func (a *App) handleRevoke(w http.ResponseWriter, r *http.Request) {
	params, err := readParams(w, r)
	if err != nil {
		a.writeError(w, r, err, false)
		return
	}
	creds, basic, err := clientCredentials(r, params)
	if err != nil {
		a.writeError(w, r, err, basic)
		return
	}
	if err := a.Tokens.Revoke(r.Context(), params.Get("token"), params.Get("token_type_hint"), creds); err != nil {
		a.writeError(w, r, err, basic)
		return
	}
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(http.StatusOK)
}

func (a *App) handleUserInfo(w http.ResponseWriter, r *http.Request) {
	bearer := extractBearerToken(r.Header.Get("Authorization"))
	if bearer == "" && r.Method == http.MethodPost {
		params, err := readParams(w, r)
		if err != nil {
			a.writeError(w, r, err, false)
			return
		}
		bearer = params.Get("access_token")
	}

	ctx := r.Context()
	token, auth, err := a.Tokens.Authenticate(ctx, bearer)
	if err == nil {
		user, uerr := a.Users.Get(ctx, auth.UserID)
		switch {
		case uerr == nil:
			writeNoStoreJSON(w, a.Codec.UserInfo(user, token.Scope))
			return
		case errors.Is(uerr, store.ErrNotFound):
			err = model.InvalidToken("subject no longer exists")
		default:
			err = model.InternalError(uerr, "load user")
		}
	}
	if e := model.AsError(err); e.Code == model.CodeInvalidToken {
		challenge := `Bearer realm="idp"`
		if bearer != "" {
			challenge += fmt.Sprintf(`, error="invalid_token", error_description=%q`, e.Description)
		}
		w.Header().Set("WWW-Authenticate", challenge)
	}
	a.writeError(w, r, err, false)
}

func (a *App) handleLogout(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		a.writeError(w, r, model.ValidationError("", "invalid form"), false)
		return
	}
	if userID := a.Cookies.User(r); userID != "" {
		a.Logger.Info("user signed out", "user_id", userID)
	}
	a.Cookies.ClearUser(w)
	a.Cookies.ClearAuthorization(w)

	if target := a.safeReturn(r.Form.Get("redirect_to")); target != "" {
		http.Redirect(w, r, target, http.StatusFound)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// clientCredentials reads client authentication from HTTP Basic or the
// request parameters. The bool reports whether Basic was attempted.
func clientCredentials(r *http.Request, params url.Values) (tokens.Credentials, bool, error) {
	formID, formSecret := params.Get("client_id"), params.Get("client_secret")
	user, pass, ok := r.BasicAuth()
	if !ok {
		return tokens.Credentials{ClientID: formID, ClientSecret: formSecret}, false, nil
	}

	id, err := url.QueryUnescape(user)
	if err != nil {
		return tokens.Credentials{}, true, model.InvalidClient("malformed basic credentials")
	}
	secret, err := url.QueryUnescape(pass)
	if err != nil {
		return tokens.Credentials{}, true, model.InvalidClient("malformed basic credentials")
	}
	if formSecret != "" {
		return tokens.Credentials{}, true, model.ValidationError("", "use only one client authentication method")
	}
	if formID != "" && formID != id {
		return tokens.Credentials{}, true, model.InvalidClient("client_id does not match the authenticated client")
	}
	return tokens.Credentials{ClientID: id, ClientSecret: secret}, true, nil
}

// readParams merges query parameters with a form or JSON request body.
// Other media types are rejected rather than silently ignored. JSON bodies
// are flat: values are strings, numbers, booleans or lists of strings.
func readParams(w http.ResponseWriter, r *http.Request) (url.Values, error) {
	if r.Body != nil {
		r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	}
	var (
		values url.Values
		err    error
	)
	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	switch mediaType {
	case "application/x-www-form-urlencoded":
		values, err = readForm(r)
	case "application/json":
		values, err = readJSON(r)
	case "":
		if r.ContentLength > 0 {
			return nil, model.ValidationError("", "request body requires a Content-Type")
		}
		values, err = readForm(r)
	default:
		return nil, model.ValidationError("", "unsupported Content-Type %q", mediaType)
	}
	if err != nil {
		return nil, err
	}
	if countValues(values) > maxParams {
		return nil, model.ValidationError("", "too many parameters")
	}
	return values, nil
}

func readForm(r *http.Request) (url.Values, error) {
	if err := r.ParseForm(); err != nil {
		return nil, model.ValidationError("", "malformed form body")
	}
	return r.Form, nil
}

func readJSON(r *http.Request) (url.Values, error) {
	values := url.Values{}
	for k, vs := range r.URL.Query() {
		values[k] = vs
	}
	var body map[string]json.RawMessage
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil && !errors.Is(err, io.EOF) {
		return nil, model.ValidationError("", "malformed JSON body")
	}
	for k, raw := range body {
		raw = bytes.TrimSpace(raw)
		if len(raw) == 0 {
			continue
		}
		switch raw[0] {
		case 'n':
		case '"':
			var v string
			if err := json.Unmarshal(raw, &v); err != nil {
				return nil, model.ValidationError("", "parameter %s is malformed", k)
			}
			values.Set(k, v)
		case '[':
			var parts []string
			if err := json.Unmarshal(raw, &parts); err != nil {
				return nil, model.ValidationError("", "parameter %s must be a list of strings", k)
			}
			values.Set(k, strings.Join(parts, " "))
		case '{':
			return nil, model.ValidationError("", "parameter %s must not be an object", k)
		default:
			// numbers and booleans keep their literal text
			values.Set(k, string(raw))
		}
	}
	return values, nil
}

func countValues(values url.Values) int {
	n := 0
	for _, vs := range values {
		n += len(vs)
	}
	return n
}

// writeError maps err to its status and an OAuth error body. Internal
// failures are logged and reported by correlation id only.
func (a *App) writeError(w http.ResponseWriter, r *http.Request, err error, basicAttempted bool) {
	e := model.AsError(err)
	reqID := RequestIDFromContext(r.Context())
	desc := e.Description

	switch e.Kind {
	case model.KindInternal, model.KindConfiguration:
		a.Logger.Error("request failed",
			"request_id", reqID,
			"path", r.URL.Path,
			"error", err)
		desc = "internal error, request id " + reqID
	default:
		a.Logger.Warn("request rejected",
			"request_id", reqID,
			"path", r.URL.Path,
			"code", e.Code,
			"description", e.Description)
	}

	status := e.Kind.HTTPStatus()
	if status == http.StatusUnauthorized && basicAttempted {
		w.Header().Set("WWW-Authenticate", `Basic realm="idp"`)
	}
	writeError(w, status, e.Code, desc)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeNoStoreJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("Pragma", "no-cache")
	writeJSON(w, http.StatusOK, v)
}

func writeError(w http.ResponseWriter, status int, code, desc string) {
	w.Header().Set("Cache-Control", "no-store")
	body := map[string]string{"error": code}
	if desc != "" {
		body["error_description"] = desc
	}
	writeJSON(w, status, body)
}

func extractBearerToken(header string) string {
	scheme, token, ok := strings.Cut(header, " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return ""
	}
	return strings.TrimSpace(token)
}
