package server

import (
	"errors"
	"html/template"
	"net/http"
	"net/url"
	"slices"
	"strings"

	"idp/claims"
	"idp/model"
	"idp/users"
)

var pageTemplates = template.Must(template.New("layout").Parse(`
{{define "head"}}<!DOCTYPE html>
<html>
<head>
  <meta charset="utf-8">
  <meta name="viewport" content="width=device-width, initial-scale=1">
  <title>{{.Title}}</title>
  <style>
    body { font-family: system-ui, -apple-system, sans-serif; margin: 0; background: #f4f5f7; color: #1f2328; }
    main { max-width: 420px; margin: 10vh auto; background: #fff; padding: 2rem; border-radius: 8px; box-shadow: 0 1px 3px rgba(0,0,0,.12); }
    h1 { font-size: 1.3rem; margin-top: 0; }
    label { display: block; margin: .75rem 0 .25rem; font-size: .9rem; }
    input[type=text], input[type=password] { width: 100%; box-sizing: border-box; padding: .5rem; border: 1px solid #d0d7de; border-radius: 4px; }
    button { margin-top: 1rem; padding: .5rem 1rem; border: 0; border-radius: 4px; background: #1f6feb; color: #fff; cursor: pointer; }
    button.secondary { background: #6e7781; }
    .error { color: #cf222e; }
    .muted { color: #57606a; font-size: .85rem; }
    ul { padding-left: 1.2rem; }
  </style>
</head>
<body>
<main>{{end}}

{{define "foot"}}</main>
</body>
</html>{{end}}

{{define "login"}}{{template "head" .}}
  <h1>Sign in</h1>
  {{if .Client}}<p class="muted">to continue to <strong>{{.Client}}</strong></p>{{end}}
  {{if .SignedInAs}}<p>Signed in as <strong>{{.SignedInAs}}</strong>.</p>{{end}}
  {{if .Error}}<p class="error">{{.Error}}</p>{{end}}
  <form method="post" action="{{.Action}}">
    <input type="hidden" name="redirect_to" value="{{.RedirectTo}}">
    <label for="username">Username</label>
    <input type="text" id="username" name="username" value="{{.Username}}" autocomplete="username" autofocus required>
    <label for="password">Password</label>
    <input type="password" id="password" name="password" autocomplete="current-password" required>
    <label><input type="checkbox" name="remember" value="1"> Remember me</label>
    <button type="submit">Sign in</button>
  </form>
{{template "foot" .}}{{end}}

{{define "consent"}}{{template "head" .}}
  <h1>Authorize {{.Client}}</h1>
  <p><strong>{{.Client}}</strong> is requesting access to your account{{if .SignedInAs}} <strong>{{.SignedInAs}}</strong>{{end}}.</p>
  {{if .Scopes}}<p class="muted">Requested scopes</p>
  <ul>{{range .Scopes}}<li>{{.}}</li>{{end}}</ul>{{end}}
  {{if .Claims}}<p class="muted">Shared information</p>
  <ul>{{range .Claims}}<li>{{.}}</li>{{end}}</ul>{{end}}
  <form method="post" action="{{.Action}}">
    <input type="hidden" name="redirect_to" value="{{.RedirectTo}}">
    <button type="submit" name="action" value="approve">Allow</button>
    <button type="submit" name="action" value="deny" class="secondary">Deny</button>
  </form>
{{template "foot" .}}{{end}}

{{define "form_post"}}<!DOCTYPE html>
<html>
<head><meta charset="utf-8"><title>Submit this form</title></head>
<body onload="document.forms[0].submit()">
<form method="post" action="{{.Action}}">
{{range .Fields}}<input type="hidden" name="{{.Name}}" value="{{.Value}}">
{{end}}<noscript><button type="submit">Continue</button></noscript>
</form>
</body>
</html>{{end}}
`))

type pageView struct {
	Title      string
	Action     string
	RedirectTo string
	Client     string
	SignedInAs string
	Username   string
	Error      string
	Scopes     []string
	Claims     []string
}

type formField struct {
	Name  string
	Value string
}

type formPostView struct {
	Action string
	Fields []formField
}

func (a *App) render(w http.ResponseWriter, status int, name string, view any) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	if err := pageTemplates.ExecuteTemplate(w, name, view); err != nil {
		a.Logger.Error("render page", "template", name, "error", err)
	}
}

// renderFormPost answers with an auto-submitting form to redirectURI.
func (a *App) renderFormPost(w http.ResponseWriter, redirectURI string, params url.Values) {
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	view := formPostView{Action: redirectURI}
	for _, k := range keys {
		for _, v := range params[k] {
			view.Fields = append(view.Fields, formField{Name: k, Value: v})
		}
	}
	a.render(w, http.StatusOK, "form_post", view)
}

// safeReturn accepts same-origin return targets only: absolute URLs under
// the issuer or local paths. Anything else yields "".
func (a *App) safeReturn(target string) string {
	if target == "" {
		return ""
	}
	issuer := a.Config.Issuer()
	if target == issuer || strings.HasPrefix(target, issuer+"/") || strings.HasPrefix(target, issuer+"?") {
		return target
	}
	if strings.HasPrefix(target, "/") && !strings.HasPrefix(target, "//") && !strings.HasPrefix(target, "/\\") {
		if u, err := url.Parse(target); err == nil && u.Host == "" && u.Scheme == "" {
			return issuer + target
		}
	}
	return ""
}

// pendingClient names the client of the in-progress authorization, if any.
func (a *App) pendingClient(r *http.Request) (*model.Authorization, string) {
	authID := a.Cookies.Authorization(r)
	if authID == "" {
		return nil, ""
	}
	auth, err := a.Engine.Get(r.Context(), authID)
	if err != nil {
		return nil, ""
	}
	client, err := a.Clients.GetClient(r.Context(), auth.ClientID)
	if err != nil {
		return auth, ""
	}
	return auth, client.Name
}

func (a *App) signedInAs(r *http.Request) string {
	userID := a.Cookies.User(r)
	if userID == "" {
		return ""
	}
	user, err := a.Users.Get(r.Context(), userID)
	if err != nil {
		return ""
	}
	return user.Username
}

func (a *App) handleLoginPage(w http.ResponseWriter, r *http.Request) {
	_, clientName := a.pendingClient(r)
	a.render(w, http.StatusOK, "login", pageView{
		Title:      "Sign in",
		Action:     a.endpoint("/login"),
		RedirectTo: a.safeReturn(r.URL.Query().Get("redirect_to")),
		Client:     clientName,
		SignedInAs: a.signedInAs(r),
	})
}

func (a *App) handleLogin(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := r.ParseForm(); err != nil {
		a.writeError(w, r, model.ValidationError("", "invalid form"), false)
		return
	}
	ctx := r.Context()
	username := strings.TrimSpace(r.PostForm.Get("username"))
	redirectTo := a.safeReturn(r.PostForm.Get("redirect_to"))

	user, err := a.Users.Authenticate(ctx, username, r.PostForm.Get("password"))
	if errors.Is(err, users.ErrBadCredentials) {
		a.Logger.Warn("login failed", "request_id", RequestIDFromContext(ctx))
		_, clientName := a.pendingClient(r)
		a.render(w, http.StatusUnauthorized, "login", pageView{
			Title:      "Sign in",
			Action:     a.endpoint("/login"),
			RedirectTo: redirectTo,
			Client:     clientName,
			Username:   username,
			Error:      "Invalid username or password.",
		})
		return
	}
	if err != nil {
		a.writeError(w, r, err, false)
		return
	}

	remember := r.PostForm.Get("remember") != ""
	if err := a.Cookies.SetUser(ctx, w, user.ID, remember); err != nil {
		a.writeError(w, r, model.InternalError(err, "set user cookie"), false)
		return
	}
	a.Logger.Info("user signed in", "user_id", user.ID, "remember", remember)

	authID := a.Cookies.Authorization(r)
	if authID != "" {
		if _, err := a.Engine.Login(ctx, authID, user.ID); err != nil {
			a.Logger.Warn("login not attached to authorization",
				"request_id", RequestIDFromContext(ctx),
				"error", err)
		}
		if redirectTo == "" {
			redirectTo = a.endpoint("/authorization")
		}
	}
	if redirectTo == "" {
		a.render(w, http.StatusOK, "login", pageView{
			Title:      "Signed in",
			Action:     a.endpoint("/login"),
			SignedInAs: user.Username,
		})
		return
	}
	http.Redirect(w, r, redirectTo, http.StatusFound)
}

func (a *App) handleConsentPage(w http.ResponseWriter, r *http.Request) {
	redirectTo := a.safeReturn(r.URL.Query().Get("redirect_to"))
	if a.Cookies.User(r) == "" {
		self := a.endpoint("/consent")
		if redirectTo != "" {
			self += "?" + url.Values{"redirect_to": {redirectTo}}.Encode()
		}
		http.Redirect(w, r, a.endpoint("/login")+"?"+url.Values{"redirect_to": {self}}.Encode(), http.StatusFound)
		return
	}

	auth, clientName := a.pendingClient(r)
	if auth == nil {
		a.writeError(w, r, model.ValidationError("", "no authorization in progress"), false)
		return
	}
	a.render(w, http.StatusOK, "consent", pageView{
		Title:      "Authorize " + clientName,
		Action:     a.endpoint("/consent"),
		RedirectTo: redirectTo,
		Client:     clientName,
		SignedInAs: a.signedInAs(r),
		Scopes:     auth.Scope,
		Claims:     claims.ClaimNames(auth.Scope),
	})
}

func (a *App) handleConsent(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := r.ParseForm(); err != nil {
		a.writeError(w, r, model.ValidationError("", "invalid form"), false)
		return
	}
	ctx := r.Context()
	userID := a.Cookies.User(r)
	if userID == "" {
		a.writeError(w, r, model.ValidationError("", "sign in before approving a client"), false)
		return
	}
	authID := a.Cookies.Authorization(r)

	switch action := r.PostForm.Get("action"); action {
	case "approve":
		if _, err := a.Engine.Approve(ctx, authID, userID); err != nil {
			a.writeError(w, r, err, false)
			return
		}
		target := a.safeReturn(r.PostForm.Get("redirect_to"))
		if target == "" {
			target = a.endpoint("/authorization")
		}
		http.Redirect(w, r, target, http.StatusFound)
	case "deny":
		w.Header().Set("Cache-Control", "no-store")
		a.respond(w, r, a.Engine.Deny(ctx, authID))
	default:
		a.writeError(w, r, model.ValidationError("", "action must be approve or deny"), false)
	}
}
