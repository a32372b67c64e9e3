package server

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// Routes constructs the HTTP router with all OAuth/OIDC endpoints.
func (a *App) Routes() http.Handler {
	r := chi.NewRouter()

	r.Use(RequestIDMiddleware)
	r.Use(middleware.RealIP)
	r.Use(LoggingMiddleware(a.Logger))
	r.Use(RecoveryMiddleware(a.Logger, a.Config.Server.DevMode))
	r.Use(SecurityHeadersMiddleware(a.Config.Server.TLS.HSTSMaxAge, a.Config.Server.DevMode))
	r.Use(CORSMiddleware(a.Config.CORS, a.Config.InferCORSOrigins()))

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusNotFound, "not_found", "no such endpoint")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, "invalid_request", "method not allowed")
	})

	r.Get("/.well-known/openid-configuration", a.handleDiscovery)
	r.Get("/jwks", a.handleJWKS)
	r.Get("/healthz", a.handleHealth)

	r.Get("/authorization", a.handleAuthorization)
	r.Post("/authorization", a.handleAuthorization)

	r.Get("/login", a.handleLoginPage)
	r.Post("/login", a.handleLogin)
	r.Get("/consent", a.handleConsentPage)
	r.Post("/consent", a.handleConsent)
	r.Post("/logout", a.handleLogout)

	r.Post("/token", a.handleToken)
	r.Post("/token/introspect", a.handleIntrospect)
	r.Post("/token/revoke", a.handleRevoke)
	r.Get("/userinfo", a.handleUserInfo)
	r.Post("/userinfo", a.handleUserInfo)

	return r
}
