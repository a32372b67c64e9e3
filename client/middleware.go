package client

import (
	"context"
	"net/http"
	"slices"
	"strings"
)

type introspectionKey struct{}

// RequireToken introspects the bearer token of each request and rejects
// inactive tokens or tokens missing a required scope.
func RequireToken(rp *RelyingParty, requiredScopes ...string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			scheme, token, ok := strings.Cut(r.Header.Get("Authorization"), " ")
			if !ok || !strings.EqualFold(scheme, "Bearer") || strings.TrimSpace(token) == "" {
				w.Header().Set("WWW-Authenticate", `Bearer`)
				http.Error(w, "invalid authorization header", http.StatusUnauthorized)
				return
			}

			info, err := rp.Introspect(r.Context(), strings.TrimSpace(token))
			if err != nil {
				http.Error(w, "token introspection failed", http.StatusBadGateway)
				return
			}
			if !info.Active {
				w.Header().Set("WWW-Authenticate", `Bearer error="invalid_token"`)
				http.Error(w, "invalid token", http.StatusUnauthorized)
				return
			}
			granted := strings.Fields(info.Scope)
			for _, need := range requiredScopes {
				if !slices.Contains(granted, need) {
					w.Header().Set("WWW-Authenticate", `Bearer error="insufficient_scope"`)
					http.Error(w, "missing scope "+need, http.StatusForbidden)
					return
				}
			}

			next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), introspectionKey{}, info)))
		})
	}
}

// FromContext returns the introspection attached by RequireToken.
func FromContext(ctx context.Context) (*Introspection, bool) {
	info, ok := ctx.Value(introspectionKey{}).(*Introspection)
	return info, ok
}
