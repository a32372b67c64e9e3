package server

import (
	"net/http"
	"slices"

	"github.com/go-jose/go-jose/v3"

	"idp/authz"
	"idp/claims"
	"idp/pkce"
)

// DiscoveryDocument is the OpenID Provider metadata document.
type DiscoveryDocument map[string]any

// clientKeyedEncryption lists the ID token key management algorithms keyed
// by the client secret, alongside the provider's own encryption keys.
var clientKeyedEncryption = []string{
	string(jose.A128KW), string(jose.A192KW), string(jose.A256KW),
	string(jose.A128GCMKW), string(jose.A192GCMKW), string(jose.A256GCMKW),
	string(jose.DIRECT),
}

var contentEncryption = []string{
	string(jose.A128CBC_HS256), string(jose.A192CBC_HS384), string(jose.A256CBC_HS512),
	string(jose.A128GCM), string(jose.A192GCM), string(jose.A256GCM),
}

// BuildDiscoveryDocument constructs the OIDC discovery document.
func (a *App) BuildDiscoveryDocument() DiscoveryDocument {
	signing := a.Keys.SigningAlgorithms()
	for _, alg := range []jose.SignatureAlgorithm{jose.HS256, jose.HS384, jose.HS512} {
		if !slices.Contains(signing, string(alg)) {
			signing = append(signing, string(alg))
		}
	}
	encryption := a.Keys.EncryptionAlgorithms()
	for _, alg := range clientKeyedEncryption {
		if !slices.Contains(encryption, alg) {
			encryption = append(encryption, alg)
		}
	}

	return DiscoveryDocument{
		"issuer":                                        a.Config.Issuer(),
		"authorization_endpoint":                        a.endpoint("/authorization"),
		"token_endpoint":                                a.endpoint("/token"),
		"userinfo_endpoint":                             a.endpoint("/userinfo"),
		"jwks_uri":                                      a.endpoint("/jwks"),
		"introspection_endpoint":                        a.endpoint("/token/introspect"),
		"revocation_endpoint":                           a.endpoint("/token/revoke"),
		"response_types_supported":                      authz.SupportedResponseTypes(),
		"response_modes_supported":                      []string{authz.ModeQuery, authz.ModeFragment, authz.ModeFormPost},
		"grant_types_supported":                         []string{"authorization_code", "implicit", "refresh_token"},
		"subject_types_supported":                       []string{"public"},
		"id_token_signing_alg_values_supported":         signing,
		"id_token_encryption_alg_values_supported":      encryption,
		"id_token_encryption_enc_values_supported":      contentEncryption,
		"scopes_supported":                              claims.SupportedScopes(),
		"claims_supported":                              claims.SupportedClaims(),
		"code_challenge_methods_supported":              []string{pkce.MethodPlain, pkce.MethodS256},
		"token_endpoint_auth_methods_supported":         []string{"client_secret_basic", "client_secret_post", "none"},
		"introspection_endpoint_auth_methods_supported": []string{"client_secret_basic", "client_secret_post"},
		"revocation_endpoint_auth_methods_supported":    []string{"client_secret_basic", "client_secret_post"},
		"prompt_values_supported":                       []string{"none", "login", "consent"},
		"request_parameter_supported":                   false,
	}
}

func (a *App) handleDiscovery(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, a.BuildDiscoveryDocument())
}

func (a *App) handleJWKS(w http.ResponseWriter, r *http.Request) {
	mat, err := a.Keys.Get(r.Context())
	if err != nil {
		a.writeError(w, r, err, false)
		return
	}
	writeJSON(w, http.StatusOK, mat.PublicJWKS())
}

func (a *App) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
