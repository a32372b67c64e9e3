// Package clients registers relying parties and authenticates them.
package clients

import (
	"context"
	"crypto/subtle"
	"errors"
	"log/slog"
	"net"
	"net/url"
	"strings"
	"time"

	"idp/model"
	"idp/store"
)

// Registry manages client registrations on top of the store.
type Registry struct {
	store   store.Clients
	devMode bool
	logger  *slog.Logger
	now     func() time.Time
}

// NewRegistry builds a Registry. In dev mode loopback http redirect URIs are
// accepted alongside https.
func NewRegistry(st store.Clients, devMode bool, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{store: st, devMode: devMode, logger: logger, now: time.Now}
}

// Registration describes a new client.
type Registration struct {
	Name                 string
	RedirectURIs         []string
	OwnerID              string
	IDTokenSigningAlg    string
	IDTokenEncryptionAlg string
	IDTokenEncryptionEnc string
}

// Register validates r and stores a new active client with a generated id
// and secret. The returned client carries the plaintext secret.
func (r *Registry) Register(ctx context.Context, reg Registration) (*model.Client, error) {
	name := strings.TrimSpace(reg.Name)
	if name == "" {
		return nil, model.ValidationError("", "client name is required")
	}
	if err := r.ValidateRedirectURIs(reg.RedirectURIs); err != nil {
		return nil, err
	}
	if reg.IDTokenEncryptionEnc != "" && reg.IDTokenEncryptionAlg == "" {
		return nil, model.ValidationError("", "id_token_encrypted_response_enc requires an algorithm")
	}

	client := &model.Client{
		Secret:               model.NewSecret(),
		Name:                 name,
		RedirectURIs:         append([]string(nil), reg.RedirectURIs...),
		OwnerID:              reg.OwnerID,
		Active:               true,
		CreatedAt:            r.now().UTC(),
		IDTokenSigningAlg:    reg.IDTokenSigningAlg,
		IDTokenEncryptionAlg: reg.IDTokenEncryptionAlg,
		IDTokenEncryptionEnc: reg.IDTokenEncryptionEnc,
	}
	if err := r.store.CreateClient(ctx, client); err != nil {
		if errors.Is(err, store.ErrConflict) {
			return nil, model.ValidationError("", "client name %q is already taken", name)
		}
		return nil, model.InternalError(err, "create client")
	}

	r.logger.Info("client registered", "client_id", client.ID, "name", client.Name)
	return client, nil
}

// Get returns an active client.
func (r *Registry) Get(ctx context.Context, id string) (*model.Client, error) {
	client, err := r.GetClient(ctx, id)
	if err != nil {
		return nil, err
	}
	if !client.Active {
		return nil, model.ValidationError(model.CodeUnauthorizedClient, "client %s is disabled", id)
	}
	return client, nil
}

// GetClient returns a client regardless of its status.
func (r *Registry) GetClient(ctx context.Context, id string) (*model.Client, error) {
	if id == "" {
		return nil, model.ValidationError("", "client_id is required")
	}
	client, err := r.store.GetClient(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return nil, model.ValidationError("", "unknown client %s", id)
	}
	if err != nil {
		return nil, model.InternalError(err, "load client")
	}
	return client, nil
}

// FindByName returns the client registered as name.
func (r *Registry) FindByName(ctx context.Context, name string) (*model.Client, error) {
	client, err := r.store.GetClientByName(ctx, name)
	if err != nil {
		return nil, err
	}
	return client, nil
}

// Authenticate validates client credentials. Unknown clients, disabled
// clients and wrong secrets are indistinguishable to the caller.
func (r *Registry) Authenticate(ctx context.Context, id, secret string) (*model.Client, error) {
	if id == "" || secret == "" {
		return nil, model.InvalidClient("client authentication required")
	}
	client, err := r.store.GetClient(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return nil, model.InvalidClient("client authentication failed")
	}
	if err != nil {
		return nil, model.InternalError(err, "load client")
	}
	if subtle.ConstantTimeCompare([]byte(secret), []byte(client.Secret)) != 1 || !client.Active {
		r.logger.Warn("client authentication failed", "client_id", id)
		return nil, model.InvalidClient("client authentication failed")
	}
	return client, nil
}

// RotateSecret replaces the client's secret and returns the updated client.
func (r *Registry) RotateSecret(ctx context.Context, id string) (*model.Client, error) {
	client, err := r.GetClient(ctx, id)
	if err != nil {
		return nil, err
	}
	client.Secret = model.NewSecret()
	if err := r.store.UpdateClient(ctx, client); err != nil {
		return nil, model.InternalError(err, "update client")
	}
	r.logger.Info("client secret rotated", "client_id", client.ID)
	return client, nil
}

// SetActive enables or disables a client.
func (r *Registry) SetActive(ctx context.Context, id string, active bool) error {
	client, err := r.GetClient(ctx, id)
	if err != nil {
		return err
	}
	client.Active = active
	if err := r.store.UpdateClient(ctx, client); err != nil {
		return model.InternalError(err, "update client")
	}
	r.logger.Info("client status changed", "client_id", id, "active", active)
	return nil
}

// List returns every registered client.
func (r *Registry) List(ctx context.Context) ([]*model.Client, error) {
	return r.store.ListClients(ctx)
}

// ValidateRedirectURIs checks that uris is non-empty and every entry is an
// absolute https URI without a fragment.
func (r *Registry) ValidateRedirectURIs(uris []string) error {
	if len(uris) == 0 {
		return model.ValidationError("", "at least one redirect URI is required")
	}
	for _, uri := range uris {
		if err := r.validateRedirectURI(uri); err != nil {
			return err
		}
	}
	return nil
}

func (r *Registry) validateRedirectURI(uri string) error {
	if !isSafeRedirectURI(uri) {
		return model.ValidationError("", "redirect URI %q is not allowed", uri)
	}
	u, err := url.Parse(uri)
	if err != nil || u.Host == "" {
		return model.ValidationError("", "redirect URI %q is not absolute", uri)
	}
	if u.Fragment != "" {
		return model.ValidationError("", "redirect URI %q must not contain a fragment", uri)
	}
	switch {
	case u.Scheme == "https":
		return nil
	case u.Scheme == "http" && r.devMode && isLoopback(u.Hostname()):
		return nil
	}
	return model.ValidationError("", "redirect URI %q must use https", uri)
}

func isLoopback(host string) bool {
	if host == "localhost" {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

// isSafeRedirectURI rejects URIs that browsers may interpret as a different
// origin than the one registered.
func isSafeRedirectURI(uri string) bool {
	if uri == "" || strings.HasPrefix(uri, "//") {
		return false
	}

	lower := strings.ToLower(uri)
	for _, scheme := range []string{"javascript:", "data:", "file:", "vbscript:", "about:"} {
		if strings.HasPrefix(lower, scheme) {
			return false
		}
	}

	idx := strings.Index(uri, "://")
	if idx == -1 {
		return false
	}
	rest := uri[idx+3:]

	// userinfo tricks such as https://trusted@evil.example
	if strings.Contains(rest, "@") {
		return false
	}
	host := rest
	if slash := strings.Index(rest, "/"); slash != -1 {
		host = rest[:slash]
	}
	return !strings.Contains(host, "#") && !strings.Contains(host, "\\")
}
