// Package server exposes the identity provider over HTTP: configuration,
// routing, cookies, the login and consent pages and the OAuth endpoints.
package server

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"idp/authz"
	"idp/claims"
	"idp/clients"
	"idp/keys"
	"idp/store"
	"idp/tokens"
	"idp/users"
)

// App bundles runtime dependencies for the HTTP service.
type App struct {
	Config  Config
	Logger  *slog.Logger
	Store   store.Store
	Keys    *keys.Manager
	Clients *clients.Registry
	Users   *users.Directory
	Codec   *claims.Codec
	Tokens  *tokens.Service
	Engine  *authz.Engine
	Cookies *CookieJar
}

// NewApp wires together the application state from configuration. Key
// material is loaded (or generated) eagerly so a bad master secret fails
// startup, and the configured users and clients are bootstrapped.
func NewApp(ctx context.Context, cfg Config, logger *slog.Logger) (*App, error) {
	if logger == nil {
		logger = slog.Default()
	}

	st, err := store.Open(ctx, cfg.Storage, logger)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}

	km, err := keys.NewManager(cfg.Keys, st, logger)
	if err != nil {
		_ = st.Close()
		return nil, err
	}
	if _, err := km.Get(ctx); err != nil {
		_ = st.Close()
		return nil, fmt.Errorf("load key material: %w", err)
	}

	issuer := cfg.Issuer()
	registry := clients.NewRegistry(st, cfg.Server.DevMode, logger)
	directory := users.NewDirectory(st, logger)
	codec := claims.NewCodec(claims.Config{Issuer: issuer, AccessTokenTTL: cfg.Tokens.AccessTokenTTL}, km, registry, logger)
	tokenService := tokens.NewService(st, registry, directory, codec, cfg.Tokens.Lifetimes(), logger)
	engine := authz.NewEngine(authz.Config{}, st, registry, directory, tokenService, codec, logger)

	app := &App{
		Config:  cfg,
		Logger:  logger,
		Store:   st,
		Keys:    km,
		Clients: registry,
		Users:   directory,
		Codec:   codec,
		Tokens:  tokenService,
		Engine:  engine,
		Cookies: NewCookieJar(cfg, km, logger),
	}

	if err := app.Bootstrap(ctx); err != nil {
		_ = st.Close()
		return nil, err
	}
	return app, nil
}

// Close releases the store.
func (a *App) Close() error {
	return a.Store.Close()
}

func (a *App) endpoint(path string) string {
	return strings.TrimSuffix(a.Config.Issuer(), "/") + path
}
