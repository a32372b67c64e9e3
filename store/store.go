// Package store persists authorization records, tokens, clients, users and
// the sealed key material.
package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"idp/model"
)

var (
	// ErrNotFound is returned when a record is absent or expired.
	ErrNotFound = errors.New("store: not found")
	// ErrConflict is returned when a uniqueness constraint is violated.
	ErrConflict = errors.New("store: already exists")
)

// Authorizations persists Authorization records with TTL expiry.
type Authorizations interface {
	// CreateAuthorization assigns a fresh id, overwriting any id set by the caller.
	CreateAuthorization(ctx context.Context, a *model.Authorization) error
	GetAuthorization(ctx context.Context, id string) (*model.Authorization, error)
	UpdateAuthorization(ctx context.Context, a *model.Authorization) error
	DeleteAuthorization(ctx context.Context, id string) error
}

// Tokens persists codes, access tokens and refresh tokens with TTL expiry.
type Tokens interface {
	// CreateToken assigns a fresh id, overwriting any id set by the caller.
	CreateToken(ctx context.Context, t *model.Token) error
	GetToken(ctx context.Context, id string) (*model.Token, error)
	// DeleteToken is a no-op for unknown ids.
	DeleteToken(ctx context.Context, id string) error
	// ConsumeToken removes the token and returns it. Of concurrent callers
	// only one receives the token; the others get ErrNotFound.
	ConsumeToken(ctx context.Context, id string) (*model.Token, error)
	ListTokens(ctx context.Context, authorizationID string) ([]*model.Token, error)
}

// Clients persists registered clients. Names are unique.
type Clients interface {
	CreateClient(ctx context.Context, c *model.Client) error
	GetClient(ctx context.Context, id string) (*model.Client, error)
	GetClientByName(ctx context.Context, name string) (*model.Client, error)
	UpdateClient(ctx context.Context, c *model.Client) error
	ListClients(ctx context.Context) ([]*model.Client, error)
}

// Users persists resource owners. Usernames are unique.
type Users interface {
	CreateUser(ctx context.Context, u *model.User) error
	GetUser(ctx context.Context, id string) (*model.User, error)
	GetUserByUsername(ctx context.Context, username string) (*model.User, error)
	// AddConsent atomically adds clientID to the user's consent set.
	AddConsent(ctx context.Context, userID, clientID string) error
}

// KeyMaterial persists the singleton sealed key blob.
type KeyMaterial interface {
	GetKeyMaterial(ctx context.Context) ([]byte, error)
	// CreateKeyMaterial stores blob only if no record exists yet, returning
	// ErrConflict otherwise.
	CreateKeyMaterial(ctx context.Context, blob []byte) error
}

// Store bundles every persistence concern.
type Store interface {
	Authorizations
	Tokens
	Clients
	Users
	KeyMaterial
	Close() error
}

// Config selects and configures a backend.
type Config struct {
	Driver string      `yaml:"driver"`
	Redis  RedisConfig `yaml:"redis"`
}

// RedisConfig configures the Redis backend.
type RedisConfig struct {
	Addr      string `yaml:"addr"`
	Username  string `yaml:"username"`
	Password  string `yaml:"password"`
	DB        int    `yaml:"db"`
	KeyPrefix string `yaml:"key_prefix"`
}

const (
	DriverMemory = "memory"
	DriverRedis  = "redis"
)

// Open builds the backend named by cfg.Driver.
func Open(ctx context.Context, cfg Config, logger *slog.Logger) (Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	switch cfg.Driver {
	case "", DriverMemory:
		logger.Info("store opened", "driver", DriverMemory)
		return NewMemoryStore(), nil
	case DriverRedis:
		s, err := NewRedisStore(ctx, cfg.Redis)
		if err != nil {
			return nil, err
		}
		logger.Info("store opened", "driver", DriverRedis, "addr", cfg.Redis.Addr)
		return s, nil
	default:
		return nil, fmt.Errorf("unknown storage driver %q", cfg.Driver)
	}
}
