// Package users manages resource owners: registration, password
// authentication and the per-user consent set.
package users

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"idp/model"
	"idp/store"
)

// ErrBadCredentials is returned by Authenticate for unknown users and wrong
// passwords alike.
var ErrBadCredentials = errors.New("users: invalid username or password")

// Directory is the user registry.
type Directory struct {
	store  store.Users
	params HashParams
	logger *slog.Logger
	now    func() time.Time
}

// NewDirectory builds a Directory hashing with DefaultHashParams.
func NewDirectory(st store.Users, logger *slog.Logger) *Directory {
	if logger == nil {
		logger = slog.Default()
	}
	return &Directory{store: st, params: DefaultHashParams, logger: logger, now: time.Now}
}

// SetHashParams overrides the argon2id cost used for new passwords.
func (d *Directory) SetHashParams(p HashParams) { d.params = p }

// Create registers a user. Usernames are unique.
func (d *Directory) Create(ctx context.Context, username, password string, profile model.Profile) (*model.User, error) {
	username = strings.TrimSpace(username)
	if username == "" {
		return nil, model.ValidationError("", "username is required")
	}
	if password == "" {
		return nil, model.ValidationError("", "password is required")
	}
	hash, err := HashPassword(password, d.params)
	if err != nil {
		return nil, model.InternalError(err, "hash password")
	}

	now := d.now().UTC()
	if profile.UpdatedAt.IsZero() {
		profile.UpdatedAt = now
	}
	if profile.PreferredUsername == "" {
		profile.PreferredUsername = username
	}
	user := &model.User{
		Username:     username,
		PasswordHash: hash,
		Profile:      profile,
		CreatedAt:    now,
	}
	if err := d.store.CreateUser(ctx, user); err != nil {
		if errors.Is(err, store.ErrConflict) {
			return nil, model.ValidationError("", "username %q is already taken", username)
		}
		return nil, model.InternalError(err, "create user")
	}
	d.logger.Info("user created", "user_id", user.ID, "username", username)
	return user, nil
}

// Authenticate checks a username and password.
func (d *Directory) Authenticate(ctx context.Context, username, password string) (*model.User, error) {
	user, err := d.store.GetUserByUsername(ctx, strings.TrimSpace(username))
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrBadCredentials
	}
	if err != nil {
		return nil, model.InternalError(err, "load user")
	}
	ok, err := CheckPassword(password, user.PasswordHash)
	if err != nil {
		d.logger.Error("stored password hash unreadable", "user_id", user.ID, "error", err)
		return nil, ErrBadCredentials
	}
	if !ok {
		return nil, ErrBadCredentials
	}
	return user, nil
}

// Get loads a user by id.
func (d *Directory) Get(ctx context.Context, id string) (*model.User, error) {
	user, err := d.store.GetUser(ctx, id)
	if err != nil {
		return nil, err
	}
	return user, nil
}

// FindByUsername loads a user by username.
func (d *Directory) FindByUsername(ctx context.Context, username string) (*model.User, error) {
	return d.store.GetUserByUsername(ctx, username)
}

// AddConsent records that the user approved clientID.
func (d *Directory) AddConsent(ctx context.Context, userID, clientID string) error {
	if err := d.store.AddConsent(ctx, userID, clientID); err != nil {
		return err
	}
	d.logger.Info("consent granted", "user_id", userID, "client_id", clientID)
	return nil
}
