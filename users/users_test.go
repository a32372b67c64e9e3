package users

import (
	"context"
	"io"
	"log/slog"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"idp/model"
	"idp/store"
)

var cheapParams = HashParams{Time: 1, Memory: 1024, Threads: 1, KeyLen: 32, SaltLen: 16}

func newTestDirectory(t *testing.T) *Directory {
	t.Helper()
	d := NewDirectory(store.NewMemoryStore(), slog.New(slog.NewTextHandler(io.Discard, nil)))
	d.SetHashParams(cheapParams)
	return d
}

func TestHashPasswordFormat(t *testing.T) {
	t.Parallel()

	hash, err := HashPassword("hunter2", cheapParams)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(hash, "$argon2id$v=19$m=1024,t=1,p=1$"), hash)

	ok, err := CheckPassword("hunter2", hash)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = CheckPassword("hunter3", hash)
	require.NoError(t, err)
	assert.False(t, ok)

	other, err := HashPassword("hunter2", cheapParams)
	require.NoError(t, err)
	assert.NotEqual(t, hash, other, "salt must differ")
}

func TestCheckPasswordRejectsMalformedHashes(t *testing.T) {
	t.Parallel()

	for _, hash := range []string{
		"",
		"plaintext",
		"$argon2i$v=19$m=1024,t=1,p=1$c2FsdA$aGFzaA",
		"$argon2id$v=18$m=1024,t=1,p=1$c2FsdA$aGFzaA",
		"$argon2id$v=19$m=1024,t=1$c2FsdA$aGFzaA",
		"$argon2id$v=19$m=1024,t=1,p=0$c2FsdA$aGFzaA",
		"$argon2id$v=19$m=1024,t=1,p=1$!!$aGFzaA",
		"$argon2id$v=19$m=1024,t=1,p=1$c2FsdA$",
	} {
		_, err := CheckPassword("x", hash)
		assert.ErrorIs(t, err, ErrInvalidHash, hash)
	}
}

func TestCreateAndAuthenticate(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	d := newTestDirectory(t)

	user, err := d.Create(ctx, "jane", "correct horse", model.Profile{Email: "jane@example.com"})
	require.NoError(t, err)
	assert.NotEmpty(t, user.ID)
	assert.NotContains(t, user.PasswordHash, "correct horse")
	assert.Equal(t, "jane", user.Profile.PreferredUsername)
	assert.False(t, user.Profile.UpdatedAt.IsZero())

	got, err := d.Authenticate(ctx, "jane", "correct horse")
	require.NoError(t, err)
	assert.Equal(t, user.ID, got.ID)

	_, err = d.Authenticate(ctx, "jane", "wrong")
	assert.ErrorIs(t, err, ErrBadCredentials)
	_, err = d.Authenticate(ctx, "nobody", "correct horse")
	assert.ErrorIs(t, err, ErrBadCredentials)

	_, err = d.Create(ctx, "jane", "another", model.Profile{})
	assert.True(t, model.IsKind(err, model.KindValidation))
}

func TestAddConsent(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	d := newTestDirectory(t)
	user, err := d.Create(ctx, "jane", "pw", model.Profile{})
	require.NoError(t, err)

	require.NoError(t, d.AddConsent(ctx, user.ID, "client-1"))
	require.NoError(t, d.AddConsent(ctx, user.ID, "client-1"))

	got, err := d.Get(ctx, user.ID)
	require.NoError(t, err)
	assert.True(t, got.HasConsented("client-1"))
	assert.Len(t, got.Consents, 1)
}
