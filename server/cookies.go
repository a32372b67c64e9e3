package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"idp/keys"
)

// Cookie names.
const (
	AuthorizationCookie = "authorization"
	UserCookie          = "user"
)

var errNoCookieSecret = errors.New("no cookie secret configured")

// CookieJar issues and reads the signed authorization and user cookies.
// Values are HS256 JWTs keyed by the first cookie secret; any configured
// secret is accepted on read so secrets can be rotated.
type CookieJar struct {
	keys         *keys.Manager
	logger       *slog.Logger
	authTTL      time.Duration
	userTTL      time.Duration
	rememberTTL  time.Duration
	secure       bool
	cookieDomain string
	now          func() time.Time
}

// NewCookieJar constructs a cookie jar honouring config. Cookies are
// SameSite=Lax because relying parties start flows with cross-site
// top-level navigations.
func NewCookieJar(cfg Config, km *keys.Manager, logger *slog.Logger) *CookieJar {
	if logger == nil {
		logger = slog.Default()
	}
	return &CookieJar{
		keys:         km,
		logger:       logger,
		authTTL:      cfg.Sessions.AuthorizationTTL,
		userTTL:      cfg.Sessions.UserTTL,
		rememberTTL:  cfg.Sessions.RememberTTL,
		secure:       !cfg.Server.DevMode,
		cookieDomain: cfg.Server.CookieDomain,
		now:          time.Now,
	}
}

// SetClock overrides the time source.
func (j *CookieJar) SetClock(now func() time.Time) { j.now = now }

// SetAuthorization stores the in-progress authorization id.
func (j *CookieJar) SetAuthorization(ctx context.Context, w http.ResponseWriter, authID string) error {
	return j.set(ctx, w, AuthorizationCookie, authID, j.authTTL)
}

// Authorization returns the in-progress authorization id, or "".
func (j *CookieJar) Authorization(r *http.Request) string {
	return j.get(r, AuthorizationCookie)
}

// ClearAuthorization removes the authorization cookie.
func (j *CookieJar) ClearAuthorization(w http.ResponseWriter) {
	j.clear(w, AuthorizationCookie)
}

// SetUser stores the authenticated user id. Remembered logins outlive the
// browser session.
func (j *CookieJar) SetUser(ctx context.Context, w http.ResponseWriter, userID string, remember bool) error {
	ttl := j.userTTL
	if remember {
		ttl = j.rememberTTL
	}
	return j.set(ctx, w, UserCookie, userID, ttl)
}

// User returns the authenticated user id, or "".
func (j *CookieJar) User(r *http.Request) string {
	return j.get(r, UserCookie)
}

// ClearUser removes the user cookie.
func (j *CookieJar) ClearUser(w http.ResponseWriter) {
	j.clear(w, UserCookie)
}

func (j *CookieJar) set(ctx context.Context, w http.ResponseWriter, name, value string, ttl time.Duration) error {
	secrets, err := j.secrets(ctx)
	if err != nil {
		return err
	}
	now := j.now()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject:   value,
		Audience:  jwt.ClaimStrings{name},
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
	})
	signed, err := token.SignedString(secrets[0])
	if err != nil {
		return fmt.Errorf("sign %s cookie: %w", name, err)
	}
	http.SetCookie(w, &http.Cookie{
		Name:     name,
		Value:    signed,
		Path:     "/",
		Domain:   j.cookieDomain,
		HttpOnly: true,
		Secure:   j.secure,
		SameSite: http.SameSiteLaxMode,
		MaxAge:   int(ttl.Seconds()),
	})
	return nil
}

func (j *CookieJar) get(r *http.Request, name string) string {
	cookie, err := r.Cookie(name)
	if err != nil || cookie.Value == "" {
		return ""
	}
	secrets, err := j.secrets(r.Context())
	if err != nil {
		j.logger.Error("cookie secrets unavailable", "error", err)
		return ""
	}
	for _, secret := range secrets {
		secret := secret
		var claims jwt.RegisteredClaims
		_, err := jwt.ParseWithClaims(cookie.Value, &claims,
			func(*jwt.Token) (any, error) { return secret, nil },
			jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
			jwt.WithAudience(name),
			jwt.WithExpirationRequired(),
			jwt.WithTimeFunc(j.now),
		)
		if err == nil {
			return claims.Subject
		}
		if !errors.Is(err, jwt.ErrTokenSignatureInvalid) {
			break
		}
	}
	j.logger.Debug("cookie rejected", "cookie", name)
	return ""
}

func (j *CookieJar) clear(w http.ResponseWriter, name string) {
	http.SetCookie(w, &http.Cookie{
		Name:     name,
		Value:    "",
		Path:     "/",
		Domain:   j.cookieDomain,
		HttpOnly: true,
		Secure:   j.secure,
		SameSite: http.SameSiteLaxMode,
		MaxAge:   -1,
	})
}

func (j *CookieJar) secrets(ctx context.Context) ([][]byte, error) {
	mat, err := j.keys.Get(ctx)
	if err != nil {
		return nil, err
	}
	secrets := mat.CookieSecrets()
	if len(secrets) == 0 {
		return nil, errNoCookieSecret
	}
	return secrets, nil
}
