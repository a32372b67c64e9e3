// Package claims assembles OpenID Connect claim sets and signs, verifies,
// encrypts and decrypts ID tokens.
package claims

import (
	"context"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"time"

	"github.com/go-jose/go-jose/v3"
	"github.com/golang-jwt/jwt/v5"

	"idp/keys"
	"idp/model"
)

var (
	ErrMissingSubject  = errors.New("claims: subject is required")
	ErrMissingAudience = errors.New("claims: audience is required")
	ErrUnknownClient   = errors.New("claims: client not found")
)

// ClientLookup resolves clients whose secrets key symmetric algorithms.
type ClientLookup interface {
	GetClient(ctx context.Context, id string) (*model.Client, error)
}

// Config holds the values stamped into every ID token.
type Config struct {
	Issuer         string
	AccessTokenTTL time.Duration
}

// Codec turns authorization records into signed or encrypted ID tokens.
type Codec struct {
	issuer    string
	accessTTL time.Duration
	keys      *keys.Manager
	clients   ClientLookup
	logger    *slog.Logger
	now       func() time.Time
}

// NewCodec constructs a Codec.
func NewCodec(cfg Config, km *keys.Manager, clients ClientLookup, logger *slog.Logger) *Codec {
	if logger == nil {
		logger = slog.Default()
	}
	ttl := cfg.AccessTokenTTL
	if ttl <= 0 {
		ttl = model.DefaultLifetimes().AccessToken
	}
	return &Codec{
		issuer:    strings.TrimSuffix(cfg.Issuer, "/"),
		accessTTL: ttl,
		keys:      km,
		clients:   clients,
		logger:    logger,
		now:       time.Now,
	}
}

// SetClock overrides the time source.
func (c *Codec) SetClock(now func() time.Time) { c.now = now }

// Issuer returns the iss value.
func (c *Codec) Issuer() string { return c.issuer }

// Input is the material a claim set is built from.
type Input struct {
	Authorization *model.Authorization
	User          *model.User
	// Scope overrides Authorization.Scope when non-empty.
	Scope       []string
	AccessToken string
	Code        string
}

func (in Input) scope() []string {
	if len(in.Scope) > 0 {
		return in.Scope
	}
	if in.Authorization != nil {
		return in.Authorization.Scope
	}
	return nil
}

// Build assembles the ID token claims for in.
func (c *Codec) Build(in Input) (jwt.MapClaims, error) {
	if in.User == nil || in.User.ID == "" {
		return nil, ErrMissingSubject
	}
	if in.Authorization == nil || in.Authorization.ClientID == "" {
		return nil, ErrMissingAudience
	}

	now := c.now()
	out := jwt.MapClaims{}
	for k, v := range ProfileClaims(in.User.Profile, in.scope()) {
		out[k] = v
	}
	out["sub"] = in.User.ID
	out["iss"] = c.issuer
	out["aud"] = in.Authorization.ClientID
	out["iat"] = now.Unix()
	out["exp"] = now.Add(c.accessTTL).Unix()
	out["auth_time"] = in.Authorization.UpdatedAt.Unix()
	if in.Authorization.Nonce != "" {
		out["nonce"] = in.Authorization.Nonce
	}
	if in.AccessToken != "" {
		out["at_hash"] = HalfHash(in.AccessToken)
	}
	if in.Code != "" {
		out["c_hash"] = HalfHash(in.Code)
	}
	return out, nil
}

// Sign builds and signs the claims. An empty alg selects the default
// asymmetric algorithm; HS256/384/512 use the client secret.
func (c *Codec) Sign(ctx context.Context, in Input, alg string) (string, error) {
	claims, err := c.Build(in)
	if err != nil {
		return "", err
	}
	return c.SignClaims(ctx, claims, in.Authorization.ClientID, alg)
}

// SignClaims signs an arbitrary claim set on behalf of clientID.
func (c *Codec) SignClaims(ctx context.Context, claims jwt.MapClaims, clientID, alg string) (string, error) {
	if alg == "" {
		alg = c.keys.DefaultSigningAlgorithm()
	}
	method := jwt.GetSigningMethod(alg)
	if method == nil {
		return "", fmt.Errorf("unsupported signing algorithm %q", alg)
	}

	token := jwt.NewWithClaims(method, claims)
	token.Header["typ"] = "JWT"

	var key any
	if keys.SymmetricSigning(alg) {
		client, err := c.client(ctx, clientID)
		if err != nil {
			return "", err
		}
		key = []byte(client.Secret)
	} else {
		mat, err := c.keys.Get(ctx)
		if err != nil {
			return "", err
		}
		jwk, err := mat.SigningKey(alg)
		if err != nil {
			return "", err
		}
		token.Header["kid"] = jwk.KeyID
		key = jwk.Key
	}

	signed, err := token.SignedString(key)
	if err != nil {
		return "", fmt.Errorf("sign id token: %w", err)
	}
	return signed, nil
}

// Verify checks the signature and issuer of token and returns its claims.
// The key is resolved from the header algorithm: kid or algorithm lookup for
// asymmetric keys, the audience's client secret for HMAC.
func (c *Codec) Verify(ctx context.Context, token string) (jwt.MapClaims, error) {
	claims := jwt.MapClaims{}
	_, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
		alg := t.Method.Alg()
		if keys.SymmetricSigning(alg) {
			aud, err := t.Claims.GetAudience()
			if err != nil || len(aud) == 0 {
				return nil, ErrMissingAudience
			}
			client, err := c.client(ctx, aud[0])
			if err != nil {
				return nil, err
			}
			return []byte(client.Secret), nil
		}

		mat, err := c.keys.Get(ctx)
		if err != nil {
			return nil, err
		}
		var jwk jose.JSONWebKey
		if kid, _ := t.Header["kid"].(string); kid != "" {
			found, ok := mat.KeyByID(kid)
			if !ok {
				return nil, fmt.Errorf("unknown kid %q", kid)
			}
			jwk = found
		} else {
			jwk, err = mat.SigningKey(alg)
			if err != nil {
				return nil, err
			}
		}
		if jwk.Algorithm != alg || jwk.Use != "sig" {
			return nil, fmt.Errorf("key %s cannot verify %s", jwk.KeyID, alg)
		}
		return jwk.Public().Key, nil
	},
		jwt.WithValidMethods(c.verifiableAlgorithms()),
		jwt.WithIssuer(c.issuer),
		jwt.WithTimeFunc(c.now),
		jwt.WithLeeway(30*time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("verify id token: %w", err)
	}
	return claims, nil
}

func (c *Codec) verifiableAlgorithms() []string {
	algs := c.keys.SigningAlgorithms()
	for _, hs := range []string{"HS256", "HS384", "HS512"} {
		if !slices.Contains(algs, hs) {
			algs = append(algs, hs)
		}
	}
	return algs
}

// Encrypt wraps a signed token in a JWE for clientID. Asymmetric algorithms
// use the provider's encryption key; symmetric ones a key derived from the
// client secret.
func (c *Codec) Encrypt(ctx context.Context, payload, clientID, alg, enc string) (string, error) {
	if enc == "" {
		enc = string(jose.A128CBC_HS256)
	}
	recipient := jose.Recipient{Algorithm: jose.KeyAlgorithm(alg)}
	if keys.SymmetricEncryption(alg) {
		client, err := c.client(ctx, clientID)
		if err != nil {
			return "", err
		}
		key, err := symmetricKey(client.Secret, alg, enc)
		if err != nil {
			return "", err
		}
		recipient.Key = key
	} else {
		mat, err := c.keys.Get(ctx)
		if err != nil {
			return "", err
		}
		jwk, err := mat.EncryptionKey(alg)
		if err != nil {
			return "", err
		}
		recipient.Key = jwk.Public().Key
		recipient.KeyID = jwk.KeyID
	}

	opts := (&jose.EncrypterOptions{}).WithContentType("JWT").WithType("JWT")
	encrypter, err := jose.NewEncrypter(jose.ContentEncryption(enc), recipient, opts)
	if err != nil {
		return "", fmt.Errorf("init encrypter: %w", err)
	}
	obj, err := encrypter.Encrypt([]byte(payload))
	if err != nil {
		return "", fmt.Errorf("encrypt id token: %w", err)
	}
	return obj.CompactSerialize()
}

// Decrypt reverses Encrypt. clientID is only consulted for symmetric
// algorithms.
func (c *Codec) Decrypt(ctx context.Context, token, clientID string) (string, error) {
	obj, err := jose.ParseEncrypted(token)
	if err != nil {
		return "", fmt.Errorf("parse jwe: %w", err)
	}
	alg := obj.Header.Algorithm

	var key any
	if keys.SymmetricEncryption(alg) {
		client, err := c.client(ctx, clientID)
		if err != nil {
			return "", err
		}
		enc, _ := obj.Header.ExtraHeaders["enc"].(string)
		key, err = symmetricKey(client.Secret, alg, enc)
		if err != nil {
			return "", err
		}
	} else {
		mat, err := c.keys.Get(ctx)
		if err != nil {
			return "", err
		}
		jwk, ok := mat.KeyByID(obj.Header.KeyID)
		if !ok {
			jwk, err = mat.EncryptionKey(alg)
			if err != nil {
				return "", err
			}
		}
		key = jwk.Key
	}

	plaintext, err := obj.Decrypt(key)
	if err != nil {
		return "", fmt.Errorf("decrypt jwe: %w", err)
	}
	return string(plaintext), nil
}

// IDToken signs the claims with the client's preferred algorithm and
// encrypts the result when the client asked for encrypted ID tokens.
func (c *Codec) IDToken(ctx context.Context, in Input, client *model.Client) (string, error) {
	signed, err := c.Sign(ctx, in, client.IDTokenSigningAlg)
	if err != nil {
		return "", err
	}
	if client.IDTokenEncryptionAlg == "" {
		return signed, nil
	}
	return c.Encrypt(ctx, signed, client.ID, client.IDTokenEncryptionAlg, client.IDTokenEncryptionEnc)
}

// UserInfo returns the claims served from the userinfo endpoint.
func (c *Codec) UserInfo(user *model.User, scope []string) map[string]any {
	out := ProfileClaims(user.Profile, scope)
	out["sub"] = user.ID
	return out
}

func (c *Codec) client(ctx context.Context, id string) (*model.Client, error) {
	if id == "" || c.clients == nil {
		return nil, ErrUnknownClient
	}
	client, err := c.clients.GetClient(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrUnknownClient, id)
	}
	return client, nil
}

// HalfHash returns the base64url encoded left half of SHA-256(value), as
// used for at_hash and c_hash.
func HalfHash(value string) string {
	sum := sha256.Sum256([]byte(value))
	return base64.RawURLEncoding.EncodeToString(sum[:len(sum)/2])
}

// symmetricKey derives the JWE key for a client secret: the left-most bits
// of a SHA-2 digest sized for the key wrap or content encryption algorithm.
func symmetricKey(secret, alg, enc string) ([]byte, error) {
	if secret == "" {
		return nil, errors.New("client has no secret")
	}
	var n int
	switch jose.KeyAlgorithm(alg) {
	case jose.A128KW, jose.A128GCMKW:
		n = 16
	case jose.A192KW, jose.A192GCMKW:
		n = 24
	case jose.A256KW, jose.A256GCMKW:
		n = 32
	case jose.DIRECT:
		switch jose.ContentEncryption(enc) {
		case jose.A128GCM:
			n = 16
		case jose.A192GCM:
			n = 24
		case jose.A256GCM, jose.A128CBC_HS256:
			n = 32
		case jose.A192CBC_HS384:
			n = 48
		case jose.A256CBC_HS512:
			n = 64
		default:
			return nil, fmt.Errorf("unsupported content encryption %q", enc)
		}
	default:
		return nil, fmt.Errorf("unsupported symmetric algorithm %q", alg)
	}

	var digest []byte
	switch {
	case n <= sha256.Size:
		sum := sha256.Sum256([]byte(secret))
		digest = sum[:]
	case n <= sha512.Size384:
		sum := sha512.Sum384([]byte(secret))
		digest = sum[:]
	default:
		sum := sha512.Sum512([]byte(secret))
		digest = sum[:]
	}
	return digest[:n], nil
}
