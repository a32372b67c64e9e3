package store

import (
	"cmp"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/redis/go-redis/v9"

	"idp/model"
)

const defaultKeyPrefix = "idp:"

// RedisStore persists records in Redis. Authorizations and tokens carry a
// key TTL matching their expiry; uniqueness and the key material singleton
// use SETNX; consents are a Redis set.
type RedisStore struct {
	client    redis.UniversalClient
	keyPrefix string
	now       func() time.Time
}

// NewRedisStore connects to Redis and verifies the connection.
func NewRedisStore(ctx context.Context, cfg RedisConfig) (*RedisStore, error) {
	if cfg.Addr == "" {
		return nil, errors.New("storage.redis.addr is required")
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Username: cfg.Username,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connect redis %s: %w", cfg.Addr, err)
	}
	return NewRedisStoreWithClient(client, cfg.KeyPrefix), nil
}

// NewRedisStoreWithClient wraps an existing client.
func NewRedisStoreWithClient(client redis.UniversalClient, keyPrefix string) *RedisStore {
	if keyPrefix == "" {
		keyPrefix = defaultKeyPrefix
	}
	return &RedisStore{client: client, keyPrefix: keyPrefix, now: time.Now}
}

// Close implements Store.
func (s *RedisStore) Close() error { return s.client.Close() }

func (s *RedisStore) key(parts ...string) string {
	k := s.keyPrefix
	for i, p := range parts {
		if i > 0 {
			k += ":"
		}
		k += p
	}
	return k
}

// ttl converts an absolute expiry into a key TTL. Zero means no expiry.
func (s *RedisStore) ttl(expiresAt time.Time) (time.Duration, error) {
	if expiresAt.IsZero() {
		return 0, nil
	}
	d := expiresAt.Sub(s.now())
	if d <= 0 {
		return 0, fmt.Errorf("record expired at %s", expiresAt.Format(time.RFC3339))
	}
	return d, nil
}

func (s *RedisStore) getJSON(ctx context.Context, key string, v any) error {
	data, err := s.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("get %s: %w", key, err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("decode %s: %w", key, err)
	}
	return nil
}

// CreateAuthorization implements Authorizations.
func (s *RedisStore) CreateAuthorization(ctx context.Context, a *model.Authorization) error {
	ttl, err := s.ttl(a.ExpiresAt)
	if err != nil {
		return err
	}
	a.ID = model.NewTokenID()
	data, err := json.Marshal(a)
	if err != nil {
		return fmt.Errorf("encode authorization: %w", err)
	}
	ok, err := s.client.SetNX(ctx, s.key("authz", a.ID), data, ttl).Result()
	if err != nil {
		return fmt.Errorf("store authorization: %w", err)
	}
	if !ok {
		return ErrConflict
	}
	return nil
}

// GetAuthorization implements Authorizations.
func (s *RedisStore) GetAuthorization(ctx context.Context, id string) (*model.Authorization, error) {
	var a model.Authorization
	if err := s.getJSON(ctx, s.key("authz", id), &a); err != nil {
		return nil, err
	}
	return &a, nil
}

// UpdateAuthorization implements Authorizations.
func (s *RedisStore) UpdateAuthorization(ctx context.Context, a *model.Authorization) error {
	ttl, err := s.ttl(a.ExpiresAt)
	if err != nil {
		return err
	}
	data, err := json.Marshal(a)
	if err != nil {
		return fmt.Errorf("encode authorization: %w", err)
	}
	ok, err := s.client.SetXX(ctx, s.key("authz", a.ID), data, ttl).Result()
	if err != nil {
		return fmt.Errorf("update authorization: %w", err)
	}
	if !ok {
		return ErrNotFound
	}
	return nil
}

// DeleteAuthorization implements Authorizations.
func (s *RedisStore) DeleteAuthorization(ctx context.Context, id string) error {
	if err := s.client.Del(ctx, s.key("authz", id)).Err(); err != nil {
		return fmt.Errorf("delete authorization: %w", err)
	}
	return nil
}

// CreateToken implements Tokens.
func (s *RedisStore) CreateToken(ctx context.Context, t *model.Token) error {
	ttl, err := s.ttl(t.ExpiresAt)
	if err != nil {
		return err
	}
	t.ID = model.NewTokenID()
	data, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("encode token: %w", err)
	}

	indexKey := s.key("authz", t.AuthorizationID, "tokens")
	current, err := s.client.TTL(ctx, indexKey).Result()
	if err != nil {
		return fmt.Errorf("read token index ttl: %w", err)
	}

	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, s.key("token", t.ID), data, ttl)
		pipe.SAdd(ctx, indexKey, t.ID)
		if ttl > 0 && current < ttl {
			pipe.Expire(ctx, indexKey, ttl)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("store token: %w", err)
	}
	return nil
}

// GetToken implements Tokens.
func (s *RedisStore) GetToken(ctx context.Context, id string) (*model.Token, error) {
	var t model.Token
	if err := s.getJSON(ctx, s.key("token", id), &t); err != nil {
		return nil, err
	}
	return &t, nil
}

// DeleteToken implements Tokens.
func (s *RedisStore) DeleteToken(ctx context.Context, id string) error {
	t, err := s.GetToken(ctx, id)
	if errors.Is(err, ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, s.key("token", id))
		pipe.SRem(ctx, s.key("authz", t.AuthorizationID, "tokens"), id)
		return nil
	})
	if err != nil {
		return fmt.Errorf("delete token: %w", err)
	}
	return nil
}

// ConsumeToken implements Tokens. GETDEL hands the record to exactly one
// caller.
func (s *RedisStore) ConsumeToken(ctx context.Context, id string) (*model.Token, error) {
	raw, err := s.client.GetDel(ctx, s.key("token", id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("consume token: %w", err)
	}
	var t model.Token
	if err := json.Unmarshal(raw, &t); err != nil {
		return nil, fmt.Errorf("decode token: %w", err)
	}
	if err := s.client.SRem(ctx, s.key("authz", t.AuthorizationID, "tokens"), id).Err(); err != nil {
		return nil, fmt.Errorf("unindex token: %w", err)
	}
	return &t, nil
}

// ListTokens implements Tokens.
func (s *RedisStore) ListTokens(ctx context.Context, authorizationID string) ([]*model.Token, error) {
	indexKey := s.key("authz", authorizationID, "tokens")
	ids, err := s.client.SMembers(ctx, indexKey).Result()
	if err != nil {
		return nil, fmt.Errorf("list tokens: %w", err)
	}
	if len(ids) == 0 {
		return nil, nil
	}
	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = s.key("token", id)
	}
	values, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("load tokens: %w", err)
	}

	var out []*model.Token
	var stale []any
	for i, v := range values {
		raw, ok := v.(string)
		if !ok {
			stale = append(stale, ids[i])
			continue
		}
		var t model.Token
		if err := json.Unmarshal([]byte(raw), &t); err != nil {
			return nil, fmt.Errorf("decode token %s: %w", ids[i], err)
		}
		out = append(out, &t)
	}
	if len(stale) > 0 {
		_ = s.client.SRem(ctx, indexKey, stale...).Err()
	}
	slices.SortFunc(out, func(a, b *model.Token) int { return a.CreatedAt.Compare(b.CreatedAt) })
	return out, nil
}

// CreateClient implements Clients.
func (s *RedisStore) CreateClient(ctx context.Context, c *model.Client) error {
	c.ID = model.NewID()
	ok, err := s.client.SetNX(ctx, s.key("client", "name", c.Name), c.ID, 0).Result()
	if err != nil {
		return fmt.Errorf("reserve client name: %w", err)
	}
	if !ok {
		return ErrConflict
	}
	data, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("encode client: %w", err)
	}
	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, s.key("client", c.ID), data, 0)
		pipe.SAdd(ctx, s.key("clients"), c.ID)
		return nil
	})
	if err != nil {
		return fmt.Errorf("store client: %w", err)
	}
	return nil
}

// GetClient implements Clients.
func (s *RedisStore) GetClient(ctx context.Context, id string) (*model.Client, error) {
	var c model.Client
	if err := s.getJSON(ctx, s.key("client", id), &c); err != nil {
		return nil, err
	}
	return &c, nil
}

// GetClientByName implements Clients.
func (s *RedisStore) GetClientByName(ctx context.Context, name string) (*model.Client, error) {
	id, err := s.client.Get(ctx, s.key("client", "name", name)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("lookup client name: %w", err)
	}
	return s.GetClient(ctx, id)
}

// UpdateClient implements Clients.
func (s *RedisStore) UpdateClient(ctx context.Context, c *model.Client) error {
	cur, err := s.GetClient(ctx, c.ID)
	if err != nil {
		return err
	}
	if cur.Name != c.Name {
		ok, err := s.client.SetNX(ctx, s.key("client", "name", c.Name), c.ID, 0).Result()
		if err != nil {
			return fmt.Errorf("reserve client name: %w", err)
		}
		if !ok {
			return ErrConflict
		}
		if err := s.client.Del(ctx, s.key("client", "name", cur.Name)).Err(); err != nil {
			return fmt.Errorf("release client name: %w", err)
		}
	}
	data, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("encode client: %w", err)
	}
	if err := s.client.Set(ctx, s.key("client", c.ID), data, 0).Err(); err != nil {
		return fmt.Errorf("update client: %w", err)
	}
	return nil
}

// ListClients implements Clients.
func (s *RedisStore) ListClients(ctx context.Context) ([]*model.Client, error) {
	ids, err := s.client.SMembers(ctx, s.key("clients")).Result()
	if err != nil {
		return nil, fmt.Errorf("list clients: %w", err)
	}
	out := make([]*model.Client, 0, len(ids))
	for _, id := range ids {
		c, err := s.GetClient(ctx, id)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	slices.SortFunc(out, func(a, b *model.Client) int { return cmp.Compare(a.Name, b.Name) })
	return out, nil
}

// CreateUser implements Users.
func (s *RedisStore) CreateUser(ctx context.Context, u *model.User) error {
	u.ID = model.NewID()
	ok, err := s.client.SetNX(ctx, s.key("user", "name", u.Username), u.ID, 0).Result()
	if err != nil {
		return fmt.Errorf("reserve username: %w", err)
	}
	if !ok {
		return ErrConflict
	}
	stored := *u
	stored.Consents = nil
	data, err := json.Marshal(stored)
	if err != nil {
		return fmt.Errorf("encode user: %w", err)
	}
	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, s.key("user", u.ID), data, 0)
		if len(u.Consents) > 0 {
			members := make([]any, len(u.Consents))
			for i, c := range u.Consents {
				members[i] = c
			}
			pipe.SAdd(ctx, s.key("user", u.ID, "consents"), members...)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("store user: %w", err)
	}
	return nil
}

// GetUser implements Users.
func (s *RedisStore) GetUser(ctx context.Context, id string) (*model.User, error) {
	var u model.User
	if err := s.getJSON(ctx, s.key("user", id), &u); err != nil {
		return nil, err
	}
	consents, err := s.client.SMembers(ctx, s.key("user", id, "consents")).Result()
	if err != nil {
		return nil, fmt.Errorf("load consents: %w", err)
	}
	slices.Sort(consents)
	u.Consents = consents
	return &u, nil
}

// GetUserByUsername implements Users.
func (s *RedisStore) GetUserByUsername(ctx context.Context, username string) (*model.User, error) {
	id, err := s.client.Get(ctx, s.key("user", "name", username)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("lookup username: %w", err)
	}
	return s.GetUser(ctx, id)
}

// AddConsent implements Users.
func (s *RedisStore) AddConsent(ctx context.Context, userID, clientID string) error {
	n, err := s.client.Exists(ctx, s.key("user", userID)).Result()
	if err != nil {
		return fmt.Errorf("check user: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	if err := s.client.SAdd(ctx, s.key("user", userID, "consents"), clientID).Err(); err != nil {
		return fmt.Errorf("add consent: %w", err)
	}
	return nil
}

// GetKeyMaterial implements KeyMaterial.
func (s *RedisStore) GetKeyMaterial(ctx context.Context) ([]byte, error) {
	data, err := s.client.Get(ctx, s.key("keymaterial")).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get key material: %w", err)
	}
	return data, nil
}

// CreateKeyMaterial implements KeyMaterial.
func (s *RedisStore) CreateKeyMaterial(ctx context.Context, blob []byte) error {
	ok, err := s.client.SetNX(ctx, s.key("keymaterial"), blob, 0).Result()
	if err != nil {
		return fmt.Errorf("store key material: %w", err)
	}
	if !ok {
		return ErrConflict
	}
	return nil
}
