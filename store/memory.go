package store

import (
	"cmp"
	"context"
	"slices"
	"sync"
	"time"

	"idp/model"
)

// MemoryStore keeps every record in process memory. Expired authorizations
// and tokens are hidden on read and removed by Sweep.
type MemoryStore struct {
	mu             sync.RWMutex
	authorizations map[string]model.Authorization
	tokens         map[string]model.Token
	clients        map[string]model.Client
	users          map[string]model.User
	keyMaterial    []byte
	now            func() time.Time
}

// NewMemoryStore constructs an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		authorizations: make(map[string]model.Authorization),
		tokens:         make(map[string]model.Token),
		clients:        make(map[string]model.Client),
		users:          make(map[string]model.User),
		now:            time.Now,
	}
}

// SetClock overrides the time source used for expiry checks.
func (s *MemoryStore) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

// Close implements Store.
func (s *MemoryStore) Close() error { return nil }

// StartJanitor runs Sweep every interval until ctx is done.
func (s *MemoryStore) StartJanitor(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				s.Sweep()
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Sweep deletes expired authorizations and tokens.
func (s *MemoryStore) Sweep() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	removed := 0
	for id, a := range s.authorizations {
		if expired(a.ExpiresAt, now) {
			delete(s.authorizations, id)
			removed++
		}
	}
	for id, t := range s.tokens {
		if expired(t.ExpiresAt, now) {
			delete(s.tokens, id)
			removed++
		}
	}
	return removed
}

func expired(at, now time.Time) bool {
	return !at.IsZero() && !now.Before(at)
}

// CreateAuthorization implements Authorizations.
func (s *MemoryStore) CreateAuthorization(ctx context.Context, a *model.Authorization) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	a.ID = model.NewTokenID()
	s.authorizations[a.ID] = cloneAuthorization(*a)
	return nil
}

// GetAuthorization implements Authorizations.
func (s *MemoryStore) GetAuthorization(ctx context.Context, id string) (*model.Authorization, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.authorizations[id]
	if !ok || expired(a.ExpiresAt, s.now()) {
		return nil, ErrNotFound
	}
	out := cloneAuthorization(a)
	return &out, nil
}

// UpdateAuthorization implements Authorizations.
func (s *MemoryStore) UpdateAuthorization(ctx context.Context, a *model.Authorization) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.authorizations[a.ID]
	if !ok || expired(cur.ExpiresAt, s.now()) {
		return ErrNotFound
	}
	s.authorizations[a.ID] = cloneAuthorization(*a)
	return nil
}

// DeleteAuthorization implements Authorizations.
func (s *MemoryStore) DeleteAuthorization(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.authorizations, id)
	return nil
}

// CreateToken implements Tokens.
func (s *MemoryStore) CreateToken(ctx context.Context, t *model.Token) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t.ID = model.NewTokenID()
	s.tokens[t.ID] = cloneToken(*t)
	return nil
}

// GetToken implements Tokens.
func (s *MemoryStore) GetToken(ctx context.Context, id string) (*model.Token, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.tokens[id]
	if !ok || expired(t.ExpiresAt, s.now()) {
		return nil, ErrNotFound
	}
	out := cloneToken(t)
	return &out, nil
}

// DeleteToken implements Tokens.
func (s *MemoryStore) DeleteToken(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.tokens, id)
	return nil
}

// ConsumeToken implements Tokens.
func (s *MemoryStore) ConsumeToken(ctx context.Context, id string) (*model.Token, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tokens[id]
	if !ok {
		return nil, ErrNotFound
	}
	delete(s.tokens, id)
	if expired(t.ExpiresAt, s.now()) {
		return nil, ErrNotFound
	}
	out := cloneToken(t)
	return &out, nil
}

// ListTokens implements Tokens.
func (s *MemoryStore) ListTokens(ctx context.Context, authorizationID string) ([]*model.Token, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	now := s.now()
	var out []*model.Token
	for _, t := range s.tokens {
		if t.AuthorizationID != authorizationID || expired(t.ExpiresAt, now) {
			continue
		}
		c := cloneToken(t)
		out = append(out, &c)
	}
	slices.SortFunc(out, func(a, b *model.Token) int { return a.CreatedAt.Compare(b.CreatedAt) })
	return out, nil
}

// CreateClient implements Clients.
func (s *MemoryStore) CreateClient(ctx context.Context, c *model.Client) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.clients {
		if existing.Name == c.Name {
			return ErrConflict
		}
	}
	c.ID = model.NewID()
	s.clients[c.ID] = cloneClient(*c)
	return nil
}

// GetClient implements Clients.
func (s *MemoryStore) GetClient(ctx context.Context, id string) (*model.Client, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.clients[id]
	if !ok {
		return nil, ErrNotFound
	}
	out := cloneClient(c)
	return &out, nil
}

// GetClientByName implements Clients.
func (s *MemoryStore) GetClientByName(ctx context.Context, name string) (*model.Client, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, c := range s.clients {
		if c.Name == name {
			out := cloneClient(c)
			return &out, nil
		}
	}
	return nil, ErrNotFound
}

// UpdateClient implements Clients.
func (s *MemoryStore) UpdateClient(ctx context.Context, c *model.Client) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.clients[c.ID]
	if !ok {
		return ErrNotFound
	}
	if cur.Name != c.Name {
		for id, existing := range s.clients {
			if id != c.ID && existing.Name == c.Name {
				return ErrConflict
			}
		}
	}
	s.clients[c.ID] = cloneClient(*c)
	return nil
}

// ListClients implements Clients.
func (s *MemoryStore) ListClients(ctx context.Context) ([]*model.Client, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*model.Client, 0, len(s.clients))
	for _, c := range s.clients {
		cc := cloneClient(c)
		out = append(out, &cc)
	}
	slices.SortFunc(out, func(a, b *model.Client) int { return cmp.Compare(a.Name, b.Name) })
	return out, nil
}

// CreateUser implements Users.
func (s *MemoryStore) CreateUser(ctx context.Context, u *model.User) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.users {
		if existing.Username == u.Username {
			return ErrConflict
		}
	}
	u.ID = model.NewID()
	s.users[u.ID] = cloneUser(*u)
	return nil
}

// GetUser implements Users.
func (s *MemoryStore) GetUser(ctx context.Context, id string) (*model.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	u, ok := s.users[id]
	if !ok {
		return nil, ErrNotFound
	}
	out := cloneUser(u)
	return &out, nil
}

// GetUserByUsername implements Users.
func (s *MemoryStore) GetUserByUsername(ctx context.Context, username string) (*model.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, u := range s.users {
		if u.Username == username {
			out := cloneUser(u)
			return &out, nil
		}
	}
	return nil, ErrNotFound
}

// AddConsent implements Users.
func (s *MemoryStore) AddConsent(ctx context.Context, userID, clientID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[userID]
	if !ok {
		return ErrNotFound
	}
	if !slices.Contains(u.Consents, clientID) {
		u.Consents = append(slices.Clone(u.Consents), clientID)
		s.users[userID] = u
	}
	return nil
}

// GetKeyMaterial implements KeyMaterial.
func (s *MemoryStore) GetKeyMaterial(ctx context.Context) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.keyMaterial == nil {
		return nil, ErrNotFound
	}
	return slices.Clone(s.keyMaterial), nil
}

// CreateKeyMaterial implements KeyMaterial.
func (s *MemoryStore) CreateKeyMaterial(ctx context.Context, blob []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.keyMaterial != nil {
		return ErrConflict
	}
	s.keyMaterial = slices.Clone(blob)
	return nil
}

func cloneAuthorization(a model.Authorization) model.Authorization {
	a.Scope = slices.Clone(a.Scope)
	a.ResponseType = slices.Clone(a.ResponseType)
	return a
}

func cloneToken(t model.Token) model.Token {
	t.Scope = slices.Clone(t.Scope)
	return t
}

func cloneClient(c model.Client) model.Client {
	c.RedirectURIs = slices.Clone(c.RedirectURIs)
	return c
}

func cloneUser(u model.User) model.User {
	u.Consents = slices.Clone(u.Consents)
	if u.Profile.Address != nil {
		addr := *u.Profile.Address
		u.Profile.Address = &addr
	}
	return u
}
