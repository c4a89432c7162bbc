package tokens

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

type memoryEntry struct {
	mu  sync.Mutex
	inv Invitation
}

type pendingKey struct {
	email  string
	action Action
}

// MemoryStore keeps invitations in process. Each record carries its own mutex so
// redemption of one token never waits on another.
type MemoryStore struct {
	mu      sync.RWMutex
	byToken map[string]*memoryEntry
	latest  map[pendingKey]*memoryEntry
	now     func() time.Time
	cost    int
}

// MemoryOption configures a MemoryStore.
type MemoryOption func(*MemoryStore)

// WithClock overrides the store clock.
func WithClock(now func() time.Time) MemoryOption {
	return func(s *MemoryStore) { s.now = now }
}

// WithCost sets the bcrypt cost for temporary passwords.
func WithCost(cost int) MemoryOption {
	return func(s *MemoryStore) { s.cost = cost }
}

// NewMemoryStore returns an empty in-memory Store.
func NewMemoryStore(opts ...MemoryOption) *MemoryStore {
	s := &MemoryStore{
		byToken: make(map[string]*memoryEntry),
		latest:  make(map[pendingKey]*memoryEntry),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *MemoryStore) Create(ctx context.Context, p CreateParams) (Invitation, string, error) {
	if err := ctx.Err(); err != nil {
		return Invitation{}, "", err
	}
	p, err := validateCreate(p)
	if err != nil {
		return Invitation{}, "", err
	}

	token, err := NewToken()
	if err != nil {
		return Invitation{}, "", err
	}
	password, err := NewTemporaryPassword()
	if err != nil {
		return Invitation{}, "", err
	}
	hash, err := HashPassword(password, s.cost)
	if err != nil {
		return Invitation{}, "", err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now().UTC()
	key := pendingKey{email: p.Email, action: p.Action}
	if prev, ok := s.latest[key]; ok {
		prev.mu.Lock()
		if prev.inv.Status == StatusPending {
			if !now.After(prev.inv.ExpiresAt) {
				prev.mu.Unlock()
				return Invitation{}, "", ErrConflict
			}
			prev.inv.Status = StatusExpired
			prev.inv.UpdatedAt = now
		}
		prev.mu.Unlock()
	}

	inv := Invitation{
		ID:                    uuid.New(),
		Email:                 p.Email,
		Action:                p.Action,
		Token:                 token,
		TemporaryPasswordHash: hash,
		DisplayName:           p.DisplayName,
		Phone:                 p.Phone,
		Status:                StatusPending,
		IssuedAt:              now,
		ExpiresAt:             now.Add(p.TTL),
		UpdatedAt:             now,
	}
	entry := &memoryEntry{inv: inv}
	s.byToken[token] = entry
	s.latest[key] = entry
	return inv, password, nil
}

func (s *MemoryStore) entry(token string) (*memoryEntry, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.byToken[token]
	return e, ok
}

func (s *MemoryStore) Redeem(ctx context.Context, token string) (Invitation, error) {
	if err := ctx.Err(); err != nil {
		return Invitation{}, err
	}
	e, ok := s.entry(token)
	if !ok {
		return Invitation{}, ErrNotFound
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	now := s.now().UTC()
	switch {
	case e.inv.Status == StatusExpired:
		return Invitation{}, ErrExpired
	case e.inv.Status != StatusPending:
		return Invitation{}, ErrAlreadyConsumed
	case now.After(e.inv.ExpiresAt):
		e.inv.Status = StatusExpired
		e.inv.UpdatedAt = now
		return Invitation{}, ErrExpired
	}
	e.inv.Status = StatusConsumed
	e.inv.UpdatedAt = now
	return e.inv, nil
}

func (s *MemoryStore) Revoke(ctx context.Context, email string, action Action) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.RLock()
	e, ok := s.latest[pendingKey{email: NormalizeEmail(email), action: action}]
	s.mu.RUnlock()
	if !ok {
		return nil
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.inv.Status == StatusPending {
		e.inv.Status = StatusRevoked
		e.inv.UpdatedAt = s.now().UTC()
	}
	return nil
}

func (s *MemoryStore) Lookup(ctx context.Context, email string, action Action) (Invitation, error) {
	if err := ctx.Err(); err != nil {
		return Invitation{}, err
	}
	s.mu.RLock()
	e, ok := s.latest[pendingKey{email: NormalizeEmail(email), action: action}]
	s.mu.RUnlock()
	if !ok {
		return Invitation{}, ErrNotFound
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.inv, nil
}

func (s *MemoryStore) Peek(ctx context.Context, token string) (Invitation, error) {
	if err := ctx.Err(); err != nil {
		return Invitation{}, err
	}
	e, ok := s.entry(token)
	if !ok {
		return Invitation{}, ErrNotFound
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.inv, nil
}

func (s *MemoryStore) Terminal(ctx context.Context, before time.Time, limit int) ([]Invitation, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	var out []Invitation
	for _, e := range s.byToken {
		e.mu.Lock()
		if e.inv.Status.Terminal() && e.inv.UpdatedAt.Before(before) {
			out = append(out, e.inv)
		}
		e.mu.Unlock()
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.Before(out[j].UpdatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) Purge(ctx context.Context, ids []uuid.UUID) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	want := make(map[uuid.UUID]struct{}, len(ids))
	for _, id := range ids {
		want[id] = struct{}{}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for token, e := range s.byToken {
		if _, ok := want[e.inv.ID]; !ok {
			continue
		}
		delete(s.byToken, token)
		key := pendingKey{email: e.inv.Email, action: e.inv.Action}
		if s.latest[key] == e {
			delete(s.latest, key)
		}
		n++
	}
	return n, nil
}
