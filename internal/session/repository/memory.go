package repository

import (
	"context"
	"errors"
	"sort"
	"sync"

	"beamline-control-plane/backend/internal/session/domain"
)

// MemoryStore keeps records in process memory. Used when no database is configured and
// in tests.
type MemoryStore struct {
	mu    sync.Mutex
	users map[string]*domain.Session
	roles map[string]bool
	// FailNext makes the next WithinTx call fail with this error before committing.
	FailNext error
}

// NewMemoryStore returns an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{users: make(map[string]*domain.Session), roles: make(map[string]bool)}
}

// WithinTx applies fn to a copy of the data and keeps the copy only when fn succeeds.
func (m *MemoryStore) WithinTx(ctx context.Context, fn func(Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	tx := &memTx{users: make(map[string]*domain.Session, len(m.users)), roles: make(map[string]bool, len(m.roles))}
	for k, s := range m.users {
		tx.users[k] = s.Clone()
	}
	for k := range m.roles {
		tx.roles[k] = true
	}
	if err := fn(tx); err != nil {
		return err
	}
	if m.FailNext != nil {
		err := m.FailNext
		m.FailNext = nil
		return err
	}
	if err := tx.checkSingleOperator(); err != nil {
		return err
	}
	m.users, m.roles = tx.users, tx.roles
	return nil
}

// LoadAll returns copies of all records ordered by creation time.
func (m *MemoryStore) LoadAll(ctx context.Context) ([]*domain.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*domain.Session, 0, len(m.users))
	for _, s := range m.users {
		out = append(out, s.Clone())
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

// HasRole reports whether the role was created.
func (m *MemoryStore) HasRole(name string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.roles[name]
}

type memTx struct {
	users map[string]*domain.Session
	roles map[string]bool
}

func (t *memTx) FindByUsername(_ context.Context, username string) (*domain.Session, error) {
	s, ok := t.users[username]
	if !ok {
		return nil, nil
	}
	return s.Clone(), nil
}

func (t *memTx) Create(_ context.Context, s *domain.Session) error {
	if _, ok := t.users[s.PrincipalKey]; ok {
		return errors.New("repository: duplicate username " + s.PrincipalKey)
	}
	t.users[s.PrincipalKey] = s.Clone()
	t.addRoles(s.Roles)
	return nil
}

func (t *memTx) Put(_ context.Context, s *domain.Session) error {
	if _, ok := t.users[s.PrincipalKey]; !ok {
		return ErrNotFound
	}
	t.users[s.PrincipalKey] = s.Clone()
	t.addRoles(s.Roles)
	return nil
}

func (t *memTx) Deactivate(_ context.Context, username string) error {
	s, ok := t.users[username]
	if !ok {
		return ErrNotFound
	}
	s.Active = false
	s.InControl = false
	return nil
}

func (t *memTx) Delete(_ context.Context, username string) error {
	delete(t.users, username)
	return nil
}

func (t *memTx) EnsureRole(_ context.Context, name string) error {
	t.roles[name] = true
	return nil
}

func (t *memTx) addRoles(roles []string) {
	for _, r := range roles {
		t.roles[r] = true
	}
}

// checkSingleOperator mirrors the partial unique index of the Postgres schema.
func (t *memTx) checkSingleOperator() error {
	n := 0
	for _, s := range t.users {
		if s.Active && s.InControl {
			n++
		}
	}
	if n > 1 {
		return errors.New("repository: more than one active operator")
	}
	return nil
}
