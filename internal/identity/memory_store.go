package identity

import (
	"context"
	"sync"
)

// MemoryStore is an in-memory role grant store for tests and dev mode.
type MemoryStore struct {
	mu     sync.Mutex
	grants map[string]map[Role]*Grant // address -> role -> grant
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{grants: make(map[string]map[Role]*Grant)}
}

func (m *MemoryStore) Grant(ctx context.Context, g *Grant) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	byRole, ok := m.grants[g.Address]
	if !ok {
		byRole = make(map[Role]*Grant)
		m.grants[g.Address] = byRole
	}
	if _, exists := byRole[g.Role]; exists {
		return nil // idempotent
	}
	cp := *g
	byRole[g.Role] = &cp
	return nil
}

func (m *MemoryStore) Revoke(ctx context.Context, address string, role Role) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if byRole, ok := m.grants[address]; ok {
		delete(byRole, role)
	}
	return nil
}

func (m *MemoryStore) RolesFor(ctx context.Context, address string) ([]Role, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var roles []Role
	// Stable order keeps test output deterministic.
	for _, r := range []Role{RoleUser, RoleArbitrator, RoleAdmin, RoleSuperAdmin} {
		if _, ok := m.grants[address][r]; ok {
			roles = append(roles, r)
		}
	}
	return roles, nil
}

func (m *MemoryStore) GrantFirstAdmin(ctx context.Context, g *Grant) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, byRole := range m.grants {
		if _, ok := byRole[RoleAdmin]; ok {
			return false, nil
		}
	}
	byRole, ok := m.grants[g.Address]
	if !ok {
		byRole = make(map[Role]*Grant)
		m.grants[g.Address] = byRole
	}
	cp := *g
	byRole[RoleAdmin] = &cp
	return true, nil
}

// Compile-time assertion that MemoryStore implements Store.
var _ Store = (*MemoryStore)(nil)
