package escrow

import (
	"context"
	"sort"
	"sync"

	"github.com/peervault/peervault/internal/ethutil"
)

// MemoryStore is an in-memory escrow store for tests and dev mode.
// A single mutex serializes all mutations, which gives the same per-escrow
// atomicity guarantees the Postgres store gets from transactions.
type MemoryStore struct {
	mu       sync.Mutex
	escrows  map[ethutil.EscrowID]*Escrow
	timeline map[ethutil.EscrowID][]*TimelineEntry
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		escrows:  make(map[ethutil.EscrowID]*Escrow),
		timeline: make(map[ethutil.EscrowID][]*TimelineEntry),
	}
}

func (m *MemoryStore) CreateWithEntry(ctx context.Context, e *Escrow, entry *TimelineEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.escrows[e.ID]; exists {
		return ErrDuplicateEntry
	}
	cp := *e
	m.escrows[e.ID] = &cp
	ce := *entry
	m.timeline[e.ID] = append(m.timeline[e.ID], &ce)
	return nil
}

func (m *MemoryStore) Get(ctx context.Context, id ethutil.EscrowID) (*Escrow, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.escrows[id]
	if !ok {
		return nil, ErrEscrowNotFound
	}
	cp := *e
	return &cp, nil
}

func (m *MemoryStore) ListByParty(ctx context.Context, addr string, limit int) ([]*Escrow, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*Escrow
	for _, e := range m.escrows {
		if e.IsParticipant(addr) {
			cp := *e
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryStore) Timeline(ctx context.Context, id ethutil.EscrowID) ([]*TimelineEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	entries := m.timeline[id]
	out := make([]*TimelineEntry, len(entries))
	for i, e := range entries {
		cp := *e
		out[i] = &cp
	}
	// Authoritative order is (blockNumber, logIndex), never insertion order.
	sort.Slice(out, func(i, j int) bool {
		if out[i].BlockNumber != out[j].BlockNumber {
			return out[i].BlockNumber < out[j].BlockNumber
		}
		return out[i].LogIndex < out[j].LogIndex
	})
	return out, nil
}

func (m *MemoryStore) HasEntry(ctx context.Context, id ethutil.EscrowID, block uint64, logIndex uint) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.hasEntryLocked(id, block, logIndex), nil
}

func (m *MemoryStore) hasEntryLocked(id ethutil.EscrowID, block uint64, logIndex uint) bool {
	for _, e := range m.timeline[id] {
		if e.BlockNumber == block && e.LogIndex == logIndex {
			return true
		}
	}
	return false
}

func (m *MemoryStore) LastPosition(ctx context.Context, id ethutil.EscrowID) (uint64, uint, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	entries := m.timeline[id]
	if len(entries) == 0 {
		return 0, 0, false, nil
	}
	var block uint64
	var logIndex uint
	for _, e := range entries {
		if e.BlockNumber > block || (e.BlockNumber == block && e.LogIndex > logIndex) {
			block, logIndex = e.BlockNumber, e.LogIndex
		}
	}
	return block, logIndex, true, nil
}

func (m *MemoryStore) ApplyTransition(ctx context.Context, prev *Escrow, next *Escrow, entry *TimelineEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.escrows[prev.ID]
	if !ok {
		return ErrEscrowNotFound
	}
	if m.hasEntryLocked(prev.ID, entry.BlockNumber, entry.LogIndex) {
		return ErrDuplicateEntry
	}
	// Optimistic check: the row must not have moved since prev was read.
	if cur.State != prev.State || cur.UpdatedAtBlock != prev.UpdatedAtBlock {
		return ErrConflict
	}
	cp := *next
	m.escrows[next.ID] = &cp
	ce := *entry
	m.timeline[next.ID] = append(m.timeline[next.ID], &ce)
	return nil
}

// SetStateForDispute applies a coordination-driven state change (dispute open
// or resolve) without a timeline entry, under the same optimistic check. The
// dispute package's memory store uses it to keep both writes in one critical
// section.
func (m *MemoryStore) SetStateForDispute(ctx context.Context, id ethutil.EscrowID, from []State, to State) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.escrows[id]
	if !ok {
		return ErrEscrowNotFound
	}
	for _, s := range from {
		if cur.State == s {
			cur.State = to
			return nil
		}
	}
	return ErrConflict
}

// Compile-time assertion that MemoryStore implements Store.
var _ Store = (*MemoryStore)(nil)
