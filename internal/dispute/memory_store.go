package dispute

import (
	"context"
	"errors"
	"sync"

	"github.com/peervault/peervault/internal/apperr"
	"github.com/peervault/peervault/internal/escrow"
	"github.com/peervault/peervault/internal/ethutil"
)

// MemoryStore is an in-memory Store for tests and RPC-less development. It
// leans on escrow.MemoryStore.SetStateForDispute so the dispute write and the
// parent state change happen under one lock.
type MemoryStore struct {
	mu       sync.Mutex
	disputes map[ethutil.EscrowID]*Dispute
	escrows  *escrow.MemoryStore
}

var _ Store = (*MemoryStore)(nil)

func NewMemoryStore(escrows *escrow.MemoryStore) *MemoryStore {
	return &MemoryStore{
		disputes: make(map[ethutil.EscrowID]*Dispute),
		escrows:  escrows,
	}
}

func (m *MemoryStore) Get(ctx context.Context, id ethutil.EscrowID) (*Dispute, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.disputes[id]
	if !ok {
		return nil, ErrDisputeNotFound
	}
	cp := *d
	return &cp, nil
}

func (m *MemoryStore) UpsertOpen(ctx context.Context, d *Dispute) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	err := m.escrows.SetStateForDispute(ctx, d.EscrowID,
		[]escrow.State{escrow.StateFunded, escrow.StatePaymentConfirmed, escrow.StateDisputed},
		escrow.StateDisputed)
	if err != nil {
		return wrapParentErr(err)
	}
	if prev, ok := m.disputes[d.EscrowID]; ok {
		d.CreatedAt = prev.CreatedAt
	}
	cp := *d
	m.disputes[d.EscrowID] = &cp
	return nil
}

func (m *MemoryStore) Update(ctx context.Context, d *Dispute) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	prev, ok := m.disputes[d.EscrowID]
	if !ok {
		return ErrDisputeNotFound
	}
	// Re-check under the lock: a resolve that landed after the caller's read
	// must not be regressed.
	if prev.Status == StatusResolved {
		return apperr.New(apperr.StateInvalid, ErrAlreadyResolved)
	}
	cp := *d
	m.disputes[d.EscrowID] = &cp
	return nil
}

func (m *MemoryStore) ResolveWithParent(ctx context.Context, d *Dispute) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.disputes[d.EscrowID]; !ok {
		return ErrDisputeNotFound
	}
	err := m.escrows.SetStateForDispute(ctx, d.EscrowID,
		[]escrow.State{escrow.StateDisputed}, escrow.StateResolved)
	if err != nil {
		return wrapParentErr(err)
	}
	cp := *d
	m.disputes[d.EscrowID] = &cp
	return nil
}

// wrapParentErr maps parent-escrow failures the way the Postgres store's row
// lock does: a missing escrow is NotFound, a state mismatch is StateInvalid.
func wrapParentErr(err error) error {
	if errors.Is(err, escrow.ErrEscrowNotFound) {
		return apperr.New(apperr.NotFound, err)
	}
	return apperr.New(apperr.StateInvalid, err)
}
