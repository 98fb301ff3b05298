package ledger

import (
	"context"
	"sync"

	"github.com/peervault/peervault/internal/ethutil"
)

// MemoryStore is an in-memory Store for tests and RPC-less development.
type MemoryStore struct {
	mu           sync.Mutex
	messages     map[ethutil.EscrowID][]*Message
	instructions map[ethutil.EscrowID]*PaymentInstruction
	fiat         map[ethutil.EscrowID][]*FiatStatus
	evidence     map[ethutil.EscrowID][]*Evidence
}

var _ Store = (*MemoryStore)(nil)

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		messages:     make(map[ethutil.EscrowID][]*Message),
		instructions: make(map[ethutil.EscrowID]*PaymentInstruction),
		fiat:         make(map[ethutil.EscrowID][]*FiatStatus),
		evidence:     make(map[ethutil.EscrowID][]*Evidence),
	}
}

func (m *MemoryStore) AddMessage(ctx context.Context, msg *Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *msg
	m.messages[msg.EscrowID] = append(m.messages[msg.EscrowID], &cp)
	return nil
}

func (m *MemoryStore) ListMessages(ctx context.Context, id ethutil.EscrowID, limit int) ([]*Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	msgs := m.messages[id]
	if limit > 0 && len(msgs) > limit {
		msgs = msgs[len(msgs)-limit:]
	}
	out := make([]*Message, 0, len(msgs))
	for _, msg := range msgs {
		cp := *msg
		out = append(out, &cp)
	}
	return out, nil
}

func (m *MemoryStore) UpsertPaymentInstruction(ctx context.Context, p *PaymentInstruction) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if prev, ok := m.instructions[p.EscrowID]; ok {
		p.ID = prev.ID
		p.CreatedAt = prev.CreatedAt
	}
	cp := *p
	m.instructions[p.EscrowID] = &cp
	return nil
}

func (m *MemoryStore) GetPaymentInstruction(ctx context.Context, id ethutil.EscrowID) (*PaymentInstruction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.instructions[id]
	if !ok {
		return nil, ErrInstructionNotFound
	}
	cp := *p
	return &cp, nil
}

func (m *MemoryStore) AddFiatStatus(ctx context.Context, f *FiatStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *f
	m.fiat[f.EscrowID] = append(m.fiat[f.EscrowID], &cp)
	return nil
}

func (m *MemoryStore) ListFiatStatuses(ctx context.Context, id ethutil.EscrowID) ([]*FiatStatus, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*FiatStatus, 0, len(m.fiat[id]))
	for _, f := range m.fiat[id] {
		cp := *f
		out = append(out, &cp)
	}
	return out, nil
}

func (m *MemoryStore) AddEvidence(ctx context.Context, e *Evidence) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *e
	m.evidence[e.EscrowID] = append(m.evidence[e.EscrowID], &cp)
	return nil
}

func (m *MemoryStore) ListEvidence(ctx context.Context, id ethutil.EscrowID) ([]*Evidence, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Evidence, 0, len(m.evidence[id]))
	for _, e := range m.evidence[id] {
		cp := *e
		out = append(out, &cp)
	}
	return out, nil
}
