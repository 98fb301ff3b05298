package watcher

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"
)

// MemoryCursorStore is an in-memory CursorStore for tests and RPC-less
// development.
type MemoryCursorStore struct {
	mu      sync.Mutex
	cursors map[string]uint64
}

var _ CursorStore = (*MemoryCursorStore)(nil)

func NewMemoryCursorStore() *MemoryCursorStore {
	return &MemoryCursorStore{cursors: make(map[string]uint64)}
}

func cursorKey(chainID int64, contract string) string {
	return fmt.Sprintf("%d:%s", chainID, contract)
}

func (m *MemoryCursorStore) Load(ctx context.Context, chainID int64, contract string) (uint64, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	block, ok := m.cursors[cursorKey(chainID, contract)]
	return block, ok, nil
}

func (m *MemoryCursorStore) Save(ctx context.Context, chainID int64, contract string, block uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cursors[cursorKey(chainID, contract)] = block
	return nil
}

// PostgresCursorStore persists cursors in the chain_cursors table.
type PostgresCursorStore struct {
	db *sql.DB
}

var _ CursorStore = (*PostgresCursorStore)(nil)

func NewPostgresCursorStore(db *sql.DB) *PostgresCursorStore {
	return &PostgresCursorStore{db: db}
}

func (s *PostgresCursorStore) Load(ctx context.Context, chainID int64, contract string) (uint64, bool, error) {
	var block int64
	err := s.db.QueryRowContext(ctx,
		`SELECT last_synced_block FROM chain_cursors WHERE chain_id = $1 AND contract = $2`,
		chainID, contract).Scan(&block)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("load cursor: %w", err)
	}
	return uint64(block), true, nil //nolint:gosec // non-negative by schema
}

func (s *PostgresCursorStore) Save(ctx context.Context, chainID int64, contract string, block uint64) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO chain_cursors (chain_id, contract, last_synced_block, updated_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (chain_id, contract) DO UPDATE
		SET last_synced_block = EXCLUDED.last_synced_block,
		    updated_at = EXCLUDED.updated_at`,
		chainID, contract, int64(block), time.Now().UTC()) //nolint:gosec // block fits int64 for any real chain
	if err != nil {
		return fmt.Errorf("save cursor: %w", err)
	}
	return nil
}
