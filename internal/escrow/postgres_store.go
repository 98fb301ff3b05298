package escrow

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/lib/pq"

	"github.com/peervault/peervault/internal/ethutil"
)

// PostgresStore persists escrows and timelines in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed escrow store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const escrowColumns = `id, chain_id, token, amount, fee_amount, seller_bond, buyer_bond,
		seller, buyer, state, updated_at_block, created_at, updated_at`

func (p *PostgresStore) CreateWithEntry(ctx context.Context, e *Escrow, entry *TimelineEntry) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO escrows (`+escrowColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
		e.ID.String(), e.ChainID, nullString(e.Token),
		int64(e.Amount), int64(e.FeeAmount), int64(e.SellerBond), int64(e.BuyerBond), //nolint:gosec // clamped to maxAmount on ingest
		e.Seller, nullString(e.Buyer), string(e.State), int64(e.UpdatedAtBlock), //nolint:gosec
		e.CreatedAt, e.UpdatedAt,
	)
	if isUniqueViolation(err) {
		return ErrDuplicateEntry
	}
	if err != nil {
		return err
	}

	if err := insertEntry(ctx, tx, entry); err != nil {
		return err
	}
	return tx.Commit()
}

func (p *PostgresStore) Get(ctx context.Context, id ethutil.EscrowID) (*Escrow, error) {
	row := p.db.QueryRowContext(ctx,
		`SELECT `+escrowColumns+` FROM escrows WHERE id = $1`, id.String())
	e, err := scanEscrow(row)
	if err == sql.ErrNoRows {
		return nil, ErrEscrowNotFound
	}
	return e, err
}

func (p *PostgresStore) ListByParty(ctx context.Context, addr string, limit int) ([]*Escrow, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+escrowColumns+`
		FROM escrows
		WHERE seller = $1 OR buyer = $1
		ORDER BY created_at DESC
		LIMIT $2`, addr, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []*Escrow
	for rows.Next() {
		e, err := scanEscrow(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, e)
	}
	return result, rows.Err()
}

func (p *PostgresStore) Timeline(ctx context.Context, id ethutil.EscrowID) ([]*TimelineEntry, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT escrow_id, event, state_after, tx_hash, block_number, log_index, ts, payload
		FROM timeline_entries
		WHERE escrow_id = $1
		ORDER BY block_number ASC, log_index ASC`, id.String())
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []*TimelineEntry
	for rows.Next() {
		var (
			entry      TimelineEntry
			rawID      string
			block, idx int64
			payload    []byte
		)
		if err := rows.Scan(&rawID, &entry.Event, &entry.StateAfter, &entry.TxHash,
			&block, &idx, &entry.Timestamp, &payload); err != nil {
			return nil, err
		}
		eid, err := ethutil.ParseEscrowID(rawID)
		if err != nil {
			return nil, fmt.Errorf("corrupt escrow id in timeline: %w", err)
		}
		entry.EscrowID = eid
		entry.BlockNumber = uint64(block) //nolint:gosec // non-negative by schema
		entry.LogIndex = uint(idx)        //nolint:gosec
		if len(payload) > 0 {
			_ = json.Unmarshal(payload, &entry.Payload)
		}
		result = append(result, &entry)
	}
	return result, rows.Err()
}

func (p *PostgresStore) HasEntry(ctx context.Context, id ethutil.EscrowID, block uint64, logIndex uint) (bool, error) {
	var exists bool
	err := p.db.QueryRowContext(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM timeline_entries
			WHERE escrow_id = $1 AND block_number = $2 AND log_index = $3
		)`, id.String(), int64(block), int64(logIndex)).Scan(&exists) //nolint:gosec
	return exists, err
}

func (p *PostgresStore) LastPosition(ctx context.Context, id ethutil.EscrowID) (uint64, uint, bool, error) {
	var block, idx int64
	err := p.db.QueryRowContext(ctx, `
		SELECT block_number, log_index
		FROM timeline_entries
		WHERE escrow_id = $1
		ORDER BY block_number DESC, log_index DESC
		LIMIT 1`, id.String()).Scan(&block, &idx)
	if err == sql.ErrNoRows {
		return 0, 0, false, nil
	}
	if err != nil {
		return 0, 0, false, err
	}
	return uint64(block), uint(idx), true, nil //nolint:gosec // non-negative by schema
}

// ApplyTransition locks the escrow row, verifies it has not moved since prev
// was read, and commits the state write plus the timeline append together.
func (p *PostgresStore) ApplyTransition(ctx context.Context, prev *Escrow, next *Escrow, entry *TimelineEntry) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	var curState string
	var curBlock int64
	err = tx.QueryRowContext(ctx,
		`SELECT state, updated_at_block FROM escrows WHERE id = $1 FOR UPDATE`,
		prev.ID.String()).Scan(&curState, &curBlock)
	if err == sql.ErrNoRows {
		return ErrEscrowNotFound
	}
	if err != nil {
		return err
	}
	if State(curState) != prev.State || uint64(curBlock) != prev.UpdatedAtBlock { //nolint:gosec
		return ErrConflict
	}

	if err := insertEntry(ctx, tx, entry); err != nil {
		return err
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE escrows
		SET state = $1, buyer = $2, updated_at_block = $3, updated_at = $4
		WHERE id = $5`,
		string(next.State), nullString(next.Buyer),
		int64(next.UpdatedAtBlock), next.UpdatedAt, next.ID.String()) //nolint:gosec
	if err != nil {
		return err
	}
	return tx.Commit()
}

func insertEntry(ctx context.Context, tx *sql.Tx, entry *TimelineEntry) error {
	payload, _ := json.Marshal(entry.Payload)
	if entry.Payload == nil {
		payload = []byte("{}")
	}
	res, err := tx.ExecContext(ctx, `
		INSERT INTO timeline_entries
			(escrow_id, event, state_after, tx_hash, block_number, log_index, ts, payload)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (escrow_id, block_number, log_index) DO NOTHING`,
		entry.EscrowID.String(), string(entry.Event), string(entry.StateAfter),
		entry.TxHash, int64(entry.BlockNumber), int64(entry.LogIndex), //nolint:gosec
		entry.Timestamp, payload,
	)
	if err != nil {
		return err
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrDuplicateEntry
	}
	return nil
}

// scanner is satisfied by both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...interface{}) error
}

func scanEscrow(s scanner) (*Escrow, error) {
	e := &Escrow{}
	var rawID, state string
	var token, buyer sql.NullString
	var amount, fee, sellerBond, buyerBond, updatedAtBlock int64
	err := s.Scan(&rawID, &e.ChainID, &token, &amount, &fee, &sellerBond, &buyerBond,
		&e.Seller, &buyer, &state, &updatedAtBlock, &e.CreatedAt, &e.UpdatedAt)
	if err != nil {
		return nil, err
	}
	id, err := ethutil.ParseEscrowID(rawID)
	if err != nil {
		return nil, fmt.Errorf("corrupt escrow id: %w", err)
	}
	e.ID = id
	e.Token = token.String
	e.Buyer = buyer.String
	e.State = State(state)
	e.Amount = uint64(amount)                 //nolint:gosec // non-negative by schema
	e.FeeAmount = uint64(fee)                 //nolint:gosec
	e.SellerBond = uint64(sellerBond)         //nolint:gosec
	e.BuyerBond = uint64(buyerBond)           //nolint:gosec
	e.UpdatedAtBlock = uint64(updatedAtBlock) //nolint:gosec
	return e, nil
}

// isUniqueViolation reports whether err is a Postgres unique_violation.
func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	if pqErr, ok := err.(*pq.Error); ok {
		return pqErr.Code == "23505"
	}
	return false
}

// nullString converts an empty Go string to sql.NullString.
func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

// Compile-time assertion that PostgresStore implements Store.
var _ Store = (*PostgresStore)(nil)
