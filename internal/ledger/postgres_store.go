package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/peervault/peervault/internal/ethutil"
)

// PostgresStore persists coordination records across the coordination_messages,
// payment_instructions, fiat_statuses, and evidence_items tables.
type PostgresStore struct {
	db *sql.DB
}

var _ Store = (*PostgresStore)(nil)

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) AddMessage(ctx context.Context, m *Message) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO coordination_messages (id, escrow_id, actor, text, attachment_uri, content_hash, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		m.ID, m.EscrowID.String(), m.Actor, m.Text,
		nullString(m.AttachmentURI), m.ContentHash, m.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert message: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListMessages(ctx context.Context, id ethutil.EscrowID, limit int) ([]*Message, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, escrow_id, actor, text, attachment_uri, content_hash, created_at
		FROM coordination_messages
		WHERE escrow_id = $1
		ORDER BY created_at ASC
		LIMIT $2`,
		id.String(), limit)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	defer rows.Close()

	var out []*Message
	for rows.Next() {
		var m Message
		var rawID string
		var attachment sql.NullString
		if err := rows.Scan(&m.ID, &rawID, &m.Actor, &m.Text,
			&attachment, &m.ContentHash, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		m.EscrowID = id
		m.AttachmentURI = attachment.String
		out = append(out, &m)
	}
	return out, rows.Err()
}

func (s *PostgresStore) UpsertPaymentInstruction(ctx context.Context, p *PaymentInstruction) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO payment_instructions (escrow_id, record_id, actor, method, details, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (escrow_id) DO UPDATE
		SET actor = EXCLUDED.actor,
		    method = EXCLUDED.method,
		    details = EXCLUDED.details,
		    updated_at = EXCLUDED.updated_at`,
		p.EscrowID.String(), p.ID, p.Actor, p.Method, p.Details, p.CreatedAt, p.UpdatedAt)
	if err != nil {
		return fmt.Errorf("upsert payment instruction: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetPaymentInstruction(ctx context.Context, id ethutil.EscrowID) (*PaymentInstruction, error) {
	var p PaymentInstruction
	var rawID string
	err := s.db.QueryRowContext(ctx, `
		SELECT escrow_id, record_id, actor, method, details, created_at, updated_at
		FROM payment_instructions WHERE escrow_id = $1`,
		id.String()).Scan(&rawID, &p.ID, &p.Actor, &p.Method, &p.Details, &p.CreatedAt, &p.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrInstructionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get payment instruction: %w", err)
	}
	p.EscrowID = id
	return &p, nil
}

func (s *PostgresStore) AddFiatStatus(ctx context.Context, f *FiatStatus) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO fiat_statuses (id, escrow_id, actor, status, note, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		f.ID, f.EscrowID.String(), f.Actor, f.Status, nullString(f.Note), f.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert fiat status: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListFiatStatuses(ctx context.Context, id ethutil.EscrowID) ([]*FiatStatus, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, actor, status, note, created_at
		FROM fiat_statuses
		WHERE escrow_id = $1
		ORDER BY created_at ASC`,
		id.String())
	if err != nil {
		return nil, fmt.Errorf("list fiat statuses: %w", err)
	}
	defer rows.Close()

	var out []*FiatStatus
	for rows.Next() {
		var f FiatStatus
		var note sql.NullString
		if err := rows.Scan(&f.ID, &f.Actor, &f.Status, &note, &f.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan fiat status: %w", err)
		}
		f.EscrowID = id
		f.Note = note.String
		out = append(out, &f)
	}
	return out, rows.Err()
}

func (s *PostgresStore) AddEvidence(ctx context.Context, e *Evidence) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO evidence_items (id, escrow_id, actor, uri, filename, mime_type, size, sha256, description, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		e.ID, e.EscrowID.String(), e.Actor, e.URI, e.Filename, e.MimeType,
		e.Size, e.SHA256, nullString(e.Description), e.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert evidence: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListEvidence(ctx context.Context, id ethutil.EscrowID) ([]*Evidence, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, actor, uri, filename, mime_type, size, sha256, description, created_at
		FROM evidence_items
		WHERE escrow_id = $1
		ORDER BY created_at ASC`,
		id.String())
	if err != nil {
		return nil, fmt.Errorf("list evidence: %w", err)
	}
	defer rows.Close()

	var out []*Evidence
	for rows.Next() {
		var e Evidence
		var desc sql.NullString
		if err := rows.Scan(&e.ID, &e.Actor, &e.URI, &e.Filename, &e.MimeType,
			&e.Size, &e.SHA256, &desc, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan evidence: %w", err)
		}
		e.EscrowID = id
		e.Description = desc.String
		out = append(out, &e)
	}
	return out, rows.Err()
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
