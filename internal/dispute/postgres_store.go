package dispute

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/peervault/peervault/internal/apperr"
	"github.com/peervault/peervault/internal/escrow"
	"github.com/peervault/peervault/internal/ethutil"
)

// PostgresStore persists disputes in the disputes table. Writes that move the
// parent escrow run in one transaction with a row lock on the escrow, so a
// chain event applied concurrently can never be silently overwritten.
type PostgresStore struct {
	db *sql.DB
}

var _ Store = (*PostgresStore)(nil)

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const disputeColumns = `escrow_id, opened_by, reason, summary, status, outcome, arbitrator, ref, created_at, updated_at`

func (s *PostgresStore) Get(ctx context.Context, id ethutil.EscrowID) (*Dispute, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+disputeColumns+` FROM disputes WHERE escrow_id = $1`, id.String())
	return scanDispute(row)
}

func (s *PostgresStore) UpsertOpen(ctx context.Context, d *Dispute) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		state, err := lockEscrow(ctx, tx, d.EscrowID)
		if err != nil {
			return err
		}
		switch state {
		case escrow.StateFunded, escrow.StatePaymentConfirmed, escrow.StateDisputed:
		default:
			return apperr.Newf(apperr.StateInvalid, "dispute cannot be opened from %s", state)
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO disputes (escrow_id, opened_by, reason, summary, status, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7)
			ON CONFLICT (escrow_id) DO UPDATE
			SET reason = EXCLUDED.reason,
			    summary = EXCLUDED.summary,
			    status = EXCLUDED.status,
			    updated_at = EXCLUDED.updated_at`,
			d.EscrowID.String(), d.OpenedBy, d.Reason, d.Summary,
			string(d.Status), d.CreatedAt, d.UpdatedAt)
		if err != nil {
			return fmt.Errorf("upsert dispute: %w", err)
		}
		return setEscrowState(ctx, tx, d.EscrowID, escrow.StateDisputed, d.UpdatedAt)
	})
}

func (s *PostgresStore) Update(ctx context.Context, d *Dispute) error {
	// The status guard keeps a racing resolve authoritative: a RESOLVED row is
	// never regressed by a recommend that read an earlier status.
	res, err := s.db.ExecContext(ctx, `
		UPDATE disputes
		SET summary = $1, status = $2, updated_at = $3
		WHERE escrow_id = $4 AND status <> $5`,
		d.Summary, string(d.Status), d.UpdatedAt, d.EscrowID.String(),
		string(StatusResolved))
	if err != nil {
		return fmt.Errorf("update dispute: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		var status string
		err := s.db.QueryRowContext(ctx,
			`SELECT status FROM disputes WHERE escrow_id = $1`,
			d.EscrowID.String()).Scan(&status)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrDisputeNotFound
		}
		if err != nil {
			return fmt.Errorf("update dispute: %w", err)
		}
		return apperr.New(apperr.StateInvalid, ErrAlreadyResolved)
	}
	return nil
}

func (s *PostgresStore) ResolveWithParent(ctx context.Context, d *Dispute) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		state, err := lockEscrow(ctx, tx, d.EscrowID)
		if err != nil {
			return err
		}
		if state != escrow.StateDisputed {
			return apperr.Newf(apperr.StateInvalid, "escrow is %s, not DISPUTED", state)
		}
		res, err := tx.ExecContext(ctx, `
			UPDATE disputes
			SET status = $1, outcome = $2, arbitrator = $3, ref = $4, updated_at = $5
			WHERE escrow_id = $6 AND status <> $1`,
			string(StatusResolved), d.Outcome, d.Arbitrator, d.Ref,
			d.UpdatedAt, d.EscrowID.String())
		if err != nil {
			return fmt.Errorf("resolve dispute: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return apperr.New(apperr.StateInvalid, ErrAlreadyResolved)
		}
		return setEscrowState(ctx, tx, d.EscrowID, escrow.StateResolved, d.UpdatedAt)
	})
}

func (s *PostgresStore) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck
	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}

func lockEscrow(ctx context.Context, tx *sql.Tx, id ethutil.EscrowID) (escrow.State, error) {
	var state string
	err := tx.QueryRowContext(ctx,
		`SELECT state FROM escrows WHERE id = $1 FOR UPDATE`, id.String()).Scan(&state)
	if errors.Is(err, sql.ErrNoRows) {
		return "", apperr.New(apperr.NotFound, escrow.ErrEscrowNotFound)
	}
	if err != nil {
		return "", fmt.Errorf("lock escrow: %w", err)
	}
	return escrow.State(state), nil
}

func setEscrowState(ctx context.Context, tx *sql.Tx, id ethutil.EscrowID, state escrow.State, at time.Time) error {
	_, err := tx.ExecContext(ctx,
		`UPDATE escrows SET state = $1, updated_at = $2 WHERE id = $3`,
		string(state), at, id.String())
	if err != nil {
		return fmt.Errorf("set escrow state: %w", err)
	}
	return nil
}

func scanDispute(row *sql.Row) (*Dispute, error) {
	var d Dispute
	var id string
	var outcome, arbitrator sql.NullString
	err := row.Scan(&id, &d.OpenedBy, &d.Reason, &d.Summary, &d.Status,
		&outcome, &arbitrator, &d.Ref, &d.CreatedAt, &d.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrDisputeNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan dispute: %w", err)
	}
	eid, err := ethutil.ParseEscrowID(id)
	if err != nil {
		return nil, fmt.Errorf("scan dispute id: %w", err)
	}
	d.EscrowID = eid
	d.Outcome = outcome.String
	d.Arbitrator = arbitrator.String
	return &d, nil
}
