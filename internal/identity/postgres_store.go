package identity

import (
	"context"
	"database/sql"
)

// PostgresStore persists role grants in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed role grant store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (p *PostgresStore) Grant(ctx context.Context, g *Grant) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO role_grants (address, role, granted_by, created_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (address, role) DO NOTHING`,
		g.Address, string(g.Role), g.GrantedBy, g.CreatedAt,
	)
	return err
}

func (p *PostgresStore) Revoke(ctx context.Context, address string, role Role) error {
	_, err := p.db.ExecContext(ctx,
		`DELETE FROM role_grants WHERE address = $1 AND role = $2`,
		address, string(role),
	)
	return err
}

func (p *PostgresStore) RolesFor(ctx context.Context, address string) ([]Role, error) {
	rows, err := p.db.QueryContext(ctx,
		`SELECT role FROM role_grants WHERE address = $1 ORDER BY role`, address)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var roles []Role
	for rows.Next() {
		var r string
		if err := rows.Scan(&r); err != nil {
			return nil, err
		}
		roles = append(roles, Role(r))
	}
	return roles, rows.Err()
}

// GrantFirstAdmin grants ADMIN only when no ADMIN row exists yet. The
// existence check and the insert run in one transaction; concurrent first
// logins are broken by the (address, role) unique key plus the WHERE NOT
// EXISTS guard, so at most one login wins.
func (p *PostgresStore) GrantFirstAdmin(ctx context.Context, g *Grant) (bool, error) {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, `
		INSERT INTO role_grants (address, role, granted_by, created_at)
		SELECT $1, $2, $3, $4
		WHERE NOT EXISTS (SELECT 1 FROM role_grants WHERE role = $2)
		ON CONFLICT (address, role) DO NOTHING`,
		g.Address, string(RoleAdmin), g.GrantedBy, g.CreatedAt,
	)
	if err != nil {
		return false, err
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if err := tx.Commit(); err != nil {
		return false, err
	}
	return rows == 1, nil
}

// Compile-time assertion that PostgresStore implements Store.
var _ Store = (*PostgresStore)(nil)
