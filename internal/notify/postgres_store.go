package notify

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// PostgresStore persists notifications in the notifications table.
type PostgresStore struct {
	db *sql.DB
}

var _ Store = (*PostgresStore)(nil)

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) Insert(ctx context.Context, n *Notification) error {
	meta, err := marshalMetadata(n.Metadata)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO notifications (id, recipient, type, escrow_id, sender, title, message, metadata, read, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		n.ID, n.Recipient, n.Type, nullString(n.EscrowID), nullString(n.Sender),
		n.Title, n.Message, meta, n.Read, n.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert notification: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListByRecipient(ctx context.Context, recipient string, unreadOnly bool, limit int) ([]*Notification, error) {
	q := `SELECT id, recipient, type, escrow_id, sender, title, message, metadata, read, created_at
		FROM notifications WHERE recipient = $1`
	if unreadOnly {
		q += ` AND read = FALSE`
	}
	q += ` ORDER BY created_at DESC LIMIT $2`

	rows, err := s.db.QueryContext(ctx, q, recipient, limit)
	if err != nil {
		return nil, fmt.Errorf("list notifications: %w", err)
	}
	defer rows.Close()

	var out []*Notification
	for rows.Next() {
		var n Notification
		var escrowID, sender sql.NullString
		var meta []byte
		if err := rows.Scan(&n.ID, &n.Recipient, &n.Type, &escrowID, &sender,
			&n.Title, &n.Message, &meta, &n.Read, &n.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan notification: %w", err)
		}
		n.EscrowID = escrowID.String
		n.Sender = sender.String
		if len(meta) > 0 {
			if err := json.Unmarshal(meta, &n.Metadata); err != nil {
				return nil, fmt.Errorf("unmarshal notification metadata: %w", err)
			}
		}
		out = append(out, &n)
	}
	return out, rows.Err()
}

func (s *PostgresStore) MarkRead(ctx context.Context, id, recipient string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE notifications SET read = TRUE WHERE id = $1 AND recipient = $2`,
		id, recipient)
	if err != nil {
		return fmt.Errorf("mark read: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotificationNotFound
	}
	return nil
}

func (s *PostgresStore) MarkAllRead(ctx context.Context, recipient string) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE notifications SET read = TRUE WHERE recipient = $1 AND read = FALSE`,
		recipient)
	if err != nil {
		return 0, fmt.Errorf("mark all read: %w", err)
	}
	return res.RowsAffected()
}

func (s *PostgresStore) CountUnread(ctx context.Context, recipient string) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM notifications WHERE recipient = $1 AND read = FALSE`,
		recipient).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count unread: %w", err)
	}
	return count, nil
}

// PostgresQueue persists webhook jobs in the webhook_jobs table.
type PostgresQueue struct {
	db *sql.DB
}

var _ QueueStore = (*PostgresQueue)(nil)

func NewPostgresQueue(db *sql.DB) *PostgresQueue {
	return &PostgresQueue{db: db}
}

func (s *PostgresQueue) Enqueue(ctx context.Context, job *WebhookJob) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO webhook_jobs (id, notification_id, event_type, payload, attempts, status, next_attempt, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		job.ID, job.NotificationID, job.EventType, job.Payload,
		job.Attempts, string(job.Status), job.NextAttempt, job.CreatedAt)
	if err != nil {
		return fmt.Errorf("enqueue webhook job: %w", err)
	}
	return nil
}

func (s *PostgresQueue) Due(ctx context.Context, now time.Time, limit int) ([]*WebhookJob, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, notification_id, event_type, payload, attempts, status, next_attempt, last_error, created_at
		FROM webhook_jobs
		WHERE status = $1 AND next_attempt <= $2
		ORDER BY next_attempt ASC
		LIMIT $3`,
		string(JobPending), now, limit)
	if err != nil {
		return nil, fmt.Errorf("query due jobs: %w", err)
	}
	defer rows.Close()

	var out []*WebhookJob
	for rows.Next() {
		var job WebhookJob
		var lastErr sql.NullString
		if err := rows.Scan(&job.ID, &job.NotificationID, &job.EventType, &job.Payload,
			&job.Attempts, &job.Status, &job.NextAttempt, &lastErr, &job.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan webhook job: %w", err)
		}
		job.LastError = lastErr.String
		out = append(out, &job)
	}
	return out, rows.Err()
}

func (s *PostgresQueue) MarkDelivered(ctx context.Context, id string) error {
	return s.update(ctx,
		`UPDATE webhook_jobs SET status = $1, last_error = NULL WHERE id = $2`,
		string(JobDelivered), id)
}

func (s *PostgresQueue) MarkFailed(ctx context.Context, id string, attempts int, nextAttempt time.Time, lastErr string) error {
	return s.update(ctx,
		`UPDATE webhook_jobs SET attempts = $1, next_attempt = $2, last_error = $3 WHERE id = $4`,
		attempts, nextAttempt, lastErr, id)
}

func (s *PostgresQueue) MarkDead(ctx context.Context, id, lastErr string) error {
	return s.update(ctx,
		`UPDATE webhook_jobs SET status = $1, last_error = $2 WHERE id = $3`,
		string(JobDead), lastErr, id)
}

func (s *PostgresQueue) update(ctx context.Context, q string, args ...any) error {
	res, err := s.db.ExecContext(ctx, q, args...)
	if err != nil {
		return fmt.Errorf("update webhook job: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrJobNotFound
	}
	return nil
}

func marshalMetadata(meta map[string]any) ([]byte, error) {
	if len(meta) == 0 {
		return nil, nil
	}
	b, err := json.Marshal(meta)
	if err != nil {
		return nil, fmt.Errorf("marshal notification metadata: %w", err)
	}
	return b, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
