// Package notify persists per-recipient notifications and pushes them to an
// external webhook sink.
//
// Delivery is three steps with strictly decreasing guarantees: the
// notification row is persisted first, then a durable webhook job is queued,
// then an immediate best-effort POST is attempted. A sink outage loses
// nothing: the row and the job survive, and the queue worker finishes the
// delivery later. No step ever surfaces an error to the caller that produced
// the event.
package notify

import (
	"context"
	"errors"
	"time"
)

var (
	ErrNotificationNotFound = errors.New("notification not found")
	ErrJobNotFound          = errors.New("webhook job not found")
)

// Event is the dispatch input produced by the escrow, dispute, and
// coordination services.
type Event struct {
	Type      string         `json:"type"`
	EscrowID  string         `json:"escrowId"`
	Sender    string         `json:"sender"`
	Recipient string         `json:"recipient"`
	Title     string         `json:"title"`
	Message   string         `json:"message"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// Notification is one persisted per-recipient notification row.
type Notification struct {
	ID        string         `json:"id"`
	Recipient string         `json:"recipient"`
	Type      string         `json:"type"`
	EscrowID  string         `json:"escrowId,omitempty"`
	Sender    string         `json:"sender,omitempty"`
	Title     string         `json:"title"`
	Message   string         `json:"message"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	Read      bool           `json:"read"`
	CreatedAt time.Time      `json:"createdAt"`
}

// Store persists notifications. Read-side operations are recipient-scoped:
// MarkRead on someone else's notification reports not-found, never success.
type Store interface {
	Insert(ctx context.Context, n *Notification) error
	ListByRecipient(ctx context.Context, recipient string, unreadOnly bool, limit int) ([]*Notification, error)
	MarkRead(ctx context.Context, id, recipient string) error
	MarkAllRead(ctx context.Context, recipient string) (int64, error)
	CountUnread(ctx context.Context, recipient string) (int, error)
}

// JobStatus is the webhook delivery state of one queued job.
type JobStatus string

const (
	JobPending   JobStatus = "pending"
	JobDelivered JobStatus = "delivered"
	JobDead      JobStatus = "dead"
)

// WebhookJob is one durable delivery attempt record. Jobs survive process
// restarts; the queue worker drains them.
type WebhookJob struct {
	ID             string    `json:"id"`
	NotificationID string    `json:"notificationId"`
	EventType      string    `json:"eventType"`
	Payload        []byte    `json:"payload"`
	Attempts       int       `json:"attempts"`
	Status         JobStatus `json:"status"`
	NextAttempt    time.Time `json:"nextAttempt"`
	LastError      string    `json:"lastError,omitempty"`
	CreatedAt      time.Time `json:"createdAt"`
}

// QueueStore persists webhook jobs.
type QueueStore interface {
	Enqueue(ctx context.Context, job *WebhookJob) error
	// Due returns pending jobs whose NextAttempt is at or before now, oldest
	// first.
	Due(ctx context.Context, now time.Time, limit int) ([]*WebhookJob, error)
	MarkDelivered(ctx context.Context, id string) error
	MarkFailed(ctx context.Context, id string, attempts int, nextAttempt time.Time, lastErr string) error
	MarkDead(ctx context.Context, id, lastErr string) error
}
