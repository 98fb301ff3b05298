// Package audit is the append-only record of privileged and state-changing
// actions. Writes happen after the primary mutation commits and never fail
// the caller: a lost audit write is logged and counted, not propagated.
package audit

import (
	"context"
	"log/slog"
	"time"

	"github.com/peervault/peervault/internal/apperr"
	"github.com/peervault/peervault/internal/idgen"
	"github.com/peervault/peervault/internal/metrics"
	"github.com/peervault/peervault/internal/pagination"
)

// Entry is one immutable audit record.
type Entry struct {
	ID        string         `json:"id"`
	Actor     string         `json:"actor"`
	Action    string         `json:"action"`
	Target    string         `json:"target,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	CreatedAt time.Time      `json:"createdAt"`
}

// Store persists audit entries. There is no update or delete.
type Store interface {
	Append(ctx context.Context, e *Entry) error
	// List returns entries newest first, optionally filtered by action and
	// positioned after the cursor. Implementations fetch up to limit rows.
	List(ctx context.Context, action string, before *pagination.Cursor, limit int) ([]*Entry, error)
}

// Service writes and reads the audit trail.
type Service struct {
	store  Store
	logger *slog.Logger
}

// NewService creates an audit service.
func NewService(store Store, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{store: store, logger: logger}
}

// Log appends one entry. It never returns an error: audit runs post-commit
// and must not undo or block the action it records.
func (s *Service) Log(ctx context.Context, actor, action, target string, metadata map[string]any) {
	e := &Entry{
		ID:        idgen.WithPrefix("aud_"),
		Actor:     actor,
		Action:    action,
		Target:    target,
		Metadata:  metadata,
		CreatedAt: time.Now().UTC(),
	}
	if err := s.store.Append(ctx, e); err != nil {
		metrics.AuditWritesTotal.WithLabelValues("error").Inc()
		s.logger.Error("audit write failed",
			"actor", actor, "action", action, "target", target, "error", err)
		return
	}
	metrics.AuditWritesTotal.WithLabelValues("ok").Inc()
}

// List returns one page of entries for the admin surface, newest first, plus
// the cursor of the next page.
func (s *Service) List(ctx context.Context, action, cursor string, limit int) ([]*Entry, string, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	before, err := pagination.Decode(cursor)
	if err != nil {
		return nil, "", apperr.New(apperr.BadRequest, err)
	}
	entries, err := s.store.List(ctx, action, before, limit+1)
	if err != nil {
		return nil, "", err
	}
	page, next, _ := pagination.ComputePage(entries, limit, func(e *Entry) (time.Time, string) {
		return e.CreatedAt, e.ID
	})
	return page, next, nil
}
