// Package dispute implements the arbitration workflow nested under one
// escrow: OPEN → RECOMMENDED → RESOLVED, strictly forward.
//
// Opening requires the parent escrow to be FUNDED or PAYMENT_CONFIRMED and
// moves it to DISPUTED; resolving moves it to RESOLVED. Both pairs of writes
// commit atomically. Notifications and audit entries fire after commit and
// never participate in the same transaction as the state mutation.
package dispute

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/peervault/peervault/internal/apperr"
	"github.com/peervault/peervault/internal/escrow"
	"github.com/peervault/peervault/internal/ethutil"
	"github.com/peervault/peervault/internal/metrics"
	"github.com/peervault/peervault/internal/notify"
	"github.com/peervault/peervault/internal/traces"
)

var (
	ErrDisputeNotFound = errors.New("dispute not found")
	ErrAlreadyResolved = errors.New("dispute already resolved")
)

// Status is the dispute workflow state. Transitions are strictly forward.
type Status string

const (
	StatusOpen        Status = "OPEN"
	StatusRecommended Status = "RECOMMENDED"
	StatusResolved    Status = "RESOLVED"
)

// Dispute is the single arbitration record of one escrow (1:1, keyed by
// escrow id).
type Dispute struct {
	EscrowID   ethutil.EscrowID `json:"escrowId"`
	OpenedBy   string           `json:"openedBy"`
	Reason     string           `json:"reason"`
	Summary    string           `json:"summary"`
	Status     Status           `json:"status"`
	Outcome    string           `json:"outcome,omitempty"`
	Arbitrator string           `json:"arbitrator,omitempty"`
	Ref        []byte           `json:"ref,omitempty"`
	CreatedAt  time.Time        `json:"createdAt"`
	UpdatedAt  time.Time        `json:"updatedAt"`
}

// Store persists disputes. UpsertOpen and ResolveWithParent are atomic with
// the parent escrow's state change; the parent's state is re-checked inside
// the same unit of work so a racing chain event cannot be overwritten.
type Store interface {
	Get(ctx context.Context, id ethutil.EscrowID) (*Dispute, error)
	// UpsertOpen writes the dispute as OPEN (insert or overwrite of
	// reason/summary) and moves the parent escrow to DISPUTED. Re-opening an
	// already-DISPUTED escrow's dispute is allowed.
	UpsertOpen(ctx context.Context, d *Dispute) error
	// Update persists recommend-stage changes; the parent is untouched. A row
	// already RESOLVED is left alone and the write surfaces StateInvalid.
	Update(ctx context.Context, d *Dispute) error
	// ResolveWithParent marks the dispute RESOLVED and the parent escrow
	// RESOLVED in one unit of work.
	ResolveWithParent(ctx context.Context, d *Dispute) error
}

// AuditSink records privileged dispute mutations post-commit.
type AuditSink interface {
	Log(ctx context.Context, actor, action, target string, metadata map[string]any)
}

// Dispatcher queues counterparty notifications. Satisfied by
// *notify.Dispatcher.
type Dispatcher interface {
	QueueEvent(ctx context.Context, ev notify.Event)
}

// Service drives the dispute workflow.
type Service struct {
	store      Store
	escrows    escrow.Store
	dispatcher Dispatcher
	audit      AuditSink
	logger     *slog.Logger
}

// NewService creates a dispute service.
func NewService(store Store, escrows escrow.Store, dispatcher Dispatcher, audit AuditSink, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		store:      store,
		escrows:    escrows,
		dispatcher: dispatcher,
		audit:      audit,
		logger:     logger,
	}
}

// Get returns the escrow's dispute, guarded like the escrow itself.
func (s *Service) Get(ctx context.Context, rawID string, caller escrow.Identity) (*Dispute, error) {
	id, e, err := s.loadEscrow(ctx, rawID)
	if err != nil {
		return nil, err
	}
	if err := escrow.RequireView(e, caller); err != nil {
		return nil, err
	}
	d, err := s.store.Get(ctx, id)
	if errors.Is(err, ErrDisputeNotFound) {
		return nil, apperr.New(apperr.NotFound, err)
	}
	return d, err
}

// Open opens (or idempotently re-opens) the dispute. The caller must be a
// participant or hold ADMIN/ARBITRATOR/SUPER_ADMIN; the parent escrow must be
// FUNDED or PAYMENT_CONFIRMED (or already DISPUTED for a re-open).
func (s *Service) Open(ctx context.Context, rawID, reason, summary string, caller escrow.Identity) (*Dispute, error) {
	ctx, span := traces.StartSpan(ctx, "dispute.Open",
		traces.EscrowID(rawID), traces.Actor(caller.Address))
	defer span.End()

	id, e, err := s.loadEscrow(ctx, rawID)
	if err != nil {
		return nil, err
	}
	if err := escrow.RequireParticipantOrPrivileged(e, caller); err != nil {
		return nil, err
	}
	if reason = strings.TrimSpace(reason); reason == "" {
		return nil, apperr.Newf(apperr.BadRequest, "reason is required")
	}
	if !escrow.DisputeEligible(e.State) && e.State != escrow.StateDisputed {
		return nil, apperr.Newf(apperr.StateInvalid,
			"dispute cannot be opened from %s", e.State)
	}

	now := time.Now().UTC()
	d := &Dispute{
		EscrowID:  id,
		OpenedBy:  caller.Address,
		Reason:    reason,
		Summary:   strings.TrimSpace(summary),
		Status:    StatusOpen,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.store.UpsertOpen(ctx, d); err != nil {
		return nil, err
	}

	metrics.DisputesTotal.WithLabelValues("open").Inc()
	s.sideEffects(ctx, e, caller.Address, "dispute.open",
		"Dispute opened", "A dispute was opened on your escrow: "+reason,
		map[string]any{"reason": reason})
	return d, nil
}

// Recommend records an arbitration recommendation. ARBITRATOR or ADMIN; the
// parent escrow's state is unchanged.
func (s *Service) Recommend(ctx context.Context, rawID, note, summary string, caller escrow.Identity) (*Dispute, error) {
	if !caller.IsPrivileged() {
		return nil, apperr.Newf(apperr.Forbidden, "recommendation requires ARBITRATOR or ADMIN")
	}
	id, e, err := s.loadEscrow(ctx, rawID)
	if err != nil {
		return nil, err
	}
	d, err := s.store.Get(ctx, id)
	if errors.Is(err, ErrDisputeNotFound) {
		return nil, apperr.New(apperr.NotFound, err)
	}
	if err != nil {
		return nil, err
	}
	if d.Status == StatusResolved {
		return nil, apperr.New(apperr.StateInvalid, ErrAlreadyResolved)
	}

	if summary = strings.TrimSpace(summary); summary != "" {
		d.Summary = summary
	}
	if note = strings.TrimSpace(note); note != "" {
		if d.Summary != "" {
			d.Summary += "\n"
		}
		d.Summary += note
	}
	d.Status = StatusRecommended
	d.UpdatedAt = time.Now().UTC()
	if err := s.store.Update(ctx, d); err != nil {
		return nil, err
	}

	metrics.DisputesTotal.WithLabelValues("recommend").Inc()
	s.sideEffects(ctx, e, caller.Address, "dispute.recommend",
		"Dispute recommendation", "An arbitrator posted a recommendation on your dispute.",
		nil)
	return d, nil
}

// Resolve closes the dispute with an outcome. ARBITRATOR strictly; the parent
// escrow moves to RESOLVED in the same unit of work. A second resolve is
// StateInvalid.
func (s *Service) Resolve(ctx context.Context, rawID, outcome, rawRef string, caller escrow.Identity) (*Dispute, error) {
	ctx, span := traces.StartSpan(ctx, "dispute.Resolve",
		traces.EscrowID(rawID), traces.Actor(caller.Address))
	defer span.End()

	if err := escrow.RequireArbitrator(caller); err != nil {
		return nil, err
	}
	if outcome = strings.TrimSpace(outcome); outcome == "" {
		return nil, apperr.Newf(apperr.BadRequest, "outcome is required")
	}
	ref, err := ethutil.DecodeHexRef(rawRef)
	if err != nil {
		return nil, err
	}

	id, e, err := s.loadEscrow(ctx, rawID)
	if err != nil {
		return nil, err
	}
	d, err := s.store.Get(ctx, id)
	if errors.Is(err, ErrDisputeNotFound) {
		return nil, apperr.New(apperr.NotFound, err)
	}
	if err != nil {
		return nil, err
	}
	if d.Status == StatusResolved {
		return nil, apperr.New(apperr.StateInvalid, ErrAlreadyResolved)
	}

	d.Status = StatusResolved
	d.Outcome = outcome
	d.Arbitrator = caller.Address
	d.Ref = ref
	d.UpdatedAt = time.Now().UTC()
	if err := s.store.ResolveWithParent(ctx, d); err != nil {
		return nil, err
	}

	metrics.DisputesTotal.WithLabelValues("resolve").Inc()
	s.sideEffects(ctx, e, caller.Address, "dispute.resolve",
		"Dispute resolved", "Your dispute was resolved: "+outcome,
		map[string]any{"outcome": outcome})
	return d, nil
}

func (s *Service) loadEscrow(ctx context.Context, rawID string) (ethutil.EscrowID, *escrow.Escrow, error) {
	id, err := ethutil.ParseEscrowID(rawID)
	if err != nil {
		return id, nil, err
	}
	e, err := s.escrows.Get(ctx, id)
	if errors.Is(err, escrow.ErrEscrowNotFound) {
		return id, nil, apperr.New(apperr.NotFound, err)
	}
	if err != nil {
		return id, nil, err
	}
	return id, e, nil
}

// sideEffects fires the counterparty notification and the audit entry.
// Both are post-commit and failure-isolated: nothing here can undo the
// committed mutation.
func (s *Service) sideEffects(ctx context.Context, e *escrow.Escrow, actor, action, title, message string, meta map[string]any) {
	s.logger.Info("dispute action", "action", action, "escrow_id", e.ID.String(), "actor", actor)
	if s.dispatcher != nil {
		for _, recipient := range counterparties(e, actor) {
			s.dispatcher.QueueEvent(ctx, notify.Event{
				Type:      action,
				EscrowID:  e.ID.String(),
				Sender:    actor,
				Recipient: recipient,
				Title:     title,
				Message:   message,
				Metadata:  meta,
			})
		}
	}
	if s.audit != nil {
		s.audit.Log(ctx, actor, action, e.ID.String(), meta)
	}
}

// counterparties returns the notification recipients for an action by actor:
// the other participant when the actor is a party, or both participants when
// a privileged non-party acts.
func counterparties(e *escrow.Escrow, actor string) []string {
	if e.IsParticipant(actor) {
		if cp := e.Counterparty(actor); cp != "" {
			return []string{cp}
		}
		return nil
	}
	out := make([]string, 0, 2)
	if e.Seller != "" {
		out = append(out, e.Seller)
	}
	if e.Buyer != "" {
		out = append(out, e.Buyer)
	}
	return out
}
