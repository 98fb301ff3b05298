// Package ledger is the off-chain coordination record of one escrow:
// messages, the seller's payment instructions, fiat-status entries, and
// committed evidence. Every record is scoped to exactly one escrow and
// guarded at write time with the same access rules as the escrow itself.
package ledger

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"path"
	"strings"
	"time"

	"github.com/peervault/peervault/internal/apperr"
	"github.com/peervault/peervault/internal/blobstore"
	"github.com/peervault/peervault/internal/escrow"
	"github.com/peervault/peervault/internal/ethutil"
	"github.com/peervault/peervault/internal/idgen"
	"github.com/peervault/peervault/internal/notify"
)

var (
	ErrInstructionNotFound = errors.New("payment instruction not found")
)

const maxEvidenceSize = 25 << 20 // bytes

// RecordMeta is the shape every coordination record shares.
type RecordMeta struct {
	ID        string           `json:"id"`
	EscrowID  ethutil.EscrowID `json:"escrowId"`
	Actor     string           `json:"actor"`
	CreatedAt time.Time        `json:"createdAt"`
}

// Message is one escrow-scoped chat message. ContentHash is a tamper-evidence
// digest over text plus the optional attachment URI, not a dedup key.
type Message struct {
	RecordMeta
	Text          string `json:"text"`
	AttachmentURI string `json:"attachmentUri,omitempty"`
	ContentHash   string `json:"contentHash"`
}

// PaymentInstruction is the seller's current off-chain payment instructions.
// One row per escrow; updates replace, history is not kept.
type PaymentInstruction struct {
	RecordMeta
	Method    string    `json:"method"`
	Details   string    `json:"details"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// FiatStatus is one append-only self-reported fiat payment status entry.
type FiatStatus struct {
	RecordMeta
	Status string `json:"status"`
	Note   string `json:"note,omitempty"`
}

// Evidence is the metadata row of one committed evidence upload. The hash and
// size are caller-asserted at commit time; the stored bytes are not re-read.
type Evidence struct {
	RecordMeta
	URI         string `json:"uri"`
	Filename    string `json:"filename"`
	MimeType    string `json:"mimeType"`
	Size        int64  `json:"size"`
	SHA256      string `json:"sha256"`
	Description string `json:"description,omitempty"`
}

// PresignGrant is the two-phase evidence upload ticket.
type PresignGrant struct {
	UploadURL string    `json:"uploadUrl"`
	Key       string    `json:"key"`
	URI       string    `json:"uri"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// Store persists coordination records.
type Store interface {
	AddMessage(ctx context.Context, m *Message) error
	ListMessages(ctx context.Context, id ethutil.EscrowID, limit int) ([]*Message, error)
	UpsertPaymentInstruction(ctx context.Context, p *PaymentInstruction) error
	GetPaymentInstruction(ctx context.Context, id ethutil.EscrowID) (*PaymentInstruction, error)
	AddFiatStatus(ctx context.Context, f *FiatStatus) error
	ListFiatStatuses(ctx context.Context, id ethutil.EscrowID) ([]*FiatStatus, error)
	AddEvidence(ctx context.Context, e *Evidence) error
	ListEvidence(ctx context.Context, id ethutil.EscrowID) ([]*Evidence, error)
}

// Dispatcher queues counterparty notifications. Satisfied by
// *notify.Dispatcher.
type Dispatcher interface {
	QueueEvent(ctx context.Context, ev notify.Event)
}

// Service guards and persists coordination records.
type Service struct {
	store      Store
	escrows    escrow.Store
	blobs      blobstore.Store
	dispatcher Dispatcher
	logger     *slog.Logger
}

// NewService creates a coordination ledger service. blobs may be nil when
// evidence upload is disabled.
func NewService(store Store, escrows escrow.Store, blobs blobstore.Store, dispatcher Dispatcher, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		store:      store,
		escrows:    escrows,
		blobs:      blobs,
		dispatcher: dispatcher,
		logger:     logger,
	}
}

// PostMessage appends a message and notifies the counterparty.
func (s *Service) PostMessage(ctx context.Context, rawID, text, attachmentURI string, caller escrow.Identity) (*Message, error) {
	e, err := s.guardedEscrow(ctx, rawID, caller)
	if err != nil {
		return nil, err
	}
	text = strings.TrimSpace(text)
	if text == "" && attachmentURI == "" {
		return nil, apperr.Newf(apperr.BadRequest, "message needs text or an attachment")
	}

	m := &Message{
		RecordMeta:    s.meta(e, caller),
		Text:          text,
		AttachmentURI: attachmentURI,
		ContentHash:   ContentHash(text, attachmentURI),
	}
	if err := s.store.AddMessage(ctx, m); err != nil {
		return nil, err
	}
	s.notifyCounterparty(ctx, e, caller.Address, "coordination.message",
		"New message", "You received a message on your escrow.")
	return m, nil
}

// ListMessages returns the escrow's messages, oldest first.
func (s *Service) ListMessages(ctx context.Context, rawID string, limit int, caller escrow.Identity) ([]*Message, error) {
	e, err := s.guardedEscrow(ctx, rawID, caller)
	if err != nil {
		return nil, err
	}
	if limit <= 0 || limit > 500 {
		limit = 200
	}
	return s.store.ListMessages(ctx, e.ID, limit)
}

// SetPaymentInstruction replaces the escrow's payment instructions. Seller or
// admin only; only the latest version is retained.
func (s *Service) SetPaymentInstruction(ctx context.Context, rawID, method, details string, caller escrow.Identity) (*PaymentInstruction, error) {
	e, err := s.loadEscrow(ctx, rawID)
	if err != nil {
		return nil, err
	}
	if err := escrow.RequireSeller(e, caller); err != nil {
		return nil, err
	}
	if method = strings.TrimSpace(method); method == "" {
		return nil, apperr.Newf(apperr.BadRequest, "method is required")
	}
	if details = strings.TrimSpace(details); details == "" {
		return nil, apperr.Newf(apperr.BadRequest, "details are required")
	}

	p := &PaymentInstruction{
		RecordMeta: s.meta(e, caller),
		Method:     method,
		Details:    details,
		UpdatedAt:  time.Now().UTC(),
	}
	if err := s.store.UpsertPaymentInstruction(ctx, p); err != nil {
		return nil, err
	}
	s.notifyCounterparty(ctx, e, caller.Address, "coordination.payment_instruction",
		"Payment instructions updated", "The payment instructions on your escrow changed.")
	return p, nil
}

// GetPaymentInstruction returns the current instructions, guarded.
func (s *Service) GetPaymentInstruction(ctx context.Context, rawID string, caller escrow.Identity) (*PaymentInstruction, error) {
	e, err := s.guardedEscrow(ctx, rawID, caller)
	if err != nil {
		return nil, err
	}
	p, err := s.store.GetPaymentInstruction(ctx, e.ID)
	if errors.Is(err, ErrInstructionNotFound) {
		return nil, apperr.New(apperr.NotFound, err)
	}
	return p, err
}

// AppendFiatStatus appends one immutable self-reported fiat status entry.
func (s *Service) AppendFiatStatus(ctx context.Context, rawID, status, note string, caller escrow.Identity) (*FiatStatus, error) {
	e, err := s.guardedEscrow(ctx, rawID, caller)
	if err != nil {
		return nil, err
	}
	if status = strings.TrimSpace(status); status == "" {
		return nil, apperr.Newf(apperr.BadRequest, "status is required")
	}

	f := &FiatStatus{
		RecordMeta: s.meta(e, caller),
		Status:     status,
		Note:       strings.TrimSpace(note),
	}
	if err := s.store.AddFiatStatus(ctx, f); err != nil {
		return nil, err
	}
	s.notifyCounterparty(ctx, e, caller.Address, "coordination.fiat_status",
		"Fiat status update", "The fiat payment status on your escrow changed: "+status)
	return f, nil
}

// ListFiatStatuses returns the append-only status history, oldest first.
func (s *Service) ListFiatStatuses(ctx context.Context, rawID string, caller escrow.Identity) ([]*FiatStatus, error) {
	e, err := s.guardedEscrow(ctx, rawID, caller)
	if err != nil {
		return nil, err
	}
	return s.store.ListFiatStatuses(ctx, e.ID)
}

// PresignEvidence returns a time-boxed upload URL plus the object key the
// caller must commit afterwards. The key embeds a timestamp and a random
// suffix so concurrent uploads of the same filename never collide.
func (s *Service) PresignEvidence(ctx context.Context, rawID, filename, mimeType string, size int64, digest string, caller escrow.Identity) (*PresignGrant, error) {
	if s.blobs == nil {
		return nil, apperr.Newf(apperr.BadRequest, "evidence upload is not configured")
	}
	e, err := s.guardedEscrow(ctx, rawID, caller)
	if err != nil {
		return nil, err
	}
	filename = sanitizeFilename(filename)
	if filename == "" {
		return nil, apperr.Newf(apperr.BadRequest, "filename is required")
	}
	if size <= 0 || size > maxEvidenceSize {
		return nil, apperr.Newf(apperr.BadRequest, "size must be between 1 and %d bytes", maxEvidenceSize)
	}
	if _, err := parseDigest(digest); err != nil {
		return nil, err
	}

	key := fmt.Sprintf("evidence/%s/%d-%s/%s",
		e.ID.String(), time.Now().UnixNano(), idgen.Hex(4), filename)
	url, expires, err := s.blobs.PresignPut(ctx, key, mimeType)
	if err != nil {
		return nil, apperr.New(apperr.SideEffect, err)
	}
	return &PresignGrant{
		UploadURL: url,
		Key:       key,
		URI:       s.blobs.ObjectURI(key),
		ExpiresAt: expires,
	}, nil
}

// CommitEvidence records the metadata of a completed upload. The hash and
// size are trusted as asserted; the object is not re-read.
func (s *Service) CommitEvidence(ctx context.Context, rawID, uri, digest, mimeType string, size int64, description string, caller escrow.Identity) (*Evidence, error) {
	e, err := s.guardedEscrow(ctx, rawID, caller)
	if err != nil {
		return nil, err
	}
	if uri = strings.TrimSpace(uri); uri == "" {
		return nil, apperr.Newf(apperr.BadRequest, "uri is required")
	}
	norm, err := parseDigest(digest)
	if err != nil {
		return nil, err
	}
	if size <= 0 || size > maxEvidenceSize {
		return nil, apperr.Newf(apperr.BadRequest, "size must be between 1 and %d bytes", maxEvidenceSize)
	}

	ev := &Evidence{
		RecordMeta:  s.meta(e, caller),
		URI:         uri,
		Filename:    path.Base(uri),
		MimeType:    mimeType,
		Size:        size,
		SHA256:      norm,
		Description: strings.TrimSpace(description),
	}
	if err := s.store.AddEvidence(ctx, ev); err != nil {
		return nil, err
	}
	return ev, nil
}

// ListEvidence returns committed evidence, oldest first.
func (s *Service) ListEvidence(ctx context.Context, rawID string, caller escrow.Identity) ([]*Evidence, error) {
	e, err := s.guardedEscrow(ctx, rawID, caller)
	if err != nil {
		return nil, err
	}
	return s.store.ListEvidence(ctx, e.ID)
}

// ContentHash digests text concatenated with the attachment URI. It exists
// for tamper evidence, not deduplication.
func ContentHash(text, attachmentURI string) string {
	sum := sha256.Sum256([]byte(text + attachmentURI))
	return hex.EncodeToString(sum[:])
}

func (s *Service) meta(e *escrow.Escrow, caller escrow.Identity) RecordMeta {
	return RecordMeta{
		ID:        idgen.WithPrefix("rec_"),
		EscrowID:  e.ID,
		Actor:     caller.Address,
		CreatedAt: time.Now().UTC(),
	}
}

func (s *Service) loadEscrow(ctx context.Context, rawID string) (*escrow.Escrow, error) {
	id, err := ethutil.ParseEscrowID(rawID)
	if err != nil {
		return nil, err
	}
	e, err := s.escrows.Get(ctx, id)
	if errors.Is(err, escrow.ErrEscrowNotFound) {
		return nil, apperr.New(apperr.NotFound, err)
	}
	return e, err
}

func (s *Service) guardedEscrow(ctx context.Context, rawID string, caller escrow.Identity) (*escrow.Escrow, error) {
	e, err := s.loadEscrow(ctx, rawID)
	if err != nil {
		return nil, err
	}
	if err := escrow.RequireView(e, caller); err != nil {
		return nil, err
	}
	return e, nil
}

// notifyCounterparty fires exactly one notification to the participant that
// is not the actor. No counterparty yet (no buyer) means no notification, and
// that is not an error.
func (s *Service) notifyCounterparty(ctx context.Context, e *escrow.Escrow, actor, eventType, title, message string) {
	if s.dispatcher == nil {
		return
	}
	cp := e.Counterparty(actor)
	if cp == "" {
		return
	}
	s.dispatcher.QueueEvent(ctx, notify.Event{
		Type:      eventType,
		EscrowID:  e.ID.String(),
		Sender:    actor,
		Recipient: cp,
		Title:     title,
		Message:   message,
	})
}

// parseDigest validates a hex SHA-256 digest, with or without 0x prefix, and
// returns it lower-case without the prefix.
func parseDigest(digest string) (string, error) {
	d := strings.TrimPrefix(strings.ToLower(strings.TrimSpace(digest)), "0x")
	if len(d) != 64 {
		return "", apperr.Newf(apperr.BadRequest, "sha256 must be 64 hex characters")
	}
	if _, err := hex.DecodeString(d); err != nil {
		return "", apperr.Newf(apperr.BadRequest, "sha256 must be hex")
	}
	return d, nil
}

// sanitizeFilename keeps the base name and strips path separators and
// whitespace.
func sanitizeFilename(name string) string {
	name = strings.TrimSpace(name)
	name = path.Base(strings.ReplaceAll(name, "\\", "/"))
	if name == "." || name == "/" {
		return ""
	}
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			return r
		case r == '.', r == '-', r == '_':
			return r
		default:
			return '_'
		}
	}, name)
}
