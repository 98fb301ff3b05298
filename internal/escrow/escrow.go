// Package escrow mirrors on-chain escrow state into an authoritative record
// plus an immutable, ordered timeline of applied events.
//
// Two sources drive the state machine:
//  1. On-chain events, ingested in (blockNumber, logIndex) order. These are
//     authoritative: a legal edge from the current state is always applied.
//  2. Coordination actions (opening a dispute), which additionally pass the
//     access guard and the dispute-eligibility check.
//
// Duplicate deliveries of the same log position are no-ops; positions older
// than the last applied one are rejected and logged, never force-applied.
package escrow

import (
	"context"
	"errors"
	"log/slog"
	"math"
	"strconv"
	"time"

	"github.com/peervault/peervault/internal/apperr"
	"github.com/peervault/peervault/internal/ethutil"
	"github.com/peervault/peervault/internal/metrics"
	"github.com/peervault/peervault/internal/retry"
	"github.com/peervault/peervault/internal/traces"
)

var (
	ErrEscrowNotFound = errors.New("escrow not found")
	ErrDuplicateEntry = errors.New("timeline entry already applied")
	ErrStalePosition  = errors.New("event position older than last applied")
	ErrConflict       = errors.New("concurrent escrow update")
	ErrNoEdge         = errors.New("no legal transition from current state")
)

// State is the lifecycle state of an escrow.
type State string

const (
	StateCreated          State = "CREATED"
	StateTaken            State = "TAKEN"
	StateFunded           State = "FUNDED"
	StatePaymentConfirmed State = "PAYMENT_CONFIRMED"
	StateDisputed         State = "DISPUTED"
	StateResolved         State = "RESOLVED"
	StateCancelled        State = "CANCELLED"
)

// ParseState validates a state string.
func ParseState(s string) (State, error) {
	switch State(s) {
	case StateCreated, StateTaken, StateFunded, StatePaymentConfirmed,
		StateDisputed, StateResolved, StateCancelled:
		return State(s), nil
	}
	return "", apperr.Newf(apperr.BadRequest, "invalid escrow state %q", s)
}

// Terminal reports whether the state admits no further transitions.
func (s State) Terminal() bool {
	return s == StateResolved || s == StateCancelled
}

// EventName identifies an on-chain escrow event.
type EventName string

const (
	EventCreated          EventName = "Created"
	EventTaken            EventName = "Taken"
	EventFunded           EventName = "Funded"
	EventPaymentConfirmed EventName = "PaymentConfirmed"
	EventDisputed         EventName = "Disputed"
	EventResolved         EventName = "Resolved"
	EventReleased         EventName = "Released"
	EventCancelled        EventName = "Cancelled"
)

// ParseEvent validates an event name.
func ParseEvent(s string) (EventName, error) {
	switch EventName(s) {
	case EventCreated, EventTaken, EventFunded, EventPaymentConfirmed,
		EventDisputed, EventResolved, EventReleased, EventCancelled:
		return EventName(s), nil
	}
	return "", apperr.Newf(apperr.BadRequest, "invalid event name %q", s)
}

// transitions is the complete edge set of the state machine. Created is not
// an edge: it materializes the escrow row itself.
var transitions = map[State]map[EventName]State{
	StateCreated: {
		EventTaken:     StateTaken,
		EventCancelled: StateCancelled,
	},
	StateTaken: {
		EventFunded:    StateFunded,
		EventCancelled: StateCancelled,
	},
	StateFunded: {
		EventPaymentConfirmed: StatePaymentConfirmed,
		EventDisputed:         StateDisputed,
	},
	StatePaymentConfirmed: {
		EventReleased: StateResolved,
		EventDisputed: StateDisputed,
	},
	StateDisputed: {
		EventResolved: StateResolved,
	},
}

// Next returns the state reached by applying event from state, or a
// StateInvalid error when no such edge exists.
func Next(state State, event EventName) (State, error) {
	if next, ok := transitions[state][event]; ok {
		return next, nil
	}
	return "", apperr.New(apperr.StateInvalid, ErrNoEdge)
}

// DisputeEligible reports whether a dispute may be opened from the state.
func DisputeEligible(s State) bool {
	return s == StateFunded || s == StatePaymentConfirmed
}

// Escrow is the authoritative record of one on-chain escrow.
// All amounts are unsigned integers in the token's minor units, clamped to
// maxAmount on ingest; addresses are canonical lower-case.
type Escrow struct {
	ID             ethutil.EscrowID `json:"id"`
	ChainID        int64            `json:"chainId"`
	Token          string           `json:"token"`
	Amount         uint64           `json:"amount"`
	FeeAmount      uint64           `json:"feeAmount"`
	SellerBond     uint64           `json:"sellerBond"`
	BuyerBond      uint64           `json:"buyerBond"`
	Seller         string           `json:"seller"`
	Buyer          string           `json:"buyer,omitempty"` // empty until taken
	State          State            `json:"state"`
	UpdatedAtBlock uint64           `json:"updatedAtBlock"`
	CreatedAt      time.Time        `json:"createdAt"`
	UpdatedAt      time.Time        `json:"updatedAt"`
}

// IsParticipant reports whether addr is the seller or buyer.
// Comparison ignores casing; malformed addresses never match.
func (e *Escrow) IsParticipant(addr string) bool {
	if addr == "" {
		return false
	}
	if ethutil.SameAddress(addr, e.Seller) {
		return true
	}
	return e.Buyer != "" && ethutil.SameAddress(addr, e.Buyer)
}

// Counterparty returns the participant that is not actor, or "" when the
// escrow has no such party yet.
func (e *Escrow) Counterparty(actor string) string {
	if ethutil.SameAddress(actor, e.Seller) {
		return e.Buyer
	}
	if e.Buyer != "" && ethutil.SameAddress(actor, e.Buyer) {
		return e.Seller
	}
	return ""
}

// TimelineEntry is one immutable record of an on-chain event applied to an
// escrow. Entries are totally ordered by (BlockNumber, LogIndex); ties are
// broken by log index, never by insertion time.
type TimelineEntry struct {
	EscrowID    ethutil.EscrowID `json:"escrowId"`
	Event       EventName        `json:"event"`
	StateAfter  State            `json:"stateAfter"`
	TxHash      string           `json:"txHash"`
	BlockNumber uint64           `json:"blockNumber"`
	LogIndex    uint             `json:"logIndex"`
	Timestamp   time.Time        `json:"timestamp"`
	Payload     map[string]any   `json:"payload,omitempty"`
}

// ChainEvent is the ingestion input supplied by the indexer.
type ChainEvent struct {
	ChainID     int64          `json:"chainId"`
	EscrowID    string         `json:"escrowId"`
	Event       string         `json:"eventName"`
	StateAfter  string         `json:"stateAfter,omitempty"`
	TxHash      string         `json:"txHash"`
	BlockNumber uint64         `json:"blockNumber"`
	LogIndex    uint           `json:"logIndex"`
	Timestamp   time.Time      `json:"timestamp"`
	Payload     map[string]any `json:"payload,omitempty"`
}

// positionAtOrBefore reports whether position (b1, l1) is at or before
// (b2, l2).
func positionAtOrBefore(b1 uint64, l1 uint, b2 uint64, l2 uint) bool {
	if b1 != b2 {
		return b1 < b2
	}
	return l1 <= l2
}

// Store persists escrows and their timelines. Implementations must make
// CreateWithEntry and ApplyTransition atomic: the escrow write and the
// timeline append commit together or not at all.
type Store interface {
	// CreateWithEntry inserts a new escrow plus its Created timeline entry.
	// A duplicate escrow ID yields ErrDuplicateEntry.
	CreateWithEntry(ctx context.Context, e *Escrow, entry *TimelineEntry) error
	Get(ctx context.Context, id ethutil.EscrowID) (*Escrow, error)
	ListByParty(ctx context.Context, addr string, limit int) ([]*Escrow, error)
	// Timeline returns all entries ordered by (blockNumber, logIndex) ascending.
	Timeline(ctx context.Context, id ethutil.EscrowID) ([]*TimelineEntry, error)
	HasEntry(ctx context.Context, id ethutil.EscrowID, block uint64, logIndex uint) (bool, error)
	// LastPosition returns the highest applied (block, logIndex) for the
	// escrow; ok is false when no entry exists.
	LastPosition(ctx context.Context, id ethutil.EscrowID) (block uint64, logIndex uint, ok bool, err error)
	// ApplyTransition writes next.State/Buyer/UpdatedAtBlock and appends entry
	// in one atomic unit. The write is conditional on the escrow still being
	// at prev's state and block; a lost race yields ErrConflict.
	ApplyTransition(ctx context.Context, prev *Escrow, next *Escrow, entry *TimelineEntry) error
}

// TransitionListener observes committed transitions. Implementations must not
// block and must swallow their own failures: they run after commit and can
// never roll the transition back. The context carries the ingest actor; its
// cancellation must not gate the listener's own work.
type TransitionListener interface {
	EscrowTransitioned(ctx context.Context, e *Escrow, entry *TimelineEntry)
}

// DefaultIngestActor attributes events applied without an explicit submitter,
// i.e. by the in-process chain watcher.
const DefaultIngestActor = "indexer"

type ingestActorKey struct{}

// WithIngestActor records who submitted an event for ingestion so post-commit
// listeners can attribute audit entries to them.
func WithIngestActor(ctx context.Context, actor string) context.Context {
	return context.WithValue(ctx, ingestActorKey{}, actor)
}

// IngestActor returns the recorded submitter, or DefaultIngestActor.
func IngestActor(ctx context.Context) string {
	if actor, ok := ctx.Value(ingestActorKey{}).(string); ok && actor != "" {
		return actor
	}
	return DefaultIngestActor
}

const (
	transientAttempts = 3
	transientBackoff  = 20 * time.Millisecond
)

// Service applies on-chain events against the escrow store.
type Service struct {
	store     Store
	listeners []TransitionListener
	logger    *slog.Logger
}

// NewService creates an escrow service.
func NewService(store Store, logger *slog.Logger) *Service {
	return &Service{store: store, logger: logger}
}

// WithListener registers a post-commit transition listener.
func (s *Service) WithListener(l TransitionListener) *Service {
	s.listeners = append(s.listeners, l)
	return s
}

// Store exposes the underlying store to collaborating services (the dispute
// workflow reads and guards escrows through the same source of truth).
func (s *Service) Store() Store { return s.store }

// Get returns one escrow, guarded: only participants and privileged roles
// may view it.
func (s *Service) Get(ctx context.Context, rawID string, caller Identity) (*Escrow, error) {
	id, err := ethutil.ParseEscrowID(rawID)
	if err != nil {
		return nil, err
	}
	e, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := RequireView(e, caller); err != nil {
		return nil, err
	}
	return e, nil
}

// Timeline returns the escrow's applied events in (block, logIndex) order.
func (s *Service) Timeline(ctx context.Context, rawID string, caller Identity) ([]*TimelineEntry, error) {
	id, err := ethutil.ParseEscrowID(rawID)
	if err != nil {
		return nil, err
	}
	e, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := RequireView(e, caller); err != nil {
		return nil, err
	}
	return s.store.Timeline(ctx, id)
}

// ListByParty returns escrows where addr is seller or buyer.
func (s *Service) ListByParty(ctx context.Context, addr string, limit int) ([]*Escrow, error) {
	norm, err := ethutil.NormalizeAddress(addr)
	if err != nil {
		return nil, err
	}
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	return s.store.ListByParty(ctx, norm, limit)
}

// Ingest applies one on-chain event. Re-delivery of an already-applied
// (escrowId, blockNumber, logIndex) is a no-op; a position older than the
// last applied one is rejected. Write contention is retried internally a
// bounded number of times before surfacing as Transient.
func (s *Service) Ingest(ctx context.Context, ev ChainEvent) (*Escrow, error) {
	id, err := ethutil.ParseEscrowID(ev.EscrowID)
	if err != nil {
		return nil, err
	}
	event, err := ParseEvent(ev.Event)
	if err != nil {
		return nil, err
	}

	ctx, span := traces.StartSpan(ctx, "escrow.ingest",
		traces.EscrowID(id.String()),
		traces.ChainEvent(string(event)),
		traces.BlockNumber(ev.BlockNumber),
	)
	defer span.End()

	var applied *Escrow
	var entry *TimelineEntry
	err = retry.Do(ctx, transientAttempts, transientBackoff, func() error {
		e, appErr := s.ingestOnce(ctx, id, event, ev)
		if appErr != nil {
			if errors.Is(appErr, ErrConflict) {
				return appErr // retried
			}
			return retry.Permanent(appErr)
		}
		applied = e.escrow
		entry = e.entry
		return nil
	})
	if err != nil {
		if errors.Is(err, ErrConflict) {
			err = apperr.New(apperr.Transient, err)
		}
		metrics.TransitionsTotal.WithLabelValues(string(event), "rejected").Inc()
		return nil, err
	}

	if entry != nil {
		metrics.TransitionsTotal.WithLabelValues(string(event), "applied").Inc()
		s.notify(ctx, applied, entry)
	}
	return applied, nil
}

type ingestResult struct {
	escrow *Escrow
	entry  *TimelineEntry // nil when the event was a duplicate no-op
}

func (s *Service) ingestOnce(ctx context.Context, id ethutil.EscrowID, event EventName, ev ChainEvent) (ingestResult, error) {
	e, err := s.store.Get(ctx, id)
	if errors.Is(err, ErrEscrowNotFound) {
		if event != EventCreated {
			return ingestResult{}, apperr.New(apperr.NotFound, ErrEscrowNotFound)
		}
		return s.createFromEvent(ctx, id, ev)
	}
	if err != nil {
		return ingestResult{}, err
	}

	seen, err := s.store.HasEntry(ctx, id, ev.BlockNumber, ev.LogIndex)
	if err != nil {
		return ingestResult{}, err
	}
	if seen {
		metrics.IngestDuplicatesTotal.Inc()
		s.logger.Debug("duplicate event delivery skipped",
			"escrow", id.String(), "event", event,
			"block", ev.BlockNumber, "log_index", ev.LogIndex)
		return ingestResult{escrow: e}, nil
	}

	if lastBlock, lastLog, ok, err := s.store.LastPosition(ctx, id); err != nil {
		return ingestResult{}, err
	} else if ok && positionAtOrBefore(ev.BlockNumber, ev.LogIndex, lastBlock, lastLog) {
		metrics.IngestStaleTotal.Inc()
		s.logger.Warn("stale event position rejected",
			"escrow", id.String(), "event", event,
			"block", ev.BlockNumber, "log_index", ev.LogIndex,
			"last_block", lastBlock, "last_log_index", lastLog)
		return ingestResult{}, apperr.New(apperr.StateInvalid, ErrStalePosition)
	}

	nextState, err := Next(e.State, event)
	if err != nil {
		return ingestResult{}, err
	}
	if ev.StateAfter != "" && ev.StateAfter != string(nextState) {
		// The indexer's view of the resulting state disagrees with ours.
		// Ours is derived from the edge table, so apply it and flag the skew.
		s.logger.Warn("indexer stateAfter disagrees with state machine",
			"escrow", id.String(), "event", event,
			"indexer", ev.StateAfter, "machine", nextState)
	}

	next := *e
	next.State = nextState
	next.UpdatedAtBlock = ev.BlockNumber
	next.UpdatedAt = time.Now().UTC()
	if event == EventTaken {
		buyer, err := payloadAddress(ev.Payload, "buyer")
		if err != nil {
			return ingestResult{}, err
		}
		next.Buyer = buyer
	}

	entry := &TimelineEntry{
		EscrowID:    id,
		Event:       event,
		StateAfter:  nextState,
		TxHash:      ev.TxHash,
		BlockNumber: ev.BlockNumber,
		LogIndex:    ev.LogIndex,
		Timestamp:   ev.Timestamp,
		Payload:     ev.Payload,
	}

	if err := s.store.ApplyTransition(ctx, e, &next, entry); err != nil {
		if errors.Is(err, ErrDuplicateEntry) {
			// A concurrent worker applied the same delivery first.
			metrics.IngestDuplicatesTotal.Inc()
			return ingestResult{escrow: e}, nil
		}
		return ingestResult{}, err
	}
	return ingestResult{escrow: &next, entry: entry}, nil
}

func (s *Service) createFromEvent(ctx context.Context, id ethutil.EscrowID, ev ChainEvent) (ingestResult, error) {
	seller, err := payloadAddress(ev.Payload, "seller")
	if err != nil {
		return ingestResult{}, err
	}
	if seller == "" {
		return ingestResult{}, apperr.Newf(apperr.BadRequest, "Created event missing seller")
	}
	token, err := payloadAddress(ev.Payload, "token")
	if err != nil {
		return ingestResult{}, err
	}

	now := time.Now().UTC()
	e := &Escrow{
		ID:             id,
		ChainID:        ev.ChainID,
		Token:          token,
		Amount:         payloadUint(ev.Payload, "amount"),
		FeeAmount:      payloadUint(ev.Payload, "feeAmount"),
		SellerBond:     payloadUint(ev.Payload, "sellerBond"),
		BuyerBond:      payloadUint(ev.Payload, "buyerBond"),
		Seller:         seller,
		State:          StateCreated,
		UpdatedAtBlock: ev.BlockNumber,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	entry := &TimelineEntry{
		EscrowID:    id,
		Event:       EventCreated,
		StateAfter:  StateCreated,
		TxHash:      ev.TxHash,
		BlockNumber: ev.BlockNumber,
		LogIndex:    ev.LogIndex,
		Timestamp:   ev.Timestamp,
		Payload:     ev.Payload,
	}
	if err := s.store.CreateWithEntry(ctx, e, entry); err != nil {
		if errors.Is(err, ErrDuplicateEntry) {
			// Redelivered Created event; the row already exists.
			metrics.IngestDuplicatesTotal.Inc()
			existing, getErr := s.store.Get(ctx, id)
			if getErr != nil {
				return ingestResult{}, getErr
			}
			return ingestResult{escrow: existing}, nil
		}
		return ingestResult{}, err
	}
	metrics.TransitionsTotal.WithLabelValues(string(EventCreated), "applied").Inc()
	s.notify(ctx, e, entry)
	return ingestResult{escrow: e}, nil
}

// notify runs post-commit listeners. Listener failures are the listener's
// own; nothing here can fail the committed transition.
func (s *Service) notify(ctx context.Context, e *Escrow, entry *TimelineEntry) {
	for _, l := range s.listeners {
		l.EscrowTransitioned(ctx, e, entry)
	}
}

// payloadAddress extracts and normalizes an address field from an event
// payload. Absent fields yield ""; present-but-malformed fields error.
func payloadAddress(payload map[string]any, key string) (string, error) {
	v, ok := payload[key]
	if !ok {
		return "", nil
	}
	str, ok := v.(string)
	if !ok {
		return "", apperr.Newf(apperr.BadRequest, "payload field %q is not an address", key)
	}
	return ethutil.NormalizeAddress(str)
}

// maxAmount caps parsed token amounts at the BIGINT storage bound. The chain
// reports uint256 words; anything above the cap is clamped, never wrapped.
const maxAmount uint64 = math.MaxInt64

// payloadUint extracts an unsigned integer field that may arrive as a JSON
// number or a decimal string. Missing or malformed fields yield 0; values
// beyond maxAmount clamp to it.
func payloadUint(payload map[string]any, key string) uint64 {
	switch v := payload[key].(type) {
	case float64:
		if v < 0 {
			return 0
		}
		if v >= float64(maxAmount) {
			return maxAmount
		}
		return uint64(v)
	case string:
		n, err := strconv.ParseUint(v, 10, 64)
		if errors.Is(err, strconv.ErrRange) {
			return maxAmount
		}
		if err != nil {
			return 0
		}
		return min(n, maxAmount)
	case uint64:
		return min(v, maxAmount)
	case int:
		if v < 0 {
			return 0
		}
		return uint64(v)
	}
	return 0
}
