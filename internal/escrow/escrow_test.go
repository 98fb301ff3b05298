package escrow

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/peervault/peervault/internal/apperr"
)

const (
	sellerAddr = "0x1111111111111111111111111111111111111111"
	buyerAddr  = "0x2222222222222222222222222222222222222222"
	tokenAddr  = "0x036cbd53842c5426634e7929541ec2318f3dcf7e"
)

var escrowIDRaw = "0x" + strings.Repeat("ab", 32)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func newTestService() (*Service, *MemoryStore) {
	store := NewMemoryStore()
	return NewService(store, testLogger()), store
}

func mkEvent(event string, block uint64, logIndex uint, payload map[string]any) ChainEvent {
	return ChainEvent{
		ChainID:     84532,
		EscrowID:    escrowIDRaw,
		Event:       event,
		TxHash:      fmt.Sprintf("0xtx%d_%d", block, logIndex),
		BlockNumber: block,
		LogIndex:    logIndex,
		Timestamp:   time.Unix(1700000000+int64(block), 0), //nolint:gosec
		Payload:     payload,
	}
}

func createdEvent(block uint64, logIndex uint) ChainEvent {
	return mkEvent("Created", block, logIndex, map[string]any{
		"seller":     sellerAddr,
		"token":      tokenAddr,
		"amount":     "1500000",
		"feeAmount":  "15000",
		"sellerBond": "100000",
		"buyerBond":  "100000",
	})
}

func takenEvent(block uint64, logIndex uint) ChainEvent {
	return mkEvent("Taken", block, logIndex, map[string]any{"buyer": buyerAddr})
}

// advanceTo drives a fresh escrow to the given state.
func advanceTo(t *testing.T, svc *Service, target State) *Escrow {
	t.Helper()
	ctx := context.Background()
	steps := []ChainEvent{
		createdEvent(100, 0),
		takenEvent(101, 0),
		mkEvent("Funded", 102, 0, nil),
		mkEvent("PaymentConfirmed", 103, 0, nil),
	}
	wantAfter := []State{StateCreated, StateTaken, StateFunded, StatePaymentConfirmed}

	var e *Escrow
	for i, ev := range steps {
		var err error
		e, err = svc.Ingest(ctx, ev)
		if err != nil {
			t.Fatalf("step %d (%s): %v", i, ev.Event, err)
		}
		if wantAfter[i] == target {
			return e
		}
	}
	t.Fatalf("advanceTo: unsupported target %s", target)
	return e
}

func TestIngestCreated(t *testing.T) {
	svc, store := newTestService()
	ctx := context.Background()

	e, err := svc.Ingest(ctx, createdEvent(100, 0))
	if err != nil {
		t.Fatalf("ingest: %v", err)
	}
	if e.State != StateCreated {
		t.Fatalf("expected CREATED, got %s", e.State)
	}
	if e.Seller != sellerAddr || e.Buyer != "" {
		t.Fatalf("bad parties: seller=%s buyer=%q", e.Seller, e.Buyer)
	}
	if e.Amount != 1500000 || e.FeeAmount != 15000 {
		t.Fatalf("bad amounts: %d / %d", e.Amount, e.FeeAmount)
	}
	if e.UpdatedAtBlock != 100 {
		t.Fatalf("expected updatedAtBlock 100, got %d", e.UpdatedAtBlock)
	}

	entries, err := store.Timeline(ctx, e.ID)
	if err != nil || len(entries) != 1 {
		t.Fatalf("expected 1 timeline entry, got %d (%v)", len(entries), err)
	}
}

func TestPayloadUintParsing(t *testing.T) {
	cases := []struct {
		name string
		in   any
		want uint64
	}{
		{"decimal string", "1500000", 1500000},
		{"json number", float64(2500000), 2500000},
		{"negative number", float64(-1), 0},
		{"garbage string", "12x4", 0},
		{"missing", nil, 0},
		{"at cap", "9223372036854775807", maxAmount},
		{"just above cap", "9223372036854775808", maxAmount},
		{"uint256 word", "115792089237316195423570985008687907853269984665640564039457584007913129639935", maxAmount},
		{"uint64 beyond cap", uint64(math.MaxUint64), maxAmount},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			payload := map[string]any{}
			if tc.in != nil {
				payload["amount"] = tc.in
			}
			if got := payloadUint(payload, "amount"); got != tc.want {
				t.Errorf("payloadUint = %d, want %d", got, tc.want)
			}
		})
	}
}

func TestIngestClampsOversizedAmount(t *testing.T) {
	svc, _ := newTestService()
	ev := mkEvent("Created", 100, 0, map[string]any{
		"seller": sellerAddr,
		"token":  tokenAddr,
		"amount": "20000000000000000000", // 20 tokens at 18 decimals
	})
	e, err := svc.Ingest(context.Background(), ev)
	if err != nil {
		t.Fatalf("ingest: %v", err)
	}
	if e.Amount != maxAmount {
		t.Fatalf("amount = %d, want clamp to %d", e.Amount, maxAmount)
	}
}

// Scenario A: escrow in CREATED, buyer takes it.
func TestScenarioBuyerTakes(t *testing.T) {
	svc, store := newTestService()
	ctx := context.Background()

	if _, err := svc.Ingest(ctx, createdEvent(100, 0)); err != nil {
		t.Fatalf("create: %v", err)
	}
	e, err := svc.Ingest(ctx, takenEvent(101, 0))
	if err != nil {
		t.Fatalf("take: %v", err)
	}
	if e.State != StateTaken {
		t.Fatalf("expected TAKEN, got %s", e.State)
	}
	if e.Buyer != buyerAddr {
		t.Fatalf("buyer not captured: %q", e.Buyer)
	}
	entries, _ := store.Timeline(ctx, e.ID)
	if len(entries) != 2 {
		t.Fatalf("expected 2 timeline entries, got %d", len(entries))
	}
}

func TestStateMachineCompleteness(t *testing.T) {
	allStates := []State{StateCreated, StateTaken, StateFunded, StatePaymentConfirmed,
		StateDisputed, StateResolved, StateCancelled}
	allEvents := []EventName{EventTaken, EventFunded, EventPaymentConfirmed,
		EventDisputed, EventResolved, EventReleased, EventCancelled}

	type edge struct {
		from  State
		event EventName
		to    State
	}
	declared := []edge{
		{StateCreated, EventTaken, StateTaken},
		{StateCreated, EventCancelled, StateCancelled},
		{StateTaken, EventFunded, StateFunded},
		{StateTaken, EventCancelled, StateCancelled},
		{StateFunded, EventPaymentConfirmed, StatePaymentConfirmed},
		{StateFunded, EventDisputed, StateDisputed},
		{StatePaymentConfirmed, EventReleased, StateResolved},
		{StatePaymentConfirmed, EventDisputed, StateDisputed},
		{StateDisputed, EventResolved, StateResolved},
	}

	isEdge := func(from State, ev EventName) (State, bool) {
		for _, d := range declared {
			if d.from == from && d.event == ev {
				return d.to, true
			}
		}
		return "", false
	}

	for _, from := range allStates {
		for _, ev := range allEvents {
			next, err := Next(from, ev)
			if to, ok := isEdge(from, ev); ok {
				if err != nil {
					t.Errorf("%s + %s: expected edge to %s, got error %v", from, ev, to, err)
				} else if next != to {
					t.Errorf("%s + %s: expected %s, got %s", from, ev, to, next)
				}
			} else {
				if !apperr.Is(err, apperr.StateInvalid) {
					t.Errorf("%s + %s: expected StateInvalid, got %v / %v", from, ev, next, err)
				}
			}
		}
	}

	// Terminal states admit nothing.
	for _, s := range []State{StateResolved, StateCancelled} {
		if !s.Terminal() {
			t.Errorf("%s should be terminal", s)
		}
	}
}

func TestIngestIdempotent(t *testing.T) {
	svc, store := newTestService()
	ctx := context.Background()

	if _, err := svc.Ingest(ctx, createdEvent(100, 0)); err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := svc.Ingest(ctx, takenEvent(101, 0)); err != nil {
		t.Fatalf("take: %v", err)
	}

	// Re-deliver both events verbatim: no error, no change.
	before, _ := store.Get(ctx, mustID(t))
	if _, err := svc.Ingest(ctx, createdEvent(100, 0)); err != nil {
		t.Fatalf("duplicate create should be a no-op, got %v", err)
	}
	if _, err := svc.Ingest(ctx, takenEvent(101, 0)); err != nil {
		t.Fatalf("duplicate take should be a no-op, got %v", err)
	}
	after, _ := store.Get(ctx, mustID(t))
	if before.State != after.State || before.UpdatedAtBlock != after.UpdatedAtBlock {
		t.Fatal("duplicate delivery mutated the escrow")
	}
	entries, _ := store.Timeline(ctx, mustID(t))
	if len(entries) != 2 {
		t.Fatalf("duplicate delivery appended entries: %d", len(entries))
	}
}

func TestIngestRejectsStalePosition(t *testing.T) {
	svc, _ := newTestService()
	ctx := context.Background()

	if _, err := svc.Ingest(ctx, createdEvent(100, 5)); err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := svc.Ingest(ctx, takenEvent(101, 0)); err != nil {
		t.Fatalf("take: %v", err)
	}

	// A new event at an older log position must be rejected.
	stale := mkEvent("Funded", 100, 9, nil)
	_, err := svc.Ingest(ctx, stale)
	if !apperr.Is(err, apperr.StateInvalid) {
		t.Fatalf("expected StateInvalid for stale position, got %v", err)
	}

	// A position that was already applied is a duplicate no-op, even when the
	// event name differs: presence in the timeline set wins.
	dup := mkEvent("Funded", 101, 0, nil)
	if _, err := svc.Ingest(ctx, dup); err != nil {
		t.Fatalf("already-applied position should be a no-op, got %v", err)
	}
}

func TestIngestRejectsIllegalEdge(t *testing.T) {
	svc, store := newTestService()
	ctx := context.Background()

	if _, err := svc.Ingest(ctx, createdEvent(100, 0)); err != nil {
		t.Fatalf("create: %v", err)
	}
	// Funded directly from CREATED is not an edge.
	_, err := svc.Ingest(ctx, mkEvent("Funded", 101, 0, nil))
	if !apperr.Is(err, apperr.StateInvalid) {
		t.Fatalf("expected StateInvalid, got %v", err)
	}
	e, _ := store.Get(ctx, mustID(t))
	if e.State != StateCreated {
		t.Fatalf("rejected event mutated state to %s", e.State)
	}
	entries, _ := store.Timeline(ctx, mustID(t))
	if len(entries) != 1 {
		t.Fatalf("rejected event appended an entry: %d", len(entries))
	}
}

func TestIngestUnknownEscrowNonCreated(t *testing.T) {
	svc, _ := newTestService()
	_, err := svc.Ingest(context.Background(), takenEvent(101, 0))
	if !apperr.Is(err, apperr.NotFound) {
		t.Fatalf("expected NotFound, got %v", err)
	}
}

func TestIngestValidation(t *testing.T) {
	svc, _ := newTestService()
	ctx := context.Background()

	ev := createdEvent(100, 0)
	ev.EscrowID = "0x123" // malformed
	if _, err := svc.Ingest(ctx, ev); !apperr.Is(err, apperr.BadRequest) {
		t.Fatalf("expected BadRequest for malformed id, got %v", err)
	}

	ev = createdEvent(100, 0)
	ev.Event = "Exploded"
	if _, err := svc.Ingest(ctx, ev); !apperr.Is(err, apperr.BadRequest) {
		t.Fatalf("expected BadRequest for unknown event, got %v", err)
	}

	ev = createdEvent(100, 0)
	ev.Payload["seller"] = "not-an-address"
	if _, err := svc.Ingest(ctx, ev); !apperr.Is(err, apperr.BadRequest) {
		t.Fatalf("expected BadRequest for malformed seller, got %v", err)
	}
}

// Out-of-order full drain: the stored read order must match block order.
func TestTimelineOrderingUnderOutOfOrderDelivery(t *testing.T) {
	svc, store := newTestService()
	ctx := context.Background()

	// Deliver Created late relative to wall clock but first in block order;
	// then deliver the rest, including a duplicate in the middle.
	events := []ChainEvent{
		createdEvent(100, 2),
		takenEvent(104, 0),
		takenEvent(104, 0), // duplicate
		mkEvent("Funded", 104, 3, nil),
		mkEvent("PaymentConfirmed", 110, 1, nil),
	}
	for _, ev := range events {
		if _, err := svc.Ingest(ctx, ev); err != nil {
			t.Fatalf("%s@%d/%d: %v", ev.Event, ev.BlockNumber, ev.LogIndex, err)
		}
	}

	entries, err := store.Timeline(ctx, mustID(t))
	if err != nil {
		t.Fatalf("timeline: %v", err)
	}
	if len(entries) != 4 {
		t.Fatalf("expected 4 entries, got %d", len(entries))
	}
	for i := 1; i < len(entries); i++ {
		prev, cur := entries[i-1], entries[i]
		if cur.BlockNumber < prev.BlockNumber ||
			(cur.BlockNumber == prev.BlockNumber && cur.LogIndex <= prev.LogIndex) {
			t.Fatalf("timeline out of order at %d: %+v then %+v", i, prev, cur)
		}
	}
	if entries[len(entries)-1].StateAfter != StatePaymentConfirmed {
		t.Fatalf("unexpected final state %s", entries[len(entries)-1].StateAfter)
	}
}

type recordingListener struct {
	mu     sync.Mutex
	events []EventName
	actors []string
}

func (r *recordingListener) EscrowTransitioned(ctx context.Context, e *Escrow, entry *TimelineEntry) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, entry.Event)
	r.actors = append(r.actors, IngestActor(ctx))
}

func TestListenerFiresOncePerTransition(t *testing.T) {
	svc, _ := newTestService()
	rec := &recordingListener{}
	svc.WithListener(rec)
	ctx := context.Background()

	if _, err := svc.Ingest(ctx, createdEvent(100, 0)); err != nil {
		t.Fatal(err)
	}
	if _, err := svc.Ingest(ctx, takenEvent(101, 0)); err != nil {
		t.Fatal(err)
	}
	// Duplicate must not re-fire.
	if _, err := svc.Ingest(ctx, takenEvent(101, 0)); err != nil {
		t.Fatal(err)
	}

	rec.mu.Lock()
	defer rec.mu.Unlock()
	if len(rec.events) != 2 {
		t.Fatalf("expected 2 listener calls, got %d (%v)", len(rec.events), rec.events)
	}
}

func TestListenerReceivesIngestActor(t *testing.T) {
	svc, _ := newTestService()
	rec := &recordingListener{}
	svc.WithListener(rec)
	ctx := context.Background()

	// No explicit actor: the watcher path.
	if _, err := svc.Ingest(ctx, createdEvent(100, 0)); err != nil {
		t.Fatal(err)
	}
	// Explicit actor: an admin pushing through the ingest endpoint.
	if _, err := svc.Ingest(WithIngestActor(ctx, sellerAddr), takenEvent(101, 0)); err != nil {
		t.Fatal(err)
	}

	rec.mu.Lock()
	defer rec.mu.Unlock()
	want := []string{DefaultIngestActor, sellerAddr}
	if len(rec.actors) != len(want) {
		t.Fatalf("listener actors = %v", rec.actors)
	}
	for i := range want {
		if rec.actors[i] != want[i] {
			t.Errorf("actor[%d] = %q, want %q", i, rec.actors[i], want[i])
		}
	}
}

// Scenario E: two racing transitions from FUNDED; exactly one wins.
func TestConcurrentTransitionsSingleWinner(t *testing.T) {
	svc, store := newTestService()
	ctx := context.Background()
	advanceTo(t, svc, StateFunded)

	var wg sync.WaitGroup
	errs := make([]error, 2)
	racers := []ChainEvent{
		mkEvent("PaymentConfirmed", 103, 0, nil),
		mkEvent("Disputed", 103, 1, nil),
	}
	for i, ev := range racers {
		wg.Add(1)
		go func(i int, ev ChainEvent) {
			defer wg.Done()
			_, errs[i] = svc.Ingest(ctx, ev)
		}(i, ev)
	}
	wg.Wait()

	// Depending on interleaving either both edges apply (confirm, then
	// dispute from PAYMENT_CONFIRMED) or the second loses the legal-edge
	// check. Never a half-applied state, never a silent overwrite.
	wins := 0
	for _, err := range errs {
		if err == nil {
			wins++
		} else if !apperr.Is(err, apperr.StateInvalid) && !apperr.Is(err, apperr.Transient) {
			t.Fatalf("loser saw unexpected error kind: %v", err)
		}
	}
	if wins == 0 {
		t.Fatalf("expected at least one winner, got %v", errs)
	}

	e, _ := store.Get(ctx, mustID(t))
	if wins == 2 && e.State != StateDisputed {
		t.Fatalf("both applied but state is %s", e.State)
	}
	if e.State != StatePaymentConfirmed && e.State != StateDisputed {
		t.Fatalf("corrupted state %s", e.State)
	}
	entries, _ := store.Timeline(ctx, mustID(t))
	if len(entries) != 3+wins {
		t.Fatalf("expected %d entries after race, got %d", 3+wins, len(entries))
	}
}

func TestListByParty(t *testing.T) {
	svc, _ := newTestService()
	ctx := context.Background()
	advanceTo(t, svc, StateTaken)

	mine, err := svc.ListByParty(ctx, strings.ToUpper(buyerAddr[2:]), 10)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(mine) != 1 {
		t.Fatalf("expected 1 escrow for buyer, got %d", len(mine))
	}
	other, _ := svc.ListByParty(ctx, "0x9999999999999999999999999999999999999999", 10)
	if len(other) != 0 {
		t.Fatalf("expected no escrows for stranger, got %d", len(other))
	}
}

func mustID(t *testing.T) (id [32]byte) {
	t.Helper()
	for i := range id {
		id[i] = 0xab
	}
	return id
}
