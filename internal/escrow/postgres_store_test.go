package escrow

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/peervault/peervault/internal/apperr"
	"github.com/peervault/peervault/internal/ethutil"
	"github.com/peervault/peervault/internal/testutil"
)

func TestPostgresIngestLifecycle(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	svc := NewService(NewPostgresStore(db), testLogger())
	ctx := context.Background()

	e, err := svc.Ingest(ctx, createdEvent(100, 0))
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if e.State != StateCreated || e.Seller != sellerAddr {
		t.Fatalf("created escrow = %+v", e)
	}
	if e.Amount != 1500000 {
		t.Fatalf("amount round-trip = %d", e.Amount)
	}

	// Redelivery of the Created event is a no-op.
	if _, err := svc.Ingest(ctx, createdEvent(100, 0)); err != nil {
		t.Fatalf("redelivered create: %v", err)
	}

	if _, err := svc.Ingest(ctx, takenEvent(101, 0)); err != nil {
		t.Fatalf("take: %v", err)
	}
	if _, err := svc.Ingest(ctx, mkEvent("Funded", 102, 0, nil)); err != nil {
		t.Fatalf("fund: %v", err)
	}

	// A position at or before the last applied one is rejected.
	_, err = svc.Ingest(ctx, mkEvent("PaymentConfirmed", 101, 5, nil))
	if apperr.KindOf(err) != apperr.StateInvalid {
		t.Fatalf("stale position: kind = %v, want StateInvalid", apperr.KindOf(err))
	}

	entries, err := svc.Timeline(ctx, escrowIDRaw, Identity{Address: sellerAddr})
	if err != nil {
		t.Fatalf("timeline: %v", err)
	}
	if len(entries) != 3 {
		t.Fatalf("timeline length = %d, want 3", len(entries))
	}
	for i := 1; i < len(entries); i++ {
		if entries[i].BlockNumber <= entries[i-1].BlockNumber {
			t.Fatalf("timeline out of order: %+v then %+v", entries[i-1], entries[i])
		}
	}

	got, err := svc.ListByParty(ctx, buyerAddr, 10)
	if err != nil {
		t.Fatalf("list by party: %v", err)
	}
	if len(got) != 1 || got[0].State != StateFunded || got[0].Buyer != buyerAddr {
		t.Fatalf("list by party = %+v", got)
	}
}

func TestPostgresApplyTransitionConflict(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	store := NewPostgresStore(db)
	ctx := context.Background()

	id, err := ethutil.ParseEscrowID("0x" + strings.Repeat("5a", 32))
	if err != nil {
		t.Fatalf("parse id: %v", err)
	}
	now := time.Now().UTC()
	e := &Escrow{
		ID: id, ChainID: 84532, Seller: sellerAddr,
		State: StateCreated, UpdatedAtBlock: 100,
		CreatedAt: now, UpdatedAt: now,
	}
	entry := &TimelineEntry{
		EscrowID: id, Event: EventCreated, StateAfter: StateCreated,
		TxHash: "0x01", BlockNumber: 100, LogIndex: 0, Timestamp: now,
	}
	if err := store.CreateWithEntry(ctx, e, entry); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := store.CreateWithEntry(ctx, e, entry); !errors.Is(err, ErrDuplicateEntry) {
		t.Fatalf("duplicate create: %v, want ErrDuplicateEntry", err)
	}

	// A writer holding a stale prev loses the conditional transition.
	stale := *e
	stale.State = StateTaken
	next := stale
	next.State = StateFunded
	next.UpdatedAtBlock = 102
	haveErr := store.ApplyTransition(ctx, &stale, &next, &TimelineEntry{
		EscrowID: id, Event: EventFunded, StateAfter: StateFunded,
		TxHash: "0x02", BlockNumber: 102, LogIndex: 0, Timestamp: now,
	})
	if !errors.Is(haveErr, ErrConflict) {
		t.Fatalf("stale transition: %v, want ErrConflict", haveErr)
	}

	cur, err := store.Get(ctx, id)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if cur.State != StateCreated {
		t.Fatalf("state moved to %s despite conflict", cur.State)
	}

	// The timeline append never happened either.
	seen, err := store.HasEntry(ctx, id, 102, 0)
	if err != nil {
		t.Fatalf("has entry: %v", err)
	}
	if seen {
		t.Fatal("conflicted transition left a timeline entry behind")
	}
}

func TestPostgresLastPosition(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	store := NewPostgresStore(db)
	svc := NewService(store, testLogger())
	ctx := context.Background()

	id, err := ethutil.ParseEscrowID(escrowIDRaw)
	if err != nil {
		t.Fatalf("parse id: %v", err)
	}
	if _, _, ok, err := store.LastPosition(ctx, id); err != nil || ok {
		t.Fatalf("empty last position: ok=%v err=%v", ok, err)
	}

	if _, err := svc.Ingest(ctx, createdEvent(100, 0)); err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := svc.Ingest(ctx, takenEvent(100, 7)); err != nil {
		t.Fatalf("take: %v", err)
	}

	block, idx, ok, err := store.LastPosition(ctx, id)
	if err != nil || !ok {
		t.Fatalf("last position: ok=%v err=%v", ok, err)
	}
	if block != 100 || idx != 7 {
		t.Fatalf("last position = (%d, %d), want (100, 7)", block, idx)
	}
}
