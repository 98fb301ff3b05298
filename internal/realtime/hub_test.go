package realtime

import (
	"context"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/peervault/peervault/internal/notify"
)

const (
	recipientA = "0x1111111111111111111111111111111111111111"
	recipientB = "0x2222222222222222222222222222222222222222"
)

func testHub() *Hub {
	return NewHub(slog.Default())
}

func testNotification(escrowID string) *notify.Notification {
	return &notify.Notification{
		ID:        "ntf_test",
		Recipient: recipientA,
		Type:      "escrow.funded",
		EscrowID:  escrowID,
		Title:     "Escrow funded",
		CreatedAt: time.Now().UTC(),
	}
}

func TestWants_RecipientMatch(t *testing.T) {
	frame := &Frame{Type: "notification", Data: testNotification("0xabc")}

	matching := &Client{recipient: recipientA}
	other := &Client{recipient: recipientB}

	if !matching.wants(recipientA, frame) {
		t.Error("client should receive its own notifications")
	}
	if other.wants(recipientA, frame) {
		t.Error("client should not receive another address's notifications")
	}
}

func TestWants_EscrowFilter(t *testing.T) {
	client := &Client{
		recipient: recipientA,
		sub:       Subscription{EscrowIDs: []string{"0xABC"}},
	}

	matching := &Frame{Data: testNotification("0xabc")}
	other := &Frame{Data: testNotification("0xdef")}

	if !client.wants(recipientA, matching) {
		t.Error("escrow filter should match case-insensitively")
	}
	if client.wants(recipientA, other) {
		t.Error("escrow filter should exclude other escrows")
	}
}

func TestWants_EmptySubscriptionReceivesAll(t *testing.T) {
	client := &Client{recipient: recipientA}

	if !client.wants(recipientA, &Frame{Data: testNotification("0xabc")}) {
		t.Error("empty subscription should receive every notification")
	}
}

func TestHub_StatsInitial(t *testing.T) {
	h := testHub()

	stats := h.Stats()
	if stats["connectedClients"].(int) != 0 {
		t.Errorf("expected 0 connected clients, got %v", stats["connectedClients"])
	}
	if stats["totalFrames"].(int64) != 0 {
		t.Errorf("expected 0 total frames, got %v", stats["totalFrames"])
	}
}

func TestHub_RegisterUnregister(t *testing.T) {
	h := testHub()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go h.Run(ctx)
	time.Sleep(50 * time.Millisecond)

	client := &Client{
		hub:       h,
		recipient: recipientA,
		send:      make(chan []byte, 256),
	}

	h.register <- client
	time.Sleep(50 * time.Millisecond)

	stats := h.Stats()
	if stats["connectedClients"].(int) != 1 {
		t.Errorf("expected 1 connected client, got %v", stats["connectedClients"])
	}
	if stats["peakClients"].(int64) != 1 {
		t.Errorf("expected peak 1, got %v", stats["peakClients"])
	}

	h.unregister <- client
	time.Sleep(50 * time.Millisecond)

	stats = h.Stats()
	if stats["connectedClients"].(int) != 0 {
		t.Errorf("expected 0 connected clients after unregister, got %v", stats["connectedClients"])
	}
	if stats["peakClients"].(int64) != 1 {
		t.Errorf("expected peak still 1, got %v", stats["peakClients"])
	}
}

func TestHub_PublishRoutesByRecipient(t *testing.T) {
	h := testHub()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go h.Run(ctx)
	time.Sleep(50 * time.Millisecond)

	mine := &Client{hub: h, recipient: recipientA, send: make(chan []byte, 256)}
	theirs := &Client{hub: h, recipient: recipientB, send: make(chan []byte, 256)}

	h.register <- mine
	h.register <- theirs
	time.Sleep(50 * time.Millisecond)

	h.Publish(recipientA, testNotification("0xabc"))

	select {
	case msg := <-mine.send:
		if len(msg) == 0 {
			t.Error("expected non-empty frame")
		}
	case <-time.After(time.Second):
		t.Error("timeout waiting for published frame")
	}

	select {
	case <-theirs.send:
		t.Error("other recipient should not receive the frame")
	default:
	}
}

func TestHub_PublishIsCaseInsensitive(t *testing.T) {
	h := testHub()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go h.Run(ctx)
	time.Sleep(50 * time.Millisecond)

	client := &Client{hub: h, recipient: recipientA, send: make(chan []byte, 256)}
	h.register <- client
	time.Sleep(50 * time.Millisecond)

	h.Publish(strings.ToUpper(recipientA), testNotification("0xabc"))

	select {
	case <-client.send:
	case <-time.After(time.Second):
		t.Error("recipient match should ignore address casing")
	}
}

func TestHub_ContextCancellation(t *testing.T) {
	h := testHub()
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	go func() {
		h.Run(ctx)
		close(done)
	}()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Error("hub did not stop after context cancellation")
	}
}
