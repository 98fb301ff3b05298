package notify

import (
	"context"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

const recipientAddr = "0x2222222222222222222222222222222222222222"

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func testEvent() Event {
	return Event{
		Type:      "dispute.open",
		EscrowID:  "0xabab",
		Sender:    "0x1111111111111111111111111111111111111111",
		Recipient: recipientAddr,
		Title:     "Dispute opened",
		Message:   "A dispute was opened on your escrow",
		Metadata:  map[string]any{"reason": "not shipped"},
	}
}

func TestQueueEventPersistsAndDelivers(t *testing.T) {
	var hits atomic.Int64
	var gotAuth atomic.Value
	sink := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		gotAuth.Store(r.Header.Get("Authorization"))
		w.WriteHeader(http.StatusOK)
	}))
	defer sink.Close()

	store := NewMemoryStore()
	queue := NewMemoryQueue()
	d := NewDispatcher(store, queue, WebhookConfig{URL: sink.URL, Token: "hook-secret"}, testLogger())

	d.QueueEvent(context.Background(), testEvent())

	items, err := store.ListByRecipient(context.Background(), recipientAddr, false, 10)
	require.NoError(t, err)
	require.Len(t, items, 1)
	require.Equal(t, "dispute.open", items[0].Type)
	require.False(t, items[0].Read)

	require.Eventually(t, func() bool {
		jobs := queue.Jobs()
		return len(jobs) == 1 && jobs[0].Status == JobDelivered
	}, 2*time.Second, 10*time.Millisecond, "immediate delivery should mark the job delivered")
	require.Equal(t, int64(1), hits.Load())
	require.Equal(t, "Bearer hook-secret", gotAuth.Load())
}

func TestQueueEventSinkDownKeepsJobPending(t *testing.T) {
	sink := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer sink.Close()

	store := NewMemoryStore()
	queue := NewMemoryQueue()
	d := NewDispatcher(store, queue, WebhookConfig{URL: sink.URL}, testLogger())

	d.QueueEvent(context.Background(), testEvent())

	// The notification row and the durable job both survive the outage.
	items, err := store.ListByRecipient(context.Background(), recipientAddr, true, 10)
	require.NoError(t, err)
	require.Len(t, items, 1)

	jobs := queue.Jobs()
	require.Len(t, jobs, 1)
	require.Equal(t, JobPending, jobs[0].Status)
}

func TestQueueEventWithoutWebhookPersistsOnly(t *testing.T) {
	store := NewMemoryStore()
	d := NewDispatcher(store, nil, WebhookConfig{}, testLogger())

	d.QueueEvent(context.Background(), testEvent())

	items, err := store.ListByRecipient(context.Background(), recipientAddr, false, 10)
	require.NoError(t, err)
	require.Len(t, items, 1)
}

func TestQueueEventDropsBadRecipient(t *testing.T) {
	store := NewMemoryStore()
	d := NewDispatcher(store, NewMemoryQueue(), WebhookConfig{}, testLogger())

	ev := testEvent()
	ev.Recipient = "not-an-address"
	d.QueueEvent(context.Background(), ev)

	items, err := store.ListByRecipient(context.Background(), recipientAddr, false, 10)
	require.NoError(t, err)
	require.Empty(t, items)
}

func TestWorkerDrainsPendingJobs(t *testing.T) {
	var healthy atomic.Bool
	sink := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if healthy.Load() {
			w.WriteHeader(http.StatusOK)
			return
		}
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer sink.Close()

	store := NewMemoryStore()
	queue := NewMemoryQueue()
	d := NewDispatcher(store, queue, WebhookConfig{URL: sink.URL}, testLogger())
	d.QueueEvent(context.Background(), testEvent())

	jobs := queue.Jobs()
	require.Len(t, jobs, 1)
	require.Equal(t, JobPending, jobs[0].Status)

	// Sink recovers; the worker finishes the delivery on its next pass.
	healthy.Store(true)
	w := NewWorker(queue, d, time.Second, testLogger())
	require.NoError(t, queue.MarkFailed(context.Background(), jobs[0].ID, 1, time.Now().Add(-time.Second), "down"))
	w.drain(context.Background())

	jobs = queue.Jobs()
	require.Len(t, jobs, 1)
	require.Equal(t, JobDelivered, jobs[0].Status)
}

func TestWorkerMarksJobDeadAfterMaxAttempts(t *testing.T) {
	sink := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer sink.Close()

	store := NewMemoryStore()
	queue := NewMemoryQueue()
	d := NewDispatcher(store, queue, WebhookConfig{URL: sink.URL}, testLogger())
	d.QueueEvent(context.Background(), testEvent())

	w := NewWorker(queue, d, time.Second, testLogger())
	w.maxAttempts = 2

	ctx := context.Background()
	for i := 0; i < 2; i++ {
		jobs := queue.Jobs()
		require.Len(t, jobs, 1)
		require.NoError(t, queue.MarkFailed(ctx, jobs[0].ID, jobs[0].Attempts, time.Now().Add(-time.Second), ""))
		w.drain(ctx)
	}

	jobs := queue.Jobs()
	require.Len(t, jobs, 1)
	require.Equal(t, JobDead, jobs[0].Status)
	require.NotEmpty(t, jobs[0].LastError)
}

func TestMarkReadIsRecipientScoped(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	n := &Notification{ID: "ntf_1", Recipient: recipientAddr, Title: "t", Message: "m", CreatedAt: time.Now()}
	require.NoError(t, store.Insert(ctx, n))

	err := store.MarkRead(ctx, "ntf_1", "0x9999999999999999999999999999999999999999")
	require.ErrorIs(t, err, ErrNotificationNotFound)

	require.NoError(t, store.MarkRead(ctx, "ntf_1", recipientAddr))
	unread, err := store.CountUnread(ctx, recipientAddr)
	require.NoError(t, err)
	require.Zero(t, unread)
}
