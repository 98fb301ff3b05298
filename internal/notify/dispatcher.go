package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/peervault/peervault/internal/circuitbreaker"
	"github.com/peervault/peervault/internal/ethutil"
	"github.com/peervault/peervault/internal/idgen"
	"github.com/peervault/peervault/internal/metrics"
)

// WebhookConfig points the dispatcher at the external sink. A zero URL
// disables webhook delivery; notifications are still persisted.
type WebhookConfig struct {
	URL   string
	Token string
}

// RealtimeSink pushes freshly persisted notifications to connected clients.
// Implementations must not block.
type RealtimeSink interface {
	Publish(recipient string, n *Notification)
}

// Dispatcher runs the persist → enqueue → best-effort-POST pipeline.
type Dispatcher struct {
	store    Store
	queue    QueueStore
	webhook  WebhookConfig
	breaker  *circuitbreaker.Breaker
	client   *http.Client
	realtime RealtimeSink
	logger   *slog.Logger
}

// NewDispatcher creates a dispatcher. queue may be nil only when webhook.URL
// is empty.
func NewDispatcher(store Store, queue QueueStore, webhook WebhookConfig, logger *slog.Logger) *Dispatcher {
	return &Dispatcher{
		store:   store,
		queue:   queue,
		webhook: webhook,
		breaker: circuitbreaker.New("webhook", 5, 30*time.Second),
		client:  &http.Client{Timeout: 5 * time.Second},
		logger:  logger,
	}
}

// WithRealtime attaches a realtime fan-out sink.
func (d *Dispatcher) WithRealtime(sink RealtimeSink) *Dispatcher {
	d.realtime = sink
	return d
}

// Store exposes the notification store for read-side handlers.
func (d *Dispatcher) Store() Store { return d.store }

// QueueEvent persists the notification, queues a durable webhook job, and
// fires one immediate delivery attempt. It never returns an error: each step
// logs and counts its own failure, and a failed step never blocks the next
// persistence-backed one.
func (d *Dispatcher) QueueEvent(ctx context.Context, ev Event) {
	recipient, err := ethutil.NormalizeAddress(ev.Recipient)
	if err != nil {
		d.logger.Warn("notification dropped: bad recipient", "recipient", ev.Recipient, "type", ev.Type)
		metrics.NotificationsTotal.WithLabelValues("persist", "error").Inc()
		return
	}

	n := &Notification{
		ID:        idgen.WithPrefix("ntf_"),
		Recipient: recipient,
		Type:      ev.Type,
		EscrowID:  ev.EscrowID,
		Sender:    ev.Sender,
		Title:     ev.Title,
		Message:   ev.Message,
		Metadata:  ev.Metadata,
		CreatedAt: time.Now().UTC(),
	}
	if err := d.store.Insert(ctx, n); err != nil {
		d.logger.Error("notification persist failed", "type", ev.Type, "recipient", recipient, "error", err)
		metrics.NotificationsTotal.WithLabelValues("persist", "error").Inc()
		return
	}
	metrics.NotificationsTotal.WithLabelValues("persist", "ok").Inc()

	if d.realtime != nil {
		d.realtime.Publish(recipient, n)
	}

	if d.webhook.URL == "" || d.queue == nil {
		return
	}

	payload, err := json.Marshal(struct {
		*Notification
		Event string `json:"event"`
	}{n, ev.Type})
	if err != nil {
		d.logger.Error("webhook payload marshal failed", "notification", n.ID, "error", err)
		metrics.NotificationsTotal.WithLabelValues("enqueue", "error").Inc()
		return
	}
	job := &WebhookJob{
		ID:             idgen.WithPrefix("whj_"),
		NotificationID: n.ID,
		EventType:      ev.Type,
		Payload:        payload,
		Status:         JobPending,
		NextAttempt:    time.Now().UTC(),
		CreatedAt:      time.Now().UTC(),
	}
	if err := d.queue.Enqueue(ctx, job); err != nil {
		d.logger.Error("webhook job enqueue failed", "notification", n.ID, "error", err)
		metrics.NotificationsTotal.WithLabelValues("enqueue", "error").Inc()
		return
	}
	metrics.NotificationsTotal.WithLabelValues("enqueue", "ok").Inc()

	// Immediate best-effort attempt. On failure the job stays pending and
	// the queue worker takes over.
	go d.tryDeliver(job)
}

func (d *Dispatcher) tryDeliver(job *WebhookJob) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := d.Deliver(ctx, job); err != nil {
		d.logger.Warn("immediate webhook delivery failed, job queued",
			"job", job.ID, "error", err)
		return
	}
	if err := d.queue.MarkDelivered(ctx, job.ID); err != nil {
		d.logger.Error("mark delivered failed", "job", job.ID, "error", err)
	}
}

// Deliver POSTs one job's payload to the webhook sink, gated by the circuit
// breaker. The queue worker shares this path with the immediate attempt.
func (d *Dispatcher) Deliver(ctx context.Context, job *WebhookJob) error {
	if !d.breaker.Allow() {
		metrics.WebhookDeliveriesTotal.WithLabelValues("breaker_open").Inc()
		return fmt.Errorf("webhook circuit open")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.webhook.URL, bytes.NewReader(job.Payload))
	if err != nil {
		return fmt.Errorf("build webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Peervault-Event", job.EventType)
	if d.webhook.Token != "" {
		req.Header.Set("Authorization", "Bearer "+d.webhook.Token)
	}

	resp, err := d.client.Do(req)
	if err != nil {
		d.breaker.RecordFailure()
		metrics.WebhookDeliveriesTotal.WithLabelValues("error").Inc()
		return fmt.Errorf("webhook request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		d.breaker.RecordFailure()
		metrics.WebhookDeliveriesTotal.WithLabelValues("error").Inc()
		return fmt.Errorf("webhook status %d", resp.StatusCode)
	}
	d.breaker.RecordSuccess()
	metrics.WebhookDeliveriesTotal.WithLabelValues("ok").Inc()
	return nil
}
