package notify

import (
	"context"
	"log/slog"
	"time"

	"github.com/peervault/peervault/internal/retry"
)

const (
	workerBatchSize   = 50
	workerBaseBackoff = 30 * time.Second
	workerMaxBackoff  = 30 * time.Minute
	workerMaxAttempts = 8
	defaultPollEvery  = 15 * time.Second
)

// Worker drains pending webhook jobs left behind by failed immediate
// delivery attempts. Jobs that exhaust their attempts are marked dead and
// kept for inspection, never silently dropped.
type Worker struct {
	queue       QueueStore
	dispatcher  *Dispatcher
	pollEvery   time.Duration
	maxAttempts int
	logger      *slog.Logger
}

// NewWorker creates a queue worker. pollEvery <= 0 uses the default.
func NewWorker(queue QueueStore, dispatcher *Dispatcher, pollEvery time.Duration, logger *slog.Logger) *Worker {
	if pollEvery <= 0 {
		pollEvery = defaultPollEvery
	}
	return &Worker{
		queue:       queue,
		dispatcher:  dispatcher,
		pollEvery:   pollEvery,
		maxAttempts: workerMaxAttempts,
		logger:      logger,
	}
}

// Run polls until ctx is cancelled.
func (w *Worker) Run(ctx context.Context) error {
	ticker := time.NewTicker(w.pollEvery)
	defer ticker.Stop()

	w.logger.Info("webhook queue worker started", "poll_interval", w.pollEvery)
	for {
		select {
		case <-ctx.Done():
			w.logger.Info("webhook queue worker stopped")
			return ctx.Err()
		case <-ticker.C:
			w.drain(ctx)
		}
	}
}

func (w *Worker) drain(ctx context.Context) {
	jobs, err := w.queue.Due(ctx, time.Now().UTC(), workerBatchSize)
	if err != nil {
		w.logger.Error("webhook queue poll failed", "error", err)
		return
	}
	for _, job := range jobs {
		w.process(ctx, job)
	}
}

func (w *Worker) process(ctx context.Context, job *WebhookJob) {
	err := w.dispatcher.Deliver(ctx, job)
	if err == nil {
		if mErr := w.queue.MarkDelivered(ctx, job.ID); mErr != nil {
			w.logger.Error("mark delivered failed", "job", job.ID, "error", mErr)
		}
		return
	}

	attempts := job.Attempts + 1
	if attempts >= w.maxAttempts {
		w.logger.Error("webhook job dead after max attempts",
			"job", job.ID, "attempts", attempts, "error", err)
		if mErr := w.queue.MarkDead(ctx, job.ID, err.Error()); mErr != nil {
			w.logger.Error("mark dead failed", "job", job.ID, "error", mErr)
		}
		return
	}

	next := time.Now().UTC().Add(retry.Backoff(attempts, workerBaseBackoff, workerMaxBackoff))
	w.logger.Warn("webhook delivery failed, rescheduled",
		"job", job.ID, "attempt", attempts, "next_attempt", next, "error", err)
	if mErr := w.queue.MarkFailed(ctx, job.ID, attempts, next, err.Error()); mErr != nil {
		w.logger.Error("mark failed failed", "job", job.ID, "error", mErr)
	}
}
