package notify

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-memory Store for tests and RPC-less development.
type MemoryStore struct {
	mu    sync.Mutex
	items map[string]*Notification
}

var _ Store = (*MemoryStore)(nil)

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{items: make(map[string]*Notification)}
}

func (m *MemoryStore) Insert(ctx context.Context, n *Notification) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *n
	m.items[n.ID] = &cp
	return nil
}

func (m *MemoryStore) ListByRecipient(ctx context.Context, recipient string, unreadOnly bool, limit int) ([]*Notification, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*Notification
	for _, n := range m.items {
		if n.Recipient != recipient {
			continue
		}
		if unreadOnly && n.Read {
			continue
		}
		cp := *n
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryStore) MarkRead(ctx context.Context, id, recipient string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	n, ok := m.items[id]
	if !ok || n.Recipient != recipient {
		return ErrNotificationNotFound
	}
	n.Read = true
	return nil
}

func (m *MemoryStore) MarkAllRead(ctx context.Context, recipient string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var count int64
	for _, n := range m.items {
		if n.Recipient == recipient && !n.Read {
			n.Read = true
			count++
		}
	}
	return count, nil
}

func (m *MemoryStore) CountUnread(ctx context.Context, recipient string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	count := 0
	for _, n := range m.items {
		if n.Recipient == recipient && !n.Read {
			count++
		}
	}
	return count, nil
}

// MemoryQueue is an in-memory QueueStore.
type MemoryQueue struct {
	mu   sync.Mutex
	jobs map[string]*WebhookJob
}

var _ QueueStore = (*MemoryQueue)(nil)

func NewMemoryQueue() *MemoryQueue {
	return &MemoryQueue{jobs: make(map[string]*WebhookJob)}
}

func (m *MemoryQueue) Enqueue(ctx context.Context, job *WebhookJob) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *job
	m.jobs[job.ID] = &cp
	return nil
}

func (m *MemoryQueue) Due(ctx context.Context, now time.Time, limit int) ([]*WebhookJob, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*WebhookJob
	for _, job := range m.jobs {
		if job.Status == JobPending && !job.NextAttempt.After(now) {
			cp := *job
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].NextAttempt.Before(out[j].NextAttempt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryQueue) MarkDelivered(ctx context.Context, id string) error {
	return m.update(id, func(job *WebhookJob) {
		job.Status = JobDelivered
		job.LastError = ""
	})
}

func (m *MemoryQueue) MarkFailed(ctx context.Context, id string, attempts int, nextAttempt time.Time, lastErr string) error {
	return m.update(id, func(job *WebhookJob) {
		job.Attempts = attempts
		job.NextAttempt = nextAttempt
		job.LastError = lastErr
	})
}

func (m *MemoryQueue) MarkDead(ctx context.Context, id, lastErr string) error {
	return m.update(id, func(job *WebhookJob) {
		job.Status = JobDead
		job.LastError = lastErr
	})
}

func (m *MemoryQueue) update(id string, fn func(job *WebhookJob)) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[id]
	if !ok {
		return ErrJobNotFound
	}
	fn(job)
	return nil
}

// Jobs returns copies of all jobs; test helper.
func (m *MemoryQueue) Jobs() []*WebhookJob {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*WebhookJob, 0, len(m.jobs))
	for _, job := range m.jobs {
		cp := *job
		out = append(out, &cp)
	}
	return out
}
