package jobs

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"
)

// MemoryBackend is an in-process Backend for unit tests and development.
type MemoryBackend struct {
	mu     sync.Mutex
	nextID int64
	queued []Job
	now    func() time.Time
}

func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{now: time.Now}
}

var _ Backend = (*MemoryBackend)(nil)

func (b *MemoryBackend) Schedule(_ context.Context, name string, args any, delay time.Duration, prio Priority) error {
	payload, err := json.Marshal(args)
	if err != nil {
		return fmt.Errorf("marshal args for %s: %w", name, err)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	b.queued = append(b.queued, Job{
		ID:       b.nextID,
		Name:     name,
		Priority: prio,
		Args:     payload,
		RunAt:    b.now().Add(delay),
	})
	return nil
}

func (b *MemoryBackend) Claim(_ context.Context, limit int) ([]Job, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	now := b.now()

	var due []Job
	var remaining []Job
	sort.SliceStable(b.queued, func(i, j int) bool {
		if (b.queued[i].Priority == PriorityHigh) != (b.queued[j].Priority == PriorityHigh) {
			return b.queued[i].Priority == PriorityHigh
		}
		return b.queued[i].RunAt.Before(b.queued[j].RunAt)
	})
	for _, j := range b.queued {
		if len(due) < limit && !j.RunAt.After(now) {
			due = append(due, j)
		} else {
			remaining = append(remaining, j)
		}
	}
	b.queued = remaining
	return due, nil
}

func (b *MemoryBackend) Complete(context.Context, int64) error { return nil }

func (b *MemoryBackend) Retry(_ context.Context, job Job, wait time.Duration) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	job.Attempts++
	job.RunAt = b.now().Add(wait)
	b.queued = append(b.queued, job)
	return nil
}

// Pending returns a snapshot of queued jobs. Test hook.
func (b *MemoryBackend) Pending() []Job {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]Job, len(b.queued))
	copy(out, b.queued)
	return out
}
