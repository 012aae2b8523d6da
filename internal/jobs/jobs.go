// Package jobs is the durable prioritized job queue the delivery core
// schedules onto. Work units are independent tasks; coordination between them
// happens through the keystore and the store, never in-process memory.
package jobs

import (
	"context"
	"encoding/json"
	"time"
)

type Priority string

const (
	// PriorityHigh is for sends and recovery dispatch.
	PriorityHigh Priority = "high"
	// PriorityLow is for periodic sweep triggers.
	PriorityLow Priority = "low"
)

// Job is one claimed work unit. Attempts counts prior failed executions.
type Job struct {
	ID       int64
	Name     string
	Priority Priority
	Args     json.RawMessage
	Attempts int
	RunAt    time.Time
}

// Backend is the durable queue: schedule with delay, claim exclusively,
// complete or re-queue.
type Backend interface {
	Schedule(ctx context.Context, name string, args any, delay time.Duration, prio Priority) error
	// Claim atomically takes up to limit due jobs, high priority first. A
	// claimed job is invisible to other claimers until completed or retried.
	Claim(ctx context.Context, limit int) ([]Job, error)
	Complete(ctx context.Context, id int64) error
	// Retry re-queues a claimed job with attempts+1 after wait.
	Retry(ctx context.Context, job Job, wait time.Duration) error
}

// Scheduler is the narrow surface components use to enqueue work.
type Scheduler interface {
	Schedule(ctx context.Context, name string, args any, delay time.Duration, prio Priority) error
}
