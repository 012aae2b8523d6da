package jobs_test

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/waveline/bridge-gateway/internal/core"
	"github.com/waveline/bridge-gateway/internal/jobs"
)

func claimAll(t *testing.T, b *jobs.MemoryBackend) []jobs.Job {
	t.Helper()
	claimed, err := b.Claim(context.Background(), 100)
	require.NoError(t, err)
	return claimed
}

func TestScheduleAndClaimOrdering(t *testing.T) {
	b := jobs.NewMemoryBackend()
	ctx := context.Background()

	require.NoError(t, b.Schedule(ctx, "low.sweep", struct{}{}, 0, jobs.PriorityLow))
	require.NoError(t, b.Schedule(ctx, "high.send", map[string]string{"id": "m1"}, 0, jobs.PriorityHigh))
	require.NoError(t, b.Schedule(ctx, "high.later", struct{}{}, time.Hour, jobs.PriorityHigh))

	claimed := claimAll(t, b)
	require.Len(t, claimed, 2)
	// High priority first; the delayed job is not yet due.
	require.Equal(t, "high.send", claimed[0].Name)
	require.Equal(t, "low.sweep", claimed[1].Name)

	// Nothing left to claim until the delayed job's run time.
	require.Empty(t, claimAll(t, b))
	require.Len(t, b.Pending(), 1)
}

func TestExecuteCompletesOnSuccess(t *testing.T) {
	b := jobs.NewMemoryBackend()
	e := jobs.NewEngine(b, zerolog.Nop(), jobs.Options{})
	var got json.RawMessage
	e.Register("t.ok", jobs.Registration{Handler: func(_ context.Context, args json.RawMessage) error {
		got = args
		return nil
	}})

	require.NoError(t, b.Schedule(context.Background(), "t.ok", map[string]int{"n": 7}, 0, jobs.PriorityHigh))
	for _, j := range claimAll(t, b) {
		e.Execute(context.Background(), j)
	}
	require.JSONEq(t, `{"n":7}`, string(got))
	require.Empty(t, b.Pending())
}

func TestExecuteRetriesPerPolicyThenExhausts(t *testing.T) {
	b := jobs.NewMemoryBackend()
	e := jobs.NewEngine(b, zerolog.Nop(), jobs.Options{})

	var mu sync.Mutex
	runs := 0
	var exhaustedWith error
	e.Register("t.flaky", jobs.Registration{
		Handler: func(context.Context, json.RawMessage) error {
			mu.Lock()
			runs++
			mu.Unlock()
			return errors.New("still broken")
		},
		MaxAttempts: 3,
		OnExhausted: func(_ context.Context, _ json.RawMessage, err error) {
			mu.Lock()
			exhaustedWith = err
			mu.Unlock()
		},
	})

	require.NoError(t, b.Schedule(context.Background(), "t.flaky", struct{}{}, 0, jobs.PriorityHigh))
	for i := 0; i < 5; i++ {
		claimed := claimAll(t, b)
		if len(claimed) == 0 {
			break
		}
		for _, j := range claimed {
			e.Execute(context.Background(), j)
		}
	}

	require.Equal(t, 3, runs)
	require.EqualError(t, exhaustedWith, "still broken")
	require.Empty(t, b.Pending())
}

func TestExecuteDiscardsOnMissingRecord(t *testing.T) {
	b := jobs.NewMemoryBackend()
	e := jobs.NewEngine(b, zerolog.Nop(), jobs.Options{})

	exhausted := false
	e.Register("t.gone", jobs.Registration{
		Handler: func(context.Context, json.RawMessage) error {
			return core.ErrNotFound
		},
		MaxAttempts: 3,
		OnExhausted: func(context.Context, json.RawMessage, error) { exhausted = true },
	})

	require.NoError(t, b.Schedule(context.Background(), "t.gone", struct{}{}, 0, jobs.PriorityHigh))
	for _, j := range claimAll(t, b) {
		e.Execute(context.Background(), j)
	}

	// Discarded immediately: no retry, no exhaustion hook.
	require.Empty(t, b.Pending())
	require.False(t, exhausted)
}

func TestExecuteRecoversFromHandlerPanic(t *testing.T) {
	b := jobs.NewMemoryBackend()
	e := jobs.NewEngine(b, zerolog.Nop(), jobs.Options{})
	e.Register("t.panic", jobs.Registration{
		Handler: func(context.Context, json.RawMessage) error {
			panic("boom")
		},
		MaxAttempts: 2,
	})

	require.NoError(t, b.Schedule(context.Background(), "t.panic", struct{}{}, 0, jobs.PriorityHigh))
	for _, j := range claimAll(t, b) {
		e.Execute(context.Background(), j) // must not crash the test
	}

	// The panic counts as a failed attempt and is re-queued.
	pending := b.Pending()
	require.Len(t, pending, 1)
	require.Equal(t, 1, pending[0].Attempts)
}

type completionTrackingBackend struct {
	*jobs.MemoryBackend
	mu        sync.Mutex
	completed []int64
}

func (b *completionTrackingBackend) Complete(ctx context.Context, id int64) error {
	b.mu.Lock()
	b.completed = append(b.completed, id)
	b.mu.Unlock()
	return b.MemoryBackend.Complete(ctx, id)
}

// On shutdown the work channel closes while executors are still draining it;
// a zero-value job must never leak into Execute (it would be "completed" with
// id 0).
func TestRunShutdownNeverExecutesZeroJob(t *testing.T) {
	b := &completionTrackingBackend{MemoryBackend: jobs.NewMemoryBackend()}
	e := jobs.NewEngine(b, zerolog.Nop(), jobs.Options{
		BatchSize:    2,
		Concurrency:  4,
		PollInterval: time.Millisecond,
		IdleSleep:    time.Millisecond,
	})

	ran := make(chan struct{}, 1)
	e.Register("t.ok", jobs.Registration{Handler: func(context.Context, json.RawMessage) error {
		select {
		case ran <- struct{}{}:
		default:
		}
		return nil
	}})
	require.NoError(t, b.Schedule(context.Background(), "t.ok", struct{}{}, 0, jobs.PriorityHigh))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- e.Run(ctx) }()

	select {
	case <-ran:
	case <-time.After(5 * time.Second):
		t.Fatal("job never ran")
	}
	cancel()
	require.ErrorIs(t, <-done, context.Canceled)

	b.mu.Lock()
	defer b.mu.Unlock()
	require.NotEmpty(t, b.completed)
	for _, id := range b.completed {
		require.Positive(t, id)
	}
}

func TestExecuteDropsUnregisteredJob(t *testing.T) {
	b := jobs.NewMemoryBackend()
	e := jobs.NewEngine(b, zerolog.Nop(), jobs.Options{})

	require.NoError(t, b.Schedule(context.Background(), "t.unknown", struct{}{}, 0, jobs.PriorityHigh))
	for _, j := range claimAll(t, b) {
		e.Execute(context.Background(), j)
	}
	require.Empty(t, b.Pending())
}
