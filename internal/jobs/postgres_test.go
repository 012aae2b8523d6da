package jobs_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	database "github.com/waveline/bridge-gateway/internal/db"
	"github.com/waveline/bridge-gateway/internal/jobs"
)

func TestPostgresScheduleAndClaim(t *testing.T) {
	pool := database.StartTestPostgres(t)
	b := jobs.NewPostgresBackend(pool)
	ctx := context.Background()

	require.NoError(t, b.Schedule(ctx, "low.sweep", struct{}{}, 0, jobs.PriorityLow))
	require.NoError(t, b.Schedule(ctx, "high.send", map[string]string{"id": "m1"}, 0, jobs.PriorityHigh))
	require.NoError(t, b.Schedule(ctx, "high.later", struct{}{}, time.Hour, jobs.PriorityHigh))

	claimed, err := b.Claim(ctx, 10)
	require.NoError(t, err)
	require.Len(t, claimed, 2)
	require.Equal(t, "high.send", claimed[0].Name)
	require.Equal(t, "low.sweep", claimed[1].Name)
	require.JSONEq(t, `{"id":"m1"}`, string(claimed[0].Args))

	// Claimed jobs are invisible to a second claimer.
	again, err := b.Claim(ctx, 10)
	require.NoError(t, err)
	require.Empty(t, again)
}

func TestPostgresRetryRequeuesWithAttempts(t *testing.T) {
	pool := database.StartTestPostgres(t)
	b := jobs.NewPostgresBackend(pool)
	ctx := context.Background()

	require.NoError(t, b.Schedule(ctx, "t.flaky", struct{}{}, 0, jobs.PriorityHigh))
	claimed, err := b.Claim(ctx, 1)
	require.NoError(t, err)
	require.Len(t, claimed, 1)

	require.NoError(t, b.Retry(ctx, claimed[0], 0))
	claimed, err = b.Claim(ctx, 1)
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	require.Equal(t, 1, claimed[0].Attempts)

	require.NoError(t, b.Complete(ctx, claimed[0].ID))
	claimed, err = b.Claim(ctx, 1)
	require.NoError(t, err)
	require.Empty(t, claimed)
}

// A claim whose worker died must come back to the queue once the stale window
// passes, so the underlying work is never lost.
func TestPostgresReapStaleRequeuesOrphanedClaims(t *testing.T) {
	pool := database.StartTestPostgres(t)
	b := jobs.NewPostgresBackend(pool)
	ctx := context.Background()

	require.NoError(t, b.Schedule(ctx, "t.work", struct{}{}, 0, jobs.PriorityHigh))
	claimed, err := b.Claim(ctx, 1)
	require.NoError(t, err)
	require.Len(t, claimed, 1)

	// Fresh claims are left alone.
	n, err := b.ReapStale(ctx, time.Hour)
	require.NoError(t, err)
	require.Zero(t, n)
	again, err := b.Claim(ctx, 1)
	require.NoError(t, err)
	require.Empty(t, again)

	// With a zero window the claim counts as abandoned and is requeued
	// immediately, attempts untouched.
	n, err = b.ReapStale(ctx, 0)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	again, err = b.Claim(ctx, 1)
	require.NoError(t, err)
	require.Len(t, again, 1)
	require.Equal(t, claimed[0].ID, again[0].ID)
	require.Equal(t, claimed[0].Attempts, again[0].Attempts)
}

func TestPostgresConcurrentClaimNoDuplicates(t *testing.T) {
	pool := database.StartTestPostgres(t)
	b := jobs.NewPostgresBackend(pool)
	ctx := context.Background()

	const total = 40
	for i := 0; i < total; i++ {
		require.NoError(t, b.Schedule(ctx, "t.work", map[string]int{"n": i}, 0, jobs.PriorityHigh))
	}

	seen := make(map[int64]bool)
	var mu sync.Mutex
	var wg sync.WaitGroup
	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				claimed, err := b.Claim(ctx, 5)
				require.NoError(t, err)
				if len(claimed) == 0 {
					return
				}
				mu.Lock()
				for _, j := range claimed {
					require.False(t, seen[j.ID], "duplicate claim %d", j.ID)
					seen[j.ID] = true
				}
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	require.Len(t, seen, total)
}
