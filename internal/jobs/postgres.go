package jobs

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// StaleClaimWindow is how long a job may sit in 'running' before ReapStale
// treats its claimer as dead. Comfortably above the longest handler run
// (lock retries plus send timeout).
const StaleClaimWindow = 5 * time.Minute

// PostgresBackend stores jobs in the scheduled_jobs table. Claiming uses
// FOR UPDATE SKIP LOCKED so concurrent worker processes never double-claim.
type PostgresBackend struct{ DB *pgxpool.Pool }

func NewPostgresBackend(db *pgxpool.Pool) *PostgresBackend { return &PostgresBackend{DB: db} }

var _ Backend = (*PostgresBackend)(nil)

func (b *PostgresBackend) Schedule(ctx context.Context, name string, args any, delay time.Duration, prio Priority) error {
	payload, err := json.Marshal(args)
	if err != nil {
		return fmt.Errorf("marshal args for %s: %w", name, err)
	}
	_, err = b.DB.Exec(ctx, `
		INSERT INTO scheduled_jobs(name, priority, args, run_at)
		VALUES($1, $2, $3, now() + make_interval(secs => $4))
	`, name, prio, payload, delay.Seconds())
	return err
}

func (b *PostgresBackend) Claim(ctx context.Context, limit int) ([]Job, error) {
	tx, err := b.DB.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	rows, err := tx.Query(ctx, `
		SELECT id, name, priority, args, attempts, run_at FROM scheduled_jobs
		WHERE status='queued' AND run_at <= now()
		ORDER BY (CASE WHEN priority='high' THEN 0 ELSE 1 END), run_at, id
		LIMIT $1 FOR UPDATE SKIP LOCKED
	`, limit)
	if err != nil {
		return nil, err
	}
	var out []Job
	var ids []int64
	for rows.Next() {
		var j Job
		if err := rows.Scan(&j.ID, &j.Name, &j.Priority, &j.Args, &j.Attempts, &j.RunAt); err != nil {
			rows.Close()
			return nil, err
		}
		out = append(out, j)
		ids = append(ids, j.ID)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, tx.Commit(ctx)
	}

	_, err = tx.Exec(ctx, `UPDATE scheduled_jobs SET status='running', claimed_at=now() WHERE id = ANY($1)`, ids)
	if err != nil {
		return nil, err
	}
	return out, tx.Commit(ctx)
}

func (b *PostgresBackend) Complete(ctx context.Context, id int64) error {
	_, err := b.DB.Exec(ctx, `DELETE FROM scheduled_jobs WHERE id=$1`, id)
	return err
}

// ReapStale requeues jobs whose claimer went away: rows stuck in 'running'
// longer than the window go back to 'queued' and run immediately. Returns how
// many were requeued. Attempt counters are untouched; a reaped job was never
// executed to completion, only claimed.
func (b *PostgresBackend) ReapStale(ctx context.Context, olderThan time.Duration) (int, error) {
	tag, err := b.DB.Exec(ctx, `
		UPDATE scheduled_jobs SET status='queued', run_at=now()
		WHERE status='running' AND claimed_at < now() - make_interval(secs => $1)
	`, olderThan.Seconds())
	if err != nil {
		return 0, err
	}
	return int(tag.RowsAffected()), nil
}

func (b *PostgresBackend) Retry(ctx context.Context, job Job, wait time.Duration) error {
	_, err := b.DB.Exec(ctx, `
		UPDATE scheduled_jobs SET status='queued', attempts=attempts+1, run_at=now() + make_interval(secs => $2)
		WHERE id=$1
	`, job.ID, wait.Seconds())
	return err
}
