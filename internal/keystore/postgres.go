package keystore

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Postgres backs all three primitives with three small tables. Expired lock
// and cache rows are reclaimed in place by the conflict clauses, so no
// background reaper is required for correctness.
type Postgres struct{ DB *pgxpool.Pool }

func NewPostgres(db *pgxpool.Pool) *Postgres { return &Postgres{DB: db} }

var (
	_ Locker = (*Postgres)(nil)
	_ Cache  = (*Postgres)(nil)
	_ Queue  = (*Postgres)(nil)
)

func (p *Postgres) Acquire(ctx context.Context, key string, ttl time.Duration) (string, error) {
	token := uuid.NewString()
	tag, err := p.DB.Exec(ctx, `
		INSERT INTO locks(key, token, expires_at)
		VALUES($1, $2, now() + make_interval(secs => $3))
		ON CONFLICT (key) DO UPDATE SET token=EXCLUDED.token, expires_at=EXCLUDED.expires_at
		WHERE locks.expires_at <= now()
	`, key, token, ttl.Seconds())
	if err != nil {
		return "", err
	}
	if tag.RowsAffected() == 0 {
		return "", ErrLockHeld
	}
	return token, nil
}

func (p *Postgres) Release(ctx context.Context, key, token string) error {
	_, err := p.DB.Exec(ctx, `DELETE FROM locks WHERE key=$1 AND token=$2`, key, token)
	return err
}

func (p *Postgres) SetNX(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	tag, err := p.DB.Exec(ctx, `
		INSERT INTO cache_entries(key, expires_at)
		VALUES($1, now() + make_interval(secs => $2))
		ON CONFLICT (key) DO UPDATE SET expires_at=EXCLUDED.expires_at
		WHERE cache_entries.expires_at <= now()
	`, key, ttl.Seconds())
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

func (p *Postgres) Exists(ctx context.Context, key string) (bool, error) {
	var one int
	err := p.DB.QueryRow(ctx, `
		SELECT 1 FROM cache_entries WHERE key=$1 AND expires_at > now()
	`, key).Scan(&one)
	if err == pgx.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (p *Postgres) Delete(ctx context.Context, key string) error {
	_, err := p.DB.Exec(ctx, `DELETE FROM cache_entries WHERE key=$1`, key)
	return err
}

func (p *Postgres) Push(ctx context.Context, key string, payload []byte) error {
	_, err := p.DB.Exec(ctx, `
		INSERT INTO queue_entries(queue_key, position, payload)
		VALUES($1, COALESCE((SELECT max(position)+1 FROM queue_entries WHERE queue_key=$1), 0), $2)
	`, key, payload)
	return err
}

func (p *Postgres) PushFront(ctx context.Context, key string, payload []byte) error {
	_, err := p.DB.Exec(ctx, `
		INSERT INTO queue_entries(queue_key, position, payload)
		VALUES($1, COALESCE((SELECT min(position)-1 FROM queue_entries WHERE queue_key=$1), 0), $2)
	`, key, payload)
	return err
}

func (p *Postgres) PopBatch(ctx context.Context, key string, max int) ([][]byte, error) {
	// SKIP LOCKED keeps concurrent poppers from draining the same entries.
	rows, err := p.DB.Query(ctx, `
		WITH popped AS (
			DELETE FROM queue_entries WHERE id IN (
				SELECT id FROM queue_entries
				WHERE queue_key=$1
				ORDER BY position, id
				LIMIT $2
				FOR UPDATE SKIP LOCKED
			)
			RETURNING position, id, payload
		)
		SELECT payload FROM popped ORDER BY position, id
	`, key, max)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out [][]byte
	for rows.Next() {
		var payload []byte
		if err := rows.Scan(&payload); err != nil {
			return nil, err
		}
		out = append(out, payload)
	}
	return out, rows.Err()
}

func (p *Postgres) Len(ctx context.Context, key string) (int, error) {
	var n int
	err := p.DB.QueryRow(ctx, `SELECT count(*) FROM queue_entries WHERE queue_key=$1`, key).Scan(&n)
	return n, err
}

func (p *Postgres) PeekOldest(ctx context.Context, key string) ([]byte, bool, error) {
	var payload []byte
	err := p.DB.QueryRow(ctx, `
		SELECT payload FROM queue_entries WHERE queue_key=$1 ORDER BY position, id LIMIT 1
	`, key).Scan(&payload)
	if err == pgx.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return payload, true, nil
}
