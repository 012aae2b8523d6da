// Package keystore provides the cross-process coordination primitives the
// delivery core depends on: a TTL-scoped advisory lock, a set-if-absent dedup
// cache, and an ordered durable queue. All three are safe under true
// multi-process concurrency; in-process memory is never assumed.
package keystore

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrLockHeld is returned by Acquire when the key is already held by a live
// holder. Callers may retry; it is never terminal for the work unit itself.
var ErrLockHeld = errors.New("lock_held")

// Locker is an advisory mutex keyed by channel id and purpose. Held locks
// expire after their TTL so a crashed holder self-heals.
type Locker interface {
	// Acquire takes the lock and returns an opaque holder token, or
	// ErrLockHeld if another holder owns an unexpired lease.
	Acquire(ctx context.Context, key string, ttl time.Duration) (token string, err error)
	// Release drops the lock if the token still matches the current holder.
	Release(ctx context.Context, key, token string) error
}

// Cache is a set-if-absent store with expiry, used to claim inbound source
// message ids for the duration of their processing and to carry small
// cross-process flags like the bridge down marker.
type Cache interface {
	// SetNX stores the key with the TTL if absent (or expired) and reports
	// whether this caller won the claim.
	SetNX(ctx context.Context, key string, ttl time.Duration) (bool, error)
	// Exists reports whether an unexpired entry is present for the key.
	Exists(ctx context.Context, key string) (bool, error)
	Delete(ctx context.Context, key string) error
}

// Queue is an ordered durable list, FIFO by push order. Entries are opaque
// bytes; consumers validate payload shape themselves.
type Queue interface {
	Push(ctx context.Context, key string, payload []byte) error
	// PushFront prepends, putting the entry ahead of everything queued.
	PushFront(ctx context.Context, key string, payload []byte) error
	// PopBatch removes and returns up to max entries, oldest first.
	// Non-blocking; an empty queue yields none.
	PopBatch(ctx context.Context, key string, max int) ([][]byte, error)
	Len(ctx context.Context, key string) (int, error)
	// PeekOldest returns the head entry without removing it, or false when
	// the queue is empty.
	PeekOldest(ctx context.Context, key string) ([]byte, bool, error)
}

// WithLock runs fn while holding the lock and guarantees release on every
// exit path, including panics and context cancellation inside fn.
func WithLock(ctx context.Context, l Locker, key string, ttl time.Duration, fn func(ctx context.Context) error) error {
	token, err := l.Acquire(ctx, key, ttl)
	if err != nil {
		return err
	}
	defer func() {
		// Release on a fresh context so a canceled caller still unlocks.
		rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		_ = l.Release(rctx, key, token)
	}()
	return fn(ctx)
}

// Key builders. One lock per channel and purpose, one queue per channel, one
// dedup entry per source message id.

func SendLockKey(channelID string) string    { return fmt.Sprintf("outgoing-send:%s", channelID) }
func HistoryLockKey(channelID string) string { return fmt.Sprintf("inbound-history:%s", channelID) }
func FailedQueueKey(channelID string) string { return fmt.Sprintf("failed-sends:%s", channelID) }
func ProcessingKey(sourceID string) string   { return fmt.Sprintf("processing:%s", sourceID) }
func DownMarkerKey(channelID string) string  { return fmt.Sprintf("bridge-down:%s", channelID) }
