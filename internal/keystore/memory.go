package keystore

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Memory is an in-process implementation of all three primitives. It is used
// by unit tests and single-node development runs; production deployments use
// Postgres.
type Memory struct {
	mu     sync.Mutex
	locks  map[string]memLease
	cache  map[string]time.Time
	queues map[string][][]byte
	now    func() time.Time
}

type memLease struct {
	token     string
	expiresAt time.Time
}

func NewMemory() *Memory {
	return &Memory{
		locks:  make(map[string]memLease),
		cache:  make(map[string]time.Time),
		queues: make(map[string][][]byte),
		now:    time.Now,
	}
}

var (
	_ Locker = (*Memory)(nil)
	_ Cache  = (*Memory)(nil)
	_ Queue  = (*Memory)(nil)
)

func (m *Memory) Acquire(_ context.Context, key string, ttl time.Duration) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if lease, ok := m.locks[key]; ok && m.now().Before(lease.expiresAt) {
		return "", ErrLockHeld
	}
	token := uuid.NewString()
	m.locks[key] = memLease{token: token, expiresAt: m.now().Add(ttl)}
	return token, nil
}

func (m *Memory) Release(_ context.Context, key, token string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if lease, ok := m.locks[key]; ok && lease.token == token {
		delete(m.locks, key)
	}
	return nil
}

func (m *Memory) SetNX(_ context.Context, key string, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if exp, ok := m.cache[key]; ok && m.now().Before(exp) {
		return false, nil
	}
	m.cache[key] = m.now().Add(ttl)
	return true, nil
}

func (m *Memory) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.cache, key)
	return nil
}

func (m *Memory) Exists(_ context.Context, key string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	exp, ok := m.cache[key]
	return ok && m.now().Before(exp), nil
}

func (m *Memory) Push(_ context.Context, key string, payload []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.queues[key] = append(m.queues[key], payload)
	return nil
}

func (m *Memory) PushFront(_ context.Context, key string, payload []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.queues[key] = append([][]byte{payload}, m.queues[key]...)
	return nil
}

func (m *Memory) PopBatch(_ context.Context, key string, max int) ([][]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	q := m.queues[key]
	if max > len(q) {
		max = len(q)
	}
	if max <= 0 {
		return nil, nil
	}
	out := make([][]byte, max)
	copy(out, q[:max])
	m.queues[key] = q[max:]
	return out, nil
}

func (m *Memory) Len(_ context.Context, key string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.queues[key]), nil
}

func (m *Memory) PeekOldest(_ context.Context, key string) ([]byte, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	q := m.queues[key]
	if len(q) == 0 {
		return nil, false, nil
	}
	return q[0], true, nil
}
