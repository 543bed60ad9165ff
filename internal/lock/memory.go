package lock

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// sweepInterval is how often MemoryLocker drops expired keys nobody
// touched again.
const sweepInterval = 30 * time.Second

// MemoryLocker serializes digests within one process. It is the default
// when Redis is disabled; two engine processes sharing an index need the
// RedisLocker instead.
type MemoryLocker struct {
	mu      sync.Mutex
	entries map[string]*heldKey

	stop     chan struct{}
	stopOnce sync.Once
}

var _ Locker = (*MemoryLocker)(nil)

type heldKey struct {
	token    string
	deadline time.Time
	// freed is closed when the key is released or found expired, waking
	// AcquireWithRetry waiters.
	freed chan struct{}
}

func (h *heldKey) live(now time.Time) bool {
	return now.Before(h.deadline)
}

// NewMemoryLocker returns a MemoryLocker and starts its expiry sweeper.
// Call Close to stop the sweeper.
func NewMemoryLocker() *MemoryLocker {
	m := &MemoryLocker{
		entries: make(map[string]*heldKey),
		stop:    make(chan struct{}),
	}
	go m.sweep()
	return m
}

func (m *MemoryLocker) sweep() {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.stop:
			return
		case now := <-ticker.C:
			m.mu.Lock()
			for key := range m.entries {
				m.liveLocked(key, now)
			}
			m.mu.Unlock()
		}
	}
}

// Close stops the sweeper. Held keys stay held.
func (m *MemoryLocker) Close() error {
	m.stopOnce.Do(func() { close(m.stop) })
	return nil
}

// liveLocked returns the entry for key if it has not expired, dropping
// it otherwise. m.mu must be held.
func (m *MemoryLocker) liveLocked(key string, now time.Time) *heldKey {
	h, ok := m.entries[key]
	if !ok {
		return nil
	}
	if !h.live(now) {
		m.freeLocked(key, h)
		return nil
	}
	return h
}

func (m *MemoryLocker) freeLocked(key string, h *heldKey) {
	delete(m.entries, key)
	close(h.freed)
}

// heldLocked returns the live entry for key when token names it. m.mu
// must be held.
func (m *MemoryLocker) heldLocked(key, token string, now time.Time) *heldKey {
	h := m.liveLocked(key, now)
	if h == nil || h.token != token {
		return nil
	}
	return h
}

// take claims key and returns the new token, or returns the channel that
// closes when the current holder lets go.
func (m *MemoryLocker) take(key string, ttl time.Duration) (string, <-chan struct{}) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	if h := m.liveLocked(key, now); h != nil {
		return "", h.freed
	}
	h := &heldKey{token: uuid.NewString(), deadline: now.Add(ttl), freed: make(chan struct{})}
	m.entries[key] = h
	return h.token, nil
}

func (m *MemoryLocker) Acquire(ctx context.Context, key string, ttl time.Duration) (string, bool, error) {
	if err := ctx.Err(); err != nil {
		return "", false, err
	}
	token, _ := m.take(key, ttl)
	return token, token != "", nil
}

// AcquireWithRetry wakes as soon as the holder releases rather than
// sleeping out the full retryDelay.
func (m *MemoryLocker) AcquireWithRetry(ctx context.Context, key string, ttl time.Duration, maxRetries int, retryDelay time.Duration) (string, bool, error) {
	for attempt := 0; ; attempt++ {
		if err := ctx.Err(); err != nil {
			return "", false, err
		}
		token, freed := m.take(key, ttl)
		if token != "" {
			return token, true, nil
		}
		if attempt >= maxRetries {
			return "", false, nil
		}

		wait := time.NewTimer(retryDelay)
		select {
		case <-ctx.Done():
			wait.Stop()
			return "", false, ctx.Err()
		case <-freed:
			wait.Stop()
		case <-wait.C:
		}
	}
}

func (m *MemoryLocker) Release(_ context.Context, key, token string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	h := m.heldLocked(key, token, time.Now())
	if h == nil {
		return false, nil
	}
	m.freeLocked(key, h)
	return true, nil
}

func (m *MemoryLocker) Extend(ctx context.Context, key, token string, ttl time.Duration) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	h := m.heldLocked(key, token, now)
	if h == nil {
		return false, nil
	}
	h.deadline = now.Add(ttl)
	return true, nil
}

func (m *MemoryLocker) IsHeld(ctx context.Context, key string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	return m.liveLocked(key, time.Now()) != nil, nil
}
