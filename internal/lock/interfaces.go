// Package lock serializes work on a content digest across goroutines and,
// with Redis, across engine processes.
//
// Every successful acquire returns an owner token. Release and Extend act
// only when the caller presents the token of the current hold, so a holder
// whose key expired and was taken again cannot free the new holder.
package lock

import (
	"context"
	"sync"
	"time"
)

// Locker grants expiring, exclusive locks on string keys.
type Locker interface {
	// Acquire takes key if it is free and returns the owner token of the
	// new hold. It returns false without waiting when another holder has
	// it. The lock expires after ttl unless extended.
	Acquire(ctx context.Context, key string, ttl time.Duration) (token string, acquired bool, err error)

	// AcquireWithRetry is Acquire retried up to maxRetries more times,
	// waiting up to retryDelay between attempts.
	AcquireWithRetry(ctx context.Context, key string, ttl time.Duration, maxRetries int, retryDelay time.Duration) (token string, acquired bool, err error)

	// Release gives up key. It returns false when token is not the
	// current hold, for example because the key expired and was retaken.
	Release(ctx context.Context, key, token string) (bool, error)

	// Extend resets the expiry of the hold named by token to ttl from now.
	// It returns false when that hold is gone.
	Extend(ctx context.Context, key, token string, ttl time.Duration) (bool, error)

	// IsHeld reports whether anyone holds key.
	IsHeld(ctx context.Context, key string) (bool, error)
}

// Lock is one key on a Locker, remembered between acquire and release.
// A held Lock renews its expiry in the background until released, so a
// slow upload does not outlive its lock.
type Lock struct {
	locker Locker
	key    string

	mu    sync.Mutex
	held  bool
	token string
	stop  chan struct{}
	done  chan struct{}
	onErr func(error)
}

// NewLock returns an unheld Lock for key.
func NewLock(locker Locker, key string) *Lock {
	return &Lock{locker: locker, key: key}
}

// OnRenewError sets a callback for failed background renewals.
func (l *Lock) OnRenewError(fn func(error)) *Lock {
	l.onErr = fn
	return l
}

// Acquire takes the lock without waiting.
func (l *Lock) Acquire(ctx context.Context, ttl time.Duration) (bool, error) {
	token, acquired, err := l.locker.Acquire(ctx, l.key, ttl)
	return l.afterAcquire(token, acquired, ttl, err)
}

// AcquireWithRetry takes the lock, retrying while it is held elsewhere.
func (l *Lock) AcquireWithRetry(ctx context.Context, ttl time.Duration, maxRetries int, retryDelay time.Duration) (bool, error) {
	token, acquired, err := l.locker.AcquireWithRetry(ctx, l.key, ttl, maxRetries, retryDelay)
	return l.afterAcquire(token, acquired, ttl, err)
}

func (l *Lock) afterAcquire(token string, acquired bool, ttl time.Duration, err error) (bool, error) {
	if err != nil || !acquired {
		return false, err
	}

	l.mu.Lock()
	l.held = true
	l.token = token
	l.stop = make(chan struct{})
	l.done = make(chan struct{})
	go l.renew(ttl, token, l.stop, l.done)
	l.mu.Unlock()

	return true, nil
}

// renew extends the lock at a third of its ttl until stopped or lost.
func (l *Lock) renew(ttl time.Duration, token string, stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)

	interval := ttl / 3
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), interval)
			extended, err := l.locker.Extend(ctx, l.key, token, ttl)
			cancel()
			if err != nil && l.onErr != nil {
				l.onErr(err)
			}
			if err == nil && !extended {
				return
			}
		}
	}
}

// Key returns the lock key.
func (l *Lock) Key() string {
	return l.key
}

// Release stops renewal and gives up the lock. Releasing an unheld Lock
// is a no-op.
func (l *Lock) Release(ctx context.Context) error {
	l.mu.Lock()
	if !l.held {
		l.mu.Unlock()
		return nil
	}
	l.held = false
	stop, done, token := l.stop, l.done, l.token
	l.mu.Unlock()

	close(stop)
	<-done

	_, err := l.locker.Release(ctx, l.key, token)
	return err
}

// IsHeld reports whether this Lock was acquired and not yet released.
func (l *Lock) IsHeld() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.held
}

// Keys names the locks the engine takes.
var Keys = lockKeys{}

type lockKeys struct{}

// Blob is the per-digest serialization point. Uploads, deletes and the
// collector hold it while they change the index row or the bytes of
// that digest.
func (lockKeys) Blob(contentHash string) string {
	return "lock:blob:" + contentHash
}

// BlobGC admits one collector run at a time across processes.
func (lockKeys) BlobGC() string {
	return "lock:gc:blob"
}
