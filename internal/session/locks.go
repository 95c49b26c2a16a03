package session

import (
	"context"
	"sort"
	"sync"
)

// KeyedLock provides per-session mutual exclusion. Each session id gets its
// own lock, so runs on different sessions proceed concurrently while resumes,
// replays and events for the same session are serialized.
type KeyedLock struct {
	mu    sync.Mutex             // Guards the locks map itself
	locks map[string]*keyedEntry // Per-session locks
}

type keyedEntry struct {
	ch   chan struct{} // Holds one token while the key is locked
	refs int           // Holders plus waiters; the entry is dropped at zero
}

// NewKeyedLock creates a new KeyedLock.
func NewKeyedLock() *KeyedLock {
	return &KeyedLock{locks: make(map[string]*keyedEntry)}
}

func (k *KeyedLock) acquire(key string) *keyedEntry {
	k.mu.Lock()
	defer k.mu.Unlock()
	e, ok := k.locks[key]
	if !ok {
		e = &keyedEntry{ch: make(chan struct{}, 1)}
		k.locks[key] = e
	}
	e.refs++
	return e
}

func (k *KeyedLock) release(key string, e *keyedEntry) {
	k.mu.Lock()
	defer k.mu.Unlock()
	e.refs--
	if e.refs == 0 {
		delete(k.locks, key)
	}
}

// Lock acquires the lock for key, waiting until it is free or ctx is done.
func (k *KeyedLock) Lock(ctx context.Context, key string) error {
	e := k.acquire(key)

	// Wait outside the manager lock so other keys are not blocked.
	select {
	case e.ch <- struct{}{}:
		return nil
	case <-ctx.Done():
		k.release(key, e)
		return ctx.Err()
	}
}

// Unlock releases the lock for key.
func (k *KeyedLock) Unlock(key string) {
	k.mu.Lock()
	e, ok := k.locks[key]
	k.mu.Unlock()
	if !ok {
		return
	}
	<-e.ch
	k.release(key, e)
}

// LockAll acquires the locks for all keys in sorted order, so two callers
// locking overlapping sets cannot deadlock. On failure nothing stays locked.
func (k *KeyedLock) LockAll(ctx context.Context, keys []string) error {
	sorted := append([]string(nil), keys...)
	sort.Strings(sorted)

	for i, key := range sorted {
		if err := k.Lock(ctx, key); err != nil {
			for j := i - 1; j >= 0; j-- {
				k.Unlock(sorted[j])
			}
			return err
		}
	}
	return nil
}

// UnlockAll releases the locks taken by LockAll, in reverse sorted order.
func (k *KeyedLock) UnlockAll(keys []string) {
	sorted := append([]string(nil), keys...)
	sort.Strings(sorted)
	for i := len(sorted) - 1; i >= 0; i-- {
		k.Unlock(sorted[i])
	}
}

// Len returns the number of keys currently held or waited on.
func (k *KeyedLock) Len() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return len(k.locks)
}
