// Package locks serializes heavy work on a (video, task) pair, both across
// goroutines and, best effort, across processes via advisory file locks.
package locks

import (
	"context"
	"sync"
)

// lockKey identifies one serialization domain.
type lockKey struct {
	path string
	task string
}

// entry is one live lock. refs counts holders plus waiters so the entry can
// be evicted when the last interested goroutine leaves.
type entry struct {
	ch   chan struct{}
	refs int
}

// Keyed is a keyed mutex indexed by (absolute video path, task kind).
// Entries are created on first use and evicted when unreferenced.
type Keyed struct {
	mu      sync.Mutex
	entries map[lockKey]*entry
}

// NewKeyed returns an empty keyed mutex.
func NewKeyed() *Keyed {
	return &Keyed{entries: make(map[lockKey]*entry)}
}

// Acquire blocks until the (path, task) lock is held or ctx is done. The
// returned release function is idempotent.
func (k *Keyed) Acquire(ctx context.Context, path, task string) (release func(), err error) {
	key := lockKey{path: path, task: task}

	k.mu.Lock()
	e, ok := k.entries[key]
	if !ok {
		e = &entry{ch: make(chan struct{}, 1)}
		k.entries[key] = e
	}
	e.refs++
	k.mu.Unlock()

	select {
	case e.ch <- struct{}{}:
	case <-ctx.Done():
		k.unref(key, e)
		return nil, ctx.Err()
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			<-e.ch
			k.unref(key, e)
		})
	}, nil
}

// TryAcquire takes the lock without blocking, reporting whether it succeeded.
func (k *Keyed) TryAcquire(path, task string) (release func(), ok bool) {
	key := lockKey{path: path, task: task}

	k.mu.Lock()
	e, exists := k.entries[key]
	if !exists {
		e = &entry{ch: make(chan struct{}, 1)}
		k.entries[key] = e
	}
	e.refs++
	k.mu.Unlock()

	select {
	case e.ch <- struct{}{}:
	default:
		k.unref(key, e)
		return nil, false
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			<-e.ch
			k.unref(key, e)
		})
	}, true
}

// unref drops one reference, deleting the entry once nobody holds or waits.
func (k *Keyed) unref(key lockKey, e *entry) {
	k.mu.Lock()
	e.refs--
	if e.refs == 0 {
		delete(k.entries, key)
	}
	k.mu.Unlock()
}

// Len reports how many live lock entries exist, for tests and introspection.
func (k *Keyed) Len() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return len(k.entries)
}
