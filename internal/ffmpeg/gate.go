package ffmpeg

import (
	"context"
	"sync"

	"golang.org/x/sync/semaphore"
)

// Gate bounds, default and ceiling for concurrent encoder processes.
const (
	MinGateCapacity     = 1
	MaxGateCapacity     = 16
	DefaultGateCapacity = 4
)

// Gate is a counting semaphore limiting concurrent encoder invocations.
// Capacity can change at runtime: Resize installs a fresh semaphore, and every
// holder releases into the semaphore it acquired from, so a swap can never
// cause a double release or leak a permit into the new instance.
type Gate struct {
	mu  sync.Mutex
	sem *semaphore.Weighted
	cap int
}

// NewGate returns a gate with the given capacity, clamped to [1, 16].
func NewGate(capacity int) *Gate {
	capacity = ClampGateCapacity(capacity)
	return &Gate{sem: semaphore.NewWeighted(int64(capacity)), cap: capacity}
}

// ClampGateCapacity bounds n to the supported capacity range, mapping zero
// and negatives to the default.
func ClampGateCapacity(n int) int {
	if n <= 0 {
		return DefaultGateCapacity
	}
	if n < MinGateCapacity {
		return MinGateCapacity
	}
	if n > MaxGateCapacity {
		return MaxGateCapacity
	}
	return n
}

// Acquire blocks until a permit is available or ctx is done. The returned
// release function is idempotent and bound to the semaphore instance that
// granted the permit.
func (g *Gate) Acquire(ctx context.Context) (release func(), err error) {
	g.mu.Lock()
	sem := g.sem
	g.mu.Unlock()

	if err := sem.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	var once sync.Once
	return func() {
		once.Do(func() { sem.Release(1) })
	}, nil
}

// Resize replaces the semaphore with one of the new capacity. Current holders
// finish against the old instance; new acquisitions see the new capacity
// immediately.
func (g *Gate) Resize(capacity int) int {
	capacity = ClampGateCapacity(capacity)
	g.mu.Lock()
	defer g.mu.Unlock()
	if capacity != g.cap {
		g.sem = semaphore.NewWeighted(int64(capacity))
		g.cap = capacity
	}
	return g.cap
}

// Capacity returns the current permit ceiling.
func (g *Gate) Capacity() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.cap
}
