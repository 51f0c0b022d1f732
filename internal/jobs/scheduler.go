package jobs

import (
	"context"
	"sync"

	"github.com/sidecarr/sidecarr/internal/events"
)

// Scheduler admits queued jobs into the bounded running set. Admission
// combines the FIFO fairness window with the run-slot semaphore: a waiter
// proceeds once capacity exists, the engine is not paused and, under strict
// FIFO, it heads the queue.
type Scheduler struct {
	mu         sync.Mutex
	maxRunning int
	running    int
	paused     bool
	strictFIFO bool
	queue      []string
	changed    chan struct{}

	bus *events.Bus
}

// NewScheduler builds a scheduler with the given run-slot capacity.
func NewScheduler(maxRunning int, strictFIFO bool, bus *events.Bus) *Scheduler {
	if maxRunning < 1 {
		maxRunning = 1
	}
	return &Scheduler{
		maxRunning: maxRunning,
		strictFIFO: strictFIFO,
		changed:    make(chan struct{}),
		bus:        bus,
	}
}

// Slot is one held run slot. Release is idempotent; light-slot tasks call it
// right after the running transition, everything else on worker exit.
type Slot struct {
	s    *Scheduler
	once sync.Once
}

// Release frees the run slot.
func (sl *Slot) Release() {
	sl.once.Do(func() {
		sl.s.mu.Lock()
		sl.s.running--
		sl.s.bumpLocked()
		sl.s.mu.Unlock()
	})
}

// Enqueue appends id to the fairness queue. Jobs are enqueued in submission
// order; CreatedAt ties are already resolved by arrival.
func (s *Scheduler) Enqueue(id string) {
	s.mu.Lock()
	s.queue = append(s.queue, id)
	s.bumpLocked()
	s.mu.Unlock()
}

// Remove drops id from the fairness queue without admitting it (cancel of a
// queued job).
func (s *Scheduler) Remove(id string) {
	s.mu.Lock()
	s.removeLocked(id)
	s.bumpLocked()
	s.mu.Unlock()
}

// Admit blocks until id may start, then consumes a run slot and removes id
// from the queue. It is interruptible by ctx.
func (s *Scheduler) Admit(ctx context.Context, id string) (*Slot, error) {
	for {
		s.mu.Lock()
		if s.eligibleLocked(id) {
			s.running++
			s.removeLocked(id)
			s.bumpLocked()
			s.mu.Unlock()
			return &Slot{s: s}, nil
		}
		ch := s.changed
		s.mu.Unlock()

		select {
		case <-ch:
		case <-ctx.Done():
			s.Remove(id)
			return nil, ctx.Err()
		}
	}
}

// eligibleLocked evaluates the admission predicate.
func (s *Scheduler) eligibleLocked(id string) bool {
	if s.paused || s.running >= s.maxRunning {
		return false
	}
	if !s.strictFIFO {
		// Fast path: capacity alone admits, no fairness serialization.
		return true
	}
	return len(s.queue) > 0 && s.queue[0] == id
}

// SetMaxRunning changes the run-slot capacity at runtime. Slots already
// held are unaffected; the new ceiling applies to future admissions.
func (s *Scheduler) SetMaxRunning(n int) int {
	if n < 1 {
		n = 1
	}
	s.mu.Lock()
	s.maxRunning = n
	s.bumpLocked()
	s.mu.Unlock()

	if s.bus != nil {
		s.bus.Publish(events.Event{Name: events.EventConcurrency, Value: events.IntPtr(n)})
	}
	return n
}

// MaxRunning returns the current run-slot capacity.
func (s *Scheduler) MaxRunning() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.maxRunning
}

// Running returns the number of held run slots.
func (s *Scheduler) Running() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// SetPaused flips the global pause flag. Pausing blocks all future
// admissions until resumed.
func (s *Scheduler) SetPaused(paused bool) {
	s.mu.Lock()
	s.paused = paused
	s.bumpLocked()
	s.mu.Unlock()

	if s.bus != nil {
		s.bus.Publish(events.Event{Name: events.EventPause, Paused: events.BoolPtr(paused)})
	}
}

// Paused reports the pause flag.
func (s *Scheduler) Paused() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.paused
}

// SetStrictFIFO toggles the strict fairness window.
func (s *Scheduler) SetStrictFIFO(strict bool) {
	s.mu.Lock()
	s.strictFIFO = strict
	s.bumpLocked()
	s.mu.Unlock()
}

func (s *Scheduler) removeLocked(id string) {
	for i, qid := range s.queue {
		if qid == id {
			s.queue = append(s.queue[:i], s.queue[i+1:]...)
			return
		}
	}
}

// bumpLocked wakes every waiter to re-evaluate admission.
func (s *Scheduler) bumpLocked() {
	close(s.changed)
	s.changed = make(chan struct{})
}
