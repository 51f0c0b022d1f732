package jobs

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sidecarr/sidecarr/internal/events"
)

func testScheduler(maxRunning int, strict bool) *Scheduler {
	return NewScheduler(maxRunning, strict, events.NewBus(16, nil))
}

func TestScheduler_CapacityBound(t *testing.T) {
	s := testScheduler(2, false)
	ctx := context.Background()

	s.Enqueue("a")
	s.Enqueue("b")
	s.Enqueue("c")

	slotA, err := s.Admit(ctx, "a")
	require.NoError(t, err)
	_, err = s.Admit(ctx, "b")
	require.NoError(t, err)
	assert.Equal(t, 2, s.Running())

	// Third admission blocks until a slot frees.
	admitted := make(chan struct{})
	go func() {
		if _, err := s.Admit(ctx, "c"); err == nil {
			close(admitted)
		}
	}()

	select {
	case <-admitted:
		t.Fatal("admitted above capacity")
	case <-time.After(50 * time.Millisecond):
	}

	slotA.Release()
	select {
	case <-admitted:
	case <-time.After(time.Second):
		t.Fatal("slot release did not admit waiter")
	}
}

func TestScheduler_StrictFIFOAdmitsHeadOnly(t *testing.T) {
	s := testScheduler(4, true)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	s.Enqueue("first")
	s.Enqueue("second")

	var order []string
	var mu sync.Mutex
	var wg sync.WaitGroup
	record := func(id string) {
		defer wg.Done()
		slot, err := s.Admit(ctx, id)
		require.NoError(t, err)
		mu.Lock()
		order = append(order, id)
		mu.Unlock()
		slot.Release()
	}

	wg.Add(2)
	// Start the later job's waiter first to prove ordering is queue-driven.
	go record("second")
	time.Sleep(20 * time.Millisecond)
	go record("first")
	wg.Wait()

	assert.Equal(t, []string{"first", "second"}, order)
}

func TestScheduler_PausedBlocksAdmission(t *testing.T) {
	s := testScheduler(4, false)
	s.SetPaused(true)
	s.Enqueue("a")

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := s.Admit(ctx, "a")
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	s.Enqueue("b")
	s.SetPaused(false)
	slot, err := s.Admit(context.Background(), "b")
	require.NoError(t, err)
	slot.Release()
}

func TestScheduler_AdmitInterruptibleByContext(t *testing.T) {
	s := testScheduler(1, false)
	ctx := context.Background()

	s.Enqueue("holder")
	slot, err := s.Admit(ctx, "holder")
	require.NoError(t, err)
	defer slot.Release()

	s.Enqueue("waiter")
	waitCtx, cancel := context.WithCancel(ctx)
	errCh := make(chan error, 1)
	go func() {
		_, err := s.Admit(waitCtx, "waiter")
		errCh <- err
	}()
	cancel()

	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("canceled waiter did not return")
	}
}

func TestScheduler_SetMaxRunningWakesWaiters(t *testing.T) {
	s := testScheduler(1, false)
	ctx := context.Background()

	s.Enqueue("a")
	s.Enqueue("b")
	_, err := s.Admit(ctx, "a")
	require.NoError(t, err)

	admitted := make(chan struct{})
	go func() {
		if _, err := s.Admit(ctx, "b"); err == nil {
			close(admitted)
		}
	}()

	time.Sleep(20 * time.Millisecond)
	s.SetMaxRunning(2)
	select {
	case <-admitted:
	case <-time.After(time.Second):
		t.Fatal("raising capacity did not admit waiter")
	}
	assert.Equal(t, 2, s.Running())
}

func TestSlot_ReleaseIdempotent(t *testing.T) {
	s := testScheduler(1, false)
	s.Enqueue("a")
	slot, err := s.Admit(context.Background(), "a")
	require.NoError(t, err)

	slot.Release()
	slot.Release()
	assert.Equal(t, 0, s.Running())
}
