package jobs

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sidecarr/sidecarr/internal/events"
)

func testRegistry(t *testing.T) *Registry {
	t.Helper()
	return NewRegistry(events.NewBus(16, nil), nil, nil)
}

func TestRegistry_Lifecycle(t *testing.T) {
	r := testRegistry(t)
	job := r.Create(&Request{Task: "metadata"}, "metadata", "clip.mp4")

	snapshot, ok := r.Get(job.ID)
	require.True(t, ok)
	assert.Equal(t, StateQueued, snapshot.State)

	require.True(t, r.Start(job.ID))
	snapshot, _ = r.Get(job.ID)
	assert.Equal(t, StateRunning, snapshot.State)
	assert.Greater(t, snapshot.StartedAt, 0.0)

	// Starting twice is rejected.
	assert.False(t, r.Start(job.ID))

	r.Finish(job.ID, nil)
	snapshot, _ = r.Get(job.ID)
	assert.Equal(t, StateDone, snapshot.State)
	assert.Greater(t, snapshot.EndedAt, 0.0)
}

func TestRegistry_ProgressClamp(t *testing.T) {
	r := testRegistry(t)
	job := r.Create(&Request{Task: "preview"}, "preview", "clip.mp4")
	r.Start(job.ID)

	total := 100
	r.SetProgress(job.ID, ProgressUpdate{Total: &total})
	over := 150
	r.SetProgress(job.ID, ProgressUpdate{ProcessedSet: &over})
	snapshot, _ := r.Get(job.ID)
	assert.Equal(t, 100, snapshot.Processed)

	under := -5
	r.SetProgress(job.ID, ProgressUpdate{ProcessedSet: &under})
	snapshot, _ = r.Get(job.ID)
	assert.Equal(t, 0, snapshot.Processed)

	inc := 30
	r.SetProgress(job.ID, ProgressUpdate{ProcessedInc: &inc})
	r.SetProgress(job.ID, ProgressUpdate{ProcessedInc: &inc})
	snapshot, _ = r.Get(job.ID)
	assert.Equal(t, 60, snapshot.Processed)
}

func TestRegistry_FinishSnapsProcessedToTotal(t *testing.T) {
	r := testRegistry(t)
	job := r.Create(&Request{Task: "preview"}, "preview", "clip.mp4")
	r.Start(job.ID)
	total := 9
	r.SetProgress(job.ID, ProgressUpdate{Total: &total})
	r.Finish(job.ID, nil)

	snapshot, _ := r.Get(job.ID)
	assert.Equal(t, 9, snapshot.Processed)
}

func TestRegistry_CancelQueuedIsImmediatelyTerminal(t *testing.T) {
	r := testRegistry(t)
	job := r.Create(&Request{Task: "sprites"}, "sprites", "clip.mp4")

	require.True(t, r.Cancel(job.ID))
	snapshot, _ := r.Get(job.ID)
	assert.Equal(t, StateCanceled, snapshot.State)
	assert.Empty(t, snapshot.Error)

	select {
	case <-snapshot.CancelSignal():
	default:
		t.Fatal("cancel signal not fired")
	}

	// Idempotent on terminal records.
	assert.True(t, r.Cancel(job.ID))
}

func TestRegistry_CancelRunning(t *testing.T) {
	r := testRegistry(t)
	job := r.Create(&Request{Task: "preview"}, "preview", "clip.mp4")
	r.Start(job.ID)

	require.True(t, r.Cancel(job.ID))
	snapshot, _ := r.Get(job.ID)
	assert.Equal(t, StateCancelRequested, snapshot.State)

	select {
	case <-snapshot.CancelSignal():
	default:
		t.Fatal("cancel signal not fired")
	}

	// Worker observes the signal and settles.
	r.FinishCanceled(job.ID)
	snapshot, _ = r.Get(job.ID)
	assert.Equal(t, StateCanceled, snapshot.State)
}

func TestRegistry_RequeueResetsRuntimeState(t *testing.T) {
	r := testRegistry(t)
	job := r.Create(&Request{Task: "preview"}, "preview", "clip.mp4")
	r.Start(job.ID)
	r.SetCurrent(job.ID, "clip.mp4")
	r.RequestPauseRequeue(job.ID)
	assert.True(t, r.PauseRequeueRequested(job.ID))

	require.True(t, r.Requeue(job.ID))
	snapshot, _ := r.Get(job.ID)
	assert.Equal(t, StateQueued, snapshot.State)
	assert.Empty(t, snapshot.Current)
	assert.False(t, snapshot.PauseRequeue)
	assert.Zero(t, snapshot.StartedAt)

	// Fresh cancel channel after requeue.
	select {
	case <-snapshot.CancelSignal():
		t.Fatal("stale cancel signal survived requeue")
	default:
	}
}

func TestRegistry_QueuedIDsOrdering(t *testing.T) {
	r := testRegistry(t)

	base := 1000.0
	old := nowUnix
	defer func() { nowUnix = old }()

	nowUnix = func() float64 { return base }
	a := r.Create(&Request{Task: "metadata"}, "metadata", "a.mp4")
	nowUnix = func() float64 { return base + 1 }
	b := r.Create(&Request{Task: "metadata"}, "metadata", "b.mp4")
	nowUnix = func() float64 { return base + 2 }
	c := r.Create(&Request{Task: "metadata"}, "metadata", "c.mp4")

	assert.Equal(t, []string{a.ID, b.ID, c.ID}, r.QueuedIDs())
}

func TestRegistry_Purge(t *testing.T) {
	r := testRegistry(t)
	done := r.Create(&Request{Task: "metadata"}, "metadata", "a.mp4")
	r.Start(done.ID)
	r.Finish(done.ID, nil)
	live := r.Create(&Request{Task: "metadata"}, "metadata", "b.mp4")

	assert.Equal(t, 1, r.Purge())
	_, ok := r.Get(done.ID)
	assert.False(t, ok)
	_, ok = r.Get(live.ID)
	assert.True(t, ok)
}

func TestRegistry_ListFilter(t *testing.T) {
	r := testRegistry(t)
	a := r.Create(&Request{Task: "metadata"}, "metadata", "a.mp4")
	b := r.Create(&Request{Task: "preview"}, "preview", "b.mp4")
	r.Start(b.ID)

	queued := r.List(ListFilter{States: []State{StateQueued}})
	require.Len(t, queued, 1)
	assert.Equal(t, a.ID, queued[0].ID)

	all := r.List(ListFilter{})
	assert.Len(t, all, 2)
}
