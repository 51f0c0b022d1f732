package jobs

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sidecarr/sidecarr/internal/config"
	"github.com/sidecarr/sidecarr/internal/events"
	"github.com/sidecarr/sidecarr/internal/ffmpeg"
	"github.com/sidecarr/sidecarr/internal/generate"
	"github.com/sidecarr/sidecarr/internal/locks"
	"github.com/sidecarr/sidecarr/internal/media"
)

// newPersistedEngine wires a full engine over an empty library, persisting
// job records under stateDir.
func newPersistedEngine(t *testing.T, stateDir string, autoRestore bool) *Engine {
	t.Helper()
	root := t.TempDir()
	cfg := &config.Config{}
	cfg.Library.Root = root
	cfg.Jobs.MaxConcurrency = 2
	cfg.Jobs.BatchWorkers = 1
	cfg.Jobs.RestoreWorkers = 1
	cfg.Jobs.AutorestoreDisable = !autoRestore

	layout, err := media.NewLayout(root, []string{"mp4"}, "webm")
	require.NoError(t, err)
	bus := events.NewBus(16, nil)
	store, err := NewStore(stateDir, nil)
	require.NoError(t, err)
	reg := NewRegistry(bus, store, nil)
	runner := ffmpeg.NewRunner(1)
	gen := generate.New(cfg, layout, runner, locks.NewManager(layout, nil), nil)
	sched := NewScheduler(2, false, bus)
	return NewEngine(cfg, layout, gen, reg, sched, store, bus, runner, nil, nil)
}

// awaitTerminalState polls the registry until the job settles.
func awaitTerminalState(t *testing.T, reg *Registry, id string) Job {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if job, ok := reg.Get(id); ok && job.State.Terminal() {
			return job
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("job %s never settled", id)
	return Job{}
}

func TestEngine_ResumeRestoredJob(t *testing.T) {
	stateDir := t.TempDir()
	seed, err := NewStore(stateDir, nil)
	require.NoError(t, err)
	require.NoError(t, seed.Save(&Job{
		ID: "abc123def456", Type: "cleanup-artifacts", Path: ".",
		State: StateRunning, CreatedAt: 100,
		Request: &Request{Task: "cleanup-artifacts"},
	}))

	eng := newPersistedEngine(t, stateDir, false)
	require.NoError(t, eng.Restore(context.Background()))

	job, ok := eng.Registry().Get("abc123def456")
	require.True(t, ok)
	require.Equal(t, StateRestored, job.State)

	resumed, err := eng.Resume("abc123def456")
	require.NoError(t, err)
	assert.NotEqual(t, StateRestored, resumed.State)

	final := awaitTerminalState(t, eng.Registry(), "abc123def456")
	assert.Equal(t, StateDone, final.State)
	eng.Wait()

	// A settled job cannot be resumed twice.
	_, err = eng.Resume("abc123def456")
	assert.ErrorIs(t, err, generate.ErrInvalidArgument)
}

func TestEngine_EmptyLibraryCompletesDone(t *testing.T) {
	eng := newPersistedEngine(t, t.TempDir(), false)

	job, err := eng.Submit(&Request{Task: "metadata", Recursive: true})
	require.NoError(t, err)
	final := awaitTerminalState(t, eng.Registry(), job.ID)
	assert.Equal(t, StateDone, final.State)
	require.NotNil(t, final.Total)
	assert.Equal(t, 0, *final.Total)
	assert.Equal(t, 0, final.Processed)

	super, err := eng.Submit(&Request{Task: "metadata-batch", Recursive: true})
	require.NoError(t, err)
	finalSuper := awaitTerminalState(t, eng.Registry(), super.ID)
	assert.Equal(t, StateDone, finalSuper.State)
	require.NotNil(t, finalSuper.Total)
	assert.Equal(t, 0, *finalSuper.Total)
	eng.Wait()
}

func TestEngine_ResumeUnknownAndUnresumable(t *testing.T) {
	eng := newPersistedEngine(t, t.TempDir(), false)

	_, err := eng.Resume("000000000000")
	assert.ErrorIs(t, err, generate.ErrNotFound)

	// Restored records without a request cannot be relaunched.
	eng.Registry().Adopt(&Job{ID: "feedc0ffee12", Type: "metadata", State: StateRestored})
	_, err = eng.Resume("feedc0ffee12")
	assert.ErrorIs(t, err, generate.ErrInvalidArgument)
}
