package jobs

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStore_SaveOmitsCurrent(t *testing.T) {
	store, err := NewStore(t.TempDir(), nil)
	require.NoError(t, err)

	job := &Job{
		ID: "abc123def456", Type: "preview", Path: "clip.mp4",
		State: StateRunning, Current: "clip.mp4", CreatedAt: 100,
	}
	require.NoError(t, store.Save(job))

	data, err := os.ReadFile(filepath.Join(store.Dir(), "abc123def456.json"))
	require.NoError(t, err)
	var doc map[string]any
	require.NoError(t, json.Unmarshal(data, &doc))
	_, hasCurrent := doc["current"]
	assert.False(t, hasCurrent)
	assert.Equal(t, "preview", doc["type"])
}

func TestStore_RestoreNormalization(t *testing.T) {
	cases := []struct {
		in          State
		autoRestore bool
		want        State
	}{
		{StateCancelRequested, true, StateCanceled},
		{StateCancelRequested, false, StateCanceled},
		{StateRunning, true, StateQueued},
		{StateRunning, false, StateRestored},
		{StateQueued, true, StateQueued},
		{StateQueued, false, StateRestored},
		{StateRestored, true, StateQueued},
		{StateDone, true, StateDone},
		{StateFailed, false, StateFailed},
		{StateCanceled, true, StateCanceled},
	}

	for _, tc := range cases {
		store, err := NewStore(t.TempDir(), nil)
		require.NoError(t, err)
		require.NoError(t, store.Save(&Job{
			ID: "abc123def456", Type: "metadata", State: tc.in, CreatedAt: 100, StartedAt: 101,
		}))

		jobs, err := store.LoadAll(tc.autoRestore)
		require.NoError(t, err)
		require.Len(t, jobs, 1)
		assert.Equal(t, tc.want, jobs[0].State,
			"state %s autoRestore=%v", tc.in, tc.autoRestore)
		if tc.want == StateQueued || tc.want == StateRestored {
			assert.Zero(t, jobs[0].StartedAt)
		}
	}
}

func TestStore_LoadAllSkipsUndecodable(t *testing.T) {
	store, err := NewStore(t.TempDir(), nil)
	require.NoError(t, err)
	require.NoError(t, store.Save(&Job{ID: "abc123def456", Type: "metadata", State: StateDone}))
	require.NoError(t, os.WriteFile(filepath.Join(store.Dir(), "broken.json"), []byte("{nope"), 0o644))

	jobs, err := store.LoadAll(true)
	require.NoError(t, err)
	assert.Len(t, jobs, 1)

	// The broken file survives for manual inspection.
	_, err = os.Stat(filepath.Join(store.Dir(), "broken.json"))
	assert.NoError(t, err)
}

func TestStore_Delete(t *testing.T) {
	store, err := NewStore(t.TempDir(), nil)
	require.NoError(t, err)
	require.NoError(t, store.Save(&Job{ID: "abc123def456", Type: "metadata", State: StateDone}))

	store.Delete("abc123def456")
	jobs, err := store.LoadAll(true)
	require.NoError(t, err)
	assert.Empty(t, jobs)

	// Deleting a missing record is quiet.
	store.Delete("missing000000")
}
