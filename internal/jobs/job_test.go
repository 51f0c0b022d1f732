package jobs

import (
	"encoding/json"
	"regexp"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewID(t *testing.T) {
	re := regexp.MustCompile(`^[0-9a-f]{12}$`)
	seen := map[string]struct{}{}
	for i := 0; i < 100; i++ {
		id := NewID()
		assert.Regexp(t, re, id)
		_, dup := seen[id]
		assert.False(t, dup, "duplicate id %s", id)
		seen[id] = struct{}{}
	}
}

func TestStateHelpers(t *testing.T) {
	assert.True(t, StateDone.Terminal())
	assert.True(t, StateFailed.Terminal())
	assert.True(t, StateCanceled.Terminal())
	assert.False(t, StateQueued.Terminal())
	assert.False(t, StateCancelRequested.Terminal())

	assert.True(t, StateQueued.Active())
	assert.True(t, StateCancelRequested.Active())
	assert.False(t, StateRestored.Active())
}

func TestJobJSON_RoundTripPreservesUnknownKeys(t *testing.T) {
	raw := []byte(`{
		"id": "abc123def456",
		"type": "preview",
		"path": "clip.mp4",
		"state": "queued",
		"created_at": 100.5,
		"processed": 0,
		"legacy_field": {"nested": true},
		"another": 7
	}`)

	var job Job
	require.NoError(t, json.Unmarshal(raw, &job))
	assert.Equal(t, "abc123def456", job.ID)
	assert.Equal(t, StateQueued, job.State)
	require.NotNil(t, job.Extra)
	assert.Contains(t, job.Extra, "legacy_field")
	assert.Contains(t, job.Extra, "another")
	assert.NotNil(t, job.cancelCh)

	out, err := json.Marshal(&job)
	require.NoError(t, err)
	var doc map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(out, &doc))
	assert.Contains(t, doc, "legacy_field")
	assert.Contains(t, doc, "another")
}

func TestJobJSON_InjectsDerivedProgress(t *testing.T) {
	total := 4
	job := &Job{ID: "a", Type: "metadata", State: StateRunning, Total: &total, Processed: 1}
	out, err := json.Marshal(job)
	require.NoError(t, err)

	var doc map[string]any
	require.NoError(t, json.Unmarshal(out, &doc))
	assert.Equal(t, float64(25), doc["progress"])

	// No total, no derived percentage.
	out, err = json.Marshal(&Job{ID: "b", Type: "metadata", State: StateQueued})
	require.NoError(t, err)
	doc = map[string]any{}
	require.NoError(t, json.Unmarshal(out, &doc))
	_, has := doc["progress"]
	assert.False(t, has)
}

func TestRequestTargets(t *testing.T) {
	req := &Request{Params: map[string]any{"targets": []any{"a.mp4", "b.mp4"}}}
	assert.Equal(t, []string{"a.mp4", "b.mp4"}, req.Targets())

	req = &Request{Params: map[string]any{"targets": []string{"c.mp4"}}}
	assert.Equal(t, []string{"c.mp4"}, req.Targets())

	assert.Nil(t, (&Request{Params: map[string]any{}}).Targets())
}

func TestProgressClampsTo100(t *testing.T) {
	total := 2
	job := &Job{Total: &total, Processed: 5}
	pct, ok := job.Progress()
	require.True(t, ok)
	assert.Equal(t, 100, pct)
}
