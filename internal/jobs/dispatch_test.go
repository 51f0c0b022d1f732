package jobs

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sidecarr/sidecarr/internal/events"
)

func TestNormalizeTask(t *testing.T) {
	cases := map[string]string{
		"preview":        "preview",
		"preview-batch":  "preview",
		"preview-concat": "preview",
		"heatmap":        "heatmaps",
		"heatmap-batch":  "heatmaps",
		"scenes":         "markers",
		"scenes-batch":   "markers",
		"metadata-batch": "metadata",
		" sprites ":      "sprites",
	}
	for in, want := range cases {
		assert.Equal(t, want, NormalizeTask(in), "input %q", in)
	}
}

func TestKnownTask(t *testing.T) {
	for _, task := range []string{
		"transcode", "autotag", "thumbnail", "metadata", "embed", "clip",
		"concat", "cleanup-artifacts", "sprites", "heatmaps", "faces",
		"preview", "subtitles", "markers", "sample", "chain",
		"integrity-scan", "index-embeddings", "waveform", "motion", "phash",
	} {
		assert.True(t, KnownTask(task), "task %q", task)
	}
	assert.True(t, KnownTask("scenes-batch"))
	assert.False(t, KnownTask("shred-library"))
	assert.False(t, KnownTask(""))
}

func TestParamHelpers(t *testing.T) {
	params := map[string]any{
		"name":  "clip",
		"count": float64(7),
		"ratio": 0.25,
		"deep":  true,
	}
	assert.Equal(t, "clip", paramString(params, "name"))
	assert.Equal(t, "", paramString(params, "count"))
	assert.Equal(t, 7, paramInt(params, "count"))
	assert.Equal(t, 0.25, paramFloat(params, "ratio"))
	assert.Equal(t, 0.0, paramFloat(params, "missing"))
	assert.True(t, paramBool(params, "deep"))
	assert.False(t, paramBool(params, "name"))
}

func TestChainSteps(t *testing.T) {
	steps, err := chainSteps(map[string]any{
		"steps": []any{
			map[string]any{"task": "metadata"},
			map[string]any{"task": "preview", "force": true, "params": map[string]any{"segments": float64(6)}},
		},
	})
	require.NoError(t, err)
	require.Len(t, steps, 2)
	assert.Equal(t, "metadata", steps[0].Task)
	assert.True(t, steps[1].Force)
	assert.Equal(t, 6, paramInt(steps[1].Params, "segments"))

	steps, err = chainSteps(map[string]any{})
	require.NoError(t, err)
	assert.Empty(t, steps)

	_, err = chainSteps(map[string]any{"steps": "not-a-list"})
	assert.Error(t, err)
}

func TestSliceReporter_RemapsIntoWindow(t *testing.T) {
	reg := NewRegistry(events.NewBus(16, nil), nil, nil)
	job := reg.Create(&Request{Task: "chain"}, "chain", ".")
	reg.Start(job.ID)
	total := 300
	reg.SetProgress(job.ID, ProgressUpdate{Total: &total})

	slice := &sliceReporter{inner: reg, base: 100}

	// The step announces its own total; it must not leak to the parent.
	stepTotal := 40
	slice.SetProgress(job.ID, ProgressUpdate{Total: &stepTotal})
	snapshot, _ := reg.Get(job.ID)
	require.NotNil(t, snapshot.Total)
	assert.Equal(t, 300, *snapshot.Total)

	half := 20
	slice.SetProgress(job.ID, ProgressUpdate{ProcessedSet: &half})
	snapshot, _ = reg.Get(job.ID)
	assert.Equal(t, 150, snapshot.Processed)

	over := 80
	slice.SetProgress(job.ID, ProgressUpdate{ProcessedSet: &over})
	snapshot, _ = reg.Get(job.ID)
	assert.Equal(t, 200, snapshot.Processed)
}

func TestAtomicTaskScale(t *testing.T) {
	for _, task := range []string{"metadata", "thumbnail", "waveform", "motion"} {
		_, atomic := atomicTasks[task]
		assert.True(t, atomic, "task %q", task)
	}
	_, atomic := atomicTasks["preview"]
	assert.False(t, atomic)
}
