package handlers

import (
	"bufio"
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sidecarr/sidecarr/internal/config"
	"github.com/sidecarr/sidecarr/internal/events"
	"github.com/sidecarr/sidecarr/internal/ffmpeg"
	"github.com/sidecarr/sidecarr/internal/generate"
	"github.com/sidecarr/sidecarr/internal/jobs"
	"github.com/sidecarr/sidecarr/internal/locks"
	"github.com/sidecarr/sidecarr/internal/media"
)

// testLayout builds a library root with one video file.
func testLayout(t *testing.T) (*media.Layout, string) {
	t.Helper()
	root := t.TempDir()
	video := filepath.Join(root, "clip.mp4")
	require.NoError(t, os.WriteFile(video, []byte(strings.Repeat("v", 256)), 0o644))
	layout, err := media.NewLayout(root, []string{"mp4"}, "webm")
	require.NoError(t, err)
	return layout, video
}

// testEngine wires a minimal but real engine over the layout.
func testEngine(t *testing.T, layout *media.Layout) *jobs.Engine {
	t.Helper()
	cfg := &config.Config{}
	cfg.Library.Root = layout.Root
	runner := ffmpeg.NewRunner(1)
	gen := generate.New(cfg, layout, runner, locks.NewManager(layout, nil), nil)
	bus := events.NewBus(16, nil)
	reg := jobs.NewRegistry(bus, nil, nil)
	sched := jobs.NewScheduler(2, false, bus)
	return jobs.NewEngine(cfg, layout, gen, reg, sched, nil, bus, runner, nil, nil)
}

func TestJobsHandler_SubmitRejectsUnknownTask(t *testing.T) {
	layout, _ := testLayout(t)
	h := NewJobsHandler(testEngine(t, layout))

	_, err := h.Submit(context.Background(), &SubmitJobInput{Body: jobs.Request{Task: "shred-library"}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "task")
}

func TestJobsHandler_SubmitAndGet(t *testing.T) {
	layout, _ := testLayout(t)
	engine := testEngine(t, layout)
	h := NewJobsHandler(engine)

	out, err := h.Submit(context.Background(), &SubmitJobInput{Body: jobs.Request{
		Task:   "metadata",
		Params: map[string]any{"targets": []string{"clip.mp4"}},
	}})
	require.NoError(t, err)
	assert.Regexp(t, "^[0-9a-f]{12}$", out.Body.ID)
	assert.Equal(t, "metadata", out.Body.Type)

	got, err := h.Get(context.Background(), &JobIDInput{ID: out.Body.ID})
	require.NoError(t, err)
	assert.Equal(t, out.Body.ID, got.Body.ID)

	_, err = h.Get(context.Background(), &JobIDInput{ID: "missing000000"})
	assert.Error(t, err)

	engine.CancelAll()
	engine.Wait()
}

func TestJobsHandler_SetPaused(t *testing.T) {
	layout, _ := testLayout(t)
	h := NewJobsHandler(testEngine(t, layout))

	out, err := h.SetPaused(context.Background(), &SetPausedInput{Body: struct {
		Paused bool `json:"paused"`
	}{Paused: true}})
	require.NoError(t, err)
	assert.True(t, out.Body.Paused)
}

func TestLibraryHandler_ListVideos(t *testing.T) {
	layout, video := testLayout(t)
	dir, err := layout.ArtifactDir(video)
	require.NoError(t, err)
	doc := `{"duration": 12.5, "streams": [{"codec_type": "video"}], "format": {"bit_rate": "1000"}}`
	require.NoError(t, os.WriteFile(
		filepath.Join(dir, "clip.metadata.json"), []byte(doc), 0o644))

	h := NewLibraryHandler(layout, nil)
	out, err := h.ListVideos(context.Background(), &ListVideosInput{Recursive: true})
	require.NoError(t, err)
	require.Len(t, out.Body.Videos, 1)

	entry := out.Body.Videos[0]
	assert.Equal(t, "clip.mp4", entry.Path)
	assert.Equal(t, "clip", entry.Stem)
	assert.Equal(t, int64(256), entry.Size)
	assert.True(t, entry.Artifacts["metadata"])
	assert.False(t, entry.Artifacts["thumbnail"])
}

func TestLibraryHandler_ServeArtifact(t *testing.T) {
	layout, video := testLayout(t)
	dir, err := layout.ArtifactDir(video)
	require.NoError(t, err)
	doc := `{"duration": 12.5, "streams": [{"codec_type": "video"}], "format": {"bit_rate": "1000"}}`
	require.NoError(t, os.WriteFile(
		filepath.Join(dir, "clip.metadata.json"), []byte(doc), 0o644))

	router := chi.NewRouter()
	NewLibraryHandler(layout, nil).RegisterRaw(router)
	srv := httptest.NewServer(router)
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/api/v1/artifacts/metadata?path=clip.mp4")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, err = http.Get(srv.URL + "/api/v1/artifacts/thumbnail?path=clip.mp4")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, err = http.Get(srv.URL + "/api/v1/artifacts/nonsense?path=clip.mp4")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, err = http.Get(srv.URL + "/api/v1/artifacts/metadata")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestMediaHandler_RangeAndGuards(t *testing.T) {
	layout, _ := testLayout(t)

	router := chi.NewRouter()
	NewMediaHandler(layout).Register(router)
	srv := httptest.NewServer(router)
	defer srv.Close()

	req, err := http.NewRequest(http.MethodGet, srv.URL+"/media/clip.mp4", nil)
	require.NoError(t, err)
	req.Header.Set("Range", "bytes=0-9")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusPartialContent, resp.StatusCode)
	assert.Equal(t, "10", resp.Header.Get("Content-Length"))

	// Traversal and non-media paths are unreachable.
	resp, err = http.Get(srv.URL + "/media/..%2Fsecret")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, err = http.Get(srv.URL + "/media/clip.txt")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestEventsHandler_StreamsBusEvents(t *testing.T) {
	bus := events.NewBus(16, nil)
	h := NewEventsHandler(bus, nil)
	h.SetHeartbeatInterval(time.Hour)

	router := chi.NewRouter()
	h.Register(router)
	srv := httptest.NewServer(router)
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/api/v1/events")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	reader := bufio.NewReader(resp.Body)
	line, err := reader.ReadString('\n')
	require.NoError(t, err)
	assert.Equal(t, ":connected\n", line)

	// The subscriber is attached once the greeting arrives.
	bus.Publish(events.Event{Name: events.EventCreated, ID: "abc123def456", Type: "metadata", Path: "clip.mp4"})

	line, err = reader.ReadString('\n')
	require.NoError(t, err)
	assert.Equal(t, "\n", line)
	line, err = reader.ReadString('\n')
	require.NoError(t, err)
	assert.Equal(t, "event: created\n", line)
	line, err = reader.ReadString('\n')
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(line, "data: "))
	assert.Contains(t, line, `"id":"abc123def456"`)
}
