package handlers

import (
	"context"
	"net/http"
	"os"

	"github.com/danielgtaylor/huma/v2"
	"github.com/go-chi/chi/v5"

	"github.com/sidecarr/sidecarr/internal/index"
	"github.com/sidecarr/sidecarr/internal/media"
)

// presenceKinds is the artifact set reported per video in listings.
var presenceKinds = []media.Kind{
	media.KindMetadata, media.KindThumbnail, media.KindPreview,
	media.KindSpritesSheet, media.KindSpritesIndex, media.KindPhash,
	media.KindScenes, media.KindHeatmapJSON, media.KindHeatmapPNG,
	media.KindWaveform, media.KindMotion, media.KindSubtitles, media.KindFaces,
}

// LibraryHandler exposes video listings, artifact files and similarity
// lookups.
type LibraryHandler struct {
	layout *media.Layout
	// idx may be nil when the embeddings database is disabled.
	idx *index.Store
}

// NewLibraryHandler creates a library handler.
func NewLibraryHandler(layout *media.Layout, idx *index.Store) *LibraryHandler {
	return &LibraryHandler{layout: layout, idx: idx}
}

// ListVideosInput narrows the video listing.
type ListVideosInput struct {
	Dir       string `query:"dir" doc:"Root-relative directory to list"`
	Recursive bool   `query:"recursive" doc:"Descend into subdirectories"`
}

// VideoEntry is one video in a listing.
type VideoEntry struct {
	Path      string          `json:"path"`
	Stem      string          `json:"stem"`
	Size      int64           `json:"size"`
	Artifacts map[string]bool `json:"artifacts"`
}

// ListVideosBody is the video listing payload.
type ListVideosBody struct {
	Videos []VideoEntry `json:"videos"`
}

// ListVideosOutput is the video listing response.
type ListVideosOutput struct {
	Body ListVideosBody
}

// SimilarInput identifies the query video for a similarity lookup.
type SimilarInput struct {
	Path  string `query:"path" required:"true" doc:"Root-relative video path"`
	Limit int    `query:"limit" doc:"Maximum matches to return"`
}

// SimilarBody is the similarity lookup payload.
type SimilarBody struct {
	Matches []index.Match `json:"matches"`
}

// SimilarOutput is the similarity lookup response.
type SimilarOutput struct {
	Body SimilarBody
}

// Register registers the JSON library routes.
func (h *LibraryHandler) Register(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "listVideos",
		Method:      "GET",
		Path:        "/api/v1/videos",
		Summary:     "List library videos",
		Description: "Returns videos under the library root with per-kind artifact presence",
		Tags:        []string{"Library"},
	}, h.ListVideos)

	huma.Register(api, huma.Operation{
		OperationID: "findSimilarVideos",
		Method:      "GET",
		Path:        "/api/v1/similar",
		Summary:     "Find similar videos",
		Description: "Returns indexed videos ranked by embedding cosine similarity",
		Tags:        []string{"Library"},
	}, h.Similar)
}

// RegisterRaw mounts the artifact file route on the chi router. Artifacts
// are served as files with range support, which huma does not model.
func (h *LibraryHandler) RegisterRaw(router chi.Router) {
	router.Get("/api/v1/artifacts/{kind}", h.serveArtifact)
}

// ListVideos walks the library and reports artifact presence per video.
func (h *LibraryHandler) ListVideos(ctx context.Context, input *ListVideosInput) (*ListVideosOutput, error) {
	dir := h.layout.Root
	if input.Dir != "" {
		resolved, err := h.layout.Resolve(input.Dir)
		if err != nil {
			return nil, huma.Error400BadRequest(err.Error())
		}
		dir = resolved
	}

	videos, err := h.layout.Videos(dir, input.Recursive)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, huma.Error404NotFound("directory not found")
		}
		return nil, huma.Error500InternalServerError(err.Error())
	}

	body := ListVideosBody{Videos: make([]VideoEntry, 0, len(videos))}
	for _, video := range videos {
		entry := VideoEntry{
			Path:      h.layout.Rel(video),
			Stem:      media.Stem(video),
			Artifacts: make(map[string]bool, len(presenceKinds)),
		}
		if info, err := os.Stat(video); err == nil {
			entry.Size = info.Size()
		}
		for _, kind := range presenceKinds {
			entry.Artifacts[string(kind)] = h.layout.Exists(video, kind)
		}
		body.Videos = append(body.Videos, entry)
	}
	return &ListVideosOutput{Body: body}, nil
}

// Similar ranks indexed videos against the query video's embedding.
func (h *LibraryHandler) Similar(ctx context.Context, input *SimilarInput) (*SimilarOutput, error) {
	if h.idx == nil {
		return nil, huma.Error503ServiceUnavailable("embeddings index is disabled")
	}
	video, err := h.layout.Resolve(input.Path)
	if err != nil {
		return nil, huma.Error400BadRequest(err.Error())
	}
	stem := media.Stem(video)
	vector, err := h.idx.Vector(ctx, stem)
	if err != nil {
		return nil, huma.Error404NotFound("video is not indexed; run the embed task first")
	}

	limit := input.Limit
	if limit <= 0 {
		limit = 10
	}
	// Fetch one extra so dropping the query video still fills the limit.
	matches, err := h.idx.Similar(ctx, vector, limit+1)
	if err != nil {
		return nil, huma.Error500InternalServerError(err.Error())
	}
	out := make([]index.Match, 0, limit)
	for _, m := range matches {
		if m.Stem == stem {
			continue
		}
		out = append(out, m)
		if len(out) == limit {
			break
		}
	}
	return &SimilarOutput{Body: SimilarBody{Matches: out}}, nil
}

// serveArtifact streams one artifact file, honoring byte ranges. Stub
// artifacts are reported as missing.
func (h *LibraryHandler) serveArtifact(w http.ResponseWriter, r *http.Request) {
	rel := r.URL.Query().Get("path")
	if rel == "" {
		http.Error(w, "missing path parameter", http.StatusBadRequest)
		return
	}
	video, err := h.layout.Resolve(rel)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	kind := media.Kind(chi.URLParam(r, "kind"))
	path := h.layout.Path(video, kind)
	if path == "" {
		http.Error(w, "unknown artifact kind", http.StatusNotFound)
		return
	}
	if !h.layout.Exists(video, kind) {
		// Subtitles placed next to the source by older releases still count.
		if legacy, ok := h.layout.LegacySubtitles(video); ok && kind == media.KindSubtitles {
			http.ServeFile(w, r, legacy)
			return
		}
		http.Error(w, "artifact not found", http.StatusNotFound)
		return
	}
	if kind == media.KindPreview {
		// The preview on disk may use the alternate container.
		if found, ok := h.layout.FindPreview(video); ok {
			path = found
		}
	}
	http.ServeFile(w, r, path)
}
