package handlers

import (
	"net/http"
	"net/url"
	"os"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/sidecarr/sidecarr/internal/media"
)

// MediaHandler serves source video files with byte-range support.
type MediaHandler struct {
	layout *media.Layout
}

// NewMediaHandler creates a media file handler.
func NewMediaHandler(layout *media.Layout) *MediaHandler {
	return &MediaHandler{layout: layout}
}

// Register mounts the media route on the chi router.
func (h *MediaHandler) Register(router chi.Router) {
	router.Get("/media/*", h.serve)
}

// serve streams one library file. Only recognized media files resolve;
// artifact directories and hidden paths stay unreachable.
func (h *MediaHandler) serve(w http.ResponseWriter, r *http.Request) {
	rel := chi.URLParam(r, "*")
	if unescaped, err := url.PathUnescape(rel); err == nil {
		rel = unescaped
	}
	if rel == "" || strings.Contains(rel, "..") {
		http.NotFound(w, r)
		return
	}

	path, err := h.layout.Resolve(rel)
	if err != nil {
		http.NotFound(w, r)
		return
	}
	if !h.layout.IsOriginalMedia(path) {
		http.NotFound(w, r)
		return
	}
	info, err := os.Stat(path)
	if err != nil || info.IsDir() {
		http.NotFound(w, r)
		return
	}
	// ServeFile handles Range, If-Modified-Since and content type.
	http.ServeFile(w, r, path)
}
