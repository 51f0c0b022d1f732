package handlers

import (
	"context"
	"errors"

	"github.com/danielgtaylor/huma/v2"

	"github.com/sidecarr/sidecarr/internal/generate"
	"github.com/sidecarr/sidecarr/internal/media"
)

// MarkersHandler exposes CRUD over the scene/marker timeline of a video.
type MarkersHandler struct {
	gen    *generate.Service
	layout *media.Layout
}

// NewMarkersHandler creates a markers handler.
func NewMarkersHandler(gen *generate.Service, layout *media.Layout) *MarkersHandler {
	return &MarkersHandler{gen: gen, layout: layout}
}

// MarkersPathInput identifies the video owning the timeline.
type MarkersPathInput struct {
	Path string `query:"path" required:"true" doc:"Root-relative video path"`
}

// MarkerWriteInput carries a marker to add or upsert.
type MarkerWriteInput struct {
	Path string `query:"path" required:"true" doc:"Root-relative video path"`
	Body generate.Marker
}

// MarkerIndexInput addresses one marker by list position.
type MarkerIndexInput struct {
	Path  string `query:"path" required:"true" doc:"Root-relative video path"`
	Index int    `path:"index" doc:"Marker index in the sorted timeline"`
}

// MarkerUpdateInput carries the replacement for one marker.
type MarkerUpdateInput struct {
	Path  string `query:"path" required:"true" doc:"Root-relative video path"`
	Index int    `path:"index" doc:"Marker index in the sorted timeline"`
	Body  generate.Marker
}

// MarkersBody is the timeline payload.
type MarkersBody struct {
	Markers []generate.Marker `json:"markers"`
}

// MarkersOutput is the timeline response.
type MarkersOutput struct {
	Body MarkersBody
}

// Register registers the marker routes.
func (h *MarkersHandler) Register(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "listMarkers",
		Method:      "GET",
		Path:        "/api/v1/markers",
		Summary:     "List markers",
		Tags:        []string{"Markers"},
	}, h.List)

	huma.Register(api, huma.Operation{
		OperationID:   "setMarker",
		Method:        "POST",
		Path:          "/api/v1/markers",
		Summary:       "Add or upsert a marker",
		Description:   "Markers within 3 ms of an existing timestamp replace it",
		Tags:          []string{"Markers"},
		DefaultStatus: 201,
	}, h.Set)

	huma.Register(api, huma.Operation{
		OperationID: "updateMarker",
		Method:      "PUT",
		Path:        "/api/v1/markers/{index}",
		Summary:     "Update a marker",
		Tags:        []string{"Markers"},
	}, h.Update)

	huma.Register(api, huma.Operation{
		OperationID: "deleteMarker",
		Method:      "DELETE",
		Path:        "/api/v1/markers/{index}",
		Summary:     "Delete a marker",
		Tags:        []string{"Markers"},
	}, h.Delete)
}

// resolve maps the query path to an absolute, root-contained video path.
func (h *MarkersHandler) resolve(rel string) (string, error) {
	video, err := h.layout.Resolve(rel)
	if err != nil {
		return "", huma.Error400BadRequest(err.Error())
	}
	return video, nil
}

// markerError maps generator sentinels to HTTP statuses.
func markerError(err error) error {
	switch {
	case errors.Is(err, generate.ErrNotFound):
		return huma.Error404NotFound(err.Error())
	case errors.Is(err, generate.ErrInvalidArgument):
		return huma.Error422UnprocessableEntity(err.Error())
	default:
		return huma.Error500InternalServerError(err.Error())
	}
}

// List returns the marker timeline for a video.
func (h *MarkersHandler) List(ctx context.Context, input *MarkersPathInput) (*MarkersOutput, error) {
	video, err := h.resolve(input.Path)
	if err != nil {
		return nil, err
	}
	markers, _, err := h.gen.LoadMarkers(video)
	if err != nil {
		return nil, markerError(err)
	}
	if markers == nil {
		markers = []generate.Marker{}
	}
	return &MarkersOutput{Body: MarkersBody{Markers: markers}}, nil
}

// Set upserts one marker and returns the updated timeline.
func (h *MarkersHandler) Set(ctx context.Context, input *MarkerWriteInput) (*MarkersOutput, error) {
	video, err := h.resolve(input.Path)
	if err != nil {
		return nil, err
	}
	if err := h.gen.SetMarker(ctx, video, input.Body); err != nil {
		return nil, markerError(err)
	}
	return h.List(ctx, &MarkersPathInput{Path: input.Path})
}

// Update replaces the marker at index.
func (h *MarkersHandler) Update(ctx context.Context, input *MarkerUpdateInput) (*MarkersOutput, error) {
	video, err := h.resolve(input.Path)
	if err != nil {
		return nil, err
	}
	if err := h.gen.UpdateMarker(ctx, video, input.Index, input.Body); err != nil {
		return nil, markerError(err)
	}
	return h.List(ctx, &MarkersPathInput{Path: input.Path})
}

// Delete removes the marker at index.
func (h *MarkersHandler) Delete(ctx context.Context, input *MarkerIndexInput) (*MarkersOutput, error) {
	video, err := h.resolve(input.Path)
	if err != nil {
		return nil, err
	}
	if err := h.gen.DeleteMarker(ctx, video, input.Index); err != nil {
		return nil, markerError(err)
	}
	return h.List(ctx, &MarkersPathInput{Path: input.Path})
}
