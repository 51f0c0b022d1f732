package generate

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/sidecarr/sidecarr/internal/media"
)

// Metadata probes the video and writes the ffprobe document as the metadata
// artifact. When probing fails it writes a synthetic stub (duration 0, one
// default video and audio stream) flagged stub:true, so downstream consumers
// always find a valid document.
func (s *Service) Metadata(ctx context.Context, video string, force bool) error {
	if err := s.checkVideo(video); err != nil {
		return err
	}
	if !force && s.layout.Exists(video, media.KindMetadata) {
		return nil
	}

	unlock, err := s.locks.Lock(ctx, video, "metadata")
	if err != nil {
		return err
	}
	defer unlock()

	result, err := s.prober.Probe(ctx, video)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		s.log.Warn("probe failed, writing synthetic metadata",
			slog.String("video", video), slog.Any("error", err))
		return s.writeJSONArtifact(video, media.KindMetadata, syntheticMetadata())
	}

	// Preserve the probe document as emitted, adding only our envelope.
	var doc map[string]json.RawMessage
	if err := json.Unmarshal(result.Raw, &doc); err != nil {
		doc = map[string]json.RawMessage{}
	}
	doc["generated_at"], _ = json.Marshal(time.Now().UTC().Format(time.RFC3339))
	doc["duration"], _ = json.Marshal(result.Duration())
	return s.writeJSONArtifact(video, media.KindMetadata, doc)
}

// syntheticMetadata is the degraded document written without a working
// ffprobe.
func syntheticMetadata() map[string]any {
	return map[string]any{
		"stub":     true,
		"duration": 0,
		"format":   map[string]any{"format_name": "unknown", "duration": "0"},
		"streams": []map[string]any{
			{"index": 0, "codec_type": "video", "codec_name": "h264", "width": 0, "height": 0},
			{"index": 1, "codec_type": "audio", "codec_name": "aac", "channels": 2},
		},
		"generated_at": time.Now().UTC().Format(time.RFC3339),
	}
}
