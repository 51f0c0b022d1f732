package generate

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/sidecarr/sidecarr/internal/media"
)

// Autotag derives descriptive tags from the probed metadata and merges them
// into the metadata document. The metadata artifact must exist first.
func (s *Service) Autotag(ctx context.Context, video string) error {
	if err := s.checkVideo(video); err != nil {
		return err
	}

	unlock, err := s.locks.Lock(ctx, video, "autotag")
	if err != nil {
		return err
	}
	defer unlock()

	path := s.layout.Path(video, media.KindMetadata)
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("%w: metadata for %s", ErrNotFound, video)
	}
	var doc map[string]json.RawMessage
	if err := json.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("decoding metadata for %s: %w", video, err)
	}

	tags := DeriveTags(doc)
	return media.RewriteJSONAtomic(path, doc, map[string]any{
		"tags":      tags,
		"tagged_at": time.Now().UTC().Format(time.RFC3339),
	})
}

// DeriveTags classifies a metadata document into resolution, codec,
// duration and audio tags.
func DeriveTags(doc map[string]json.RawMessage) []string {
	set := map[string]struct{}{}

	var duration float64
	if raw, ok := doc["duration"]; ok {
		json.Unmarshal(raw, &duration)
	}
	switch {
	case duration <= 0:
	case duration < 60:
		set["short"] = struct{}{}
	case duration < 1200:
		set["medium"] = struct{}{}
	default:
		set["long"] = struct{}{}
	}

	var streams []struct {
		CodecType string `json:"codec_type"`
		CodecName string `json:"codec_name"`
		Height    int    `json:"height"`
	}
	if raw, ok := doc["streams"]; ok {
		json.Unmarshal(raw, &streams)
	}
	hasAudio := false
	for _, st := range streams {
		switch st.CodecType {
		case "audio":
			hasAudio = true
		case "video":
			if st.CodecName != "" {
				set["codec:"+strings.ToLower(st.CodecName)] = struct{}{}
			}
			switch {
			case st.Height >= 2160:
				set["4k"] = struct{}{}
			case st.Height >= 1080:
				set["1080p"] = struct{}{}
			case st.Height >= 720:
				set["720p"] = struct{}{}
			case st.Height > 0:
				set["sd"] = struct{}{}
			}
		}
	}
	if !hasAudio {
		set["silent"] = struct{}{}
	}

	var stub bool
	if raw, ok := doc["stub"]; ok {
		json.Unmarshal(raw, &stub)
	}
	if stub {
		set["unprobed"] = struct{}{}
	}

	tags := make([]string, 0, len(set))
	for t := range set {
		tags = append(tags, t)
	}
	sort.Strings(tags)
	return tags
}
