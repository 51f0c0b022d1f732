package media

import (
	"bytes"
	"encoding/json"
	"os"
)

// minArtifactSize is the smallest size an artifact may have and still be
// considered present. Anything smaller is treated as missing.
const minArtifactSize = 64

// SubtitleStubSentinel marks a placeholder SRT written when no speech
// backend is available. Its presence drives regeneration.
const SubtitleStubSentinel = "[sidecarr placeholder transcript]"

// fileNonEmpty reports whether path is a regular file of at least
// minArtifactSize bytes.
func fileNonEmpty(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.Mode().IsRegular() && info.Size() >= minArtifactSize
}

// FileNonEmpty is the exported presence primitive shared by generators.
func FileNonEmpty(path string) bool { return fileNonEmpty(path) }

// Exists reports whether the artifact for (video, kind) is present and real:
// the file exists, meets the minimum size, and passes the kind-specific
// stub check.
func (l *Layout) Exists(video string, kind Kind) bool {
	path := l.Path(video, kind)
	if kind == KindPreview {
		p, ok := l.FindPreview(video)
		if !ok {
			return false
		}
		path = p
	}
	if !fileNonEmpty(path) {
		return false
	}
	switch kind {
	case KindMetadata:
		return !isStubJSON(path)
	case KindThumbnail:
		return !isStubThumbnail(path)
	case KindSubtitles:
		return !isStubSubtitles(path)
	case KindFaces:
		return isRealFaces(path)
	}
	return true
}

// isStubJSON reports whether a JSON artifact is flagged stub:true.
func isStubJSON(path string) bool {
	data, err := os.ReadFile(path)
	if err != nil {
		return true
	}
	var doc struct {
		Stub bool `json:"stub"`
	}
	if err := json.Unmarshal(data, &doc); err != nil {
		return true
	}
	return doc.Stub
}

// isStubThumbnail detects the hard-coded placeholder JPEG.
func isStubThumbnail(path string) bool {
	data, err := os.ReadFile(path)
	if err != nil {
		return true
	}
	return bytes.Equal(data, PlaceholderJPEG)
}

// isStubSubtitles detects the placeholder SRT by its sentinel phrase.
func isStubSubtitles(path string) bool {
	data, err := os.ReadFile(path)
	if err != nil {
		return true
	}
	return bytes.Contains(data, []byte(SubtitleStubSentinel))
}

// isRealFaces reports whether a faces document carries at least one
// detection with a non-empty numeric embedding and is not flagged stub.
func isRealFaces(path string) bool {
	data, err := os.ReadFile(path)
	if err != nil {
		return false
	}
	var doc struct {
		Stub  bool `json:"stub"`
		Faces []struct {
			Embedding []float64 `json:"embedding"`
		} `json:"faces"`
	}
	if err := json.Unmarshal(data, &doc); err != nil {
		return false
	}
	if doc.Stub || len(doc.Faces) == 0 {
		return false
	}
	for _, f := range doc.Faces {
		if len(f.Embedding) > 0 {
			return true
		}
	}
	return false
}
