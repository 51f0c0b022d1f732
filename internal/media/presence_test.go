package media

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func readFile(t *testing.T, path string) []byte {
	t.Helper()
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	return data
}

func writeArtifact(t *testing.T, l *Layout, video string, kind Kind, data []byte) string {
	t.Helper()
	_, err := l.ArtifactDir(video)
	require.NoError(t, err)
	path := l.Path(video, kind)
	require.NoError(t, WriteFileAtomic(path, data))
	return path
}

func padJSON(t *testing.T, v any) []byte {
	t.Helper()
	data, err := json.MarshalIndent(v, "", "  ")
	require.NoError(t, err)
	for len(data) < minArtifactSize {
		data = append(data, '\n')
	}
	return data
}

func TestExists_SizeFloor(t *testing.T) {
	l := testLayout(t)
	video := filepath.Join(l.Root, "v.mp4")
	writeArtifact(t, l, video, KindSpritesSheet, make([]byte, 10))
	assert.False(t, l.Exists(video, KindSpritesSheet))

	writeArtifact(t, l, video, KindSpritesSheet, make([]byte, 100))
	assert.True(t, l.Exists(video, KindSpritesSheet))
}

func TestExists_MetadataStub(t *testing.T) {
	l := testLayout(t)
	video := filepath.Join(l.Root, "v.mp4")

	writeArtifact(t, l, video, KindMetadata, padJSON(t, map[string]any{"stub": true, "duration": 0}))
	assert.False(t, l.Exists(video, KindMetadata))

	writeArtifact(t, l, video, KindMetadata, padJSON(t, map[string]any{"duration": 12.5, "streams": []any{}}))
	assert.True(t, l.Exists(video, KindMetadata))
}

func TestExists_ThumbnailPlaceholder(t *testing.T) {
	l := testLayout(t)
	video := filepath.Join(l.Root, "v.mp4")

	writeArtifact(t, l, video, KindThumbnail, PlaceholderJPEG)
	assert.False(t, l.Exists(video, KindThumbnail))

	real := append(append([]byte{}, PlaceholderJPEG...), 0x00)
	writeArtifact(t, l, video, KindThumbnail, real)
	assert.True(t, l.Exists(video, KindThumbnail))
}

func TestExists_SubtitleSentinel(t *testing.T) {
	l := testLayout(t)
	video := filepath.Join(l.Root, "v.mp4")

	stub := []byte("1\n00:00:00,000 --> 00:00:02,000\n" + SubtitleStubSentinel + "\n\n2\n00:00:02,000 --> 00:00:04,000\nmore\n")
	writeArtifact(t, l, video, KindSubtitles, stub)
	assert.False(t, l.Exists(video, KindSubtitles))

	real := []byte("1\n00:00:00,000 --> 00:00:02,000\nhello world this is a real transcript line\n")
	writeArtifact(t, l, video, KindSubtitles, real)
	assert.True(t, l.Exists(video, KindSubtitles))
}

func TestExists_Faces(t *testing.T) {
	l := testLayout(t)
	video := filepath.Join(l.Root, "v.mp4")

	// Stub flag rejected.
	writeArtifact(t, l, video, KindFaces, padJSON(t, map[string]any{
		"stub":  true,
		"faces": []map[string]any{{"embedding": []float64{1, 2}}},
	}))
	assert.False(t, l.Exists(video, KindFaces))

	// Empty embeddings rejected.
	writeArtifact(t, l, video, KindFaces, padJSON(t, map[string]any{
		"faces": []map[string]any{{"embedding": []float64{}}},
	}))
	assert.False(t, l.Exists(video, KindFaces))

	// Real document accepted.
	writeArtifact(t, l, video, KindFaces, padJSON(t, map[string]any{
		"backend": "external",
		"faces":   []map[string]any{{"embedding": []float64{0.1, 0.2, 0.3}}},
	}))
	assert.True(t, l.Exists(video, KindFaces))
}

func TestExists_PreviewEitherContainer(t *testing.T) {
	l := testLayout(t)
	video := filepath.Join(l.Root, "v.mp4")
	assert.False(t, l.Exists(video, KindPreview))

	// Alternate container still counts.
	_, err := l.ArtifactDir(video)
	require.NoError(t, err)
	alt := filepath.Join(filepath.Dir(l.Path(video, KindPreview)), "v.preview.mp4")
	require.NoError(t, WriteFileAtomic(alt, make([]byte, 200)))
	assert.True(t, l.Exists(video, KindPreview))
}

func TestRewriteJSONAtomic_PreservesUnknownKeys(t *testing.T) {
	l := testLayout(t)
	video := filepath.Join(l.Root, "v.mp4")
	path := writeArtifact(t, l, video, KindScenes, padJSON(t, map[string]any{
		"scenes":     []any{},
		"custom_key": "kept",
	}))

	var existing map[string]json.RawMessage
	data := readFile(t, path)
	require.NoError(t, json.Unmarshal(data, &existing))

	require.NoError(t, RewriteJSONAtomic(path, existing, map[string]any{"intro": 1.5}))

	var doc map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(readFile(t, path), &doc))
	assert.Contains(t, doc, "custom_key")
	assert.Contains(t, doc, "intro")
	assert.Contains(t, doc, "scenes")
}
