package media

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLayout(t *testing.T) *Layout {
	t.Helper()
	l, err := NewLayout(t.TempDir(), []string{"mp4", "mkv", "webm"}, "webm")
	require.NoError(t, err)
	return l
}

func touch(t *testing.T, path string, size int) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, make([]byte, size), 0o644))
}

func TestStem(t *testing.T) {
	assert.Equal(t, "video", Stem("/lib/video.mp4"))
	assert.Equal(t, "a.b", Stem("a.b.mkv"))
}

func TestPath_AllKinds(t *testing.T) {
	l := testLayout(t)
	video := filepath.Join(l.Root, "clip.mp4")

	want := map[Kind]string{
		KindMetadata:     "clip.metadata.json",
		KindThumbnail:    "clip.thumbnail.jpg",
		KindPreview:      "clip.preview.webm",
		KindPreviewInfo:  "clip.preview.json",
		KindSpritesSheet: "clip.sprites.jpg",
		KindSpritesIndex: "clip.sprites.json",
		KindPhash:        "clip.phash.json",
		KindScenes:       "clip.scenes.json",
		KindHeatmapJSON:  "clip.heatmaps.json",
		KindHeatmapPNG:   "clip.heatmaps.png",
		KindWaveform:     "clip.waveform.png",
		KindMotion:       "clip.motion.json",
		KindSubtitles:    "clip.subtitles.srt",
		KindFaces:        "clip.faces.json",
	}
	dir := filepath.Join(l.Root, ".artifacts", "scenes", "clip")
	for kind, name := range want {
		assert.Equal(t, filepath.Join(dir, name), l.Path(video, kind), string(kind))
	}
}

func TestSceneThumbPath(t *testing.T) {
	l := testLayout(t)
	video := filepath.Join(l.Root, "clip.mp4")
	p := l.SceneThumbPath(video, 7)
	assert.Equal(t, filepath.Join(l.Root, ".artifacts", "scenes", "clip", "clip.scenes", "clip.scene_007.jpg"), p)
}

func TestParseArtifactName(t *testing.T) {
	exts := map[string]struct{}{"mp4": {}, "mkv": {}}

	tests := []struct {
		name string
		stem string
		kind Kind
		ok   bool
	}{
		{"clip.metadata.json", "clip", KindMetadata, true},
		{"clip.preview.json", "clip", KindPreviewInfo, true},
		{"clip.preview.webm", "clip", KindPreview, true},
		{"clip.preview.mp4", "clip", KindPreview, true},
		{"clip.sprites.jpg", "clip", KindSpritesSheet, true},
		{"clip.scene_012.jpg", "clip", KindSceneThumbnail, true},
		// Legacy stems that embedded the media extension are normalized.
		{"clip.mp4.metadata.json", "clip", KindMetadata, true},
		{"clip.mp4", "", "", false},
		{"clip.jpg", "", "", false},
		{".metadata.json", "", "", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			stem, kind, ok := ParseArtifactName(tt.name, exts)
			assert.Equal(t, tt.ok, ok)
			if ok {
				assert.Equal(t, tt.stem, stem)
				assert.Equal(t, tt.kind, kind)
			}
		})
	}
}

func TestIsOriginalMedia(t *testing.T) {
	l := testLayout(t)

	good := filepath.Join(l.Root, "movies", "ok.mp4")
	touch(t, good, 100)
	assert.True(t, l.IsOriginalMedia(good))

	hiddenDir := filepath.Join(l.Root, ".artifacts", "bad.mp4")
	touch(t, hiddenDir, 100)
	assert.False(t, l.IsOriginalMedia(hiddenDir))

	previews := filepath.Join(l.Root, "show.previews", "bad.mp4")
	touch(t, previews, 100)
	assert.False(t, l.IsOriginalMedia(previews))

	appleDouble := filepath.Join(l.Root, "._junk.mp4")
	touch(t, appleDouble, 100)
	assert.False(t, l.IsOriginalMedia(appleDouble))

	wrongExt := filepath.Join(l.Root, "notes.txt")
	touch(t, wrongExt, 100)
	assert.False(t, l.IsOriginalMedia(wrongExt))

	artifactLike := filepath.Join(l.Root, "clip.preview.webm")
	touch(t, artifactLike, 100)
	assert.False(t, l.IsOriginalMedia(artifactLike))
}

func TestVideos_RecursiveAndFlat(t *testing.T) {
	l := testLayout(t)
	touch(t, filepath.Join(l.Root, "a.mp4"), 100)
	touch(t, filepath.Join(l.Root, "sub", "b.mkv"), 100)
	touch(t, filepath.Join(l.Root, ".hidden", "c.mp4"), 100)
	touch(t, filepath.Join(l.Root, "x.previews", "d.mp4"), 100)

	all, err := l.Videos(l.Root, true)
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, "a.mp4", l.Rel(all[0]))
	assert.Equal(t, filepath.Join("sub", "b.mkv"), l.Rel(all[1]))

	flat, err := l.Videos(l.Root, false)
	require.NoError(t, err)
	require.Len(t, flat, 1)
	assert.Equal(t, "a.mp4", l.Rel(flat[0]))
}

func TestResolve_RejectsEscape(t *testing.T) {
	l := testLayout(t)
	_, err := l.Resolve("../outside.mp4")
	assert.Error(t, err)

	p, err := l.Resolve("sub/ok.mp4")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(l.Root, "sub", "ok.mp4"), p)
}
