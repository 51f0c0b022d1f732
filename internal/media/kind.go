// Package media maps source videos to their sidecar artifact layout and
// classifies files on disk. All artifact paths in the repository go through
// this package; nothing else joins artifact filenames by hand.
package media

import (
	"regexp"
	"strings"
)

// Kind identifies one artifact kind in the closed enumeration.
type Kind string

// Artifact kinds.
const (
	KindMetadata        Kind = "metadata"
	KindThumbnail       Kind = "thumbnail"
	KindPreview         Kind = "preview"
	KindPreviewInfo     Kind = "preview-info"
	KindSpritesSheet    Kind = "sprites-sheet"
	KindSpritesIndex    Kind = "sprites-index"
	KindPhash           Kind = "phash"
	KindScenes          Kind = "scenes"
	KindSceneThumbnail  Kind = "scene-thumbnail"
	KindHeatmapJSON     Kind = "heatmap-json"
	KindHeatmapPNG      Kind = "heatmap-png"
	KindWaveform        Kind = "waveform"
	KindMotion          Kind = "motion"
	KindSubtitles       Kind = "subtitles"
	KindFaces           Kind = "faces"
)

// suffixEntry binds a canonical filename suffix to its kind.
type suffixEntry struct {
	suffix string
	kind   Kind
}

// artifactSuffixes is ordered longest-first so reverse parsing is
// unambiguous (".preview.json" must win over ".json").
var artifactSuffixes = []suffixEntry{
	{".metadata.json", KindMetadata},
	{".thumbnail.jpg", KindThumbnail},
	{".preview.webm", KindPreview},
	{".preview.json", KindPreviewInfo},
	{".preview.mp4", KindPreview},
	{".heatmaps.json", KindHeatmapJSON},
	{".heatmaps.png", KindHeatmapPNG},
	{".subtitles.srt", KindSubtitles},
	{".waveform.png", KindWaveform},
	{".sprites.json", KindSpritesIndex},
	{".sprites.jpg", KindSpritesSheet},
	{".scenes.json", KindScenes},
	{".motion.json", KindMotion},
	{".phash.json", KindPhash},
	{".faces.json", KindFaces},
}

// sceneThumbRe matches per-scene thumbnails like "movie.scene_007.jpg".
var sceneThumbRe = regexp.MustCompile(`^(.+)\.scene_\d{3,}\.jpg$`)

// ParseArtifactName splits an artifact filename into its stem and kind.
// It is the sole authority on whether a filename is an artifact; orphan
// detection and cleanup rely on it. The stem of legacy files that embedded
// the media extension (e.g. "foo.mp4.metadata.json") is normalized.
func ParseArtifactName(name string, exts map[string]struct{}) (stem string, kind Kind, ok bool) {
	for _, e := range artifactSuffixes {
		if strings.HasSuffix(name, e.suffix) && len(name) > len(e.suffix) {
			return normalizeStem(name[:len(name)-len(e.suffix)], exts), e.kind, true
		}
	}
	if m := sceneThumbRe.FindStringSubmatch(name); m != nil {
		return normalizeStem(m[1], exts), KindSceneThumbnail, true
	}
	return "", "", false
}

// IsArtifactName reports whether name carries any artifact suffix.
func IsArtifactName(name string) bool {
	for _, e := range artifactSuffixes {
		if strings.HasSuffix(name, e.suffix) && len(name) > len(e.suffix) {
			return true
		}
	}
	return sceneThumbRe.MatchString(name)
}

// normalizeStem strips a trailing media extension that legacy layouts
// accidentally baked into the stem.
func normalizeStem(stem string, exts map[string]struct{}) string {
	if i := strings.LastIndexByte(stem, '.'); i > 0 {
		if _, isMedia := exts[strings.ToLower(stem[i+1:])]; isMedia {
			return stem[:i]
		}
	}
	return stem
}
