package media

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// artifactsDirName is the root-level directory holding all sidecars.
const artifactsDirName = ".artifacts"

// previewsDirSuffix marks directories excluded from library scans.
const previewsDirSuffix = ".previews"

// Layout maps videos under a library root to their artifact paths.
type Layout struct {
	// Root is the absolute library root.
	Root string
	// Exts is the lowercase media extension set, without dots.
	Exts map[string]struct{}
	// PreviewExt is the preferred preview container ("webm" or "mp4").
	PreviewExt string
}

// NewLayout builds a Layout for root with the given extensions.
func NewLayout(root string, exts []string, previewExt string) (*Layout, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolving library root: %w", err)
	}
	set := make(map[string]struct{}, len(exts))
	for _, e := range exts {
		set[strings.ToLower(strings.TrimPrefix(strings.TrimSpace(e), "."))] = struct{}{}
	}
	if previewExt == "" {
		previewExt = "webm"
	}
	return &Layout{Root: abs, Exts: set, PreviewExt: previewExt}, nil
}

// Stem returns the basename of video without its extension.
func Stem(video string) string {
	base := filepath.Base(video)
	return strings.TrimSuffix(base, filepath.Ext(base))
}

// ArtifactDir returns <root>/.artifacts/scenes/<stem>/, creating it on demand.
func (l *Layout) ArtifactDir(video string) (string, error) {
	dir := l.artifactDirPath(video)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("creating artifact dir: %w", err)
	}
	return dir, nil
}

// artifactDirPath computes the artifact directory without touching disk.
func (l *Layout) artifactDirPath(video string) string {
	return filepath.Join(l.Root, artifactsDirName, "scenes", Stem(video))
}

// Path returns the canonical artifact path for (video, kind). The directory
// is not created; use ArtifactDir first when writing.
func (l *Layout) Path(video string, kind Kind) string {
	dir := l.artifactDirPath(video)
	stem := Stem(video)
	switch kind {
	case KindMetadata:
		return filepath.Join(dir, stem+".metadata.json")
	case KindThumbnail:
		return filepath.Join(dir, stem+".thumbnail.jpg")
	case KindPreview:
		return filepath.Join(dir, stem+".preview."+l.PreviewExt)
	case KindPreviewInfo:
		return filepath.Join(dir, stem+".preview.json")
	case KindSpritesSheet:
		return filepath.Join(dir, stem+".sprites.jpg")
	case KindSpritesIndex:
		return filepath.Join(dir, stem+".sprites.json")
	case KindPhash:
		return filepath.Join(dir, stem+".phash.json")
	case KindScenes:
		return filepath.Join(dir, stem+".scenes.json")
	case KindHeatmapJSON:
		return filepath.Join(dir, stem+".heatmaps.json")
	case KindHeatmapPNG:
		return filepath.Join(dir, stem+".heatmaps.png")
	case KindWaveform:
		return filepath.Join(dir, stem+".waveform.png")
	case KindMotion:
		return filepath.Join(dir, stem+".motion.json")
	case KindSubtitles:
		return filepath.Join(dir, stem+".subtitles.srt")
	case KindFaces:
		return filepath.Join(dir, stem+".faces.json")
	}
	return ""
}

// SceneThumbDir returns the per-scene thumbnail directory <stem>.scenes/.
func (l *Layout) SceneThumbDir(video string) string {
	return filepath.Join(l.artifactDirPath(video), Stem(video)+".scenes")
}

// SceneThumbPath returns the path of the thumbnail for scene index i (1-based).
func (l *Layout) SceneThumbPath(video string, i int) string {
	return filepath.Join(l.SceneThumbDir(video), fmt.Sprintf("%s.scene_%03d.jpg", Stem(video), i))
}

// LockDir returns the advisory lock directory for the video's artifacts.
func (l *Layout) LockDir(video string) string {
	return filepath.Join(l.artifactDirPath(video), ".locks")
}

// FindPreview returns the existing preview path for video, trying the
// preferred container first, then the alternate.
func (l *Layout) FindPreview(video string) (string, bool) {
	dir := l.artifactDirPath(video)
	stem := Stem(video)
	for _, ext := range []string{l.PreviewExt, otherPreviewExt(l.PreviewExt)} {
		p := filepath.Join(dir, stem+".preview."+ext)
		if fileNonEmpty(p) {
			return p, true
		}
	}
	return "", false
}

// LegacySubtitles returns the sidecar SRT written next to the source by older
// releases, if present.
func (l *Layout) LegacySubtitles(video string) (string, bool) {
	p := strings.TrimSuffix(video, filepath.Ext(video)) + ".subtitles.srt"
	if fileNonEmpty(p) {
		return p, true
	}
	return "", false
}

func otherPreviewExt(ext string) string {
	if ext == "webm" {
		return "mp4"
	}
	return "webm"
}

// IsOriginalMedia reports whether path names a source video: a regular file
// with a recognized extension, no hidden or .previews parent under root, and
// not itself carrying an artifact suffix.
func (l *Layout) IsOriginalMedia(path string) bool {
	info, err := os.Stat(path)
	if err != nil || !info.Mode().IsRegular() {
		return false
	}
	base := filepath.Base(path)
	if strings.HasPrefix(base, "._") || IsArtifactName(base) {
		return false
	}
	ext := strings.ToLower(strings.TrimPrefix(filepath.Ext(base), "."))
	if _, ok := l.Exts[ext]; !ok {
		return false
	}
	rel, err := filepath.Rel(l.Root, path)
	if err != nil || strings.HasPrefix(rel, "..") {
		return false
	}
	for _, part := range strings.Split(filepath.Dir(rel), string(filepath.Separator)) {
		if part == "." || part == "" {
			continue
		}
		if strings.HasPrefix(part, ".") || strings.HasSuffix(part, previewsDirSuffix) {
			return false
		}
	}
	return true
}

// Videos lists source videos under dir (absolute, inside root), sorted by
// path. With recursive false only dir's immediate entries are considered.
func (l *Layout) Videos(dir string, recursive bool) ([]string, error) {
	if dir == "" {
		dir = l.Root
	}
	var out []string
	if recursive {
		err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if d.IsDir() {
				name := d.Name()
				if path != dir && (strings.HasPrefix(name, ".") || strings.HasSuffix(name, previewsDirSuffix)) {
					return filepath.SkipDir
				}
				return nil
			}
			if l.IsOriginalMedia(path) {
				out = append(out, path)
			}
			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("walking %s: %w", dir, err)
		}
	} else {
		entries, err := os.ReadDir(dir)
		if err != nil {
			return nil, fmt.Errorf("reading %s: %w", dir, err)
		}
		for _, e := range entries {
			if e.IsDir() {
				continue
			}
			p := filepath.Join(dir, e.Name())
			if l.IsOriginalMedia(p) {
				out = append(out, p)
			}
		}
	}
	sort.Strings(out)
	return out, nil
}

// Rel converts an absolute library path to its root-relative form.
func (l *Layout) Rel(path string) string {
	rel, err := filepath.Rel(l.Root, path)
	if err != nil {
		return path
	}
	return rel
}

// Resolve joins a root-relative path under root, rejecting escapes.
func (l *Layout) Resolve(rel string) (string, error) {
	p := filepath.Join(l.Root, rel)
	clean, err := filepath.Abs(p)
	if err != nil {
		return "", err
	}
	if clean != l.Root && !strings.HasPrefix(clean, l.Root+string(filepath.Separator)) {
		return "", fmt.Errorf("path %q escapes library root", rel)
	}
	return clean, nil
}

// Stems returns the stems of every video currently in the library, for
// orphan detection.
func (l *Layout) Stems() (map[string]struct{}, error) {
	videos, err := l.Videos(l.Root, true)
	if err != nil {
		return nil, err
	}
	stems := make(map[string]struct{}, len(videos))
	for _, v := range videos {
		stems[Stem(v)] = struct{}{}
	}
	return stems, nil
}
