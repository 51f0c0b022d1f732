package generate

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/color"
	"image/jpeg"
	"log/slog"
	"os"
	"strconv"
	"strings"

	"github.com/sidecarr/sidecarr/internal/media"
)

// ThumbnailOptions parameterizes thumbnail extraction.
type ThumbnailOptions struct {
	// TimeSpec is "start", "middle", "N%" or a float seconds value.
	TimeSpec string
	Width    int
	Quality  int
	Force    bool
}

// ResolveTimeSpec maps a time specification onto a concrete timestamp within
// [0, duration).
func ResolveTimeSpec(spec string, duration float64) (float64, error) {
	spec = strings.TrimSpace(spec)
	switch {
	case spec == "" || spec == "middle":
		return duration / 2, nil
	case spec == "start":
		return 0, nil
	case strings.HasSuffix(spec, "%"):
		pct, err := strconv.ParseFloat(strings.TrimSuffix(spec, "%"), 64)
		if err != nil || pct < 0 || pct > 100 {
			return 0, fmt.Errorf("%w: bad time spec %q", ErrInvalidArgument, spec)
		}
		return duration * pct / 100, nil
	default:
		t, err := strconv.ParseFloat(spec, 64)
		if err != nil || t < 0 {
			return 0, fmt.Errorf("%w: bad time spec %q", ErrInvalidArgument, spec)
		}
		if duration > 0 && t >= duration {
			t = duration * 0.99
		}
		return t, nil
	}
}

// Thumbnail extracts a single frame as the thumbnail artifact. On extraction
// failure it falls back to a generated gray JPEG, then to the hard-coded
// placeholder bytes; a zero-byte artifact is never left behind.
func (s *Service) Thumbnail(ctx context.Context, video string, opts ThumbnailOptions) error {
	if err := s.checkVideo(video); err != nil {
		return err
	}
	if !opts.Force && s.layout.Exists(video, media.KindThumbnail) {
		return nil
	}

	unlock, err := s.locks.Lock(ctx, video, "thumbnail")
	if err != nil {
		return err
	}
	defer unlock()

	width := opts.Width
	if width <= 0 {
		width = s.cfg.Thumbnail.Width
	}
	quality := opts.Quality
	if quality <= 0 {
		quality = s.cfg.Thumbnail.Quality
	}

	duration, err := s.duration(ctx, video)
	if err != nil {
		duration = 0
	}
	t, err := ResolveTimeSpec(opts.TimeSpec, duration)
	if err != nil {
		return err
	}

	if _, err := s.layout.ArtifactDir(video); err != nil {
		return err
	}
	target := s.layout.Path(video, media.KindThumbnail)
	tmp := tempSibling(target, ".jpg")
	defer os.Remove(tmp)

	if err := s.extractFrame(ctx, video, t, width, quality, tmp); err == nil {
		if media.FileNonEmpty(tmp) {
			return s.finalizeArtifact(tmp, target, media.KindThumbnail)
		}
	} else if ctx.Err() != nil {
		return ctx.Err()
	}

	s.log.Warn("thumbnail extraction failed, writing fallback", slog.String("video", video))
	if data, err := grayJPEG(320, 180); err == nil {
		return s.writeArtifact(video, media.KindThumbnail, data)
	}
	return s.writeArtifact(video, media.KindThumbnail, media.PlaceholderJPEG)
}

// finalizeArtifact renames a temp output into place and counts it.
func (s *Service) finalizeArtifact(tmp, target string, kind media.Kind) error {
	if err := os.Rename(tmp, target); err != nil {
		return fmt.Errorf("renaming artifact into place: %w", err)
	}
	return s.countArtifact(kind)
}

// grayJPEG renders a uniform gray frame.
func grayJPEG(w, h int) ([]byte, error) {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	gray := color.RGBA{R: 0x60, G: 0x60, B: 0x60, A: 0xff}
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, gray)
		}
	}
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: 80}); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
