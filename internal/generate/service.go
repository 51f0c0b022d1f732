// Package generate produces the per-video sidecar artifacts: probed
// metadata, thumbnails, previews, sprite sheets, perceptual hashes,
// scene/marker timelines, heatmaps, waveforms, motion samples, subtitles and
// face detections. Every generator checks presence first (skip unless
// force), writes atomically, holds the per-file task lock, and checks
// cancellation between subprocess invocations.
package generate

import (
	"context"
	"errors"
	"fmt"
	"image"
	"image/jpeg"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"

	"github.com/sidecarr/sidecarr/internal/config"
	"github.com/sidecarr/sidecarr/internal/ffmpeg"
	"github.com/sidecarr/sidecarr/internal/locks"
	"github.com/sidecarr/sidecarr/internal/media"
	"github.com/sidecarr/sidecarr/internal/metrics"
)

// Sentinel errors for the dispatcher's failure taxonomy.
var (
	// ErrDependencyMissing marks a required external backend as absent
	// with no stub policy covering the gap.
	ErrDependencyMissing = errors.New("required backend unavailable")
	// ErrStubRejected marks a run whose only possible output would have
	// been a sentinel artifact.
	ErrStubRejected = errors.New("refusing to persist stub artifact")
	// ErrInvalidArgument marks malformed task parameters.
	ErrInvalidArgument = errors.New("invalid argument")
	// ErrNotFound marks a missing video or artifact.
	ErrNotFound = errors.New("not found")
)

// Service bundles the collaborators every generator needs.
type Service struct {
	cfg    *config.Config
	layout *media.Layout
	runner *ffmpeg.Runner
	prober *ffmpeg.Prober
	locks  *locks.Manager
	log    *slog.Logger
}

// New builds the generator service.
func New(cfg *config.Config, layout *media.Layout, runner *ffmpeg.Runner, locker *locks.Manager, log *slog.Logger) *Service {
	if log == nil {
		log = slog.Default()
	}
	return &Service{
		cfg:    cfg,
		layout: layout,
		runner: runner,
		prober: ffmpeg.NewProber(runner, cfg.FFmpeg.FFprobePath),
		locks:  locker,
		log:    log,
	}
}

// Layout exposes the artifact layout to callers resolving paths.
func (s *Service) Layout() *media.Layout { return s.layout }

// Prober exposes the shared ffprobe wrapper.
func (s *Service) Prober() *ffmpeg.Prober { return s.prober }

// ffmpegArgs assembles the common argv head: binary, banner and loglevel
// flags, configured hwaccel and threads.
func (s *Service) ffmpegArgs(extra ...string) []string {
	args := []string{s.cfg.FFmpeg.FFmpegPath, "-hide_banner", "-loglevel", "error", "-y"}
	args = append(args, ffmpeg.HwaccelFlags(s.cfg.FFmpeg.HWAccel)...)
	args = append(args, extra...)
	return args
}

// threadFlags returns the configured -threads argument pair, if any.
func (s *Service) threadFlags() []string {
	return ffmpeg.ThreadFlags(s.cfg.FFmpeg.Threads)
}

// checkVideo verifies the target exists before any work starts.
func (s *Service) checkVideo(video string) error {
	info, err := os.Stat(video)
	if err != nil || !info.Mode().IsRegular() {
		return fmt.Errorf("%w: %s", ErrNotFound, video)
	}
	return nil
}

// duration probes the video for its duration, required by most planners.
func (s *Service) duration(ctx context.Context, video string) (float64, error) {
	d, err := s.prober.ProbeDuration(ctx, video)
	if err != nil {
		return 0, err
	}
	if d <= 0 {
		return 0, fmt.Errorf("%w: zero duration for %s", ErrInvalidArgument, video)
	}
	return d, nil
}

// extractFrame grabs one frame at t into out as JPEG, scaled to width with
// even dimensions. quality follows the MJPEG 2..31 scale.
func (s *Service) extractFrame(ctx context.Context, video string, t float64, width, quality int, out string) error {
	args := s.ffmpegArgs(
		"-ss", formatSeconds(t),
		"-i", video,
		"-frames:v", "1",
		"-vf", scaleFilter(width),
		"-q:v", strconv.Itoa(ClampQuality(quality)),
	)
	args = append(args, s.threadFlags()...)
	args = append(args, out)
	_, err := s.runner.Run(ctx, ffmpeg.RunSpec{Args: args, Timeout: s.cfg.FFmpeg.Timelimit})
	return err
}

// decodeFrame extracts one frame and decodes it for in-process analysis.
// The temp file is always removed.
func (s *Service) decodeFrame(ctx context.Context, video string, t float64, width int) (image.Image, error) {
	tmp, err := tempFile("frame-*.jpg")
	if err != nil {
		return nil, err
	}
	defer os.Remove(tmp)

	if err := s.extractFrame(ctx, video, t, width, 4, tmp); err != nil {
		return nil, err
	}
	f, err := os.Open(tmp)
	if err != nil {
		return nil, fmt.Errorf("opening extracted frame: %w", err)
	}
	defer f.Close()
	img, err := jpeg.Decode(f)
	if err != nil {
		return nil, fmt.Errorf("decoding extracted frame: %w", err)
	}
	return img, nil
}

// writeArtifact persists data atomically and bumps the artifact counter.
func (s *Service) writeArtifact(video string, kind media.Kind, data []byte) error {
	if _, err := s.layout.ArtifactDir(video); err != nil {
		return err
	}
	if err := media.WriteFileAtomic(s.layout.Path(video, kind), data); err != nil {
		return err
	}
	metrics.ArtifactsWritten.WithLabelValues(string(kind)).Inc()
	return nil
}

// writeJSONArtifact persists a JSON document atomically.
func (s *Service) writeJSONArtifact(video string, kind media.Kind, v any) error {
	if _, err := s.layout.ArtifactDir(video); err != nil {
		return err
	}
	if err := media.WriteJSONAtomic(s.layout.Path(video, kind), v); err != nil {
		return err
	}
	metrics.ArtifactsWritten.WithLabelValues(string(kind)).Inc()
	return nil
}

// countArtifact bumps the artifact counter for outputs written by rename.
func (s *Service) countArtifact(kind media.Kind) error {
	metrics.ArtifactsWritten.WithLabelValues(string(kind)).Inc()
	return nil
}

// ClampQuality bounds a JPEG quality value to the MJPEG 2..31 scale.
func ClampQuality(q int) int {
	if q < 2 {
		return 2
	}
	if q > 31 {
		return 31
	}
	return q
}

// scaleFilter scales to width preserving aspect ratio with even dimensions.
func scaleFilter(width int) string {
	if width <= 0 {
		width = 320
	}
	return fmt.Sprintf("scale=%d:-2", width)
}

// formatSeconds renders a timestamp for ffmpeg arguments.
func formatSeconds(t float64) string {
	if t < 0 {
		t = 0
	}
	return strconv.FormatFloat(t, 'f', 3, 64)
}

// tempFile creates a closed temp file and returns its path.
func tempFile(pattern string) (string, error) {
	f, err := os.CreateTemp("", pattern)
	if err != nil {
		return "", fmt.Errorf("creating temp file: %w", err)
	}
	name := f.Name()
	f.Close()
	return name, nil
}

// tempSibling returns a temp path next to target for outputs ffmpeg must
// write directly, keeping the final rename on one filesystem.
func tempSibling(target, suffix string) string {
	return filepath.Join(filepath.Dir(target), "."+filepath.Base(target)+".tmp"+suffix)
}
