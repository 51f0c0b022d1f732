package generate

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/sidecarr/sidecarr/internal/ffmpeg"
	"github.com/sidecarr/sidecarr/internal/media"
)

// PreviewOptions parameterizes rolling-preview generation.
type PreviewOptions struct {
	Segments int
	SegDur   float64
	Width    int
	Format   string // webm or mp4
	Force    bool
}

// PreviewInfo is the companion preview.json document.
type PreviewInfo struct {
	Status          string    `json:"status"`
	Strategy        string    `json:"strategy"`
	SegmentsPlanned int       `json:"segments_planned"`
	SegmentsUsed    int       `json:"segments_used"`
	Points          []float64 `json:"points"`
	SegDur          float64   `json:"seg_dur"`
	Width           int       `json:"width"`
	Format          string    `json:"format"`
	GeneratedAt     string    `json:"generated_at"`
}

// PlanPreviewPoints places up to segments start points evenly across the
// video, each leaving room for segDur of footage and keeping at least
// minGapFrac*segDur between consecutive segments. Short sources yield fewer
// points, never zero.
func PlanPreviewPoints(duration float64, segments int, segDur, minGapFrac float64) []float64 {
	if segments < 1 {
		segments = 1
	}
	if duration <= segDur {
		return []float64{0}
	}
	usable := duration - segDur
	minGap := segDur * (1 + minGapFrac)

	for n := segments; n > 1; n-- {
		step := usable / float64(n-1)
		if step >= minGap {
			points := make([]float64, n)
			for i := 0; i < n; i++ {
				points[i] = math.Round(float64(i)*step*1000) / 1000
			}
			return points
		}
	}
	return []float64{usable / 2}
}

// Preview produces the multi-segment rolling preview plus its preview.json
// companion. Strategy precedence: single-pass filter graph, per-segment
// extraction with concat, then a direct head clip. Progress is reported in
// completed segments regardless of strategy.
func (s *Service) Preview(ctx context.Context, video string, opts PreviewOptions, sub func(frac float64)) error {
	if err := s.checkVideo(video); err != nil {
		return err
	}
	if !opts.Force && s.layout.Exists(video, media.KindPreview) {
		return nil
	}

	unlock, err := s.locks.Lock(ctx, video, "preview")
	if err != nil {
		return err
	}
	defer unlock()

	if opts.Segments <= 0 {
		opts.Segments = s.cfg.Preview.Segments
	}
	if opts.SegDur <= 0 {
		opts.SegDur = s.cfg.Preview.SegDur
	}
	if opts.Width <= 0 {
		opts.Width = s.cfg.Preview.Width
	}
	if opts.Format == "" {
		opts.Format = s.cfg.Preview.Format
	}
	if opts.Format != "webm" && opts.Format != "mp4" {
		return fmt.Errorf("%w: preview format %q", ErrInvalidArgument, opts.Format)
	}

	duration, err := s.duration(ctx, video)
	if err != nil {
		return err
	}
	points := PlanPreviewPoints(duration, opts.Segments, opts.SegDur, s.cfg.Preview.MinGapFrac)

	if _, err := s.layout.ArtifactDir(video); err != nil {
		return err
	}
	target := filepath.Join(filepath.Dir(s.layout.Path(video, media.KindPreview)),
		media.Stem(video)+".preview."+opts.Format)
	tmp := tempSibling(target, "."+opts.Format)
	defer os.Remove(tmp)

	usedPoints := points
	var strategy string
	if s.cfg.Preview.SinglePass && len(points) > 1 {
		err = s.previewSinglePass(ctx, video, points, opts, tmp, sub)
		strategy = "single-pass-" + opts.Format
		if err != nil && ctx.Err() == nil {
			s.log.Warn("single-pass preview failed, trying per-segment",
				slog.String("video", video), slog.Any("error", err))
			usedPoints, err = s.previewSegments(ctx, video, points, opts, tmp, sub)
			strategy = "multi-segment-" + opts.Format
		}
	} else {
		usedPoints, err = s.previewSegments(ctx, video, points, opts, tmp, sub)
		strategy = "multi-segment-" + opts.Format
	}
	if err != nil && ctx.Err() == nil {
		s.log.Warn("per-segment preview failed, trying direct clip",
			slog.String("video", video), slog.Any("error", err))
		err = s.previewDirect(ctx, video, duration, opts, tmp)
		strategy = "direct-" + opts.Format
		usedPoints = []float64{0}
	}
	if err != nil {
		return err
	}
	if !media.FileNonEmpty(tmp) {
		return fmt.Errorf("preview output for %s is empty", video)
	}
	if err := s.finalizeArtifact(tmp, target, media.KindPreview); err != nil {
		return err
	}
	if sub != nil {
		sub(1)
	}

	info := PreviewInfo{
		Status:          "ok",
		Strategy:        strategy,
		SegmentsPlanned: opts.Segments,
		SegmentsUsed:    len(usedPoints),
		Points:          usedPoints,
		SegDur:          opts.SegDur,
		Width:           opts.Width,
		Format:          opts.Format,
		GeneratedAt:     time.Now().UTC().Format(time.RFC3339),
	}
	return s.writeJSONArtifact(video, media.KindPreviewInfo, info)
}

// previewSinglePass builds one split/trim/concat filter graph and parses
// "-progress pipe:1", mapping output seconds to completed segments.
func (s *Service) previewSinglePass(ctx context.Context, video string, points []float64, opts PreviewOptions, out string, sub func(float64)) error {
	n := len(points)
	totalOut := float64(n) * opts.SegDur

	var graph strings.Builder
	fmt.Fprintf(&graph, "[0:v]split=%d", n)
	for i := 0; i < n; i++ {
		fmt.Fprintf(&graph, "[v%d]", i)
	}
	graph.WriteString(";")
	for i, p := range points {
		fmt.Fprintf(&graph, "[v%d]trim=start=%s:duration=%s,setpts=PTS-STARTPTS,%s[s%d];",
			i, formatSeconds(p), formatSeconds(opts.SegDur), scaleFilter(opts.Width), i)
	}
	for i := 0; i < n; i++ {
		fmt.Fprintf(&graph, "[s%d]", i)
	}
	fmt.Fprintf(&graph, "concat=n=%d:v=1:a=0[out]", n)

	args := s.ffmpegArgs("-i", video,
		"-filter_complex", graph.String(),
		"-map", "[out]", "-an",
		"-progress", "pipe:1")
	args = append(args, s.codecArgs(opts.Format)...)
	args = append(args, s.threadFlags()...)
	args = append(args, out)

	_, err := s.runner.Run(ctx, ffmpeg.RunSpec{
		Args:      args,
		Timeout:   s.cfg.FFmpeg.Timelimit,
		StallWarn: s.cfg.Preview.WatchdogWarn,
		StallKill: s.cfg.Preview.WatchdogKill,
		OnProgress: func(outSec float64) {
			if sub != nil && totalOut > 0 {
				// Segment-completion semantics: whole segments only.
				done := math.Floor(outSec / opts.SegDur)
				sub(math.Min(done/float64(n), 1))
			}
		},
	})
	return err
}

// previewSegments encodes each segment separately and concatenates with the
// concat demuxer, advancing one segment per completed run. Individual segment
// failures are skipped; the run fails only when no segment encodes at all.
// Returns the start points that made it into the output.
func (s *Service) previewSegments(ctx context.Context, video string, points []float64, opts PreviewOptions, out string, sub func(float64)) ([]float64, error) {
	dir, err := os.MkdirTemp("", "preview-segments-*")
	if err != nil {
		return nil, fmt.Errorf("creating segment dir: %w", err)
	}
	defer os.RemoveAll(dir)

	var list strings.Builder
	used := make([]float64, 0, len(points))
	var lastErr error
	for i, p := range points {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		seg := filepath.Join(dir, fmt.Sprintf("seg_%03d.%s", i, opts.Format))
		args := s.ffmpegArgs(
			"-ss", formatSeconds(p),
			"-t", formatSeconds(opts.SegDur),
			"-i", video,
			"-vf", scaleFilter(opts.Width),
			"-an")
		args = append(args, s.codecArgs(opts.Format)...)
		args = append(args, s.threadFlags()...)
		args = append(args, seg)
		if _, err := s.runner.Run(ctx, ffmpeg.RunSpec{Args: args, Timeout: s.cfg.FFmpeg.Timelimit}); err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			lastErr = err
			s.log.Warn("preview segment failed, skipping",
				slog.String("video", video),
				slog.Float64("start", p),
				slog.Any("error", err))
		} else {
			fmt.Fprintf(&list, "file '%s'\n", seg)
			used = append(used, p)
		}
		if sub != nil {
			sub(float64(i+1) / float64(len(points)))
		}
	}
	if len(used) == 0 {
		if lastErr != nil {
			return nil, fmt.Errorf("all %d preview segments failed: %w", len(points), lastErr)
		}
		return nil, fmt.Errorf("no preview segments planned for %s", video)
	}

	listPath := filepath.Join(dir, "segments.txt")
	if err := os.WriteFile(listPath, []byte(list.String()), 0o644); err != nil {
		return nil, fmt.Errorf("writing concat list: %w", err)
	}
	args := s.ffmpegArgs("-f", "concat", "-safe", "0", "-i", listPath, "-c", "copy")
	args = append(args, out)
	if _, err := s.runner.Run(ctx, ffmpeg.RunSpec{Args: args, Timeout: s.cfg.FFmpeg.Timelimit}); err != nil {
		return nil, err
	}
	return used, nil
}

// previewDirect encodes a single clip from the head of the video.
func (s *Service) previewDirect(ctx context.Context, video string, duration float64, opts PreviewOptions, out string) error {
	clipLen := math.Min(duration, float64(opts.Segments)*opts.SegDur)
	if clipLen <= 0 {
		clipLen = opts.SegDur
	}
	args := s.ffmpegArgs(
		"-i", video,
		"-t", formatSeconds(clipLen),
		"-vf", scaleFilter(opts.Width),
		"-an")
	args = append(args, s.codecArgs(opts.Format)...)
	args = append(args, s.threadFlags()...)
	args = append(args, out)
	_, err := s.runner.Run(ctx, ffmpeg.RunSpec{Args: args, Timeout: s.cfg.FFmpeg.Timelimit})
	return err
}

// codecArgs picks the encoder settings per container.
func (s *Service) codecArgs(format string) []string {
	if format == "webm" {
		return []string{"-c:v", "libvpx-vp9", "-crf", strconv.Itoa(s.cfg.Preview.CRFVP9), "-b:v", "0"}
	}
	return []string{
		"-c:v", "libx264",
		"-crf", strconv.Itoa(s.cfg.Preview.CRFH264),
		"-preset", "veryfast",
		"-pix_fmt", "yuv420p",
		"-movflags", "+faststart",
	}
}
