package generate

import (
	"context"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/sidecarr/sidecarr/internal/ffmpeg"
	"github.com/sidecarr/sidecarr/internal/media"
)

// ClipOptions parameterizes a single cut.
type ClipOptions struct {
	Start    float64
	Duration float64
	Output   string
}

// Clip cuts one h264/aac segment from the source. Output defaults to a
// clip file in the artifact directory.
func (s *Service) Clip(ctx context.Context, video string, opts ClipOptions, sub func(frac float64)) (string, error) {
	if err := s.checkVideo(video); err != nil {
		return "", err
	}
	if opts.Duration <= 0 {
		return "", fmt.Errorf("%w: clip duration %v", ErrInvalidArgument, opts.Duration)
	}

	unlock, err := s.locks.Lock(ctx, video, "clip")
	if err != nil {
		return "", err
	}
	defer unlock()

	out := opts.Output
	if out == "" {
		dir, err := s.layout.ArtifactDir(video)
		if err != nil {
			return "", err
		}
		out = filepath.Join(dir, fmt.Sprintf("%s.clip_%s.mp4",
			media.Stem(video), formatSeconds(opts.Start)))
	}
	tmp := tempSibling(out, ".mp4")
	defer os.Remove(tmp)

	args := s.ffmpegArgs(
		"-ss", formatSeconds(opts.Start),
		"-t", formatSeconds(opts.Duration),
		"-i", video)
	args = append(args, transcodeCodecArgs(0)...)
	args = append(args, "-progress", "pipe:1", tmp)
	spec := ffmpeg.RunSpec{Args: args, Timeout: s.cfg.FFmpeg.Timelimit}
	if sub != nil {
		spec.OnProgress = func(outSec float64) {
			sub(math.Min(outSec/opts.Duration, 1))
		}
	}
	if _, err := s.runner.Run(ctx, spec); err != nil {
		return "", err
	}
	if !media.FileNonEmpty(tmp) {
		return "", fmt.Errorf("clip output for %s is empty", video)
	}
	if err := os.Rename(tmp, out); err != nil {
		return "", fmt.Errorf("finalizing clip: %w", err)
	}
	if sub != nil {
		sub(1)
	}
	return out, nil
}

// Concat joins inputs into one file, stream-copying when the containers
// agree and re-encoding when the copy pass fails.
func (s *Service) Concat(ctx context.Context, inputs []string, output string, sub func(frac float64)) error {
	if len(inputs) < 2 {
		return fmt.Errorf("%w: concat needs at least 2 inputs, got %d", ErrInvalidArgument, len(inputs))
	}
	for _, in := range inputs {
		if !media.FileNonEmpty(in) {
			return fmt.Errorf("%w: concat input %s", ErrNotFound, in)
		}
	}

	list, err := tempFile("concat-*.txt")
	if err != nil {
		return err
	}
	defer os.Remove(list)
	var b strings.Builder
	for _, in := range inputs {
		abs, err := filepath.Abs(in)
		if err != nil {
			return fmt.Errorf("resolving concat input: %w", err)
		}
		fmt.Fprintf(&b, "file '%s'\n", strings.ReplaceAll(abs, "'", `'\''`))
	}
	if err := os.WriteFile(list, []byte(b.String()), 0o644); err != nil {
		return fmt.Errorf("writing concat list: %w", err)
	}

	tmp := tempSibling(output, filepath.Ext(output))
	defer os.Remove(tmp)

	copyArgs := s.ffmpegArgs("-f", "concat", "-safe", "0", "-i", list, "-c", "copy")
	copyArgs = append(copyArgs, tmp)
	if _, err := s.runner.Run(ctx, ffmpeg.RunSpec{Args: copyArgs, Timeout: s.cfg.FFmpeg.Timelimit}); err != nil || !media.FileNonEmpty(tmp) {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		os.Remove(tmp)
		encArgs := s.ffmpegArgs("-f", "concat", "-safe", "0", "-i", list)
		encArgs = append(encArgs, transcodeCodecArgs(0)...)
		encArgs = append(encArgs, tmp)
		if _, err := s.runner.Run(ctx, ffmpeg.RunSpec{Args: encArgs, Timeout: s.cfg.FFmpeg.Timelimit}); err != nil {
			return err
		}
	}
	if !media.FileNonEmpty(tmp) {
		return fmt.Errorf("concat output %s is empty", output)
	}
	if sub != nil {
		sub(1)
	}
	if err := os.Rename(tmp, output); err != nil {
		return fmt.Errorf("finalizing concat: %w", err)
	}
	return nil
}

// TranscodeOptions parameterizes a full re-encode.
type TranscodeOptions struct {
	Output    string
	MaxHeight int
	CRF       int
}

// Transcode re-encodes the source to a broadly compatible h264/aac mp4,
// capping vertical resolution at MaxHeight (default 720).
func (s *Service) Transcode(ctx context.Context, video string, opts TranscodeOptions, sub func(frac float64)) (string, error) {
	if err := s.checkVideo(video); err != nil {
		return "", err
	}

	unlock, err := s.locks.Lock(ctx, video, "transcode")
	if err != nil {
		return "", err
	}
	defer unlock()

	if opts.MaxHeight <= 0 {
		opts.MaxHeight = 720
	}
	out := opts.Output
	if out == "" {
		dir, err := s.layout.ArtifactDir(video)
		if err != nil {
			return "", err
		}
		out = filepath.Join(dir, media.Stem(video)+".transcode.mp4")
	}

	duration, err := s.duration(ctx, video)
	if err != nil {
		duration = 0
	}

	tmp := tempSibling(out, ".mp4")
	defer os.Remove(tmp)

	args := s.ffmpegArgs("-i", video,
		"-vf", fmt.Sprintf("scale=-2:'min(%d,ih)'", opts.MaxHeight))
	args = append(args, transcodeCodecArgs(opts.CRF)...)
	args = append(args, s.threadFlags()...)
	args = append(args, "-progress", "pipe:1", tmp)
	spec := ffmpeg.RunSpec{Args: args, Timeout: s.cfg.FFmpeg.Timelimit}
	if sub != nil && duration > 0 {
		spec.OnProgress = func(outSec float64) {
			sub(math.Min(outSec/duration, 1))
		}
	}
	if _, err := s.runner.Run(ctx, spec); err != nil {
		return "", err
	}
	if !media.FileNonEmpty(tmp) {
		return "", fmt.Errorf("transcode output for %s is empty", video)
	}
	if err := os.Rename(tmp, out); err != nil {
		return "", fmt.Errorf("finalizing transcode: %w", err)
	}
	if sub != nil {
		sub(1)
	}
	return out, nil
}

// transcodeCodecArgs is the shared compatibility encode profile.
func transcodeCodecArgs(crf int) []string {
	if crf <= 0 {
		crf = 23
	}
	return []string{
		"-c:v", "libx264",
		"-crf", strconv.Itoa(crf),
		"-preset", "veryfast",
		"-pix_fmt", "yuv420p",
		"-c:a", "aac",
		"-b:a", "128k",
		"-movflags", "+faststart",
	}
}

// FrameStat is one sampled frame's statistics.
type FrameStat struct {
	T         float64 `json:"t"`
	Luminance float64 `json:"luminance"`
}

// sampleResult is returned as the job result rather than persisted.
type sampleResult struct {
	Frames      []FrameStat `json:"frames"`
	GeneratedAt string      `json:"generated_at"`
}

// Sample grabs n evenly spaced frames and reports per-frame mean luminance.
// The result is transient analysis data, not an artifact.
func (s *Service) Sample(ctx context.Context, video string, n int, sub func(frac float64)) (any, error) {
	if err := s.checkVideo(video); err != nil {
		return nil, err
	}
	if n <= 0 {
		n = 5
	}
	duration, err := s.duration(ctx, video)
	if err != nil {
		return nil, err
	}

	step := duration / float64(n+1)
	stats := make([]FrameStat, 0, n)
	for i := 0; i < n; i++ {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		t := step * float64(i+1)
		img, err := s.decodeFrame(ctx, video, t, 160)
		if err != nil {
			continue
		}
		stats = append(stats, FrameStat{
			T:         math.Round(t*1000) / 1000,
			Luminance: math.Round(meanLuminance(img)*1000) / 1000,
		})
		if sub != nil {
			sub(float64(i+1) / float64(n))
		}
	}
	if len(stats) == 0 {
		return nil, fmt.Errorf("no frames sampled from %s", video)
	}
	return sampleResult{
		Frames:      stats,
		GeneratedAt: time.Now().UTC().Format(time.RFC3339),
	}, nil
}
