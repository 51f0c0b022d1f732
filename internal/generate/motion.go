package generate

import (
	"context"
	"fmt"
	"image"
	"image/jpeg"
	"math"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/sidecarr/sidecarr/internal/ffmpeg"
	"github.com/sidecarr/sidecarr/internal/media"
)

// MotionOptions parameterizes motion-activity sampling.
type MotionOptions struct {
	Interval float64
	Force    bool
}

// MotionSample is one activity point.
type MotionSample struct {
	T float64 `json:"t"`
	V float64 `json:"v"`
}

// motionDoc is the JSON artifact payload.
type motionDoc struct {
	Interval    float64        `json:"interval"`
	Samples     []MotionSample `json:"samples"`
	GeneratedAt string         `json:"generated_at"`
}

// Motion samples grayscale frames at fps=1/interval and scores consecutive
// frame pairs by normalized mean absolute pixel difference.
func (s *Service) Motion(ctx context.Context, video string, opts MotionOptions, sub func(frac float64)) error {
	if err := s.checkVideo(video); err != nil {
		return err
	}
	if !opts.Force && s.layout.Exists(video, media.KindMotion) {
		return nil
	}

	unlock, err := s.locks.Lock(ctx, video, "motion")
	if err != nil {
		return err
	}
	defer unlock()

	if opts.Interval <= 0 {
		opts.Interval = s.cfg.Motion.Interval
	}

	dir, err := os.MkdirTemp("", "motion-frames-*")
	if err != nil {
		return fmt.Errorf("creating frame dir: %w", err)
	}
	defer os.RemoveAll(dir)

	vf := fmt.Sprintf("fps=1/%s,scale=160:-2,format=gray", formatSeconds(opts.Interval))
	args := s.ffmpegArgs("-i", video,
		"-vf", vf,
		"-q:v", "5")
	args = append(args, s.threadFlags()...)
	args = append(args, filepath.Join(dir, "frame_%05d.jpg"))
	if _, err := s.runner.Run(ctx, ffmpeg.RunSpec{Args: args, Timeout: s.cfg.FFmpeg.Timelimit}); err != nil {
		return err
	}
	if sub != nil {
		sub(0.6)
	}

	frames, err := sortedFrames(dir)
	if err != nil {
		return err
	}
	if len(frames) < 2 {
		return fmt.Errorf("too few frames (%d) for motion analysis of %s", len(frames), video)
	}

	samples := make([]MotionSample, 0, len(frames)-1)
	prev, err := loadGray(frames[0])
	if err != nil {
		return err
	}
	for i := 1; i < len(frames); i++ {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		cur, err := loadGray(frames[i])
		if err != nil {
			continue
		}
		samples = append(samples, MotionSample{
			T: math.Round(float64(i)*opts.Interval*1000) / 1000,
			V: math.Round(FrameDiff(prev, cur)*1000) / 1000,
		})
		prev = cur
		if sub != nil {
			sub(0.6 + 0.4*float64(i)/float64(len(frames)-1))
		}
	}

	doc := motionDoc{
		Interval:    opts.Interval,
		Samples:     samples,
		GeneratedAt: time.Now().UTC().Format(time.RFC3339),
	}
	return s.writeJSONArtifact(video, media.KindMotion, doc)
}

// FrameDiff is the normalized mean absolute pixel difference of two frames
// of equal geometry, in 0..1.
func FrameDiff(a, b *image.Gray) float64 {
	if a == nil || b == nil || a.Bounds() != b.Bounds() {
		return 0
	}
	var sum float64
	n := len(a.Pix)
	if len(b.Pix) < n {
		n = len(b.Pix)
	}
	for i := 0; i < n; i++ {
		d := int(a.Pix[i]) - int(b.Pix[i])
		if d < 0 {
			d = -d
		}
		sum += float64(d)
	}
	if n == 0 {
		return 0
	}
	return sum / float64(n) / 255
}

// sortedFrames lists the extracted frame files in sequence order.
func sortedFrames(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("reading frame dir: %w", err)
	}
	var out []string
	for _, e := range entries {
		if !e.IsDir() {
			out = append(out, filepath.Join(dir, e.Name()))
		}
	}
	sort.Strings(out)
	return out, nil
}

// loadGray decodes a frame into grayscale.
func loadGray(path string) (*image.Gray, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	img, err := jpeg.Decode(f)
	if err != nil {
		return nil, err
	}
	return toGray(img), nil
}
