package generate

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"log/slog"
	"math"
	"regexp"
	"strconv"
	"time"

	"github.com/sidecarr/sidecarr/internal/ffmpeg"
	"github.com/sidecarr/sidecarr/internal/media"
)

// HeatmapsOptions parameterizes brightness sampling.
type HeatmapsOptions struct {
	Interval float64
	PNG      bool
	Force    bool
}

// HeatmapSample is one brightness point.
type HeatmapSample struct {
	T float64 `json:"t"`
	V float64 `json:"v"`
}

// heatmapDoc is the JSON artifact payload.
type heatmapDoc struct {
	Interval    float64         `json:"interval"`
	Samples     []HeatmapSample `json:"samples"`
	GeneratedAt string          `json:"generated_at"`
}

// yavgRe matches signalstats YAVG values in the metadata=print output.
var yavgRe = regexp.MustCompile(`YAVG[:=]\s*([0-9.]+)`)

// Heatmaps samples mean luminance over time. Fast path is one signalstats
// run; the fallback seeks and grabs per-sample frames.
func (s *Service) Heatmaps(ctx context.Context, video string, opts HeatmapsOptions, sub func(frac float64)) error {
	if err := s.checkVideo(video); err != nil {
		return err
	}
	if !opts.Force && s.layout.Exists(video, media.KindHeatmapJSON) {
		return nil
	}

	unlock, err := s.locks.Lock(ctx, video, "heatmaps")
	if err != nil {
		return err
	}
	defer unlock()

	if opts.Interval <= 0 {
		opts.Interval = s.cfg.Heatmaps.Interval
	}
	duration, err := s.duration(ctx, video)
	if err != nil {
		return err
	}

	samples, err := s.heatmapSignalstats(ctx, video, duration, opts.Interval)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		s.log.Warn("signalstats pass failed, sampling per frame",
			slog.String("video", video), slog.Any("error", err))
		samples, err = s.heatmapPerFrame(ctx, video, duration, opts.Interval, sub)
		if err != nil {
			return err
		}
	}
	if sub != nil {
		sub(0.9)
	}

	doc := heatmapDoc{
		Interval:    opts.Interval,
		Samples:     samples,
		GeneratedAt: time.Now().UTC().Format(time.RFC3339),
	}
	if err := s.writeJSONArtifact(video, media.KindHeatmapJSON, doc); err != nil {
		return err
	}

	if opts.PNG || s.cfg.Heatmaps.PNG {
		data, err := RenderHeatmapPNG(samples, 640, 120)
		if err != nil {
			return err
		}
		if err := s.writeArtifact(video, media.KindHeatmapPNG, data); err != nil {
			return err
		}
	}
	if sub != nil {
		sub(1)
	}
	return nil
}

// heatmapSignalstats is the single-pass fast path.
func (s *Service) heatmapSignalstats(ctx context.Context, video string, duration, interval float64) ([]HeatmapSample, error) {
	vf := fmt.Sprintf("fps=1/%s,scale=160:-1,signalstats,metadata=print", formatSeconds(interval))
	args := s.ffmpegArgs("-i", video, "-vf", vf, "-f", "null", "-")
	args2 := make([]string, 0, len(args))
	// metadata=print writes to stderr with -f null; keep loglevel info so
	// the stats survive.
	for _, a := range args {
		if a == "error" {
			a = "info"
		}
		args2 = append(args2, a)
	}

	res, err := s.runner.Run(ctx, ffmpeg.RunSpec{Args: args2, Timeout: s.cfg.FFmpeg.Timelimit})
	if err != nil {
		return nil, err
	}
	values := ParseYAVG(res.Stdout + "\n" + res.Stderr)
	if len(values) == 0 {
		return nil, fmt.Errorf("no YAVG values in signalstats output")
	}
	samples := make([]HeatmapSample, len(values))
	for i, v := range values {
		samples[i] = HeatmapSample{
			T: math.Round(float64(i)*interval*1000) / 1000,
			V: math.Round(v/255*1000) / 1000,
		}
	}
	return samples, nil
}

// heatmapPerFrame seeks and grabs one frame per sample point.
func (s *Service) heatmapPerFrame(ctx context.Context, video string, duration, interval float64, sub func(float64)) ([]HeatmapSample, error) {
	count := int(duration / interval)
	if count < 1 {
		count = 1
	}
	var samples []HeatmapSample
	for i := 0; i < count; i++ {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		t := float64(i) * interval
		img, err := s.decodeFrame(ctx, video, t, 160)
		if err != nil {
			continue
		}
		samples = append(samples, HeatmapSample{
			T: math.Round(t*1000) / 1000,
			V: math.Round(meanLuminance(img)*1000) / 1000,
		})
		if sub != nil {
			sub(float64(i+1) / float64(count) * 0.8)
		}
	}
	if len(samples) == 0 {
		return nil, fmt.Errorf("no samples producible for %s", video)
	}
	return samples, nil
}

// ParseYAVG extracts YAVG values in order of appearance.
func ParseYAVG(output string) []float64 {
	matches := yavgRe.FindAllStringSubmatch(output, -1)
	out := make([]float64, 0, len(matches))
	for _, m := range matches {
		if v, err := strconv.ParseFloat(m[1], 64); err == nil {
			out = append(out, v)
		}
	}
	return out
}

// meanLuminance averages Rec. 601 luma across the frame.
func meanLuminance(img image.Image) float64 {
	b := img.Bounds()
	var sum, n float64
	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			r, g, bl, _ := img.At(x, y).RGBA()
			sum += 0.299*float64(r>>8) + 0.587*float64(g>>8) + 0.114*float64(bl>>8)
			n++
		}
	}
	if n == 0 {
		return 0
	}
	return sum / n / 255
}

// RenderHeatmapPNG draws the sample series as a bar chart.
func RenderHeatmapPNG(samples []HeatmapSample, w, h int) ([]byte, error) {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	bg := color.RGBA{0x10, 0x10, 0x14, 0xff}
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, bg)
		}
	}
	if len(samples) > 0 {
		barW := float64(w) / float64(len(samples))
		for i, smp := range samples {
			barH := int(smp.V * float64(h))
			shade := uint8(64 + smp.V*191)
			col := color.RGBA{shade, shade / 2, 0xd0, 0xff}
			x0 := int(float64(i) * barW)
			x1 := int(float64(i+1) * barW)
			for x := x0; x < x1 && x < w; x++ {
				for y := h - barH; y < h; y++ {
					img.Set(x, y, col)
				}
			}
		}
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return nil, fmt.Errorf("encoding heatmap png: %w", err)
	}
	return buf.Bytes(), nil
}
