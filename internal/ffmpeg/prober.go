package ffmpeg

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// ProbeResult contains the decoded ffprobe output plus the raw document as
// emitted, so the metadata artifact can preserve fields we do not model.
type ProbeResult struct {
	Format  ProbeFormat   `json:"format"`
	Streams []ProbeStream `json:"streams"`

	Raw json.RawMessage `json:"-"`
}

// ProbeFormat contains container-level information.
type ProbeFormat struct {
	Filename   string            `json:"filename"`
	NumStreams int               `json:"nb_streams"`
	FormatName string            `json:"format_name"`
	Duration   string            `json:"duration"`
	Size       string            `json:"size"`
	BitRate    string            `json:"bit_rate"`
	Tags       map[string]string `json:"tags,omitempty"`
}

// ProbeStream contains per-stream information.
type ProbeStream struct {
	Index         int               `json:"index"`
	CodecName     string            `json:"codec_name"`
	CodecType     string            `json:"codec_type"`
	Width         int               `json:"width,omitempty"`
	Height        int               `json:"height,omitempty"`
	PixFmt        string            `json:"pix_fmt,omitempty"`
	SampleRate    string            `json:"sample_rate,omitempty"`
	Channels      int               `json:"channels,omitempty"`
	RFrameRate    string            `json:"r_frame_rate,omitempty"`
	AvgFrameRate  string            `json:"avg_frame_rate,omitempty"`
	Duration      string            `json:"duration,omitempty"`
	BitRate       string            `json:"bit_rate,omitempty"`
	NumFrames     string            `json:"nb_frames,omitempty"`
	Tags          map[string]string `json:"tags,omitempty"`
	ChannelLayout string            `json:"channel_layout,omitempty"`
}

// Duration returns the container duration in seconds, falling back to the
// longest stream duration when the container omits it.
func (r *ProbeResult) Duration() float64 {
	if d, err := strconv.ParseFloat(r.Format.Duration, 64); err == nil && d > 0 {
		return d
	}
	var max float64
	for _, s := range r.Streams {
		if d, err := strconv.ParseFloat(s.Duration, 64); err == nil && d > max {
			max = d
		}
	}
	return max
}

// VideoStream returns the first video stream, or nil.
func (r *ProbeResult) VideoStream() *ProbeStream {
	for i := range r.Streams {
		if r.Streams[i].CodecType == "video" {
			return &r.Streams[i]
		}
	}
	return nil
}

// HasAudio reports whether any audio stream is present.
func (r *ProbeResult) HasAudio() bool {
	for _, s := range r.Streams {
		if s.CodecType == "audio" {
			return true
		}
	}
	return false
}

// FrameRate returns the video frame rate in fps, or 0 when unknown.
func (r *ProbeResult) FrameRate() float64 {
	v := r.VideoStream()
	if v == nil {
		return 0
	}
	for _, rate := range []string{v.AvgFrameRate, v.RFrameRate} {
		if fps := parseRational(rate); fps > 0 {
			return fps
		}
	}
	return 0
}

// parseRational decodes ffprobe's "num/den" rate notation.
func parseRational(s string) float64 {
	num, den, found := strings.Cut(s, "/")
	if !found {
		f, _ := strconv.ParseFloat(s, 64)
		return f
	}
	n, err1 := strconv.ParseFloat(num, 64)
	d, err2 := strconv.ParseFloat(den, 64)
	if err1 != nil || err2 != nil || d == 0 {
		return 0
	}
	return n / d
}

// Prober inspects media files with ffprobe through the shared runner, so
// probes honor cancellation and timeouts but never contend for the encoder
// gate.
type Prober struct {
	runner  *Runner
	binary  string
	timeout time.Duration
}

// NewProber builds a prober for the given ffprobe binary.
func NewProber(runner *Runner, binary string) *Prober {
	if binary == "" {
		binary = "ffprobe"
	}
	return &Prober{runner: runner, binary: binary, timeout: 30 * time.Second}
}

// Probe runs ffprobe against path and decodes the JSON document.
func (p *Prober) Probe(ctx context.Context, path string) (*ProbeResult, error) {
	res, err := p.runner.Run(ctx, RunSpec{
		Args: []string{
			p.binary,
			"-v", "error",
			"-print_format", "json",
			"-show_format",
			"-show_streams",
			path,
		},
		Timeout: p.timeout,
	})
	if err != nil {
		return nil, fmt.Errorf("probing %s: %w", path, err)
	}

	var result ProbeResult
	if err := json.Unmarshal([]byte(res.Stdout), &result); err != nil {
		return nil, fmt.Errorf("decoding probe output for %s: %w", path, err)
	}
	result.Raw = json.RawMessage(res.Stdout)
	return &result, nil
}

// ProbeDuration is a convenience wrapper returning only the duration.
func (p *Prober) ProbeDuration(ctx context.Context, path string) (float64, error) {
	result, err := p.Probe(ctx, path)
	if err != nil {
		return 0, err
	}
	return result.Duration(), nil
}
