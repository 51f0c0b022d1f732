package generate

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"os"
	"regexp"
	"sort"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sidecarr/sidecarr/internal/ffmpeg"
	"github.com/sidecarr/sidecarr/internal/media"
)

// sceneDedupeWindow collapses detections closer together than this.
const sceneDedupeWindow = 0.25

// scanShare is the share of the markers progress bar occupied by the
// detection pass; per-scene thumbnails and clips fill the rest.
const scanShare = 0.5

// MarkersOptions parameterizes scene detection.
type MarkersOptions struct {
	Threshold      float64
	GenerateThumbs bool
	GenerateClips  bool
	Force          bool
}

// Marker is one timeline entry: either a detected scene cut or a
// user-supplied marker. Intro and outro are exclusive across the document.
type Marker struct {
	Time  float64 `json:"time"`
	Type  string  `json:"type,omitempty"`
	Label string  `json:"label,omitempty"`
	Name  string  `json:"name,omitempty"`
	Scene bool    `json:"scene,omitempty"`
	Intro bool    `json:"intro,omitempty"`
	Outro bool    `json:"outro,omitempty"`
}

// ptsTimeRe extracts showinfo timestamps from ffmpeg stderr.
var ptsTimeRe = regexp.MustCompile(`pts_time:\s*([0-9.]+)`)

// Markers runs scene detection and writes the scenes document, optionally
// rendering per-scene thumbnails and clips. Existing non-scene markers and
// unknown document keys survive regeneration.
func (s *Service) Markers(ctx context.Context, video string, opts MarkersOptions, sub func(frac float64)) error {
	if err := s.checkVideo(video); err != nil {
		return err
	}
	if !opts.Force && s.layout.Exists(video, media.KindScenes) {
		return nil
	}

	unlock, err := s.locks.Lock(ctx, video, "markers")
	if err != nil {
		return err
	}
	defer unlock()

	if opts.Threshold <= 0 {
		opts.Threshold = s.cfg.Scenes.Threshold
	}

	duration, err := s.duration(ctx, video)
	if err != nil {
		return err
	}

	sub = monotonicSub(sub)

	// Liveness heartbeat until the scan reports its first real position.
	var started atomic.Bool
	stop := make(chan struct{})
	if sub != nil {
		go scanHeartbeat(s.cfg.Scenes.HeartbeatEvery, s.cfg.Scenes.HeartbeatCapPct, &started, stop, sub)
	}

	args := s.ffmpegArgs("-i", video,
		"-filter_complex", fmt.Sprintf("select='gt(scene,%s)',showinfo", formatSeconds(opts.Threshold)),
		"-progress", "pipe:1",
		"-f", "null", "-")
	// showinfo logs at info level on stderr.
	for i, a := range args {
		if a == "error" {
			args[i] = "info"
		}
	}
	res, err := s.runner.Run(ctx, ffmpeg.RunSpec{
		Args:    args,
		Timeout: s.cfg.FFmpeg.Timelimit,
		OnProgress: func(pos float64) {
			started.Store(true)
			if sub != nil {
				sub(ScanProgress(pos, duration))
			}
		},
	})
	close(stop)
	if err != nil {
		return err
	}
	times := DedupeTimes(ParsePtsTimes(res.Stderr), sceneDedupeWindow)
	if sub != nil {
		sub(scanShare)
	}

	scenes := make([]Marker, len(times))
	for i, t := range times {
		scenes[i] = Marker{
			Time:  math.Round(t*1000) / 1000,
			Scene: true,
			Name:  strconv.Itoa(i + 1),
		}
	}

	// Merge: regeneration replaces scene markers but keeps manual ones.
	existing, doc, _ := s.LoadMarkers(video)
	merged := scenes
	for _, m := range existing {
		if !m.Scene {
			merged = append(merged, m)
		}
	}
	sortMarkers(merged)
	if err := s.saveMarkers(video, merged, doc); err != nil {
		return err
	}

	genThumbs := opts.GenerateThumbs || s.cfg.Scenes.GenerateThumbs
	genClips := opts.GenerateClips || s.cfg.Scenes.GenerateClips
	for i, t := range times {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if genThumbs {
			thumb := s.layout.SceneThumbPath(video, i+1)
			if err := os.MkdirAll(s.layout.SceneThumbDir(video), 0o755); err != nil {
				return fmt.Errorf("creating scene thumb dir: %w", err)
			}
			if err := s.extractFrame(ctx, video, t, s.cfg.Thumbnail.Width, s.cfg.Scenes.ThumbQuality, thumb); err != nil {
				return err
			}
		}
		if genClips {
			next := duration
			if i+1 < len(times) {
				next = times[i+1]
			}
			if err := s.sceneClip(ctx, video, i+1, t, math.Min(next-t, 10)); err != nil {
				return err
			}
		}
		if sub != nil {
			sub(scanShare + (1-scanShare)*float64(i+1)/float64(len(times)))
		}
	}
	if sub != nil {
		sub(1)
	}
	return nil
}

// ScanProgress maps a detection-pass timeline position into the scan's share
// of the progress bar.
func ScanProgress(pos, duration float64) float64 {
	if duration <= 0 || pos <= 0 {
		return 0
	}
	return scanShare * math.Min(pos/duration, 1)
}

// scanHeartbeat emits a slowly rising liveness fraction on sub until the scan
// reports a real position or stop closes. Values never exceed capPct percent.
func scanHeartbeat(every time.Duration, capPct int, started *atomic.Bool, stop <-chan struct{}, sub func(float64)) {
	if every <= 0 {
		every = 2 * time.Second
	}
	capFrac := float64(capPct) / 100
	if capFrac <= 0 {
		capFrac = 0.03
	}
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	beat := 0.0
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			if started.Load() {
				return
			}
			beat += 0.005
			sub(math.Min(beat, capFrac))
		}
	}
}

// monotonicSub wraps sub so concurrent reporters can never move the fraction
// backwards. A nil sub passes through.
func monotonicSub(sub func(float64)) func(float64) {
	if sub == nil {
		return nil
	}
	var mu sync.Mutex
	last := -1.0
	return func(frac float64) {
		mu.Lock()
		defer mu.Unlock()
		if frac <= last {
			return
		}
		last = frac
		sub(frac)
	}
}

// sceneClip renders a short h264 clip for one scene.
func (s *Service) sceneClip(ctx context.Context, video string, idx int, start, dur float64) error {
	out := s.layout.SceneThumbPath(video, idx)
	out = out[:len(out)-len(".jpg")] + ".mp4"
	args := s.ffmpegArgs(
		"-ss", formatSeconds(start),
		"-t", formatSeconds(dur),
		"-i", video,
		"-c:v", "libx264",
		"-crf", strconv.Itoa(s.cfg.Scenes.ClipCRF),
		"-preset", "veryfast",
		"-an")
	args = append(args, out)
	_, err := s.runner.Run(ctx, ffmpeg.RunSpec{Args: args, Timeout: s.cfg.FFmpeg.Timelimit})
	return err
}

// ParsePtsTimes extracts pts_time values in order.
func ParsePtsTimes(output string) []float64 {
	matches := ptsTimeRe.FindAllStringSubmatch(output, -1)
	out := make([]float64, 0, len(matches))
	for _, m := range matches {
		if t, err := strconv.ParseFloat(m[1], 64); err == nil {
			out = append(out, t)
		}
	}
	return out
}

// DedupeTimes drops timestamps closer than window to their predecessor.
func DedupeTimes(times []float64, window float64) []float64 {
	if len(times) == 0 {
		return nil
	}
	sorted := append([]float64(nil), times...)
	sort.Float64s(sorted)
	out := sorted[:1]
	for _, t := range sorted[1:] {
		if t-out[len(out)-1] >= window {
			out = append(out, t)
		}
	}
	return out
}

// LoadMarkers reads the scenes document, returning the marker list and the
// raw top-level keys for preservation on rewrite.
func (s *Service) LoadMarkers(video string) ([]Marker, map[string]json.RawMessage, error) {
	path := s.layout.Path(video, media.KindScenes)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, map[string]json.RawMessage{}, nil
		}
		return nil, nil, fmt.Errorf("reading markers: %w", err)
	}
	var doc map[string]json.RawMessage
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, nil, fmt.Errorf("decoding markers: %w", err)
	}
	var markers []Marker
	if raw, ok := doc["scenes"]; ok {
		if err := json.Unmarshal(raw, &markers); err != nil {
			return nil, nil, fmt.Errorf("decoding marker list: %w", err)
		}
	}
	return markers, doc, nil
}

// saveMarkers writes the list back, enforcing intro/outro exclusivity,
// mirroring their times to top-level keys, and preserving everything else.
func (s *Service) saveMarkers(video string, markers []Marker, doc map[string]json.RawMessage) error {
	if doc == nil {
		doc = map[string]json.RawMessage{}
	}
	sortMarkers(markers)

	updates := map[string]any{
		"scenes":     markers,
		"updated_at": time.Now().UTC().Format(time.RFC3339),
	}
	delete(doc, "intro")
	delete(doc, "outro")
	for _, m := range markers {
		if m.Intro {
			updates["intro"] = m.Time
		}
		if m.Outro {
			updates["outro"] = m.Time
		}
	}

	if _, err := s.layout.ArtifactDir(video); err != nil {
		return err
	}
	return media.RewriteJSONAtomic(s.layout.Path(video, media.KindScenes), doc, updates)
}

// SetMarker upserts a marker by timestamp (3 ms epsilon). Setting intro or
// outro clears the flag from every other marker.
func (s *Service) SetMarker(ctx context.Context, video string, m Marker) error {
	unlock, err := s.locks.Lock(ctx, video, "markers")
	if err != nil {
		return err
	}
	defer unlock()

	markers, doc, err := s.LoadMarkers(video)
	if err != nil {
		return err
	}
	markers = applyMarker(markers, m)
	return s.saveMarkers(video, markers, doc)
}

// UpdateMarker replaces the marker at index.
func (s *Service) UpdateMarker(ctx context.Context, video string, index int, m Marker) error {
	unlock, err := s.locks.Lock(ctx, video, "markers")
	if err != nil {
		return err
	}
	defer unlock()

	markers, doc, err := s.LoadMarkers(video)
	if err != nil {
		return err
	}
	if index < 0 || index >= len(markers) {
		return fmt.Errorf("%w: marker index %d", ErrNotFound, index)
	}
	markers = append(markers[:index], markers[index+1:]...)
	markers = applyMarker(markers, m)
	return s.saveMarkers(video, markers, doc)
}

// DeleteMarker removes the marker at index.
func (s *Service) DeleteMarker(ctx context.Context, video string, index int) error {
	unlock, err := s.locks.Lock(ctx, video, "markers")
	if err != nil {
		return err
	}
	defer unlock()

	markers, doc, err := s.LoadMarkers(video)
	if err != nil {
		return err
	}
	if index < 0 || index >= len(markers) {
		return fmt.Errorf("%w: marker index %d", ErrNotFound, index)
	}
	markers = append(markers[:index], markers[index+1:]...)
	return s.saveMarkers(video, markers, doc)
}

// applyMarker upserts m into the list and enforces intro/outro exclusivity.
func applyMarker(markers []Marker, m Marker) []Marker {
	if m.Intro || m.Outro {
		for i := range markers {
			if m.Intro {
				markers[i].Intro = false
			}
			if m.Outro {
				markers[i].Outro = false
			}
		}
	}
	for i := range markers {
		if math.Abs(markers[i].Time-m.Time) < 0.003 {
			markers[i] = m
			return markers
		}
	}
	return append(markers, m)
}

func sortMarkers(markers []Marker) {
	sort.SliceStable(markers, func(i, k int) bool {
		return markers[i].Time < markers[k].Time
	})
}
