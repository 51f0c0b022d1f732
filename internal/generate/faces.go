package generate

import (
	"context"
	"encoding/json"
	"fmt"
	"image"
	"math"
	"os"
	"path/filepath"
	"strings"
	"time"

	"golang.org/x/image/draw"

	"github.com/sidecarr/sidecarr/internal/ffmpeg"
	"github.com/sidecarr/sidecarr/internal/media"
)

// Face geometry filters. Detections outside these bounds are discarded
// before embedding.
const (
	faceAspectMin = 0.6
	faceAspectMax = 1.8
)

// FacesOptions parameterizes face detection.
type FacesOptions struct {
	Interval     float64
	SimThreshold float64
	MinRelSize   float64
	Force        bool
}

// FaceRecord is one deduped identity cluster in the artifact.
type FaceRecord struct {
	Time      float64   `json:"time"`
	Box       []int     `json:"box"`
	Score     float64   `json:"score"`
	Embedding []float64 `json:"embedding"`
	Count     int       `json:"count"`
	FirstTime float64   `json:"first_time"`
	LastTime  float64   `json:"last_time"`
}

// facesDoc is the artifact payload.
type facesDoc struct {
	Backend     string       `json:"backend"`
	Stub        bool         `json:"stub"`
	Faces       []FaceRecord `json:"faces"`
	GeneratedAt string       `json:"generated_at"`
}

// detectorOutput is the contract for the external detector command: it gets
// a frame path argument and prints this JSON on stdout.
type detectorOutput struct {
	Faces []struct {
		Box       []int     `json:"box"`
		Score     float64   `json:"score"`
		Embedding []float64 `json:"embedding"`
	} `json:"faces"`
}

// detection is one filtered per-frame hit before clustering.
type detection struct {
	time      float64
	box       []int
	score     float64
	embedding []float64
}

// Faces samples frames, runs the configured detector on each, fills in
// missing embeddings with a DCT descriptor of the face crop, and dedupes
// detections into identity clusters by cosine similarity. Without a detector
// command there is nothing real to persist, so the run fails fast.
func (s *Service) Faces(ctx context.Context, video string, opts FacesOptions, sub func(frac float64)) error {
	if err := s.checkVideo(video); err != nil {
		return err
	}
	if !opts.Force && s.layout.Exists(video, media.KindFaces) {
		return nil
	}

	unlock, err := s.locks.Lock(ctx, video, "faces")
	if err != nil {
		return err
	}
	defer unlock()

	if opts.Interval <= 0 {
		opts.Interval = s.cfg.Faces.Interval
	}
	if opts.SimThreshold <= 0 {
		opts.SimThreshold = s.cfg.Faces.SimThreshold
	}
	if opts.MinRelSize <= 0 {
		opts.MinRelSize = s.cfg.Faces.MinRelSize
	}
	detectorCmd := strings.Fields(s.cfg.Faces.DetectorCmd)
	if len(detectorCmd) == 0 {
		return fmt.Errorf("%w: face detector command not configured", ErrDependencyMissing)
	}

	dir, err := os.MkdirTemp("", "faces-frames-*")
	if err != nil {
		return fmt.Errorf("creating frame dir: %w", err)
	}
	defer os.RemoveAll(dir)

	vf := fmt.Sprintf("fps=1/%s,scale=640:-2", formatSeconds(opts.Interval))
	args := s.ffmpegArgs("-i", video, "-vf", vf, "-q:v", "3")
	args = append(args, s.threadFlags()...)
	args = append(args, filepath.Join(dir, "frame_%05d.jpg"))
	if _, err := s.runner.Run(ctx, ffmpeg.RunSpec{Args: args, Timeout: s.cfg.FFmpeg.Timelimit}); err != nil {
		return err
	}
	if sub != nil {
		sub(0.3)
	}

	frames, err := sortedFrames(dir)
	if err != nil {
		return err
	}
	if len(frames) == 0 {
		return fmt.Errorf("no frames extracted from %s", video)
	}

	var detections []detection
	for i, frame := range frames {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		t := math.Round(float64(i+1)*opts.Interval*1000) / 1000
		hits, err := s.detectFrame(ctx, detectorCmd, frame, t, opts.MinRelSize)
		if err != nil {
			return err
		}
		detections = append(detections, hits...)
		if sub != nil {
			sub(0.3 + 0.6*float64(i+1)/float64(len(frames)))
		}
	}

	records := ClusterFaces(detections, opts.SimThreshold)
	if len(records) == 0 {
		return fmt.Errorf("%w: no face embeddings produced for %s", ErrStubRejected, video)
	}

	doc := facesDoc{
		Backend:     detectorCmd[0],
		Stub:        false,
		Faces:       records,
		GeneratedAt: time.Now().UTC().Format(time.RFC3339),
	}
	if err := s.writeJSONArtifact(video, media.KindFaces, doc); err != nil {
		return err
	}
	if sub != nil {
		sub(1)
	}
	return nil
}

// detectFrame runs the detector on one frame and filters its hits.
func (s *Service) detectFrame(ctx context.Context, cmd []string, frame string, t, minRelSize float64) ([]detection, error) {
	args := append(append([]string(nil), cmd...), frame)
	res, err := s.runner.Run(ctx, ffmpeg.RunSpec{Args: args, Timeout: s.cfg.FFmpeg.Timelimit})
	if err != nil {
		return nil, fmt.Errorf("running face detector on %s: %w", frame, err)
	}
	var out detectorOutput
	if err := json.Unmarshal([]byte(res.Stdout), &out); err != nil {
		return nil, fmt.Errorf("decoding detector output for %s: %w", frame, err)
	}

	img, err := loadGray(frame)
	if err != nil {
		return nil, err
	}
	fw := img.Bounds().Dx()
	fh := img.Bounds().Dy()

	var hits []detection
	for _, f := range out.Faces {
		if len(f.Box) != 4 {
			continue
		}
		w, h := f.Box[2], f.Box[3]
		if !FaceBoxOK(w, h, fw, fh, minRelSize) {
			continue
		}
		emb := f.Embedding
		if len(emb) == 0 {
			emb = DCTDescriptor(cropGray(img, f.Box))
		}
		if len(emb) == 0 {
			continue
		}
		hits = append(hits, detection{time: t, box: f.Box, score: f.Score, embedding: emb})
	}
	return hits, nil
}

// FaceBoxOK applies the geometric filters: minimum size relative to the
// frame's short side and an aspect ratio within the plausible face range.
func FaceBoxOK(w, h, frameW, frameH int, minRelSize float64) bool {
	if w <= 0 || h <= 0 || frameW <= 0 || frameH <= 0 {
		return false
	}
	short := frameW
	if frameH < short {
		short = frameH
	}
	side := w
	if h < side {
		side = h
	}
	if float64(side)/float64(short) < minRelSize {
		return false
	}
	aspect := float64(w) / float64(h)
	return aspect >= faceAspectMin && aspect <= faceAspectMax
}

// ClusterFaces dedupes detections by cosine similarity using online
// clustering: each detection joins the best cluster at or above the
// threshold, updating the running centroid, or founds a new one.
func ClusterFaces(detections []detection, simThreshold float64) []FaceRecord {
	type cluster struct {
		record   FaceRecord
		centroid []float64
	}
	var clusters []*cluster
	for _, d := range detections {
		var best *cluster
		bestSim := simThreshold
		for _, c := range clusters {
			if sim := CosineSim(c.centroid, d.embedding); sim >= bestSim {
				best, bestSim = c, sim
			}
		}
		if best == nil {
			clusters = append(clusters, &cluster{
				record: FaceRecord{
					Time:      d.time,
					Box:       d.box,
					Score:     d.score,
					Embedding: d.embedding,
					Count:     1,
					FirstTime: d.time,
					LastTime:  d.time,
				},
				centroid: append([]float64(nil), d.embedding...),
			})
			continue
		}
		n := float64(best.record.Count)
		for i := range best.centroid {
			if i < len(d.embedding) {
				best.centroid[i] = (best.centroid[i]*n + d.embedding[i]) / (n + 1)
			}
		}
		best.record.Count++
		if d.time < best.record.FirstTime {
			best.record.FirstTime = d.time
		}
		if d.time > best.record.LastTime {
			best.record.LastTime = d.time
		}
		if d.score > best.record.Score {
			best.record.Score = d.score
			best.record.Box = d.box
			best.record.Time = d.time
			best.record.Embedding = d.embedding
		}
	}

	out := make([]FaceRecord, len(clusters))
	for i, c := range clusters {
		out[i] = c.record
	}
	return out
}

// CosineSim is the cosine similarity of two vectors, 0 when degenerate.
func CosineSim(a, b []float64) float64 {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	var dot, na, nb float64
	for i := 0; i < n; i++ {
		dot += a[i] * b[i]
		na += a[i] * a[i]
		nb += b[i] * b[i]
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}

// DCTDescriptor computes a 63-dimensional descriptor of a face crop: the
// low-frequency 8×8 DCT block of a 32×32 grayscale resample, DC dropped,
// L2 normalized.
func DCTDescriptor(crop *image.Gray) []float64 {
	if crop == nil || crop.Bounds().Empty() {
		return nil
	}
	const n = 32
	small := image.NewGray(image.Rect(0, 0, n, n))
	draw.ApproxBiLinear.Scale(small, small.Bounds(), crop, crop.Bounds(), draw.Src, nil)

	var px [n][n]float64
	for y := 0; y < n; y++ {
		for x := 0; x < n; x++ {
			px[y][x] = float64(small.GrayAt(x, y).Y)
		}
	}

	desc := make([]float64, 0, 63)
	var norm float64
	for v := 0; v < 8; v++ {
		for u := 0; u < 8; u++ {
			if u == 0 && v == 0 {
				continue
			}
			var sum float64
			for y := 0; y < n; y++ {
				for x := 0; x < n; x++ {
					sum += px[y][x] *
						math.Cos(float64(2*x+1)*float64(u)*math.Pi/(2*n)) *
						math.Cos(float64(2*y+1)*float64(v)*math.Pi/(2*n))
				}
			}
			desc = append(desc, sum)
			norm += sum * sum
		}
	}
	if norm == 0 {
		return nil
	}
	norm = math.Sqrt(norm)
	for i := range desc {
		desc[i] /= norm
	}
	return desc
}

// cropGray extracts box [x, y, w, h] from img, clamped to bounds.
func cropGray(img *image.Gray, box []int) *image.Gray {
	r := image.Rect(box[0], box[1], box[0]+box[2], box[1]+box[3]).Intersect(img.Bounds())
	if r.Empty() {
		return nil
	}
	out := image.NewGray(image.Rect(0, 0, r.Dx(), r.Dy()))
	draw.Draw(out, out.Bounds(), img, r.Min, draw.Src)
	return out
}
