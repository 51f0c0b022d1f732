package generate

import (
	"bytes"
	"context"
	"crypto/sha1"
	"fmt"
	"image"
	"image/jpeg"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	"golang.org/x/image/draw"
	"golang.org/x/sync/errgroup"

	"github.com/sidecarr/sidecarr/internal/ffmpeg"
	"github.com/sidecarr/sidecarr/internal/media"
)

// SpritesOptions parameterizes sprite sheet generation.
type SpritesOptions struct {
	Cols      int
	Rows      int
	TileWidth int
	Quality   int
	Force     bool
}

// SpritesIndex is the JSON companion of the sheet.
type SpritesIndex struct {
	Cols        int     `json:"cols"`
	Rows        int     `json:"rows"`
	Interval    float64 `json:"interval"`
	Width       int     `json:"width"`
	TileWidth   int     `json:"tile_width"`
	TileHeight  int     `json:"tile_height"`
	Frames      int     `json:"frames"`
	Strategy    string  `json:"strategy"`
	GeneratedAt string  `json:"generated_at"`
}

// Sprites renders the C×R mosaic. Strategy order: keyframe sampling, even
// sampling (auto-engaged for long sources or when configured), then legacy
// fps sampling with retries. Each produced sheet is validated for tile
// uniqueness before being accepted.
func (s *Service) Sprites(ctx context.Context, video string, opts SpritesOptions, sub func(frac float64)) error {
	if err := s.checkVideo(video); err != nil {
		return err
	}
	if !opts.Force && s.layout.Exists(video, media.KindSpritesSheet) {
		return nil
	}

	unlock, err := s.locks.Lock(ctx, video, "sprites")
	if err != nil {
		return err
	}
	defer unlock()

	if opts.Cols <= 0 {
		opts.Cols = s.cfg.Sprites.Cols
	}
	if opts.Rows <= 0 {
		opts.Rows = s.cfg.Sprites.Rows
	}
	if opts.TileWidth <= 0 {
		opts.TileWidth = s.cfg.Sprites.TileWidth
	}
	if opts.Quality <= 0 {
		opts.Quality = s.cfg.Sprites.Quality
	}

	duration, err := s.duration(ctx, video)
	if err != nil {
		return err
	}
	frames := opts.Cols * opts.Rows
	interval := duration / float64(frames)

	if _, err := s.layout.ArtifactDir(video); err != nil {
		return err
	}
	target := s.layout.Path(video, media.KindSpritesSheet)
	tmp := tempSibling(target, ".jpg")
	defer os.Remove(tmp)

	evenAuto := duration >= s.cfg.Sprites.AutoEvenSec
	strategy := ""

	if s.cfg.Sprites.Keyframes && !s.cfg.Sprites.EvenSampling && !evenAuto {
		if err := s.spritesKeyframes(ctx, video, opts, tmp); err == nil && s.sheetUsable(tmp, opts) {
			strategy = "keyframes"
		} else if ctx.Err() != nil {
			return ctx.Err()
		}
	}
	if strategy == "" && (s.cfg.Sprites.EvenSampling || evenAuto) {
		if err := s.spritesEven(ctx, video, duration, opts, tmp, sub); err == nil && s.sheetUsable(tmp, opts) {
			strategy = "even"
		} else if ctx.Err() != nil {
			return ctx.Err()
		}
	}
	if strategy == "" {
		if err := s.spritesLegacy(ctx, video, interval, opts, tmp); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			// Last resort before failing: even sampling.
			if err2 := s.spritesEven(ctx, video, duration, opts, tmp, sub); err2 != nil {
				return err
			}
			strategy = "even"
		} else {
			strategy = "legacy-fps"
		}
	}
	if !media.FileNonEmpty(tmp) {
		return fmt.Errorf("sprite sheet for %s is empty", video)
	}
	if err := s.finalizeArtifact(tmp, target, media.KindSpritesSheet); err != nil {
		return err
	}
	if sub != nil {
		sub(1)
	}

	tileH := tileHeight(target, opts)
	index := SpritesIndex{
		Cols:        opts.Cols,
		Rows:        opts.Rows,
		Interval:    math.Round(interval*1000) / 1000,
		Width:       opts.TileWidth * opts.Cols,
		TileWidth:   opts.TileWidth,
		TileHeight:  tileH,
		Frames:      frames,
		Strategy:    strategy,
		GeneratedAt: time.Now().UTC().Format(time.RFC3339),
	}
	return s.writeJSONArtifact(video, media.KindSpritesIndex, index)
}

// spritesKeyframes tiles I-frames in one pass.
func (s *Service) spritesKeyframes(ctx context.Context, video string, opts SpritesOptions, out string) error {
	vf := fmt.Sprintf(`select=eq(pict_type\,I),scale=%d:-2,tile=%dx%d`, opts.TileWidth, opts.Cols, opts.Rows)
	args := s.ffmpegArgs("-i", video,
		"-vf", vf,
		"-frames:v", "1",
		"-q:v", fmt.Sprint(ClampQuality(opts.Quality)))
	args = append(args, s.threadFlags()...)
	args = append(args, out)
	_, err := s.runner.Run(ctx, ffmpeg.RunSpec{Args: args, Timeout: s.cfg.Sprites.WatchdogKill})
	return err
}

// spritesLegacy is the fps-sampled single pass, retried with a jittered
// start, then mpdecimate, then scene select when the sheet is too uniform.
func (s *Service) spritesLegacy(ctx context.Context, video string, interval float64, opts SpritesOptions, out string) error {
	variants := []string{
		fmt.Sprintf("fps=1/%s:start_time=%s", formatSeconds(interval), formatSeconds(interval/2)),
		fmt.Sprintf("fps=1/%s:start_time=%s", formatSeconds(interval), formatSeconds(interval/3)),
		"mpdecimate",
		fmt.Sprintf("select='gt(scene,%s)'", formatSeconds(s.cfg.Scenes.Threshold)),
	}
	var lastErr error
	for _, sel := range variants {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		vf := fmt.Sprintf("%s,scale=%d:-2,tile=%dx%d", sel, opts.TileWidth, opts.Cols, opts.Rows)
		args := s.ffmpegArgs("-i", video,
			"-vf", vf,
			"-frames:v", "1",
			"-vsync", "vfr",
			"-q:v", fmt.Sprint(ClampQuality(opts.Quality)))
		args = append(args, s.threadFlags()...)
		args = append(args, out)
		if _, err := s.runner.Run(ctx, ffmpeg.RunSpec{Args: args, Timeout: s.cfg.Sprites.WatchdogKill}); err != nil {
			lastErr = err
			continue
		}
		if s.sheetUsable(out, opts) {
			return nil
		}
		lastErr = fmt.Errorf("sprite sheet too uniform with filter %q", sel)
	}
	return lastErr
}

// spritesEven extracts one frame per equally spaced timestamp in parallel
// and composes the mosaic in process.
func (s *Service) spritesEven(ctx context.Context, video string, duration float64, opts SpritesOptions, out string, sub func(float64)) error {
	frames := opts.Cols * opts.Rows
	step := duration / float64(frames+1)

	dir, err := os.MkdirTemp("", "sprites-even-*")
	if err != nil {
		return fmt.Errorf("creating frame dir: %w", err)
	}
	defer os.RemoveAll(dir)

	g, gctx := errgroup.WithContext(ctx)
	workers := s.cfg.Sprites.EvenWorkers
	if workers < 1 {
		workers = 1
	}
	g.SetLimit(workers)

	var done int64
	paths := make([]string, frames)
	for i := 0; i < frames; i++ {
		i := i
		paths[i] = filepath.Join(dir, fmt.Sprintf("tile_%03d.jpg", i))
		g.Go(func() error {
			t := step * float64(i+1)
			if err := s.extractFrame(gctx, video, t, opts.TileWidth, opts.Quality, paths[i]); err != nil {
				return err
			}
			if sub != nil {
				n := atomic.AddInt64(&done, 1)
				sub(float64(n) / float64(frames) * 0.9)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	sheet, err := composeMosaic(paths, opts.Cols, opts.Rows)
	if err != nil {
		return err
	}
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, sheet, &jpeg.Options{Quality: qualityToJPEG(opts.Quality)}); err != nil {
		return fmt.Errorf("encoding sprite sheet: %w", err)
	}
	return media.WriteFileAtomic(out, buf.Bytes())
}

// composeMosaic lays decoded tiles into a C×R grid, scaling each to the
// first tile's bounds. Missing tiles stay black.
func composeMosaic(paths []string, cols, rows int) (image.Image, error) {
	var tileW, tileH int
	tiles := make([]image.Image, len(paths))
	for i, p := range paths {
		f, err := os.Open(p)
		if err != nil {
			continue
		}
		img, err := jpeg.Decode(f)
		f.Close()
		if err != nil {
			continue
		}
		tiles[i] = img
		if tileW == 0 {
			tileW = img.Bounds().Dx()
			tileH = img.Bounds().Dy()
		}
	}
	if tileW == 0 {
		return nil, fmt.Errorf("no decodable tiles")
	}

	sheet := image.NewRGBA(image.Rect(0, 0, tileW*cols, tileH*rows))
	for i, tile := range tiles {
		if tile == nil {
			continue
		}
		x := (i % cols) * tileW
		y := (i / cols) * tileH
		dst := image.Rect(x, y, x+tileW, y+tileH)
		draw.CatmullRom.Scale(sheet, dst, tile, tile.Bounds(), draw.Src, nil)
	}
	return sheet, nil
}

// sheetUsable decodes the sheet and requires max(1, C·R/4) distinct tiles.
func (s *Service) sheetUsable(path string, opts SpritesOptions) bool {
	f, err := os.Open(path)
	if err != nil {
		return false
	}
	img, err := jpeg.Decode(f)
	f.Close()
	if err != nil {
		return false
	}
	distinct := DistinctTiles(img, opts.Cols, opts.Rows)
	need := opts.Cols * opts.Rows / 4
	if need < 1 {
		need = 1
	}
	ok := distinct >= need
	if !ok {
		s.log.Debug("sprite sheet below uniqueness threshold",
			slog.String("sheet", path), slog.Int("distinct", distinct), slog.Int("need", need))
	}
	return ok
}

// DistinctTiles counts unique tiles in a C×R mosaic by hashing downsampled
// pixel bytes per tile.
func DistinctTiles(img image.Image, cols, rows int) int {
	b := img.Bounds()
	tw := b.Dx() / cols
	th := b.Dy() / rows
	if tw == 0 || th == 0 {
		return 0
	}
	seen := make(map[[sha1.Size]byte]struct{})
	var buf bytes.Buffer
	for r := 0; r < rows; r++ {
		for c := 0; c < cols; c++ {
			buf.Reset()
			// Sample an 8x8 grid inside the tile; enough to tell tiles
			// apart without hashing every pixel.
			for yy := 0; yy < 8; yy++ {
				for xx := 0; xx < 8; xx++ {
					px := b.Min.X + c*tw + xx*tw/8
					py := b.Min.Y + r*th + yy*th/8
					cr, cg, cb, _ := img.At(px, py).RGBA()
					buf.WriteByte(byte(cr >> 8))
					buf.WriteByte(byte(cg >> 8))
					buf.WriteByte(byte(cb >> 8))
				}
			}
			seen[sha1.Sum(buf.Bytes())] = struct{}{}
		}
	}
	return len(seen)
}

// tileHeight reads the produced sheet to derive the per-tile height.
func tileHeight(sheet string, opts SpritesOptions) int {
	f, err := os.Open(sheet)
	if err != nil {
		return 0
	}
	defer f.Close()
	cfg, err := jpeg.DecodeConfig(f)
	if err != nil {
		return 0
	}
	return cfg.Height / opts.Rows
}

// qualityToJPEG maps the MJPEG 2..31 quantizer onto the stdlib 1..100 scale.
func qualityToJPEG(q int) int {
	q = ClampQuality(q)
	return 100 - (q-2)*3
}
