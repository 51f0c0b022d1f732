package generate

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"image"
	"io"
	"log/slog"
	"os"
	"time"

	"golang.org/x/image/draw"

	"github.com/sidecarr/sidecarr/internal/media"
)

// PhashOptions parameterizes perceptual hashing.
type PhashOptions struct {
	Frames  int
	Algo    string // ahash or dhash
	Combine string // xor or majority
	Force   bool
}

// phashDoc is the artifact payload.
type phashDoc struct {
	Phash       string `json:"phash"`
	Algo        string `json:"algo"`
	Frames      int    `json:"frames"`
	Combine     string `json:"combine,omitempty"`
	GeneratedAt string `json:"generated_at"`
}

// Phash samples frames evenly, hashes each, combines the bit vectors and
// writes the hex digest. Total extraction failure degrades to a SHA-256 of
// the file bytes so the artifact is still useful for duplicate detection.
func (s *Service) Phash(ctx context.Context, video string, opts PhashOptions) error {
	if err := s.checkVideo(video); err != nil {
		return err
	}
	if !opts.Force && s.layout.Exists(video, media.KindPhash) {
		return nil
	}

	unlock, err := s.locks.Lock(ctx, video, "phash")
	if err != nil {
		return err
	}
	defer unlock()

	if opts.Frames <= 0 {
		opts.Frames = s.cfg.Phash.Frames
	}
	if opts.Algo == "" {
		opts.Algo = s.cfg.Phash.Algo
	}
	if opts.Combine == "" {
		opts.Combine = s.cfg.Phash.Combine
	}
	if opts.Algo != "ahash" && opts.Algo != "dhash" {
		return fmt.Errorf("%w: phash algo %q", ErrInvalidArgument, opts.Algo)
	}
	if opts.Combine != "xor" && opts.Combine != "majority" {
		return fmt.Errorf("%w: phash combine %q", ErrInvalidArgument, opts.Combine)
	}

	duration, err := s.duration(ctx, video)
	if err != nil {
		duration = 0
	}

	var hashes [][]byte
	if duration > 0 {
		step := duration / float64(opts.Frames+1)
		for i := 0; i < opts.Frames; i++ {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			img, err := s.decodeFrame(ctx, video, step*float64(i+1), 64)
			if err != nil {
				continue
			}
			hashes = append(hashes, FrameHash(img, opts.Algo))
		}
	}

	doc := phashDoc{
		Algo:        opts.Algo,
		Combine:     opts.Combine,
		Frames:      len(hashes),
		GeneratedAt: time.Now().UTC().Format(time.RFC3339),
	}
	if len(hashes) == 0 {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		s.log.Warn("frame extraction failed, hashing file bytes", slog.String("video", video))
		sum, err := fileSHA256(video)
		if err != nil {
			return err
		}
		doc.Phash = sum
		doc.Algo = "file-sha256"
		doc.Combine = ""
	} else {
		doc.Phash = hex.EncodeToString(CombineHashes(hashes, opts.Combine))
	}
	return s.writeJSONArtifact(video, media.KindPhash, doc)
}

// FrameHash computes the 64-bit average hash (8×8) or difference hash (8×9
// source) of a frame, returned as 8 bytes.
func FrameHash(img image.Image, algo string) []byte {
	if algo == "dhash" {
		g := grayGrid(img, 9, 8)
		bits := make([]byte, 8)
		for y := 0; y < 8; y++ {
			for x := 0; x < 8; x++ {
				if g[y][x] < g[y][x+1] {
					bits[y] |= 1 << uint(7-x)
				}
			}
		}
		return bits
	}

	g := grayGrid(img, 8, 8)
	var sum int
	for y := 0; y < 8; y++ {
		for x := 0; x < 8; x++ {
			sum += int(g[y][x])
		}
	}
	mean := sum / 64
	bits := make([]byte, 8)
	for y := 0; y < 8; y++ {
		for x := 0; x < 8; x++ {
			if int(g[y][x]) > mean {
				bits[y] |= 1 << uint(7-x)
			}
		}
	}
	return bits
}

// CombineHashes folds per-frame hashes into one digest by XOR or per-bit
// majority vote.
func CombineHashes(hashes [][]byte, combine string) []byte {
	if len(hashes) == 0 {
		return nil
	}
	size := len(hashes[0])
	out := make([]byte, size)

	if combine == "majority" {
		for bit := 0; bit < size*8; bit++ {
			ones := 0
			for _, h := range hashes {
				if h[bit/8]&(1<<uint(7-bit%8)) != 0 {
					ones++
				}
			}
			if ones*2 > len(hashes) {
				out[bit/8] |= 1 << uint(7-bit%8)
			}
		}
		return out
	}

	copy(out, hashes[0])
	for _, h := range hashes[1:] {
		for i := range out {
			out[i] ^= h[i]
		}
	}
	return out
}

// grayGrid downsamples img to a w×h grayscale grid.
func grayGrid(img image.Image, w, h int) [][]uint8 {
	small := image.NewGray(image.Rect(0, 0, w, h))
	draw.ApproxBiLinear.Scale(small, small.Bounds(), img, img.Bounds(), draw.Src, nil)
	grid := make([][]uint8, h)
	for y := 0; y < h; y++ {
		grid[y] = make([]uint8, w)
		for x := 0; x < w; x++ {
			grid[y][x] = small.GrayAt(x, y).Y
		}
	}
	return grid
}

// fileSHA256 hashes the raw file bytes.
func fileSHA256(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("opening %s: %w", path, err)
	}
	defer f.Close()
	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", fmt.Errorf("hashing %s: %w", path, err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
