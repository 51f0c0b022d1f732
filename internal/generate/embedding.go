package generate

import (
	"context"
	"fmt"
	"image"
)

// embeddingFrames is how many frames contribute to a video descriptor.
const embeddingFrames = 5

// Embedding computes a whole-video descriptor: the normalized mean of the
// DCT descriptors of evenly spaced frames. Videos too broken to yield any
// frame produce an error rather than a zero vector.
func (s *Service) Embedding(ctx context.Context, video string) ([]float64, error) {
	if err := s.checkVideo(video); err != nil {
		return nil, err
	}
	duration, err := s.duration(ctx, video)
	if err != nil {
		return nil, err
	}

	step := duration / float64(embeddingFrames+1)
	var acc []float64
	frames := 0
	for i := 0; i < embeddingFrames; i++ {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		img, err := s.decodeFrame(ctx, video, step*float64(i+1), 64)
		if err != nil {
			continue
		}
		desc := DCTDescriptor(toGray(img))
		if desc == nil {
			continue
		}
		if acc == nil {
			acc = make([]float64, len(desc))
		}
		for k := range acc {
			acc[k] += desc[k]
		}
		frames++
	}
	if frames == 0 {
		return nil, fmt.Errorf("no frames usable for embedding of %s", video)
	}
	for k := range acc {
		acc[k] /= float64(frames)
	}
	return acc, nil
}

// toGray converts any decoded frame to grayscale.
func toGray(img image.Image) *image.Gray {
	if g, ok := img.(*image.Gray); ok {
		return g
	}
	b := img.Bounds()
	g := image.NewGray(b)
	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			g.Set(x, y, img.At(x, y))
		}
	}
	return g
}
