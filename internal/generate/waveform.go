package generate

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/sidecarr/sidecarr/internal/ffmpeg"
	"github.com/sidecarr/sidecarr/internal/media"
)

// Waveform renders the audio amplitude picture. Sources without audio get a
// flat placeholder PNG rather than an error.
func (s *Service) Waveform(ctx context.Context, video string, force bool) error {
	if err := s.checkVideo(video); err != nil {
		return err
	}
	if !force && s.layout.Exists(video, media.KindWaveform) {
		return nil
	}

	unlock, err := s.locks.Lock(ctx, video, "waveform")
	if err != nil {
		return err
	}
	defer unlock()

	probe, err := s.prober.Probe(ctx, video)
	if err != nil {
		return err
	}
	if !probe.HasAudio() {
		s.log.Debug("no audio stream, writing placeholder waveform", slog.String("video", video))
		data, err := RenderHeatmapPNG(nil, 640, 120)
		if err != nil {
			return err
		}
		return s.writeArtifact(video, media.KindWaveform, data)
	}

	if _, err := s.layout.ArtifactDir(video); err != nil {
		return err
	}
	target := s.layout.Path(video, media.KindWaveform)
	tmp := tempSibling(target, ".png")
	defer os.Remove(tmp)

	args := s.ffmpegArgs("-i", video,
		"-filter_complex", "aformat=channel_layouts=mono,showwavespic=s=640x120:colors=0x4080d0",
		"-frames:v", "1")
	args = append(args, tmp)
	if _, err := s.runner.Run(ctx, ffmpeg.RunSpec{Args: args, Timeout: s.cfg.FFmpeg.Timelimit}); err != nil {
		return err
	}
	if !media.FileNonEmpty(tmp) {
		return fmt.Errorf("waveform output for %s is empty", video)
	}
	return s.finalizeArtifact(tmp, target, media.KindWaveform)
}
