package generate

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/sidecarr/sidecarr/internal/ffmpeg"
	"github.com/sidecarr/sidecarr/internal/media"
)

// SubtitlesOptions parameterizes transcription.
type SubtitlesOptions struct {
	Language string
	Force    bool
}

// Subtitles transcribes the audio track with whisper.cpp when a binary and
// model are configured. Without a backend it writes a deterministic
// placeholder SRT so downstream tooling has a file to replace later.
func (s *Service) Subtitles(ctx context.Context, video string, opts SubtitlesOptions, sub func(frac float64)) error {
	if err := s.checkVideo(video); err != nil {
		return err
	}
	if !opts.Force && s.layout.Exists(video, media.KindSubtitles) {
		return nil
	}

	unlock, err := s.locks.Lock(ctx, video, "subtitles")
	if err != nil {
		return err
	}
	defer unlock()

	bin := s.cfg.Subtitles.WhisperCppBin
	model := s.cfg.Subtitles.WhisperCppModel
	if bin == "" || model == "" {
		s.log.Debug("no transcription backend configured, writing placeholder",
			slog.String("video", video))
		return s.writeArtifact(video, media.KindSubtitles, []byte(StubSRT(video)))
	}
	if _, err := exec.LookPath(bin); err != nil {
		return fmt.Errorf("%w: whisper binary %q", ErrDependencyMissing, bin)
	}
	if _, err := os.Stat(model); err != nil {
		return fmt.Errorf("%w: whisper model %q", ErrDependencyMissing, model)
	}

	wav, err := s.extractWav(ctx, video)
	if err != nil {
		return err
	}
	defer os.Remove(wav)
	if sub != nil {
		sub(0.3)
	}

	// whisper.cpp writes <outBase>.srt when given -osrt.
	outBase := strings.TrimSuffix(wav, ".wav")
	args := []string{bin, "-m", model, "-f", wav, "-osrt", "-of", outBase}
	if opts.Language != "" {
		args = append(args, "-l", opts.Language)
	}
	if _, err := s.runner.Run(ctx, ffmpeg.RunSpec{Args: args, Timeout: s.cfg.FFmpeg.Timelimit}); err != nil {
		return fmt.Errorf("transcribing %s: %w", video, err)
	}
	if sub != nil {
		sub(0.9)
	}

	srt := outBase + ".srt"
	defer os.Remove(srt)
	data, err := os.ReadFile(srt)
	if err != nil || len(strings.TrimSpace(string(data))) == 0 {
		s.log.Warn("transcription produced no output, writing placeholder",
			slog.String("video", video))
		data = []byte(StubSRT(video))
	}
	if err := s.writeArtifact(video, media.KindSubtitles, data); err != nil {
		return err
	}
	if sub != nil {
		sub(1)
	}
	return nil
}

// extractWav decodes the audio track to 16 kHz mono PCM for whisper.
func (s *Service) extractWav(ctx context.Context, video string) (string, error) {
	wav, err := tempFile("subtitles-*.wav")
	if err != nil {
		return "", err
	}
	args := s.ffmpegArgs("-i", video,
		"-vn",
		"-ar", "16000",
		"-ac", "1",
		"-c:a", "pcm_s16le")
	args = append(args, wav)
	if _, err := s.runner.Run(ctx, ffmpeg.RunSpec{Args: args, Timeout: s.cfg.FFmpeg.Timelimit}); err != nil {
		os.Remove(wav)
		return "", err
	}
	return wav, nil
}

// StubSRT renders the two-cue placeholder transcript.
func StubSRT(video string) string {
	var b strings.Builder
	b.WriteString("1\n")
	b.WriteString(FormatSRTTime(0) + " --> " + FormatSRTTime(2) + "\n")
	b.WriteString(media.SubtitleStubSentinel + "\n\n")
	b.WriteString("2\n")
	b.WriteString(FormatSRTTime(2) + " --> " + FormatSRTTime(4) + "\n")
	b.WriteString(filepath.Base(video) + "\n\n")
	return b.String()
}

// FormatSRTTime renders seconds as the SRT HH:MM:SS,mmm timestamp.
func FormatSRTTime(seconds float64) string {
	if seconds < 0 {
		seconds = 0
	}
	ms := int(seconds*1000 + 0.5)
	h := ms / 3600000
	m := ms / 60000 % 60
	sec := ms / 1000 % 60
	return fmt.Sprintf("%02d:%02d:%02d,%03d", h, m, sec, ms%1000)
}
