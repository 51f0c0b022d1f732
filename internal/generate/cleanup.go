package generate

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"
)

// CleanupResult summarizes an artifact sweep.
type CleanupResult struct {
	Scanned     int      `json:"scanned"`
	Removed     []string `json:"removed"`
	DryRun      bool     `json:"dry_run,omitempty"`
	GeneratedAt string   `json:"generated_at"`
}

// CleanupArtifacts finds artifact directories whose source video no longer
// exists in the library and, when apply is set, removes them; otherwise the
// sweep only reports what it would remove. Directories for live videos are
// left alone, stub artifacts included, since stubs are cheap to regenerate
// in place.
func (s *Service) CleanupArtifacts(ctx context.Context, apply bool, sub func(frac float64)) (*CleanupResult, error) {
	stems, err := s.layout.Stems()
	if err != nil {
		return nil, err
	}

	scenesDir := filepath.Join(s.layout.Root, ".artifacts", "scenes")
	entries, err := os.ReadDir(scenesDir)
	if err != nil {
		if os.IsNotExist(err) {
			return &CleanupResult{DryRun: !apply, GeneratedAt: time.Now().UTC().Format(time.RFC3339)}, nil
		}
		return nil, fmt.Errorf("reading artifact root: %w", err)
	}

	res := &CleanupResult{Scanned: len(entries), DryRun: !apply}
	for i, e := range entries {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if !e.IsDir() {
			continue
		}
		if _, live := stems[e.Name()]; live {
			continue
		}
		if apply {
			dir := filepath.Join(scenesDir, e.Name())
			if err := os.RemoveAll(dir); err != nil {
				s.log.Warn("removing orphaned artifact dir",
					slog.String("dir", dir), slog.Any("error", err))
				continue
			}
			s.log.Info("removed orphaned artifact dir", slog.String("stem", e.Name()))
		}
		res.Removed = append(res.Removed, e.Name())
		if sub != nil {
			sub(float64(i+1) / float64(len(entries)))
		}
	}
	res.GeneratedAt = time.Now().UTC().Format(time.RFC3339)
	if sub != nil {
		sub(1)
	}
	return res, nil
}
