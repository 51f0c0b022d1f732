package locks

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/sidecarr/sidecarr/internal/media"
)

// Manager combines the in-process keyed mutex with best-effort advisory file
// locks in the video's artifact directory.
type Manager struct {
	keyed  *Keyed
	layout *media.Layout
	log    *slog.Logger
}

// NewManager builds a lock manager over the given layout.
func NewManager(layout *media.Layout, log *slog.Logger) *Manager {
	if log == nil {
		log = slog.Default()
	}
	return &Manager{keyed: NewKeyed(), layout: layout, log: log}
}

// Lock serializes task work on video. The in-process lock is mandatory; the
// cross-process file lock is best effort and its failure only logs. The
// returned release covers both and is safe on all exit paths.
func (m *Manager) Lock(ctx context.Context, video, task string) (release func(), err error) {
	abs, err := filepath.Abs(video)
	if err != nil {
		abs = video
	}
	task = sanitizeTask(task)

	releaseKeyed, err := m.keyed.Acquire(ctx, abs, task)
	if err != nil {
		return nil, err
	}

	unlockFile := func() {}
	dir := m.layout.LockDir(video)
	if mkErr := os.MkdirAll(dir, 0o755); mkErr == nil {
		if u, lockErr := lockFile(filepath.Join(dir, task+".lock")); lockErr == nil {
			unlockFile = u
		} else {
			m.log.Debug("file lock unavailable, in-process only",
				slog.String("video", video),
				slog.String("task", task),
				slog.Any("error", lockErr))
		}
	}

	return func() {
		unlockFile()
		releaseKeyed()
	}, nil
}

// sanitizeTask keeps lock filenames flat.
func sanitizeTask(task string) string {
	task = strings.ReplaceAll(task, string(filepath.Separator), "_")
	if task == "" {
		task = "task"
	}
	return task
}
