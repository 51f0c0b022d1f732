// Package watch submits metadata jobs for media files that appear or change
// in the library.
package watch

import (
	"context"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/sidecarr/sidecarr/internal/jobs"
	"github.com/sidecarr/sidecarr/internal/media"
)

// DefaultDebounce coalesces the write bursts of an in-progress copy.
const DefaultDebounce = 5 * time.Second

// Submitter is the slice of the job engine the watcher needs.
type Submitter interface {
	Submit(req *jobs.Request) (jobs.Job, error)
}

// Watcher debounces filesystem events into metadata jobs.
type Watcher struct {
	layout   *media.Layout
	engine   Submitter
	debounce time.Duration
	log      *slog.Logger

	mu     sync.Mutex
	timers map[string]*time.Timer
}

// New builds a watcher over the library root.
func New(layout *media.Layout, engine Submitter, debounce time.Duration, log *slog.Logger) *Watcher {
	if debounce <= 0 {
		debounce = DefaultDebounce
	}
	if log == nil {
		log = slog.Default()
	}
	return &Watcher{
		layout:   layout,
		engine:   engine,
		debounce: debounce,
		log:      log,
		timers:   map[string]*time.Timer{},
	}
}

// Run watches until ctx is done. Directories created under the root are
// added to the watch set; dot directories and preview directories are not.
func (w *Watcher) Run(ctx context.Context) error {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer fsw.Close()

	if err := w.addTree(fsw, w.layout.Root); err != nil {
		return err
	}
	w.log.Info("library watcher started",
		slog.String("root", w.layout.Root),
		slog.Duration("debounce", w.debounce))

	for {
		select {
		case <-ctx.Done():
			w.stopTimers()
			return ctx.Err()
		case event, ok := <-fsw.Events:
			if !ok {
				return nil
			}
			w.handle(fsw, event)
		case err, ok := <-fsw.Errors:
			if !ok {
				return nil
			}
			w.log.Warn("watcher error", slog.Any("error", err))
		}
	}
}

// handle routes one filesystem event.
func (w *Watcher) handle(fsw *fsnotify.Watcher, event fsnotify.Event) {
	if event.Op&(fsnotify.Create|fsnotify.Write) == 0 {
		return
	}
	info, err := os.Stat(event.Name)
	if err != nil {
		return
	}
	if info.IsDir() {
		if event.Op&fsnotify.Create != 0 && watchableDir(event.Name) {
			if err := w.addTree(fsw, event.Name); err != nil {
				w.log.Warn("watching new directory",
					slog.String("dir", event.Name), slog.Any("error", err))
			}
		}
		return
	}
	if !w.layout.IsOriginalMedia(event.Name) {
		return
	}
	w.schedule(event.Name)
}

// schedule arms (or re-arms) the debounce timer for path.
func (w *Watcher) schedule(path string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if timer, ok := w.timers[path]; ok {
		timer.Reset(w.debounce)
		return
	}
	w.timers[path] = time.AfterFunc(w.debounce, func() {
		w.mu.Lock()
		delete(w.timers, path)
		w.mu.Unlock()
		w.submit(path)
	})
}

// submit fires the metadata job for a settled file.
func (w *Watcher) submit(path string) {
	rel := w.layout.Rel(path)
	_, err := w.engine.Submit(&jobs.Request{
		Task:   "metadata",
		Params: map[string]any{"targets": []string{rel}},
		Label:  "watch",
	})
	if err != nil {
		w.log.Warn("submitting watch job", slog.String("path", rel), slog.Any("error", err))
		return
	}
	w.log.Info("detected library change", slog.String("path", rel))
}

// addTree registers dir and its watchable subdirectories.
func (w *Watcher) addTree(fsw *fsnotify.Watcher, dir string) error {
	return filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() {
			return nil
		}
		if path != dir && !watchableDir(path) {
			return filepath.SkipDir
		}
		return fsw.Add(path)
	})
}

// watchableDir excludes hidden and preview directories.
func watchableDir(path string) bool {
	base := filepath.Base(path)
	return !strings.HasPrefix(base, ".") && !strings.HasSuffix(base, ".previews")
}

// stopTimers drains pending debounce timers on shutdown.
func (w *Watcher) stopTimers() {
	w.mu.Lock()
	defer w.mu.Unlock()
	for path, timer := range w.timers {
		timer.Stop()
		delete(w.timers, path)
	}
}
