package jobs

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/sidecarr/sidecarr/internal/media"
)

// jobsDirName is where job records live under the state directory.
const jobsDirName = ".jobs"

// Store writes one JSON file per job, atomically, under
// <state_dir>/.jobs/<id>.json. Volatile fields are stripped before writing.
type Store struct {
	dir string
	log *slog.Logger
}

// NewStore builds a store rooted at stateDir.
func NewStore(stateDir string, log *slog.Logger) (*Store, error) {
	if log == nil {
		log = slog.Default()
	}
	dir := filepath.Join(stateDir, jobsDirName)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating job store dir: %w", err)
	}
	return &Store{dir: dir, log: log}, nil
}

// Dir returns the backing directory.
func (s *Store) Dir() string { return s.dir }

// Save persists the record. Current is volatile and omitted to avoid write
// churn on multi-target jobs.
func (s *Store) Save(job *Job) error {
	record := *job
	record.Current = ""
	data, err := json.MarshalIndent(&record, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding job %s: %w", job.ID, err)
	}
	return media.WriteFileAtomic(s.path(job.ID), append(data, '\n'))
}

// Delete removes the persisted record, if any.
func (s *Store) Delete(id string) {
	if err := os.Remove(s.path(id)); err != nil && !os.IsNotExist(err) {
		s.log.Warn("removing job record", slog.String("job", id), slog.Any("error", err))
	}
}

func (s *Store) path(id string) string {
	return filepath.Join(s.dir, id+".json")
}

// LoadAll rehydrates every persisted record, normalizing states for restart:
// cancel_requested collapses to canceled, running and queued become queued
// when autoRestore is on and restored otherwise, terminal states pass
// through. Undecodable files are skipped with a warning, never deleted.
func (s *Store) LoadAll(autoRestore bool) ([]*Job, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("reading job store: %w", err)
	}

	var out []*Job
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		path := filepath.Join(s.dir, e.Name())
		data, err := os.ReadFile(path)
		if err != nil {
			s.log.Warn("reading job record", slog.String("path", path), slog.Any("error", err))
			continue
		}
		job := &Job{}
		if err := json.Unmarshal(data, job); err != nil {
			s.log.Warn("decoding job record", slog.String("path", path), slog.Any("error", err))
			continue
		}
		if job.ID == "" {
			job.ID = strings.TrimSuffix(e.Name(), ".json")
		}
		normalizeRestoredState(job, autoRestore)
		out = append(out, job)
	}
	return out, nil
}

// normalizeRestoredState applies the restart state mapping in place.
func normalizeRestoredState(job *Job, autoRestore bool) {
	switch job.State {
	case StateCancelRequested:
		// Never resurrect a canceled job.
		job.State = StateCanceled
		if job.EndedAt == 0 {
			job.EndedAt = nowUnix()
		}
	case StateRunning, StateQueued, StateRestored:
		if autoRestore {
			job.State = StateQueued
		} else {
			job.State = StateRestored
		}
		job.StartedAt = 0
		job.Current = ""
	}
}
