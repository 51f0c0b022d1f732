// Package jobs implements the job engine: registry, scheduler, dispatcher
// and durable job records.
package jobs

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"
)

// State is a job lifecycle state.
type State string

const (
	StateQueued          State = "queued"
	StateRunning         State = "running"
	StateDone            State = "done"
	StateFailed          State = "failed"
	StateCanceled        State = "canceled"
	StateRestored        State = "restored"
	StateCancelRequested State = "cancel_requested"
)

// Terminal reports whether s never transitions again on its own.
func (s State) Terminal() bool {
	return s == StateDone || s == StateFailed || s == StateCanceled
}

// Active reports whether the job still occupies engine attention.
func (s State) Active() bool {
	return s == StateQueued || s == StateRunning || s == StateCancelRequested
}

// Request is the externally submitted description of work.
type Request struct {
	Task      string         `json:"task"`
	Directory string         `json:"directory,omitempty"`
	Recursive bool           `json:"recursive,omitempty"`
	Force     bool           `json:"force,omitempty"`
	Params    map[string]any `json:"params,omitempty"`
	Label     string         `json:"label,omitempty"`
	Priority  bool           `json:"priority,omitempty"`
}

// Targets returns params.targets as a string list when present.
func (r *Request) Targets() []string {
	raw, ok := r.Params["targets"]
	if !ok {
		return nil
	}
	switch v := raw.(type) {
	case []string:
		return v
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}

// Job is one unit of tracked work. Mutable fields are guarded by the
// registry mutex; snapshots are handed out by value.
type Job struct {
	ID    string `json:"id"`
	Type  string `json:"type"`
	Path  string `json:"path"`
	State State  `json:"state"`

	CreatedAt float64 `json:"created_at"`
	StartedAt float64 `json:"started_at,omitempty"`
	EndedAt   float64 `json:"ended_at,omitempty"`

	Total     *int `json:"total,omitempty"`
	Processed int  `json:"processed"`

	Current string `json:"current,omitempty"`
	Error   string `json:"error,omitempty"`
	Label   string `json:"label,omitempty"`

	Priority  bool   `json:"priority,omitempty"`
	MetaBatch string `json:"meta_batch,omitempty"`

	Paused       bool `json:"paused,omitempty"`
	PauseRequeue bool `json:"pause_requeue,omitempty"`

	Request *Request `json:"request,omitempty"`
	Result  any      `json:"result,omitempty"`

	// Extra holds unknown top-level fields from older or newer releases,
	// preserved verbatim across restarts.
	Extra map[string]json.RawMessage `json:"-"`

	// Runtime-only coordination, never serialized.
	heartbeat float64
	cancelCh  chan struct{}
	canceled  bool
}

// Progress returns the derived integer percentage when the counters allow
// one.
func (j *Job) Progress() (int, bool) {
	if j.Total == nil || *j.Total <= 0 {
		return 0, false
	}
	pct := j.Processed * 100 / *j.Total
	if pct < 0 {
		pct = 0
	}
	if pct > 100 {
		pct = 100
	}
	return pct, true
}

// CancelSignal returns the one-shot channel closed when cancellation is
// requested.
func (j *Job) CancelSignal() <-chan struct{} { return j.cancelCh }

// jobAlias strips methods for plain encoding.
type jobAlias Job

// MarshalJSON emits the known schema plus any preserved unknown fields and
// the derived progress percentage.
func (j *Job) MarshalJSON() ([]byte, error) {
	known, err := json.Marshal((*jobAlias)(j))
	if err != nil {
		return nil, err
	}
	var doc map[string]json.RawMessage
	if err := json.Unmarshal(known, &doc); err != nil {
		return nil, err
	}
	for k, v := range j.Extra {
		if _, shadowed := doc[k]; !shadowed {
			doc[k] = v
		}
	}
	if pct, ok := j.Progress(); ok {
		doc["progress"], _ = json.Marshal(pct)
	}
	return json.Marshal(doc)
}

// UnmarshalJSON decodes the known schema and stashes unrecognized top-level
// keys in Extra.
func (j *Job) UnmarshalJSON(data []byte) error {
	if err := json.Unmarshal(data, (*jobAlias)(j)); err != nil {
		return err
	}
	var doc map[string]json.RawMessage
	if err := json.Unmarshal(data, &doc); err != nil {
		return err
	}
	for _, k := range knownJobKeys {
		delete(doc, k)
	}
	delete(doc, "progress")
	if len(doc) > 0 {
		j.Extra = doc
	}
	j.cancelCh = make(chan struct{})
	return nil
}

// knownJobKeys mirrors the json tags on Job.
var knownJobKeys = []string{
	"id", "type", "path", "state", "created_at", "started_at", "ended_at",
	"total", "processed", "current", "error", "label", "priority",
	"meta_batch", "paused", "pause_requeue", "request", "result",
}

// NewID returns an opaque 12-character hex identifier.
func NewID() string {
	var b [6]byte
	if _, err := rand.Read(b[:]); err != nil {
		// crypto/rand failing is unrecoverable for id generation.
		panic(fmt.Sprintf("jobs: reading random id: %v", err))
	}
	return hex.EncodeToString(b[:])
}

// nowUnix is stubbed in tests.
var nowUnix = func() float64 {
	return float64(time.Now().UnixNano()) / 1e9
}
