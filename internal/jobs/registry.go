package jobs

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"syscall"
	"time"

	"github.com/shirou/gopsutil/v4/process"

	"github.com/sidecarr/sidecarr/internal/events"
	"github.com/sidecarr/sidecarr/internal/ffmpeg"
	"github.com/sidecarr/sidecarr/internal/metrics"
)

// jobIDKey carries the active job id through contexts into the subprocess
// runner.
type jobIDKey struct{}

// WithJobID tags ctx with the job the current goroutine works for.
func WithJobID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, jobIDKey{}, id)
}

// JobIDFromContext extracts the job id set by WithJobID.
func JobIDFromContext(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(jobIDKey{}).(string)
	return id, ok
}

// ProgressUpdate is the argument bundle for SetProgress. Nil fields leave
// the corresponding counter untouched.
type ProgressUpdate struct {
	Total        *int
	ProcessedInc *int
	ProcessedSet *int
}

// Registry is the in-memory authority for job records. One mutex guards the
// map; every transition publishes an event and, unless disabled, persists
// the record before the event is considered durable.
type Registry struct {
	mu   sync.Mutex
	jobs map[string]*Job
	pids map[string]map[int]struct{}

	bus   *events.Bus
	store *Store
	log   *slog.Logger
}

// NewRegistry builds a registry publishing to bus and persisting through
// store. store may be nil when persistence is disabled.
func NewRegistry(bus *events.Bus, store *Store, log *slog.Logger) *Registry {
	if log == nil {
		log = slog.Default()
	}
	return &Registry{
		jobs:  make(map[string]*Job),
		pids:  make(map[string]map[int]struct{}),
		bus:   bus,
		store: store,
		log:   log,
	}
}

// Create registers a new queued job for req and publishes created then
// queued.
func (r *Registry) Create(req *Request, typ, path string) *Job {
	job := &Job{
		ID:        NewID(),
		Type:      typ,
		Path:      path,
		State:     StateQueued,
		CreatedAt: nowUnix(),
		Label:     req.Label,
		Priority:  req.Priority,
		Request:   req,
		cancelCh:  make(chan struct{}),
		heartbeat: nowUnix(),
	}

	r.mu.Lock()
	r.jobs[job.ID] = job
	snapshot := *job
	r.mu.Unlock()

	metrics.JobsQueued.Inc()
	r.persist(&snapshot)
	r.bus.Publish(events.Event{Name: events.EventCreated, ID: job.ID, Type: typ, Path: path})
	r.bus.Publish(events.Event{Name: events.EventQueued, ID: job.ID, Type: typ, Path: path})
	return job
}

// Adopt registers a rehydrated job without emitting created/queued events
// for terminal records. Non-terminal records emit queued.
func (r *Registry) Adopt(job *Job) {
	if job.cancelCh == nil {
		job.cancelCh = make(chan struct{})
	}
	job.heartbeat = nowUnix()

	r.mu.Lock()
	r.jobs[job.ID] = job
	state := job.State
	r.mu.Unlock()

	if state == StateQueued {
		metrics.JobsQueued.Inc()
		r.bus.Publish(events.Event{Name: events.EventQueued, ID: job.ID, Type: job.Type, Path: job.Path})
	}
}

// Get returns a snapshot of the job.
func (r *Registry) Get(id string) (Job, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	job, ok := r.jobs[id]
	if !ok {
		return Job{}, false
	}
	return *job, true
}

// ListFilter narrows List output.
type ListFilter struct {
	States []State
	Since  float64
}

// List returns snapshots matching the filter, newest first.
func (r *Registry) List(filter ListFilter) []Job {
	stateSet := make(map[State]struct{}, len(filter.States))
	for _, s := range filter.States {
		stateSet[s] = struct{}{}
	}

	r.mu.Lock()
	out := make([]Job, 0, len(r.jobs))
	for _, job := range r.jobs {
		if len(stateSet) > 0 {
			if _, ok := stateSet[job.State]; !ok {
				continue
			}
		}
		if filter.Since > 0 && job.CreatedAt < filter.Since {
			continue
		}
		out = append(out, *job)
	}
	r.mu.Unlock()

	sort.Slice(out, func(i, k int) bool {
		if out[i].CreatedAt != out[k].CreatedAt {
			return out[i].CreatedAt > out[k].CreatedAt
		}
		return out[i].ID > out[k].ID
	})
	return out
}

// Start transitions id to running.
func (r *Registry) Start(id string) bool {
	r.mu.Lock()
	job, ok := r.jobs[id]
	if !ok || job.State != StateQueued {
		r.mu.Unlock()
		return false
	}
	job.State = StateRunning
	job.StartedAt = nowUnix()
	job.heartbeat = job.StartedAt
	snapshot := *job
	r.mu.Unlock()

	metrics.JobsQueued.Dec()
	metrics.JobsRunning.Inc()
	r.persist(&snapshot)
	r.bus.Publish(events.Event{Name: events.EventStarted, ID: id, Type: snapshot.Type, Path: snapshot.Path})
	return true
}

// SetProgress applies the progress contract: counters update, processed is
// clamped into [0, total], and a progress event fires.
func (r *Registry) SetProgress(id string, upd ProgressUpdate) {
	r.mu.Lock()
	job, ok := r.jobs[id]
	if !ok {
		r.mu.Unlock()
		return
	}
	if upd.Total != nil {
		t := *upd.Total
		if t < 0 {
			t = 0
		}
		job.Total = &t
	}
	if upd.ProcessedSet != nil {
		job.Processed = *upd.ProcessedSet
	}
	if upd.ProcessedInc != nil {
		job.Processed += *upd.ProcessedInc
	}
	if job.Processed < 0 {
		job.Processed = 0
	}
	if job.Total != nil && job.Processed > *job.Total {
		job.Processed = *job.Total
	}
	job.heartbeat = nowUnix()
	snapshot := *job
	r.mu.Unlock()

	ev := events.Event{
		Name:      events.EventProgress,
		ID:        id,
		Processed: events.IntPtr(snapshot.Processed),
	}
	if snapshot.Total != nil {
		ev.Total = events.IntPtr(*snapshot.Total)
	}
	if pct, ok := snapshot.Progress(); ok {
		ev.Progress = events.FloatPtr(float64(pct))
	}
	r.bus.Publish(ev)
}

// SetCurrent updates the file the job is working on without touching
// counters.
func (r *Registry) SetCurrent(id, path string) {
	r.mu.Lock()
	job, ok := r.jobs[id]
	if !ok {
		r.mu.Unlock()
		return
	}
	job.Current = path
	job.heartbeat = nowUnix()
	r.mu.Unlock()

	r.bus.Publish(events.Event{Name: events.EventCurrent, ID: id, Current: path})
}

// SetResult attaches task output to the record.
func (r *Registry) SetResult(id string, result any) {
	r.mu.Lock()
	if job, ok := r.jobs[id]; ok {
		job.Result = result
	}
	r.mu.Unlock()
}

// finish applies a terminal transition and returns the snapshot, or false
// when the job is missing or already terminal.
func (r *Registry) finish(id string, state State, errMsg string) (Job, bool) {
	r.mu.Lock()
	job, ok := r.jobs[id]
	if !ok || job.State.Terminal() {
		r.mu.Unlock()
		return Job{}, false
	}
	wasQueued := job.State == StateQueued
	wasRunning := job.State == StateRunning || job.State == StateCancelRequested

	job.State = state
	job.EndedAt = nowUnix()
	job.Error = errMsg
	job.Current = ""
	if state == StateDone && job.Total != nil {
		job.Processed = *job.Total
	}
	job.heartbeat = job.EndedAt
	snapshot := *job
	r.mu.Unlock()

	if wasQueued {
		metrics.JobsQueued.Dec()
	}
	if wasRunning {
		metrics.JobsRunning.Dec()
	}
	metrics.JobsFinished.WithLabelValues(string(state), snapshot.Type).Inc()
	return snapshot, true
}

// Finish marks id done, snapping processed to total.
func (r *Registry) Finish(id string, result any) {
	if result != nil {
		r.SetResult(id, result)
	}
	snapshot, ok := r.finish(id, StateDone, "")
	if !ok {
		return
	}
	r.persist(&snapshot)
	r.publishFinished(&snapshot, nil)
}

// Fail marks id failed with an error message.
func (r *Registry) Fail(id, errMsg string) {
	snapshot, ok := r.finish(id, StateFailed, errMsg)
	if !ok {
		return
	}
	r.persist(&snapshot)
	r.publishFinished(&snapshot, &errMsg)
}

// FinishCanceled marks id canceled; error stays unset so observers can tell
// user action from engine fault.
func (r *Registry) FinishCanceled(id string) {
	snapshot, ok := r.finish(id, StateCanceled, "")
	if !ok {
		return
	}
	r.persist(&snapshot)
	r.publishFinished(&snapshot, nil)
}

func (r *Registry) publishFinished(job *Job, errMsg *string) {
	r.bus.Publish(events.Event{
		Name:  events.EventFinished,
		ID:    job.ID,
		Type:  job.Type,
		Path:  job.Path,
		Error: errMsg,
	})
}

// Requeue returns a cooperatively paused running job to the queue, retaining
// its request for resumption.
func (r *Registry) Requeue(id string) bool {
	r.mu.Lock()
	job, ok := r.jobs[id]
	if !ok || job.State.Terminal() {
		r.mu.Unlock()
		return false
	}
	wasRunning := job.State == StateRunning || job.State == StateCancelRequested
	job.State = StateQueued
	job.StartedAt = 0
	job.Current = ""
	job.PauseRequeue = false
	job.canceled = false
	job.cancelCh = make(chan struct{})
	snapshot := *job
	r.mu.Unlock()

	if wasRunning {
		metrics.JobsRunning.Dec()
	}
	metrics.JobsQueued.Inc()
	r.persist(&snapshot)
	r.bus.Publish(events.Event{Name: events.EventQueued, ID: id, Type: snapshot.Type, Path: snapshot.Path})
	return true
}

// ResumeRestored returns a restored job to the queue with fresh runtime
// coordination, publishing queued. Any other state is refused.
func (r *Registry) ResumeRestored(id string) (*Job, bool) {
	r.mu.Lock()
	job, ok := r.jobs[id]
	if !ok || job.State != StateRestored {
		r.mu.Unlock()
		return nil, false
	}
	job.State = StateQueued
	job.StartedAt = 0
	job.EndedAt = 0
	job.Error = ""
	job.Current = ""
	job.PauseRequeue = false
	job.canceled = false
	job.cancelCh = make(chan struct{})
	job.heartbeat = nowUnix()
	snapshot := *job
	r.mu.Unlock()

	metrics.JobsQueued.Inc()
	r.persist(&snapshot)
	r.bus.Publish(events.Event{Name: events.EventQueued, ID: id, Type: snapshot.Type, Path: snapshot.Path})
	return job, true
}

// Cancel requests cancellation. Queued jobs become canceled immediately;
// running jobs get their one-shot signal fired and tracked subprocess groups
// terminated. Canceling a terminal job succeeds as a no-op.
func (r *Registry) Cancel(id string) bool {
	r.mu.Lock()
	job, ok := r.jobs[id]
	if !ok {
		r.mu.Unlock()
		return false
	}
	if job.State.Terminal() {
		r.mu.Unlock()
		return true
	}

	if job.State == StateQueued {
		r.mu.Unlock()
		r.fireCancel(id, false)
		r.bus.Publish(events.Event{Name: events.EventCancel, ID: id})
		// Never ran; terminal immediately.
		r.FinishCanceled(id)
		return true
	}

	job.State = StateCancelRequested
	r.mu.Unlock()

	r.fireCancel(id, true)
	r.bus.Publish(events.Event{Name: events.EventCancel, ID: id})
	return true
}

// fireCancel closes the one-shot signal and optionally kills tracked
// process groups.
func (r *Registry) fireCancel(id string, killProcs bool) {
	r.mu.Lock()
	job, ok := r.jobs[id]
	var pids []int
	if ok && !job.canceled {
		job.canceled = true
		close(job.cancelCh)
	}
	if killProcs {
		for pid := range r.pids[id] {
			pids = append(pids, pid)
		}
	}
	r.mu.Unlock()

	for _, pid := range pids {
		if err := ffmpeg.KillGroup(pid, syscall.SIGTERM); err != nil {
			r.log.Warn("signaling subprocess group",
				slog.String("job", id), slog.Int("pid", pid), slog.Any("error", err))
		}
	}
}

// RequestPauseRequeue asks a running job to stop and return to the queue.
func (r *Registry) RequestPauseRequeue(id string) {
	r.mu.Lock()
	job, ok := r.jobs[id]
	if !ok || job.State != StateRunning {
		r.mu.Unlock()
		return
	}
	job.PauseRequeue = true
	r.mu.Unlock()
	r.fireCancel(id, true)
}

// PauseRequeueRequested reports whether the job should requeue rather than
// finish as canceled.
func (r *Registry) PauseRequeueRequested(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	job, ok := r.jobs[id]
	return ok && job.PauseRequeue
}

// Track implements ffmpeg.Tracker: live subprocess pids are indexed by the
// job id carried in ctx so Cancel can signal them.
func (r *Registry) Track(ctx context.Context, pid int) (untrack func()) {
	id, ok := JobIDFromContext(ctx)
	if !ok {
		return func() {}
	}
	r.mu.Lock()
	set, ok := r.pids[id]
	if !ok {
		set = make(map[int]struct{})
		r.pids[id] = set
	}
	set[pid] = struct{}{}
	r.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			r.mu.Lock()
			if set, ok := r.pids[id]; ok {
				delete(set, pid)
				if len(set) == 0 {
					delete(r.pids, id)
				}
			}
			r.mu.Unlock()
		})
	}
}

// Heartbeat refreshes the last-activity timestamp.
func (r *Registry) Heartbeat(id string) {
	r.mu.Lock()
	if job, ok := r.jobs[id]; ok {
		job.heartbeat = nowUnix()
	}
	r.mu.Unlock()
}

// ReapOrphans fails running jobs whose heartbeat is older than maxIdle,
// whose start is older than minAge, and which have no live subprocess.
// Returns the ids reaped.
func (r *Registry) ReapOrphans(maxIdle, minAge time.Duration) []string {
	now := nowUnix()

	r.mu.Lock()
	var candidates []string
	for id, job := range r.jobs {
		if job.State != StateRunning && job.State != StateCancelRequested {
			continue
		}
		if now-job.heartbeat < maxIdle.Seconds() {
			continue
		}
		if job.StartedAt > 0 && now-job.StartedAt < minAge.Seconds() {
			continue
		}
		alive := false
		for pid := range r.pids[id] {
			if ok, err := process.PidExists(int32(pid)); err == nil && ok {
				alive = true
				break
			}
		}
		if !alive {
			candidates = append(candidates, id)
		}
	}
	r.mu.Unlock()

	for _, id := range candidates {
		r.log.Warn("reaping orphaned job", slog.String("job", id))
		r.Fail(id, "orphaned: no heartbeat and no live subprocess")
	}
	return candidates
}

// QueuedIDs returns ids of queued jobs ordered by (created_at, id).
func (r *Registry) QueuedIDs() []string {
	type ref struct {
		id      string
		created float64
	}
	r.mu.Lock()
	refs := make([]ref, 0)
	for id, job := range r.jobs {
		if job.State == StateQueued {
			refs = append(refs, ref{id, job.CreatedAt})
		}
	}
	r.mu.Unlock()

	sort.Slice(refs, func(i, k int) bool {
		if refs[i].created != refs[k].created {
			return refs[i].created < refs[k].created
		}
		return refs[i].id < refs[k].id
	})
	out := make([]string, len(refs))
	for i, r := range refs {
		out[i] = r.id
	}
	return out
}

// RunningIDs returns ids of jobs currently running.
func (r *Registry) RunningIDs() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []string
	for id, job := range r.jobs {
		if job.State == StateRunning || job.State == StateCancelRequested {
			out = append(out, id)
		}
	}
	return out
}

// Purge removes terminal records, returning how many were dropped. Persisted
// files are removed alongside.
func (r *Registry) Purge() int {
	r.mu.Lock()
	var removed []string
	for id, job := range r.jobs {
		if job.State.Terminal() {
			removed = append(removed, id)
			delete(r.jobs, id)
		}
	}
	r.mu.Unlock()

	for _, id := range removed {
		if r.store != nil {
			r.store.Delete(id)
		}
	}
	count := len(removed)
	r.bus.Publish(events.Event{Name: events.EventPurge, Count: events.IntPtr(count)})
	return count
}

// persist writes the record through the store, when persistence is on.
func (r *Registry) persist(job *Job) {
	if r.store == nil {
		return
	}
	if err := r.store.Save(job); err != nil {
		r.log.Warn("persisting job record",
			slog.String("job", job.ID), slog.Any("error", err))
	}
}
