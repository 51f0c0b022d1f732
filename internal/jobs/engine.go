package jobs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/sidecarr/sidecarr/internal/config"
	"github.com/sidecarr/sidecarr/internal/events"
	"github.com/sidecarr/sidecarr/internal/ffmpeg"
	"github.com/sidecarr/sidecarr/internal/generate"
	"github.com/sidecarr/sidecarr/internal/index"
	"github.com/sidecarr/sidecarr/internal/media"
)

// defaultLightSlotTasks release their run slot right after starting because
// their work is dominated by ffmpeg, not by the worker goroutine.
var defaultLightSlotTasks = map[string]bool{
	"markers": true, "preview": true, "sprites": true,
	"phash": true, "faces": true, "heatmaps": true,
}

// batchPollInterval is how often a batch supervisor re-checks its children.
const batchPollInterval = 300 * time.Millisecond

// Engine wires the registry, scheduler, dispatcher and persistence into the
// submission surface the HTTP layer consumes. All fields are pointers or
// immutable so chain steps can run against shallow copies.
type Engine struct {
	cfg    *config.Config
	layout *media.Layout
	gen    *generate.Service
	reg    *Registry
	rep    reporter
	sched  *Scheduler
	store  *Store
	bus    *events.Bus
	runner *ffmpeg.Runner
	index  *index.Store
	log    *slog.Logger

	lightSlot map[string]bool
	wg        *sync.WaitGroup
}

// NewEngine assembles the job subsystem. store and idx may be nil when
// persistence or the embeddings index is disabled.
func NewEngine(cfg *config.Config, layout *media.Layout, gen *generate.Service,
	reg *Registry, sched *Scheduler, store *Store, bus *events.Bus,
	runner *ffmpeg.Runner, idx *index.Store, log *slog.Logger) *Engine {
	if log == nil {
		log = slog.Default()
	}

	lightSlot := make(map[string]bool, len(defaultLightSlotTasks))
	for task, on := range defaultLightSlotTasks {
		lightSlot[task] = on
	}
	lightSlot["markers"] = cfg.Scenes.LightSlot
	for _, task := range cfg.Jobs.LightSlotTypes {
		lightSlot[NormalizeTask(task)] = true
	}

	return &Engine{
		cfg:       cfg,
		layout:    layout,
		gen:       gen,
		reg:       reg,
		rep:       reg,
		sched:     sched,
		store:     store,
		bus:       bus,
		runner:    runner,
		index:     idx,
		log:       log,
		lightSlot: lightSlot,
		wg:        &sync.WaitGroup{},
	}
}

// Registry exposes the record authority for read paths.
func (e *Engine) Registry() *Registry { return e.reg }

// Scheduler exposes the admission state for read paths.
func (e *Engine) Scheduler() *Scheduler { return e.sched }

// Layout exposes the artifact layout for presence checks.
func (e *Engine) Layout() *media.Layout { return e.layout }

// artifactScenesDir is the root of the per-stem artifact directories.
func (e *Engine) artifactScenesDir() string {
	return filepath.Join(e.layout.Root, ".artifacts", "scenes")
}

// Submit validates and enqueues a job for req, returning its snapshot.
// Batch tasks get a supervisor job that fans out per-file children.
func (e *Engine) Submit(req *Request) (Job, error) {
	task := NormalizeTask(req.Task)
	if !KnownTask(task) {
		return Job{}, fmt.Errorf("%w: unknown task %q", generate.ErrInvalidArgument, req.Task)
	}

	if isBatchTask(req.Task) {
		return e.submitBatch(req, task)
	}

	job := e.reg.Create(req, task, e.displayPath(req))
	e.spawn(job)
	return *job, nil
}

// isBatchTask reports whether the submitted (pre-normalization) task uses
// the supervisor pattern.
func isBatchTask(task string) bool {
	return len(task) > len("-batch") && task[len(task)-len("-batch"):] == "-batch"
}

// displayPath picks the path shown on the record.
func (e *Engine) displayPath(req *Request) string {
	if targets := req.Targets(); len(targets) > 0 {
		return targets[0]
	}
	if req.Directory != "" {
		return req.Directory
	}
	return "."
}

// spawn launches the worker goroutine for a queued job.
func (e *Engine) spawn(job *Job) {
	e.sched.Enqueue(job.ID)
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.work(job)
	}()
}

// work drives one job from admission through terminal classification.
func (e *Engine) work(job *Job) {
	snapshot, ok := e.reg.Get(job.ID)
	if !ok || snapshot.State != StateQueued {
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ctx = WithJobID(ctx, job.ID)

	cancelCh := snapshot.CancelSignal()
	go func() {
		select {
		case <-cancelCh:
			cancel()
		case <-ctx.Done():
		}
	}()

	slot, err := e.sched.Admit(ctx, job.ID)
	if err != nil {
		// Canceled while waiting; Cancel already finished queued jobs.
		e.reg.FinishCanceled(job.ID)
		return
	}
	defer slot.Release()

	if !e.reg.Start(job.ID) {
		return
	}
	if e.lightSlotFor(job.Type) {
		slot.Release()
	}

	err = e.dispatch(ctx, job)
	e.settle(job, err)
}

// lightSlotFor evaluates the per-task light-slot toggle.
func (e *Engine) lightSlotFor(task string) bool {
	if e.cfg.Jobs.LightSlotAll {
		return true
	}
	return e.lightSlot[NormalizeTask(task)]
}

// settle applies the terminal classification contract.
func (e *Engine) settle(job *Job, err error) {
	id := job.ID
	switch {
	case err == nil:
		e.reg.Finish(id, nil)
	case errors.Is(err, context.Canceled):
		if e.reg.PauseRequeueRequested(id) {
			if e.reg.Requeue(id) {
				e.spawn(job)
				return
			}
		}
		e.reg.FinishCanceled(id)
	default:
		e.reg.Fail(id, classifyError(err))
	}
}

// classifyError renders dispatch failures as user-facing messages.
func classifyError(err error) string {
	var exitErr *ffmpeg.ExitError
	switch {
	case errors.Is(err, ffmpeg.ErrTimeout):
		return fmt.Sprintf("timeout: %v", err)
	case errors.As(err, &exitErr):
		return exitErr.Error()
	case errors.Is(err, generate.ErrDependencyMissing):
		return fmt.Sprintf("dependency missing: %v", err)
	case errors.Is(err, generate.ErrNotFound):
		return fmt.Sprintf("not found: %v", err)
	case errors.Is(err, generate.ErrInvalidArgument):
		return fmt.Sprintf("invalid argument: %v", err)
	default:
		return err.Error()
	}
}

// submitBatch creates the supervisor record and launches the fan-out.
func (e *Engine) submitBatch(req *Request, task string) (Job, error) {
	targets, err := e.resolveTargets(req)
	if err != nil {
		return Job{}, err
	}

	supervisor := e.reg.Create(req, task+"-batch", e.displayPath(req))
	batchID := uuid.NewString()

	e.sched.Enqueue(supervisor.ID)
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.superviseBatch(supervisor, task, batchID, targets)
	}()
	return *supervisor, nil
}

// superviseBatch runs the supervisor: admitted like any job, it releases its
// slot immediately, fans out children under the batch worker cap and tracks
// their completion as its own progress.
func (e *Engine) superviseBatch(supervisor *Job, task, batchID string, targets []string) {
	snapshot, ok := e.reg.Get(supervisor.ID)
	if !ok || snapshot.State != StateQueued {
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cancelCh := snapshot.CancelSignal()
	go func() {
		select {
		case <-cancelCh:
			cancel()
		case <-ctx.Done():
		}
	}()

	slot, err := e.sched.Admit(ctx, supervisor.ID)
	if err != nil {
		e.reg.FinishCanceled(supervisor.ID)
		return
	}
	if !e.reg.Start(supervisor.ID) {
		slot.Release()
		return
	}
	// Supervisors only wait; they never hold a run slot.
	slot.Release()

	e.reg.SetProgress(supervisor.ID, ProgressUpdate{Total: intp(len(targets))})

	parentReq := snapshot.Request
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.batchWorkers())
	var mu sync.Mutex
	done := 0
	var childErrs []string

	for _, target := range targets {
		g.Go(func() error {
			childReq := &Request{
				Task:   task,
				Force:  parentReq != nil && parentReq.Force,
				Params: map[string]any{"targets": []string{e.layout.Rel(target)}},
				Label:  snapshot.Label,
			}
			if parentReq != nil {
				for k, v := range parentReq.Params {
					if k != "targets" {
						childReq.Params[k] = v
					}
				}
			}

			child := e.reg.Create(childReq, task, e.layout.Rel(target))
			e.setMetaBatch(child.ID, batchID)
			e.spawn(child)

			final, err := e.awaitTerminal(gctx, child.ID)
			if err != nil {
				e.reg.Cancel(child.ID)
				return err
			}

			mu.Lock()
			done++
			if final.State == StateFailed {
				childErrs = append(childErrs, fmt.Sprintf("%s: %s", final.Path, final.Error))
			}
			processed := done
			mu.Unlock()
			e.reg.SetProgress(supervisor.ID, ProgressUpdate{ProcessedSet: intp(processed)})
			return nil
		})
	}

	err = g.Wait()
	switch {
	case err != nil:
		if e.reg.PauseRequeueRequested(supervisor.ID) && e.reg.Requeue(supervisor.ID) {
			e.spawn(supervisor)
			return
		}
		e.reg.FinishCanceled(supervisor.ID)
	case len(childErrs) == len(targets) && len(targets) > 0:
		e.reg.Fail(supervisor.ID, fmt.Sprintf("all %d children failed", len(targets)))
	default:
		if len(childErrs) > 0 {
			e.reg.SetResult(supervisor.ID, map[string]any{"failures": childErrs})
		}
		e.reg.Finish(supervisor.ID, nil)
	}
}

// setMetaBatch stamps the shared batch id on a child record.
func (e *Engine) setMetaBatch(id, batchID string) {
	e.reg.mu.Lock()
	if job, ok := e.reg.jobs[id]; ok {
		job.MetaBatch = batchID
	}
	e.reg.mu.Unlock()
}

// awaitTerminal polls until the job reaches a terminal state.
func (e *Engine) awaitTerminal(ctx context.Context, id string) (Job, error) {
	ticker := time.NewTicker(batchPollInterval)
	defer ticker.Stop()
	for {
		if snapshot, ok := e.reg.Get(id); ok && snapshot.State.Terminal() {
			return snapshot, nil
		}
		select {
		case <-ticker.C:
		case <-ctx.Done():
			return Job{}, ctx.Err()
		}
	}
}

// batchWorkers returns the bounded fan-out width.
func (e *Engine) batchWorkers() int {
	n := e.cfg.Jobs.BatchWorkers
	if n < 1 {
		n = 1
	}
	return n
}

// Cancel requests cancellation of one job.
func (e *Engine) Cancel(id string) bool {
	ok := e.reg.Cancel(id)
	e.sched.Remove(id)
	return ok
}

// CancelAll cancels every active job and reports how many were touched.
func (e *Engine) CancelAll() int {
	ids := append(e.reg.QueuedIDs(), e.reg.RunningIDs()...)
	for _, id := range ids {
		e.reg.Cancel(id)
		e.sched.Remove(id)
	}
	count := len(ids)
	e.bus.Publish(events.Event{Name: events.EventCancelAll, Count: events.IntPtr(count)})
	return count
}

// CancelQueued cancels only jobs that have not started.
func (e *Engine) CancelQueued() int {
	ids := e.reg.QueuedIDs()
	for _, id := range ids {
		e.reg.Cancel(id)
		e.sched.Remove(id)
	}
	count := len(ids)
	e.bus.Publish(events.Event{Name: events.EventCancelAll, Count: events.IntPtr(count)})
	return count
}

// SetJobConcurrency adjusts the run-slot ceiling at runtime.
func (e *Engine) SetJobConcurrency(n int) int {
	return e.sched.SetMaxRunning(n)
}

// SetFFmpegConcurrency resizes the subprocess gate at runtime.
func (e *Engine) SetFFmpegConcurrency(n int) int {
	n = ffmpeg.ClampGateCapacity(n)
	e.runner.Gate().Resize(n)
	e.bus.Publish(events.Event{Name: events.EventConcurrency, Value: events.IntPtr(n)})
	return n
}

// FFmpegConcurrency reports the current subprocess gate capacity.
func (e *Engine) FFmpegConcurrency() int {
	return e.runner.Gate().Capacity()
}

// SetPaused flips the global pause. Pausing asks running jobs to requeue
// cooperatively; resuming just reopens admission.
func (e *Engine) SetPaused(paused bool) {
	e.sched.SetPaused(paused)
	if paused {
		for _, id := range e.reg.RunningIDs() {
			e.reg.RequestPauseRequeue(id)
		}
	}
}

// Paused reports the pause flag.
func (e *Engine) Paused() bool { return e.sched.Paused() }

// Restore rehydrates persisted records and resubmits restorable ones
// through the bounded restore pool.
func (e *Engine) Restore(ctx context.Context) error {
	if e.store == nil {
		return nil
	}
	autoRestore := !e.cfg.Jobs.AutorestoreDisable
	records, err := e.store.LoadAll(autoRestore)
	if err != nil {
		return err
	}

	var resubmit []*Job
	for _, job := range records {
		e.reg.Adopt(job)
		if autoRestore && job.State == StateQueued && job.Request != nil {
			resubmit = append(resubmit, job)
		}
	}

	g, _ := errgroup.WithContext(ctx)
	g.SetLimit(e.restoreWorkers())
	for _, job := range resubmit {
		g.Go(func() error {
			e.spawn(job)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	e.log.Info("job restore complete",
		slog.Int("records", len(records)), slog.Int("resubmitted", len(resubmit)))
	return nil
}

// restoreWorkers bounds restore resubmission.
func (e *Engine) restoreWorkers() int {
	n := e.cfg.Jobs.RestoreWorkers
	if n < 1 {
		n = 1
	}
	return n
}

// Resume returns a restored job to the queue and relaunches its worker.
// Only records in the restored state with an intact request are eligible.
func (e *Engine) Resume(id string) (Job, error) {
	snapshot, ok := e.reg.Get(id)
	if !ok {
		return Job{}, fmt.Errorf("%w: job %s", generate.ErrNotFound, id)
	}
	if snapshot.State != StateRestored {
		return Job{}, fmt.Errorf("%w: job %s is %s", generate.ErrInvalidArgument, id, snapshot.State)
	}
	if snapshot.Request == nil {
		return Job{}, fmt.Errorf("%w: job %s has no persisted request", generate.ErrInvalidArgument, id)
	}

	job, ok := e.reg.ResumeRestored(id)
	if !ok {
		return Job{}, fmt.Errorf("%w: job %s is no longer restored", generate.ErrInvalidArgument, id)
	}
	e.spawn(job)
	out, _ := e.reg.Get(id)
	return out, nil
}

// ReapOrphans forwards to the registry with configured thresholds.
func (e *Engine) ReapOrphans() []string {
	return e.reg.ReapOrphans(e.cfg.Jobs.ReaperMaxIdle, e.cfg.Jobs.ReaperMinAge)
}

// Wait blocks until all worker goroutines exit. Call after cancellation
// during shutdown.
func (e *Engine) Wait() { e.wg.Wait() }
