package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/sidecarr/sidecarr/internal/generate"
	"github.com/sidecarr/sidecarr/internal/media"
)

// Task name aliases accepted on submission.
var taskAliases = map[string]string{
	"preview-concat": "preview",
	"heatmap":        "heatmaps",
	"scenes":         "markers",
}

// handlerTasks is the closed set of dispatchable tasks after normalization.
var handlerTasks = map[string]struct{}{
	"transcode": {}, "autotag": {}, "thumbnail": {}, "metadata": {},
	"embed": {}, "clip": {}, "concat": {}, "cleanup-artifacts": {},
	"sprites": {}, "heatmaps": {}, "faces": {}, "preview": {},
	"subtitles": {}, "markers": {}, "sample": {}, "chain": {},
	"integrity-scan": {}, "index-embeddings": {}, "waveform": {},
	"motion": {}, "phash": {},
}

// NormalizeTask strips the batch suffix and resolves aliases.
func NormalizeTask(task string) string {
	task = strings.TrimSuffix(strings.TrimSpace(task), "-batch")
	if alias, ok := taskAliases[task]; ok {
		return alias
	}
	return task
}

// KnownTask reports whether a normalized task has a handler.
func KnownTask(task string) bool {
	_, ok := handlerTasks[NormalizeTask(task)]
	return ok
}

// atomicTasks report per-file completion as one processed unit; everything
// else scales by 100 for sub-file progress.
var atomicTasks = map[string]struct{}{
	"metadata": {}, "thumbnail": {}, "waveform": {}, "motion": {},
}

// dispatch runs the job's task to completion, driving progress through the
// registry. The returned error is nil on success, the context error on
// cancellation, or the underlying failure.
func (e *Engine) dispatch(ctx context.Context, job *Job) error {
	req := job.Request
	if req == nil {
		req = &Request{Task: job.Type}
	}
	task := NormalizeTask(job.Type)

	switch task {
	case "metadata":
		return e.eachTarget(ctx, job, req, func(ctx context.Context, v string, sub func(float64)) error {
			return e.gen.Metadata(ctx, v, req.Force)
		})
	case "thumbnail":
		opts := generate.ThumbnailOptions{
			TimeSpec: paramString(req.Params, "time"),
			Width:    paramInt(req.Params, "width"),
			Quality:  paramInt(req.Params, "quality"),
			Force:    req.Force,
		}
		return e.eachTarget(ctx, job, req, func(ctx context.Context, v string, sub func(float64)) error {
			return e.gen.Thumbnail(ctx, v, opts)
		})
	case "waveform":
		return e.eachTarget(ctx, job, req, func(ctx context.Context, v string, sub func(float64)) error {
			return e.gen.Waveform(ctx, v, req.Force)
		})
	case "motion":
		opts := generate.MotionOptions{
			Interval: paramFloat(req.Params, "interval"),
			Force:    req.Force,
		}
		return e.eachTarget(ctx, job, req, func(ctx context.Context, v string, sub func(float64)) error {
			return e.gen.Motion(ctx, v, opts, sub)
		})
	case "preview":
		opts := generate.PreviewOptions{
			Segments: paramInt(req.Params, "segments"),
			SegDur:   paramFloat(req.Params, "seg_dur"),
			Width:    paramInt(req.Params, "width"),
			Format:   paramString(req.Params, "fmt"),
			Force:    req.Force,
		}
		return e.eachTarget(ctx, job, req, func(ctx context.Context, v string, sub func(float64)) error {
			return e.gen.Preview(ctx, v, opts, sub)
		})
	case "sprites":
		opts := generate.SpritesOptions{
			Cols:      paramInt(req.Params, "cols"),
			Rows:      paramInt(req.Params, "rows"),
			TileWidth: paramInt(req.Params, "tile_width"),
			Quality:   paramInt(req.Params, "quality"),
			Force:     req.Force,
		}
		return e.eachTarget(ctx, job, req, func(ctx context.Context, v string, sub func(float64)) error {
			return e.gen.Sprites(ctx, v, opts, sub)
		})
	case "phash":
		opts := generate.PhashOptions{
			Frames:  paramInt(req.Params, "frames"),
			Algo:    paramString(req.Params, "algo"),
			Combine: paramString(req.Params, "combine"),
			Force:   req.Force,
		}
		return e.eachTarget(ctx, job, req, func(ctx context.Context, v string, sub func(float64)) error {
			if err := e.gen.Phash(ctx, v, opts); err != nil {
				return err
			}
			sub(1)
			return nil
		})
	case "heatmaps":
		opts := generate.HeatmapsOptions{
			Interval: paramFloat(req.Params, "interval"),
			PNG:      paramBool(req.Params, "png"),
			Force:    req.Force,
		}
		return e.eachTarget(ctx, job, req, func(ctx context.Context, v string, sub func(float64)) error {
			return e.gen.Heatmaps(ctx, v, opts, sub)
		})
	case "markers":
		opts := generate.MarkersOptions{
			Threshold:      paramFloat(req.Params, "threshold"),
			GenerateThumbs: paramBool(req.Params, "thumbs"),
			GenerateClips:  paramBool(req.Params, "clips"),
			Force:          req.Force,
		}
		return e.eachTarget(ctx, job, req, func(ctx context.Context, v string, sub func(float64)) error {
			return e.gen.Markers(ctx, v, opts, sub)
		})
	case "subtitles":
		opts := generate.SubtitlesOptions{
			Language: paramString(req.Params, "language"),
			Force:    req.Force,
		}
		return e.eachTarget(ctx, job, req, func(ctx context.Context, v string, sub func(float64)) error {
			return e.gen.Subtitles(ctx, v, opts, sub)
		})
	case "faces":
		opts := generate.FacesOptions{
			Interval:     paramFloat(req.Params, "interval"),
			SimThreshold: paramFloat(req.Params, "sim_thresh"),
			MinRelSize:   paramFloat(req.Params, "min_rel_size"),
			Force:        req.Force,
		}
		return e.eachTarget(ctx, job, req, func(ctx context.Context, v string, sub func(float64)) error {
			return e.gen.Faces(ctx, v, opts, sub)
		})
	case "autotag":
		return e.eachTarget(ctx, job, req, func(ctx context.Context, v string, sub func(float64)) error {
			if err := e.gen.Metadata(ctx, v, false); err != nil {
				return err
			}
			sub(0.5)
			if err := e.gen.Autotag(ctx, v); err != nil {
				return err
			}
			sub(1)
			return nil
		})
	case "transcode":
		return e.eachTarget(ctx, job, req, func(ctx context.Context, v string, sub func(float64)) error {
			out, err := e.gen.Transcode(ctx, v, generate.TranscodeOptions{
				Output:    paramString(req.Params, "output"),
				MaxHeight: paramInt(req.Params, "max_height"),
				CRF:       paramInt(req.Params, "crf"),
			}, sub)
			if err != nil {
				return err
			}
			e.rep.SetResult(job.ID, map[string]any{"output": out})
			return nil
		})
	case "clip":
		return e.eachTarget(ctx, job, req, func(ctx context.Context, v string, sub func(float64)) error {
			out, err := e.gen.Clip(ctx, v, generate.ClipOptions{
				Start:    paramFloat(req.Params, "start"),
				Duration: paramFloat(req.Params, "duration"),
				Output:   paramString(req.Params, "output"),
			}, sub)
			if err != nil {
				return err
			}
			e.rep.SetResult(job.ID, map[string]any{"output": out})
			return nil
		})
	case "concat":
		return e.runConcat(ctx, job, req)
	case "sample":
		return e.eachTarget(ctx, job, req, func(ctx context.Context, v string, sub func(float64)) error {
			result, err := e.gen.Sample(ctx, v, paramInt(req.Params, "frames"), sub)
			if err != nil {
				return err
			}
			e.rep.SetResult(job.ID, result)
			return nil
		})
	case "embed":
		return e.eachTarget(ctx, job, req, func(ctx context.Context, v string, sub func(float64)) error {
			return e.embedVideo(ctx, v, sub)
		})
	case "index-embeddings":
		return e.runIndexEmbeddings(ctx, job, req)
	case "cleanup-artifacts":
		return e.runCleanup(ctx, job, req)
	case "integrity-scan":
		return e.runIntegrityScan(ctx, job, req)
	case "chain":
		return e.runChain(ctx, job, req)
	default:
		return fmt.Errorf("%w: unknown task %q", generate.ErrInvalidArgument, job.Type)
	}
}

// eachTarget resolves the request's targets and runs fn per target with the
// multi-target progress model. Per-file failures are tolerated while at least
// one target succeeds; cancellation aborts immediately.
func (e *Engine) eachTarget(ctx context.Context, job *Job, req *Request, fn func(ctx context.Context, video string, sub func(float64)) error) error {
	targets, err := e.resolveTargets(req)
	if err != nil {
		return err
	}
	task := NormalizeTask(job.Type)
	_, atomic := atomicTasks[task]
	scale := 100
	if atomic {
		scale = 1
	}
	e.rep.SetProgress(job.ID, ProgressUpdate{Total: intp(len(targets) * scale)})

	var failures []string
	for i, video := range targets {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		e.rep.SetCurrent(job.ID, e.layout.Rel(video))
		done := i
		sub := func(frac float64) {
			if frac < 0 {
				frac = 0
			}
			if frac > 1 {
				frac = 1
			}
			e.rep.SetProgress(job.ID, ProgressUpdate{
				ProcessedSet: intp(done*scale + int(frac*float64(scale))),
			})
		}
		if err := fn(ctx, video, sub); err != nil {
			if ctx.Err() != nil || errors.Is(err, context.Canceled) {
				return ctx.Err()
			}
			e.log.Warn("target failed",
				"job", job.ID, "task", task, "video", video, "error", err)
			failures = append(failures, fmt.Sprintf("%s: %v", e.layout.Rel(video), err))
		}
		e.rep.SetProgress(job.ID, ProgressUpdate{ProcessedSet: intp((i + 1) * scale)})
	}

	if len(failures) == len(targets) && len(targets) > 0 {
		return errors.New(strings.Join(failures, "; "))
	}
	if len(failures) > 0 {
		e.rep.SetResult(job.ID, map[string]any{"failures": failures})
	}
	return nil
}

// resolveTargets applies the target resolution contract: explicit
// params.targets first, else a directory listing.
func (e *Engine) resolveTargets(req *Request) ([]string, error) {
	if targets := req.Targets(); len(targets) > 0 {
		out := make([]string, 0, len(targets))
		for _, t := range targets {
			abs, err := e.layout.Resolve(t)
			if err != nil {
				return nil, fmt.Errorf("%w: %v", generate.ErrInvalidArgument, err)
			}
			if _, err := os.Stat(abs); err != nil {
				return nil, fmt.Errorf("%w: target %s", generate.ErrNotFound, t)
			}
			out = append(out, abs)
		}
		return out, nil
	}

	dir := e.layout.Root
	if req.Directory != "" {
		abs, err := e.layout.Resolve(req.Directory)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", generate.ErrInvalidArgument, err)
		}
		dir = abs
	}
	// An empty library is not an error: the job completes with total=0.
	return e.layout.Videos(dir, req.Recursive)
}

// runConcat joins explicit targets into one output file.
func (e *Engine) runConcat(ctx context.Context, job *Job, req *Request) error {
	targets, err := e.resolveTargets(req)
	if err != nil {
		return err
	}
	output := paramString(req.Params, "output")
	if output == "" {
		return fmt.Errorf("%w: concat requires params.output", generate.ErrInvalidArgument)
	}
	abs, err := e.layout.Resolve(output)
	if err != nil {
		return fmt.Errorf("%w: %v", generate.ErrInvalidArgument, err)
	}
	e.rep.SetProgress(job.ID, ProgressUpdate{Total: intp(100)})
	if err := e.gen.Concat(ctx, targets, abs, func(frac float64) {
		e.rep.SetProgress(job.ID, ProgressUpdate{ProcessedSet: intp(int(frac * 100))})
	}); err != nil {
		return err
	}
	e.rep.SetResult(job.ID, map[string]any{"output": e.layout.Rel(abs)})
	e.rep.SetProgress(job.ID, ProgressUpdate{ProcessedSet: intp(100)})
	return nil
}

// embedVideo computes and indexes one video descriptor.
func (e *Engine) embedVideo(ctx context.Context, video string, sub func(float64)) error {
	if e.index == nil {
		return fmt.Errorf("%w: embeddings index not configured", generate.ErrDependencyMissing)
	}
	vec, err := e.gen.Embedding(ctx, video)
	if err != nil {
		return err
	}
	sub(0.8)
	if err := e.index.Upsert(ctx, media.Stem(video), e.layout.Rel(video), vec); err != nil {
		return err
	}
	sub(1)
	return nil
}

// runIndexEmbeddings embeds every library video not yet indexed.
func (e *Engine) runIndexEmbeddings(ctx context.Context, job *Job, req *Request) error {
	if e.index == nil {
		return fmt.Errorf("%w: embeddings index not configured", generate.ErrDependencyMissing)
	}
	return e.eachTarget(ctx, job, req, func(ctx context.Context, v string, sub func(float64)) error {
		if !req.Force {
			if has, err := e.index.Has(ctx, media.Stem(v)); err == nil && has {
				sub(1)
				return nil
			}
		}
		return e.embedVideo(ctx, v, sub)
	})
}

// runCleanup sweeps orphaned artifact directories. The sweep is a dry run
// unless params.apply is set.
func (e *Engine) runCleanup(ctx context.Context, job *Job, req *Request) error {
	e.rep.SetProgress(job.ID, ProgressUpdate{Total: intp(100)})
	res, err := e.gen.CleanupArtifacts(ctx, paramBool(req.Params, "apply"), func(frac float64) {
		e.rep.SetProgress(job.ID, ProgressUpdate{ProcessedSet: intp(int(frac * 100))})
	})
	if err != nil {
		return err
	}
	e.rep.SetResult(job.ID, res)
	e.rep.SetProgress(job.ID, ProgressUpdate{ProcessedSet: intp(100)})
	return nil
}

// integrityReport is the integrity-scan result document.
type integrityReport struct {
	Videos  map[string]integrityEntry `json:"videos,omitempty"`
	Orphans []string                  `json:"orphans,omitempty"`
	Checked int                       `json:"checked"`
}

type integrityEntry struct {
	Missing []string `json:"missing,omitempty"`
	Stale   []string `json:"stale,omitempty"`
}

// integrityKinds are the artifact kinds the scan inspects per video.
var integrityKinds = []media.Kind{
	media.KindMetadata, media.KindThumbnail, media.KindPreview,
	media.KindSpritesSheet, media.KindPhash, media.KindScenes,
	media.KindHeatmapJSON, media.KindWaveform, media.KindMotion,
	media.KindSubtitles, media.KindFaces,
}

// runIntegrityScan reports missing and stale artifacts per video, plus
// orphaned artifact directories.
func (e *Engine) runIntegrityScan(ctx context.Context, job *Job, req *Request) error {
	targets, err := e.resolveTargets(req)
	if err != nil {
		return err
	}
	e.rep.SetProgress(job.ID, ProgressUpdate{Total: intp(len(targets))})

	report := integrityReport{Videos: map[string]integrityEntry{}, Checked: len(targets)}
	for i, video := range targets {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		e.rep.SetCurrent(job.ID, e.layout.Rel(video))
		srcInfo, err := os.Stat(video)
		if err != nil {
			continue
		}
		var entry integrityEntry
		for _, kind := range integrityKinds {
			if !e.layout.Exists(video, kind) {
				entry.Missing = append(entry.Missing, string(kind))
				continue
			}
			path := e.layout.Path(video, kind)
			if kind == media.KindPreview {
				if p, ok := e.layout.FindPreview(video); ok {
					path = p
				}
			}
			if info, err := os.Stat(path); err == nil && info.ModTime().Before(srcInfo.ModTime()) {
				entry.Stale = append(entry.Stale, string(kind))
			}
		}
		if len(entry.Missing) > 0 || len(entry.Stale) > 0 {
			report.Videos[e.layout.Rel(video)] = entry
		}
		e.rep.SetProgress(job.ID, ProgressUpdate{ProcessedSet: intp(i + 1)})
	}

	stems, err := e.layout.Stems()
	if err == nil {
		report.Orphans = e.orphanStems(stems)
	}
	e.rep.SetResult(job.ID, report)
	return nil
}

// orphanStems lists artifact directories without a matching library video.
func (e *Engine) orphanStems(stems map[string]struct{}) []string {
	entries, err := os.ReadDir(e.artifactScenesDir())
	if err != nil {
		return nil
	}
	var out []string
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		if _, live := stems[entry.Name()]; !live {
			out = append(out, entry.Name())
		}
	}
	return out
}

// chainStep is one entry of a chain task's steps parameter.
type chainStep struct {
	Task      string         `json:"task"`
	Params    map[string]any `json:"params,omitempty"`
	Directory string         `json:"directory,omitempty"`
	Recursive bool           `json:"recursive,omitempty"`
	Force     bool           `json:"force,omitempty"`
}

// runChain executes steps sequentially, mapping each step's progress into
// its own 100-unit slice. The chain stops at the first failing step unless
// continue_on_error is set.
func (e *Engine) runChain(ctx context.Context, job *Job, req *Request) error {
	steps, err := chainSteps(req.Params)
	if err != nil {
		return err
	}
	if len(steps) == 0 {
		return fmt.Errorf("%w: chain requires params.steps", generate.ErrInvalidArgument)
	}
	continueOnError := paramBool(req.Params, "continue_on_error")

	e.rep.SetProgress(job.ID, ProgressUpdate{Total: intp(len(steps) * 100)})
	var failures []string
	for i, step := range steps {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		task := NormalizeTask(step.Task)
		if !KnownTask(task) || task == "chain" {
			err := fmt.Errorf("%w: chain step task %q", generate.ErrInvalidArgument, step.Task)
			if !continueOnError {
				return err
			}
			failures = append(failures, err.Error())
			continue
		}

		stepReq := &Request{
			Task:      task,
			Directory: firstNonEmpty(step.Directory, req.Directory),
			Recursive: step.Recursive || req.Recursive,
			Force:     step.Force || req.Force,
			Params:    step.Params,
		}
		if stepReq.Params == nil {
			if targets := req.Targets(); len(targets) > 0 {
				stepReq.Params = map[string]any{"targets": targets}
			}
		}

		stepJob := &Job{ID: job.ID, Type: task, Request: stepReq}
		err := e.dispatchSlice(ctx, stepJob, i*100)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if !continueOnError {
				return fmt.Errorf("chain step %d (%s): %w", i+1, task, err)
			}
			failures = append(failures, fmt.Sprintf("step %d (%s): %v", i+1, task, err))
		}
		e.rep.SetProgress(job.ID, ProgressUpdate{ProcessedSet: intp((i + 1) * 100)})
	}
	if len(failures) > 0 {
		e.rep.SetResult(job.ID, map[string]any{"failures": failures})
	}
	return nil
}

// reporter is the progress surface the dispatcher writes through. The
// registry is the normal implementation; chain steps swap in a remapping
// wrapper.
type reporter interface {
	SetProgress(id string, upd ProgressUpdate)
	SetCurrent(id, path string)
	SetResult(id string, result any)
}

// sliceReporter remaps a chain step's absolute progress into the parent's
// [base, base+100] window. The step's own total is captured, never forwarded.
type sliceReporter struct {
	inner reporter
	base  int

	mu    sync.Mutex
	total int
}

func (r *sliceReporter) SetProgress(id string, upd ProgressUpdate) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if upd.Total != nil {
		r.total = *upd.Total
		return
	}
	if upd.ProcessedSet == nil || r.total <= 0 {
		return
	}
	frac := float64(*upd.ProcessedSet) / float64(r.total)
	if frac > 1 {
		frac = 1
	}
	r.inner.SetProgress(id, ProgressUpdate{ProcessedSet: intp(r.base + int(frac*100))})
}

func (r *sliceReporter) SetCurrent(id, path string) { r.inner.SetCurrent(id, path) }

func (r *sliceReporter) SetResult(id string, result any) { r.inner.SetResult(id, result) }

// dispatchSlice runs a chain step against a shallow engine copy whose
// reporter confines progress to the step's window.
func (e *Engine) dispatchSlice(ctx context.Context, step *Job, base int) error {
	sliceEngine := *e
	sliceEngine.rep = &sliceReporter{inner: e.rep, base: base}
	return sliceEngine.dispatch(ctx, step)
}

// chainSteps decodes params.steps through JSON round-tripping so both typed
// and map-shaped payloads work.
func chainSteps(params map[string]any) ([]chainStep, error) {
	raw, ok := params["steps"]
	if !ok {
		return nil, nil
	}
	data, err := json.Marshal(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: encoding chain steps: %v", generate.ErrInvalidArgument, err)
	}
	var steps []chainStep
	if err := json.Unmarshal(data, &steps); err != nil {
		return nil, fmt.Errorf("%w: decoding chain steps: %v", generate.ErrInvalidArgument, err)
	}
	return steps, nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

func intp(v int) *int { return &v }

// Param coercion helpers. Params arrive from JSON, so numbers are float64.

func paramString(params map[string]any, key string) string {
	if v, ok := params[key].(string); ok {
		return v
	}
	return ""
}

func paramFloat(params map[string]any, key string) float64 {
	switch v := params[key].(type) {
	case float64:
		return v
	case int:
		return float64(v)
	}
	return 0
}

func paramInt(params map[string]any, key string) int {
	return int(paramFloat(params, key))
}

func paramBool(params map[string]any, key string) bool {
	v, _ := params[key].(bool)
	return v
}
