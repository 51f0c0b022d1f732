// Package handlers implements the HTTP API handlers.
package handlers

import (
	"context"
	"errors"
	"strings"

	"github.com/danielgtaylor/huma/v2"

	"github.com/sidecarr/sidecarr/internal/generate"
	"github.com/sidecarr/sidecarr/internal/jobs"
)

// JobsHandler exposes job submission, inspection and engine settings.
type JobsHandler struct {
	engine *jobs.Engine
}

// NewJobsHandler creates a jobs handler over the engine.
func NewJobsHandler(engine *jobs.Engine) *JobsHandler {
	return &JobsHandler{engine: engine}
}

// SubmitJobInput carries a job request.
type SubmitJobInput struct {
	Body jobs.Request
}

// JobOutput wraps a single job snapshot.
type JobOutput struct {
	Body jobs.Job
}

// ListJobsInput filters the job listing.
type ListJobsInput struct {
	State string  `query:"state" doc:"Comma-separated states to include"`
	Since float64 `query:"since" doc:"Only jobs created at or after this unix timestamp"`
}

// ListJobsBody is the job listing payload.
type ListJobsBody struct {
	Jobs []jobs.Job `json:"jobs"`
}

// ListJobsOutput is the job listing response.
type ListJobsOutput struct {
	Body ListJobsBody
}

// JobIDInput addresses one job.
type JobIDInput struct {
	ID string `path:"id" doc:"Job ID"`
}

// CountBody reports how many jobs an operation touched.
type CountBody struct {
	Count int `json:"count"`
}

// CountOutput wraps CountBody.
type CountOutput struct {
	Body CountBody
}

// SetConcurrencyInput carries a new concurrency value.
type SetConcurrencyInput struct {
	Body struct {
		Value int `json:"value" minimum:"1" doc:"New concurrency limit"`
	}
}

// ValueBody echoes the applied value after clamping.
type ValueBody struct {
	Value int `json:"value"`
}

// ValueOutput wraps ValueBody.
type ValueOutput struct {
	Body ValueBody
}

// SetPausedInput carries the desired pause state.
type SetPausedInput struct {
	Body struct {
		Paused bool `json:"paused"`
	}
}

// PausedBody echoes the pause state.
type PausedBody struct {
	Paused bool `json:"paused"`
}

// PausedOutput wraps PausedBody.
type PausedOutput struct {
	Body PausedBody
}

// Register registers the job and settings routes.
func (h *JobsHandler) Register(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID:   "submitJob",
		Method:        "POST",
		Path:          "/api/v1/jobs",
		Summary:       "Submit a job",
		Description:   "Queues an artifact generation job and returns its initial snapshot",
		Tags:          []string{"Jobs"},
		DefaultStatus: 201,
	}, h.Submit)

	huma.Register(api, huma.Operation{
		OperationID: "listJobs",
		Method:      "GET",
		Path:        "/api/v1/jobs",
		Summary:     "List jobs",
		Tags:        []string{"Jobs"},
	}, h.List)

	huma.Register(api, huma.Operation{
		OperationID: "getJob",
		Method:      "GET",
		Path:        "/api/v1/jobs/{id}",
		Summary:     "Get job",
		Tags:        []string{"Jobs"},
	}, h.Get)

	huma.Register(api, huma.Operation{
		OperationID: "cancelJob",
		Method:      "DELETE",
		Path:        "/api/v1/jobs/{id}",
		Summary:     "Cancel job",
		Description: "Requests cancellation; running jobs settle asynchronously",
		Tags:        []string{"Jobs"},
	}, h.Cancel)

	huma.Register(api, huma.Operation{
		OperationID: "resumeJob",
		Method:      "POST",
		Path:        "/api/v1/jobs/{id}/resume",
		Summary:     "Resume restored job",
		Description: "Returns a restored job to the queue and starts it",
		Tags:        []string{"Jobs"},
	}, h.Resume)

	huma.Register(api, huma.Operation{
		OperationID: "cancelAllJobs",
		Method:      "POST",
		Path:        "/api/v1/jobs/cancel-all",
		Summary:     "Cancel all jobs",
		Tags:        []string{"Jobs"},
	}, h.CancelAll)

	huma.Register(api, huma.Operation{
		OperationID: "cancelQueuedJobs",
		Method:      "POST",
		Path:        "/api/v1/jobs/cancel-queued",
		Summary:     "Cancel queued jobs",
		Tags:        []string{"Jobs"},
	}, h.CancelQueued)

	huma.Register(api, huma.Operation{
		OperationID: "purgeJobs",
		Method:      "POST",
		Path:        "/api/v1/jobs/purge",
		Summary:     "Purge terminal jobs",
		Tags:        []string{"Jobs"},
	}, h.Purge)

	huma.Register(api, huma.Operation{
		OperationID: "setJobConcurrency",
		Method:      "PUT",
		Path:        "/api/v1/settings/concurrency",
		Summary:     "Set job concurrency",
		Tags:        []string{"Settings"},
	}, h.SetJobConcurrency)

	huma.Register(api, huma.Operation{
		OperationID: "setFFmpegConcurrency",
		Method:      "PUT",
		Path:        "/api/v1/settings/ffmpeg-concurrency",
		Summary:     "Set ffmpeg concurrency",
		Tags:        []string{"Settings"},
	}, h.SetFFmpegConcurrency)

	huma.Register(api, huma.Operation{
		OperationID: "setPaused",
		Method:      "PUT",
		Path:        "/api/v1/settings/paused",
		Summary:     "Pause or resume admission",
		Tags:        []string{"Settings"},
	}, h.SetPaused)
}

// Submit queues a new job.
func (h *JobsHandler) Submit(ctx context.Context, input *SubmitJobInput) (*JobOutput, error) {
	job, err := h.engine.Submit(&input.Body)
	if err != nil {
		return nil, huma.Error422UnprocessableEntity(err.Error())
	}
	return &JobOutput{Body: job}, nil
}

// List returns job snapshots, newest first.
func (h *JobsHandler) List(ctx context.Context, input *ListJobsInput) (*ListJobsOutput, error) {
	filter := jobs.ListFilter{Since: input.Since}
	if input.State != "" {
		for _, s := range strings.Split(input.State, ",") {
			if s = strings.TrimSpace(s); s != "" {
				filter.States = append(filter.States, jobs.State(s))
			}
		}
	}
	list := h.engine.Registry().List(filter)
	return &ListJobsOutput{Body: ListJobsBody{Jobs: list}}, nil
}

// Get returns one job snapshot.
func (h *JobsHandler) Get(ctx context.Context, input *JobIDInput) (*JobOutput, error) {
	job, ok := h.engine.Registry().Get(input.ID)
	if !ok {
		return nil, huma.Error404NotFound("job not found")
	}
	return &JobOutput{Body: job}, nil
}

// Cancel requests cancellation of one job.
func (h *JobsHandler) Cancel(ctx context.Context, input *JobIDInput) (*JobOutput, error) {
	if _, ok := h.engine.Registry().Get(input.ID); !ok {
		return nil, huma.Error404NotFound("job not found")
	}
	h.engine.Cancel(input.ID)
	job, _ := h.engine.Registry().Get(input.ID)
	return &JobOutput{Body: job}, nil
}

// Resume requeues a job left in the restored state after a restart.
func (h *JobsHandler) Resume(ctx context.Context, input *JobIDInput) (*JobOutput, error) {
	job, err := h.engine.Resume(input.ID)
	if err != nil {
		if errors.Is(err, generate.ErrNotFound) {
			return nil, huma.Error404NotFound(err.Error())
		}
		return nil, huma.Error409Conflict(err.Error())
	}
	return &JobOutput{Body: job}, nil
}

// CancelAll cancels every active job.
func (h *JobsHandler) CancelAll(ctx context.Context, input *struct{}) (*CountOutput, error) {
	return &CountOutput{Body: CountBody{Count: h.engine.CancelAll()}}, nil
}

// CancelQueued cancels jobs that have not started yet.
func (h *JobsHandler) CancelQueued(ctx context.Context, input *struct{}) (*CountOutput, error) {
	return &CountOutput{Body: CountBody{Count: h.engine.CancelQueued()}}, nil
}

// Purge removes terminal jobs from the registry and the job store.
func (h *JobsHandler) Purge(ctx context.Context, input *struct{}) (*CountOutput, error) {
	return &CountOutput{Body: CountBody{Count: h.engine.Registry().Purge()}}, nil
}

// SetJobConcurrency resizes the job slot pool.
func (h *JobsHandler) SetJobConcurrency(ctx context.Context, input *SetConcurrencyInput) (*ValueOutput, error) {
	applied := h.engine.SetJobConcurrency(input.Body.Value)
	return &ValueOutput{Body: ValueBody{Value: applied}}, nil
}

// SetFFmpegConcurrency resizes the global ffmpeg gate.
func (h *JobsHandler) SetFFmpegConcurrency(ctx context.Context, input *SetConcurrencyInput) (*ValueOutput, error) {
	applied := h.engine.SetFFmpegConcurrency(input.Body.Value)
	return &ValueOutput{Body: ValueBody{Value: applied}}, nil
}

// SetPaused pauses or resumes job admission.
func (h *JobsHandler) SetPaused(ctx context.Context, input *SetPausedInput) (*PausedOutput, error) {
	h.engine.SetPaused(input.Body.Paused)
	return &PausedOutput{Body: PausedBody{Paused: h.engine.Paused()}}, nil
}
