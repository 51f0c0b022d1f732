package handlers

import (
	"context"
	"runtime"
	"time"

	"github.com/danielgtaylor/huma/v2"
	"github.com/shirou/gopsutil/v4/load"
	"github.com/shirou/gopsutil/v4/mem"

	"github.com/sidecarr/sidecarr/internal/config"
	"github.com/sidecarr/sidecarr/internal/jobs"
)

// SystemHandler exposes liveness and runtime status.
type SystemHandler struct {
	version string
	start   time.Time
	engine  *jobs.Engine
	cfg     *config.Config
}

// NewSystemHandler creates a system handler.
func NewSystemHandler(version string, engine *jobs.Engine, cfg *config.Config) *SystemHandler {
	return &SystemHandler{
		version: version,
		start:   time.Now(),
		engine:  engine,
		cfg:     cfg,
	}
}

// HealthBody is the liveness payload.
type HealthBody struct {
	Status        string  `json:"status"`
	Version       string  `json:"version"`
	UptimeSeconds float64 `json:"uptime_seconds"`
}

// HealthOutput is the liveness response.
type HealthOutput struct {
	Body HealthBody
}

// StatusBody is the detailed runtime status payload.
type StatusBody struct {
	Version           string `json:"version"`
	LibraryRoot       string `json:"library_root"`
	JobsRunning       int    `json:"jobs_running"`
	JobsQueued        int    `json:"jobs_queued"`
	JobConcurrency    int    `json:"job_concurrency"`
	FFmpegConcurrency int    `json:"ffmpeg_concurrency"`
	Paused            bool   `json:"paused"`
	Goroutines        int    `json:"goroutines"`

	MemoryUsedPercent float64  `json:"memory_used_percent,omitempty"`
	Load1             *float64 `json:"load1,omitempty"`
	Load5             *float64 `json:"load5,omitempty"`
	Load15            *float64 `json:"load15,omitempty"`
}

// StatusOutput is the runtime status response.
type StatusOutput struct {
	Body StatusBody
}

// Register registers the system routes.
func (h *SystemHandler) Register(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "getHealth",
		Method:      "GET",
		Path:        "/healthz",
		Summary:     "Liveness check",
		Tags:        []string{"System"},
	}, h.Health)

	huma.Register(api, huma.Operation{
		OperationID: "getSystemStatus",
		Method:      "GET",
		Path:        "/api/v1/system/status",
		Summary:     "Runtime status",
		Description: "Returns engine counters and host resource usage",
		Tags:        []string{"System"},
	}, h.Status)
}

// Health reports liveness.
func (h *SystemHandler) Health(ctx context.Context, input *struct{}) (*HealthOutput, error) {
	return &HealthOutput{Body: HealthBody{
		Status:        "ok",
		Version:       h.version,
		UptimeSeconds: time.Since(h.start).Seconds(),
	}}, nil
}

// Status reports engine counters and host load. Host metrics are best
// effort; an unsupported platform just leaves them empty.
func (h *SystemHandler) Status(ctx context.Context, input *struct{}) (*StatusOutput, error) {
	reg := h.engine.Registry()
	body := StatusBody{
		Version:           h.version,
		LibraryRoot:       h.cfg.Library.Root,
		JobsRunning:       len(reg.RunningIDs()),
		JobsQueued:        len(reg.QueuedIDs()),
		JobConcurrency:    h.engine.Scheduler().MaxRunning(),
		FFmpegConcurrency: h.engine.FFmpegConcurrency(),
		Paused:            h.engine.Paused(),
		Goroutines:        runtime.NumGoroutine(),
	}

	if vm, err := mem.VirtualMemoryWithContext(ctx); err == nil {
		body.MemoryUsedPercent = vm.UsedPercent
	}
	if avg, err := load.AvgWithContext(ctx); err == nil {
		body.Load1 = &avg.Load1
		body.Load5 = &avg.Load5
		body.Load15 = &avg.Load15
	}

	return &StatusOutput{Body: body}, nil
}
