// Package metrics exposes Prometheus collectors for the job engine and the
// ffmpeg gate.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// JobsRunning tracks jobs currently in the running state.
	JobsRunning = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "sidecarr",
		Subsystem: "jobs",
		Name:      "running",
		Help:      "Number of jobs currently running.",
	})

	// JobsQueued tracks jobs currently queued.
	JobsQueued = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "sidecarr",
		Subsystem: "jobs",
		Name:      "queued",
		Help:      "Number of jobs currently queued.",
	})

	// JobsFinished counts terminal transitions by outcome.
	JobsFinished = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "sidecarr",
		Subsystem: "jobs",
		Name:      "finished_total",
		Help:      "Jobs finished, by terminal state.",
	}, []string{"state", "type"})

	// FFmpegInFlight tracks subprocesses currently holding an ffmpeg slot.
	FFmpegInFlight = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "sidecarr",
		Subsystem: "ffmpeg",
		Name:      "in_flight",
		Help:      "ffmpeg processes currently holding a gate slot.",
	})

	// FFmpegRuns counts ffmpeg/ffprobe invocations by outcome.
	FFmpegRuns = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "sidecarr",
		Subsystem: "ffmpeg",
		Name:      "runs_total",
		Help:      "External command invocations, by outcome.",
	}, []string{"binary", "outcome"})

	// ArtifactsWritten counts artifacts persisted, by kind.
	ArtifactsWritten = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "sidecarr",
		Subsystem: "artifacts",
		Name:      "written_total",
		Help:      "Artifacts written to disk, by kind.",
	}, []string{"kind"})

	// EventsDropped counts events dropped on slow subscriber queues.
	EventsDropped = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "sidecarr",
		Subsystem: "events",
		Name:      "dropped_total",
		Help:      "Events dropped because a subscriber queue was full.",
	})
)
