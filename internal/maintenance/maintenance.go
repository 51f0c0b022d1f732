// Package maintenance runs the recurring background chores: scheduled
// integrity scans and the orphaned-job reaper.
package maintenance

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/sidecarr/sidecarr/internal/config"
	"github.com/sidecarr/sidecarr/internal/jobs"
)

// defaultReaperEvery is the reaper cadence when none is configured.
const defaultReaperEvery = time.Minute

// Engine is the slice of the job engine maintenance drives.
type Engine interface {
	Submit(req *jobs.Request) (jobs.Job, error)
	ReapOrphans() []string
}

// Runner owns the cron schedule and the reaper ticker.
type Runner struct {
	mu sync.Mutex

	cfg    config.MaintenanceConfig
	engine Engine
	log    *slog.Logger

	cron   *cron.Cron
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New builds a runner. It does nothing until Start.
func New(cfg config.MaintenanceConfig, engine Engine, log *slog.Logger) *Runner {
	if log == nil {
		log = slog.Default()
	}
	return &Runner{cfg: cfg, engine: engine, log: log}
}

// Start launches the schedule. The integrity scan runs on the configured
// cron expression; the reaper runs on a plain ticker.
func (r *Runner) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.cancel != nil {
		return fmt.Errorf("maintenance already started")
	}
	if !r.cfg.Enabled {
		r.log.Debug("maintenance disabled")
		return nil
	}

	ctx, r.cancel = context.WithCancel(ctx)

	if r.cfg.IntegrityCron != "" {
		c := cron.New()
		if _, err := c.AddFunc(r.cfg.IntegrityCron, r.runIntegrityScan); err != nil {
			r.cancel = nil
			return fmt.Errorf("parsing integrity cron %q: %w", r.cfg.IntegrityCron, err)
		}
		c.Start()
		r.cron = c
	}

	every := r.cfg.ReaperEvery
	if every <= 0 {
		every = defaultReaperEvery
	}
	r.wg.Add(1)
	go r.reaperLoop(ctx, every)

	r.log.Info("maintenance started",
		slog.String("integrity_cron", r.cfg.IntegrityCron),
		slog.Duration("reaper_every", every))
	return nil
}

// Stop halts the schedule and waits for in-flight chores.
func (r *Runner) Stop() {
	r.mu.Lock()
	if r.cancel != nil {
		r.cancel()
		r.cancel = nil
	}
	c := r.cron
	r.cron = nil
	r.mu.Unlock()

	if c != nil {
		<-c.Stop().Done()
	}
	r.wg.Wait()
}

// runIntegrityScan submits a scan over the whole library.
func (r *Runner) runIntegrityScan() {
	job, err := r.engine.Submit(&jobs.Request{
		Task:      "integrity-scan",
		Recursive: true,
		Label:     "maintenance",
	})
	if err != nil {
		r.log.Warn("submitting scheduled integrity scan", slog.Any("error", err))
		return
	}
	r.log.Info("scheduled integrity scan submitted", slog.String("job", job.ID))
}

// reaperLoop periodically fails orphaned running jobs.
func (r *Runner) reaperLoop(ctx context.Context, every time.Duration) {
	defer r.wg.Done()
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if reaped := r.engine.ReapOrphans(); len(reaped) > 0 {
				r.log.Warn("reaped orphaned jobs", slog.Int("count", len(reaped)))
			}
		}
	}
}
