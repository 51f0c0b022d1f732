package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/sidecarr/sidecarr/internal/config"
	"github.com/sidecarr/sidecarr/internal/events"
	"github.com/sidecarr/sidecarr/internal/ffmpeg"
	"github.com/sidecarr/sidecarr/internal/generate"
	internalhttp "github.com/sidecarr/sidecarr/internal/http"
	"github.com/sidecarr/sidecarr/internal/index"
	"github.com/sidecarr/sidecarr/internal/jobs"
	"github.com/sidecarr/sidecarr/internal/locks"
	"github.com/sidecarr/sidecarr/internal/maintenance"
	"github.com/sidecarr/sidecarr/internal/media"
	"github.com/sidecarr/sidecarr/internal/version"
	"github.com/sidecarr/sidecarr/internal/watch"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the sidecarr server",
	Long: `Start the sidecarr HTTP server and job engine.

The server provides:
- REST API for job submission, artifacts, markers and similarity lookups
- Live job progress over SSE at /api/v1/events
- Media serving with byte-range support at /media/
- Prometheus metrics at /metrics and OpenAPI docs at /docs`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().String("host", "0.0.0.0", "Host to bind to")
	serveCmd.Flags().Int("port", 8080, "Port to listen on")
	serveCmd.Flags().String("root", "", "Media library root directory")
	serveCmd.Flags().Bool("watch", false, "Watch the library and probe new files")

	mustBindPFlag("server.host", serveCmd.Flags().Lookup("host"))
	mustBindPFlag("server.port", serveCmd.Flags().Lookup("port"))
	mustBindPFlag("watch.enabled", serveCmd.Flags().Lookup("watch"))
}

func runServe(cmd *cobra.Command, args []string) error {
	if cmd.Flags().Changed("root") {
		root, _ := cmd.Flags().GetString("root")
		viper.Set("library.root", root)
	}

	cfg, err := config.Load(viper.GetViper())
	if err != nil {
		return err
	}
	logger := slog.Default()

	core, err := buildCore(cfg, logger)
	if err != nil {
		return err
	}
	defer core.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigChan
		logger.Info("received shutdown signal", slog.String("signal", sig.String()))
		cancel()
	}()

	if err := core.Engine.Restore(ctx); err != nil {
		logger.Warn("restoring persisted jobs", slog.Any("error", err))
	}

	if cfg.Watch.Enabled {
		watcher := watch.New(core.Layout, core.Engine, cfg.Watch.Debounce, logger)
		go func() {
			if err := watcher.Run(ctx); err != nil && ctx.Err() == nil {
				logger.Error("library watcher stopped", slog.Any("error", err))
			}
		}()
	}

	maint := maintenance.New(cfg.Maintenance, core.Engine, logger)
	if err := maint.Start(ctx); err != nil {
		return err
	}
	defer maint.Stop()

	server := internalhttp.NewServer(internalhttp.Deps{
		Config:   cfg,
		Engine:   core.Engine,
		Bus:      core.Bus,
		Layout:   core.Layout,
		Generate: core.Generate,
		Index:    core.Index,
		Version:  version.Version,
		Logger:   logger,
	})

	logger.Info("starting sidecarr server",
		slog.String("root", cfg.Library.Root),
		slog.String("host", cfg.Server.Host),
		slog.Int("port", cfg.Server.Port),
		slog.String("version", version.Version),
	)

	err = server.ListenAndServe(ctx)
	core.Engine.Wait()
	return err
}

// core bundles the wired job subsystem shared by serve and generate.
type core struct {
	Layout   *media.Layout
	Bus      *events.Bus
	Engine   *jobs.Engine
	Generate *generate.Service
	Index    *index.Store
}

// Close releases resources owned by the core.
func (c *core) Close() {
	if c.Index != nil {
		if err := c.Index.Close(); err != nil {
			slog.Warn("closing embeddings index", slog.Any("error", err))
		}
	}
}

// buildCore wires layout, locks, runner, generators, registry, scheduler,
// persistence and the embeddings index into a job engine.
func buildCore(cfg *config.Config, logger *slog.Logger) (*core, error) {
	layout, err := media.NewLayout(cfg.Library.Root, cfg.Library.Exts, cfg.Preview.Format)
	if err != nil {
		return nil, fmt.Errorf("initializing library layout: %w", err)
	}

	bus := events.NewBus(events.DefaultQueueSize, logger)

	var store *jobs.Store
	if !cfg.Jobs.PersistDisable {
		store, err = jobs.NewStore(cfg.StateDir(), logger)
		if err != nil {
			return nil, fmt.Errorf("initializing job store: %w", err)
		}
	}
	reg := jobs.NewRegistry(bus, store, logger)

	runner := ffmpeg.NewRunner(cfg.FFmpeg.Concurrency,
		ffmpeg.WithTimeout(cfg.FFmpeg.Timelimit),
		ffmpeg.WithGrace(cfg.FFmpeg.KillGrace),
		ffmpeg.WithTracker(reg),
		ffmpeg.WithLogger(logger),
	)

	locker := locks.NewManager(layout, logger)
	gen := generate.New(cfg, layout, runner, locker, logger)
	sched := jobs.NewScheduler(cfg.Jobs.MaxConcurrency, cfg.Jobs.StrictFIFOStart, bus)

	// The index is optional: similarity search degrades to 503, embed jobs
	// to a failed dependency.
	idx, err := index.Open(cfg.Database, logger)
	if err != nil {
		logger.Warn("embeddings index unavailable", slog.Any("error", err))
		idx = nil
	}

	engine := jobs.NewEngine(cfg, layout, gen, reg, sched, store, bus, runner, idx, logger)

	return &core{
		Layout:   layout,
		Bus:      bus,
		Engine:   engine,
		Generate: gen,
		Index:    idx,
	}, nil
}
