package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/sidecarr/sidecarr/internal/config"
	"github.com/sidecarr/sidecarr/internal/events"
	"github.com/sidecarr/sidecarr/internal/jobs"
)

// pollInterval is how often the one-shot command re-reads the job snapshot.
const pollInterval = 200 * time.Millisecond

var generateCmd = &cobra.Command{
	Use:   "generate <task> [target...]",
	Short: "Run one generation task and exit",
	Long: `Run a single artifact generation task against the library without
starting the server. Targets are root-relative video paths; with none, the
task runs over the whole library (or --dir).

Examples:
  sidecarr generate metadata movies/clip.mp4
  sidecarr generate preview --force movies/clip.mp4
  sidecarr generate thumbnail --dir movies --recursive`,
	Args: cobra.MinimumNArgs(1),
	RunE: runGenerate,
}

func init() {
	rootCmd.AddCommand(generateCmd)

	generateCmd.Flags().String("root", "", "Media library root directory")
	generateCmd.Flags().String("dir", "", "Root-relative directory to scan when no targets are given")
	generateCmd.Flags().Bool("recursive", false, "Descend into subdirectories")
	generateCmd.Flags().Bool("force", false, "Regenerate even when the artifact exists")
	generateCmd.Flags().String("params", "", "Extra task parameters as a JSON object")
}

func runGenerate(cmd *cobra.Command, args []string) error {
	if cmd.Flags().Changed("root") {
		root, _ := cmd.Flags().GetString("root")
		viper.Set("library.root", root)
	}
	// One-shot runs never restore or persist job records.
	viper.Set("jobs.persist_disable", true)

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

	req := &jobs.Request{Task: args[0], Label: "cli"}
	req.Recursive, _ = cmd.Flags().GetBool("recursive")
	req.Force, _ = cmd.Flags().GetBool("force")
	req.Directory, _ = cmd.Flags().GetString("dir")

	req.Params = map[string]any{}
	if raw, _ := cmd.Flags().GetString("params"); raw != "" {
		if err := json.Unmarshal([]byte(raw), &req.Params); err != nil {
			return fmt.Errorf("parsing --params: %w", err)
		}
	}
	if len(args) > 1 {
		req.Params["targets"] = args[1:]
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigChan
		logger.Warn("canceling on signal")
		core.Engine.CancelAll()
		cancel()
	}()

	job, err := core.Engine.Submit(req)
	if err != nil {
		return err
	}

	final, err := awaitJob(ctx, core, job.ID)
	if err != nil {
		return err
	}

	out, _ := json.MarshalIndent(&final, "", "  ")
	fmt.Println(string(out))
	if final.State != jobs.StateDone {
		return fmt.Errorf("job %s %s: %s", final.ID, final.State, final.Error)
	}
	return nil
}

// awaitJob blocks until the job reaches a terminal state, echoing progress
// events to the log.
func awaitJob(ctx context.Context, core *core, id string) (jobs.Job, error) {
	engine := core.Engine
	sub := core.Bus.Subscribe()
	defer core.Bus.Unsubscribe(sub)

	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			engine.Wait()
			job, _ := engine.Registry().Get(id)
			return job, nil
		case ev := <-sub.C():
			if ev.Name == events.EventProgress && ev.ID == id && ev.Progress != nil {
				slog.Info("progress", slog.Int("percent", int(*ev.Progress)))
			}
		case <-ticker.C:
			job, ok := engine.Registry().Get(id)
			if !ok {
				return jobs.Job{}, fmt.Errorf("job %s disappeared", id)
			}
			if job.State.Terminal() {
				engine.Wait()
				return job, nil
			}
		}
	}
}
