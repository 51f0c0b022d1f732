// Package cmd implements the CLI commands for sidecarr.
package cmd

import (
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/sidecarr/sidecarr/internal/config"
	"github.com/sidecarr/sidecarr/internal/observability"
	"github.com/sidecarr/sidecarr/internal/version"
)

// cfgFile holds the config file path from the CLI flag.
var cfgFile string

// rootCmd is the base command.
var rootCmd = &cobra.Command{
	Use:     "sidecarr",
	Short:   "Sidecar artifact server for a media library",
	Version: version.Short(),
	Long: `sidecarr maintains a sidecar collection of derived artifacts for every
video under a library root: probed metadata, thumbnails, rolling previews,
sprite sheets, perceptual hashes, scene timelines, heatmaps, waveforms,
motion samples, subtitles and face detections.

Artifacts are generated by a concurrent job engine with durable job records
and served over a single HTTP surface with live progress streaming.`,
}

// Execute runs the root command.
func Execute() error {
	if err := rootCmd.Execute(); err != nil {
		return fmt.Errorf("executing root command: %w", err)
	}
	return nil
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentPreRunE = func(_ *cobra.Command, _ []string) error {
		return initLogging()
	}

	// These flags are NOT bound to viper; Changed() gates the override so
	// the precedence stays: CLI flag > env var > config file > default.
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.sidecarr.yaml)")
	rootCmd.PersistentFlags().String("log-level", "info", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().String("log-format", "json", "log format (text, json)")
}

// initConfig loads defaults, the config file and the environment.
func initConfig() {
	config.SetDefaults(viper.GetViper())

	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		home, err := os.UserHomeDir()
		cobra.CheckErr(err)
		viper.AddConfigPath(home)
		viper.AddConfigPath(".")
		viper.AddConfigPath("/etc/sidecarr")
		viper.SetConfigType("yaml")
		viper.SetConfigName(".sidecarr")
	}

	config.BindEnv(viper.GetViper())

	if err := viper.ReadInConfig(); err == nil {
		fmt.Fprintln(os.Stderr, "Using config file:", viper.ConfigFileUsed())
	}
}

// initLogging builds the default slog logger from config, honoring explicit
// CLI flag overrides.
func initLogging() error {
	level := viper.GetString("logging.level")
	format := viper.GetString("logging.format")

	if rootCmd.PersistentFlags().Changed("log-level") {
		level, _ = rootCmd.PersistentFlags().GetString("log-level")
	}
	if rootCmd.PersistentFlags().Changed("log-format") {
		format, _ = rootCmd.PersistentFlags().GetString("log-format")
	}

	level = strings.ToLower(level)
	if level == "warning" {
		level = "warn"
	}

	logger := observability.NewLoggerWithWriter(config.LoggingConfig{
		Level:  level,
		Format: strings.ToLower(format),
	}, os.Stderr)
	slog.SetDefault(logger.With(slog.String("app", version.ApplicationName)))
	return nil
}

// mustBindPFlag binds a viper key to a cobra flag and panics if binding
// fails.
func mustBindPFlag(key string, flag *pflag.Flag) {
	if err := viper.BindPFlag(key, flag); err != nil {
		panic(fmt.Sprintf("failed to bind flag %q to key %q: %v", flag.Name, key, err))
	}
}
