package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Configuration management commands",
}

var configDumpCmd = &cobra.Command{
	Use:   "dump",
	Short: "Dump the effective configuration",
	Long: `Dump the effective configuration in YAML format, after defaults,
config file and environment variables have been applied.

Redirect the output to create a configuration template:

  sidecarr config dump > .sidecarr.yaml

Environment variables use the SIDECARR_ prefix with underscores for
nesting (server.port -> SIDECARR_SERVER_PORT). The bare legacy names
(MEDIA_ROOT, FFMPEG_CONCURRENCY, ...) are honored as well.`,
	RunE: runConfigDump,
}

func init() {
	rootCmd.AddCommand(configCmd)
	configCmd.AddCommand(configDumpCmd)
}

func runConfigDump(cmd *cobra.Command, args []string) error {
	out, err := yaml.Marshal(viper.AllSettings())
	if err != nil {
		return fmt.Errorf("encoding configuration: %w", err)
	}
	fmt.Print(string(out))
	return nil
}
