package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap/zapcore"

	"github.com/tasmidur/agenda-schedular/cmd/pulse/commands"
	"github.com/tasmidur/agenda-schedular/config"
	"github.com/tasmidur/agenda-schedular/logger"
)

var rootCmd = &cobra.Command{
	Use:   "pulse",
	Short: "Pulse - durable job scheduler",
	Long: `Pulse - durable job scheduler.

Jobs are declared in pulse.toml and their occurrences kept in a SQL or redis
store, so schedules survive restarts and several workers can share them.

Available commands:
  serve   - Run the scheduler
  trigger - Enqueue a run of a declared job
  ls      - List occurrences
  show    - Preview a cron expression
  db      - Migrate or purge the store
  config  - Inspect configuration

Examples:
  pulse serve                   # Run every job in pulse.toml
  pulse trigger cleanup         # Ask for a run now
  pulse ls --pending            # What runs next
  pulse show "0 9 * * 1-5"      # When does this fire`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		verbosity, _ := cmd.Flags().GetCount("verbose")

		jsonOutput := false
		level := zapcore.InfoLevel
		path, _ := cmd.Flags().GetString("config")
		if cfg, err := config.Resolve(path); err == nil {
			jsonOutput = cfg.Log.JSON
			level = logger.ParseLevel(cfg.Log.Level)
		}
		if verbosity > 0 {
			level = logger.VerbosityToLevel(verbosity)
		}

		if err := logger.Initialize(jsonOutput, level); err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().String("config", "", "Config file (default: nearest pulse.toml)")
	rootCmd.PersistentFlags().CountP("verbose", "v", "Increase output verbosity (repeat for more detail: -v, -vv)")

	rootCmd.AddCommand(commands.ServeCmd)
	rootCmd.AddCommand(commands.TriggerCmd)
	rootCmd.AddCommand(commands.LsCmd)
	rootCmd.AddCommand(commands.ShowCmd)
	rootCmd.AddCommand(commands.DbCmd)
	rootCmd.AddCommand(commands.ConfigCmd)
	rootCmd.AddCommand(commands.VersionCmd)
}

func main() {
	err := rootCmd.Execute()
	logger.Cleanup()
	if err != nil {
		os.Exit(1)
	}
}
