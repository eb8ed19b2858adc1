package commands

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/tasmidur/agenda-schedular/errors"
	"github.com/tasmidur/agenda-schedular/logger"
	"github.com/tasmidur/agenda-schedular/pulse/trigger"
)

// TriggerCmd enqueues a run of a declared job.
var TriggerCmd = &cobra.Command{
	Use:   "trigger <job>",
	Short: "Enqueue a run of a declared job",
	Long: `Enqueue a run of a job declared in the configuration.

The run is written to the store and picked up by whichever pulse serve
process claims it first. Nothing is executed by this command.

Examples:
  pulse trigger cleanup                                   # Run as soon as possible
  pulse trigger report --payload '{"day":"monday"}'       # With payload
  pulse trigger report --at 2025-01-06T09:00:00Z          # Run once, later`,
	Args: cobra.ExactArgs(1),
	RunE: runTrigger,
}

func init() {
	TriggerCmd.Flags().String("payload", "", "Payload handed to the handler")
	TriggerCmd.Flags().String("at", "", "Run once at this RFC3339 time instead of now")
}

func runTrigger(cmd *cobra.Command, args []string) error {
	name := args[0]
	payload, _ := cmd.Flags().GetString("payload")
	atFlag, _ := cmd.Flags().GetString("at")

	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	reg, err := buildRegistry(cfg)
	if err != nil {
		return err
	}
	if !reg.Has(name) {
		return errors.WithHint(
			errors.NewNotFoundError("job %q is not declared", name),
			"add a [[jobs]] entry with this name to the configuration")
	}

	ctx := cmd.Context()
	st, closeStore, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeStore()

	gw := trigger.New(reg, st, time.Now, logger.Logger.Named("trigger"))

	var id string
	if atFlag == "" {
		id, err = gw.EnqueueNow(ctx, name, []byte(payload))
	} else {
		at, perr := time.Parse(time.RFC3339, atFlag)
		if perr != nil {
			return errors.NewInvalidScheduleError("--at %q is not RFC3339", atFlag)
		}
		id, err = gw.EnqueueAt(ctx, name, []byte(payload), at)
	}
	if err != nil {
		return err
	}

	fmt.Fprintln(cmd.OutOrStdout(), id)
	return nil
}
