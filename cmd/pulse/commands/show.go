package commands

import (
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/tasmidur/agenda-schedular/pulse/schedule"
)

// ShowCmd previews the run times of a cron expression.
var ShowCmd = &cobra.Command{
	Use:   "show <cron>",
	Short: "Preview the next run times of a cron expression",
	Long: `Preview the next run times of a five-field cron expression, evaluated in UTC.

Examples:
  pulse show "*/15 * * * *"
  pulse show "0 9 * * 1-5" -n 10`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		n, _ := cmd.Flags().GetInt("count")
		return previewSchedule(cmd.OutOrStdout(), args[0], time.Now(), n)
	},
}

func init() {
	ShowCmd.Flags().IntP("count", "n", 5, "Number of run times to show")
}

func previewSchedule(w io.Writer, expr string, now time.Time, n int) error {
	times, err := schedule.Preview(schedule.Recurring(expr), now, n)
	if err != nil {
		return err
	}
	for _, t := range times {
		fmt.Fprintf(w, "%s  (in %s)\n", t.Format(time.RFC3339), t.Sub(now).Round(time.Second))
	}
	return nil
}
