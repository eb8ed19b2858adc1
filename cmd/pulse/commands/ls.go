package commands

import (
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/tasmidur/agenda-schedular/errors"
	"github.com/tasmidur/agenda-schedular/pulse/store"
)

// LsCmd lists occurrences in the store.
var LsCmd = &cobra.Command{
	Use:   "ls",
	Short: "List occurrences",
	Long: `List occurrences in the store, soonest first.

Consumed occurrences are kept as history and shown unless --pending is set.

Examples:
  pulse ls                     # Everything
  pulse ls --pending           # Only occurrences still to run
  pulse ls --job digest -n 5   # Last few of one job`,
	RunE: runLs,
}

func init() {
	LsCmd.Flags().String("job", "", "Only this job")
	LsCmd.Flags().Bool("pending", false, "Only occurrences that still have a run ahead")
	LsCmd.Flags().IntP("limit", "n", 50, "Maximum rows (0 for all)")
}

func runLs(cmd *cobra.Command, args []string) error {
	job, _ := cmd.Flags().GetString("job")
	pendingOnly, _ := cmd.Flags().GetBool("pending")
	limit, _ := cmd.Flags().GetInt("limit")

	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	ctx := cmd.Context()
	st, closeStore, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeStore()

	occs, err := st.List(ctx, store.ListFilter{JobName: job, PendingOnly: pendingOnly, Limit: limit})
	if err != nil {
		return errors.Wrap(err, "failed to list occurrences")
	}
	return renderOccurrences(cmd.OutOrStdout(), occs, time.Now())
}

func renderOccurrences(w io.Writer, occs []*store.Occurrence, now time.Time) error {
	if len(occs) == 0 {
		fmt.Fprintln(w, "No occurrences")
		return nil
	}

	data := pterm.TableData{{"ID", "JOB", "SCHEDULE", "NEXT RUN", "STATE", "LAST", "FAILS"}}
	for _, occ := range occs {
		data = append(data, []string{
			occ.ID,
			occ.JobName,
			occ.Schedule.String(),
			formatTime(occ.NextRunAt),
			occurrenceState(occ, now),
			string(occ.LastResult),
			strconv.Itoa(occ.FailCount),
		})
	}

	out, err := pterm.DefaultTable.WithHasHeader().WithData(data).Srender()
	if err != nil {
		return errors.Wrap(err, "failed to render table")
	}
	fmt.Fprintln(w, out)
	return nil
}

func occurrenceState(occ *store.Occurrence, now time.Time) string {
	switch {
	case occ.LockedAt != nil:
		return "running (" + occ.LockOwner + ")"
	case !occ.Pending():
		return "done"
	case !occ.NextRunAt.After(now):
		return "due"
	default:
		return "scheduled"
	}
}

func formatTime(t *time.Time) string {
	if t == nil {
		return "-"
	}
	return t.Local().Format("2006-01-02 15:04:05")
}
