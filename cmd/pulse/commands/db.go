package commands

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/tasmidur/agenda-schedular/errors"
)

// DbCmd groups store maintenance commands.
var DbCmd = &cobra.Command{
	Use:   "db",
	Short: "Manage the occurrence store",
	Long: `Manage the occurrence store.

Examples:
  pulse db migrate                  # Apply pending SQL migrations
  pulse db purge --older-than 720h  # Drop history older than 30 days`,
}

var dbMigrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply pending SQL migrations",
	RunE:  runDbMigrate,
}

var dbPurgeCmd = &cobra.Command{
	Use:   "purge",
	Short: "Delete consumed occurrences",
	Long:  "Delete consumed, unlocked occurrences that finished before the cutoff. Pending and running occurrences are never touched.",
	RunE:  runDbPurge,
}

func init() {
	DbCmd.AddCommand(dbMigrateCmd)
	DbCmd.AddCommand(dbPurgeCmd)
	dbPurgeCmd.Flags().Duration("older-than", 7*24*time.Hour, "Minimum age of history to delete")
}

func runDbMigrate(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if cfg.Pulse.Store == "redis" {
		return errors.NewInvalidRequestError("the redis store has no schema to migrate")
	}

	// openDatabase migrates as part of opening.
	database, dialect, err := openDatabase(cfg)
	if err != nil {
		return err
	}
	defer database.Close()

	fmt.Fprintf(cmd.OutOrStdout(), "%s schema is up to date\n", dialect)
	return nil
}

func runDbPurge(cmd *cobra.Command, args []string) error {
	olderThan, _ := cmd.Flags().GetDuration("older-than")
	if olderThan < 0 {
		return errors.NewInvalidRequestError("--older-than must not be negative")
	}

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

	n, err := st.Purge(ctx, time.Now().Add(-olderThan))
	if err != nil {
		return errors.Wrap(err, "failed to purge occurrences")
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Purged %d occurrences\n", n)
	return nil
}
