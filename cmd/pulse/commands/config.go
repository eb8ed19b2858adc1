package commands

import (
	"fmt"

	"github.com/BurntSushi/toml"
	"github.com/spf13/cobra"

	"github.com/tasmidur/agenda-schedular/errors"
)

// ConfigCmd inspects the effective configuration.
var ConfigCmd = &cobra.Command{
	Use:   "config",
	Short: "Inspect configuration",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the merged configuration as TOML",
	Long: `Print the configuration after merging every source (system file, user file,
project pulse.toml, PULSE_* environment variables). The redis password is masked.`,
	RunE: runConfigShow,
}

func init() {
	ConfigCmd.AddCommand(configShowCmd)
}

func runConfigShow(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	shown := *cfg
	if shown.Redis.Password != "" {
		shown.Redis.Password = "********"
	}

	out := cmd.OutOrStdout()
	if path := configPath(cmd); path != "" {
		fmt.Fprintf(out, "# source: %s\n", path)
	}
	if err := toml.NewEncoder(out).Encode(shown); err != nil {
		return errors.Wrap(err, "failed to encode configuration")
	}
	return nil
}
