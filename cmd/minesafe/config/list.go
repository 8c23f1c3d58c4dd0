package configcmder

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/papercomputeco/minesafe/pkg/cliui"
	"github.com/papercomputeco/minesafe/pkg/config"
)

const listLongDesc string = `List all configuration values.

Displays all configuration keys and their current values from the
config.toml file stored in the .minesafe/ directory. Credentials are
masked.

Examples:
  minesafe config list`

const listShortDesc string = "List all configuration values"

func newListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: listShortDesc,
		Long:  listLongDesc,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			configDir, _ := cmd.Flags().GetString("config-dir")
			return runList(cmd.OutOrStdout(), configDir)
		},
	}

	return cmd
}

func runList(out io.Writer, configDir string) error {
	cfger, err := config.NewConfiger(configDir)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	printTarget(out, cfger)

	keys := config.ValidConfigKeys()

	maxLen := 0
	for _, k := range keys {
		maxLen = max(maxLen, len(k))
	}

	for _, key := range keys {
		value, err := cfger.GetConfigValue(key)
		if err != nil {
			return err
		}

		name := cliui.KeyStyle.Render(fmt.Sprintf("%-*s", maxLen, key))
		if value == "" {
			fmt.Fprintf(out, "  %s  %s\n", name, cliui.DimStyle.Render("<not set>"))
		} else {
			fmt.Fprintf(out, "  %s  %s\n", name, cliui.ValueStyle.Render(display(key, value)))
		}
	}
	fmt.Fprintln(out)

	return nil
}
