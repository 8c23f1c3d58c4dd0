// Package configcmder provides the config command for managing persistent
// minesafe configuration stored in the .minesafe/ directory.
package configcmder

import (
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/papercomputeco/minesafe/pkg/cliui"
	"github.com/papercomputeco/minesafe/pkg/config"
)

const configLongDesc string = `Manage persistent minesafe configuration.

Configuration is stored as config.toml in the .minesafe/ directory and
provides default values for command flags. CLI flags and MINESAFE_*
environment variables take precedence over config file values.

Keys use dotted notation matching the TOML section structure:
  upstream.base_url, upstream.api_key, upstream.model,
  upstream.system_prompt, upstream.temperature, upstream.top_p,
  upstream.max_tokens, stream.total_timeout, stream.idle_timeout,
  storage.driver, storage.sqlite_path, storage.postgres_dsn,
  api.listen, client.api_target,
  eventstream.kafka_brokers, eventstream.kafka_topic

Use subcommands to get, set, or list configuration values:
  minesafe config set <key> <value>    Set a configuration value
  minesafe config get <key>            Get a configuration value
  minesafe config list                 List all configuration values

Examples:
  minesafe config set upstream.model Qwen/Qwen2.5-7B-Instruct
  minesafe config set stream.idle_timeout 20s
  minesafe config get storage.driver
  minesafe config list`

const configShortDesc string = "Manage persistent minesafe configuration"

func NewConfigCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: configShortDesc,
		Long:  configLongDesc,
	}

	cmd.AddCommand(newSetCmd())
	cmd.AddCommand(newGetCmd())
	cmd.AddCommand(newListCmd())

	return cmd
}

func completeKeys(_ *cobra.Command, args []string, _ string) ([]string, cobra.ShellCompDirective) {
	if len(args) == 0 {
		return config.ValidConfigKeys(), cobra.ShellCompDirectiveNoFileComp
	}
	return nil, cobra.ShellCompDirectiveNoFileComp
}

func checkKey(key string) error {
	if !config.IsValidConfigKey(key) {
		return fmt.Errorf("unknown config key: %q\n\nValid keys: %s",
			key, strings.Join(config.ValidConfigKeys(), ", "))
	}
	return nil
}

func printTarget(out io.Writer, cfger *config.Configer) {
	if target := cfger.GetTarget(); target != "" {
		fmt.Fprintf(out, "\n  %s %s\n\n",
			cliui.KeyStyle.Render("Config file:"),
			cliui.DimStyle.Render(target),
		)
		return
	}
	fmt.Fprintf(out, "\n  %s\n\n", cliui.DimStyle.Render("No config file found. Using defaults."))
}

// display masks credentials.
func display(key, value string) string {
	if value == "" || !config.IsSecretKey(key) {
		return value
	}
	if len(value) <= 4 {
		return "****"
	}
	return "****" + value[len(value)-4:]
}
