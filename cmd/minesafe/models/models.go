// Package modelscmder provides the models command.
package modelscmder

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/papercomputeco/minesafe/cmd/minesafe/setup"
	"github.com/papercomputeco/minesafe/pkg/cliui"
	"github.com/papercomputeco/minesafe/pkg/config"
	"github.com/papercomputeco/minesafe/pkg/stream"
)

var modelsFlags = []string{
	config.FlagUpstream,
	config.FlagAPIKey,
	config.FlagModel,
}

const modelsLongDesc string = `List the chat models the upstream provider offers.

The configured model is marked. Without an API key, or when the provider
cannot be reached, a built-in list is shown instead.

Examples:
  minesafe models
  minesafe models --upstream http://localhost:11434/v1`

const modelsShortDesc string = "List available chat models"

func NewModelsCmd() *cobra.Command {
	var upstream, apiKey, model string

	cmd := &cobra.Command{
		Use:   "models",
		Short: modelsShortDesc,
		Long:  modelsLongDesc,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := setup.ResolveConfig(cmd, modelsFlags...)
			if err != nil {
				return err
			}

			log := setup.CLILogger(setup.Debug(cmd))
			client := setup.Upstream(cfg, stream.NewIngestor(), nil, log)

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "\n  %s %s\n\n",
				cliui.KeyStyle.Render("Upstream:"),
				cliui.DimStyle.Render(cfg.Upstream.BaseURL),
			)
			for _, m := range client.Models(cmd.Context()) {
				marker := " "
				if m == client.Model() {
					marker = cliui.SuccessMark
				}
				fmt.Fprintf(out, "  %s %s\n", marker, cliui.NameStyle.Render(m))
			}
			fmt.Fprintln(out)
			return nil
		},
	}

	config.AddStringFlag(cmd, config.Flags, config.FlagUpstream, &upstream)
	config.AddStringFlag(cmd, config.Flags, config.FlagAPIKey, &apiKey)
	config.AddStringFlag(cmd, config.Flags, config.FlagModel, &model)

	return cmd
}
