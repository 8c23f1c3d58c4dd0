// Package healthcmder provides the health command.
package healthcmder

import (
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/papercomputeco/minesafe/api"
	"github.com/papercomputeco/minesafe/api/client"
	"github.com/papercomputeco/minesafe/cmd/minesafe/setup"
	"github.com/papercomputeco/minesafe/pkg/cliui"
	"github.com/papercomputeco/minesafe/pkg/config"
	"github.com/papercomputeco/minesafe/pkg/stream"
)

var healthFlags = []string{
	config.FlagUpstream,
	config.FlagAPIKey,
	config.FlagModel,
	config.FlagAPITarget,
}

const healthLongDesc string = `Check that the upstream model answers.

By default the configured provider is called directly. With --remote the
check runs on a minesafe API server, which reports its own upstream.

Examples:
  minesafe health
  minesafe health --remote --api-target http://localhost:8080`

const healthShortDesc string = "Check the upstream model connection"

func NewHealthCmd() *cobra.Command {
	var (
		upstream, apiKey, model, apiTarget string
		remote                             bool
	)

	cmd := &cobra.Command{
		Use:   "health",
		Short: healthShortDesc,
		Long:  healthLongDesc,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := setup.ResolveConfig(cmd, healthFlags...)
			if err != nil {
				return err
			}

			log := setup.CLILogger(setup.Debug(cmd))
			out := cmd.OutOrStdout()
			fmt.Fprintln(out)

			if remote {
				target := setup.APITarget(cmd, cfg)
				apiClient := client.New(client.Config{Target: target, Logger: log})
				var health *api.ChatHealthResponse
				err = cliui.Step(out, "Checking "+target, func() error {
					var err error
					health, err = apiClient.Health(cmd.Context())
					if err != nil {
						return err
					}
					if !health.Available {
						return fmt.Errorf("%s unavailable: %s", health.Model, health.Error)
					}
					return nil
				})
				if err != nil {
					return err
				}
				fmt.Fprintf(out, "  %s %s %s\n\n",
					cliui.KeyStyle.Render("Model:"),
					cliui.NameStyle.Render(health.Model),
					cliui.DimStyle.Render(fmt.Sprintf("(%dms upstream)", health.LatencyMs)),
				)
				return nil
			}

			c := setup.Upstream(cfg, stream.NewIngestor(), setup.TerminalGate(out), log)
			return cliui.Step(out, fmt.Sprintf("Checking %s at %s", c.Model(), cfg.Upstream.BaseURL), func() error {
				start := time.Now()
				if err := c.CheckConnection(cmd.Context()); err != nil {
					return errors.Join(errors.New("upstream unavailable"), err)
				}
				log.Debug("upstream answered", "latency", time.Since(start))
				return nil
			})
		},
	}

	config.AddStringFlag(cmd, config.Flags, config.FlagUpstream, &upstream)
	config.AddStringFlag(cmd, config.Flags, config.FlagAPIKey, &apiKey)
	config.AddStringFlag(cmd, config.Flags, config.FlagModel, &model)
	config.AddStringFlag(cmd, config.Flags, config.FlagAPITarget, &apiTarget)
	cmd.Flags().BoolVarP(&remote, "remote", "r", false, "Check through a running API server")

	return cmd
}
