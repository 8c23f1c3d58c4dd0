// Package minesafecmder
package minesafecmder

import (
	"os"

	"github.com/spf13/cobra"

	askcmder "github.com/papercomputeco/minesafe/cmd/minesafe/ask"
	chatcmder "github.com/papercomputeco/minesafe/cmd/minesafe/chat"
	configcmder "github.com/papercomputeco/minesafe/cmd/minesafe/config"
	healthcmder "github.com/papercomputeco/minesafe/cmd/minesafe/health"
	initcmder "github.com/papercomputeco/minesafe/cmd/minesafe/init"
	modelscmder "github.com/papercomputeco/minesafe/cmd/minesafe/models"
	servecmder "github.com/papercomputeco/minesafe/cmd/minesafe/serve"
	versioncmder "github.com/papercomputeco/minesafe/cmd/version"
	"github.com/papercomputeco/minesafe/pkg/cliui"
)

const minesafeLongDesc string = `Minesafe is the mine safety knowledge assistant.

Chat with the assistant from the terminal, or run the API server the
safety dashboard streams its chat through:
  minesafe chat        Interactive chat with saved sessions
  minesafe ask         One-shot question
  minesafe serve       Run the API server`

const minesafeShortDesc string = "Minesafe - Mine Safety Assistant"

func NewMinesafeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "minesafe",
		Short:         minesafeShortDesc,
		Long:          minesafeLongDesc,
		SilenceUsage:  true,
		SilenceErrors: false,
		PersistentPreRun: func(cmd *cobra.Command, _ []string) {
			noColor, _ := cmd.Flags().GetBool("no-color")
			if noColor || os.Getenv("NO_COLOR") != "" {
				cliui.DisableColor()
			}
		},
	}

	// Global flags
	cmd.PersistentFlags().BoolP("debug", "d", false, "Enable debug logging")
	cmd.PersistentFlags().String("config-dir", "", "Override the .minesafe directory")
	cmd.PersistentFlags().Bool("no-color", false, "Disable colored output")

	// Add subcommands
	cmd.AddCommand(chatcmder.NewChatCmd())
	cmd.AddCommand(askcmder.NewAskCmd())
	cmd.AddCommand(servecmder.NewServeCmd())
	cmd.AddCommand(modelscmder.NewModelsCmd())
	cmd.AddCommand(healthcmder.NewHealthCmd())
	cmd.AddCommand(initcmder.NewInitCmd())
	cmd.AddCommand(configcmder.NewConfigCmd())
	cmd.AddCommand(versioncmder.NewVersionCmd())

	return cmd
}
