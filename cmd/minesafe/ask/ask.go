// Package askcmder provides the one-shot ask command.
package askcmder

import (
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/papercomputeco/minesafe/cmd/minesafe/setup"
	"github.com/papercomputeco/minesafe/pkg/chat"
	"github.com/papercomputeco/minesafe/pkg/cliui"
	"github.com/papercomputeco/minesafe/pkg/config"
)

var askFlags = []string{
	config.FlagUpstream,
	config.FlagAPIKey,
	config.FlagModel,
	config.FlagTotalTimeout,
	config.FlagIdleTimeout,
}

type askCommander struct {
	upstream, apiKey, model   string
	totalTimeout, idleTimeout time.Duration
	raw                       bool

	cfg *config.Config
}

const askLongDesc string = `Ask the mine safety assistant a single question.

The question is taken from the arguments, or from stdin when the only
argument is "-". On a terminal the answer is rendered as markdown once it
is complete; otherwise, or with --raw, it is streamed as it arrives.
Nothing is saved to chat history.

Examples:
  minesafe ask "What is the methane limit at the working face?"
  echo "How often must self-rescuers be inspected?" | minesafe ask -`

const askShortDesc string = "Ask a single question"

func NewAskCmd() *cobra.Command {
	cmder := &askCommander{}

	cmd := &cobra.Command{
		Use:   "ask <question>",
		Short: askShortDesc,
		Long:  askLongDesc,
		Args:  cobra.MinimumNArgs(1),
		PreRunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := setup.ResolveConfig(cmd, askFlags...)
			if err != nil {
				return err
			}
			cmder.cfg = cfg
			return nil
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			question, err := readQuestion(cmd.InOrStdin(), args)
			if err != nil {
				return err
			}
			return cmder.run(cmd, question)
		},
	}

	config.AddStringFlag(cmd, config.Flags, config.FlagUpstream, &cmder.upstream)
	config.AddStringFlag(cmd, config.Flags, config.FlagAPIKey, &cmder.apiKey)
	config.AddStringFlag(cmd, config.Flags, config.FlagModel, &cmder.model)
	config.AddDurationFlag(cmd, config.Flags, config.FlagTotalTimeout, &cmder.totalTimeout)
	config.AddDurationFlag(cmd, config.Flags, config.FlagIdleTimeout, &cmder.idleTimeout)
	cmd.Flags().BoolVar(&cmder.raw, "raw", false, "Stream plain text instead of rendering markdown")

	return cmd
}

func (c *askCommander) run(cmd *cobra.Command, question string) error {
	out := cmd.OutOrStdout()
	log := setup.CLILogger(setup.Debug(cmd))
	upstream := setup.Upstream(c.cfg, setup.Ingestor(c.cfg, log), setup.TerminalGate(cmd.ErrOrStderr()), log)

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
	defer stop()

	render := !c.raw && cliui.IsTerminal(out)

	var obs chat.Observer
	if !render {
		obs.OnChunk = func(text string) { fmt.Fprint(out, text) }
	}

	var turn chat.Turn
	run := func() error {
		turn = chat.RunTurn(ctx, upstream, nil, question, obs)
		if turn.Failed {
			return errors.New(turn.Error)
		}
		return nil
	}

	if render {
		// The spinner goes to stderr so stdout only carries the answer.
		if err := cliui.Step(cmd.ErrOrStderr(), "Thinking", run); err != nil {
			return err
		}
		rendered, err := cliui.RenderMarkdown(turn.Reply.Content, cliui.Width(out))
		if err != nil {
			log.Debug("markdown rendering failed", "error", err)
		}
		fmt.Fprint(out, rendered)
	} else {
		if err := run(); err != nil {
			return err
		}
		fmt.Fprintln(out)
	}

	if turn.Result.Reason.TimedOut() {
		fmt.Fprintf(cmd.ErrOrStderr(), "  %s %s\n", cliui.WarnMark,
			cliui.DimStyle.Render("answer cut short: "+string(turn.Result.Reason)))
	}
	return nil
}

func readQuestion(in io.Reader, args []string) (string, error) {
	question := strings.Join(args, " ")
	if question == "-" {
		data, err := io.ReadAll(in)
		if err != nil {
			return "", fmt.Errorf("reading question: %w", err)
		}
		question = string(data)
	}

	question = strings.TrimSpace(question)
	if question == "" {
		return "", chat.ErrEmptyMessage
	}
	return question, nil
}
