// Package chatcmder provides the interactive chat command.
package chatcmder

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/papercomputeco/minesafe/api/client"
	"github.com/papercomputeco/minesafe/cmd/minesafe/setup"
	"github.com/papercomputeco/minesafe/pkg/chat"
	"github.com/papercomputeco/minesafe/pkg/cliui"
	"github.com/papercomputeco/minesafe/pkg/config"
	"github.com/papercomputeco/minesafe/pkg/dotdir"
	"github.com/papercomputeco/minesafe/pkg/eventstream"
	"github.com/papercomputeco/minesafe/pkg/storage"
	"github.com/papercomputeco/minesafe/pkg/stream"
	"github.com/papercomputeco/minesafe/pkg/utils"
	"github.com/papercomputeco/minesafe/pkg/worker"
)

var (
	userPrompt      = lipgloss.NewStyle().Foreground(lipgloss.Color("82")).Bold(true).Render("you> ")
	assistantPrompt = lipgloss.NewStyle().Foreground(lipgloss.Color("245")).Render("assistant> ")
)

// chatFlags are the registry flags the chat command binds.
var chatFlags = []string{
	config.FlagUpstream,
	config.FlagAPIKey,
	config.FlagModel,
	config.FlagStorage,
	config.FlagSQLite,
	config.FlagPostgres,
	config.FlagAPITarget,
	config.FlagTotalTimeout,
	config.FlagIdleTimeout,
	config.FlagKafkaBrokers,
	config.FlagKafkaTopic,
}

// conversation is the part of a chat the REPL drives. The local variant is
// backed by a chat.Manager, the remote one by the API relay.
type conversation interface {
	Session() storage.SessionRef
	Model() string
	Send(ctx context.Context, content string, obs chat.Observer) (chat.Turn, error)
	New(ctx context.Context, title string) error
	Rename(ctx context.Context, title string) error
	Clear(ctx context.Context) error
	Sessions(ctx context.Context) ([]storage.Session, error)
	Close() error
}

type chatCommander struct {
	remote    bool
	newChat   bool
	sessionID string

	// flag targets
	upstream, apiKey, model         string
	storageDriver, sqlite, postgres string
	apiTarget                       string
	kafkaBrokers, kafkaTopic        string
	totalTimeout, idleTimeout       time.Duration

	configDir string
	cfg       *config.Config
	logger    *slog.Logger

	in  io.Reader
	out io.Writer

	// turnContext scopes Ctrl+C to one reply.
	turnContext func(ctx context.Context) (context.Context, context.CancelFunc)
}

// interruptContext is canceled by Ctrl+C while it is live. Outside a turn
// Ctrl+C keeps its default meaning and ends the process.
func interruptContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(ctx, os.Interrupt)
}

const chatLongDesc string = `Start an interactive chat with the mine safety assistant.

Conversations are saved as sessions. By default the last session is resumed;
use --new to start a fresh one or --session to pick one by id.

With --remote the chat goes through a running "minesafe serve" API server
instead of calling the model directly; history is then kept by the server.

Commands inside the chat:
  /new [title]     Start a new session
  /title <title>   Rename the current session
  /sessions        List recent sessions
  /clear           Delete the messages of the current session
  /exit            Quit (Ctrl+D also works)

Ctrl+C while a reply streams stops that reply and keeps the chat open.

Examples:
  minesafe chat
  minesafe chat --new --model Qwen/Qwen2.5-14B-Instruct
  minesafe chat --remote --api-target http://localhost:8080`

const chatShortDesc string = "Interactive chat with the mine safety assistant"

func NewChatCmd() *cobra.Command {
	cmder := &chatCommander{turnContext: interruptContext}

	cmd := &cobra.Command{
		Use:   "chat",
		Short: chatShortDesc,
		Long:  chatLongDesc,
		Args:  cobra.NoArgs,
		PreRunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := setup.ResolveConfig(cmd, chatFlags...)
			if err != nil {
				return err
			}
			cmder.cfg = cfg
			cmder.configDir = setup.ConfigDir(cmd)
			if cmder.remote {
				cmder.apiTarget = setup.APITarget(cmd, cfg)
			}
			return nil
		},
		RunE: func(cmd *cobra.Command, _ []string) error {
			cmder.logger = setup.CLILogger(setup.Debug(cmd))
			cmder.in = cmd.InOrStdin()
			cmder.out = cmd.OutOrStdout()

			return cmder.run(cmd.Context())
		},
	}

	config.AddStringFlag(cmd, config.Flags, config.FlagUpstream, &cmder.upstream)
	config.AddStringFlag(cmd, config.Flags, config.FlagAPIKey, &cmder.apiKey)
	config.AddStringFlag(cmd, config.Flags, config.FlagModel, &cmder.model)
	config.AddStringFlag(cmd, config.Flags, config.FlagStorage, &cmder.storageDriver)
	config.AddStringFlag(cmd, config.Flags, config.FlagSQLite, &cmder.sqlite)
	config.AddStringFlag(cmd, config.Flags, config.FlagPostgres, &cmder.postgres)
	config.AddStringFlag(cmd, config.Flags, config.FlagAPITarget, &cmder.apiTarget)
	config.AddStringFlag(cmd, config.Flags, config.FlagKafkaBrokers, &cmder.kafkaBrokers)
	config.AddStringFlag(cmd, config.Flags, config.FlagKafkaTopic, &cmder.kafkaTopic)
	config.AddDurationFlag(cmd, config.Flags, config.FlagTotalTimeout, &cmder.totalTimeout)
	config.AddDurationFlag(cmd, config.Flags, config.FlagIdleTimeout, &cmder.idleTimeout)
	cmd.Flags().BoolVarP(&cmder.remote, "remote", "r", false, "Chat through a running API server")
	cmd.Flags().BoolVarP(&cmder.newChat, "new", "n", false, "Start a new session instead of resuming")
	cmd.Flags().StringVar(&cmder.sessionID, "session", "", "Resume the session with this id")

	return cmd
}

func (c *chatCommander) run(ctx context.Context) error {
	conv, err := c.open(ctx)
	if err != nil {
		return err
	}
	defer conv.Close()

	c.remember(conv.Session())

	fmt.Fprintf(c.out, "\n  %s %s %s\n",
		cliui.SuccessMark,
		cliui.NameStyle.Render(conv.Session().Title),
		cliui.IDStyle.Render(utils.ShortID(conv.Session().ID)),
	)
	fmt.Fprintf(c.out, "  %s %s\n\n",
		cliui.KeyStyle.Render("Model:"),
		cliui.NameStyle.Render(conv.Model()),
	)
	fmt.Fprintf(c.out, "  %s\n\n", cliui.DimStyle.Render("Type your message and press Enter. Ctrl+C stops a reply, /exit or Ctrl+D quits."))

	return c.loop(ctx, conv)
}

// loop reads input lines until EOF, /exit or ctx ends.
func (c *chatCommander) loop(ctx context.Context, conv conversation) error {
	scanner := bufio.NewScanner(c.in)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)

	for {
		fmt.Fprint(c.out, userPrompt)
		if !scanner.Scan() {
			break
		}

		input := strings.TrimSpace(scanner.Text())
		if input == "" {
			continue
		}

		if strings.HasPrefix(input, "/") {
			quit, err := c.command(ctx, conv, input)
			if err != nil {
				fmt.Fprintf(c.out, "  %s %v\n\n", cliui.FailMark, err)
			}
			if quit {
				break
			}
			continue
		}

		c.send(ctx, conv, input)
		if ctx.Err() != nil {
			break
		}
	}

	if err := scanner.Err(); err != nil {
		return fmt.Errorf("reading input: %w", err)
	}

	fmt.Fprintln(c.out)
	return nil
}

// send streams one reply to the terminal.
func (c *chatCommander) send(ctx context.Context, conv conversation, input string) {
	fmt.Fprint(c.out, assistantPrompt)

	turnCtx, stop := c.turnContext(ctx)
	defer stop()

	var upstreamErr string
	turn, err := conv.Send(turnCtx, input, chat.Observer{
		OnChunk: func(text string) { fmt.Fprint(c.out, text) },
		OnError: func(message string) { upstreamErr = message },
	})
	if err != nil {
		fmt.Fprintf(c.out, "\n  %s %v\n\n", cliui.FailMark, err)
		return
	}

	switch {
	case turn.Failed:
		fmt.Fprintln(c.out, turn.Reply.Content)
		fmt.Fprintf(c.out, "  %s %s\n", cliui.FailMark, cliui.DimStyle.Render(firstLine(upstreamErr)))
	case turn.Result.Reason.TimedOut():
		fmt.Fprintf(c.out, "\n  %s %s\n", cliui.WarnMark, cliui.DimStyle.Render("reply cut short: "+string(turn.Result.Reason)))
	case turn.Result.Reason == stream.ReasonCanceled && ctx.Err() == nil:
		fmt.Fprintf(c.out, "\n  %s %s\n", cliui.WarnMark, cliui.DimStyle.Render("stopped"))
	default:
		fmt.Fprintln(c.out)
	}
	c.logger.Debug("turn finished",
		"reason", turn.Reason,
		"chunks", turn.Chunks,
		"elapsed", turn.Elapsed,
	)
	fmt.Fprintln(c.out)
}

// command runs a slash command and reports whether the chat should end.
func (c *chatCommander) command(ctx context.Context, conv conversation, input string) (bool, error) {
	name, arg, _ := strings.Cut(input, " ")
	arg = strings.TrimSpace(arg)

	switch name {
	case "/exit", "/quit":
		return true, nil

	case "/new":
		if err := conv.New(ctx, arg); err != nil {
			return false, err
		}
		c.remember(conv.Session())
		fmt.Fprintf(c.out, "  %s New session %s\n\n", cliui.SuccessMark, cliui.NameStyle.Render(conv.Session().Title))

	case "/title":
		if arg == "" {
			return false, errors.New("usage: /title <title>")
		}
		if err := conv.Rename(ctx, arg); err != nil {
			return false, err
		}
		c.remember(conv.Session())
		fmt.Fprintf(c.out, "  %s Renamed to %s\n\n", cliui.SuccessMark, cliui.NameStyle.Render(arg))

	case "/clear":
		if err := conv.Clear(ctx); err != nil {
			return false, err
		}
		fmt.Fprintf(c.out, "  %s Messages cleared\n\n", cliui.SuccessMark)

	case "/sessions":
		sessions, err := conv.Sessions(ctx)
		if err != nil {
			return false, err
		}
		for _, s := range sessions {
			marker := " "
			if s.ID == conv.Session().ID {
				marker = cliui.SuccessMark
			}
			fmt.Fprintf(c.out, "  %s %s %s %s\n",
				marker,
				cliui.IDStyle.Render(utils.ShortID(s.ID)),
				cliui.NameStyle.Render(cliui.Truncate(s.Title, 40)),
				cliui.DimStyle.Render(fmt.Sprintf("(%d messages)", s.MessageCount)),
			)
		}
		fmt.Fprintln(c.out)

	default:
		return false, fmt.Errorf("unknown command %s", name)
	}

	return false, nil
}

func (c *chatCommander) open(ctx context.Context) (conversation, error) {
	resume, err := c.resumeID()
	if err != nil {
		return nil, err
	}

	if c.remote {
		return c.openRemote(ctx, resume)
	}
	return c.openLocal(ctx, resume)
}

// resumeID returns the session to resume, or uuid.Nil for a new one.
func (c *chatCommander) resumeID() (uuid.UUID, error) {
	if c.sessionID != "" {
		id, err := uuid.Parse(c.sessionID)
		if err != nil {
			return uuid.Nil, fmt.Errorf("invalid --session %q: %w", c.sessionID, err)
		}
		return id, nil
	}
	if c.newChat {
		return uuid.Nil, nil
	}

	state, err := dotdir.NewManager().LoadSessionState(c.configDir)
	if err != nil {
		c.logger.Warn("ignoring saved session", "error", err)
		return uuid.Nil, nil
	}
	if state == nil || state.Remote != c.remoteTarget() {
		return uuid.Nil, nil
	}
	id, err := uuid.Parse(state.ID)
	if err != nil {
		return uuid.Nil, nil
	}
	return id, nil
}

func (c *chatCommander) remoteTarget() string {
	if c.remote {
		return c.apiTarget
	}
	return ""
}

func (c *chatCommander) remember(ref storage.SessionRef) {
	err := dotdir.NewManager().SaveSessionState(&dotdir.SessionState{
		ID:     ref.ID.String(),
		Title:  ref.Title,
		Remote: c.remoteTarget(),
	}, c.configDir)
	if err != nil {
		c.logger.Warn("could not save session state", "error", err)
	}
}

func (c *chatCommander) openLocal(ctx context.Context, resume uuid.UUID) (conversation, error) {
	driver, err := setup.Storage(ctx, c.cfg, c.configDir)
	if err != nil {
		return nil, err
	}

	publisher, err := setup.Publisher(c.cfg)
	if err != nil {
		driver.Close()
		return nil, fmt.Errorf("creating event publisher: %w", err)
	}

	pool, err := worker.NewPool(&worker.Config{
		Driver:    driver,
		Publisher: publisher,
		Source:    eventstream.EventSource{Surface: "cli", Upstream: c.cfg.Upstream.BaseURL},
		Logger:    c.logger,
	})
	if err != nil {
		publisher.Close()
		driver.Close()
		return nil, fmt.Errorf("creating worker pool: %w", err)
	}

	upstream := setup.Upstream(c.cfg, setup.Ingestor(c.cfg, c.logger), setup.TerminalGate(c.out), c.logger)
	manager, err := chat.NewManager(chat.ManagerConfig{
		Driver:   driver,
		Streamer: upstream,
		Pool:     pool,
		Logger:   c.logger,
	})
	if err != nil {
		pool.Close()
		publisher.Close()
		driver.Close()
		return nil, err
	}

	conv := &localConversation{
		manager: manager,
		model:   upstream.Model(),
		closeFn: func() error {
			pool.Close()
			return errors.Join(publisher.Close(), driver.Close())
		},
	}

	if err := manager.Initialize(ctx); err != nil {
		conv.Close()
		return nil, err
	}

	if resume != uuid.Nil {
		err := manager.SetCurrentSession(ctx, resume)
		switch {
		case err == nil:
			return conv, nil
		case storage.IsNotFound(err) && c.sessionID == "":
			c.logger.Debug("saved session is gone, starting a new one", "session", resume)
		default:
			conv.Close()
			return nil, err
		}
	}

	if _, err := manager.CreateSession(ctx, ""); err != nil {
		conv.Close()
		return nil, err
	}
	return conv, nil
}

func (c *chatCommander) openRemote(ctx context.Context, resume uuid.UUID) (conversation, error) {
	api := client.New(client.Config{
		Target:   c.apiTarget,
		Ingestor: setup.Ingestor(c.cfg, c.logger),
		Gate:     setup.TerminalGate(c.out),
		Logger:   c.logger,
	})

	var model string
	err := cliui.Step(c.out, "Connecting to "+c.apiTarget, func() error {
		health, err := api.Health(ctx)
		if err != nil {
			return err
		}
		model = health.Model
		return nil
	})
	if err != nil {
		return nil, err
	}

	conv := &remoteConversation{api: api, model: model}

	if resume != uuid.Nil {
		session, err := api.GetSession(ctx, resume)
		switch {
		case err == nil:
			conv.session = session
			return conv, nil
		case client.IsNotFound(err) && c.sessionID == "":
			c.logger.Debug("saved session is gone, starting a new one", "session", resume)
		default:
			return nil, err
		}
	}

	if err := conv.New(ctx, ""); err != nil {
		return nil, err
	}
	return conv, nil
}

func firstLine(s string) string {
	line, _, _ := strings.Cut(s, "\n")
	return line
}
