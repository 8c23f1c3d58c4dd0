// Package setup builds the components minesafe commands share from a
// resolved config.
package setup

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/papercomputeco/minesafe/pkg/cliui"
	"github.com/papercomputeco/minesafe/pkg/config"
	"github.com/papercomputeco/minesafe/pkg/dialog"
	"github.com/papercomputeco/minesafe/pkg/dotdir"
	"github.com/papercomputeco/minesafe/pkg/eventstream"
	eventstreamutils "github.com/papercomputeco/minesafe/pkg/eventstream/utils"
	"github.com/papercomputeco/minesafe/pkg/llm"
	"github.com/papercomputeco/minesafe/pkg/llm/openai"
	"github.com/papercomputeco/minesafe/pkg/logger"
	"github.com/papercomputeco/minesafe/pkg/runstate"
	"github.com/papercomputeco/minesafe/pkg/storage"
	storageutils "github.com/papercomputeco/minesafe/pkg/storage/utils"
	"github.com/papercomputeco/minesafe/pkg/stream"
)

// ResolveConfig layers flags over MINESAFE_* env vars over config.toml over
// defaults. Only the named registry flags are bound.
func ResolveConfig(cmd *cobra.Command, flagKeys ...string) (*config.Config, error) {
	v, err := config.InitViper(ConfigDir(cmd))
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}
	config.BindRegisteredFlags(v, cmd, config.Flags, flagKeys)
	return config.FromViper(v), nil
}

// ConfigDir returns the --config-dir override, empty when unset.
func ConfigDir(cmd *cobra.Command) string {
	dir, _ := cmd.Flags().GetString("config-dir")
	return dir
}

// Debug returns the --debug flag.
func Debug(cmd *cobra.Command) bool {
	debug, _ := cmd.Flags().GetBool("debug")
	return debug
}

// CLILogger returns a pretty logger on stderr so it never mixes with
// streamed replies on stdout.
func CLILogger(debug bool) *slog.Logger {
	return logger.New(
		logger.WithDebug(debug),
		logger.WithFormat(logger.FormatPretty),
		logger.WithWriter(os.Stderr),
	)
}

// Ingestor returns a stream Ingestor with the configured watchdogs.
func Ingestor(cfg *config.Config, log *slog.Logger) *stream.Ingestor {
	return stream.NewIngestor(
		stream.WithTotalTimeout(cfg.Stream.TotalTimeout),
		stream.WithIdleTimeout(cfg.Stream.IdleTimeout),
		stream.WithLogger(log),
	)
}

// Upstream returns the OpenAI-compatible client for cfg.
func Upstream(cfg *config.Config, ingestor *stream.Ingestor, gate *dialog.Gate, log *slog.Logger) *openai.Client {
	return openai.New(openai.Config{
		BaseURL:      cfg.Upstream.BaseURL,
		APIKey:       cfg.Upstream.APIKey,
		Model:        cfg.Upstream.Model,
		SystemPrompt: cfg.Upstream.SystemPrompt,
		Params: llm.Params{
			MaxTokens:   cfg.Upstream.MaxTokens,
			Temperature: cfg.Upstream.Temperature,
			TopP:        cfg.Upstream.TopP,
		},
		Ingestor: ingestor,
		Gate:     gate,
		Logger:   log,
	})
}

// TerminalGate prints the session-expired notice to w once.
func TerminalGate(w io.Writer) *dialog.Gate {
	return dialog.NewGate(dialog.ControllerFunc(func(reason string) {
		fmt.Fprintf(w, "\n  %s %s\n  %s\n\n",
			cliui.WarnMark,
			"Your credentials were rejected: "+reason,
			cliui.DimStyle.Render("Update them with: minesafe config set upstream.api_key <key>"),
		)
	}))
}

// LogGate logs the session-expired notice once.
func LogGate(log *slog.Logger) *dialog.Gate {
	return dialog.NewGate(dialog.ControllerFunc(func(reason string) {
		log.Error("upstream rejected the configured credentials", "reason", reason)
	}))
}

// Storage opens the configured chat history driver.
func Storage(ctx context.Context, cfg *config.Config, configDir string) (storage.Driver, error) {
	opts := &storageutils.NewDriverOpts{
		Driver:      cfg.Storage.Driver,
		PostgresDSN: cfg.Storage.PostgresDSN,
	}
	if cfg.Storage.Driver == storageutils.DriverSQLite || cfg.Storage.Driver == "" {
		path, err := dotdir.NewManager().SQLitePath(cfg.Storage.SQLitePath, configDir)
		if err != nil {
			return nil, err
		}
		opts.SQLitePath = path
	}

	driver, err := storageutils.NewDriver(ctx, opts)
	if err != nil {
		return nil, fmt.Errorf("opening %s storage: %w", cfg.Storage.Driver, err)
	}
	return driver, nil
}

// Publisher returns the configured turn event publisher.
func Publisher(cfg *config.Config) (eventstream.Publisher, error) {
	return eventstreamutils.NewPublisher(&eventstreamutils.NewPublisherOpts{
		KafkaBrokers: cfg.EventStream.Brokers(),
		KafkaTopic:   cfg.EventStream.KafkaTopic,
	})
}

// APITarget picks the API server for remote commands: an explicit
// --api-target, then a server started by "minesafe serve" in the same
// directory, then the configured client.api_target.
func APITarget(cmd *cobra.Command, cfg *config.Config) string {
	if f := cmd.Flags().Lookup(config.Flags[config.FlagAPITarget].Name); f != nil && f.Changed {
		return cfg.Client.APITarget
	}

	if m, err := runstate.NewManager(ConfigDir(cmd)); err == nil {
		if state, err := m.RunningState(); err == nil && state != nil && state.APIURL != "" {
			return state.APIURL
		}
	}

	return cfg.Client.APITarget
}
