// Package servecmder provides the serve command that runs the API server.
package servecmder

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/papercomputeco/minesafe/api"
	"github.com/papercomputeco/minesafe/cmd/minesafe/setup"
	"github.com/papercomputeco/minesafe/pkg/config"
	"github.com/papercomputeco/minesafe/pkg/eventstream"
	"github.com/papercomputeco/minesafe/pkg/logger"
	"github.com/papercomputeco/minesafe/pkg/runstate"
	"github.com/papercomputeco/minesafe/pkg/stream"
	"github.com/papercomputeco/minesafe/pkg/worker"
)

var serveFlags = []string{
	config.FlagAPIListen,
	config.FlagUpstream,
	config.FlagAPIKey,
	config.FlagModel,
	config.FlagStorage,
	config.FlagSQLite,
	config.FlagPostgres,
	config.FlagTotalTimeout,
	config.FlagIdleTimeout,
	config.FlagKafkaBrokers,
	config.FlagKafkaTopic,
}

type serveCommander struct {
	// flag targets
	listen, upstream, apiKey, model string
	storageDriver, sqlite, postgres string
	kafkaBrokers, kafkaTopic        string
	totalTimeout, idleTimeout       time.Duration
	jsonLogs                        bool

	// pinnedTimeouts is set when a timeout flag was given, which disables
	// hot reload of the [stream] section.
	pinnedTimeouts bool

	debug     bool
	configDir string
	cfg       *config.Config
	logger    *slog.Logger
}

const serveLongDesc string = `Run the minesafe API server.

The server exposes chat session history under /api/chat/sessions and the
streaming relay at POST /api/chat/ai, which forwards a message to the
upstream model and streams the reply back as chat completion chunks.

Completed turns are saved asynchronously and, when Kafka brokers are
configured, published as minesafe.chat.turn.completed events.

Edits to [stream] timeouts in config.toml apply to new streams without a
restart.

Examples:
  minesafe serve
  minesafe serve --listen :9090 --storage postgres --postgres-dsn postgres://localhost/minesafe
  minesafe serve --kafka-brokers localhost:9092`

const serveShortDesc string = "Run the minesafe API server"

func NewServeCmd() *cobra.Command {
	cmder := &serveCommander{}

	cmd := &cobra.Command{
		Use:   "serve",
		Short: serveShortDesc,
		Long:  serveLongDesc,
		Args:  cobra.NoArgs,
		PreRunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := setup.ResolveConfig(cmd, serveFlags...)
			if err != nil {
				return err
			}
			cmder.cfg = cfg
			cmder.configDir = setup.ConfigDir(cmd)
			cmder.pinnedTimeouts = cmd.Flags().Changed(config.Flags[config.FlagTotalTimeout].Name) ||
				cmd.Flags().Changed(config.Flags[config.FlagIdleTimeout].Name)
			return nil
		},
		RunE: func(cmd *cobra.Command, _ []string) error {
			cmder.debug = setup.Debug(cmd)

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return cmder.run(ctx)
		},
	}

	config.AddStringFlag(cmd, config.Flags, config.FlagAPIListen, &cmder.listen)
	config.AddStringFlag(cmd, config.Flags, config.FlagUpstream, &cmder.upstream)
	config.AddStringFlag(cmd, config.Flags, config.FlagAPIKey, &cmder.apiKey)
	config.AddStringFlag(cmd, config.Flags, config.FlagModel, &cmder.model)
	config.AddStringFlag(cmd, config.Flags, config.FlagStorage, &cmder.storageDriver)
	config.AddStringFlag(cmd, config.Flags, config.FlagSQLite, &cmder.sqlite)
	config.AddStringFlag(cmd, config.Flags, config.FlagPostgres, &cmder.postgres)
	config.AddStringFlag(cmd, config.Flags, config.FlagKafkaBrokers, &cmder.kafkaBrokers)
	config.AddStringFlag(cmd, config.Flags, config.FlagKafkaTopic, &cmder.kafkaTopic)
	config.AddDurationFlag(cmd, config.Flags, config.FlagTotalTimeout, &cmder.totalTimeout)
	config.AddDurationFlag(cmd, config.Flags, config.FlagIdleTimeout, &cmder.idleTimeout)
	cmd.Flags().BoolVar(&cmder.jsonLogs, "json-logs", false, "Write JSON logs to stderr instead of colored text")

	return cmd
}

func (c *serveCommander) run(ctx context.Context) error {
	state, err := runstate.NewManager(c.configDir)
	if err != nil {
		return err
	}

	lock, err := state.TryLock()
	if err != nil {
		return err
	}
	defer lock.Release()

	logFile, err := os.OpenFile(state.LogPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return fmt.Errorf("opening log file: %w", err)
	}
	defer logFile.Close()

	format := logger.FormatPretty
	if c.jsonLogs {
		format = logger.FormatJSON
	}
	c.logger = logger.Tee(
		logger.New(logger.WithDebug(c.debug), logger.WithFormat(format), logger.WithWriter(os.Stderr)),
		logger.New(logger.WithDebug(c.debug), logger.WithFormat(logger.FormatJSON), logger.WithWriter(logFile)),
	)

	driver, err := setup.Storage(ctx, c.cfg, c.configDir)
	if err != nil {
		return err
	}
	defer driver.Close()
	c.logger.Info("using storage", "driver", c.cfg.Storage.Driver)

	publisher, err := setup.Publisher(c.cfg)
	if err != nil {
		return fmt.Errorf("creating event publisher: %w", err)
	}
	defer publisher.Close()
	if brokers := c.cfg.EventStream.Brokers(); len(brokers) > 0 {
		c.logger.Info("publishing turn events",
			"brokers", strings.Join(brokers, ","),
			"topic", c.cfg.EventStream.KafkaTopic,
		)
	}

	pool, err := worker.NewPool(&worker.Config{
		Driver:    driver,
		Publisher: publisher,
		Source:    eventstream.EventSource{Surface: "api", Upstream: c.cfg.Upstream.BaseURL},
		Logger:    c.logger,
	})
	if err != nil {
		return fmt.Errorf("creating worker pool: %w", err)
	}
	// Drain queued turns before the driver closes.
	defer pool.Close()

	ingestor := setup.Ingestor(c.cfg, c.logger)
	upstream := setup.Upstream(c.cfg, ingestor, setup.LogGate(c.logger), c.logger)
	server := api.NewServer(api.Config{ListenAddr: c.cfg.API.Listen}, driver, upstream, pool, c.logger)

	if err := state.SaveState(&runstate.State{
		PID:       os.Getpid(),
		APIURL:    listenURL(c.cfg.API.Listen),
		Model:     upstream.Model(),
		Storage:   c.cfg.Storage.Driver,
		StartedAt: time.Now(),
	}); err != nil {
		c.logger.Warn("could not record server state", "error", err)
	}
	defer state.ClearState()

	if c.pinnedTimeouts {
		c.logger.Info("stream timeouts pinned by flags, config reload disabled")
	} else {
		go c.watchConfig(ctx, ingestor)
	}

	errChan := make(chan error, 1)
	go func() {
		if err := server.Run(); err != nil {
			errChan <- fmt.Errorf("API server error: %w", err)
		}
	}()

	select {
	case err := <-errChan:
		return err
	case <-ctx.Done():
		c.logger.Info("shutting down")
		if err := server.Shutdown(); err != nil {
			c.logger.Error("API server shutdown failed", "error", err)
		}
		return nil
	}
}

// watchConfig applies [stream] timeout edits to new streams.
func (c *serveCommander) watchConfig(ctx context.Context, ingestor *stream.Ingestor) {
	cfger, err := config.NewConfiger(c.configDir)
	if err != nil {
		c.logger.Warn("config reload disabled", "error", err)
		return
	}

	err = cfger.Watch(ctx, func(cfg *config.Config, err error) {
		if err != nil {
			c.logger.Warn("ignoring invalid config change", "error", err)
			return
		}
		total, idle := ingestor.Timeouts()
		if total == cfg.Stream.TotalTimeout && idle == cfg.Stream.IdleTimeout {
			return
		}
		ingestor.SetTimeouts(cfg.Stream.TotalTimeout, cfg.Stream.IdleTimeout)
		c.logger.Info("stream timeouts reloaded",
			"total_timeout", cfg.Stream.TotalTimeout,
			"idle_timeout", cfg.Stream.IdleTimeout,
		)
	})
	if err != nil && !errors.Is(err, context.Canceled) {
		c.logger.Warn("config watcher stopped", "error", err)
	}
}

// listenURL turns a listen address into a URL local clients can dial.
func listenURL(listen string) string {
	if strings.HasPrefix(listen, ":") {
		return "http://localhost" + listen
	}
	if host, port, ok := strings.Cut(listen, ":"); ok && (host == "0.0.0.0" || host == "") {
		return "http://localhost:" + port
	}
	return "http://" + listen
}
