package api

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gofiber/adaptor/v2"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/recover"

	"github.com/papercomputeco/minesafe/pkg/chat"
	"github.com/papercomputeco/minesafe/pkg/logger"
	"github.com/papercomputeco/minesafe/pkg/storage"
	"github.com/papercomputeco/minesafe/pkg/worker"
)

// Upstream is the model the relay streams from. *openai.Client satisfies it.
type Upstream interface {
	chat.Streamer
	CheckConnection(ctx context.Context) error
}

// Server is the API server for chat history and the streaming relay.
type Server struct {
	config   Config
	driver   storage.Driver
	upstream Upstream
	pool     *worker.Pool
	logger   *slog.Logger
	app      *fiber.App

	// ctx parents every relay; Shutdown cancels it and waits on relays.
	ctx    context.Context
	stop   context.CancelFunc
	relays sync.WaitGroup

	shutdownOnce sync.Once
	shutdownErr  error
}

// NewServer creates a new API server.
// The driver and pool are injected to allow sharing with other components.
// A nil pool makes the relay save turns inline.
func NewServer(config Config, driver storage.Driver, upstream Upstream, pool *worker.Pool, log *slog.Logger) *Server {
	if log == nil {
		log = logger.Nop()
	}

	s := &Server{
		config:   config,
		driver:   driver,
		upstream: upstream,
		pool:     pool,
		logger:   log,
	}
	s.ctx, s.stop = context.WithCancel(context.Background())

	app := fiber.New(fiber.Config{
		DisableStartupMessage: true,
		ErrorHandler:          s.handleError,
	})
	app.Use(recover.New())
	s.app = app

	api := app.Group("/api")
	api.Get("/health", s.handleHealth)

	c := api.Group("/chat")
	c.Get("/health", s.handleChatHealth)
	c.Post("/ai", s.handleChatRelay)

	c.Post("/sessions", s.handleCreateSession)
	c.Get("/sessions", s.handleListSessions)
	c.Get("/sessions/:id", s.handleGetSession)
	c.Put("/sessions/:id", s.handleUpdateSession)
	c.Delete("/sessions/:id", s.handleDeleteSession)
	c.Put("/sessions/:id/archive", s.handleArchiveSession)
	c.Get("/sessions/:id/messages", s.handleListMessages)
	c.Delete("/sessions/:id/messages/all", s.handleClearMessages)

	return s
}

// Handler exposes the server as a net/http handler.
func (s *Server) Handler() http.Handler {
	return adaptor.FiberApp(s.app)
}

// Run starts the API server on the configured address.
func (s *Server) Run() error {
	s.logger.Info("starting API server",
		"listen", s.config.ListenAddr,
		"model", s.upstream.Model(),
	)
	return s.app.Listen(s.config.ListenAddr)
}

// Shutdown stops open relays, which end their replies and hand the partial
// turn to storage, then shuts the listener down and waits for every relay
// to return.
func (s *Server) Shutdown() error {
	s.shutdownOnce.Do(func() {
		s.stop()
		s.shutdownErr = s.app.Shutdown()
		s.relays.Wait()
	})
	return s.shutdownErr
}

func (s *Server) keepAlive() time.Duration {
	if s.config.KeepAlive > 0 {
		return s.config.KeepAlive
	}
	return defaultKeepAlive
}
