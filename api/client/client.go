// Package client talks to a running API server: session management and the
// streaming chat relay.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/google/uuid"

	"github.com/papercomputeco/minesafe/api"
	"github.com/papercomputeco/minesafe/pkg/dialog"
	"github.com/papercomputeco/minesafe/pkg/llm"
	"github.com/papercomputeco/minesafe/pkg/logger"
	"github.com/papercomputeco/minesafe/pkg/storage"
	"github.com/papercomputeco/minesafe/pkg/stream"
)

// DefaultTarget is the API server address used when none is configured.
const DefaultTarget = "http://localhost:8080"

// Error is a failed API call.
type Error struct {
	StatusCode int
	Code       int
	Msg        string
}

func (e *Error) Error() string {
	return fmt.Sprintf("api request failed: %d %s (code %d): %s",
		e.StatusCode, http.StatusText(e.StatusCode), e.Code, e.Msg)
}

// IsNotFound reports whether err is an API not-found error.
func IsNotFound(err error) bool {
	var e *Error
	return errors.As(err, &e) && e.Code == api.CodeNotFound
}

// Config configures a Client.
type Config struct {
	Target     string
	HTTPClient *http.Client
	Ingestor   *stream.Ingestor

	// Gate, when set, is told when the server rejects the caller.
	Gate *dialog.Gate

	Logger *slog.Logger
}

// Client is an API client.
type Client struct {
	target     string
	httpClient *http.Client
	ingestor   *stream.Ingestor
	gate       *dialog.Gate
	logger     *slog.Logger
}

// New returns a Client for cfg.
func New(cfg Config) *Client {
	c := &Client{
		target:     strings.TrimRight(cfg.Target, "/"),
		httpClient: cfg.HTTPClient,
		ingestor:   cfg.Ingestor,
		gate:       cfg.Gate,
		logger:     cfg.Logger,
	}
	if c.target == "" {
		c.target = DefaultTarget
	}
	if c.httpClient == nil {
		c.httpClient = &http.Client{}
	}
	if c.logger == nil {
		c.logger = logger.Nop()
	}
	if c.ingestor == nil {
		c.ingestor = stream.NewIngestor(stream.WithLogger(c.logger))
	}
	return c
}

// Health checks the server and its upstream model.
func (c *Client) Health(ctx context.Context) (*api.ChatHealthResponse, error) {
	return call[api.ChatHealthResponse](ctx, c, http.MethodGet, "/api/chat/health", nil)
}

// CreateSession creates a session. An empty title gets the server default.
func (c *Client) CreateSession(ctx context.Context, title string) (*storage.Session, error) {
	return call[storage.Session](ctx, c, http.MethodPost, "/api/chat/sessions", api.CreateSessionRequest{Title: title})
}

// ListSessions returns one page of sessions, most recently updated first.
func (c *Client) ListSessions(ctx context.Context, page, pageSize int) (*api.Page[storage.Session], error) {
	q := url.Values{}
	q.Set("page", strconv.Itoa(page))
	q.Set("pageSize", strconv.Itoa(pageSize))
	return call[api.Page[storage.Session]](ctx, c, http.MethodGet, "/api/chat/sessions?"+q.Encode(), nil)
}

// GetSession returns one session.
func (c *Client) GetSession(ctx context.Context, id uuid.UUID) (*storage.Session, error) {
	return call[storage.Session](ctx, c, http.MethodGet, sessionPath(id), nil)
}

// RenameSession sets a session's title; the server mirrors it into the
// description.
func (c *Client) RenameSession(ctx context.Context, id uuid.UUID, title string) (*storage.Session, error) {
	return call[storage.Session](ctx, c, http.MethodPut, sessionPath(id), api.UpdateSessionRequest{Title: &title})
}

// ArchiveSession marks a session archived.
func (c *Client) ArchiveSession(ctx context.Context, id uuid.UUID) (*storage.Session, error) {
	return call[storage.Session](ctx, c, http.MethodPut, sessionPath(id)+"/archive", nil)
}

// DeleteSession deletes a session and its messages.
func (c *Client) DeleteSession(ctx context.Context, id uuid.UUID) error {
	_, err := call[struct{}](ctx, c, http.MethodDelete, sessionPath(id), nil)
	return err
}

// ClearMessages deletes every message of a session.
func (c *Client) ClearMessages(ctx context.Context, id uuid.UUID) error {
	_, err := call[struct{}](ctx, c, http.MethodDelete, sessionPath(id)+"/messages/all", nil)
	return err
}

// Messages returns up to 100 of a session's oldest messages.
func (c *Client) Messages(ctx context.Context, sessionID uuid.UUID) ([]storage.Message, error) {
	page, err := call[api.Page[storage.Message]](ctx, c, http.MethodGet,
		sessionPath(sessionID)+"/messages?pageSize=100&order=asc", nil)
	if err != nil {
		return nil, err
	}
	return page.List, nil
}

// StreamTurn sends content to a session through the relay and streams the
// reply into cb. It blocks until cb has received its terminal signal.
func (c *Client) StreamTurn(ctx context.Context, sessionID uuid.UUID, content string, cb stream.Callbacks) stream.Result {
	req, err := c.newRequest(ctx, http.MethodPost, "/api/chat/ai", api.ChatRequest{
		SessionID: sessionID.String(),
		Content:   content,
	})
	if err != nil {
		return c.ingestor.Reject(cb, err)
	}
	req.Header.Set("Accept", "text/event-stream")

	resp, err := c.ingestor.Send(c.httpClient, req)
	if err != nil {
		return c.ingestor.Reject(cb, fmt.Errorf("relay request: %w", err))
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		defer resp.Body.Close()
		return c.ingestor.Reject(cb, c.apiError(resp))
	}

	return c.ingestor.Ingest(ctx, resp, cb)
}

// Session returns a chat.Streamer bound to one remote session. History is
// kept by the server, so the history argument of ChatStream is ignored.
func (c *Client) Session(id uuid.UUID, model string) *Session {
	return &Session{client: c, id: id, model: model}
}

// Session streams turns of one remote session.
type Session struct {
	client *Client
	id     uuid.UUID
	model  string
}

// ChatStream relays message to the session.
func (s *Session) ChatStream(ctx context.Context, message string, _ []llm.Message, cb stream.Callbacks) stream.Result {
	return s.client.StreamTurn(ctx, s.id, message, cb)
}

// Model returns the model the server reported.
func (s *Session) Model() string {
	return s.model
}

func sessionPath(id uuid.UUID) string {
	return "/api/chat/sessions/" + id.String()
}

func call[T any](ctx context.Context, c *Client, method, path string, body any) (*T, error) {
	req, err := c.newRequest(ctx, method, path, body)
	if err != nil {
		return nil, err
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, c.apiError(resp)
	}

	var env api.Envelope[T]
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		return nil, fmt.Errorf("decoding %s response: %w", path, err)
	}
	if env.Code != api.CodeOK {
		return nil, &Error{StatusCode: resp.StatusCode, Code: env.Code, Msg: env.Msg}
	}
	return &env.Data, nil
}

func (c *Client) newRequest(ctx context.Context, method, path string, body any) (*http.Request, error) {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("encoding request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.target+path, reader)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return req, nil
}

// apiError reads the envelope of a failed response. A 401 opens the
// session-expired dialog.
func (c *Client) apiError(resp *http.Response) *Error {
	e := &Error{StatusCode: resp.StatusCode, Msg: http.StatusText(resp.StatusCode)}

	var env api.Envelope[json.RawMessage]
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	if json.Unmarshal(raw, &env) == nil && env.Code != 0 {
		e.Code = env.Code
		if env.Msg != "" {
			e.Msg = env.Msg
		}
	}

	if resp.StatusCode == http.StatusUnauthorized || e.Code == api.CodeNotLogin {
		c.gate.SessionExpired(e.Msg)
	}

	c.logger.Debug("api request failed", "status", resp.StatusCode, "code", e.Code, "msg", e.Msg)
	return e
}
