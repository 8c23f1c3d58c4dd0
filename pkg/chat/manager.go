package chat

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/papercomputeco/minesafe/pkg/llm"
	"github.com/papercomputeco/minesafe/pkg/logger"
	"github.com/papercomputeco/minesafe/pkg/storage"
	"github.com/papercomputeco/minesafe/pkg/worker"
)

const (
	// SessionPageSize is how many sessions LoadSessions fetches.
	SessionPageSize = 50

	// MessagePageSize is how many messages SetCurrentSession fetches.
	MessagePageSize = 100
)

var (
	// ErrNoSession is returned by SendMessage without a current session.
	ErrNoSession = errors.New("create or select a session first")

	// ErrStreaming is returned by SendMessage while a reply is streaming.
	ErrStreaming = errors.New("a reply is already streaming")

	// ErrEmptyMessage is returned by SendMessage for blank content.
	ErrEmptyMessage = errors.New("message is empty")
)

// Conversation is a session with its loaded messages.
type Conversation struct {
	Session  storage.Session
	Messages []storage.Message
}

// History returns the messages worth sending back to the model: everything
// except failed replies and their prompts.
func (c *Conversation) History() []llm.Message {
	out := make([]llm.Message, 0, len(c.Messages))
	for i, m := range c.Messages {
		if m.Status == storage.MessageFailed {
			continue
		}
		if m.Role == llm.RoleUser && i+1 < len(c.Messages) && c.Messages[i+1].Status == storage.MessageFailed {
			continue
		}
		out = append(out, llm.Message{Role: m.Role, Content: m.Content})
	}
	return out
}

func (c *Conversation) clone() *Conversation {
	return &Conversation{
		Session:  c.Session,
		Messages: slices.Clone(c.Messages),
	}
}

// ManagerConfig configures a Manager.
type ManagerConfig struct {
	Driver   storage.Driver
	Streamer Streamer

	// Pool persists finished turns. Without one turns are saved inline.
	Pool *worker.Pool

	Logger *slog.Logger
}

// Manager holds the session list, the current conversation and the
// streaming flag for one user.
type Manager struct {
	driver   storage.Driver
	streamer Streamer
	pool     *worker.Pool
	logger   *slog.Logger

	mu          sync.RWMutex
	sessions    []storage.Session
	current     *Conversation
	streaming   bool
	initialized bool
}

// NewManager returns a Manager. Driver and Streamer are required.
func NewManager(cfg ManagerConfig) (*Manager, error) {
	if cfg.Driver == nil {
		return nil, errors.New("chat manager requires a storage driver")
	}
	if cfg.Streamer == nil {
		return nil, errors.New("chat manager requires a streamer")
	}
	if cfg.Logger == nil {
		cfg.Logger = logger.Nop()
	}

	return &Manager{
		driver:   cfg.Driver,
		streamer: cfg.Streamer,
		pool:     cfg.Pool,
		logger:   cfg.Logger,
	}, nil
}

// Initialize loads the session list once.
func (m *Manager) Initialize(ctx context.Context) error {
	m.mu.RLock()
	done := m.initialized
	m.mu.RUnlock()
	if done {
		return nil
	}

	if err := m.LoadSessions(ctx); err != nil {
		return fmt.Errorf("initializing chat: %w", err)
	}

	m.mu.Lock()
	m.initialized = true
	m.mu.Unlock()
	return nil
}

// LoadSessions replaces the session list with the most recently updated
// sessions.
func (m *Manager) LoadSessions(ctx context.Context) error {
	list, err := m.driver.ListSessions(ctx, storage.ListOptions{
		Limit: SessionPageSize,
		Order: storage.OrderDesc,
	})
	if err != nil {
		return fmt.Errorf("loading sessions: %w", err)
	}

	sessions := make([]storage.Session, 0, len(list))
	for _, s := range list {
		sessions = append(sessions, *s)
	}

	m.mu.Lock()
	m.sessions = sessions
	m.mu.Unlock()
	return nil
}

// CreateSession creates a session and makes it current. An empty title gets
// storage.DefaultSessionTitle.
func (m *Manager) CreateSession(ctx context.Context, title string) (*storage.Session, error) {
	session := &storage.Session{
		Title: strings.TrimSpace(title),
		Model: m.streamer.Model(),
	}
	if session.Title == "" {
		session.Title = storage.DefaultSessionTitle
	}
	session.Description = session.Title

	if err := m.driver.CreateSession(ctx, session); err != nil {
		return nil, fmt.Errorf("creating session: %w", err)
	}

	m.mu.Lock()
	m.sessions = append([]storage.Session{*session}, m.sessions...)
	m.current = &Conversation{Session: *session}
	m.mu.Unlock()

	m.logger.Debug("session created", "session", session.ID, "title", session.Title)
	cp := *session
	return &cp, nil
}

// SetCurrentSession makes id current and loads its oldest messages. The
// session list is reloaded once if id is not in it.
func (m *Manager) SetCurrentSession(ctx context.Context, id uuid.UUID) error {
	session, ok := m.findSession(id)
	if !ok {
		if err := m.LoadSessions(ctx); err != nil {
			return err
		}
		if session, ok = m.findSession(id); !ok {
			return storage.SessionNotFound(id)
		}
	}

	list, err := m.driver.ListMessages(ctx, id, storage.ListOptions{
		Limit: MessagePageSize,
		Order: storage.OrderAsc,
	})
	if err != nil {
		return fmt.Errorf("loading messages: %w", err)
	}

	conv := &Conversation{Session: session, Messages: make([]storage.Message, 0, len(list))}
	for _, msg := range list {
		conv.Messages = append(conv.Messages, *msg)
	}

	m.mu.Lock()
	m.current = conv
	m.mu.Unlock()
	return nil
}

// SendMessage runs one turn in the current session. The user message and an
// empty assistant placeholder are appended immediately; chunks are appended
// to the placeholder as they arrive. Once the stream resolves the turn is
// handed to the worker pool for persistence. Failed turns are not persisted.
func (m *Manager) SendMessage(ctx context.Context, content string, obs Observer) (Turn, error) {
	content = strings.TrimSpace(content)
	if content == "" {
		return Turn{}, ErrEmptyMessage
	}

	m.mu.Lock()
	if m.current == nil {
		m.mu.Unlock()
		return Turn{}, ErrNoSession
	}
	if m.streaming {
		m.mu.Unlock()
		return Turn{}, ErrStreaming
	}
	m.streaming = true

	conv := m.current
	history := conv.History()
	now := time.Now()
	conv.Messages = append(conv.Messages,
		storage.Message{
			ID:        uuid.New(),
			SessionID: conv.Session.ID,
			Role:      llm.RoleUser,
			Content:   content,
			Status:    storage.MessageComplete,
			CreatedAt: now,
		},
		storage.Message{
			ID:        uuid.New(),
			SessionID: conv.Session.ID,
			Role:      llm.RoleAssistant,
			Model:     m.streamer.Model(),
			CreatedAt: now,
		},
	)
	userID := conv.Messages[len(conv.Messages)-2].ID
	replyID := conv.Messages[len(conv.Messages)-1].ID
	m.mu.Unlock()

	turn := RunTurn(ctx, m.streamer, history, content, Observer{
		OnChunk: func(text string) {
			m.updateMessage(conv, replyID, func(msg *storage.Message) {
				msg.Content += text
			})
			if obs.OnChunk != nil {
				obs.OnChunk(text)
			}
		},
		OnError: obs.OnError,
	})

	m.mu.Lock()
	m.streaming = false
	m.mu.Unlock()

	m.updateMessage(conv, replyID, func(msg *storage.Message) {
		msg.Content = turn.Reply.Content
		msg.Status = turn.Status()
		msg.Tokens = storage.EstimateTokens(msg.Content)
	})

	if turn.Failed {
		m.logger.Warn("chat turn failed", "session", conv.Session.ID, "error", turn.Error)
		return turn, nil
	}

	user, assistant := turn.Messages(conv.Session.Ref())
	user.ID, assistant.ID = userID, replyID
	m.touchSession(conv.Session.ID, user, assistant)
	m.persist(ctx, conv.Session.Ref(), user, assistant, turn)

	return turn, nil
}

// DeleteSession deletes a session and its messages.
func (m *Manager) DeleteSession(ctx context.Context, id uuid.UUID) error {
	if err := m.driver.DeleteSession(ctx, id); err != nil {
		return fmt.Errorf("deleting session: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions = slices.DeleteFunc(m.sessions, func(s storage.Session) bool { return s.ID == id })
	if m.current != nil && m.current.Session.ID == id {
		m.current = nil
	}
	return nil
}

// UpdateSessionTitle renames a session. The description follows the title.
func (m *Manager) UpdateSessionTitle(ctx context.Context, id uuid.UUID, title string) error {
	title = strings.TrimSpace(title)
	if title == "" {
		title = storage.DefaultSessionTitle
	}
	return m.updateSession(ctx, id, storage.SessionUpdate{Title: &title, Description: &title})
}

// ArchiveSession marks a session archived.
func (m *Manager) ArchiveSession(ctx context.Context, id uuid.UUID) error {
	status := storage.SessionArchived
	return m.updateSession(ctx, id, storage.SessionUpdate{Status: &status})
}

// ClearMessages deletes every message of a session.
func (m *Manager) ClearMessages(ctx context.Context, id uuid.UUID) error {
	if err := m.driver.ClearMessages(ctx, id); err != nil {
		return fmt.Errorf("clearing messages: %w", err)
	}

	session, err := m.driver.GetSession(ctx, id)
	if err != nil {
		return fmt.Errorf("reloading session: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.replaceSession(*session)
	if m.current != nil && m.current.Session.ID == id {
		m.current.Messages = nil
	}
	return nil
}

// Sessions returns a copy of the loaded session list.
func (m *Manager) Sessions() []storage.Session {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return slices.Clone(m.sessions)
}

// CurrentSession returns a copy of the current conversation, or nil.
func (m *Manager) CurrentSession() *Conversation {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.current == nil {
		return nil
	}
	return m.current.clone()
}

// IsStreaming reports whether a reply is streaming.
func (m *Manager) IsStreaming() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.streaming
}

func (m *Manager) findSession(id uuid.UUID) (storage.Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, s := range m.sessions {
		if s.ID == id {
			return s, true
		}
	}
	return storage.Session{}, false
}

func (m *Manager) updateSession(ctx context.Context, id uuid.UUID, update storage.SessionUpdate) error {
	session, err := m.driver.UpdateSession(ctx, id, update)
	if err != nil {
		return fmt.Errorf("updating session: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.replaceSession(*session)
	return nil
}

// replaceSession must be called with mu held.
func (m *Manager) replaceSession(session storage.Session) {
	for i := range m.sessions {
		if m.sessions[i].ID == session.ID {
			m.sessions[i] = session
		}
	}
	if m.current != nil && m.current.Session.ID == session.ID {
		m.current.Session = session
	}
}

func (m *Manager) updateMessage(conv *Conversation, id uuid.UUID, fn func(*storage.Message)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range conv.Messages {
		if conv.Messages[i].ID == id {
			fn(&conv.Messages[i])
			return
		}
	}
}

// touchSession mirrors the counters SaveMessage maintains so the list is
// current before the pool has written the turn.
func (m *Manager) touchSession(id uuid.UUID, msgs ...*storage.Message) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for i := range m.sessions {
		s := &m.sessions[i]
		if s.ID != id {
			continue
		}
		for _, msg := range msgs {
			s.MessageCount++
			s.TotalTokens += msg.Tokens
			at := msg.CreatedAt
			s.LastMessageAt = &at
			s.UpdatedAt = at
		}
		if m.current != nil && m.current.Session.ID == id {
			m.current.Session = *s
		}
	}
}

func (m *Manager) persist(ctx context.Context, ref storage.SessionRef, user, assistant *storage.Message, turn Turn) {
	if m.pool != nil {
		if m.pool.Enqueue(worker.Job{Session: ref, User: user, Assistant: assistant, Turn: turn.Turn}) {
			return
		}
		m.logger.Warn("persistence queue full, saving inline", "session", ref.ID)
	}

	for _, msg := range []*storage.Message{user, assistant} {
		if err := m.driver.SaveMessage(context.WithoutCancel(ctx), msg); err != nil {
			m.logger.Error("saving message failed", "session", ref.ID, "role", msg.Role, "error", err)
			return
		}
	}
}
