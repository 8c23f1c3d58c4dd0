// Package inmemory is a map-backed storage driver for tests and for
// running without a database.
package inmemory

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/papercomputeco/minesafe/pkg/storage"
)

// Driver implements storage.Driver using in-memory maps.
type Driver struct {
	// mu guards every field below
	mu sync.RWMutex

	sessions map[uuid.UUID]*storage.Session

	// messages holds each session's messages in insertion order
	messages map[uuid.UUID][]*storage.Message

	// seq records creation order for stable sorting of equal timestamps
	seq  map[uuid.UUID]int
	next int

	now func() time.Time
}

// NewDriver creates a new in-memory driver.
func NewDriver() *Driver {
	return &Driver{
		sessions: make(map[uuid.UUID]*storage.Session),
		messages: make(map[uuid.UUID][]*storage.Message),
		seq:      make(map[uuid.UUID]int),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// CreateSession stores a copy of session.
func (d *Driver) CreateSession(_ context.Context, session *storage.Session) error {
	if session == nil {
		return errors.New("cannot store nil session")
	}
	if err := storage.PrepareSession(session, d.now()); err != nil {
		return err
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if _, ok := d.sessions[session.ID]; ok {
		return errors.New("session already exists: " + session.ID.String())
	}

	cp := *session
	d.sessions[session.ID] = &cp
	d.seq[session.ID] = d.next
	d.next++
	return nil
}

// GetSession retrieves a copy of a session.
func (d *Driver) GetSession(_ context.Context, id uuid.UUID) (*storage.Session, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	s, ok := d.sessions[id]
	if !ok {
		return nil, storage.SessionNotFound(id)
	}
	cp := *s
	return &cp, nil
}

// ListSessions returns copies of the matching sessions.
func (d *Driver) ListSessions(_ context.Context, opts storage.ListOptions) ([]*storage.Session, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	out := make([]*storage.Session, 0, len(d.sessions))
	for _, s := range d.sessions {
		if opts.Status != "" && s.Status != opts.Status {
			continue
		}
		cp := *s
		out = append(out, &cp)
	}

	asc := opts.Order == storage.OrderAsc
	sort.SliceStable(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if !a.UpdatedAt.Equal(b.UpdatedAt) {
			if asc {
				return a.UpdatedAt.Before(b.UpdatedAt)
			}
			return a.UpdatedAt.After(b.UpdatedAt)
		}
		if asc {
			return d.seq[a.ID] < d.seq[b.ID]
		}
		return d.seq[a.ID] > d.seq[b.ID]
	})

	return page(out, opts), nil
}

// CountSessions counts sessions with status, or all of them.
func (d *Driver) CountSessions(_ context.Context, status storage.SessionStatus) (int, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	if status == "" {
		return len(d.sessions), nil
	}
	n := 0
	for _, s := range d.sessions {
		if s.Status == status {
			n++
		}
	}
	return n, nil
}

// UpdateSession applies update to a session.
func (d *Driver) UpdateSession(_ context.Context, id uuid.UUID, update storage.SessionUpdate) (*storage.Session, error) {
	if update.Status != nil && !update.Status.Valid() {
		return nil, storage.ErrInvalidStatus
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	s, ok := d.sessions[id]
	if !ok {
		return nil, storage.SessionNotFound(id)
	}

	if update.Title != nil {
		s.Title = *update.Title
	}
	if update.Description != nil {
		s.Description = *update.Description
	}
	if update.Status != nil {
		s.Status = *update.Status
	}
	s.UpdatedAt = d.now()

	cp := *s
	return &cp, nil
}

// DeleteSession removes a session and its messages.
func (d *Driver) DeleteSession(_ context.Context, id uuid.UUID) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if _, ok := d.sessions[id]; !ok {
		return storage.SessionNotFound(id)
	}
	delete(d.sessions, id)
	delete(d.messages, id)
	delete(d.seq, id)
	return nil
}

// SaveMessage appends a copy of msg to its session.
func (d *Driver) SaveMessage(_ context.Context, msg *storage.Message) error {
	if msg == nil {
		return errors.New("cannot store nil message")
	}
	now := d.now()
	if err := storage.PrepareMessage(msg, now); err != nil {
		return err
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	s, ok := d.sessions[msg.SessionID]
	if !ok {
		return storage.SessionNotFound(msg.SessionID)
	}

	cp := *msg
	d.messages[msg.SessionID] = append(d.messages[msg.SessionID], &cp)

	s.MessageCount++
	s.TotalTokens += msg.Tokens
	last := msg.CreatedAt
	s.LastMessageAt = &last
	s.UpdatedAt = now
	return nil
}

// ListMessages returns copies of a session's messages.
func (d *Driver) ListMessages(_ context.Context, sessionID uuid.UUID, opts storage.ListOptions) ([]*storage.Message, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	if _, ok := d.sessions[sessionID]; !ok {
		return nil, storage.SessionNotFound(sessionID)
	}

	stored := d.messages[sessionID]
	out := make([]*storage.Message, 0, len(stored))
	for _, m := range stored {
		cp := *m
		out = append(out, &cp)
	}

	if opts.Order == storage.OrderDesc {
		for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
			out[i], out[j] = out[j], out[i]
		}
	}

	return page(out, opts), nil
}

// ClearMessages drops a session's messages and resets its counters.
func (d *Driver) ClearMessages(_ context.Context, sessionID uuid.UUID) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	s, ok := d.sessions[sessionID]
	if !ok {
		return storage.SessionNotFound(sessionID)
	}

	delete(d.messages, sessionID)
	s.MessageCount = 0
	s.TotalTokens = 0
	s.LastMessageAt = nil
	s.UpdatedAt = d.now()
	return nil
}

// Close is a no-op for the in-memory driver.
func (d *Driver) Close() error {
	return nil
}

func page[T any](items []T, opts storage.ListOptions) []T {
	if opts.Offset > 0 {
		if opts.Offset >= len(items) {
			return items[:0]
		}
		items = items[opts.Offset:]
	}
	if opts.Limit > 0 && opts.Limit < len(items) {
		items = items[:opts.Limit]
	}
	return items
}
