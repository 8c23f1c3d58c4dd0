// Package storage persists chat sessions and their messages.
package storage

import (
	"context"

	"github.com/google/uuid"
)

// Driver defines the interface for persisting and retrieving chat history
// in a storage backend.
type Driver interface {
	// CreateSession stores a new session. A nil ID is replaced with a new
	// UUID and unset timestamps and status are filled in.
	CreateSession(ctx context.Context, session *Session) error

	// GetSession retrieves a session by id.
	GetSession(ctx context.Context, id uuid.UUID) (*Session, error)

	// ListSessions returns sessions, most recently updated first unless
	// opts.Order says otherwise.
	ListSessions(ctx context.Context, opts ListOptions) ([]*Session, error)

	// CountSessions counts sessions, optionally filtered by status.
	CountSessions(ctx context.Context, status SessionStatus) (int, error)

	// UpdateSession applies the non-nil fields of update and returns the
	// updated session.
	UpdateSession(ctx context.Context, id uuid.UUID, update SessionUpdate) (*Session, error)

	// DeleteSession removes a session and all of its messages.
	DeleteSession(ctx context.Context, id uuid.UUID) error

	// SaveMessage appends a message to its session, bumping the session's
	// message count, token total and last message time.
	SaveMessage(ctx context.Context, msg *Message) error

	// ListMessages returns a session's messages, oldest first unless
	// opts.Order says otherwise.
	ListMessages(ctx context.Context, sessionID uuid.UUID, opts ListOptions) ([]*Message, error)

	// ClearMessages removes every message of a session and resets its
	// counters.
	ClearMessages(ctx context.Context, sessionID uuid.UUID) error

	// Close closes the store and releases any resources.
	Close() error
}
