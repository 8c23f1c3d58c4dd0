package storage

import (
	"errors"
	"time"

	"github.com/google/uuid"
)

// DefaultSessionTitle is given to sessions created without a title.
const DefaultSessionTitle = "New conversation"

// SessionStatus is the lifecycle state of a session.
type SessionStatus string

const (
	SessionActive   SessionStatus = "active"
	SessionArchived SessionStatus = "archived"
)

// Valid reports whether s is a known status.
func (s SessionStatus) Valid() bool {
	return s == SessionActive || s == SessionArchived
}

// Session is one chat conversation.
type Session struct {
	ID            uuid.UUID     `json:"id"`
	Title         string        `json:"title"`
	Description   string        `json:"description,omitempty"`
	Status        SessionStatus `json:"status"`
	Model         string        `json:"model,omitempty"`
	MessageCount  int           `json:"messageCount"`
	TotalTokens   int           `json:"totalTokens"`
	CreatedAt     time.Time     `json:"createdAt"`
	UpdatedAt     time.Time     `json:"updatedAt"`
	LastMessageAt *time.Time    `json:"lastMessageAt,omitempty"`
}

// SessionRef identifies a session without its counters.
type SessionRef struct {
	ID    uuid.UUID
	Title string
}

// Ref returns the session's SessionRef.
func (s *Session) Ref() SessionRef {
	return SessionRef{ID: s.ID, Title: s.Title}
}

// MessageStatus records how an assistant reply ended.
type MessageStatus string

const (
	MessageComplete MessageStatus = "complete"
	MessagePartial  MessageStatus = "partial"
	MessageFailed   MessageStatus = "failed"
)

// Message is one message of a session.
type Message struct {
	ID        uuid.UUID     `json:"id"`
	SessionID uuid.UUID     `json:"sessionId"`
	Role      string        `json:"role"`
	Content   string        `json:"content"`
	Status    MessageStatus `json:"status"`
	Model     string        `json:"model,omitempty"`
	Tokens    int           `json:"tokens"`
	CreatedAt time.Time     `json:"createdAt"`
}

// Order is a sort direction.
type Order string

const (
	OrderAsc  Order = "asc"
	OrderDesc Order = "desc"
)

// ListOptions pages and filters list calls. A zero Limit means no limit.
type ListOptions struct {
	Limit  int
	Offset int
	Order  Order
	Status SessionStatus
}

// SessionUpdate carries the fields UpdateSession may change.
type SessionUpdate struct {
	Title       *string
	Description *string
	Status      *SessionStatus
}

// ErrInvalidStatus is returned for an unknown session status.
var ErrInvalidStatus = errors.New("invalid session status")

// PrepareSession fills defaults on a session about to be created.
func PrepareSession(s *Session, now time.Time) error {
	if s.ID == uuid.Nil {
		s.ID = uuid.New()
	}
	if s.Title == "" {
		s.Title = DefaultSessionTitle
	}
	if s.Status == "" {
		s.Status = SessionActive
	}
	if !s.Status.Valid() {
		return ErrInvalidStatus
	}
	if s.CreatedAt.IsZero() {
		s.CreatedAt = now
	}
	if s.UpdatedAt.IsZero() {
		s.UpdatedAt = s.CreatedAt
	}
	return nil
}

// PrepareMessage fills defaults on a message about to be saved.
func PrepareMessage(m *Message, now time.Time) error {
	if m.SessionID == uuid.Nil {
		return errors.New("message has no session")
	}
	if m.ID == uuid.Nil {
		m.ID = uuid.New()
	}
	if m.Status == "" {
		m.Status = MessageComplete
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = now
	}
	return nil
}

// EstimateTokens is a rough token count for providers that do not report
// usage: one token per four bytes, at least one for non-empty text.
func EstimateTokens(text string) int {
	if text == "" {
		return 0
	}
	return (len(text) + 3) / 4
}
