package eventstream

import (
	"time"

	"github.com/google/uuid"

	"github.com/papercomputeco/minesafe/pkg/llm"
)

const (
	// SchemaVersionV1 is the first version of the event payload schema.
	SchemaVersionV1 = 1

	// EventTypeTurnCompleted is emitted after a chat turn is persisted.
	EventTypeTurnCompleted = "minesafe.chat.turn.completed"
)

// TurnCompletedEvent is a transport-neutral event payload for a completed
// chat turn.
type TurnCompletedEvent struct {
	SchemaVersion int         `json:"schema_version"`
	EventType     string      `json:"event_type"`
	EventID       string      `json:"event_id"`
	EmittedAt     time.Time   `json:"emitted_at"`
	Source        EventSource `json:"source"`
	Session       SessionMeta `json:"session"`
	Stream        StreamMeta  `json:"stream"`
	Turn          llm.Turn    `json:"turn"`
}

// EventSource identifies where the turn originated.
type EventSource struct {
	// Surface is the entry point that ran the turn, "cli" or "api".
	Surface string `json:"surface"`

	// Upstream is the provider base URL.
	Upstream string `json:"upstream,omitempty"`
}

// SessionMeta identifies the chat session the turn belongs to.
type SessionMeta struct {
	ID    string `json:"id"`
	Title string `json:"title,omitempty"`
}

// StreamMeta captures how the upstream stream resolved.
type StreamMeta struct {
	Reason     string `json:"reason"`
	Failed     bool   `json:"failed"`
	Chunks     int    `json:"chunks"`
	DurationMs int64  `json:"duration_ms"`
}

// NewTurnCompletedEvent fills the envelope fields around a turn.
func NewTurnCompletedEvent(source EventSource, session SessionMeta, turn llm.Turn) *TurnCompletedEvent {
	return &TurnCompletedEvent{
		SchemaVersion: SchemaVersionV1,
		EventType:     EventTypeTurnCompleted,
		EventID:       uuid.NewString(),
		EmittedAt:     time.Now().UTC(),
		Source:        source,
		Session:       session,
		Stream: StreamMeta{
			Reason:     turn.Reason,
			Failed:     turn.Failed,
			Chunks:     turn.Chunks,
			DurationMs: turn.Elapsed.Milliseconds(),
		},
		Turn: turn,
	}
}
