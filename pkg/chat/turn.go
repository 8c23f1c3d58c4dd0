// Package chat drives chat turns against a streaming model and keeps the
// client-side view of sessions and their messages.
package chat

import (
	"context"
	"strings"
	"time"

	"github.com/papercomputeco/minesafe/pkg/llm"
	"github.com/papercomputeco/minesafe/pkg/storage"
	"github.com/papercomputeco/minesafe/pkg/stream"
)

// FallbackReply replaces the assistant reply of a failed turn.
const FallbackReply = "Sorry, the AI service is temporarily unavailable. Please try again later."

// Streamer streams one model reply. *openai.Client and the API client both
// satisfy it.
type Streamer interface {
	ChatStream(ctx context.Context, message string, history []llm.Message, cb stream.Callbacks) stream.Result
	Model() string
}

// Observer follows a running turn. Any field may be nil.
type Observer struct {
	// OnChunk receives each text delta as it arrives.
	OnChunk func(text string)

	// OnError receives the upstream failure message before the reply is
	// replaced with FallbackReply.
	OnError func(message string)
}

// Turn is the outcome of RunTurn.
type Turn struct {
	llm.Turn

	// Error is the failure message delivered through OnError, if any.
	Error string

	Result stream.Result
}

// Status maps the stream outcome to the stored status of the reply.
func (t Turn) Status() storage.MessageStatus {
	switch {
	case t.Failed:
		return storage.MessageFailed
	case t.Result.Reason.TimedOut(), t.Result.Reason == stream.ReasonCanceled:
		return storage.MessagePartial
	default:
		return storage.MessageComplete
	}
}

// Messages returns the user prompt and the assistant reply as storage
// messages for session.
func (t Turn) Messages(session storage.SessionRef) (*storage.Message, *storage.Message) {
	user := &storage.Message{
		SessionID: session.ID,
		Role:      t.Prompt.Role,
		Content:   t.Prompt.Content,
		Status:    storage.MessageComplete,
		Model:     llm.RoleUser,
		Tokens:    storage.EstimateTokens(t.Prompt.Content),
		CreatedAt: t.StartedAt,
	}
	assistant := &storage.Message{
		SessionID: session.ID,
		Role:      t.Reply.Role,
		Content:   t.Reply.Content,
		Status:    t.Status(),
		Model:     t.Model,
		Tokens:    storage.EstimateTokens(t.Reply.Content),
		CreatedAt: t.StartedAt.Add(t.Elapsed),
	}
	return user, assistant
}

// RunTurn sends content after history and streams the reply. It blocks until
// the stream resolves. Chunks are accumulated into the reply; a failed stream
// replaces the reply with FallbackReply, while a timed out or canceled one
// keeps whatever arrived.
func RunTurn(ctx context.Context, s Streamer, history []llm.Message, content string, obs Observer) Turn {
	var (
		reply  strings.Builder
		errMsg string
	)

	started := time.Now()
	res := s.ChatStream(ctx, content, history, stream.Callbacks{
		OnChunk: func(text string) {
			reply.WriteString(text)
			if obs.OnChunk != nil {
				obs.OnChunk(text)
			}
		},
		OnError: func(message string) {
			errMsg = message
			if obs.OnError != nil {
				obs.OnError(message)
			}
		},
	})

	turn := Turn{
		Turn: llm.Turn{
			Model:     s.Model(),
			Prompt:    llm.NewUserMessage(content),
			Reply:     llm.NewAssistantMessage(reply.String()),
			Reason:    string(res.Reason),
			Failed:    res.Failed(),
			Chunks:    res.Chunks,
			Elapsed:   res.Elapsed,
			StartedAt: started,
		},
		Error:  errMsg,
		Result: res,
	}
	if !res.StartedAt.IsZero() {
		turn.StartedAt = res.StartedAt
	}
	if turn.Failed {
		turn.Reply.Content = FallbackReply
		if turn.Error == "" && res.Err != nil {
			turn.Error = res.Err.Error()
		}
	}

	return turn
}
