package api

import (
	"context"
	"encoding/json"
	"io"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"

	"github.com/papercomputeco/minesafe/pkg/chat"
	"github.com/papercomputeco/minesafe/pkg/llm"
	"github.com/papercomputeco/minesafe/pkg/sse"
	"github.com/papercomputeco/minesafe/pkg/storage"
	"github.com/papercomputeco/minesafe/pkg/worker"
)

// historyLimit is how many stored messages are sent back to the model.
const historyLimit = 100

// ChatRequest is the body of POST /api/chat/ai.
type ChatRequest struct {
	SessionID string `json:"sessionId"`
	Content   string `json:"content"`
}

// handleChatRelay streams one turn of a stored session back to the caller
// as OpenAI-compatible chunks terminated by "data: [DONE]". The turn is
// persisted once the upstream stream resolves successfully.
func (s *Server) handleChatRelay(c *fiber.Ctx) error {
	var req ChatRequest
	if err := c.BodyParser(&req); err != nil {
		return badRequest(c, "invalid request body")
	}

	content := strings.TrimSpace(req.Content)
	if content == "" {
		return badRequest(c, "content is required")
	}
	id, err := uuid.Parse(req.SessionID)
	if err != nil {
		return badRequest(c, "sessionId must be a session UUID")
	}

	ctx := c.Context()
	session, err := s.driver.GetSession(ctx, id)
	if err != nil {
		return s.storageError(c, err, "failed to get session")
	}

	history, err := s.history(ctx, id)
	if err != nil {
		return s.storageError(c, err, "failed to load history")
	}

	c.Set(fiber.HeaderContentType, "text/event-stream")
	c.Set(fiber.HeaderCacheControl, "no-cache")
	c.Set(fiber.HeaderConnection, "keep-alive")
	c.Set("X-Accel-Buffering", "no")

	// The relay runs after the handler returns, when fasthttp has recycled
	// its RequestCtx, so it gets its own context. Closing the body stream, a
	// failed client write and Shutdown all cancel it.
	relayCtx, cancel := context.WithCancel(s.ctx)
	pr, pw := io.Pipe()
	out := &relayStream{w: sse.NewWriter(pw), cancel: cancel}

	s.relays.Add(1)
	go func() {
		defer s.relays.Done()
		defer pw.Close()
		defer cancel()
		s.relay(relayCtx, out, session.Ref(), history, content)
	}()

	c.Context().Response.SetBodyStream(&relayBody{pr: pr, cancel: cancel}, -1)
	return nil
}

// relayBody is the response body stream. fasthttp closes it once the
// response is done or the client connection fails, through CloseWithError
// when it has a write error.
type relayBody struct {
	pr     *io.PipeReader
	cancel context.CancelFunc
}

func (b *relayBody) Read(p []byte) (int, error) {
	return b.pr.Read(p)
}

func (b *relayBody) Close() error {
	return b.CloseWithError(nil)
}

func (b *relayBody) CloseWithError(err error) error {
	b.cancel()
	return b.pr.CloseWithError(err)
}

// relayStream serializes writes to the client and stops the turn on the
// first failed write.
type relayStream struct {
	mu     sync.Mutex
	w      *sse.Writer
	gone   bool
	cancel context.CancelFunc
}

func (r *relayStream) send(write func(w *sse.Writer) error) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.gone {
		return false
	}
	if err := write(r.w); err != nil {
		r.gone = true
		r.cancel()
		return false
	}
	return true
}

func (r *relayStream) frame(v any) bool {
	data, err := json.Marshal(v)
	if err != nil {
		return false
	}
	return r.send(func(w *sse.Writer) error { return w.WriteData(string(data)) })
}

// keepAlive writes a comment every interval until ctx ends, so a client
// that left before the first delta is noticed without waiting for the
// upstream.
func (r *relayStream) keepAlive(ctx context.Context, interval time.Duration) {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if !r.send(func(w *sse.Writer) error { return w.WriteComment("keep-alive") }) {
				return
			}
		}
	}
}

func (s *Server) relay(ctx context.Context, out *relayStream, session storage.SessionRef, history []llm.Message, content string) {
	var (
		id      = "chatcmpl-" + uuid.NewString()
		model   = s.upstream.Model()
		created = time.Now().Unix()
	)

	pingCtx, stopPing := context.WithCancel(ctx)
	go out.keepAlive(pingCtx, s.keepAlive())

	turn := chat.RunTurn(ctx, s.upstream, history, content, chat.Observer{
		OnChunk: func(text string) {
			out.frame(llm.NewTextChunk(id, model, created, text))
		},
		OnError: func(message string) {
			data, _ := json.Marshal(llm.ErrorResponse{Error: llm.ErrorDetail{Message: message, Type: "upstream_error"}})
			out.send(func(w *sse.Writer) error {
				return w.WriteEvent(sse.Event{Type: "error", Data: string(data)})
			})
		},
	})
	stopPing()

	if turn.Failed {
		out.frame(llm.NewTextChunk(id, model, created, turn.Reply.Content))
	}
	if out.frame(llm.NewStopChunk(id, model, created, "stop")) {
		out.send(func(w *sse.Writer) error { return w.WriteDone() })
	}

	s.logger.Info("relayed chat turn",
		"session", session.ID,
		"reason", turn.Reason,
		"chunks", turn.Chunks,
		"elapsed", turn.Elapsed,
		"failed", turn.Failed,
	)

	if turn.Failed {
		return
	}
	s.persist(session, turn)
}

// history returns the most recent stored messages, oldest first, minus
// failed exchanges.
func (s *Server) history(ctx context.Context, id uuid.UUID) ([]llm.Message, error) {
	list, err := s.driver.ListMessages(ctx, id, storage.ListOptions{
		Limit: historyLimit,
		Order: storage.OrderDesc,
	})
	if err != nil {
		return nil, err
	}
	slices.Reverse(list)

	conv := chat.Conversation{Messages: make([]storage.Message, 0, len(list))}
	for _, m := range list {
		conv.Messages = append(conv.Messages, *m)
	}
	return conv.History(), nil
}

func (s *Server) persist(session storage.SessionRef, turn chat.Turn) {
	user, assistant := turn.Messages(session)

	if s.pool != nil {
		if s.pool.Enqueue(worker.Job{Session: session, User: user, Assistant: assistant, Turn: turn.Turn}) {
			return
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	for _, msg := range []*storage.Message{user, assistant} {
		if err := s.driver.SaveMessage(ctx, msg); err != nil {
			s.logger.Error("saving relayed message failed", "session", session.ID, "role", msg.Role, "error", err)
			return
		}
	}
}
