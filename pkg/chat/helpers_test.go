package chat_test

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/papercomputeco/minesafe/pkg/llm"
	"github.com/papercomputeco/minesafe/pkg/stream"
)

// fakeStreamer replays a canned SSE body through a real Ingestor.
type fakeStreamer struct {
	ingestor *stream.Ingestor

	mu       sync.Mutex
	body     func() io.Reader
	err      error
	messages []string
	history  [][]llm.Message
}

func newFakeStreamer(opts ...stream.Option) *fakeStreamer {
	return &fakeStreamer{ingestor: stream.NewIngestor(opts...)}
}

func (f *fakeStreamer) reply(chunks ...string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.err = nil
	f.body = func() io.Reader { return strings.NewReader(sseBody(chunks...)) }
}

func (f *fakeStreamer) fail(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.err = err
}

func (f *fakeStreamer) from(r io.Reader) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.err = nil
	f.body = func() io.Reader { return r }
}

func (f *fakeStreamer) ChatStream(ctx context.Context, message string, history []llm.Message, cb stream.Callbacks) stream.Result {
	f.mu.Lock()
	f.messages = append(f.messages, message)
	f.history = append(f.history, append([]llm.Message(nil), history...))
	err, body := f.err, f.body
	f.mu.Unlock()

	if err != nil {
		return f.ingestor.Reject(cb, err)
	}
	if body == nil {
		return f.ingestor.Reject(cb, errors.New("no reply configured"))
	}
	return f.ingestor.Consume(ctx, body(), cb)
}

func (f *fakeStreamer) Model() string { return "test-model" }

func (f *fakeStreamer) lastHistory() []llm.Message {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.history) == 0 {
		return nil
	}
	return f.history[len(f.history)-1]
}

func deltaFrame(text string) string {
	return fmt.Sprintf("data: {\"choices\":[{\"delta\":{\"content\":%q}}]}\n\n", text)
}

func sseBody(chunks ...string) string {
	var b strings.Builder
	for _, c := range chunks {
		b.WriteString(deltaFrame(c))
	}
	b.WriteString("data: [DONE]\n\n")
	return b.String()
}
