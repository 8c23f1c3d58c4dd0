package testutils

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"

	"github.com/papercomputeco/minesafe/pkg/llm"
)

// UpstreamModel is the model the fake upstream reports.
const UpstreamModel = "Qwen/Qwen2.5-7B-Instruct"

// Upstream is a fake OpenAI-compatible provider. Streaming requests get the
// configured words as deltas, non-streaming ones a single "pong".
type Upstream struct {
	server *httptest.Server

	mu       sync.Mutex
	words    []string
	status   int
	body     string
	requests []llm.ChatRequest
}

// NewUpstream starts a fake provider replying with words.
func NewUpstream(words ...string) *Upstream {
	u := &Upstream{words: words}
	u.server = httptest.NewServer(u)
	return u
}

// URL is the base URL to configure as upstream.base_url.
func (u *Upstream) URL() string {
	return u.server.URL + "/v1"
}

// Close stops the server.
func (u *Upstream) Close() {
	u.server.Close()
}

// Fail makes every following request answer with status and body.
func (u *Upstream) Fail(status int, body string) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.status = status
	u.body = body
}

// Requests returns the chat requests received so far.
func (u *Upstream) Requests() []llm.ChatRequest {
	u.mu.Lock()
	defer u.mu.Unlock()
	return append([]llm.ChatRequest(nil), u.requests...)
}

func (u *Upstream) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	u.mu.Lock()
	status, body, words := u.status, u.body, u.words
	u.mu.Unlock()

	if status != 0 {
		w.WriteHeader(status)
		_, _ = io.WriteString(w, body)
		return
	}

	switch r.URL.Path {
	case "/v1/models":
		_ = json.NewEncoder(w).Encode(llm.ModelList{
			Object: "list",
			Data:   []llm.Model{{ID: UpstreamModel, Object: "model"}},
		})
		return
	case "/v1/chat/completions":
	default:
		http.NotFound(w, r)
		return
	}

	var req llm.ChatRequest
	_ = json.NewDecoder(r.Body).Decode(&req)
	u.mu.Lock()
	u.requests = append(u.requests, req)
	u.mu.Unlock()

	if !req.Stream {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(llm.ChatResponse{
			ID:     "c1",
			Object: "chat.completion",
			Model:  UpstreamModel,
			Choices: []llm.Choice{{
				Message:      llm.NewAssistantMessage("pong"),
				FinishReason: "stop",
			}},
		})
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	flusher, _ := w.(http.Flusher)
	write := func(chunk llm.StreamChunk) {
		data, _ := json.Marshal(chunk)
		fmt.Fprintf(w, "data: %s\n\n", data)
		if flusher != nil {
			flusher.Flush()
		}
	}
	for _, word := range words {
		write(llm.NewTextChunk("c1", UpstreamModel, 0, word))
	}
	write(llm.NewStopChunk("c1", UpstreamModel, 0, "stop"))
	fmt.Fprint(w, "data: [DONE]\n\n")
}
