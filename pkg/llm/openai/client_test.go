package openai_test

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/papercomputeco/minesafe/pkg/dialog"
	"github.com/papercomputeco/minesafe/pkg/llm"
	"github.com/papercomputeco/minesafe/pkg/llm/openai"
	"github.com/papercomputeco/minesafe/pkg/stream"
)

// fakeProvider is a minimal OpenAI-compatible upstream.
type fakeProvider struct {
	mu       sync.Mutex
	requests []llm.ChatRequest
	headers  []http.Header

	status int
	body   string
	frames []string
	models []string
}

func (f *fakeProvider) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path == "/v1/models" {
		f.mu.Lock()
		f.headers = append(f.headers, r.Header.Clone())
		f.mu.Unlock()
		if f.status != 0 {
			w.WriteHeader(f.status)
			_, _ = io.WriteString(w, f.body)
			return
		}
		list := llm.ModelList{Object: "list"}
		for _, id := range f.models {
			list.Data = append(list.Data, llm.Model{ID: id, Object: "model"})
		}
		_ = json.NewEncoder(w).Encode(list)
		return
	}

	var req llm.ChatRequest
	_ = json.NewDecoder(r.Body).Decode(&req)
	f.mu.Lock()
	f.requests = append(f.requests, req)
	f.headers = append(f.headers, r.Header.Clone())
	f.mu.Unlock()

	if f.status != 0 {
		w.WriteHeader(f.status)
		_, _ = io.WriteString(w, f.body)
		return
	}

	if !req.Stream {
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{"id":"c1","object":"chat.completion","choices":[{"index":0,"message":{"role":"assistant","content":"pong"},"finish_reason":"stop"}]}`)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	for _, frame := range f.frames {
		_, _ = io.WriteString(w, frame)
		w.(http.Flusher).Flush()
	}
}

func (f *fakeProvider) lastRequest() llm.ChatRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.requests[len(f.requests)-1]
}

func (f *fakeProvider) lastHeader() http.Header {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.headers[len(f.headers)-1]
}

var _ = Describe("Client", func() {
	var (
		provider *fakeProvider
		server   *httptest.Server
		client   *openai.Client
		expired  []string
		gate     *dialog.Gate
		ctx      context.Context
	)

	BeforeEach(func() {
		ctx = context.Background()
		provider = &fakeProvider{}
		server = httptest.NewServer(provider)
		expired = nil
		gate = dialog.NewGate(dialog.ControllerFunc(func(reason string) {
			expired = append(expired, reason)
		}))
		client = openai.New(openai.Config{
			BaseURL:      server.URL + "/v1/",
			APIKey:       "sk-test",
			Model:        "Qwen/Qwen2.5-7B-Instruct",
			SystemPrompt: "You answer mine safety questions.",
			Params:       llm.Params{MaxTokens: 512, Temperature: 0.7},
			Gate:         gate,
		})
	})

	AfterEach(func() {
		server.Close()
	})

	Describe("ChatStream", func() {
		It("streams deltas from the provider", func() {
			provider.frames = []string{
				"data: {\"choices\":[{\"delta\":{\"role\":\"assistant\"}}]}\n\n",
				"data: {\"choices\":[{\"delta\":{\"content\":\"Check \"}}]}\n\n",
				"data: {\"choices\":[{\"delta\":{\"content\":\"methane levels.\"}}]}\n\n",
				"data: {\"choices\":[{\"delta\":{},\"finish_reason\":\"stop\"}]}\n\n",
				"data: [DONE]\n\n",
			}

			var text strings.Builder
			completed := 0
			res := client.ChatStream(ctx, "What first?", []llm.Message{
				llm.NewUserMessage("Hi"),
				llm.NewAssistantMessage("Hello, how can I help?"),
			}, stream.Callbacks{
				OnChunk:    func(s string) { text.WriteString(s) },
				OnComplete: func() error { completed++; return nil },
				OnError:    func(msg string) { Fail("unexpected error: " + msg) },
			})

			Expect(res.Reason).To(Equal(stream.ReasonFinishReason))
			Expect(text.String()).To(Equal("Check methane levels."))
			Expect(completed).To(Equal(1))
		})

		It("sends the system prompt, history and message with bearer auth", func() {
			provider.frames = []string{"data: [DONE]\n\n"}
			client.ChatStream(ctx, "What first?", []llm.Message{llm.NewUserMessage("Hi")}, stream.Callbacks{})

			req := provider.lastRequest()
			Expect(req.Stream).To(BeTrue())
			Expect(req.Model).To(Equal("Qwen/Qwen2.5-7B-Instruct"))
			Expect(req.Messages).To(Equal([]llm.Message{
				llm.NewSystemMessage("You answer mine safety questions."),
				llm.NewUserMessage("Hi"),
				llm.NewUserMessage("What first?"),
			}))
			Expect(*req.MaxTokens).To(Equal(512))
			Expect(*req.Temperature).To(BeNumerically("~", 0.7))
			Expect(req.TopP).To(BeNil())

			Expect(provider.lastHeader().Get("Authorization")).To(Equal("Bearer sk-test"))
		})

		It("reports a missing API key without calling the provider", func() {
			client = openai.New(openai.Config{BaseURL: server.URL + "/v1"})

			var errs []string
			res := client.ChatStream(ctx, "hi", nil, stream.Callbacks{
				OnError: func(msg string) { errs = append(errs, msg) },
			})

			Expect(res.Reason).To(Equal(stream.ReasonRequest))
			Expect(errs).To(Equal([]string{openai.ErrMissingAPIKey.Error()}))
			Expect(provider.requests).To(BeEmpty())
		})

		It("reports provider errors with status and detail", func() {
			provider.status = http.StatusInternalServerError
			provider.body = `{"error":{"message":"boom"}}`

			var errs []string
			client.ChatStream(ctx, "hi", nil, stream.Callbacks{
				OnError: func(msg string) { errs = append(errs, msg) },
			})

			Expect(errs).To(HaveLen(1))
			Expect(errs[0]).To(ContainSubstring("500"))
			Expect(errs[0]).To(ContainSubstring("boom"))
			Expect(expired).To(BeEmpty())
		})

		It("shows the session-expired dialog once for rejected keys", func() {
			provider.status = http.StatusUnauthorized
			provider.body = `{"message":"Invalid token"}`

			client.ChatStream(ctx, "hi", nil, stream.Callbacks{})
			client.ChatStream(ctx, "hi again", nil, stream.Callbacks{})

			Expect(expired).To(HaveLen(1))
			Expect(expired[0]).To(ContainSubstring("Invalid token"))
		})

		It("resolves when the provider never sends headers", func() {
			release := make(chan struct{})
			stalled := httptest.NewServer(http.HandlerFunc(func(_ http.ResponseWriter, r *http.Request) {
				select {
				case <-r.Context().Done():
				case <-release:
				}
			}))
			DeferCleanup(stalled.Close)
			DeferCleanup(func() { close(release) })

			client = openai.New(openai.Config{
				BaseURL:  stalled.URL + "/v1",
				APIKey:   "sk-test",
				Ingestor: stream.NewIngestor(stream.WithTotalTimeout(200*time.Millisecond), stream.WithIdleTimeout(100*time.Millisecond)),
			})

			done := make(chan stream.Result, 1)
			var errs []string
			go func() {
				done <- client.ChatStream(ctx, "hi", nil, stream.Callbacks{
					OnError: func(msg string) { errs = append(errs, msg) },
				})
			}()

			var res stream.Result
			Eventually(done, 2*time.Second).Should(Receive(&res))
			Expect(res.Reason).To(Equal(stream.ReasonTotalTimeout))
			Expect(errs).To(HaveLen(1))
			Expect(errs[0]).To(ContainSubstring("upstream sent no response"))
		})

		It("reports transport failures", func() {
			server.Close()

			var errs []string
			res := client.ChatStream(ctx, "hi", nil, stream.Callbacks{
				OnError: func(msg string) { errs = append(errs, msg) },
			})

			Expect(res.Reason).To(Equal(stream.ReasonRequest))
			Expect(errs).To(HaveLen(1))
			Expect(errs[0]).To(ContainSubstring("sending chat request"))
		})
	})

	Describe("Chat", func() {
		It("returns the reply text", func() {
			reply, err := client.Chat(ctx, []llm.Message{llm.NewUserMessage("ping")})
			Expect(err).NotTo(HaveOccurred())
			Expect(reply).To(Equal("pong"))
			Expect(provider.lastRequest().Stream).To(BeFalse())
			Expect(provider.lastRequest().Messages[0].Role).To(Equal(llm.RoleSystem))
		})

		It("returns provider errors", func() {
			provider.status = http.StatusBadRequest
			provider.body = `{"error":{"message":"model not found"}}`

			_, err := client.Chat(ctx, []llm.Message{llm.NewUserMessage("ping")})
			Expect(err).To(MatchError(ContainSubstring("model not found")))
		})

		It("requires an API key", func() {
			_, err := openai.New(openai.Config{}).Chat(ctx, nil)
			Expect(err).To(MatchError(openai.ErrMissingAPIKey))
		})
	})

	Describe("CheckConnection", func() {
		It("succeeds against a healthy provider", func() {
			Expect(client.CheckConnection(ctx)).To(Succeed())
		})

		It("fails against a broken provider", func() {
			provider.status = http.StatusServiceUnavailable
			Expect(client.CheckConnection(ctx)).NotTo(Succeed())
		})
	})

	Describe("Models", func() {
		It("lists provider models", func() {
			provider.models = []string{"a/one", "b/two"}
			Expect(client.Models(ctx)).To(Equal([]string{"a/one", "b/two"}))
			Expect(provider.lastHeader().Get("Authorization")).To(Equal("Bearer sk-test"))
		})

		It("falls back to the defaults on failure", func() {
			provider.status = http.StatusBadGateway
			models := client.Models(ctx)
			Expect(models[0]).To(Equal("Qwen/Qwen2.5-7B-Instruct"))
			Expect(models).To(ContainElements(openai.DefaultModels))
		})

		It("falls back to the defaults without a key", func() {
			c := openai.New(openai.Config{Model: "custom/model"})
			models := c.Models(ctx)
			Expect(models[0]).To(Equal("custom/model"))
			Expect(models).To(HaveLen(len(openai.DefaultModels) + 1))
		})
	})

	It("defaults the base URL and model", func() {
		c := openai.New(openai.Config{})
		Expect(c.Model()).To(Equal(openai.DefaultModel))
	})
})
