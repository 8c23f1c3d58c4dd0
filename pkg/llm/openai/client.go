// Package openai is a client for OpenAI-compatible chat completion APIs
// such as SiliconFlow, OpenAI and Ollama's /v1 endpoint.
package openai

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/papercomputeco/minesafe/pkg/dialog"
	"github.com/papercomputeco/minesafe/pkg/llm"
	"github.com/papercomputeco/minesafe/pkg/logger"
	"github.com/papercomputeco/minesafe/pkg/stream"
)

const (
	DefaultBaseURL = "https://api.siliconflow.cn/v1"
	DefaultModel   = "Qwen/Qwen2.5-7B-Instruct"

	DefaultSystemPrompt = "You are a mine safety knowledge assistant. Answer questions about " +
		"coal and metal mine safety regulations, hazard identification, ventilation, gas " +
		"monitoring, emergency response and protective equipment. Be accurate and concise, " +
		"and say so when a question is outside mine safety."

	// connectionCheckTimeout bounds CheckConnection.
	connectionCheckTimeout = 15 * time.Second
)

// DefaultModels is returned by Models when the provider cannot be asked.
var DefaultModels = []string{
	DefaultModel,
	"Qwen/Qwen2.5-14B-Instruct",
	"deepseek-ai/DeepSeek-V2.5",
	"THUDM/glm-4-9b-chat",
}

// ErrMissingAPIKey is returned when no API key is configured.
var ErrMissingAPIKey = errors.New("upstream API key is not configured")

// Config configures a Client.
type Config struct {
	BaseURL      string
	APIKey       string
	Model        string
	SystemPrompt string
	Params       llm.Params

	// HTTPClient defaults to a client without a timeout. The Ingestor's
	// watchdogs bound both the wait for headers and the stream.
	HTTPClient *http.Client

	// Ingestor defaults to stream.NewIngestor with the default watchdogs.
	Ingestor *stream.Ingestor

	// Gate, when set, is told about rejected credentials.
	Gate *dialog.Gate

	Logger *slog.Logger
}

// Client talks to one OpenAI-compatible provider.
type Client struct {
	baseURL      string
	apiKey       string
	model        string
	systemPrompt string
	params       llm.Params

	httpClient *http.Client
	ingestor   *stream.Ingestor
	gate       *dialog.Gate
	logger     *slog.Logger
}

// New returns a Client for cfg, filling unset fields with defaults.
func New(cfg Config) *Client {
	c := &Client{
		baseURL:      strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:       cfg.APIKey,
		model:        cfg.Model,
		systemPrompt: cfg.SystemPrompt,
		params:       cfg.Params,
		httpClient:   cfg.HTTPClient,
		ingestor:     cfg.Ingestor,
		gate:         cfg.Gate,
		logger:       cfg.Logger,
	}

	if c.baseURL == "" {
		c.baseURL = DefaultBaseURL
	}
	if c.model == "" {
		c.model = DefaultModel
	}
	if c.httpClient == nil {
		c.httpClient = &http.Client{}
	}
	if c.logger == nil {
		c.logger = logger.Nop()
	}
	if c.ingestor == nil {
		c.ingestor = stream.NewIngestor(stream.WithLogger(c.logger))
	}

	return c
}

// Model returns the chat model requests are sent to.
func (c *Client) Model() string {
	return c.model
}

// ChatStream sends message after history and streams the reply into cb.
// It blocks until cb has received its terminal signal.
func (c *Client) ChatStream(ctx context.Context, message string, history []llm.Message, cb stream.Callbacks) stream.Result {
	if c.apiKey == "" {
		return c.ingestor.Reject(cb, ErrMissingAPIKey)
	}

	messages := make([]llm.Message, 0, len(history)+1)
	messages = append(messages, history...)
	messages = append(messages, llm.NewUserMessage(message))

	c.logger.Debug("sending streaming chat request",
		"model", c.model,
		"messages", len(messages),
		"url", c.baseURL+"/chat/completions",
	)

	resp, err := c.post(ctx, messages, true)
	if err != nil {
		return c.ingestor.Reject(cb, err)
	}

	res := c.ingestor.Ingest(ctx, resp, cb)
	c.checkUnauthorized(res.Err)
	return res
}

// Chat sends messages without streaming and returns the reply text.
func (c *Client) Chat(ctx context.Context, messages []llm.Message) (string, error) {
	if c.apiKey == "" {
		return "", ErrMissingAPIKey
	}

	resp, err := c.post(ctx, messages, false)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		statusErr := stream.NewStatusError(resp)
		c.checkUnauthorized(statusErr)
		return "", statusErr
	}

	var out struct {
		llm.ChatResponse
		Error *llm.ErrorDetail `json:"error,omitempty"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("decoding chat response: %w", err)
	}
	if out.Error != nil {
		return "", fmt.Errorf("upstream error: %s", out.Error.Message)
	}
	if len(out.Choices) == 0 {
		return "", errors.New("upstream returned no choices")
	}

	return out.Text(), nil
}

// CheckConnection sends a one-message chat and reports whether it worked.
func (c *Client) CheckConnection(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, connectionCheckTimeout)
	defer cancel()

	_, err := c.Chat(ctx, []llm.Message{llm.NewUserMessage("hello")})
	return err
}

// Models lists the provider's model ids, falling back to DefaultModels
// when the key is missing or the request fails.
func (c *Client) Models(ctx context.Context) []string {
	if c.apiKey == "" {
		return fallbackModels(c.model)
	}

	models, err := c.listModels(ctx)
	if err != nil {
		c.logger.Warn("listing models failed, using defaults", "error", err)
		return fallbackModels(c.model)
	}
	return models
}

func (c *Client) listModels(ctx context.Context) ([]string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/models", nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("requesting models: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		statusErr := stream.NewStatusError(resp)
		c.checkUnauthorized(statusErr)
		return nil, statusErr
	}

	var list llm.ModelList
	if err := json.NewDecoder(resp.Body).Decode(&list); err != nil {
		return nil, fmt.Errorf("decoding models: %w", err)
	}

	ids := make([]string, 0, len(list.Data))
	for _, m := range list.Data {
		ids = append(ids, m.ID)
	}
	return ids, nil
}

func (c *Client) post(ctx context.Context, messages []llm.Message, streaming bool) (*http.Response, error) {
	body := llm.ChatRequest{
		Model:    c.model,
		Messages: c.withSystemPrompt(messages),
		Stream:   streaming,
	}
	c.params.Apply(&body)

	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("encoding chat request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("building chat request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Content-Type", "application/json")
	if streaming {
		req.Header.Set("Accept", "text/event-stream")
	}

	resp, err := c.ingestor.Send(c.httpClient, req)
	if err != nil {
		return nil, fmt.Errorf("sending chat request: %w", err)
	}
	return resp, nil
}

func (c *Client) withSystemPrompt(messages []llm.Message) []llm.Message {
	if c.systemPrompt == "" || (len(messages) > 0 && messages[0].Role == llm.RoleSystem) {
		return messages
	}
	out := make([]llm.Message, 0, len(messages)+1)
	out = append(out, llm.NewSystemMessage(c.systemPrompt))
	return append(out, messages...)
}

func (c *Client) checkUnauthorized(err error) {
	if !stream.IsUnauthorized(err) {
		return
	}
	if c.gate.SessionExpired(err.Error()) {
		c.logger.Warn("upstream rejected the API key")
	}
}

func fallbackModels(configured string) []string {
	models := []string{configured}
	for _, m := range DefaultModels {
		if m != configured {
			models = append(models, m)
		}
	}
	return models
}
