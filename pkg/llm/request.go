package llm

// ChatRequest is the body POSTed to <base>/chat/completions.
type ChatRequest struct {
	Model    string    `json:"model"`
	Messages []Message `json:"messages"`
	Stream   bool      `json:"stream"`

	// Generation parameters. Nil fields are left to the provider.
	MaxTokens   *int     `json:"max_tokens,omitempty"`
	Temperature *float64 `json:"temperature,omitempty"`
	TopP        *float64 `json:"top_p,omitempty"`
}

// Params are the generation parameters applied to every request.
type Params struct {
	MaxTokens   int
	Temperature float64
	TopP        float64
}

// Apply copies non-zero params onto req.
func (p Params) Apply(req *ChatRequest) {
	if p.MaxTokens > 0 {
		req.MaxTokens = &p.MaxTokens
	}
	if p.Temperature > 0 {
		req.Temperature = &p.Temperature
	}
	if p.TopP > 0 {
		req.TopP = &p.TopP
	}
}
