package llm

import "time"

// Turn is one completed user/assistant exchange.
type Turn struct {
	Model     string        `json:"model"`
	Prompt    Message       `json:"prompt"`
	Reply     Message       `json:"reply"`
	Reason    string        `json:"reason"`
	Failed    bool          `json:"failed"`
	Chunks    int           `json:"chunks"`
	Elapsed   time.Duration `json:"elapsed_ns"`
	StartedAt time.Time     `json:"started_at"`
}
