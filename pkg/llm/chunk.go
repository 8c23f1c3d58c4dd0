package llm

// ChunkObject is the object type of a streaming chat completion chunk.
const ChunkObject = "chat.completion.chunk"

// StreamChunk is one frame of a streaming chat completion, as written by
// the relay and read back by clients.
type StreamChunk struct {
	ID      string        `json:"id"`
	Object  string        `json:"object"`
	Created int64         `json:"created"`
	Model   string        `json:"model"`
	Choices []StreamDelta `json:"choices"`
}

// StreamDelta is the incremental part of a StreamChunk.
type StreamDelta struct {
	Index        int     `json:"index"`
	Delta        Message `json:"delta"`
	FinishReason *string `json:"finish_reason"`
}

// NewTextChunk returns a chunk carrying one assistant delta.
func NewTextChunk(id, model string, created int64, text string) StreamChunk {
	return StreamChunk{
		ID:      id,
		Object:  ChunkObject,
		Created: created,
		Model:   model,
		Choices: []StreamDelta{{
			Delta: Message{Role: RoleAssistant, Content: text},
		}},
	}
}

// NewStopChunk returns the final chunk with finish_reason set to reason.
func NewStopChunk(id, model string, created int64, reason string) StreamChunk {
	return StreamChunk{
		ID:      id,
		Object:  ChunkObject,
		Created: created,
		Model:   model,
		Choices: []StreamDelta{{
			FinishReason: &reason,
		}},
	}
}
