// Package llm holds the chat completion wire types shared by the upstream
// client, the chat manager and the HTTP relay.
package llm

// Message roles understood by OpenAI-compatible providers.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Message is a single conversation message.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// NewSystemMessage returns a system message.
func NewSystemMessage(content string) Message {
	return Message{Role: RoleSystem, Content: content}
}

// NewUserMessage returns a user message.
func NewUserMessage(content string) Message {
	return Message{Role: RoleUser, Content: content}
}

// NewAssistantMessage returns an assistant message.
func NewAssistantMessage(content string) Message {
	return Message{Role: RoleAssistant, Content: content}
}
