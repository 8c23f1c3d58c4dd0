package stream

// Strategy is one place a provider may put the text of a frame. Providers
// and API versions disagree, so strategies are tried in order and the
// first non-empty string wins.
type Strategy int

const (
	// DeltaContent reads choices[0].delta.content.
	DeltaContent Strategy = iota + 1

	// MessageContent reads choices[0].message.content. Some providers send
	// a whole message in the first frame.
	MessageContent

	// RootContent reads a top-level string "content".
	RootContent
)

// DefaultStrategies is the extraction order used when none is configured.
var DefaultStrategies = []Strategy{DeltaContent, MessageContent, RootContent}

func (s Strategy) String() string {
	switch s {
	case DeltaContent:
		return "delta_content"
	case MessageContent:
		return "message_content"
	case RootContent:
		return "root_content"
	default:
		return "unknown"
	}
}

// Extract returns the strategy's text from a decoded JSON payload.
func (s Strategy) Extract(payload any) (string, bool) {
	switch s {
	case DeltaContent:
		return choiceContent(payload, "delta")
	case MessageContent:
		return choiceContent(payload, "message")
	case RootContent:
		root, ok := payload.(map[string]any)
		if !ok {
			return "", false
		}
		text, ok := root["content"].(string)
		return text, ok && text != ""
	default:
		return "", false
	}
}

func choiceContent(payload any, field string) (string, bool) {
	choice, ok := firstChoice(payload)
	if !ok {
		return "", false
	}
	inner, ok := choice[field].(map[string]any)
	if !ok {
		return "", false
	}
	text, ok := inner["content"].(string)
	return text, ok && text != ""
}

func extract(payload any, strategies []Strategy) (string, Strategy) {
	for _, s := range strategies {
		if text, ok := s.Extract(payload); ok {
			return text, s
		}
	}
	return "", 0
}
