package stream

import (
	"encoding/json"
	"strings"

	"github.com/papercomputeco/minesafe/pkg/sse"
)

// Frame is one parsed "data: " payload.
type Frame struct {
	// Data is the trimmed payload after the "data: " prefix.
	Data string

	// Text is the extracted delta. It is empty for terminal, blank and
	// malformed frames.
	Text string

	// Strategy is the extraction strategy that produced Text.
	Strategy Strategy

	// Terminal marks an end-of-stream frame; Reason says which kind.
	Terminal bool
	Reason   Reason

	// Malformed marks a payload that is neither JSON nor a sentinel.
	Malformed bool
}

// terminalSentinels are payloads that end a stream outright. Some providers
// double the prefix or punctuate the sentinel.
var terminalSentinels = map[string]struct{}{
	sse.Done:                  {},
	sse.DataPrefix + sse.Done: {},
	sse.Done + ".":            {},
}

// ParseLine parses one line from the stream. The boolean is false for lines
// that do not carry a "data: " field.
func ParseLine(line string, strategies []Strategy) (Frame, bool) {
	rest, ok := strings.CutPrefix(line, sse.DataPrefix)
	if !ok {
		return Frame{}, false
	}
	return ParseData(strings.TrimSpace(rest), strategies), true
}

// ParseData classifies a trimmed payload and extracts its text.
//
// Termination is decided before extraction, so a frame carrying a
// finish_reason of "stop" or "length" yields no text.
func ParseData(data string, strategies []Strategy) Frame {
	f := Frame{Data: data}

	if _, ok := terminalSentinels[data]; ok {
		f.Terminal = true
		f.Reason = ReasonDone
		return f
	}

	// Blank payloads are keep-alives.
	if data == "" {
		return f
	}

	var payload any
	if err := json.Unmarshal([]byte(data), &payload); err != nil {
		if strings.Contains(data, sse.Done) {
			f.Terminal = true
			f.Reason = ReasonDone
			return f
		}
		f.Malformed = true
		return f
	}

	switch finishReason(payload) {
	case "stop", "length":
		f.Terminal = true
		f.Reason = ReasonFinishReason
		return f
	}

	f.Text, f.Strategy = extract(payload, strategies)
	return f
}

func finishReason(payload any) string {
	choice, ok := firstChoice(payload)
	if !ok {
		return ""
	}
	reason, _ := choice["finish_reason"].(string)
	return reason
}

func firstChoice(payload any) (map[string]any, bool) {
	root, ok := payload.(map[string]any)
	if !ok {
		return nil, false
	}
	choices, ok := root["choices"].([]any)
	if !ok || len(choices) == 0 {
		return nil, false
	}
	choice, ok := choices[0].(map[string]any)
	return choice, ok
}
