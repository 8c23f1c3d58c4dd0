// Package sse frames and unframes the line-oriented server-sent event
// streams spoken by OpenAI-compatible chat completion endpoints.
//
// LineReader cuts an upstream body into complete lines, optionally teeing
// every line to a transcript writer. Writer emits frames to a downstream
// client.
//
// See the SSE specification:
// https://html.spec.whatwg.org/multipage/server-sent-events.html
package sse

// DataPrefix is the field prefix carrying an event payload.
const DataPrefix = "data: "

// Done is the sentinel payload OpenAI-compatible providers send last.
const Done = "[DONE]"

// Event is a single outbound SSE event.
type Event struct {
	// Type is written as the "event:" field when non-empty.
	Type string

	// Data is written as one "data:" line per embedded newline.
	Data string

	// ID is written as the "id:" field when non-empty.
	ID string
}
