// Package stream consumes OpenAI-compatible chat completion streams.
//
// An Ingestor reads "data: " frames from a response body, hands each text
// delta to the caller and resolves the stream exactly once, either through
// OnComplete or through OnError. Two watchdogs bound the stream: a total
// duration and a maximum gap between delivered deltas. Either one firing
// completes the stream with whatever content was already delivered.
package stream

import (
	"time"
)

// Callbacks receive the outcome of one stream. Any of them may be nil.
type Callbacks struct {
	// OnChunk is called once per non-empty text delta, in arrival order.
	OnChunk func(text string)

	// OnComplete is the success terminal signal. An error it returns is
	// logged and reported on Result.HandlerErr.
	OnComplete func() error

	// OnError is the failure terminal signal.
	OnError func(message string)
}

// Reason names how a stream was resolved.
type Reason string

const (
	ReasonDone          Reason = "done"
	ReasonFinishReason  Reason = "finish_reason"
	ReasonEOF           Reason = "eof"
	ReasonTotalTimeout  Reason = "total_timeout"
	ReasonIdleTimeout   Reason = "idle_timeout"
	ReasonCanceled      Reason = "canceled"
	ReasonHTTPStatus    Reason = "http_status"
	ReasonNoBody        Reason = "no_body"
	ReasonReadError     Reason = "read_error"
	ReasonRequest       Reason = "request_error"
	ReasonCallbackPanic Reason = "callback_panic"
)

// TimedOut reports whether a watchdog ended the stream.
func (r Reason) TimedOut() bool {
	return r == ReasonTotalTimeout || r == ReasonIdleTimeout
}

// Result summarizes a resolved stream.
type Result struct {
	Reason Reason

	// Err is set when the stream resolved through OnError.
	Err error

	// HandlerErr is set when OnComplete or OnError itself failed.
	HandlerErr error

	// Chunks is the number of OnChunk deliveries.
	Chunks int

	StartedAt   time.Time
	LastEventAt time.Time
	Elapsed     time.Duration
}

// Failed reports whether the stream resolved through OnError.
func (r Result) Failed() bool {
	return r.Err != nil
}
