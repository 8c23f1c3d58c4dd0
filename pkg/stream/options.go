package stream

import (
	"io"
	"log/slog"
	"time"
)

const (
	// DefaultTotalTimeout bounds the whole stream.
	DefaultTotalTimeout = 30 * time.Second

	// DefaultIdleTimeout bounds the gap between two delivered deltas.
	DefaultIdleTimeout = 10 * time.Second
)

// Option configures an Ingestor.
type Option func(*Ingestor)

// WithTotalTimeout sets the total stream duration. Zero disables it.
func WithTotalTimeout(d time.Duration) Option {
	return func(in *Ingestor) {
		in.totalTimeout = d
	}
}

// WithIdleTimeout sets the maximum gap between deltas. Zero disables it.
func WithIdleTimeout(d time.Duration) Option {
	return func(in *Ingestor) {
		in.idleTimeout = d
	}
}

// WithStrategies replaces the content extraction order.
func WithStrategies(strategies ...Strategy) Option {
	return func(in *Ingestor) {
		in.strategies = strategies
	}
}

// WithLogger sets the logger used for skipped frames and resolutions.
func WithLogger(logger *slog.Logger) Option {
	return func(in *Ingestor) {
		in.logger = logger
	}
}

// WithTranscript copies every complete line read from upstream to w.
// Lines from concurrent streams may interleave.
func WithTranscript(w io.Writer) Option {
	return func(in *Ingestor) {
		if w == nil {
			in.transcript = nil
			return
		}
		in.transcript = &lockedWriter{w: w}
	}
}
