package logger

import (
	"io"
	"log/slog"
)

// Format selects the handler New builds.
type Format int

const (
	// FormatText is slog's key=value handler.
	FormatText Format = iota
	// FormatPretty is the colorized charmbracelet/log handler for terminals.
	FormatPretty
	// FormatJSON is one JSON object per record, for log files and collectors.
	FormatJSON
)

// Option configures a logger created with New.
type Option func(*config)

// WithDebug lowers the level to Debug.
func WithDebug(debug bool) Option {
	return func(c *config) {
		if debug {
			c.level = slog.LevelDebug
		}
	}
}

// WithFormat picks the record format. Defaults to FormatText.
func WithFormat(f Format) Option {
	return func(c *config) {
		c.format = f
	}
}

// WithWriter overrides the output writer. Defaults to os.Stdout.
func WithWriter(w io.Writer) Option {
	return func(c *config) {
		c.w = w
	}
}
