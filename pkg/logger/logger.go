// Package logger builds the *slog.Logger used across minesafe. Interactive
// commands get the charmbracelet/log handler, the API server can emit JSON.
package logger

import (
	"context"
	"io"
	"log/slog"
	"os"
	"time"

	charmlog "github.com/charmbracelet/log"
)

type config struct {
	level  slog.Level
	format Format
	w      io.Writer
}

// New returns a logger configured by opts. Without options it writes
// Info-level text records to os.Stdout.
func New(opts ...Option) *slog.Logger {
	c := &config{level: slog.LevelInfo, w: os.Stdout}
	for _, opt := range opts {
		opt(c)
	}

	switch c.format {
	case FormatPretty:
		return slog.New(charmlog.NewWithOptions(c.w, charmlog.Options{
			Level:           charmlog.Level(c.level),
			ReportTimestamp: true,
			TimeFormat:      time.Kitchen,
		}))
	case FormatJSON:
		return slog.New(slog.NewJSONHandler(c.w, &slog.HandlerOptions{Level: c.level}))
	default:
		return slog.New(slog.NewTextHandler(c.w, &slog.HandlerOptions{Level: c.level}))
	}
}

// Nop returns a logger that drops every record.
func Nop() *slog.Logger {
	return slog.New(nopHandler{})
}

type nopHandler struct{}

func (nopHandler) Enabled(context.Context, slog.Level) bool  { return false }
func (nopHandler) Handle(context.Context, slog.Record) error { return nil }
func (h nopHandler) WithAttrs([]slog.Attr) slog.Handler      { return h }
func (h nopHandler) WithGroup(string) slog.Handler           { return h }
