package logger

import (
	"context"
	"errors"
	"log/slog"
)

// teeHandler copies each record to every handler that accepts its level.
type teeHandler []slog.Handler

// Tee returns a logger writing every record to each of loggers. serve uses it
// to keep terminal output while appending JSON to its log file. A failing
// sink does not stop the others; their errors are joined.
func Tee(loggers ...*slog.Logger) *slog.Logger {
	t := make(teeHandler, 0, len(loggers))
	for _, l := range loggers {
		t = append(t, l.Handler())
	}
	return slog.New(t)
}

func (t teeHandler) Enabled(ctx context.Context, level slog.Level) bool {
	for _, h := range t {
		if h.Enabled(ctx, level) {
			return true
		}
	}
	return false
}

func (t teeHandler) Handle(ctx context.Context, r slog.Record) error {
	var errs []error
	for _, h := range t {
		if !h.Enabled(ctx, r.Level) {
			continue
		}
		if err := h.Handle(ctx, r.Clone()); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (t teeHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return t.each(func(h slog.Handler) slog.Handler { return h.WithAttrs(attrs) })
}

func (t teeHandler) WithGroup(name string) slog.Handler {
	return t.each(func(h slog.Handler) slog.Handler { return h.WithGroup(name) })
}

func (t teeHandler) each(fn func(slog.Handler) slog.Handler) teeHandler {
	out := make(teeHandler, len(t))
	for i, h := range t {
		out[i] = fn(h)
	}
	return out
}
