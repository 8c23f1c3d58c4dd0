package sse

import (
	"io"
	"strings"
)

type flusher interface {
	Flush() error
}

// Writer encodes events onto a downstream stream. When the underlying
// writer can flush (a *bufio.Writer handed out by fasthttp, for example)
// every event is flushed so the client sees tokens as they arrive.
type Writer struct {
	w io.Writer
}

// NewWriter wraps w.
func NewWriter(w io.Writer) *Writer {
	return &Writer{w: w}
}

// WriteEvent writes ev followed by the blank line that ends an event.
func (w *Writer) WriteEvent(ev Event) error {
	var b strings.Builder

	if ev.ID != "" {
		b.WriteString("id: " + ev.ID + "\n")
	}
	if ev.Type != "" {
		b.WriteString("event: " + ev.Type + "\n")
	}
	for _, line := range strings.Split(ev.Data, "\n") {
		b.WriteString(DataPrefix + line + "\n")
	}
	b.WriteString("\n")

	if _, err := io.WriteString(w.w, b.String()); err != nil {
		return err
	}

	return w.flush()
}

// WriteData writes a default-typed event carrying data.
func (w *Writer) WriteData(data string) error {
	return w.WriteEvent(Event{Data: data})
}

// WriteComment writes a comment line, which readers ignore. It keeps idle
// connections alive and surfaces a vanished client on the next write.
func (w *Writer) WriteComment(text string) error {
	if _, err := io.WriteString(w.w, ": "+text+"\n\n"); err != nil {
		return err
	}
	return w.flush()
}

// WriteDone writes the terminating "data: [DONE]" event.
func (w *Writer) WriteDone() error {
	return w.WriteData(Done)
}

func (w *Writer) flush() error {
	if f, ok := w.w.(flusher); ok {
		return f.Flush()
	}
	return nil
}
