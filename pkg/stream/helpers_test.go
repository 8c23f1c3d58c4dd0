package stream_test

import (
	"io"
	"strings"
	"sync"

	"github.com/papercomputeco/minesafe/pkg/stream"
)

// recorder captures callback invocations in order.
type recorder struct {
	mu     sync.Mutex
	events []string
	chunks []string
}

func (r *recorder) callbacks() stream.Callbacks {
	return stream.Callbacks{
		OnChunk: func(text string) {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.chunks = append(r.chunks, text)
			r.events = append(r.events, "chunk")
		},
		OnComplete: func() error {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.events = append(r.events, "complete")
			return nil
		},
		OnError: func(message string) {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.events = append(r.events, "error:"+message)
		},
	}
}

func (r *recorder) Events() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.events...)
}

func (r *recorder) Chunks() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.chunks...)
}

func (r *recorder) Text() string {
	return strings.Join(r.Chunks(), "")
}

func (r *recorder) terminals() int {
	n := 0
	for _, ev := range r.Events() {
		if ev == "complete" || strings.HasPrefix(ev, "error:") {
			n++
		}
	}
	return n
}

// splitReader returns data in pieces of the given sizes, cycling through
// them until the data runs out.
type splitReader struct {
	data  []byte
	sizes []int
	n     int
}

func newSplitReader(data string, sizes ...int) *splitReader {
	return &splitReader{data: []byte(data), sizes: sizes}
}

func (s *splitReader) Read(p []byte) (int, error) {
	if len(s.data) == 0 {
		return 0, io.EOF
	}
	size := s.sizes[s.n%len(s.sizes)]
	s.n++
	if size > len(s.data) {
		size = len(s.data)
	}
	if size > len(p) {
		size = len(p)
	}
	copy(p, s.data[:size])
	s.data = s.data[size:]
	return size, nil
}

func deltaFrame(text string) string {
	return `data: {"choices":[{"index":0,"delta":{"content":"` + text + `"}}]}` + "\n\n"
}

// gatedReader blocks its first Read until release is closed, then hands
// out all of data. It has no Close method.
type gatedReader struct {
	release <-chan struct{}
	data    string

	mu    sync.Mutex
	reads int
}

func (g *gatedReader) Read(p []byte) (int, error) {
	<-g.release
	g.mu.Lock()
	defer g.mu.Unlock()
	g.reads++
	if g.data == "" {
		return 0, io.EOF
	}
	n := copy(p, g.data)
	g.data = g.data[n:]
	return n, nil
}

func (g *gatedReader) Reads() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.reads
}
