package stream

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/papercomputeco/minesafe/pkg/logger"
	"github.com/papercomputeco/minesafe/pkg/sse"
)

// Ingestor turns chat completion streams into callback sequences. It is
// safe for concurrent use; each call to Ingest or Consume owns its state.
type Ingestor struct {
	mu           sync.RWMutex
	totalTimeout time.Duration
	idleTimeout  time.Duration

	strategies []Strategy
	logger     *slog.Logger
	transcript io.Writer
}

// NewIngestor returns an Ingestor with the default 30s total and 10s idle
// watchdogs.
func NewIngestor(opts ...Option) *Ingestor {
	in := &Ingestor{
		totalTimeout: DefaultTotalTimeout,
		idleTimeout:  DefaultIdleTimeout,
		strategies:   DefaultStrategies,
	}
	for _, opt := range opts {
		opt(in)
	}
	if in.logger == nil {
		in.logger = logger.Nop()
	}
	return in
}

// SetTimeouts replaces both watchdog durations for streams started
// afterwards.
func (in *Ingestor) SetTimeouts(total, idle time.Duration) {
	in.mu.Lock()
	defer in.mu.Unlock()
	in.totalTimeout = total
	in.idleTimeout = idle
}

// Timeouts returns the current total and idle watchdog durations.
func (in *Ingestor) Timeouts() (time.Duration, time.Duration) {
	in.mu.RLock()
	defer in.mu.RUnlock()
	return in.totalTimeout, in.idleTimeout
}

// Ingest resolves an HTTP response. Non-2xx responses resolve through
// OnError with the status and the provider's error message. The response
// body is always closed.
func (in *Ingestor) Ingest(ctx context.Context, resp *http.Response, cb Callbacks) Result {
	if resp == nil || resp.Body == nil {
		return in.newSession(cb).fail(ReasonNoBody, ErrNoStream)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		defer resp.Body.Close()
		statusErr := NewStatusError(resp)
		in.logger.Warn("upstream returned an error status",
			"status", resp.StatusCode,
			"detail", statusErr.Detail,
		)
		return in.newSession(cb).fail(ReasonHTTPStatus, statusErr)
	}

	return in.Consume(ctx, resp.Body, cb)
}

// Reject resolves a stream that never got a response, such as a request
// that could not be built or sent, through OnError. ErrNoResponse resolves
// as a total timeout.
func (in *Ingestor) Reject(cb Callbacks, err error) Result {
	if errors.Is(err, ErrNoResponse) {
		return in.newSession(cb).fail(ReasonTotalTimeout, err)
	}
	return in.newSession(cb).fail(ReasonRequest, err)
}

// Consume reads frames from body until a terminal frame, EOF, a watchdog,
// a read error or ctx cancellation resolves the stream. It blocks until the
// terminal callback has returned. If body is an io.Closer it is closed
// before Consume returns, which also releases the reading goroutine. A body
// without Close keeps that goroutine until its pending Read returns; it
// then exits without reading further or delivering anything. Callers with
// such a body should make its Read honor ctx.
//
// Cancelling ctx is the "stop generating" path: the stream completes and
// keeps what was delivered.
func (in *Ingestor) Consume(ctx context.Context, body io.Reader, cb Callbacks) Result {
	s := in.newSession(cb)
	if body == nil {
		return s.fail(ReasonNoBody, ErrNoStream)
	}

	total, idle := in.Timeouts()

	done := make(chan struct{})
	defer close(done)
	if c, ok := body.(io.Closer); ok {
		defer c.Close()
	}

	lines := make(chan string)
	readErrs := make(chan error, 1)
	go in.readLines(body, lines, readErrs, done)

	var totalC, idleC <-chan time.Time
	if total > 0 {
		totalTimer := time.NewTimer(total)
		defer totalTimer.Stop()
		totalC = totalTimer.C
	}
	var idleTimer *time.Timer
	if idle > 0 {
		idleTimer = time.NewTimer(idle)
		defer idleTimer.Stop()
		idleC = idleTimer.C
	}

	for {
		select {
		case <-ctx.Done():
			return s.complete(ReasonCanceled)

		case <-totalC:
			return s.complete(ReasonTotalTimeout)

		case <-idleC:
			return s.complete(ReasonIdleTimeout)

		case err := <-readErrs:
			if errors.Is(err, io.EOF) {
				return s.complete(ReasonEOF)
			}
			// An aborted request surfaces as a read error.
			if ctx.Err() != nil {
				return s.complete(ReasonCanceled)
			}
			return s.fail(ReasonReadError, err)

		case line := <-lines:
			frame, ok := ParseLine(line, in.strategies)
			if !ok {
				continue
			}
			if frame.Terminal {
				return s.complete(frame.Reason)
			}
			if frame.Malformed {
				in.logger.Debug("skipping malformed stream frame", "data", truncate(frame.Data, 120))
				continue
			}
			if frame.Text == "" {
				continue
			}
			if err := s.chunk(frame.Text); err != nil {
				return s.fail(ReasonCallbackPanic, err)
			}
			if idleTimer != nil {
				resetTimer(idleTimer, idle)
			}
		}
	}
}

func (in *Ingestor) readLines(body io.Reader, lines chan<- string, errs chan<- error, done <-chan struct{}) {
	r := sse.NewLineReader(body, in.transcript)
	for {
		line, err := r.Next()
		if err != nil {
			errs <- err
			return
		}
		select {
		case lines <- line:
		case <-done:
			return
		}
	}
}

func (in *Ingestor) newSession(cb Callbacks) *session {
	now := time.Now()
	return &session{
		cb:          cb,
		logger:      in.logger,
		startedAt:   now,
		lastEventAt: now,
	}
}

// session is the per-stream state. Only the Consume goroutine touches it;
// completed still uses a CAS so the terminal signal cannot be repeated.
type session struct {
	cb        Callbacks
	logger    *slog.Logger
	completed atomic.Bool

	startedAt   time.Time
	lastEventAt time.Time
	chunks      int
}

func (s *session) chunk(text string) (err error) {
	if s.completed.Load() {
		return nil
	}

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("chunk handler panicked: %v", r)
		}
	}()

	if s.cb.OnChunk != nil {
		s.cb.OnChunk(text)
	}
	s.chunks++
	s.lastEventAt = time.Now()
	return nil
}

func (s *session) complete(reason Reason) Result {
	res := s.result(reason)
	if !s.completed.CompareAndSwap(false, true) {
		return res
	}

	s.logger.Debug("stream completed",
		"reason", reason,
		"chunks", res.Chunks,
		"elapsed", res.Elapsed,
	)

	if s.cb.OnComplete != nil {
		res.HandlerErr = guard(func() error { return s.cb.OnComplete() })
		if res.HandlerErr != nil {
			s.logger.Error("stream completion handler failed", "error", res.HandlerErr)
		}
	}
	return res
}

func (s *session) fail(reason Reason, err error) Result {
	res := s.result(reason)
	res.Err = err
	if !s.completed.CompareAndSwap(false, true) {
		return res
	}

	s.logger.Debug("stream failed", "reason", reason, "error", err)

	if s.cb.OnError != nil {
		res.HandlerErr = guard(func() error {
			s.cb.OnError(err.Error())
			return nil
		})
		if res.HandlerErr != nil {
			s.logger.Error("stream error handler failed", "error", res.HandlerErr)
		}
	}
	return res
}

func (s *session) result(reason Reason) Result {
	return Result{
		Reason:      reason,
		Chunks:      s.chunks,
		StartedAt:   s.startedAt,
		LastEventAt: s.lastEventAt,
		Elapsed:     time.Since(s.startedAt),
	}
}

func guard(fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panicked: %v", r)
		}
	}()
	return fn()
}

func resetTimer(t *time.Timer, d time.Duration) {
	if !t.Stop() {
		select {
		case <-t.C:
		default:
		}
	}
	t.Reset(d)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

type lockedWriter struct {
	mu sync.Mutex
	w  io.Writer
}

func (l *lockedWriter) Write(p []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.w.Write(p)
}
