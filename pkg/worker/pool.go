// Package worker provides an asynchronous worker pool that persists
// completed chat turns using the provided storage.Driver and announces them
// on the provided eventstream.Publisher.
//
// The pool keeps storage and event publishing off the streaming path so a
// slow database never delays tokens reaching the user.
package worker

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/papercomputeco/minesafe/pkg/eventstream"
	"github.com/papercomputeco/minesafe/pkg/llm"
	"github.com/papercomputeco/minesafe/pkg/logger"
	"github.com/papercomputeco/minesafe/pkg/storage"
)

var (
	defaultNumWorkers   uint = 3
	defaultJobQueueSize uint = 256
	defaultJobTimeout        = 30 * time.Second
)

// Job is one completed turn to persist.
type Job struct {
	// Session is the session the turn belongs to.
	Session storage.SessionRef

	// User is the user message. It is skipped when nil, for callers that
	// already saved it.
	User *storage.Message

	// Assistant is the assistant reply.
	Assistant *storage.Message

	// Turn describes the exchange for the event stream.
	Turn llm.Turn

	// Done, when set, is called with the job's outcome.
	Done func(error)
}

// Config is the configuration options for the worker pool.
type Config struct {
	// Driver is the storage backend for persisting messages.
	Driver storage.Driver

	// Publisher is the optional event stream for completed turns.
	Publisher eventstream.Publisher

	// Source is stamped on every published event.
	Source eventstream.EventSource

	// NumWorkers is the number of background workers in the pool.
	NumWorkers uint

	// QueueSize is the capacity of the buffered job channel (defaults to 256).
	QueueSize uint

	Logger *slog.Logger
}

// Pool processes persistence jobs asynchronously via a worker pool.
type Pool struct {
	config *Config
	queue  chan Job
	wg     sync.WaitGroup
	logger *slog.Logger

	// mu guards closed and the send in Enqueue against Close.
	mu     sync.RWMutex
	closed bool
}

// NewPool creates a new Pool and starts its worker goroutines.
func NewPool(c *Config) (*Pool, error) {
	if c.Driver == nil {
		return nil, fmt.Errorf("worker pool requires a storage driver")
	}

	if c.NumWorkers == 0 {
		c.NumWorkers = defaultNumWorkers
	}

	if c.QueueSize == 0 {
		c.QueueSize = defaultJobQueueSize
	}

	if c.NumWorkers > uint(math.MaxInt) {
		return nil, fmt.Errorf("NumWorkers %d exceeds max int", c.NumWorkers)
	}

	if c.Logger == nil {
		c.Logger = logger.Nop()
	}

	wp := &Pool{
		config: c,
		queue:  make(chan Job, c.QueueSize),
		logger: c.Logger,
	}

	wp.wg.Add(int(c.NumWorkers))
	for i := range c.NumWorkers {
		go wp.worker(i)
	}

	return wp, nil
}

// Enqueue submits a job for processing by the worker pool.
// Returns false when the queue is full or the pool is closed, in which case
// the job is dropped.
func (p *Pool) Enqueue(job Job) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if p.closed {
		p.logger.Warn("job not queued, pool closed",
			"session", job.Session.ID,
			"model", job.Turn.Model,
		)
		return false
	}

	select {
	case p.queue <- job:
		p.logger.Debug("job queued",
			"session", job.Session.ID,
			"model", job.Turn.Model,
		)
		return true
	default:
		p.logger.Error("job not queued, queue full, job dropped",
			"session", job.Session.ID,
			"model", job.Turn.Model,
		)
		return false
	}
}

// Close stops accepting jobs and waits for queued ones to drain. It is safe
// to call more than once.
func (p *Pool) Close() {
	p.mu.Lock()
	if !p.closed {
		p.closed = true
		close(p.queue)
	}
	p.mu.Unlock()
	p.wg.Wait()
}

// worker is the inner worker thread that continuously pulls jobs off the jobs queue
func (p *Pool) worker(id uint) {
	defer p.wg.Done()
	p.logger.Debug("worker started", "worker_id", id)

	for job := range p.queue {
		p.processJob(job)
	}

	p.logger.Debug("worker stopped", "worker_id", id)
}

// processJob saves the turn's messages and then publishes the turn event.
// Publishing failures are logged and do not fail the job.
func (p *Pool) processJob(job Job) {
	ctx, cancel := context.WithTimeout(context.Background(), defaultJobTimeout)
	defer cancel()

	err := p.storeTurn(ctx, job)
	if err != nil {
		p.logger.Error("async turn storage failed",
			"session", job.Session.ID,
			"error", err,
		)
	} else {
		p.logger.Debug("turn stored",
			"session", job.Session.ID,
			"reason", job.Turn.Reason,
		)
		p.publish(ctx, job)
	}

	if job.Done != nil {
		job.Done(err)
	}
}

func (p *Pool) storeTurn(ctx context.Context, job Job) error {
	for _, msg := range []*storage.Message{job.User, job.Assistant} {
		if msg == nil {
			continue
		}
		if msg.SessionID == uuid.Nil {
			msg.SessionID = job.Session.ID
		}
		if err := p.config.Driver.SaveMessage(ctx, msg); err != nil {
			return fmt.Errorf("storing %s message: %w", msg.Role, err)
		}
	}
	return nil
}

func (p *Pool) publish(ctx context.Context, job Job) {
	if p.config.Publisher == nil {
		return
	}

	event := eventstream.NewTurnCompletedEvent(
		p.config.Source,
		eventstream.SessionMeta{ID: job.Session.ID.String(), Title: job.Session.Title},
		job.Turn,
	)
	if err := p.config.Publisher.PublishTurn(ctx, event); err != nil {
		p.logger.Warn("failed to publish turn event",
			"session", job.Session.ID,
			"error", err,
		)
	}
}
