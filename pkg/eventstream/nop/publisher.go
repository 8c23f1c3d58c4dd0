// Package nop is the publisher used when no broker is configured.
package nop

import (
	"context"
	"sync/atomic"

	"github.com/papercomputeco/minesafe/pkg/eventstream"
)

// Publisher drops turn events after checking them.
type Publisher struct {
	dropped atomic.Int64
}

// NewPublisher returns a Publisher.
func NewPublisher() *Publisher {
	return &Publisher{}
}

// PublishTurn rejects a nil event and discards any other.
func (p *Publisher) PublishTurn(_ context.Context, event *eventstream.TurnCompletedEvent) error {
	if event == nil {
		return eventstream.ErrNilTurnEvent
	}
	p.dropped.Add(1)
	return nil
}

// Dropped returns how many events have been discarded.
func (p *Publisher) Dropped() int64 {
	return p.dropped.Load()
}

func (p *Publisher) Close() error {
	return nil
}
