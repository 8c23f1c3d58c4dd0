// Package eventstreamutils builds the configured eventstream.Publisher.
package eventstreamutils

import (
	"github.com/papercomputeco/minesafe/pkg/eventstream"
	"github.com/papercomputeco/minesafe/pkg/eventstream/kafka"
	"github.com/papercomputeco/minesafe/pkg/eventstream/nop"
)

type NewPublisherOpts struct {
	KafkaBrokers []string
	KafkaTopic   string
}

// NewPublisher returns a Kafka publisher when brokers are configured and
// the no-op publisher otherwise.
func NewPublisher(o *NewPublisherOpts) (eventstream.Publisher, error) {
	if len(o.KafkaBrokers) == 0 {
		return nop.NewPublisher(), nil
	}
	return kafka.NewPublisher(kafka.Config{
		Brokers: o.KafkaBrokers,
		Topic:   o.KafkaTopic,
	})
}
