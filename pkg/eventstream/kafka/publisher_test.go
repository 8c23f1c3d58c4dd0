package kafka

import (
	"context"
	"encoding/json"
	"errors"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	kafkago "github.com/segmentio/kafka-go"

	"github.com/papercomputeco/minesafe/pkg/eventstream"
	"github.com/papercomputeco/minesafe/pkg/llm"
)

type fakeWriter struct {
	messages []kafkago.Message
	err      error
	closed   bool
}

func (f *fakeWriter) WriteMessages(_ context.Context, msgs ...kafkago.Message) error {
	if f.err != nil {
		return f.err
	}
	f.messages = append(f.messages, msgs...)
	return nil
}

func (f *fakeWriter) Close() error {
	f.closed = true
	return nil
}

var _ = Describe("Publisher", func() {
	var (
		writer    *fakeWriter
		publisher *Publisher
		event     *eventstream.TurnCompletedEvent
	)

	BeforeEach(func() {
		writer = &fakeWriter{}
		publisher = newPublisher(writer, 0)
		event = eventstream.NewTurnCompletedEvent(
			eventstream.EventSource{Surface: "api"},
			eventstream.SessionMeta{ID: "session-42"},
			llm.Turn{Model: "m", Reply: llm.NewAssistantMessage("ok"), Reason: "done"},
		)
	})

	It("writes the event as JSON keyed by session", func() {
		Expect(publisher.PublishTurn(context.Background(), event)).To(Succeed())

		Expect(writer.messages).To(HaveLen(1))
		msg := writer.messages[0]
		Expect(string(msg.Key)).To(Equal("session-42"))
		Expect(msg.Headers).To(ContainElement(kafkago.Header{Key: "event_type", Value: []byte(eventstream.EventTypeTurnCompleted)}))

		var decoded eventstream.TurnCompletedEvent
		Expect(json.Unmarshal(msg.Value, &decoded)).To(Succeed())
		Expect(decoded.EventID).To(Equal(event.EventID))
		Expect(decoded.Turn.Reply.Content).To(Equal("ok"))
	})

	It("rejects nil events", func() {
		Expect(publisher.PublishTurn(context.Background(), nil)).To(MatchError(eventstream.ErrNilTurnEvent))
		Expect(writer.messages).To(BeEmpty())
	})

	It("wraps writer failures", func() {
		writer.err = errors.New("leader not available")
		err := publisher.PublishTurn(context.Background(), event)
		Expect(err).To(MatchError(ContainSubstring("leader not available")))
	})

	It("closes the writer", func() {
		Expect(publisher.Close()).To(Succeed())
		Expect(writer.closed).To(BeTrue())
	})

	It("requires brokers and a topic", func() {
		_, err := NewPublisher(Config{Topic: "turns"})
		Expect(err).To(MatchError(ErrNoBrokers))

		_, err = NewPublisher(Config{Brokers: []string{"localhost:9092"}})
		Expect(err).To(HaveOccurred())

		p, err := NewPublisher(Config{Brokers: []string{"localhost:9092"}, Topic: "turns"})
		Expect(err).NotTo(HaveOccurred())
		Expect(p.Close()).To(Succeed())
	})
})
