package chat_test

import (
	"context"
	"errors"
	"io"
	"time"

	"github.com/google/uuid"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/papercomputeco/minesafe/pkg/chat"
	"github.com/papercomputeco/minesafe/pkg/llm"
	"github.com/papercomputeco/minesafe/pkg/storage"
	"github.com/papercomputeco/minesafe/pkg/stream"
)

var _ = Describe("RunTurn", func() {
	var (
		streamer *fakeStreamer
		chunks   []string
		failures []string
		obs      chat.Observer
	)

	BeforeEach(func() {
		streamer = newFakeStreamer()
		chunks, failures = nil, nil
		obs = chat.Observer{
			OnChunk: func(text string) { chunks = append(chunks, text) },
			OnError: func(message string) { failures = append(failures, message) },
		}
	})

	It("accumulates chunks into the reply", func() {
		streamer.reply("Check ", "the ", "methane sensor.")

		turn := chat.RunTurn(context.Background(), streamer, nil, "What first?", obs)

		Expect(chunks).To(Equal([]string{"Check ", "the ", "methane sensor."}))
		Expect(turn.Prompt).To(Equal(llm.NewUserMessage("What first?")))
		Expect(turn.Reply).To(Equal(llm.NewAssistantMessage("Check the methane sensor.")))
		Expect(turn.Model).To(Equal("test-model"))
		Expect(turn.Reason).To(Equal(string(stream.ReasonDone)))
		Expect(turn.Chunks).To(Equal(3))
		Expect(turn.Failed).To(BeFalse())
		Expect(turn.Status()).To(Equal(storage.MessageComplete))
	})

	It("passes history through to the streamer", func() {
		streamer.reply("ok")
		history := []llm.Message{llm.NewUserMessage("hi"), llm.NewAssistantMessage("hello")}

		chat.RunTurn(context.Background(), streamer, history, "next", obs)

		Expect(streamer.lastHistory()).To(Equal(history))
	})

	It("replaces the reply with the fallback on failure", func() {
		streamer.fail(errors.New("upstream request failed: 500 Internal Server Error\ndetail: boom"))

		turn := chat.RunTurn(context.Background(), streamer, nil, "q", obs)

		Expect(turn.Failed).To(BeTrue())
		Expect(turn.Reply.Content).To(Equal(chat.FallbackReply))
		Expect(turn.Error).To(ContainSubstring("boom"))
		Expect(failures).To(HaveLen(1))
		Expect(turn.Status()).To(Equal(storage.MessageFailed))
	})

	It("keeps partial content when the idle watchdog fires", func() {
		streamer = newFakeStreamer(stream.WithIdleTimeout(50 * time.Millisecond))
		pr, pw := io.Pipe()
		DeferCleanup(pw.Close)
		streamer.from(pr)

		go func() {
			_, _ = pw.Write([]byte(deltaFrame("Evacuate")))
		}()

		turn := chat.RunTurn(context.Background(), streamer, nil, "q", obs)

		Expect(turn.Failed).To(BeFalse())
		Expect(turn.Reason).To(Equal(string(stream.ReasonIdleTimeout)))
		Expect(turn.Reply.Content).To(Equal("Evacuate"))
		Expect(turn.Status()).To(Equal(storage.MessagePartial))
	})

	It("builds storage messages for a session", func() {
		streamer.reply("answer")
		turn := chat.RunTurn(context.Background(), streamer, nil, "question", obs)

		ref := storage.SessionRef{ID: uuid.New(), Title: "t"}
		user, assistant := turn.Messages(ref)

		Expect(user.SessionID).To(Equal(ref.ID))
		Expect(user.Role).To(Equal(llm.RoleUser))
		Expect(user.Content).To(Equal("question"))
		Expect(assistant.Role).To(Equal(llm.RoleAssistant))
		Expect(assistant.Content).To(Equal("answer"))
		Expect(assistant.Model).To(Equal("test-model"))
		Expect(assistant.Status).To(Equal(storage.MessageComplete))
		Expect(assistant.CreatedAt).NotTo(BeTemporally("<", user.CreatedAt))
	})
})
