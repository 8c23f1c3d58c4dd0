package testutils

import (
	"context"
	"time"

	"github.com/google/uuid"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/papercomputeco/minesafe/pkg/llm"
	"github.com/papercomputeco/minesafe/pkg/storage"
)

// DescribeDriver registers the behaviors every storage.Driver must have.
// newDriver is called before each test; the driver is closed after it.
func DescribeDriver(newDriver func() storage.Driver) {
	var (
		driver storage.Driver
		ctx    context.Context
	)

	BeforeEach(func() {
		ctx = context.Background()
		driver = newDriver()
	})

	AfterEach(func() {
		if driver != nil {
			Expect(driver.Close()).To(Succeed())
		}
	})

	newSession := func(title string) *storage.Session {
		s := &storage.Session{Title: title, Model: "Qwen/Qwen2.5-7B-Instruct"}
		Expect(driver.CreateSession(ctx, s)).To(Succeed())
		return s
	}

	saveMessage := func(sessionID uuid.UUID, role, content string) *storage.Message {
		m := &storage.Message{
			SessionID: sessionID,
			Role:      role,
			Content:   content,
			Tokens:    storage.EstimateTokens(content),
		}
		Expect(driver.SaveMessage(ctx, m)).To(Succeed())
		return m
	}

	Describe("CreateSession and GetSession", func() {
		It("fills defaults and round-trips the session", func() {
			s := &storage.Session{}
			Expect(driver.CreateSession(ctx, s)).To(Succeed())

			Expect(s.ID).NotTo(Equal(uuid.Nil))
			Expect(s.Title).To(Equal(storage.DefaultSessionTitle))
			Expect(s.Status).To(Equal(storage.SessionActive))

			got, err := driver.GetSession(ctx, s.ID)
			Expect(err).NotTo(HaveOccurred())
			Expect(got.ID).To(Equal(s.ID))
			Expect(got.Title).To(Equal(storage.DefaultSessionTitle))
			Expect(got.Status).To(Equal(storage.SessionActive))
			Expect(got.MessageCount).To(BeZero())
			Expect(got.LastMessageAt).To(BeNil())
			Expect(got.CreatedAt).To(BeTemporally("~", s.CreatedAt, time.Millisecond))
		})

		It("keeps a provided id and title", func() {
			id := uuid.New()
			s := &storage.Session{ID: id, Title: "Ventilation checks", Description: "shift A"}
			Expect(driver.CreateSession(ctx, s)).To(Succeed())

			got, err := driver.GetSession(ctx, id)
			Expect(err).NotTo(HaveOccurred())
			Expect(got.Title).To(Equal("Ventilation checks"))
			Expect(got.Description).To(Equal("shift A"))
		})

		It("rejects an unknown status", func() {
			err := driver.CreateSession(ctx, &storage.Session{Status: "deleted"})
			Expect(err).To(MatchError(storage.ErrInvalidStatus))
		})

		It("returns NotFoundError for a missing session", func() {
			_, err := driver.GetSession(ctx, uuid.New())
			Expect(storage.IsNotFound(err)).To(BeTrue())
		})
	})

	Describe("ListSessions", func() {
		It("returns the most recently updated sessions first", func() {
			first := newSession("first")
			second := newSession("second")
			third := newSession("third")

			// A new message moves a session to the top.
			saveMessage(first.ID, llm.RoleUser, "bump")

			list, err := driver.ListSessions(ctx, storage.ListOptions{})
			Expect(err).NotTo(HaveOccurred())
			Expect(sessionIDs(list)).To(Equal([]uuid.UUID{first.ID, third.ID, second.ID}))

			list, err = driver.ListSessions(ctx, storage.ListOptions{Order: storage.OrderAsc})
			Expect(err).NotTo(HaveOccurred())
			Expect(sessionIDs(list)).To(Equal([]uuid.UUID{second.ID, third.ID, first.ID}))
		})

		It("pages with limit and offset", func() {
			var ids []uuid.UUID
			for _, title := range []string{"a", "b", "c", "d", "e"} {
				ids = append(ids, newSession(title).ID)
			}

			list, err := driver.ListSessions(ctx, storage.ListOptions{Limit: 2, Offset: 1})
			Expect(err).NotTo(HaveOccurred())
			Expect(sessionIDs(list)).To(Equal([]uuid.UUID{ids[3], ids[2]}))

			list, err = driver.ListSessions(ctx, storage.ListOptions{Offset: 10})
			Expect(err).NotTo(HaveOccurred())
			Expect(list).To(BeEmpty())
		})

		It("filters by status", func() {
			kept := newSession("kept")
			archived := newSession("archived")
			status := storage.SessionArchived
			_, err := driver.UpdateSession(ctx, archived.ID, storage.SessionUpdate{Status: &status})
			Expect(err).NotTo(HaveOccurred())

			list, err := driver.ListSessions(ctx, storage.ListOptions{Status: storage.SessionActive})
			Expect(err).NotTo(HaveOccurred())
			Expect(sessionIDs(list)).To(Equal([]uuid.UUID{kept.ID}))

			n, err := driver.CountSessions(ctx, storage.SessionArchived)
			Expect(err).NotTo(HaveOccurred())
			Expect(n).To(Equal(1))

			n, err = driver.CountSessions(ctx, "")
			Expect(err).NotTo(HaveOccurred())
			Expect(n).To(Equal(2))
		})
	})

	Describe("UpdateSession", func() {
		It("changes only the provided fields", func() {
			s := newSession("old")
			title := "Gas monitoring"

			got, err := driver.UpdateSession(ctx, s.ID, storage.SessionUpdate{Title: &title, Description: &title})
			Expect(err).NotTo(HaveOccurred())
			Expect(got.Title).To(Equal("Gas monitoring"))
			Expect(got.Description).To(Equal("Gas monitoring"))
			Expect(got.Status).To(Equal(storage.SessionActive))
			Expect(got.UpdatedAt).To(BeTemporally(">=", s.UpdatedAt.Truncate(time.Microsecond)))
		})

		It("returns NotFoundError for a missing session", func() {
			title := "x"
			_, err := driver.UpdateSession(ctx, uuid.New(), storage.SessionUpdate{Title: &title})
			Expect(storage.IsNotFound(err)).To(BeTrue())
		})

		It("rejects an unknown status", func() {
			s := newSession("s")
			status := storage.SessionStatus("gone")
			_, err := driver.UpdateSession(ctx, s.ID, storage.SessionUpdate{Status: &status})
			Expect(err).To(MatchError(storage.ErrInvalidStatus))
		})
	})

	Describe("SaveMessage and ListMessages", func() {
		It("appends messages and updates the session counters", func() {
			s := newSession("s")
			saveMessage(s.ID, llm.RoleUser, "How often is methane measured?")
			reply := saveMessage(s.ID, llm.RoleAssistant, "Before and during every shift.")

			msgs, err := driver.ListMessages(ctx, s.ID, storage.ListOptions{})
			Expect(err).NotTo(HaveOccurred())
			Expect(msgs).To(HaveLen(2))
			Expect(msgs[0].Role).To(Equal(llm.RoleUser))
			Expect(msgs[1].Content).To(Equal("Before and during every shift."))
			Expect(msgs[1].ID).To(Equal(reply.ID))
			Expect(msgs[1].Status).To(Equal(storage.MessageComplete))

			got, err := driver.GetSession(ctx, s.ID)
			Expect(err).NotTo(HaveOccurred())
			Expect(got.MessageCount).To(Equal(2))
			Expect(got.TotalTokens).To(Equal(
				storage.EstimateTokens("How often is methane measured?") +
					storage.EstimateTokens("Before and during every shift.")))
			Expect(got.LastMessageAt).NotTo(BeNil())
		})

		It("lists newest first and pages", func() {
			s := newSession("s")
			for _, text := range []string{"1", "2", "3", "4"} {
				saveMessage(s.ID, llm.RoleUser, text)
			}

			msgs, err := driver.ListMessages(ctx, s.ID, storage.ListOptions{Order: storage.OrderDesc, Limit: 2})
			Expect(err).NotTo(HaveOccurred())
			Expect(messageContents(msgs)).To(Equal([]string{"4", "3"}))

			msgs, err = driver.ListMessages(ctx, s.ID, storage.ListOptions{Offset: 3})
			Expect(err).NotTo(HaveOccurred())
			Expect(messageContents(msgs)).To(Equal([]string{"4"}))
		})

		It("keeps the failed status of a reply", func() {
			s := newSession("s")
			m := &storage.Message{SessionID: s.ID, Role: llm.RoleAssistant, Content: "sorry", Status: storage.MessageFailed}
			Expect(driver.SaveMessage(ctx, m)).To(Succeed())

			msgs, err := driver.ListMessages(ctx, s.ID, storage.ListOptions{})
			Expect(err).NotTo(HaveOccurred())
			Expect(msgs[0].Status).To(Equal(storage.MessageFailed))
		})

		It("rejects a message for a missing session", func() {
			err := driver.SaveMessage(ctx, &storage.Message{SessionID: uuid.New(), Role: llm.RoleUser, Content: "x"})
			Expect(storage.IsNotFound(err)).To(BeTrue())
		})

		It("rejects a message without a session", func() {
			Expect(driver.SaveMessage(ctx, &storage.Message{Role: llm.RoleUser})).NotTo(Succeed())
		})

		It("returns NotFoundError when listing a missing session", func() {
			_, err := driver.ListMessages(ctx, uuid.New(), storage.ListOptions{})
			Expect(storage.IsNotFound(err)).To(BeTrue())
		})
	})

	Describe("ClearMessages", func() {
		It("removes messages and resets counters", func() {
			s := newSession("s")
			saveMessage(s.ID, llm.RoleUser, "q")
			saveMessage(s.ID, llm.RoleAssistant, "a")

			Expect(driver.ClearMessages(ctx, s.ID)).To(Succeed())

			msgs, err := driver.ListMessages(ctx, s.ID, storage.ListOptions{})
			Expect(err).NotTo(HaveOccurred())
			Expect(msgs).To(BeEmpty())

			got, err := driver.GetSession(ctx, s.ID)
			Expect(err).NotTo(HaveOccurred())
			Expect(got.MessageCount).To(BeZero())
			Expect(got.TotalTokens).To(BeZero())
			Expect(got.LastMessageAt).To(BeNil())
		})

		It("returns NotFoundError for a missing session", func() {
			Expect(storage.IsNotFound(driver.ClearMessages(ctx, uuid.New()))).To(BeTrue())
		})
	})

	Describe("DeleteSession", func() {
		It("removes the session and its messages", func() {
			s := newSession("s")
			other := newSession("other")
			saveMessage(s.ID, llm.RoleUser, "q")
			saveMessage(other.ID, llm.RoleUser, "kept")

			Expect(driver.DeleteSession(ctx, s.ID)).To(Succeed())

			_, err := driver.GetSession(ctx, s.ID)
			Expect(storage.IsNotFound(err)).To(BeTrue())

			msgs, err := driver.ListMessages(ctx, other.ID, storage.ListOptions{})
			Expect(err).NotTo(HaveOccurred())
			Expect(messageContents(msgs)).To(Equal([]string{"kept"}))
		})

		It("returns NotFoundError for a missing session", func() {
			Expect(storage.IsNotFound(driver.DeleteSession(ctx, uuid.New()))).To(BeTrue())
		})
	})
}

func sessionIDs(sessions []*storage.Session) []uuid.UUID {
	ids := make([]uuid.UUID, 0, len(sessions))
	for _, s := range sessions {
		ids = append(ids, s.ID)
	}
	return ids
}

func messageContents(msgs []*storage.Message) []string {
	out := make([]string, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, m.Content)
	}
	return out
}
