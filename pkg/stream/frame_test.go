package stream_test

import (
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/papercomputeco/minesafe/pkg/stream"
)

var _ = Describe("ParseLine", func() {
	parse := func(line string) stream.Frame {
		f, ok := stream.ParseLine(line, stream.DefaultStrategies)
		Expect(ok).To(BeTrue())
		return f
	}

	It("ignores lines without the data prefix", func() {
		for _, line := range []string{"", ": ping", "event: delta", "data:{}", "id: 1"} {
			_, ok := stream.ParseLine(line, stream.DefaultStrategies)
			Expect(ok).To(BeFalse(), line)
		}
	})

	DescribeTable("termination",
		func(line string, terminal bool) {
			Expect(parse(line).Terminal).To(Equal(terminal))
		},
		Entry("plain sentinel", "data: [DONE]", true),
		Entry("doubled prefix", "data: data: [DONE]", true),
		Entry("trailing period", "data: [DONE].", true),
		Entry("blank keep-alive", "data: ", false),
		Entry("stop", `data: {"choices":[{"finish_reason":"stop"}]}`, true),
		Entry("length", `data: {"choices":[{"finish_reason":"length"}]}`, true),
		Entry("null finish reason", `data: {"choices":[{"delta":{"content":"x"},"finish_reason":null}]}`, false),
		Entry("missing delta", `data: {"choices":[{"index":0}]}`, false),
		Entry("empty choices", `data: {"choices":[]}`, false),
		Entry("garbage with sentinel", "data: oops [DONE] oops", true),
		Entry("garbage", "data: oops", false),
		Entry("json string mentioning sentinel", `data: "[DONE] is not special here"`, false),
	)

	It("flags malformed payloads", func() {
		f := parse("data: {not json")
		Expect(f.Malformed).To(BeTrue())
		Expect(f.Text).To(BeEmpty())
	})

	It("trims the payload", func() {
		f := parse("data:    {\"content\":\"x\"}   ")
		Expect(f.Data).To(Equal(`{"content":"x"}`))
		Expect(f.Text).To(Equal("x"))
	})
})

var _ = Describe("Strategy", func() {
	decode := func(data string) stream.Frame {
		return stream.ParseData(data, stream.DefaultStrategies)
	}

	It("prefers the delta content", func() {
		f := decode(`{"choices":[{"delta":{"content":"d"},"message":{"content":"m"}}],"content":"r"}`)
		Expect(f.Text).To(Equal("d"))
		Expect(f.Strategy).To(Equal(stream.DeltaContent))
	})

	It("falls back to the message content", func() {
		f := decode(`{"choices":[{"message":{"content":"m"}}],"content":"r"}`)
		Expect(f.Text).To(Equal("m"))
		Expect(f.Strategy).To(Equal(stream.MessageContent))
	})

	It("falls back to a root content string", func() {
		f := decode(`{"content":"r"}`)
		Expect(f.Text).To(Equal("r"))
		Expect(f.Strategy).To(Equal(stream.RootContent))
	})

	It("skips empty and non-string values", func() {
		f := decode(`{"choices":[{"delta":{"content":""},"message":{"content":null}}],"content":"r"}`)
		Expect(f.Text).To(Equal("r"))

		f = decode(`{"content":42}`)
		Expect(f.Text).To(BeEmpty())
	})

	It("honors a custom order", func() {
		data := `{"choices":[{"delta":{"content":"d"}}],"content":"r"}`
		f := stream.ParseData(data, []stream.Strategy{stream.RootContent, stream.DeltaContent})
		Expect(f.Text).To(Equal("r"))
	})

	It("extracts independently of the others", func() {
		text, ok := stream.MessageContent.Extract(map[string]any{
			"choices": []any{map[string]any{"message": map[string]any{"content": "m"}}},
		})
		Expect(ok).To(BeTrue())
		Expect(text).To(Equal("m"))

		_, ok = stream.DeltaContent.Extract("not an object")
		Expect(ok).To(BeFalse())
	})

	It("names itself", func() {
		Expect(stream.DeltaContent.String()).To(Equal("delta_content"))
		Expect(stream.RootContent.String()).To(Equal("root_content"))
	})
})
