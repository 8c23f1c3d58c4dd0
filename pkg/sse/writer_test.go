package sse_test

import (
	"bufio"
	"bytes"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/papercomputeco/minesafe/pkg/sse"
)

var _ = Describe("Writer", func() {
	var buf *bytes.Buffer

	BeforeEach(func() {
		buf = &bytes.Buffer{}
	})

	It("writes a data event terminated by a blank line", func() {
		Expect(sse.NewWriter(buf).WriteData(`{"x":1}`)).To(Succeed())
		Expect(buf.String()).To(Equal("data: {\"x\":1}\n\n"))
	})

	It("splits multi-line data into several data fields", func() {
		Expect(sse.NewWriter(buf).WriteData("a\nb")).To(Succeed())
		Expect(buf.String()).To(Equal("data: a\ndata: b\n\n"))
	})

	It("writes id and event fields before the data", func() {
		Expect(sse.NewWriter(buf).WriteEvent(sse.Event{ID: "7", Type: "error", Data: "nope"})).To(Succeed())
		Expect(buf.String()).To(Equal("id: 7\nevent: error\ndata: nope\n\n"))
	})

	It("writes the done sentinel", func() {
		Expect(sse.NewWriter(buf).WriteDone()).To(Succeed())
		Expect(buf.String()).To(Equal("data: [DONE]\n\n"))
	})

	It("writes comments that readers skip", func() {
		Expect(sse.NewWriter(buf).WriteComment("ping")).To(Succeed())
		Expect(buf.String()).To(Equal(": ping\n\n"))
	})

	It("flushes buffered writers after every event", func() {
		bw := bufio.NewWriterSize(buf, 4096)
		Expect(sse.NewWriter(bw).WriteData("tok")).To(Succeed())
		Expect(buf.String()).To(Equal("data: tok\n\n"))
	})

	It("produces frames a LineReader reads back", func() {
		w := sse.NewWriter(buf)
		Expect(w.WriteData("one")).To(Succeed())
		Expect(w.WriteDone()).To(Succeed())

		lines, _ := drain(sse.NewLineReader(buf, nil))
		Expect(lines).To(Equal([]string{"data: one", "", "data: [DONE]", ""}))
	})
})
