package sse_test

import (
	"bytes"
	"errors"
	"io"
	"strings"
	"testing/iotest"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/papercomputeco/minesafe/pkg/sse"
)

func drain(r *sse.LineReader) ([]string, error) {
	var lines []string
	for {
		line, err := r.Next()
		if err != nil {
			return lines, err
		}
		lines = append(lines, line)
	}
}

var _ = Describe("LineReader", func() {
	var dst *bytes.Buffer

	BeforeEach(func() {
		dst = &bytes.Buffer{}
	})

	Describe("Next", func() {
		Context("with OpenAI-style frames", func() {
			It("yields each line without its newline", func() {
				src := strings.NewReader("data: {\"a\":1}\n\ndata: [DONE]\n")
				lines, err := drain(sse.NewLineReader(src, dst))

				Expect(err).To(MatchError(io.EOF))
				Expect(lines).To(Equal([]string{"data: {\"a\":1}", "", "data: [DONE]"}))
			})

			It("strips carriage returns", func() {
				src := strings.NewReader("data: one\r\n\r\n")
				lines, err := drain(sse.NewLineReader(src, dst))

				Expect(err).To(MatchError(io.EOF))
				Expect(lines).To(Equal([]string{"data: one", ""}))
			})
		})

		Context("with fragmented reads", func() {
			It("reassembles lines delivered one byte at a time", func() {
				src := iotest.OneByteReader(strings.NewReader("data: 矿山安全\ndata: ok\n"))
				lines, err := drain(sse.NewLineReader(src, dst))

				Expect(err).To(MatchError(io.EOF))
				Expect(lines).To(Equal([]string{"data: 矿山安全", "data: ok"}))
			})

			It("reassembles a line split inside a multi-byte character", func() {
				payload := "data: 瓦斯\n"
				cut := len("data: ") + 1
				pr, pw := io.Pipe()
				go func() {
					defer GinkgoRecover()
					_, _ = pw.Write([]byte(payload[:cut]))
					_, _ = pw.Write([]byte(payload[cut:]))
					_ = pw.Close()
				}()

				r := sse.NewLineReader(pr, dst)
				line, err := r.Next()
				Expect(err).NotTo(HaveOccurred())
				Expect(line).To(Equal("data: 瓦斯"))
			})
		})

		Context("edge cases", func() {
			It("returns io.EOF on empty input", func() {
				_, err := sse.NewLineReader(strings.NewReader(""), dst).Next()
				Expect(err).To(MatchError(io.EOF))
			})

			It("drops a trailing fragment without a newline", func() {
				src := strings.NewReader("data: kept\ndata: partial")
				lines, err := drain(sse.NewLineReader(src, dst))

				Expect(err).To(MatchError(io.EOF))
				Expect(lines).To(Equal([]string{"data: kept"}))
				Expect(dst.String()).To(Equal("data: kept\n"))
			})

			It("surfaces source errors", func() {
				boom := errors.New("connection reset")
				src := io.MultiReader(strings.NewReader("data: a\n"), iotest.ErrReader(boom))
				lines, err := drain(sse.NewLineReader(src, dst))

				Expect(lines).To(Equal([]string{"data: a"}))
				Expect(err).To(MatchError(boom))
			})

			It("accepts a nil transcript writer", func() {
				r := sse.NewLineReader(strings.NewReader("data: x\n"), nil)
				line, err := r.Next()
				Expect(err).NotTo(HaveOccurred())
				Expect(line).To(Equal("data: x"))
			})
		})

		Context("transcript forwarding", func() {
			It("writes every complete line to dst", func() {
				input := "data: {\"choices\":[]}\n\ndata: [DONE]\n"
				_, _ = drain(sse.NewLineReader(strings.NewReader(input), dst))

				Expect(dst.String()).To(Equal(input))
			})
		})
	})
})
