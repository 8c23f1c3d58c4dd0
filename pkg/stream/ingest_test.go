package stream_test

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing/iotest"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/papercomputeco/minesafe/pkg/logger"
	"github.com/papercomputeco/minesafe/pkg/stream"
)

var _ = Describe("Ingestor", func() {
	var (
		ingestor *stream.Ingestor
		rec      *recorder
		ctx      context.Context
	)

	BeforeEach(func() {
		ingestor = stream.NewIngestor(stream.WithLogger(logger.Nop()))
		rec = &recorder{}
		ctx = context.Background()
	})

	Describe("Consume", func() {
		Context("with arbitrary chunk boundaries", func() {
			body := deltaFrame("煤矿") + deltaFrame("通风") + deltaFrame(" safety ") +
				deltaFrame("瓦斯监测") + "data: [DONE]\n\n"

			It("delivers the same text as a single read", func() {
				whole := &recorder{}
				ingestor.Consume(ctx, strings.NewReader(body), whole.callbacks())
				Expect(whole.Text()).To(Equal("煤矿通风 safety 瓦斯监测"))

				readers := map[string]io.Reader{
					"one byte":      iotest.OneByteReader(strings.NewReader(body)),
					"half reads":    iotest.HalfReader(strings.NewReader(body)),
					"odd sizes":     newSplitReader(body, 3, 7, 1, 13),
					"mid codepoint": newSplitReader(body, len(`data: {"choices":[{"index":0,"delta":{"content":"`)+1, 2, 5),
					"primes":        newSplitReader(body, 2, 3, 5, 11, 17),
				}
				for name, r := range readers {
					split := &recorder{}
					res := ingestor.Consume(ctx, r, split.callbacks())
					Expect(split.Chunks()).To(Equal(whole.Chunks()), name)
					Expect(res.Reason).To(Equal(stream.ReasonDone), name)
				}
			})
		})

		Context("with a [DONE] sentinel", func() {
			It("completes exactly once with no chunk after completion", func() {
				body := deltaFrame("a") + deltaFrame("b") + "data: [DONE]\n\n" + deltaFrame("late")
				res := ingestor.Consume(ctx, strings.NewReader(body), rec.callbacks())

				Expect(rec.Events()).To(Equal([]string{"chunk", "chunk", "complete"}))
				Expect(rec.Chunks()).To(Equal([]string{"a", "b"}))
				Expect(res.Reason).To(Equal(stream.ReasonDone))
				Expect(res.Chunks).To(Equal(2))
				Expect(res.Failed()).To(BeFalse())
			})

			It("accepts the doubled and punctuated sentinels", func() {
				for _, sentinel := range []string{"data: data: [DONE]\n", "data: [DONE].\n", "data:  [DONE]  \n"} {
					r := &recorder{}
					body := deltaFrame("x") + sentinel + deltaFrame("y")
					res := ingestor.Consume(ctx, strings.NewReader(body), r.callbacks())
					Expect(r.Chunks()).To(Equal([]string{"x"}), sentinel)
					Expect(res.Reason).To(Equal(stream.ReasonDone), sentinel)
				}
			})

			It("treats an invalid payload containing [DONE] as terminal", func() {
				body := deltaFrame("x") + "data: {[DONE]\n" + deltaFrame("y")
				res := ingestor.Consume(ctx, strings.NewReader(body), rec.callbacks())

				Expect(rec.Chunks()).To(Equal([]string{"x"}))
				Expect(res.Reason).To(Equal(stream.ReasonDone))
			})
		})

		Context("with a first frame that has no delta", func() {
			It("delivers the message content and keeps reading", func() {
				body := `data: {"choices":[{"message":{"content":"hello"}}]}` + "\n" + "data: [DONE]\n"
				ingestor.Consume(ctx, strings.NewReader(body), rec.callbacks())

				Expect(rec.Events()).To(Equal([]string{"chunk", "complete"}))
				Expect(rec.Chunks()).To(Equal([]string{"hello"}))
			})
		})

		Context("with a finish_reason", func() {
			It("completes on stop without extracting that frame's content", func() {
				body := deltaFrame("a") +
					`data: {"choices":[{"delta":{"content":"tail"},"finish_reason":"stop"}]}` + "\n" +
					deltaFrame("b")
				res := ingestor.Consume(ctx, strings.NewReader(body), rec.callbacks())

				Expect(rec.Chunks()).To(Equal([]string{"a"}))
				Expect(res.Reason).To(Equal(stream.ReasonFinishReason))
			})

			It("completes on length", func() {
				body := `data: {"choices":[{"delta":{},"finish_reason":"length"}]}` + "\n" + deltaFrame("b")
				res := ingestor.Consume(ctx, strings.NewReader(body), rec.callbacks())

				Expect(rec.Chunks()).To(BeEmpty())
				Expect(res.Reason).To(Equal(stream.ReasonFinishReason))
			})

			It("keeps reading on other finish reasons", func() {
				body := `data: {"choices":[{"delta":{"content":"a"},"finish_reason":null}]}` + "\n" +
					`data: {"choices":[{"delta":{"content":"b"},"finish_reason":"tool_calls"}]}` + "\n"
				res := ingestor.Consume(ctx, strings.NewReader(body), rec.callbacks())

				Expect(rec.Chunks()).To(Equal([]string{"a", "b"}))
				Expect(res.Reason).To(Equal(stream.ReasonEOF))
			})
		})

		Context("with a malformed frame", func() {
			It("skips it and keeps the stream healthy", func() {
				body := "data: not valid json at all\n" +
					`data: {"choices":[{"delta":{"content":"ok"}}]}` + "\n" +
					"data: [DONE]\n"
				res := ingestor.Consume(ctx, strings.NewReader(body), rec.callbacks())

				Expect(rec.Events()).To(Equal([]string{"chunk", "complete"}))
				Expect(rec.Chunks()).To(Equal([]string{"ok"}))
				Expect(res.Reason).To(Equal(stream.ReasonDone))
			})
		})

		Context("with lines that carry no text", func() {
			It("ignores comments, other fields and blank keep-alives", func() {
				body := ": keep-alive\n" +
					"event: message\n" +
					"data:\n" +
					"data: \n" +
					"data:{\"content\":\"no space\"}\n" +
					`data: {"choices":[{"delta":{"role":"assistant"}}]}` + "\n" +
					deltaFrame("text")
				res := ingestor.Consume(ctx, strings.NewReader(body), rec.callbacks())

				Expect(rec.Chunks()).To(Equal([]string{"text"}))
				Expect(res.Reason).To(Equal(stream.ReasonEOF))
			})
		})

		Context("when the transport ends without a sentinel", func() {
			It("completes cleanly", func() {
				res := ingestor.Consume(ctx, strings.NewReader(deltaFrame("a")), rec.callbacks())

				Expect(rec.Events()).To(Equal([]string{"chunk", "complete"}))
				Expect(res.Reason).To(Equal(stream.ReasonEOF))
			})

			It("drops an unterminated trailing line", func() {
				body := deltaFrame("a") + `data: {"choices":[{"delta":{"content":"cut"}}]}`
				ingestor.Consume(ctx, strings.NewReader(body), rec.callbacks())

				Expect(rec.Chunks()).To(Equal([]string{"a"}))
			})
		})

		Context("when the upstream stalls", func() {
			It("completes once after the idle timeout and ignores later data", func() {
				ingestor.SetTimeouts(5*time.Second, 50*time.Millisecond)
				pr, pw := io.Pipe()

				results := make(chan stream.Result, 1)
				go func() {
					defer GinkgoRecover()
					results <- ingestor.Consume(ctx, pr, rec.callbacks())
				}()

				_, err := pw.Write([]byte(deltaFrame("first")))
				Expect(err).NotTo(HaveOccurred())

				var res stream.Result
				Eventually(results, time.Second).Should(Receive(&res))
				Expect(res.Reason).To(Equal(stream.ReasonIdleTimeout))
				Expect(res.Reason.TimedOut()).To(BeTrue())

				// The body was closed, so a late write cannot reach the session.
				_, _ = pw.Write([]byte(deltaFrame("late") + "data: [DONE]\n"))
				_ = pw.Close()

				Consistently(rec.Events, 100*time.Millisecond).Should(Equal([]string{"chunk", "complete"}))
				Expect(rec.terminals()).To(Equal(1))
			})

			It("re-arms the idle watchdog on every delivered delta", func() {
				ingestor.SetTimeouts(5*time.Second, 80*time.Millisecond)
				pr, pw := io.Pipe()

				go func() {
					defer GinkgoRecover()
					for i := 0; i < 4; i++ {
						time.Sleep(40 * time.Millisecond)
						if _, err := pw.Write([]byte(deltaFrame("t"))); err != nil {
							return
						}
					}
					_, _ = pw.Write([]byte("data: [DONE]\n"))
				}()

				res := ingestor.Consume(ctx, pr, rec.callbacks())
				Expect(res.Reason).To(Equal(stream.ReasonDone))
				Expect(rec.Text()).To(Equal("tttt"))
			})

			It("completes after the total timeout while deltas keep arriving", func() {
				ingestor.SetTimeouts(120*time.Millisecond, time.Second)
				pr, pw := io.Pipe()

				stop := make(chan struct{})
				defer close(stop)
				go func() {
					defer GinkgoRecover()
					ticker := time.NewTicker(10 * time.Millisecond)
					defer ticker.Stop()
					for {
						select {
						case <-stop:
							return
						case <-ticker.C:
							if _, err := pw.Write([]byte(deltaFrame("t"))); err != nil {
								return
							}
						}
					}
				}()

				res := ingestor.Consume(ctx, pr, rec.callbacks())
				Expect(res.Reason).To(Equal(stream.ReasonTotalTimeout))
				Expect(res.Chunks).To(BeNumerically(">", 0))
				Expect(rec.terminals()).To(Equal(1))
			})
		})

		Context("when the caller cancels", func() {
			It("completes with the partial content", func() {
				ctx, cancel := context.WithCancel(ctx)
				pr, pw := io.Pipe()

				results := make(chan stream.Result, 1)
				go func() {
					defer GinkgoRecover()
					results <- ingestor.Consume(ctx, pr, rec.callbacks())
				}()

				_, err := pw.Write([]byte(deltaFrame("partial")))
				Expect(err).NotTo(HaveOccurred())
				Eventually(rec.Chunks).Should(HaveLen(1))
				cancel()

				var res stream.Result
				Eventually(results, time.Second).Should(Receive(&res))
				Expect(res.Reason).To(Equal(stream.ReasonCanceled))
				Expect(rec.Events()).To(Equal([]string{"chunk", "complete"}))
			})
		})

		Context("when reading fails", func() {
			It("resolves through OnError exactly once", func() {
				boom := errors.New("connection reset by peer")
				body := io.MultiReader(strings.NewReader(deltaFrame("a")), iotest.ErrReader(boom))
				res := ingestor.Consume(ctx, body, rec.callbacks())

				Expect(res.Reason).To(Equal(stream.ReasonReadError))
				Expect(res.Err).To(MatchError(boom))
				Expect(rec.Events()).To(Equal([]string{"chunk", "error:connection reset by peer"}))
			})
		})

		Context("when callbacks misbehave", func() {
			It("routes a panicking OnChunk to OnError", func() {
				var errs []string
				cb := stream.Callbacks{
					OnChunk:    func(string) { panic("render failed") },
					OnComplete: func() error { Fail("OnComplete must not fire"); return nil },
					OnError:    func(msg string) { errs = append(errs, msg) },
				}
				res := ingestor.Consume(ctx, strings.NewReader(deltaFrame("a")+"data: [DONE]\n"), cb)

				Expect(res.Reason).To(Equal(stream.ReasonCallbackPanic))
				Expect(errs).To(HaveLen(1))
				Expect(errs[0]).To(ContainSubstring("render failed"))
			})

			It("reports a failing OnComplete without a second signal", func() {
				errored := false
				cb := stream.Callbacks{
					OnComplete: func() error { return errors.New("save failed") },
					OnError:    func(string) { errored = true },
				}
				res := ingestor.Consume(ctx, strings.NewReader("data: [DONE]\n"), cb)

				Expect(res.HandlerErr).To(MatchError("save failed"))
				Expect(res.Failed()).To(BeFalse())
				Expect(errored).To(BeFalse())
			})

			It("survives a panicking OnComplete", func() {
				cb := stream.Callbacks{OnComplete: func() error { panic("oops") }}
				var res stream.Result
				Expect(func() {
					res = ingestor.Consume(ctx, strings.NewReader("data: [DONE]\n"), cb)
				}).NotTo(Panic())
				Expect(res.HandlerErr).To(HaveOccurred())
			})

			It("tolerates nil callbacks", func() {
				res := ingestor.Consume(ctx, strings.NewReader(deltaFrame("a")), stream.Callbacks{})
				Expect(res.Chunks).To(Equal(1))
			})
		})

		It("reports a nil body as no readable stream", func() {
			res := ingestor.Consume(ctx, nil, rec.callbacks())

			Expect(res.Reason).To(Equal(stream.ReasonNoBody))
			Expect(rec.Events()).To(Equal([]string{"error:no readable stream"}))
		})

		It("lets the reader of a body without Close exit once Read returns", func() {
			release := make(chan struct{})
			body := &gatedReader{release: release, data: deltaFrame("late") + deltaFrame("later")}

			cctx, cancel := context.WithCancel(ctx)
			cancel()
			res := ingestor.Consume(cctx, body, rec.callbacks())
			Expect(res.Reason).To(Equal(stream.ReasonCanceled))

			close(release)
			Eventually(body.Reads).Should(Equal(1))
			Consistently(body.Reads, "100ms").Should(Equal(1))
			Expect(rec.Chunks()).To(BeEmpty())
		})

		It("copies upstream lines to the transcript", func() {
			var transcript strings.Builder
			in := stream.NewIngestor(stream.WithTranscript(&transcript))
			body := deltaFrame("a") + "data: [DONE]\n"
			in.Consume(ctx, strings.NewReader(body), rec.callbacks())

			Expect(transcript.String()).To(Equal(body))
		})
	})

	Describe("Ingest", func() {
		It("reports an error status with the provider message", func() {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusInternalServerError)
				_, _ = w.Write([]byte(`{"error":{"message":"boom"}}`))
			}))
			defer server.Close()

			resp, err := http.Get(server.URL)
			Expect(err).NotTo(HaveOccurred())

			res := ingestor.Ingest(ctx, resp, rec.callbacks())

			Expect(res.Reason).To(Equal(stream.ReasonHTTPStatus))
			events := rec.Events()
			Expect(events).To(HaveLen(1))
			Expect(events[0]).To(HavePrefix("error:"))
			Expect(events[0]).To(ContainSubstring("500"))
			Expect(events[0]).To(ContainSubstring("boom"))
			Expect(rec.Chunks()).To(BeEmpty())

			var statusErr *stream.StatusError
			Expect(errors.As(res.Err, &statusErr)).To(BeTrue())
			Expect(statusErr.StatusCode).To(Equal(http.StatusInternalServerError))
		})

		It("falls back to a top-level message and then to unknown error", func() {
			resp := &http.Response{
				StatusCode: http.StatusTooManyRequests,
				Body:       io.NopCloser(strings.NewReader(`{"message":"rate limited"}`)),
			}
			res := ingestor.Ingest(ctx, resp, rec.callbacks())
			Expect(res.Err.Error()).To(ContainSubstring("429 Too Many Requests"))
			Expect(res.Err.Error()).To(ContainSubstring("rate limited"))

			resp = &http.Response{
				StatusCode: http.StatusBadGateway,
				Body:       io.NopCloser(strings.NewReader("<html>bad gateway</html>")),
			}
			res = ingestor.Ingest(ctx, resp, (&recorder{}).callbacks())
			Expect(res.Err.Error()).To(ContainSubstring("unknown error"))
		})

		It("flags unauthorized responses", func() {
			resp := &http.Response{
				StatusCode: http.StatusUnauthorized,
				Body:       io.NopCloser(strings.NewReader(`{"error":{"message":"invalid token"}}`)),
			}
			res := ingestor.Ingest(ctx, resp, rec.callbacks())
			Expect(stream.IsUnauthorized(res.Err)).To(BeTrue())
		})

		It("reports a missing response as no readable stream", func() {
			res := ingestor.Ingest(ctx, nil, rec.callbacks())
			Expect(res.Reason).To(Equal(stream.ReasonNoBody))
			Expect(rec.Events()).To(Equal([]string{"error:no readable stream"}))
		})

		It("streams a successful response", func() {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				w.Header().Set("Content-Type", "text/event-stream")
				flusher := w.(http.Flusher)
				for _, tok := range []string{"Wear ", "a ", "respirator."} {
					_, _ = w.Write([]byte(deltaFrame(tok)))
					flusher.Flush()
				}
				_, _ = w.Write([]byte("data: [DONE]\n\n"))
			}))
			defer server.Close()

			resp, err := http.Get(server.URL)
			Expect(err).NotTo(HaveOccurred())

			res := ingestor.Ingest(ctx, resp, rec.callbacks())
			Expect(res.Reason).To(Equal(stream.ReasonDone))
			Expect(rec.Text()).To(Equal("Wear a respirator."))
		})
	})

	Describe("SetTimeouts", func() {
		It("starts from the defaults", func() {
			total, idle := stream.NewIngestor().Timeouts()
			Expect(total).To(Equal(stream.DefaultTotalTimeout))
			Expect(idle).To(Equal(stream.DefaultIdleTimeout))
		})

		It("applies options and later updates", func() {
			in := stream.NewIngestor(stream.WithTotalTimeout(time.Minute), stream.WithIdleTimeout(time.Second))
			total, idle := in.Timeouts()
			Expect(total).To(Equal(time.Minute))
			Expect(idle).To(Equal(time.Second))

			in.SetTimeouts(2*time.Minute, 3*time.Second)
			total, idle = in.Timeouts()
			Expect(total).To(Equal(2 * time.Minute))
			Expect(idle).To(Equal(3 * time.Second))
		})
	})
})
