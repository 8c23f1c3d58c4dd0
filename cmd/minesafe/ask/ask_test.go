package askcmder_test

import (
	"bytes"
	"net/http"
	"strings"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	minesafecmder "github.com/papercomputeco/minesafe/cmd/minesafe"
	askcmder "github.com/papercomputeco/minesafe/cmd/minesafe/ask"
	"github.com/papercomputeco/minesafe/pkg/chat"
	testutils "github.com/papercomputeco/minesafe/pkg/utils/test"
)

var _ = Describe("NewAskCmd", func() {
	It("requires a question", func() {
		cmd := askcmder.NewAskCmd()
		Expect(cmd.Args(cmd, []string{})).NotTo(Succeed())
		Expect(cmd.Args(cmd, []string{"why?"})).To(Succeed())
	})

	It("has a --raw flag", func() {
		cmd := askcmder.NewAskCmd()
		Expect(cmd.Flags().Lookup("raw")).NotTo(BeNil())
	})
})

var _ = Describe("Ask command execution", func() {
	var (
		dir      string
		upstream *testutils.Upstream
	)

	BeforeEach(func() {
		dir = GinkgoT().TempDir()
		upstream = testutils.NewUpstream("Below ", "1%.")
		DeferCleanup(upstream.Close)
	})

	execute := func(input string, args ...string) (string, error) {
		var out, errOut bytes.Buffer
		cmd := minesafecmder.NewMinesafeCmd()
		cmd.SetArgs(append([]string{
			"--config-dir", dir, "--no-color",
			"ask", "--upstream", upstream.URL(), "--api-key", "sk-test",
		}, args...))
		cmd.SetIn(strings.NewReader(input))
		cmd.SetOut(&out)
		cmd.SetErr(&errOut)
		err := cmd.Execute()
		return out.String(), err
	}

	lastPrompt := func() string {
		requests := upstream.Requests()
		Expect(requests).To(HaveLen(1))
		messages := requests[0].Messages
		return messages[len(messages)-1].Content
	}

	It("streams the answer to stdout", func() {
		out, err := execute("", "What", "is", "the", "methane", "limit?")
		Expect(err).NotTo(HaveOccurred())
		Expect(out).To(Equal("Below 1%.\n"))
		Expect(lastPrompt()).To(Equal("What is the methane limit?"))
	})

	It("reads the question from stdin", func() {
		_, err := execute("  How often are self-rescuers inspected?\n", "-")
		Expect(err).NotTo(HaveOccurred())
		Expect(lastPrompt()).To(Equal("How often are self-rescuers inspected?"))
	})

	It("sends no history", func() {
		_, err := execute("", "q")
		Expect(err).NotTo(HaveOccurred())
		for _, m := range upstream.Requests()[0].Messages {
			Expect(m.Role).NotTo(Equal("assistant"))
		}
	})

	It("rejects a blank question", func() {
		_, err := execute("   \n", "-")
		Expect(err).To(MatchError(chat.ErrEmptyMessage))
		Expect(upstream.Requests()).To(BeEmpty())
	})

	It("fails when the upstream fails", func() {
		upstream.Fail(http.StatusBadGateway, "bad gateway")

		_, err := execute("", "q")
		Expect(err).To(MatchError(ContainSubstring("upstream request failed")))
	})
})
