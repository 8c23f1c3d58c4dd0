package dialog_test

import (
	"sync"
	"sync/atomic"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/papercomputeco/minesafe/pkg/dialog"
)

var _ = Describe("Gate", func() {
	var (
		calls   atomic.Int32
		reasons []string
		mu      sync.Mutex
		gate    *dialog.Gate
	)

	BeforeEach(func() {
		calls.Store(0)
		reasons = nil
		gate = dialog.NewGate(dialog.ControllerFunc(func(reason string) {
			calls.Add(1)
			mu.Lock()
			reasons = append(reasons, reason)
			mu.Unlock()
		}))
	})

	It("shows the dialog once", func() {
		Expect(gate.SessionExpired("token rejected")).To(BeTrue())
		Expect(gate.SessionExpired("token rejected again")).To(BeFalse())

		Expect(calls.Load()).To(Equal(int32(1)))
		Expect(reasons).To(Equal([]string{"token rejected"}))
		Expect(gate.Showing()).To(BeTrue())
	})

	It("shows the dialog once under concurrent triggers", func() {
		var wg sync.WaitGroup
		for i := 0; i < 32; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				gate.SessionExpired("401")
			}()
		}
		wg.Wait()

		Expect(calls.Load()).To(Equal(int32(1)))
	})

	It("shows the dialog again after Reset", func() {
		gate.SessionExpired("first")
		gate.Reset()
		Expect(gate.Showing()).To(BeFalse())

		Expect(gate.SessionExpired("second")).To(BeTrue())
		Expect(calls.Load()).To(Equal(int32(2)))
	})

	It("is a no-op when nil", func() {
		var g *dialog.Gate
		Expect(g.SessionExpired("x")).To(BeFalse())
		Expect(g.Showing()).To(BeFalse())
		Expect(g.Reset).NotTo(Panic())
	})

	It("is a no-op without a controller", func() {
		Expect(dialog.NewGate(nil).SessionExpired("x")).To(BeFalse())
	})
})
