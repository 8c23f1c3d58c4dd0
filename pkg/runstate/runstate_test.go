package runstate_test

import (
	"os"
	"path/filepath"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/papercomputeco/minesafe/pkg/runstate"
)

var _ = Describe("Manager", func() {
	var (
		tempDir string
		manager *runstate.Manager
	)

	BeforeEach(func() {
		var err error
		tempDir, err = os.MkdirTemp("", "minesafe-runstate-*")
		Expect(err).NotTo(HaveOccurred())
		DeferCleanup(os.RemoveAll, tempDir)

		manager, err = runstate.NewManager(tempDir)
		Expect(err).NotTo(HaveOccurred())
	})

	It("saves and loads state", func() {
		Expect(manager.SaveState(&runstate.State{
			PID:     123,
			APIURL:  "http://localhost:9001",
			Model:   "Qwen/Qwen2.5-7B-Instruct",
			Storage: "sqlite",
		})).To(Succeed())

		loaded, err := manager.LoadState()
		Expect(err).NotTo(HaveOccurred())
		Expect(loaded).NotTo(BeNil())
		Expect(loaded.Version).To(Equal(1))
		Expect(loaded.PID).To(Equal(123))
		Expect(loaded.APIURL).To(Equal("http://localhost:9001"))
		Expect(loaded.LogPath).To(Equal(filepath.Join(manager.Dir, "serve.log")))
		Expect(loaded.UpdatedAt).NotTo(BeZero())
	})

	It("returns nil without a state file", func() {
		loaded, err := manager.LoadState()
		Expect(err).NotTo(HaveOccurred())
		Expect(loaded).To(BeNil())
	})

	It("clears state", func() {
		Expect(manager.SaveState(&runstate.State{PID: 1})).To(Succeed())
		Expect(manager.ClearState()).To(Succeed())
		Expect(manager.ClearState()).To(Succeed())

		loaded, err := manager.LoadState()
		Expect(err).NotTo(HaveOccurred())
		Expect(loaded).To(BeNil())
	})

	Describe("RunningState", func() {
		It("returns the state of a live process", func() {
			Expect(manager.SaveState(&runstate.State{PID: os.Getpid(), APIURL: "http://localhost:8080"})).To(Succeed())

			state, err := manager.RunningState()
			Expect(err).NotTo(HaveOccurred())
			Expect(state).NotTo(BeNil())
			Expect(state.APIURL).To(Equal("http://localhost:8080"))
		})

		It("ignores a stale state", func() {
			Expect(manager.SaveState(&runstate.State{PID: 0})).To(Succeed())

			state, err := manager.RunningState()
			Expect(err).NotTo(HaveOccurred())
			Expect(state).To(BeNil())
		})
	})

	It("refuses a second lock", func() {
		lock, err := manager.TryLock()
		Expect(err).NotTo(HaveOccurred())

		_, err = manager.TryLock()
		Expect(err).To(MatchError(runstate.ErrRunning))

		Expect(lock.Release()).To(Succeed())

		again, err := manager.TryLock()
		Expect(err).NotTo(HaveOccurred())
		Expect(again.Release()).To(Succeed())
	})
})
