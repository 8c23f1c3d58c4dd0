package config_test

import (
	"context"
	"os"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/papercomputeco/minesafe/pkg/config"
)

var _ = Describe("Watch", func() {
	var (
		tmpDir string
		c      *config.Configer
	)

	BeforeEach(func() {
		var err error
		tmpDir, err = os.MkdirTemp("", "watch-test-*")
		Expect(err).NotTo(HaveOccurred())
		DeferCleanup(os.RemoveAll, tmpDir)

		c, err = config.NewConfiger(tmpDir)
		Expect(err).NotTo(HaveOccurred())
		Expect(c.SaveConfig(config.NewDefaultConfig())).To(Succeed())
	})

	type change struct {
		Cfg *config.Config
		Err error
	}

	watch := func() <-chan change {
		ctx, cancel := context.WithCancel(context.Background())
		changes := make(chan change, 64)
		done := make(chan error, 1)
		go func() {
			done <- c.Watch(ctx, func(cfg *config.Config, err error) {
				changes <- change{cfg, err}
			})
		}()
		DeferCleanup(func() {
			cancel()
			Eventually(done).Should(Receive(MatchError(context.Canceled)))
		})
		// Give the watcher time to register the directory.
		time.Sleep(100 * time.Millisecond)
		return changes
	}

	// latest drains changes and returns the last loaded config.
	latest := func(changes <-chan change) func() *config.Config {
		var last *config.Config
		return func() *config.Config {
			for {
				select {
				case got := <-changes:
					if got.Cfg != nil {
						last = got.Cfg
					}
				default:
					return last
				}
			}
		}
	}

	It("reports the reloaded config when the file changes", func() {
		changes := watch()

		Expect(c.SetConfigValue("stream.idle_timeout", "3s")).To(Succeed())

		Eventually(latest(changes), "2s").Should(HaveField("Stream.IdleTimeout", 3*time.Second))
	})

	It("reports a broken file and keeps watching", func() {
		changes := watch()

		writeConfig(tmpDir, "[[[")
		Eventually(changes, "2s").Should(Receive(HaveField("Err", HaveOccurred())))

		cfg := config.NewDefaultConfig()
		cfg.Upstream.Model = "gpt-4o-mini"
		Expect(c.SaveConfig(cfg)).To(Succeed())

		Eventually(latest(changes), "2s").Should(HaveField("Upstream.Model", "gpt-4o-mini"))
	})

	It("requires a resolved config file", func() {
		Expect((&config.Configer{}).Watch(context.Background(), func(*config.Config, error) {})).
			To(MatchError(ContainSubstring("empty target path")))
	})
})
