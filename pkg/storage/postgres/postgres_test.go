package postgres_test

import (
	"context"
	"os"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/papercomputeco/minesafe/pkg/storage"
	"github.com/papercomputeco/minesafe/pkg/storage/postgres"
	testutils "github.com/papercomputeco/minesafe/pkg/utils/test"
)

// connStr returns the PostgreSQL connection string from environment or skips the test.
func connStr() string {
	dsn := os.Getenv("MINESAFE_TEST_POSTGRES_DSN")
	if dsn == "" {
		Skip("MINESAFE_TEST_POSTGRES_DSN not set, skipping PostgreSQL tests")
	}
	return dsn
}

var _ = Describe("Driver", func() {
	testutils.DescribeDriver(func() storage.Driver {
		ctx := context.Background()
		driver, err := postgres.NewDriver(ctx, connStr())
		Expect(err).NotTo(HaveOccurred())

		// Clean all rows before each test for isolation.
		_, err = driver.DB.ExecContext(ctx, "DELETE FROM chat_messages")
		Expect(err).NotTo(HaveOccurred())
		_, err = driver.DB.ExecContext(ctx, "DELETE FROM chat_sessions")
		Expect(err).NotTo(HaveOccurred())

		return driver
	})

	It("fails to connect to an unreachable server", func() {
		connStr()
		_, err := postgres.NewDriver(context.Background(), "postgres://nobody@127.0.0.1:1/none?sslmode=disable&connect_timeout=1")
		Expect(err).To(HaveOccurred())
	})
})
