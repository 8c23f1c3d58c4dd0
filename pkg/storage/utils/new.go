// Package storageutils opens the configured storage.Driver.
package storageutils

import (
	"context"
	"errors"
	"fmt"

	"github.com/papercomputeco/minesafe/pkg/storage"
	"github.com/papercomputeco/minesafe/pkg/storage/inmemory"
	"github.com/papercomputeco/minesafe/pkg/storage/postgres"
	"github.com/papercomputeco/minesafe/pkg/storage/sqlite"
)

// Driver names accepted by NewDriver.
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
	DriverMemory   = "memory"
)

type NewDriverOpts struct {
	Driver      string
	SQLitePath  string
	PostgresDSN string
}

func NewDriver(ctx context.Context, o *NewDriverOpts) (storage.Driver, error) {
	switch o.Driver {
	case DriverSQLite, "":
		if o.SQLitePath == "" {
			return nil, errors.New("sqlite storage requires a database path")
		}
		return sqlite.NewDriver(ctx, o.SQLitePath)
	case DriverPostgres:
		if o.PostgresDSN == "" {
			return nil, errors.New("postgres storage requires a connection string")
		}
		return postgres.NewDriver(ctx, o.PostgresDSN)
	case DriverMemory:
		return inmemory.NewDriver(), nil
	default:
		return nil, fmt.Errorf("unsupported storage driver: %s", o.Driver)
	}
}
