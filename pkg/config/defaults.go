package config

import (
	"time"

	"github.com/papercomputeco/minesafe/pkg/llm/openai"
)

// Storage drivers.
const (
	StorageSQLite   = "sqlite"
	StoragePostgres = "postgres"
	StorageMemory   = "memory"
)

const (
	defaultTotalTimeout = 30 * time.Second
	defaultIdleTimeout  = 10 * time.Second

	defaultStorageDriver = StorageSQLite
	defaultAPIListen     = ":8080"
	defaultAPITarget     = "http://localhost:8080"
	defaultKafkaTopic    = "minesafe.chat.turns"
)

// NewDefaultConfig returns a Config with sane defaults for all fields.
// This is the single source of truth for default values.
func NewDefaultConfig() *Config {
	return &Config{
		Version: CurrentV,
		Upstream: UpstreamConfig{
			BaseURL:      openai.DefaultBaseURL,
			Model:        openai.DefaultModel,
			SystemPrompt: openai.DefaultSystemPrompt,
		},
		Stream: StreamConfig{
			TotalTimeout: defaultTotalTimeout,
			IdleTimeout:  defaultIdleTimeout,
		},
		Storage: StorageConfig{
			Driver: defaultStorageDriver,
		},
		API: APIConfig{
			Listen: defaultAPIListen,
		},
		Client: ClientConfig{
			APITarget: defaultAPITarget,
		},
		EventStream: EventStreamConfig{
			KafkaTopic: defaultKafkaTopic,
		},
	}
}
