package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Config represents the persistent minesafe configuration stored as
// config.toml in the .minesafe/ directory. The TOML layout uses sections for
// logical grouping.
type Config struct {
	Version     int               `toml:"version"`
	Upstream    UpstreamConfig    `toml:"upstream"`
	Stream      StreamConfig      `toml:"stream"`
	Storage     StorageConfig     `toml:"storage"`
	API         APIConfig         `toml:"api"`
	Client      ClientConfig      `toml:"client"`
	EventStream EventStreamConfig `toml:"eventstream"`
}

// UpstreamConfig holds the OpenAI-compatible chat completion provider.
// Zero generation parameters are left to the provider.
type UpstreamConfig struct {
	BaseURL      string  `toml:"base_url,omitempty"`
	APIKey       string  `toml:"api_key,omitempty"`
	Model        string  `toml:"model,omitempty"`
	SystemPrompt string  `toml:"system_prompt,omitempty"`
	Temperature  float64 `toml:"temperature,omitempty"`
	TopP         float64 `toml:"top_p,omitempty"`
	MaxTokens    int     `toml:"max_tokens,omitempty"`
}

// StreamConfig holds the stream watchdogs.
type StreamConfig struct {
	TotalTimeout time.Duration `toml:"total_timeout,omitempty"`
	IdleTimeout  time.Duration `toml:"idle_timeout,omitempty"`
}

// StorageConfig holds chat history storage settings.
type StorageConfig struct {
	// Driver is one of "sqlite", "postgres" or "memory".
	Driver      string `toml:"driver,omitempty"`
	SQLitePath  string `toml:"sqlite_path,omitempty"`
	PostgresDSN string `toml:"postgres_dsn,omitempty"`
}

// APIConfig holds API server settings.
type APIConfig struct {
	Listen string `toml:"listen,omitempty"`
}

// ClientConfig holds settings for CLI commands that connect to a running
// API server (e.g. minesafe chat --remote). Values are full URLs.
type ClientConfig struct {
	APITarget string `toml:"api_target,omitempty"`
}

// EventStreamConfig holds the turn event publisher. Empty brokers disable
// publishing.
type EventStreamConfig struct {
	KafkaBrokers string `toml:"kafka_brokers,omitempty"`
	KafkaTopic   string `toml:"kafka_topic,omitempty"`
}

// Brokers splits the comma separated broker list.
func (c EventStreamConfig) Brokers() []string {
	var out []string
	for _, b := range strings.Split(c.KafkaBrokers, ",") {
		if b = strings.TrimSpace(b); b != "" {
			out = append(out, b)
		}
	}
	return out
}

// configKeyInfo maps a user-facing dotted key name to a getter and setter on *Config.
type configKeyInfo struct {
	get func(c *Config) string
	set func(c *Config, v string) error
}

func stringKey(field func(c *Config) *string) configKeyInfo {
	return configKeyInfo{
		get: func(c *Config) string { return *field(c) },
		set: func(c *Config, v string) error { *field(c) = v; return nil },
	}
}

func floatKey(name string, field func(c *Config) *float64) configKeyInfo {
	return configKeyInfo{
		get: func(c *Config) string {
			if *field(c) == 0 {
				return ""
			}
			return strconv.FormatFloat(*field(c), 'g', -1, 64)
		},
		set: func(c *Config, v string) error {
			f, err := strconv.ParseFloat(v, 64)
			if err != nil || f < 0 {
				return fmt.Errorf("invalid value for %s: %q", name, v)
			}
			*field(c) = f
			return nil
		},
	}
}

func durationKey(name string, field func(c *Config) *time.Duration) configKeyInfo {
	return configKeyInfo{
		get: func(c *Config) string { return field(c).String() },
		set: func(c *Config, v string) error {
			d, err := time.ParseDuration(v)
			if err != nil {
				return fmt.Errorf("invalid value for %s: %w", name, err)
			}
			if d <= 0 {
				return fmt.Errorf("invalid value for %s: must be positive", name)
			}
			*field(c) = d
			return nil
		},
	}
}

// configKeys is the authoritative map of all supported config keys.
// Keys use dotted notation matching the TOML section structure.
var configKeys = map[string]configKeyInfo{
	"upstream.base_url":      stringKey(func(c *Config) *string { return &c.Upstream.BaseURL }),
	"upstream.api_key":       stringKey(func(c *Config) *string { return &c.Upstream.APIKey }),
	"upstream.model":         stringKey(func(c *Config) *string { return &c.Upstream.Model }),
	"upstream.system_prompt": stringKey(func(c *Config) *string { return &c.Upstream.SystemPrompt }),
	"upstream.temperature":   floatKey("upstream.temperature", func(c *Config) *float64 { return &c.Upstream.Temperature }),
	"upstream.top_p":         floatKey("upstream.top_p", func(c *Config) *float64 { return &c.Upstream.TopP }),
	"upstream.max_tokens": {
		get: func(c *Config) string {
			if c.Upstream.MaxTokens == 0 {
				return ""
			}
			return strconv.Itoa(c.Upstream.MaxTokens)
		},
		set: func(c *Config, v string) error {
			n, err := strconv.Atoi(v)
			if err != nil || n < 0 {
				return fmt.Errorf("invalid value for upstream.max_tokens: %q", v)
			}
			c.Upstream.MaxTokens = n
			return nil
		},
	},
	"stream.total_timeout": durationKey("stream.total_timeout", func(c *Config) *time.Duration { return &c.Stream.TotalTimeout }),
	"stream.idle_timeout":  durationKey("stream.idle_timeout", func(c *Config) *time.Duration { return &c.Stream.IdleTimeout }),
	"storage.driver": {
		get: func(c *Config) string { return c.Storage.Driver },
		set: func(c *Config, v string) error {
			switch v {
			case StorageSQLite, StoragePostgres, StorageMemory:
				c.Storage.Driver = v
				return nil
			default:
				return fmt.Errorf("invalid value for storage.driver: %q (available: sqlite, postgres, memory)", v)
			}
		},
	},
	"storage.sqlite_path":       stringKey(func(c *Config) *string { return &c.Storage.SQLitePath }),
	"storage.postgres_dsn":      stringKey(func(c *Config) *string { return &c.Storage.PostgresDSN }),
	"api.listen":                stringKey(func(c *Config) *string { return &c.API.Listen }),
	"client.api_target":         stringKey(func(c *Config) *string { return &c.Client.APITarget }),
	"eventstream.kafka_brokers": stringKey(func(c *Config) *string { return &c.EventStream.KafkaBrokers }),
	"eventstream.kafka_topic":   stringKey(func(c *Config) *string { return &c.EventStream.KafkaTopic }),
}

// secretKeys are masked by "config list".
var secretKeys = map[string]bool{
	"upstream.api_key":     true,
	"storage.postgres_dsn": true,
}

// IsSecretKey reports whether key holds a credential.
func IsSecretKey(key string) bool {
	return secretKeys[key]
}
