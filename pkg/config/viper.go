package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/viper"

	"github.com/papercomputeco/minesafe/pkg/dotdir"
)

// EnvPrefix prefixes every environment variable override.
const EnvPrefix = "MINESAFE"

// InitViper creates and returns a configured *viper.Viper.
// It sets defaults from NewDefaultConfig(), reads the config.toml file
// (if found via dotdir resolution), and binds environment variables
// with the MINESAFE_ prefix.
//
// Config precedence (highest to lowest):
//  1. CLI flags (once bound via BindRegisteredFlags)
//  2. Environment variables (MINESAFE_UPSTREAM_API_KEY, MINESAFE_API_LISTEN, etc.)
//  3. config.toml file values
//  4. Defaults from NewDefaultConfig()
func InitViper(configDir string) (*viper.Viper, error) {
	v := viper.New()

	// 1. Register all defaults from NewDefaultConfig().
	setViperDefaults(v)

	// 2. Config file discovery via dotdir resolution.
	v.SetConfigName("config")
	v.SetConfigType("toml")

	ddm := dotdir.NewManager()
	target, err := ddm.Target(configDir)
	if err != nil {
		return nil, fmt.Errorf("resolving config dir: %w", err)
	}

	if target != "" {
		v.AddConfigPath(target)
	}

	if err := v.ReadInConfig(); err != nil {
		// Config file not found errors are fine, defaults will apply.
		if !errors.As(err, &viper.ConfigFileNotFoundError{}) {
			return nil, fmt.Errorf("reading config: %w", err)
		}
	}

	// 3. Environment variables: MINESAFE_UPSTREAM_MODEL, MINESAFE_STORAGE_DRIVER, etc.
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	return v, nil
}

// FromViper resolves the effective configuration from v. Zero values are
// filled from the defaults, as LoadConfig does for the file.
func FromViper(v *viper.Viper) *Config {
	cfg := &Config{
		Version: v.GetInt("version"),
		Upstream: UpstreamConfig{
			BaseURL:      v.GetString("upstream.base_url"),
			APIKey:       v.GetString("upstream.api_key"),
			Model:        v.GetString("upstream.model"),
			SystemPrompt: v.GetString("upstream.system_prompt"),
			Temperature:  v.GetFloat64("upstream.temperature"),
			TopP:         v.GetFloat64("upstream.top_p"),
			MaxTokens:    v.GetInt("upstream.max_tokens"),
		},
		Stream: StreamConfig{
			TotalTimeout: v.GetDuration("stream.total_timeout"),
			IdleTimeout:  v.GetDuration("stream.idle_timeout"),
		},
		Storage: StorageConfig{
			Driver:      v.GetString("storage.driver"),
			SQLitePath:  v.GetString("storage.sqlite_path"),
			PostgresDSN: v.GetString("storage.postgres_dsn"),
		},
		API: APIConfig{
			Listen: v.GetString("api.listen"),
		},
		Client: ClientConfig{
			APITarget: v.GetString("client.api_target"),
		},
		EventStream: EventStreamConfig{
			KafkaBrokers: v.GetString("eventstream.kafka_brokers"),
			KafkaTopic:   v.GetString("eventstream.kafka_topic"),
		},
	}
	applyDefaults(cfg)
	return cfg
}

// setViperDefaults registers defaults from NewDefaultConfig() into viper
// using dotted-key notation. This keeps defaults.go as the single source of truth.
func setViperDefaults(v *viper.Viper) {
	d := NewDefaultConfig()

	v.SetDefault("version", d.Version)

	// Upstream
	v.SetDefault("upstream.base_url", d.Upstream.BaseURL)
	v.SetDefault("upstream.api_key", d.Upstream.APIKey)
	v.SetDefault("upstream.model", d.Upstream.Model)
	v.SetDefault("upstream.system_prompt", d.Upstream.SystemPrompt)
	v.SetDefault("upstream.temperature", d.Upstream.Temperature)
	v.SetDefault("upstream.top_p", d.Upstream.TopP)
	v.SetDefault("upstream.max_tokens", d.Upstream.MaxTokens)

	// Stream
	v.SetDefault("stream.total_timeout", d.Stream.TotalTimeout)
	v.SetDefault("stream.idle_timeout", d.Stream.IdleTimeout)

	// Storage
	v.SetDefault("storage.driver", d.Storage.Driver)
	v.SetDefault("storage.sqlite_path", d.Storage.SQLitePath)
	v.SetDefault("storage.postgres_dsn", d.Storage.PostgresDSN)

	// API
	v.SetDefault("api.listen", d.API.Listen)

	// Client
	v.SetDefault("client.api_target", d.Client.APITarget)

	// Event stream
	v.SetDefault("eventstream.kafka_brokers", d.EventStream.KafkaBrokers)
	v.SetDefault("eventstream.kafka_topic", d.EventStream.KafkaTopic)
}
