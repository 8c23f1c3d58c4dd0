package config

import (
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// Flag is the single source of truth for a CLI flag.
// Commands reference flags by registry key rather than hard-coding names,
// shorthands, defaults, and descriptions inline. This prevents flag drift
// when the same logical flag appears on multiple commands (e.g., --model
// on "minesafe chat", "minesafe ask" and "minesafe serve").
type Flag struct {
	// Name is the long flag name (e.g. "model").
	Name string

	// Shorthand is the one-letter short flag (e.g. "m"). Empty for no shorthand.
	Shorthand string

	// ViperKey is the dotted config key this flag maps to (e.g. "upstream.model").
	ViperKey string

	// Description is the help text shown in --help output.
	Description string
}

// FlagSet is a mapping of flag names to Flag structs that hold their name,
// shorthand, viper key, etc.
type FlagSet map[string]Flag

// Flag registry keys.
// Use these constants when calling AddStringFlag, AddDurationFlag,
// and BindRegisteredFlags to avoid typos or drift from one command to another.
const (
	FlagUpstream     = "upstream"
	FlagAPIKey       = "api-key"
	FlagModel        = "model"
	FlagStorage      = "storage"
	FlagSQLite       = "sqlite"
	FlagPostgres     = "postgres-dsn"
	FlagAPIListen    = "listen"
	FlagAPITarget    = "api-target"
	FlagTotalTimeout = "total-timeout"
	FlagIdleTimeout  = "idle-timeout"
	FlagKafkaBrokers = "kafka-brokers"
	FlagKafkaTopic   = "kafka-topic"
)

// Flags is the registry shared by every command.
var Flags = FlagSet{
	FlagUpstream: {
		Name:        "upstream",
		Shorthand:   "u",
		ViperKey:    "upstream.base_url",
		Description: "OpenAI-compatible API base URL",
	},
	FlagAPIKey: {
		Name:        "api-key",
		ViperKey:    "upstream.api_key",
		Description: "Upstream API key (prefer MINESAFE_UPSTREAM_API_KEY)",
	},
	FlagModel: {
		Name:        "model",
		Shorthand:   "m",
		ViperKey:    "upstream.model",
		Description: "Chat model name",
	},
	FlagStorage: {
		Name:        "storage",
		ViperKey:    "storage.driver",
		Description: "Chat history storage (sqlite, postgres, memory)",
	},
	FlagSQLite: {
		Name:        "sqlite",
		Shorthand:   "s",
		ViperKey:    "storage.sqlite_path",
		Description: "Path to SQLite database (default: minesafe.sqlite in the config dir)",
	},
	FlagPostgres: {
		Name:        "postgres-dsn",
		ViperKey:    "storage.postgres_dsn",
		Description: "PostgreSQL connection string",
	},
	FlagAPIListen: {
		Name:        "listen",
		Shorthand:   "l",
		ViperKey:    "api.listen",
		Description: "Address for the API server to listen on",
	},
	FlagAPITarget: {
		Name:        "api-target",
		Shorthand:   "a",
		ViperKey:    "client.api_target",
		Description: "API server URL",
	},
	FlagTotalTimeout: {
		Name:        "total-timeout",
		ViperKey:    "stream.total_timeout",
		Description: "Maximum duration of one streamed reply",
	},
	FlagIdleTimeout: {
		Name:        "idle-timeout",
		ViperKey:    "stream.idle_timeout",
		Description: "Maximum gap between streamed tokens",
	},
	FlagKafkaBrokers: {
		Name:        "kafka-brokers",
		ViperKey:    "eventstream.kafka_brokers",
		Description: "Comma separated Kafka brokers for turn events",
	},
	FlagKafkaTopic: {
		Name:        "kafka-topic",
		ViperKey:    "eventstream.kafka_topic",
		Description: "Kafka topic for turn events",
	},
}

// AddStringFlag registers a string flag on cmd from the given FlagSet.
// The flag's name, shorthand, default, and description all come from the
// FlagSet entry so they cannot drift across commands.
func AddStringFlag(cmd *cobra.Command, fs FlagSet, key string, target *string) {
	def, ok := fs[key]
	if !ok {
		return
	}

	defaultVal := defaultString(def.ViperKey)
	if def.Shorthand != "" {
		cmd.Flags().StringVarP(target, def.Name, def.Shorthand, defaultVal, def.Description)
	} else {
		cmd.Flags().StringVar(target, def.Name, defaultVal, def.Description)
	}
}

// AddDurationFlag registers a duration flag on cmd from the given FlagSet.
func AddDurationFlag(cmd *cobra.Command, fs FlagSet, key string, target *time.Duration) {
	def, ok := fs[key]
	if !ok {
		return
	}

	defaultVal := defaultDuration(def.ViperKey)
	if def.Shorthand != "" {
		cmd.Flags().DurationVarP(target, def.Name, def.Shorthand, defaultVal, def.Description)
	} else {
		cmd.Flags().DurationVar(target, def.Name, defaultVal, def.Description)
	}
}

// BindRegisteredFlags binds already-registered flags to viper using definitions
// from the given FlagSet. Call this in PreRunE after InitViper to connect flags
// to the viper precedence chain (flag > env > config file > default).
func BindRegisteredFlags(v *viper.Viper, cmd *cobra.Command, fs FlagSet, registryKeys []string) {
	for _, registryKey := range registryKeys {
		def, ok := fs[registryKey]
		if !ok {
			continue
		}

		f := cmd.Flags().Lookup(def.Name)
		if f == nil {
			continue
		}

		_ = v.BindPFlag(def.ViperKey, f)
	}
}

// defaultString returns the default string value for a viper key from NewDefaultConfig.
func defaultString(viperKey string) string {
	v := viper.New()
	setViperDefaults(v)
	return v.GetString(viperKey)
}

// defaultDuration returns the default duration for a viper key from NewDefaultConfig.
func defaultDuration(viperKey string) time.Duration {
	v := viper.New()
	setViperDefaults(v)
	return v.GetDuration(viperKey)
}
