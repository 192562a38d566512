// Package config holds wadesk configuration: the static YAML app config
// loaded at startup and the runtime Settings snapshot the dashboard can edit
// at any time, persisted as JSON alongside the paused-chat set.
package config

import (
	"time"

	"github.com/jholhewres/wadesk/pkg/wadesk/channels/whatsapp"
)

// Default AI provider values, used when neither the settings file nor the
// environment provides them.
const (
	DefaultBaseURL      = "https://openrouter.ai/api/v1"
	DefaultModelName    = "google/gemma-3n-e4b-it"
	DefaultSystemPrompt = "You are a helpful and concise WhatsApp assistant. You answer in Indonesian."
)

// Settings is the runtime configuration snapshot: AI provider credentials
// plus the paused-chat set. Updated through the settings endpoint and saved
// immediately (not debounced) — a settings change should feel durable the
// moment it is acknowledged.
type Settings struct {
	APIKey       string   `json:"apiKey"`
	BaseURL      string   `json:"baseUrl"`
	ModelName    string   `json:"modelName"`
	SystemPrompt string   `json:"systemPrompt"`
	PausedChats  []string `json:"pausedChats"`
}

// DefaultSettings returns Settings seeded from defaults.
func DefaultSettings() Settings {
	return Settings{
		BaseURL:      DefaultBaseURL,
		ModelName:    DefaultModelName,
		SystemPrompt: DefaultSystemPrompt,
	}
}

// RelayConfig tunes the relay engine.
type RelayConfig struct {
	// ContextWindow is how many stored messages precede the new inbound
	// text in the AI prompt.
	ContextWindow int `yaml:"context_window"`

	// RequestTimeout bounds a single AI completion call.
	RequestTimeout time.Duration `yaml:"request_timeout"`

	// DisableReplyDelay skips the humanizing delay. Meant for tests and
	// local development only.
	DisableReplyDelay bool `yaml:"disable_reply_delay"`
}

// LoggingConfig configures log output.
type LoggingConfig struct {
	// Level is "debug", "info", "warn" or "error".
	Level string `yaml:"level"`

	// Format is "json" or "text".
	Format string `yaml:"format"`
}

// ServerConfig configures the dashboard API server.
type ServerConfig struct {
	// Address is the listen address (default ":3000").
	Address string `yaml:"address"`

	// AuthToken is the Bearer token for API access (empty = no auth).
	AuthToken string `yaml:"auth_token"`
}

// Config is the static application configuration loaded from config.yaml.
type Config struct {
	// DataDir is where snapshots (conversations.json, settings.json) live.
	DataDir string `yaml:"data_dir"`

	// CheckpointInterval is the cron spec for periodic forced snapshot
	// flushes (empty disables the checkpoint job).
	CheckpointInterval string `yaml:"checkpoint_interval"`

	Server   ServerConfig    `yaml:"server"`
	WhatsApp whatsapp.Config `yaml:"whatsapp"`
	Relay    RelayConfig     `yaml:"relay"`
	Logging  LoggingConfig   `yaml:"logging"`
}

// Default returns a Config with sensible defaults.
func Default() *Config {
	return &Config{
		DataDir:            "./data",
		CheckpointInterval: "@every 5m",
		Server: ServerConfig{
			Address: ":3000",
		},
		WhatsApp: whatsapp.DefaultConfig(),
		Relay: RelayConfig{
			ContextWindow:  5,
			RequestTimeout: 30 * time.Second,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
	}
}
