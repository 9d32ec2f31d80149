// Package config loads application configuration from a YAML file with
// environment variable overrides.
package config

import (
	"os"
	"strconv"
	"time"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// Config is the application configuration.
type Config struct {
	Backend  Backend  `yaml:"backend"`
	Realtime Realtime `yaml:"realtime"`
	History  History  `yaml:"history"`
	Stream   Stream   `yaml:"stream"`
	LogLevel string   `yaml:"log_level"`
}

// Backend configures the wallet backend.
type Backend struct {
	URL    string `yaml:"url"`
	APIKey string `yaml:"api_key"`
	UserID string `yaml:"user_id"`
}

// Realtime configures the session engine.
type Realtime struct {
	NegotiateURL       string        `yaml:"negotiate_url"`
	WebSocketURL       string        `yaml:"websocket_url"`
	Model              string        `yaml:"model"`
	Voice              string        `yaml:"voice"`
	TranscriptionModel string        `yaml:"transcription_model"`
	Instructions       string        `yaml:"instructions"`
	CredentialTTL      time.Duration `yaml:"credential_ttl"`
	SaveDebounce       time.Duration `yaml:"save_debounce"`
	LoadGuard          time.Duration `yaml:"load_guard"`
}

// History configures transcript persistence.
type History struct {
	Driver       string        `yaml:"driver"` // memory | sqlite | redis
	SQLitePath   string        `yaml:"sqlite_path"`
	RedisAddr    string        `yaml:"redis_addr"`
	RedisTTL     time.Duration `yaml:"redis_ttl"`
	TokenLimit   int           `yaml:"token_limit"`
	MessageLimit int           `yaml:"message_limit"`
}

// Stream configures the conversation frame bus.
type Stream struct {
	Driver   string `yaml:"driver"` // memory | redis
	Addr     string `yaml:"addr"`
	Group    string `yaml:"group"`
	Consumer string `yaml:"consumer"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Backend: Backend{},
		Realtime: Realtime{
			NegotiateURL:       "https://api.openai.com/v1/realtime",
			WebSocketURL:       "wss://api.openai.com/v1/realtime",
			Model:              "gpt-4o-realtime-preview",
			Voice:              "verse",
			TranscriptionModel: "whisper-1",
			CredentialTTL:      55 * time.Second,
			SaveDebounce:       2 * time.Second,
			LoadGuard:          time.Second,
		},
		History: History{
			Driver:     "sqlite",
			SQLitePath: "mintstream.db",
		},
		Stream: Stream{
			Driver:   "memory",
			Group:    "mintstream",
			Consumer: "cli",
		},
		LogLevel: "info",
	}
}

// Load builds a configuration from defaults, then the YAML file at path (if
// non-empty), then environment overrides.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, errors.Wrap(err, "read config file")
		}
		if err := yaml.Unmarshal(raw, cfg); err != nil {
			return nil, errors.Wrap(err, "parse config file")
		}
	}

	cfg.applyEnv()
	return cfg, nil
}

func (c *Config) applyEnv() {
	setString(&c.Backend.URL, "MINTSTREAM_BACKEND_URL")
	setString(&c.Backend.APIKey, "MINTSTREAM_BACKEND_API_KEY")
	setString(&c.Backend.UserID, "MINTSTREAM_USER_ID")
	setString(&c.Realtime.NegotiateURL, "MINTSTREAM_NEGOTIATE_URL")
	setString(&c.Realtime.WebSocketURL, "MINTSTREAM_WEBSOCKET_URL")
	setString(&c.Realtime.Model, "MINTSTREAM_MODEL")
	setString(&c.History.Driver, "MINTSTREAM_HISTORY_DRIVER")
	setString(&c.History.SQLitePath, "MINTSTREAM_HISTORY_SQLITE_PATH")
	setString(&c.History.RedisAddr, "MINTSTREAM_HISTORY_REDIS_ADDR")
	setString(&c.Stream.Driver, "MINTSTREAM_STREAM_DRIVER")
	setString(&c.Stream.Addr, "MINTSTREAM_STREAM_ADDR")
	setString(&c.LogLevel, "MINTSTREAM_LOG_LEVEL")
	setDuration(&c.Realtime.CredentialTTL, "MINTSTREAM_CREDENTIAL_TTL")
	setDuration(&c.Realtime.SaveDebounce, "MINTSTREAM_SAVE_DEBOUNCE")
	setDuration(&c.Realtime.LoadGuard, "MINTSTREAM_LOAD_GUARD")
	setInt(&c.History.TokenLimit, "MINTSTREAM_HISTORY_TOKEN_LIMIT")
	setInt(&c.History.MessageLimit, "MINTSTREAM_HISTORY_MESSAGE_LIMIT")
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setDuration(dst *time.Duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			*dst = d
		}
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}
