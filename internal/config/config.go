// Package config handles localbridge configuration loading.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/nugget/localbridge/internal/history"
	"github.com/nugget/localbridge/internal/invoke"
	"github.com/nugget/localbridge/internal/journal"
	"github.com/nugget/localbridge/internal/toolset"
)

// DefaultSearchPaths returns the config file search order:
// ./config.yaml, ~/.config/localbridge/config.yaml,
// /etc/localbridge/config.yaml.
func DefaultSearchPaths() []string {
	paths := []string{"config.yaml"}

	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "localbridge", "config.yaml"))
	}

	paths = append(paths, "/etc/localbridge/config.yaml")
	return paths
}

// FindConfig locates a config file. If explicit is non-empty, it must
// exist. Otherwise the first existing entry of DefaultSearchPaths wins.
func FindConfig(explicit string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("config file not found: %s", explicit)
		}
		return explicit, nil
	}

	for _, p := range DefaultSearchPaths() {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}

	return "", fmt.Errorf("no config file found (searched: %v)", DefaultSearchPaths())
}

// Config holds all localbridge configuration.
type Config struct {
	LogLevel     string               `yaml:"log_level"`
	LogFormat    string               `yaml:"log_format"` // text or json
	Backend      BackendConfig        `yaml:"backend"`
	Invocation   InvocationConfig     `yaml:"invocation"`
	Conversation ConversationConfig   `yaml:"conversation"`
	Permissions  []string             `yaml:"permissions"`
	Tools        []toolset.Definition `yaml:"tools"`
	Journal      JournalConfig        `yaml:"journal"`
	MQTT         MQTTConfig           `yaml:"mqtt"`
}

// BackendConfig defines the local Ollama backend.
type BackendConfig struct {
	OllamaURL   string        `yaml:"ollama_url"`
	Model       string        `yaml:"model"`
	MaxTokens   int           `yaml:"max_tokens"`
	Temperature float64       `yaml:"temperature"`
	Timeout     time.Duration `yaml:"timeout"`  // per HTTP request
	Preamble    string        `yaml:"preamble"` // replaces the built-in prompt opening
}

// InvocationConfig holds the retry and circuit breaker defaults plus
// per-operation overrides. An override only needs the fields it changes.
type InvocationConfig struct {
	invoke.Config `yaml:",inline"`
	Operations    map[string]yaml.Node `yaml:"operations"`
}

// OperationConfigs decodes each override on top of the defaults.
func (c InvocationConfig) OperationConfigs() (map[string]invoke.Config, error) {
	out := make(map[string]invoke.Config, len(c.Operations))
	for name, node := range c.Operations {
		cfg := c.Config
		if err := node.Decode(&cfg); err != nil {
			return nil, fmt.Errorf("invocation.operations.%s: %w", name, err)
		}
		out[name] = cfg
	}
	return out, nil
}

// ConversationConfig sizes the conversation window.
type ConversationConfig struct {
	MaxTurns     int `yaml:"max_turns"`     // turns kept (default 20)
	ContextTurns int `yaml:"context_turns"` // turns included in each prompt (default 10)
}

// JournalConfig enables the diagnostics journal. An empty path disables it.
type JournalConfig struct {
	Path   string `yaml:"path"`
	Driver string `yaml:"driver"` // sqlite3 (cgo) or sqlite (pure Go)
}

// Enabled reports whether a journal path is configured.
func (c JournalConfig) Enabled() bool {
	return c.Path != ""
}

// MQTTConfig defines the optional telemetry publisher. An empty broker
// disables it.
type MQTTConfig struct {
	Broker             string `yaml:"broker"` // e.g. mqtt://localhost:1883 or mqtts://...
	Username           string `yaml:"username"`
	Password           string `yaml:"password"`
	TopicPrefix        string `yaml:"topic_prefix"`
	ClientID           string `yaml:"client_id"`
	PublishIntervalSec int    `yaml:"publish_interval"`
}

// Configured reports whether a broker is set.
func (c MQTTConfig) Configured() bool {
	return c.Broker != ""
}

// Load reads configuration from a YAML file. Environment variables are
// expanded before parsing and unset fields keep their defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	expanded := os.ExpandEnv(string(data))

	cfg := Default()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	if len(cfg.Tools) == 0 {
		cfg.Tools = toolset.DefaultDefinitions()
	}

	return cfg, nil
}

// Default returns a default configuration.
func Default() *Config {
	return &Config{
		LogLevel:  "info",
		LogFormat: "text",
		Backend: BackendConfig{
			OllamaURL:   "http://localhost:11434",
			Model:       "llama3.2",
			MaxTokens:   512,
			Temperature: 0.7,
			Timeout:     5 * time.Minute,
		},
		Invocation: InvocationConfig{Config: invoke.DefaultConfig()},
		Conversation: ConversationConfig{
			MaxTurns:     history.DefaultMaxTurns,
			ContextTurns: 10,
		},
		Permissions: toolset.DefaultPermissions(),
		Tools:       toolset.DefaultDefinitions(),
		Journal:     JournalConfig{Driver: journal.DriverCGO},
		MQTT: MQTTConfig{
			TopicPrefix:        "localbridge",
			PublishIntervalSec: 60,
		},
	}
}

// Validate reports every invalid setting at once.
func (c *Config) Validate() error {
	var errs []error

	if _, err := ParseLogLevel(c.LogLevel); err != nil {
		errs = append(errs, err)
	}
	if _, err := ParseLogFormat(c.LogFormat); err != nil {
		errs = append(errs, err)
	}
	if c.Backend.Model == "" {
		errs = append(errs, errors.New("backend.model is required"))
	}
	if c.Backend.MaxTokens < 0 {
		errs = append(errs, fmt.Errorf("backend.max_tokens must not be negative, got %d", c.Backend.MaxTokens))
	}
	if c.Backend.Temperature < 0 || c.Backend.Temperature > 2 {
		errs = append(errs, fmt.Errorf("backend.temperature must be in [0, 2], got %g", c.Backend.Temperature))
	}
	if err := c.Invocation.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("invocation: %w", err))
	}
	ops, err := c.Invocation.OperationConfigs()
	if err != nil {
		errs = append(errs, err)
	}
	for name, op := range ops {
		if err := op.Validate(); err != nil {
			errs = append(errs, fmt.Errorf("invocation.operations.%s: %w", name, err))
		}
	}
	if c.Conversation.MaxTurns < 0 || c.Conversation.ContextTurns < 0 {
		errs = append(errs, errors.New("conversation turn counts must not be negative"))
	}
	if _, err := toolset.NewRegistry(c.Tools); err != nil {
		errs = append(errs, fmt.Errorf("tools: %w", err))
	}
	switch c.Journal.Driver {
	case "", journal.DriverCGO, journal.DriverPure:
	default:
		errs = append(errs, fmt.Errorf("journal.driver must be %q or %q, got %q",
			journal.DriverCGO, journal.DriverPure, c.Journal.Driver))
	}
	if c.MQTT.Configured() && c.MQTT.TopicPrefix == "" {
		errs = append(errs, errors.New("mqtt.topic_prefix is required when mqtt.broker is set"))
	}

	return errors.Join(errs...)
}
