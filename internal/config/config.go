// ABOUTME: Configuration loading and parsing for coven-conductor
// ABOUTME: Supports YAML files with environment variable expansion and duration parsing

package config

import (
	"fmt"
	"os"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete coven-conductor configuration
type Config struct {
	Network    NetworkConfig    `yaml:"network"`
	Database   DatabaseConfig   `yaml:"database"`
	Ledger     LedgerConfig     `yaml:"ledger"`
	Completion CompletionConfig `yaml:"completion"`
	Routing    RoutingConfig    `yaml:"routing"`
	Agents     []AgentConfig    `yaml:"agents"`
	Phases     []PhaseConfig    `yaml:"phases"`
	Logging    LoggingConfig    `yaml:"logging"`
}

// NetworkConfig holds event network configuration
type NetworkConfig struct {
	Relays     []string `yaml:"relays"`
	PrivateKey string   `yaml:"private_key"` // hex; the orchestrator's signing key
}

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
	Path string `yaml:"path"`
}

// LedgerConfig holds processed-event ledger configuration
type LedgerConfig struct {
	Dir              string        `yaml:"dir"`
	FlushInterval    time.Duration `yaml:"-"`
	FlushIntervalRaw string        `yaml:"flush_interval"`
}

// CompletionConfig holds the completion service backend configuration
type CompletionConfig struct {
	BaseURL string `yaml:"base_url"` // empty means the default OpenAI endpoint
	APIKey  string `yaml:"api_key"`
	Model   string `yaml:"model"`
}

// RoutingConfig holds orchestration loop tuning
type RoutingConfig struct {
	DecideRetries  int           `yaml:"decide_retries"`
	TurnTimeout    time.Duration `yaml:"-"`
	TurnTimeoutRaw string        `yaml:"turn_timeout"`
}

// AgentConfig describes one known agent on the network
type AgentConfig struct {
	Name         string   `yaml:"name"`
	PublicKey    string   `yaml:"public_key"`
	Role         string   `yaml:"role"` // "orchestrator" or "specialist"
	Capabilities []string `yaml:"capabilities"`
}

// PhaseConfig registers phase instructions, including custom phases
type PhaseConfig struct {
	Name         string `yaml:"name"`
	Custom       bool   `yaml:"custom"`
	Instructions string `yaml:"instructions"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Load reads a configuration file from the given path and returns a parsed Config.
// Environment variables in the format ${VAR_NAME} are expanded.
// Duration strings are parsed into time.Duration values.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	// Expand environment variables in the raw YAML content
	expandedData := expandEnvVars(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expandedData), &cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	if err := parseDurations(&cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding environment variable values.
// If the environment variable is not set, it is replaced with an empty string.
func expandEnvVars(s string) string {
	re := regexp.MustCompile(`\$\{([^}]+)\}`)

	return re.ReplaceAllStringFunc(s, func(match string) string {
		varName := re.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}

// Validate checks that all required configuration fields are present and valid.
// Returns an error describing the first validation failure encountered.
func (c *Config) Validate() error {
	if len(c.Network.Relays) == 0 {
		return fmt.Errorf("network.relays requires at least one relay URL")
	}
	if c.Database.Path == "" {
		return fmt.Errorf("database.path is required")
	}
	if c.Ledger.Dir == "" {
		return fmt.Errorf("ledger.dir is required")
	}
	if c.Completion.Model == "" {
		return fmt.Errorf("completion.model is required")
	}
	for i, a := range c.Agents {
		if a.Name == "" {
			return fmt.Errorf("agents[%d].name is required", i)
		}
		if a.Role != "orchestrator" && a.Role != "specialist" {
			return fmt.Errorf("agents[%d].role must be orchestrator or specialist, got %q", i, a.Role)
		}
	}
	for i, p := range c.Phases {
		if p.Custom && p.Instructions == "" {
			return fmt.Errorf("phases[%d]: custom phase %q requires instructions", i, p.Name)
		}
	}
	return nil
}

// parseDurations converts the raw duration strings into time.Duration values
func parseDurations(cfg *Config) error {
	var err error

	if cfg.Ledger.FlushIntervalRaw != "" {
		cfg.Ledger.FlushInterval, err = time.ParseDuration(cfg.Ledger.FlushIntervalRaw)
		if err != nil {
			return fmt.Errorf("parsing ledger.flush_interval %q: %w", cfg.Ledger.FlushIntervalRaw, err)
		}
	}

	if cfg.Routing.TurnTimeoutRaw != "" {
		cfg.Routing.TurnTimeout, err = time.ParseDuration(cfg.Routing.TurnTimeoutRaw)
		if err != nil {
			return fmt.Errorf("parsing routing.turn_timeout %q: %w", cfg.Routing.TurnTimeoutRaw, err)
		}
	}

	return nil
}
