package main

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

type (
	// Config is the serve command configuration, loaded from YAML.
	Config struct {
		// Mode selects the broker backend: "memory" or "redis".
		Mode string `yaml:"mode"`

		// Redis configures the Redis connection for mode "redis".
		Redis RedisConfig `yaml:"redis"`

		// Provider configures the model provider shared by all agents.
		Provider ProviderConfig `yaml:"provider"`

		// Tracelog optionally enables the MongoDB envelope archive.
		Tracelog TracelogConfig `yaml:"tracelog"`

		// Agents lists the agent/chat pairs to run.
		Agents []AgentConfig `yaml:"agents"`

		// Groupchat optionally runs a group chat over the listed agents.
		Groupchat *GroupchatConfig `yaml:"groupchat"`
	}

	// RedisConfig is the Redis connection configuration.
	RedisConfig struct {
		Addr     string `yaml:"addr"`
		Password string `yaml:"password"`
		DB       int    `yaml:"db"`
	}

	// ProviderConfig selects and configures the LLM provider.
	ProviderConfig struct {
		// Name is "openai" or "anthropic".
		Name string `yaml:"name"`
		// Model is the provider model identifier.
		Model string `yaml:"model"`
		// APIKeyEnv names the environment variable holding the API key.
		// Defaults per provider (OPENAI_API_KEY, ANTHROPIC_API_KEY).
		APIKeyEnv string `yaml:"api_key_env"`
		// TokensPerMinute enables the adaptive rate limiter when positive.
		TokensPerMinute float64 `yaml:"tokens_per_minute"`
	}

	// TracelogConfig configures the optional Mongo envelope archive.
	TracelogConfig struct {
		URI      string `yaml:"uri"`
		Database string `yaml:"database"`
	}

	// AgentConfig declares one agent and its chat node.
	AgentConfig struct {
		Name         string `yaml:"name"`
		SystemPrompt string `yaml:"system_prompt"`
	}

	// GroupchatConfig declares a round-robin group chat over the agents.
	GroupchatConfig struct {
		Name string `yaml:"name"`
	}
)

// defaultAPIKeyEnv maps provider names to their conventional key variables.
var defaultAPIKeyEnv = map[string]string{
	"openai":    "OPENAI_API_KEY",
	"anthropic": "ANTHROPIC_API_KEY",
}

// LoadConfig reads and validates the YAML configuration file.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	if c.Mode == "" {
		c.Mode = "memory"
	}
	if c.Mode != "memory" && c.Mode != "redis" {
		return fmt.Errorf("unknown mode %q (want memory or redis)", c.Mode)
	}
	if c.Mode == "redis" && c.Redis.Addr == "" {
		return fmt.Errorf("redis mode requires redis.addr")
	}
	switch c.Provider.Name {
	case "openai", "anthropic":
	case "":
		return fmt.Errorf("provider.name is required")
	default:
		return fmt.Errorf("unknown provider %q (want openai or anthropic)", c.Provider.Name)
	}
	if c.Provider.Model == "" {
		return fmt.Errorf("provider.model is required")
	}
	if c.Provider.APIKeyEnv == "" {
		c.Provider.APIKeyEnv = defaultAPIKeyEnv[c.Provider.Name]
	}
	if len(c.Agents) == 0 {
		return fmt.Errorf("at least one agent is required")
	}
	seen := make(map[string]bool, len(c.Agents))
	for i, a := range c.Agents {
		if a.Name == "" {
			return fmt.Errorf("agents[%d]: name is required", i)
		}
		if seen[a.Name] {
			return fmt.Errorf("duplicate agent name %q", a.Name)
		}
		seen[a.Name] = true
	}
	if c.Groupchat != nil {
		if c.Groupchat.Name == "" {
			return fmt.Errorf("groupchat.name is required")
		}
		if len(c.Agents) < 2 {
			return fmt.Errorf("groupchat needs at least two agents")
		}
	}
	if c.Tracelog.URI != "" && c.Tracelog.Database == "" {
		return fmt.Errorf("tracelog.uri requires tracelog.database")
	}
	return nil
}
