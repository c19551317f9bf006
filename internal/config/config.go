// Package config loads the process-level configuration: listen address,
// upstream dialect and credentials, iteration engine policy, tool registry
// root, and logging. Tool-server descriptors are not part of this file;
// see internal/registry for those.
package config

import (
	"fmt"
	"strings"
	"time"
)

// Config is the top-level process configuration.
type Config struct {
	Version  int            `yaml:"version"`
	Gateway  GatewayConfig  `yaml:"gateway"`
	Upstream UpstreamConfig `yaml:"upstream"`
	Engine   EngineConfig   `yaml:"engine"`
	Tools    ToolsConfig    `yaml:"tools"`
	Logging  LoggingConfig  `yaml:"logging"`
}

// GatewayConfig configures the inbound HTTP facade.
type GatewayConfig struct {
	Addr string `yaml:"addr"`

	// AccessKeys, when non-empty, restricts inbound requests to the keys
	// listed here. A matching key is substituted for UpstreamKey before
	// the request reaches the upstream client.
	AccessKeys  []string `yaml:"access_keys"`
	UpstreamKey string   `yaml:"upstream_key"`
}

// UpstreamConfig selects and configures the upstream LLM API.
type UpstreamConfig struct {
	// Dialect is "openai" or "gemini".
	Dialect string               `yaml:"dialect"`
	OpenAI  OpenAIUpstreamConfig `yaml:"openai"`
	Gemini  GeminiUpstreamConfig `yaml:"gemini"`
	Timeout time.Duration        `yaml:"timeout"`
}

type OpenAIUpstreamConfig struct {
	APIKey  string `yaml:"api_key"`
	BaseURL string `yaml:"base_url"`
}

type GeminiUpstreamConfig struct {
	APIKey string `yaml:"api_key"`
}

// EngineConfig configures the agentic iteration loop.
type EngineConfig struct {
	MaxIterations int           `yaml:"max_iterations"`
	RetryCount    int           `yaml:"retry_count"`
	RetryDelay    time.Duration `yaml:"retry_delay"`
	SystemPrompt  string        `yaml:"system_prompt"`

	// CollisionPolicy is "client_wins", "manager_wins", or "reject".
	CollisionPolicy string `yaml:"collision_policy"`
}

// ToolsConfig points at the tool server registry root.
type ToolsConfig struct {
	RegistryDir string `yaml:"registry_dir"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

func (c Config) withDefaults() Config {
	if c.Gateway.Addr == "" {
		c.Gateway.Addr = ":8787"
	}
	if c.Upstream.Dialect == "" {
		c.Upstream.Dialect = "openai"
	}
	if c.Upstream.Timeout == 0 {
		c.Upstream.Timeout = 60 * time.Second
	}
	if c.Engine.MaxIterations == 0 {
		c.Engine.MaxIterations = 100
	}
	if c.Engine.RetryCount == 0 {
		c.Engine.RetryCount = 2
	}
	if c.Engine.RetryDelay == 0 {
		c.Engine.RetryDelay = 5 * time.Second
	}
	if c.Engine.CollisionPolicy == "" {
		c.Engine.CollisionPolicy = "client_wins"
	}
	if c.Tools.RegistryDir == "" {
		c.Tools.RegistryDir = "tools"
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}
	return c
}

// Validate checks that the resolved configuration is internally consistent.
func (c Config) Validate() error {
	var issues []string

	switch strings.ToLower(strings.TrimSpace(c.Upstream.Dialect)) {
	case "openai":
		if strings.TrimSpace(c.Upstream.OpenAI.APIKey) == "" {
			issues = append(issues, "upstream.openai.api_key is required when upstream.dialect is \"openai\"")
		}
	case "gemini":
		if strings.TrimSpace(c.Upstream.Gemini.APIKey) == "" {
			issues = append(issues, "upstream.gemini.api_key is required when upstream.dialect is \"gemini\"")
		}
	default:
		issues = append(issues, fmt.Sprintf("upstream.dialect must be \"openai\" or \"gemini\", got %q", c.Upstream.Dialect))
	}

	switch strings.ToLower(strings.TrimSpace(c.Engine.CollisionPolicy)) {
	case "client_wins", "manager_wins", "reject":
	default:
		issues = append(issues, fmt.Sprintf("engine.collision_policy must be \"client_wins\", \"manager_wins\", or \"reject\", got %q", c.Engine.CollisionPolicy))
	}

	if c.Engine.MaxIterations < 0 {
		issues = append(issues, "engine.max_iterations must be >= 0")
	}
	if c.Engine.RetryCount < 0 {
		issues = append(issues, "engine.retry_count must be >= 0")
	}
	if strings.TrimSpace(c.Tools.RegistryDir) == "" {
		issues = append(issues, "tools.registry_dir is required")
	}

	if len(issues) > 0 {
		return &ValidationError{Issues: issues}
	}
	return nil
}

// ValidationError reports one or more configuration problems found by Validate.
type ValidationError struct {
	Issues []string
}

func (e *ValidationError) Error() string {
	return "config validation failed:\n- " + strings.Join(e.Issues, "\n- ")
}

// Load reads path, resolves $include directives and environment variable
// expansion, applies defaults, and validates the result.
func Load(path string) (*Config, error) {
	raw, err := LoadRaw(path)
	if err != nil {
		return nil, err
	}
	cfg, err := decodeRawConfig(raw)
	if err != nil {
		return nil, err
	}
	if err := ValidateVersion(cfg.Version); err != nil {
		return nil, err
	}
	resolved := cfg.withDefaults()
	if err := resolved.Validate(); err != nil {
		return nil, err
	}
	return &resolved, nil
}
