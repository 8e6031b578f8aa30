// Package config defines the application configuration. The configuration
// is built once at startup and passed by reference into each component's
// constructor; nothing reads it from a global.
package config

import (
	"fmt"
	"strings"
	"time"
)

// Config is the root medquery configuration
type Config struct {
	LLM          LLMConfig          `json:"llm" mapstructure:"llm"`
	ToolServers  []ToolServerConfig `json:"tool_servers" mapstructure:"tool_servers"`
	Agent        AgentConfig        `json:"agent" mapstructure:"agent"`
	Orchestrator OrchestratorConfig `json:"orchestrator" mapstructure:"orchestrator"`
	Gateway      GatewayConfig      `json:"gateway" mapstructure:"gateway"`
	Knowledge    KnowledgeConfig    `json:"knowledge" mapstructure:"knowledge"`
	Logging      LoggingConfig      `json:"logging" mapstructure:"logging"`
	Metrics      MetricsConfig      `json:"metrics" mapstructure:"metrics"`

	// PromptsFile optionally overrides the built-in prompt templates.
	PromptsFile string `json:"prompts_file" mapstructure:"prompts_file"`
}

// LLMConfig selects and configures the generation provider
type LLMConfig struct {
	Provider    string  `json:"provider" mapstructure:"provider"` // anthropic, openai
	Model       string  `json:"model" mapstructure:"model"`
	APIKey      string  `json:"api_key" mapstructure:"api_key"`
	MaxTokens   int     `json:"max_tokens" mapstructure:"max_tokens"`
	Temperature float64 `json:"temperature" mapstructure:"temperature"`
}

// ToolServerConfig describes one subprocess-backed tool server
type ToolServerConfig struct {
	Name        string            `json:"name" mapstructure:"name"`
	Command     string            `json:"command" mapstructure:"command"`
	Args        []string          `json:"args" mapstructure:"args"`
	WorkDir     string            `json:"work_dir" mapstructure:"work_dir"`
	Env         map[string]string `json:"env" mapstructure:"env"`
	Description string            `json:"description" mapstructure:"description"`
}

// AgentConfig configures the query agent
type AgentConfig struct {
	MaxAttempts    int           `json:"max_attempts" mapstructure:"max_attempts"`
	QueryTool      string        `json:"query_tool" mapstructure:"query_tool"`
	RequestTimeout time.Duration `json:"request_timeout" mapstructure:"request_timeout"`
}

// OrchestratorConfig configures plan execution
type OrchestratorConfig struct {
	MaxLoops int `json:"max_loops" mapstructure:"max_loops"`
}

// GatewayConfig configures the remote-agent split. When RemoteURL is set the
// orchestrator dials a gateway instead of answering in process.
type GatewayConfig struct {
	Addr      string `json:"addr" mapstructure:"addr"`
	RemoteURL string `json:"remote_url" mapstructure:"remote_url"`
}

// KnowledgeConfig configures learned-fact persistence and schema refresh
type KnowledgeConfig struct {
	StorePath       string `json:"store_path" mapstructure:"store_path"`
	RefreshSchedule string `json:"refresh_schedule" mapstructure:"refresh_schedule"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `json:"level" mapstructure:"level"`   // debug, info, warn, error
	Format string `json:"format" mapstructure:"format"` // json, console
	File   string `json:"file" mapstructure:"file"`
}

// MetricsConfig configures the Prometheus endpoint
type MetricsConfig struct {
	Enabled bool   `json:"enabled" mapstructure:"enabled"`
	Addr    string `json:"addr" mapstructure:"addr"`
}

// DefaultConfig returns the configuration defaults
func DefaultConfig() *Config {
	return &Config{
		LLM: LLMConfig{
			Provider:    "anthropic",
			Model:       "claude-sonnet-4-20250514",
			MaxTokens:   2048,
			Temperature: 0,
		},
		ToolServers: []ToolServerConfig{
			{
				Name:        "omop",
				Command:     "uv",
				Args:        []string{"run", "omop-mcp-server"},
				Description: "OMOP CDM database access",
			},
		},
		Agent: AgentConfig{
			MaxAttempts:    5,
			QueryTool:      "omop:query_omop_database",
			RequestTimeout: 30 * time.Second,
		},
		Orchestrator: OrchestratorConfig{
			MaxLoops: 10,
		},
		Gateway: GatewayConfig{
			Addr: ":8745",
		},
		Knowledge: KnowledgeConfig{
			RefreshSchedule: "@every 15m",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "console",
		},
		Metrics: MetricsConfig{
			Addr: ":9385",
		},
	}
}

// Validate checks the configuration for internal consistency
func (c *Config) Validate() error {
	switch c.LLM.Provider {
	case "anthropic", "openai":
	default:
		return fmt.Errorf("unsupported llm provider %q", c.LLM.Provider)
	}
	if c.LLM.Model == "" {
		return fmt.Errorf("llm model is required")
	}

	if len(c.ToolServers) == 0 {
		return fmt.Errorf("at least one tool server is required")
	}
	seen := make(map[string]bool, len(c.ToolServers))
	for _, ts := range c.ToolServers {
		if ts.Name == "" {
			return fmt.Errorf("tool server name is required")
		}
		if strings.Contains(ts.Name, ":") {
			return fmt.Errorf("tool server name %q must not contain ':'", ts.Name)
		}
		if seen[ts.Name] {
			return fmt.Errorf("duplicate tool server name %q", ts.Name)
		}
		seen[ts.Name] = true
		if ts.Command == "" {
			return fmt.Errorf("tool server %q has no command", ts.Name)
		}
	}

	if c.Agent.MaxAttempts <= 0 {
		return fmt.Errorf("agent max_attempts must be positive")
	}
	if c.Orchestrator.MaxLoops <= 0 {
		return fmt.Errorf("orchestrator max_loops must be positive")
	}
	return nil
}
