package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfigIsValid(t *testing.T) {
	require.NoError(t, DefaultConfig().Validate())
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{
			name:    "unknown provider",
			mutate:  func(c *Config) { c.LLM.Provider = "bard" },
			wantErr: "unsupported llm provider",
		},
		{
			name:    "missing model",
			mutate:  func(c *Config) { c.LLM.Model = "" },
			wantErr: "model is required",
		},
		{
			name:    "no tool servers",
			mutate:  func(c *Config) { c.ToolServers = nil },
			wantErr: "at least one tool server",
		},
		{
			name: "colon in server name",
			mutate: func(c *Config) {
				c.ToolServers[0].Name = "omop:extra"
			},
			wantErr: "must not contain ':'",
		},
		{
			name: "duplicate server name",
			mutate: func(c *Config) {
				c.ToolServers = append(c.ToolServers, c.ToolServers[0])
			},
			wantErr: "duplicate tool server",
		},
		{
			name: "server without command",
			mutate: func(c *Config) {
				c.ToolServers[0].Command = ""
			},
			wantErr: "no command",
		},
		{
			name:    "zero attempts",
			mutate:  func(c *Config) { c.Agent.MaxAttempts = 0 },
			wantErr: "max_attempts",
		},
		{
			name:    "zero loops",
			mutate:  func(c *Config) { c.Orchestrator.MaxLoops = 0 },
			wantErr: "max_loops",
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tc.mutate(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tc.wantErr)
		})
	}
}

func TestLoaderMissingFileReturnsDefaults(t *testing.T) {
	loader := NewLoader(filepath.Join(t.TempDir(), "nope.json"))
	cfg, err := loader.Load()
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig(), cfg)
}

func TestLoaderReadsFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "medquery.json")
	content := `{
		"llm": {"provider": "openai", "model": "gpt-4o"},
		"agent": {"max_attempts": 3},
		"tool_servers": [
			{"name": "duck", "command": "duckdb-tools", "args": ["--stdio"]}
		]
	}`
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))

	cfg, err := NewLoader(path).Load()
	require.NoError(t, err)

	assert.Equal(t, "openai", cfg.LLM.Provider)
	assert.Equal(t, "gpt-4o", cfg.LLM.Model)
	assert.Equal(t, 3, cfg.Agent.MaxAttempts)
	require.Len(t, cfg.ToolServers, 1)
	assert.Equal(t, "duck", cfg.ToolServers[0].Name)

	// Untouched sections keep their defaults.
	assert.Equal(t, 10, cfg.Orchestrator.MaxLoops)
}

func TestLoaderRejectsInvalidConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "medquery.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"llm": {"provider": "bard"}}`), 0644))

	_, err := NewLoader(path).Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unsupported llm provider")
}

func TestLoaderEnvAPIKey(t *testing.T) {
	t.Setenv("MEDQUERY_LLM_API_KEY", "sk-from-env")

	loader := NewLoader(filepath.Join(t.TempDir(), "nope.json"))
	cfg, err := loader.Load()
	require.NoError(t, err)
	assert.Equal(t, "sk-from-env", cfg.LLM.APIKey)
}
