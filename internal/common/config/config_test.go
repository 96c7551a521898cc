package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(body), 0o644))
	return dir
}

func TestLoadWithPath_Agents(t *testing.T) {
	dir := writeConfig(t, `
database:
  driver: memory
defaultAgent: claude
agents:
  - id: claude
    title: Claude Code
    command: claude-code-acp
    env:
      - FOO=bar
  - id: codex
    command: codex-acp
    args: ["--verbose"]
    adapter: codex
`)
	cfg, err := LoadWithPath(dir)
	require.NoError(t, err)

	require.Len(t, cfg.Agents, 2)
	claude, ok := cfg.Agent("claude")
	require.True(t, ok)
	assert.Equal(t, "Claude Code", claude.Title)
	assert.Equal(t, []string{"FOO=bar"}, claude.Env)
	codex, ok := cfg.Agent("codex")
	require.True(t, ok)
	assert.Equal(t, []string{"--verbose"}, codex.Args)
	assert.Equal(t, "codex", codex.Adapter)
	assert.Equal(t, 8787, cfg.Server.Port)
	assert.Equal(t, 200, cfg.Spawn.GraceMs)
}

func TestLoadWithPath_EnvOverride(t *testing.T) {
	dir := writeConfig(t, "database:\n  driver: memory\n")
	t.Setenv("ACPHOST_SERVER_PORT", "9000")
	t.Setenv("ACPHOST_SPAWN_GRACE_MS", "50")

	cfg, err := LoadWithPath(dir)
	require.NoError(t, err)
	assert.Equal(t, 9000, cfg.Server.Port)
	assert.Equal(t, int64(50), cfg.Spawn.Grace().Milliseconds())
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{
			name:    "bad port",
			mutate:  func(c *Config) { c.Server.Port = 0 },
			wantErr: "server.port",
		},
		{
			name:    "unknown driver",
			mutate:  func(c *Config) { c.Database.Driver = "mysql" },
			wantErr: "database.driver",
		},
		{
			name:    "postgres without host",
			mutate:  func(c *Config) { c.Database.Driver = DriverPostgres },
			wantErr: "database.host",
		},
		{
			name: "duplicate agent",
			mutate: func(c *Config) {
				c.Agents = []AgentConfig{{ID: "a", Command: "x"}, {ID: "a", Command: "y"}}
			},
			wantErr: "duplicated",
		},
		{
			name:    "agent without command",
			mutate:  func(c *Config) { c.Agents = []AgentConfig{{ID: "a"}} },
			wantErr: "agents[0].command",
		},
		{
			name:    "unknown default agent",
			mutate:  func(c *Config) { c.DefaultAgent = "nope" },
			wantErr: "defaultAgent",
		},
		{
			name:   "valid",
			mutate: func(c *Config) {},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := &Config{
				Server:   ServerConfig{Port: 8787},
				Database: DatabaseConfig{Driver: DriverSQLite, Path: "x.db", DBName: "acphost"},
			}
			cfg.Logging.Level = "info"
			cfg.Logging.Format = "json"
			tt.mutate(cfg)

			err := validate(cfg)
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}
