// ABOUTME: Tests for configuration loading and parsing
// ABOUTME: Covers YAML and TOML loading, env var expansion, defaults, and validation

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoad_YAML(t *testing.T) {
	path := writeConfig(t, "config.yaml", `
server:
  http_addr: "0.0.0.0:9000"

database:
  driver: redis
redis:
  addr: "redis:6379"
  db: 2

agent:
  id: "ops"
  model: "gpt-test"
  context_window: 32000
  tool_timeout: "30s"
  idle_evict: "1h"

reset:
  mode: idle
  idle_minutes: 90

router:
  transfer_timeout: "2m"

logging:
  level: "debug"
  format: "json"
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "0.0.0.0:9000", cfg.Server.HTTPAddr)
	assert.Equal(t, DriverRedis, cfg.Database.Driver)
	assert.Equal(t, "redis:6379", cfg.Redis.Addr)
	assert.Equal(t, 2, cfg.Redis.DB)
	assert.Equal(t, "ops", cfg.Agent.ID)
	assert.Equal(t, 32000, cfg.Agent.ContextWindow)
	assert.Equal(t, 30*time.Second, cfg.Agent.ToolTimeout)
	assert.Equal(t, time.Hour, cfg.Agent.IdleEvict)
	assert.Equal(t, 2*time.Minute, cfg.Router.TransferTimeout)
	assert.Equal(t, "idle", cfg.Reset.Mode)
	assert.Equal(t, 90, cfg.Reset.IdleMinutes)
	assert.Equal(t, "json", cfg.Logging.Format)
}

func TestLoad_KeepsDefaultsForMissingKeys(t *testing.T) {
	path := writeConfig(t, "config.yaml", "agent:\n  model: other\n")

	cfg, err := Load(path)
	require.NoError(t, err)

	def := Default()
	assert.Equal(t, "other", cfg.Agent.Model)
	assert.Equal(t, def.Agent.ReserveTokens, cfg.Agent.ReserveTokens)
	assert.True(t, cfg.Agent.CompactionEnabled)
	assert.Equal(t, 5*time.Minute, cfg.Agent.LLMTimeout)
	assert.Equal(t, 5*time.Minute, cfg.Router.DedupeWindow)
	assert.Equal(t, DriverSQLite, cfg.Database.Driver)
}

func TestLoad_CanDisableDefaultTrueFlags(t *testing.T) {
	path := writeConfig(t, "config.yaml", "agent:\n  compaction_enabled: false\nmetrics:\n  enabled: false\n")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.False(t, cfg.Agent.CompactionEnabled)
	assert.False(t, cfg.Metrics.Enabled)
}

func TestLoad_TOML(t *testing.T) {
	path := writeConfig(t, "relay.toml", `
[server]
http_addr = "127.0.0.1:7000"

[agent]
model = "toml-model"
max_turns = 12
llm_timeout = "90s"

[reset]
mode = "daily"
at_hour = 6
`)

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1:7000", cfg.Server.HTTPAddr)
	assert.Equal(t, "toml-model", cfg.Agent.Model)
	assert.Equal(t, 12, cfg.Agent.MaxTurns)
	assert.Equal(t, 90*time.Second, cfg.Agent.LLMTimeout)
	assert.Equal(t, 6, cfg.Reset.AtHour)
}

func TestLoad_EnvExpansion(t *testing.T) {
	t.Setenv("TEST_RELAY_SECRET", "hunter2")
	t.Setenv("TEST_RELAY_DB", "/tmp/relay.db")
	t.Setenv("COVEN_RELAY_SECRET", "")

	path := writeConfig(t, "config.yaml", `
auth:
  shared_secret: "${TEST_RELAY_SECRET}"
database:
  path: "${TEST_RELAY_DB}"
llm:
  api_key: "${TEST_RELAY_UNSET_KEY}"
`)

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "hunter2", cfg.Auth.SharedSecret)
	assert.Equal(t, "/tmp/relay.db", cfg.Database.Path)
	assert.Empty(t, cfg.LLM.APIKey)
}

func TestLoad_DefaultPlaceholdersExpand(t *testing.T) {
	t.Setenv("COVEN_RELAY_SECRET", "from-env")
	path := writeConfig(t, "config.yaml", "logging:\n  level: info\n")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "from-env", cfg.Auth.SharedSecret)
}

func TestLoad_Errors(t *testing.T) {
	tests := []struct {
		name    string
		file    string
		content string
		wantErr string
	}{
		{"missing addr", "c.yaml", "server:\n  http_addr: \"\"\n", "server.http_addr is required"},
		{"tailscale hostname", "c.yaml", "tailscale:\n  enabled: true\n  hostname: \"\"\n", "tailscale.hostname is required"},
		{"unknown driver", "c.yaml", "database:\n  driver: postgres\n", "database.driver"},
		{"sqlite path", "c.yaml", "database:\n  path: \"\"\n", "database.path is required"},
		{"redis addr", "c.yaml", "database:\n  driver: redis\nredis:\n  addr: \"\"\n", "redis.addr is required"},
		{"bad duration", "c.yaml", "agent:\n  tool_timeout: soon\n", "agent.tool_timeout"},
		{"bad reset mode", "c.yaml", "reset:\n  mode: weekly\n", "reset.mode"},
		{"idle without minutes", "c.yaml", "reset:\n  mode: idle\n", "reset.idle_minutes"},
		{"bad hour", "c.yaml", "reset:\n  mode: daily\n  at_hour: 24\n", "reset.at_hour"},
		{"bad timezone", "c.yaml", "reset:\n  timezone: Mars/Olympus\n", "reset.timezone"},
		{"bad level", "c.yaml", "logging:\n  level: loud\n", "logging.level"},
		{"bad yaml", "c.yaml", "server: [", "parsing config file"},
		{"bad toml", "c.toml", "[server\n", "parsing config file"},
		{"unknown format", "c.ini", "x=1", "unsupported config format"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tt.file, tt.content))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "reading config file")
}

func TestEncode_RoundTripsThroughLoad(t *testing.T) {
	for _, name := range []string{"config.yaml", "config.toml"} {
		t.Run(name, func(t *testing.T) {
			def := Default()
			def.Agent.Model = "encoded-model"
			data, err := def.Encode(name)
			require.NoError(t, err)

			cfg, err := Load(writeConfig(t, name, string(data)))
			require.NoError(t, err)
			assert.Equal(t, "encoded-model", cfg.Agent.Model)
			assert.Equal(t, 60*time.Second, cfg.Agent.ToolTimeout)
			assert.Equal(t, def.Router.MaxMessageSize, cfg.Router.MaxMessageSize)
		})
	}
}

func TestDefaultPath_EnvOverride(t *testing.T) {
	t.Setenv(EnvPath, "/etc/coven/relay.toml")
	assert.Equal(t, "/etc/coven/relay.toml", DefaultPath())
}

func TestLocation(t *testing.T) {
	cfg := Default()
	assert.Equal(t, time.Local, cfg.Location())

	cfg.Reset.Timezone = "UTC"
	assert.Equal(t, "UTC", cfg.Location().String())
}
