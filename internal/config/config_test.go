package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"orchestra/internal/agent"
)

func clearEnv(t *testing.T) {
	t.Helper()
	for _, k := range []string{"PORT", "STATIC_DIR", "MAX_SESSIONS", "ORCHESTRA_DATA_DIR", "ORCHESTRA_SHELL"} {
		t.Setenv(k, "")
	}
	t.Setenv("SHELL", "/bin/bash")
}

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), FileName)
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoad_MissingFileUsesDefaults(t *testing.T) {
	clearEnv(t)
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.toml"))
	require.NoError(t, err)

	assert.Equal(t, 8420, cfg.Server.Port)
	assert.Equal(t, 10, cfg.Server.MaxSessions)
	assert.Equal(t, "/bin/bash", cfg.Shell)
	assert.NotEmpty(t, cfg.DataDir)
	assert.Empty(t, cfg.Agents)
}

func TestLoad_File(t *testing.T) {
	clearEnv(t)
	path := writeConfig(t, `
data_dir = "/var/lib/orchestra"
shell = "/bin/zsh"

[server]
port = 9000
max_sessions = 3

[[agents]]
id = "aider"
name = "Aider"
binary = "aider"
delivery = "batch"
prompt_args = ["--message", "{value}"]
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 9000, cfg.Server.Port)
	assert.Equal(t, 3, cfg.Server.MaxSessions)
	assert.Equal(t, "./frontend/dist", cfg.Server.StaticDir)
	assert.Equal(t, "/var/lib/orchestra", cfg.DataDir)
	assert.Equal(t, "/bin/zsh", cfg.Shell)
	require.Len(t, cfg.Agents, 1)
	assert.Equal(t, "aider", cfg.Agents[0].ID)
	assert.Equal(t, agent.DeliveryBatch, cfg.Agents[0].Delivery)
	assert.Equal(t, []string{"--message", "{value}"}, cfg.Agents[0].PromptArgs)
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	clearEnv(t)
	path := writeConfig(t, "[server]\nport = 9000\n")
	t.Setenv("PORT", "9100")
	t.Setenv("MAX_SESSIONS", "4")
	t.Setenv("STATIC_DIR", "/srv/www")
	t.Setenv("ORCHESTRA_DATA_DIR", "/tmp/orch")
	t.Setenv("ORCHESTRA_SHELL", "/bin/dash")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 9100, cfg.Server.Port)
	assert.Equal(t, 4, cfg.Server.MaxSessions)
	assert.Equal(t, "/srv/www", cfg.Server.StaticDir)
	assert.Equal(t, "/tmp/orch", cfg.DataDir)
	assert.Equal(t, "/bin/dash", cfg.Shell)
}

func TestLoad_BadEnvNumberIgnored(t *testing.T) {
	clearEnv(t)
	t.Setenv("PORT", "not-a-port")
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, 8420, cfg.Server.Port)
}

func TestLoad_ExpandsHome(t *testing.T) {
	clearEnv(t)
	home := t.TempDir()
	t.Setenv("HOME", home)
	path := writeConfig(t, `data_dir = "~/state"`)

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(home, "state"), cfg.DataDir)
}

func TestLoad_Invalid(t *testing.T) {
	clearEnv(t)
	tests := []struct {
		name string
		body string
	}{
		{"syntax", "[server\nport = 1"},
		{"port", "[server]\nport = 70000"},
		{"max sessions", "[server]\nmax_sessions = 0"},
		{"agent without binary", "[[agents]]\nid = \"x\""},
		{"agent bad delivery", "[[agents]]\nid = \"x\"\nbinary = \"x\"\ndelivery = \"pigeon\""},
		{"stdin agent without parser", "[[agents]]\nid = \"x\"\nbinary = \"x\"\ndelivery = \"stdin\""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tt.body))
			assert.Error(t, err)
		})
	}
}

func TestLoadAgents(t *testing.T) {
	path := writeConfig(t, `
[server]
port = 1

[[agents]]
id = "one"
binary = "one"

[[agents]]
id = "two"
binary = "two"
delivery = "stdin"
`)
	defs, err := LoadAgents(path)
	require.NoError(t, err)
	require.Len(t, defs, 2)
	assert.Equal(t, "two", defs[1].ID)
	assert.Equal(t, agent.DeliveryStdin, defs[1].Delivery)

	_, err = LoadAgents(filepath.Join(t.TempDir(), "missing.toml"))
	assert.Error(t, err)
}

func TestDefaultPath(t *testing.T) {
	t.Setenv("ORCHESTRA_DATA_DIR", "/data/orch")
	assert.Equal(t, filepath.Join("/data/orch", FileName), DefaultPath())
}

func TestReloadAgents(t *testing.T) {
	catalog, err := agent.NewCatalog()
	require.NoError(t, err)

	path := writeConfig(t, "[[agents]]\nid = \"extra\"\nbinary = \"extra\"\n")
	n, err := ReloadAgents(catalog, path)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	_, ok := catalog.Get("extra")
	assert.True(t, ok)

	// A broken file leaves the previous catalog in place.
	require.NoError(t, os.WriteFile(path, []byte("[[agents]\n"), 0o644))
	_, err = ReloadAgents(catalog, path)
	assert.Error(t, err)
	_, ok = catalog.Get("extra")
	assert.True(t, ok)

	// So does an invalid definition.
	require.NoError(t, os.WriteFile(path, []byte("[[agents]]\nid = \"nobinary\"\n"), 0o644))
	_, err = ReloadAgents(catalog, path)
	assert.Error(t, err)
	_, ok = catalog.Get("extra")
	assert.True(t, ok)
	_, ok = catalog.Get("nobinary")
	assert.False(t, ok)
}
