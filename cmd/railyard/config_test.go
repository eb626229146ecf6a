package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfigDefaults(t *testing.T) {
	t.Setenv("HOME", t.TempDir()) // keep a real ~/.railyard/settings.json out of the test
	t.Setenv("RAILYARD_DB_PATH", "")
	t.Setenv("RAILYARD_LOG_LEVEL", "")
	t.Setenv("RAILYARD_POOL_SIZE", "")

	cfg := loadConfig()
	assert.Contains(t, cfg.DBPath, filepath.Join(".railyard", "railyard.db"))
	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, 8, cfg.PoolSize)
}

func TestLoadConfigSettingsFile(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HOME", home)
	t.Setenv("RAILYARD_DB_PATH", "")
	t.Setenv("RAILYARD_LOG_LEVEL", "")
	t.Setenv("RAILYARD_POOL_SIZE", "")

	require.NoError(t, os.MkdirAll(filepath.Join(home, ".railyard"), 0o755))
	require.NoError(t, os.WriteFile(
		filepath.Join(home, ".railyard", "settings.json"),
		[]byte(`{"log_level":"warn","pool_size":4}`),
		0o644,
	))

	cfg := loadConfig()
	assert.Equal(t, "warn", cfg.LogLevel)
	assert.Equal(t, 4, cfg.PoolSize)

	// Env still wins over the settings file.
	t.Setenv("RAILYARD_LOG_LEVEL", "error")
	cfg = loadConfig()
	assert.Equal(t, "error", cfg.LogLevel)
}

func TestLoadConfigEnvOverride(t *testing.T) {
	t.Setenv("RAILYARD_DB_PATH", "/tmp/custom.db")
	t.Setenv("RAILYARD_LOG_LEVEL", "debug")
	t.Setenv("RAILYARD_POOL_SIZE", "32")

	cfg := loadConfig()
	assert.Equal(t, "/tmp/custom.db", cfg.DBPath)
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, 32, cfg.PoolSize)
}

func TestLoadConfigBadPoolSizeIgnored(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	t.Setenv("RAILYARD_POOL_SIZE", "many")

	cfg := loadConfig()
	assert.Equal(t, 8, cfg.PoolSize)
}

func TestLoadDefinitionJSON(t *testing.T) {
	path := filepath.Join(t.TempDir(), "graph.json")
	require.NoError(t, os.WriteFile(path, []byte(`{
		"name": "triage",
		"nodes": [
			{"name": "start", "kind": "task", "annotations": ["entry"]},
			{"name": "done"}
		],
		"edges": [{"source": "start", "target": "done"}]
	}`), 0o644))

	def, err := loadDefinition(path)
	require.NoError(t, err)
	assert.Equal(t, "triage", def.Name)
	require.Len(t, def.Nodes, 2)
	assert.Equal(t, []string{"entry"}, def.Nodes[0].Annotations)
	require.Len(t, def.Edges, 1)
}

func TestLoadDefinitionYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "graph.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`name: triage
nodes:
  - name: start
    kind: task
    annotations: [entry]
  - name: done
edges:
  - source: start
    target: done
`), 0o644))

	def, err := loadDefinition(path)
	require.NoError(t, err)
	assert.Equal(t, "triage", def.Name)
	require.Len(t, def.Nodes, 2)
	assert.Equal(t, "start", def.Edges[0].Source)
}

func TestLoadDefinitionErrors(t *testing.T) {
	_, err := loadDefinition(filepath.Join(t.TempDir(), "missing.json"))
	require.Error(t, err)

	path := filepath.Join(t.TempDir(), "broken.yaml")
	require.NoError(t, os.WriteFile(path, []byte("nodes: ["), 0o644))
	_, err = loadDefinition(path)
	require.Error(t, err)
}
