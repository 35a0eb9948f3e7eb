package cmd

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Aman-CERP/amanrag/configs"
)

func TestConfigShow_YAML(t *testing.T) {
	// Given: a project file overriding one key
	dir := isolate(t)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "amanrag.yaml"), []byte("retrieval:\n  rrf_constant: 30\n"), 0o644))

	// When: showing the effective config
	out, err := run(t, "config", "show")

	// Then: overrides and defaults are both present
	require.NoError(t, err)
	assert.Contains(t, out, "rrf_constant: 30")
	assert.Contains(t, out, "vector_top_k: 12")
}

func TestConfigShow_JSONMasksSecrets(t *testing.T) {
	isolate(t)
	t.Setenv("OPENAI_API_KEY", "sk-secret")

	out, err := run(t, "config", "show", "--json")

	require.NoError(t, err)
	assert.NotContains(t, out, "sk-secret")
	var doc map[string]map[string]any
	require.NoError(t, json.Unmarshal([]byte(out), &doc))
	assert.Equal(t, "****", doc["embedding"]["api_key"])
}

func TestConfigShow_InvalidConfigFails(t *testing.T) {
	dir := isolate(t)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "amanrag.yaml"), []byte("server:\n  port: 0\n"), 0o644))

	_, err := run(t, "config", "show")

	require.Error(t, err)
	assert.Contains(t, err.Error(), "server.port")
}

func TestConfigInit_WritesTemplate(t *testing.T) {
	tests := []struct {
		name string
		args []string
		path func(dir string) string
	}{
		{"project", []string{"config", "init"}, func(dir string) string { return filepath.Join(dir, "amanrag.yaml") }},
		{"user", []string{"config", "init", "--user"}, func(string) string {
			return filepath.Join(os.Getenv("XDG_CONFIG_HOME"), "amanrag", "config.yaml")
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dir := isolate(t)

			out, err := run(t, tt.args...)

			require.NoError(t, err)
			assert.Contains(t, out, "Configuration written")
			data, err := os.ReadFile(tt.path(dir))
			require.NoError(t, err)
			assert.Equal(t, configs.ConfigTemplate, string(data))
		})
	}
}

func TestConfigInit_KeepsExistingWithoutForce(t *testing.T) {
	// Given: an existing project config
	dir := isolate(t)
	path := filepath.Join(dir, "amanrag.yaml")
	require.NoError(t, os.WriteFile(path, []byte("server:\n  port: 9000\n"), 0o644))

	// When: init without --force
	out, err := run(t, "config", "init")
	require.NoError(t, err)

	// Then: the file is untouched
	assert.Contains(t, out, "already exists")
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "server:\n  port: 9000\n", string(data))

	// When: init with --force
	_, err = run(t, "config", "init", "--force")
	require.NoError(t, err)

	// Then: the template replaces it
	data, err = os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, configs.ConfigTemplate, string(data))
}

func TestConfigPath(t *testing.T) {
	isolate(t)

	out, err := run(t, "config", "path")

	require.NoError(t, err)
	assert.Equal(t, filepath.Join(os.Getenv("XDG_CONFIG_HOME"), "amanrag", "config.yaml"), strings.TrimSpace(out))
}
