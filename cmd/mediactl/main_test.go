package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"media-delivery-engine/internal/engine"
)

func writeConfig(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "mediactl.yaml")
	body := fmt.Sprintf(`
namespace: shop
server:
  log_level: error
storage:
  backend: file
  dir: %s
staging:
  dir: %s
  base_url: https://media.example.com
transport:
  kind: log
delivery:
  send_delay_ms: 0
  caption_delay_ms: 0
`, filepath.Join(dir, "data"), filepath.Join(dir, "public"))
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))

	catalog := `
triggers:
  - kind: keyword
    identity: box
    images:
      - remote_url: https://cdn.example.com/box-1.jpg
      - remote_url: https://cdn.example.com/box-2.jpg
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "catalog.yaml"), []byte(catalog), 0o644))
	return path
}

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCommand()
	var out, errOut bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&errOut)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func TestMediactl_SeedProcessHistoryReset(t *testing.T) {
	cfg := writeConfig(t)
	catalog := filepath.Join(filepath.Dir(cfg), "catalog.yaml")

	out, err := run(t, "-c", cfg, "seed", catalog)
	require.NoError(t, err)
	assert.Contains(t, out, "Applied 1, failed 0")

	out, err = run(t, "-c", cfg, "triggers")
	require.NoError(t, err)
	assert.Contains(t, out, "keyword:box")

	out, err = run(t, "-c", cfg, "detect", "--json", "a", "box")
	require.NoError(t, err)
	var matches []engine.TriggerMatch
	require.NoError(t, json.Unmarshal([]byte(out), &matches))
	require.Len(t, matches, 1)
	assert.Equal(t, "keyword:box", matches[0].DefinitionID)

	out, err = run(t, "-c", cfg, "process", "-s", "U1", "one box")
	require.NoError(t, err)
	var res engine.ProcessResult
	require.NoError(t, json.Unmarshal([]byte(out), &res))
	assert.True(t, res.Processed)

	out, err = run(t, "-c", cfg, "history", "U1")
	require.NoError(t, err)
	assert.Contains(t, out, "keyword:box")

	out, err = run(t, "-c", cfg, "reset", "U1")
	require.NoError(t, err)
	assert.Contains(t, out, "Cleared all history for U1")

	out, err = run(t, "-c", cfg, "history", "U1")
	require.NoError(t, err)
	assert.Contains(t, out, "No history.")
}

func TestMediactl_Errors(t *testing.T) {
	cfg := writeConfig(t)
	tests := []struct {
		name string
		args []string
	}{
		{"missing config file", []string{"-c", filepath.Join(t.TempDir(), "nope.yaml"), "triggers"}},
		{"process without subscriber", []string{"-c", cfg, "process", "box"}},
		{"preview unknown trigger", []string{"-c", cfg, "preview", "keyword:nope"}},
		{"seed missing file", []string{"-c", cfg, "seed", "missing.yaml"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := run(t, tt.args...)
			assert.Error(t, err)
		})
	}
}

func TestMediactl_Sweep(t *testing.T) {
	cfg := writeConfig(t)
	out, err := run(t, "-c", cfg, "sweep")
	require.NoError(t, err)
	assert.Contains(t, out, "Expired 0, orphans 0, kept 0")
}
