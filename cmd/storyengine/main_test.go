package main

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseInputs(t *testing.T) {
	input, err := parseInputs([]string{"name=world", "count=3", "tags=[\"a\",\"b\"]", "empty="})
	require.NoError(t, err)
	assert.Equal(t, map[string]any{
		"name":  "world",
		"count": 3.0,
		"tags":  []any{"a", "b"},
		"empty": "",
	}, input)

	_, err = parseInputs([]string{"novalue"})
	assert.ErrorContains(t, err, "expected name=value")
	_, err = parseInputs([]string{"=x"})
	assert.Error(t, err)
}

func TestValidateCommand(t *testing.T) {
	dir := t.TempDir()
	good := filepath.Join(dir, "greet.yaml")
	require.NoError(t, os.WriteFile(good, []byte(`
containers:
  echo: {image: alpine, command: [echo]}
tree:
  "1": {method: run, container: echo, args: [hi], next: "2"}
  "2": {method: noop}
  "3": {method: noop}
`), 0o644))

	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetArgs([]string{"validate", good})
	require.NoError(t, rootCmd.Execute())
	assert.Contains(t, out.String(), "greet is valid (3 lines, entrypoint 1)")
	assert.Contains(t, out.String(), "warning:")

	bad := filepath.Join(dir, "broken.yaml")
	require.NoError(t, os.WriteFile(bad, []byte(`
tree:
  "1": {method: run, container: missing}
`), 0o644))
	rootCmd.SetArgs([]string{"validate", bad})
	assert.Error(t, rootCmd.Execute())
}
