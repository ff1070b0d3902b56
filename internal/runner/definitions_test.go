package runner

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeDefinitions(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "runners.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadDefinitions(t *testing.T) {
	path := writeDefinitions(t, `
runners:
  - name: aider
    command: aider
    args: ["--message", "{prompt}"]
  - name: goose
    command: goose
    args: ["run", "-t", "{prompt}"]
    env:
      GOOSE_MODE: headless
`)
	defs, err := LoadDefinitions(path)
	require.NoError(t, err)
	require.Len(t, defs, 2)
	assert.Equal(t, "aider", defs["aider"].Command)
	assert.Equal(t, "headless", defs["goose"].Env["GOOSE_MODE"])
}

func TestLoadDefinitionsMissingFile(t *testing.T) {
	defs, err := LoadDefinitions(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)
	assert.Empty(t, defs)

	defs, err = LoadDefinitions("")
	require.NoError(t, err)
	assert.Empty(t, defs)
}

func TestLoadDefinitionsRejectsBadEntries(t *testing.T) {
	_, err := LoadDefinitions(writeDefinitions(t, "runners:\n  - name: broken\n"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "name and command")

	_, err = LoadDefinitions(writeDefinitions(t, `
runners:
  - name: claude
    command: something
`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "shadows a built-in adapter")

	_, err = LoadDefinitions(writeDefinitions(t, `
runners:
  - name: twin
    command: a
  - name: twin
    command: b
`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "duplicate")

	_, err = LoadDefinitions(writeDefinitions(t, "runners: {not a list"))
	require.Error(t, err)
}

func TestExpandArgs(t *testing.T) {
	def := Definition{Args: []string{"--message", "{prompt}", "--yes"}}
	assert.Equal(t, []string{"--message", "fix the bug", "--yes"}, def.ExpandArgs("fix the bug"))

	// without a placeholder the prompt is appended
	def = Definition{Args: []string{"run"}}
	assert.Equal(t, []string{"run", "do it"}, def.ExpandArgs("do it"))

	def = Definition{}
	assert.Equal(t, []string{"hello"}, def.ExpandArgs("hello"))
}
