// cmd/root_test.go
package cmd

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRootCmd_VersionFlag(t *testing.T) {
	out, err := executeCommand(t, "--version")
	require.NoError(t, err)
	assert.Contains(t, out, Version)
}

func TestRootCmd_NoArgsPrintsHelp(t *testing.T) {
	out, err := executeCommand(t)
	require.NoError(t, err)
	assert.Contains(t, out, "WebSpark records browser macros")
	assert.Contains(t, out, "Available Commands:")
	assert.Contains(t, out, "analyze")
	assert.Contains(t, out, "record")
	assert.Contains(t, out, "serve")
}

func TestRootCmd_UnknownCommand(t *testing.T) {
	_, err := executeCommand(t, "definitely-not-a-command")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown command")
}

func TestRootCmd_LoadsConfigFile(t *testing.T) {
	// The macros dir in the file is empty, so a clean listing proves the
	// file made it into the loaded configuration.
	cfgFile := quietConfig(t, t.TempDir())

	out, err := executeCommand(t, "--config", cfgFile, "macros", "list")
	require.NoError(t, err)
	assert.Contains(t, out, "No macros recorded yet")
}

func TestRootCmd_RejectsMissingConfigFile(t *testing.T) {
	_, err := executeCommand(t, "--config", "/nonexistent/webspark.yaml", "macros", "list")
	require.Error(t, err)
}

func TestVersionCmd(t *testing.T) {
	cfgFile := quietConfig(t, t.TempDir())

	out, err := executeCommand(t, "--config", cfgFile, "version")
	require.NoError(t, err)
	assert.Contains(t, out, "webspark "+Version)
}
