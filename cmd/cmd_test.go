// cmd/cmd_test.go
package cmd

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/slotheather55/webspark/api/schemas"
	"github.com/slotheather55/webspark/internal/config"
	"github.com/slotheather55/webspark/internal/macrostore"
	"github.com/slotheather55/webspark/internal/observability"
)

// executeCommand runs a fresh root command with the given arguments and
// returns everything it printed. Each call gets its own command tree and a
// clean global viper, so flags and config cannot leak between tests.
func executeCommand(t *testing.T, args ...string) (string, error) {
	t.Helper()
	viper.Reset()
	t.Cleanup(viper.Reset)
	observability.ResetForTest()

	testRootCmd := NewRootCommand()
	buf := new(bytes.Buffer)
	testRootCmd.SetOut(buf)
	testRootCmd.SetErr(buf)
	testRootCmd.SetArgs(args)

	err := testRootCmd.ExecuteContext(context.Background())
	return buf.String(), err
}

// executeCommandNoPreRun is for testing argument and flag validation
// without loading any configuration.
func executeCommandNoPreRun(t *testing.T, args ...string) (string, error) {
	t.Helper()
	viper.Reset()
	t.Cleanup(viper.Reset)

	testRootCmd := NewRootCommand()
	testRootCmd.PersistentPreRunE = nil

	buf := new(bytes.Buffer)
	testRootCmd.SetOut(buf)
	testRootCmd.SetErr(buf)
	testRootCmd.SetArgs(args)

	err := testRootCmd.ExecuteContext(context.Background())
	return buf.String(), err
}

// createTempConfig writes a config file for one test.
func createTempConfig(t *testing.T, content string) string {
	t.Helper()
	tmpfile, err := os.CreateTemp(t.TempDir(), "test-config-*.yaml")
	require.NoError(t, err)
	_, err = tmpfile.WriteString(content)
	require.NoError(t, err)
	require.NoError(t, tmpfile.Close())
	return tmpfile.Name()
}

// quietConfig builds a config file pointing the macro store at macrosDir
// and keeping log output out of the test stream.
func quietConfig(t *testing.T, macrosDir string) string {
	t.Helper()
	content := fmt.Sprintf(`
logger:
  level: error
  format: console
macros:
  dir: %s
  history_enabled: false
`, macrosDir)
	return createTempConfig(t, content)
}

// seedMacro saves a macro directly through the store so command tests have
// something to operate on.
func seedMacro(t *testing.T, dir string) *schemas.Macro {
	t.Helper()
	store, err := macrostore.New(config.MacrosConfig{Dir: dir}, zap.NewNop())
	require.NoError(t, err)

	macro := &schemas.Macro{
		ID:        "macro-add-to-cart",
		Name:      "Add to cart",
		URL:       "https://shop.example.com/products/anvil",
		CreatedAt: time.Date(2025, 6, 1, 10, 30, 0, 0, time.UTC),
		Actions: []schemas.Action{
			{
				ID:   1,
				Type: schemas.ActionClick,
				Locator: schemas.LocatorBundle{
					CSSSelector: "#add-to-cart",
					Text:        "Add to cart",
				},
				Description: "Click 'Add to cart'",
			},
		},
	}
	require.NoError(t, store.Save(macro))
	return macro
}

func TestRecordCmd_RequiresURL(t *testing.T) {
	_, err := executeCommandNoPreRun(t, "record")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "accepts 1 arg(s), received 0")
}

func TestMacrosShowCmd_RequiresID(t *testing.T) {
	_, err := executeCommandNoPreRun(t, "macros", "show")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "accepts 1 arg(s), received 0")
}

func TestDiscoverCmd_RequiresSite(t *testing.T) {
	_, err := executeCommandNoPreRun(t, "discover")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "accepts 1 arg(s), received 0")
}

func TestAnalyzeCmd_RejectsExtraArgs(t *testing.T) {
	_, err := executeCommandNoPreRun(t, "analyze", "https://a.example.com", "https://b.example.com")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "accepts at most 1 arg(s), received 2")
}

func TestNormalizeURL(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		want    string
		wantErr bool
	}{
		{name: "adds https scheme", input: "shop.example.com/checkout", want: "https://shop.example.com/checkout"},
		{name: "keeps http scheme", input: "http://shop.example.com", want: "http://shop.example.com"},
		{name: "keeps https scheme", input: "https://shop.example.com/p?id=1", want: "https://shop.example.com/p?id=1"},
		{name: "trims whitespace", input: "  example.com  ", want: "https://example.com"},
		{name: "rejects empty", input: "", wantErr: true},
		{name: "rejects blank", input: "   ", wantErr: true},
		{name: "rejects missing host", input: "https://", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := normalizeURL(tt.input)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestResolveAnalysisMacro(t *testing.T) {
	dir := t.TempDir()
	seeded := seedMacro(t, dir)
	cfg := &config.Config{Macros: config.MacrosConfig{Dir: dir}}
	logger := zap.NewNop()

	t.Run("rejects both macro id and url", func(t *testing.T) {
		_, err := resolveAnalysisMacro(cfg, logger, seeded.ID, "", []string{"https://example.com"})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "not both")
	})

	t.Run("rejects neither", func(t *testing.T) {
		_, err := resolveAnalysisMacro(cfg, logger, "", "", nil)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "required")
	})

	t.Run("loads stored macro by id", func(t *testing.T) {
		macro, err := resolveAnalysisMacro(cfg, logger, seeded.ID, "", nil)
		require.NoError(t, err)
		assert.Equal(t, seeded.Name, macro.Name)
		assert.Equal(t, seeded.URL, macro.URL)
		require.Len(t, macro.Actions, 1)
	})

	t.Run("unknown macro id errors", func(t *testing.T) {
		_, err := resolveAnalysisMacro(cfg, logger, "no-such-macro", "", nil)
		require.Error(t, err)
	})

	t.Run("builds selector sweep for url", func(t *testing.T) {
		macro, err := resolveAnalysisMacro(cfg, logger, "", "product", []string{"shop.example.com/products/anvil"})
		require.NoError(t, err)
		assert.Equal(t, "https://shop.example.com/products/anvil", macro.URL)
		assert.Contains(t, macro.Name, "Selector sweep")
		assert.NotEmpty(t, macro.Actions)
	})
}
