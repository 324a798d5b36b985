// cmd/root.go
package cmd

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/slotheather55/webspark/internal/config"
	"github.com/slotheather55/webspark/internal/observability"
)

// contextKey namespaces values this package stores on a command context.
type contextKey string

// configKey holds the validated *config.Config for subcommands.
const configKey contextKey = "config"

// NewRootCommand builds the root command with every subcommand attached. A
// fresh command tree per invocation keeps flag state from leaking between
// runs.
func NewRootCommand() *cobra.Command {
	var cfgFile string

	rootCmd := &cobra.Command{
		Use:   "webspark",
		Short: "WebSpark records browser macros and analyzes the tags they trigger.",
		Long: `WebSpark drives a real browser through recorded or synthesized click
macros and reports which Tealium events and vendor beacons each click
produced.`,
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if err := initializeViper(cfgFile); err != nil {
				return err
			}
			cfg, err := config.NewConfigFromViper(viper.GetViper())
			if err != nil {
				// Fall back to a bare console logger so the error is visible.
				observability.InitializeLogger(config.LoggerConfig{Level: "info", Format: "console", ServiceName: "webspark"})
				return err
			}
			observability.InitializeLogger(cfg.Logger)
			observability.GetLogger().Debug("Configuration loaded.", zap.String("version", Version))

			// Subcommands read the validated config back from the context.
			cmd.SetContext(context.WithValue(cmd.Context(), configKey, cfg))
			return nil
		},
	}

	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "config file (default is ./config.yaml)")
	rootCmd.SetVersionTemplate(`{{printf "%s\n" .Version}}`)

	rootCmd.AddCommand(
		newRecordCmd(),
		newAnalyzeCmd(),
		newMacrosCmd(),
		newDiscoverCmd(),
		newServeCmd(),
		newReportCmd(NewStoreProvider()),
		newLogsCmd(),
		newVersionCmd(),
	)
	return rootCmd
}

// Execute runs the CLI under the given signal-aware context.
func Execute(ctx context.Context) error {
	root := NewRootCommand()
	err := root.ExecuteContext(ctx)
	if err != nil {
		logger := observability.GetLogger()
		if errors.Is(err, context.Canceled) {
			logger.Warn("Command aborted.", zap.Error(err))
		} else {
			logger.Error("Command failed.", zap.Error(err))
		}
	}
	observability.Sync()
	return err
}

// getConfigFromContext returns the configuration placed on the context by
// the root command's PersistentPreRunE.
func getConfigFromContext(ctx context.Context) (*config.Config, error) {
	cfg, ok := ctx.Value(configKey).(*config.Config)
	if !ok || cfg == nil {
		return nil, errors.New("configuration missing from command context")
	}
	return cfg, nil
}

// resolveConfig re-unmarshals the configuration from viper. Commands that
// bind flags to viper keys in PreRunE call this instead of
// getConfigFromContext, because the context copy predates the binding.
func resolveConfig() (*config.Config, error) {
	return config.NewConfigFromViper(viper.GetViper())
}

// initializeViper wires defaults, the optional config file, and WEBSPARK_*
// environment variables into the global viper instance.
func initializeViper(cfgFile string) error {
	v := viper.GetViper()
	config.SetDefaults(v)

	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else {
		v.AddConfigPath(".")
		v.AddConfigPath("$HOME/.webspark")
		v.SetConfigName("config")
		v.SetConfigType("yaml")
	}

	v.SetEnvPrefix("WEBSPARK")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return fmt.Errorf("reading config file: %w", err)
		}
		// No config file; defaults and environment carry the run.
	}
	return nil
}
