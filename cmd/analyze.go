// cmd/analyze.go
package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/slotheather55/webspark/api/schemas"
	"github.com/slotheather55/webspark/internal/browser"
	"github.com/slotheather55/webspark/internal/browser/network"
	"github.com/slotheather55/webspark/internal/config"
	"github.com/slotheather55/webspark/internal/correlator"
	"github.com/slotheather55/webspark/internal/discovery"
	"github.com/slotheather55/webspark/internal/macrostore"
	"github.com/slotheather55/webspark/internal/observability"
	"github.com/slotheather55/webspark/internal/orchestrator"
	"github.com/slotheather55/webspark/internal/reporting"
	"github.com/slotheather55/webspark/internal/store"
	"github.com/slotheather55/webspark/internal/vendors"
)

// newAnalyzeCmd creates the `analyze` command.
func newAnalyzeCmd() *cobra.Command {
	var macroID string
	var pageType string
	var outputPath string
	var format string

	analyzeCmd := &cobra.Command{
		Use:   "analyze [url]",
		Short: "Replay a macro and report the tags each click triggered",
		Long: `Runs one analysis: loads the page, replays the macro's clicks (or the
curated selector set for a page type when given a URL), and reports which
Tealium events and vendor beacons each click produced.`,
		Args: cobra.MaximumNArgs(1),
		PreRunE: func(cmd *cobra.Command, args []string) error {
			// Flag overrides land in viper so they win over file and env.
			return viper.BindPFlag("browser.headless", cmd.Flags().Lookup("headless"))
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			logger := observability.GetLogger()
			cfg, err := resolveConfig()
			if err != nil {
				return err
			}

			macro, err := resolveAnalysisMacro(cfg, logger, macroID, pageType, args)
			if err != nil {
				return err
			}

			components, err := initializeAnalysisComponents(ctx, cfg, logger)
			if err != nil {
				return err
			}
			defer components.Shutdown(logger)

			var reportStore *store.Store
			if cfg.Database.URL != "" {
				st, cleanup, err := openReportStore(ctx, cfg.Database.URL, logger)
				if err != nil {
					return err
				}
				defer cleanup()
				reportStore = st
			}

			orch, err := orchestrator.New(cfg, components.Manager, components.Classifier, components.BeaconSource(), logSink{logger}, logger)
			if err != nil {
				return err
			}

			report, runErr := orch.Run(ctx, macro)
			if runErr != nil && report == nil {
				return runErr
			}

			if reportStore != nil {
				if err := saveReport(reportStore, report, logger); err != nil {
					logger.Warn("Failed to persist report.", zap.Error(err))
				}
			}

			if err := writeReport(report, format, outputPath, logger); err != nil {
				return err
			}

			if runErr != nil {
				// The partial report is already written; the failure still
				// decides the exit code.
				return runErr
			}

			fmt.Fprintf(cmd.OutOrStdout(), "\nAnalysis complete. Run ID: %s\n", report.RunID)
			if reportStore != nil {
				fmt.Fprintf(cmd.OutOrStdout(), "Stored; fetch it later with: webspark report --run-id %s\n", report.RunID)
			}
			return nil
		},
	}

	analyzeCmd.Flags().StringVarP(&macroID, "macro-id", "m", "", "ID of a recorded macro to replay")
	analyzeCmd.Flags().StringVar(&pageType, "page-type", "", "Page type for URL mode (product, list); picks the selector set")
	analyzeCmd.Flags().StringVarP(&outputPath, "output", "o", "", "Report file path. Empty prints to stdout.")
	analyzeCmd.Flags().StringVarP(&format, "format", "f", "text", "Report format: 'text' or 'json'")
	analyzeCmd.Flags().Bool("headless", true, "Run the browser headless (overrides config)")

	return analyzeCmd
}

// resolveAnalysisMacro turns the command arguments into the macro to run:
// a stored macro by id, or a synthetic selector sweep for a URL.
func resolveAnalysisMacro(cfg *config.Config, logger *zap.Logger, macroID, pageType string, args []string) (*schemas.Macro, error) {
	switch {
	case macroID != "" && len(args) > 0:
		return nil, errors.New("provide either --macro-id or a url, not both")
	case macroID != "":
		macros, err := macrostore.New(cfg.Macros, logger)
		if err != nil {
			return nil, err
		}
		return macros.Load(macroID)
	case len(args) == 1:
		pageURL, err := normalizeURL(args[0])
		if err != nil {
			return nil, err
		}
		return discovery.SyntheticMacro(discovery.NormalizePageType(pageType), pageURL), nil
	default:
		return nil, errors.New("a url argument or --macro-id is required")
	}
}

// analysisComponents holds the long-lived pieces shared by every run a
// command starts: one browser, one optional beacon tap, one classifier.
type analysisComponents struct {
	Manager    *browser.Manager
	Tap        *network.BeaconTap
	Classifier *vendors.Classifier
}

// BeaconSource adapts the optional tap for the orchestrator, which takes a
// nil source when the tap is disabled. A typed nil pointer would not
// compare equal to nil through the interface.
func (c *analysisComponents) BeaconSource() correlator.BeaconSource {
	if c.Tap == nil {
		return nil
	}
	return c.Tap
}

// Shutdown releases the components; the run context is usually already
// canceled by the time this runs, so it uses its own deadline.
func (c *analysisComponents) Shutdown(logger *zap.Logger) {
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if c.Manager != nil {
		if err := c.Manager.Shutdown(shutdownCtx); err != nil {
			logger.Warn("Browser shutdown reported an error.", zap.Error(err))
		}
	}
	if c.Tap != nil {
		if err := c.Tap.Close(shutdownCtx); err != nil {
			logger.Warn("Beacon tap shutdown reported an error.", zap.Error(err))
		}
	}
}

// initializeAnalysisComponents builds the shared analysis machinery. The
// tap starts first when enabled, because the browser has to launch with the
// proxy flag pointing at the tap's listener.
func initializeAnalysisComponents(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*analysisComponents, error) {
	components := &analysisComponents{
		Classifier: vendors.NewClassifier(cfg.Vendors.Extra),
	}

	browserCfg := cfg.Browser
	if cfg.Network.TapEnabled {
		tap, err := network.NewBeaconTap(cfg.Network, cfg.Browser.IgnoreTLSErrors, logger)
		if err != nil {
			return nil, fmt.Errorf("creating beacon tap: %w", err)
		}
		if err := tap.Start(); err != nil {
			return nil, fmt.Errorf("starting beacon tap: %w", err)
		}
		components.Tap = tap

		browserCfg.ChromeArgs = append(append([]string{}, browserCfg.ChromeArgs...), tap.ProxyServerFlag())
	}

	manager, err := browser.NewManager(ctx, browserCfg, logger)
	if err != nil {
		components.Shutdown(logger)
		return nil, fmt.Errorf("starting browser: %w", err)
	}
	components.Manager = manager

	return components, nil
}

// logSink forwards progress frames to the console logger so the operator
// can watch a run advance.
type logSink struct {
	logger *zap.Logger
}

func (s logSink) Publish(update schemas.ProgressUpdate) {
	s.logger.Info(update.Message, zap.String("status", update.Status))
}

// openReportStore connects the PostgreSQL report store and prepares its
// schema. The returned cleanup closes the pool.
func openReportStore(ctx context.Context, dbURL string, logger *zap.Logger) (*store.Store, func(), error) {
	pool, err := pgxpool.New(ctx, dbURL)
	if err != nil {
		return nil, nil, fmt.Errorf("connecting to database: %w", err)
	}
	st, err := store.New(ctx, pool, logger)
	if err != nil {
		pool.Close()
		return nil, nil, err
	}
	if err := st.EnsureSchema(ctx); err != nil {
		pool.Close()
		return nil, nil, fmt.Errorf("preparing report schema: %w", err)
	}
	return st, pool.Close, nil
}

// saveReport persists a finished report with its own timeout; the run
// context may already be canceled when a failed run's partial report lands.
func saveReport(st *store.Store, report *schemas.AnalysisReport, logger *zap.Logger) error {
	saveCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := st.SaveReport(saveCtx, report); err != nil {
		return err
	}
	logger.Info("Report persisted.", zap.String("run_id", report.RunID))
	return nil
}

// writeReport sends the report through the requested writer.
func writeReport(report *schemas.AnalysisReport, format, outputPath string, logger *zap.Logger) error {
	reporter, err := reporting.New(format, outputPath)
	if err != nil {
		return err
	}
	defer func() {
		if err := reporter.Close(); err != nil {
			logger.Warn("Failed to close reporter cleanly.", zap.Error(err))
		}
	}()

	if err := reporter.Write(report); err != nil {
		return fmt.Errorf("writing report: %w", err)
	}
	if outputPath != "" {
		logger.Info("Report written.", zap.String("path", outputPath), zap.String("format", format))
	}
	return nil
}

// normalizeURL fills in a missing scheme and validates the result.
func normalizeURL(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", errors.New("url cannot be empty")
	}
	if !strings.HasPrefix(raw, "http://") && !strings.HasPrefix(raw, "https://") {
		raw = "https://" + raw
	}
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return "", fmt.Errorf("invalid url %q", raw)
	}
	return u.String(), nil
}
