// cmd/discover.go
package cmd

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/slotheather55/webspark/internal/config"
	"github.com/slotheather55/webspark/internal/discovery"
	"github.com/slotheather55/webspark/internal/observability"
	"github.com/slotheather55/webspark/internal/orchestrator"
	"github.com/slotheather55/webspark/internal/reporting"
	"github.com/slotheather55/webspark/internal/store"
)

// newDiscoverCmd creates the `discover` command.
func newDiscoverCmd() *cobra.Command {
	var limit int
	var analyze bool
	var outputPath string
	var format string

	discoverCmd := &cobra.Command{
		Use:   "discover <site>",
		Short: "Walk a site's sitemaps and list analyzable pages",
		Long: `Fetches the site's robots.txt and sitemaps, classifies each page by its
URL shape, and lists the results. With --analyze it then runs a selector
sweep against each discovered page and reports what the clicks triggered.`,
		Args: cobra.ExactArgs(1),
		PreRunE: func(cmd *cobra.Command, args []string) error {
			return viper.BindPFlag("discovery.include_subdomains", cmd.Flags().Lookup("subdomains"))
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			logger := observability.GetLogger()
			cfg, err := resolveConfig()
			if err != nil {
				return err
			}

			loader := discovery.NewSitemapLoader(cfg.Discovery, nil, logger)
			pages, err := loader.Discover(ctx, args[0])
			if err != nil {
				return fmt.Errorf("discovering pages: %w", err)
			}

			out := cmd.OutOrStdout()
			if len(pages) == 0 {
				fmt.Fprintln(out, "No pages discovered; the site may not publish a sitemap.")
				return nil
			}
			if limit > 0 && len(pages) > limit {
				pages = pages[:limit]
			}

			fmt.Fprintf(out, "Discovered %d pages:\n\n", len(pages))
			w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "TYPE\tURL")
			for _, page := range pages {
				fmt.Fprintf(w, "%s\t%s\n", page.Type, page.URL)
			}
			if err := w.Flush(); err != nil {
				return err
			}

			if !analyze {
				return nil
			}
			return analyzeDiscoveredPages(cmd, cfg, pages, format, outputPath)
		},
	}

	discoverCmd.Flags().IntVarP(&limit, "limit", "n", 20, "Maximum number of pages to list (and analyze)")
	discoverCmd.Flags().BoolVar(&analyze, "analyze", false, "Run a selector sweep against each discovered page")
	discoverCmd.Flags().Bool("subdomains", false, "Include pages on sibling subdomains")
	discoverCmd.Flags().StringVarP(&outputPath, "output", "o", "", "Report file path. Empty prints to stdout.")
	discoverCmd.Flags().StringVarP(&format, "format", "f", "text", "Report format: 'text' or 'json'")

	return discoverCmd
}

// analyzeDiscoveredPages sweeps each page with the selector set for its
// type. Pages share one browser and tap; each run gets a fresh
// orchestrator because an orchestrator is single-use.
func analyzeDiscoveredPages(cmd *cobra.Command, cfg *config.Config, pages []discovery.SitePage, format, outputPath string) error {
	ctx := cmd.Context()
	logger := observability.GetLogger()

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

	reporter, err := reporting.New(format, outputPath)
	if err != nil {
		return err
	}
	defer func() {
		if err := reporter.Close(); err != nil {
			logger.Warn("Failed to close reporter cleanly.", zap.Error(err))
		}
	}()

	var failed int
	for i, page := range pages {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		logger.Info("Analyzing discovered page.",
			zap.Int("page", i+1),
			zap.Int("total", len(pages)),
			zap.String("url", page.URL),
			zap.String("page_type", string(page.Type)))

		macro := discovery.SyntheticMacro(page.Type, page.URL)
		orch, err := orchestrator.New(cfg, components.Manager, components.Classifier, components.BeaconSource(), logSink{logger}, logger)
		if err != nil {
			return err
		}

		report, runErr := orch.Run(ctx, macro)
		if runErr != nil {
			failed++
			logger.Warn("Page analysis failed.", zap.String("url", page.URL), zap.Error(runErr))
		}
		if report == nil {
			continue
		}
		if reportStore != nil {
			if err := saveReport(reportStore, report, logger); err != nil {
				logger.Warn("Failed to persist report.", zap.Error(err))
			}
		}
		if err := reporter.Write(report); err != nil {
			return fmt.Errorf("writing report: %w", err)
		}
	}

	if failed > 0 {
		return fmt.Errorf("%d of %d page analyses failed", failed, len(pages))
	}
	fmt.Fprintf(cmd.OutOrStdout(), "\nAnalyzed %d pages.\n", len(pages))
	return nil
}
