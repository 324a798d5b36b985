// cmd/report.go
package cmd

import (
	"context"
	"fmt"
	"text/tabwriter"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/slotheather55/webspark/api/schemas"
	"github.com/slotheather55/webspark/internal/config"
	"github.com/slotheather55/webspark/internal/observability"
	"github.com/slotheather55/webspark/internal/store"
)

// reportSource is the slice of the report store this command reads.
// Narrowing it keeps the command testable without a live database.
type reportSource interface {
	GetReport(ctx context.Context, runID string) (*schemas.AnalysisReport, error)
	ListRuns(ctx context.Context, limit int) ([]store.RunSummary, error)
}

// storeProvider creates a reportSource. Production connects PostgreSQL;
// tests inject a mock.
type storeProvider interface {
	Create(ctx context.Context, cfg *config.Config) (reportSource, func(), error)
}

type defaultStoreProvider struct{}

// NewStoreProvider returns the production store provider.
func NewStoreProvider() storeProvider {
	return &defaultStoreProvider{}
}

// Create connects to PostgreSQL and returns the store with a cleanup that
// closes the pool. It does not touch the schema; reading an empty database
// should fail on the query, not mutate anything.
func (p *defaultStoreProvider) Create(ctx context.Context, cfg *config.Config) (reportSource, func(), error) {
	logger := observability.GetLogger()
	if cfg.Database.URL == "" {
		return nil, nil, fmt.Errorf("database URL is not configured (WEBSPARK_DATABASE_URL)")
	}

	pool, err := pgxpool.New(ctx, cfg.Database.URL)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	storeService, err := store.New(ctx, pool, logger)
	if err != nil {
		pool.Close()
		return nil, nil, err
	}

	cleanup := func() {
		pool.Close()
		logger.Debug("Database connection pool closed.")
	}
	return storeService, cleanup, nil
}

// newReportCmd creates the `report` command.
func newReportCmd(provider storeProvider) *cobra.Command {
	var runID string
	var list bool
	var limit int
	var outputPath string
	var format string

	reportCmd := &cobra.Command{
		Use:   "report",
		Short: "Fetch stored analysis reports",
		Long: `Reads finished analyses back out of the database: --list summarizes
recent runs, --run-id prints one run's full report.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			logger := observability.GetLogger()

			cfg, err := getConfigFromContext(ctx)
			if err != nil {
				return err
			}

			if list {
				return runListReports(ctx, cmd, cfg, limit, provider)
			}
			if runID == "" {
				return fmt.Errorf("--run-id or --list is required")
			}
			return runFetchReport(ctx, logger, cfg, runID, outputPath, format, provider)
		},
	}

	reportCmd.Flags().StringVar(&runID, "run-id", "", "Run ID of the report to fetch")
	reportCmd.Flags().BoolVarP(&list, "list", "l", false, "List recent runs instead of fetching one")
	reportCmd.Flags().IntVar(&limit, "limit", 20, "Maximum number of runs to list")
	reportCmd.Flags().StringVarP(&outputPath, "output", "o", "", "Report file path. Empty prints to stdout.")
	reportCmd.Flags().StringVarP(&format, "format", "f", "text", "Report format: 'text' or 'json'")

	return reportCmd
}

// runFetchReport loads one run's report and writes it out.
func runFetchReport(
	ctx context.Context,
	logger *zap.Logger,
	cfg *config.Config,
	runID, outputPath, format string,
	provider storeProvider,
) error {
	source, cleanup, err := provider.Create(ctx, cfg)
	if err != nil {
		return fmt.Errorf("failed to initialize store: %w", err)
	}
	if cleanup != nil {
		defer cleanup()
	}

	report, err := source.GetReport(ctx, runID)
	if err != nil {
		return err
	}

	return writeReport(report, format, outputPath, logger)
}

// runListReports prints a table of recent runs.
func runListReports(ctx context.Context, cmd *cobra.Command, cfg *config.Config, limit int, provider storeProvider) error {
	source, cleanup, err := provider.Create(ctx, cfg)
	if err != nil {
		return fmt.Errorf("failed to initialize store: %w", err)
	}
	if cleanup != nil {
		defer cleanup()
	}

	summaries, err := source.ListRuns(ctx, limit)
	if err != nil {
		return err
	}
	if len(summaries) == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), "No stored runs.")
		return nil
	}

	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "RUN ID\tSTARTED\tMACRO\tCLICKS\tTEALIUM\tSTATUS")
	for _, s := range summaries {
		status := "ok"
		if s.Error != "" {
			status = "failed"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%d/%d\t%.0f%%\t%s\n",
			s.RunID,
			s.StartedAt.Format("2006-01-02 15:04"),
			s.MacroName,
			s.SuccessfulClicks, s.TotalSelectors,
			s.TealiumCoverage,
			status)
	}
	return w.Flush()
}
