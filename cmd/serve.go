// cmd/serve.go
package cmd

import (
	"context"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/slotheather55/webspark/api/schemas"
	"github.com/slotheather55/webspark/internal/macrostore"
	"github.com/slotheather55/webspark/internal/observability"
	"github.com/slotheather55/webspark/internal/orchestrator"
	"github.com/slotheather55/webspark/internal/server"
	"github.com/slotheather55/webspark/internal/store"
	"github.com/slotheather55/webspark/internal/worker"
)

// newServeCmd creates the `serve` command.
func newServeCmd() *cobra.Command {
	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the analysis API server",
		Long: `Starts the HTTP API: submit analyses, stream their progress over SSE,
and browse recorded macros. Runs execute on a bounded worker pool sharing
one browser and one beacon tap.`,
		Args: cobra.NoArgs,
		PreRunE: func(cmd *cobra.Command, args []string) error {
			return viper.BindPFlag("server.listen_addr", cmd.Flags().Lookup("listen"))
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			logger := observability.GetLogger()
			cfg, err := resolveConfig()
			if err != nil {
				return err
			}

			components, err := initializeAnalysisComponents(ctx, cfg, logger)
			if err != nil {
				return err
			}
			defer components.Shutdown(logger)

			macros, err := macrostore.New(cfg.Macros, logger)
			if err != nil {
				return err
			}

			var reportStore *store.Store
			if cfg.Database.URL != "" {
				st, cleanup, err := openReportStore(ctx, cfg.Database.URL, logger)
				if err != nil {
					return err
				}
				defer cleanup()
				reportStore = st
			} else {
				logger.Info("No database configured; reports live only in memory for this process.")
			}

			// Each run builds a fresh orchestrator over the shared browser
			// and tap; an orchestrator only runs once.
			runner := worker.RunnerFunc(func(runCtx context.Context, macro *schemas.Macro, sink schemas.ProgressSink) (*schemas.AnalysisReport, error) {
				orch, err := orchestrator.New(cfg, components.Manager, components.Classifier, components.BeaconSource(), sink, logger)
				if err != nil {
					return nil, err
				}
				report, runErr := orch.Run(runCtx, macro)
				if report != nil && reportStore != nil {
					if err := saveReport(reportStore, report, logger); err != nil {
						logger.Warn("Failed to persist report.", zap.String("run_id", report.RunID), zap.Error(err))
					}
				}
				return report, runErr
			})

			pool, err := worker.NewPool(cfg.Server.MaxConcurrentRuns, runner, logger)
			if err != nil {
				return err
			}

			srv, err := server.New(cfg.Server, pool, macros, logger)
			if err != nil {
				return err
			}

			// Start blocks until the context is canceled and the pool has
			// drained.
			return srv.Start(ctx)
		},
	}

	serveCmd.Flags().String("listen", "", "Listen address, e.g. :8675 (overrides config)")

	return serveCmd
}
