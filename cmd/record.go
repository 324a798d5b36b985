// cmd/record.go
package cmd

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/slotheather55/webspark/internal/browser"
	"github.com/slotheather55/webspark/internal/macrostore"
	"github.com/slotheather55/webspark/internal/observability"
	"github.com/slotheather55/webspark/internal/recorder"
)

// newRecordCmd creates the `record` command.
func newRecordCmd() *cobra.Command {
	var name string

	recordCmd := &cobra.Command{
		Use:   "record <url>",
		Short: "Open a browser and record your clicks as a replayable macro",
		Long: `Opens the page in a visible browser and captures every click you make,
with enough locator detail to replay each one later. Press Enter in this
terminal to stop and save the macro; Ctrl+C discards it.`,
		Args: cobra.ExactArgs(1),
		PreRunE: func(cmd *cobra.Command, args []string) error {
			return viper.BindPFlag("recorder.headless", cmd.Flags().Lookup("headless"))
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			logger := observability.GetLogger()
			cfg, err := resolveConfig()
			if err != nil {
				return err
			}

			pageURL, err := normalizeURL(args[0])
			if err != nil {
				return err
			}

			// Recording wants a visible browser by default; the recorder's
			// own headless setting wins over the analysis one.
			browserCfg := cfg.Browser
			browserCfg.Headless = cfg.Recorder.Headless

			manager, err := browser.NewManager(ctx, browserCfg, logger)
			if err != nil {
				return fmt.Errorf("starting browser: %w", err)
			}
			defer func() {
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
				defer cancel()
				if err := manager.Shutdown(shutdownCtx); err != nil {
					logger.Warn("Browser shutdown reported an error.", zap.Error(err))
				}
			}()

			macros, err := macrostore.New(cfg.Macros, logger)
			if err != nil {
				return err
			}

			rec := recorder.NewManager(cfg.Recorder, manager, macros, logger)
			defer rec.CloseAll(context.Background())

			sess, err := rec.Start(ctx, name, pageURL)
			if err != nil {
				return fmt.Errorf("starting recording: %w", err)
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Recording %q on %s\n", sess.Macro().Name, pageURL)
			fmt.Fprintln(out, "Interact with the page. Press Enter here to stop and save; Ctrl+C discards.")

			// Enter on stdin ends the session. The goroutine leaks if the
			// user hits Ctrl+C instead, but the process is exiting anyway.
			stopped := make(chan struct{})
			go func() {
				_, _ = bufio.NewReader(os.Stdin).ReadString('\n')
				close(stopped)
			}()

			select {
			case <-ctx.Done():
				discardCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
				defer cancel()
				if err := rec.Discard(discardCtx, sess.ID()); err != nil {
					logger.Warn("Failed to discard recording session.", zap.Error(err))
				}
				fmt.Fprintln(out, "\nRecording discarded.")
				return nil
			case <-stopped:
			}

			macro, err := rec.Stop(ctx, sess.ID())
			if err != nil {
				return fmt.Errorf("saving recording: %w", err)
			}

			fmt.Fprintf(out, "Saved macro %q with %d actions.\n", macro.Name, len(macro.Actions))
			fmt.Fprintf(out, "ID: %s\n", macro.ID)
			fmt.Fprintf(out, "Replay it with: webspark analyze --macro-id %s\n", macro.ID)
			return nil
		},
	}

	recordCmd.Flags().StringVarP(&name, "name", "n", "", "Macro name. Defaults to a timestamped one.")
	recordCmd.Flags().Bool("headless", false, "Record without a visible browser window")

	return recordCmd
}
