// cmd/logs.go
package cmd

import (
	"errors"
	"fmt"
	"io"

	"github.com/hpcloud/tail"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/slotheather55/webspark/internal/observability"
)

// newLogsCmd creates the `logs` command.
func newLogsCmd() *cobra.Command {
	var follow bool

	logsCmd := &cobra.Command{
		Use:   "logs",
		Short: "Print the application log file",
		Long: `Reads the log file configured under logger.log_file. With --follow it
tails the file like tail -f, surviving rotation.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			logger := observability.GetLogger()

			cfg, err := getConfigFromContext(ctx)
			if err != nil {
				return err
			}
			if cfg.Logger.LogFile == "" {
				return errors.New("logger.log_file is not configured; nothing to read")
			}

			whence := io.SeekStart
			if follow {
				// Following starts at the end; the past is what the
				// non-follow mode is for.
				whence = io.SeekEnd
			}

			t, err := tail.TailFile(cfg.Logger.LogFile, tail.Config{
				Follow:    follow,
				ReOpen:    follow,
				MustExist: true,
				Location:  &tail.SeekInfo{Offset: 0, Whence: whence},
				Logger:    tail.DiscardingLogger,
			})
			if err != nil {
				return fmt.Errorf("failed to open log file %s: %w", cfg.Logger.LogFile, err)
			}
			defer t.Cleanup()

			go func() {
				<-ctx.Done()
				_ = t.Stop()
			}()

			out := cmd.OutOrStdout()
			for line := range t.Lines {
				if line.Err != nil {
					logger.Warn("Error reading log file.", zap.Error(line.Err))
					continue
				}
				fmt.Fprintln(out, line.Text)
			}
			return nil
		},
	}

	logsCmd.Flags().BoolVarP(&follow, "follow", "f", false, "Keep the file open and stream new lines")

	return logsCmd
}
