// cmd/macros.go
package cmd

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/slotheather55/webspark/api/schemas"
	"github.com/slotheather55/webspark/internal/macrostore"
	"github.com/slotheather55/webspark/internal/observability"
)

// newMacrosCmd creates the `macros` command group.
func newMacrosCmd() *cobra.Command {
	macrosCmd := &cobra.Command{
		Use:   "macros",
		Short: "Manage recorded macros",
	}

	macrosCmd.AddCommand(
		newMacrosListCmd(),
		newMacrosShowCmd(),
		newMacrosDeleteCmd(),
		newMacrosHistoryCmd(),
	)

	return macrosCmd
}

func newMacrosListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List saved macros",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			macros, err := openMacroStore(cmd)
			if err != nil {
				return err
			}

			list, err := macros.List()
			if err != nil {
				return err
			}
			if len(list) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No macros recorded yet. Start with: webspark record <url>")
				return nil
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tNAME\tACTIONS\tCREATED\tURL")
			for _, m := range list {
				fmt.Fprintf(w, "%s\t%s\t%d\t%s\t%s\n",
					m.ID, m.Name, len(m.Actions), m.CreatedAt.Format("2006-01-02 15:04"), m.URL)
			}
			return w.Flush()
		},
	}
}

func newMacrosShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <id>",
		Short: "Print a macro as JSON",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			macros, err := openMacroStore(cmd)
			if err != nil {
				return err
			}

			macro, err := macros.Load(args[0])
			if err != nil {
				return err
			}

			data, err := schemas.EncodeMacro(macro)
			if err != nil {
				return err
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), string(data))
			return err
		},
	}
}

func newMacrosDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <id>",
		Short: "Delete a macro",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			macros, err := openMacroStore(cmd)
			if err != nil {
				return err
			}

			if err := macros.Delete(args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Deleted macro %s.\n", args[0])
			return nil
		},
	}
}

func newMacrosHistoryCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "history <id>",
		Short: "Show a macro's saved revisions",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			macros, err := openMacroStore(cmd)
			if err != nil {
				return err
			}

			revisions, err := macros.History(args[0])
			if err != nil {
				return err
			}
			if len(revisions) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No revisions recorded.")
				return nil
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "REVISION\tWHEN\tMESSAGE")
			for _, rev := range revisions {
				fmt.Fprintf(w, "%.8s\t%s\t%s\n", rev.Hash, rev.When.Format("2006-01-02 15:04"), rev.Message)
			}
			return w.Flush()
		},
	}
}

// openMacroStore builds the macro store from the loaded configuration.
func openMacroStore(cmd *cobra.Command) (*macrostore.Store, error) {
	cfg, err := getConfigFromContext(cmd.Context())
	if err != nil {
		return nil, err
	}
	return macrostore.New(cfg.Macros, observability.GetLogger())
}
