package cmd

import (
	"time"

	"github.com/spf13/cobra"

	"github.com/sarchlab/hangwatch/reporting"
)

var stackCmd = &cobra.Command{
	Use:   "stack",
	Short: "Show the active, hanging and recent calls of a session.",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		file, _ := cmd.Flags().GetString("file")
		if file != "" {
			exp, err := reporting.ReadExport(file)
			if err != nil {
				return err
			}

			return reporting.RenderStack(cmd.OutOrStdout(), exp.Final, exp.ExportedAt)
		}

		addr, _ := cmd.Flags().GetString("addr")

		summary, err := newClient(addr).Summary()
		if err != nil {
			return err
		}

		return reporting.RenderStack(cmd.OutOrStdout(), summary, time.Now())
	},
}

var reportCmd = &cobra.Command{
	Use:   "report",
	Short: "Print the report of a session.",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		exp, err := loadExport(cmd)
		if err != nil {
			return err
		}

		return reporting.RenderReport(cmd.OutOrStdout(), exp)
	},
}

func init() {
	rootCmd.AddCommand(stackCmd)
	rootCmd.AddCommand(reportCmd)
	addSourceFlags(stackCmd)
	addSourceFlags(reportCmd)
}
