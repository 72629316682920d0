package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop a running monitoring session.",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		addr, _ := cmd.Flags().GetString("addr")

		exp, err := newClient(addr).Stop()
		if err != nil {
			return err
		}

		fmt.Fprintf(cmd.OutOrStdout(),
			"Stopped session %s after %d snapshots, %d calls hanging.\n",
			exp.SessionID, len(exp.Snapshots), exp.Final.Summary.TotalHanging)

		return nil
	},
}

func init() {
	rootCmd.AddCommand(stopCmd)
	stopCmd.Flags().String("addr", defaultAddr,
		"Address of a running monitoring session")
}
