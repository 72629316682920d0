package cmd

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"strings"

	"github.com/spf13/cobra"

	"github.com/sarchlab/hangwatch/monitoring"
	"github.com/sarchlab/hangwatch/tracking"
)

var monitorCmd = &cobra.Command{
	Use:   "monitor <command> [args...]",
	Short: "Run a command as a tracked call and report on it.",
	Long: "`monitor` starts a session, runs the command as one tracked " +
		"call, and prints the report once the command exits.",
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		logger, err := newLogger(cmd)
		if err != nil {
			return err
		}

		config, err := sessionConfig(cmd)
		if err != nil {
			return err
		}

		interval, _ := cmd.Flags().GetDuration("interval")

		m := monitoring.NewMonitor().WithLogger(logger)
		if err := m.Start(interval, config); err != nil {
			return err
		}

		md := tracking.NewMetadata().
			Set("command", tracking.String(args[0])).
			Set("args", tracking.String(strings.Join(args[1:], " ")))

		ctx := cmd.Context()
		if ctx == nil {
			ctx = context.Background()
		}

		runErr := monitoring.TrackFunc(ctx, m, args[0], md, func(ctx context.Context) error {
			c := exec.CommandContext(ctx, args[0], args[1:]...)
			c.Stdin = os.Stdin
			c.Stdout = os.Stdout
			c.Stderr = os.Stderr

			return c.Run()
		})

		exp, _ := m.Finish()

		if err := finishSession(cmd, logger, exp, false); err != nil {
			return err
		}

		if runErr != nil {
			return fmt.Errorf("%s: %w", args[0], runErr)
		}

		return nil
	},
}

func init() {
	rootCmd.AddCommand(monitorCmd)
	addSessionFlags(monitorCmd)
	monitorCmd.Flags().SetInterspersed(false)
}
