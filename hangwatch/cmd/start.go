package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pkg/browser"
	"github.com/rs/xid"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/sarchlab/hangwatch/monitoring"
	"github.com/sarchlab/hangwatch/reporting"
)

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Run a monitoring session and serve it over HTTP.",
	Long: "`start` runs a monitoring session in the foreground until it is " +
		"interrupted or stopped with `hangwatch stop`. The session is " +
		"exported when it ends.",
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		logger, err := newLogger(cmd)
		if err != nil {
			return err
		}

		config, err := sessionConfig(cmd)
		if err != nil {
			return err
		}

		interval, _ := cmd.Flags().GetDuration("interval")
		port, _ := cmd.Flags().GetInt("port")

		m := monitoring.NewMonitor().
			WithLogger(logger).
			WithPortNumber(port)

		if err := m.Start(interval, config); err != nil {
			return err
		}

		addr, err := m.StartServer()
		if err != nil {
			m.Stop()
			return err
		}

		url := "http://" + addr
		fmt.Fprintf(os.Stderr, "Monitoring session %s at %s\n", m.SessionID(), url)

		if open, _ := cmd.Flags().GetBool("open"); open {
			if err := browser.OpenURL(url); err != nil {
				logger.WithError(err).Warn("Failed to open browser")
			}
		}

		exp := waitForSession(cmd.Context(), m)

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		if err := m.ShutdownServer(shutdownCtx); err != nil {
			logger.WithError(err).Warn("Failed to shut down monitoring server")
		}

		return finishSession(cmd, logger, exp, true)
	},
}

func init() {
	rootCmd.AddCommand(startCmd)
	addSessionFlags(startCmd)
	startCmd.Flags().Int("port", 8765, "Port of the HTTP API")
	startCmd.Flags().Bool("open", false, "Open the dashboard in a browser")
}

// waitForSession blocks until the session is stopped over HTTP or the
// process is interrupted, and returns the export of the session.
func waitForSession(ctx context.Context, m *monitoring.Monitor) reporting.Export {
	if ctx == nil {
		ctx = context.Background()
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	select {
	case <-ctx.Done():
	case <-m.Done():
	}

	if exp, ok := m.Finish(); ok {
		return exp
	}

	exp, _ := m.LastExport()

	return exp
}

// finishSession prints the report of a session and writes its export. Without
// --output, a generated file name is used if always is set.
func finishSession(
	cmd *cobra.Command,
	logger *logrus.Logger,
	exp reporting.Export,
	always bool,
) error {
	if err := reporting.RenderReport(cmd.OutOrStdout(), exp); err != nil {
		return err
	}

	output, _ := cmd.Flags().GetString("output")
	if output == "" && !always {
		return nil
	}

	if output == "" {
		output = "hangwatch_" + xid.New().String() + ".json"
	}

	if err := reporting.WriteExport(output, exp); err != nil {
		return err
	}

	logger.WithField("path", output).Info("Session exported")
	fmt.Fprintf(os.Stderr, "Session exported to %s\n", output)

	return nil
}
