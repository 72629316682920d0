// Package cmd provides the command-line interface for hangwatch.
package cmd

import (
	"fmt"
	"os"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/tebeka/atexit"
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "hangwatch",
	Short: "hangwatch finds calls that hang.",
	Long: `hangwatch tracks units of work, samples them periodically and ` +
		`reports the calls that stay active for too long. It can run a ` +
		`command under monitoring, serve a live monitoring session and ` +
		`inspect running or exported sessions.`,
	SilenceUsage: true,
}

// Execute adds all child commands to the root command and sets flags
// appropriately.
func Execute() {
	err := rootCmd.Execute()
	if err != nil {
		atexit.Exit(1)
	}

	atexit.Exit(0)
}

func init() {
	rootCmd.PersistentFlags().StringSlice("env-file", []string{".env"},
		"Files to read HANGWATCH_* settings from")
	rootCmd.PersistentFlags().String("log-level", "warning",
		"Log level (debug, info, warning, error)")
}

func newLogger(cmd *cobra.Command) (*logrus.Logger, error) {
	levelName, _ := cmd.Flags().GetString("log-level")

	level, err := logrus.ParseLevel(levelName)
	if err != nil {
		return nil, fmt.Errorf("invalid log level: %w", err)
	}

	logger := logrus.New()
	logger.SetOutput(os.Stderr)
	logger.SetLevel(level)

	return logger, nil
}
