package cmd

import (
	"time"

	"github.com/spf13/cobra"

	"github.com/sarchlab/hangwatch/sampling"
)

func addSessionFlags(cmd *cobra.Command) {
	cmd.Flags().Duration("interval", time.Second, "Sampling interval")
	cmd.Flags().Duration("timeout", 0,
		"Time after which an active call is hanging (default from config)")
	cmd.Flags().Int("max-active-calls", 0,
		"Maximum number of tracked active calls (default from config)")
	cmd.Flags().Bool("no-stack-trace", false, "Do not capture call locations")
	cmd.Flags().Bool("quiet", false, "Do not log alerts")
	cmd.Flags().StringP("output", "o", "",
		"Export file (.json, .csv, .sqlite3)")
}

// sessionConfig reads the config from the env files and the environment,
// then applies the flags that were set.
func sessionConfig(cmd *cobra.Command) (sampling.HangingDetectionConfig, error) {
	envFiles, _ := cmd.Flags().GetStringSlice("env-file")

	config, err := sampling.LoadHangingDetectionConfig(envFiles...)
	if err != nil {
		return config, err
	}

	flags := cmd.Flags()

	if flags.Changed("timeout") {
		timeout, _ := flags.GetDuration("timeout")
		config = config.WithTimeoutThreshold(timeout)
	}

	if flags.Changed("max-active-calls") {
		n, _ := flags.GetInt("max-active-calls")
		config = config.WithMaxActiveCalls(n)
	}

	if noStack, _ := flags.GetBool("no-stack-trace"); noStack {
		config = config.WithStackTrace(false)
	}

	if quiet, _ := flags.GetBool("quiet"); quiet {
		config = config.WithLogging(false)
	}

	return config, config.Validate()
}
