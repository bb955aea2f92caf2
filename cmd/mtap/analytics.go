package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/mtap-io/mtap/pkg/analytics"
	"github.com/mtap-io/mtap/pkg/config"
)

var analyticsCmd = &cobra.Command{
	Use:   "analytics",
	Args:  cobra.NoArgs,
	Short: "Derive yield analytics from a run's event log",
	Long: `Replays runs/<run_id>/events.jsonl and writes yield, flakiness, Pareto,
and stratification artifacts under the run's analytics directory.`,
	RunE: runAnalytics,
}

func init() {
	analyticsCmd.Flags().String("run-dir", "", "run directory, e.g. runs/<run_id> (required)")
}

func runAnalytics(cmd *cobra.Command, args []string) error {
	runDir, _ := cmd.Flags().GetString("run-dir")
	if runDir == "" {
		return &exitError{code: exitUsage, err: fmt.Errorf("--run-dir flag is required")}
	}

	settings := config.LoadSettings()
	logger := newLogger(settings.LogLevel)

	outDir, err := analytics.Run(runDir)
	if err != nil {
		return &exitError{code: exitUsage, err: err}
	}
	logger.Info("analytics written", "dir", outDir)
	return nil
}
