package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/mtap-io/mtap/pkg/config"
	"github.com/mtap-io/mtap/pkg/reporting"
)

var reportCmd = &cobra.Command{
	Use:   "report",
	Args:  cobra.NoArgs,
	Short: "Render the qualification report for a run",
	RunE:  runReport,
}

func init() {
	reportCmd.Flags().String("run-dir", "", "run directory, e.g. runs/<run_id> (required)")
}

func runReport(cmd *cobra.Command, args []string) error {
	runDir, _ := cmd.Flags().GetString("run-dir")
	if runDir == "" {
		return &exitError{code: exitUsage, err: fmt.Errorf("--run-dir flag is required")}
	}

	settings := config.LoadSettings()
	logger := newLogger(settings.LogLevel)

	path, err := reporting.GenerateReport(runDir)
	if err != nil {
		return &exitError{code: exitUsage, err: err}
	}
	logger.Info("report written", "path", path)
	return nil
}
