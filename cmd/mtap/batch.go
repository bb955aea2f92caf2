package main

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/mtap-io/mtap/pkg/config"
	"github.com/mtap-io/mtap/pkg/reporting"
	"github.com/mtap-io/mtap/pkg/runner"
	"github.com/mtap-io/mtap/pkg/storage"
	"github.com/mtap-io/mtap/pkg/traceability"
)

var batchCmd = &cobra.Command{
	Use:   "batch",
	Args:  cobra.NoArgs,
	Short: "Run a multi-SN batch against the DUT",
	Long: `Loads a test plan, validates requirement coverage, and executes every
step for every serial number, logging one event per attempt. Exit status 0
means the whole batch passed.`,
	RunE: runBatch,
}

func init() {
	batchCmd.Flags().String("plan", "", "path to test plan YAML (required)")
	batchCmd.Flags().String("batch-id", "", "batch identifier (generated if empty)")
	batchCmd.Flags().String("station-id", "", "station identifier (required)")
	batchCmd.Flags().String("sns", "", "comma-separated SN list (defaults from plan sn_count)")
	batchCmd.Flags().String("stage", "", "manufacturing stage (defaults from plan station)")
	batchCmd.Flags().String("registry", "", "path to requirements registry YAML")
	batchCmd.Flags().String("mirror-dsn", "", "optional PostgreSQL DSN for the event mirror")
}

func runBatch(cmd *cobra.Command, args []string) error {
	planPath, _ := cmd.Flags().GetString("plan")
	batchID, _ := cmd.Flags().GetString("batch-id")
	stationID, _ := cmd.Flags().GetString("station-id")
	snsFlag, _ := cmd.Flags().GetString("sns")
	stage, _ := cmd.Flags().GetString("stage")
	registry, _ := cmd.Flags().GetString("registry")
	mirrorDSN, _ := cmd.Flags().GetString("mirror-dsn")

	if planPath == "" {
		return &exitError{code: exitUsage, err: fmt.Errorf("--plan flag is required")}
	}
	if stationID == "" {
		return &exitError{code: exitUsage, err: fmt.Errorf("--station-id flag is required")}
	}
	if batchID == "" {
		batchID = uuid.NewString()
	}

	settings := config.LoadSettings()
	logger := newLogger(settings.LogLevel)

	runID := time.Now().UTC().Format("20060102T150405Z")
	runDir := filepath.Join(settings.RunsDir, runID)

	var mirror runner.EventSink
	if mirrorDSN != "" {
		store, err := storage.OpenEventStore(mirrorDSN)
		if err != nil {
			return &exitError{code: exitUsage, err: err}
		}
		defer store.Close()
		mirror = store
	}

	r, err := runner.New(runner.Options{
		Host:           settings.Host,
		DutPort:        settings.DutPort,
		DefaultTimeout: time.Duration(settings.TimeoutS * float64(time.Second)),
		RunDir:         runDir,
		BatchID:        batchID,
		StationID:      stationID,
		Stage:          stage,
		PlanPath:       planPath,
		RegistryPath:   registry,
		Mirror:         mirror,
		Logger:         logger,
	})
	if err != nil {
		var gateErr *traceability.GateError
		if errors.As(err, &gateErr) {
			return &exitError{code: exitTraceability, err: err}
		}
		return &exitError{code: exitUsage, err: err}
	}

	sns := parseSNs(snsFlag)
	if len(sns) == 0 {
		sns = runner.GenerateSNs(r.Plan().Batch.SnCount)
	}

	logger.Info("starting batch", "run_id", runID, "batch_id", batchID, "sns", len(sns))
	summary := r.RunBatch(runID, sns)

	if err := runner.WriteResultsSummary(runDir, summary); err != nil {
		return &exitError{code: exitUsage, err: err}
	}
	if _, err := reporting.GenerateReport(runDir); err != nil {
		logger.Warn("report generation failed", "error", err)
	}
	if err := writeJUnit(runDir, summary); err != nil {
		logger.Warn("junit export failed", "error", err)
	}

	if !summary.OverallPassed {
		for _, sn := range summary.SNOrder {
			if s := summary.PerSN[sn]; s != nil && !s.Passed {
				logger.Warn("SN failed", "sn", sn, "failures", len(s.Failures))
			}
		}
		return &exitError{code: exitBatchFailed, err: fmt.Errorf("batch completed with failures (run %s)", runID)}
	}

	logger.Info("batch passed", "run_id", runID)
	return nil
}

func parseSNs(s string) []string {
	var sns []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			sns = append(sns, p)
		}
	}
	return sns
}

func writeJUnit(runDir string, summary *runner.RunSummary) error {
	units := make([]reporting.JUnitUnit, 0, len(summary.PerSN))
	for sn, s := range summary.PerSN {
		failure := ""
		if !s.Passed {
			parts := make([]string, 0, len(s.Failures))
			for _, f := range s.Failures {
				code := ""
				if f.ErrorCode != nil {
					code = *f.ErrorCode
				}
				parts = append(parts, fmt.Sprintf("%s: %s %s", f.StepID, code, f.Message))
			}
			failure = strings.Join(parts, "; ")
		}
		units = append(units, reporting.JUnitUnit{SN: sn, Passed: s.Passed, Failure: failure})
	}
	return reporting.WriteJUnit(filepath.Join(runDir, "junit.xml"), units)
}
