package runner

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// WriteResultsSummary writes results_summary.json into the run directory.
func WriteResultsSummary(runDir string, summary *RunSummary) error {
	perSN := make(map[string]map[string]any, len(summary.PerSN))
	for sn, s := range summary.PerSN {
		perSN[sn] = map[string]any{
			"fw_version": s.FWVersion,
			"passed":     s.Passed,
			"failures":   s.Failures,
		}
	}
	doc := map[string]any{
		"run_id":         summary.RunID,
		"batch_id":       summary.BatchID,
		"station_id":     summary.StationID,
		"stage":          summary.Stage,
		"overall_passed": summary.OverallPassed,
		"per_sn":         perSN,
	}

	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal results summary: %w", err)
	}
	path := filepath.Join(runDir, "results_summary.json")
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write results summary: %w", err)
	}
	return nil
}
