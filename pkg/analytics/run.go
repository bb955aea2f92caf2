package analytics

import (
	"fmt"
	"os"
	"path/filepath"
)

// Run replays a run directory's event log and writes every derived
// artifact under <runDir>/analytics: yield and step-rate CSVs, Pareto CSVs
// and charts, and the four stratification CSVs.
func Run(runDir string) (string, error) {
	events, err := ReadEventsJSONL(filepath.Join(runDir, "events.jsonl"))
	if err != nil {
		return "", err
	}

	outDir := filepath.Join(runDir, "analytics")
	if err := os.MkdirAll(outDir, 0o755); err != nil {
		return "", fmt.Errorf("create analytics dir: %w", err)
	}

	summary := ComputeYields(events)
	if err := WriteYieldCSV(summary, outDir); err != nil {
		return "", err
	}
	if err := WriteStepRatesCSV(summary, outDir); err != nil {
		return "", err
	}

	pareto := ParetoFailures(events)
	if err := WriteParetoCSVs(pareto, outDir); err != nil {
		return "", err
	}
	charts := []struct {
		entries []ParetoEntry
		name    string
		title   string
	}{
		{pareto.ByStep, "pareto_step.png", "Pareto: failing steps"},
		{pareto.ByError, "pareto_error.png", "Pareto: error codes"},
		{pareto.ByBatch, "pareto_batch.png", "Pareto: batches"},
	}
	for _, c := range charts {
		if err := PlotPareto(c.entries, filepath.Join(outDir, c.name), c.title); err != nil {
			return "", err
		}
	}

	for _, key := range StratKeys {
		rows, err := Stratify(events, key)
		if err != nil {
			return "", err
		}
		if err := WriteStratCSV(rows, outDir, key); err != nil {
			return "", err
		}
	}

	return outDir, nil
}
