package analytics

import (
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/mtap-io/mtap/pkg/reporting"
)

// ParetoEntry is one ranked count.
type ParetoEntry struct {
	Key   string
	Count int
}

// ParetoCounts ranks failed attempts along three independent dimensions.
type ParetoCounts struct {
	ByStep  []ParetoEntry
	ByError []ParetoEntry
	ByBatch []ParetoEntry
}

// ParetoFailures counts failed events (not step instances) by test_step,
// error_code, and batch_id. Rankings are descending by count, ties broken
// by ascending key.
func ParetoFailures(events []reporting.StepEvent) ParetoCounts {
	byStep := make(map[string]int)
	byError := make(map[string]int)
	byBatch := make(map[string]int)

	for _, ev := range events {
		if ev.Passed {
			continue
		}
		code := ""
		if ev.ErrorCode != nil {
			code = *ev.ErrorCode
		}
		byStep[ev.TestStep]++
		byError[code]++
		byBatch[ev.BatchID]++
	}

	return ParetoCounts{
		ByStep:  rank(byStep),
		ByError: rank(byError),
		ByBatch: rank(byBatch),
	}
}

func rank(m map[string]int) []ParetoEntry {
	entries := make([]ParetoEntry, 0, len(m))
	for k, c := range m {
		entries = append(entries, ParetoEntry{Key: k, Count: c})
	}
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].Count != entries[j].Count {
			return entries[i].Count > entries[j].Count
		}
		return entries[i].Key < entries[j].Key
	})
	return entries
}

// WriteParetoCSVs writes pareto_step.csv, pareto_error.csv, and
// pareto_batch.csv under outDir.
func WriteParetoCSVs(counts ParetoCounts, outDir string) error {
	if err := os.MkdirAll(outDir, 0o755); err != nil {
		return fmt.Errorf("create analytics dir: %w", err)
	}
	files := []struct {
		name    string
		header  string
		entries []ParetoEntry
	}{
		{"pareto_step.csv", "step", counts.ByStep},
		{"pareto_error.csv", "error", counts.ByError},
		{"pareto_batch.csv", "batch", counts.ByBatch},
	}
	for _, fs := range files {
		f, err := os.Create(filepath.Join(outDir, fs.name))
		if err != nil {
			return fmt.Errorf("create %s: %w", fs.name, err)
		}
		w := csv.NewWriter(f)
		w.Write([]string{fs.header, "failed_attempts"})
		for _, e := range fs.entries {
			w.Write([]string{e.Key, fmt.Sprintf("%d", e.Count)})
		}
		w.Flush()
		if err := w.Error(); err != nil {
			f.Close()
			return fmt.Errorf("write %s: %w", fs.name, err)
		}
		if err := f.Close(); err != nil {
			return fmt.Errorf("close %s: %w", fs.name, err)
		}
	}
	return nil
}
