package analytics

import (
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"

	"github.com/mtap-io/mtap/pkg/reporting"
)

// YieldSummary aggregates batch-level yield metrics.
type YieldSummary struct {
	TotalUnits    int
	FPY           float64
	FTY           float64
	PassFirstPass int
	PassFinal     int
	// FlakyRate is the fraction of observed step instances that failed at
	// least once and then passed.
	FlakyRate float64
	// StepFailRateUnits maps step to units-that-failed-at-least-once /
	// total units.
	StepFailRateUnits map[string]float64
	// StepFailRateAttempts maps step to failed events / total events.
	StepFailRateAttempts map[string]float64
}

type groupKey struct {
	sn   string
	step string
}

// finalEvents reduces events to the max-attempt event per (sn, step), plus
// an any-fail flag per group.
func finalEvents(events []reporting.StepEvent) (final map[groupKey]reporting.StepEvent, anyFail map[groupKey]bool) {
	final = make(map[groupKey]reporting.StepEvent)
	anyFail = make(map[groupKey]bool)
	for _, ev := range events {
		if ev.SN == "" || ev.TestStep == "" {
			continue
		}
		key := groupKey{ev.SN, ev.TestStep}
		if cur, ok := final[key]; !ok || ev.Attempt >= cur.Attempt {
			final[key] = ev
		}
		if !ev.Passed {
			anyFail[key] = true
		}
	}
	return final, anyFail
}

func sortedSNs(events []reporting.StepEvent) []string {
	set := make(map[string]bool)
	for _, ev := range events {
		if ev.SN != "" {
			set[ev.SN] = true
		}
	}
	sns := make([]string, 0, len(set))
	for sn := range set {
		sns = append(sns, sn)
	}
	sort.Strings(sns)
	return sns
}

func sortedSteps(events []reporting.StepEvent) []string {
	set := make(map[string]bool)
	for _, ev := range events {
		if ev.TestStep != "" {
			set[ev.TestStep] = true
		}
	}
	steps := make([]string, 0, len(set))
	for s := range set {
		steps = append(steps, s)
	}
	sort.Strings(steps)
	return steps
}

// ComputeYields derives FPY, FTY, flakiness, and per-step fail rates from
// raw events. The step universe is everything observed in the log; a
// (sn, step) pair missing from the log counts as a failure for that unit.
func ComputeYields(events []reporting.StepEvent) YieldSummary {
	final, anyFail := finalEvents(events)
	sns := sortedSNs(events)
	steps := sortedSteps(events)

	attempts := make(map[string]int, len(steps))
	failedAttempts := make(map[string]int, len(steps))
	for _, ev := range events {
		if ev.SN == "" || ev.TestStep == "" {
			continue
		}
		attempts[ev.TestStep]++
		if !ev.Passed {
			failedAttempts[ev.TestStep]++
		}
	}

	passFirstPass := 0
	passFinal := 0
	flakyInstances := 0
	totalInstances := 0
	failUnits := make(map[string]int, len(steps))

	for _, sn := range sns {
		firstPassOK := true
		finalOK := true

		for _, step := range steps {
			key := groupKey{sn, step}
			fe, ok := final[key]
			if !ok {
				firstPassOK = false
				finalOK = false
				failUnits[step]++
				continue
			}

			totalInstances++
			failed := anyFail[key]
			if failed {
				failUnits[step]++
			}

			// The attempt==1 && !anyFail pair is redundant when both hold,
			// but stays explicit as a guard against corrupted logs.
			if !(fe.Passed && fe.Attempt == 1 && !failed) {
				firstPassOK = false
			}
			if !fe.Passed {
				finalOK = false
			}
			if failed && fe.Passed {
				flakyInstances++
			}
		}

		if firstPassOK {
			passFirstPass++
		}
		if finalOK {
			passFinal++
		}
	}

	total := len(sns)
	summary := YieldSummary{
		TotalUnits:           total,
		PassFirstPass:        passFirstPass,
		PassFinal:            passFinal,
		StepFailRateUnits:    make(map[string]float64, len(steps)),
		StepFailRateAttempts: make(map[string]float64, len(steps)),
	}
	if total > 0 {
		summary.FPY = float64(passFirstPass) / float64(total)
		summary.FTY = float64(passFinal) / float64(total)
	}
	if totalInstances > 0 {
		summary.FlakyRate = float64(flakyInstances) / float64(totalInstances)
	}
	for _, step := range steps {
		if total > 0 {
			summary.StepFailRateUnits[step] = float64(failUnits[step]) / float64(total)
		}
		if attempts[step] > 0 {
			summary.StepFailRateAttempts[step] = float64(failedAttempts[step]) / float64(attempts[step])
		}
	}
	return summary
}

// WriteYieldCSV writes yield_summary.csv under outDir.
func WriteYieldCSV(summary YieldSummary, outDir string) error {
	if err := os.MkdirAll(outDir, 0o755); err != nil {
		return fmt.Errorf("create analytics dir: %w", err)
	}
	f, err := os.Create(filepath.Join(outDir, "yield_summary.csv"))
	if err != nil {
		return fmt.Errorf("create yield_summary.csv: %w", err)
	}
	defer f.Close()

	w := csv.NewWriter(f)
	w.Write([]string{"metric", "value"})
	w.Write([]string{"total_units", strconv.Itoa(summary.TotalUnits)})
	w.Write([]string{"fpy", formatRate(summary.FPY)})
	w.Write([]string{"fty", formatRate(summary.FTY)})
	w.Write([]string{"overall_pass_first_pass", strconv.Itoa(summary.PassFirstPass)})
	w.Write([]string{"overall_pass_final", strconv.Itoa(summary.PassFinal)})
	w.Write([]string{"flaky_rate", formatRate(summary.FlakyRate)})
	w.Flush()
	return w.Error()
}

// WriteStepRatesCSV writes step_fail_rates.csv under outDir, one row per
// step in ascending order.
func WriteStepRatesCSV(summary YieldSummary, outDir string) error {
	if err := os.MkdirAll(outDir, 0o755); err != nil {
		return fmt.Errorf("create analytics dir: %w", err)
	}
	f, err := os.Create(filepath.Join(outDir, "step_fail_rates.csv"))
	if err != nil {
		return fmt.Errorf("create step_fail_rates.csv: %w", err)
	}
	defer f.Close()

	steps := make([]string, 0, len(summary.StepFailRateUnits))
	for s := range summary.StepFailRateUnits {
		steps = append(steps, s)
	}
	sort.Strings(steps)

	w := csv.NewWriter(f)
	w.Write([]string{"test_step", "fail_rate_units", "fail_rate_attempts"})
	for _, s := range steps {
		w.Write([]string{s, formatRate(summary.StepFailRateUnits[s]), formatRate(summary.StepFailRateAttempts[s])})
	}
	w.Flush()
	return w.Error()
}

func formatRate(v float64) string {
	return strconv.FormatFloat(round6(v), 'g', -1, 64)
}

func round6(v float64) float64 {
	if v >= 0 {
		return float64(int64(v*1e6+0.5)) / 1e6
	}
	return float64(int64(v*1e6-0.5)) / 1e6
}
