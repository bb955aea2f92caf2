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

// StratKeys are the supported stratification dimensions.
var StratKeys = []string{"fw_version", "stage", "batch_id", "temp_bin"}

// StratRow is FTY for one group along one dimension.
type StratRow struct {
	Key   string
	Group string
	Units int
	FTY   float64
}

// finalPassBySN reduces events to a per-unit final verdict: the unit passes
// iff every observed step's max-attempt event passed.
func finalPassBySN(events []reporting.StepEvent) map[string]bool {
	final, _ := finalEvents(events)
	steps := sortedSteps(events)
	sns := sortedSNs(events)

	out := make(map[string]bool, len(sns))
	for _, sn := range sns {
		ok := true
		for _, step := range steps {
			fe, present := final[groupKey{sn, step}]
			if !present || !fe.Passed {
				ok = false
				break
			}
		}
		out[sn] = ok
	}
	return out
}

// Stratify computes FTY grouped by the given key. For identity fields
// (fw_version, stage, batch_id) each SN takes the first-seen value across
// its events. For temp_bin, each SN takes the average of temp_c
// measurements on passing events, binned; units with no temperature data
// are excluded.
func Stratify(events []reporting.StepEvent, key string) ([]StratRow, error) {
	finalPass := finalPassBySN(events)

	groupBySN := make(map[string]string)
	switch key {
	case "fw_version", "stage", "batch_id":
		for _, ev := range events {
			if ev.SN == "" {
				continue
			}
			if _, seen := groupBySN[ev.SN]; seen {
				continue
			}
			groupBySN[ev.SN] = identityField(ev, key)
		}
	case "temp_bin":
		sums := make(map[string]float64)
		counts := make(map[string]int)
		for _, ev := range events {
			if ev.Measurement == nil || *ev.Measurement != "temp_c" || !ev.Passed || ev.SN == "" {
				continue
			}
			v, ok := eventValueFloat(ev.Value)
			if !ok {
				continue
			}
			sums[ev.SN] += v
			counts[ev.SN]++
		}
		for sn, n := range counts {
			groupBySN[sn] = tempBin(sums[sn] / float64(n))
		}
	default:
		return nil, fmt.Errorf("unsupported stratification key: %s", key)
	}

	groups := make(map[string][]string)
	for sn := range finalPass {
		g, ok := groupBySN[sn]
		if !ok {
			if key == "temp_bin" {
				continue // no temperature data
			}
			g = "UNKNOWN"
		}
		groups[g] = append(groups[g], sn)
	}

	names := make([]string, 0, len(groups))
	for g := range groups {
		names = append(names, g)
	}
	sort.Strings(names)

	rows := make([]StratRow, 0, len(names))
	for _, g := range names {
		sns := groups[g]
		passed := 0
		for _, sn := range sns {
			if finalPass[sn] {
				passed++
			}
		}
		fty := 0.0
		if len(sns) > 0 {
			fty = float64(passed) / float64(len(sns))
		}
		rows = append(rows, StratRow{Key: key, Group: g, Units: len(sns), FTY: fty})
	}
	return rows, nil
}

func identityField(ev reporting.StepEvent, key string) string {
	var v string
	switch key {
	case "fw_version":
		v = ev.FWVersion
	case "stage":
		v = ev.Stage
	case "batch_id":
		v = ev.BatchID
	}
	if v == "" {
		return "UNKNOWN"
	}
	return v
}

func eventValueFloat(v any) (float64, bool) {
	switch x := v.(type) {
	case float64:
		return x, true
	case int:
		return float64(x), true
	case string:
		f, err := strconv.ParseFloat(x, 64)
		return f, err == nil
	default:
		return 0, false
	}
}

func tempBin(avg float64) string {
	switch {
	case avg < 20:
		return "<20C"
	case avg < 30:
		return "20-30C"
	case avg < 40:
		return "30-40C"
	default:
		return ">=40C"
	}
}

// WriteStratCSV writes strat_<key>.csv under outDir.
func WriteStratCSV(rows []StratRow, outDir, key string) error {
	if err := os.MkdirAll(outDir, 0o755); err != nil {
		return fmt.Errorf("create analytics dir: %w", err)
	}
	f, err := os.Create(filepath.Join(outDir, fmt.Sprintf("strat_%s.csv", key)))
	if err != nil {
		return fmt.Errorf("create strat_%s.csv: %w", key, err)
	}
	defer f.Close()

	w := csv.NewWriter(f)
	w.Write([]string{"key", "group", "units", "fty"})
	for _, r := range rows {
		w.Write([]string{r.Key, r.Group, strconv.Itoa(r.Units), formatRate(r.FTY)})
	}
	w.Flush()
	return w.Error()
}
