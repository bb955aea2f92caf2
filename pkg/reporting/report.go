package reporting

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"html/template"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

// snRow is one serial number's line in the report.
type snRow struct {
	SN       string
	FW       string
	Passed   bool
	Failures []map[string]any
}

// failRow is one failing (sn, step) line, attempts aggregated from events.
type failRow struct {
	SN        string
	StepID    string
	Cmd       string
	ErrorCode string
	Message   string
	Attempts  int
}

// durationRow carries per-step duration statistics across all attempts.
type durationRow struct {
	TestStep string
	Count    int
	P50      int
	P95      int
}

type reportData struct {
	RunID            string
	BatchID          string
	StationID        string
	Stage            string
	SnCount          int
	FWVersions       []string
	OverallPassed    bool
	GeneratedAt      string
	LogSchemaVersion int
	SNRows           []snRow
	FailRows         []failRow
	DurationRows     []durationRow
	HasCoverage      bool
}

// GenerateReport renders qualification_report.html from the run
// directory's event log and results summary.
func GenerateReport(runDir string) (string, error) {
	events, err := readEventsFile(filepath.Join(runDir, "events.jsonl"))
	if err != nil {
		return "", err
	}
	summary, err := readSummary(filepath.Join(runDir, "results_summary.json"))
	if err != nil {
		return "", err
	}

	data := buildReportData(runDir, events, summary)

	tmpl, err := template.New("report").Funcs(template.FuncMap{
		"verdict": func(passed bool) string {
			if passed {
				return "PASS"
			}
			return "FAIL"
		},
		"verdictClass": func(passed bool) string {
			if passed {
				return "pass"
			}
			return "fail"
		},
	}).Parse(reportTemplate)
	if err != nil {
		return "", fmt.Errorf("parse report template: %w", err)
	}

	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("render report: %w", err)
	}

	outPath := filepath.Join(runDir, "qualification_report.html")
	if err := os.WriteFile(outPath, buf.Bytes(), 0o644); err != nil {
		return "", fmt.Errorf("write report: %w", err)
	}
	return outPath, nil
}

func buildReportData(runDir string, events []StepEvent, summary map[string]any) reportData {
	runID, _ := summary["run_id"].(string)
	if runID == "" {
		runID = filepath.Base(runDir)
	}

	data := reportData{
		RunID:            runID,
		BatchID:          stringField(summary, "batch_id"),
		StationID:        stringField(summary, "station_id"),
		Stage:            stringField(summary, "stage"),
		GeneratedAt:      time.Now().UTC().Format(time.RFC3339),
		LogSchemaVersion: LogSchemaVersion,
	}
	if v, ok := summary["overall_passed"].(bool); ok {
		data.OverallPassed = v
	}

	perSN, _ := summary["per_sn"].(map[string]any)
	sns := make([]string, 0, len(perSN))
	for sn := range perSN {
		sns = append(sns, sn)
	}
	sort.Strings(sns)

	fwSet := make(map[string]bool)
	for _, sn := range sns {
		entry, _ := perSN[sn].(map[string]any)
		fw := stringField(entry, "fw_version")
		if fw == "" {
			fw = "unknown"
		}
		fwSet[fw] = true

		row := snRow{SN: sn, FW: fw}
		if v, ok := entry["passed"].(bool); ok {
			row.Passed = v
		}
		if fails, ok := entry["failures"].([]any); ok {
			for _, f := range fails {
				if fm, ok := f.(map[string]any); ok {
					row.Failures = append(row.Failures, fm)
				}
			}
		}
		data.SNRows = append(data.SNRows, row)
	}
	data.SnCount = len(data.SNRows)
	for fw := range fwSet {
		data.FWVersions = append(data.FWVersions, fw)
	}
	sort.Strings(data.FWVersions)

	// Aggregate attempts per (sn, step) from the event stream.
	attempts := make(map[[2]string]int)
	durations := make(map[string][]int)
	for _, ev := range events {
		key := [2]string{ev.SN, ev.TestStep}
		if ev.Attempt > attempts[key] {
			attempts[key] = ev.Attempt
		}
		durations[ev.TestStep] = append(durations[ev.TestStep], ev.DurationMs)
	}

	for _, row := range data.SNRows {
		if row.Passed {
			continue
		}
		for _, f := range row.Failures {
			stepID := stringField(f, "step_id")
			fr := failRow{
				SN:        row.SN,
				StepID:    stepID,
				Cmd:       stringField(f, "cmd"),
				Message:   stringField(f, "message"),
				Attempts:  attempts[[2]string{row.SN, stepID}],
				ErrorCode: stringField(f, "error_code"),
			}
			if fr.Attempts == 0 {
				fr.Attempts = 1
			}
			data.FailRows = append(data.FailRows, fr)
		}
	}
	sort.Slice(data.FailRows, func(i, j int) bool {
		a, b := data.FailRows[i], data.FailRows[j]
		if a.SN != b.SN {
			return a.SN < b.SN
		}
		if a.StepID != b.StepID {
			return a.StepID < b.StepID
		}
		return a.ErrorCode < b.ErrorCode
	})

	steps := make([]string, 0, len(durations))
	for s := range durations {
		steps = append(steps, s)
	}
	sort.Strings(steps)
	for _, s := range steps {
		xs := durations[s]
		data.DurationRows = append(data.DurationRows, durationRow{
			TestStep: s,
			Count:    len(xs),
			P50:      quantile(xs, 0.50),
			P95:      quantile(xs, 0.95),
		})
	}

	if _, err := os.Stat(filepath.Join(runDir, "coverage_matrix.csv")); err == nil {
		data.HasCoverage = true
	}
	return data
}

// quantile computes the nearest-rank quantile of xs.
func quantile(xs []int, q float64) int {
	if len(xs) == 0 {
		return 0
	}
	sorted := append([]int(nil), xs...)
	sort.Ints(sorted)
	idx := int(float64(len(sorted)-1)*q + 0.5)
	if idx < 0 {
		idx = 0
	}
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return sorted[idx]
}

func stringField(m map[string]any, key string) string {
	if m == nil {
		return ""
	}
	v, _ := m[key].(string)
	return v
}

func readEventsFile(path string) ([]StepEvent, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("open events log: %w", err)
	}
	defer f.Close()

	var events []StepEvent
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 1024*1024), 16*1024*1024)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		var ev StepEvent
		if err := json.Unmarshal([]byte(line), &ev); err != nil {
			return nil, fmt.Errorf("parse event line: %w", err)
		}
		events = append(events, ev)
	}
	return events, sc.Err()
}

func readSummary(path string) (map[string]any, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return map[string]any{}, nil
		}
		return nil, fmt.Errorf("read results summary: %w", err)
	}
	var doc map[string]any
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse results summary: %w", err)
	}
	return doc, nil
}

const reportTemplate = `<!DOCTYPE html>
<html lang="en">
<head>
<meta charset="utf-8">
<title>Qualification Report {{.RunID}}</title>
<style>
body { font-family: -apple-system, Segoe UI, Helvetica, Arial, sans-serif; margin: 2em; color: #222; }
h1 { border-bottom: 2px solid #444; padding-bottom: 0.2em; }
table { border-collapse: collapse; margin: 1em 0; }
th, td { border: 1px solid #bbb; padding: 0.4em 0.8em; text-align: left; }
th { background: #f0f0f0; }
.pass { color: #1a7f37; font-weight: bold; }
.fail { color: #b30000; font-weight: bold; }
.meta td:first-child { font-weight: bold; background: #fafafa; }
footer { margin-top: 2em; color: #888; font-size: 0.85em; }
</style>
</head>
<body>
<h1>Qualification Report</h1>

<table class="meta">
<tr><td>Run</td><td>{{.RunID}}</td></tr>
<tr><td>Batch</td><td>{{.BatchID}}</td></tr>
<tr><td>Station</td><td>{{.StationID}}</td></tr>
<tr><td>Stage</td><td>{{.Stage}}</td></tr>
<tr><td>Units</td><td>{{.SnCount}}</td></tr>
<tr><td>Firmware</td><td>{{range $i, $fw := .FWVersions}}{{if $i}}, {{end}}{{$fw}}{{end}}</td></tr>
<tr><td>Verdict</td><td class="{{verdictClass .OverallPassed}}">{{verdict .OverallPassed}}</td></tr>
</table>

<h2>Units</h2>
<table>
<tr><th>SN</th><th>Firmware</th><th>Result</th><th>Failed steps</th></tr>
{{range .SNRows}}
<tr><td>{{.SN}}</td><td>{{.FW}}</td><td class="{{verdictClass .Passed}}">{{verdict .Passed}}</td><td>{{len .Failures}}</td></tr>
{{end}}
</table>

{{if .FailRows}}
<h2>Failures</h2>
<table>
<tr><th>SN</th><th>Step</th><th>Command</th><th>Error</th><th>Attempts</th><th>Message</th></tr>
{{range .FailRows}}
<tr><td>{{.SN}}</td><td>{{.StepID}}</td><td>{{.Cmd}}</td><td>{{.ErrorCode}}</td><td>{{.Attempts}}</td><td>{{.Message}}</td></tr>
{{end}}
</table>
{{end}}

{{if .DurationRows}}
<h2>Step durations (ms)</h2>
<table>
<tr><th>Step</th><th>Attempts</th><th>p50</th><th>p95</th></tr>
{{range .DurationRows}}
<tr><td>{{.TestStep}}</td><td>{{.Count}}</td><td>{{.P50}}</td><td>{{.P95}}</td></tr>
{{end}}
</table>
{{end}}

{{if .HasCoverage}}<p>Requirement coverage: see <code>coverage_matrix.csv</code>.</p>{{end}}

<footer>Generated {{.GeneratedAt}} &middot; log schema v{{.LogSchemaVersion}}</footer>
</body>
</html>
`
