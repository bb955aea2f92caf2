package reporting

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"
)

// LogSchemaVersion is the current event schema version. Readers must accept
// any version less than or equal to the one they know.
const LogSchemaVersion = 1

// CSVColumns is the flat log's column order. Evolution is append-only: new
// columns go at the end under a schema_version bump; existing columns never
// move, rename, or change semantics.
var CSVColumns = []string{
	"schema_version",
	"timestamp",
	"run_id",
	"batch_id",
	"station_id",
	"stage",
	"sn",
	"fw_version",
	"test_step",
	"command",
	"attempt",
	"retry_count",
	"retries_allowed",
	"timeout_s",
	"backoff_ms",
	"duration_ms",
	"passed",
	"error_code",
	"measurement",
	"value",
	"units",
	"message",
}

// StepEvent is the atomic unit of persistence: one record per step attempt.
type StepEvent struct {
	SchemaVersion int    `json:"schema_version"`
	Timestamp     string `json:"timestamp"`
	RunID         string `json:"run_id"`
	BatchID       string `json:"batch_id"`
	StationID     string `json:"station_id"`
	Stage         string `json:"stage"`
	SN            string `json:"sn"`
	FWVersion     string `json:"fw_version"`

	TestStep       string  `json:"test_step"`
	Command        string  `json:"command"`
	Attempt        int     `json:"attempt"`
	RetryCount     int     `json:"retry_count"`
	RetriesAllowed int     `json:"retries_allowed"`
	TimeoutS       float64 `json:"timeout_s"`
	BackoffMs      int     `json:"backoff_ms"`
	DurationMs     int     `json:"duration_ms"`

	Passed    bool    `json:"passed"`
	ErrorCode *string `json:"error_code"`

	Measurement *string `json:"measurement"`
	Value       any     `json:"value"`
	Units       *string `json:"units"`

	Message string `json:"message"`

	// Data carries step_name, req_ids, will_retry, retry_reason, and the
	// raw response for replay. JSONL only; never mirrored to CSV.
	Data map[string]any `json:"data"`
}

// EventParams are the caller-supplied fields of a StepEvent.
type EventParams struct {
	RunID          string
	BatchID        string
	StationID      string
	Stage          string
	SN             string
	FWVersion      string
	TestStep       string
	Command        string
	Attempt        int
	RetriesAllowed int
	TimeoutS       float64
	BackoffMs      int
	DurationMs     int
	Passed         bool
	ErrorCode      *string
	Measurement    *string
	Value          any
	Units          *string
	Message        string
	Data           map[string]any
}

// NewStepEvent stamps a StepEvent with the current schema version, a UTC
// timestamp, and the derived retry_count.
func NewStepEvent(p EventParams) StepEvent {
	retryCount := p.Attempt - 1
	if retryCount < 0 {
		retryCount = 0
	}
	data := p.Data
	if data == nil {
		data = map[string]any{}
	}
	return StepEvent{
		SchemaVersion:  LogSchemaVersion,
		Timestamp:      time.Now().UTC().Format(time.RFC3339Nano),
		RunID:          p.RunID,
		BatchID:        p.BatchID,
		StationID:      p.StationID,
		Stage:          p.Stage,
		SN:             p.SN,
		FWVersion:      p.FWVersion,
		TestStep:       p.TestStep,
		Command:        p.Command,
		Attempt:        p.Attempt,
		RetryCount:     retryCount,
		RetriesAllowed: p.RetriesAllowed,
		TimeoutS:       p.TimeoutS,
		BackoffMs:      p.BackoffMs,
		DurationMs:     p.DurationMs,
		Passed:         p.Passed,
		ErrorCode:      p.ErrorCode,
		Measurement:    p.Measurement,
		Value:          p.Value,
		Units:          p.Units,
		Message:        p.Message,
		Data:           data,
	}
}

// CSVRow renders the event in the frozen column order.
func (e StepEvent) CSVRow() []string {
	return []string{
		strconv.Itoa(e.SchemaVersion),
		e.Timestamp,
		e.RunID,
		e.BatchID,
		e.StationID,
		e.Stage,
		e.SN,
		e.FWVersion,
		e.TestStep,
		e.Command,
		strconv.Itoa(e.Attempt),
		strconv.Itoa(e.RetryCount),
		strconv.Itoa(e.RetriesAllowed),
		strconv.FormatFloat(e.TimeoutS, 'g', -1, 64),
		strconv.Itoa(e.BackoffMs),
		strconv.Itoa(e.DurationMs),
		strconv.FormatBool(e.Passed),
		strOrEmpty(e.ErrorCode),
		strOrEmpty(e.Measurement),
		valueString(e.Value),
		strOrEmpty(e.Units),
		e.Message,
	}
}

func strOrEmpty(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func valueString(v any) string {
	switch x := v.(type) {
	case nil:
		return ""
	case string:
		return x
	case float64:
		return strconv.FormatFloat(x, 'g', -1, 64)
	case bool:
		return strconv.FormatBool(x)
	case int:
		return strconv.Itoa(x)
	default:
		b, err := json.Marshal(x)
		if err != nil {
			return fmt.Sprint(x)
		}
		return string(b)
	}
}

// EventWriter is the append-only dual-format event sink: complete records
// to events.jsonl, flat rows to events.csv. File handles are opened and
// closed per append so every record is visible even on abnormal
// termination. Ordering is guaranteed only within one writer instance.
type EventWriter struct {
	runDir    string
	jsonlPath string
	csvPath   string
}

// NewEventWriter creates the run directory and, if the flat log does not
// yet exist, writes its header row.
func NewEventWriter(runDir string) (*EventWriter, error) {
	if err := os.MkdirAll(runDir, 0o755); err != nil {
		return nil, fmt.Errorf("create run dir: %w", err)
	}
	w := &EventWriter{
		runDir:    runDir,
		jsonlPath: filepath.Join(runDir, "events.jsonl"),
		csvPath:   filepath.Join(runDir, "events.csv"),
	}
	if _, err := os.Stat(w.csvPath); os.IsNotExist(err) {
		f, err := os.OpenFile(w.csvPath, os.O_CREATE|os.O_WRONLY, 0o644)
		if err != nil {
			return nil, fmt.Errorf("create events.csv: %w", err)
		}
		cw := csv.NewWriter(f)
		cw.Write(CSVColumns)
		cw.Flush()
		if err := f.Close(); err != nil {
			return nil, fmt.Errorf("close events.csv: %w", err)
		}
	}
	return w, nil
}

// RunDir returns the run directory the writer appends into.
func (w *EventWriter) RunDir() string { return w.runDir }

// JSONLPath returns the structured log path.
func (w *EventWriter) JSONLPath() string { return w.jsonlPath }

// Log appends one event to both sinks.
func (w *EventWriter) Log(ev StepEvent) error {
	line, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	if err := appendLine(w.jsonlPath, append(line, '\n')); err != nil {
		return err
	}

	f, err := os.OpenFile(w.csvPath, os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open events.csv: %w", err)
	}
	cw := csv.NewWriter(f)
	cw.Write(ev.CSVRow())
	cw.Flush()
	if err := cw.Error(); err != nil {
		f.Close()
		return fmt.Errorf("append events.csv: %w", err)
	}
	return f.Close()
}

func appendLine(path string, line []byte) error {
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open %s: %w", filepath.Base(path), err)
	}
	if _, err := f.Write(line); err != nil {
		f.Close()
		return fmt.Errorf("append %s: %w", filepath.Base(path), err)
	}
	return f.Close()
}
