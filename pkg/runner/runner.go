package runner

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/mtap-io/mtap/pkg/plan"
	"github.com/mtap-io/mtap/pkg/protocol"
	"github.com/mtap-io/mtap/pkg/reporting"
	"github.com/mtap-io/mtap/pkg/traceability"
)

// EventSink is the subset of the relational mirror the runner needs.
type EventSink interface {
	Append(reporting.StepEvent) error
}

// StepResult is the final attempt's outcome for one step.
type StepResult struct {
	Passed     bool
	ErrorCode  *string
	Message    string
	Data       map[string]any
	DurationMs int
}

// SnSummary is one serial number's batch outcome.
type SnSummary struct {
	SN        string        `json:"-"`
	FWVersion string        `json:"fw_version"`
	Passed    bool          `json:"passed"`
	Failures  []FailureInfo `json:"failures"`
}

// FailureInfo records one failed step for the results summary.
type FailureInfo struct {
	StepID     string  `json:"step_id"`
	Cmd        string  `json:"cmd"`
	ErrorCode  *string `json:"error_code"`
	Message    string  `json:"message"`
	DurationMs int     `json:"duration_ms"`
}

// RunSummary is the whole batch's outcome.
type RunSummary struct {
	RunID         string
	BatchID       string
	StationID     string
	Stage         string
	OverallPassed bool
	PerSN         map[string]*SnSummary
	SNOrder       []string
}

// Options configures a Runner.
type Options struct {
	Host           string
	DutPort        int
	DefaultTimeout time.Duration
	RunDir         string
	BatchID        string
	StationID      string
	Stage          string
	PlanPath       string
	// RegistryPath locates the requirements registry. Empty falls back to
	// traceability/req_traceability.yaml; if that is absent too, the gate
	// is skipped with a warning.
	RegistryPath string
	Mirror       EventSink
	Logger       *reporting.Logger
}

// Runner executes a batch sequentially: caller-supplied SN order, plan step
// order, one event per attempt. Parallel SN execution is deliberately not
// offered; it would scramble attempts and timestamps under the DUT's shared
// seed.
type Runner struct {
	client *Client
	events *reporting.EventWriter
	log    *reporting.Logger
	mirror EventSink

	plan      *plan.Plan
	steps     []plan.Step
	batchID   string
	stationID string
	stage     string
}

// New loads the plan, enforces the traceability gate, writes the coverage
// matrix, and opens the event log. Gate violations abort before any DUT
// call.
func New(opts Options) (*Runner, error) {
	log := opts.Logger
	if log == nil {
		log = reporting.NewLogger(reporting.LoggerConfig{Format: reporting.LogFormatText})
	}

	p, err := plan.Load(opts.PlanPath)
	if err != nil {
		return nil, err
	}

	stage := opts.Stage
	if stage == "" {
		stage = p.Station.Stage
	}
	if !plan.ValidStage(stage) {
		return nil, fmt.Errorf("invalid stage: %s (expected one of %v)", stage, plan.Stages)
	}

	events, err := reporting.NewEventWriter(opts.RunDir)
	if err != nil {
		return nil, err
	}

	if err := runGate(p, opts.RegistryPath, opts.RunDir, log); err != nil {
		return nil, err
	}

	return &Runner{
		client:    NewClient(opts.Host, opts.DutPort, opts.DefaultTimeout),
		events:    events,
		log:       log,
		mirror:    opts.Mirror,
		plan:      p,
		steps:     p.StepsForStage(stage),
		batchID:   opts.BatchID,
		stationID: opts.StationID,
		stage:     stage,
	}, nil
}

// runGate validates requirement coverage over the ungated plan and writes
// the coverage matrix.
func runGate(p *plan.Plan, registryPath, runDir string, log *reporting.Logger) error {
	path := registryPath
	if path == "" {
		path = filepath.Join("traceability", "req_traceability.yaml")
		if _, err := os.Stat(path); os.IsNotExist(err) {
			log.Warn("requirements registry not found, traceability gate skipped", "path", path)
			return nil
		}
	}

	reqs, err := traceability.LoadRegistry(path)
	if err != nil {
		return err
	}

	refs := make([]traceability.StepRefs, 0, len(p.Steps))
	for _, s := range p.Steps {
		refs = append(refs, traceability.StepRefs{StepID: s.ID, ReqIDs: s.ReqIDs})
	}

	if err := traceability.Validate(reqs, refs); err != nil {
		return fmt.Errorf("traceability gate: %w", err)
	}

	rows := traceability.Matrix(reqs, refs)
	return traceability.WriteMatrixCSV(filepath.Join(runDir, "coverage_matrix.csv"), rows)
}

// Plan returns the loaded plan.
func (r *Runner) Plan() *plan.Plan { return r.plan }

// pingFirmware discovers the device firmware with one PING. Failures record
// "unknown" and do not stop the batch.
func (r *Runner) pingFirmware(sn string) string {
	res := r.client.Call(protocol.CmdPing, []string{sn}, 0)
	if res.OK {
		if fw, ok := res.Data["fw"].(string); ok && fw != "" {
			return fw
		}
	}
	return "unknown"
}

// evaluateLimits applies the step's limits to response data. Returns the
// measurement triple alongside the verdict.
func evaluateLimits(step plan.Step, data map[string]any) (passed bool, measurement *string, value any, units *string) {
	l := step.Limits
	if l == nil {
		return true, nil, nil, nil
	}

	measurement = &l.Field
	value = data[l.Field]
	if l.Units != "" {
		units = &l.Units
	}

	if l.Equals != nil {
		return equalsMatch(value, l.Equals), measurement, value, units
	}

	// Range: a missing value passes (nothing to judge); a non-numeric one
	// cannot satisfy a numeric bound.
	if value == nil {
		return true, measurement, value, units
	}
	v, ok := toFloat(value)
	if !ok {
		return false, measurement, value, units
	}
	passed = true
	if l.Min != nil && v < *l.Min {
		passed = false
	}
	if l.Max != nil && v > *l.Max {
		passed = false
	}
	return passed, measurement, value, units
}

func equalsMatch(got, want any) bool {
	if gf, ok1 := toFloat(got); ok1 {
		if wf, ok2 := toFloat(want); ok2 {
			return gf == wf
		}
		return false
	}
	return got == want
}

func toFloat(v any) (float64, bool) {
	switch x := v.(type) {
	case float64:
		return x, true
	case float32:
		return float64(x), true
	case int:
		return float64(x), true
	case int64:
		return float64(x), true
	case json.Number:
		f, err := x.Float64()
		return f, err == nil
	case string:
		f, err := strconv.ParseFloat(x, 64)
		return f, err == nil
	case bool:
		return 0, false
	default:
		return 0, false
	}
}

// RunStep executes one plan step for one SN: up to retries+1 attempts, one
// event per attempt, backoff between retries.
func (r *Runner) RunStep(runID, sn, fwVersion string, step plan.Step) StepResult {
	retries := step.Retries
	timeout := time.Duration(step.TimeoutS * float64(time.Second))

	last := StepResult{Passed: false, Message: "uninitialized"}
	for attempt := 1; attempt <= retries+1; attempt++ {
		t0 := time.Now()
		res := r.client.Call(step.Cmd, []string{sn}, timeout)
		durationMs := int(time.Since(t0).Milliseconds())

		passed := res.OK
		errorCode := res.ErrorCode
		var measurement *string
		var value any
		var units *string

		if passed {
			limOK, meas, val, u := evaluateLimits(step, res.Data)
			measurement, value, units = meas, val, u
			if !limOK {
				passed = false
				code := protocol.ErrLimitFail
				errorCode = &code
			}
		}

		willRetry := !passed && attempt <= retries
		var retryReason any
		if willRetry {
			if errorCode != nil {
				retryReason = *errorCode
			} else {
				retryReason = "UNKNOWN"
			}
		}

		ev := reporting.NewStepEvent(reporting.EventParams{
			RunID:          runID,
			BatchID:        r.batchID,
			StationID:      r.stationID,
			Stage:          r.stage,
			SN:             sn,
			FWVersion:      fwVersion,
			TestStep:       step.ID,
			Command:        step.Cmd,
			Attempt:        attempt,
			RetriesAllowed: retries,
			TimeoutS:       step.TimeoutS,
			BackoffMs:      step.BackoffMs,
			DurationMs:     durationMs,
			Passed:         passed,
			ErrorCode:      errorCode,
			Measurement:    measurement,
			Value:          value,
			Units:          units,
			Message:        res.Message,
			Data: map[string]any{
				"step_name":    step.Name,
				"req_ids":      step.ReqIDs,
				"will_retry":   willRetry,
				"retry_reason": retryReason,
				"raw":          res.Raw,
			},
		})
		if err := r.events.Log(ev); err != nil {
			r.log.Error("event append failed", "error", err)
		}
		if r.mirror != nil {
			if err := r.mirror.Append(ev); err != nil {
				r.log.Warn("event mirror append failed", "error", err)
			}
		}

		last = StepResult{
			Passed:     passed,
			ErrorCode:  errorCode,
			Message:    res.Message,
			Data:       res.Data,
			DurationMs: durationMs,
		}
		if passed {
			break
		}
		if willRetry && step.BackoffMs > 0 {
			time.Sleep(time.Duration(step.BackoffMs) * time.Millisecond)
		}
	}
	return last
}

// RunSN runs every gated step for one serial number.
func (r *Runner) RunSN(runID, sn string) *SnSummary {
	fw := r.pingFirmware(sn)
	summary := &SnSummary{SN: sn, FWVersion: fw, Passed: true, Failures: []FailureInfo{}}

	for _, step := range r.steps {
		out := r.RunStep(runID, sn, fw, step)
		if !out.Passed {
			summary.Passed = false
			summary.Failures = append(summary.Failures, FailureInfo{
				StepID:     step.ID,
				Cmd:        step.Cmd,
				ErrorCode:  out.ErrorCode,
				Message:    out.Message,
				DurationMs: out.DurationMs,
			})
			r.log.Warn("step failed", "sn", sn, "step", step.ID, "error_code", derefOr(out.ErrorCode, ""))
		}
	}
	return summary
}

// RunBatch runs each SN in the supplied order. The batch passes iff every
// SN passes.
func (r *Runner) RunBatch(runID string, sns []string) *RunSummary {
	summary := &RunSummary{
		RunID:         runID,
		BatchID:       r.batchID,
		StationID:     r.stationID,
		Stage:         r.stage,
		OverallPassed: true,
		PerSN:         make(map[string]*SnSummary, len(sns)),
		SNOrder:       append([]string(nil), sns...),
	}
	for _, sn := range sns {
		r.log.Info("running SN", "sn", sn, "steps", len(r.steps))
		s := r.RunSN(runID, sn)
		summary.PerSN[sn] = s
		summary.OverallPassed = summary.OverallPassed && s.Passed
	}
	return summary
}

// GenerateSNs produces the default serial numbers SN0001..SN<n>.
func GenerateSNs(n int) []string {
	sns := make([]string, 0, n)
	for i := 1; i <= n; i++ {
		sns = append(sns, fmt.Sprintf("SN%04d", i))
	}
	return sns
}

func derefOr(s *string, def string) string {
	if s == nil {
		return def
	}
	return *s
}
