package plan

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

const (
	maxRetries   = 10
	maxBackoffMs = 10_000
	maxTimeoutS  = 30.0
	maxSnCount   = 1000

	defaultTimeoutS = 2.0
)

// Load reads and validates a plan document. Steps come back unfiltered;
// apply StepsForStage for execution.
func Load(path string) (*Plan, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read plan: %w", err)
	}
	return Parse(data)
}

// Parse parses and validates a plan from YAML bytes.
func Parse(data []byte) (*Plan, error) {
	var p Plan
	if err := yaml.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("parse plan YAML: %w", err)
	}
	applyDefaults(&p)
	if errs := validate(&p); len(errs) > 0 {
		return nil, fmt.Errorf("invalid plan: %s", strings.Join(errs, "; "))
	}
	return &p, nil
}

func applyDefaults(p *Plan) {
	if p.Meta.Version == 0 {
		p.Meta.Version = 1
	}
	for i := range p.Steps {
		s := &p.Steps[i]
		if s.TimeoutS == 0 {
			s.TimeoutS = defaultTimeoutS
		}
		if len(s.Stages) == 0 {
			s.Stages = append([]string(nil), Stages...)
		}
		if s.Params == nil {
			s.Params = map[string]any{}
		}
	}
}

// validate accumulates every violation rather than stopping at the first,
// so a bad plan is fixable in one pass.
func validate(p *Plan) []string {
	var errs []string

	if p.Meta.Name == "" {
		errs = append(errs, "plan.name is required")
	}
	if p.Station.Name == "" {
		errs = append(errs, "station.name is required")
	}
	if !ValidStage(p.Station.Stage) {
		errs = append(errs, fmt.Sprintf("station.stage %q is invalid (expected one of %v)", p.Station.Stage, Stages))
	}
	if p.Station.FWExpected == "" {
		errs = append(errs, "station.fw_expected is required")
	}
	if p.Batch.SnCount < 1 || p.Batch.SnCount > maxSnCount {
		errs = append(errs, fmt.Sprintf("batch.sn_count must be in [1, %d]", maxSnCount))
	}
	if len(p.Steps) == 0 {
		errs = append(errs, "steps must have at least one step")
	}

	seen := make(map[string]bool)
	for i, s := range p.Steps {
		if s.ID == "" {
			errs = append(errs, fmt.Sprintf("steps[%d].id is required", i))
		} else if seen[s.ID] {
			errs = append(errs, fmt.Sprintf("steps[%d].id %q is duplicated", i, s.ID))
		}
		seen[s.ID] = true

		if s.Name == "" {
			errs = append(errs, fmt.Sprintf("steps[%d].name is required", i))
		}
		if s.Cmd == "" {
			errs = append(errs, fmt.Sprintf("steps[%d].cmd is required", i))
		}
		if s.Retries < 0 || s.Retries > maxRetries {
			errs = append(errs, fmt.Sprintf("steps[%d].retries must be in [0, %d]", i, maxRetries))
		}
		if s.BackoffMs < 0 || s.BackoffMs > maxBackoffMs {
			errs = append(errs, fmt.Sprintf("steps[%d].backoff_ms must be in [0, %d]", i, maxBackoffMs))
		}
		if s.TimeoutS <= 0 || s.TimeoutS > maxTimeoutS {
			errs = append(errs, fmt.Sprintf("steps[%d].timeout_s must be in (0, %g]", i, maxTimeoutS))
		}
		if len(s.ReqIDs) == 0 {
			errs = append(errs, fmt.Sprintf("steps[%d].req_ids must be non-empty", i))
		}
		for _, rid := range s.ReqIDs {
			if !strings.HasPrefix(rid, "REQ-") {
				errs = append(errs, fmt.Sprintf("steps[%d] bad req_id format: %s", i, rid))
			}
		}
		if len(s.Stages) == 0 {
			errs = append(errs, fmt.Sprintf("steps[%d].stages must be non-empty", i))
		}
		for _, st := range s.Stages {
			if !ValidStage(st) {
				errs = append(errs, fmt.Sprintf("steps[%d].stages contains invalid stage %q", i, st))
			}
		}
		if s.Limits != nil {
			errs = append(errs, validateLimits(i, s.Limits)...)
		}
	}

	return errs
}

func validateLimits(i int, l *Limits) []string {
	var errs []string
	if l.Field == "" {
		errs = append(errs, fmt.Sprintf("steps[%d].limits.field is required", i))
	}
	if l.Equals != nil && (l.Min != nil || l.Max != nil) {
		errs = append(errs, fmt.Sprintf("steps[%d].limits: cannot specify equals with min/max", i))
	}
	if l.Equals == nil && l.Min == nil && l.Max == nil {
		errs = append(errs, fmt.Sprintf("steps[%d].limits: specify at least one of min/max/equals", i))
	}
	return errs
}
