// Package traceability implements the requirement-to-step coverage gate
// that must pass before a batch touches any DUT.
package traceability

import (
	"encoding/csv"
	"fmt"
	"os"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// Requirement is one registry entry.
type Requirement struct {
	Title string `yaml:"title"`
}

// Registry maps req_id to requirement metadata.
type Registry map[string]Requirement

type registryDoc struct {
	Requirements Registry `yaml:"requirements"`
}

// LoadRegistry reads the requirements registry YAML.
func LoadRegistry(path string) (Registry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read requirements registry: %w", err)
	}
	var doc registryDoc
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse requirements registry: %w", err)
	}
	if doc.Requirements == nil {
		doc.Requirements = Registry{}
	}
	return doc.Requirements, nil
}

// StepRefs is one plan step's requirement mapping. Coverage reasons over
// the ungated plan: every step across every stage.
type StepRefs struct {
	StepID string
	ReqIDs []string
}

// GateError marks a coverage violation so callers can map it to the
// dedicated exit status.
type GateError struct {
	Reason string
}

func (e *GateError) Error() string { return e.Reason }

// Validate enforces the two audit constraints: every registry requirement
// is referenced by at least one step, and every referenced req_id exists in
// the registry. Either violation aborts the batch before any DUT call.
func Validate(reqs Registry, steps []StepRefs) error {
	covered := make(map[string]bool)
	for _, s := range steps {
		for _, rid := range s.ReqIDs {
			covered[rid] = true
		}
	}

	var missing []string
	for rid := range reqs {
		if !covered[rid] {
			missing = append(missing, rid)
		}
	}
	sort.Strings(missing)
	if len(missing) > 0 {
		return &GateError{Reason: fmt.Sprintf("uncovered requirements: %s", strings.Join(missing, ", "))}
	}

	var unknown []string
	for rid := range covered {
		if _, ok := reqs[rid]; !ok {
			unknown = append(unknown, rid)
		}
	}
	sort.Strings(unknown)
	if len(unknown) > 0 {
		return &GateError{Reason: fmt.Sprintf("plan references unknown requirements: %s", strings.Join(unknown, ", "))}
	}

	return nil
}

// MatrixRow is one coverage matrix entry.
type MatrixRow struct {
	ReqID       string
	Title       string
	Covered     bool
	MappedSteps []string
}

// Matrix builds coverage rows sorted by req_id.
func Matrix(reqs Registry, steps []StepRefs) []MatrixRow {
	reqToSteps := make(map[string][]string)
	for _, s := range steps {
		for _, rid := range s.ReqIDs {
			reqToSteps[rid] = append(reqToSteps[rid], s.StepID)
		}
	}

	rids := make([]string, 0, len(reqs))
	for rid := range reqs {
		rids = append(rids, rid)
	}
	sort.Strings(rids)

	rows := make([]MatrixRow, 0, len(rids))
	for _, rid := range rids {
		mapped := reqToSteps[rid]
		rows = append(rows, MatrixRow{
			ReqID:       rid,
			Title:       reqs[rid].Title,
			Covered:     len(mapped) > 0,
			MappedSteps: mapped,
		})
	}
	return rows
}

// WriteMatrixCSV writes the coverage matrix to path.
func WriteMatrixCSV(path string, rows []MatrixRow) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create coverage matrix: %w", err)
	}
	defer f.Close()

	w := csv.NewWriter(f)
	w.Write([]string{"req_id", "title", "covered", "mapped_steps"})
	for _, r := range rows {
		covered := "N"
		if r.Covered {
			covered = "Y"
		}
		w.Write([]string{r.ReqID, r.Title, covered, strings.Join(r.MappedSteps, ",")})
	}
	w.Flush()
	return w.Error()
}
