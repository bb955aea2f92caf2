// Package analytics derives manufacturing-quality metrics — yields,
// flakiness, Pareto rankings, stratified FTY — purely by replaying the
// append-only event log. Re-running over the same log produces identical
// outputs.
package analytics

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/mtap-io/mtap/pkg/reporting"
)

// ReadEventsJSONL loads the structured event log. A missing file yields an
// empty slice, matching an append-only log that was never written to.
func ReadEventsJSONL(path string) ([]reporting.StepEvent, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("open events log: %w", err)
	}
	defer f.Close()

	var events []reporting.StepEvent
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 1024*1024), 16*1024*1024)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		var ev reporting.StepEvent
		if err := json.Unmarshal([]byte(line), &ev); err != nil {
			return nil, fmt.Errorf("parse event line: %w", err)
		}
		events = append(events, ev)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("read events log: %w", err)
	}
	return events, nil
}
