package reporting

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenerateReport(t *testing.T) {
	dir := t.TempDir()

	w, err := NewEventWriter(dir)
	require.NoError(t, err)
	require.NoError(t, w.Log(sampleEvent("SN0001", 1, true)))
	require.NoError(t, w.Log(sampleEvent("SN0002", 1, false)))
	require.NoError(t, w.Log(sampleEvent("SN0002", 2, false)))

	summary := `{
  "run_id": "20260101T000000Z",
  "batch_id": "B1",
  "station_id": "ST-01",
  "stage": "DVT",
  "overall_passed": false,
  "per_sn": {
    "SN0001": {"fw_version": "1.0.0", "passed": true, "failures": []},
    "SN0002": {"fw_version": "1.0.1", "passed": false, "failures": [
      {"step_id": "read_temp", "cmd": "READ_TEMP", "error_code": "E_TIMEOUT", "message": "Client timeout", "duration_ms": 2000}
    ]}
  }
}`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "results_summary.json"), []byte(summary), 0o644))

	path, err := GenerateReport(dir)
	require.NoError(t, err)

	html, err := os.ReadFile(path)
	require.NoError(t, err)
	body := string(html)

	assert.Contains(t, body, "20260101T000000Z")
	assert.Contains(t, body, "SN0001")
	assert.Contains(t, body, "SN0002")
	assert.Contains(t, body, "E_TIMEOUT")
	assert.Contains(t, body, `class="fail"`)
	// SN0002 retried read_temp once, so the failure row shows two attempts.
	assert.Contains(t, body, "<td>2</td>")
}

func TestGenerateReportEmptyRunDir(t *testing.T) {
	dir := t.TempDir()
	path, err := GenerateReport(dir)
	require.NoError(t, err)
	html, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.True(t, strings.Contains(string(html), "Qualification Report"))
}

func TestQuantileNearestRank(t *testing.T) {
	xs := []int{10, 20, 30, 40, 50}
	assert.Equal(t, 30, quantile(xs, 0.50))
	assert.Equal(t, 50, quantile(xs, 0.95))
	assert.Equal(t, 0, quantile(nil, 0.5))
}

func TestWriteJUnit(t *testing.T) {
	path := filepath.Join(t.TempDir(), "junit.xml")
	err := WriteJUnit(path, []JUnitUnit{
		{SN: "SN0002", Passed: false, Failure: "read_temp: E_TIMEOUT Client timeout"},
		{SN: "SN0001", Passed: true},
	})
	require.NoError(t, err)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	body := string(data)

	assert.Contains(t, body, `tests="2"`)
	assert.Contains(t, body, `failures="1"`)
	assert.Contains(t, body, `name="SN0001"`)
	assert.Contains(t, body, "E_TIMEOUT")
	// sorted by SN
	assert.Less(t, strings.Index(body, "SN0001"), strings.Index(body, "SN0002"))
}
