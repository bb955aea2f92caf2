package reporting

import (
	"encoding/xml"
	"fmt"
	"os"
	"sort"
)

type junitFailure struct {
	XMLName xml.Name `xml:"failure"`
	Body    string   `xml:",chardata"`
}

type junitTestCase struct {
	XMLName   xml.Name      `xml:"testcase"`
	ClassName string        `xml:"classname,attr"`
	Name      string        `xml:"name,attr"`
	Failure   *junitFailure `xml:"failure,omitempty"`
}

type junitTestSuite struct {
	XMLName  xml.Name        `xml:"testsuite"`
	Name     string          `xml:"name,attr"`
	Tests    int             `xml:"tests,attr"`
	Failures int             `xml:"failures,attr"`
	Cases    []junitTestCase `xml:"testcase"`
}

// JUnitUnit is one serial number's verdict for the export.
type JUnitUnit struct {
	SN      string
	Passed  bool
	Failure string
}

// WriteJUnit exports per-SN verdicts as a JUnit testsuite so CI systems can
// render batch results natively. One testcase per serial number, sorted.
func WriteJUnit(path string, units []JUnitUnit) error {
	sorted := append([]JUnitUnit(nil), units...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].SN < sorted[j].SN })

	suite := junitTestSuite{Name: "mtap_batch", Tests: len(sorted)}
	for _, u := range sorted {
		tc := junitTestCase{ClassName: "mtap", Name: u.SN}
		if !u.Passed {
			suite.Failures++
			tc.Failure = &junitFailure{Body: u.Failure}
		}
		suite.Cases = append(suite.Cases, tc)
	}

	data, err := xml.MarshalIndent(suite, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal junit: %w", err)
	}
	out := append([]byte(xml.Header), data...)
	if err := os.WriteFile(path, append(out, '\n'), 0o644); err != nil {
		return fmt.Errorf("write junit: %w", err)
	}
	return nil
}
