package export

import (
	"encoding/xml"
	"fmt"
	"os"
	"sort"
	"time"

	"github.com/perspec/coordinator/types"
)

// NUnit-style result document. The attribute set matches what the editor's
// own batchmode runner emits, so drivers can parse both with one reader.

type testRunXML struct {
	XMLName       xml.Name       `xml:"test-run"`
	ID            int64          `xml:"id,attr"`
	TestCaseCount int            `xml:"testcasecount,attr"`
	Passed        int            `xml:"passed,attr"`
	Failed        int            `xml:"failed,attr"`
	Skipped       int            `xml:"skipped,attr"`
	Inconclusive  int            `xml:"inconclusive,attr"`
	Result        string         `xml:"result,attr"`
	Duration      float64        `xml:"duration,attr"`
	StartTime     string         `xml:"start-time,attr,omitempty"`
	EndTime       string         `xml:"end-time,attr,omitempty"`
	Suites        []testSuiteXML `xml:"test-suite"`
}

type testSuiteXML struct {
	Type          string        `xml:"type,attr"`
	Name          string        `xml:"name,attr"`
	TestCaseCount int           `xml:"testcasecount,attr"`
	Passed        int           `xml:"passed,attr"`
	Failed        int           `xml:"failed,attr"`
	Skipped       int           `xml:"skipped,attr"`
	Result        string        `xml:"result,attr"`
	Duration      float64       `xml:"duration,attr"`
	Cases         []testCaseXML `xml:"test-case"`
}

type testCaseXML struct {
	Name     string      `xml:"name,attr"`
	FullName string      `xml:"fullname,attr"`
	Result   string      `xml:"result,attr"`
	Duration float64     `xml:"duration,attr"`
	Failure  *failureXML `xml:"failure,omitempty"`
}

type failureXML struct {
	Message    *cdataXML `xml:"message,omitempty"`
	StackTrace *cdataXML `xml:"stack-trace,omitempty"`
}

type cdataXML struct {
	Text string `xml:",cdata"`
}

func buildDocument(run Run) testRunXML {
	doc := testRunXML{
		ID:            run.RequestID,
		TestCaseCount: run.Summary.Total,
		Passed:        run.Summary.Passed,
		Failed:        run.Summary.Failed,
		Skipped:       run.Summary.Skipped - run.Summary.Inconclusive,
		Inconclusive:  run.Summary.Inconclusive,
		Result:        overallResult(run.Summary),
		Duration:      run.Summary.Duration.Seconds(),
	}
	if !run.StartedAt.IsZero() {
		doc.StartTime = run.StartedAt.UTC().Format(time.RFC3339)
	}
	if !run.CompletedAt.IsZero() {
		doc.EndTime = run.CompletedAt.UTC().Format(time.RFC3339)
	}

	// Group cases into one suite per test class; cases with no class go
	// into a flat catch-all suite.
	grouped := make(map[string][]types.CaseResult)
	for _, c := range run.Summary.Cases {
		name := c.Class
		if name == "" {
			name = "Ungrouped"
		}
		grouped[name] = append(grouped[name], c)
	}

	names := make([]string, 0, len(grouped))
	for name := range grouped {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		suite := testSuiteXML{Type: "TestSuite", Name: name}
		for _, c := range grouped[name] {
			caseXML := testCaseXML{
				Name:     caseShortName(c),
				FullName: c.Name,
				Result:   string(c.Status),
				Duration: c.Duration.Seconds(),
			}
			if c.Status == types.CaseFailed {
				caseXML.Failure = &failureXML{}
				if c.Message != "" {
					caseXML.Failure.Message = &cdataXML{Text: c.Message}
				}
				if c.StackTrace != "" {
					caseXML.Failure.StackTrace = &cdataXML{Text: c.StackTrace}
				}
			}
			suite.TestCaseCount++
			switch c.Status {
			case types.CasePassed:
				suite.Passed++
			case types.CaseFailed:
				suite.Failed++
			default:
				suite.Skipped++
			}
			suite.Duration += c.Duration.Seconds()
			suite.Cases = append(suite.Cases, caseXML)
		}
		if suite.Failed > 0 {
			suite.Result = "Failed"
		} else {
			suite.Result = "Passed"
		}
		doc.Suites = append(doc.Suites, suite)
	}
	return doc
}

func overallResult(s types.RunSummary) string {
	if s.Failed > 0 {
		return "Failed"
	}
	return "Passed"
}

func caseShortName(c types.CaseResult) string {
	if c.Method != "" {
		return c.Method
	}
	return c.Name
}

// ParsedRun is a result document read back from disk, used by orphan
// recovery and by the batchmode runner to consume the editor's own output.
type ParsedRun struct {
	Total        int
	Passed       int
	Failed       int
	Skipped      int
	Inconclusive int
	Duration     time.Duration
	Cases        []types.CaseResult
}

// ParseFile reads an NUnit-style result document.
func ParseFile(path string) (*ParsedRun, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var doc testRunXML
	if err := xml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("failed to parse result document %s: %w", path, err)
	}

	parsed := &ParsedRun{
		Total:        doc.TestCaseCount,
		Passed:       doc.Passed,
		Failed:       doc.Failed,
		Skipped:      doc.Skipped + doc.Inconclusive,
		Inconclusive: doc.Inconclusive,
		Duration:     time.Duration(doc.Duration * float64(time.Second)),
	}
	for _, suite := range doc.Suites {
		for _, c := range suite.Cases {
			cr := types.CaseResult{
				Name:     c.FullName,
				Class:    suite.Name,
				Method:   c.Name,
				Status:   types.CaseStatus(c.Result),
				Duration: time.Duration(c.Duration * float64(time.Second)),
			}
			if cr.Name == "" {
				cr.Name = c.Name
			}
			if c.Failure != nil {
				if c.Failure.Message != nil {
					cr.Message = c.Failure.Message.Text
				}
				if c.Failure.StackTrace != nil {
					cr.StackTrace = c.Failure.StackTrace.Text
				}
			}
			parsed.Cases = append(parsed.Cases, cr)
		}
	}
	return parsed, nil
}

// Summary converts a parsed document back into a run summary, for
// completing orphaned rows from artifacts.
func (p *ParsedRun) Summary() types.RunSummary {
	return types.RunSummary{
		Total:        p.Total,
		Passed:       p.Passed,
		Failed:       p.Failed,
		Skipped:      p.Skipped,
		Inconclusive: p.Inconclusive,
		Duration:     p.Duration,
		Cases:        p.Cases,
	}
}
