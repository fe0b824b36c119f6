package types

import "time"

// CaseStatus is the per-case outcome reported by the host runner.
type CaseStatus string

const (
	CasePassed       CaseStatus = "Passed"
	CaseFailed       CaseStatus = "Failed"
	CaseSkipped      CaseStatus = "Skipped"
	CaseInconclusive CaseStatus = "Inconclusive"
)

// CaseResult is one test-finished event from the host runner.
type CaseResult struct {
	Name       string
	Class      string
	Method     string
	Status     CaseStatus
	Duration   time.Duration
	Message    string
	StackTrace string
}

// RunSummary aggregates a run's test-finished events. Inconclusive cases
// count toward the skipped total on the request row but keep their own
// status in the per-case results.
type RunSummary struct {
	Platform     Platform
	Total        int
	Passed       int
	Failed       int
	Skipped      int
	Inconclusive int
	Duration     time.Duration
	Cases        []CaseResult
}

// Add folds one case into the summary.
func (s *RunSummary) Add(c CaseResult) {
	s.Total++
	switch c.Status {
	case CasePassed:
		s.Passed++
	case CaseFailed:
		s.Failed++
	case CaseInconclusive:
		s.Inconclusive++
		s.Skipped++
	default:
		s.Skipped++
	}
	s.Cases = append(s.Cases, c)
}

// Merge combines the summary of a second sequential run (platform Both)
// into this one.
func (s *RunSummary) Merge(other RunSummary) {
	s.Total += other.Total
	s.Passed += other.Passed
	s.Failed += other.Failed
	s.Skipped += other.Skipped
	s.Inconclusive += other.Inconclusive
	s.Duration += other.Duration
	s.Cases = append(s.Cases, other.Cases...)
}

// FailedCases returns the failed cases in run order.
func (s *RunSummary) FailedCases() []CaseResult {
	var failed []CaseResult
	for _, c := range s.Cases {
		if c.Status == CaseFailed {
			failed = append(failed, c)
		}
	}
	return failed
}

// RowStatus maps a run outcome onto the request row status. Individual
// case failures still complete the run; the failed status is reserved for
// infrastructure failure.
func (s *RunSummary) RowStatus() RequestStatus {
	return StatusCompleted
}
