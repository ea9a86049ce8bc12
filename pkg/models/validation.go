package models

import "time"

// Severity classifies how serious a failed check is. Only severity
// drives the confidence score; categories exist for reporting.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityError    Severity = "error"
	SeverityCritical Severity = "critical"
)

// Valid returns true if the severity is a known value.
func (s Severity) Valid() bool {
	switch s {
	case SeverityInfo, SeverityWarning, SeverityError, SeverityCritical:
		return true
	default:
		return false
	}
}

// CheckCategory groups checks for reporting purposes.
type CheckCategory string

const (
	CategoryCorrectness CheckCategory = "correctness"
	CategorySecurity    CheckCategory = "security"
	CategoryStyle       CheckCategory = "style"
	CategoryPerformance CheckCategory = "performance"
)

// CheckStatus is the outcome of a single check.
type CheckStatus string

const (
	CheckPassed CheckStatus = "passed"
	CheckFailed CheckStatus = "failed"
)

// ValidationCheck is the immutable result of running one checker
// against an artifact.
type ValidationCheck struct {
	// Name identifies the checker that produced this result.
	Name string `json:"name"`
	// Category groups the check for reporting.
	Category CheckCategory `json:"category"`
	// Status is passed or failed.
	Status CheckStatus `json:"status"`
	// Severity classifies a failure; ignored for passed checks.
	Severity Severity `json:"severity"`
	// Detail is a human-readable explanation of the result.
	Detail string `json:"detail,omitempty"`
}

// Failed returns true if the check did not pass.
func (c ValidationCheck) Failed() bool {
	return c.Status == CheckFailed
}

// ValidationReport is an ordered sequence of check results plus the
// confidence score derived from them. Reports are never mutated in
// place; a new report replaces the old one.
type ValidationReport struct {
	// TaskID is the task whose artifact was validated.
	TaskID string `json:"task_id"`
	// Attempt is the generation attempt this report scores (1-indexed).
	Attempt int `json:"attempt"`
	// Checks holds the individual check results in registration order.
	Checks []ValidationCheck `json:"checks"`
	// Score is the confidence score in [0,1] reduced from Checks.
	Score float64 `json:"score"`
	// CreatedAt is when the report was produced.
	CreatedAt time.Time `json:"created_at"`
}

// FailedChecks returns the failed checks in report order.
func (r *ValidationReport) FailedChecks() []ValidationCheck {
	var failed []ValidationCheck
	for _, c := range r.Checks {
		if c.Failed() {
			failed = append(failed, c)
		}
	}
	return failed
}

// FailedByCategory returns counts of failed checks per category.
func (r *ValidationReport) FailedByCategory() map[CheckCategory]int {
	counts := make(map[CheckCategory]int)
	for _, c := range r.Checks {
		if c.Failed() {
			counts[c.Category]++
		}
	}
	return counts
}
