package models

import "time"

// RefinementOutcome classifies how a refinement attempt ended.
type RefinementOutcome string

const (
	// RefinementAccepted means the new score cleared the accept threshold.
	RefinementAccepted RefinementOutcome = "accepted"
	// RefinementImproved means the score rose but not enough to accept.
	RefinementImproved RefinementOutcome = "improved"
	// RefinementNoProgress means the score did not rise.
	RefinementNoProgress RefinementOutcome = "no_progress"
	// RefinementToolingFailure means the refinement mechanism itself
	// errored; the score was decayed, not judged.
	RefinementToolingFailure RefinementOutcome = "tooling_failure"
)

// RefinementAttempt is one append-only entry in a task's repair log.
type RefinementAttempt struct {
	// TaskID is the task being refined.
	TaskID string `json:"task_id"`
	// Attempt is the 1-indexed attempt number for this task.
	Attempt int `json:"attempt"`
	// Strategy names the repair strategy that was applied.
	Strategy string `json:"strategy"`
	// InputScore is the confidence score that triggered the attempt.
	InputScore float64 `json:"input_score"`
	// OutputScore is the confidence score after the attempt.
	OutputScore float64 `json:"output_score"`
	// OutputArtifact is the repaired artifact, if one was produced.
	OutputArtifact *Artifact `json:"output_artifact,omitempty"`
	// OutputReport is the report scoring the repaired artifact, if any.
	OutputReport *ValidationReport `json:"output_report,omitempty"`
	// Outcome classifies how the attempt ended.
	Outcome RefinementOutcome `json:"outcome"`
	// CreatedAt is when the attempt finished.
	CreatedAt time.Time `json:"created_at"`
}
