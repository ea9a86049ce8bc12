package models

import "time"

// EscalationStatus represents the lifecycle of an escalation request.
type EscalationStatus string

const (
	// EscalationPending indicates the request awaits a human decision.
	EscalationPending EscalationStatus = "pending"
	// EscalationApproved indicates a human accepted the output.
	EscalationApproved EscalationStatus = "approved"
	// EscalationRejected indicates a human rejected the output.
	EscalationRejected EscalationStatus = "rejected"
	// EscalationExpired indicates the TTL elapsed with no decision.
	// Expiry is terminal and equivalent to rejection.
	EscalationExpired EscalationStatus = "expired"
)

// Terminal returns true if the status is a resolved state.
func (s EscalationStatus) Terminal() bool {
	return s == EscalationApproved || s == EscalationRejected || s == EscalationExpired
}

// Escalation reason codes.
const (
	// EscalationReasonLowConfidence means the score fell below the
	// refine threshold.
	EscalationReasonLowConfidence = "low_confidence"
	// EscalationReasonAttemptsExhausted means the refinement budget ran
	// out without clearing the accept threshold.
	EscalationReasonAttemptsExhausted = "attempts_exhausted"
)

// EscalationRequest is a persisted request for a human decision on a
// task whose output the pipeline could not accept automatically.
// It is resolved exactly once.
type EscalationRequest struct {
	// ID is the unique identifier for this request.
	ID string `json:"id"`
	// TaskID is the suspended task awaiting the decision.
	TaskID string `json:"task_id"`
	// Reason is an escalation reason code.
	Reason string `json:"reason"`
	// SubmittedAt is when the request was created.
	SubmittedAt time.Time `json:"submitted_at"`
	// Status is the current lifecycle state.
	Status EscalationStatus `json:"status"`
	// Resolution carries the resolver's note, if any.
	Resolution string `json:"resolution,omitempty"`
	// ResolverID identifies who resolved the request.
	ResolverID string `json:"resolver_id,omitempty"`
	// ResolvedAt is when the request left pending, if it has.
	ResolvedAt *time.Time `json:"resolved_at,omitempty"`
}
