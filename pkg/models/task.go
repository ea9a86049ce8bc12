// Package models defines the shared data types for the Crucible pipeline.
package models

import "time"

// TaskStatus represents the current state of a task in the pipeline.
type TaskStatus string

const (
	// TaskStatusPending indicates the task has not started.
	TaskStatusPending TaskStatus = "pending"
	// TaskStatusRouted indicates a tier has been assigned.
	TaskStatusRouted TaskStatus = "routed"
	// TaskStatusExecuting indicates a generation call is in flight.
	TaskStatusExecuting TaskStatus = "executing"
	// TaskStatusValidating indicates the output is being scored.
	TaskStatusValidating TaskStatus = "validating"
	// TaskStatusRefining indicates an automated repair attempt is running.
	TaskStatusRefining TaskStatus = "refining"
	// TaskStatusEscalated indicates the task is parked for a human decision.
	TaskStatusEscalated TaskStatus = "escalated"
	// TaskStatusAccepted indicates the task completed with acceptable output.
	TaskStatusAccepted TaskStatus = "accepted"
	// TaskStatusFailed indicates the task terminated without acceptable output.
	TaskStatusFailed TaskStatus = "failed"
)

// Valid returns true if the status is a known value.
func (s TaskStatus) Valid() bool {
	switch s {
	case TaskStatusPending, TaskStatusRouted, TaskStatusExecuting,
		TaskStatusValidating, TaskStatusRefining, TaskStatusEscalated,
		TaskStatusAccepted, TaskStatusFailed:
		return true
	default:
		return false
	}
}

// Terminal returns true if the status is a terminal state.
func (s TaskStatus) Terminal() bool {
	return s == TaskStatusAccepted || s == TaskStatusFailed
}

// Failure reason codes surfaced on failed tasks, drawn from the error
// taxonomy. They let a caller distinguish "could not produce acceptable
// output" from "could not even try".
const (
	// ReasonCapacity means all providers for the tier were unavailable.
	ReasonCapacity = "capacity"
	// ReasonRejected means a human rejected the escalated output.
	ReasonRejected = "rejected"
	// ReasonExpired means the escalation TTL elapsed with no decision.
	ReasonExpired = "expired"
	// ReasonCancelled means the task or its parent request was cancelled.
	ReasonCancelled = "cancelled"
	// ReasonDependency means an upstream dependency failed.
	ReasonDependency = "dependency_failed"
)

// Task represents a unit of generation work in the pipeline.
// Status transitions are owned exclusively by the pipeline.
type Task struct {
	// ID is the unique identifier for this task.
	ID string `json:"id"`
	// RequestID links the task to the incoming request it was decomposed from.
	RequestID string `json:"request_id,omitempty"`
	// Description is the natural-language statement of the work.
	Description string `json:"description"`
	// TierHint is an optional tier name suggested by the decomposer.
	TierHint string `json:"tier_hint,omitempty"`
	// DependsOn lists task IDs that must reach a terminal state first.
	DependsOn []string `json:"depends_on,omitempty"`
	// Tier is the tier currently assigned by the router.
	Tier Tier `json:"tier"`
	// AttemptCount is the number of generation attempts made so far.
	AttemptCount int `json:"attempt_count"`
	// Status is the current pipeline state of the task.
	Status TaskStatus `json:"status"`
	// FailureReason carries a taxonomy reason code when Status is failed.
	FailureReason string `json:"failure_reason,omitempty"`
	// CreatedAt is when the task was created.
	CreatedAt time.Time `json:"created_at"`
	// CompletedAt is when the task reached a terminal state, if it has.
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// Artifact is a generated output attributed to the provider call that
// produced it.
type Artifact struct {
	// TaskID is the task this artifact was generated for.
	TaskID string `json:"task_id"`
	// Content is the generated payload.
	Content string `json:"content"`
	// Provider is the backend that produced the content.
	Provider string `json:"provider"`
	// Model is the model the provider used.
	Model string `json:"model"`
}
