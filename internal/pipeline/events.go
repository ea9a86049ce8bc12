package pipeline

import (
	"log"
	"sync/atomic"
	"time"

	"github.com/ShayCichocki/crucible/pkg/models"
)

// EventType represents the type of pipeline event.
type EventType string

const (
	// EventTaskRouted indicates a tier was assigned to a task.
	EventTaskRouted EventType = "task_routed"
	// EventTaskExecuting indicates a generation call is in flight.
	EventTaskExecuting EventType = "task_executing"
	// EventTaskValidated indicates a validation report was produced.
	EventTaskValidated EventType = "task_validated"
	// EventTaskRefining indicates the repair loop started.
	EventTaskRefining EventType = "task_refining"
	// EventTaskEscalated indicates the task is parked for human review.
	EventTaskEscalated EventType = "task_escalated"
	// EventTaskAccepted indicates a task finished with acceptable output.
	EventTaskAccepted EventType = "task_accepted"
	// EventTaskFailed indicates a task terminated without acceptable output.
	EventTaskFailed EventType = "task_failed"
	// EventVersionCommitted indicates an accepted artifact entered the version graph.
	EventVersionCommitted EventType = "version_committed"
	// EventRunDone indicates the whole request settled.
	EventRunDone EventType = "run_done"
)

// Event represents a state change emitted by the pipeline.
type Event struct {
	// Type is the kind of event.
	Type EventType
	// TaskID is the ID of the related task, if applicable.
	TaskID string
	// Tier is the routed tier, for routing events.
	Tier models.Tier
	// Score is the confidence score, for validation events.
	Score float64
	// Message provides additional context about the event.
	Message string
	// Error contains error details for failure events.
	Error error
	// Timestamp is when the event occurred.
	Timestamp time.Time
}

// EventEmitter publishes pipeline events to a single subscriber. A slow
// subscriber loses events rather than stalling workers; drops are
// counted.
type EventEmitter struct {
	events       chan Event
	droppedCount atomic.Uint64
}

// NewEventEmitter creates a new EventEmitter with the given buffer size.
func NewEventEmitter(bufferSize int) *EventEmitter {
	return &EventEmitter{
		events: make(chan Event, bufferSize),
	}
}

// Emit sends an event, dropping it if the subscriber cannot keep up.
func (e *EventEmitter) Emit(event Event) {
	event.Timestamp = time.Now()

	select {
	case e.events <- event:
		return
	default:
	}

	// Give the receiver a short window to drain before dropping.
	select {
	case e.events <- event:
	case <-time.After(100 * time.Millisecond):
		count := e.droppedCount.Add(1)
		if count%10 == 1 {
			log.Printf("[pipeline] WARNING: event channel full, dropped event (total dropped: %d): type=%s", count, event.Type)
		}
	}
}

// DroppedCount returns the total number of events that have been dropped.
func (e *EventEmitter) DroppedCount() uint64 {
	return e.droppedCount.Load()
}

// Events returns a read-only channel of events.
func (e *EventEmitter) Events() <-chan Event {
	return e.events
}

// Close closes the events channel.
func (e *EventEmitter) Close() {
	close(e.events)
}
