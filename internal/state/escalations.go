package state

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/ShayCichocki/crucible/pkg/models"
)

// ErrAlreadyResolved is returned when resolving an escalation that has
// already left the pending state.
var ErrAlreadyResolved = fmt.Errorf("escalation already resolved")

// CreateEscalation persists a new escalation request. The task must not
// already have one; escalations are one per task.
func (db *DB) CreateEscalation(e *models.EscalationRequest) error {
	_, err := db.Exec(`
		INSERT INTO escalations (id, task_id, reason, submitted_at, status, resolution, resolver_id, resolved_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, e.ID, e.TaskID, e.Reason, formatTime(e.SubmittedAt), string(e.Status),
		e.Resolution, e.ResolverID, nullableTime(e.ResolvedAt))
	if err != nil {
		return fmt.Errorf("create escalation: %w", err)
	}
	return nil
}

// GetEscalation retrieves the escalation for a task. Returns nil if not
// found.
func (db *DB) GetEscalation(taskID string) (*models.EscalationRequest, error) {
	row := db.QueryRow(`
		SELECT id, task_id, reason, submitted_at, status, resolution, resolver_id, resolved_at
		FROM escalations WHERE task_id = ?
	`, taskID)
	return scanEscalation(row.Scan)
}

// ListPendingEscalations retrieves all escalations awaiting a decision,
// oldest first.
func (db *DB) ListPendingEscalations() ([]*models.EscalationRequest, error) {
	rows, err := db.Query(`
		SELECT id, task_id, reason, submitted_at, status, resolution, resolver_id, resolved_at
		FROM escalations WHERE status = 'pending' ORDER BY submitted_at, id
	`)
	if err != nil {
		return nil, fmt.Errorf("list pending escalations: %w", err)
	}
	defer rows.Close()

	var out []*models.EscalationRequest
	for rows.Next() {
		e, err := scanEscalation(rows.Scan)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// ResolveEscalation moves a pending escalation to a terminal status.
// The guard on the current status makes resolution exactly-once: a
// second resolver gets ErrAlreadyResolved no matter what it decides.
func (db *DB) ResolveEscalation(taskID string, status models.EscalationStatus, resolution, resolverID string, resolvedAt time.Time) error {
	if !status.Terminal() {
		return fmt.Errorf("resolve escalation: %q is not a terminal status", status)
	}

	result, err := db.Exec(`
		UPDATE escalations SET status = ?, resolution = ?, resolver_id = ?, resolved_at = ?
		WHERE task_id = ? AND status = 'pending'
	`, string(status), resolution, resolverID, formatTime(resolvedAt), taskID)
	if err != nil {
		return fmt.Errorf("resolve escalation: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("resolve escalation: %w", err)
	}
	if affected == 0 {
		existing, err := db.GetEscalation(taskID)
		if err != nil {
			return err
		}
		if existing == nil {
			return fmt.Errorf("resolve escalation: task %q has no escalation", taskID)
		}
		return fmt.Errorf("task %q: %w", taskID, ErrAlreadyResolved)
	}
	return nil
}

// ExpirePendingEscalations marks pending escalations submitted before
// the cutoff as expired and returns them.
func (db *DB) ExpirePendingEscalations(cutoff time.Time, now time.Time) ([]*models.EscalationRequest, error) {
	var expired []*models.EscalationRequest

	pending, err := db.ListPendingEscalations()
	if err != nil {
		return nil, err
	}
	for _, e := range pending {
		if !e.SubmittedAt.Before(cutoff) {
			continue
		}
		err := db.ResolveEscalation(e.TaskID, models.EscalationExpired, "ttl elapsed", "system", now)
		if err != nil {
			// Lost the race to a human decision; that resolution wins.
			if errors.Is(err, ErrAlreadyResolved) {
				continue
			}
			return nil, err
		}
		e.Status = models.EscalationExpired
		e.Resolution = "ttl elapsed"
		e.ResolverID = "system"
		t := now
		e.ResolvedAt = &t
		expired = append(expired, e)
	}
	return expired, nil
}

func scanEscalation(scan func(...any) error) (*models.EscalationRequest, error) {
	var e models.EscalationRequest
	var submittedAt string
	var resolution, resolverID sql.NullString
	var resolvedAt sql.NullString
	err := scan(&e.ID, &e.TaskID, &e.Reason, &submittedAt, &e.Status, &resolution, &resolverID, &resolvedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan escalation: %w", err)
	}

	e.SubmittedAt, _ = parseTime(submittedAt)
	e.Resolution = resolution.String
	e.ResolverID = resolverID.String
	e.ResolvedAt = parseNullableTime(resolvedAt)
	return &e, nil
}
