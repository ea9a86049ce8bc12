package state

import (
	"encoding/json"
	"fmt"

	"github.com/ShayCichocki/crucible/pkg/models"
)

// SaveValidationReport stores a validation report keyed by task and
// attempt. Reports are immutable; re-saving the same attempt fails.
func (db *DB) SaveValidationReport(r *models.ValidationReport) error {
	checks, err := json.Marshal(r.Checks)
	if err != nil {
		return fmt.Errorf("marshal checks: %w", err)
	}

	_, err = db.Exec(`
		INSERT INTO validation_reports (task_id, attempt, checks, score, created_at)
		VALUES (?, ?, ?, ?, ?)
	`, r.TaskID, r.Attempt, string(checks), r.Score, formatTime(r.CreatedAt))
	if err != nil {
		return fmt.Errorf("save validation report: %w", err)
	}
	return nil
}

// ListValidationReports retrieves all reports for a task in attempt order.
func (db *DB) ListValidationReports(taskID string) ([]*models.ValidationReport, error) {
	rows, err := db.Query(`
		SELECT task_id, attempt, checks, score, created_at
		FROM validation_reports WHERE task_id = ? ORDER BY attempt
	`, taskID)
	if err != nil {
		return nil, fmt.Errorf("list validation reports: %w", err)
	}
	defer rows.Close()

	var reports []*models.ValidationReport
	for rows.Next() {
		var r models.ValidationReport
		var checks, createdAt string
		if err := rows.Scan(&r.TaskID, &r.Attempt, &checks, &r.Score, &createdAt); err != nil {
			return nil, fmt.Errorf("scan validation report: %w", err)
		}
		if err := json.Unmarshal([]byte(checks), &r.Checks); err != nil {
			return nil, fmt.Errorf("unmarshal checks: %w", err)
		}
		r.CreatedAt, _ = parseTime(createdAt)
		reports = append(reports, &r)
	}
	return reports, rows.Err()
}

// SaveRefinementAttempt records one refinement pass for a task.
func (db *DB) SaveRefinementAttempt(a *models.RefinementAttempt) error {
	_, err := db.Exec(`
		INSERT INTO refinement_attempts (task_id, attempt, strategy, input_score, output_score, outcome, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, a.TaskID, a.Attempt, a.Strategy, a.InputScore, a.OutputScore, string(a.Outcome), formatTime(a.CreatedAt))
	if err != nil {
		return fmt.Errorf("save refinement attempt: %w", err)
	}
	return nil
}

// ListRefinementAttempts retrieves all refinement attempts for a task
// in attempt order.
func (db *DB) ListRefinementAttempts(taskID string) ([]*models.RefinementAttempt, error) {
	rows, err := db.Query(`
		SELECT task_id, attempt, strategy, input_score, output_score, outcome, created_at
		FROM refinement_attempts WHERE task_id = ? ORDER BY attempt
	`, taskID)
	if err != nil {
		return nil, fmt.Errorf("list refinement attempts: %w", err)
	}
	defer rows.Close()

	var attempts []*models.RefinementAttempt
	for rows.Next() {
		var a models.RefinementAttempt
		var createdAt string
		if err := rows.Scan(&a.TaskID, &a.Attempt, &a.Strategy, &a.InputScore, &a.OutputScore, &a.Outcome, &createdAt); err != nil {
			return nil, fmt.Errorf("scan refinement attempt: %w", err)
		}
		a.CreatedAt, _ = parseTime(createdAt)
		attempts = append(attempts, &a)
	}
	return attempts, rows.Err()
}
