package state

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/ShayCichocki/crucible/pkg/models"
)

// Task CRUD operations

// CreateTask inserts a new task.
func (db *DB) CreateTask(t *models.Task) error {
	dependsOn, err := json.Marshal(t.DependsOn)
	if err != nil {
		return fmt.Errorf("marshal depends_on: %w", err)
	}

	_, err = db.Exec(`
		INSERT INTO tasks (id, request_id, description, tier_hint, depends_on, tier, attempt_count, status, failure_reason, created_at, completed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, t.ID, t.RequestID, t.Description, t.TierHint, string(dependsOn), int(t.Tier),
		t.AttemptCount, string(t.Status), t.FailureReason, formatTime(t.CreatedAt), nullableTime(t.CompletedAt))
	if err != nil {
		return fmt.Errorf("create task: %w", err)
	}
	return nil
}

// GetTask retrieves a task by ID. Returns nil if not found.
func (db *DB) GetTask(id string) (*models.Task, error) {
	row := db.QueryRow(`
		SELECT id, request_id, description, tier_hint, depends_on, tier, attempt_count, status, failure_reason, created_at, completed_at
		FROM tasks WHERE id = ?
	`, id)
	return scanTask(row.Scan)
}

// UpdateTask updates a task's mutable fields.
func (db *DB) UpdateTask(t *models.Task) error {
	_, err := db.Exec(`
		UPDATE tasks SET tier = ?, attempt_count = ?, status = ?, failure_reason = ?, completed_at = ?
		WHERE id = ?
	`, int(t.Tier), t.AttemptCount, string(t.Status), t.FailureReason, nullableTime(t.CompletedAt), t.ID)
	if err != nil {
		return fmt.Errorf("update task: %w", err)
	}
	return nil
}

// ListTasksByRequest retrieves all tasks for a request, oldest first.
func (db *DB) ListTasksByRequest(requestID string) ([]*models.Task, error) {
	rows, err := db.Query(`
		SELECT id, request_id, description, tier_hint, depends_on, tier, attempt_count, status, failure_reason, created_at, completed_at
		FROM tasks WHERE request_id = ? ORDER BY created_at, id
	`, requestID)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	defer rows.Close()
	return collectTasks(rows)
}

// ListUnfinishedTasks retrieves tasks that have not reached a terminal
// state, for resuming an interrupted request.
func (db *DB) ListUnfinishedTasks(requestID string) ([]*models.Task, error) {
	rows, err := db.Query(`
		SELECT id, request_id, description, tier_hint, depends_on, tier, attempt_count, status, failure_reason, created_at, completed_at
		FROM tasks WHERE request_id = ? AND status NOT IN ('accepted', 'failed')
		ORDER BY created_at, id
	`, requestID)
	if err != nil {
		return nil, fmt.Errorf("list unfinished tasks: %w", err)
	}
	defer rows.Close()
	return collectTasks(rows)
}

func collectTasks(rows *sql.Rows) ([]*models.Task, error) {
	var tasks []*models.Task
	for rows.Next() {
		t, err := scanTask(rows.Scan)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}

func scanTask(scan func(...any) error) (*models.Task, error) {
	var t models.Task
	var dependsOn, createdAt string
	var tier int
	var completedAt sql.NullString
	err := scan(&t.ID, &t.RequestID, &t.Description, &t.TierHint, &dependsOn, &tier,
		&t.AttemptCount, &t.Status, &t.FailureReason, &createdAt, &completedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan task: %w", err)
	}

	t.Tier = models.Tier(tier)
	if dependsOn != "" {
		if err := json.Unmarshal([]byte(dependsOn), &t.DependsOn); err != nil {
			return nil, fmt.Errorf("unmarshal depends_on: %w", err)
		}
	}
	t.CreatedAt, _ = parseTime(createdAt)
	t.CompletedAt = parseNullableTime(completedAt)
	return &t, nil
}

// SaveArtifact stores the accepted artifact for a task, replacing any
// earlier attempt's artifact.
func (db *DB) SaveArtifact(a *models.Artifact) error {
	_, err := db.Exec(`
		INSERT INTO artifacts (task_id, content, provider, model)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(task_id) DO UPDATE SET content = excluded.content, provider = excluded.provider, model = excluded.model
	`, a.TaskID, a.Content, a.Provider, a.Model)
	if err != nil {
		return fmt.Errorf("save artifact: %w", err)
	}
	return nil
}

// GetArtifact retrieves the stored artifact for a task. Returns nil if
// not found.
func (db *DB) GetArtifact(taskID string) (*models.Artifact, error) {
	row := db.QueryRow(`
		SELECT task_id, content, provider, model FROM artifacts WHERE task_id = ?
	`, taskID)

	var a models.Artifact
	err := row.Scan(&a.TaskID, &a.Content, &a.Provider, &a.Model)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get artifact: %w", err)
	}
	return &a, nil
}

func nullableTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return formatTime(*t)
}
