package state

import (
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/ShayCichocki/crucible/pkg/models"
)

// ErrHeadMoved is returned when a branch-head compare-and-swap loses.
var ErrHeadMoved = fmt.Errorf("branch head moved")

// SaveVersion inserts a capsule version. Versions are append-only; an
// existing ID is an error.
func (db *DB) SaveVersion(v *models.CapsuleVersion) error {
	parents, err := json.Marshal(v.ParentIDs)
	if err != nil {
		return fmt.Errorf("marshal parent_ids: %w", err)
	}
	tags, err := json.Marshal(v.Tags)
	if err != nil {
		return fmt.Errorf("marshal tags: %w", err)
	}

	_, err = db.Exec(`
		INSERT INTO capsule_versions (id, parent_ids, branch, tags, artifact_ref, author, message, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, v.ID, string(parents), v.Branch, string(tags), v.ArtifactRef, v.Author, v.Message, formatTime(v.CreatedAt))
	if err != nil {
		return fmt.Errorf("save version: %w", err)
	}
	return nil
}

// GetVersion retrieves a capsule version by ID. Returns nil if not found.
func (db *DB) GetVersion(id string) (*models.CapsuleVersion, error) {
	row := db.QueryRow(`
		SELECT id, parent_ids, branch, tags, artifact_ref, author, message, created_at
		FROM capsule_versions WHERE id = ?
	`, id)

	var v models.CapsuleVersion
	var parents, tags, createdAt string
	err := row.Scan(&v.ID, &parents, &v.Branch, &tags, &v.ArtifactRef, &v.Author, &v.Message, &createdAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get version: %w", err)
	}

	if err := json.Unmarshal([]byte(parents), &v.ParentIDs); err != nil {
		return nil, fmt.Errorf("unmarshal parent_ids: %w", err)
	}
	if err := json.Unmarshal([]byte(tags), &v.Tags); err != nil {
		return nil, fmt.Errorf("unmarshal tags: %w", err)
	}
	v.CreatedAt, _ = parseTime(createdAt)
	return &v, nil
}

// ListVersionsByBranch retrieves all versions committed on a branch,
// oldest first.
func (db *DB) ListVersionsByBranch(branch string) ([]*models.CapsuleVersion, error) {
	rows, err := db.Query(`
		SELECT id, parent_ids, branch, tags, artifact_ref, author, message, created_at
		FROM capsule_versions WHERE branch = ? ORDER BY created_at, id
	`, branch)
	if err != nil {
		return nil, fmt.Errorf("list versions: %w", err)
	}
	defer rows.Close()

	var out []*models.CapsuleVersion
	for rows.Next() {
		var v models.CapsuleVersion
		var parents, tags, createdAt string
		if err := rows.Scan(&v.ID, &parents, &v.Branch, &tags, &v.ArtifactRef, &v.Author, &v.Message, &createdAt); err != nil {
			return nil, fmt.Errorf("scan version: %w", err)
		}
		if err := json.Unmarshal([]byte(parents), &v.ParentIDs); err != nil {
			return nil, fmt.Errorf("unmarshal parent_ids: %w", err)
		}
		if err := json.Unmarshal([]byte(tags), &v.Tags); err != nil {
			return nil, fmt.Errorf("unmarshal tags: %w", err)
		}
		v.CreatedAt, _ = parseTime(createdAt)
		out = append(out, &v)
	}
	return out, rows.Err()
}

// GetBranchHead returns the head version ID of a branch, or "" if the
// branch does not exist.
func (db *DB) GetBranchHead(branch string) (string, error) {
	row := db.QueryRow(`SELECT head FROM branch_heads WHERE branch = ?`, branch)
	var head string
	err := row.Scan(&head)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("get branch head: %w", err)
	}
	return head, nil
}

// SwapBranchHead advances a branch head from expected to next. An empty
// expected head creates the branch. A mismatch returns ErrHeadMoved and
// leaves the head untouched; the caller re-reads and retries.
func (db *DB) SwapBranchHead(branch, expected, next string) error {
	var result sql.Result
	var err error
	if expected == "" {
		result, err = db.Exec(`
			INSERT INTO branch_heads (branch, head) VALUES (?, ?)
			ON CONFLICT(branch) DO NOTHING
		`, branch, next)
	} else {
		result, err = db.Exec(`
			UPDATE branch_heads SET head = ? WHERE branch = ? AND head = ?
		`, next, branch, expected)
	}
	if err != nil {
		return fmt.Errorf("swap branch head: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("swap branch head: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("branch %q: %w", branch, ErrHeadMoved)
	}
	return nil
}

// ListBranchHeads returns every branch with its head version ID.
func (db *DB) ListBranchHeads() (map[string]string, error) {
	rows, err := db.Query(`SELECT branch, head FROM branch_heads`)
	if err != nil {
		return nil, fmt.Errorf("list branch heads: %w", err)
	}
	defer rows.Close()

	heads := make(map[string]string)
	for rows.Next() {
		var branch, head string
		if err := rows.Scan(&branch, &head); err != nil {
			return nil, fmt.Errorf("scan branch head: %w", err)
		}
		heads[branch] = head
	}
	return heads, rows.Err()
}
