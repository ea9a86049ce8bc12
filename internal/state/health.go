package state

import (
	"database/sql"
	"fmt"
	"time"
)

// ProviderHealthRecord is the persisted snapshot of a provider circuit
// breaker, written at the end of a run so the next process and the
// status command can see recent provider trouble.
type ProviderHealthRecord struct {
	Provider            string     `json:"provider"`
	State               string     `json:"state"`
	ConsecutiveFailures int        `json:"consecutive_failures"`
	OpenedAt            *time.Time `json:"opened_at,omitempty"`
	UpdatedAt           time.Time  `json:"updated_at"`
}

// SaveProviderHealth upserts a provider health snapshot.
func (db *DB) SaveProviderHealth(r *ProviderHealthRecord) error {
	_, err := db.Exec(`
		INSERT INTO provider_health (provider, state, consecutive_failures, opened_at, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(provider) DO UPDATE SET
			state = excluded.state,
			consecutive_failures = excluded.consecutive_failures,
			opened_at = excluded.opened_at,
			updated_at = excluded.updated_at
	`, r.Provider, r.State, r.ConsecutiveFailures, nullableTime(r.OpenedAt), formatTime(r.UpdatedAt))
	if err != nil {
		return fmt.Errorf("save provider health: %w", err)
	}
	return nil
}

// ListProviderHealth returns the stored snapshots, ordered by provider.
func (db *DB) ListProviderHealth() ([]*ProviderHealthRecord, error) {
	rows, err := db.Query(`
		SELECT provider, state, consecutive_failures, opened_at, updated_at
		FROM provider_health
		ORDER BY provider
	`)
	if err != nil {
		return nil, fmt.Errorf("list provider health: %w", err)
	}
	defer rows.Close()

	var records []*ProviderHealthRecord
	for rows.Next() {
		r := &ProviderHealthRecord{}
		var openedAt sql.NullString
		var updatedAt string
		if err := rows.Scan(&r.Provider, &r.State, &r.ConsecutiveFailures, &openedAt, &updatedAt); err != nil {
			return nil, fmt.Errorf("scan provider health: %w", err)
		}
		r.OpenedAt = parseNullableTime(openedAt)
		if r.UpdatedAt, err = parseTime(updatedAt); err != nil {
			return nil, fmt.Errorf("parse provider health time: %w", err)
		}
		records = append(records, r)
	}
	return records, rows.Err()
}
