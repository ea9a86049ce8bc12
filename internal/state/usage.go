package state

import (
	"fmt"
	"time"
)

// UsageEntry is one provider call recorded in the usage ledger. Token
// counts are int64 to match what providers report.
type UsageEntry struct {
	TaskID     string    `json:"task_id"`
	Provider   string    `json:"provider"`
	Model      string    `json:"model"`
	TokensIn   int64     `json:"tokens_in"`
	TokensOut  int64     `json:"tokens_out"`
	Cost       float64   `json:"cost"`
	RecordedAt time.Time `json:"recorded_at"`
}

// UsageSummary aggregates ledger entries per provider.
type UsageSummary struct {
	Provider  string  `json:"provider"`
	Calls     int     `json:"calls"`
	TokensIn  int64   `json:"tokens_in"`
	TokensOut int64   `json:"tokens_out"`
	Cost      float64 `json:"cost"`
}

// RecordUsage appends an entry to the usage ledger.
func (db *DB) RecordUsage(e *UsageEntry) error {
	_, err := db.Exec(`
		INSERT INTO usage_ledger (task_id, provider, model, tokens_in, tokens_out, cost, recorded_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, e.TaskID, e.Provider, e.Model, e.TokensIn, e.TokensOut, e.Cost, formatTime(e.RecordedAt))
	if err != nil {
		return fmt.Errorf("record usage: %w", err)
	}
	return nil
}

// SummarizeUsage aggregates the ledger per provider.
func (db *DB) SummarizeUsage() ([]UsageSummary, error) {
	rows, err := db.Query(`
		SELECT provider, COUNT(*), SUM(tokens_in), SUM(tokens_out), SUM(cost)
		FROM usage_ledger GROUP BY provider ORDER BY provider
	`)
	if err != nil {
		return nil, fmt.Errorf("summarize usage: %w", err)
	}
	defer rows.Close()

	var out []UsageSummary
	for rows.Next() {
		var s UsageSummary
		if err := rows.Scan(&s.Provider, &s.Calls, &s.TokensIn, &s.TokensOut, &s.Cost); err != nil {
			return nil, fmt.Errorf("scan usage summary: %w", err)
		}
		out = append(out, s)
	}
	return out, rows.Err()
}
