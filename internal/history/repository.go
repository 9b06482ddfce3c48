// Package history provides the SQLite audit log of validation outcomes.
// Every validation run gets one row; rows are pruned by age, never updated.
package history

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Record is one audited validation outcome
type Record struct {
	ID         string    `json:"id"`
	Symbol     string    `json:"symbol"`
	Outcome    string    `json:"outcome"` // validated, revalidated, invalid, stale_served
	Attempts   int       `json:"attempts"`
	DurationMS int64     `json:"duration_ms"`
	Error      string    `json:"error,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}

// Repository provides audit log operations
type Repository struct {
	db *sql.DB
}

// NewRepository creates a new audit repository
func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db}
}

// Migrate creates the audit table when missing
func (r *Repository) Migrate() error {
	_, err := r.db.Exec(`
		CREATE TABLE IF NOT EXISTS validation_history (
			id          TEXT PRIMARY KEY,
			symbol      TEXT NOT NULL,
			outcome     TEXT NOT NULL,
			attempts    INTEGER NOT NULL DEFAULT 0,
			duration_ms INTEGER NOT NULL DEFAULT 0,
			error       TEXT NOT NULL DEFAULT '',
			created_at  INTEGER NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_validation_history_symbol
			ON validation_history(symbol, created_at);
		CREATE INDEX IF NOT EXISTS idx_validation_history_created
			ON validation_history(created_at);
	`)
	if err != nil {
		return fmt.Errorf("failed to migrate validation history: %w", err)
	}
	return nil
}

// RecordOutcome inserts one audit row with a fresh run ID.
// Implements the orchestrator's audit hook.
func (r *Repository) RecordOutcome(ctx context.Context, symbol, outcome string, attempts int, duration time.Duration, errMsg string) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO validation_history (id, symbol, outcome, attempts, duration_ms, error, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		uuid.New().String(), symbol, outcome, attempts, duration.Milliseconds(), errMsg, time.Now().Unix(),
	)
	if err != nil {
		return fmt.Errorf("failed to record validation outcome: %w", err)
	}
	return nil
}

// Recent returns the newest rows, newest first
func (r *Repository) Recent(ctx context.Context, limit int) ([]Record, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, symbol, outcome, attempts, duration_ms, error, created_at
		FROM validation_history
		ORDER BY created_at DESC, id
		LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query validation history: %w", err)
	}
	defer rows.Close()
	return scanRecords(rows)
}

// RecentForSymbol returns the newest rows for one symbol, newest first
func (r *Repository) RecentForSymbol(ctx context.Context, symbol string, limit int) ([]Record, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, symbol, outcome, attempts, duration_ms, error, created_at
		FROM validation_history
		WHERE symbol = ?
		ORDER BY created_at DESC, id
		LIMIT ?`, symbol, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query validation history for %s: %w", symbol, err)
	}
	defer rows.Close()
	return scanRecords(rows)
}

// PruneOlderThan deletes rows older than the cutoff and returns the count
func (r *Repository) PruneOlderThan(ctx context.Context, age time.Duration) (int64, error) {
	cutoff := time.Now().Add(-age).Unix()
	res, err := r.db.ExecContext(ctx,
		"DELETE FROM validation_history WHERE created_at < ?", cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to prune validation history: %w", err)
	}
	deleted, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to count pruned rows: %w", err)
	}
	return deleted, nil
}

func scanRecords(rows *sql.Rows) ([]Record, error) {
	var out []Record
	for rows.Next() {
		var rec Record
		var createdAt int64
		if err := rows.Scan(&rec.ID, &rec.Symbol, &rec.Outcome, &rec.Attempts, &rec.DurationMS, &rec.Error, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan validation history row: %w", err)
		}
		rec.CreatedAt = time.Unix(createdAt, 0).UTC()
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read validation history rows: %w", err)
	}
	return out, nil
}
