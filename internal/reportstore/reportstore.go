// Package reportstore archives execution reports in SQLite so run history
// survives restarts even when the run store is in-memory.
package reportstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/visionforge/visionforge/pkg/types"
)

// ErrReportNotFound is returned when no report exists for a run.
var ErrReportNotFound = errors.New("report not found")

// Summary is a single row in the report history listing.
type Summary struct {
	RunID      string          `json:"run_id"`
	Status     types.RunStatus `json:"status"`
	Model      string          `json:"model,omitempty"`
	Accuracy   *float64        `json:"accuracy,omitempty"`
	ExecutedAt time.Time       `json:"executedAt"`
}

// Store archives one report per run.
type Store struct {
	db *sql.DB
}

// Open opens (and if needed initializes) the report database at path.
// Use ":memory:" for an ephemeral store.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("open report db: %w", err)
	}

	schema := `
	CREATE TABLE IF NOT EXISTS reports (
		run_id TEXT PRIMARY KEY,
		status TEXT NOT NULL,
		model TEXT,
		accuracy REAL,
		report TEXT NOT NULL,
		executed_at DATETIME NOT NULL
	);
	`
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("init report schema: %w", err)
	}

	return &Store{db: db}, nil
}

// Save archives a report. Saving twice for the same run replaces the
// earlier row; the report is terminal either way.
func (s *Store) Save(ctx context.Context, report *types.ExecutionReport) error {
	reportJSON, err := json.Marshal(report)
	if err != nil {
		return fmt.Errorf("marshal report: %w", err)
	}

	var accuracy interface{}
	if report.Accuracy != nil {
		accuracy = *report.Accuracy
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO reports (run_id, status, model, accuracy, report, executed_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		report.RunID, string(report.Status), report.Model, accuracy, string(reportJSON), report.ExecutedAt)
	if err != nil {
		return fmt.Errorf("save report: %w", err)
	}
	return nil
}

// Get fetches the archived report for a run.
func (s *Store) Get(ctx context.Context, runID string) (*types.ExecutionReport, error) {
	var reportJSON string
	err := s.db.QueryRowContext(ctx,
		`SELECT report FROM reports WHERE run_id = ?`, runID).Scan(&reportJSON)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrReportNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get report: %w", err)
	}

	var report types.ExecutionReport
	if err := json.Unmarshal([]byte(reportJSON), &report); err != nil {
		return nil, fmt.Errorf("unmarshal report: %w", err)
	}
	return &report, nil
}

// List returns report summaries, newest first.
func (s *Store) List(ctx context.Context, limit, offset int) ([]Summary, error) {
	if limit <= 0 {
		limit = 50
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT run_id, status, model, accuracy, executed_at
		 FROM reports ORDER BY executed_at DESC LIMIT ? OFFSET ?`,
		limit, offset)
	if err != nil {
		return nil, fmt.Errorf("list reports: %w", err)
	}
	defer rows.Close()

	var summaries []Summary
	for rows.Next() {
		var s Summary
		var model sql.NullString
		var accuracy sql.NullFloat64
		if err := rows.Scan(&s.RunID, &s.Status, &model, &accuracy, &s.ExecutedAt); err != nil {
			return nil, fmt.Errorf("scan report: %w", err)
		}
		s.Model = model.String
		if accuracy.Valid {
			a := accuracy.Float64
			s.Accuracy = &a
		}
		summaries = append(summaries, s)
	}
	return summaries, rows.Err()
}

// Close releases the database handle.
func (s *Store) Close() error {
	return s.db.Close()
}
