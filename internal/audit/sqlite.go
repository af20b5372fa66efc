package audit

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"

	"github.com/diagnostic-triage-engine/internal/domain"
)

// SQLiteStore implements Store using an embedded SQLite file.
type SQLiteStore struct {
	db     *sql.DB
	dbPath string
}

// NewSQLiteStore creates a new SQLite audit store.
// It creates the database file and schema if they don't exist.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create directory: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// SQLite allows one writer; a single connection serializes appends
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to set WAL mode: %w", err)
	}

	if err := createSchema(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create schema: %w", err)
	}

	return &SQLiteStore{
		db:     db,
		dbPath: dbPath,
	}, nil
}

func createSchema(db *sql.DB) error {
	schema := `
	CREATE TABLE IF NOT EXISTS triage_audit (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		request_id TEXT NOT NULL,
		state TEXT NOT NULL,
		tier TEXT NOT NULL DEFAULT '',
		score REAL NOT NULL DEFAULT 0,
		triggered_rules TEXT NOT NULL DEFAULT '[]',
		top_condition TEXT NOT NULL DEFAULT '',
		confidence REAL NOT NULL DEFAULT 0,
		error TEXT NOT NULL DEFAULT '',
		created_at DATETIME NOT NULL,
		recorded_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);

	CREATE INDEX IF NOT EXISTS idx_triage_audit_request_id ON triage_audit(request_id);
	CREATE INDEX IF NOT EXISTS idx_triage_audit_tier ON triage_audit(tier);

	CREATE TABLE IF NOT EXISTS triage_feedback (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		request_id TEXT NOT NULL,
		rating INTEGER NOT NULL CHECK (rating BETWEEN 1 AND 5),
		comment TEXT NOT NULL DEFAULT '',
		created_at DATETIME NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_triage_feedback_request_id ON triage_feedback(request_id);
	`

	_, err := db.Exec(schema)
	return err
}

// Record appends one audit record.
func (s *SQLiteStore) Record(ctx context.Context, record domain.AuditRecord) error {
	rules, err := encodeRules(record.TriggeredRules)
	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO triage_audit (
			request_id, state, tier, score, triggered_rules,
			top_condition, confidence, error, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		record.RequestID, string(record.State), string(record.Tier), record.Score, rules,
		record.TopCondition, record.Confidence, record.Error, record.CreatedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to insert audit record: %w", err)
	}
	return nil
}

// List returns records newest first with pagination.
func (s *SQLiteStore) List(ctx context.Context, limit, offset int) ([]domain.AuditRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT request_id, state, tier, score, triggered_rules,
			top_condition, confidence, error, created_at
		FROM triage_audit
		ORDER BY id DESC
		LIMIT ? OFFSET ?`, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list audit records: %w", err)
	}
	defer rows.Close()

	var result []domain.AuditRecord
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan row: %w", err)
		}
		result = append(result, rec)
	}
	return result, rows.Err()
}

// Count returns the total number of records.
func (s *SQLiteStore) Count(ctx context.Context) (int64, error) {
	var count int64
	err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM triage_audit").Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count audit records: %w", err)
	}
	return count, nil
}

// RecordFeedback stores a rating for a request the store has a record of.
func (s *SQLiteStore) RecordFeedback(ctx context.Context, feedback domain.Feedback) error {
	if err := feedback.Validate(); err != nil {
		return err
	}

	var known int64
	err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM triage_audit WHERE request_id = ?", feedback.RequestID).Scan(&known)
	if err != nil {
		return fmt.Errorf("failed to look up request: %w", err)
	}
	if known == 0 {
		return fmt.Errorf("%w %s", ErrUnknownRequest, feedback.RequestID)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO triage_feedback (request_id, rating, comment, created_at)
		VALUES (?, ?, ?, ?)`,
		feedback.RequestID, feedback.Rating, feedback.Comment, feedback.CreatedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to insert feedback: %w", err)
	}
	return nil
}

// ListFeedback returns feedback newest first, only for requestID unless it
// is empty.
func (s *SQLiteStore) ListFeedback(ctx context.Context, requestID string) ([]domain.Feedback, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT request_id, rating, comment, created_at
		FROM triage_feedback
		WHERE ? = '' OR request_id = ?
		ORDER BY id DESC`, requestID, requestID)
	if err != nil {
		return nil, fmt.Errorf("failed to list feedback: %w", err)
	}
	defer rows.Close()

	var result []domain.Feedback
	for rows.Next() {
		fb, err := scanFeedback(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan row: %w", err)
		}
		result = append(result, fb)
	}
	return result, rows.Err()
}

// Path returns the database file path.
func (s *SQLiteStore) Path() string {
	return s.dbPath
}

// Close closes the store and releases resources.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
