package audit

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/lib/pq"

	"github.com/diagnostic-triage-engine/internal/domain"
)

// PostgresStore implements Store using PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL audit store.
// It expects the triage_audit table to already exist (created via migrations).
func NewPostgresStore(db *sql.DB) (*PostgresStore, error) {
	if db == nil {
		return nil, fmt.Errorf("database connection is required")
	}

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &PostgresStore{db: db}, nil
}

// NewPostgresStoreFromURL creates a new PostgreSQL audit store from a connection URL.
func NewPostgresStoreFromURL(databaseURL string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(5 * time.Minute)

	store, err := NewPostgresStore(db)
	if err != nil {
		db.Close()
		return nil, err
	}

	return store, nil
}

// Record appends one audit record.
func (s *PostgresStore) Record(ctx context.Context, record domain.AuditRecord) error {
	rules, err := encodeRules(record.TriggeredRules)
	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO triage_audit (
			request_id, state, tier, score, triggered_rules,
			top_condition, confidence, error, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		record.RequestID, string(record.State), string(record.Tier), record.Score, rules,
		record.TopCondition, record.Confidence, record.Error, record.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert audit record: %w", err)
	}
	return nil
}

// List returns records newest first with pagination.
func (s *PostgresStore) List(ctx context.Context, limit, offset int) ([]domain.AuditRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT request_id, state, tier, score, triggered_rules,
			top_condition, confidence, error, created_at
		FROM triage_audit
		ORDER BY id DESC
		LIMIT $1 OFFSET $2`, limit, offset)
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
func (s *PostgresStore) Count(ctx context.Context) (int64, error) {
	var count int64
	err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM triage_audit").Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count audit records: %w", err)
	}
	return count, nil
}

// RecordFeedback stores a rating for a request the store has a record of.
func (s *PostgresStore) RecordFeedback(ctx context.Context, feedback domain.Feedback) error {
	if err := feedback.Validate(); err != nil {
		return err
	}

	var known int64
	err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM triage_audit WHERE request_id = $1", feedback.RequestID).Scan(&known)
	if err != nil {
		return fmt.Errorf("failed to look up request: %w", err)
	}
	if known == 0 {
		return fmt.Errorf("%w %s", ErrUnknownRequest, feedback.RequestID)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO triage_feedback (request_id, rating, comment, created_at)
		VALUES ($1, $2, $3, $4)`,
		feedback.RequestID, feedback.Rating, feedback.Comment, feedback.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert feedback: %w", err)
	}
	return nil
}

// ListFeedback returns feedback newest first, only for requestID unless it
// is empty.
func (s *PostgresStore) ListFeedback(ctx context.Context, requestID string) ([]domain.Feedback, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT request_id, rating, comment, created_at
		FROM triage_feedback
		WHERE $1::text = '' OR request_id = $1
		ORDER BY id DESC`, requestID)
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

// Close closes the store and releases resources.
func (s *PostgresStore) Close() error {
	return s.db.Close()
}
