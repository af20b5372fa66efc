// Package audit stores an append-only trail of triage outcomes. The engine
// writes records through domain.AuditSink and never reads them back; the
// read methods exist for operators exporting the trail.
package audit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/diagnostic-triage-engine/internal/domain"
)

// Store is a durable audit sink.
type Store interface {
	domain.AuditSink

	// List returns records newest first with pagination.
	List(ctx context.Context, limit, offset int) ([]domain.AuditRecord, error)

	// Count returns the total number of records.
	Count(ctx context.Context) (int64, error)

	// RecordFeedback stores a rating for a request the store has a record of.
	RecordFeedback(ctx context.Context, feedback domain.Feedback) error

	// ListFeedback returns feedback newest first, only for requestID unless
	// it is empty.
	ListFeedback(ctx context.Context, requestID string) ([]domain.Feedback, error)

	// Close closes the store and releases resources.
	Close() error
}

var (
	// ErrUnknownRequest is returned for feedback on a request with no audit record.
	ErrUnknownRequest = errors.New("no audit record for request")

	// ErrFeedbackDisabled is returned by stores that keep no records.
	ErrFeedbackDisabled = errors.New("feedback requires an audit store")
)

// Export is the JSON export format of the audit trail.
type Export struct {
	Version    string               `json:"version"`
	ExportedAt time.Time            `json:"exported_at"`
	Count      int                  `json:"count"`
	Records    []domain.AuditRecord `json:"records"`
}

const maxExportLimit = 1000000

// ExportJSON writes every record of the store to writer.
func ExportJSON(ctx context.Context, store Store, writer io.Writer) error {
	all, err := store.List(ctx, maxExportLimit, 0)
	if err != nil {
		return fmt.Errorf("failed to list audit records: %w", err)
	}
	if all == nil {
		all = []domain.AuditRecord{}
	}

	encoder := json.NewEncoder(writer)
	encoder.SetIndent("", "  ")
	return encoder.Encode(&Export{
		Version:    "1.0",
		ExportedAt: time.Now().UTC(),
		Count:      len(all),
		Records:    all,
	})
}

// Nop discards every record.
type Nop struct{}

func (Nop) Record(context.Context, domain.AuditRecord) error { return nil }

func (Nop) List(context.Context, int, int) ([]domain.AuditRecord, error) { return nil, nil }

func (Nop) Count(context.Context) (int64, error) { return 0, nil }

func (Nop) RecordFeedback(context.Context, domain.Feedback) error { return ErrFeedbackDisabled }

func (Nop) ListFeedback(context.Context, string) ([]domain.Feedback, error) { return nil, nil }

func (Nop) Close() error { return nil }

// Open builds the store selected by config.Driver.
func Open(config domain.AuditConfig) (Store, error) {
	switch config.Driver {
	case "", "none":
		return Nop{}, nil
	case "sqlite":
		if config.Path == "" {
			return nil, fmt.Errorf("audit.path is required for the sqlite driver")
		}
		return NewSQLiteStore(config.Path)
	case "postgres":
		if config.URL == "" {
			return nil, fmt.Errorf("audit.url is required for the postgres driver")
		}
		return NewPostgresStoreFromURL(config.URL)
	default:
		return nil, fmt.Errorf("unknown audit driver %q", config.Driver)
	}
}

func encodeRules(ids []string) (string, error) {
	if ids == nil {
		ids = []string{}
	}
	data, err := json.Marshal(ids)
	if err != nil {
		return "", fmt.Errorf("failed to encode triggered rules: %w", err)
	}
	return string(data), nil
}

// scanner is an interface for sql.Row and sql.Rows
type scanner interface {
	Scan(dest ...interface{}) error
}

func scanRecord(s scanner) (domain.AuditRecord, error) {
	var rec domain.AuditRecord
	var state, tier, rules string

	if err := s.Scan(
		&rec.RequestID, &state, &tier, &rec.Score, &rules,
		&rec.TopCondition, &rec.Confidence, &rec.Error, &rec.CreatedAt,
	); err != nil {
		return rec, err
	}

	rec.State = domain.PipelineState(state)
	rec.Tier = domain.UrgencyTier(tier)
	if err := json.Unmarshal([]byte(rules), &rec.TriggeredRules); err != nil {
		return rec, fmt.Errorf("failed to decode triggered rules: %w", err)
	}
	return rec, nil
}

func scanFeedback(s scanner) (domain.Feedback, error) {
	var fb domain.Feedback
	err := s.Scan(&fb.RequestID, &fb.Rating, &fb.Comment, &fb.CreatedAt)
	return fb, err
}
