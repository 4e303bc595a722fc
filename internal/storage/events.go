package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// EventType identifies a kind of audit event distinct from the
// per-transaction summary row. Types exist for bundle loads, reloads,
// signature matches and transaction ends; the dispatcher records
// signature_matched (for each emitted log record) and
// transaction_ended, and nothing in this repository records the
// bundle or reload types.
type EventType string

const (
	EventBundleLoaded      EventType = "bundle_loaded"
	EventBundleLoadFailed  EventType = "bundle_load_failed"
	EventSnapshotReloaded  EventType = "snapshot_reloaded"
	EventSignatureMatched  EventType = "signature_matched"
	EventTransactionEnded  EventType = "transaction_ended"
)

// Event represents an immutable audit event.
type Event struct {
	ID            int64           `json:"id"`
	Timestamp     time.Time       `json:"timestamp"`
	Type          EventType       `json:"type"`
	TransactionID string          `json:"transaction_id"`
	Severity      string          `json:"severity,omitempty"`
	Data          json.RawMessage `json:"data"`
	CreatedAt     time.Time       `json:"created_at"`
}

// SignatureMatchedData is the event payload for a signature_matched
// event, mirroring verdict.LogRecord's identifying fields.
type SignatureMatchedData struct {
	ProtectionID   string `json:"protection_id"`
	Severity       string `json:"severity"`
	Performance    string `json:"performance"`
	Confidence     string `json:"confidence"`
	SignatureVersion string `json:"signature_version"`
}

// BundleLoadData is the event payload for bundle_loaded /
// bundle_load_failed events.
type BundleLoadData struct {
	SignatureCount int    `json:"signature_count"`
	ErrorCount     int    `json:"error_count"`
	Error          string `json:"error,omitempty"`
}

// ListEventsOptions filters an event listing.
type ListEventsOptions struct {
	Limit         int
	Offset        int
	TransactionID string
	Type          EventType
	Severity      string
	Since         *time.Time
	Until         *time.Time
}

// RecordEvent records an immutable audit event.
func (s *SQLiteStore) RecordEvent(ctx context.Context, eventType EventType, transactionID string, severity string, data interface{}) error {
	dataJSON, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("failed to marshal event data: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO events (timestamp, event_type, transaction_id, severity, data)
		VALUES (?, ?, ?, ?, ?)`,
		time.Now(), string(eventType), transactionID, severity, string(dataJSON),
	)
	if err != nil {
		return fmt.Errorf("failed to record event: %w", err)
	}
	return nil
}

// ListEvents retrieves events with filtering and pagination.
func (s *SQLiteStore) ListEvents(opts ListEventsOptions) ([]Event, error) {
	query := `
		SELECT id, timestamp, event_type, transaction_id, severity, data, created_at
		FROM events WHERE 1=1`
	args := []interface{}{}

	if opts.TransactionID != "" {
		query += " AND transaction_id = ?"
		args = append(args, opts.TransactionID)
	}
	if opts.Type != "" {
		query += " AND event_type = ?"
		args = append(args, string(opts.Type))
	}
	if opts.Severity != "" {
		query += " AND severity = ?"
		args = append(args, opts.Severity)
	}
	if opts.Since != nil {
		query += " AND timestamp >= ?"
		args = append(args, *opts.Since)
	}
	if opts.Until != nil {
		query += " AND timestamp <= ?"
		args = append(args, *opts.Until)
	}
	query += " ORDER BY timestamp DESC"
	if opts.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, opts.Limit)
	}
	if opts.Offset > 0 {
		query += " OFFSET ?"
		args = append(args, opts.Offset)
	}

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list events: %w", err)
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		var event Event
		var severity sql.NullString
		var dataStr string

		if err := rows.Scan(&event.ID, &event.Timestamp, &event.Type, &event.TransactionID,
			&severity, &dataStr, &event.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		if severity.Valid {
			event.Severity = severity.String
		}
		event.Data = json.RawMessage(dataStr)
		events = append(events, event)
	}
	return events, nil
}

// GetTransactionEvents retrieves all events recorded for a
// transaction id.
func (s *SQLiteStore) GetTransactionEvents(transactionID string) ([]Event, error) {
	return s.ListEvents(ListEventsOptions{TransactionID: transactionID})
}
