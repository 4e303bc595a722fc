// Package storage persists an audit trail of transaction verdicts and
// log records so an operator can query history past what eventstream
// holds in memory.
//
// Grounded on SQLiteStore's WAL-mode-plus-migrate startup sequence and
// its table/index layout; the session/voice-session/TTS record tables
// are replaced by a single transactions table keyed on the matching
// domain's transaction id and final verdict.
package storage

import (
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	_ "modernc.org/sqlite"
)

// TransactionRecord is one completed transaction's audit summary: its
// final verdict plus the number of log records matched signatures
// emitted along the way (the records themselves are not stored here).
type TransactionRecord struct {
	ID         string    `json:"id"`
	StartTime  time.Time `json:"start_time"`
	EndTime    time.Time `json:"end_time"`
	Verdict    string    `json:"verdict"`
	PracticeID string    `json:"practice_id"`
	SourceIP   string    `json:"source_ip"`
	Host       string    `json:"host"`
	LogCount   int       `json:"log_count"`
}

// SQLiteStore provides persistent storage for the verdict audit trail.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (creating if necessary) a WAL-mode SQLite
// database at dbPath and runs migrations.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	store := &SQLiteStore{db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	slog.Info("SQLite storage initialized", "path", dbPath)
	return store, nil
}

func (s *SQLiteStore) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS transactions (
		id TEXT PRIMARY KEY,
		start_time DATETIME NOT NULL,
		end_time DATETIME NOT NULL,
		verdict TEXT NOT NULL,
		practice_id TEXT NOT NULL,
		source_ip TEXT,
		host TEXT,
		log_count INTEGER NOT NULL DEFAULT 0,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);

	CREATE INDEX IF NOT EXISTS idx_transactions_start_time ON transactions(start_time);
	CREATE INDEX IF NOT EXISTS idx_transactions_verdict ON transactions(verdict);
	CREATE INDEX IF NOT EXISTS idx_transactions_practice ON transactions(practice_id);

	CREATE TABLE IF NOT EXISTS events (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		timestamp DATETIME NOT NULL,
		event_type TEXT NOT NULL,
		transaction_id TEXT NOT NULL,
		severity TEXT,
		data TEXT,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);

	CREATE INDEX IF NOT EXISTS idx_events_transaction ON events(transaction_id);
	CREATE INDEX IF NOT EXISTS idx_events_type ON events(event_type);
	CREATE INDEX IF NOT EXISTS idx_events_timestamp ON events(timestamp);
	`
	_, err := s.db.Exec(schema)
	return err
}

// SaveTransaction records a completed transaction's summary.
func (s *SQLiteStore) SaveTransaction(rec TransactionRecord) error {
	_, err := s.db.Exec(`
		INSERT OR REPLACE INTO transactions
		(id, start_time, end_time, verdict, practice_id, source_ip, host, log_count)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.StartTime, rec.EndTime, rec.Verdict, rec.PracticeID,
		rec.SourceIP, rec.Host, rec.LogCount,
	)
	if err != nil {
		return fmt.Errorf("failed to save transaction: %w", err)
	}
	return nil
}

// GetTransaction retrieves a transaction record by id.
func (s *SQLiteStore) GetTransaction(id string) (*TransactionRecord, error) {
	row := s.db.QueryRow(`
		SELECT id, start_time, end_time, verdict, practice_id, source_ip, host, log_count
		FROM transactions WHERE id = ?`, id)

	var rec TransactionRecord
	var sourceIP, host sql.NullString
	err := row.Scan(&rec.ID, &rec.StartTime, &rec.EndTime, &rec.Verdict,
		&rec.PracticeID, &sourceIP, &host, &rec.LogCount)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get transaction: %w", err)
	}
	rec.SourceIP = sourceIP.String
	rec.Host = host.String
	return &rec, nil
}

// ListTransactionsOptions filters a transaction listing.
type ListTransactionsOptions struct {
	Limit      int
	Offset     int
	Verdict    string
	PracticeID string
	Since      *time.Time
}

// ListTransactions retrieves transaction records with filtering and
// pagination, most recent first.
func (s *SQLiteStore) ListTransactions(opts ListTransactionsOptions) ([]TransactionRecord, error) {
	query := `
		SELECT id, start_time, end_time, verdict, practice_id, source_ip, host, log_count
		FROM transactions WHERE 1=1`
	args := []interface{}{}

	if opts.Verdict != "" {
		query += " AND verdict = ?"
		args = append(args, opts.Verdict)
	}
	if opts.PracticeID != "" {
		query += " AND practice_id = ?"
		args = append(args, opts.PracticeID)
	}
	if opts.Since != nil {
		query += " AND start_time >= ?"
		args = append(args, *opts.Since)
	}
	query += " ORDER BY start_time DESC"
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
		return nil, fmt.Errorf("failed to list transactions: %w", err)
	}
	defer rows.Close()

	var out []TransactionRecord
	for rows.Next() {
		var rec TransactionRecord
		var sourceIP, host sql.NullString
		if err := rows.Scan(&rec.ID, &rec.StartTime, &rec.EndTime, &rec.Verdict,
			&rec.PracticeID, &sourceIP, &host, &rec.LogCount); err != nil {
			return nil, fmt.Errorf("failed to scan transaction: %w", err)
		}
		rec.SourceIP = sourceIP.String
		rec.Host = host.String
		out = append(out, rec)
	}
	return out, nil
}

// Stats summarizes verdict counts since an optional cutoff.
type Stats struct {
	Total         int64            `json:"total"`
	ByVerdict     map[string]int64 `json:"by_verdict"`
	ByPracticeID  map[string]int64 `json:"by_practice_id"`
}

// GetStats computes aggregate transaction statistics.
func (s *SQLiteStore) GetStats(since *time.Time) (*Stats, error) {
	stats := &Stats{ByVerdict: map[string]int64{}, ByPracticeID: map[string]int64{}}

	where := "WHERE 1=1"
	args := []interface{}{}
	if since != nil {
		where += " AND start_time >= ?"
		args = append(args, *since)
	}

	row := s.db.QueryRow(fmt.Sprintf(`SELECT COUNT(*) FROM transactions %s`, where), args...)
	if err := row.Scan(&stats.Total); err != nil {
		return nil, fmt.Errorf("failed to get total: %w", err)
	}

	rows, err := s.db.Query(fmt.Sprintf(`SELECT verdict, COUNT(*) FROM transactions %s GROUP BY verdict`, where), args...)
	if err != nil {
		return nil, fmt.Errorf("failed to get verdict breakdown: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var verdict string
		var count int64
		if err := rows.Scan(&verdict, &count); err != nil {
			return nil, err
		}
		stats.ByVerdict[verdict] = count
	}

	rows, err = s.db.Query(fmt.Sprintf(`SELECT practice_id, COUNT(*) FROM transactions %s GROUP BY practice_id`, where), args...)
	if err != nil {
		return nil, fmt.Errorf("failed to get practice breakdown: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var practiceID string
		var count int64
		if err := rows.Scan(&practiceID, &count); err != nil {
			return nil, err
		}
		stats.ByPracticeID[practiceID] = count
	}

	return stats, nil
}

// Cleanup removes transaction and event rows older than retentionDays.
func (s *SQLiteStore) Cleanup(retentionDays int) (int64, error) {
	cutoff := time.Now().AddDate(0, 0, -retentionDays)
	result, err := s.db.Exec("DELETE FROM transactions WHERE start_time < ?", cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to cleanup old transactions: %w", err)
	}
	deleted, _ := result.RowsAffected()

	if _, err := s.db.Exec("DELETE FROM events WHERE timestamp < ?", cutoff); err != nil {
		return deleted, fmt.Errorf("failed to cleanup old events: %w", err)
	}
	return deleted, nil
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
