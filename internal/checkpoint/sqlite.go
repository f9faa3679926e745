package checkpoint

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	_ "modernc.org/sqlite"
)

// ErrClosed is returned by every operation after Close
var ErrClosed = errors.New("ledger store is closed")

// SQLiteStore implements Store using SQLite
type SQLiteStore struct {
	db      *sql.DB
	runID   string
	closed  atomic.Bool
	writeMu sync.Mutex
}

// NewSQLiteStore opens (or creates) the ledger at dbPath. Rows written
// through the store are stamped with runID.
func NewSQLiteStore(dbPath, runID string) (*SQLiteStore, error) {
	dsn := fmt.Sprintf("%s?_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=busy_timeout(60000)", dbPath)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(8)
	db.SetMaxIdleConns(4)
	db.SetConnMaxLifetime(10 * time.Minute)

	store := &SQLiteStore{db: db, runID: runID}
	if err := store.createTables(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}

	return store, nil
}

// RunID returns the id stamped on rows written by this store
func (s *SQLiteStore) RunID() string {
	return s.runID
}

func (s *SQLiteStore) createTables() error {
	query := `
	CREATE TABLE IF NOT EXISTS transfers (
		direction TEXT NOT NULL,
		relative_path TEXT NOT NULL,
		file_name TEXT NOT NULL,
		size INTEGER NOT NULL,
		status TEXT NOT NULL,
		attempts INTEGER DEFAULT 0,
		last_error TEXT,
		run_id TEXT NOT NULL,
		updated_at DATETIME NOT NULL,
		PRIMARY KEY (direction, relative_path)
	);

	CREATE INDEX IF NOT EXISTS idx_transfers_status ON transfers(direction, status);
	`

	_, err := s.db.Exec(query)
	return err
}

// GetTransfer returns the ledger row, or nil when the file was never recorded
func (s *SQLiteStore) GetTransfer(direction, relativePath string) (*TransferRecord, error) {
	if s.closed.Load() {
		return nil, ErrClosed
	}

	var result *TransferRecord
	err := s.retryOnBusy(func() error {
		var err error
		result, err = s.getTransferInternal(direction, relativePath)
		return err
	})
	return result, err
}

func (s *SQLiteStore) getTransferInternal(direction, relativePath string) (*TransferRecord, error) {
	query := `
	SELECT direction, relative_path, file_name, size, status, attempts, last_error, run_id, updated_at
	FROM transfers WHERE direction = ? AND relative_path = ?
	`

	record, err := scanRecord(s.db.QueryRow(query, direction, relativePath))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return record, err
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(row scanner) (*TransferRecord, error) {
	var record TransferRecord
	var lastError sql.NullString

	err := row.Scan(
		&record.Direction,
		&record.RelativePath,
		&record.FileName,
		&record.Size,
		&record.Status,
		&record.Attempts,
		&lastError,
		&record.RunID,
		&record.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if lastError.Valid {
		record.LastError = lastError.String
	}
	return &record, nil
}

// SaveTransfer upserts a row. Attempts counts the saves of a finished
// status, so a file retried three times shows three attempts.
func (s *SQLiteStore) SaveTransfer(record *TransferRecord) error {
	if s.closed.Load() {
		return ErrClosed
	}

	// Serialize writes to avoid SQLITE_BUSY from multiple concurrent writers
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	return s.retryOnBusy(func() error {
		return s.saveTransferWithTransaction(record)
	})
}

func (s *SQLiteStore) saveTransferWithTransaction(record *TransferRecord) error {
	record.UpdatedAt = time.Now().UTC()
	if record.RunID == "" {
		record.RunID = s.runID
	}
	increment := 0
	if record.Status != StatusRunning {
		increment = 1
	}

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	query := `
	INSERT INTO transfers
	(direction, relative_path, file_name, size, status, attempts, last_error, run_id, updated_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(direction, relative_path) DO UPDATE SET
		file_name = excluded.file_name,
		size = excluded.size,
		status = excluded.status,
		attempts = transfers.attempts + ?,
		last_error = excluded.last_error,
		run_id = excluded.run_id,
		updated_at = excluded.updated_at
	`

	_, err = tx.Exec(query,
		record.Direction,
		record.RelativePath,
		record.FileName,
		record.Size,
		record.Status,
		increment,
		record.LastError,
		record.RunID,
		record.UpdatedAt,
		increment,
	)
	if err != nil {
		return fmt.Errorf("failed to execute upsert: %w", err)
	}

	return tx.Commit()
}

// retryOnBusy retries the operation if SQLite is busy
func (s *SQLiteStore) retryOnBusy(operation func() error) error {
	maxRetries := 8
	baseDelay := 25 * time.Millisecond

	var err error
	for attempt := 0; attempt < maxRetries; attempt++ {
		err = operation()
		if err == nil || !isSQLiteBusyError(err) {
			return err
		}
		delay := baseDelay * time.Duration(1<<uint(attempt))
		jitter := time.Duration(attempt*10) * time.Millisecond
		time.Sleep(delay + jitter)
	}
	return err
}

// isSQLiteBusyError checks if the error is a SQLite busy error
func isSQLiteBusyError(err error) bool {
	if err == nil {
		return false
	}
	errorStr := err.Error()
	return strings.Contains(errorStr, "database is locked") ||
		strings.Contains(errorStr, "SQLITE_BUSY")
}

// ListByStatus returns the rows of a direction in a given status, oldest first
func (s *SQLiteStore) ListByStatus(direction string, status TransferStatus) ([]*TransferRecord, error) {
	if s.closed.Load() {
		return nil, ErrClosed
	}

	query := `
	SELECT direction, relative_path, file_name, size, status, attempts, last_error, run_id, updated_at
	FROM transfers WHERE direction = ? AND status = ?
	ORDER BY updated_at ASC, relative_path ASC
	`

	rows, err := s.db.Query(query, direction, status)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []*TransferRecord
	for rows.Next() {
		record, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, record)
	}

	return records, rows.Err()
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	if s.closed.Swap(true) {
		return nil
	}
	return s.db.Close()
}
