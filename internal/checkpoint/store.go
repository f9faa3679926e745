// Package checkpoint keeps a ledger of transfer outcomes across runs so a
// later run can skip files that already made it.
package checkpoint

import (
	"time"
)

// TransferStatus is the last known state of a file's transfer
type TransferStatus string

const (
	StatusRunning   TransferStatus = "running"
	StatusSucceeded TransferStatus = "success"
	StatusFailed    TransferStatus = "failed"
)

// TransferRecord is one ledger row, keyed by direction and relative path
type TransferRecord struct {
	Direction    string         `json:"direction"`
	RelativePath string         `json:"relative_path"`
	FileName     string         `json:"file_name"`
	Size         int64          `json:"size"`
	Status       TransferStatus `json:"status"`
	Attempts     int            `json:"attempts"`
	LastError    string         `json:"last_error,omitempty"`
	RunID        string         `json:"run_id"`
	UpdatedAt    time.Time      `json:"updated_at"`
}

// Store defines the interface for ledger persistence
type Store interface {
	GetTransfer(direction, relativePath string) (*TransferRecord, error)
	SaveTransfer(record *TransferRecord) error
	ListByStatus(direction string, status TransferStatus) ([]*TransferRecord, error)

	Close() error
}
