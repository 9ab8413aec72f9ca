// Package storage persists the incident audit trail and rejected events in
// ClickHouse.
package storage

import (
	"errors"
	"fmt"
)

var (
	ErrConnectionFailed  = errors.New("storage: connection failed")
	ErrQueryFailed       = errors.New("storage: query failed")
	ErrBatchInsertFailed = errors.New("storage: batch insert failed")
	ErrWriterClosed      = errors.New("storage: batch writer closed")
)

// StorageError carries the operation and table of a failed storage call.
type StorageError struct {
	Op      string
	Table   string
	Err     error
	Retries int
}

func (e *StorageError) Error() string {
	msg := "storage." + e.Op
	if e.Table != "" {
		msg += "(" + e.Table + ")"
	}
	if e.Retries > 0 {
		msg += fmt.Sprintf(" after %d retries", e.Retries)
	}
	return msg + ": " + e.Err.Error()
}

func (e *StorageError) Unwrap() error { return e.Err }

// IsRetryable reports whether err is worth another attempt.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrConnectionFailed)
}

func connectionError(op string, err error) error {
	return &StorageError{Op: op, Err: fmt.Errorf("%w: %w", ErrConnectionFailed, err)}
}

func queryError(op, table string, err error) error {
	return &StorageError{Op: op, Table: table, Err: fmt.Errorf("%w: %w", ErrQueryFailed, err)}
}

func batchError(table string, retries int, err error) error {
	return &StorageError{Op: "InsertBatch", Table: table, Retries: retries, Err: fmt.Errorf("%w: %w", ErrBatchInsertFailed, err)}
}
