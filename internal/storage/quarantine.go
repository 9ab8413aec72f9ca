package storage

import (
	"context"

	"github.com/google/uuid"
)

// QuarantineTable holds events rejected at the ingestion boundary.
const QuarantineTable = "events_quarantine"

// maxQuarantinedBytes caps the raw payload kept per rejected event.
const maxQuarantinedBytes = 64 << 10

// QuarantineEntry is one rejected event.
type QuarantineEntry struct {
	RawEvent         string
	RemoteAddr       string
	Source           string // "http" or "kafka"
	ValidationErrors []string
	ErrorCode        string
}

// QuarantineWriter stores rejected events for later inspection.
type QuarantineWriter struct {
	client *ClickHouseClient
}

// NewQuarantineWriter creates a QuarantineWriter.
func NewQuarantineWriter(client *ClickHouseClient) *QuarantineWriter {
	return &QuarantineWriter{client: client}
}

// WriteBatch stores entries in one insert.
func (qw *QuarantineWriter) WriteBatch(ctx context.Context, entries []QuarantineEntry) error {
	if len(entries) == 0 {
		return nil
	}
	batch, err := qw.client.PrepareBatch(ctx, `
		INSERT INTO events_quarantine (
			quarantine_id, raw_event, remote_addr, source,
			validation_errors, error_code
		)
	`)
	if err != nil {
		return queryError("Quarantine", QuarantineTable, err)
	}
	for _, e := range entries {
		raw := e.RawEvent
		if len(raw) > maxQuarantinedBytes {
			raw = raw[:maxQuarantinedBytes]
		}
		if err := batch.Append(uuid.New(), raw, e.RemoteAddr, e.Source, e.ValidationErrors, e.ErrorCode); err != nil {
			_ = batch.Abort()
			return queryError("Quarantine", QuarantineTable, err)
		}
	}
	if err := batch.Send(); err != nil {
		return queryError("Quarantine", QuarantineTable, err)
	}
	return nil
}

// Count returns the number of quarantined events.
func (qw *QuarantineWriter) Count(ctx context.Context) (uint64, error) {
	rows, err := qw.client.Query(ctx, "SELECT count() FROM events_quarantine")
	if err != nil {
		return 0, queryError("Count", QuarantineTable, err)
	}
	defer rows.Close()

	var n uint64
	if rows.Next() {
		if err := rows.Scan(&n); err != nil {
			return 0, queryError("Count", QuarantineTable, err)
		}
	}
	return n, nil
}
