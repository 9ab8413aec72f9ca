package storage

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// TransitionsTable is the incident audit table.
const TransitionsTable = "incident_transitions"

// TransitionRow is one row of the incident audit table.
type TransitionRow struct {
	TransitionID   uuid.UUID
	Kind           string
	IncidentID     uuid.UUID
	SourceIdentity string
	Severity       string
	Status         string
	Confidence     float64
	Action         string
	Attempt        uint8
	Outcome        string
	Reason         string
	Record         string // incident snapshot JSON, empty for ACTION rows
	At             time.Time
}

// BatchWriterConfig controls batching of audit rows.
type BatchWriterConfig struct {
	BatchSize     int           `yaml:"batch_size"`
	FlushInterval time.Duration `yaml:"flush_interval"`
	MaxRetries    int           `yaml:"max_retries"`
	RetryDelay    time.Duration `yaml:"retry_delay"`
}

// DefaultBatchWriterConfig returns the default batching settings.
func DefaultBatchWriterConfig() BatchWriterConfig {
	return BatchWriterConfig{
		BatchSize:     500,
		FlushInterval: 2 * time.Second,
		MaxRetries:    3,
		RetryDelay:    500 * time.Millisecond,
	}
}

// BatchWriterMetrics holds batch writer counters.
type BatchWriterMetrics struct {
	Written uint64 `json:"written"`
	Failed  uint64 `json:"failed"`
	Batches uint64 `json:"batches"`
	Pending int    `json:"pending"`
}

// BatchWriter buffers transition rows and inserts them in batches, on size
// or on a timer. Rows of a failed batch are counted and discarded once
// retries run out.
type BatchWriter struct {
	client *ClickHouseClient
	config BatchWriterConfig
	logger *slog.Logger

	mu      sync.Mutex
	flushMu sync.Mutex
	buffer  []TransitionRow
	closed  bool

	flushTimer *time.Timer
	done       chan struct{}

	written atomic.Uint64
	failed  atomic.Uint64
	batches atomic.Uint64
}

// NewBatchWriter creates a writer and starts its flush timer.
func NewBatchWriter(client *ClickHouseClient, cfg BatchWriterConfig, logger *slog.Logger) *BatchWriter {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultBatchWriterConfig().BatchSize
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = DefaultBatchWriterConfig().FlushInterval
	}
	bw := &BatchWriter{
		client: client,
		config: cfg,
		logger: logger,
		buffer: make([]TransitionRow, 0, cfg.BatchSize),
		done:   make(chan struct{}),
	}
	bw.flushTimer = time.AfterFunc(cfg.FlushInterval, bw.timerFlush)
	return bw
}

// Write buffers a row, flushing when the batch is full.
func (bw *BatchWriter) Write(ctx context.Context, row TransitionRow) error {
	bw.mu.Lock()
	if bw.closed {
		bw.mu.Unlock()
		return ErrWriterClosed
	}
	if row.TransitionID == uuid.Nil {
		row.TransitionID = uuid.New()
	}
	bw.buffer = append(bw.buffer, row)
	full := len(bw.buffer) >= bw.config.BatchSize
	bw.mu.Unlock()

	if full {
		return bw.Flush(ctx)
	}
	return nil
}

func (bw *BatchWriter) timerFlush() {
	select {
	case <-bw.done:
		return
	default:
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	if err := bw.Flush(ctx); err != nil {
		bw.logger.Error("timer flush failed", "table", TransitionsTable, "error", err)
	}
	cancel()

	bw.mu.Lock()
	if !bw.closed {
		bw.flushTimer.Reset(bw.config.FlushInterval)
	}
	bw.mu.Unlock()
}

// Flush inserts everything buffered so far.
func (bw *BatchWriter) Flush(ctx context.Context) error {
	bw.flushMu.Lock()
	defer bw.flushMu.Unlock()

	bw.mu.Lock()
	rows := bw.buffer
	bw.buffer = make([]TransitionRow, 0, bw.config.BatchSize)
	bw.mu.Unlock()
	if len(rows) == 0 {
		return nil
	}

	var lastErr error
	for attempt := 0; attempt <= bw.config.MaxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				bw.failed.Add(uint64(len(rows)))
				return batchError(TransitionsTable, attempt-1, ctx.Err())
			case <-time.After(bw.config.RetryDelay * time.Duration(attempt)):
			}
		}
		if err := bw.insert(ctx, rows); err != nil {
			lastErr = err
			bw.logger.Warn("batch insert failed",
				"table", TransitionsTable,
				"attempt", attempt+1,
				"rows", len(rows),
				"error", err,
			)
			continue
		}
		bw.written.Add(uint64(len(rows)))
		bw.batches.Add(1)
		return nil
	}

	bw.failed.Add(uint64(len(rows)))
	return batchError(TransitionsTable, bw.config.MaxRetries, lastErr)
}

func (bw *BatchWriter) insert(ctx context.Context, rows []TransitionRow) error {
	batch, err := bw.client.PrepareBatch(ctx, `
		INSERT INTO incident_transitions (
			transition_id, kind, incident_id, source_identity,
			severity, status, confidence,
			action, attempt, outcome, reason,
			record, at
		)
	`)
	if err != nil {
		return err
	}
	for _, r := range rows {
		if err := batch.Append(
			r.TransitionID,
			r.Kind,
			r.IncidentID,
			r.SourceIdentity,
			r.Severity,
			r.Status,
			r.Confidence,
			r.Action,
			r.Attempt,
			r.Outcome,
			r.Reason,
			r.Record,
			r.At,
		); err != nil {
			_ = batch.Abort()
			return err
		}
	}
	return batch.Send()
}

// Close stops the timer and flushes what is left.
func (bw *BatchWriter) Close(ctx context.Context) error {
	bw.mu.Lock()
	if bw.closed {
		bw.mu.Unlock()
		return nil
	}
	bw.closed = true
	bw.mu.Unlock()

	bw.flushTimer.Stop()
	close(bw.done)
	return bw.Flush(ctx)
}

// Metrics returns writer counters.
func (bw *BatchWriter) Metrics() BatchWriterMetrics {
	bw.mu.Lock()
	pending := len(bw.buffer)
	bw.mu.Unlock()
	return BatchWriterMetrics{
		Written: bw.written.Load(),
		Failed:  bw.failed.Load(),
		Batches: bw.batches.Load(),
		Pending: pending,
	}
}
