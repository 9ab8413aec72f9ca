package sink

import (
	"context"
	"encoding/json"
	"time"

	"aegis-core/internal/storage"
)

// rowWriter is satisfied by *storage.BatchWriter.
type rowWriter interface {
	Write(ctx context.Context, row storage.TransitionRow) error
	Close(ctx context.Context) error
}

// ClickHouseSink appends every transition to the incident audit table.
type ClickHouseSink struct {
	writer rowWriter
}

// NewClickHouseSink wraps a batch writer.
func NewClickHouseSink(w rowWriter) *ClickHouseSink { return &ClickHouseSink{writer: w} }

func (s *ClickHouseSink) Name() string { return "clickhouse" }

func (s *ClickHouseSink) Publish(ctx context.Context, t Transition) error {
	row, err := transitionRow(t)
	if err != nil {
		return err
	}
	return s.writer.Write(ctx, row)
}

func (s *ClickHouseSink) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	return s.writer.Close(ctx)
}

func transitionRow(t Transition) (storage.TransitionRow, error) {
	row := storage.TransitionRow{
		TransitionID:   t.ID,
		Kind:           string(t.Kind),
		IncidentID:     t.IncidentID,
		SourceIdentity: t.SourceIdentity,
		Status:         string(t.Status),
		Confidence:     t.Confidence,
		Reason:         t.Cause,
		At:             t.At.UTC(),
	}
	if t.Severity != 0 {
		row.Severity = t.Severity.String()
	}
	if a := t.Action; a != nil {
		row.Action = a.Action
		row.Attempt = uint8(min(a.Attempt, 255))
		row.Outcome = string(a.Outcome)
		row.Reason = a.Reason
	}
	if t.Incident != nil {
		data, err := json.Marshal(t.Incident)
		if err != nil {
			return row, err
		}
		row.Record = string(data)
		if t.Incident.EscalationReason != "" {
			row.Reason = t.Incident.EscalationReason
		}
	}
	if t.Candidate != nil {
		data, err := json.Marshal(t.Candidate)
		if err != nil {
			return row, err
		}
		row.Record = string(data)
	}
	return row, nil
}
