package sink

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
)

// objectPutter is satisfied by *s3.Client from internal/storage/s3.
type objectPutter interface {
	Put(ctx context.Context, name string, data []byte, contentType string, metadata map[string]string) (string, error)
}

// S3Archiver writes each resolved incident record to object storage at
// YYYY/MM/DD/<incident_id>.json under the client's prefix.
type S3Archiver struct {
	client objectPutter
}

// NewS3Archiver wraps a client.
func NewS3Archiver(c objectPutter) *S3Archiver { return &S3Archiver{client: c} }

func (a *S3Archiver) Name() string { return "s3" }

// ArchiveName returns the object name of a resolved incident.
func ArchiveName(t Transition) string {
	at := t.At.UTC()
	if t.Incident != nil && t.Incident.ResolvedAt != nil {
		at = t.Incident.ResolvedAt.UTC()
	}
	return fmt.Sprintf("%04d/%02d/%02d/%s.json", at.Year(), at.Month(), at.Day(), t.IncidentID)
}

func (a *S3Archiver) Publish(ctx context.Context, t Transition) error {
	if t.Kind != KindResolved || t.Incident == nil {
		return nil
	}
	data, err := json.MarshalIndent(t.Incident, "", "  ")
	if err != nil {
		return fmt.Errorf("sink: marshal incident: %w", err)
	}
	_, err = a.client.Put(ctx, ArchiveName(t), data, "application/json", map[string]string{
		"severity":            t.Severity.String(),
		"source-identity":     t.SourceIdentity,
		"escalation-required": strconv.FormatBool(t.Incident.EscalationRequired),
	})
	return err
}

func (a *S3Archiver) Close() error { return nil }
