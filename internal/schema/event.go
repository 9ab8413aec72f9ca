// Package schema defines the canonical event model consumed by the detection pipeline.
// Events are created at the ingestion boundary and are never mutated afterwards.
package schema

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// EventType is the enumerated tag describing what kind of occurrence an event records.
type EventType string

const (
	EventConnection  EventType = "connection"
	EventAuthAttempt EventType = "auth_attempt"
	EventFileAccess  EventType = "file_access"
	EventAPICall     EventType = "api_call"
	EventProcessExec EventType = "process_exec"
	EventRecon       EventType = "recon"
	EventScan        EventType = "scan"
	EventExploit     EventType = "exploit"
	EventExfil       EventType = "exfil"
	EventCredGuess   EventType = "cred-guess"
	EventLateralMove EventType = "lateral-move"
)

// KnownEventTypes lists the vocabulary the built-in detectors understand.
var KnownEventTypes = []EventType{
	EventConnection, EventAuthAttempt, EventFileAccess, EventAPICall, EventProcessExec,
	EventRecon, EventScan, EventExploit, EventExfil, EventCredGuess, EventLateralMove,
}

// IsKnown reports whether t is part of the built-in vocabulary.
func (t EventType) IsKnown() bool {
	for _, k := range KnownEventTypes {
		if k == t {
			return true
		}
	}
	return false
}

// Outcome represents the result of the observed occurrence, when the sensor knows it.
type Outcome string

const (
	OutcomeSuccess Outcome = "success"
	OutcomeFailure Outcome = "failure"
	OutcomeUnknown Outcome = "unknown"
)

// IsValid checks if the outcome is a valid value.
func (o Outcome) IsValid() bool {
	switch o {
	case OutcomeSuccess, OutcomeFailure, OutcomeUnknown:
		return true
	}
	return false
}

// Event is a single observed security-relevant occurrence.
//
// Fields are exported for validation and encoding only. Nothing downstream of
// the ingestion boundary writes to an Event; use NewEvent to build one.
type Event struct {
	EventID        uuid.UUID      `json:"event_id" validate:"required"`
	Type           EventType      `json:"event_type" validate:"required,event_type"`
	SourceIdentity string         `json:"source_identity" validate:"required,max=256"`
	Target         string         `json:"target,omitempty" validate:"max=1024"`
	Outcome        Outcome        `json:"outcome,omitempty" validate:"omitempty,oneof=success failure unknown"`
	Timestamp      time.Time      `json:"timestamp" validate:"required"`
	Payload        map[string]any `json:"payload,omitempty"`

	// Set by the ingestion boundary.
	ReceivedAt time.Time `json:"received_at"`
}

// NewEvent builds an event stamped with the current time. The payload map is copied.
func NewEvent(t EventType, source, target string, payload map[string]any) *Event {
	now := time.Now()
	return &Event{
		EventID:        uuid.New(),
		Type:           t,
		SourceIdentity: source,
		Target:         target,
		Timestamp:      now,
		Payload:        copyPayload(payload),
		ReceivedAt:     now,
	}
}

// WithTimestamp returns a copy of the event observed at ts.
func (e *Event) WithTimestamp(ts time.Time) *Event {
	c := *e
	c.Timestamp = ts
	c.Payload = copyPayload(e.Payload)
	return &c
}

// WithOutcome returns a copy of the event carrying the given outcome.
func (e *Event) WithOutcome(o Outcome) *Event {
	c := *e
	c.Outcome = o
	c.Payload = copyPayload(e.Payload)
	return &c
}

// Attr returns a payload attribute.
func (e *Event) Attr(key string) (any, bool) {
	v, ok := e.Payload[key]
	return v, ok
}

// StringAttr returns a payload attribute rendered as a string, or "" when absent.
func (e *Event) StringAttr(key string) string {
	v, ok := e.Payload[key]
	if !ok || v == nil {
		return ""
	}
	switch s := v.(type) {
	case string:
		return s
	case []byte:
		return string(s)
	case map[string]any, []any:
		b, err := json.Marshal(s)
		if err != nil {
			return fmt.Sprint(s)
		}
		return string(b)
	default:
		return fmt.Sprint(s)
	}
}

// Failed reports whether the event records a failed attempt.
func (e *Event) Failed() bool {
	if e.Outcome == OutcomeFailure {
		return true
	}
	return e.StringAttr("outcome") == string(OutcomeFailure)
}

// Ref is a lightweight reference to an event kept as incident evidence.
type Ref struct {
	EventID   uuid.UUID `json:"event_id"`
	Type      EventType `json:"event_type"`
	Target    string    `json:"target,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Ref returns the evidence reference for the event.
func (e *Event) Ref() Ref {
	return Ref{EventID: e.EventID, Type: e.Type, Target: e.Target, Timestamp: e.Timestamp}
}

func copyPayload(p map[string]any) map[string]any {
	if p == nil {
		return nil
	}
	out := make(map[string]any, len(p))
	for k, v := range p {
		out[k] = v
	}
	return out
}
