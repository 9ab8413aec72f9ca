// Package sink publishes incident lifecycle transitions to external systems.
package sink

import (
	"time"

	"github.com/google/uuid"

	"aegis-core/internal/detection"
	"aegis-core/internal/incident"
	"aegis-core/internal/logging"
)

// Kind names a lifecycle transition.
type Kind string

const (
	KindOpened           Kind = "OPENED"
	KindUpdated          Kind = "UPDATED"
	KindResponding       Kind = "RESPONDING"
	KindAction           Kind = "ACTION"
	KindResolved         Kind = "RESOLVED"
	KindCandidateDropped Kind = "CANDIDATE_DROPPED"
)

// Transition is one published lifecycle record. Incident carries a full
// snapshot for every kind except ACTION and CANDIDATE_DROPPED.
type Transition struct {
	ID             uuid.UUID              `json:"transition_id"`
	Kind           Kind                   `json:"kind"`
	IncidentID     uuid.UUID              `json:"incident_id,omitempty"`
	SourceIdentity string                 `json:"source_identity"`
	Severity       incident.Severity      `json:"severity,omitempty"`
	Status         incident.Status        `json:"status,omitempty"`
	Confidence     float64                `json:"confidence"`
	Action         *incident.ActionRecord `json:"action,omitempty"`
	Incident       *incident.Record       `json:"incident,omitempty"`
	Candidate      *detection.Candidate   `json:"candidate,omitempty"`
	Cause          string                 `json:"cause,omitempty"`
	At             time.Time              `json:"at"`
}

func fromRecord(kind Kind, rec incident.Record, at time.Time) Transition {
	return Transition{
		ID:             uuid.New(),
		Kind:           kind,
		IncidentID:     rec.ID,
		SourceIdentity: rec.SourceIdentity,
		Severity:       rec.Severity,
		Status:         rec.Status,
		Confidence:     rec.FinalConfidence,
		Incident:       &rec,
		At:             at,
	}
}

// Opened records a new incident.
func Opened(rec incident.Record, at time.Time) Transition { return fromRecord(KindOpened, rec, at) }

// Updated records a merge into an existing incident.
func Updated(rec incident.Record, at time.Time) Transition { return fromRecord(KindUpdated, rec, at) }

// Responding records the start of the response.
func Responding(rec incident.Record, at time.Time) Transition {
	return fromRecord(KindResponding, rec, at)
}

// Resolved records the end of the response.
func Resolved(rec incident.Record, at time.Time) Transition { return fromRecord(KindResolved, rec, at) }

// ActionTaken records one action attempt.
func ActionTaken(rec incident.Record, action incident.ActionRecord) Transition {
	return Transition{
		ID:             uuid.New(),
		Kind:           KindAction,
		IncidentID:     rec.ID,
		SourceIdentity: rec.SourceIdentity,
		Severity:       rec.Severity,
		Status:         incident.StatusResponding,
		Confidence:     rec.FinalConfidence,
		Action:         &action,
		At:             action.FinishedAt,
	}
}

// CandidateDropped records a candidate the correlator could not merge.
func CandidateDropped(c *detection.Candidate, cause string, at time.Time) Transition {
	cp := *c
	return Transition{
		ID:             uuid.New(),
		Kind:           KindCandidateDropped,
		SourceIdentity: c.SourceIdentity,
		Confidence:     c.Confidence,
		Candidate:      &cp,
		Cause:          cause,
		At:             at,
	}
}

// Masked returns a deep copy with sensitive evidence attributes and
// action reasons masked. Every sink publishes the masked form.
func (t Transition) Masked() Transition {
	out := t
	if t.Incident != nil {
		rec := *t.Incident
		rec.Candidates = make([]detection.Candidate, len(t.Incident.Candidates))
		for i, c := range t.Incident.Candidates {
			rec.Candidates[i] = maskCandidate(c)
		}
		rec.Actions = make([]incident.ActionRecord, len(t.Incident.Actions))
		for i, a := range t.Incident.Actions {
			a.Reason = logging.MaskString(a.Reason)
			rec.Actions[i] = a
		}
		out.Incident = &rec
	}
	if t.Candidate != nil {
		c := maskCandidate(*t.Candidate)
		out.Candidate = &c
	}
	if t.Action != nil {
		a := *t.Action
		a.Reason = logging.MaskString(a.Reason)
		out.Action = &a
	}
	out.Cause = logging.MaskString(t.Cause)
	return out
}

func maskCandidate(c detection.Candidate) detection.Candidate {
	ev := make([]detection.Evidence, len(c.Evidence))
	for i, e := range c.Evidence {
		e.Detail = logging.MaskAttrs(e.Detail)
		ev[i] = e
	}
	c.Evidence = ev
	return c
}
