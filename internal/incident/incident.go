package incident

import (
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"aegis-core/internal/detection"
)

// Status is the incident lifecycle state.
type Status string

const (
	StatusOpen       Status = "OPEN"
	StatusResponding Status = "RESPONDING"
	StatusResolved   Status = "RESOLVED"
)

// Escalation reasons.
const (
	ReasonAllActionsFailed   = "all_actions_failed"
	ReasonNoActions          = "no_actions_planned"
	ReasonSeverityRaised     = "severity_raised_after_response"
	ReasonResponseIncomplete = "response_incomplete"
)

var (
	// ErrNotResponding is returned when recording actions outside RESPONDING.
	ErrNotResponding = errors.New("incident is not responding")
)

// ActionOutcome is the result of one action attempt.
type ActionOutcome string

const (
	OutcomeSucceeded     ActionOutcome = "succeeded"
	OutcomeFailed        ActionOutcome = "failed"
	OutcomeNotApplicable ActionOutcome = "not_applicable"
)

// ActionRecord is one entry of the append-only action log.
type ActionRecord struct {
	Action     string        `json:"action"`
	Attempt    int           `json:"attempt"`
	Outcome    ActionOutcome `json:"outcome"`
	Reason     string        `json:"reason,omitempty"`
	StartedAt  time.Time     `json:"started_at"`
	FinishedAt time.Time     `json:"finished_at"`
}

// Duration is how long the attempt took.
func (r ActionRecord) Duration() time.Duration {
	return r.FinishedAt.Sub(r.StartedAt)
}

// Incident is the correlated unit of threat activity. The correlator owns its
// candidate set and scoring; the responder owns its status and action log.
type Incident struct {
	mu sync.Mutex

	id        uuid.UUID
	source    string
	target    string
	createdAt time.Time
	updatedAt time.Time

	candidates []*detection.Candidate
	seen       map[string]bool
	confidence float64
	severity   Severity
	topAction  detection.Action

	status       Status
	actions      []ActionRecord
	escalation   bool
	escReason    string
	respondingAt time.Time
	resolvedAt   time.Time
	version      int
}

func newIncident(c *detection.Candidate, now time.Time, policy SeverityPolicy) *Incident {
	inc := &Incident{
		id:        uuid.New(),
		source:    c.SourceIdentity,
		target:    c.Target,
		createdAt: now,
		status:    StatusOpen,
		seen:      make(map[string]bool),
	}
	inc.add(c, now, policy)
	return inc
}

// add merges a candidate. It reports false for a candidate already merged.
func (i *Incident) add(c *detection.Candidate, now time.Time, policy SeverityPolicy) bool {
	i.mu.Lock()
	defer i.mu.Unlock()

	if i.seen[c.ID] {
		return false
	}
	i.seen[c.ID] = true
	i.candidates = append(i.candidates, c)
	if i.target == "" {
		i.target = c.Target
	}
	if c.RecommendedAction.Rank() > i.topAction.Rank() {
		i.topAction = c.RecommendedAction
	}

	confs := make([]float64, len(i.candidates))
	for n, cand := range i.candidates {
		confs[n] = cand.Confidence
	}
	i.confidence = Combine(confs...)

	prev := i.severity
	i.severity = policy.Classify(i.confidence, i.topAction)
	if prev != SeverityUnknown && i.severity > prev && i.status != StatusOpen {
		i.escalation = true
		i.escReason = ReasonSeverityRaised
	}
	i.updatedAt = now
	i.version++
	return true
}

func (i *Incident) has(candidateID string) bool {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.seen[candidateID]
}

// ID returns the incident id.
func (i *Incident) ID() uuid.UUID { return i.id }

// Source returns the source identity.
func (i *Incident) Source() string { return i.source }

// CreatedAt returns the creation time.
func (i *Incident) CreatedAt() time.Time { return i.createdAt }

// Status returns the current status.
func (i *Incident) Status() Status {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.status
}

// Severity returns the current severity.
func (i *Incident) Severity() Severity {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.severity
}

// Confidence returns the combined confidence.
func (i *Incident) Confidence() float64 {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.confidence
}

// BeginResponse moves the incident from OPEN to RESPONDING. Only the first
// caller gets true.
func (i *Incident) BeginResponse(now time.Time) bool {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.status != StatusOpen {
		return false
	}
	i.status = StatusResponding
	i.respondingAt = now
	i.version++
	return true
}

// RecordAction appends to the action log.
func (i *Incident) RecordAction(rec ActionRecord) error {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.status != StatusResponding {
		return ErrNotResponding
	}
	i.actions = append(i.actions, rec)
	i.updatedAt = rec.FinishedAt
	i.version++
	return nil
}

// Resolve moves the incident from RESPONDING to RESOLVED. A non-empty reason
// flags the incident for manual escalation. An escalation already raised by a
// merge is kept.
func (i *Incident) Resolve(now time.Time, reason string) error {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.status != StatusResponding {
		return ErrNotResponding
	}
	if reason != "" {
		i.escalation = true
		if i.escReason == "" {
			i.escReason = reason
		}
	}
	i.status = StatusResolved
	i.resolvedAt = now
	i.updatedAt = now
	i.version++
	return nil
}

// Record is an immutable view of an incident.
type Record struct {
	ID                 uuid.UUID              `json:"incident_id"`
	SourceIdentity     string                 `json:"source_identity"`
	Target             string                 `json:"target,omitempty"`
	Severity           Severity               `json:"severity"`
	Status             Status                 `json:"status"`
	FinalConfidence    float64                `json:"final_confidence"`
	RecommendedAction  detection.Action       `json:"recommended_action"`
	AttackTypes        []detection.AttackType `json:"attack_types"`
	Detectors          []string               `json:"detectors"`
	Candidates         []detection.Candidate  `json:"contributing_candidates"`
	Actions            []ActionRecord         `json:"action_taken"`
	EscalationRequired bool                   `json:"escalation_required"`
	EscalationReason   string                 `json:"escalation_reason,omitempty"`
	CreatedAt          time.Time              `json:"created_at"`
	UpdatedAt          time.Time              `json:"updated_at"`
	RespondingAt       *time.Time             `json:"responding_at,omitempty"`
	ResolvedAt         *time.Time             `json:"resolved_at,omitempty"`
	Latency            time.Duration          `json:"latency_ns,omitempty"`
	Version            int                    `json:"version"`
}

// Snapshot returns a copy of the incident's current state.
func (i *Incident) Snapshot() Record {
	i.mu.Lock()
	defer i.mu.Unlock()

	r := Record{
		ID:                 i.id,
		SourceIdentity:     i.source,
		Target:             i.target,
		Severity:           i.severity,
		Status:             i.status,
		FinalConfidence:    i.confidence,
		RecommendedAction:  i.topAction,
		Candidates:         make([]detection.Candidate, len(i.candidates)),
		Actions:            append([]ActionRecord(nil), i.actions...),
		EscalationRequired: i.escalation,
		EscalationReason:   i.escReason,
		CreatedAt:          i.createdAt,
		UpdatedAt:          i.updatedAt,
		Version:            i.version,
	}

	attacks := make(map[detection.AttackType]bool)
	detectors := make(map[string]bool)
	for n, c := range i.candidates {
		r.Candidates[n] = *c
		if !attacks[c.AttackType] {
			attacks[c.AttackType] = true
			r.AttackTypes = append(r.AttackTypes, c.AttackType)
		}
		if !detectors[c.DetectorID] {
			detectors[c.DetectorID] = true
			r.Detectors = append(r.Detectors, c.DetectorID)
		}
	}
	sort.Strings(r.Detectors)

	if !i.respondingAt.IsZero() {
		t := i.respondingAt
		r.RespondingAt = &t
	}
	if !i.resolvedAt.IsZero() {
		t := i.resolvedAt
		r.ResolvedAt = &t
		r.Latency = i.resolvedAt.Sub(i.createdAt)
	}
	return r
}

// HasDetector reports whether any contributing candidate came from the detector.
func (r Record) HasDetector(id string) bool {
	for _, d := range r.Detectors {
		if d == id {
			return true
		}
	}
	return false
}

// HasAction reports whether the action log contains a successful attempt of the action.
func (r Record) HasAction(action string) bool {
	for _, a := range r.Actions {
		if a.Action == action && a.Outcome == OutcomeSucceeded {
			return true
		}
	}
	return false
}
