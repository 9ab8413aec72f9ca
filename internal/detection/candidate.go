// Package detection provides the pluggable detectors that turn event batches
// and window state into incident candidates.
package detection

import (
	"encoding/hex"
	"sort"
	"strconv"
	"time"

	"golang.org/x/crypto/blake2b"

	"aegis-core/internal/schema"
)

// AttackType classifies what a candidate believes is happening.
type AttackType string

const (
	AttackScan              AttackType = "scan"
	AttackReconnaissance    AttackType = "reconnaissance"
	AttackInjection         AttackType = "injection"
	AttackExfiltration      AttackType = "exfiltration"
	AttackCredential        AttackType = "credential_attack"
	AttackAutomationPattern AttackType = "automation_pattern"
	AttackMalwareSignature  AttackType = "malware_signature"
	AttackLateralMovement   AttackType = "lateral_movement"
	AttackExploitation      AttackType = "exploitation"
	AttackCommandControl    AttackType = "command_and_control"
	AttackKillChain         AttackType = "kill_chain"
)

// Action is the containment level a detector recommends.
type Action string

const (
	ActionMonitor    Action = "monitor"
	ActionQuarantine Action = "quarantine"
	ActionKill       Action = "kill"
)

// Rank orders actions by severity; unknown actions rank lowest.
func (a Action) Rank() int {
	switch a {
	case ActionKill:
		return 3
	case ActionQuarantine:
		return 2
	case ActionMonitor:
		return 1
	}
	return 0
}

// IsValid checks if the action is a known value.
func (a Action) IsValid() bool {
	return a.Rank() > 0
}

// EvidenceKind distinguishes event references from window snapshots.
type EvidenceKind string

const (
	EvidenceEvent    EvidenceKind = "event"
	EvidenceSnapshot EvidenceKind = "snapshot"
)

// Evidence is one contributing item behind a candidate.
type Evidence struct {
	Kind     EvidenceKind             `json:"kind"`
	Event    *schema.Ref              `json:"event,omitempty"`
	Snapshot map[schema.EventType]int `json:"snapshot,omitempty"`
	Detail   map[string]any           `json:"detail,omitempty"`
	Note     string                   `json:"note,omitempty"`
}

// EventEvidence references a single event.
func EventEvidence(ev *schema.Event, note string) Evidence {
	ref := ev.Ref()
	return Evidence{Kind: EvidenceEvent, Event: &ref, Note: note}
}

// SnapshotEvidence captures aggregator counts at detection time.
func SnapshotEvidence(snap map[schema.EventType]int, note string) Evidence {
	return Evidence{Kind: EvidenceSnapshot, Snapshot: snap, Note: note}
}

// Candidate is one detector's proposed classification. It is never modified after NewCandidate.
type Candidate struct {
	ID                string     `json:"candidate_id"`
	DetectorID        string     `json:"detector_id"`
	SourceIdentity    string     `json:"source_identity"`
	Target            string     `json:"target,omitempty"`
	AttackType        AttackType `json:"attack_type"`
	Confidence        float64    `json:"confidence"`
	Evidence          []Evidence `json:"evidence"`
	RecommendedAction Action     `json:"recommended_action"`
	DetectedAt        time.Time  `json:"detected_at"`
}

// NewCandidate builds a candidate, clipping confidence to [0,1] and computing its fingerprint.
func NewCandidate(detectorID, source string, attack AttackType, confidence float64, action Action, at time.Time, evidence ...Evidence) *Candidate {
	c := &Candidate{
		DetectorID:        detectorID,
		SourceIdentity:    source,
		AttackType:        attack,
		Confidence:        clip01(confidence),
		Evidence:          evidence,
		RecommendedAction: action,
		DetectedAt:        at,
	}
	c.ID = Fingerprint(c)
	return c
}

// WithTarget returns a copy of the candidate bound to a target resource.
func (c *Candidate) WithTarget(target string) *Candidate {
	cp := *c
	cp.Target = target
	cp.ID = Fingerprint(&cp)
	return &cp
}

// Fingerprint hashes the identity of a candidate: who produced it, about whom,
// what it claims, and which evidence it rests on. Two deliveries of the same
// candidate share a fingerprint.
func Fingerprint(c *Candidate) string {
	h, _ := blake2b.New256(nil)
	write := func(s string) {
		h.Write([]byte(s))
		h.Write([]byte{0})
	}

	write(c.DetectorID)
	write(c.SourceIdentity)
	write(c.Target)
	write(string(c.AttackType))
	write(string(c.RecommendedAction))
	write(strconv.FormatInt(c.DetectedAt.UnixNano(), 10))
	for _, ev := range c.Evidence {
		write(string(ev.Kind))
		if ev.Event != nil {
			write(ev.Event.EventID.String())
		}
		if len(ev.Snapshot) > 0 {
			types := make([]string, 0, len(ev.Snapshot))
			for t := range ev.Snapshot {
				types = append(types, string(t))
			}
			sort.Strings(types)
			for _, t := range types {
				write(t)
				write(strconv.Itoa(ev.Snapshot[schema.EventType(t)]))
			}
		}
		write(ev.Note)
	}
	return hex.EncodeToString(h.Sum(nil)[:16])
}

func clip01(v float64) float64 {
	if v != v || v < 0 { // NaN or negative
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
