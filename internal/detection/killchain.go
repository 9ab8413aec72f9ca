package detection

import (
	"context"
	"math"
	"sort"
	"time"

	"aegis-core/internal/schema"
)

// Stage is one step of the attack progression model.
type Stage string

const (
	StageReconnaissance   Stage = "reconnaissance"
	StageCredentialAccess Stage = "credential_access"
	StageExploitation     Stage = "exploitation"
	StageCommandControl   Stage = "command_and_control"
	StageLateralMovement  Stage = "lateral_movement"
	StageExfiltration     Stage = "exfiltration"
)

// Order returns the stage's position in the kill chain, or 0 if unknown.
func (s Stage) Order() int {
	switch s {
	case StageReconnaissance:
		return 1
	case StageCredentialAccess:
		return 2
	case StageExploitation:
		return 3
	case StageCommandControl:
		return 4
	case StageLateralMovement:
		return 5
	case StageExfiltration:
		return 6
	}
	return 0
}

// AttackType returns the attack type reported for a stage on its own.
func (s Stage) AttackType() AttackType {
	switch s {
	case StageReconnaissance:
		return AttackReconnaissance
	case StageCredentialAccess:
		return AttackCredential
	case StageExploitation:
		return AttackExploitation
	case StageCommandControl:
		return AttackCommandControl
	case StageLateralMovement:
		return AttackLateralMovement
	case StageExfiltration:
		return AttackExfiltration
	}
	return AttackKillChain
}

// stageConfidence is the confidence of a single stage candidate.
const stageConfidence = 0.3

// DefaultStageMap maps event types to kill-chain stages.
func DefaultStageMap() map[schema.EventType]Stage {
	return map[schema.EventType]Stage{
		schema.EventRecon:       StageReconnaissance,
		schema.EventScan:        StageReconnaissance,
		schema.EventCredGuess:   StageCredentialAccess,
		schema.EventExploit:     StageExploitation,
		schema.EventLateralMove: StageLateralMovement,
		schema.EventExfil:       StageExfiltration,
	}
}

// KillChainDetector recognizes multi-stage attacks: it tracks the distinct
// stages each source reaches and fires once enough of them occur in order.
// A firing carries the kill_chain candidate plus one low-confidence candidate
// per chain stage not reported before.
type KillChainDetector struct {
	cfg    KillChainConfig
	chains *sourceTable[chainState]
}

type stageHit struct {
	stage     Stage
	firstSeen time.Time
	ref       schema.Ref
}

type chainState struct {
	stages   map[Stage]stageHit
	emitted  int
	reported map[Stage]bool
}

// NewKillChainDetector creates a kill-chain detector.
func NewKillChainDetector(cfg KillChainConfig) *KillChainDetector {
	def := DefaultConfig().KillChain
	if cfg.Window <= 0 {
		cfg.Window = def.Window
	}
	if cfg.MinStages <= 0 {
		cfg.MinStages = def.MinStages
	}
	if cfg.Stages == nil {
		cfg.Stages = def.Stages
	}
	return &KillChainDetector{cfg: cfg, chains: newSourceTable(func() chainState {
		return chainState{stages: make(map[Stage]stageHit), reported: make(map[Stage]bool)}
	})}
}

// ID returns the detector id.
func (d *KillChainDetector) ID() string { return KillChainID }

// StageOf classifies an event. A valid payload "stage" attribute wins over the type mapping;
// failed auth attempts count as credential access.
func (d *KillChainDetector) StageOf(ev *schema.Event) (Stage, bool) {
	if s := Stage(ev.StringAttr("stage")); s.Order() > 0 {
		return s, true
	}
	if s, ok := d.cfg.Stages[ev.Type]; ok {
		return s, true
	}
	if ev.Type == schema.EventAuthAttempt && ev.Failed() {
		return StageCredentialAccess, true
	}
	return "", false
}

// orderedChain returns the longest run of stages whose first-seen order agrees
// with the kill-chain order.
func orderedChain(stages map[Stage]stageHit) []stageHit {
	hits := make([]stageHit, 0, len(stages))
	for _, h := range stages {
		hits = append(hits, h)
	}
	sort.Slice(hits, func(i, j int) bool {
		if hits[i].firstSeen.Equal(hits[j].firstSeen) {
			return hits[i].stage.Order() < hits[j].stage.Order()
		}
		return hits[i].firstSeen.Before(hits[j].firstSeen)
	})

	// Longest strictly increasing subsequence by stage order; n is at most six.
	n := len(hits)
	length := make([]int, n)
	prev := make([]int, n)
	bestEnd := -1
	for i := 0; i < n; i++ {
		length[i], prev[i] = 1, -1
		for j := 0; j < i; j++ {
			if hits[j].stage.Order() < hits[i].stage.Order() && length[j]+1 > length[i] {
				length[i], prev[i] = length[j]+1, j
			}
		}
		if bestEnd < 0 || length[i] > length[bestEnd] {
			bestEnd = i
		}
	}

	var chain []stageHit
	for i := bestEnd; i >= 0; i = prev[i] {
		chain = append(chain, hits[i])
	}
	for l, r := 0, len(chain)-1; l < r; l, r = l+1, r-1 {
		chain[l], chain[r] = chain[r], chain[l]
	}
	return chain
}

// Evaluate records the stages reached by each source and fires when the ordered
// chain first reaches the minimum length, and again each time it grows.
func (d *KillChainDetector) Evaluate(ctx context.Context, batch []*schema.Event, w WindowReader) ([]*Candidate, error) {
	order, groups := groupBySource(batch)
	now := w.Now()
	cutoff := now.Add(-d.cfg.Window)

	var out []*Candidate
	for _, source := range order {
		if err := ctx.Err(); err != nil {
			return out, err
		}
		d.chains.with(source, func(st *chainState) {
			out = append(out, d.advance(st, source, groups[source], cutoff, now)...)
		})
	}

	d.chains.sweep(func(st *chainState) bool { return len(st.stages) == 0 })
	return out, nil
}

// advance folds a source's events into its chain. Caller holds the entry lock.
func (d *KillChainDetector) advance(st *chainState, source string, events []*schema.Event, cutoff, now time.Time) []*Candidate {
	for s, h := range st.stages {
		if h.firstSeen.Before(cutoff) {
			delete(st.stages, s)
			delete(st.reported, s)
		}
	}
	for _, ev := range events {
		s, ok := d.StageOf(ev)
		if !ok || ev.Timestamp.Before(cutoff) {
			continue
		}
		if h, seen := st.stages[s]; !seen || ev.Timestamp.Before(h.firstSeen) {
			st.stages[s] = stageHit{stage: s, firstSeen: ev.Timestamp, ref: ev.Ref()}
		}
	}

	chain := orderedChain(st.stages)
	if len(chain) < d.cfg.MinStages {
		st.emitted = 0
		clear(st.reported)
		return nil
	}
	if len(chain) <= st.emitted {
		return nil
	}
	st.emitted = len(chain)

	names := make([]string, len(chain))
	evidence := make([]Evidence, len(chain))
	var stages []*Candidate
	for i, h := range chain {
		names[i] = string(h.stage)
		ref := h.ref
		evidence[i] = Evidence{Kind: EvidenceEvent, Event: &ref, Note: string(h.stage)}
		if !st.reported[h.stage] {
			st.reported[h.stage] = true
			stages = append(stages, NewCandidate(KillChainID, source, h.stage.AttackType(), stageConfidence, ActionMonitor, now, evidence[i]))
		}
	}
	evidence[len(evidence)-1].Detail = map[string]any{"stages": names, "window": d.cfg.Window.String()}

	conf := math.Min(0.99, 0.6+0.1*float64(len(chain)))
	chainCand := NewCandidate(KillChainID, source, AttackKillChain, conf, ActionKill, now, evidence...)
	return append([]*Candidate{chainCand}, stages...)
}
