package detection

import (
	"context"
	"math"
	"time"

	"aegis-core/internal/schema"
)

// Behavioral rules evaluated by ProfileDetector.
const (
	ruleRapid      = "rapid_activity"
	ruleSuspicious = "suspicious_score"
	ruleFailures   = "failed_attempts"
	ruleLateral    = "lateral_movement"
)

// ProfileDetector builds a short-term behavioral profile per source: weighted
// suspicious activity, burst volume, failed attempts, and target spread.
type ProfileDetector struct {
	cfg      ProfileConfig
	profiles *sourceTable[profile]
}

type profile struct {
	targets   map[string]time.Time
	failures  []time.Time
	lastFired map[string]time.Time
	lastSeen  time.Time
}

type profileHit struct {
	rule       string
	attack     AttackType
	action     Action
	confidence float64
	detail     map[string]any
}

// NewProfileDetector creates a behavioral-profile detector.
func NewProfileDetector(cfg ProfileConfig) *ProfileDetector {
	def := DefaultConfig().Profile
	if cfg.Window <= 0 {
		cfg.Window = def.Window
	}
	if cfg.Weights == nil {
		cfg.Weights = def.Weights
	}
	return &ProfileDetector{cfg: cfg, profiles: newSourceTable(func() profile {
		return profile{targets: make(map[string]time.Time), lastFired: make(map[string]time.Time)}
	})}
}

// ID returns the detector id.
func (d *ProfileDetector) ID() string { return ProfileID }

func (p *profile) prune(cutoff time.Time) {
	for t, seen := range p.targets {
		if seen.Before(cutoff) {
			delete(p.targets, t)
		}
	}
	i := 0
	for i < len(p.failures) && p.failures[i].Before(cutoff) {
		i++
	}
	p.failures = p.failures[i:]
}

// Evaluate updates each source's profile with the batch and reports the strongest rule that fires.
func (d *ProfileDetector) Evaluate(ctx context.Context, batch []*schema.Event, w WindowReader) ([]*Candidate, error) {
	order, groups := groupBySource(batch)
	now := w.Now()

	var out []*Candidate
	for _, source := range order {
		if err := ctx.Err(); err != nil {
			return out, err
		}
		var c *Candidate
		d.profiles.with(source, func(p *profile) {
			c = d.update(p, source, groups[source], now, w)
		})
		if c != nil {
			out = append(out, c)
		}
	}

	idle := d.cfg.Window + d.cfg.Cooldown
	d.profiles.sweep(func(p *profile) bool { return now.Sub(p.lastSeen) > idle })
	return out, nil
}

// update folds a source's events into its profile. Caller holds the entry lock.
func (d *ProfileDetector) update(p *profile, source string, events []*schema.Event, now time.Time, w WindowReader) *Candidate {
	for _, ev := range events {
		if ev.Target != "" {
			if seen, ok := p.targets[ev.Target]; !ok || ev.Timestamp.After(seen) {
				p.targets[ev.Target] = ev.Timestamp
			}
		}
		if ev.Failed() {
			p.failures = append(p.failures, ev.Timestamp)
		}
	}
	p.prune(now.Add(-d.cfg.Window))
	p.lastSeen = now

	snap := w.Snapshot(source)
	hits := d.rules(source, snap, p, w)

	var best *profileHit
	for i := range hits {
		h := &hits[i]
		if fired, ok := p.lastFired[h.rule]; ok && d.cfg.Cooldown > 0 && now.Sub(fired) < d.cfg.Cooldown {
			continue
		}
		if best == nil || h.action.Rank() > best.action.Rank() ||
			(h.action.Rank() == best.action.Rank() && h.confidence > best.confidence) {
			best = h
		}
	}
	if best == nil {
		return nil
	}
	p.lastFired[best.rule] = now

	ev := SnapshotEvidence(snap, best.rule)
	ev.Detail = best.detail
	return NewCandidate(ProfileID, source, best.attack, best.confidence, best.action, now, ev)
}

func (d *ProfileDetector) rules(source string, snap map[schema.EventType]int, p *profile, w WindowReader) []profileHit {
	var hits []profileHit

	total, score := 0, 0
	for t := range snap {
		n := w.Count(source, t, d.cfg.Window)
		total += n
		score += n * d.cfg.Weights[t]
	}

	if d.cfg.RapidEvents > 0 && total > d.cfg.RapidEvents {
		hits = append(hits, profileHit{
			rule:       ruleRapid,
			attack:     AttackAutomationPattern,
			action:     ActionQuarantine,
			confidence: math.Min(0.9, 0.5+float64(total-d.cfg.RapidEvents)/float64(4*d.cfg.RapidEvents)),
			detail:     map[string]any{"events": total, "limit": d.cfg.RapidEvents, "window": d.cfg.Window.String()},
		})
	}

	if d.cfg.ScoreThreshold > 0 && score > d.cfg.ScoreThreshold {
		hits = append(hits, profileHit{
			rule:       ruleSuspicious,
			attack:     AttackAutomationPattern,
			action:     ActionQuarantine,
			confidence: math.Min(0.95, 0.5+float64(score-d.cfg.ScoreThreshold)/float64(2*d.cfg.ScoreThreshold)),
			detail:     map[string]any{"score": score, "threshold": d.cfg.ScoreThreshold},
		})
	}

	if d.cfg.MaxFailures > 0 && len(p.failures) > d.cfg.MaxFailures {
		hits = append(hits, profileHit{
			rule:       ruleFailures,
			attack:     AttackCredential,
			action:     ActionMonitor,
			confidence: 0.6,
			detail:     map[string]any{"failures": len(p.failures), "limit": d.cfg.MaxFailures},
		})
	}

	if d.cfg.MaxTargets > 0 && len(p.targets) > d.cfg.MaxTargets {
		hits = append(hits, profileHit{
			rule:       ruleLateral,
			attack:     AttackLateralMovement,
			action:     ActionKill,
			confidence: 0.85,
			detail:     map[string]any{"targets": len(p.targets), "limit": d.cfg.MaxTargets},
		})
	}
	return hits
}
