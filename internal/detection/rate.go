package detection

import (
	"context"
	"math"
	"sync/atomic"
	"time"

	"aegis-core/internal/schema"
)

// RateDetector flags sources whose per-type event count exceeds a threshold within the window.
// Once a (source, type) key fires it stays quiet for the cooldown unless its
// confidence climbs by at least the escalation step.
type RateDetector struct {
	window        time.Duration
	minConfidence float64
	cooldown      time.Duration
	step          float64
	rules         map[schema.EventType]RateRule

	state     *sourceTable[rateState]
	lastSweep atomic.Int64
}

type rateFire struct {
	at         time.Time
	confidence float64
}

type rateState struct {
	fired    map[schema.EventType]rateFire
	lastSeen time.Time
}

// NewRateDetector creates a rate detector.
func NewRateDetector(cfg RateConfig) *RateDetector {
	if cfg.Window <= 0 {
		cfg.Window = 60 * time.Second
	}
	rules := make(map[schema.EventType]RateRule, len(cfg.Rules))
	for t, r := range cfg.Rules {
		if r.Window <= 0 {
			r.Window = cfg.Window
		}
		if r.AttackType == "" {
			r.AttackType = AttackAutomationPattern
		}
		if r.Action == "" {
			r.Action = ActionMonitor
		}
		rules[t] = r
	}
	return &RateDetector{
		window:        cfg.Window,
		minConfidence: cfg.MinConfidence,
		cooldown:      cfg.Cooldown,
		step:          cfg.EscalationStep,
		rules:         rules,
		state: newSourceTable(func() rateState {
			return rateState{fired: make(map[schema.EventType]rateFire)}
		}),
	}
}

// ID returns the detector id.
func (d *RateDetector) ID() string { return RateID }

// RateConfidence scales how far count is past threshold: just over is near 0,
// twice the threshold or more is 1.
func RateConfidence(count, threshold int) float64 {
	if threshold <= 0 || count <= threshold {
		return 0
	}
	return math.Min(1, float64(count)/float64(threshold)-1)
}

// Evaluate checks every (source, type) key touched by the batch.
func (d *RateDetector) Evaluate(ctx context.Context, batch []*schema.Event, w WindowReader) ([]*Candidate, error) {
	order, groups := groupBySource(batch)
	now := w.Now()

	var out []*Candidate
	for _, source := range order {
		if err := ctx.Err(); err != nil {
			return out, err
		}

		types := make(map[schema.EventType]bool)
		for _, ev := range groups[source] {
			types[ev.Type] = true
		}

		var (
			bestType  schema.EventType
			bestRule  RateRule
			bestCount int
			bestConf  = -1.0
		)
		d.state.with(source, func(st *rateState) {
			st.lastSeen = now
			for _, t := range sortedTypes(types) {
				rule, ok := d.rules[t]
				if !ok {
					continue
				}
				count := w.Count(source, t, rule.Window)
				if count <= rule.Threshold {
					continue
				}
				conf := math.Max(d.minConfidence, RateConfidence(count, rule.Threshold))
				if d.coolingDown(st.fired[t], now, conf) {
					continue
				}
				if conf > bestConf || (conf == bestConf && rule.Action.Rank() > bestRule.Action.Rank()) {
					bestType, bestRule, bestCount, bestConf = t, rule, count, conf
				}
			}
			if bestConf >= 0 {
				st.fired[bestType] = rateFire{at: now, confidence: bestConf}
			}
		})
		if bestConf < 0 {
			continue
		}

		ev := SnapshotEvidence(w.Snapshot(source), "rate threshold exceeded")
		ev.Detail = map[string]any{
			"event_type": string(bestType),
			"count":      bestCount,
			"threshold":  bestRule.Threshold,
			"window":     bestRule.Window.String(),
		}
		out = append(out, NewCandidate(RateID, source, bestRule.AttackType, bestConf, bestRule.Action, now, ev))
	}

	d.sweep(now)
	return out, nil
}

// coolingDown reports whether a key that last fired at f must stay quiet at conf.
func (d *RateDetector) coolingDown(f rateFire, now time.Time, conf float64) bool {
	if f.at.IsZero() || d.cooldown <= 0 || now.Sub(f.at) >= d.cooldown {
		return false
	}
	return conf < f.confidence+d.step
}

// sweep forgets sources idle past both the window and the cooldown, at most
// once per window.
func (d *RateDetector) sweep(now time.Time) {
	last := d.lastSweep.Load()
	if now.UnixNano()-last < int64(d.window) || !d.lastSweep.CompareAndSwap(last, now.UnixNano()) {
		return
	}
	idle := d.window + d.cooldown
	d.state.sweep(func(st *rateState) bool { return now.Sub(st.lastSeen) > idle })
}
