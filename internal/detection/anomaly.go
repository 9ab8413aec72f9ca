package detection

import (
	"context"
	"math"
	"sync/atomic"
	"time"

	"gonum.org/v1/gonum/stat"

	"aegis-core/internal/schema"
)

// AnomalyDetector compares each source's current activity with its own
// bucketed history and flags large z-score deviations.
type AnomalyDetector struct {
	cfg AnomalyConfig

	baselines *sourceTable[baseline]
	lastSweep atomic.Int64
}

// baseline is the per-source history. counts holds completed buckets, oldest first.
type baseline struct {
	current    int64 // index of the bucket in progress
	inProgress int
	counts     []float64
	lastSeen   time.Time
}

// NewAnomalyDetector creates an anomaly detector.
func NewAnomalyDetector(cfg AnomalyConfig) *AnomalyDetector {
	def := DefaultConfig().Anomaly
	if cfg.Bucket <= 0 {
		cfg.Bucket = def.Bucket
	}
	if cfg.History <= 0 {
		cfg.History = def.History
	}
	if cfg.ZThreshold <= 0 {
		cfg.ZThreshold = def.ZThreshold
	}
	if cfg.Action == "" {
		cfg.Action = def.Action
	}
	return &AnomalyDetector{cfg: cfg, baselines: newSourceTable(func() baseline { return baseline{} })}
}

// ID returns the detector id.
func (d *AnomalyDetector) ID() string { return AnomalyID }

func (d *AnomalyDetector) bucketOf(ts time.Time) int64 {
	return ts.UnixNano() / int64(d.cfg.Bucket)
}

// advance closes buckets up to idx, filling idle buckets with zeros.
func (b *baseline) advance(idx int64, history int) {
	if idx <= b.current {
		return
	}
	gap := idx - b.current
	b.counts = append(b.counts, float64(b.inProgress))
	for i := int64(1); i < gap && i <= int64(history); i++ {
		b.counts = append(b.counts, 0)
	}
	if over := len(b.counts) - history; over > 0 {
		b.counts = b.counts[over:]
	}
	b.current = idx
	b.inProgress = 0
}

func (b *baseline) observe(idx int64, history int) {
	switch {
	case idx > b.current:
		b.advance(idx, history)
		b.inProgress++
	case idx == b.current:
		b.inProgress++
	default:
		// A late event lands in a closed bucket if it is still in history.
		back := int(b.current - idx)
		if back <= len(b.counts) {
			b.counts[len(b.counts)-back]++
		}
	}
}

func (b *baseline) historicalEvents() int {
	total := 0.0
	for _, c := range b.counts {
		total += c
	}
	return int(total)
}

// Baseline reports the history statistics for a source. ok is false during cold start.
func (d *AnomalyDetector) Baseline(source string) (mean, stddev float64, buckets int, ok bool) {
	d.baselines.peek(source, func(b *baseline) {
		mean, stddev, buckets, ok = d.stats(b)
	})
	return mean, stddev, buckets, ok
}

func (d *AnomalyDetector) stats(b *baseline) (mean, stddev float64, buckets int, ok bool) {
	buckets = len(b.counts)
	if buckets < d.cfg.MinBuckets || b.historicalEvents() < d.cfg.MinEvents || buckets < 2 {
		return 0, 0, buckets, false
	}
	mean, stddev = stat.MeanStdDev(b.counts, nil)
	return mean, stddev, buckets, true
}

// Evaluate folds the batch into each source's history and tests the current
// bucket-length window against it.
func (d *AnomalyDetector) Evaluate(ctx context.Context, batch []*schema.Event, w WindowReader) ([]*Candidate, error) {
	order, groups := groupBySource(batch)
	now := w.Now()

	var out []*Candidate
	for _, source := range order {
		if err := ctx.Err(); err != nil {
			return out, err
		}
		var c *Candidate
		d.baselines.with(source, func(b *baseline) {
			c = d.score(b, source, groups[source], now, w)
		})
		if c != nil {
			out = append(out, c)
		}
	}

	d.sweep(now)
	return out, nil
}

// score updates one source's history and returns a candidate when the current
// window deviates from it. Caller holds the entry lock.
func (d *AnomalyDetector) score(b *baseline, source string, events []*schema.Event, now time.Time, w WindowReader) *Candidate {
	nowIdx := d.bucketOf(now)
	if b.lastSeen.IsZero() {
		b.current = nowIdx
	}
	b.advance(nowIdx, d.cfg.History)
	for _, ev := range events {
		b.observe(d.bucketOf(ev.Timestamp), d.cfg.History)
	}
	b.lastSeen = now

	mean, stddev, buckets, ok := d.stats(b)
	if !ok {
		return nil
	}

	snap := w.Snapshot(source)
	current := 0
	for t := range snap {
		current += w.Count(source, t, d.cfg.Bucket)
	}

	z := (float64(current) - mean) / math.Max(stddev, d.cfg.MinStdDev)
	if z <= d.cfg.ZThreshold {
		return nil
	}

	ev := SnapshotEvidence(snap, "activity deviates from baseline")
	ev.Detail = map[string]any{
		"current": current,
		"mean":    mean,
		"stddev":  stddev,
		"z_score": z,
		"buckets": buckets,
		"bucket":  d.cfg.Bucket.String(),
	}
	return NewCandidate(AnomalyID, source, AttackAutomationPattern, 1-d.cfg.ZThreshold/z, d.cfg.Action, now, ev)
}

// sweep forgets sources idle for longer than the history span, at most once
// per bucket.
func (d *AnomalyDetector) sweep(now time.Time) {
	last := d.lastSweep.Load()
	if now.UnixNano()-last < int64(d.cfg.Bucket) || !d.lastSweep.CompareAndSwap(last, now.UnixNano()) {
		return
	}
	span := d.cfg.Bucket * time.Duration(d.cfg.History)
	d.baselines.sweep(func(b *baseline) bool { return now.Sub(b.lastSeen) > span })
}
