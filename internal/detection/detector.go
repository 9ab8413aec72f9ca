package detection

import (
	"context"
	"fmt"
	"sort"
	"time"

	"aegis-core/internal/schema"
)

// WindowReader is the read-only view of the sliding-window aggregator that detectors get.
type WindowReader interface {
	Count(source string, t schema.EventType, window time.Duration) int
	Snapshot(source string) map[schema.EventType]int
	Now() time.Time
}

// Detector turns a batch of events into zero or more candidates, at most one per source.
// Detectors never see each other's output.
type Detector interface {
	ID() string
	Evaluate(ctx context.Context, batch []*schema.Event, window WindowReader) ([]*Candidate, error)
}

// DetectorError wraps an internal failure of a single detector.
type DetectorError struct {
	DetectorID string
	Panic      bool
	Err        error
}

func (e *DetectorError) Error() string {
	if e.Panic {
		return fmt.Sprintf("detector %s panicked: %v", e.DetectorID, e.Err)
	}
	return fmt.Sprintf("detector %s: %v", e.DetectorID, e.Err)
}

func (e *DetectorError) Unwrap() error {
	return e.Err
}

// Func adapts a function into a Detector.
type Func struct {
	Name string
	Fn   func(ctx context.Context, batch []*schema.Event, window WindowReader) ([]*Candidate, error)
}

// ID returns the detector id.
func (f Func) ID() string { return f.Name }

// Evaluate calls the wrapped function.
func (f Func) Evaluate(ctx context.Context, batch []*schema.Event, window WindowReader) ([]*Candidate, error) {
	return f.Fn(ctx, batch, window)
}

// groupBySource splits a batch by source identity, keeping arrival order within
// each source. Sources are returned in first-seen order.
func groupBySource(batch []*schema.Event) ([]string, map[string][]*schema.Event) {
	groups := make(map[string][]*schema.Event)
	var order []string
	for _, ev := range batch {
		if _, ok := groups[ev.SourceIdentity]; !ok {
			order = append(order, ev.SourceIdentity)
		}
		groups[ev.SourceIdentity] = append(groups[ev.SourceIdentity], ev)
	}
	return order, groups
}

// sortedTypes returns the keys of a snapshot in a stable order.
func sortedTypes(m map[schema.EventType]bool) []schema.EventType {
	out := make([]schema.EventType, 0, len(m))
	for t := range m {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
