// Package window maintains per-(source, event type) sliding windows of event timestamps.
//
// Each key has its own lock. The key table is guarded by a read-mostly lock
// that is only taken for writing when a new key appears, so unrelated sources
// never serialize on each other.
package window

import (
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"aegis-core/internal/schema"
)

// DefaultMaxSkew is how far ahead of the aggregator clock an event timestamp may be.
const DefaultMaxSkew = 5 * time.Minute

// IntegrityError reports window state that violates its ordering or bounds invariant.
// It is fatal: the pipeline halts intake instead of repairing the state.
type IntegrityError struct {
	Source string
	Type   schema.EventType
	Reason string
}

func (e *IntegrityError) Error() string {
	return fmt.Sprintf("window integrity violation (%s/%s): %s", e.Source, e.Type, e.Reason)
}

// Key identifies one window series.
type Key struct {
	Source string
	Type   schema.EventType
}

type series struct {
	mu    sync.Mutex
	times []time.Time
	dead  bool // removed by Sweep
}

// Option configures an Aggregator.
type Option func(*Aggregator)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(a *Aggregator) { a.now = now }
}

// WithMaxSkew sets how far in the future a timestamp may be before it is clamped.
func WithMaxSkew(d time.Duration) Option {
	return func(a *Aggregator) { a.maxSkew = d }
}

// Aggregator is the sliding-window store every rate-based detector reads from.
type Aggregator struct {
	retention time.Duration
	maxSkew   time.Duration
	now       func() time.Time

	mu       sync.RWMutex
	series   map[Key]*series
	bySource map[string]map[schema.EventType]*series

	recorded atomic.Uint64
	expired  atomic.Uint64
	clamped  atomic.Uint64
}

// New creates an Aggregator retaining timestamps for the given duration.
func New(retention time.Duration, opts ...Option) *Aggregator {
	if retention <= 0 {
		retention = time.Minute
	}
	a := &Aggregator{
		retention: retention,
		maxSkew:   DefaultMaxSkew,
		now:       time.Now,
		series:    make(map[Key]*series),
		bySource:  make(map[string]map[schema.EventType]*series),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Now returns the aggregator's current time.
func (a *Aggregator) Now() time.Time {
	return a.now()
}

// Retention returns the longest window the aggregator can answer for.
func (a *Aggregator) Retention() time.Duration {
	return a.retention
}

func (a *Aggregator) get(k Key) *series {
	a.mu.RLock()
	s := a.series[k]
	a.mu.RUnlock()
	return s
}

func (a *Aggregator) getOrCreate(k Key) *series {
	if s := a.get(k); s != nil {
		return s
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	s, ok := a.series[k]
	if !ok {
		s = &series{}
		a.series[k] = s
		types, ok := a.bySource[k.Source]
		if !ok {
			types = make(map[schema.EventType]*series)
			a.bySource[k.Source] = types
		}
		types[k.Type] = s
	}
	return s
}

// Record inserts the event's timestamp into its key's sequence. Timestamps
// already outside the retention window are discarded.
func (a *Aggregator) Record(ev *schema.Event) {
	now := a.now()
	ts := ev.Timestamp
	if ts.Before(now.Add(-a.retention)) {
		a.expired.Add(1)
		return
	}
	if ts.After(now.Add(a.maxSkew)) {
		a.clamped.Add(1)
		ts = now
	}

	k := Key{Source: ev.SourceIdentity, Type: ev.Type}
	s := a.getOrCreate(k)
	s.mu.Lock()
	for s.dead {
		s.mu.Unlock()
		s = a.getOrCreate(k)
		s.mu.Lock()
	}

	n := len(s.times)
	if n == 0 || !ts.Before(s.times[n-1]) {
		s.times = append(s.times, ts)
	} else {
		i := sort.Search(n, func(i int) bool { return s.times[i].After(ts) })
		s.times = append(s.times, time.Time{})
		copy(s.times[i+1:], s.times[i:])
		s.times[i] = ts
	}
	s.mu.Unlock()
	a.recorded.Add(1)
}

// prune drops entries older than cutoff. Caller holds s.mu.
func (s *series) prune(cutoff time.Time) {
	i := sort.Search(len(s.times), func(i int) bool { return !s.times[i].Before(cutoff) })
	if i == 0 {
		return
	}
	if i > len(s.times)/2 {
		s.times = append(s.times[:0:0], s.times[i:]...)
		return
	}
	s.times = s.times[i:]
}

// countSince returns entries in [from, to]. Caller holds s.mu.
func (s *series) countSince(from, to time.Time) int {
	lo := sort.Search(len(s.times), func(i int) bool { return !s.times[i].Before(from) })
	hi := sort.Search(len(s.times), func(i int) bool { return s.times[i].After(to) })
	if hi < lo {
		return 0
	}
	return hi - lo
}

func (a *Aggregator) clamp(window time.Duration) time.Duration {
	if window <= 0 || window > a.retention {
		return a.retention
	}
	return window
}

// Count returns how many events of the given type the source produced within
// the trailing window. Unknown keys yield 0.
func (a *Aggregator) Count(source string, t schema.EventType, window time.Duration) int {
	s := a.get(Key{Source: source, Type: t})
	if s == nil {
		return 0
	}

	now := a.now()
	window = a.clamp(window)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.prune(now.Add(-a.retention))
	return s.countSince(now.Add(-window), now)
}

// Snapshot returns the per-type counts for a source over the full retention window.
// Types with no remaining entries are omitted.
func (a *Aggregator) Snapshot(source string) map[schema.EventType]int {
	return a.SnapshotWindow(source, a.retention)
}

// SnapshotWindow is Snapshot over a narrower trailing window.
func (a *Aggregator) SnapshotWindow(source string, window time.Duration) map[schema.EventType]int {
	a.mu.RLock()
	types := a.bySource[source]
	refs := make(map[schema.EventType]*series, len(types))
	for t, s := range types {
		refs[t] = s
	}
	a.mu.RUnlock()

	now := a.now()
	window = a.clamp(window)
	out := make(map[schema.EventType]int, len(refs))
	for t, s := range refs {
		s.mu.Lock()
		s.prune(now.Add(-a.retention))
		n := s.countSince(now.Add(-window), now)
		s.mu.Unlock()
		if n > 0 {
			out[t] = n
		}
	}
	return out
}

// Verify checks every series for ordering and bounds. It prunes as it goes
// but never rewrites out-of-order data.
func (a *Aggregator) Verify() error {
	a.mu.RLock()
	keys := make([]Key, 0, len(a.series))
	refs := make([]*series, 0, len(a.series))
	for k, s := range a.series {
		keys = append(keys, k)
		refs = append(refs, s)
	}
	a.mu.RUnlock()

	now := a.now()
	cutoff := now.Add(-a.retention)
	limit := now.Add(a.maxSkew)

	for i, s := range refs {
		s.mu.Lock()
		err := s.verify(keys[i], cutoff, limit)
		s.mu.Unlock()
		if err != nil {
			return err
		}
	}
	return nil
}

func (s *series) verify(k Key, cutoff, limit time.Time) error {
	for i := 1; i < len(s.times); i++ {
		if s.times[i].Before(s.times[i-1]) {
			return &IntegrityError{Source: k.Source, Type: k.Type, Reason: fmt.Sprintf("timestamps out of order at index %d", i)}
		}
	}
	s.prune(cutoff)
	if n := len(s.times); n > 0 && s.times[n-1].After(limit) {
		return &IntegrityError{Source: k.Source, Type: k.Type, Reason: "timestamp beyond clock skew limit"}
	}
	return nil
}

// Sweep removes series with no entries left inside the retention window.
// Returns the number of keys removed.
func (a *Aggregator) Sweep() int {
	cutoff := a.now().Add(-a.retention)

	a.mu.Lock()
	defer a.mu.Unlock()

	removed := 0
	for k, s := range a.series {
		s.mu.Lock()
		s.prune(cutoff)
		empty := len(s.times) == 0
		if empty {
			s.dead = true
		}
		s.mu.Unlock()
		if !empty {
			continue
		}
		delete(a.series, k)
		if types := a.bySource[k.Source]; types != nil {
			delete(types, k.Type)
			if len(types) == 0 {
				delete(a.bySource, k.Source)
			}
		}
		removed++
	}
	return removed
}

// Stats describes the aggregator's current state.
type Stats struct {
	Keys     int    `json:"keys"`
	Sources  int    `json:"sources"`
	Recorded uint64 `json:"recorded"`
	Expired  uint64 `json:"expired"`
	Clamped  uint64 `json:"clamped"`
}

// Stats returns aggregator statistics.
func (a *Aggregator) Stats() Stats {
	a.mu.RLock()
	keys, sources := len(a.series), len(a.bySource)
	a.mu.RUnlock()
	return Stats{
		Keys:     keys,
		Sources:  sources,
		Recorded: a.recorded.Load(),
		Expired:  a.expired.Load(),
		Clamped:  a.clamped.Load(),
	}
}
