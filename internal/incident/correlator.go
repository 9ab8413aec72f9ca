package incident

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"

	"aegis-core/internal/detection"
)

var (
	// ErrSubmitTimeout is returned when the writer did not accept a merge in time.
	ErrSubmitTimeout = errors.New("correlator submit timed out")
	// ErrStopped is returned once the correlator has stopped.
	ErrStopped = errors.New("correlator stopped")
	// ErrDropped wraps the cause when candidates were dropped after retries.
	ErrDropped = errors.New("candidates dropped")
)

// Config configures the correlator.
type Config struct {
	GracePeriod   time.Duration  `yaml:"grace_period"`
	MatchTarget   bool           `yaml:"match_target"`
	SubmitTimeout time.Duration  `yaml:"submit_timeout"`
	MaxRetries    int            `yaml:"max_retries"`
	RetryBackoff  time.Duration  `yaml:"retry_backoff"`
	CacheSize     int            `yaml:"cache_size"`
	Severity      SeverityPolicy `yaml:"severity"`
}

// DefaultConfig returns the default correlator configuration.
func DefaultConfig() Config {
	return Config{
		GracePeriod:   30 * time.Second,
		SubmitTimeout: time.Second,
		MaxRetries:    3,
		RetryBackoff:  50 * time.Millisecond,
		CacheSize:     10000,
		Severity:      DefaultSeverityPolicy(),
	}
}

// Validate checks the configuration.
func (c Config) Validate() error {
	if c.GracePeriod <= 0 {
		return fmt.Errorf("grace_period must be positive")
	}
	if c.SubmitTimeout <= 0 {
		return fmt.Errorf("submit_timeout must be positive")
	}
	if c.MaxRetries < 0 {
		return fmt.Errorf("max_retries must not be negative")
	}
	if c.CacheSize <= 0 {
		return fmt.Errorf("cache_size must be positive")
	}
	return c.Severity.Validate()
}

// Change is one incident created or updated by a merge.
type Change struct {
	Incident *Incident
	Created  bool
	Added    int
}

// DropFunc is notified of every candidate dropped after exhausting retries.
type DropFunc func(c *detection.Candidate, cause error)

// Option configures a Correlator.
type Option func(*Correlator)

// WithClock sets the time source.
func WithClock(now func() time.Time) Option {
	return func(c *Correlator) { c.now = now }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Correlator) {
		if l != nil {
			c.logger = l
		}
	}
}

// WithDropHandler sets the function notified of dropped candidates.
func WithDropHandler(fn DropFunc) Option {
	return func(c *Correlator) { c.onDrop = fn }
}

type mergeRequest struct {
	candidates []*detection.Candidate
	reply      chan []Change
}

// Correlator merges candidates into incidents. A single writer goroutine owns
// creation and merging; reads go through the table lock and per-incident locks.
type Correlator struct {
	cfg    Config
	now    func() time.Time
	logger *slog.Logger
	onDrop DropFunc

	mu        sync.RWMutex
	incidents map[uuid.UUID]*Incident
	bySource  map[string][]*Incident
	seen      *lru.Cache[string, uuid.UUID]

	requests chan mergeRequest
	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
	running  atomic.Bool

	merged     atomic.Int64
	duplicates atomic.Int64
	dropped    atomic.Int64
}

// NewCorrelator creates a correlator. Call Start before Merge.
func NewCorrelator(cfg Config, opts ...Option) (*Correlator, error) {
	def := DefaultConfig()
	if cfg.CacheSize <= 0 {
		cfg.CacheSize = def.CacheSize
	}
	if cfg.Severity == (SeverityPolicy{}) {
		cfg.Severity = def.Severity
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid correlator config: %w", err)
	}

	cache, err := lru.New[string, uuid.UUID](cfg.CacheSize)
	if err != nil {
		return nil, fmt.Errorf("failed to create candidate cache: %w", err)
	}

	c := &Correlator{
		cfg:       cfg,
		now:       time.Now,
		logger:    slog.Default(),
		incidents: make(map[uuid.UUID]*Incident),
		bySource:  make(map[string][]*Incident),
		seen:      cache,
		requests:  make(chan mergeRequest),
		stopCh:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Start runs the writer goroutine until ctx is done or Stop is called.
func (c *Correlator) Start(ctx context.Context) {
	if !c.running.CompareAndSwap(false, true) {
		return
	}
	c.wg.Add(1)
	go c.run(ctx)
	c.logger.Info("incident correlator started", "grace_period", c.cfg.GracePeriod)
}

// Stop stops the writer. Later merges drop their candidates.
func (c *Correlator) Stop() {
	c.stopOnce.Do(func() { close(c.stopCh) })
	c.wg.Wait()
	c.logger.Info("incident correlator stopped", "incidents", c.Len())
}

func (c *Correlator) run(ctx context.Context) {
	defer c.wg.Done()
	for {
		select {
		case req := <-c.requests:
			req.reply <- c.apply(req.candidates)
		case <-ctx.Done():
			return
		case <-c.stopCh:
			return
		}
	}
}

// Merge hands candidates to the writer and returns every incident created or
// updated by them. Submission is retried with linear backoff; when retries are
// exhausted every candidate is dropped with an audit entry.
func (c *Correlator) Merge(ctx context.Context, candidates []*detection.Candidate) ([]Change, error) {
	if len(candidates) == 0 {
		return nil, nil
	}

	req := mergeRequest{candidates: candidates, reply: make(chan []Change, 1)}
	var lastErr error
	for attempt := 0; attempt <= c.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			if err := sleepCtx(ctx, time.Duration(attempt)*c.cfg.RetryBackoff); err != nil {
				lastErr = err
				break
			}
		}

		err := c.submit(ctx, req)
		if err == nil {
			select {
			case changes := <-req.reply:
				return changes, nil
			case <-ctx.Done():
				// The writer owns the request now; its result still lands in the table.
				return nil, ctx.Err()
			}
		}
		lastErr = err
		if errors.Is(err, ErrStopped) || ctx.Err() != nil {
			break
		}
		c.logger.Debug("correlator submit retry", "attempt", attempt+1, "error", err)
	}

	for _, cand := range candidates {
		c.drop(cand, lastErr)
	}
	return nil, fmt.Errorf("%w: %d candidate(s): %w", ErrDropped, len(candidates), lastErr)
}

func (c *Correlator) submit(ctx context.Context, req mergeRequest) error {
	select {
	case <-c.stopCh:
		return ErrStopped
	default:
	}

	timer := time.NewTimer(c.cfg.SubmitTimeout)
	defer timer.Stop()
	select {
	case c.requests <- req:
		return nil
	case <-timer.C:
		return ErrSubmitTimeout
	case <-c.stopCh:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Correlator) drop(cand *detection.Candidate, cause error) {
	if cand == nil {
		return
	}
	c.dropped.Add(1)
	c.logger.Warn("candidate dropped",
		"candidate_id", cand.ID,
		"detector", cand.DetectorID,
		"source", cand.SourceIdentity,
		"attack_type", cand.AttackType,
		"confidence", cand.Confidence,
		"error", cause,
	)
	if c.onDrop != nil {
		c.onDrop(cand, cause)
	}
}

// apply runs on the writer goroutine only.
func (c *Correlator) apply(candidates []*detection.Candidate) []Change {
	now := c.now()
	var changes []Change
	index := make(map[uuid.UUID]int)

	for _, cand := range candidates {
		if cand == nil {
			continue
		}
		if id, ok := c.seen.Get(cand.ID); ok {
			if inc := c.get(id); inc != nil && inc.has(cand.ID) {
				c.duplicates.Add(1)
				continue
			}
		}

		inc := c.target(cand, now)
		created := false
		if inc == nil {
			inc = newIncident(cand, now, c.cfg.Severity)
			created = true
			c.mu.Lock()
			c.incidents[inc.ID()] = inc
			c.bySource[inc.Source()] = append(c.bySource[inc.Source()], inc)
			c.mu.Unlock()
			c.logger.Info("incident opened",
				"incident_id", inc.ID(),
				"source", inc.Source(),
				"attack_type", cand.AttackType,
				"severity", inc.Severity(),
			)
		} else if !inc.add(cand, now, c.cfg.Severity) {
			c.duplicates.Add(1)
			continue
		} else if inc.Status() == StatusResolved {
			c.logger.Debug("late candidate merged into resolved incident",
				"incident_id", inc.ID(),
				"candidate_id", cand.ID,
				"detector", cand.DetectorID,
			)
		}
		c.seen.Add(cand.ID, inc.ID())
		c.merged.Add(1)

		if n, ok := index[inc.ID()]; ok {
			changes[n].Added++
			continue
		}
		index[inc.ID()] = len(changes)
		changes = append(changes, Change{Incident: inc, Created: created, Added: 1})
	}
	return changes
}

// target returns the most recent incident for the candidate's source created
// within the grace period. A resolved incident still absorbs late candidates
// as an audit update; its response is not repeated.
func (c *Correlator) target(cand *detection.Candidate, now time.Time) *Incident {
	c.mu.RLock()
	list := c.bySource[cand.SourceIdentity]
	c.mu.RUnlock()

	for i := len(list) - 1; i >= 0; i-- {
		inc := list[i]
		if now.Sub(inc.CreatedAt()) > c.cfg.GracePeriod {
			return nil
		}
		if c.cfg.MatchTarget && cand.Target != "" {
			if t := inc.Snapshot().Target; t != "" && t != cand.Target {
				continue
			}
		}
		return inc
	}
	return nil
}

func (c *Correlator) get(id uuid.UUID) *Incident {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.incidents[id]
}

// Get returns an incident by id.
func (c *Correlator) Get(id uuid.UUID) (*Incident, bool) {
	inc := c.get(id)
	return inc, inc != nil
}

// BySource returns a source's incidents, oldest first.
func (c *Correlator) BySource(source string) []*Incident {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]*Incident(nil), c.bySource[source]...)
}

// Len returns the number of incidents.
func (c *Correlator) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.incidents)
}

// Filter selects incidents for List.
type Filter struct {
	Source      string
	Status      Status
	MinSeverity Severity
	Since       time.Time
	Limit       int
}

// List returns snapshots matching the filter, newest first.
func (c *Correlator) List(f Filter) []Record {
	c.mu.RLock()
	var candidates []*Incident
	if f.Source != "" {
		candidates = append(candidates, c.bySource[f.Source]...)
	} else {
		candidates = make([]*Incident, 0, len(c.incidents))
		for _, inc := range c.incidents {
			candidates = append(candidates, inc)
		}
	}
	c.mu.RUnlock()

	out := make([]Record, 0, len(candidates))
	for _, inc := range candidates {
		r := inc.Snapshot()
		if f.Status != "" && r.Status != f.Status {
			continue
		}
		if r.Severity < f.MinSeverity {
			continue
		}
		if !f.Since.IsZero() && r.CreatedAt.Before(f.Since) {
			continue
		}
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID.String() < out[j].ID.String()
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out
}

// Stats are correlator counters.
type Stats struct {
	Incidents  int   `json:"incidents"`
	Open       int   `json:"open"`
	Responding int   `json:"responding"`
	Resolved   int   `json:"resolved"`
	Merged     int64 `json:"merged"`
	Duplicates int64 `json:"duplicates"`
	Dropped    int64 `json:"dropped"`
}

// Stats returns a snapshot of correlator counters.
func (c *Correlator) Stats() Stats {
	c.mu.RLock()
	all := make([]*Incident, 0, len(c.incidents))
	for _, inc := range c.incidents {
		all = append(all, inc)
	}
	c.mu.RUnlock()

	s := Stats{
		Incidents:  len(all),
		Merged:     c.merged.Load(),
		Duplicates: c.duplicates.Load(),
		Dropped:    c.dropped.Load(),
	}
	for _, inc := range all {
		switch inc.Status() {
		case StatusOpen:
			s.Open++
		case StatusResponding:
			s.Responding++
		case StatusResolved:
			s.Resolved++
		}
	}
	return s
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
