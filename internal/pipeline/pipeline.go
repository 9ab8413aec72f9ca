// Package pipeline drives events from the ingestion queue through the window,
// the detectors, the correlator and the responder.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"aegis-core/internal/detection"
	"aegis-core/internal/incident"
	"aegis-core/internal/metrics"
	"aegis-core/internal/queue"
	"aegis-core/internal/response"
	"aegis-core/internal/schema"
	"aegis-core/internal/sink"
	"aegis-core/internal/window"
)

var (
	// ErrHalted is returned by ProcessBatch after a fatal error stopped intake.
	ErrHalted = errors.New("pipeline halted")
	// ErrDetectorTimeout is the cause recorded for a detector that overran its timeout.
	ErrDetectorTimeout = errors.New("detector timed out")
)

// Config holds the orchestrator configuration.
type Config struct {
	BatchSize           int           `yaml:"batch_size"`
	FlushInterval       time.Duration `yaml:"flush_interval"`
	DetectorWorkers     int           `yaml:"detector_workers"`
	DetectorTimeout     time.Duration `yaml:"detector_timeout"`
	IntegrityCheckEvery int           `yaml:"integrity_check_every"`
	SweepEvery          int           `yaml:"sweep_every"`
}

// DefaultConfig returns the default orchestrator configuration.
func DefaultConfig() Config {
	return Config{
		BatchSize:           256,
		FlushInterval:       100 * time.Millisecond,
		DetectorTimeout:     2 * time.Second,
		IntegrityCheckEvery: 100,
		SweepEvery:          600,
	}
}

// Validate checks the configuration.
func (c Config) Validate() error {
	if c.BatchSize <= 0 {
		return fmt.Errorf("batch_size must be positive")
	}
	if c.FlushInterval <= 0 {
		return fmt.Errorf("flush_interval must be positive")
	}
	if c.DetectorWorkers < 0 {
		return fmt.Errorf("detector_workers must not be negative")
	}
	if c.DetectorTimeout <= 0 {
		return fmt.Errorf("detector_timeout must be positive")
	}
	if c.IntegrityCheckEvery < 0 || c.SweepEvery < 0 {
		return fmt.Errorf("integrity_check_every and sweep_every must not be negative")
	}
	return nil
}

// Deps are the components the orchestrator drives. Queue, Window, Correlator
// and Responder are required; Sink and Metrics may be nil.
type Deps struct {
	Queue      *queue.RingBuffer
	Window     *window.Aggregator
	Detectors  []detection.Detector
	Correlator *incident.Correlator
	Responder  *response.Responder
	Sink       sink.Sink
	Metrics    *metrics.Metrics
	Logger     *slog.Logger
}

// Tick is the outcome of processing one batch.
type Tick struct {
	Events     int
	Candidates []*detection.Candidate
	Changes    []incident.Change
	Failed     []*detection.DetectorError
	Duration   time.Duration
}

// Orchestrator runs one processing tick per batch popped from the queue.
type Orchestrator struct {
	cfg Config
	Deps

	wg       sync.WaitGroup
	running  atomic.Bool
	stopOnce sync.Once
	stopErr  error

	ticks  atomic.Uint64
	events atomic.Uint64

	mu    sync.Mutex
	fatal error
}

// New creates an orchestrator.
func New(cfg Config, deps Deps) (*Orchestrator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid pipeline config: %w", err)
	}
	switch {
	case deps.Queue == nil:
		return nil, fmt.Errorf("pipeline: queue is required")
	case deps.Window == nil:
		return nil, fmt.Errorf("pipeline: window is required")
	case deps.Correlator == nil:
		return nil, fmt.Errorf("pipeline: correlator is required")
	case deps.Responder == nil:
		return nil, fmt.Errorf("pipeline: responder is required")
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if cfg.DetectorWorkers == 0 {
		cfg.DetectorWorkers = len(deps.Detectors)
	}
	return &Orchestrator{cfg: cfg, Deps: deps}, nil
}

// DropReporter returns a correlator drop handler that publishes a
// CANDIDATE_DROPPED transition and counts the drop.
func DropReporter(s sink.Sink, m *metrics.Metrics, now func() time.Time, logger *slog.Logger) incident.DropFunc {
	if now == nil {
		now = time.Now
	}
	if logger == nil {
		logger = slog.Default()
	}
	return func(c *detection.Candidate, cause error) {
		m.CandidateDropped()
		if s == nil {
			return
		}
		reason := ""
		if cause != nil {
			reason = cause.Error()
		}
		if err := s.Publish(context.Background(), sink.CandidateDropped(c, reason, now())); err != nil {
			logger.Warn("failed to publish dropped candidate", "candidate_id", c.ID, "error", err)
		}
	}
}

// Start starts the correlator and the batch loop.
func (o *Orchestrator) Start(ctx context.Context) {
	if !o.running.CompareAndSwap(false, true) {
		return
	}
	o.Correlator.Start(ctx)
	o.wg.Add(1)
	go o.loop(ctx)

	ids := make([]string, len(o.Detectors))
	for i, d := range o.Detectors {
		ids[i] = d.ID()
	}
	o.Logger.Info("pipeline started",
		"batch_size", o.cfg.BatchSize,
		"flush_interval", o.cfg.FlushInterval,
		"detectors", ids,
	)
}

func (o *Orchestrator) loop(ctx context.Context) {
	defer o.wg.Done()
	for {
		if ctx.Err() != nil {
			return
		}
		batch, err := o.Queue.PopBatch(o.cfg.BatchSize, o.cfg.FlushInterval)
		o.Metrics.SetQueueDepth(o.Queue.Len())
		switch {
		case errors.Is(err, queue.ErrQueueClosed):
			o.Logger.Debug("queue closed and drained, batch loop exiting")
			return
		case errors.Is(err, queue.ErrQueueEmpty):
			continue
		case err != nil:
			o.Logger.Warn("unexpected queue error", "error", err)
			continue
		}

		if _, err := o.ProcessBatch(ctx, batch); errors.Is(err, ErrHalted) {
			return
		}
	}
}

// ProcessBatch runs one tick: every event is recorded in the window, the
// detectors evaluate the batch in parallel, and their candidates are merged.
// Each created or updated incident is published and handed to the responder.
func (o *Orchestrator) ProcessBatch(ctx context.Context, batch []*schema.Event) (Tick, error) {
	if err := o.Err(); err != nil {
		return Tick{}, fmt.Errorf("%w: %w", ErrHalted, err)
	}
	start := time.Now()
	n := o.ticks.Add(1)

	if every := uint64(o.cfg.IntegrityCheckEvery); every > 0 && n%every == 0 {
		if err := o.Window.Verify(); err != nil {
			o.halt(err)
			return Tick{}, fmt.Errorf("%w: %w", ErrHalted, err)
		}
	}

	for _, ev := range batch {
		o.Window.Record(ev)
	}
	o.events.Add(uint64(len(batch)))

	tick := Tick{Events: len(batch)}
	tick.Candidates, tick.Failed = o.evaluate(ctx, batch)

	if len(tick.Candidates) > 0 {
		changes, err := o.Correlator.Merge(ctx, tick.Candidates)
		if err != nil {
			o.Logger.Warn("candidates not merged", "count", len(tick.Candidates), "error", err)
		}
		tick.Changes = changes
	}

	now := o.Window.Now()
	for _, ch := range tick.Changes {
		rec := ch.Incident.Snapshot()
		if ch.Created {
			o.Metrics.IncidentOpened(rec.Severity.String())
			o.publish(ctx, sink.Opened(rec, now))
			o.Logger.Info("incident opened",
				"incident_id", rec.ID,
				"source", rec.SourceIdentity,
				"severity", rec.Severity,
				"confidence", rec.FinalConfidence,
				"detectors", rec.Detectors,
			)
		} else {
			o.Metrics.IncidentUpdated()
			o.publish(ctx, sink.Updated(rec, now))
		}
		// Responding or resolved incidents keep their single response.
		if rec.Status == incident.StatusOpen {
			o.Responder.Dispatch(ch.Incident)
		}
	}

	if every := uint64(o.cfg.SweepEvery); every > 0 && n%every == 0 {
		if removed := o.Window.Sweep(); removed > 0 {
			o.Logger.Debug("window swept", "keys_removed", removed)
		}
	}

	tick.Duration = time.Since(start)
	o.Metrics.BatchProcessed(len(batch), tick.Duration)
	return tick, nil
}

type detectorResult struct {
	candidates []*detection.Candidate
	err        error
}

// evaluate fans the batch out to every detector. A detector that errors,
// panics or times out contributes nothing to this tick.
func (o *Orchestrator) evaluate(ctx context.Context, batch []*schema.Event) ([]*detection.Candidate, []*detection.DetectorError) {
	results := make([]detectorResult, len(o.Detectors))

	var g errgroup.Group
	g.SetLimit(o.cfg.DetectorWorkers)
	for i, d := range o.Detectors {
		g.Go(func() error {
			started := time.Now()
			cands, err := o.runDetector(ctx, d, batch)
			o.Metrics.DetectorRun(d.ID(), time.Since(started), len(cands), err)
			results[i] = detectorResult{candidates: cands, err: err}
			return nil
		})
	}
	_ = g.Wait()

	var all []*detection.Candidate
	var failed []*detection.DetectorError
	for i, res := range results {
		id := o.Detectors[i].ID()
		if res.err != nil {
			var derr *detection.DetectorError
			if !errors.As(res.err, &derr) {
				derr = &detection.DetectorError{DetectorID: id, Err: res.err}
			}
			failed = append(failed, derr)
			o.Logger.Warn("detector failed", "detector", id, "panic", derr.Panic, "error", derr.Err)
			continue
		}
		all = append(all, onePerSource(id, res.candidates, o.Logger)...)
	}
	return all, failed
}

// runDetector evaluates one detector under the detector timeout. A detector
// that ignores its context is abandoned when the timeout fires.
func (o *Orchestrator) runDetector(ctx context.Context, d detection.Detector, batch []*schema.Event) ([]*detection.Candidate, error) {
	dctx, cancel := context.WithTimeout(ctx, o.cfg.DetectorTimeout)
	defer cancel()

	done := make(chan detectorResult, 1)
	go func() {
		defer func() {
			if p := recover(); p != nil {
				done <- detectorResult{err: &detection.DetectorError{DetectorID: d.ID(), Panic: true, Err: fmt.Errorf("%v", p)}}
			}
		}()
		cands, err := d.Evaluate(dctx, batch, o.Window)
		done <- detectorResult{candidates: cands, err: err}
	}()

	select {
	case res := <-done:
		return res.candidates, res.err
	case <-dctx.Done():
		return nil, &detection.DetectorError{DetectorID: d.ID(), Err: ErrDetectorTimeout}
	}
}

// onePerSource keeps the first candidate per source and attack type and
// fills in the detector id when a detector left it empty.
func onePerSource(detectorID string, cands []*detection.Candidate, logger *slog.Logger) []*detection.Candidate {
	type key struct {
		source string
		attack detection.AttackType
	}
	seen := make(map[key]bool, len(cands))
	out := make([]*detection.Candidate, 0, len(cands))
	for _, c := range cands {
		if c == nil {
			continue
		}
		k := key{source: c.SourceIdentity, attack: c.AttackType}
		if seen[k] {
			logger.Warn("detector emitted more than one candidate for a source",
				"detector", detectorID,
				"source", c.SourceIdentity,
				"attack_type", c.AttackType,
			)
			continue
		}
		seen[k] = true
		if c.DetectorID == "" {
			c.DetectorID = detectorID
		}
		out = append(out, c)
	}
	return out
}

func (o *Orchestrator) publish(ctx context.Context, t sink.Transition) {
	if o.Sink == nil {
		return
	}
	if err := o.Sink.Publish(ctx, t); err != nil {
		o.Logger.Warn("failed to publish transition", "kind", t.Kind, "incident_id", t.IncidentID, "error", err)
	}
}

// halt records a fatal error and stops intake. The window is left as found.
func (o *Orchestrator) halt(err error) {
	o.mu.Lock()
	first := o.fatal == nil
	if first {
		o.fatal = err
	}
	o.mu.Unlock()
	if !first {
		return
	}
	o.Metrics.IntegrityFailure()
	o.Queue.Close()
	o.Logger.Error("pipeline halted: window integrity check failed", "error", err)
}

// Err returns the fatal error that halted the pipeline, if any.
func (o *Orchestrator) Err() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.fatal
}

// Stop closes the queue, drains buffered events, waits for in-flight
// responses and stops the correlator. When ctx expires first, pending
// responses are cancelled. The fatal error, if any, is returned.
func (o *Orchestrator) Stop(ctx context.Context) error {
	o.stopOnce.Do(func() {
		o.Queue.Close()

		drained := make(chan struct{})
		go func() {
			o.wg.Wait()
			close(drained)
		}()
		select {
		case <-drained:
		case <-ctx.Done():
			o.Logger.Warn("pipeline drain timed out", "queue_depth", o.Queue.Len())
		}

		if err := o.Responder.Wait(ctx); err != nil {
			o.Logger.Warn("responses cancelled at shutdown", "error", err)
		}
		<-drained
		o.Correlator.Stop()
		o.running.Store(false)
		o.stopErr = o.Err()
		o.Logger.Info("pipeline stopped", "ticks", o.ticks.Load(), "events", o.events.Load())
	})
	return o.stopErr
}

// Health is a point-in-time view of the pipeline.
type Health struct {
	Running       bool         `json:"running"`
	Halted        bool         `json:"halted"`
	Error         string       `json:"error,omitempty"`
	QueueDepth    int          `json:"queue_depth"`
	QueueCapacity int          `json:"queue_capacity"`
	Ticks         uint64       `json:"ticks"`
	Events        uint64       `json:"events"`
	Incidents     int          `json:"incidents"`
	Window        window.Stats `json:"window"`
}

// Health returns the current health snapshot.
func (o *Orchestrator) Health() Health {
	h := Health{
		Running:       o.running.Load(),
		QueueDepth:    o.Queue.Len(),
		QueueCapacity: o.Queue.Cap(),
		Ticks:         o.ticks.Load(),
		Events:        o.events.Load(),
		Incidents:     o.Correlator.Len(),
		Window:        o.Window.Stats(),
	}
	if err := o.Err(); err != nil {
		h.Halted = true
		h.Error = err.Error()
	}
	return h
}
