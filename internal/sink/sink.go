package sink

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"aegis-core/internal/metrics"
)

// ErrClosed is returned when publishing to a closed sink.
var ErrClosed = errors.New("sink: closed")

// Sink receives incident transitions.
type Sink interface {
	Name() string
	Publish(ctx context.Context, t Transition) error
	Close() error
}

// Multi fans a transition out to several sinks. A failing sink does not
// stop delivery to the others.
type Multi struct {
	sinks   []Sink
	metrics *metrics.Metrics
	logger  *slog.Logger
}

// NewMulti creates a fan-out sink. Sensitive attributes are masked once
// before delivery.
func NewMulti(m *metrics.Metrics, logger *slog.Logger, sinks ...Sink) *Multi {
	if logger == nil {
		logger = slog.Default()
	}
	return &Multi{sinks: sinks, metrics: m, logger: logger}
}

func (m *Multi) Name() string { return "multi" }

// Publish delivers t to every sink and joins their errors.
func (m *Multi) Publish(ctx context.Context, t Transition) error {
	masked := t.Masked()
	var errs []error
	for _, s := range m.sinks {
		err := s.Publish(ctx, masked)
		m.metrics.SinkPublish(s.Name(), err)
		if err != nil {
			m.logger.Warn("sink publish failed",
				"sink", s.Name(),
				"kind", t.Kind,
				"incident_id", t.IncidentID,
				"error", err,
			)
			errs = append(errs, fmt.Errorf("%s: %w", s.Name(), err))
		}
	}
	return errors.Join(errs...)
}

// Close closes every sink.
func (m *Multi) Close() error {
	var errs []error
	for _, s := range m.sinks {
		if err := s.Close(); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", s.Name(), err))
		}
	}
	return errors.Join(errs...)
}

// Memory keeps every transition in order. It backs tests and local runs.
type Memory struct {
	mu  sync.Mutex
	all []Transition
}

// NewMemory creates an empty in-memory sink.
func NewMemory() *Memory { return &Memory{} }

func (m *Memory) Name() string { return "memory" }

func (m *Memory) Publish(_ context.Context, t Transition) error {
	m.mu.Lock()
	m.all = append(m.all, t)
	m.mu.Unlock()
	return nil
}

func (m *Memory) Close() error { return nil }

// All returns a copy of every transition received.
func (m *Memory) All() []Transition {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Transition(nil), m.all...)
}

// Kinds returns the transition kinds received, optionally for one incident.
func (m *Memory) Kinds(filter ...func(Transition) bool) []Kind {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Kind
next:
	for _, t := range m.all {
		for _, f := range filter {
			if !f(t) {
				continue next
			}
		}
		out = append(out, t.Kind)
	}
	return out
}

// LogSink writes transitions to a structured logger.
type LogSink struct {
	logger *slog.Logger
}

// NewLogSink creates a log sink.
func NewLogSink(logger *slog.Logger) *LogSink {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogSink{logger: logger}
}

func (s *LogSink) Name() string { return "log" }

func (s *LogSink) Publish(ctx context.Context, t Transition) error {
	attrs := []any{
		"kind", t.Kind,
		"source", t.SourceIdentity,
		"confidence", t.Confidence,
	}
	if t.Kind != KindCandidateDropped {
		attrs = append(attrs, "incident_id", t.IncidentID, "severity", t.Severity, "status", t.Status)
	}
	switch {
	case t.Action != nil:
		attrs = append(attrs,
			"action", t.Action.Action,
			"attempt", t.Action.Attempt,
			"outcome", t.Action.Outcome,
			"duration", t.Action.Duration(),
		)
		if t.Action.Reason != "" {
			attrs = append(attrs, "reason", t.Action.Reason)
		}
	case t.Candidate != nil:
		attrs = append(attrs, "detector", t.Candidate.DetectorID, "candidate_id", t.Candidate.ID, "cause", t.Cause)
	case t.Incident != nil && t.Kind == KindResolved:
		attrs = append(attrs,
			"latency", t.Incident.Latency,
			"escalation_required", t.Incident.EscalationRequired,
		)
		if t.Incident.EscalationReason != "" {
			attrs = append(attrs, "escalation_reason", t.Incident.EscalationReason)
		}
	}

	level := slog.LevelInfo
	if t.Kind == KindCandidateDropped || (t.Incident != nil && t.Incident.EscalationRequired && t.Kind == KindResolved) {
		level = slog.LevelWarn
	}
	s.logger.Log(ctx, level, "incident transition", attrs...)
	return nil
}

func (s *LogSink) Close() error { return nil }

// DispatcherConfig sizes the async dispatch buffer.
type DispatcherConfig struct {
	BufferSize     int           `yaml:"buffer_size"`
	PublishTimeout time.Duration `yaml:"publish_timeout"`
}

// DefaultDispatcherConfig returns the default dispatcher settings.
func DefaultDispatcherConfig() DispatcherConfig {
	return DispatcherConfig{BufferSize: 4096, PublishTimeout: 5 * time.Second}
}

// Dispatcher decouples publishers from slow sinks. Transitions are delivered
// in submission order by a single goroutine; when the buffer is full new
// transitions are dropped and counted rather than blocking the caller.
type Dispatcher struct {
	next    Sink
	cfg     DispatcherConfig
	metrics *metrics.Metrics
	logger  *slog.Logger

	mu      sync.RWMutex
	queue   chan Transition
	closed  bool
	done    chan struct{}
	dropped atomic.Int64
}

// NewDispatcher starts a dispatcher in front of next.
func NewDispatcher(next Sink, cfg DispatcherConfig, m *metrics.Metrics, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = DefaultDispatcherConfig().BufferSize
	}
	if cfg.PublishTimeout <= 0 {
		cfg.PublishTimeout = DefaultDispatcherConfig().PublishTimeout
	}
	d := &Dispatcher{
		next:    next,
		cfg:     cfg,
		metrics: m,
		logger:  logger,
		queue:   make(chan Transition, cfg.BufferSize),
		done:    make(chan struct{}),
	}
	go d.run()
	return d
}

func (d *Dispatcher) Name() string { return "dispatcher" }

// Publish enqueues t without blocking.
func (d *Dispatcher) Publish(_ context.Context, t Transition) error {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		return ErrClosed
	}
	select {
	case d.queue <- t:
		return nil
	default:
		d.dropped.Add(1)
		d.metrics.SinkDrop()
		d.logger.Warn("transition dropped, dispatch buffer full",
			"kind", t.Kind,
			"incident_id", t.IncidentID,
			"buffer", d.cfg.BufferSize,
		)
		return nil
	}
}

func (d *Dispatcher) run() {
	defer close(d.done)
	for t := range d.queue {
		ctx, cancel := context.WithTimeout(context.Background(), d.cfg.PublishTimeout)
		_ = d.next.Publish(ctx, t)
		cancel()
	}
}

// Dropped returns how many transitions were dropped.
func (d *Dispatcher) Dropped() int64 { return d.dropped.Load() }

// Pending returns how many transitions are buffered.
func (d *Dispatcher) Pending() int { return len(d.queue) }

// Shutdown stops intake, waits for the buffer to drain or ctx to expire,
// then closes the downstream sink.
func (d *Dispatcher) Shutdown(ctx context.Context) error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	close(d.queue)
	d.mu.Unlock()

	select {
	case <-d.done:
	case <-ctx.Done():
		d.logger.Warn("dispatcher shutdown before drain", "pending", len(d.queue))
		return ctx.Err()
	}
	return d.next.Close()
}

// Close drains with a default deadline.
func (d *Dispatcher) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return d.Shutdown(ctx)
}
