package response

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	aerrors "aegis-core/internal/errors"
	"aegis-core/internal/incident"
	"aegis-core/internal/metrics"
	"aegis-core/internal/sink"
)

// ErrAlreadyResponding is returned when another caller already began the
// response for an incident.
var ErrAlreadyResponding = errors.New("incident response already started")

const reasonNoHandler = "no handler registered"

// Config configures the responder.
type Config struct {
	ActionTimeout time.Duration `yaml:"action_timeout"`
	MaxRetries    int           `yaml:"max_retries"`
	RetryBackoff  time.Duration `yaml:"retry_backoff"`
	Budget        time.Duration `yaml:"budget"`
	Concurrency   int           `yaml:"concurrency"`
}

// DefaultConfig returns the default responder configuration.
func DefaultConfig() Config {
	return Config{
		ActionTimeout: 5 * time.Second,
		MaxRetries:    1,
		RetryBackoff:  100 * time.Millisecond,
		Budget:        10 * time.Second,
		Concurrency:   64,
	}
}

// Validate checks the configuration.
func (c Config) Validate() error {
	if c.ActionTimeout <= 0 {
		return fmt.Errorf("action_timeout must be positive")
	}
	if c.MaxRetries < 0 {
		return fmt.Errorf("max_retries must not be negative")
	}
	if c.RetryBackoff < 0 {
		return fmt.Errorf("retry_backoff must not be negative")
	}
	if c.Budget <= 0 {
		return fmt.Errorf("budget must be positive")
	}
	if c.Concurrency <= 0 {
		return fmt.Errorf("concurrency must be positive")
	}
	return nil
}

// Option configures a Responder.
type Option func(*Responder)

// WithClock sets the time source.
func WithClock(now func() time.Time) Option {
	return func(r *Responder) { r.now = now }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(r *Responder) {
		if l != nil {
			r.logger = l
		}
	}
}

// WithSink sets where lifecycle transitions are published.
func WithSink(s sink.Sink) Option {
	return func(r *Responder) { r.sink = s }
}

// WithMetrics sets the metrics collector.
func WithMetrics(m *metrics.Metrics) Option {
	return func(r *Responder) { r.metrics = m }
}

// WithSanitizer sets how failure reasons are cleaned before recording.
func WithSanitizer(s *aerrors.Sanitizer) Option {
	return func(r *Responder) { r.sanitizer = s }
}

// WithHandlers registers handlers, replacing any with the same name.
func WithHandlers(hs ...Handler) Option {
	return func(r *Responder) {
		for _, h := range hs {
			r.handlers[h.Name()] = h
		}
	}
}

// Responder runs the containment plan for incidents. Each incident is
// responded to at most once.
type Responder struct {
	cfg       Config
	plan      Plan
	handlers  map[string]Handler
	sink      sink.Sink
	metrics   *metrics.Metrics
	sanitizer *aerrors.Sanitizer
	logger    *slog.Logger
	now       func() time.Time

	sem    chan struct{}
	wg     sync.WaitGroup
	base   context.Context
	cancel context.CancelFunc
}

// New creates a responder. Mock handlers are registered for every action
// unless replaced with WithHandlers.
func New(cfg Config, plan Plan, opts ...Option) (*Responder, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid responder config: %w", err)
	}
	if plan == nil {
		plan = DefaultPlan()
	}
	if err := plan.Validate(); err != nil {
		return nil, err
	}

	r := &Responder{
		cfg:      cfg,
		plan:     plan,
		handlers: make(map[string]Handler),
		logger:   slog.Default(),
		now:      time.Now,
		sem:      make(chan struct{}, cfg.Concurrency),
	}
	for _, h := range MockHandlers(0, nil) {
		r.handlers[h.Name()] = h
	}
	for _, opt := range opts {
		opt(r)
	}
	r.base, r.cancel = context.WithCancel(context.Background())
	return r, nil
}

// Plan returns the active plan.
func (r *Responder) Plan() Plan { return r.plan }

func (r *Responder) publish(ctx context.Context, t sink.Transition) {
	if r.sink == nil {
		return
	}
	if err := r.sink.Publish(ctx, t); err != nil {
		r.logger.Warn("failed to publish transition",
			"kind", t.Kind,
			"incident_id", t.IncidentID,
			"error", err,
		)
	}
}

// Respond runs the plan for inc and resolves it. It returns
// ErrAlreadyResponding if the incident left OPEN before this call.
func (r *Responder) Respond(ctx context.Context, inc *incident.Incident) (incident.Record, error) {
	start := r.now()
	if !inc.BeginResponse(start) {
		return inc.Snapshot(), ErrAlreadyResponding
	}
	snap := inc.Snapshot()
	r.publish(ctx, sink.Responding(snap, start))

	actions := r.plan.For(snap)
	logger := r.logger.With("incident_id", snap.ID, "source", snap.SourceIdentity)
	logger.Info("responding to incident",
		"severity", snap.Severity,
		"confidence", snap.FinalConfidence,
		"actions", actions,
	)

	outcomes := make(map[string]incident.ActionOutcome, len(actions))
	var mu sync.Mutex
	set := func(a string, o incident.ActionOutcome) {
		mu.Lock()
		outcomes[a] = o
		mu.Unlock()
	}

	var first, second []string
	for _, a := range actions {
		if stage(a) == 0 {
			first = append(first, a)
		} else {
			second = append(second, a)
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, a := range first {
		g.Go(func() error {
			set(a, r.run(gctx, inc, snap, a))
			return nil
		})
	}
	_ = g.Wait()

	for _, a := range second {
		if a == ActionRotateCredentials && containsAction(first, ActionQuarantine) &&
			outcomes[ActionQuarantine] != incident.OutcomeSucceeded {
			set(a, r.skip(ctx, inc, snap, a, "quarantine failed"))
			continue
		}
		set(a, r.run(ctx, inc, snap, a))
	}

	reason := escalationReason(actions, outcomes)
	if err := inc.Resolve(r.now(), reason); err != nil {
		return inc.Snapshot(), fmt.Errorf("resolve incident %s: %w", snap.ID, err)
	}

	final := inc.Snapshot()
	r.metrics.IncidentResolved(final.Latency, final.EscalationRequired)
	if elapsed := r.now().Sub(start); elapsed > r.cfg.Budget {
		logger.Warn("response exceeded budget", "elapsed", elapsed, "budget", r.cfg.Budget)
	}
	level := slog.LevelInfo
	if final.EscalationRequired {
		level = slog.LevelWarn
	}
	logger.Log(ctx, level, "incident resolved",
		"latency", final.Latency,
		"escalation_required", final.EscalationRequired,
		"escalation_reason", final.EscalationReason,
	)
	r.publish(ctx, sink.Resolved(final, *final.ResolvedAt))
	return final, nil
}

func escalationReason(actions []string, outcomes map[string]incident.ActionOutcome) string {
	if len(actions) == 0 {
		return incident.ReasonNoActions
	}
	var failed, succeeded bool
	for _, a := range actions {
		switch outcomes[a] {
		case incident.OutcomeFailed:
			failed = true
		case incident.OutcomeSucceeded:
			succeeded = true
		}
	}
	switch {
	case failed && !succeeded:
		return incident.ReasonAllActionsFailed
	case failed:
		return incident.ReasonResponseIncomplete
	}
	return ""
}

func containsAction(actions []string, a string) bool {
	for _, x := range actions {
		if x == a {
			return true
		}
	}
	return false
}

// run executes one action with retries and returns its final outcome.
func (r *Responder) run(ctx context.Context, inc *incident.Incident, snap incident.Record, action string) incident.ActionOutcome {
	h, ok := r.handlers[action]
	if !ok {
		return r.skip(ctx, inc, snap, action, reasonNoHandler)
	}

	var res Result
	for attempt := 1; attempt <= r.cfg.MaxRetries+1; attempt++ {
		if attempt > 1 {
			backoff := r.cfg.RetryBackoff * time.Duration(1<<(attempt-2))
			select {
			case <-ctx.Done():
				return res.Outcome
			case <-time.After(backoff):
			}
		}

		started := r.now()
		res = r.attempt(ctx, h, snap)
		r.record(ctx, inc, incident.ActionRecord{
			Action:     action,
			Attempt:    attempt,
			Outcome:    res.Outcome,
			Reason:     r.sanitizer.String(res.Reason),
			StartedAt:  started,
			FinishedAt: r.now(),
		})
		if res.Outcome != incident.OutcomeFailed {
			break
		}
	}
	return res.Outcome
}

// attempt calls the handler under the action timeout. A handler that
// ignores its context is abandoned when the timeout fires.
func (r *Responder) attempt(ctx context.Context, h Handler, snap incident.Record) Result {
	actx, cancel := context.WithTimeout(ctx, r.cfg.ActionTimeout)
	defer cancel()

	done := make(chan Result, 1)
	go func() {
		defer func() {
			if p := recover(); p != nil {
				r.logger.Error("action handler panicked", "action", h.Name(), "panic", p)
				done <- Failed(fmt.Sprintf("handler panic: %v", p))
			}
		}()
		done <- h.Execute(actx, snap)
	}()

	select {
	case res := <-done:
		if res.Outcome == "" {
			res.Outcome = incident.OutcomeSucceeded
		}
		return res
	case <-actx.Done():
		return Failed(r.sanitizer.Reason(actx.Err()))
	}
}

func (r *Responder) skip(ctx context.Context, inc *incident.Incident, snap incident.Record, action, reason string) incident.ActionOutcome {
	now := r.now()
	r.record(ctx, inc, incident.ActionRecord{
		Action:     action,
		Attempt:    1,
		Outcome:    incident.OutcomeNotApplicable,
		Reason:     reason,
		StartedAt:  now,
		FinishedAt: now,
	})
	return incident.OutcomeNotApplicable
}

func (r *Responder) record(ctx context.Context, inc *incident.Incident, rec incident.ActionRecord) {
	if err := inc.RecordAction(rec); err != nil {
		r.logger.Error("failed to record action", "incident_id", inc.ID(), "action", rec.Action, "error", err)
		return
	}
	r.metrics.ActionAttempt(rec.Action, string(rec.Outcome))
	r.publish(ctx, sink.ActionTaken(inc.Snapshot(), rec))
}

// Dispatch responds to inc in the background. At most Concurrency responses
// run at once; Dispatch blocks while the limit is reached.
func (r *Responder) Dispatch(inc *incident.Incident) {
	if r.base.Err() != nil {
		return
	}
	select {
	case r.sem <- struct{}{}:
	case <-r.base.Done():
		return
	}
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		defer func() { <-r.sem }()
		if _, err := r.Respond(r.base, inc); err != nil && !errors.Is(err, ErrAlreadyResponding) {
			r.logger.Error("incident response failed", "incident_id", inc.ID(), "error", err)
		}
	}()
}

// Wait blocks until dispatched responses finish. When ctx expires first the
// remaining responses are cancelled, which fails their pending actions, and
// Wait returns once they have resolved.
func (r *Responder) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		r.cancel()
		<-done
		return ctx.Err()
	}
}

// Close cancels in-flight responses and rejects further dispatches.
func (r *Responder) Close() {
	r.cancel()
	r.wg.Wait()
}
