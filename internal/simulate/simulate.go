// Package simulate generates synthetic attack traffic for demos and soak
// tests. Generated events enter the pipeline through the same queue as real
// sensor input.
package simulate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"strings"
	"sync"
	"time"

	"aegis-core/internal/queue"
	"aegis-core/internal/schema"
)

// Config controls the simulator.
type Config struct {
	Enabled bool `yaml:"enabled"`
	// Interval is the pause between attack sequences.
	Interval time.Duration `yaml:"interval"`
	// StepDelay separates the steps of one sequence.
	StepDelay time.Duration `yaml:"step_delay"`
	// BackgroundRate is benign events per second mixed in; 0 disables it.
	BackgroundRate int `yaml:"background_rate"`
	// Scenarios restricts which sequences run; empty runs all of them.
	Scenarios []string `yaml:"scenarios"`
	Seed      uint64   `yaml:"seed"`
}

// DefaultConfig returns the default simulator configuration.
func DefaultConfig() Config {
	return Config{
		Interval:       10 * time.Second,
		StepDelay:      500 * time.Millisecond,
		BackgroundRate: 5,
	}
}

// Validate checks the configuration.
func (c Config) Validate() error {
	if !c.Enabled {
		return nil
	}
	if c.Interval <= 0 {
		return fmt.Errorf("interval must be positive")
	}
	if c.StepDelay < 0 {
		return fmt.Errorf("step_delay must not be negative")
	}
	if c.BackgroundRate < 0 {
		return fmt.Errorf("background_rate must not be negative")
	}
	for _, name := range c.Scenarios {
		if _, ok := lookup(name); !ok {
			return fmt.Errorf("unknown scenario %q", name)
		}
	}
	return nil
}

// Step is one event template in a scenario.
type Step struct {
	Type    schema.EventType
	Target  string
	Outcome schema.Outcome
	Payload map[string]any
	Repeat  int
}

// Scenario is a named attack sequence emitted from a single source.
type Scenario struct {
	Name  string
	Steps []Step
}

var scenarios = []Scenario{
	{Name: "recon-scan-exploit", Steps: []Step{
		{Type: schema.EventRecon, Target: "server-prod-01"},
		{Type: schema.EventScan, Target: "server-prod-01", Repeat: 3},
		{Type: schema.EventExploit, Target: "server-prod-01"},
	}},
	{Name: "credential-guessing", Steps: []Step{
		{Type: schema.EventRecon, Target: "auth-gateway-01"},
		{Type: schema.EventCredGuess, Target: "auth-gateway-01", Outcome: schema.OutcomeFailure, Repeat: 12},
	}},
	{Name: "exfiltration-chain", Steps: []Step{
		{Type: schema.EventScan, Target: "db-server-01"},
		{Type: schema.EventExploit, Target: "db-server-01"},
		{Type: schema.EventExfil, Target: "db-server-01", Payload: map[string]any{"bytes": 52428800}},
	}},
	{Name: "web-injection", Steps: []Step{
		{Type: schema.EventAPICall, Target: "db-server-01", Payload: map[string]any{"query": "' OR 1=1; DROP TABLE users--"}},
		{Type: schema.EventAPICall, Target: "web-app-01", Payload: map[string]any{"body": "<script>alert('XSS')</script>"}},
		{Type: schema.EventFileAccess, Target: "web-app-01", Payload: map[string]any{"path": "../../../../etc/passwd"}},
	}},
	{Name: "lateral-movement", Steps: []Step{
		{Type: schema.EventRecon, Target: "server-prod-01"},
		{Type: schema.EventExploit, Target: "server-prod-01"},
		{Type: schema.EventLateralMove, Target: "server-prod-02"},
		{Type: schema.EventExfil, Target: "server-prod-02"},
	}},
	{Name: "scan-burst", Steps: []Step{
		{Type: schema.EventScan, Target: "loadbalancer-01", Repeat: 120},
	}},
}

var benign = []Step{
	{Type: schema.EventConnection, Target: "web-app-01", Outcome: schema.OutcomeSuccess},
	{Type: schema.EventAPICall, Target: "web-app-01", Outcome: schema.OutcomeSuccess, Payload: map[string]any{"path": "/api/v1/orders"}},
	{Type: schema.EventAuthAttempt, Target: "auth-gateway-01", Outcome: schema.OutcomeSuccess},
	{Type: schema.EventFileAccess, Target: "file-share-01", Outcome: schema.OutcomeSuccess, Payload: map[string]any{"path": "/shared/reports/q3.pdf"}},
}

func lookup(name string) (Scenario, bool) {
	for _, s := range scenarios {
		if s.Name == name {
			return s, true
		}
	}
	return Scenario{}, false
}

// Scenarios returns the names of the built-in sequences.
func Scenarios() []string {
	names := make([]string, len(scenarios))
	for i, s := range scenarios {
		names[i] = s.Name
	}
	return names
}

// Target receives simulated events.
type Target interface {
	Offer(ctx context.Context, event *schema.Event, policy queue.Policy) error
}

// Option configures a Simulator.
type Option func(*Simulator)

// WithClock sets the time source used to stamp events.
func WithClock(now func() time.Time) Option {
	return func(s *Simulator) { s.now = now }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Simulator) {
		if l != nil {
			s.logger = l
		}
	}
}

// Simulator emits scenarios from random source addresses.
type Simulator struct {
	cfg    Config
	active []Scenario
	logger *slog.Logger
	now    func() time.Time

	mu  sync.Mutex
	rng *rand.Rand
}

// New creates a simulator.
func New(cfg Config, opts ...Option) (*Simulator, error) {
	cfg.Enabled = true
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid simulator config: %w", err)
	}

	seed := cfg.Seed
	if seed == 0 {
		seed = uint64(time.Now().UnixNano())
	}
	s := &Simulator{
		cfg:    cfg,
		logger: slog.Default(),
		now:    time.Now,
		rng:    rand.New(rand.NewPCG(seed, seed>>1|1)),
	}
	if len(cfg.Scenarios) == 0 {
		s.active = scenarios
	} else {
		for _, name := range cfg.Scenarios {
			sc, _ := lookup(name)
			s.active = append(s.active, sc)
		}
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

func (s *Simulator) sourceIP() string {
	return fmt.Sprintf("192.168.%d.%d", s.rng.IntN(255)+1, s.rng.IntN(255)+1)
}

func build(step Step, source string, ts time.Time) *schema.Event {
	ev := schema.NewEvent(step.Type, source, step.Target, step.Payload).WithTimestamp(ts)
	if step.Outcome != "" {
		ev = ev.WithOutcome(step.Outcome)
	}
	return ev
}

// Generate expands the named scenario into events from one random source.
// Successive events are stamped StepDelay apart starting now.
func (s *Simulator) Generate(name string) ([]*schema.Event, error) {
	sc, ok := lookup(name)
	if !ok {
		return nil, fmt.Errorf("unknown scenario %q", name)
	}
	s.mu.Lock()
	source := s.sourceIP()
	s.mu.Unlock()

	ts := s.now()
	var events []*schema.Event
	for _, step := range sc.Steps {
		for i := 0; i < max(step.Repeat, 1); i++ {
			events = append(events, build(step, source, ts))
			ts = ts.Add(s.cfg.StepDelay)
		}
	}
	return events, nil
}

// Background returns one benign event from a random internal host.
func (s *Simulator) Background() *schema.Event {
	s.mu.Lock()
	step := benign[s.rng.IntN(len(benign))]
	source := fmt.Sprintf("10.0.%d.%d", s.rng.IntN(16), s.rng.IntN(254)+1)
	s.mu.Unlock()
	return build(step, source, s.now())
}

func (s *Simulator) pick() Scenario {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active[s.rng.IntN(len(s.active))]
}

// Run emits a random scenario every Interval plus background traffic until
// ctx is done or the target is closed.
func (s *Simulator) Run(ctx context.Context, target Target) error {
	s.logger.Info("attack simulator started",
		"interval", s.cfg.Interval,
		"background_rate", s.cfg.BackgroundRate,
		"scenarios", len(s.active),
	)

	errCh := make(chan error, 1)
	if s.cfg.BackgroundRate > 0 {
		go func() {
			ticker := time.NewTicker(time.Second / time.Duration(s.cfg.BackgroundRate))
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return
				case <-ticker.C:
					if err := s.offer(ctx, target, s.Background()); err != nil {
						errCh <- err
						return
					}
				}
			}
		}()
	}

	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case err := <-errCh:
			return err
		case <-ticker.C:
			if err := s.emit(ctx, target, s.pick()); err != nil {
				return err
			}
		}
	}
}

func (s *Simulator) emit(ctx context.Context, target Target, sc Scenario) error {
	events, err := s.Generate(sc.Name)
	if err != nil {
		return err
	}
	s.logger.Info("launching attack sequence",
		"scenario", sc.Name,
		"source", events[0].SourceIdentity,
		"events", len(events),
	)
	for i, ev := range events {
		if i > 0 && s.cfg.StepDelay > 0 {
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(s.cfg.StepDelay):
			}
		}
		// Stamp at emission so the window sees live traffic.
		if err := s.offer(ctx, target, ev.WithTimestamp(s.now())); err != nil {
			return err
		}
	}
	return nil
}

// offer drops on a full queue so the simulator never stalls the pipeline.
func (s *Simulator) offer(ctx context.Context, target Target, ev *schema.Event) error {
	err := target.Offer(ctx, ev, queue.PolicyDrop)
	switch {
	case err == nil, errors.Is(err, queue.ErrQueueFull):
		return nil
	case errors.Is(err, queue.ErrQueueClosed):
		return err
	case ctx.Err() != nil:
		return nil
	}
	s.logger.Warn("simulated event rejected", "type", ev.Type, "error", err)
	return nil
}

// Describe renders a scenario as "a -> b -> c" for logs and CLI output.
func Describe(name string) string {
	sc, ok := lookup(name)
	if !ok {
		return ""
	}
	parts := make([]string, 0, len(sc.Steps))
	for _, st := range sc.Steps {
		p := string(st.Type)
		if st.Repeat > 1 {
			p = fmt.Sprintf("%s x%d", p, st.Repeat)
		}
		parts = append(parts, p)
	}
	return strings.Join(parts, " -> ")
}
