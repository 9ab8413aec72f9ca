package pipeline

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"aegis-core/internal/detection"
	"aegis-core/internal/incident"
	"aegis-core/internal/queue"
	"aegis-core/internal/response"
	"aegis-core/internal/schema"
	"aegis-core/internal/sink"
	"aegis-core/internal/window"
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type harness struct {
	clock *testClock
	mem   *sink.Memory
	queue *queue.RingBuffer
	orch  *Orchestrator
}

func newHarness(t *testing.T, detectors []detection.Detector, mutate ...func(*Config)) *harness {
	t.Helper()
	clock := &testClock{now: time.Date(2026, 10, 14, 12, 0, 0, 0, time.UTC)}
	mem := sink.NewMemory()

	corr, err := incident.NewCorrelator(incident.DefaultConfig(),
		incident.WithClock(clock.Now),
		incident.WithDropHandler(DropReporter(mem, nil, clock.Now, nil)),
	)
	if err != nil {
		t.Fatalf("NewCorrelator() error = %v", err)
	}
	rcfg := response.DefaultConfig()
	rcfg.ActionTimeout = time.Second
	rcfg.RetryBackoff = time.Millisecond
	resp, err := response.New(rcfg, response.DefaultPlan(), response.WithClock(clock.Now), response.WithSink(mem))
	if err != nil {
		t.Fatalf("response.New() error = %v", err)
	}

	cfg := DefaultConfig()
	cfg.FlushInterval = 10 * time.Millisecond
	for _, m := range mutate {
		m(&cfg)
	}
	q := queue.NewRingBuffer(1000)
	orch, err := New(cfg, Deps{
		Queue:      q,
		Window:     window.New(10*time.Minute, window.WithClock(clock.Now)),
		Detectors:  detectors,
		Correlator: corr,
		Responder:  resp,
		Sink:       mem,
	})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	orch.Start(context.Background())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = orch.Stop(ctx)
	})
	return &harness{clock: clock, mem: mem, queue: q, orch: orch}
}

func builtins(t *testing.T, ids ...string) []detection.Detector {
	t.Helper()
	cfg := detection.DefaultConfig()
	if len(ids) > 0 {
		cfg.Enabled = ids
	}
	ds, err := detection.DefaultRegistry().Build(cfg, nil)
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}
	return ds
}

func (h *harness) event(typ schema.EventType, source string, payload map[string]any) *schema.Event {
	return schema.NewEvent(typ, source, "", payload).WithTimestamp(h.clock.Now())
}

func (h *harness) process(t *testing.T, batch ...*schema.Event) Tick {
	t.Helper()
	tick, err := h.orch.ProcessBatch(context.Background(), batch)
	if err != nil {
		t.Fatalf("ProcessBatch() error = %v", err)
	}
	return tick
}

func (h *harness) stop(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := h.orch.Stop(ctx); err != nil {
		t.Fatalf("Stop() error = %v", err)
	}
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{"default", func(*Config) {}, false},
		{"zero batch", func(c *Config) { c.BatchSize = 0 }, true},
		{"zero flush", func(c *Config) { c.FlushInterval = 0 }, true},
		{"negative workers", func(c *Config) { c.DetectorWorkers = -1 }, true},
		{"zero detector timeout", func(c *Config) { c.DetectorTimeout = 0 }, true},
		{"integrity check disabled", func(c *Config) { c.IntegrityCheckEvery = 0 }, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(&cfg)
			if err := cfg.Validate(); (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestNew_RequiresDeps(t *testing.T) {
	if _, err := New(DefaultConfig(), Deps{}); err == nil {
		t.Error("expected error for missing deps")
	}
}

func TestScenario_RateBurst(t *testing.T) {
	h := newHarness(t, builtins(t))

	batch := make([]*schema.Event, 150)
	for i := range batch {
		batch[i] = h.event(schema.EventScan, "S1", nil)
	}
	tick := h.process(t, batch...)
	if tick.Events != 150 {
		t.Errorf("expected 150 events, got %d", tick.Events)
	}
	h.stop(t)

	incs := h.orch.Correlator.BySource("S1")
	if len(incs) != 1 {
		t.Fatalf("expected exactly 1 incident for S1, got %d", len(incs))
	}
	rec := incs[0].Snapshot()
	if rec.Severity < incident.SeverityHigh {
		t.Errorf("expected severity >= HIGH, got %s", rec.Severity)
	}
	if !rec.HasDetector(detection.RateID) {
		t.Errorf("expected rate detector among contributors, got %v", rec.Detectors)
	}
	if rec.Status != incident.StatusResolved {
		t.Errorf("expected RESOLVED after drain, got %s", rec.Status)
	}
}

func TestScenario_StreamingRateBurst(t *testing.T) {
	h := newHarness(t, builtins(t))

	for b := 0; b < 15; b++ {
		batch := make([]*schema.Event, 10)
		for i := range batch {
			batch[i] = h.event(schema.EventScan, "S1", nil)
		}
		h.process(t, batch...)
		h.clock.Advance(600 * time.Millisecond)
		// Mock handlers resolve quickly, so later batches land on a resolved incident.
		time.Sleep(20 * time.Millisecond)
	}
	h.stop(t)

	incs := h.orch.Correlator.BySource("S1")
	if len(incs) != 1 {
		t.Fatalf("expected exactly 1 incident for a streamed burst, got %d", len(incs))
	}
	rec := incs[0].Snapshot()
	if !rec.HasDetector(detection.RateID) {
		t.Errorf("expected rate detector among contributors, got %v", rec.Detectors)
	}
	if rec.Severity < incident.SeverityHigh {
		t.Errorf("expected severity >= HIGH, got %s", rec.Severity)
	}
	if rec.Status != incident.StatusResolved {
		t.Errorf("expected RESOLVED, got %s", rec.Status)
	}

	responding := 0
	for _, k := range h.mem.Kinds() {
		if k == sink.KindResponding {
			responding++
		}
	}
	if responding != 1 {
		t.Errorf("expected a single response, got %d RESPONDING transitions", responding)
	}
}

func TestScenario_SignatureMatch(t *testing.T) {
	h := newHarness(t, builtins(t))

	h.process(t, h.event(schema.EventAPICall, "S3", map[string]any{"query": "id=1 UNION SELECT password FROM users"}))
	h.stop(t)

	incs := h.orch.Correlator.BySource("S3")
	if len(incs) != 1 {
		t.Fatalf("expected 1 incident, got %d", len(incs))
	}
	rec := incs[0].Snapshot()
	found := false
	for _, a := range rec.AttackTypes {
		if a == detection.AttackInjection {
			found = true
		}
	}
	if !found {
		t.Errorf("expected injection attack type, got %v", rec.AttackTypes)
	}
	if rec.RecommendedAction != detection.ActionQuarantine {
		t.Errorf("expected quarantine recommendation, got %s", rec.RecommendedAction)
	}
	if !rec.HasAction(response.ActionQuarantine) {
		t.Errorf("expected quarantine in action log, got %+v", rec.Actions)
	}
	if rec.Latency > response.DefaultConfig().Budget {
		t.Errorf("expected latency within budget, got %v", rec.Latency)
	}
}

func TestScenario_KillChain(t *testing.T) {
	h := newHarness(t, builtins(t))

	for _, typ := range []schema.EventType{schema.EventRecon, schema.EventExploit, schema.EventExfil} {
		h.process(t, h.event(typ, "S2", nil))
		h.clock.Advance(5 * time.Second)
	}
	h.stop(t)

	incs := h.orch.Correlator.BySource("S2")
	if len(incs) != 1 {
		t.Fatalf("expected a single incident for S2, got %d", len(incs))
	}
	rec := incs[0].Snapshot()
	if rec.Severity != incident.SeverityCritical {
		t.Errorf("expected CRITICAL, got %s", rec.Severity)
	}
	if len(rec.Candidates) < 3 {
		t.Errorf("expected at least 3 merged candidates, got %d", len(rec.Candidates))
	}
	attacks := make(map[detection.AttackType]bool)
	for _, a := range rec.AttackTypes {
		attacks[a] = true
	}
	for _, want := range []detection.AttackType{detection.AttackReconnaissance, detection.AttackExploitation, detection.AttackExfiltration} {
		if !attacks[want] {
			t.Errorf("expected %s among attack types, got %v", want, rec.AttackTypes)
		}
	}
	if !rec.HasDetector(detection.KillChainID) {
		t.Errorf("expected kill-chain detector, got %v", rec.Detectors)
	}
	if !rec.HasAction(response.ActionKillSwitch) {
		t.Errorf("expected kill switch, got %+v", rec.Actions)
	}
}

func TestScenario_ColdStart(t *testing.T) {
	h := newHarness(t, builtins(t, detection.AnomalyID))

	batch := make([]*schema.Event, 5)
	for i := range batch {
		batch[i] = h.event(schema.EventConnection, "brand-new", nil)
	}
	tick := h.process(t, batch...)
	if len(tick.Candidates) != 0 {
		t.Errorf("expected no candidates on cold start, got %d", len(tick.Candidates))
	}
	if h.orch.Correlator.Len() != 0 {
		t.Errorf("expected no incidents, got %d", h.orch.Correlator.Len())
	}
}

func TestScenario_DetectorIsolation(t *testing.T) {
	panicky := detection.Func{Name: "panicky", Fn: func(context.Context, []*schema.Event, detection.WindowReader) ([]*detection.Candidate, error) {
		panic("index out of range")
	}}
	broken := detection.Func{Name: "broken", Fn: func(context.Context, []*schema.Event, detection.WindowReader) ([]*detection.Candidate, error) {
		return nil, errors.New("model not loaded")
	}}
	ds := append([]detection.Detector{panicky, broken}, builtins(t, detection.RateID)...)
	h := newHarness(t, ds)

	batch := make([]*schema.Event, 60)
	for i := range batch {
		batch[i] = h.event(schema.EventScan, "S4", nil)
	}
	tick := h.process(t, batch...)

	if len(tick.Failed) != 2 {
		t.Fatalf("expected 2 failed detectors, got %d", len(tick.Failed))
	}
	var panicked bool
	for _, f := range tick.Failed {
		if f.DetectorID == "panicky" && f.Panic {
			panicked = true
		}
	}
	if !panicked {
		t.Errorf("expected the panic to be recovered as a detector error, got %+v", tick.Failed)
	}
	if len(tick.Candidates) != 1 || tick.Candidates[0].DetectorID != detection.RateID {
		t.Fatalf("expected the rate candidate to survive, got %+v", tick.Candidates)
	}
	if len(tick.Changes) != 1 || !tick.Changes[0].Created {
		t.Errorf("expected one new incident, got %+v", tick.Changes)
	}
}

func TestProcessBatch_DetectorTimeout(t *testing.T) {
	stuck := detection.Func{Name: "stuck", Fn: func(context.Context, []*schema.Event, detection.WindowReader) ([]*detection.Candidate, error) {
		time.Sleep(time.Second)
		return nil, nil
	}}
	h := newHarness(t, []detection.Detector{stuck}, func(c *Config) { c.DetectorTimeout = 20 * time.Millisecond })

	start := time.Now()
	tick := h.process(t, h.event(schema.EventScan, "S5", nil))
	if elapsed := time.Since(start); elapsed > 500*time.Millisecond {
		t.Errorf("expected the detector to be abandoned, took %v", elapsed)
	}
	if len(tick.Failed) != 1 || !errors.Is(tick.Failed[0], ErrDetectorTimeout) {
		t.Errorf("expected a timeout failure, got %+v", tick.Failed)
	}
}

func TestProcessBatch_OneCandidatePerSource(t *testing.T) {
	chatty := detection.Func{Name: "chatty", Fn: func(_ context.Context, batch []*schema.Event, _ detection.WindowReader) ([]*detection.Candidate, error) {
		var out []*detection.Candidate
		for _, ev := range batch {
			out = append(out, detection.NewCandidate("", ev.SourceIdentity, detection.AttackScan, 0.3,
				detection.ActionMonitor, ev.Timestamp, detection.EventEvidence(ev, "")))
		}
		return out, nil
	}}
	h := newHarness(t, []detection.Detector{chatty})

	tick := h.process(t,
		h.event(schema.EventScan, "A", nil),
		h.event(schema.EventRecon, "A", nil),
		h.event(schema.EventScan, "B", nil),
	)
	if len(tick.Candidates) != 2 {
		t.Fatalf("expected 2 candidates, got %d", len(tick.Candidates))
	}
	for _, c := range tick.Candidates {
		if c.DetectorID != "chatty" {
			t.Errorf("expected detector id to be filled in, got %q", c.DetectorID)
		}
	}
}

func TestProcessBatch_PublishesTransitions(t *testing.T) {
	h := newHarness(t, builtins(t, detection.SignatureID))

	h.process(t, h.event(schema.EventAPICall, "S6", map[string]any{"query": "id=1 UNION SELECT password FROM users"}))
	h.stop(t)

	kinds := h.mem.Kinds()
	if len(kinds) < 3 {
		t.Fatalf("expected at least 3 transitions, got %v", kinds)
	}
	if kinds[0] != sink.KindOpened {
		t.Errorf("expected OPENED first, got %s", kinds[0])
	}
	if kinds[1] != sink.KindResponding {
		t.Errorf("expected RESPONDING second, got %s", kinds[1])
	}
	if kinds[len(kinds)-1] != sink.KindResolved {
		t.Errorf("expected RESOLVED last, got %s", kinds[len(kinds)-1])
	}
}

func TestProcessBatch_IntegrityFailureHalts(t *testing.T) {
	h := newHarness(t, nil, func(c *Config) { c.IntegrityCheckEvery = 1 })

	h.process(t, h.event(schema.EventScan, "S7", nil))
	// A clock that jumps back past the skew tolerance leaves entries in the future.
	h.clock.Advance(-10 * time.Minute)

	_, err := h.orch.ProcessBatch(context.Background(), []*schema.Event{h.event(schema.EventScan, "S7", nil)})
	if !errors.Is(err, ErrHalted) {
		t.Fatalf("expected ErrHalted, got %v", err)
	}
	var ierr *window.IntegrityError
	if !errors.As(h.orch.Err(), &ierr) {
		t.Errorf("expected IntegrityError, got %v", h.orch.Err())
	}
	if !h.queue.Closed() {
		t.Error("expected intake to be closed")
	}
	health := h.orch.Health()
	if !health.Halted || health.Error == "" {
		t.Errorf("expected halted health, got %+v", health)
	}
	if _, err := h.orch.ProcessBatch(context.Background(), nil); !errors.Is(err, ErrHalted) {
		t.Errorf("expected later ticks to be refused, got %v", err)
	}
}

func TestStart_DrainsQueueOnStop(t *testing.T) {
	h := newHarness(t, builtins(t, detection.RateID))

	for i := 0; i < 80; i++ {
		if err := h.queue.Push(h.event(schema.EventScan, "S8", nil)); err != nil {
			t.Fatalf("Push() error = %v", err)
		}
	}
	h.stop(t)

	if h.queue.Len() != 0 {
		t.Errorf("expected queue drained, got %d", h.queue.Len())
	}
	health := h.orch.Health()
	if health.Events != 80 {
		t.Errorf("expected 80 events processed, got %d", health.Events)
	}
	if health.Running {
		t.Error("expected pipeline stopped")
	}
	incs := h.orch.Correlator.BySource("S8")
	if len(incs) != 1 {
		t.Fatalf("expected exactly 1 incident for S8, got %d", len(incs))
	}
	for _, inc := range incs {
		if inc.Status() != incident.StatusResolved {
			t.Errorf("expected RESOLVED after drain, got %s", inc.Status())
		}
	}
	if err := h.queue.Push(h.event(schema.EventScan, "S8", nil)); !errors.Is(err, queue.ErrQueueClosed) {
		t.Errorf("expected ErrQueueClosed after stop, got %v", err)
	}
}

func TestDropReporter(t *testing.T) {
	mem := sink.NewMemory()
	at := time.Date(2026, 10, 14, 12, 0, 0, 0, time.UTC)
	report := DropReporter(mem, nil, func() time.Time { return at }, nil)

	ev := schema.NewEvent(schema.EventScan, "S9", "", nil)
	c := detection.NewCandidate("rate", "S9", detection.AttackScan, 0.5, detection.ActionMonitor, ev.Timestamp)
	report(c, incident.ErrSubmitTimeout)

	all := mem.All()
	if len(all) != 1 {
		t.Fatalf("expected 1 transition, got %d", len(all))
	}
	tr := all[0]
	if tr.Kind != sink.KindCandidateDropped || tr.Candidate == nil || tr.Candidate.ID != c.ID {
		t.Errorf("unexpected transition %+v", tr)
	}
	if tr.Cause != incident.ErrSubmitTimeout.Error() {
		t.Errorf("expected cause %q, got %q", incident.ErrSubmitTimeout.Error(), tr.Cause)
	}
	if !tr.At.Equal(at) {
		t.Errorf("expected time %v, got %v", at, tr.At)
	}
}
