package simulate

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"aegis-core/internal/queue"
	"aegis-core/internal/schema"
)

type captureTarget struct {
	mu     sync.Mutex
	events []*schema.Event
	err    error
}

func (c *captureTarget) Offer(_ context.Context, ev *schema.Event, policy queue.Policy) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if policy != queue.PolicyDrop {
		panic("simulator must not block the queue")
	}
	if c.err != nil {
		return c.err
	}
	c.events = append(c.events, ev)
	return nil
}

func (c *captureTarget) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.events)
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		modify  func(*Config)
		wantErr bool
	}{
		{"disabled ignores fields", func(c *Config) { c.Interval = 0 }, false},
		{"enabled default", func(c *Config) { c.Enabled = true }, false},
		{"zero interval", func(c *Config) { c.Enabled = true; c.Interval = 0 }, true},
		{"negative rate", func(c *Config) { c.Enabled = true; c.BackgroundRate = -1 }, true},
		{"unknown scenario", func(c *Config) { c.Enabled = true; c.Scenarios = []string{"zero-day"} }, true},
		{"known scenario", func(c *Config) { c.Enabled = true; c.Scenarios = []string{"web-injection"} }, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.modify(&cfg)
			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestGenerate(t *testing.T) {
	start := time.Date(2026, 10, 14, 12, 0, 0, 0, time.UTC)
	cfg := DefaultConfig()
	cfg.Seed = 42
	cfg.StepDelay = time.Second
	sim, err := New(cfg, WithClock(func() time.Time { return start }))
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	events, err := sim.Generate("credential-guessing")
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if len(events) != 13 {
		t.Fatalf("expected 13 events, got %d", len(events))
	}

	source := events[0].SourceIdentity
	if !strings.HasPrefix(source, "192.168.") {
		t.Errorf("expected 192.168.x.x source, got %s", source)
	}
	for i, ev := range events {
		if ev.SourceIdentity != source {
			t.Errorf("event %d: expected single source %s, got %s", i, source, ev.SourceIdentity)
		}
		if want := start.Add(time.Duration(i) * time.Second); !ev.Timestamp.Equal(want) {
			t.Errorf("event %d: expected timestamp %v, got %v", i, want, ev.Timestamp)
		}
	}
	if events[0].Type != schema.EventRecon {
		t.Errorf("expected recon first, got %s", events[0].Type)
	}
	last := events[len(events)-1]
	if last.Type != schema.EventCredGuess || last.Outcome != schema.OutcomeFailure {
		t.Errorf("expected failed cred-guess, got %s/%s", last.Type, last.Outcome)
	}

	if _, err := sim.Generate("nope"); err == nil {
		t.Error("expected error for unknown scenario")
	}
}

func TestGenerate_EventsValidate(t *testing.T) {
	now := time.Now()
	sim, err := New(DefaultConfig(), WithClock(func() time.Time { return now }))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	v := schema.NewValidator()

	for _, name := range Scenarios() {
		events, err := sim.Generate(name)
		if err != nil {
			t.Fatalf("Generate(%s): %v", name, err)
		}
		for _, ev := range events {
			if err := v.Validate(ev); err != nil {
				t.Errorf("%s: generated invalid event: %v", name, err)
			}
		}
	}
	if err := v.Validate(sim.Background()); err != nil {
		t.Errorf("background event invalid: %v", err)
	}
}

func TestGenerate_DistinctPayloads(t *testing.T) {
	sim, err := New(DefaultConfig())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	a, _ := sim.Generate("web-injection")
	b, _ := sim.Generate("web-injection")

	a[0].Payload["query"] = "mutated"
	if b[0].StringAttr("query") == "mutated" {
		t.Error("expected generated events not to share payload maps")
	}
}

func TestRun_EmitsUntilCancelled(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Interval = 5 * time.Millisecond
	cfg.StepDelay = 0
	cfg.BackgroundRate = 200
	cfg.Scenarios = []string{"exfiltration-chain"}
	sim, err := New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	target := &captureTarget{}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- sim.Run(ctx, target) }()

	deadline := time.Now().Add(2 * time.Second)
	for target.count() < 10 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("expected nil on cancel, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancel")
	}
	if target.count() < 10 {
		t.Errorf("expected at least 10 events, got %d", target.count())
	}
}

func TestRun_StopsWhenQueueClosed(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Interval = time.Millisecond
	cfg.BackgroundRate = 0
	sim, err := New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	q := queue.NewRingBuffer(16)
	q.Close()

	select {
	case err := <-runAsync(sim, q):
		if err != queue.ErrQueueClosed {
			t.Errorf("expected ErrQueueClosed, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Run did not stop on a closed queue")
	}
}

func runAsync(sim *Simulator, target Target) <-chan error {
	ch := make(chan error, 1)
	go func() { ch <- sim.Run(context.Background(), target) }()
	return ch
}

func TestDescribe(t *testing.T) {
	got := Describe("recon-scan-exploit")
	want := "recon -> scan x3 -> exploit"
	if got != want {
		t.Errorf("expected %q, got %q", want, got)
	}
	if Describe("missing") != "" {
		t.Error("expected empty description for unknown scenario")
	}
}
