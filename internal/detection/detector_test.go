package detection

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"aegis-core/internal/schema"
	"aegis-core/internal/window"
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: time.Date(2026, 10, 14, 12, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Set(t time.Time) {
	c.mu.Lock()
	c.now = t
	c.mu.Unlock()
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// harness records events into a real aggregator before evaluating, as the pipeline does.
type harness struct {
	clock *testClock
	agg   *window.Aggregator
}

func newHarness(retention time.Duration) *harness {
	c := newTestClock()
	return &harness{clock: c, agg: window.New(retention, window.WithClock(c.Now))}
}

func (h *harness) event(t schema.EventType, source, target string, payload map[string]any) *schema.Event {
	return schema.NewEvent(t, source, target, payload).WithTimestamp(h.clock.Now())
}

func (h *harness) run(t *testing.T, d Detector, batch ...*schema.Event) []*Candidate {
	t.Helper()
	for _, ev := range batch {
		h.agg.Record(ev)
	}
	out, err := d.Evaluate(context.Background(), batch, h.agg)
	if err != nil {
		t.Fatalf("%s.Evaluate() error = %v", d.ID(), err)
	}
	return out
}

func TestRegistry_Build(t *testing.T) {
	r := DefaultRegistry()

	t.Run("builds enabled detectors in order", func(t *testing.T) {
		cfg := DefaultConfig()
		cfg.Enabled = []string{KillChainID, RateID}
		ds, err := r.Build(cfg, nil)
		if err != nil {
			t.Fatalf("Build() error = %v", err)
		}
		if len(ds) != 2 || ds[0].ID() != KillChainID || ds[1].ID() != RateID {
			t.Errorf("unexpected detectors %v", ds)
		}
	})

	t.Run("unknown id", func(t *testing.T) {
		cfg := DefaultConfig()
		cfg.Enabled = []string{"ml-magic"}
		if _, err := r.Build(cfg, nil); err == nil || !strings.Contains(err.Error(), "ml-magic") {
			t.Errorf("expected unknown detector error, got %v", err)
		}
	})

	t.Run("duplicate registration", func(t *testing.T) {
		err := r.Register(RateID, func(Config, *slog.Logger) (Detector, error) { return nil, nil })
		if err == nil {
			t.Error("expected duplicate registration error")
		}
	})

	t.Run("custom detector", func(t *testing.T) {
		custom := NewRegistry()
		custom.MustRegister("noop", func(Config, *slog.Logger) (Detector, error) {
			return Func{Name: "noop", Fn: func(context.Context, []*schema.Event, WindowReader) ([]*Candidate, error) {
				return nil, nil
			}}, nil
		})
		cfg := Config{Enabled: []string{"noop"}}
		ds, err := custom.Build(cfg, nil)
		if err != nil || len(ds) != 1 {
			t.Fatalf("Build() = %v, %v", ds, err)
		}
		if got := custom.IDs(); len(got) != 1 || got[0] != "noop" {
			t.Errorf("unexpected ids %v", got)
		}
	})
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{"defaults", func(*Config) {}, false},
		{"duplicate enabled", func(c *Config) { c.Enabled = []string{RateID, RateID} }, true},
		{"zero threshold", func(c *Config) {
			c.Rate.Rules = map[schema.EventType]RateRule{schema.EventScan: {Threshold: 0}}
		}, true},
		{"bad action", func(c *Config) {
			c.Rate.Rules = map[schema.EventType]RateRule{schema.EventScan: {Threshold: 5, Action: "nuke"}}
		}, true},
		{"negative rate cooldown", func(c *Config) { c.Rate.Cooldown = -time.Second }, true},
		{"escalation step above one", func(c *Config) { c.Rate.EscalationStep = 1.5 }, true},
		{"history below min buckets", func(c *Config) { c.Anomaly.History = 2 }, true},
		{"single stage chain", func(c *Config) { c.KillChain.MinStages = 1 }, true},
		{"unknown stage", func(c *Config) {
			c.KillChain.Stages = map[schema.EventType]Stage{schema.EventScan: "poking"}
		}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestFingerprint(t *testing.T) {
	at := time.Date(2026, 10, 14, 12, 0, 0, 0, time.UTC)
	ev := schema.NewEvent(schema.EventScan, "S1", "", nil)

	a := NewCandidate(RateID, "S1", AttackScan, 0.5, ActionQuarantine, at, EventEvidence(ev, "x"))
	b := NewCandidate(RateID, "S1", AttackScan, 0.5, ActionQuarantine, at, EventEvidence(ev, "x"))
	if a.ID != b.ID {
		t.Error("expected identical candidates to share a fingerprint")
	}

	other := schema.NewEvent(schema.EventScan, "S1", "", nil)
	c := NewCandidate(RateID, "S1", AttackScan, 0.5, ActionQuarantine, at, EventEvidence(other, "x"))
	if a.ID == c.ID {
		t.Error("expected different evidence to change the fingerprint")
	}

	if a.WithTarget("db-1").ID == a.ID {
		t.Error("expected target to change the fingerprint")
	}
}

func TestNewCandidate_ClipsConfidence(t *testing.T) {
	at := time.Now()
	if c := NewCandidate("x", "S", AttackScan, 1.7, ActionMonitor, at); c.Confidence != 1 {
		t.Errorf("expected 1, got %v", c.Confidence)
	}
	if c := NewCandidate("x", "S", AttackScan, -0.2, ActionMonitor, at); c.Confidence != 0 {
		t.Errorf("expected 0, got %v", c.Confidence)
	}
}
