package detection

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"aegis-core/internal/schema"
)

func TestBuiltinSignatures(t *testing.T) {
	sigs := BuiltinSignatures()
	if len(sigs) != 8 {
		t.Fatalf("expected 8 builtin signatures, got %d", len(sigs))
	}
	for _, s := range sigs {
		if len(s.compiled) != len(s.Patterns) {
			t.Errorf("%s: patterns not compiled", s.ID)
		}
	}
}

func TestSignatureDetector(t *testing.T) {
	h := newHarness(time.Minute)
	d, err := NewSignatureDetectorFromConfig(DefaultConfig().Signature)
	if err != nil {
		t.Fatalf("NewSignatureDetectorFromConfig() error = %v", err)
	}

	tests := []struct {
		name       string
		payload    map[string]any
		wantMatch  bool
		wantAttack AttackType
		wantAction Action
		wantConf   float64
	}{
		{"sql injection", map[string]any{"query": "id=1 UNION SELECT password FROM users"}, true, AttackInjection, ActionQuarantine, 0.80},
		{"classic tautology", map[string]any{"request": "user=admin' OR 1=1 --"}, true, AttackInjection, ActionQuarantine, 0.80},
		{"command injection", map[string]any{"payload": "file.txt; cat /etc/shadow"}, true, AttackInjection, ActionKill, 0.95},
		{"rce", map[string]any{"body": "<?php system('id'); ?>"}, true, AttackMalwareSignature, ActionKill, 0.95},
		{"xxe", map[string]any{"data": `<!DOCTYPE foo [<!ENTITY xxe SYSTEM "file:///etc/hosts">]>`}, true, AttackInjection, ActionQuarantine, 0.80},
		{"benign", map[string]any{"query": "page=2&sort=name"}, false, "", "", 0},
		{"unsearched field", map[string]any{"note": "UNION SELECT"}, false, "", "", 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ev := h.event(schema.EventAPICall, "S-"+tt.name, "/api/users", tt.payload)
			out := h.run(t, d, ev)
			if !tt.wantMatch {
				if len(out) != 0 {
					t.Errorf("expected no candidate, got %+v", out[0])
				}
				return
			}
			if len(out) != 1 {
				t.Fatalf("expected 1 candidate, got %d", len(out))
			}
			c := out[0]
			if c.AttackType != tt.wantAttack {
				t.Errorf("expected attack %s, got %s", tt.wantAttack, c.AttackType)
			}
			if c.RecommendedAction != tt.wantAction {
				t.Errorf("expected action %s, got %s", tt.wantAction, c.RecommendedAction)
			}
			if c.Confidence != tt.wantConf {
				t.Errorf("expected confidence %v, got %v", tt.wantConf, c.Confidence)
			}
			if c.Target != "/api/users" {
				t.Errorf("expected target carried over, got %q", c.Target)
			}
		})
	}

	t.Run("one candidate per source with strongest match", func(t *testing.T) {
		batch := []*schema.Event{
			h.event(schema.EventAPICall, "S9", "", map[string]any{"query": "1=1"}),
			h.event(schema.EventAPICall, "S9", "", map[string]any{"payload": "x; whoami"}),
		}
		out := h.run(t, d, batch...)
		if len(out) != 1 {
			t.Fatalf("expected 1 candidate, got %d", len(out))
		}
		if out[0].RecommendedAction != ActionKill {
			t.Errorf("expected strongest (kill), got %s", out[0].RecommendedAction)
		}
		if len(out[0].Evidence) != 2 {
			t.Errorf("expected evidence for both matches, got %d", len(out[0].Evidence))
		}
	})
}

func TestParseSignatures(t *testing.T) {
	t.Run("single document", func(t *testing.T) {
		sigs, err := ParseSignatures([]byte("id: CUST-1\nname: Beacon\nseverity: medium\npatterns: ['beacon\\.evil']\n"))
		if err != nil {
			t.Fatalf("ParseSignatures() error = %v", err)
		}
		if len(sigs) != 1 || sigs[0].Action != ActionQuarantine || sigs[0].AttackType != AttackMalwareSignature {
			t.Errorf("unexpected signature %+v", sigs[0])
		}
	})

	errorCases := map[string]string{
		"bad regex":      "- id: X\n  name: X\n  severity: low\n  patterns: ['(']\n",
		"bad severity":   "- id: X\n  name: X\n  severity: spicy\n  patterns: ['a']\n",
		"no patterns":    "- id: X\n  name: X\n  severity: low\n",
		"duplicate id":   "- {id: X, name: X, severity: low, patterns: [a]}\n- {id: X, name: Y, severity: low, patterns: [b]}\n",
		"invalid action": "- {id: X, name: X, severity: low, action: nuke, patterns: [a]}\n",
	}
	for name, doc := range errorCases {
		t.Run(name, func(t *testing.T) {
			if _, err := ParseSignatures([]byte(doc)); err == nil {
				t.Error("expected error")
			}
		})
	}
}

func TestSignatureDetector_FileOverride(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sigs.yaml")
	doc := "- {id: SIG-001, name: SQL Injection (strict), severity: critical, attack_type: injection, patterns: ['union\\s+select']}\n" +
		"- {id: CUST-9, name: Canary, severity: low, action: monitor, patterns: ['canary-token']}\n"
	if err := os.WriteFile(path, []byte(doc), 0o600); err != nil {
		t.Fatal(err)
	}

	d, err := NewSignatureDetectorFromConfig(SignatureConfig{File: path})
	if err != nil {
		t.Fatalf("NewSignatureDetectorFromConfig() error = %v", err)
	}
	if n := len(d.Signatures()); n != 9 {
		t.Errorf("expected 9 signatures after override, got %d", n)
	}

	matches := d.MatchContent("x UNION   SELECT y")
	if len(matches) != 1 || matches[0].Signature.Severity != SeverityCritical {
		t.Errorf("expected overridden SIG-001 to match as critical, got %+v", matches)
	}

	only, err := NewSignatureDetectorFromConfig(SignatureConfig{File: path, DisableBuiltins: true})
	if err != nil || len(only.Signatures()) != 2 {
		t.Errorf("expected only file signatures, got %v (err %v)", len(only.Signatures()), err)
	}

	if _, err := NewSignatureDetectorFromConfig(SignatureConfig{DisableBuiltins: true}); err == nil {
		t.Error("expected error with no signatures")
	}
}

func TestRateConfidence(t *testing.T) {
	tests := []struct {
		count, threshold int
		want             float64
	}{
		{50, 50, 0},
		{10, 50, 0},
		{60, 50, 0.2},
		{75, 50, 0.5},
		{100, 50, 1},
		{150, 50, 1},
		{3, 0, 0},
	}
	for _, tt := range tests {
		if got := RateConfidence(tt.count, tt.threshold); got < tt.want-1e-9 || got > tt.want+1e-9 {
			t.Errorf("RateConfidence(%d, %d) = %v, want %v", tt.count, tt.threshold, got, tt.want)
		}
	}
}

func TestRateDetector(t *testing.T) {
	h := newHarness(time.Minute)
	d := NewRateDetector(DefaultConfig().Rate)

	var batch []*schema.Event
	for i := 0; i < 50; i++ {
		batch = append(batch, h.event(schema.EventScan, "S1", "", nil))
	}
	if out := h.run(t, d, batch...); len(out) != 0 {
		t.Fatalf("expected no candidate at threshold, got %d", len(out))
	}

	out := h.run(t, d, h.event(schema.EventScan, "S1", "", nil))
	if len(out) != 1 {
		t.Fatalf("expected 1 candidate just over threshold, got %d", len(out))
	}
	if out[0].Confidence != 0.05 {
		t.Errorf("expected min confidence floor 0.05, got %v", out[0].Confidence)
	}

	batch = batch[:0]
	for i := 0; i < 99; i++ {
		batch = append(batch, h.event(schema.EventScan, "S1", "", nil))
	}
	out = h.run(t, d, batch...)
	if len(out) != 1 || out[0].Confidence != 1 {
		t.Fatalf("expected saturated candidate, got %+v", out)
	}
	if out[0].AttackType != AttackScan || out[0].RecommendedAction != ActionQuarantine {
		t.Errorf("unexpected classification %s/%s", out[0].AttackType, out[0].RecommendedAction)
	}
	if out[0].Evidence[0].Snapshot[schema.EventScan] != 150 {
		t.Errorf("expected snapshot evidence of 150 scans, got %v", out[0].Evidence[0].Snapshot)
	}

	t.Run("window expiry", func(t *testing.T) {
		h.clock.Advance(2 * time.Minute)
		if out := h.run(t, d, h.event(schema.EventScan, "S1", "", nil)); len(out) != 0 {
			t.Errorf("expected old scans to age out, got %d", len(out))
		}
	})

	t.Run("types without rules are ignored", func(t *testing.T) {
		var batch []*schema.Event
		for i := 0; i < 500; i++ {
			batch = append(batch, h.event(schema.EventFileAccess, "S2", "", nil))
		}
		if out := h.run(t, d, batch...); len(out) != 0 {
			t.Errorf("expected no candidate, got %d", len(out))
		}
	})
}

func TestRateDetector_Cooldown(t *testing.T) {
	h := newHarness(time.Minute)
	cfg := DefaultConfig().Rate
	cfg.Cooldown = 10 * time.Second
	d := NewRateDetector(cfg)

	scans := func(n int) []*schema.Event {
		batch := make([]*schema.Event, n)
		for i := range batch {
			batch[i] = h.event(schema.EventScan, "S1", "", nil)
		}
		return batch
	}

	out := h.run(t, d, scans(60)...)
	if len(out) != 1 {
		t.Fatalf("expected 1 candidate over threshold, got %d", len(out))
	}

	h.clock.Advance(time.Second)
	if out := h.run(t, d, scans(5)...); len(out) != 0 {
		t.Errorf("expected a sustained burst to stay quiet during cooldown, got %d", len(out))
	}

	h.clock.Advance(time.Second)
	out = h.run(t, d, scans(15)...)
	if len(out) != 1 {
		t.Fatalf("expected a re-fire once confidence climbs a step, got %d", len(out))
	}
	if out[0].Confidence < 0.59 || out[0].Confidence > 0.61 {
		t.Errorf("expected confidence 0.6, got %v", out[0].Confidence)
	}

	t.Run("other types are not held back", func(t *testing.T) {
		var batch []*schema.Event
		for i := 0; i < 11; i++ {
			batch = append(batch, h.event(schema.EventCredGuess, "S1", "", nil))
		}
		out := h.run(t, d, batch...)
		if len(out) != 1 || out[0].AttackType != AttackCredential {
			t.Fatalf("expected a credential candidate, got %+v", out)
		}
	})

	t.Run("fires again after cooldown", func(t *testing.T) {
		h.clock.Advance(11 * time.Second)
		if out := h.run(t, d, scans(1)...); len(out) != 1 {
			t.Errorf("expected a candidate once the cooldown elapsed, got %d", len(out))
		}
	})
}

func TestAnomalyDetector_ColdStart(t *testing.T) {
	h := newHarness(10 * time.Minute)
	d := NewAnomalyDetector(DefaultConfig().Anomaly)

	var batch []*schema.Event
	for i := 0; i < 5; i++ {
		batch = append(batch, h.event(schema.EventAPICall, "fresh", "", nil))
	}
	if out := h.run(t, d, batch...); len(out) != 0 {
		t.Errorf("expected no candidate during cold start, got %d", len(out))
	}
	if _, _, _, ok := d.Baseline("fresh"); ok {
		t.Error("expected baseline to be unavailable")
	}
}

func TestAnomalyDetector_Spike(t *testing.T) {
	h := newHarness(10 * time.Minute)
	d := NewAnomalyDetector(DefaultConfig().Anomaly)
	base := h.clock.Now()

	// Steady three events per minute, observed one second after they happen.
	for k := 0; k < 6; k++ {
		h.clock.Set(base.Add(time.Duration(k)*time.Minute + time.Second))
		var batch []*schema.Event
		for i := 0; i < 3; i++ {
			batch = append(batch, schema.NewEvent(schema.EventAPICall, "S1", "", nil).WithTimestamp(base.Add(time.Duration(k)*time.Minute)))
		}
		h.clock.Advance(time.Second)
		if out := h.run(t, d, batch...); len(out) != 0 {
			t.Fatalf("minute %d: expected steady traffic to pass, got %+v", k, out[0].Evidence[0].Detail)
		}
	}

	mean, _, buckets, ok := d.Baseline("S1")
	if !ok || buckets != 5 || mean != 3 {
		t.Fatalf("expected warm baseline of 5 buckets at mean 3, got ok=%v buckets=%d mean=%v", ok, buckets, mean)
	}

	h.clock.Set(base.Add(6*time.Minute + 2*time.Second))
	var burst []*schema.Event
	for i := 0; i < 40; i++ {
		burst = append(burst, h.event(schema.EventAPICall, "S1", "", nil))
	}
	out := h.run(t, d, burst...)
	if len(out) != 1 {
		t.Fatalf("expected 1 anomaly candidate, got %d", len(out))
	}
	c := out[0]
	if c.RecommendedAction != ActionMonitor || c.AttackType != AttackAutomationPattern {
		t.Errorf("unexpected classification %s/%s", c.AttackType, c.RecommendedAction)
	}
	if c.Confidence <= 0.5 || c.Confidence >= 1 {
		t.Errorf("expected confidence in (0.5, 1), got %v", c.Confidence)
	}
}

func TestProfileDetector(t *testing.T) {
	t.Run("lateral movement", func(t *testing.T) {
		h := newHarness(time.Minute)
		d := NewProfileDetector(DefaultConfig().Profile)
		var batch []*schema.Event
		for i := 0; i < 6; i++ {
			batch = append(batch, h.event(schema.EventConnection, "S1", string(rune('a'+i))+".internal", nil))
		}
		out := h.run(t, d, batch...)
		if len(out) != 1 {
			t.Fatalf("expected 1 candidate, got %d", len(out))
		}
		if out[0].AttackType != AttackLateralMovement || out[0].RecommendedAction != ActionKill {
			t.Errorf("unexpected classification %s/%s", out[0].AttackType, out[0].RecommendedAction)
		}
	})

	t.Run("failed attempts", func(t *testing.T) {
		h := newHarness(time.Minute)
		d := NewProfileDetector(DefaultConfig().Profile)
		var batch []*schema.Event
		for i := 0; i < 11; i++ {
			batch = append(batch, h.event(schema.EventAuthAttempt, "S2", "", nil).WithOutcome(schema.OutcomeFailure))
		}
		out := h.run(t, d, batch...)
		if len(out) != 1 || out[0].AttackType != AttackCredential || out[0].RecommendedAction != ActionMonitor {
			t.Fatalf("expected credential monitor candidate, got %+v", out)
		}
	})

	t.Run("suspicious score and cooldown", func(t *testing.T) {
		h := newHarness(time.Minute)
		d := NewProfileDetector(DefaultConfig().Profile)
		var batch []*schema.Event
		for i := 0; i < 6; i++ {
			batch = append(batch, h.event(schema.EventExploit, "S3", "", nil))
		}
		out := h.run(t, d, batch...)
		if len(out) != 1 || out[0].RecommendedAction != ActionQuarantine {
			t.Fatalf("expected quarantine candidate for score 60, got %+v", out)
		}

		if again := h.run(t, d, h.event(schema.EventExploit, "S3", "", nil)); len(again) != 0 {
			t.Errorf("expected cooldown to suppress repeat, got %d", len(again))
		}

		h.clock.Advance(31 * time.Second)
		if again := h.run(t, d, h.event(schema.EventExploit, "S3", "", nil)); len(again) != 1 {
			t.Errorf("expected rule to fire again after cooldown, got %d", len(again))
		}
	})

	t.Run("quiet source", func(t *testing.T) {
		h := newHarness(time.Minute)
		d := NewProfileDetector(DefaultConfig().Profile)
		if out := h.run(t, d, h.event(schema.EventConnection, "S4", "db", nil)); len(out) != 0 {
			t.Errorf("expected nothing, got %d", len(out))
		}
	})
}

func TestKillChainDetector(t *testing.T) {
	h := newHarness(10 * time.Minute)
	d := NewKillChainDetector(DefaultConfig().KillChain)

	if out := h.run(t, d, h.event(schema.EventRecon, "S2", "", nil)); len(out) != 0 {
		t.Fatalf("expected nothing after one stage, got %d", len(out))
	}
	h.clock.Advance(30 * time.Second)
	if out := h.run(t, d, h.event(schema.EventExploit, "S2", "", nil)); len(out) != 0 {
		t.Fatalf("expected nothing after two stages, got %d", len(out))
	}
	h.clock.Advance(30 * time.Second)
	out := h.run(t, d, h.event(schema.EventExfil, "S2", "", nil))
	if len(out) != 4 {
		t.Fatalf("expected kill-chain candidate plus 3 stage candidates, got %d", len(out))
	}
	c := out[0]
	stages := make(map[AttackType]bool)
	for _, sc := range out[1:] {
		if sc.Confidence != stageConfidence || sc.RecommendedAction != ActionMonitor {
			t.Errorf("unexpected stage candidate %s %v/%s", sc.AttackType, sc.Confidence, sc.RecommendedAction)
		}
		stages[sc.AttackType] = true
	}
	for _, want := range []AttackType{AttackReconnaissance, AttackExploitation, AttackExfiltration} {
		if !stages[want] {
			t.Errorf("expected a %s stage candidate, got %v", want, stages)
		}
	}
	if c.AttackType != AttackKillChain || c.RecommendedAction != ActionKill {
		t.Errorf("unexpected classification %s/%s", c.AttackType, c.RecommendedAction)
	}
	if c.Confidence < 0.89 || c.Confidence > 0.91 {
		t.Errorf("expected confidence 0.9, got %v", c.Confidence)
	}
	if len(c.Evidence) != 3 || c.Evidence[0].Note != string(StageReconnaissance) || c.Evidence[2].Note != string(StageExfiltration) {
		t.Errorf("unexpected evidence %+v", c.Evidence)
	}

	t.Run("no repeat without growth", func(t *testing.T) {
		if out := h.run(t, d, h.event(schema.EventExfil, "S2", "", nil)); len(out) != 0 {
			t.Errorf("expected no repeat, got %d", len(out))
		}
	})

	t.Run("stage after exfiltration does not extend the chain", func(t *testing.T) {
		h.clock.Advance(time.Second)
		if out := h.run(t, d, h.event(schema.EventLateralMove, "S2", "", nil)); len(out) != 0 {
			t.Errorf("expected no candidate, got %d", len(out))
		}
	})

	t.Run("fires again when chain grows", func(t *testing.T) {
		h := newHarness(10 * time.Minute)
		d := NewKillChainDetector(DefaultConfig().KillChain)
		for _, typ := range []schema.EventType{schema.EventRecon, schema.EventExploit} {
			h.run(t, d, h.event(typ, "S3", "", nil))
			h.clock.Advance(time.Second)
		}
		if out := h.run(t, d, h.event(schema.EventLateralMove, "S3", "", nil)); len(out) != 4 {
			t.Fatalf("expected candidates at three stages, got %d", len(out))
		}
		h.clock.Advance(time.Second)
		out := h.run(t, d, h.event(schema.EventExfil, "S3", "", nil))
		if len(out) != 2 {
			t.Fatalf("expected a second chain candidate and one new stage at four stages, got %d", len(out))
		}
		if len(out[0].Evidence) != 4 {
			t.Errorf("expected 4 stages of evidence, got %d", len(out[0].Evidence))
		}
		if out[1].AttackType != AttackExfiltration {
			t.Errorf("expected only the exfiltration stage to be new, got %s", out[1].AttackType)
		}
	})

	t.Run("out of order stages do not chain", func(t *testing.T) {
		h := newHarness(10 * time.Minute)
		d := NewKillChainDetector(DefaultConfig().KillChain)
		h.run(t, d, h.event(schema.EventExfil, "S5", "", nil))
		h.clock.Advance(time.Second)
		h.run(t, d, h.event(schema.EventExploit, "S5", "", nil))
		h.clock.Advance(time.Second)
		if out := h.run(t, d, h.event(schema.EventRecon, "S5", "", nil)); len(out) != 0 {
			t.Errorf("expected reversed stages to stay below minimum, got %d", len(out))
		}
	})

	t.Run("payload stage tag", func(t *testing.T) {
		h := newHarness(10 * time.Minute)
		d := NewKillChainDetector(DefaultConfig().KillChain)
		batch := []*schema.Event{
			h.event(schema.EventConnection, "S6", "", map[string]any{"stage": "reconnaissance"}),
		}
		h.clock.Advance(time.Second)
		batch = append(batch, h.event(schema.EventAuthAttempt, "S6", "", nil).WithOutcome(schema.OutcomeFailure))
		h.clock.Advance(time.Second)
		batch = append(batch, h.event(schema.EventProcessExec, "S6", "", map[string]any{"stage": "exploitation"}))
		out := h.run(t, d, batch...)
		if len(out) == 0 || out[0].AttackType != AttackKillChain {
			t.Errorf("expected tagged stages to form a chain, got %d", len(out))
		}
	})
}

func TestStatefulDetectors_ConcurrentSources(t *testing.T) {
	tests := []struct {
		name  string
		build func() Detector
		steps func(h *harness, source string) [][]*schema.Event
		want  int
	}{
		{
			name:  "rate",
			build: func() Detector { return NewRateDetector(DefaultConfig().Rate) },
			steps: func(h *harness, source string) [][]*schema.Event {
				batch := make([]*schema.Event, 51)
				for i := range batch {
					batch[i] = h.event(schema.EventScan, source, "", nil)
				}
				return [][]*schema.Event{batch}
			},
			want: 1,
		},
		{
			name:  "profile",
			build: func() Detector { return NewProfileDetector(DefaultConfig().Profile) },
			steps: func(h *harness, source string) [][]*schema.Event {
				var steps [][]*schema.Event
				for i := 0; i < 6; i++ {
					steps = append(steps, []*schema.Event{h.event(schema.EventConnection, source, fmt.Sprintf("host-%d", i), nil)})
				}
				return steps
			},
			want: 1,
		},
		{
			name:  "killchain",
			build: func() Detector { return NewKillChainDetector(DefaultConfig().KillChain) },
			steps: func(h *harness, source string) [][]*schema.Event {
				return [][]*schema.Event{
					{h.event(schema.EventRecon, source, "", nil)},
					{h.event(schema.EventExploit, source, "", nil)},
					{h.event(schema.EventExfil, source, "", nil)},
				}
			},
			want: 4,
		},
		{
			name:  "anomaly",
			build: func() Detector { return NewAnomalyDetector(DefaultConfig().Anomaly) },
			steps: func(h *harness, source string) [][]*schema.Event {
				return [][]*schema.Event{{h.event(schema.EventAPICall, source, "", nil)}}
			},
			want: 0,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(10 * time.Minute)
			d := tt.build()

			const sources = 16
			counts := make([]int, sources)
			var wg sync.WaitGroup
			for n := 0; n < sources; n++ {
				wg.Add(1)
				go func(n int) {
					defer wg.Done()
					source := fmt.Sprintf("src-%d", n)
					for _, batch := range tt.steps(h, source) {
						for _, ev := range batch {
							h.agg.Record(ev)
						}
						out, err := d.Evaluate(context.Background(), batch, h.agg)
						if err != nil {
							t.Errorf("%s: Evaluate() error = %v", source, err)
							return
						}
						for _, c := range out {
							if c.SourceIdentity != source {
								t.Errorf("%s: got candidate for %s", source, c.SourceIdentity)
							}
						}
						counts[n] += len(out)
					}
				}(n)
			}
			wg.Wait()

			for n, got := range counts {
				if got != tt.want {
					t.Errorf("src-%d: expected %d candidates, got %d", n, tt.want, got)
				}
			}
		})
	}
}
