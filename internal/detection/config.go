package detection

import (
	"fmt"
	"time"

	"aegis-core/internal/schema"
)

// Built-in detector ids.
const (
	SignatureID = "signature"
	RateID      = "rate"
	AnomalyID   = "anomaly"
	ProfileID   = "profile"
	KillChainID = "killchain"
)

// Config selects and configures detectors. It is embedded in the service configuration.
type Config struct {
	Enabled   []string        `yaml:"enabled"`
	Signature SignatureConfig `yaml:"signature"`
	Rate      RateConfig      `yaml:"rate"`
	Anomaly   AnomalyConfig   `yaml:"anomaly"`
	Profile   ProfileConfig   `yaml:"profile"`
	KillChain KillChainConfig `yaml:"killchain"`
}

// SignatureConfig configures the signature detector.
type SignatureConfig struct {
	// File optionally points at a YAML signature set. Built-in signatures are
	// kept unless DisableBuiltins is set.
	File            string   `yaml:"file"`
	DisableBuiltins bool     `yaml:"disable_builtins"`
	PayloadFields   []string `yaml:"payload_fields"`
}

// RateRule is the threshold for one event type.
type RateRule struct {
	Threshold  int           `yaml:"threshold"`
	Window     time.Duration `yaml:"window"`
	AttackType AttackType    `yaml:"attack_type"`
	Action     Action        `yaml:"action"`
}

// RateConfig configures the rate/velocity detector. Cooldown and
// EscalationStep keep a sustained burst from re-firing every tick.
type RateConfig struct {
	Window         time.Duration                 `yaml:"window"`
	MinConfidence  float64                       `yaml:"min_confidence"`
	Cooldown       time.Duration                 `yaml:"cooldown"`
	EscalationStep float64                       `yaml:"escalation_step"`
	Rules          map[schema.EventType]RateRule `yaml:"rules"`
}

// AnomalyConfig configures the baseline z-score detector.
type AnomalyConfig struct {
	Bucket     time.Duration `yaml:"bucket"`
	History    int           `yaml:"history"`
	MinBuckets int           `yaml:"min_buckets"`
	MinEvents  int           `yaml:"min_events"`
	ZThreshold float64       `yaml:"z_threshold"`
	MinStdDev  float64       `yaml:"min_stddev"`
	Action     Action        `yaml:"action"`
}

// ProfileConfig configures the behavioral-profile detector.
type ProfileConfig struct {
	Window         time.Duration            `yaml:"window"`
	ScoreThreshold int                      `yaml:"score_threshold"`
	Weights        map[schema.EventType]int `yaml:"weights"`
	RapidEvents    int                      `yaml:"rapid_events"`
	MaxFailures    int                      `yaml:"max_failures"`
	MaxTargets     int                      `yaml:"max_targets"`
	Cooldown       time.Duration            `yaml:"cooldown"`
}

// KillChainConfig configures the multi-stage sequence detector.
type KillChainConfig struct {
	Window    time.Duration               `yaml:"window"`
	MinStages int                         `yaml:"min_stages"`
	Stages    map[schema.EventType]Stage `yaml:"stages"`
}

// DefaultConfig returns the detector defaults.
func DefaultConfig() Config {
	return Config{
		Enabled: []string{SignatureID, RateID, AnomalyID, ProfileID, KillChainID},
		Signature: SignatureConfig{
			PayloadFields: []string{"payload", "data", "request", "query", "path", "headers", "body", "user_agent"},
		},
		Rate: RateConfig{
			Window:         60 * time.Second,
			MinConfidence:  0.05,
			Cooldown:       60 * time.Second,
			EscalationStep: 0.25,
			Rules: map[schema.EventType]RateRule{
				schema.EventScan:        {Threshold: 50, AttackType: AttackScan, Action: ActionQuarantine},
				schema.EventRecon:       {Threshold: 20, AttackType: AttackReconnaissance, Action: ActionMonitor},
				schema.EventCredGuess:   {Threshold: 10, AttackType: AttackCredential, Action: ActionQuarantine},
				schema.EventAuthAttempt: {Threshold: 30, AttackType: AttackCredential, Action: ActionQuarantine},
				schema.EventExploit:     {Threshold: 2, AttackType: AttackInjection, Action: ActionKill},
				schema.EventExfil:       {Threshold: 1, AttackType: AttackExfiltration, Action: ActionKill},
				schema.EventAPICall:     {Threshold: 300, AttackType: AttackAutomationPattern, Action: ActionMonitor},
			},
		},
		Anomaly: AnomalyConfig{
			Bucket:     60 * time.Second,
			History:    30,
			MinBuckets: 3,
			MinEvents:  10,
			ZThreshold: 3.0,
			MinStdDev:  1.0,
			Action:     ActionMonitor,
		},
		Profile: ProfileConfig{
			Window:         60 * time.Second,
			ScoreThreshold: 50,
			Weights: map[schema.EventType]int{
				schema.EventCredGuess: 10,
				schema.EventExploit:   10,
				schema.EventExfil:     10,
				schema.EventScan:      5,
				schema.EventRecon:     5,
			},
			RapidEvents: 20,
			MaxFailures: 10,
			MaxTargets:  5,
			Cooldown:    30 * time.Second,
		},
		KillChain: KillChainConfig{
			Window:    10 * time.Minute,
			MinStages: 3,
			Stages:    DefaultStageMap(),
		},
	}
}

// Validate checks the detector configuration.
func (c Config) Validate() error {
	seen := make(map[string]bool)
	for _, id := range c.Enabled {
		if seen[id] {
			return fmt.Errorf("detector %q enabled twice", id)
		}
		seen[id] = true
	}

	if c.Rate.MinConfidence < 0 || c.Rate.MinConfidence > 1 {
		return fmt.Errorf("rate.min_confidence must be within [0,1]")
	}
	if c.Rate.Cooldown < 0 {
		return fmt.Errorf("rate.cooldown must not be negative")
	}
	if c.Rate.EscalationStep < 0 || c.Rate.EscalationStep > 1 {
		return fmt.Errorf("rate.escalation_step must be within [0,1]")
	}
	for t, r := range c.Rate.Rules {
		if r.Threshold <= 0 {
			return fmt.Errorf("rate rule %q: threshold must be positive", t)
		}
		if r.Action != "" && !r.Action.IsValid() {
			return fmt.Errorf("rate rule %q: unknown action %q", t, r.Action)
		}
	}

	if c.Anomaly.Bucket <= 0 {
		return fmt.Errorf("anomaly.bucket must be positive")
	}
	if c.Anomaly.History < c.Anomaly.MinBuckets {
		return fmt.Errorf("anomaly.history must be at least anomaly.min_buckets")
	}
	if c.Anomaly.ZThreshold <= 0 {
		return fmt.Errorf("anomaly.z_threshold must be positive")
	}

	if c.Profile.Window <= 0 {
		return fmt.Errorf("profile.window must be positive")
	}

	if c.KillChain.MinStages < 2 {
		return fmt.Errorf("killchain.min_stages must be at least 2")
	}
	for t, s := range c.KillChain.Stages {
		if s.Order() == 0 {
			return fmt.Errorf("killchain stage for %q: unknown stage %q", t, s)
		}
	}
	return nil
}
