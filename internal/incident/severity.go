package incident

import (
	"fmt"
	"strings"

	"aegis-core/internal/detection"
)

// Severity is the ordered incident severity tier.
type Severity int

const (
	SeverityUnknown Severity = iota
	SeverityLow
	SeverityMedium
	SeverityHigh
	SeverityCritical
)

// Severities lists the tiers from lowest to highest.
var Severities = []Severity{SeverityLow, SeverityMedium, SeverityHigh, SeverityCritical}

func (s Severity) String() string {
	switch s {
	case SeverityLow:
		return "LOW"
	case SeverityMedium:
		return "MEDIUM"
	case SeverityHigh:
		return "HIGH"
	case SeverityCritical:
		return "CRITICAL"
	}
	return "UNKNOWN"
}

// ParseSeverity parses a tier name, case-insensitively.
func ParseSeverity(s string) (Severity, error) {
	for _, sev := range Severities {
		if strings.EqualFold(s, sev.String()) {
			return sev, nil
		}
	}
	return SeverityUnknown, fmt.Errorf("unknown severity %q", s)
}

// MarshalText encodes the tier name.
func (s Severity) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText decodes a tier name.
func (s *Severity) UnmarshalText(b []byte) error {
	v, err := ParseSeverity(string(b))
	if err != nil {
		return err
	}
	*s = v
	return nil
}

// SeverityPolicy maps final confidence to a tier. A confidence at or above a
// threshold earns that tier.
type SeverityPolicy struct {
	Critical float64 `yaml:"critical"`
	High     float64 `yaml:"high"`
	Medium   float64 `yaml:"medium"`
}

// DefaultSeverityPolicy returns the default confidence tiers.
func DefaultSeverityPolicy() SeverityPolicy {
	return SeverityPolicy{Critical: 0.9, High: 0.7, Medium: 0.4}
}

// Validate checks that thresholds are ordered and within (0,1].
func (p SeverityPolicy) Validate() error {
	if p.Medium <= 0 || p.Critical > 1 {
		return fmt.Errorf("severity thresholds must be within (0,1]")
	}
	if !(p.Medium < p.High && p.High < p.Critical) {
		return fmt.Errorf("severity thresholds must satisfy medium < high < critical")
	}
	return nil
}

// FromConfidence returns the confidence-derived tier.
func (p SeverityPolicy) FromConfidence(c float64) Severity {
	switch {
	case c >= p.Critical:
		return SeverityCritical
	case c >= p.High:
		return SeverityHigh
	case c >= p.Medium:
		return SeverityMedium
	}
	return SeverityLow
}

// ActionFloor is the minimum tier an action recommendation imposes.
func ActionFloor(a detection.Action) Severity {
	switch a {
	case detection.ActionKill:
		return SeverityHigh
	case detection.ActionQuarantine:
		return SeverityMedium
	case detection.ActionMonitor:
		return SeverityLow
	}
	return SeverityUnknown
}

// Classify combines the confidence tier with the floor of the most severe
// recommended action. The higher of the two wins.
func (p SeverityPolicy) Classify(confidence float64, top detection.Action) Severity {
	sev := p.FromConfidence(confidence)
	if floor := ActionFloor(top); floor > sev {
		return floor
	}
	return sev
}

// Combine is the probabilistic OR of independent confidences: 1 - Π(1 - c).
func Combine(confidences ...float64) float64 {
	miss := 1.0
	for _, c := range confidences {
		switch {
		case c <= 0:
			continue
		case c >= 1:
			return 1
		}
		miss *= 1 - c
	}
	return 1 - miss
}
