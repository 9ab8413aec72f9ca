package detection

import (
	"context"
	_ "embed"
	"fmt"
	"os"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"

	"aegis-core/internal/schema"
)

//go:embed builtin_signatures.yaml
var builtinSignaturesYAML []byte

// Severity is a signature's own severity rating.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Weight is the confidence a match at this severity carries.
func (s Severity) Weight() float64 {
	switch s {
	case SeverityCritical:
		return 0.95
	case SeverityHigh:
		return 0.80
	case SeverityMedium:
		return 0.60
	case SeverityLow:
		return 0.40
	}
	return 0
}

// Signature is a named set of patterns for one known attack technique.
type Signature struct {
	ID         string     `yaml:"id" json:"id"`
	Name       string     `yaml:"name" json:"name"`
	Category   string     `yaml:"category" json:"category"`
	AttackType AttackType `yaml:"attack_type" json:"attack_type"`
	Severity   Severity   `yaml:"severity" json:"severity"`
	Action     Action     `yaml:"action,omitempty" json:"action,omitempty"`
	MITRE      string     `yaml:"mitre,omitempty" json:"mitre,omitempty"`
	Patterns   []string   `yaml:"patterns" json:"patterns"`

	compiled []*regexp.Regexp
}

// Validate checks the signature and compiles its patterns.
func (s *Signature) Validate() error {
	if s.ID == "" {
		return fmt.Errorf("signature id is required")
	}
	if s.Name == "" {
		return fmt.Errorf("signature %s: name is required", s.ID)
	}
	if s.Severity.Weight() == 0 {
		return fmt.Errorf("signature %s: invalid severity %q", s.ID, s.Severity)
	}
	if s.AttackType == "" {
		s.AttackType = AttackMalwareSignature
	}
	if s.Action == "" {
		s.Action = s.DefaultAction()
	} else if !s.Action.IsValid() {
		return fmt.Errorf("signature %s: invalid action %q", s.ID, s.Action)
	}
	if len(s.Patterns) == 0 {
		return fmt.Errorf("signature %s: at least one pattern is required", s.ID)
	}

	s.compiled = make([]*regexp.Regexp, 0, len(s.Patterns))
	for i, p := range s.Patterns {
		re, err := regexp.Compile("(?i)" + p)
		if err != nil {
			return fmt.Errorf("signature %s: pattern %d: %w", s.ID, i, err)
		}
		s.compiled = append(s.compiled, re)
	}
	return nil
}

// DefaultAction is kill for critical signatures and quarantine otherwise.
func (s *Signature) DefaultAction() Action {
	if s.Severity == SeverityCritical {
		return ActionKill
	}
	return ActionQuarantine
}

// Match returns the first pattern matching content, if any.
func (s *Signature) Match(content string) (string, bool) {
	for i, re := range s.compiled {
		if re.MatchString(content) {
			return s.Patterns[i], true
		}
	}
	return "", false
}

// ParseSignatures parses a YAML list of signatures, or a single signature document.
func ParseSignatures(data []byte) ([]*Signature, error) {
	var sigs []*Signature
	if err := yaml.Unmarshal(data, &sigs); err != nil {
		var single Signature
		if singleErr := yaml.Unmarshal(data, &single); singleErr != nil {
			return nil, fmt.Errorf("failed to parse signatures: %w", err)
		}
		sigs = []*Signature{&single}
	}

	seen := make(map[string]bool, len(sigs))
	for i, s := range sigs {
		if s == nil {
			return nil, fmt.Errorf("signature %d: empty entry", i)
		}
		if err := s.Validate(); err != nil {
			return nil, fmt.Errorf("signature %d: %w", i, err)
		}
		if seen[s.ID] {
			return nil, fmt.Errorf("duplicate signature id %s", s.ID)
		}
		seen[s.ID] = true
	}
	return sigs, nil
}

// LoadSignatures reads a signature file from disk.
func LoadSignatures(path string) ([]*Signature, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read signature file: %w", err)
	}
	return ParseSignatures(data)
}

// BuiltinSignatures returns a fresh copy of the built-in signature set.
func BuiltinSignatures() []*Signature {
	sigs, err := ParseSignatures(builtinSignaturesYAML)
	if err != nil {
		panic(fmt.Sprintf("builtin signatures: %v", err))
	}
	return sigs
}

// SignatureDetector matches event payloads against known attack patterns.
type SignatureDetector struct {
	signatures []*Signature
	fields     []string
}

// NewSignatureDetector creates a detector over the given signatures.
func NewSignatureDetector(signatures []*Signature, fields []string) *SignatureDetector {
	if len(fields) == 0 {
		fields = DefaultConfig().Signature.PayloadFields
	}
	return &SignatureDetector{signatures: signatures, fields: fields}
}

// NewSignatureDetectorFromConfig builds the detector from built-ins and an optional file.
// File signatures replace built-ins that share their id.
func NewSignatureDetectorFromConfig(cfg SignatureConfig) (*SignatureDetector, error) {
	var sigs []*Signature
	if !cfg.DisableBuiltins {
		sigs = BuiltinSignatures()
	}

	if cfg.File != "" {
		custom, err := LoadSignatures(cfg.File)
		if err != nil {
			return nil, err
		}
		override := make(map[string]*Signature, len(custom))
		for _, s := range custom {
			override[s.ID] = s
		}
		merged := sigs[:0]
		for _, s := range sigs {
			if _, ok := override[s.ID]; !ok {
				merged = append(merged, s)
			}
		}
		sigs = append(merged, custom...)
	}

	if len(sigs) == 0 {
		return nil, fmt.Errorf("no signatures configured")
	}
	return NewSignatureDetector(sigs, cfg.PayloadFields), nil
}

// ID returns the detector id.
func (d *SignatureDetector) ID() string { return SignatureID }

// Signatures returns the configured signatures.
func (d *SignatureDetector) Signatures() []*Signature { return d.signatures }

// SignatureMatch is one signature hit on one event.
type SignatureMatch struct {
	Signature *Signature
	Pattern   string
}

// MatchContent returns every signature matching content.
func (d *SignatureDetector) MatchContent(content string) []SignatureMatch {
	var matches []SignatureMatch
	for _, s := range d.signatures {
		if p, ok := s.Match(content); ok {
			matches = append(matches, SignatureMatch{Signature: s, Pattern: p})
		}
	}
	return matches
}

// content joins the searchable payload fields of an event.
func (d *SignatureDetector) content(ev *schema.Event) string {
	var parts []string
	for _, f := range d.fields {
		if v := ev.StringAttr(f); v != "" {
			parts = append(parts, v)
		}
	}
	return strings.Join(parts, " ")
}

// Evaluate emits one candidate per source whose events match a signature.
// The strongest signature hit sets the candidate's confidence and action.
func (d *SignatureDetector) Evaluate(ctx context.Context, batch []*schema.Event, w WindowReader) ([]*Candidate, error) {
	order, groups := groupBySource(batch)
	now := w.Now()

	var out []*Candidate
	for _, source := range order {
		if err := ctx.Err(); err != nil {
			return out, err
		}

		var best *SignatureMatch
		var bestEvent *schema.Event
		var evidence []Evidence
		for _, ev := range groups[source] {
			content := d.content(ev)
			if content == "" {
				continue
			}
			for _, m := range d.MatchContent(content) {
				m := m
				e := EventEvidence(ev, m.Signature.ID)
				e.Detail = map[string]any{
					"signature": m.Signature.Name,
					"category":  m.Signature.Category,
					"mitre":     m.Signature.MITRE,
					"pattern":   m.Pattern,
				}
				evidence = append(evidence, e)
				if best == nil || m.Signature.Severity.Weight() > best.Signature.Severity.Weight() {
					best, bestEvent = &m, ev
				}
			}
		}
		if best == nil {
			continue
		}

		c := NewCandidate(SignatureID, source, best.Signature.AttackType, best.Signature.Severity.Weight(),
			best.Signature.Action, now, evidence...)
		if bestEvent.Target != "" {
			c = c.WithTarget(bestEvent.Target)
		}
		out = append(out, c)
	}
	return out, nil
}
