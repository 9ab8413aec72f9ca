// Package response applies containment actions to correlated incidents.
package response

import (
	"fmt"
	"sort"

	"aegis-core/internal/detection"
	"aegis-core/internal/incident"
)

// Containment action names.
const (
	ActionKillSwitch        = "kill_switch"
	ActionQuarantine        = "quarantine"
	ActionRotateCredentials = "rotate_credentials"
	ActionMonitor           = "monitor"
	ActionEnhancedLogging   = "enhanced_logging"
)

// Actions lists the known actions in execution order.
var Actions = []string{
	ActionKillSwitch,
	ActionQuarantine,
	ActionMonitor,
	ActionEnhancedLogging,
	ActionRotateCredentials,
}

// stage orders dependent actions. Stage 0 runs concurrently; stage 1 runs
// after stage 0 because rotation needs the principal isolated first.
func stage(action string) int {
	if action == ActionRotateCredentials {
		return 1
	}
	return 0
}

func order(action string) int {
	for i, a := range Actions {
		if a == action {
			return i
		}
	}
	return len(Actions)
}

// recommended maps a detector recommendation to the action it implies.
func recommended(a detection.Action) string {
	switch a {
	case detection.ActionKill:
		return ActionKillSwitch
	case detection.ActionQuarantine:
		return ActionQuarantine
	case detection.ActionMonitor:
		return ActionMonitor
	}
	return ""
}

// Plan maps a severity tier to its actions.
type Plan map[incident.Severity][]string

// DefaultPlan returns the standard tier table.
func DefaultPlan() Plan {
	return Plan{
		incident.SeverityLow:      {ActionMonitor},
		incident.SeverityMedium:   {ActionMonitor, ActionEnhancedLogging},
		incident.SeverityHigh:     {ActionQuarantine, ActionRotateCredentials},
		incident.SeverityCritical: {ActionKillSwitch, ActionQuarantine, ActionRotateCredentials},
	}
}

// Validate checks that every planned action is known.
func (p Plan) Validate() error {
	for sev, actions := range p {
		for _, a := range actions {
			if order(a) == len(Actions) {
				return fmt.Errorf("response: unknown action %q for severity %s", a, sev)
			}
		}
	}
	return nil
}

// For returns the actions for an incident: the tier's actions plus those
// recommended by its contributing candidates, deduplicated and ordered by
// stage.
func (p Plan) For(rec incident.Record) []string {
	set := make(map[string]bool)
	for _, a := range p[rec.Severity] {
		set[a] = true
	}
	for _, c := range rec.Candidates {
		if a := recommended(c.RecommendedAction); a != "" {
			set[a] = true
		}
	}
	out := make([]string, 0, len(set))
	for a := range set {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return order(out[i]) < order(out[j]) })
	return out
}
