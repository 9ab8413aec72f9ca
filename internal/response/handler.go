package response

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"aegis-core/internal/incident"
)

// Result is the outcome of one handler call.
type Result struct {
	Outcome incident.ActionOutcome
	Reason  string
}

// Succeeded reports a completed action.
func Succeeded() Result { return Result{Outcome: incident.OutcomeSucceeded} }

// Failed reports a failed action.
func Failed(reason string) Result { return Result{Outcome: incident.OutcomeFailed, Reason: reason} }

// NotApplicable reports an action that did not apply to the incident.
func NotApplicable(reason string) Result {
	return Result{Outcome: incident.OutcomeNotApplicable, Reason: reason}
}

// Handler performs one containment action. Execute should honor ctx; the
// responder abandons calls that outlive the action timeout.
type Handler interface {
	Name() string
	Execute(ctx context.Context, rec incident.Record) Result
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc struct {
	Action string
	Fn     func(ctx context.Context, rec incident.Record) Result
}

func (h HandlerFunc) Name() string { return h.Action }

func (h HandlerFunc) Execute(ctx context.Context, rec incident.Record) Result {
	return h.Fn(ctx, rec)
}

// MockHandler logs the containment it would perform and succeeds. It stands
// in for firewall, EDR and identity-provider integrations.
type MockHandler struct {
	action string
	delay  time.Duration
	logger *slog.Logger

	mu    sync.Mutex
	calls []incident.Record
}

// NewMockHandler creates a mock for action, optionally delaying each call.
func NewMockHandler(action string, delay time.Duration, logger *slog.Logger) *MockHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &MockHandler{action: action, delay: delay, logger: logger}
}

// MockHandlers returns a mock for every known action.
func MockHandlers(delay time.Duration, logger *slog.Logger) []Handler {
	out := make([]Handler, 0, len(Actions))
	for _, a := range Actions {
		out = append(out, NewMockHandler(a, delay, logger))
	}
	return out
}

func (m *MockHandler) Name() string { return m.action }

var mockEffects = map[string]string{
	ActionKillSwitch:        "terminating sessions and processes of source",
	ActionQuarantine:        "isolating source at the network boundary",
	ActionRotateCredentials: "rotating credentials reachable from source",
	ActionMonitor:           "adding source to watch list",
	ActionEnhancedLogging:   "raising audit verbosity for source",
}

func (m *MockHandler) Execute(ctx context.Context, rec incident.Record) Result {
	if m.delay > 0 {
		select {
		case <-ctx.Done():
			return Failed(ctx.Err().Error())
		case <-time.After(m.delay):
		}
	}
	m.mu.Lock()
	m.calls = append(m.calls, rec)
	m.mu.Unlock()

	m.logger.Info("mock containment",
		"action", m.action,
		"effect", mockEffects[m.action],
		"incident_id", rec.ID,
		"source", rec.SourceIdentity,
		"severity", rec.Severity,
	)
	return Succeeded()
}

// Calls returns how many times the handler ran.
func (m *MockHandler) Calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.calls)
}
