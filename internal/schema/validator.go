package schema

import (
	"encoding/json"
	"fmt"
	"regexp"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
)

// eventTypePattern defines the valid format for event type tags.
// Examples: "scan", "auth_attempt", "cred-guess"
var eventTypePattern = regexp.MustCompile(`^[a-z][a-z0-9_-]{0,63}$`)

// Validator checks events at the ingestion boundary.
type Validator struct {
	validate  *validator.Validate
	maxAge    time.Duration
	maxFuture time.Duration
	now       func() time.Time
}

// ValidatorConfig holds configuration for the validator.
type ValidatorConfig struct {
	MaxAge    time.Duration
	MaxFuture time.Duration
}

// DefaultValidatorConfig returns the default validator configuration.
func DefaultValidatorConfig() ValidatorConfig {
	return ValidatorConfig{
		MaxAge:    time.Hour,
		MaxFuture: 5 * time.Minute,
	}
}

// NewValidator creates a new Validator with default configuration.
func NewValidator() *Validator {
	return NewValidatorWithConfig(DefaultValidatorConfig())
}

// NewValidatorWithConfig creates a new Validator with the specified configuration.
func NewValidatorWithConfig(cfg ValidatorConfig) *Validator {
	v := validator.New()

	v.RegisterValidation("event_type", func(fl validator.FieldLevel) bool {
		return eventTypePattern.MatchString(fl.Field().String())
	})

	return &Validator{
		validate:  v,
		maxAge:    cfg.MaxAge,
		maxFuture: cfg.MaxFuture,
		now:       time.Now,
	}
}

// Validate validates an event. Malformed events never enter the pipeline.
func (v *Validator) Validate(event *Event) error {
	if event == nil {
		return fmt.Errorf("event is nil")
	}

	if err := v.validate.Struct(event); err != nil {
		return fmt.Errorf("validation failed: %w", err)
	}

	now := v.now()

	if v.maxAge > 0 && event.Timestamp.Before(now.Add(-v.maxAge)) {
		return fmt.Errorf("timestamp too old: %v (max age: %v)", event.Timestamp, v.maxAge)
	}

	if v.maxFuture > 0 && event.Timestamp.After(now.Add(v.maxFuture)) {
		return fmt.Errorf("timestamp in future: %v (max future: %v)", event.Timestamp, v.maxFuture)
	}

	return nil
}

// ValidateEventType checks if an event type tag matches the required format.
func ValidateEventType(t string) bool {
	return eventTypePattern.MatchString(t)
}

// Decode parses one wire-format event and fills defaults: a missing event_id is
// generated and a missing timestamp becomes the receive time.
func Decode(data []byte, receivedAt time.Time) (*Event, error) {
	var ev Event
	if err := json.Unmarshal(data, &ev); err != nil {
		return nil, fmt.Errorf("invalid event JSON: %w", err)
	}
	Normalize(&ev, receivedAt)
	return &ev, nil
}

// Normalize fills the defaults Decode applies on an event decoded elsewhere.
func Normalize(ev *Event, receivedAt time.Time) {
	if ev.EventID == uuid.Nil {
		ev.EventID = uuid.New()
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = receivedAt
	}
	ev.ReceivedAt = receivedAt
}
