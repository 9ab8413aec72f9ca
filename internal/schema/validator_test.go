package schema

import (
	"testing"
	"time"

	"github.com/google/uuid"
)

func TestValidateEventType(t *testing.T) {
	tests := []struct {
		name string
		tag  string
		want bool
	}{
		{"simple", "scan", true},
		{"underscore", "auth_attempt", true},
		{"hyphen", "cred-guess", true},
		{"digits", "ddos2", true},
		{"uppercase invalid", "Scan", false},
		{"space invalid", "file access", false},
		{"starts with digit", "2scan", false},
		{"dotted invalid", "auth.login", false},
		{"empty", "", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ValidateEventType(tt.tag); got != tt.want {
				t.Errorf("ValidateEventType(%q) = %v, want %v", tt.tag, got, tt.want)
			}
		})
	}
}

func TestValidator_Validate(t *testing.T) {
	v := NewValidator()
	now := time.Now()

	validEvent := func() *Event {
		return &Event{
			EventID:        uuid.New(),
			Type:           EventScan,
			SourceIdentity: "10.0.0.7",
			Timestamp:      now,
		}
	}

	t.Run("valid event", func(t *testing.T) {
		if err := v.Validate(validEvent()); err != nil {
			t.Errorf("Validate() error = %v, want nil", err)
		}
	})

	t.Run("nil event", func(t *testing.T) {
		if err := v.Validate(nil); err == nil {
			t.Error("Validate() should fail for nil event")
		}
	})

	t.Run("missing source", func(t *testing.T) {
		ev := validEvent()
		ev.SourceIdentity = ""
		if err := v.Validate(ev); err == nil {
			t.Error("Validate() should fail for missing source_identity")
		}
	})

	t.Run("bad event type", func(t *testing.T) {
		ev := validEvent()
		ev.Type = "Port Scan"
		if err := v.Validate(ev); err == nil {
			t.Error("Validate() should fail for malformed event_type")
		}
	})

	t.Run("bad outcome", func(t *testing.T) {
		ev := validEvent()
		ev.Outcome = "maybe"
		if err := v.Validate(ev); err == nil {
			t.Error("Validate() should fail for invalid outcome")
		}
	})

	t.Run("too old", func(t *testing.T) {
		ev := validEvent()
		ev.Timestamp = now.Add(-2 * time.Hour)
		if err := v.Validate(ev); err == nil {
			t.Error("Validate() should fail for stale timestamp")
		}
	})

	t.Run("too far in future", func(t *testing.T) {
		ev := validEvent()
		ev.Timestamp = now.Add(10 * time.Minute)
		if err := v.Validate(ev); err == nil {
			t.Error("Validate() should fail for future timestamp")
		}
	})
}

func TestDecode(t *testing.T) {
	received := time.Date(2026, 10, 14, 12, 0, 0, 0, time.UTC)

	t.Run("fills defaults", func(t *testing.T) {
		ev, err := Decode([]byte(`{"event_type":"scan","source_identity":"S1"}`), received)
		if err != nil {
			t.Fatalf("Decode() error = %v", err)
		}
		if ev.EventID == uuid.Nil {
			t.Error("expected generated event_id")
		}
		if !ev.Timestamp.Equal(received) {
			t.Errorf("expected timestamp %v, got %v", received, ev.Timestamp)
		}
		if !ev.ReceivedAt.Equal(received) {
			t.Errorf("expected received_at %v, got %v", received, ev.ReceivedAt)
		}
	})

	t.Run("keeps supplied values", func(t *testing.T) {
		id := uuid.New()
		ev, err := Decode([]byte(`{"event_id":"`+id.String()+`","event_type":"api_call","source_identity":"S1","timestamp":"2026-10-14T11:59:00Z","payload":{"path":"/x"}}`), received)
		if err != nil {
			t.Fatalf("Decode() error = %v", err)
		}
		if ev.EventID != id {
			t.Errorf("expected event_id %v, got %v", id, ev.EventID)
		}
		if ev.StringAttr("path") != "/x" {
			t.Errorf("expected payload path /x, got %q", ev.StringAttr("path"))
		}
	})

	t.Run("invalid json", func(t *testing.T) {
		if _, err := Decode([]byte(`{`), received); err == nil {
			t.Error("expected error for invalid JSON")
		}
	})
}

func TestEvent_CopiesPayload(t *testing.T) {
	payload := map[string]any{"query": "id=1"}
	ev := NewEvent(EventAPICall, "S1", "/api", payload)
	payload["query"] = "changed"

	if ev.StringAttr("query") != "id=1" {
		t.Errorf("expected payload to be copied, got %q", ev.StringAttr("query"))
	}

	later := ev.WithTimestamp(ev.Timestamp.Add(time.Second))
	if later.EventID != ev.EventID {
		t.Error("expected WithTimestamp to keep event_id")
	}
	if !ev.Timestamp.Before(later.Timestamp) {
		t.Error("expected original event timestamp unchanged")
	}
}

func TestEvent_Failed(t *testing.T) {
	ev := NewEvent(EventAuthAttempt, "S1", "", map[string]any{"outcome": "failure"})
	if !ev.Failed() {
		t.Error("expected payload outcome failure to count as failed")
	}
	if NewEvent(EventAuthAttempt, "S1", "", nil).WithOutcome(OutcomeSuccess).Failed() {
		t.Error("expected success outcome not failed")
	}
}
