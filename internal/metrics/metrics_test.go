package metrics

import (
	"errors"
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func scrape(t *testing.T, m *Metrics) string {
	t.Helper()
	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, err := io.ReadAll(rec.Body)
	if err != nil {
		t.Fatal(err)
	}
	return string(body)
}

func TestMetrics_Exposition(t *testing.T) {
	m := New()

	m.EventReceived("accepted")
	m.EventReceived("accepted")
	m.EventReceived("rejected")
	m.SetQueueDepth(7)
	m.DetectorRun("rate", time.Millisecond, 3, nil)
	m.DetectorRun("rate", time.Millisecond, 0, errors.New("boom"))
	m.ActionAttempt("quarantine", "succeeded")
	m.IncidentResolved(2*time.Second, true)
	m.SinkPublish("kafka", errors.New("down"))

	out := scrape(t, m)
	want := []string{
		`aegis_events_received_total{outcome="accepted"} 2`,
		`aegis_events_received_total{outcome="rejected"} 1`,
		`aegis_queue_depth 7`,
		`aegis_candidates_total{detector="rate"} 3`,
		`aegis_detector_errors_total{detector="rate"} 1`,
		`aegis_actions_total{action="quarantine",outcome="succeeded"} 1`,
		`aegis_escalations_total 1`,
		`aegis_sink_errors_total{sink="kafka"} 1`,
		`aegis_response_latency_seconds_count 1`,
	}
	for _, w := range want {
		if !strings.Contains(out, w) {
			t.Errorf("expected exposition to contain %q", w)
		}
	}
}

func TestMetrics_NilSafe(t *testing.T) {
	var m *Metrics
	m.EventReceived("accepted")
	m.SetQueueDepth(1)
	m.BatchProcessed(1, time.Second)
	m.DetectorRun("x", time.Second, 1, nil)
	m.CandidateDropped()
	m.IncidentOpened("HIGH")
	m.IncidentUpdated()
	m.ActionAttempt("a", "b")
	m.IncidentResolved(time.Second, false)
	m.SinkPublish("s", nil)
	m.SinkDrop()
	m.IntegrityFailure()
	if m.Registry() != nil {
		t.Error("expected nil registry")
	}
}
