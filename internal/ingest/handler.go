// Package ingest is the HTTP and Kafka boundary of the pipeline. Events are
// decoded, validated and offered to the queue here; nothing downstream sees
// an event that failed validation.
package ingest

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"aegis-core/internal/metrics"
	"aegis-core/internal/queue"
	"aegis-core/internal/schema"
	"aegis-core/internal/storage"
)

// Enqueuer accepts validated events.
type Enqueuer interface {
	Offer(ctx context.Context, event *schema.Event, policy queue.Policy) error
}

// Quarantine stores rejected events for later inspection.
type Quarantine interface {
	WriteBatch(ctx context.Context, entries []storage.QuarantineEntry) error
}

// Error codes recorded with quarantined events.
const (
	codeInvalidJSON = "INVALID_JSON"
	codeValidation  = "VALIDATION_FAILED"
)

// Handler handles HTTP event ingestion.
type Handler struct {
	validator  *schema.Validator
	queue      Enqueuer
	policy     queue.Policy
	quarantine Quarantine
	metrics    *metrics.Metrics
	logger     *slog.Logger
	now        func() time.Time
	maxPayload int
	maxBatch   int

	accepted atomic.Uint64
	rejected atomic.Uint64
}

// NewHandler creates a new ingest Handler.
func NewHandler(validator *schema.Validator, q Enqueuer) *Handler {
	return &Handler{
		validator:  validator,
		queue:      q,
		policy:     queue.PolicyBlock,
		logger:     slog.Default(),
		now:        func() time.Time { return time.Now().UTC() },
		maxPayload: 10 * 1024 * 1024, // 10MB default
		maxBatch:   1000,
	}
}

// WithMaxPayload sets the maximum payload size.
func (h *Handler) WithMaxPayload(size int) *Handler {
	h.maxPayload = size
	return h
}

// WithMaxBatch sets the maximum batch size.
func (h *Handler) WithMaxBatch(size int) *Handler {
	h.maxBatch = size
	return h
}

// WithPolicy sets the queue overflow policy.
func (h *Handler) WithPolicy(p queue.Policy) *Handler {
	h.policy = p
	return h
}

// WithQuarantine stores rejected events in q.
func (h *Handler) WithQuarantine(q Quarantine) *Handler {
	h.quarantine = q
	return h
}

// WithMetrics sets the metrics collector.
func (h *Handler) WithMetrics(m *metrics.Metrics) *Handler {
	h.metrics = m
	return h
}

// WithLogger sets the logger.
func (h *Handler) WithLogger(l *slog.Logger) *Handler {
	if l != nil {
		h.logger = l
	}
	return h
}

// WithClock sets the receive-time source.
func (h *Handler) WithClock(now func() time.Time) *Handler {
	h.now = now
	return h
}

// IngestResponse is the response for event ingestion.
type IngestResponse struct {
	Accepted  int      `json:"accepted"`
	Rejected  int      `json:"rejected"`
	Errors    []string `json:"errors,omitempty"`
	RequestID string   `json:"request_id"`
}

// Result summarizes one ingestion call.
type Result struct {
	Accepted    int
	Rejected    int
	Unavailable int // rejected because the queue was full or closed
	Errors      []string
}

// Status maps the result to an HTTP status: 200 when everything was
// accepted, 207 on partial success, 503 when the queue refused every event
// and 400 otherwise.
func (r Result) Status() int {
	total := r.Accepted + r.Rejected
	switch {
	case r.Rejected == 0:
		return http.StatusOK
	case r.Accepted > 0:
		return http.StatusMultiStatus
	case r.Unavailable == total:
		return http.StatusServiceUnavailable
	}
	return http.StatusBadRequest
}

// HandleEvents handles POST /v1/events. The body is a single event object,
// an array of events, or {"events": [...]}.
func (h *Handler) HandleEvents(w http.ResponseWriter, r *http.Request) {
	requestID := uuid.New().String()

	r.Body = http.MaxBytesReader(w, r.Body, int64(h.maxPayload))
	body, err := io.ReadAll(r.Body)
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			respondError(w, http.StatusRequestEntityTooLarge, "payload too large", requestID)
			return
		}
		respondError(w, http.StatusBadRequest, "failed to read request body", requestID)
		return
	}

	raws, err := splitBatch(body)
	if err != nil {
		h.reject(r.Context(), []storage.QuarantineEntry{{
			RawEvent:         string(body),
			RemoteAddr:       r.RemoteAddr,
			Source:           "http",
			ValidationErrors: []string{err.Error()},
			ErrorCode:        codeInvalidJSON,
		}})
		respondError(w, http.StatusBadRequest, err.Error(), requestID)
		return
	}
	if len(raws) == 0 {
		respondError(w, http.StatusBadRequest, "no events provided", requestID)
		return
	}
	if len(raws) > h.maxBatch {
		respondError(w, http.StatusBadRequest, fmt.Sprintf("batch size exceeds maximum of %d", h.maxBatch), requestID)
		return
	}

	res := h.Ingest(r.Context(), raws, r.RemoteAddr, "http")
	status := res.Status()
	if status == http.StatusServiceUnavailable {
		w.Header().Set("Retry-After", "1")
	}
	respondJSON(w, status, IngestResponse{
		Accepted:  res.Accepted,
		Rejected:  res.Rejected,
		Errors:    res.Errors,
		RequestID: requestID,
	})
}

// splitBatch returns the raw events in body.
func splitBatch(body []byte) ([]json.RawMessage, error) {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 {
		return nil, nil
	}

	switch trimmed[0] {
	case '[':
		var raws []json.RawMessage
		if err := json.Unmarshal(trimmed, &raws); err != nil {
			return nil, fmt.Errorf("invalid JSON: %w", err)
		}
		return raws, nil
	case '{':
		var wrapper struct {
			Events []json.RawMessage `json:"events"`
		}
		if err := json.Unmarshal(trimmed, &wrapper); err != nil {
			return nil, fmt.Errorf("invalid JSON: %w", err)
		}
		if wrapper.Events != nil {
			return wrapper.Events, nil
		}
		return []json.RawMessage{trimmed}, nil
	}
	return nil, errors.New("invalid JSON: expected an object or an array")
}

// Ingest decodes, validates and enqueues raw events.
func (h *Handler) Ingest(ctx context.Context, raws []json.RawMessage, remoteAddr, source string) Result {
	var res Result
	var quarantined []storage.QuarantineEntry
	receivedAt := h.now()

	for i, raw := range raws {
		ev, err := schema.Decode(raw, receivedAt)
		if err == nil {
			err = h.validator.Validate(ev)
		}
		if err != nil {
			res.Rejected++
			res.Errors = append(res.Errors, fmt.Sprintf("event[%d]: %s", i, err))
			h.metrics.EventReceived("rejected")
			code := codeValidation
			if ev == nil {
				code = codeInvalidJSON
			}
			quarantined = append(quarantined, storage.QuarantineEntry{
				RawEvent:         string(raw),
				RemoteAddr:       remoteAddr,
				Source:           source,
				ValidationErrors: []string{err.Error()},
				ErrorCode:        code,
			})
			continue
		}

		if err := h.queue.Offer(ctx, ev, h.policy); err != nil {
			res.Rejected++
			res.Unavailable++
			h.metrics.EventReceived("dropped")
			switch {
			case errors.Is(err, queue.ErrQueueFull):
				res.Errors = append(res.Errors, fmt.Sprintf("event[%d]: queue full", i))
			case errors.Is(err, queue.ErrQueueClosed):
				res.Errors = append(res.Errors, fmt.Sprintf("event[%d]: pipeline stopped", i))
			default:
				res.Errors = append(res.Errors, fmt.Sprintf("event[%d]: %s", i, err))
			}
			continue
		}

		res.Accepted++
		h.metrics.EventReceived("accepted")
	}

	h.accepted.Add(uint64(res.Accepted))
	h.rejected.Add(uint64(res.Rejected))
	h.reject(ctx, quarantined)
	return res
}

func (h *Handler) reject(ctx context.Context, entries []storage.QuarantineEntry) {
	if h.quarantine == nil || len(entries) == 0 {
		return
	}
	if err := h.quarantine.WriteBatch(ctx, entries); err != nil {
		h.logger.Warn("failed to quarantine rejected events", "count", len(entries), "error", err)
	}
}

// Stats returns the accepted and rejected totals.
func (h *Handler) Stats() (accepted, rejected uint64) {
	return h.accepted.Load(), h.rejected.Load()
}

// respondJSON writes a JSON response.
func respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

// respondError writes a JSON error response.
func respondError(w http.ResponseWriter, status int, message string, requestID string) {
	resp := map[string]any{
		"error": strings.TrimSpace(message),
	}
	if requestID != "" {
		resp["request_id"] = requestID
	}
	respondJSON(w, status, resp)
}
