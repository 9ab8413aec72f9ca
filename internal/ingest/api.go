package ingest

import (
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"

	"aegis-core/internal/incident"
	"aegis-core/internal/pipeline"
)

// IncidentStore is the read side of the correlator.
type IncidentStore interface {
	Get(id uuid.UUID) (*incident.Incident, bool)
	List(f incident.Filter) []incident.Record
}

// HealthSource reports orchestrator health.
type HealthSource interface {
	Health() pipeline.Health
}

// API serves health and incident queries.
type API struct {
	incidents IncidentStore
	health    HealthSource
	ingest    *Handler
	startTime time.Time
}

// NewAPI creates the query API.
func NewAPI(incidents IncidentStore, health HealthSource, ingest *Handler) *API {
	return &API{
		incidents: incidents,
		health:    health,
		ingest:    ingest,
		startTime: time.Now(),
	}
}

// HealthResponse is the body of GET /health.
type HealthResponse struct {
	Status         string          `json:"status"`
	UptimeSeconds  int             `json:"uptime_seconds"`
	EventsAccepted uint64          `json:"events_accepted"`
	EventsRejected uint64          `json:"events_rejected"`
	Pipeline       pipeline.Health `json:"pipeline"`
}

// HealthCheck handles GET /health. A halted pipeline answers 503; a queue
// above 90% of capacity reports degraded.
func (a *API) HealthCheck(w http.ResponseWriter, r *http.Request) {
	h := a.health.Health()

	status := "healthy"
	code := http.StatusOK
	switch {
	case h.Halted:
		status = "halted"
		code = http.StatusServiceUnavailable
	case !h.Running:
		status = "stopped"
		code = http.StatusServiceUnavailable
	case h.QueueDepth > int(float64(h.QueueCapacity)*0.9):
		status = "degraded"
	}

	resp := HealthResponse{
		Status:        status,
		UptimeSeconds: int(time.Since(a.startTime).Seconds()),
		Pipeline:      h,
	}
	if a.ingest != nil {
		resp.EventsAccepted, resp.EventsRejected = a.ingest.Stats()
	}
	respondJSON(w, code, resp)
}

// ListIncidents handles GET /v1/incidents. Query parameters: source,
// status, min_severity, since (RFC 3339) and limit.
func (a *API) ListIncidents(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := incident.Filter{
		Source: q.Get("source"),
		Limit:  100,
	}

	if s := q.Get("status"); s != "" {
		switch st := incident.Status(s); st {
		case incident.StatusOpen, incident.StatusResponding, incident.StatusResolved:
			f.Status = st
		default:
			respondError(w, http.StatusBadRequest, "invalid status: "+s, "")
			return
		}
	}
	if s := q.Get("min_severity"); s != "" {
		sev, err := incident.ParseSeverity(s)
		if err != nil {
			respondError(w, http.StatusBadRequest, err.Error(), "")
			return
		}
		f.MinSeverity = sev
	}
	if s := q.Get("since"); s != "" {
		since, err := time.Parse(time.RFC3339, s)
		if err != nil {
			respondError(w, http.StatusBadRequest, "invalid since: "+s, "")
			return
		}
		f.Since = since
	}
	if s := q.Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n <= 0 || n > 1000 {
			respondError(w, http.StatusBadRequest, "limit must be between 1 and 1000", "")
			return
		}
		f.Limit = n
	}

	records := a.incidents.List(f)
	if records == nil {
		records = []incident.Record{}
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"incidents": records,
		"count":     len(records),
	})
}

// GetIncident handles GET /v1/incidents/{id}.
func (a *API) GetIncident(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid incident id", "")
		return
	}
	inc, ok := a.incidents.Get(id)
	if !ok {
		respondError(w, http.StatusNotFound, "incident not found", "")
		return
	}
	respondJSON(w, http.StatusOK, inc.Snapshot())
}

// Routes registers the HTTP surface. metricsHandler may be nil.
func Routes(h *Handler, a *API, metricsHandler http.Handler) *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/events", h.HandleEvents)
	mux.HandleFunc("GET /health", a.HealthCheck)
	mux.HandleFunc("GET /v1/incidents", a.ListIncidents)
	mux.HandleFunc("GET /v1/incidents/{id}", a.GetIncident)
	if metricsHandler != nil {
		mux.Handle("GET /metrics", metricsHandler)
	}
	return mux
}
