package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"emconnect.org/internal/audit"
	"emconnect.org/internal/auth"
	"emconnect.org/internal/incident"
)

const (
	defaultMessageLimit = 100
	maxMessageLimit     = 500
)

type postMessageRequest struct {
	Body string `json:"body"`
}

type listMessagesResponse struct {
	Items []incident.Message `json:"items"`
}

type listIncidentsResponse struct {
	Items []incident.Summary `json:"items"`
}

type progressRequest struct {
	ItemID string                  `json:"itemId"`
	Status incident.ProgressStatus `json:"status"`
}

type listProgressResponse struct {
	Items []incident.Progress `json:"items"`
}

// incidentViewer returns the path incident and the caller. An incident
// session only opens its own incident.
func incidentViewer(w http.ResponseWriter, r *http.Request) (string, string, bool) {
	id := r.PathValue("id")
	claims, ok := auth.SessionFromContext(r.Context())
	if !ok {
		writeError(w, r, http.StatusUnauthorized, "authentication required")
		return "", "", false
	}
	if id == "" {
		writeError(w, r, http.StatusNotFound, "incident not found")
		return "", "", false
	}
	if claims.Scope == auth.ScopeIncident && claims.IncidentID != id {
		writeError(w, r, http.StatusForbidden, "session is bound to another incident")
		return "", "", false
	}
	return id, claims.Subject, true
}

// listIncidents returns the caller's incidents, newest first. An incident
// session sees only its own incident.
func (a *API) listIncidents(w http.ResponseWriter, r *http.Request) {
	claims, ok := auth.SessionFromContext(r.Context())
	if !ok {
		writeError(w, r, http.StatusUnauthorized, "authentication required")
		return
	}
	all, err := a.deps.Incidents.List(r.Context(), claims.Subject)
	if err != nil {
		handleIncidentError(w, r, err)
		return
	}
	items := make([]incident.Summary, 0, len(all))
	for _, sum := range all {
		if claims.Scope == auth.ScopeIncident && sum.ID != claims.IncidentID {
			continue
		}
		items = append(items, sum)
	}
	writeJSON(w, http.StatusOK, listIncidentsResponse{Items: items})
}

func (a *API) getIncident(w http.ResponseWriter, r *http.Request) {
	id, viewer, ok := incidentViewer(w, r)
	if !ok {
		return
	}
	detail, err := a.deps.Incidents.Get(r.Context(), id, viewer)
	if err != nil {
		handleIncidentError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, detail)
}

func (a *API) listProgress(w http.ResponseWriter, r *http.Request) {
	id, viewer, ok := incidentViewer(w, r)
	if !ok {
		return
	}
	items, err := a.deps.Incidents.Progress(r.Context(), id, viewer)
	if err != nil {
		handleIncidentError(w, r, err)
		return
	}
	if items == nil {
		items = []incident.Progress{}
	}
	writeJSON(w, http.StatusOK, listProgressResponse{Items: items})
}

// setProgress marks one action-guide item PENDING or DONE for the caller.
func (a *API) setProgress(w http.ResponseWriter, r *http.Request) {
	id, viewer, ok := incidentViewer(w, r)
	if !ok {
		return
	}
	var req progressRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	p, err := a.deps.Incidents.SetProgress(r.Context(), id, viewer, req.ItemID, req.Status)
	if err != nil {
		handleIncidentError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (a *API) listMessages(w http.ResponseWriter, r *http.Request) {
	id, viewer, ok := incidentViewer(w, r)
	if !ok {
		return
	}
	limit := defaultMessageLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 || n > maxMessageLimit {
			writeError(w, r, http.StatusBadRequest, "invalid limit")
			return
		}
		limit = n
	}
	msgs, err := a.deps.Incidents.Messages(r.Context(), id, viewer, limit)
	if err != nil {
		handleIncidentError(w, r, err)
		return
	}
	if msgs == nil {
		msgs = []incident.Message{}
	}
	writeJSON(w, http.StatusOK, listMessagesResponse{Items: msgs})
}

func (a *API) postMessage(w http.ResponseWriter, r *http.Request) {
	id, viewer, ok := incidentViewer(w, r)
	if !ok {
		return
	}
	var req postMessageRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	msg, err := a.deps.Incidents.PostMessage(r.Context(), id, viewer, req.Body)
	if err != nil {
		handleIncidentError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, msg)
}

func (a *API) getUrgency(w http.ResponseWriter, r *http.Request) {
	id, viewer, ok := incidentViewer(w, r)
	if !ok {
		return
	}
	res, err := a.deps.Incidents.Urgency(r.Context(), id, viewer)
	if err != nil {
		handleIncidentError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (a *API) getInsight(w http.ResponseWriter, r *http.Request) {
	id, viewer, ok := incidentViewer(w, r)
	if !ok {
		return
	}
	in, err := a.deps.Incidents.Insight(r.Context(), id, viewer)
	if err != nil {
		handleIncidentError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, in)
}

func (a *API) refreshInsight(w http.ResponseWriter, r *http.Request) {
	id, viewer, ok := incidentViewer(w, r)
	if !ok {
		return
	}
	in, err := a.deps.Incidents.RefreshInsight(r.Context(), id, viewer)
	if err != nil {
		handleIncidentError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, in)
}

// streamEvents serves incident events as Server-Sent Events.
func (a *API) streamEvents(w http.ResponseWriter, r *http.Request) {
	id, viewer, ok := incidentViewer(w, r)
	if !ok {
		return
	}
	if a.deps.Stream == nil {
		writeError(w, r, http.StatusServiceUnavailable, "streaming disabled")
		return
	}
	if _, err := a.deps.Incidents.Authorize(r.Context(), id, viewer); err != nil {
		handleIncidentError(w, r, err)
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, r, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	ch := a.deps.Stream.Subscribe(r.Context(), id)

	_, _ = w.Write([]byte(": stream started\n\n"))
	flusher.Flush()

	for event := range ch {
		payload, err := json.Marshal(event)
		if err != nil {
			continue
		}
		_, _ = w.Write([]byte("event: " + event.Type + "\n"))
		_, _ = w.Write([]byte("data: "))
		_, _ = w.Write(payload)
		_, _ = w.Write([]byte("\n\n"))
		flusher.Flush()
	}
}

func handleIncidentError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, incident.ErrInvalidInput):
		writeError(w, r, http.StatusBadRequest, err.Error())
	case errors.Is(err, incident.ErrForbidden):
		writeError(w, r, http.StatusForbidden, err.Error())
	case errors.Is(err, incident.ErrNotFound):
		writeError(w, r, http.StatusNotFound, err.Error())
	default:
		_ = audit.LogEvent(r.Context(), "http.internal_error", map[string]any{"error": err.Error()})
		writeError(w, r, http.StatusInternalServerError, "internal error")
	}
}
