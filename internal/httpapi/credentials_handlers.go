package httpapi

import (
	"errors"
	"net/http"

	"emconnect.org/internal/audit"
	"emconnect.org/internal/auth"
	"emconnect.org/internal/covert"
)

// primarySubject returns the subject of a primary session. Incident sessions
// may not manage credentials.
func primarySubject(w http.ResponseWriter, r *http.Request) (string, bool) {
	claims, ok := auth.SessionFromContext(r.Context())
	if !ok || claims.Scope != auth.ScopePrimary {
		writeError(w, r, http.StatusForbidden, "primary session required")
		return "", false
	}
	return claims.Subject, true
}

func (a *API) getCredentials(w http.ResponseWriter, r *http.Request) {
	subject, ok := primarySubject(w, r)
	if !ok {
		return
	}
	sum, err := a.deps.Covert.Summary(r.Context(), subject)
	if err != nil {
		handleCovertError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sum)
}

func (a *API) putCredentials(w http.ResponseWriter, r *http.Request) {
	subject, ok := primarySubject(w, r)
	if !ok {
		return
	}
	var in covert.ConfigInput
	if err := decodeJSON(w, r, &in); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	sum, err := a.deps.Covert.Configure(r.Context(), subject, in)
	if err != nil {
		handleCovertError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sum)
}

func handleCovertError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, covert.ErrDuressMatchesPrimary):
		writeError(w, r, http.StatusBadRequest, err.Error())
	case errors.Is(err, covert.ErrInvalidInput):
		// validator detail can echo field names only, never values
		writeError(w, r, http.StatusBadRequest, err.Error())
	case errors.Is(err, covert.ErrNotFound):
		writeError(w, r, http.StatusNotFound, "credentials not configured")
	default:
		_ = audit.LogEvent(r.Context(), "http.internal_error", map[string]any{"error": err.Error()})
		writeError(w, r, http.StatusInternalServerError, "internal error")
	}
}
