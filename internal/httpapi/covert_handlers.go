package httpapi

import (
	"fmt"
	"net/http"

	"emconnect.org/internal/audit"
	"emconnect.org/internal/covert"
	"emconnect.org/internal/obs"
)

type enterRequest struct {
	InputPhrase string `json:"input_phrase"`
}

type verifyRequest struct {
	Credential string `json:"credential"`
	Answer     string `json:"answer"`
}

// covertResponse is the wire form of covert.Result. Only the fields of the
// mode are present.
type covertResponse struct {
	Mode       covert.Mode           `json:"mode"`
	Results    []covert.SearchResult `json:"results,omitempty"`
	Question   string                `json:"question,omitempty"`
	Credential string                `json:"credential,omitempty"`
	IncidentID string                `json:"incidentId,omitempty"`
	IsDuress   *bool                 `json:"isDuress,omitempty"`
	SubjectID  string                `json:"subjectId,omitempty"`
}

func toCovertResponse(res covert.Result) covertResponse {
	out := covertResponse{Mode: res.Mode}
	switch res.Mode {
	case covert.ModeSecondFactor:
		out.Question = res.Question
		out.Credential = res.Credential
	case covert.ModeIncident:
		duress := res.IsDuress
		out.IncidentID = res.IncidentID
		out.IsDuress = &duress
		out.SubjectID = res.SubjectID
	default:
		out.Mode = covert.ModeSearch
		out.Results = res.Results
	}
	return out
}

// handleEnter never reports an error: bad bodies, lockouts and misses all get
// the camouflage search page with status 200.
func (a *API) handleEnter(w http.ResponseWriter, r *http.Request) {
	defer camouflageOnPanic(w, r, "enter")
	var req enterRequest
	if err := decodeJSON(w, r, &req); err != nil || a.deps.Covert == nil {
		writeJSON(w, http.StatusOK, toCovertResponse(covert.Camouflage()))
		return
	}
	res := a.deps.Covert.Enter(r.Context(), req.InputPhrase, a.proxies.clientIP(r))
	writeJSON(w, http.StatusOK, toCovertResponse(res))
}

func (a *API) handleVerify(w http.ResponseWriter, r *http.Request) {
	defer camouflageOnPanic(w, r, "verify")
	var req verifyRequest
	if err := decodeJSON(w, r, &req); err != nil || a.deps.Covert == nil {
		writeJSON(w, http.StatusOK, toCovertResponse(covert.Camouflage()))
		return
	}
	res := a.deps.Covert.Verify(r.Context(), req.Credential, req.Answer)
	if res.Mode == covert.ModeIncident {
		a.setIncidentCookie(w, res.SessionToken, res.SessionExpires)
	}
	writeJSON(w, http.StatusOK, toCovertResponse(res))
}

// camouflageOnPanic turns a panic in a covert handler into the camouflage
// page. Only the panic type is logged; the value may carry caller input.
func camouflageOnPanic(w http.ResponseWriter, r *http.Request, route string) {
	rec := recover()
	if rec == nil {
		return
	}
	obs.Error("covert_handler_panic", map[string]any{
		"route":      route,
		"request_id": audit.RequestIDFromContext(r.Context()),
		"panic_type": fmt.Sprintf("%T", rec),
	})
	writeJSON(w, http.StatusOK, toCovertResponse(covert.Camouflage()))
}
