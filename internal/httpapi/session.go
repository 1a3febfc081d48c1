package httpapi

import (
	"net/http"
	"strings"
	"time"

	"emconnect.org/internal/auth"
)

const (
	primaryCookie  = "ec-token"
	incidentCookie = "ec-emergency"
	sessionHint    = "X-Emergency-Session"
	authHeader     = "Authorization"
	bearer         = "Bearer "
)

// withSession resolves the caller from the two session cookies. The
// X-Emergency-Session hint decides which one is tried first. A bearer token
// stands in for the primary cookie.
func (a *API) withSession(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if a.deps.Tokens == nil {
			writeError(w, r, http.StatusServiceUnavailable, "sessions unavailable")
			return
		}
		primary := cookieValue(r, primaryCookie)
		if primary == "" {
			primary = bearerToken(r.Header.Get(authHeader))
		}
		incidentTok := cookieValue(r, incidentCookie)
		preferIncident := strings.EqualFold(strings.TrimSpace(r.Header.Get(sessionHint)), "true")

		claims, err := a.deps.Tokens.SelectSession(primary, incidentTok, preferIncident)
		if err != nil {
			writeError(w, r, http.StatusUnauthorized, "authentication required")
			return
		}
		next(w, r.WithContext(auth.ContextWithSession(r.Context(), claims)))
	}
}

func cookieValue(r *http.Request, name string) string {
	c, err := r.Cookie(name)
	if err != nil {
		return ""
	}
	return c.Value
}

func bearerToken(header string) string {
	header = strings.TrimSpace(header)
	if len(header) < len(bearer) || !strings.EqualFold(header[:len(bearer)], bearer) {
		return ""
	}
	return strings.TrimSpace(header[len(bearer):])
}

// setIncidentCookie adds the incident session next to any primary session.
func (a *API) setIncidentCookie(w http.ResponseWriter, token string, expires time.Time) {
	http.SetCookie(w, &http.Cookie{
		Name:     incidentCookie,
		Value:    token,
		Path:     "/",
		Expires:  expires,
		MaxAge:   int(time.Until(expires).Seconds()),
		HttpOnly: true,
		Secure:   a.deps.SecureCookie,
		SameSite: http.SameSiteStrictMode,
	})
}
