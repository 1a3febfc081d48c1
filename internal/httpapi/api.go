// Package httpapi is the HTTP layer: the covert entry endpoints, the
// protected party's credential settings and the incident conversation API.
package httpapi

import (
	"context"
	"net/http"
	"net/netip"

	"emconnect.org/internal/auth"
	"emconnect.org/internal/covert"
	"emconnect.org/internal/incident"
	"emconnect.org/internal/obs"
	"emconnect.org/internal/quota"
	"emconnect.org/internal/stream"
)

const maxBodyBytes = 1 << 20

// Probe reports readiness, usually a database ping.
type Probe interface {
	Ping(ctx context.Context) error
}

// CovertService is the covert authenticator and its settings.
type CovertService interface {
	Enter(ctx context.Context, phrase, callerKey string) covert.Result
	Verify(ctx context.Context, credential, answer string) covert.Result
	Configure(ctx context.Context, subjectID string, in covert.ConfigInput) (covert.Summary, error)
	Summary(ctx context.Context, subjectID string) (covert.Summary, error)
}

// Deps are the services the HTTP layer routes to.
type Deps struct {
	Probe        Probe
	Covert       CovertService
	Incidents    *incident.Service
	Tokens       *auth.Service
	Stream       *stream.Hub
	Quota        *quota.Guard
	SecureCookie bool
}

// API is the HTTP layer.
type API struct {
	mux     *http.ServeMux
	deps    Deps
	version string

	rateBurst  int
	ratePerSec int
	limiter    *ipLimiter
	proxies    trustedProxies
}

// Option configures API.
type Option func(*API)

// WithRateLimit sets the per-IP token bucket for non-covert routes.
func WithRateLimit(burst, perSecond int) Option {
	return func(a *API) {
		if burst > 0 && perSecond > 0 {
			a.rateBurst = burst
			a.ratePerSec = perSecond
		}
	}
}

// WithTrustedProxies lists the peers allowed to name the client through
// X-Forwarded-For. Without it the socket address is always the client.
func WithTrustedProxies(prefixes []netip.Prefix) Option {
	return func(a *API) {
		a.proxies = append(trustedProxies(nil), prefixes...)
	}
}

func New(version string, deps Deps, opts ...Option) *API {
	a := &API{
		mux:        http.NewServeMux(),
		deps:       deps,
		version:    version,
		rateBurst:  20,
		ratePerSec: 10,
	}
	for _, opt := range opts {
		opt(a)
	}
	a.limiter = newIPLimiter(a.ratePerSec, a.rateBurst)
	a.routes()
	return a
}

func (a *API) routes() {
	limited := func(h http.HandlerFunc) http.Handler { return rateLimitWith(a.limiter, a.proxies, h) }

	a.mux.HandleFunc("GET /healthz", a.Healthz)
	a.mux.HandleFunc("GET /readyz", a.Ready)
	a.mux.Handle("GET /metrics", obs.Handler())

	// Covert endpoints answer 200 on every path, including rate limiting.
	a.mux.HandleFunc("POST /v1/emergency/enter", a.handleEnter)
	a.mux.HandleFunc("POST /v1/emergency/verify", a.handleVerify)

	a.mux.Handle("GET /v1/protected/credentials", limited(a.withSession(a.getCredentials)))
	a.mux.Handle("PUT /v1/protected/credentials", limited(a.withSession(a.putCredentials)))

	a.mux.Handle("GET /v1/incidents", limited(a.withSession(a.listIncidents)))
	a.mux.Handle("GET /v1/incidents/{id}", limited(a.withSession(a.getIncident)))
	a.mux.Handle("GET /v1/incidents/{id}/progress", limited(a.withSession(a.listProgress)))
	a.mux.Handle("POST /v1/incidents/{id}/progress", limited(a.withSession(a.setProgress)))
	a.mux.Handle("GET /v1/incidents/{id}/messages", limited(a.withSession(a.listMessages)))
	a.mux.Handle("POST /v1/incidents/{id}/messages", limited(a.withSession(a.postMessage)))
	a.mux.Handle("GET /v1/incidents/{id}/events", limited(a.withSession(a.streamEvents)))
	a.mux.Handle("GET /v1/incidents/{id}/urgency", limited(a.withSession(a.getUrgency)))
	a.mux.Handle("GET /v1/incidents/{id}/insight", limited(a.withSession(a.getInsight)))
	a.mux.Handle("POST /v1/incidents/{id}/insight", limited(a.withSession(a.refreshInsight)))

	a.mux.Handle("GET /v1/internal/quota", limited(a.getQuota))

	a.mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		writeError(w, r, http.StatusNotFound, "resource not found")
	})
}

// Handler returns the mux wrapped in the standard middleware chain.
func (a *API) Handler() http.Handler {
	var h http.Handler = a.mux
	h = MaxBodyBytes(h, maxBodyBytes)
	h = obs.Instrument(h)
	h = SecurityHeaders(h)
	h = LoggingJSON(h)
	return RequestID(h)
}

func (a *API) Healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"service": "emconnect-api",
		"version": a.version,
	})
}

func (a *API) Ready(w http.ResponseWriter, r *http.Request) {
	if a.deps.Probe != nil {
		if err := a.deps.Probe.Ping(r.Context()); err != nil {
			obs.SetReady(false)
			writeJSON(w, http.StatusServiceUnavailable, map[string]any{
				"status": "not_ready",
				"error":  err.Error(),
			})
			return
		}
	}
	obs.SetReady(true)
	writeJSON(w, http.StatusOK, map[string]any{"status": "ready"})
}

func (a *API) getQuota(w http.ResponseWriter, r *http.Request) {
	if a.deps.Quota == nil {
		writeJSON(w, http.StatusOK, map[string]any{"enabled": false})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"enabled": true,
		"usage":   a.deps.Quota.Usage(),
	})
}
