package httpapi

import (
	"context"
	"database/sql"
	"encoding/json"
	"net/http"
	"time"

	"aulagate.org/internal/auth"
	"aulagate.org/internal/obs"
)

const serviceName = "aulagate-api"

// ReadyProbe checks the dependencies the service cannot run without.
type ReadyProbe struct {
	DB *sql.DB
}

func (rp ReadyProbe) Check(ctx context.Context) error {
	if rp.DB == nil {
		return nil
	}
	return rp.DB.PingContext(ctx)
}

// Config carries the transport-level knobs.
type Config struct {
	Version      string
	CookieName   string
	CookiePath   string
	CookieSecure bool

	// Per-IP limits for the sensitive endpoint classes.
	LoginRatePerMinute   int
	RefreshRatePerMinute int
	// Per-identity limit for privileged bulk operations.
	AdminRatePerMinute int
}

func (c *Config) applyDefaults() {
	if c.CookieName == "" {
		c.CookieName = "aulagate_refresh"
	}
	if c.CookiePath == "" {
		c.CookiePath = "/"
	}
	if c.LoginRatePerMinute <= 0 {
		c.LoginRatePerMinute = 10
	}
	if c.RefreshRatePerMinute <= 0 {
		c.RefreshRatePerMinute = 30
	}
	if c.AdminRatePerMinute <= 0 {
		c.AdminRatePerMinute = 10
	}
}

// API is the HTTP layer over the auth service. Audit events are recorded
// by the service itself; the transport only attaches the source address.
type API struct {
	mux        *http.ServeMux
	readyProbe ReadyProbe
	auth       *auth.Service
	cfg        Config
}

func New(rp ReadyProbe, svc *auth.Service, cfg Config) *API {
	cfg.applyDefaults()
	a := &API{
		mux:        http.NewServeMux(),
		readyProbe: rp,
		auth:       svc,
		cfg:        cfg,
	}

	a.mux.HandleFunc("/healthz", a.Healthz)
	a.mux.HandleFunc("/readyz", a.Ready)
	a.mux.HandleFunc("/v1/info", a.Info)
	a.mux.Handle("/metrics", obs.Handler())

	loginLimit := perMinute(cfg.LoginRatePerMinute)
	refreshLimit := perMinute(cfg.RefreshRatePerMinute)
	a.mux.Handle("/v1/auth/login", RateLimitByIP("login", loginLimit, http.HandlerFunc(a.handleLogin)))
	a.mux.Handle("/v1/auth/refresh", RateLimitByIP("refresh", refreshLimit, http.HandlerFunc(a.handleRefresh)))
	a.mux.HandleFunc("/v1/auth/logout", a.handleLogout)
	a.mux.Handle("/v1/auth/session", a.withAuth(http.HandlerFunc(a.handleSession)))

	adminLimit := perMinute(cfg.AdminRatePerMinute)
	a.mux.Handle("/v1/admin/sessions/revoke",
		a.withAuth(a.requireRole(auth.RoleAdmin,
			RateLimitByIdentity("admin_revoke", adminLimit, http.HandlerFunc(a.handleRevokeSessions)))))

	a.mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	})

	return a
}

// Handler returns the fully wrapped http.Handler for the server.
func (a *API) Handler() http.Handler {
	h := http.Handler(a.mux)
	h = MaxBodyBytes(h, 64<<10)
	h = LoggingJSON(h)
	h = SecurityHeaders(h)
	h = Recover(h)
	h = RequestID(h)
	return obs.Instrument(h)
}

func (a *API) Healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"service": serviceName,
		"version": a.cfg.Version,
	})
}

func (a *API) Ready(w http.ResponseWriter, r *http.Request) {
	if err := a.readyProbe.Check(r.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"status": "not_ready",
			"error":  err.Error(),
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ready",
	})
}

func (a *API) Info(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"name":    serviceName,
		"time":    time.Now().UTC().Format(time.RFC3339),
		"version": a.cfg.Version,
	})
}

// --- helpers ---

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, r *http.Request, code int, msg string) {
	body := map[string]any{"error": msg}
	if rid := requestIDFromContext(r.Context()); rid != "" {
		body["request_id"] = rid
	}
	writeJSON(w, code, body)
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

func methodNotAllowed(w http.ResponseWriter, r *http.Request, allowed string) {
	w.Header().Set("Allow", allowed)
	writeError(w, r, http.StatusMethodNotAllowed, "method not allowed")
}
