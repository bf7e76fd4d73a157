package httpapi

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"medrec.org/internal/audit"
	"medrec.org/internal/auth"
	"medrec.org/internal/obs"
)

const serviceName = "medrec-api"

// ReadinessChecker reports whether backing storage is reachable.
type ReadinessChecker interface {
	Ping(ctx context.Context) error
}

// Options tunes the HTTP surface.
type Options struct {
	Dev                bool
	MaxBodyBytes       int64
	CORSOrigins        []string
	RatePerSecond      float64
	RateBurst          int
	LoginRatePerMinute int
}

// DefaultOptions mirrors the config defaults.
func DefaultOptions() Options {
	return Options{
		MaxBodyBytes:       1 << 20,
		CORSOrigins:        []string{"*"},
		RatePerSecond:      50,
		RateBurst:          100,
		LoginRatePerMinute: 10,
	}
}

// Deps are the collaborators the handlers delegate to.
type Deps struct {
	Engine    *auth.Engine
	Admin     *auth.Admin
	Recorder  *audit.Recorder
	AuditLog  auth.AuditStore
	Readiness ReadinessChecker
	Version   string
}

// API is the HTTP layer.
type API struct {
	engine    *auth.Engine
	admin     *auth.Admin
	recorder  *audit.Recorder
	auditLog  auth.AuditStore
	readiness ReadinessChecker
	version   string
	opts      Options
	router    chi.Router
}

func New(deps Deps, opts Options) *API {
	if opts.MaxBodyBytes <= 0 {
		opts.MaxBodyBytes = DefaultOptions().MaxBodyBytes
	}
	a := &API{
		engine:    deps.Engine,
		admin:     deps.Admin,
		recorder:  deps.Recorder,
		auditLog:  deps.AuditLog,
		readiness: deps.Readiness,
		version:   deps.Version,
		opts:      opts,
	}
	a.router = a.routes()
	return a
}

// Handler returns the root handler.
func (a *API) Handler() http.Handler {
	return a.router
}

func (a *API) routes() chi.Router {
	r := chi.NewRouter()

	r.Use(RequestID)
	r.Use(LoggingJSON)
	r.Use(chimw.Recoverer)
	r.Use(chimw.RealIP)
	r.Use(obs.Instrument)
	r.Use(SecurityHeaders)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: a.opts.CORSOrigins,
		AllowedMethods: []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type", "X-Request-ID"},
		ExposedHeaders: []string{"X-Request-ID", "Retry-After"},
		MaxAge:         300,
	}))
	r.Use(func(next http.Handler) http.Handler { return MaxBodyBytes(next, a.opts.MaxBodyBytes) })
	if a.opts.RatePerSecond > 0 && a.opts.RateBurst > 0 {
		r.Use(func(next http.Handler) http.Handler {
			return RateLimit(next, a.opts.RateBurst, a.opts.RatePerSecond)
		})
	}

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, r, http.StatusNotFound, "resource not found")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, r, http.StatusMethodNotAllowed, "method not allowed")
	})

	r.Get("/healthz", a.Healthz)
	r.Get("/readyz", a.Ready)
	r.Handle("/metrics", obs.Handler())

	r.Route("/api", func(r chi.Router) {
		r.Get("/info", a.Info)
		r.Route("/auth", a.authRoutes)
		r.Route("/sessions", a.sessionRoutes)
		r.Route("/users", a.userRoutes)
		r.Route("/roles", a.roleRoutes)
		r.Route("/persons", a.personRoutes)
		r.Route("/logs", a.logRoutes)
	})
	return r
}

// --- Handlers ---

func (a *API) Healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"service": serviceName,
		"version": a.version,
	})
}

func (a *API) Ready(w http.ResponseWriter, r *http.Request) {
	if a.readiness != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := a.readiness.Ping(ctx); err != nil {
			obs.Logger().Warn("readiness check failed", "error", err.Error())
			writeJSON(w, http.StatusServiceUnavailable, map[string]any{
				"status": "degraded",
				"checks": map[string]string{"database": "error"},
			})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ok",
		"checks": map[string]string{"database": "ok"},
	})
}

func (a *API) Info(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"name":    serviceName,
		"time":    time.Now().UTC().Format(time.RFC3339),
		"version": a.version,
	})
}

// audited wraps h with the audit recorder when one is configured.
func (a *API) audited(action, description string) func(http.Handler) http.Handler {
	if a.recorder == nil {
		return func(next http.Handler) http.Handler { return next }
	}
	return a.recorder.Middleware(action, description)
}
