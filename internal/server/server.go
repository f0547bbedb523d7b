// Package server exposes the control plane's HTTP API. All endpoints
// bind to loopback by default; the UI is the only intended client.
package server

import (
	"context"
	"encoding/json"
	"net/http"
	"runtime/debug"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/cors"

	"github.com/deckhand-dev/deckhand/internal/audit"
	"github.com/deckhand-dev/deckhand/internal/chain"
	"github.com/deckhand-dev/deckhand/internal/devcache"
	"github.com/deckhand-dev/deckhand/internal/execute"
	"github.com/deckhand-dev/deckhand/internal/failure"
	"github.com/deckhand-dev/deckhand/internal/log"
	"github.com/deckhand-dev/deckhand/internal/metrics"
	"github.com/deckhand-dev/deckhand/internal/plan"
	"github.com/deckhand-dev/deckhand/internal/profile"
	"github.com/deckhand-dev/deckhand/internal/recipe"
)

// PlanResolver resolves tools into install plans.
type PlanResolver interface {
	Resolve(ctx context.Context, toolID string, prof *profile.SystemProfile, opts plan.Options) (*plan.InstallPlan, error)
}

// ProfileSource serves the cached system profile.
type ProfileSource interface {
	Current(ctx context.Context) profile.SystemProfile
	Invalidate()
}

// Deps wires the server to the rest of the control plane.
type Deps struct {
	Profiles ProfileSource
	Registry *recipe.Registry
	Resolver PlanResolver
	Pool     *execute.Pool
	Matcher  *failure.Matcher
	Planner  *failure.Planner
	Chains   *chain.Tracker
	Cache    *devcache.Cache
	Audit    *audit.Writer
	Metrics  *metrics.Metrics
	Runner   profile.Runner
	Logger   log.Logger

	// AllowedOrigins feeds CORS; empty allows only same-origin use.
	AllowedOrigins []string
}

// Server is the HTTP API surface.
type Server struct {
	deps    Deps
	router  *mux.Router
	handler http.Handler
	logger  log.Logger
}

// New builds the Server and its routes.
func New(deps Deps) *Server {
	if deps.Logger == nil {
		deps.Logger = log.Default()
	}
	s := &Server{
		deps:   deps,
		router: mux.NewRouter(),
		logger: deps.Logger,
	}
	s.routes()

	c := cors.New(cors.Options{
		AllowedOrigins: deps.AllowedOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodDelete},
		AllowedHeaders: []string{"Content-Type"},
	})
	s.handler = c.Handler(s.recoverMiddleware(s.loggingMiddleware(s.router)))
	return s
}

func (s *Server) routes() {
	r := s.router

	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	r.HandleFunc("/api/system-profile", s.handleSystemProfile).Methods(http.MethodGet)

	r.HandleFunc("/audit/install-plan", s.handleInstallPlan).Methods(http.MethodPost)
	r.HandleFunc("/audit/install-plan/execute", s.handleExecute).Methods(http.MethodPost)
	r.HandleFunc("/audit/install-plan/execute/{run_id}", s.handleRunStatus).Methods(http.MethodGet)
	r.HandleFunc("/audit/install-plan/execute/{run_id}", s.handleRunCancel).Methods(http.MethodDelete)
	r.HandleFunc("/audit/remediate", s.handleRemediate).Methods(http.MethodPost)
	r.HandleFunc("/audit/check-deps", s.handleCheckDeps).Methods(http.MethodPost)
	r.HandleFunc("/audit/activity", s.handleActivity).Methods(http.MethodGet)

	r.HandleFunc("/tools/status", s.handleToolsStatus).Methods(http.MethodGet)

	r.HandleFunc("/devops/cache/{card}", s.handleCacheGet).Methods(http.MethodGet)
	r.HandleFunc("/devops/cache/bust", s.handleCacheBust).Methods(http.MethodPost)

	if s.deps.Metrics != nil {
		r.Handle("/metrics", s.deps.Metrics.Handler()).Methods(http.MethodGet)
	}
}

// Handler returns the fully wrapped http.Handler, for tests and for
// mounting.
func (s *Server) Handler() http.Handler { return s.handler }

// ListenAndServe runs the API until ctx is cancelled, then drains with
// a short grace period.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("api listening", "addr", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.logger.Debug("request",
			"method", r.Method, "path", r.URL.Path, "duration", time.Since(start))
	})
}

func (s *Server) recoverMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				s.logger.Error("handler panic",
					"path", r.URL.Path, "panic", rec, "stack", string(debug.Stack()))
				respondError(w, http.StatusInternalServerError, "internal error")
			}
		}()
		next.ServeHTTP(w, r)
	})
}

func respondJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]string{"error": message})
}

func decodeBody(w http.ResponseWriter, r *http.Request, dst any) bool {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return false
	}
	return true
}
