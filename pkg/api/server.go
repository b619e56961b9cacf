// Package api exposes the analysis service over HTTP: run triggers, run
// reads, opportunity queries, auth, and the WebSocket event stream.
package api

import (
	"encoding/json"
	"log"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/hooplab/courtedge/pkg/admission"
	"github.com/hooplab/courtedge/pkg/metrics"
	"github.com/hooplab/courtedge/pkg/streaming"
	"github.com/hooplab/courtedge/pkg/workflow"
)

// Server wires the HTTP surface over the workflow, streaming, and
// admission layers.
type Server struct {
	orchestrator *workflow.Orchestrator
	registry     *workflow.Registry
	hub          *streaming.Hub
	tokens       *admission.TokenManager
	users        *admission.UserStore
	limiter      *admission.RateLimiter
	m            *metrics.AnalysisMetrics // optional
}

// NewServer creates the server. m may be nil.
func NewServer(
	orchestrator *workflow.Orchestrator,
	registry *workflow.Registry,
	hub *streaming.Hub,
	tokens *admission.TokenManager,
	users *admission.UserStore,
	limiter *admission.RateLimiter,
	m *metrics.AnalysisMetrics,
) *Server {
	return &Server{
		orchestrator: orchestrator,
		registry:     registry,
		hub:          hub,
		tokens:       tokens,
		users:        users,
		limiter:      limiter,
		m:            m,
	}
}

// Router builds the chi router with all routes mounted.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)
	r.Use(requestLogger)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	r.Get("/health", s.handleHealth)
	if s.m != nil {
		r.Method("GET", "/metrics", promhttp.HandlerFor(s.m.Registry(), promhttp.HandlerOpts{}))
	}

	r.Route("/api/auth", func(r chi.Router) {
		r.Use(s.rateLimit(admission.ClassAuth, clientIP))
		r.Post("/login", s.handleLogin)
		r.Post("/refresh", s.handleRefresh)
		r.Post("/revoke", s.handleRevoke)
	})

	r.Route("/api", func(r chi.Router) {
		r.Use(s.requireAuth)

		r.With(s.rateLimit(admission.ClassWrite, clientIdentity)).
			Post("/analysis/run", s.handleStartRun)

		r.Group(func(r chi.Router) {
			r.Use(s.rateLimit(admission.ClassRead, clientIdentity))
			r.Get("/analysis/latest", s.handleLatestRun)
			r.Get("/analysis/{run_id}", s.handleGetRun)
			r.Get("/opportunities", s.handleOpportunities)
		})
	})

	// The WebSocket credential rides in the subprotocol; the hub does its
	// own authentication after the handshake.
	r.Get("/ws/analysis/{run_id}", func(w http.ResponseWriter, r *http.Request) {
		s.hub.ServeWS(w, r, chi.URLParam(r, "run_id"))
	})

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// requestLogger logs method, path, status, and latency. Tokens are never
// part of the URL, so logging the path is safe.
func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		log.Printf("[HTTP] %s %s %d %s", r.Method, r.URL.Path, ww.Status(), time.Since(start))
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("[HTTP] encode response: %v", err)
	}
}

type errorResponse struct {
	Error string `json:"error"`
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{Error: msg})
}
