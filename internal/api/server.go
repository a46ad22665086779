// Package api exposes the engine over HTTP.
package api

import (
	"encoding/json"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/jordanhubbard/weft/internal/database"
	"github.com/jordanhubbard/weft/internal/engine"
	"github.com/jordanhubbard/weft/internal/metrics"
	"github.com/jordanhubbard/weft/pkg/config"
)

// Server is the HTTP API server.
type Server struct {
	engine *engine.Engine
	db     *database.Database
	config *config.Config
	m      *metrics.Metrics
}

// NewServer creates an API server.
func NewServer(eng *engine.Engine, db *database.Database, cfg *config.Config) *Server {
	return &Server{
		engine: eng,
		db:     db,
		config: cfg,
		m:      metrics.NewMetrics(),
	}
}

// SetupRoutes configures HTTP routes.
func (s *Server) SetupRoutes() http.Handler {
	mux := http.NewServeMux()

	// Health and metrics
	mux.HandleFunc("/api/v1/health", s.handleHealth)
	mux.Handle("/metrics", promhttp.Handler())

	// Work items
	mux.HandleFunc("/api/v1/items", s.handleItems)

	// Outcomes
	mux.HandleFunc("/api/v1/outcomes", s.handleOutcomes)

	// Executions
	mux.HandleFunc("/api/v1/executions", s.handleExecutions)
	mux.HandleFunc("/api/v1/executions/", s.handleExecution)

	// Workers
	mux.HandleFunc("/api/v1/workers", s.handleWorkers)

	// Memories
	mux.HandleFunc("/api/v1/memories/prune", s.handlePrune)
	mux.HandleFunc("/api/v1/memories/", s.handleMemories)

	// Plans
	mux.HandleFunc("/api/v1/plans/", s.handlePlan)

	handler := s.metricsMiddleware(mux)
	handler = s.loggingMiddleware(handler)
	handler = s.corsMiddleware(handler)
	return handler
}

// Middleware

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		started := time.Now()
		next.ServeHTTP(w, r)
		log.Printf("[API] %s %s %s (%s)", r.Method, r.URL.Path, r.RemoteAddr, time.Since(started))
	})
}

// statusRecorder captures the response status for metrics labels.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (rec *statusRecorder) WriteHeader(status int) {
	rec.status = status
	rec.ResponseWriter.WriteHeader(status)
}

func (s *Server) metricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		started := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		s.m.HTTPRequestsTotal.WithLabelValues(r.URL.Path, r.Method, strconv.Itoa(rec.status)).Inc()
		s.m.HTTPRequestDuration.WithLabelValues(r.URL.Path).Observe(time.Since(started).Seconds())
	})
}

func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// Helper functions

// respondJSON writes a JSON response
func (s *Server) respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

// respondError writes an error response
func (s *Server) respondError(w http.ResponseWriter, status int, message string) {
	s.respondJSON(w, status, map[string]string{"error": message})
}

// parseJSON parses JSON request body
func (s *Server) parseJSON(r *http.Request, v interface{}) error {
	return json.NewDecoder(r.Body).Decode(v)
}

// extractID extracts ID from URL path
func (s *Server) extractID(path, prefix string) string {
	id := strings.TrimPrefix(path, prefix)
	id = strings.TrimPrefix(id, "/")
	return strings.TrimSuffix(id, "/")
}
