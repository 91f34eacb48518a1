package api

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-logr/logr"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"
	"k8s.io/utils/clock"

	"peerprep/internal/logging"
	"peerprep/pkg/types"
)

// StatusReader answers the read-only lifecycle queries
type StatusReader interface {
	GetSessionStatus(sessionID string) (*types.Session, error)
	SessionFor(userID string) (*types.Session, error)
	GetQueueDepth() int
}

// Store reports database health
type Store interface {
	HealthCheck(ctx context.Context) error
	Stats() sql.DBStats
}

// ConnectionCounter reports how many client channels are live
type ConnectionCounter interface {
	Connections() int
}

// ARCHITECTURAL DISCOVERY: HTTP API layer serves as pure interface between external clients and internal components
// Clean separation - no business logic, only HTTP handling and JSON serialization
type Server struct {
	status      StatusReader
	store       Store
	connections ConnectionCounter
	gatherer    prometheus.Gatherer
	clock       clock.PassiveClock
	log         logr.Logger
	handler     http.Handler
}

// Options carries the optional parts of the HTTP surface
type Options struct {
	// WebSocket serves GET /ws; omitted when nil
	WebSocket      http.HandlerFunc
	AllowedOrigins []string
}

// NewServer builds the router; the returned Server is an http.Handler
func NewServer(status StatusReader, store Store, connections ConnectionCounter, gatherer prometheus.Gatherer,
	clk clock.PassiveClock, opts Options, log logr.Logger) *Server {
	s := &Server{
		status:      status,
		store:       store,
		connections: connections,
		gatherer:    gatherer,
		clock:       clk,
		log:         log.WithName("api"),
	}

	r := chi.NewRouter()
	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.Recoverer)

	r.Route("/api", func(r chi.Router) {
		r.Use(jsonContent)
		r.Get("/sessions/{sessionID}", s.getSession)
		r.Get("/users/{userID}/session", s.getUserSession)
		r.Get("/queue", s.getQueue)
	})
	r.Get("/health", s.healthCheck)
	r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	if opts.WebSocket != nil {
		r.Get("/ws", opts.WebSocket)
	}

	origins := opts.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	s.handler = cors.New(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{http.MethodGet, http.MethodOptions},
		AllowedHeaders: []string{"Content-Type", "Authorization"},
	}).Handler(r)

	return s
}

// FUNCTIONAL DISCOVERY: Implement http.Handler interface for integration with standard HTTP server
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.handler.ServeHTTP(w, r)
}

type SessionResponse struct {
	Session *types.Session `json:"session"`
}

type QueueResponse struct {
	Depth int `json:"depth"`
}

type HealthResponse struct {
	Status      string         `json:"status"`
	Timestamp   time.Time      `json:"timestamp"`
	Database    string         `json:"database"`
	Connections int            `json:"connections"`
	DBStats     map[string]int `json:"db_stats"`
}

type ErrorResponse struct {
	Error   string `json:"error"`
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// GET /api/sessions/{sessionID}
func (s *Server) getSession(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")
	session, err := s.status.GetSessionStatus(sessionID)
	if err != nil {
		s.sendLookupError(w, err, "session_id", sessionID)
		return
	}
	s.sendJSON(w, http.StatusOK, SessionResponse{Session: session})
}

// GET /api/users/{userID}/session
func (s *Server) getUserSession(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")
	if !types.IsValidUserID(userID) {
		s.sendError(w, "Invalid user_id format", http.StatusBadRequest)
		return
	}
	session, err := s.status.SessionFor(userID)
	if err != nil {
		s.sendLookupError(w, err, "user_id", userID)
		return
	}
	s.sendJSON(w, http.StatusOK, SessionResponse{Session: session})
}

// GET /api/queue
func (s *Server) getQueue(w http.ResponseWriter, _ *http.Request) {
	s.sendJSON(w, http.StatusOK, QueueResponse{Depth: s.status.GetQueueDepth()})
}

// FUNCTIONAL DISCOVERY: GET /health - System health check with component validation
func (s *Server) healthCheck(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	response := HealthResponse{
		Status:      "healthy",
		Timestamp:   s.clock.Now(),
		Database:    "healthy",
		Connections: s.connections.Connections(),
	}

	if err := s.store.HealthCheck(ctx); err != nil {
		response.Status = "unhealthy"
		response.Database = fmt.Sprintf("error: %v", err)
	} else {
		stats := s.store.Stats()
		response.DBStats = map[string]int{
			"open_connections": stats.OpenConnections,
			"in_use":           stats.InUse,
			"idle":             stats.Idle,
		}
	}

	// FUNCTIONAL DISCOVERY: Return 503 if any component is unhealthy
	code := http.StatusOK
	if response.Status != "healthy" {
		code = http.StatusServiceUnavailable
	}
	s.sendJSON(w, code, response)
}

func (s *Server) sendLookupError(w http.ResponseWriter, err error, key, id string) {
	if errors.Is(err, types.ErrSessionNotFound) {
		s.sendError(w, "Session not found", http.StatusNotFound)
		return
	}
	s.log.Error(err, "Session lookup failed", key, id)
	s.sendError(w, "Failed to get session", http.StatusInternalServerError)
}

func (s *Server) sendJSON(w http.ResponseWriter, code int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		s.log.V(logging.VERBOSE).Info("Failed to write response", "error", err.Error())
	}
}

// FUNCTIONAL DISCOVERY: Consistent error response format
func (s *Server) sendError(w http.ResponseWriter, message string, code int) {
	s.sendJSON(w, code, ErrorResponse{
		Error:   http.StatusText(code),
		Code:    code,
		Message: message,
	})
}

// FUNCTIONAL DISCOVERY: JSON middleware ensures proper content-type headers
func jsonContent(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		next.ServeHTTP(w, r)
	})
}
