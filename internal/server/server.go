package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"

	"github.com/chipster6/adaptive-routing-engine/internal/middleware"
	"github.com/chipster6/adaptive-routing-engine/internal/routing"
	"github.com/chipster6/adaptive-routing-engine/internal/security"
	"github.com/chipster6/adaptive-routing-engine/internal/types"
)

// Server exposes the routing engine over HTTP.
type Server struct {
	engine             *routing.Engine
	httpServer         *http.Server
	logger             *logrus.Logger
	config             *Config
	securityMiddleware *middleware.SecurityMiddleware
}

// Config holds HTTP server configuration.
type Config struct {
	Port           string                     `yaml:"port" json:"port"`
	ReadTimeout    time.Duration              `yaml:"read_timeout" json:"read_timeout"`
	WriteTimeout   time.Duration              `yaml:"write_timeout" json:"write_timeout"`
	MaxHeaderBytes int                        `yaml:"max_header_bytes" json:"max_header_bytes"`
	Security       *middleware.SecurityConfig `yaml:"security" json:"security"`
}

// DefaultConfig returns server settings suitable for local use.
func DefaultConfig() *Config {
	return &Config{
		Port:           "8080",
		ReadTimeout:    15 * time.Second,
		WriteTimeout:   15 * time.Second,
		MaxHeaderBytes: 1 << 20,
		Security:       middleware.DefaultSecurityConfig(),
	}
}

// NewServer creates a server bound to the given engine.
func NewServer(engine *routing.Engine, config *Config, logger *logrus.Logger) (*Server, error) {
	if config == nil {
		config = DefaultConfig()
	}
	if logger == nil {
		logger = logrus.New()
	}
	server := &Server{
		engine: engine,
		logger: logger,
		config: config,
	}

	if config.Security != nil {
		sm, err := middleware.NewSecurityMiddleware(config.Security, logger)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize security middleware: %w", err)
		}
		server.securityMiddleware = sm
	}

	return server, nil
}

// Start begins serving and blocks until the listener closes.
func (s *Server) Start() error {
	s.httpServer = &http.Server{
		Addr:           ":" + s.config.Port,
		Handler:        s.Handler(),
		ReadTimeout:    s.config.ReadTimeout,
		WriteTimeout:   s.config.WriteTimeout,
		MaxHeaderBytes: s.config.MaxHeaderBytes,
	}

	s.logger.WithField("port", s.config.Port).Info("Starting routing engine server")
	return s.httpServer.ListenAndServe()
}

// Stop shuts the server down gracefully.
func (s *Server) Stop(ctx context.Context) error {
	s.logger.Info("Stopping routing engine server")

	if s.securityMiddleware != nil {
		s.securityMiddleware.Close()
	}
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

// Handler builds the full route table with middleware applied.
func (s *Server) Handler() http.Handler {
	r := mux.NewRouter()

	r.Use(s.loggingMiddleware)
	r.Use(s.corsMiddleware)

	api := r.PathPrefix("/v1").Subrouter()

	api.HandleFunc("/route", s.handleRoute).Methods("POST")
	api.HandleFunc("/outcomes/{decisionId}", s.handleOutcome).Methods("POST")
	api.HandleFunc("/services", s.handleListServices).Methods("GET")
	api.HandleFunc("/services/{service}/status", s.handleServiceStatus).Methods("GET")
	api.HandleFunc("/services/{service}/distribution", s.handleUpdateDistribution).Methods("PUT")
	api.HandleFunc("/auth/token", s.handleIssueToken).Methods("POST")

	// Liveness endpoint, no /v1 prefix.
	r.HandleFunc("/health", s.handleHealth).Methods("GET")

	s.setupSwaggerRoutes(r)

	if s.securityMiddleware != nil {
		return s.securityMiddleware.Wrap(r)
	}
	return r
}

// Middleware

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		wrapped := &responseWriter{ResponseWriter: w, statusCode: 200}

		next.ServeHTTP(wrapped, r)

		s.logger.WithFields(logrus.Fields{
			"method":      r.Method,
			"path":        r.URL.Path,
			"status":      wrapped.statusCode,
			"duration_ms": time.Since(start).Milliseconds(),
			"remote_addr": r.RemoteAddr,
		}).Info("HTTP request")
	})
}

func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-API-Key")

		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// Handlers

// RouteRequest is the body of POST /v1/route.
type RouteRequest struct {
	Service             string         `json:"service"`
	Priority            types.Priority `json:"priority,omitempty"`
	Region              string         `json:"region,omitempty"`
	EstimatedCost       float64        `json:"estimated_cost,omitempty"`
	CriticalRevenuePath bool           `json:"critical_revenue_path,omitempty"`
}

func (s *Server) handleRoute(w http.ResponseWriter, r *http.Request) {
	var req RouteRequest
	if err := security.DecodeJSON(r, &req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	if !security.ValidServiceName(req.Service) {
		s.writeError(w, http.StatusBadRequest, "invalid_request", "invalid service name")
		return
	}
	priority := req.Priority
	if priority == "" {
		priority = types.PriorityNormal
	}
	if !priority.Valid() {
		s.writeError(w, http.StatusBadRequest, "invalid_request", fmt.Sprintf("unknown priority %q", priority))
		return
	}

	decision, err := s.engine.Route(req.Service, types.RequestMeta{
		Priority:            priority,
		Region:              req.Region,
		EstimatedCost:       req.EstimatedCost,
		CriticalRevenuePath: req.CriticalRevenuePath,
	})
	if err != nil {
		s.writeRoutingError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(decision)
}

func (s *Server) handleOutcome(w http.ResponseWriter, r *http.Request) {
	decisionID := mux.Vars(r)["decisionId"]

	var outcome types.Outcome
	if err := security.DecodeJSON(r, &outcome); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	if outcome.ReportedAt.IsZero() {
		outcome.ReportedAt = time.Now()
	}

	recorded := s.engine.RecordOutcome(decisionID, outcome)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(map[string]interface{}{
		"decision_id": decisionID,
		"recorded":    recorded,
	})
}

func (s *Server) handleListServices(w http.ResponseWriter, r *http.Request) {
	services := s.engine.Services()

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"services": services,
		"count":    len(services),
	})
}

func (s *Server) handleServiceStatus(w http.ResponseWriter, r *http.Request) {
	service := mux.Vars(r)["service"]

	status, err := s.engine.GetServiceStatus(service)
	if err != nil {
		s.writeRoutingError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(status)
}

func (s *Server) handleUpdateDistribution(w http.ResponseWriter, r *http.Request) {
	service := mux.Vars(r)["service"]
	if !security.ValidServiceName(service) {
		s.writeError(w, http.StatusBadRequest, "invalid_request", "invalid service name")
		return
	}

	var dist routing.TrafficDistribution
	if err := json.NewDecoder(r.Body).Decode(&dist); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid_request", fmt.Sprintf("invalid distribution: %v", err))
		return
	}
	dist.Service = service

	if err := s.engine.UpdateTrafficDistribution(&dist); err != nil {
		var cfgErr *types.ConfigError
		if errors.As(err, &cfgErr) {
			s.writeError(w, http.StatusUnprocessableEntity, "invalid_distribution", cfgErr.Error())
			return
		}
		s.writeError(w, http.StatusInternalServerError, "internal_error", err.Error())
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"service": service,
		"updated": true,
	})
}

// TokenRequest is the body of POST /v1/auth/token.
type TokenRequest struct {
	ClientID string   `json:"client_id"`
	Scopes   []string `json:"scopes,omitempty"`
}

func (s *Server) handleIssueToken(w http.ResponseWriter, r *http.Request) {
	if s.securityMiddleware == nil {
		s.writeError(w, http.StatusNotFound, "not_found", "authentication is not configured")
		return
	}

	var req TokenRequest
	if err := security.DecodeJSON(r, &req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	if req.ClientID == "" {
		s.writeError(w, http.StatusBadRequest, "invalid_request", "client_id is required")
		return
	}

	token, err := s.securityMiddleware.Authenticator().IssueToken(req.ClientID, req.Scopes)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, "internal_error", err.Error())
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"token":      token,
		"token_type": "Bearer",
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"status":    "ok",
		"services":  len(s.engine.Services()),
		"timestamp": time.Now().Unix(),
	})
}

// Helpers

// writeRoutingError maps engine errors onto HTTP status codes.
func (s *Server) writeRoutingError(w http.ResponseWriter, err error) {
	var (
		noProvider *types.NoProviderAvailableError
		denied     *types.BudgetDeniedError
		throttled  *types.BudgetThrottledError
	)
	switch {
	case errors.Is(err, types.ErrUnknownService):
		s.writeError(w, http.StatusNotFound, "unknown_service", err.Error())
	case errors.As(err, &noProvider):
		s.writeError(w, http.StatusServiceUnavailable, "no_provider_available", err.Error())
	case errors.As(err, &throttled):
		w.Header().Set("Retry-After", strconv.Itoa(int(throttled.RetryAfter.Seconds()+1)))
		s.writeError(w, http.StatusTooManyRequests, "budget_throttled", err.Error())
	case errors.As(err, &denied):
		s.writeError(w, http.StatusTooManyRequests, "budget_denied", err.Error())
	default:
		s.writeError(w, http.StatusInternalServerError, "internal_error", err.Error())
	}
}

func (s *Server) writeError(w http.ResponseWriter, statusCode int, errType, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	json.NewEncoder(w).Encode(map[string]interface{}{
		"error": map[string]interface{}{
			"type":    errType,
			"message": message,
			"code":    statusCode,
		},
		"timestamp": time.Now().Unix(),
	})
}

// responseWriter wraps http.ResponseWriter to capture the status code.
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}
