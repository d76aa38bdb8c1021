// Package api serves a read-only HTTP view of incidents and unit health
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/cors"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/yairfalse/whitecat/internal/report"
	"github.com/yairfalse/whitecat/internal/store"
	"github.com/yairfalse/whitecat/internal/supervisor"
	"github.com/yairfalse/whitecat/pkg/domain"
)

const (
	defaultLimit = 100
	maxLimit     = 1000
)

// StatusSource reports unit health; *supervisor.Supervisor implements it
type StatusSource interface {
	Status() []supervisor.UnitStatus
	Healthy() bool
}

// HealthResponse is the /healthz body
type HealthResponse struct {
	Status    string                  `json:"status"`
	Timestamp time.Time               `json:"timestamp"`
	Units     []supervisor.UnitStatus `json:"units"`
}

// IncidentList is the /api/v1/incidents body
type IncidentList struct {
	Count     int                `json:"count"`
	Incidents []*domain.Incident `json:"incidents"`
}

type errorResponse struct {
	Error string `json:"error"`
}

// Server is the HTTP surface. It never writes to the store.
type Server struct {
	logger  *zap.Logger
	store   store.Store
	status  StatusSource
	metrics http.Handler
	router  *mux.Router
	handler http.Handler
	addr    string
	now     func() time.Time
}

// NewServer wires the routes. metrics may be nil, which leaves /metrics
// unregistered.
func NewServer(logger *zap.Logger, addr string, s store.Store, status StatusSource, metrics http.Handler) *Server {
	srv := &Server{
		logger:  logger,
		store:   s,
		status:  status,
		metrics: metrics,
		router:  mux.NewRouter(),
		addr:    addr,
		now:     time.Now,
	}
	srv.router.Use(srv.loggingMiddleware)
	srv.setupRoutes()

	c := cors.New(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{http.MethodGet, http.MethodOptions},
		AllowedHeaders: []string{"Content-Type"},
	})
	srv.handler = c.Handler(srv.router)
	return srv
}

func (s *Server) setupRoutes() {
	s.router.HandleFunc("/api/v1/incidents", s.handleIncidents).Methods("GET")
	s.router.HandleFunc("/api/v1/incidents/{id}", s.handleIncident).Methods("GET")
	s.router.HandleFunc("/healthz", s.handleHealth).Methods("GET")
	if s.metrics != nil {
		s.router.Handle("/metrics", s.metrics).Methods("GET")
	}
}

// Handler returns the router wrapped with CORS handling
func (s *Server) Handler() http.Handler {
	return s.handler
}

// Name identifies the unit
func (s *Server) Name() string {
	return "api"
}

// Run serves until ctx ends, then shuts down gracefully
func (s *Server) Run(ctx context.Context) error {
	server := &http.Server{
		Addr:         s.addr,
		Handler:      s.handler,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		s.logger.Info("API server starting", zap.String("address", s.addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.logger.Info("API server shutting down")
		return server.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

func (s *Server) handleIncidents(w http.ResponseWriter, r *http.Request) {
	filter, err := parseFilter(r.URL.Query(), s.now())
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
		return
	}

	incidents, err := store.Collect(s.store.Query(r.Context(), filter))
	if err != nil {
		s.logger.Error("Incident query failed", zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "internal server error"})
		return
	}
	if incidents == nil {
		incidents = []*domain.Incident{}
	}
	writeJSON(w, http.StatusOK, IncidentList{Count: len(incidents), Incidents: incidents})
}

func (s *Server) handleIncident(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	inc, err := s.store.Get(r.Context(), id)
	switch {
	case errors.Is(err, domain.ErrIncidentNotFound):
		writeJSON(w, http.StatusNotFound, errorResponse{Error: "incident not found"})
	case err != nil:
		s.logger.Error("Incident lookup failed", zap.String("incident_id", id), zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "internal server error"})
	default:
		writeJSON(w, http.StatusOK, inc)
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	resp := HealthResponse{Status: "healthy", Timestamp: s.now().UTC(), Units: []supervisor.UnitStatus{}}
	code := http.StatusOK
	if s.status != nil {
		resp.Units = s.status.Status()
		if !s.status.Healthy() {
			resp.Status = "degraded"
			code = http.StatusServiceUnavailable
		}
	}
	writeJSON(w, code, resp)
}

// parseFilter reads since, until, actor, min_severity, include_unscored,
// deferred and limit
func parseFilter(q url.Values, now time.Time) (domain.IncidentFilter, error) {
	var f domain.IncidentFilter
	var err error

	if f.Since, err = report.ParseSince(q.Get("since"), now); err != nil {
		return f, err
	}
	if f.Until, err = report.ParseSince(q.Get("until"), now); err != nil {
		return f, err
	}
	f.Actor = q.Get("actor")

	if v := q.Get("min_severity"); v != "" {
		if f.MinSeverity, err = strconv.ParseFloat(v, 64); err != nil {
			return f, errors.New("min_severity must be a number")
		}
	}
	if v := q.Get("include_unscored"); v != "" {
		if f.IncludeUnscored, err = strconv.ParseBool(v); err != nil {
			return f, errors.New("include_unscored must be true or false")
		}
	}
	if v := q.Get("deferred"); v != "" {
		if f.DeferredOnly, err = strconv.ParseBool(v); err != nil {
			return f, errors.New("deferred must be true or false")
		}
	}

	f.Limit = defaultLimit
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			return f, errors.New("limit must be a positive integer")
		}
		f.Limit = min(n, maxLimit)
	}
	return f, nil
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.logger.Debug("HTTP request",
			zap.String("method", r.Method),
			zap.String("uri", r.RequestURI),
			zap.Duration("duration", time.Since(start)))
	})
}
