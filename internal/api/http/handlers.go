package apihttp

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	anomalyapp "equipment-ops/internal/anomaly/application"
	anomaly "equipment-ops/internal/anomaly/domain"
	usageapp "equipment-ops/internal/usage/application"
	usage "equipment-ops/internal/usage/domain"
)

const timeLayout = time.RFC3339

// Job names shared with the scheduler.
const (
	JobUsageAggregation = "usage-aggregation"
	JobAnomalyDetection = "anomaly-detection"
)

// AggregationRunner runs one usage aggregation pass.
type AggregationRunner interface {
	Run(ctx context.Context, now time.Time) (usageapp.ProcessingReport, error)
}

// DetectionRunner runs one anomaly detection pass.
type DetectionRunner interface {
	Run(ctx context.Context, now time.Time) (anomalyapp.DetectionReport, error)
}

// StatisticsReader reads usage statistics of a line.
type StatisticsReader interface {
	GetStatistics(ctx context.Context, lineID string) (*usage.Statistics, error)
}

// AnomalyLister lists anomalies of a line.
type AnomalyLister interface {
	ListByLine(ctx context.Context, lineID string, status anomaly.Status) ([]anomaly.Anomaly, error)
}

// Guard keeps a job from running twice at once.
type Guard interface {
	Acquire(name string) bool
	Release(name string)
}

// Pinger reports store health.
type Pinger interface {
	PingContext(ctx context.Context) error
}

// Server is the admin HTTP surface.
type Server struct {
	router     *mux.Router
	aggregator AggregationRunner
	detector   DetectionRunner
	statistics StatisticsReader
	anomalies  AnomalyLister
	guard      Guard
	pinger     Pinger
	logger     *log.Logger
}

// Option customizes the server.
type Option func(*Server)

// WithGuard shares run exclusion with the scheduler.
func WithGuard(guard Guard) Option {
	return func(s *Server) {
		s.guard = guard
	}
}

// WithPinger enables the store check in /healthz.
func WithPinger(pinger Pinger) Option {
	return func(s *Server) {
		s.pinger = pinger
	}
}

// WithLogger assigns a logger.
func WithLogger(logger *log.Logger) Option {
	return func(s *Server) {
		s.logger = logger
	}
}

// NewServer constructs the server and its routes.
func NewServer(aggregator AggregationRunner, detector DetectionRunner, statistics StatisticsReader, anomalies AnomalyLister, opts ...Option) (*Server, error) {
	if aggregator == nil || detector == nil {
		return nil, errors.New("api: nil job runner")
	}
	if statistics == nil || anomalies == nil {
		return nil, errors.New("api: nil reader")
	}
	s := &Server{
		router:     mux.NewRouter(),
		aggregator: aggregator,
		detector:   detector,
		statistics: statistics,
		anomalies:  anomalies,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.setupRoutes()
	return s, nil
}

func (s *Server) setupRoutes() {
	s.router.HandleFunc("/healthz", s.handleHealth).Methods(http.MethodGet)
	s.router.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)

	api := s.router.PathPrefix("/api/v1").Subrouter()
	api.HandleFunc("/jobs/"+JobUsageAggregation, s.handleRunAggregation).Methods(http.MethodPost)
	api.HandleFunc("/jobs/"+JobAnomalyDetection, s.handleRunDetection).Methods(http.MethodPost)
	api.HandleFunc("/contract-lines/{id}/usage", s.handleUsage).Methods(http.MethodGet)
	api.HandleFunc("/contract-lines/{id}/anomalies", s.handleAnomalies).Methods(http.MethodGet)
	api.Use(s.loggingMiddleware)
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		if s.logger != nil {
			s.logger.Printf("api: method=%s path=%s duration=%s", r.Method, r.URL.Path, time.Since(start))
		}
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.pinger != nil {
		if err := s.pinger.PingContext(r.Context()); err != nil {
			writeError(w, http.StatusServiceUnavailable, "store unavailable")
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleRunAggregation(w http.ResponseWriter, r *http.Request) {
	now, err := parseNow(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if !s.acquire(JobUsageAggregation) {
		writeError(w, http.StatusConflict, "usage aggregation already running")
		return
	}
	defer s.release(JobUsageAggregation)

	report, err := s.aggregator.Run(r.Context(), now)
	if err != nil {
		s.logf("api: usage aggregation failed: err=%v", err)
		writeError(w, http.StatusInternalServerError, "usage aggregation failed")
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (s *Server) handleRunDetection(w http.ResponseWriter, r *http.Request) {
	now, err := parseNow(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if !s.acquire(JobAnomalyDetection) {
		writeError(w, http.StatusConflict, "anomaly detection already running")
		return
	}
	defer s.release(JobAnomalyDetection)

	report, err := s.detector.Run(r.Context(), now)
	if err != nil {
		s.logf("api: anomaly detection failed: err=%v", err)
		writeError(w, http.StatusInternalServerError, "anomaly detection failed")
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (s *Server) handleUsage(w http.ResponseWriter, r *http.Request) {
	lineID := mux.Vars(r)["id"]
	stats, err := s.statistics.GetStatistics(r.Context(), lineID)
	if errors.Is(err, usage.ErrStatisticsNotFound) {
		writeError(w, http.StatusNotFound, "statistics not found")
		return
	}
	if err != nil {
		s.logf("api: read statistics failed: line=%s err=%v", lineID, err)
		writeError(w, http.StatusInternalServerError, "read statistics error")
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *Server) handleAnomalies(w http.ResponseWriter, r *http.Request) {
	lineID := mux.Vars(r)["id"]
	status := anomaly.Status(r.URL.Query().Get("status"))
	if status != "" && status != anomaly.StatusUnresolved && status != anomaly.StatusResolved {
		writeError(w, http.StatusBadRequest, "status must be UNRESOLVED or RESOLVED")
		return
	}
	items, err := s.anomalies.ListByLine(r.Context(), lineID, status)
	if err != nil {
		s.logf("api: list anomalies failed: line=%s err=%v", lineID, err)
		writeError(w, http.StatusInternalServerError, "list anomalies error")
		return
	}
	if items == nil {
		items = []anomaly.Anomaly{}
	}
	writeJSON(w, http.StatusOK, items)
}

func (s *Server) acquire(name string) bool {
	if s.guard == nil {
		return true
	}
	return s.guard.Acquire(name)
}

func (s *Server) release(name string) {
	if s.guard != nil {
		s.guard.Release(name)
	}
}

func (s *Server) logf(format string, args ...any) {
	if s.logger == nil {
		return
	}
	s.logger.Printf(format, args...)
}

// parseNow reads the optional "now" query parameter, defaulting to the current time.
func parseNow(r *http.Request) (time.Time, error) {
	value := r.URL.Query().Get("now")
	if value == "" {
		return time.Now().UTC(), nil
	}
	parsed, err := time.Parse(timeLayout, value)
	if err != nil {
		return time.Time{}, errors.New("now must be RFC3339")
	}
	return parsed.UTC(), nil
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
