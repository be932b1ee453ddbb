package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"

	"github.com/workload-advisor/controller/approvals"
	"github.com/workload-advisor/controller/cache"
	"github.com/workload-advisor/controller/feedback"
	"github.com/workload-advisor/controller/metrics"
	"github.com/workload-advisor/controller/scheduler"
	"github.com/workload-advisor/controller/types"
)

const (
	SourceName        = "api"
	maxBodyBytes      = 1 << 20
	defaultListLimit  = 50
	defaultProfileWin = 24 * time.Hour
)

// Server provides the approval intake and the read-only advisor endpoints
type Server interface {
	Start(ctx context.Context) error
	Stop() error
}

// RecommendationReader reads recommendations for presentation
type RecommendationReader interface {
	ListRecommendations(ctx context.Context, filter types.RecommendationFilter) ([]*types.Recommendation, error)
	GetRecommendation(ctx context.Context, id string) (*types.Recommendation, error)
}

// ApprovalController moves recommendations through their lifecycle
type ApprovalController interface {
	Approve(ctx context.Context, batch types.ApprovalBatch) (*feedback.ApprovalResult, error)
	Reject(ctx context.Context, id, by, notes string) error
	Apply(ctx context.Context, req types.ApplyRequest) (*types.ApplyReport, error)
}

// ProfileFunc summarizes the workload of the trailing window
type ProfileFunc func(ctx context.Context, window time.Duration) (*types.WorkloadProfile, error)

// CacheStats reports result cache effectiveness
type CacheStats interface {
	Effectiveness() cache.Effectiveness
}

// CycleStatus reports the scheduled cycles
type CycleStatus interface {
	Status() []scheduler.JobStatus
}

// Pinger checks the advisor database
type Pinger interface {
	Ping(ctx context.Context) error
}

// Dependencies are the components the server exposes. Nil members disable their endpoints.
type Dependencies struct {
	Recommendations RecommendationReader
	Controller      ApprovalController
	Profile         ProfileFunc
	Cache           CacheStats
	Cycles          CycleStatus
	Metrics         *metrics.Recorder
	Database        Pinger
}

type server struct {
	addr       string
	deps       Dependencies
	log        logrus.FieldLogger
	httpServer *http.Server
}

// NewServer creates a new API server instance
func NewServer(addr string, deps Dependencies, log logrus.FieldLogger) Server {
	return &server{
		addr: addr,
		deps: deps,
		log:  log.WithField("component", "api-server"),
	}
}

// Start serves in the background until Stop
func (s *server) Start(ctx context.Context) error {
	s.httpServer = &http.Server{
		Addr:         s.addr,
		Handler:      s.setupRoutes(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 5 * time.Minute,
		IdleTimeout:  120 * time.Second,
		BaseContext:  func(net.Listener) context.Context { return ctx },
	}

	go func() {
		s.log.WithField("addr", s.addr).Info("API server listening")
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.WithError(err).Error("API server failed")
		}
	}()
	return nil
}

// Stop gracefully shuts down the HTTP server
func (s *server) Stop() error {
	if s.httpServer == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := s.httpServer.Shutdown(ctx); err != nil {
		s.log.WithError(err).Error("Failed to shutdown API server gracefully")
		return err
	}
	s.log.Info("API server stopped")
	return nil
}

func (s *server) setupRoutes() *mux.Router {
	router := mux.NewRouter()
	router.Use(s.loggingMiddleware)
	router.Use(s.recoverMiddleware)

	router.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	if s.deps.Metrics != nil {
		router.Handle("/metrics", s.deps.Metrics.Handler()).Methods(http.MethodGet)
	}

	api := router.PathPrefix("/api").Subrouter()
	api.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)

	if s.deps.Recommendations != nil {
		api.HandleFunc("/recommendations", s.handleListRecommendations).Methods(http.MethodGet)
		api.HandleFunc("/recommendations/{id}", s.handleGetRecommendation).Methods(http.MethodGet)
	}
	if s.deps.Controller != nil {
		api.HandleFunc("/recommendations/{id}/reject", s.handleReject).Methods(http.MethodPost)
		api.HandleFunc("/approvals", s.handleApprovals).Methods(http.MethodPost)
		api.HandleFunc("/apply", s.handleApply).Methods(http.MethodPost)
	}
	if s.deps.Profile != nil {
		api.HandleFunc("/workload/profile", s.handleProfile).Methods(http.MethodGet)
	}
	if s.deps.Cache != nil {
		api.HandleFunc("/cache/stats", s.handleCacheStats).Methods(http.MethodGet)
	}
	if s.deps.Cycles != nil {
		api.HandleFunc("/cycles", s.handleCycles).Methods(http.MethodGet)
	}
	return router
}

func (s *server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapper := &responseWriterWrapper{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(wrapper, r)

		s.log.WithFields(logrus.Fields{
			"method":      r.Method,
			"path":        r.URL.Path,
			"status":      wrapper.statusCode,
			"duration_ms": time.Since(start).Milliseconds(),
		}).Debug("HTTP request processed")
	})
}

func (s *server) recoverMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if err := recover(); err != nil {
				s.log.WithField("error", err).Error("Panic in HTTP handler")
				s.writeErrorResponse(w, http.StatusInternalServerError, "Internal server error")
			}
		}()
		next.ServeHTTP(w, r)
	})
}

type responseWriterWrapper struct {
	http.ResponseWriter
	statusCode int
}

func (w *responseWriterWrapper) WriteHeader(statusCode int) {
	w.statusCode = statusCode
	w.ResponseWriter.WriteHeader(statusCode)
}

func (s *server) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := map[string]interface{}{
		"status":    "healthy",
		"timestamp": time.Now().UTC(),
		"database":  "unknown",
	}
	if s.deps.Database != nil {
		if err := s.deps.Database.Ping(r.Context()); err != nil {
			status["status"] = "unhealthy"
			status["database"] = "disconnected"
			s.writeJSONResponse(w, http.StatusServiceUnavailable, status)
			return
		}
		status["database"] = "connected"
	}
	s.writeJSONResponse(w, http.StatusOK, status)
}

func (s *server) handleListRecommendations(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := types.RecommendationFilter{
		Kind:  types.RecommendationKind(q.Get("kind")),
		Table: q.Get("table"),
		Limit: defaultListLimit,
	}
	for _, st := range q["status"] {
		filter.Statuses = append(filter.Statuses, types.RecommendationStatus(st))
	}
	if v := q.Get("limit"); v != "" {
		limit, err := strconv.Atoi(v)
		if err != nil || limit <= 0 {
			s.writeErrorResponse(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		filter.Limit = limit
	}

	recs, err := s.deps.Recommendations.ListRecommendations(r.Context(), filter)
	if err != nil {
		s.log.WithError(err).Error("Failed to list recommendations")
		s.writeErrorResponse(w, http.StatusInternalServerError, "Failed to retrieve recommendations")
		return
	}
	if recs == nil {
		recs = []*types.Recommendation{}
	}
	s.writeJSONResponse(w, http.StatusOK, map[string]interface{}{
		"recommendations": recs,
		"count":           len(recs),
		"limit":           filter.Limit,
	})
}

func (s *server) handleGetRecommendation(w http.ResponseWriter, r *http.Request) {
	rec, err := s.deps.Recommendations.GetRecommendation(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.writeDomainError(w, err, "Failed to retrieve recommendation")
		return
	}
	s.writeJSONResponse(w, http.StatusOK, rec)
}

type rejectRequest struct {
	RejectedBy string `json:"rejected_by"`
	Notes      string `json:"notes"`
}

func (s *server) handleReject(w http.ResponseWriter, r *http.Request) {
	var req rejectRequest
	if err := s.decodeBody(r, &req); err != nil {
		s.writeErrorResponse(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.RejectedBy == "" {
		s.writeErrorResponse(w, http.StatusBadRequest, "rejected_by is required")
		return
	}

	id := mux.Vars(r)["id"]
	if err := s.deps.Controller.Reject(r.Context(), id, req.RejectedBy, req.Notes); err != nil {
		s.writeDomainError(w, err, "Failed to reject recommendation")
		return
	}
	s.writeJSONResponse(w, http.StatusOK, map[string]interface{}{
		"recommendation_id": id,
		"status":            types.StatusRejected,
	})
}

// handleApprovals accepts the same documents as the approval file
func (s *server) handleApprovals(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		s.writeErrorResponse(w, http.StatusBadRequest, "Failed to read request body")
		return
	}
	batch, err := approvals.Parse(body, SourceName)
	if err != nil {
		s.writeErrorResponse(w, http.StatusBadRequest, err.Error())
		return
	}

	result, err := s.deps.Controller.Approve(r.Context(), batch)
	if err != nil {
		s.writeErrorResponse(w, http.StatusBadRequest, err.Error())
		return
	}
	s.writeJSONResponse(w, http.StatusOK, result)
}

func (s *server) handleApply(w http.ResponseWriter, r *http.Request) {
	var req types.ApplyRequest
	if err := s.decodeBody(r, &req); err != nil {
		s.writeErrorResponse(w, http.StatusBadRequest, err.Error())
		return
	}
	if v := r.URL.Query().Get("dry_run"); v != "" {
		dry, err := strconv.ParseBool(v)
		if err != nil {
			s.writeErrorResponse(w, http.StatusBadRequest, "dry_run must be a boolean")
			return
		}
		req.DryRun = dry
	}

	report, err := s.deps.Controller.Apply(r.Context(), req)
	if err != nil {
		s.writeDomainError(w, err, "Failed to apply recommendations")
		return
	}
	s.writeJSONResponse(w, http.StatusOK, report)
}

func (s *server) handleProfile(w http.ResponseWriter, r *http.Request) {
	window := defaultProfileWin
	if v := r.URL.Query().Get("window"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil || d <= 0 {
			s.writeErrorResponse(w, http.StatusBadRequest, "window must be a positive duration such as 24h")
			return
		}
		window = d
	}

	profile, err := s.deps.Profile(r.Context(), window)
	if err != nil {
		s.log.WithError(err).Error("Failed to build workload profile")
		s.writeErrorResponse(w, http.StatusInternalServerError, "Failed to build workload profile")
		return
	}
	s.writeJSONResponse(w, http.StatusOK, profile)
}

func (s *server) handleCacheStats(w http.ResponseWriter, r *http.Request) {
	s.writeJSONResponse(w, http.StatusOK, s.deps.Cache.Effectiveness())
}

func (s *server) handleCycles(w http.ResponseWriter, r *http.Request) {
	s.writeJSONResponse(w, http.StatusOK, map[string]interface{}{"cycles": s.deps.Cycles.Status()})
}

// decodeBody decodes an optional JSON body; an empty body leaves v untouched
func (s *server) decodeBody(r *http.Request, v interface{}) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil && !errors.Is(err, io.EOF) {
		return errors.New("invalid JSON body: " + err.Error())
	}
	return nil
}

// writeDomainError maps the controller's error taxonomy onto HTTP statuses
func (s *server) writeDomainError(w http.ResponseWriter, err error, fallback string) {
	switch {
	case errors.Is(err, types.ErrNotFound):
		s.writeErrorResponse(w, http.StatusNotFound, err.Error())
	case errors.Is(err, types.ErrApprovalRequired), errors.Is(err, types.ErrInvalidTransition):
		s.writeErrorResponse(w, http.StatusConflict, err.Error())
	default:
		s.log.WithError(err).Error(fallback)
		s.writeErrorResponse(w, http.StatusInternalServerError, fallback)
	}
}

func (s *server) writeJSONResponse(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.log.WithError(err).Error("Failed to encode JSON response")
	}
}

func (s *server) writeErrorResponse(w http.ResponseWriter, statusCode int, message string) {
	s.writeJSONResponse(w, statusCode, map[string]interface{}{
		"error":   true,
		"message": message,
		"status":  statusCode,
	})
}
