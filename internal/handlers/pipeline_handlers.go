package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"seismic-pipeline/internal/pipeline"
	"seismic-pipeline/internal/repository"
	"seismic-pipeline/pkg/logging"
	"seismic-pipeline/pkg/metrics"
)

// PipelineHandler handles pipeline and analytics API endpoints
type PipelineHandler struct {
	orchestrator *pipeline.Orchestrator
	repo         repository.EarthquakeRepository
	logger       *logging.StructuredLogger
	metrics      *metrics.Collector
}

// NewPipelineHandler creates a new pipeline handler
func NewPipelineHandler(
	orchestrator *pipeline.Orchestrator,
	repo repository.EarthquakeRepository,
	logger *logging.StructuredLogger,
	metricsCollector *metrics.Collector,
) *PipelineHandler {
	return &PipelineHandler{
		orchestrator: orchestrator,
		repo:         repo,
		logger:       logger,
		metrics:      metricsCollector,
	}
}

// ErrorResponse represents an API error response
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
	Code    int    `json:"code"`
}

// PaginatedResponse represents a paginated API response
type PaginatedResponse struct {
	Data       interface{} `json:"data"`
	Total      int         `json:"total"`
	Page       int         `json:"page"`
	Limit      int         `json:"limit"`
	TotalPages int         `json:"total_pages"`
}

// RunBatch handles POST /api/pipeline/run
func (h *PipelineHandler) RunBatch(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	startTime := time.Now()

	defer func() {
		duration := time.Since(startTime)
		h.metrics.APIRequestDuration.WithLabelValues("/api/pipeline/run").Observe(duration.Seconds())
	}()

	result, err := h.orchestrator.RunBatch(ctx)
	if err != nil {
		h.logger.Error(ctx, "[API_RUN_BATCH_ERROR] Batch run failed", logging.Fields{
			"batch_id": result.BatchID,
			"state":    string(result.State),
		}, err)
		h.metrics.RecordAPIError("batch_failed", "/api/pipeline/run")

		// The batch result is still the response body: callers need the
		// per-stage outcomes to see where the run stopped.
		h.metrics.RecordAPIRequest("/api/pipeline/run", "POST", "500")
		h.sendJSON(w, result, http.StatusInternalServerError)
		return
	}

	h.metrics.RecordAPIRequest("/api/pipeline/run", "POST", "200")
	h.sendJSON(w, result, http.StatusOK)
}

// GetEarthquakes handles GET /api/earthquakes
func (h *PipelineHandler) GetEarthquakes(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	startTime := time.Now()

	defer func() {
		duration := time.Since(startTime)
		h.metrics.APIRequestDuration.WithLabelValues("/api/earthquakes").Observe(duration.Seconds())
	}()

	// Parse query parameters
	batchID := r.URL.Query().Get("batch_id")
	region := r.URL.Query().Get("region")
	minMagnitudeStr := r.URL.Query().Get("min_magnitude")
	startDateStr := r.URL.Query().Get("start_date")
	endDateStr := r.URL.Query().Get("end_date")
	pageStr := r.URL.Query().Get("page")
	limitStr := r.URL.Query().Get("limit")

	// Default pagination
	page := 1
	limit := 100

	if pageStr != "" {
		if p, err := strconv.Atoi(pageStr); err == nil && p > 0 {
			page = p
		}
	}

	if limitStr != "" {
		if l, err := strconv.Atoi(limitStr); err == nil && l > 0 && l <= 1000 {
			limit = l
		}
	}

	offset := (page - 1) * limit

	// Build filter
	filter := repository.AnalyticsFilter{
		Limit:  limit,
		Offset: offset,
	}

	if batchID != "" {
		filter.BatchID = &batchID
	}

	if region != "" {
		filter.Region = &region
	}

	if minMagnitudeStr != "" {
		minMagnitude, err := strconv.ParseFloat(minMagnitudeStr, 64)
		if err != nil {
			h.sendError(w, r, "invalid min_magnitude, expected a number", http.StatusBadRequest)
			return
		}
		filter.MinMagnitude = &minMagnitude
	}

	if startDateStr != "" {
		startDate, err := time.Parse("2006-01-02", startDateStr)
		if err != nil {
			h.sendError(w, r, "invalid start_date format, expected YYYY-MM-DD", http.StatusBadRequest)
			return
		}
		filter.StartDate = &startDate
	}

	if endDateStr != "" {
		endDate, err := time.Parse("2006-01-02", endDateStr)
		if err != nil {
			h.sendError(w, r, "invalid end_date format, expected YYYY-MM-DD", http.StatusBadRequest)
			return
		}
		filter.EndDate = &endDate
	}

	// Get analytics records
	earthquakes, total, err := h.repo.GetAnalytics(ctx, filter)
	if err != nil {
		h.logger.Error(ctx, "[API_GET_EARTHQUAKES_ERROR] Failed to get earthquakes", logging.Fields{
			"filter": filter,
		}, err)
		h.metrics.RecordAPIError("internal_error", "/api/earthquakes")
		h.sendError(w, r, "failed to retrieve earthquakes", http.StatusInternalServerError)
		return
	}

	totalPages := (total + limit - 1) / limit

	response := PaginatedResponse{
		Data:       earthquakes,
		Total:      total,
		Page:       page,
		Limit:      limit,
		TotalPages: totalPages,
	}

	h.metrics.RecordAPIRequest("/api/earthquakes", "GET", "200")
	h.sendJSON(w, response, http.StatusOK)
}

// GetLatestStatistics handles GET /api/statistics/latest
func (h *PipelineHandler) GetLatestStatistics(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	startTime := time.Now()

	defer func() {
		duration := time.Since(startTime)
		h.metrics.APIRequestDuration.WithLabelValues("/api/statistics/latest").Observe(duration.Seconds())
	}()

	stats, err := h.repo.GetLatestStatistics(ctx)
	if err != nil {
		var notFound *repository.NotFoundError
		if errors.As(err, &notFound) {
			h.sendError(w, r, "no statistics snapshot exists yet", http.StatusNotFound)
			return
		}

		h.logger.Error(ctx, "[API_GET_STATISTICS_ERROR] Failed to get latest statistics", logging.Fields{}, err)
		h.metrics.RecordAPIError("internal_error", "/api/statistics/latest")
		h.sendError(w, r, "failed to retrieve statistics", http.StatusInternalServerError)
		return
	}

	h.metrics.RecordAPIRequest("/api/statistics/latest", "GET", "200")
	h.sendJSON(w, stats, http.StatusOK)
}

// HealthCheck handles GET /health
func (h *PipelineHandler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	if err := h.repo.HealthCheck(ctx); err != nil {
		h.logger.Error(ctx, "[HEALTH_CHECK_ERROR] Database unreachable", logging.Fields{}, err)
		h.sendJSON(w, map[string]string{
			"status":    "unhealthy",
			"timestamp": time.Now().UTC().Format(time.RFC3339),
		}, http.StatusServiceUnavailable)
		return
	}

	status := map[string]string{
		"status":    "healthy",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	}

	h.logger.Debug(ctx, "[HEALTH_CHECK] Health check requested", logging.Fields{})
	h.sendJSON(w, status, http.StatusOK)
}

// sendJSON sends a JSON response
func (h *PipelineHandler) sendJSON(w http.ResponseWriter, data interface{}, statusCode int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(data)
}

// sendError sends an error response
func (h *PipelineHandler) sendError(w http.ResponseWriter, r *http.Request, message string, statusCode int) {
	h.metrics.RecordAPIRequest(r.URL.Path, r.Method, strconv.Itoa(statusCode))

	response := ErrorResponse{
		Error:   http.StatusText(statusCode),
		Message: message,
		Code:    statusCode,
	}

	h.sendJSON(w, response, statusCode)
}

// RegisterRoutes registers all pipeline API routes
func (h *PipelineHandler) RegisterRoutes(router *mux.Router) {
	router.HandleFunc("/api/pipeline/run", h.RunBatch).Methods("POST")
	router.HandleFunc("/api/earthquakes", h.GetEarthquakes).Methods("GET")
	router.HandleFunc("/api/statistics/latest", h.GetLatestStatistics).Methods("GET")
	router.HandleFunc("/health", h.HealthCheck).Methods("GET")
}
