package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"traffic-platform/internal/models"
	"traffic-platform/internal/repository"
	"traffic-platform/internal/services"
	"traffic-platform/pkg/logging"
	"traffic-platform/pkg/metrics"
)

const (
	defaultLimit = 100
	maxLimit     = 1000
)

// TrafficHandler handles traffic API endpoints
type TrafficHandler struct {
	trafficService *services.TrafficService
	logger         *logging.StructuredLogger
	metrics        *metrics.Collector
}

// NewTrafficHandler creates a new traffic handler
func NewTrafficHandler(
	trafficService *services.TrafficService,
	logger *logging.StructuredLogger,
	metricsCollector *metrics.Collector,
) *TrafficHandler {
	return &TrafficHandler{
		trafficService: trafficService,
		logger:         logger,
		metrics:        metricsCollector,
	}
}

// ErrorResponse represents an API error response
type ErrorResponse struct {
	Error     string `json:"error"`
	Message   string `json:"message"`
	Code      int    `json:"code"`
	RequestID string `json:"request_id,omitempty"`
}

// PaginatedResponse represents a paginated API response
type PaginatedResponse struct {
	Data       interface{} `json:"data"`
	Total      int         `json:"total"`
	Page       int         `json:"page"`
	Limit      int         `json:"limit"`
	TotalPages int         `json:"total_pages"`
}

// GetIntersectionStats handles GET /api/intersections
func (h *TrafficHandler) GetIntersectionStats(w http.ResponseWriter, r *http.Request) {
	const endpoint = "/api/intersections"
	defer h.observe(endpoint)()
	ctx := r.Context()

	page, limit := parsePagination(r)
	filter := repository.StatsFilter{
		Limit:  limit,
		Offset: (page - 1) * limit,
	}

	if v := r.URL.Query().Get("min_index"); v != "" {
		minIndex, err := strconv.ParseFloat(v, 64)
		if err != nil {
			h.sendError(w, r, "invalid min_index, expected a number", http.StatusBadRequest)
			return
		}
		filter.MinIndex = &minIndex
	}

	stats, total, err := h.trafficService.GetIntersectionStats(ctx, filter)
	if err != nil {
		h.logger.Error(ctx, "[API_GET_STATS_ERROR] Failed to get intersection stats", logging.Fields{
			"filter": filter,
		}, err)
		h.metrics.RecordAPIError("internal_error", endpoint)
		h.sendError(w, r, "failed to retrieve intersection stats", http.StatusInternalServerError)
		return
	}

	h.metrics.RecordAPIRequest(endpoint, "GET", "200")
	h.sendJSON(w, paginated(stats, total, page, limit), http.StatusOK)
}

// GetReadings handles GET /api/intersections/{id}/readings
func (h *TrafficHandler) GetReadings(w http.ResponseWriter, r *http.Request) {
	const endpoint = "/api/intersections/{id}/readings"
	defer h.observe(endpoint)()
	ctx := r.Context()

	id := mux.Vars(r)["id"]
	page, limit := parsePagination(r)
	filter := repository.ReadingFilter{
		IntersectionID: &id,
		Limit:          limit,
		Offset:         (page - 1) * limit,
	}

	query := r.URL.Query()
	if v := query.Get("start"); v != "" {
		start, err := parseTime(v)
		if err != nil {
			h.sendError(w, r, "invalid start, expected RFC3339 or YYYY-MM-DD", http.StatusBadRequest)
			return
		}
		filter.StartTime = &start
	}
	if v := query.Get("end"); v != "" {
		end, err := parseTime(v)
		if err != nil {
			h.sendError(w, r, "invalid end, expected RFC3339 or YYYY-MM-DD", http.StatusBadRequest)
			return
		}
		filter.EndTime = &end
	}
	if v := query.Get("level"); v != "" {
		level, ok := parseLevel(v)
		if !ok {
			h.sendError(w, r, "invalid level, expected Low, Moderate, High, Severe or Critical", http.StatusBadRequest)
			return
		}
		filter.Level = &level
	}

	records, total, err := h.trafficService.GetReadings(ctx, filter)
	if err != nil {
		h.logger.Error(ctx, "[API_GET_READINGS_ERROR] Failed to get readings", logging.Fields{
			"intersection_id": id,
		}, err)
		h.metrics.RecordAPIError("internal_error", endpoint)
		h.sendError(w, r, "failed to retrieve readings", http.StatusInternalServerError)
		return
	}

	h.metrics.RecordAPIRequest(endpoint, "GET", "200")
	h.sendJSON(w, paginated(records, total, page, limit), http.StatusOK)
}

// GetIntersectionHourly handles GET /api/intersections/{id}/hourly
func (h *TrafficHandler) GetIntersectionHourly(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	h.getHourly(w, r, "/api/intersections/{id}/hourly", &id)
}

// GetHourlyMetrics handles GET /api/traffic/hourly
func (h *TrafficHandler) GetHourlyMetrics(w http.ResponseWriter, r *http.Request) {
	var id *string
	if v := r.URL.Query().Get("intersection_id"); v != "" {
		id = &v
	}
	h.getHourly(w, r, "/api/traffic/hourly", id)
}

func (h *TrafficHandler) getHourly(w http.ResponseWriter, r *http.Request, endpoint string, id *string) {
	defer h.observe(endpoint)()
	ctx := r.Context()

	page, limit := parsePagination(r)
	filter := repository.HourlyFilter{
		IntersectionID: id,
		Limit:          limit,
		Offset:         (page - 1) * limit,
	}

	for _, v := range r.URL.Query()["hour"] {
		hour, err := strconv.Atoi(v)
		if err != nil || hour < 0 || hour > 23 {
			h.sendError(w, r, "invalid hour, expected integer between 0 and 23", http.StatusBadRequest)
			return
		}
		filter.Hours = append(filter.Hours, hour)
	}

	hourly, total, err := h.trafficService.GetHourlyMetrics(ctx, filter)
	if err != nil {
		h.logger.Error(ctx, "[API_GET_HOURLY_ERROR] Failed to get hourly metrics", logging.Fields{
			"filter": filter,
		}, err)
		h.metrics.RecordAPIError("internal_error", endpoint)
		h.sendError(w, r, "failed to retrieve hourly metrics", http.StatusInternalServerError)
		return
	}

	h.metrics.RecordAPIRequest(endpoint, "GET", "200")
	h.sendJSON(w, paginated(hourly, total, page, limit), http.StatusOK)
}

// GetRecommendation handles GET /api/intersections/{id}/recommendation
func (h *TrafficHandler) GetRecommendation(w http.ResponseWriter, r *http.Request) {
	const endpoint = "/api/intersections/{id}/recommendation"
	defer h.observe(endpoint)()
	ctx := r.Context()

	id := mux.Vars(r)["id"]
	rec, err := h.trafficService.GetRecommendation(ctx, id)

	var notFound *repository.NotFoundError
	if errors.As(err, &notFound) {
		h.metrics.RecordAPIError("not_found", endpoint)
		h.sendError(w, r, "no readings for intersection "+id, http.StatusNotFound)
		return
	}
	if err != nil {
		h.logger.Error(ctx, "[API_GET_RECOMMENDATION_ERROR] Failed to build recommendation", logging.Fields{
			"intersection_id": id,
		}, err)
		h.metrics.RecordAPIError("internal_error", endpoint)
		h.sendError(w, r, "failed to build recommendation", http.StatusInternalServerError)
		return
	}

	h.metrics.RecordAPIRequest(endpoint, "GET", "200")
	h.sendJSON(w, rec, http.StatusOK)
}

// HealthCheck handles GET /health
func (h *TrafficHandler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	status := map[string]string{
		"status":    "healthy",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	}

	if err := h.trafficService.HealthCheck(ctx); err != nil {
		h.logger.Warn(ctx, "[HEALTH_CHECK] Database unhealthy", logging.Fields{
			"error": err.Error(),
		})
		status["status"] = "unhealthy"
		status["database"] = err.Error()
		h.sendJSON(w, status, http.StatusServiceUnavailable)
		return
	}

	h.logger.Debug(ctx, "[HEALTH_CHECK] Health check requested", logging.Fields{})
	h.sendJSON(w, status, http.StatusOK)
}

// observe starts the request duration timer for endpoint.
func (h *TrafficHandler) observe(endpoint string) func() {
	start := time.Now()
	return func() {
		h.metrics.APIRequestDuration.WithLabelValues(endpoint).Observe(time.Since(start).Seconds())
	}
}

// sendJSON sends a JSON response
func (h *TrafficHandler) sendJSON(w http.ResponseWriter, data interface{}, statusCode int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(data)
}

// sendError sends an error response
func (h *TrafficHandler) sendError(w http.ResponseWriter, r *http.Request, message string, statusCode int) {
	h.metrics.RecordAPIRequest(routeTemplate(r), r.Method, strconv.Itoa(statusCode))

	response := ErrorResponse{
		Error:     http.StatusText(statusCode),
		Message:   message,
		Code:      statusCode,
		RequestID: logging.RequestID(r.Context()),
	}

	h.sendJSON(w, response, statusCode)
}

// RegisterRoutes registers all traffic API routes
func (h *TrafficHandler) RegisterRoutes(router *mux.Router) {
	router.HandleFunc("/api/intersections", h.GetIntersectionStats).Methods("GET")
	router.HandleFunc("/api/intersections/{id}/readings", h.GetReadings).Methods("GET")
	router.HandleFunc("/api/intersections/{id}/hourly", h.GetIntersectionHourly).Methods("GET")
	router.HandleFunc("/api/intersections/{id}/recommendation", h.GetRecommendation).Methods("GET")
	router.HandleFunc("/api/traffic/hourly", h.GetHourlyMetrics).Methods("GET")
	router.HandleFunc("/api/docs/openapi.json", OpenAPISpec).Methods("GET")
	router.HandleFunc("/api/docs", SwaggerUI).Methods("GET")
	router.HandleFunc("/health", h.HealthCheck).Methods("GET")
}

func parsePagination(r *http.Request) (page, limit int) {
	page, limit = 1, defaultLimit

	if v := r.URL.Query().Get("page"); v != "" {
		if p, err := strconv.Atoi(v); err == nil && p > 0 {
			page = p
		}
	}
	if v := r.URL.Query().Get("limit"); v != "" {
		if l, err := strconv.Atoi(v); err == nil && l > 0 && l <= maxLimit {
			limit = l
		}
	}
	return page, limit
}

func paginated(data interface{}, total, page, limit int) PaginatedResponse {
	return PaginatedResponse{
		Data:       data,
		Total:      total,
		Page:       page,
		Limit:      limit,
		TotalPages: (total + limit - 1) / limit,
	}
}

func parseTime(v string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, v); err == nil {
		return t, nil
	}
	return time.Parse("2006-01-02", v)
}

func parseLevel(v string) (models.CongestionLevel, bool) {
	for _, level := range []models.CongestionLevel{
		models.LevelLow, models.LevelModerate, models.LevelHigh, models.LevelSevere, models.LevelCritical,
	} {
		if string(level) == v {
			return level, true
		}
	}
	return "", false
}

// routeTemplate labels metrics with the matched route rather than the raw
// path so ids do not explode label cardinality.
func routeTemplate(r *http.Request) string {
	if route := mux.CurrentRoute(r); route != nil {
		if tmpl, err := route.GetPathTemplate(); err == nil {
			return tmpl
		}
	}
	return r.URL.Path
}
