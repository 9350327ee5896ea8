package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"demand-forecast/internal/forecast"
	"demand-forecast/internal/models"
	"demand-forecast/internal/services"
	"demand-forecast/pkg/logging"
	"demand-forecast/pkg/metrics"
)

// HealthChecker reports whether a dependency is reachable
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

// ForecastHandler handles the forecast and sales API endpoints
type ForecastHandler struct {
	forecastService *services.ForecastService
	seriesService   *services.SeriesService
	salesService    *services.SalesService
	health          HealthChecker
	logger          *logging.StructuredLogger
	metrics         *metrics.Collector
}

// NewForecastHandler creates a new forecast handler. health may be nil.
func NewForecastHandler(
	forecastService *services.ForecastService,
	seriesService *services.SeriesService,
	salesService *services.SalesService,
	health HealthChecker,
	logger *logging.StructuredLogger,
	metricsCollector *metrics.Collector,
) *ForecastHandler {
	return &ForecastHandler{
		forecastService: forecastService,
		seriesService:   seriesService,
		salesService:    salesService,
		health:          health,
		logger:          logger,
		metrics:         metricsCollector,
	}
}

// ErrorResponse represents an API error response
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
	Code    int    `json:"code"`
}

// StoreSaleRequest is the body of POST /api/sales
type StoreSaleRequest struct {
	UserID   int64             `json:"user_id"`
	Products []models.SaleLine `json:"products"`
}

// StoreSaleResponse is the answer to a stored sale
type StoreSaleResponse struct {
	Message string `json:"message"`
	SaleID  int64  `json:"sale_id"`
	Lines   int    `json:"lines"`
}

// SeriesResponse lists the per-product series of a user
type SeriesResponse struct {
	UserID   int64                  `json:"user_id"`
	Products []models.SeriesSummary `json:"products"`
}

// GetForecast handles GET /forecast/{user_id}. The body is either
// {"products": {...}} or {"error": "..."}, never both.
func (h *ForecastHandler) GetForecast(w http.ResponseWriter, r *http.Request) {
	const endpoint = "/forecast/{user_id}"
	ctx := r.Context()
	startTime := time.Now()

	defer func() {
		h.metrics.APIRequestDuration.WithLabelValues(endpoint).Observe(time.Since(startTime).Seconds())
	}()

	userID, err := parseUserID(mux.Vars(r)["user_id"])
	if err != nil {
		h.metrics.RecordAPIError("bad_request", endpoint)
		h.sendForecastError(w, r, endpoint, err.Error(), http.StatusBadRequest)
		return
	}

	result, err := h.forecastService.Forecast(ctx, userID)
	if err != nil {
		status := forecastErrorStatus(err)
		h.metrics.RecordAPIError(string(forecast.StageOf(err))+"_error", endpoint)
		h.sendForecastError(w, r, endpoint, err.Error(), status)
		return
	}

	h.metrics.RecordAPIRequest(endpoint, r.Method, "200")
	h.sendJSON(w, models.ForecastResponse{Products: result}, http.StatusOK)
}

// forecastErrorStatus maps a top-level forecast error to an HTTP status
func forecastErrorStatus(err error) int {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	case forecast.StageOf(err) == forecast.StageNormalization:
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}

// GetSeries handles GET /api/series/{user_id}
func (h *ForecastHandler) GetSeries(w http.ResponseWriter, r *http.Request) {
	const endpoint = "/api/series/{user_id}"
	ctx := r.Context()
	startTime := time.Now()

	defer func() {
		h.metrics.APIRequestDuration.WithLabelValues(endpoint).Observe(time.Since(startTime).Seconds())
	}()

	userID, err := parseUserID(mux.Vars(r)["user_id"])
	if err != nil {
		h.sendError(w, r, endpoint, err.Error(), http.StatusBadRequest)
		return
	}

	summaries, err := h.seriesService.Summaries(ctx, userID)
	if err != nil {
		h.logger.Error(ctx, "[API_GET_SERIES_ERROR] Failed to summarize series", logging.Fields{
			"user_id": userID,
		}, err)
		h.metrics.RecordAPIError("internal_error", endpoint)
		h.sendError(w, r, endpoint, "failed to summarize series", forecastErrorStatus(err))
		return
	}

	h.metrics.RecordAPIRequest(endpoint, r.Method, "200")
	h.sendJSON(w, SeriesResponse{UserID: userID, Products: summaries}, http.StatusOK)
}

// StoreSale handles POST /api/sales
func (h *ForecastHandler) StoreSale(w http.ResponseWriter, r *http.Request) {
	const endpoint = "/api/sales"
	ctx := r.Context()
	startTime := time.Now()

	defer func() {
		h.metrics.APIRequestDuration.WithLabelValues(endpoint).Observe(time.Since(startTime).Seconds())
	}()

	var req StoreSaleRequest
	decoder := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20))
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(&req); err != nil {
		h.sendError(w, r, endpoint, fmt.Sprintf("invalid request body: %v", err), http.StatusBadRequest)
		return
	}

	saleID, err := h.salesService.StoreSale(ctx, req.UserID, req.Products)
	if err != nil {
		var validationErr *models.ValidationError
		if errors.As(err, &validationErr) {
			h.sendError(w, r, endpoint, err.Error(), http.StatusBadRequest)
			return
		}
		h.logger.Error(ctx, "[API_STORE_SALE_ERROR] Failed to store sale", logging.Fields{
			"user_id": req.UserID,
			"lines":   len(req.Products),
		}, err)
		h.metrics.RecordAPIError("internal_error", endpoint)
		h.sendError(w, r, endpoint, "failed to store sale", http.StatusInternalServerError)
		return
	}

	h.metrics.RecordAPIRequest(endpoint, r.Method, "201")
	h.sendJSON(w, StoreSaleResponse{
		Message: "Data stored successfully",
		SaleID:  saleID,
		Lines:   len(req.Products),
	}, http.StatusCreated)
}

// ListProducts handles GET /api/products
func (h *ForecastHandler) ListProducts(w http.ResponseWriter, r *http.Request) {
	const endpoint = "/api/products"
	ctx := r.Context()
	startTime := time.Now()

	defer func() {
		h.metrics.APIRequestDuration.WithLabelValues(endpoint).Observe(time.Since(startTime).Seconds())
	}()

	query := r.URL.Query()

	userID, err := parseUserID(query.Get("user_id"))
	if err != nil {
		h.sendError(w, r, endpoint, err.Error(), http.StatusBadRequest)
		return
	}

	page := 1
	if p, err := strconv.Atoi(query.Get("page")); err == nil && p > 0 {
		page = p
	}
	limit := 100
	if l, err := strconv.Atoi(query.Get("limit")); err == nil && l > 0 {
		limit = l
	}

	result, err := h.salesService.ListProducts(ctx, userID, query.Get("month"), limit, (page-1)*limit)
	if err != nil {
		var validationErr *models.ValidationError
		if errors.As(err, &validationErr) {
			h.sendError(w, r, endpoint, err.Error(), http.StatusBadRequest)
			return
		}
		h.logger.Error(ctx, "[API_LIST_PRODUCTS_ERROR] Failed to list products", logging.Fields{
			"user_id": userID,
		}, err)
		h.metrics.RecordAPIError("internal_error", endpoint)
		h.sendError(w, r, endpoint, "failed to retrieve products", http.StatusInternalServerError)
		return
	}

	h.metrics.RecordAPIRequest(endpoint, r.Method, "200")
	h.sendJSON(w, result, http.StatusOK)
}

// NextSaleIDResponse reports the id the next stored sale would receive
type NextSaleIDResponse struct {
	NextSaleID int64 `json:"next_sale_id"`
}

// NextSaleID handles GET /api/sales/next-id
func (h *ForecastHandler) NextSaleID(w http.ResponseWriter, r *http.Request) {
	const endpoint = "/api/sales/next-id"
	ctx := r.Context()
	startTime := time.Now()

	defer func() {
		h.metrics.APIRequestDuration.WithLabelValues(endpoint).Observe(time.Since(startTime).Seconds())
	}()

	next, err := h.salesService.NextSaleID(ctx)
	if err != nil {
		h.logger.Error(ctx, "[API_NEXT_SALE_ID_ERROR] Failed to read next sale id", logging.Fields{}, err)
		h.metrics.RecordAPIError("internal_error", endpoint)
		h.sendError(w, r, endpoint, "failed to retrieve next sale id", http.StatusInternalServerError)
		return
	}

	h.metrics.RecordAPIRequest(endpoint, r.Method, "200")
	h.sendJSON(w, NextSaleIDResponse{NextSaleID: next}, http.StatusOK)
}

// HealthCheck handles GET /health
func (h *ForecastHandler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	status := map[string]string{
		"status":    "healthy",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	}
	code := http.StatusOK

	if h.health != nil {
		if err := h.health.HealthCheck(ctx); err != nil {
			h.logger.Warn(ctx, "[HEALTH_CHECK_FAILED] Dependency unavailable", logging.Fields{
				"error": err.Error(),
			})
			status["status"] = "unhealthy"
			status["database"] = err.Error()
			code = http.StatusServiceUnavailable
		}
	}

	h.logger.Debug(ctx, "[HEALTH_CHECK] Health check requested", logging.Fields{})
	h.sendJSON(w, status, code)
}

func parseUserID(raw string) (int64, error) {
	userID, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || userID <= 0 {
		return 0, fmt.Errorf("invalid user id %q, expected a positive integer", raw)
	}
	return userID, nil
}

// sendJSON sends a JSON response
func (h *ForecastHandler) sendJSON(w http.ResponseWriter, data interface{}, statusCode int) {
	writeJSON(w, data, statusCode)
}

// sendError sends an error response
func (h *ForecastHandler) sendError(w http.ResponseWriter, r *http.Request, endpoint, message string, statusCode int) {
	h.metrics.RecordAPIRequest(endpoint, r.Method, strconv.Itoa(statusCode))

	h.sendJSON(w, ErrorResponse{
		Error:   http.StatusText(statusCode),
		Message: message,
		Code:    statusCode,
	}, statusCode)
}

// sendForecastError sends the single-key error payload of the forecast endpoint
func (h *ForecastHandler) sendForecastError(w http.ResponseWriter, r *http.Request, endpoint, message string, statusCode int) {
	h.metrics.RecordAPIRequest(endpoint, r.Method, strconv.Itoa(statusCode))
	h.sendJSON(w, models.ForecastErrorResponse{Error: message}, statusCode)
}

func writeJSON(w http.ResponseWriter, data interface{}, statusCode int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(data)
}

// RegisterRoutes registers all API routes. limiter may be nil.
func (h *ForecastHandler) RegisterRoutes(router *mux.Router, limiter *RateLimiter) {
	forecastRoute := http.Handler(http.HandlerFunc(h.GetForecast))
	if limiter != nil {
		forecastRoute = limiter.Middleware(forecastRoute)
	}

	router.Handle("/forecast/{user_id}", forecastRoute).Methods("GET")
	router.HandleFunc("/api/series/{user_id}", h.GetSeries).Methods("GET")
	router.HandleFunc("/api/sales", h.StoreSale).Methods("POST")
	router.HandleFunc("/api/sales/next-id", h.NextSaleID).Methods("GET")
	router.HandleFunc("/api/products", h.ListProducts).Methods("GET")
	router.HandleFunc("/health", h.HealthCheck).Methods("GET")
	router.HandleFunc("/api/docs", SwaggerUI).Methods("GET")
	router.HandleFunc("/api/docs/openapi.json", OpenAPISpec).Methods("GET")
}
