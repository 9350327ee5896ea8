package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"demand-forecast/internal/forecast"
	"demand-forecast/internal/models"
	"demand-forecast/internal/repository"
	"demand-forecast/internal/services"
	"demand-forecast/migrations"
	"demand-forecast/pkg/database"
	"demand-forecast/pkg/logging"
	"demand-forecast/pkg/metrics"
	"demand-forecast/pkg/tsa"
)

// constantForecaster forecasts the number of observations of every series.
type constantForecaster struct{}

func (constantForecaster) Forecast(series models.ProductSeries) models.Outcome {
	if series.Len() < 2 {
		return models.InsufficientData()
	}
	return models.Forecasted(float64(series.Len()))
}

type failingHealth struct{}

func (failingHealth) HealthCheck(context.Context) error { return errors.New("connection refused") }

type testEnv struct {
	router  *mux.Router
	metrics *metrics.Collector
}

func newTestEnv(t *testing.T, source forecast.RecordSource, timeout time.Duration, limiter func(*logging.StructuredLogger, *metrics.Collector) *RateLimiter) *testEnv {
	t.Helper()

	logger := logging.NewNopLogger()
	collector := metrics.NewCollectorWithRegistry("test", prometheus.NewRegistry())

	db, err := database.Open(&database.Config{Driver: database.DriverSQLite, Database: ":memory:"}, logger, collector)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	require.NoError(t, migrations.Apply(context.Background(), db, migrations.Up, logger))

	repo := repository.NewProductRepository(db, logger, collector)
	if source == nil {
		source = repo
	}

	pipeline := forecast.NewPipeline(forecast.NewOrchestrator(constantForecaster{}, logger, collector), logger, collector)
	handler := NewForecastHandler(
		services.NewForecastService(pipeline, source, timeout, logger),
		services.NewSeriesService(source, 2, logger),
		services.NewSalesService(repo, logger, collector),
		repo,
		logger,
		collector,
	)

	var rl *RateLimiter
	if limiter != nil {
		rl = limiter(logger, collector)
	}

	router := mux.NewRouter()
	router.Use(RequestIDMiddleware)
	handler.RegisterRoutes(router, rl)

	return &testEnv{router: router, metrics: collector}
}

func (e *testEnv) do(method, target, body string) *httptest.ResponseRecorder {
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, target, nil)
	} else {
		req = httptest.NewRequest(method, target, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	e.router.ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]json.RawMessage {
	t.Helper()
	var body map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body), rec.Body.String())
	return body
}

func TestGetForecast_StoredSales(t *testing.T) {
	env := newTestEnv(t, nil, 0, nil)

	rec := env.do(http.MethodPost, "/api/sales", `{"user_id": 12, "products": [
		{"product_name": "pen", "quantity": "2", "price": "1.5", "date": "2024-03-01"},
		{"product_name": "Ink", "quantity": "1", "price": "4", "date": "2024-03-01"}
	]}`)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	rec = env.do(http.MethodPost, "/api/sales", `{"user_id": 12, "products": [
		{"product_name": " PEN ", "quantity": "3", "price": "1.5", "date": "2024-03-02"}
	]}`)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	rec = env.do(http.MethodGet, "/forecast/12", "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.NotEmpty(t, rec.Header().Get(RequestIDHeader))

	body := decodeBody(t, rec)
	assert.NotContains(t, body, "error")

	var products map[string]models.Outcome
	require.NoError(t, json.Unmarshal(body["products"], &products))
	require.Len(t, products, 2)
	assert.Equal(t, models.Forecasted(2), products["pen"])
	assert.Equal(t, models.InsufficientData(), products["ink"])
}

func TestGetForecast_EmptyHistory(t *testing.T) {
	env := newTestEnv(t, nil, 0, nil)

	rec := env.do(http.MethodGet, "/forecast/404", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"products": {}}`, rec.Body.String())
}

func TestGetForecast_TopLevelErrors(t *testing.T) {
	tests := []struct {
		name    string
		source  forecast.RecordSource
		target  string
		timeout time.Duration
		status  int
	}{
		{
			name:   "invalid user id",
			source: forecast.StaticSource{},
			target: "/forecast/abc",
			status: http.StatusBadRequest,
		},
		{
			name: "retrieval failure",
			source: forecast.SourceFunc(func(context.Context, int64) ([]models.RawRecord, error) {
				return nil, errors.New("connection reset")
			}),
			target: "/forecast/1",
			status: http.StatusInternalServerError,
		},
		{
			name: "malformed record",
			source: forecast.StaticSource{1: {
				{Date: "2024-03-01", ProductName: "Pen", Quantity: "two"},
			}},
			target: "/forecast/1",
			status: http.StatusUnprocessableEntity,
		},
		{
			name: "timeout",
			source: forecast.SourceFunc(func(ctx context.Context, _ int64) ([]models.RawRecord, error) {
				<-ctx.Done()
				return nil, ctx.Err()
			}),
			target:  "/forecast/1",
			timeout: 10 * time.Millisecond,
			status:  http.StatusGatewayTimeout,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t, tt.source, tt.timeout, nil)

			rec := env.do(http.MethodGet, tt.target, "")
			assert.Equal(t, tt.status, rec.Code, rec.Body.String())

			body := decodeBody(t, rec)
			assert.Len(t, body, 1)
			assert.Contains(t, body, "error")
			assert.NotContains(t, body, "products")
		})
	}
}

func TestGetForecast_RateLimited(t *testing.T) {
	env := newTestEnv(t, forecast.StaticSource{}, 0, func(logger *logging.StructuredLogger, collector *metrics.Collector) *RateLimiter {
		return NewRateLimiter(0.001, 1, logger, collector)
	})

	assert.Equal(t, http.StatusOK, env.do(http.MethodGet, "/forecast/1", "").Code)

	rec := env.do(http.MethodGet, "/forecast/1", "")
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.JSONEq(t, `{"error": "rate limit exceeded"}`, rec.Body.String())

	assert.Equal(t, http.StatusOK, env.do(http.MethodGet, "/health", "").Code)
}

func TestStoreSale_Validation(t *testing.T) {
	env := newTestEnv(t, nil, 0, nil)

	tests := []struct {
		name string
		body string
	}{
		{name: "malformed json", body: `{"user_id": `},
		{name: "unknown field", body: `{"user_id": 1, "items": []}`},
		{name: "no products", body: `{"user_id": 1, "products": []}`},
		{name: "bad date", body: `{"user_id": 1, "products": [{"product_name": "Pen", "quantity": "1", "date": "01/03/2024"}]}`},
		{name: "negative quantity", body: `{"user_id": 1, "products": [{"product_name": "Pen", "quantity": "-1", "date": "2024-03-01"}]}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := env.do(http.MethodPost, "/api/sales", tt.body)
			assert.Equal(t, http.StatusBadRequest, rec.Code, rec.Body.String())

			var resp ErrorResponse
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
			assert.Equal(t, http.StatusBadRequest, resp.Code)
			assert.NotEmpty(t, resp.Message)
		})
	}
}

func TestListProducts(t *testing.T) {
	env := newTestEnv(t, nil, 0, nil)

	rec := env.do(http.MethodPost, "/api/sales", `{"user_id": 3, "products": [
		{"product_name": "Pen", "quantity": "1", "price": "1", "date": "2024-02-29"},
		{"product_name": "Pen", "quantity": "2", "price": "1", "date": "2024-03-15"},
		{"product_name": "Ink", "quantity": "1", "price": "5", "date": "2024-03-20"}
	]}`)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	rec = env.do(http.MethodGet, "/api/products?user_id=3&month=2024-03&limit=1", "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var page services.SalesPage
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &page))
	assert.Equal(t, 2, page.TotalCount)
	require.Len(t, page.Sales, 1)
	assert.Equal(t, "Ink", page.Sales[0].ProductName)
	assert.Equal(t, "7", page.TotalEarnings.String())
	require.NotNil(t, page.ProductWithHighestSale)
	assert.Equal(t, "Ink", page.ProductWithHighestSale.ProductName)

	rec = env.do(http.MethodGet, "/api/products?user_id=3&month=2024-03&page=2&limit=1", "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	body := decodeBody(t, rec)
	assert.JSONEq(t, `"7"`, string(body["total_earnings"]))
	assert.Contains(t, string(body["product_with_highest_sale"]), `"product_name":"Ink"`)

	rec = env.do(http.MethodGet, "/api/products?user_id=4", "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.JSONEq(t, "null", string(decodeBody(t, rec)["product_with_highest_sale"]))

	assert.Equal(t, http.StatusBadRequest, env.do(http.MethodGet, "/api/products?user_id=3&month=March", "").Code)
	assert.Equal(t, http.StatusBadRequest, env.do(http.MethodGet, "/api/products", "").Code)
}

func TestNextSaleID(t *testing.T) {
	env := newTestEnv(t, nil, 0, nil)

	rec := env.do(http.MethodGet, "/api/sales/next-id", "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.JSONEq(t, `{"next_sale_id": 1}`, rec.Body.String())

	rec = env.do(http.MethodPost, "/api/sales", `{"user_id": 3, "products": [
		{"product_name": "Pen", "quantity": "1", "price": "1", "date": "2024-03-01"}
	]}`)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	rec = env.do(http.MethodGet, "/api/sales/next-id", "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.JSONEq(t, `{"next_sale_id": 2}`, rec.Body.String())
}

func TestGetSeries(t *testing.T) {
	env := newTestEnv(t, forecast.StaticSource{5: {
		{Date: "2024-03-01", ProductName: "pen", Quantity: "2"},
		{Date: "2024-03-01", ProductName: "Pen", Quantity: "1"},
		{Date: "2024-03-04", ProductName: "Pen", Quantity: "5"},
		{Date: "2024-03-02", ProductName: "ink", Quantity: "1"},
	}}, 0, nil)

	rec := env.do(http.MethodGet, "/api/series/5", "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var resp SeriesResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Len(t, resp.Products, 2)

	assert.Equal(t, "ink", resp.Products[0].Product)
	assert.False(t, resp.Products[0].Forecastable)

	pen := resp.Products[1]
	assert.Equal(t, "pen", pen.Product)
	assert.Equal(t, 2, pen.Observations)
	assert.Equal(t, 4, pen.SpanDays)
	assert.Equal(t, 2, pen.MissingDays)
	assert.InDelta(t, 8.0, pen.TotalQuantity, 1e-9)
	assert.True(t, pen.Forecastable)
}

func TestHealthCheck(t *testing.T) {
	env := newTestEnv(t, nil, 0, nil)
	rec := env.do(http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusOK, rec.Code)

	logger := logging.NewNopLogger()
	collector := metrics.NewCollectorWithRegistry("test", prometheus.NewRegistry())
	handler := NewForecastHandler(nil, nil, nil, failingHealth{}, logger, collector)

	rec = httptest.NewRecorder()
	handler.HealthCheck(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, rec.Body.String(), "unhealthy")
}

func TestRequestIDMiddleware_PropagatesHeader(t *testing.T) {
	var seen string
	handler := RequestIDMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = logging.RequestIDFromContext(r.Context())
	}))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set(RequestIDHeader, "req-42")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	assert.Equal(t, "req-42", seen)
	assert.Equal(t, "req-42", rec.Header().Get(RequestIDHeader))
}

func TestOpenAPISpec(t *testing.T) {
	env := newTestEnv(t, forecast.StaticSource{}, 0, nil)

	rec := env.do(http.MethodGet, "/api/docs/openapi.json", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var spec struct {
		Paths map[string]json.RawMessage `json:"paths"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &spec))
	assert.Contains(t, spec.Paths, "/forecast/{user_id}")
	assert.Contains(t, spec.Paths, "/api/sales")
	assert.Contains(t, spec.Paths, "/api/sales/next-id")

	// The documented failure reason must read like one the engine produces.
	assert.True(t, strings.HasPrefix(failedOutcomeExample, "arima model: "+tsa.ErrDegenerateSeries.Error()+": innovation variance "))
	assert.Contains(t, rec.Body.String(), failedOutcomeExample)

	rec = env.do(http.MethodGet, "/api/docs", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "Demand Forecast API")
}
