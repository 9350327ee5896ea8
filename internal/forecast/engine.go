package forecast

import (
	"errors"
	"fmt"
	"math"
	"time"

	"demand-forecast/internal/models"
	"demand-forecast/pkg/metrics"
	"demand-forecast/pkg/tsa"
)

// GapPolicy decides how calendar days without any record enter the models
type GapPolicy int

const (
	// GapMissing treats unobserved days as missing values ("no data").
	GapMissing GapPolicy = iota
	// GapZero treats unobserved days as days without sales.
	GapZero
)

func (g GapPolicy) String() string {
	switch g {
	case GapMissing:
		return "missing"
	case GapZero:
		return "zero"
	default:
		return "unknown"
	}
}

// ParseGapPolicy parses "missing" or "zero"
func ParseGapPolicy(s string) (GapPolicy, error) {
	switch s {
	case "missing", "":
		return GapMissing, nil
	case "zero":
		return GapZero, nil
	default:
		return GapMissing, fmt.Errorf("unknown gap policy %q, expected missing or zero", s)
	}
}

const day = 24 * time.Hour

var (
	// ErrUnsortedSeries is returned by Reindex for out-of-order or duplicate dates.
	ErrUnsortedSeries = errors.New("series dates are not strictly ascending")

	// ErrSpanTooLong is returned by Reindex when the calendar would exceed the configured span.
	ErrSpanTooLong = errors.New("series spans too many days")
)

// EngineConfig holds the model configuration of the Forecast Engine
type EngineConfig struct {
	// MinObservations is the minimum number of distinct dates needed before
	// any model is fitted. It is a fixed policy choice of 2, not a statistical optimum.
	MinObservations int

	GapPolicy   GapPolicy
	MaxSpanDays int

	// ShortOrder configures the short-memory ARIMA model.
	ShortOrder tsa.Order

	// SeasonalBaseOrder and SeasonalOrder configure the seasonal SARIMAX model.
	SeasonalBaseOrder tsa.Order
	SeasonalOrder     tsa.SeasonalOrder

	// ShortWeight and SeasonalWeight blend the two one-step forecasts as a
	// plain weighted sum. They are static and not validated against held-out data.
	ShortWeight    float64
	SeasonalWeight float64

	Fit tsa.FitOptions
}

// DefaultEngineConfig returns ARIMA(1,1,1) and SARIMAX(1,0,1)(1,1,1,12)
// blended 0.7/0.3 over a daily calendar with gaps treated as missing.
func DefaultEngineConfig() EngineConfig {
	return EngineConfig{
		MinObservations:   2,
		GapPolicy:         GapMissing,
		MaxSpanDays:       20000,
		ShortOrder:        tsa.Order{P: 1, D: 1, Q: 1},
		SeasonalBaseOrder: tsa.Order{P: 1, D: 0, Q: 1},
		SeasonalOrder:     tsa.SeasonalOrder{P: 1, D: 1, Q: 1, Period: 12},
		ShortWeight:       0.7,
		SeasonalWeight:    0.3,
		Fit:               tsa.DefaultFitOptions(),
	}
}

// Validate checks the configuration for values the engine cannot use
func (c EngineConfig) Validate() error {
	if c.MinObservations < 2 {
		return fmt.Errorf("min observations must be at least 2, got %d", c.MinObservations)
	}
	if c.MaxSpanDays < c.MinObservations {
		return fmt.Errorf("max span days must be at least %d, got %d", c.MinObservations, c.MaxSpanDays)
	}
	for _, w := range []float64{c.ShortWeight, c.SeasonalWeight} {
		if math.IsNaN(w) || math.IsInf(w, 0) || w < 0 {
			return fmt.Errorf("blend weights must be finite and non-negative, got %v", w)
		}
	}
	if c.ShortWeight+c.SeasonalWeight == 0 {
		return errors.New("blend weights must not both be zero")
	}
	o, b, s := c.ShortOrder, c.SeasonalBaseOrder, c.SeasonalOrder
	for _, v := range []int{o.P, o.D, o.Q, b.P, b.D, b.Q, s.P, s.D, s.Q, s.Period} {
		if v < 0 {
			return fmt.Errorf("model orders must be non-negative: %s %s%s", o, b, s)
		}
	}
	return nil
}

// Forecaster produces the outcome of a single product series
type Forecaster interface {
	Forecast(series models.ProductSeries) models.Outcome
}

// Engine fits the short-memory and seasonal models to one product series
// and blends their one-step forecasts.
type Engine struct {
	cfg     EngineConfig
	metrics *metrics.Collector
}

// NewEngine creates a Forecast Engine. metricsCollector may be nil.
func NewEngine(cfg EngineConfig, metricsCollector *metrics.Collector) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid engine configuration: %w", err)
	}
	return &Engine{cfg: cfg, metrics: metricsCollector}, nil
}

// Config returns the engine configuration
func (e *Engine) Config() EngineConfig {
	return e.cfg
}

// Reindex lays series onto a contiguous daily calendar from its first to its
// last date. Days without a point become NaN under GapMissing and 0 under GapZero.
func Reindex(series models.ProductSeries, policy GapPolicy, maxSpanDays int) ([]float64, error) {
	if len(series.Points) == 0 {
		return nil, nil
	}

	first := series.Points[0].Date
	last := series.Points[len(series.Points)-1].Date
	span := int(last.Sub(first)/day) + 1
	if span < 1 {
		return nil, fmt.Errorf("%w: %s after %s", ErrUnsortedSeries, last.Format("2006-01-02"), first.Format("2006-01-02"))
	}
	if maxSpanDays > 0 && span > maxSpanDays {
		return nil, fmt.Errorf("%w: %d days, limit %d", ErrSpanTooLong, span, maxSpanDays)
	}

	fill := math.NaN()
	if policy == GapZero {
		fill = 0
	}

	y := make([]float64, span)
	for i := range y {
		y[i] = fill
	}

	prev := -1
	for _, p := range series.Points {
		idx := int(p.Date.Sub(first) / day)
		if idx <= prev || idx >= span {
			return nil, fmt.Errorf("%w: %s", ErrUnsortedSeries, p.Date.Format("2006-01-02"))
		}
		y[idx] = p.Quantity
		prev = idx
	}

	return y, nil
}

// ShortModel returns an unfitted short-memory model as configured
func (e *Engine) ShortModel() *tsa.Model {
	o := e.cfg.ShortOrder
	return tsa.NewARIMA(o.P, o.D, o.Q).WithOptions(e.cfg.Fit)
}

// SeasonalModel returns an unfitted seasonal model as configured
func (e *Engine) SeasonalModel() *tsa.Model {
	return tsa.NewSARIMAX(e.cfg.SeasonalBaseOrder, e.cfg.SeasonalOrder).WithOptions(e.cfg.Fit)
}

// Forecast returns the blended one-step forecast of series, the
// insufficient-data marker, or the reason the series could not be forecast.
// It never panics.
func (e *Engine) Forecast(series models.ProductSeries) (outcome models.Outcome) {
	if series.Len() < e.cfg.MinObservations {
		return models.InsufficientData()
	}

	defer func() {
		if r := recover(); r != nil {
			outcome = models.Failed(fmt.Sprintf("internal error while forecasting: %v", r))
		}
	}()

	y, err := Reindex(series, e.cfg.GapPolicy, e.cfg.MaxSpanDays)
	if err != nil {
		return models.Failed(fmt.Sprintf("reindex: %v", err))
	}

	short, err := e.fit("arima", e.ShortModel(), y)
	if err != nil {
		return models.Failed(fmt.Sprintf("arima model: %v", err))
	}

	seasonal, err := e.fit("sarimax", e.SeasonalModel(), y)
	if err != nil {
		return models.Failed(fmt.Sprintf("sarimax model: %v", err))
	}

	value := Blend(e.cfg.ShortWeight, short, e.cfg.SeasonalWeight, seasonal)
	if math.IsNaN(value) || math.IsInf(value, 0) {
		return models.Failed(fmt.Sprintf("blended forecast is not finite: %v", value))
	}

	return models.Forecasted(value)
}

func (e *Engine) fit(name string, model *tsa.Model, y []float64) (float64, error) {
	if e.metrics != nil {
		timer := e.metrics.NewTimer(e.metrics.ModelFitDuration.WithLabelValues(name))
		defer timer.ObserveDuration()
	}

	if err := model.Fit(y); err != nil {
		return 0, err
	}
	return model.Forecast()
}

// Blend combines the two one-step forecasts as a fixed weighted sum
func Blend(shortWeight, short, seasonalWeight, seasonal float64) float64 {
	return shortWeight*short + seasonalWeight*seasonal
}
