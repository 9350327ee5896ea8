package forecast

import (
	"context"
	"errors"
	"fmt"
	"time"

	"demand-forecast/internal/models"
	"demand-forecast/pkg/logging"
	"demand-forecast/pkg/metrics"
)

// Stage names the pipeline step a top-level failure came from
type Stage string

const (
	StageRetrieval     Stage = "retrieval"
	StageNormalization Stage = "normalization"
	StageForecast      Stage = "forecast"
)

// StageError is the single top-level error of a forecast call. Per-product
// failures never produce one; they are reported as outcomes instead.
type StageError struct {
	Stage Stage
	Err   error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("%s failed: %v", e.Stage, e.Err)
}

func (e *StageError) Unwrap() error {
	return e.Err
}

// StageOf returns the stage of a StageError in err's chain, or "" if there is none
func StageOf(err error) Stage {
	var stageErr *StageError
	if errors.As(err, &stageErr) {
		return stageErr.Stage
	}
	return ""
}

// Orchestrator drives the Forecaster once per product series of a batch
type Orchestrator struct {
	forecaster Forecaster
	logger     *logging.StructuredLogger
	metrics    *metrics.Collector
}

// NewOrchestrator creates a batch orchestrator. metricsCollector may be nil.
func NewOrchestrator(forecaster Forecaster, logger *logging.StructuredLogger, metricsCollector *metrics.Collector) *Orchestrator {
	if logger == nil {
		logger = logging.NewNopLogger()
	}
	return &Orchestrator{
		forecaster: forecaster,
		logger:     logger,
		metrics:    metricsCollector,
	}
}

// Run aggregates records and forecasts every product sequentially in
// ascending name order. A product whose forecast fails is recorded as a
// failed outcome and the batch continues. Cancellation of ctx is checked
// between products and aborts the batch with ctx's error.
func (o *Orchestrator) Run(ctx context.Context, records []models.NormalizedRecord) (models.ForecastResult, error) {
	series := Aggregate(records)
	products := SortedProducts(series)
	result := make(models.ForecastResult, len(products))

	for _, product := range products {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		start := time.Now()
		outcome := o.forecastOne(series[product])

		if o.metrics != nil {
			o.metrics.RecordOutcome(outcome.Kind.String())
		}

		productLog := o.logger.WithFields(logging.Fields{
			"product":      product,
			"observations": series[product].Len(),
		})

		switch outcome.Kind {
		case models.OutcomeFailed:
			productLog.Warn(ctx, "[FORECAST_PRODUCT_FAILED] Product could not be forecast", logging.Fields{
				"reason": outcome.Reason,
			})
		case models.OutcomeInsufficientData:
			productLog.Debug(ctx, "[FORECAST_PRODUCT_SKIPPED] Insufficient data", nil)
		default:
			productLog.Debug(ctx, "[FORECAST_PRODUCT_DONE] Product forecast", logging.Fields{
				"forecast":    outcome.Value,
				"duration_ms": time.Since(start).Milliseconds(),
			})
		}

		result[product] = outcome
	}

	return result, nil
}

func (o *Orchestrator) forecastOne(series models.ProductSeries) (outcome models.Outcome) {
	defer func() {
		if r := recover(); r != nil {
			outcome = models.Failed(fmt.Sprintf("internal error while forecasting: %v", r))
		}
	}()
	return o.forecaster.Forecast(series)
}

// ResultCache stores batch results keyed by user and the exact rows they were computed from
type ResultCache interface {
	Lookup(userID int64, records []models.RawRecord) (models.ForecastResult, bool)
	Store(userID int64, records []models.RawRecord, result models.ForecastResult)
}

// Pipeline runs retrieval, normalization and the batch for one user
type Pipeline struct {
	orchestrator *Orchestrator
	cache        ResultCache
	logger       *logging.StructuredLogger
	metrics      *metrics.Collector
}

// NewPipeline creates a forecast pipeline. metricsCollector may be nil.
func NewPipeline(orchestrator *Orchestrator, logger *logging.StructuredLogger, metricsCollector *metrics.Collector) *Pipeline {
	if logger == nil {
		logger = logging.NewNopLogger()
	}
	return &Pipeline{
		orchestrator: orchestrator,
		logger:       logger,
		metrics:      metricsCollector,
	}
}

// WithCache makes the pipeline reuse results for unchanged input
func (p *Pipeline) WithCache(cache ResultCache) *Pipeline {
	p.cache = cache
	return p
}

// Run fetches the user's records from src and forecasts every product.
// Retrieval and normalization faults are returned as a *StageError and no
// partial result is produced.
func (p *Pipeline) Run(ctx context.Context, src RecordSource, userID int64) (models.ForecastResult, error) {
	records, err := src.FetchRecords(ctx, userID)
	if err != nil {
		p.recordRun("retrieval_error")
		return nil, &StageError{Stage: StageRetrieval, Err: err}
	}

	return p.RunRecords(ctx, userID, records)
}

// RunRecords forecasts already retrieved raw records of one user
func (p *Pipeline) RunRecords(ctx context.Context, userID int64, records []models.RawRecord) (models.ForecastResult, error) {
	start := time.Now()

	if p.cache != nil {
		if cached, ok := p.cache.Lookup(userID, records); ok {
			p.recordRun("cached")
			p.logger.Debug(ctx, "[FORECAST_CACHE_HIT] Reusing forecast for unchanged records", logging.Fields{
				"user_id":  userID,
				"records":  len(records),
				"products": len(cached),
			})
			return cached, nil
		}
	}

	p.logger.Info(ctx, "[FORECAST_START] Forecast batch started", logging.Fields{
		"user_id": userID,
		"records": len(records),
	})

	normalized, err := Normalize(records)
	if err != nil {
		p.recordRun("normalization_error")
		return nil, &StageError{Stage: StageNormalization, Err: err}
	}

	result, err := p.orchestrator.Run(ctx, normalized)
	if err != nil {
		p.recordRun("cancelled")
		return nil, &StageError{Stage: StageForecast, Err: err}
	}

	duration := time.Since(start)
	p.recordRun("ok")
	if p.metrics != nil {
		p.metrics.ForecastBatchDuration.Observe(duration.Seconds())
		p.metrics.ForecastProductsPerRun.Observe(float64(len(result)))
	}

	if p.cache != nil {
		p.cache.Store(userID, records, result)
	}

	failed := 0
	for _, outcome := range result {
		if outcome.Kind == models.OutcomeFailed {
			failed++
		}
	}

	p.logger.Info(ctx, "[FORECAST_COMPLETE] Forecast batch completed", logging.Fields{
		"user_id":     userID,
		"products":    len(result),
		"failed":      failed,
		"duration_ms": duration.Milliseconds(),
	})

	return result, nil
}

func (p *Pipeline) recordRun(result string) {
	if p.metrics != nil {
		p.metrics.RecordForecastRun(result)
	}
}
