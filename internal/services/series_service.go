package services

import (
	"context"
	"time"

	"demand-forecast/internal/forecast"
	"demand-forecast/internal/models"
	"demand-forecast/pkg/logging"
)

// SeriesService describes the per-product series the forecast engine would see
type SeriesService struct {
	source          forecast.RecordSource
	minObservations int
	logger          *logging.StructuredLogger
}

// NewSeriesService creates a series service. Products with at least
// minObservations distinct dates are reported as forecastable.
func NewSeriesService(source forecast.RecordSource, minObservations int, logger *logging.StructuredLogger) *SeriesService {
	return &SeriesService{
		source:          source,
		minObservations: minObservations,
		logger:          logger,
	}
}

// Summaries returns one summary per product of userID in ascending name order
func (s *SeriesService) Summaries(ctx context.Context, userID int64) ([]models.SeriesSummary, error) {
	startTime := time.Now()

	records, err := s.source.FetchRecords(ctx, userID)
	if err != nil {
		return nil, &forecast.StageError{Stage: forecast.StageRetrieval, Err: err}
	}

	normalized, err := forecast.Normalize(records)
	if err != nil {
		return nil, &forecast.StageError{Stage: forecast.StageNormalization, Err: err}
	}

	series := forecast.Aggregate(normalized)
	summaries := make([]models.SeriesSummary, 0, len(series))
	for _, product := range forecast.SortedProducts(series) {
		summaries = append(summaries, Summarize(series[product], s.minObservations))
	}

	s.logger.Debug(ctx, "[SERIES_SUMMARY] Series summarized", logging.Fields{
		"user_id":     userID,
		"records":     len(records),
		"products":    len(summaries),
		"duration_ms": time.Since(startTime).Milliseconds(),
	})

	return summaries, nil
}

// Summarize computes the summary of one aggregated series
func Summarize(series models.ProductSeries, minObservations int) models.SeriesSummary {
	summary := models.SeriesSummary{
		Product:      series.Product,
		Observations: series.Len(),
		Forecastable: series.Len() >= minObservations,
	}
	if series.Len() == 0 {
		return summary
	}

	for _, p := range series.Points {
		summary.TotalQuantity += p.Quantity
	}
	summary.MeanQuantity = summary.TotalQuantity / float64(series.Len())
	summary.FirstDate = series.Points[0].Date
	summary.LastDate = series.Points[series.Len()-1].Date
	summary.SpanDays = int(summary.LastDate.Sub(summary.FirstDate).Hours()/24) + 1
	summary.MissingDays = summary.SpanDays - summary.Observations

	return summary
}

