package services

import (
	"context"
	"time"

	"demand-forecast/internal/forecast"
	"demand-forecast/internal/models"
	"demand-forecast/pkg/logging"
)

// ForecastService answers forecast requests for one user at a time
type ForecastService struct {
	pipeline *forecast.Pipeline
	source   forecast.RecordSource
	timeout  time.Duration
	logger   *logging.StructuredLogger
}

// NewForecastService creates a forecast service reading from source.
// A positive timeout bounds each whole forecast call.
func NewForecastService(pipeline *forecast.Pipeline, source forecast.RecordSource, timeout time.Duration, logger *logging.StructuredLogger) *ForecastService {
	return &ForecastService{
		pipeline: pipeline,
		source:   source,
		timeout:  timeout,
		logger:   logger,
	}
}

// Forecast returns the forecast of every product of userID. The error, when
// not nil, is a *forecast.StageError and no result is returned with it.
func (s *ForecastService) Forecast(ctx context.Context, userID int64) (models.ForecastResult, error) {
	ctx = logging.ContextWithUserID(ctx, userID)

	if s.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}

	result, err := s.pipeline.Run(ctx, s.source, userID)
	if err != nil {
		s.logger.Error(ctx, "[FORECAST_ERROR] Forecast call failed", logging.Fields{
			"user_id": userID,
			"stage":   string(forecast.StageOf(err)),
		}, err)
		return nil, err
	}

	return result, nil
}
