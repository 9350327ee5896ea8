package forecast

import (
	"errors"
	"math"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"demand-forecast/internal/models"
	"demand-forecast/pkg/metrics"
)

var epoch = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

// dailySeries builds a product series with one point per day offset in days.
func dailySeries(product string, days []int, quantity func(day int) float64) models.ProductSeries {
	points := make([]models.SeriesPoint, len(days))
	for i, d := range days {
		points[i] = models.SeriesPoint{Date: epoch.AddDate(0, 0, d), Quantity: quantity(d)}
	}
	return models.ProductSeries{Product: product, Points: points}
}

func consecutiveDays(n int) []int {
	days := make([]int, n)
	for i := range days {
		days[i] = i
	}
	return days
}

// demand is a deterministic trend + period-12 cycle + wobble.
func demand(day int) float64 {
	t := float64(day)
	return 30 + 0.2*t + 5*math.Sin(2*math.Pi*t/12) + 1.5*math.Cos(1.3*t)
}

func newTestEngine(t *testing.T) *Engine {
	t.Helper()
	engine, err := NewEngine(DefaultEngineConfig(), nil)
	require.NoError(t, err)
	return engine
}

func TestDefaultEngineConfig(t *testing.T) {
	cfg := DefaultEngineConfig()

	assert.Equal(t, 2, cfg.MinObservations)
	assert.Equal(t, GapMissing, cfg.GapPolicy)
	assert.Equal(t, "(1,1,1)", cfg.ShortOrder.String())
	assert.Equal(t, "(1,0,1)", cfg.SeasonalBaseOrder.String())
	assert.Equal(t, 12, cfg.SeasonalOrder.Period)
	assert.Equal(t, 0.7, cfg.ShortWeight)
	assert.Equal(t, 0.3, cfg.SeasonalWeight)
	assert.NoError(t, cfg.Validate())
}

func TestEngineConfig_Validate(t *testing.T) {
	tests := []struct {
		name   string
		modify func(*EngineConfig)
	}{
		{name: "min observations below two", modify: func(c *EngineConfig) { c.MinObservations = 1 }},
		{name: "negative weight", modify: func(c *EngineConfig) { c.ShortWeight = -0.1 }},
		{name: "nan weight", modify: func(c *EngineConfig) { c.SeasonalWeight = math.NaN() }},
		{name: "zero weights", modify: func(c *EngineConfig) { c.ShortWeight, c.SeasonalWeight = 0, 0 }},
		{name: "negative order", modify: func(c *EngineConfig) { c.ShortOrder.Q = -1 }},
		{name: "span shorter than minimum", modify: func(c *EngineConfig) { c.MaxSpanDays = 1 }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultEngineConfig()
			tt.modify(&cfg)
			assert.Error(t, cfg.Validate())

			_, err := NewEngine(cfg, nil)
			assert.Error(t, err)
		})
	}
}

func TestParseGapPolicy(t *testing.T) {
	policy, err := ParseGapPolicy("zero")
	require.NoError(t, err)
	assert.Equal(t, GapZero, policy)

	policy, err = ParseGapPolicy("")
	require.NoError(t, err)
	assert.Equal(t, GapMissing, policy)

	_, err = ParseGapPolicy("interpolate")
	assert.Error(t, err)
}

func TestReindex(t *testing.T) {
	series := dailySeries("ink", []int{0, 2, 3}, func(d int) float64 { return float64(d + 1) })

	y, err := Reindex(series, GapMissing, 0)
	require.NoError(t, err)
	require.Len(t, y, 4)
	assert.Equal(t, 1.0, y[0])
	assert.True(t, math.IsNaN(y[1]))
	assert.Equal(t, []float64{3, 4}, y[2:])

	y, err = Reindex(series, GapZero, 0)
	require.NoError(t, err)
	assert.Equal(t, []float64{1, 0, 3, 4}, y)
}

func TestReindex_Errors(t *testing.T) {
	unsorted := dailySeries("ink", []int{0, 3, 2}, demand)
	_, err := Reindex(unsorted, GapMissing, 0)
	assert.True(t, errors.Is(err, ErrUnsortedSeries))

	wide := dailySeries("ink", []int{0, 400}, demand)
	_, err = Reindex(wide, GapMissing, 365)
	assert.True(t, errors.Is(err, ErrSpanTooLong))

	y, err := Reindex(models.ProductSeries{Product: "none"}, GapMissing, 0)
	assert.NoError(t, err)
	assert.Empty(t, y)
}

func TestEngine_InsufficientData(t *testing.T) {
	engine := newTestEngine(t)

	for _, n := range []int{0, 1} {
		outcome := engine.Forecast(dailySeries("pen", consecutiveDays(n), demand))
		assert.Equal(t, models.OutcomeInsufficientData, outcome.Kind, "observations %d", n)
		assert.Equal(t, models.InsufficientDataMessage, outcome.Reason)
		assert.False(t, outcome.OK())
	}
}

func TestEngine_BlendsBothModels(t *testing.T) {
	engine := newTestEngine(t)
	series := dailySeries("widget", consecutiveDays(72), demand)

	outcome := engine.Forecast(series)
	require.True(t, outcome.OK(), "reason: %s", outcome.Reason)
	assert.False(t, math.IsNaN(outcome.Value) || math.IsInf(outcome.Value, 0))

	y, err := Reindex(series, GapMissing, 0)
	require.NoError(t, err)

	short := engine.ShortModel()
	require.NoError(t, short.Fit(y))
	f1, err := short.Forecast()
	require.NoError(t, err)

	seasonal := engine.SeasonalModel()
	require.NoError(t, seasonal.Fit(y))
	f2, err := seasonal.Forecast()
	require.NoError(t, err)

	assert.InDelta(t, 0.7*f1+0.3*f2, outcome.Value, 1e-9)
}

func TestEngine_ForecastsWithGaps(t *testing.T) {
	engine := newTestEngine(t)

	days := make([]int, 0, 80)
	for d := 0; d < 90; d++ {
		if d%9 != 4 {
			days = append(days, d)
		}
	}

	outcome := engine.Forecast(dailySeries("widget", days, demand))
	assert.True(t, outcome.OK(), "reason: %s", outcome.Reason)
}

func TestEngine_Deterministic(t *testing.T) {
	engine := newTestEngine(t)
	series := dailySeries("widget", consecutiveDays(60), demand)

	first := engine.Forecast(series)
	second := engine.Forecast(series)
	assert.Equal(t, first, second)
}

func TestEngine_TimesEachModelFit(t *testing.T) {
	collector := metrics.NewCollectorWithRegistry("test", prometheus.NewRegistry())
	engine, err := NewEngine(DefaultEngineConfig(), collector)
	require.NoError(t, err)

	outcome := engine.Forecast(dailySeries("widget", consecutiveDays(60), demand))
	require.True(t, outcome.OK(), outcome.Reason)

	assert.Equal(t, 2, testutil.CollectAndCount(collector.ModelFitDuration))
}

func TestEngine_DegenerateSeriesFails(t *testing.T) {
	engine := newTestEngine(t)

	outcome := engine.Forecast(dailySeries("flat", consecutiveDays(40), func(int) float64 { return 5 }))
	assert.Equal(t, models.OutcomeFailed, outcome.Kind)
	assert.True(t, strings.HasPrefix(outcome.Reason, "arima model: degenerate series: innovation variance "), outcome.Reason)
}

func TestEngine_PenScenario(t *testing.T) {
	engine := newTestEngine(t)

	one := engine.Forecast(dailySeries("pen", []int{0}, func(int) float64 { return 2 }))
	assert.Equal(t, models.OutcomeInsufficientData, one.Kind)

	// Two distinct dates qualify for fitting; a 12-period seasonal
	// difference leaves nothing to estimate from, so the product fails.
	two := engine.Forecast(dailySeries("pen", []int{0, 1}, func(d int) float64 { return float64(d + 2) }))
	assert.Equal(t, models.OutcomeFailed, two.Kind)
	assert.NotEmpty(t, two.Reason)
}

func TestEngine_UnsortedSeriesFails(t *testing.T) {
	engine := newTestEngine(t)

	outcome := engine.Forecast(dailySeries("odd", []int{5, 0}, demand))
	assert.Equal(t, models.OutcomeFailed, outcome.Kind)
	assert.Contains(t, outcome.Reason, "reindex")
}
