package forecast

import (
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"demand-forecast/internal/models"
)

// Aggregate sums quantities per (product, date) and returns one series per
// product with points sorted ascending by date. Dates without records are
// left out; no imputation happens here.
func Aggregate(records []models.NormalizedRecord) map[string]models.ProductSeries {
	sums := make(map[string]map[int64]decimal.Decimal)

	for _, rec := range records {
		byDate, ok := sums[rec.ProductName]
		if !ok {
			byDate = make(map[int64]decimal.Decimal)
			sums[rec.ProductName] = byDate
		}
		day := rec.Date.Unix()
		byDate[day] = byDate[day].Add(rec.Quantity)
	}

	series := make(map[string]models.ProductSeries, len(sums))
	for product, byDate := range sums {
		days := make([]int64, 0, len(byDate))
		for day := range byDate {
			days = append(days, day)
		}
		sort.Slice(days, func(i, j int) bool { return days[i] < days[j] })

		points := make([]models.SeriesPoint, len(days))
		for i, day := range days {
			points[i] = models.SeriesPoint{
				Date:     time.Unix(day, 0).UTC(),
				Quantity: byDate[day].InexactFloat64(),
			}
		}

		series[product] = models.ProductSeries{Product: product, Points: points}
	}

	return series
}

// SortedProducts returns the product names of series in ascending order
func SortedProducts(series map[string]models.ProductSeries) []string {
	names := make([]string, 0, len(series))
	for name := range series {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
