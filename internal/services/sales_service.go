package services

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"demand-forecast/internal/models"
	"demand-forecast/internal/repository"
	"demand-forecast/pkg/logging"
	"demand-forecast/pkg/metrics"
)

const (
	defaultPageSize = 100
	maxPageSize     = 1000
)

// SalesService stores submitted sales and lists stored product rows
type SalesService struct {
	repo     repository.ProductRepository
	logger   *logging.StructuredLogger
	metrics  *metrics.Collector
	onStored func(userID int64)
}

// SalesPage is one page of stored product rows. TotalEarnings and
// ProductWithHighestSale cover every row of the requested range, not just
// this page.
type SalesPage struct {
	Sales                  []*models.SaleRecord `json:"products"`
	TotalCount             int                  `json:"total_count"`
	Limit                  int                  `json:"limit"`
	Offset                 int                  `json:"offset"`
	TotalEarnings          decimal.Decimal      `json:"total_earnings"`
	ProductWithHighestSale *models.SaleRecord   `json:"product_with_highest_sale"`
}

// NewSalesService creates a new sales service
func NewSalesService(repo repository.ProductRepository, logger *logging.StructuredLogger, metricsCollector *metrics.Collector) *SalesService {
	return &SalesService{
		repo:    repo,
		logger:  logger,
		metrics: metricsCollector,
	}
}

// OnStored registers a callback run after a sale of userID has been stored
func (s *SalesService) OnStored(fn func(userID int64)) {
	s.onStored = fn
}

// StoreSale validates every line and stores them under one shared sale id.
// Nothing is stored if any line is invalid.
func (s *SalesService) StoreSale(ctx context.Context, userID int64, lines []models.SaleLine) (int64, error) {
	if userID <= 0 {
		return 0, &models.ValidationError{Field: "user_id", Value: fmt.Sprint(userID), Message: "user id must be positive"}
	}
	if len(lines) == 0 {
		return 0, &models.ValidationError{Field: "products", Message: "at least one product line is required"}
	}

	records := make([]*models.SaleRecord, len(lines))
	for i := range lines {
		record, err := lines[i].ToSaleRecord(userID, 0)
		if err != nil {
			s.metrics.RecordIngestionError("validation_error")
			return 0, fmt.Errorf("product line %d: %w", i, err)
		}
		records[i] = record
	}

	saleID, err := s.repo.CreateSale(ctx, records)
	if err != nil {
		return 0, err
	}

	s.logger.Info(ctx, "[SALE_STORED] Sale stored", logging.Fields{
		"user_id": userID,
		"sale_id": saleID,
		"lines":   len(records),
	})

	if s.onStored != nil {
		s.onStored(userID)
	}

	return saleID, nil
}

// ListProducts returns stored product rows of userID. A non-empty month
// (YYYY-MM) restricts the rows to that calendar month.
func (s *SalesService) ListProducts(ctx context.Context, userID int64, month string, limit, offset int) (*SalesPage, error) {
	if limit <= 0 {
		limit = defaultPageSize
	}
	if limit > maxPageSize {
		limit = maxPageSize
	}
	if offset < 0 {
		offset = 0
	}

	filter := repository.SaleFilter{
		UserID: userID,
		Limit:  limit,
		Offset: offset,
	}

	if month != "" {
		start, end, err := MonthRange(month)
		if err != nil {
			return nil, err
		}
		filter.StartDate = &start
		filter.EndDate = &end
	}

	sales, total, err := s.repo.ListSales(ctx, filter)
	if err != nil {
		return nil, err
	}
	if sales == nil {
		sales = []*models.SaleRecord{}
	}

	summary, err := s.repo.SummarizeSales(ctx, filter)
	if err != nil {
		return nil, err
	}

	return &SalesPage{
		Sales:                  sales,
		TotalCount:             total,
		Limit:                  limit,
		Offset:                 offset,
		TotalEarnings:          summary.TotalEarnings,
		ProductWithHighestSale: summary.TopSale,
	}, nil
}

// NextSaleID reports the id the next stored sale would receive. Another
// sale stored in between takes it first.
func (s *SalesService) NextSaleID(ctx context.Context) (int64, error) {
	return s.repo.NextSaleID(ctx)
}

// MonthRange parses YYYY-MM into the half-open range [first day, first day of next month)
func MonthRange(month string) (time.Time, time.Time, error) {
	start, err := time.Parse("2006-01", month)
	if err != nil {
		return time.Time{}, time.Time{}, &models.ValidationError{
			Field:   "month",
			Value:   month,
			Message: "invalid month format, expected YYYY-MM",
		}
	}
	return start, start.AddDate(0, 1, 0), nil
}
