package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"demand-forecast/internal/models"
	"demand-forecast/pkg/database"
	"demand-forecast/pkg/logging"
	"demand-forecast/pkg/metrics"
)

// ProductRepository provides data access for per-user product sales
type ProductRepository interface {
	// Forecast input
	FetchRecords(ctx context.Context, userID int64) ([]models.RawRecord, error)

	// Sale operations
	NextSaleID(ctx context.Context) (int64, error)
	CreateSale(ctx context.Context, records []*models.SaleRecord) (int64, error)
	ListSales(ctx context.Context, filter SaleFilter) ([]*models.SaleRecord, int, error)
	SummarizeSales(ctx context.Context, filter SaleFilter) (*models.SalesSummary, error)

	// Utility operations
	HealthCheck(ctx context.Context) error
}

// SaleFilter defines filters for querying stored sale rows
type SaleFilter struct {
	UserID    int64
	StartDate *time.Time
	EndDate   *time.Time // exclusive
	Limit     int
	Offset    int
}

// productRepository implements ProductRepository
type productRepository struct {
	db      *database.DB
	logger  *logging.StructuredLogger
	metrics *metrics.Collector
}

// NewProductRepository creates a new product repository
func NewProductRepository(db *database.DB, logger *logging.StructuredLogger, metricsCollector *metrics.Collector) ProductRepository {
	return &productRepository{
		db:      db,
		logger:  logger,
		metrics: metricsCollector,
	}
}

// FetchRecords returns every (date, product, quantity) row of a user
func (r *productRepository) FetchRecords(ctx context.Context, userID int64) ([]models.RawRecord, error) {
	query := `
		SELECT sale_date AS date, product_name, quantity
		FROM product_inf
		WHERE user_id = ?
		ORDER BY sale_date, id
	`

	var records []models.RawRecord
	if err := r.db.SelectContext(ctx, "fetch_forecast_records", &records, query, userID); err != nil {
		return nil, fmt.Errorf("failed to fetch records for user %d: %w", userID, err)
	}

	r.logger.Debug(ctx, "[REPO_FETCH_RECORDS] Records retrieved", logging.Fields{
		"user_id": userID,
		"count":   len(records),
	})

	return records, nil
}

// NextSaleID reports the id the next stored sale would get. CreateSale
// allocates the real one inside its own transaction.
func (r *productRepository) NextSaleID(ctx context.Context) (int64, error) {
	var next int64
	err := r.db.GetContext(ctx, "next_sale_id", &next, nextSaleIDQuery)
	if err != nil {
		return 0, fmt.Errorf("failed to get next sale id: %w", err)
	}
	return next, nil
}

const nextSaleIDQuery = `SELECT COALESCE(MAX(sale_id), 0) + 1 FROM product_inf`

// CreateSale stores all lines of one sale in a single transaction and
// returns their sale id. Lines carrying a zero SaleID get the next free id,
// allocated under a table lock so concurrent sales never share one; lines
// with a SaleID are appended to that sale.
func (r *productRepository) CreateSale(ctx context.Context, records []*models.SaleRecord) (int64, error) {
	if len(records) == 0 {
		return 0, nil
	}

	timer := time.Now()
	defer func() {
		r.metrics.IngestionBatchSize.Observe(float64(len(records)))
		r.logger.Debug(ctx, "[REPO_CREATE_SALE] Sale stored", logging.Fields{
			"count":       len(records),
			"duration_ms": time.Since(timer).Milliseconds(),
		})
	}()

	tx, err := r.db.BeginTx(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	saleID := records[0].SaleID
	if saleID == 0 {
		if saleID, err = r.allocateSaleID(ctx, tx); err != nil {
			return 0, err
		}
	}

	stmt, err := tx.PreparexContext(ctx, tx.Rebind(`
		INSERT INTO product_inf (
			user_id, sale_id, sale_date, product_name,
			quantity, price, total_price, created_at
		)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`))
	if err != nil {
		return 0, fmt.Errorf("failed to prepare statement: %w", err)
	}
	defer stmt.Close()

	for _, rec := range records {
		_, err := stmt.ExecContext(ctx,
			rec.UserID,
			saleID,
			rec.Date,
			rec.ProductName,
			rec.Quantity,
			rec.Price,
			rec.TotalPrice,
			rec.CreatedAt,
		)
		if err != nil {
			r.metrics.RecordDBError("insert_error")
			return 0, fmt.Errorf("failed to insert sale line %q: %w", rec.ProductName, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit transaction: %w", err)
	}

	for _, rec := range records {
		rec.SaleID = saleID
	}
	r.metrics.IngestionRecordsTotal.Add(float64(len(records)))

	return saleID, nil
}

// allocateSaleID reads MAX(sale_id)+1 inside tx. On postgres the table is
// locked first so a concurrent writer waits until tx commits; sqlite runs
// every transaction on its single connection.
func (r *productRepository) allocateSaleID(ctx context.Context, tx *sqlx.Tx) (int64, error) {
	if r.db.DriverName() == database.DriverPostgres {
		if _, err := tx.ExecContext(ctx, `LOCK TABLE product_inf IN SHARE ROW EXCLUSIVE MODE`); err != nil {
			r.metrics.RecordDBError("lock_error")
			return 0, fmt.Errorf("failed to lock product_inf: %w", err)
		}
	}

	var next int64
	if err := tx.GetContext(ctx, &next, nextSaleIDQuery); err != nil {
		return 0, fmt.Errorf("failed to allocate sale id: %w", err)
	}
	return next, nil
}

// saleConditions renders the WHERE clause shared by listing and summaries
func saleConditions(filter SaleFilter) (string, []interface{}) {
	where := " WHERE user_id = ?"
	args := []interface{}{filter.UserID}

	if filter.StartDate != nil {
		where += " AND sale_date >= ?"
		args = append(args, *filter.StartDate)
	}

	if filter.EndDate != nil {
		where += " AND sale_date < ?"
		args = append(args, *filter.EndDate)
	}

	return where, args
}

const saleColumns = `
	SELECT id, user_id, sale_id, sale_date AS date, product_name,
	       quantity, price, total_price, created_at
	FROM product_inf`

// ListSales retrieves stored sale rows of a user with filtering and pagination
func (r *productRepository) ListSales(ctx context.Context, filter SaleFilter) ([]*models.SaleRecord, int, error) {
	where, args := saleConditions(filter)
	query := saleColumns + where

	countQuery := "SELECT COUNT(*) FROM (" + query + ") AS count_query"
	var totalCount int
	if err := r.db.GetContext(ctx, "count_sales", &totalCount, countQuery, args...); err != nil {
		return nil, 0, fmt.Errorf("failed to count sales: %w", err)
	}

	query += " ORDER BY sale_date DESC, id LIMIT ? OFFSET ?"
	args = append(args, filter.Limit, filter.Offset)

	var sales []*models.SaleRecord
	if err := r.db.SelectContext(ctx, "list_sales", &sales, query, args...); err != nil {
		return nil, 0, fmt.Errorf("failed to list sales: %w", err)
	}

	return sales, totalCount, nil
}

// SummarizeSales totals the earnings of every row matched by filter and
// picks the row with the highest total price. Limit and Offset are ignored.
func (r *productRepository) SummarizeSales(ctx context.Context, filter SaleFilter) (*models.SalesSummary, error) {
	where, args := saleConditions(filter)
	summary := &models.SalesSummary{}

	sumQuery := "SELECT COALESCE(SUM(total_price), 0) FROM product_inf" + where
	if err := r.db.GetContext(ctx, "sum_sales", &summary.TotalEarnings, sumQuery, args...); err != nil {
		return nil, fmt.Errorf("failed to total sales: %w", err)
	}

	var top models.SaleRecord
	topQuery := saleColumns + where + " ORDER BY total_price DESC, sale_date DESC, id LIMIT 1"
	err := r.db.GetContext(ctx, "top_sale", &top, topQuery, args...)
	switch {
	case errors.Is(err, sql.ErrNoRows):
	case err != nil:
		return nil, fmt.Errorf("failed to find highest sale: %w", err)
	default:
		summary.TopSale = &top
	}

	return summary, nil
}

// HealthCheck performs a repository health check
func (r *productRepository) HealthCheck(ctx context.Context) error {
	return r.db.HealthCheck(ctx)
}
