package repository

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"demand-forecast/internal/models"
	"demand-forecast/migrations"
	"demand-forecast/pkg/database"
	"demand-forecast/pkg/logging"
	"demand-forecast/pkg/metrics"
)

func newSQLiteRepository(t *testing.T) ProductRepository {
	t.Helper()

	logger := logging.NewNopLogger()
	collector := metrics.NewCollectorWithRegistry("test", prometheus.NewRegistry())

	db, err := database.Open(&database.Config{
		Driver:   database.DriverSQLite,
		Database: ":memory:",
	}, logger, collector)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	require.NoError(t, migrations.Apply(context.Background(), db, migrations.Up, logger))

	return NewProductRepository(db, logger, collector)
}

func saleRows(userID, saleID int64, date string, lines map[string]string) []*models.SaleRecord {
	day, _ := time.Parse("2006-01-02", date)
	var rows []*models.SaleRecord
	for product, quantity := range lines {
		q := decimal.RequireFromString(quantity)
		rows = append(rows, &models.SaleRecord{
			UserID:      userID,
			SaleID:      saleID,
			Date:        day,
			ProductName: product,
			Quantity:    q,
			Price:       decimal.NewFromInt(2),
			TotalPrice:  q.Mul(decimal.NewFromInt(2)),
			CreatedAt:   time.Date(2024, 4, 1, 9, 0, 0, 0, time.UTC),
		})
	}
	return rows
}

func TestProductRepository_CreateAndFetch(t *testing.T) {
	repo := newSQLiteRepository(t)
	ctx := context.Background()

	first, err := repo.NextSaleID(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), first)

	for _, rows := range [][]*models.SaleRecord{
		saleRows(7, 0, "2024-03-02", map[string]string{"Pen": "3"}),
		saleRows(7, 0, "2024-03-01", map[string]string{"Ink": "1.5"}),
		saleRows(8, 0, "2024-03-01", map[string]string{"Pen": "9"}),
	} {
		_, err := repo.CreateSale(ctx, rows)
		require.NoError(t, err)
	}

	next, err := repo.NextSaleID(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(4), next)

	records, err := repo.FetchRecords(ctx, 7)
	require.NoError(t, err)
	require.Len(t, records, 2)

	assert.Equal(t, "Ink", records[0].ProductName)
	assert.Equal(t, "1.5", records[0].Quantity)
	assert.Equal(t, "Pen", records[1].ProductName)

	for _, rec := range records {
		_, err := models.ParseDate(rec.Date)
		assert.NoError(t, err, "date %q", rec.Date)
	}

	none, err := repo.FetchRecords(ctx, 99)
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestProductRepository_ListSalesFiltersByRange(t *testing.T) {
	repo := newSQLiteRepository(t)
	ctx := context.Background()

	storeMarchSales(t, repo, 3)

	start := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	end := time.Date(2024, 4, 1, 0, 0, 0, 0, time.UTC)

	sales, total, err := repo.ListSales(ctx, SaleFilter{UserID: 3, StartDate: &start, EndDate: &end, Limit: 10})
	require.NoError(t, err)
	assert.Equal(t, 2, total)
	require.Len(t, sales, 2)
	assert.True(t, sales[0].Date.Equal(time.Date(2024, 3, 31, 0, 0, 0, 0, time.UTC)))
	assert.True(t, sales[0].Quantity.Equal(decimal.NewFromInt(3)))
	assert.True(t, sales[0].TotalPrice.Equal(decimal.NewFromInt(6)))

	paged, total, err := repo.ListSales(ctx, SaleFilter{UserID: 3, Limit: 1, Offset: 1})
	require.NoError(t, err)
	assert.Equal(t, 4, total)
	require.Len(t, paged, 1)
	assert.Equal(t, int64(3), paged[0].SaleID)
}

func TestProductRepository_CreateSaleIsAtomic(t *testing.T) {
	repo := newSQLiteRepository(t)
	ctx := context.Background()

	rows := saleRows(5, 1, "2024-03-01", map[string]string{"Pen": "1"})
	bad := saleRows(5, 1, "2024-03-01", map[string]string{"Ink": "1"})
	bad[0].Quantity = decimal.Zero
	rows = append(rows, bad...)

	_, err := repo.CreateSale(ctx, rows)
	require.Error(t, err)

	records, err := repo.FetchRecords(ctx, 5)
	require.NoError(t, err)
	assert.Empty(t, records)
}

// storeMarchSales stores four one-line sales around March 2024 for userID
func storeMarchSales(t *testing.T, repo ProductRepository, userID int64) {
	t.Helper()
	for _, rows := range [][]*models.SaleRecord{
		saleRows(userID, 1, "2024-02-29", map[string]string{"Pen": "1"}),
		saleRows(userID, 2, "2024-03-01", map[string]string{"Pen": "2"}),
		saleRows(userID, 3, "2024-03-31", map[string]string{"Ink": "3"}),
		saleRows(userID, 4, "2024-04-01", map[string]string{"Ink": "4"}),
	} {
		_, err := repo.CreateSale(context.Background(), rows)
		require.NoError(t, err)
	}
}

func TestProductRepository_CreateSaleAllocatesSaleID(t *testing.T) {
	repo := newSQLiteRepository(t)
	ctx := context.Background()

	rows := saleRows(2, 0, "2024-03-01", map[string]string{"Pen": "1", "Ink": "2"})
	saleID, err := repo.CreateSale(ctx, rows)
	require.NoError(t, err)
	assert.Equal(t, int64(1), saleID)
	for _, row := range rows {
		assert.Equal(t, saleID, row.SaleID)
	}

	appended, err := repo.CreateSale(ctx, saleRows(2, saleID, "2024-03-01", map[string]string{"Cap": "1"}))
	require.NoError(t, err)
	assert.Equal(t, saleID, appended)

	const writers = 8
	ids := make(chan int64, writers)
	var wg sync.WaitGroup
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			id, err := repo.CreateSale(ctx, saleRows(2, 0, "2024-03-02", map[string]string{"Pen": "1"}))
			assert.NoError(t, err)
			ids <- id
		}()
	}
	wg.Wait()
	close(ids)

	seen := make(map[int64]bool)
	for id := range ids {
		assert.False(t, seen[id], "sale id %d allocated twice", id)
		seen[id] = true
	}
	assert.Len(t, seen, writers)
	assert.NotContains(t, seen, saleID)
}

func TestProductRepository_SummarizeSales(t *testing.T) {
	repo := newSQLiteRepository(t)
	ctx := context.Background()
	storeMarchSales(t, repo, 3)

	start := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	end := time.Date(2024, 4, 1, 0, 0, 0, 0, time.UTC)

	march, err := repo.SummarizeSales(ctx, SaleFilter{UserID: 3, StartDate: &start, EndDate: &end, Limit: 1})
	require.NoError(t, err)
	assert.True(t, march.TotalEarnings.Equal(decimal.NewFromInt(10)), "got %s", march.TotalEarnings)
	require.NotNil(t, march.TopSale)
	assert.Equal(t, "Ink", march.TopSale.ProductName)
	assert.Equal(t, int64(3), march.TopSale.SaleID)

	all, err := repo.SummarizeSales(ctx, SaleFilter{UserID: 3})
	require.NoError(t, err)
	assert.True(t, all.TotalEarnings.Equal(decimal.NewFromInt(20)), "got %s", all.TotalEarnings)
	require.NotNil(t, all.TopSale)
	assert.Equal(t, int64(4), all.TopSale.SaleID)

	none, err := repo.SummarizeSales(ctx, SaleFilter{UserID: 99})
	require.NoError(t, err)
	assert.True(t, none.TotalEarnings.IsZero())
	assert.Nil(t, none.TopSale)
}

func TestProductRepository_HealthCheck(t *testing.T) {
	repo := newSQLiteRepository(t)
	assert.NoError(t, repo.HealthCheck(context.Background()))
}
