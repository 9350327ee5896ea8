package services

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/xuri/excelize/v2"

	"demand-forecast/internal/models"
	"demand-forecast/internal/repository"
	"demand-forecast/pkg/logging"
	"demand-forecast/pkg/metrics"
)

// IngestionService loads sales exports (CSV or XLSX) into product_inf
type IngestionService struct {
	repo    repository.ProductRepository
	logger  *logging.StructuredLogger
	metrics *metrics.Collector
}

// IngestionResult contains ingestion statistics
type IngestionResult struct {
	TotalFiles        int
	TotalRecords      int
	SuccessfulRecords int
	FailedRecords     int
	SalesCreated      int
	Duration          time.Duration
	Errors            []string
}

// FileIngestionResult contains per-file ingestion statistics
type FileIngestionResult struct {
	SaleID            int64
	TotalRecords      int
	SuccessfulRecords int
	FailedRecords     int
}

// ErrMissingColumn is returned when a sales file lacks a required column
var ErrMissingColumn = errors.New("required column missing")

// NewIngestionService creates a new ingestion service
func NewIngestionService(repo repository.ProductRepository, logger *logging.StructuredLogger, metricsCollector *metrics.Collector) *IngestionService {
	return &IngestionService{
		repo:    repo,
		logger:  logger,
		metrics: metricsCollector,
	}
}

// IngestDirectory ingests every .csv and .xlsx file of dataDir for userID.
// A file that cannot be read is reported in the result and skipped.
func (s *IngestionService) IngestDirectory(ctx context.Context, dataDir string, userID int64, batchSize int) (*IngestionResult, error) {
	startTime := time.Now()

	s.logger.Info(ctx, "[INGEST_START] Starting sales ingestion", logging.Fields{
		"data_dir":   dataDir,
		"user_id":    userID,
		"batch_size": batchSize,
		"stage":      "INITIALIZATION",
	})

	var files []string
	for _, pattern := range []string{"*.csv", "*.xlsx"} {
		matches, err := filepath.Glob(filepath.Join(dataDir, pattern))
		if err != nil {
			return nil, fmt.Errorf("failed to read directory: %w", err)
		}
		files = append(files, matches...)
	}
	sort.Strings(files)

	if len(files) == 0 {
		return nil, fmt.Errorf("no sales files found in %s", dataDir)
	}

	result := &IngestionResult{
		TotalFiles: len(files),
		Errors:     make([]string, 0),
	}

	s.logger.Info(ctx, "[INGEST_FILES] Found sales files", logging.Fields{
		"file_count": len(files),
		"stage":      "FILE_DISCOVERY",
	})

	for _, filePath := range files {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		fileResult, err := s.IngestFile(ctx, filePath, userID, batchSize)
		if err != nil {
			result.Errors = append(result.Errors, fmt.Sprintf("failed to ingest %s: %v", filePath, err))
			s.logger.Error(ctx, "[INGEST_FILE_ERROR] File ingestion failed", logging.Fields{
				"file_path": filePath,
				"stage":     "FILE_PROCESSING",
			}, err)
			s.metrics.RecordIngestionError("file_error")
			continue
		}

		result.TotalRecords += fileResult.TotalRecords
		result.SuccessfulRecords += fileResult.SuccessfulRecords
		result.FailedRecords += fileResult.FailedRecords
		if fileResult.SuccessfulRecords > 0 {
			result.SalesCreated++
		}

		s.logger.Info(ctx, "[INGEST_FILE_SUCCESS] File ingested successfully", logging.Fields{
			"file_path":          filePath,
			"sale_id":            fileResult.SaleID,
			"total_records":      fileResult.TotalRecords,
			"successful_records": fileResult.SuccessfulRecords,
			"failed_records":     fileResult.FailedRecords,
			"stage":              "FILE_COMPLETE",
		})
	}

	result.Duration = time.Since(startTime)
	s.metrics.IngestionDuration.Observe(result.Duration.Seconds())

	s.logger.Info(ctx, "[INGEST_COMPLETE] Sales ingestion completed", logging.Fields{
		"total_files":        result.TotalFiles,
		"total_records":      result.TotalRecords,
		"successful_records": result.SuccessfulRecords,
		"failed_records":     result.FailedRecords,
		"sales_created":      result.SalesCreated,
		"duration_seconds":   result.Duration.Seconds(),
		"error_count":        len(result.Errors),
		"stage":              "COMPLETE",
	})

	return result, nil
}

// IngestFile stores the rows of one sales file as a single sale. Rows that
// fail validation are counted and skipped.
func (s *IngestionService) IngestFile(ctx context.Context, filePath string, userID int64, batchSize int) (*FileIngestionResult, error) {
	if batchSize <= 0 {
		batchSize = 500
	}

	rows, err := ReadSalesRows(filePath)
	if err != nil {
		return nil, err
	}

	lines, result, err := s.parseRows(rows)
	if err != nil {
		return nil, err
	}
	if len(lines) == 0 {
		return result, nil
	}

	// The first batch allocates the sale id; later batches append to it.
	var saleID int64
	batch := make([]*models.SaleRecord, 0, batchSize)
	flush := func() error {
		id, err := s.repo.CreateSale(ctx, batch)
		if err != nil {
			return err
		}
		saleID = id
		result.SuccessfulRecords += len(batch)
		batch = batch[:0]
		return nil
	}

	for _, line := range lines {
		record, err := line.ToSaleRecord(userID, saleID)
		if err != nil {
			result.FailedRecords++
			s.metrics.RecordIngestionError("validation_error")
			continue
		}

		batch = append(batch, record)
		if len(batch) >= batchSize {
			if err := flush(); err != nil {
				return nil, fmt.Errorf("failed to insert batch: %w", err)
			}
		}
	}

	if len(batch) > 0 {
		if err := flush(); err != nil {
			return nil, fmt.Errorf("failed to insert final batch: %w", err)
		}
	}
	result.SaleID = saleID

	return result, nil
}

// salesColumns maps the accepted header spellings to a canonical column
var salesColumns = map[string]string{
	"date":         "date",
	"sale_date":    "date",
	"product":      "product_name",
	"product_name": "product_name",
	"productname":  "product_name",
	"quantity":     "quantity",
	"qty":          "quantity",
	"price":        "price",
	"unit_price":   "price",
	"total_price":  "total_price",
	"totalprice":   "total_price",
	"total":        "total_price",
}

// salesTable resolves the columns of a sales file from its header row
type salesTable struct {
	columns map[string]int
}

func newSalesTable(rows [][]string) (*salesTable, error) {
	if len(rows) == 0 {
		return nil, fmt.Errorf("%w: file is empty", ErrMissingColumn)
	}

	columns := make(map[string]int)
	for i, header := range rows[0] {
		if canonical, ok := salesColumns[columnKey(header)]; ok {
			if _, seen := columns[canonical]; !seen {
				columns[canonical] = i
			}
		}
	}
	for _, required := range []string{"date", "product_name", "quantity"} {
		if _, ok := columns[required]; !ok {
			return nil, fmt.Errorf("%w: %s", ErrMissingColumn, required)
		}
	}

	return &salesTable{columns: columns}, nil
}

func columnKey(header string) string {
	return strings.ReplaceAll(strings.ToLower(strings.TrimSpace(header)), " ", "_")
}

func (t *salesTable) cell(row []string, column string) string {
	i, ok := t.columns[column]
	if !ok || i >= len(row) {
		return ""
	}
	return strings.TrimSpace(row[i])
}

// ReadRawRecords reads a sales file as forecast input without parsing its
// cells, so a malformed value surfaces when the records are normalized.
func ReadRawRecords(filePath string) ([]models.RawRecord, error) {
	rows, err := ReadSalesRows(filePath)
	if err != nil {
		return nil, err
	}

	table, err := newSalesTable(rows)
	if err != nil {
		return nil, err
	}

	records := make([]models.RawRecord, 0, len(rows)-1)
	for _, row := range rows[1:] {
		if isEmptyRow(row) {
			continue
		}
		records = append(records, models.RawRecord{
			Date:        table.cell(row, "date"),
			ProductName: table.cell(row, "product_name"),
			Quantity:    table.cell(row, "quantity"),
		})
	}

	return records, nil
}

func (s *IngestionService) parseRows(rows [][]string) ([]models.SaleLine, *FileIngestionResult, error) {
	table, err := newSalesTable(rows)
	if err != nil {
		return nil, nil, err
	}
	cell := table.cell

	result := &FileIngestionResult{}
	lines := make([]models.SaleLine, 0, len(rows)-1)

	for _, row := range rows[1:] {
		if isEmptyRow(row) {
			continue
		}
		result.TotalRecords++

		line, err := parseSaleLine(
			cell(row, "date"),
			cell(row, "product_name"),
			cell(row, "quantity"),
			cell(row, "price"),
			cell(row, "total_price"),
		)
		if err != nil {
			result.FailedRecords++
			s.metrics.RecordIngestionError("parse_error")
			continue
		}
		lines = append(lines, line)
	}

	return lines, result, nil
}

func parseSaleLine(date, product, quantity, price, total string) (models.SaleLine, error) {
	line := models.SaleLine{Date: date, ProductName: product}

	var err error
	if line.Quantity, err = decimal.NewFromString(quantity); err != nil {
		return line, fmt.Errorf("invalid quantity %q: %w", quantity, err)
	}
	if price != "" {
		if line.Price, err = decimal.NewFromString(price); err != nil {
			return line, fmt.Errorf("invalid price %q: %w", price, err)
		}
	}
	if total != "" {
		if line.TotalPrice, err = decimal.NewFromString(total); err != nil {
			return line, fmt.Errorf("invalid total price %q: %w", total, err)
		}
	}

	return line, nil
}

func isEmptyRow(row []string) bool {
	for _, cell := range row {
		if strings.TrimSpace(cell) != "" {
			return false
		}
	}
	return true
}

// ReadSalesRows returns the rows of a .csv file or of the first sheet of an
// .xlsx file, header row included.
func ReadSalesRows(filePath string) ([][]string, error) {
	switch strings.ToLower(filepath.Ext(filePath)) {
	case ".csv":
		return readCSVRows(filePath)
	case ".xlsx":
		return readXLSXRows(filePath)
	default:
		return nil, fmt.Errorf("unsupported sales file type %q", filepath.Ext(filePath))
	}
}

func readCSVRows(filePath string) ([][]string, error) {
	file, err := os.Open(filePath)
	if err != nil {
		return nil, fmt.Errorf("failed to open file: %w", err)
	}
	defer file.Close()

	reader := csv.NewReader(file)
	reader.FieldsPerRecord = -1
	reader.TrimLeadingSpace = true

	var rows [][]string
	for {
		row, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("error reading file: %w", err)
		}
		rows = append(rows, row)
	}

	return rows, nil
}

func readXLSXRows(filePath string) ([][]string, error) {
	f, err := excelize.OpenFile(filePath)
	if err != nil {
		return nil, fmt.Errorf("failed to open Excel file: %w", err)
	}
	defer f.Close()

	sheetName := f.GetSheetName(0)
	if sheetName == "" {
		return nil, fmt.Errorf("no sheets found in Excel file")
	}

	// Raw values keep number formats from rewriting quantities and dates.
	rows, err := f.GetRows(sheetName, excelize.Options{RawCellValue: true})
	if err != nil {
		return nil, fmt.Errorf("failed to get rows: %w", err)
	}
	if len(rows) == 0 {
		return rows, nil
	}

	date1904 := false
	if props, err := f.GetWorkbookProps(); err == nil && props.Date1904 != nil {
		date1904 = *props.Date1904
	}

	for i, header := range rows[0] {
		if salesColumns[columnKey(header)] != "date" {
			continue
		}
		for _, row := range rows[1:] {
			if i < len(row) {
				row[i] = excelSerialDate(row[i], date1904)
			}
		}
	}

	return rows, nil
}

// maxExcelSerial is the serial of 9999-12-31, the last date Excel stores.
const maxExcelSerial = 2958465

// excelSerialDate renders a serial date cell as YYYY-MM-DD. Text cells and
// numbers outside the serial range are returned unchanged.
func excelSerialDate(value string, date1904 bool) string {
	serial, err := strconv.ParseFloat(strings.TrimSpace(value), 64)
	if err != nil || serial < 1 || serial > maxExcelSerial {
		return value
	}
	t, err := excelize.ExcelDateToTime(serial, date1904)
	if err != nil {
		return value
	}
	return t.Format("2006-01-02")
}
