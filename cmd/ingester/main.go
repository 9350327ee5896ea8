package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strings"

	"demand-forecast/internal/config"
	"demand-forecast/internal/repository"
	"demand-forecast/internal/services"
	"demand-forecast/pkg/database"
	"demand-forecast/pkg/logging"
	"demand-forecast/pkg/metrics"
)

func main() {
	dataDir := flag.String("data-dir", "./sales_data", "Directory containing .csv and .xlsx sales exports")
	userID := flag.Int64("user-id", 0, "Owner of the ingested sales")
	batchSize := flag.Int("batch-size", 500, "Number of sale lines inserted per transaction")
	flag.Parse()

	if *userID <= 0 {
		fmt.Fprintln(os.Stderr, "A positive -user-id is required")
		os.Exit(2)
	}

	cfg, err := config.LoadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	logger := logging.NewStructuredLogger("forecast-ingester", "1.0.0", cfg.LogLevel())

	ctx := context.Background()
	logger.Info(ctx, "[INGESTER_START] Starting sales ingestion", logging.Fields{
		"version":    "1.0.0",
		"data_dir":   *dataDir,
		"user_id":    *userID,
		"batch_size": *batchSize,
	})

	metricsCollector := metrics.NewCollector("forecast_ingester")

	db, err := database.Open(cfg.DatabaseConfig(), logger, metricsCollector)
	if err != nil {
		logger.Fatal(ctx, "[INGESTER_ERROR] Failed to connect to database", logging.Fields{}, err)
	}
	defer db.Close()

	productRepo := repository.NewProductRepository(db, logger, metricsCollector)
	ingestionService := services.NewIngestionService(productRepo, logger, metricsCollector)

	result, err := ingestionService.IngestDirectory(ctx, *dataDir, *userID, *batchSize)
	if err != nil {
		logger.Fatal(ctx, "[INGESTION_ERROR] Ingestion failed", logging.Fields{
			"data_dir": *dataDir,
		}, err)
	}

	fmt.Println(strings.Repeat("=", 80))
	fmt.Println("INGESTION COMPLETE")
	fmt.Println(strings.Repeat("=", 80))
	fmt.Printf("Total Files:        %d\n", result.TotalFiles)
	fmt.Printf("Sales Created:      %d\n", result.SalesCreated)
	fmt.Printf("Total Records:      %d\n", result.TotalRecords)
	fmt.Printf("Successful Records: %d\n", result.SuccessfulRecords)
	fmt.Printf("Failed Records:     %d\n", result.FailedRecords)
	fmt.Printf("Duration:           %v\n", result.Duration)
	if result.Duration > 0 {
		fmt.Printf("Records/Second:     %.2f\n", float64(result.SuccessfulRecords)/result.Duration.Seconds())
	}

	if len(result.Errors) > 0 {
		fmt.Printf("\nErrors (%d):\n", len(result.Errors))
		for i, errMsg := range result.Errors {
			if i < 10 {
				fmt.Printf("  - %s\n", errMsg)
			}
		}
		if len(result.Errors) > 10 {
			fmt.Printf("  ... and %d more errors\n", len(result.Errors)-10)
		}
	}

	logger.Info(ctx, "[INGESTER_COMPLETE] Ingestion completed", logging.Fields{
		"total_records":      result.TotalRecords,
		"successful_records": result.SuccessfulRecords,
		"failed_records":     result.FailedRecords,
		"duration_seconds":   result.Duration.Seconds(),
	})
}
