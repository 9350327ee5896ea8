package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"demand-forecast/internal/config"
	"demand-forecast/migrations"
	"demand-forecast/pkg/database"
	"demand-forecast/pkg/logging"
	"demand-forecast/pkg/metrics"
)

func main() {
	directionFlag := flag.String("direction", "up", "Migration direction: up or down")
	flag.Parse()

	direction, err := migrations.ParseDirection(*directionFlag)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	cfg, err := config.LoadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	logger := logging.NewStructuredLogger("forecast-migrate", "1.0.0", cfg.LogLevel())
	ctx := context.Background()

	db, err := database.Open(cfg.DatabaseConfig(), logger, metrics.NewCollector("forecast_migrate"))
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to connect to database: %v\n", err)
		os.Exit(1)
	}
	defer db.Close()

	fmt.Println("Connected to database successfully")

	if err := migrations.Apply(ctx, db, direction, logger); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to execute migration: %v\n", err)
		os.Exit(1)
	}

	fmt.Println("Migration completed successfully")
}
