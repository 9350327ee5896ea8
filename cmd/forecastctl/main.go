package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"demand-forecast/internal/config"
	"demand-forecast/internal/forecast"
	"demand-forecast/internal/models"
	"demand-forecast/internal/repository"
	"demand-forecast/internal/services"
	"demand-forecast/pkg/database"
	"demand-forecast/pkg/logging"
	"demand-forecast/pkg/metrics"
)

var (
	// Global flags
	verbose   bool
	gapPolicy string

	// Input selection
	userID    int64
	inputFile string
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "forecastctl",
		Short: "Run next-day demand forecasts from the command line",
		Long: `Runs the demand forecast pipeline against a user's stored sales or
against a local CSV/XLSX export, and prints the JSON the API would return.`,
		SilenceUsage: true,
	}

	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Log pipeline progress to stderr")
	rootCmd.PersistentFlags().StringVar(&gapPolicy, "gap-policy", "", "Override FORECAST_GAP_POLICY (missing or zero)")
	rootCmd.PersistentFlags().Int64VarP(&userID, "user-id", "u", 0, "Read the stored sales of this user")
	rootCmd.PersistentFlags().StringVarP(&inputFile, "file", "f", "", "Read sales from a .csv or .xlsx export instead of the database")

	rootCmd.AddCommand(forecastCmd())
	rootCmd.AddCommand(seriesCmd())

	return rootCmd
}

// forecastCmd prints the forecast payload of one user or file
func forecastCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "forecast",
		Short: "Forecast next-day demand for every product",
		RunE: func(cmd *cobra.Command, args []string) error {
			env, err := setup(cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			defer env.close()

			ctx := context.Background()
			pipeline := forecast.NewPipeline(forecast.NewOrchestrator(env.engine, env.logger, env.metrics), env.logger, env.metrics)
			service := services.NewForecastService(pipeline, env.source, env.cfg.Server.ForecastTimeout, env.logger)

			result, err := service.Forecast(ctx, env.userID)
			if err != nil {
				printJSON(cmd.OutOrStdout(), models.ForecastErrorResponse{Error: err.Error()})
				return err
			}

			return printJSON(cmd.OutOrStdout(), models.ForecastResponse{Products: result})
		},
	}
}

// seriesCmd prints what the engine would see for each product
func seriesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "series",
		Short: "Summarize the daily series of every product",
		RunE: func(cmd *cobra.Command, args []string) error {
			env, err := setup(cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			defer env.close()

			service := services.NewSeriesService(env.source, env.engine.Config().MinObservations, env.logger)
			summaries, err := service.Summaries(context.Background(), env.userID)
			if err != nil {
				printJSON(cmd.OutOrStdout(), models.ForecastErrorResponse{Error: err.Error()})
				return err
			}

			return printJSON(cmd.OutOrStdout(), summaries)
		},
	}
}

type environment struct {
	cfg     *config.Config
	logger  *logging.StructuredLogger
	metrics *metrics.Collector
	engine  *forecast.Engine
	source  forecast.RecordSource
	userID  int64
	close   func()
}

// setup resolves the configuration, the engine and the record source
// selected by the flags. Exactly one of --user-id and --file is required.
func setup(logOutput io.Writer) (*environment, error) {
	if (userID > 0) == (inputFile != "") {
		return nil, fmt.Errorf("exactly one of --user-id or --file is required")
	}

	cfg, err := config.LoadConfig()
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	if gapPolicy != "" {
		cfg.Forecast.GapPolicy = gapPolicy
	}

	logger := logging.NewNopLogger()
	if verbose {
		logger = logging.NewStructuredLogger("forecastctl", "1.0.0", logging.DebugLevel)
		logger.SetOutput(logOutput)
	}
	collector := metrics.NewCollectorWithRegistry("forecastctl", prometheus.NewRegistry())

	engineConfig, err := cfg.EngineConfig()
	if err != nil {
		return nil, fmt.Errorf("invalid forecast configuration: %w", err)
	}
	engine, err := forecast.NewEngine(engineConfig, collector)
	if err != nil {
		return nil, err
	}

	env := &environment{
		cfg:     cfg,
		logger:  logger,
		metrics: collector,
		engine:  engine,
		close:   func() {},
	}

	if inputFile != "" {
		records, err := services.ReadRawRecords(inputFile)
		if err != nil {
			return nil, fmt.Errorf("failed to read %s: %w", inputFile, err)
		}
		env.userID = 1
		env.source = forecast.StaticSource{env.userID: records}
		return env, nil
	}

	db, err := database.Open(cfg.DatabaseConfig(), logger, collector)
	if err != nil {
		return nil, err
	}
	env.userID = userID
	env.source = repository.NewProductRepository(db, logger, collector)
	env.close = func() { db.Close() }

	return env, nil
}

func printJSON(w io.Writer, v interface{}) error {
	encoder := json.NewEncoder(w)
	encoder.SetIndent("", "  ")
	return encoder.Encode(v)
}
