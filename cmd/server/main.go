package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"demand-forecast/internal/cache"
	"demand-forecast/internal/config"
	"demand-forecast/internal/forecast"
	"demand-forecast/internal/handlers"
	"demand-forecast/internal/repository"
	"demand-forecast/internal/services"
	"demand-forecast/pkg/database"
	"demand-forecast/pkg/logging"
	"demand-forecast/pkg/metrics"
)

const version = "1.0.0"

func main() {
	// Load configuration
	cfg, err := config.LoadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "Invalid configuration: %v\n", err)
		os.Exit(1)
	}

	logger := logging.NewStructuredLogger("forecast-api", version, cfg.LogLevel())

	ctx := context.Background()
	logger.Info(ctx, "[STARTUP] Starting demand forecast API server", logging.Fields{
		"version":     version,
		"server_host": cfg.Server.Host,
		"server_port": cfg.Server.Port,
		"db_driver":   cfg.Database.Driver,
		"db_name":     cfg.Database.Database,
		"gap_policy":  cfg.Forecast.GapPolicy,
	})

	metricsCollector := metrics.NewCollector("demand_forecast")

	db, err := database.Open(cfg.DatabaseConfig(), logger, metricsCollector)
	if err != nil {
		logger.Fatal(ctx, "[STARTUP_ERROR] Failed to connect to database", logging.Fields{}, err)
	}
	defer db.Close()

	productRepo := repository.NewProductRepository(db, logger, metricsCollector)

	// Forecast pipeline
	engineConfig, err := cfg.EngineConfig()
	if err != nil {
		logger.Fatal(ctx, "[STARTUP_ERROR] Invalid forecast configuration", logging.Fields{}, err)
	}

	engine, err := forecast.NewEngine(engineConfig, metricsCollector)
	if err != nil {
		logger.Fatal(ctx, "[STARTUP_ERROR] Failed to create forecast engine", logging.Fields{}, err)
	}

	orchestrator := forecast.NewOrchestrator(engine, logger, metricsCollector)
	pipeline := forecast.NewPipeline(orchestrator, logger, metricsCollector)

	salesService := services.NewSalesService(productRepo, logger, metricsCollector)

	var resultCache *cache.ForecastCache
	if cfg.Cache.Enabled {
		resultCache, err = cache.NewForecastCache(cfg.Cache.Size, cfg.Cache.TTL, metricsCollector)
		if err != nil {
			logger.Fatal(ctx, "[STARTUP_ERROR] Failed to create forecast cache", logging.Fields{}, err)
		}
		pipeline.WithCache(resultCache)
		salesService.OnStored(func(userID int64) {
			resultCache.InvalidateUser(userID)
		})
	}

	forecastService := services.NewForecastService(pipeline, productRepo, cfg.Server.ForecastTimeout, logger)
	seriesService := services.NewSeriesService(productRepo, engineConfig.MinObservations, logger)

	forecastHandler := handlers.NewForecastHandler(forecastService, seriesService, salesService, productRepo, logger, metricsCollector)

	var limiter *handlers.RateLimiter
	if cfg.RateLimit.Enabled {
		limiter = handlers.NewRateLimiter(cfg.RateLimit.RequestsPerSecond, cfg.RateLimit.Burst, logger, metricsCollector)
	}

	router := mux.NewRouter()
	router.Use(handlers.RequestIDMiddleware)
	forecastHandler.RegisterRoutes(router, limiter)
	router.Handle("/metrics", promhttp.Handler())

	server := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	stopCleanup := make(chan struct{})
	if resultCache != nil {
		go runCacheCleanup(ctx, resultCache, cfg.Cache.TTL, stopCleanup, logger)
	}

	go func() {
		logger.Info(ctx, "[SERVER_START] HTTP server listening", logging.Fields{
			"address": server.Addr,
		})

		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal(ctx, "[SERVER_ERROR] Server failed", logging.Fields{}, err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info(ctx, "[SHUTDOWN] Shutting down server...", logging.Fields{})
	close(stopCleanup)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error(ctx, "[SHUTDOWN_ERROR] Server forced to shutdown", logging.Fields{}, err)
	}

	logger.Info(ctx, "[SHUTDOWN_COMPLETE] Server stopped", logging.Fields{})
}

// runCacheCleanup drops expired forecasts once per ttl until stop is closed
func runCacheCleanup(ctx context.Context, c *cache.ForecastCache, ttl time.Duration, stop <-chan struct{}, logger *logging.StructuredLogger) {
	if ttl <= 0 {
		return
	}

	ticker := time.NewTicker(ttl)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			if removed := c.CleanupExpired(); removed > 0 {
				stats := c.Stats()
				logger.Debug(ctx, "[CACHE_CLEANUP] Expired forecasts removed", logging.Fields{
					"removed": removed,
					"size":    stats.Size,
				})
			}
		}
	}
}
