package main

import (
	"context"
	"fmt"
	"time"

	"github.com/bradfitz/gomemcache/memcache"
	"github.com/gorilla/mux"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/kjstillabower/station-forecast-service/internal/cache"
	"github.com/kjstillabower/station-forecast-service/internal/circuitbreaker"
	"github.com/kjstillabower/station-forecast-service/internal/config"
	"github.com/kjstillabower/station-forecast-service/internal/forecast"
	httphandler "github.com/kjstillabower/station-forecast-service/internal/http"
	"github.com/kjstillabower/station-forecast-service/internal/lifecycle"
	"github.com/kjstillabower/station-forecast-service/internal/locations"
	"github.com/kjstillabower/station-forecast-service/internal/models"
	"github.com/kjstillabower/station-forecast-service/internal/observability"
	"github.com/kjstillabower/station-forecast-service/internal/predictor"
	"github.com/kjstillabower/station-forecast-service/internal/publish"
	"github.com/kjstillabower/station-forecast-service/internal/records"
	"github.com/kjstillabower/station-forecast-service/internal/service"
)

var version = "dev"

// pingableSource is a records.Source with a readiness check.
type pingableSource interface {
	records.Source
	Ping(ctx context.Context) error
}

// application holds the wired components and the resources to release on shutdown.
type application struct {
	table     *locations.Table
	service   *service.ForecastService
	router    *mux.Router
	warmer    *cache.Warmer
	publisher publish.Publisher
	mcClient  *memcache.Client
	sqlite    *records.SQLiteSource
}

// newApplication builds the pipeline and HTTP router from cfg. It does not
// start listeners or schedules.
func newApplication(cfg *config.Config, logger *zap.Logger) (*application, error) {
	table, err := locations.NewTable(cfg.Locations)
	if err != nil {
		return nil, fmt.Errorf("locations: %w", err)
	}
	app := &application{table: table}

	var source pingableSource
	switch cfg.RecordsBackend {
	case "sqlite":
		app.sqlite, err = records.OpenSQLite(cfg.RecordsSQLitePath)
		if err != nil {
			return nil, fmt.Errorf("records sqlite: %w", err)
		}
		source = app.sqlite
		logger.Info("records backend: sqlite", zap.String("path", cfg.RecordsSQLitePath))
	default:
		source = records.NewCSVSource(cfg.RecordsCSVPath)
		logger.Info("records backend: csv", zap.String("path", cfg.RecordsCSVPath))
	}
	store := records.NewStore(source, table, logger)

	var breaker *circuitbreaker.CircuitBreaker
	var loader predictor.Loader
	switch cfg.PredictorBackend {
	case "remote":
		if cfg.CircuitBreakerEnabled {
			breaker = circuitbreaker.New(circuitbreaker.Config{
				FailureThreshold: cfg.CircuitBreakerFailureThreshold,
				SuccessThreshold: cfg.CircuitBreakerSuccessThreshold,
				Timeout:          cfg.CircuitBreakerTimeout,
				Component:        "model_server",
				OnStateChange: func(component string, from, to circuitbreaker.State) {
					observability.RecordCircuitBreakerTransition(component, to.String())
					observability.SetCircuitBreakerStateGauge(component, int(to))
					logger.Warn("circuit breaker state change",
						zap.String("component", component),
						zap.String("from", from.String()),
						zap.String("to", to.String()))
				},
			})
			observability.SetCircuitBreakerStateGauge("model_server", int(circuitbreaker.StateClosed))
			logger.Info("circuit breaker enabled", zap.Int("failure_threshold", cfg.CircuitBreakerFailureThreshold), zap.Duration("timeout", cfg.CircuitBreakerTimeout))
		}
		loader = predictor.RemoteLoader(predictor.RemoteConfig{
			BaseURL:        cfg.PredictorURL,
			APIKey:         cfg.PredictorAPIKey,
			Timeout:        cfg.PredictorTimeout,
			RetryAttempts:  cfg.RetryAttempts,
			RetryBaseDelay: cfg.RetryBaseDelay,
			RetryMaxDelay:  cfg.RetryMaxDelay,
		}, breaker)
		logger.Info("predictor backend: remote", zap.String("url", cfg.PredictorURL))
	default:
		loader = predictor.ArtifactLoader(cfg.ArtifactDir)
		logger.Info("predictor backend: artifact", zap.String("dir", cfg.ArtifactDir))
	}
	registry := predictor.NewRegistry(table, loader)
	if cfg.WarmPredictors {
		warmCtx, warmCancel := context.WithTimeout(context.Background(), cfg.PredictorTimeout*time.Duration(len(table.IDs())+1))
		if err := registry.Warm(warmCtx); err != nil {
			logger.Warn("predictor warm-up incomplete", zap.Error(err))
		}
		warmCancel()
	}

	engine := forecast.New(store, registry, table,
		forecast.WithTimezone(cfg.TimeLocation()),
		forecast.WithLogger(logger),
	)

	var currentCache cache.Cache[models.CurrentPrediction]
	var forecastCache cache.Cache[models.ForecastResult]
	switch cfg.CacheBackend {
	case "memcached":
		app.mcClient = cache.NewMemcachedClient(cfg.MemcachedAddrs, cfg.MemcachedTimeout, cfg.MemcachedMaxIdleConns)
		currentCache = cache.NewMemcachedCache[models.CurrentPrediction](app.mcClient)
		forecastCache = cache.NewMemcachedCache[models.ForecastResult](app.mcClient)
		logger.Info("cache backend: memcached", zap.String("addrs", cfg.MemcachedAddrs))
	default:
		currentCache = cache.NewInMemoryCache[models.CurrentPrediction]()
		forecastCache = cache.NewInMemoryCache[models.ForecastResult]()
		logger.Info("cache backend: in_memory")
	}

	app.publisher = publish.NoopPublisher{}
	if cfg.AlertsEnabled {
		app.publisher = publish.NewKafkaPublisher(publish.KafkaConfig{
			Brokers: cfg.KafkaBrokers,
			Topic:   cfg.KafkaTopic,
			Timeout: cfg.KafkaTimeout,
		}, logger)
		logger.Info("alert publishing enabled", zap.Strings("brokers", cfg.KafkaBrokers), zap.String("topic", cfg.KafkaTopic))
	}

	app.service = service.NewForecastService(engine, table, currentCache, forecastCache, app.publisher, service.Config{
		TTL:             cfg.CacheTTL,
		DefaultHorizon:  cfg.DefaultHorizon,
		CoalesceEnabled: cfg.CoalesceEnabled,
		CoalesceTimeout: cfg.CoalesceTimeout,
	}, logger)

	if cfg.WarmCache {
		app.warmer = cache.NewWarmer(app.service, table.IDs(), cfg.WarmTimeout, logger)
	}

	healthConfig := &httphandler.HealthConfig{
		Thresholds: lifecycle.Thresholds{
			OverloadWindow:       cfg.OverloadWindow,
			OverloadThresholdPct: cfg.OverloadThresholdPct,
			RateLimitRPS:         cfg.RateLimitRPS,
			DegradedWindow:       cfg.DegradedWindow,
			DegradedErrorPct:     cfg.DegradedErrorPct,
		},
		Version:    version,
		SourcePing: source.Ping,
	}
	if app.mcClient != nil {
		healthConfig.CachePing = app.mcClient.Ping
	}
	if breaker != nil {
		healthConfig.PredictorCheck = func() error {
			if breaker.State() == circuitbreaker.StateOpen {
				return circuitbreaker.ErrOpen
			}
			return nil
		}
	}

	var limiter *rate.Limiter
	if cfg.RateLimitRPS > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.RateLimitRPS), cfg.RateLimitBurst)
	}
	handler := httphandler.NewHandler(app.service, healthConfig, logger, httphandler.Limits{
		LocationMinLength: cfg.LocationMinLength,
		LocationMaxLength: cfg.LocationMaxLength,
		MaxHorizon:        cfg.MaxHorizon,
	})

	observability.RegisterRateLimitGauges(cfg.OverloadWindow)
	if len(cfg.TrackedLocations) > 0 {
		observability.SetTrackedLocations(cfg.TrackedLocations)
	}

	app.router = newRouter(handler, limiter, cfg.RequestTimeout, logger)
	return app, nil
}

// newRouter registers every route. Prediction routes are rate limited and
// bounded by requestTimeout.
func newRouter(handler *httphandler.Handler, limiter *rate.Limiter, requestTimeout time.Duration, logger *zap.Logger) *mux.Router {
	router := mux.NewRouter()
	router.Use(httphandler.CorrelationIDMiddleware(logger))
	router.Use(httphandler.MetricsMiddleware)
	router.HandleFunc("/health", handler.GetHealth).Methods("GET")
	router.Handle("/metrics", observability.MetricsHandler())
	router.HandleFunc("/locations", handler.GetLocations).Methods("GET")

	predictMiddleware := []mux.MiddlewareFunc{
		httphandler.RateLimitMiddleware(limiter),
		httphandler.TimeoutMiddleware(requestTimeout),
	}
	weatherRouter := router.PathPrefix("/weather").Subrouter()
	weatherRouter.Use(predictMiddleware...)
	weatherRouter.HandleFunc("/{location}/current", handler.GetCurrent).Methods("GET")
	weatherRouter.HandleFunc("/{location}/forecast", handler.GetForecast).Methods("GET")

	formRouter := router.Methods("POST").Subrouter()
	formRouter.Use(predictMiddleware...)
	formRouter.HandleFunc("/current_weather", handler.PostCurrentWeather)
	formRouter.HandleFunc("/forecast", handler.PostForecast)
	return router
}

// close releases the publisher, cache client and record database.
func (a *application) close(logger *zap.Logger) {
	if a.warmer != nil {
		a.warmer.Stop()
	}
	if err := a.publisher.Close(); err != nil {
		logger.Error("alert publisher close", zap.Error(err))
	}
	if a.mcClient != nil {
		if err := a.mcClient.Close(); err != nil {
			logger.Error("memcached close", zap.Error(err))
		}
	}
	if a.sqlite != nil {
		if err := a.sqlite.Close(); err != nil {
			logger.Error("records close", zap.Error(err))
		}
	}
}
