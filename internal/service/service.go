// Package service serves predictions through a result cache, computing them
// with the forecast engine on a miss.
package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/kjstillabower/station-forecast-service/internal/alerts"
	"github.com/kjstillabower/station-forecast-service/internal/cache"
	"github.com/kjstillabower/station-forecast-service/internal/forecast"
	"github.com/kjstillabower/station-forecast-service/internal/locations"
	"github.com/kjstillabower/station-forecast-service/internal/models"
	"github.com/kjstillabower/station-forecast-service/internal/observability"
	"github.com/kjstillabower/station-forecast-service/internal/publish"
)

// Engine is implemented by forecast.Engine.
type Engine interface {
	PredictCurrent(ctx context.Context, locationID string) (models.CurrentPrediction, error)
	PredictForecast(ctx context.Context, locationID string, horizon int) ([]models.PredictionPoint, error)
	Today() time.Time
}

// Config holds service tuning.
type Config struct {
	TTL             time.Duration
	DefaultHorizon  int
	CoalesceEnabled bool
	CoalesceTimeout time.Duration
}

// ForecastService orchestrates cache-aside lookups for current predictions
// and labeled forecasts.
type ForecastService struct {
	engine         Engine
	table          *locations.Table
	current        *resultStore[models.CurrentPrediction]
	forecasts      *resultStore[models.ForecastResult]
	defaultHorizon int
	publisher      publish.Publisher
	clock          clockwork.Clock
	logger         *zap.Logger
}

// NewForecastService wires the service. publisher may be nil.
func NewForecastService(
	engine Engine,
	table *locations.Table,
	currentCache cache.Cache[models.CurrentPrediction],
	forecastCache cache.Cache[models.ForecastResult],
	publisher publish.Publisher,
	cfg Config,
	logger *zap.Logger,
) *ForecastService {
	if cfg.DefaultHorizon <= 0 {
		cfg.DefaultHorizon = forecast.DefaultHorizon
	}
	if publisher == nil {
		publisher = publish.NoopPublisher{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	stampede := newStampedeTracker()
	return &ForecastService{
		engine:         engine,
		table:          table,
		current:        newResultStore("current", currentCache, cfg, stampede),
		forecasts:      newResultStore("forecast", forecastCache, cfg, stampede),
		defaultHorizon: cfg.DefaultHorizon,
		publisher:      publisher,
		clock:          clockwork.NewRealClock(),
		logger:         logger,
	}
}

// WithClock replaces the clock used for generated_at. For tests.
func (s *ForecastService) WithClock(c clockwork.Clock) *ForecastService {
	s.clock = c
	return s
}

// loggerFromContext returns the request-scoped logger, or the service logger.
func (s *ForecastService) loggerFromContext(ctx context.Context) *zap.Logger {
	if v := ctx.Value("logger"); v != nil {
		if l, ok := v.(*zap.Logger); ok && l != nil {
			return l
		}
	}
	return s.logger
}

// Locations returns the supported location ids.
func (s *ForecastService) Locations() []string {
	return s.table.IDs()
}

// GetCurrent returns the next-day prediction for location.
func (s *ForecastService) GetCurrent(ctx context.Context, location string) (models.CurrentPrediction, error) {
	id, err := s.table.Resolve(location)
	if err != nil {
		return models.CurrentPrediction{}, err
	}
	observability.RecordForecastQuery("current", id)

	key := fmt.Sprintf("current:%s:%s", id, s.engine.Today().Format(models.DateLayout))
	return s.current.getOrCompute(ctx, s.loggerFromContext(ctx), key, func(ctx context.Context) (models.CurrentPrediction, error) {
		return s.engine.PredictCurrent(ctx, id)
	})
}

// GetForecast returns the labeled forecast for location. horizon <= 0 uses
// the configured default.
func (s *ForecastService) GetForecast(ctx context.Context, location string, horizon int) (models.ForecastResult, error) {
	id, err := s.table.Resolve(location)
	if err != nil {
		return models.ForecastResult{}, err
	}
	if horizon <= 0 {
		horizon = s.defaultHorizon
	}
	observability.RecordForecastQuery("forecast", id)

	key := fmt.Sprintf("forecast:%s:%s:%d", id, s.engine.Today().Format(models.DateLayout), horizon)
	return s.forecasts.getOrCompute(ctx, s.loggerFromContext(ctx), key, func(ctx context.Context) (models.ForecastResult, error) {
		return s.computeForecast(ctx, id, horizon)
	})
}

// WarmLocation computes and caches both result kinds for location.
// Implements cache.Fetcher.
func (s *ForecastService) WarmLocation(ctx context.Context, location string) error {
	_, curErr := s.GetCurrent(ctx, location)
	_, fcErr := s.GetForecast(ctx, location, 0)
	return errors.Join(curErr, fcErr)
}

func (s *ForecastService) computeForecast(ctx context.Context, id string, horizon int) (models.ForecastResult, error) {
	points, err := s.engine.PredictForecast(ctx, id, horizon)
	if err != nil {
		return models.ForecastResult{}, err
	}

	labeled := alerts.Label(points)
	result := models.ForecastResult{
		Location:    id,
		GeneratedAt: s.clock.Now().UTC(),
		Days:        make([]models.ForecastDay, len(points)),
		SafetyLinks: alerts.LinkURLs(labeled.Links),
	}
	for i, p := range points {
		for _, a := range labeled.Days[i] {
			observability.AlertsLabeledTotal.WithLabelValues(a.String()).Inc()
		}
		result.Days[i] = models.ForecastDay{
			Date:           p.Date.Format(models.DateLayout),
			TemperatureMax: p.TemperatureMax,
			TemperatureMin: p.TemperatureMin,
			Precipitation:  p.Precipitation,
			Alert:          alerts.Text(labeled.Days[i]),
			Alerts:         alerts.Strings(labeled.Days[i]),
		}
	}

	if result.HasAlerts() {
		if err := s.publisher.PublishAlerts(ctx, result); err != nil {
			s.loggerFromContext(ctx).Warn("alert event publish failed", zap.String("location", id), zap.Error(err))
		}
	}
	return result, nil
}

// resultStore is the cache-aside path for one result kind.
type resultStore[T any] struct {
	kind      string
	cache     cache.Cache[T]
	ttl       time.Duration
	coalescer *requestCoalescer[T]
	stampede  *stampedeTracker
}

func newResultStore[T any](kind string, c cache.Cache[T], cfg Config, stampede *stampedeTracker) *resultStore[T] {
	rs := &resultStore[T]{kind: kind, cache: c, ttl: cfg.TTL, stampede: stampede}
	if cfg.CoalesceEnabled && cfg.CoalesceTimeout > 0 {
		rs.coalescer = newRequestCoalescer[T](cfg.CoalesceTimeout)
	}
	return rs
}

// getOrCompute returns the cached value for key or computes and stores it.
// Cache errors are counted and logged but never fail the request.
func (rs *resultStore[T]) getOrCompute(ctx context.Context, logger *zap.Logger, key string, compute func(context.Context) (T, error)) (T, error) {
	start := time.Now()

	getStart := time.Now()
	cached, ok, err := rs.cache.Get(ctx, key)
	getDuration := time.Since(getStart).Seconds()
	if err != nil {
		observability.CacheErrorsTotal.WithLabelValues("get", categorizeCacheError(err)).Inc()
		observability.CacheOperationDurationSeconds.WithLabelValues("get", "error").Observe(getDuration)
		logger.Warn("cache get failed", zap.String("key", key), zap.Error(err))
	} else if ok {
		observability.CacheOperationDurationSeconds.WithLabelValues("get", "success").Observe(getDuration)
		observability.CacheHitsTotal.WithLabelValues(rs.kind).Inc()
		logger.Debug("result served", zap.String("key", key), zap.Bool("cached", true), zap.Duration("duration", time.Since(start)))
		return cached, nil
	} else {
		observability.CacheOperationDurationSeconds.WithLabelValues("get", "success").Observe(getDuration)
	}
	observability.CacheMissesTotal.WithLabelValues(rs.kind).Inc()

	concurrentMisses := rs.stampede.RecordMiss(key)
	defer rs.stampede.Resolve(key)
	locLabel := observability.MetricLocationLabel(key)
	if concurrentMisses > 1 {
		observability.CacheStampedeDetectedTotal.WithLabelValues(locLabel).Inc()
		observability.CacheStampedeConcurrency.WithLabelValues(locLabel).Observe(float64(concurrentMisses))
	}

	var value T
	if rs.coalescer != nil {
		coalesceStart := time.Now()
		var shared bool
		value, shared, err = rs.coalescer.GetOrDo(ctx, key, func(ctx context.Context) (T, error) {
			return rs.computeAndStore(ctx, logger, key, compute)
		})
		if shared {
			observability.RequestCoalescingHitsTotal.WithLabelValues(locLabel).Inc()
			observability.RequestCoalescingWaitSeconds.Observe(time.Since(coalesceStart).Seconds())
		}
	} else {
		value, err = rs.computeAndStore(ctx, logger, key, compute)
	}
	if err != nil {
		var zero T
		return zero, err
	}
	logger.Debug("result served", zap.String("key", key), zap.Bool("cached", false), zap.Duration("duration", time.Since(start)))
	return value, nil
}

func (rs *resultStore[T]) computeAndStore(ctx context.Context, logger *zap.Logger, key string, compute func(context.Context) (T, error)) (T, error) {
	value, err := compute(ctx)
	if err != nil {
		return value, err
	}

	setStart := time.Now()
	if setErr := rs.cache.Set(ctx, key, value, rs.ttl); setErr != nil {
		observability.CacheErrorsTotal.WithLabelValues("set", categorizeCacheError(setErr)).Inc()
		observability.CacheOperationDurationSeconds.WithLabelValues("set", "error").Observe(time.Since(setStart).Seconds())
		logger.Warn("cache set failed", zap.String("key", key), zap.Error(setErr))
	} else {
		observability.CacheOperationDurationSeconds.WithLabelValues("set", "success").Observe(time.Since(setStart).Seconds())
	}
	return value, nil
}

// categorizeCacheError returns a stable label for cache error metrics (timeout, connection, unknown).
func categorizeCacheError(err error) string {
	if err == nil {
		return "unknown"
	}
	errStr := err.Error()
	if strings.Contains(errStr, "timeout") {
		return "timeout"
	}
	if strings.Contains(errStr, "connection") || strings.Contains(errStr, "network") {
		return "connection"
	}
	return "unknown"
}
