// Package forecast turns a location's cleaned records into predictions.
package forecast

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/kjstillabower/station-forecast-service/internal/features"
	"github.com/kjstillabower/station-forecast-service/internal/locations"
	"github.com/kjstillabower/station-forecast-service/internal/models"
	"github.com/kjstillabower/station-forecast-service/internal/observability"
	"github.com/kjstillabower/station-forecast-service/internal/predictor"
)

// DefaultHorizon is the number of forecast days when the caller asks for none.
const DefaultHorizon = 7

// RecordLoader is implemented by records.Store.
type RecordLoader interface {
	LoadAndClean(ctx context.Context, locationID string) ([]models.DailyRecord, error)
}

// PredictorProvider is implemented by predictor.Registry.
type PredictorProvider interface {
	Predictor(ctx context.Context, locationID string) (predictor.Predictor, error)
}

// Engine runs the record -> feature -> predictor pipeline.
type Engine struct {
	records    RecordLoader
	predictors PredictorProvider
	table      *locations.Table
	clock      clockwork.Clock
	tz         *time.Location
	logger     *zap.Logger
}

// Option configures an Engine.
type Option func(*Engine)

// WithClock sets the clock that defines "today".
func WithClock(c clockwork.Clock) Option {
	return func(e *Engine) { e.clock = c }
}

// WithTimezone sets the zone forecast dates are computed in.
func WithTimezone(tz *time.Location) Option {
	return func(e *Engine) { e.tz = tz }
}

// WithLogger sets the fallback logger used when the context carries none.
func WithLogger(l *zap.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

// New creates an Engine. Defaults: real clock, UTC, no-op logger.
func New(records RecordLoader, predictors PredictorProvider, table *locations.Table, opts ...Option) *Engine {
	e := &Engine{
		records:    records,
		predictors: predictors,
		table:      table,
		clock:      clockwork.NewRealClock(),
		tz:         time.UTC,
		logger:     zap.NewNop(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Today returns midnight of the current day in the engine's timezone.
func (e *Engine) Today() time.Time {
	now := e.clock.Now().In(e.tz)
	return time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, e.tz)
}

// PredictCurrent predicts the next day from the most recent feature row.
func (e *Engine) PredictCurrent(ctx context.Context, locationID string) (models.CurrentPrediction, error) {
	id, rows, err := e.featureRows(ctx, locationID)
	if err != nil {
		return models.CurrentPrediction{}, err
	}
	p, err := e.predictorFor(ctx, id)
	if err != nil {
		return models.CurrentPrediction{}, err
	}

	out, err := e.predict(ctx, p, id, rows[len(rows)-1])
	if err != nil {
		return models.CurrentPrediction{}, err
	}
	e.loggerFor(ctx).Debug("current prediction computed",
		zap.String("location", id),
		zap.Int("feature_rows", len(rows)))
	return models.CurrentPrediction{
		Location:       id,
		TemperatureMax: round2(out[0]),
		TemperatureMin: round2(out[1]),
		Precipitation:  round2(out[2]),
	}, nil
}

// PredictForecast predicts min(horizon, feature rows) days. Each day is
// predicted from its own historical feature row, not from the previous
// day's output. The oldest selected row maps to tomorrow.
func (e *Engine) PredictForecast(ctx context.Context, locationID string, horizon int) ([]models.PredictionPoint, error) {
	if horizon <= 0 {
		horizon = DefaultHorizon
	}
	id, rows, err := e.featureRows(ctx, locationID)
	if err != nil {
		return nil, err
	}
	p, err := e.predictorFor(ctx, id)
	if err != nil {
		return nil, err
	}

	selected := rows[max(0, len(rows)-horizon):]
	tomorrow := e.Today().AddDate(0, 0, 1)
	points := make([]models.PredictionPoint, 0, len(selected))
	for i, row := range selected {
		out, err := e.predict(ctx, p, id, row)
		if err != nil {
			return nil, err
		}
		points = append(points, models.PredictionPoint{
			Date:           tomorrow.AddDate(0, 0, i),
			TemperatureMax: round2(out[0]),
			TemperatureMin: round2(out[1]),
			Precipitation:  round2(out[2]),
		})
	}
	e.loggerFor(ctx).Debug("forecast computed",
		zap.String("location", id),
		zap.Int("horizon", horizon),
		zap.Int("days", len(points)),
		zap.Int("feature_rows", len(rows)))
	return points, nil
}

func (e *Engine) featureRows(ctx context.Context, locationID string) (string, []models.FeatureRow, error) {
	id, err := e.table.Resolve(locationID)
	if err != nil {
		return "", nil, err
	}
	recs, err := e.records.LoadAndClean(ctx, id)
	if err != nil {
		return "", nil, fmt.Errorf("load records for %s: %w", id, err)
	}
	rows := features.Build(recs)
	if len(rows) == 0 {
		return "", nil, fmt.Errorf("%w: %s has %d usable records", models.ErrInsufficientData, id, len(recs))
	}
	return id, rows, nil
}

func (e *Engine) predictorFor(ctx context.Context, id string) (predictor.Predictor, error) {
	p, err := e.predictors.Predictor(ctx, id)
	if err != nil {
		observability.PredictorErrorsTotal.WithLabelValues(string(predictor.CategorizeError(err))).Inc()
		return nil, fmt.Errorf("%w: %s: %w", models.ErrPredictorFailure, id, err)
	}
	return p, nil
}

func (e *Engine) predict(ctx context.Context, p predictor.Predictor, id string, row models.FeatureRow) ([]float64, error) {
	out, err := p.Predict(ctx, features.Vector(row))
	if err == nil {
		err = predictor.ValidateOutput(out)
	}
	if err != nil {
		observability.PredictorErrorsTotal.WithLabelValues(string(predictor.CategorizeError(err))).Inc()
		return nil, fmt.Errorf("%w: %s on %s: %w", models.ErrPredictorFailure, id, row.Date.Format(models.DateLayout), err)
	}
	return out, nil
}

func (e *Engine) loggerFor(ctx context.Context) *zap.Logger {
	if l, ok := ctx.Value("logger").(*zap.Logger); ok && l != nil {
		return l
	}
	return e.logger
}

// round2 rounds the exact binary value to two decimals, ties to even.
// Scaling by 100 first would round twice and push values like 47.995
// (stored just below) over alert thresholds.
func round2(v float64) float64 {
	r, err := strconv.ParseFloat(strconv.FormatFloat(v, 'f', 2, 64), 64)
	if err != nil {
		return v
	}
	return r
}
