// Package records loads station observations and cleans them into
// Celsius daily records for one location.
package records

import (
	"context"
	"fmt"
	"math"
	"slices"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/kjstillabower/station-forecast-service/internal/locations"
	"github.com/kjstillabower/station-forecast-service/internal/models"
	"github.com/kjstillabower/station-forecast-service/internal/observability"
)

// dateLayouts are tried in order when parsing the DATE column.
var dateLayouts = []string{
	"2006-01-02",
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006/01/02",
	"01/02/2006",
	"1/2/2006",
}

// Store filters and cleans raw rows for a single supported location.
type Store struct {
	source Source
	table  *locations.Table
	logger *zap.Logger
}

// NewStore creates a Store. A nil logger disables logging.
func NewStore(source Source, table *locations.Table, logger *zap.Logger) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{source: source, table: table, logger: logger}
}

// LoadAndClean returns the cleaned, date-sorted records for locationID.
// Rows with missing temperatures or unparseable dates are dropped silently.
func (s *Store) LoadAndClean(ctx context.Context, locationID string) ([]models.DailyRecord, error) {
	id := locations.Canonical(locationID)
	if _, ok := s.table.Lookup(id); !ok {
		return nil, &models.UnsupportedLocationError{Location: id}
	}

	start := time.Now()
	rows, err := s.source.Rows(ctx)
	if err != nil {
		observability.RecordSourceReadsTotal.WithLabelValues("error").Inc()
		return nil, fmt.Errorf("read records: %w", err)
	}
	observability.RecordSourceReadsTotal.WithLabelValues("success").Inc()
	observability.RecordSourceDuration.Observe(time.Since(start).Seconds())

	var (
		out         []models.DailyRecord
		badDate     int
		missingTemp int
	)
	for _, r := range rows {
		if LocationFromName(r.Name) != id {
			continue
		}
		date, ok := parseDate(r.Date)
		if !ok {
			badDate++
			continue
		}
		tmax := parseNumber(r.TemperatureMax)
		tmin := parseNumber(r.TemperatureMin)
		if tmax == nil || tmin == nil {
			missingTemp++
			continue
		}
		out = append(out, models.DailyRecord{
			Date:           date,
			Precipitation:  parseNumber(r.Precipitation),
			TemperatureMax: FahrenheitToCelsius(*tmax),
			TemperatureMin: FahrenheitToCelsius(*tmin),
		})
	}

	slices.SortStableFunc(out, func(a, b models.DailyRecord) int {
		return a.Date.Compare(b.Date)
	})

	if badDate > 0 {
		observability.RecordsDroppedTotal.WithLabelValues("bad_date").Add(float64(badDate))
	}
	if missingTemp > 0 {
		observability.RecordsDroppedTotal.WithLabelValues("missing_temperature").Add(float64(missingTemp))
	}
	s.logger.Debug("records cleaned",
		zap.String("location", id),
		zap.Int("kept", len(out)),
		zap.Int("dropped_bad_date", badDate),
		zap.Int("dropped_missing_temperature", missingTemp))
	return out, nil
}

// LocationFromName derives the canonical location id from a compound station
// name such as "WINDHOEK, WA": the text before the first comma, trimmed and upper-cased.
func LocationFromName(name string) string {
	head, _, _ := strings.Cut(name, ",")
	return locations.Canonical(head)
}

// FahrenheitToCelsius converts f degrees Fahrenheit to Celsius.
func FahrenheitToCelsius(f float64) float64 {
	return (f - 32) * 5 / 9
}

// parseNumber coerces s to a number; empty, non-numeric, and NaN values are missing.
func parseNumber(s string) *float64 {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil || math.IsNaN(v) {
		return nil
	}
	return &v
}

func parseDate(s string) (time.Time, bool) {
	s = strings.TrimSpace(s)
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC), true
		}
	}
	return time.Time{}, false
}
