// Package features derives lag-1 feature rows from cleaned daily records.
package features

import "github.com/kjstillabower/station-forecast-service/internal/models"

// Names is the predictor input order. Predictors are order-sensitive.
var Names = []string{
	"precipitation",
	"temperature_min",
	"precipitation_lag1",
	"temperature_max_lag1",
	"temperature_min_lag1",
}

// Build pairs every record after the first with its predecessor in the
// given order. Rows where the current or lagged precipitation is missing
// are dropped. records must already be sorted by date.
func Build(records []models.DailyRecord) []models.FeatureRow {
	if len(records) < 2 {
		return nil
	}
	rows := make([]models.FeatureRow, 0, len(records)-1)
	for i := 1; i < len(records); i++ {
		cur, prev := records[i], records[i-1]
		if cur.Precipitation == nil || prev.Precipitation == nil {
			continue
		}
		rows = append(rows, models.FeatureRow{
			Date:               cur.Date,
			Precipitation:      *cur.Precipitation,
			TemperatureMax:     cur.TemperatureMax,
			TemperatureMin:     cur.TemperatureMin,
			PrecipitationLag1:  *prev.Precipitation,
			TemperatureMaxLag1: prev.TemperatureMax,
			TemperatureMinLag1: prev.TemperatureMin,
		})
	}
	return rows
}

// Vector returns the predictor input for row in Names order.
func Vector(row models.FeatureRow) []float64 {
	return []float64{
		row.Precipitation,
		row.TemperatureMin,
		row.PrecipitationLag1,
		row.TemperatureMaxLag1,
		row.TemperatureMinLag1,
	}
}
