package models

import "time"

// DailyRecord is one cleaned station observation. Temperatures are Celsius.
// Precipitation is nil when the source value was missing or not numeric.
type DailyRecord struct {
	Date           time.Time `json:"date"`
	Precipitation  *float64  `json:"precipitation"`
	TemperatureMax float64   `json:"temperature_max"`
	TemperatureMin float64   `json:"temperature_min"`
}

// FeatureRow pairs a record with its predecessor in date-sorted order.
// Every field is present; rows with a missing value are never built.
type FeatureRow struct {
	Date               time.Time
	Precipitation      float64
	TemperatureMax     float64
	TemperatureMin     float64
	PrecipitationLag1  float64
	TemperatureMaxLag1 float64
	TemperatureMinLag1 float64
}
