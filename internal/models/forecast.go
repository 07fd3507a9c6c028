package models

import "time"

// DateLayout is the wire format for forecast dates.
const DateLayout = "2006-01-02"

// PredictionPoint is one predicted day, values rounded to 2 decimals.
type PredictionPoint struct {
	Date           time.Time
	TemperatureMax float64
	TemperatureMin float64
	Precipitation  float64
}

// CurrentPrediction is the next-day prediction served by the current endpoint.
type CurrentPrediction struct {
	Location       string  `json:"location"`
	TemperatureMax float64 `json:"temperature_max"`
	TemperatureMin float64 `json:"temperature_min"`
	Precipitation  float64 `json:"precipitation"`
}

// ForecastDay is a predicted day with its rendered alert label.
type ForecastDay struct {
	Date           string   `json:"date"`
	TemperatureMax float64  `json:"temperature_max"`
	TemperatureMin float64  `json:"temperature_min"`
	Precipitation  float64  `json:"precipitation"`
	Alert          string   `json:"alert"`
	Alerts         []string `json:"alerts,omitempty"`
}

// ForecastResult is the labeled multi-day forecast for one location.
// SafetyLinks maps each alert category triggered on any day to its guidance URL.
type ForecastResult struct {
	Location    string            `json:"location"`
	GeneratedAt time.Time         `json:"generated_at"`
	Days        []ForecastDay     `json:"forecast"`
	SafetyLinks map[string]string `json:"safety_links"`
}

// HasAlerts reports whether any day carries at least one alert.
func (r ForecastResult) HasAlerts() bool {
	for _, d := range r.Days {
		if len(d.Alerts) > 0 {
			return true
		}
	}
	return false
}
