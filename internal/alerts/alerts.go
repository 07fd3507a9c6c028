// Package alerts derives streak-based extreme-weather labels from an
// ordered run of daily predictions.
package alerts

import (
	"strings"

	"github.com/kjstillabower/station-forecast-service/internal/models"
)

// Thresholds for the labeling rules.
const (
	HeatThreshold      = 35.0 // °C, temperature_max
	HeatStreakDays     = 3
	FloodThreshold     = 20.0 // mm, precipitation
	FloodStreakDays    = 1
	HeavyRainThreshold = 48.0 // mm, single day
	ColdThreshold      = 0.0  // °C, temperature_max strictly below
)

// NoAlertText labels a day on which no rule fired.
const NoAlertText = "No extreme weather"

// Alert is one extreme-weather condition. Variants are declared in rule
// evaluation order.
type Alert int

const (
	HeatWave Alert = iota
	FlashFlood
	HeavyRain
	ExtremeCold
)

var labelText = [...]string{
	HeatWave:    "Heat Wave",
	FlashFlood:  "Possibility of Flash Flood",
	HeavyRain:   "Heavy Rain",
	ExtremeCold: "Extreme Cold",
}

var linkKey = [...]string{
	HeatWave:    "Heat Wave",
	FlashFlood:  "Flash Flood Risk",
	HeavyRain:   "Extreme Rain",
	ExtremeCold: "Extreme Cold",
}

// SafetyLinks maps each link key to its guidance page.
var SafetyLinks = map[string]string{
	"Heat Wave":        "https://www.nhs.uk/live-well/seasonal-health/heatwave-how-to-cope-in-hot-weather/",
	"Flash Flood Risk": "https://www.gov.uk/help-during-flood",
	"Extreme Rain":     "https://weather.metoffice.gov.uk/warnings-and-advice/seasonal-advice/stay-safe-in-heavy-rain",
	"Extreme Cold":     "https://www.weather.gov/safety/cold-during",
}

// String returns the display text.
func (l Alert) String() string {
	if l < 0 || int(l) >= len(labelText) {
		return "unknown"
	}
	return labelText[l]
}

// LinkKey returns the safety link key the alert marks as applicable.
func (l Alert) LinkKey() string {
	if l < 0 || int(l) >= len(linkKey) {
		return ""
	}
	return linkKey[l]
}

// state holds the running streak counters for one labeling pass.
type state struct {
	heatDays  int
	floodDays int
}

func (s *state) next(p models.PredictionPoint) []Alert {
	var out []Alert

	if p.TemperatureMax >= HeatThreshold {
		s.heatDays++
	} else {
		s.heatDays = 0
	}
	if s.heatDays >= HeatStreakDays {
		out = append(out, HeatWave)
	}

	if p.Precipitation >= FloodThreshold {
		s.floodDays++
	} else {
		s.floodDays = 0
	}
	if s.floodDays >= FloodStreakDays {
		out = append(out, FlashFlood)
	}

	if p.Precipitation >= HeavyRainThreshold {
		out = append(out, HeavyRain)
	}
	if p.TemperatureMax < ColdThreshold {
		out = append(out, ExtremeCold)
	}
	return out
}

// Result is the outcome of a labeling pass. Days[i] holds the labels for
// points[i]; Links holds triggered link keys in first-trigger order.
type Result struct {
	Days  [][]Alert
	Links []string
}

// Label evaluates points strictly in order. Each call owns its own state.
func Label(points []models.PredictionPoint) Result {
	var s state
	res := Result{Days: make([][]Alert, len(points))}
	seen := make(map[string]bool)
	for i, p := range points {
		labels := s.next(p)
		res.Days[i] = labels
		for _, l := range labels {
			if k := l.LinkKey(); !seen[k] {
				seen[k] = true
				res.Links = append(res.Links, k)
			}
		}
	}
	return res
}

// Text renders a day's labels: NoAlertText when empty, otherwise the label
// texts joined with " and " in rule order.
func Text(labels []Alert) string {
	if len(labels) == 0 {
		return NoAlertText
	}
	parts := make([]string, len(labels))
	for i, l := range labels {
		parts[i] = l.String()
	}
	return strings.Join(parts, " and ")
}

// Strings renders each label individually.
func Strings(labels []Alert) []string {
	if len(labels) == 0 {
		return nil
	}
	out := make([]string, len(labels))
	for i, l := range labels {
		out[i] = l.String()
	}
	return out
}

// LinkURLs resolves link keys to a key -> URL map.
func LinkURLs(keys []string) map[string]string {
	out := make(map[string]string, len(keys))
	for _, k := range keys {
		if u, ok := SafetyLinks[k]; ok {
			out[k] = u
		}
	}
	return out
}
