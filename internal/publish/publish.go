// Package publish emits alert events for forecasts that carry at least one
// extreme-weather label.
package publish

import (
	"context"
	"time"

	"github.com/kjstillabower/station-forecast-service/internal/models"
)

// AlertDay is one forecast day with its alert labels.
type AlertDay struct {
	Date   string   `json:"date"`
	Alerts []string `json:"alerts"`
}

// AlertEvent is the message body published for an alerting forecast.
type AlertEvent struct {
	Location    string            `json:"location"`
	GeneratedAt time.Time         `json:"generated_at"`
	Days        []AlertDay        `json:"days"`
	SafetyLinks map[string]string `json:"safety_links"`
}

// EventFromForecast keeps only the days that carry alerts.
func EventFromForecast(r models.ForecastResult) AlertEvent {
	ev := AlertEvent{
		Location:    r.Location,
		GeneratedAt: r.GeneratedAt,
		SafetyLinks: r.SafetyLinks,
	}
	for _, d := range r.Days {
		if len(d.Alerts) == 0 {
			continue
		}
		ev.Days = append(ev.Days, AlertDay{Date: d.Date, Alerts: d.Alerts})
	}
	return ev
}

// Publisher sends alert events.
type Publisher interface {
	PublishAlerts(ctx context.Context, result models.ForecastResult) error
	Close() error
}

// NoopPublisher discards events. Used when alert publishing is disabled.
type NoopPublisher struct{}

func (NoopPublisher) PublishAlerts(context.Context, models.ForecastResult) error { return nil }
func (NoopPublisher) Close() error                                               { return nil }
