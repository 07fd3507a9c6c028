// Package lifecycle tracks process shutdown and derives the service health
// status from recent traffic.
package lifecycle

import (
	"sync/atomic"
	"time"

	"github.com/kjstillabower/station-forecast-service/internal/traffic"
)

var shuttingDown atomic.Bool

// SetShuttingDown sets the shutdown flag. Call when SIGTERM/SIGINT received.
// Health handler returns 503 with status shutting-down while true.
func SetShuttingDown(v bool) {
	shuttingDown.Store(v)
}

// IsShuttingDown returns true if the process is draining and should not receive new traffic.
func IsShuttingDown() bool {
	return shuttingDown.Load()
}

// Health status names, in decreasing priority.
const (
	StatusShuttingDown = "shutting-down"
	StatusOverloaded   = "overloaded"
	StatusDegraded     = "degraded"
	StatusHealthy      = "healthy"
)

// Thresholds configures Evaluate. Zero windows disable the matching check.
type Thresholds struct {
	OverloadWindow       time.Duration
	OverloadThresholdPct int
	RateLimitRPS         int
	DegradedWindow       time.Duration
	DegradedErrorPct     int
}

// Status is the outcome of Evaluate.
type Status struct {
	Name   string
	Reason string
}

// Healthy reports whether the status should be served with 200.
func (s Status) Healthy() bool {
	return s.Name == StatusHealthy
}

// Evaluate returns the current status: shutting-down > overloaded > degraded > healthy.
func Evaluate(th Thresholds) Status {
	if IsShuttingDown() {
		return Status{StatusShuttingDown, "signal"}
	}
	if th.OverloadWindow > 0 && th.RateLimitRPS > 0 && th.OverloadThresholdPct > 0 {
		threshold := float64(th.RateLimitRPS) * th.OverloadWindow.Seconds() * float64(th.OverloadThresholdPct) / 100
		if float64(traffic.RequestCount(th.OverloadWindow)) > threshold {
			return Status{StatusOverloaded, "overload_threshold"}
		}
	}
	if th.DegradedWindow > 0 && th.DegradedErrorPct > 0 {
		errors, total := traffic.ErrorRate(th.DegradedWindow)
		if total > 0 && float64(errors)*100/float64(total) >= float64(th.DegradedErrorPct) {
			return Status{StatusDegraded, "error_rate_breach"}
		}
	}
	return Status{StatusHealthy, ""}
}
